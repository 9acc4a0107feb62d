// SPDX-License-Identifier: MIT

package errcode

import (
	"encoding/json"
	"fmt"
	"io"
)

// Envelope is the JSON object written as the final stdout line on any failure
// path. Exit code 1 accompanies it.
type Envelope struct {
	OK          bool              `json:"ok"`
	Code        Code              `json:"code"`
	Message     string            `json:"message"`
	Retryable   bool              `json:"retryable"`
	Hints       []string          `json:"hints,omitempty"`
	HintContext map[string]string `json:"hintContext,omitempty"`
}

// EnvelopeFor builds the failure envelope for an arbitrary error, classifying
// unknown errors as E_INTERNAL and stamping retryability from the central
// table.
func EnvelopeFor(err error) Envelope {
	typed := As(err)
	return Envelope{
		OK:          false,
		Code:        typed.Code,
		Message:     typed.Message,
		Retryable:   typed.Retryable(),
		Hints:       typed.Hints,
		HintContext: typed.HintContext,
	}
}

// WriteEnvelope emits the envelope as a single line terminated by \n.
func WriteEnvelope(w io.Writer, err error) error {
	data, marshalErr := json.Marshal(EnvelopeFor(err))
	if marshalErr != nil {
		// Marshalling a flat struct of strings cannot realistically fail;
		// degrade to a minimal literal rather than losing the contract line.
		_, wErr := fmt.Fprintf(w, `{"ok":false,"code":"E_INTERNAL","message":"envelope marshal failed","retryable":true}`+"\n")
		return wErr
	}
	_, wErr := w.Write(append(data, '\n'))
	return wErr
}
