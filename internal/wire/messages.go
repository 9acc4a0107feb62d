// SPDX-License-Identifier: MIT

package wire

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Request kinds accepted by the daemon.
const (
	KindPing     = "ping"
	KindPong     = "pong"
	KindShutdown = "shutdown"
	KindRun      = "run"
)

// Request is the single JSON object a client sends per connection.
type Request struct {
	Token string   `json:"token"`
	Kind  string   `json:"kind"`
	Argv  []string `json:"argv,omitempty"`
}

// Response is the single JSON object the daemon sends back.
//
// The "code" key is polymorphic by contract: an integer exit code on a
// successful run, a failure-code string when ok is false. RawMessage keeps
// both shapes round-trippable.
type Response struct {
	OK      bool            `json:"ok"`
	Kind    string          `json:"kind,omitempty"`
	Code    json.RawMessage `json:"code,omitempty"`
	Stdout  string          `json:"stdout,omitempty"`
	Stderr  string          `json:"stderr,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Pong builds the ping success response.
func Pong() Response {
	return Response{OK: true, Kind: KindPong}
}

// ShutdownOK builds the shutdown acknowledgement.
func ShutdownOK() Response {
	return Response{OK: true, Kind: KindShutdown}
}

// RunResult builds the run success response.
func RunResult(exitCode int, stdout, stderr string) Response {
	return Response{
		OK:     true,
		Kind:   KindRun,
		Code:   json.RawMessage(strconv.Itoa(exitCode)),
		Stdout: stdout,
		Stderr: stderr,
	}
}

// Failure builds a typed failure response.
func Failure(code, message string) Response {
	quoted, _ := json.Marshal(code)
	return Response{OK: false, Code: quoted, Message: message}
}

// ExitCode decodes the integer exit code of a run response.
func (r Response) ExitCode() int {
	var code int
	if err := json.Unmarshal(r.Code, &code); err != nil {
		return 1
	}
	return code
}

// ErrorCode decodes the failure-code string of a failure response.
func (r Response) ErrorCode() string {
	var code string
	if err := json.Unmarshal(r.Code, &code); err != nil {
		return strings.TrimSpace(string(r.Code))
	}
	return code
}
