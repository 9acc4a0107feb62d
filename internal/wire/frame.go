// SPDX-License-Identifier: MIT

// Package wire implements the newline-delimited JSON framing used on the
// daemon's loopback socket. One frame per connection, in each direction.
package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameBytes is the hard cap on the raw line, including the trailing
// newline. Applies to requests and responses alike.
const MaxFrameBytes = 4 << 20

var (
	// ErrFrameOversize is returned when a peer buffers more than the cap
	// without producing a newline. The connection must be closed.
	ErrFrameOversize = errors.New("frame exceeds size cap")

	// ErrFrameInvalidJSON is returned when the framed line is not a JSON
	// object.
	ErrFrameInvalidJSON = errors.New("frame is not valid JSON")
)

// Encode serialises v as UTF-8 JSON followed by a single newline. Values that
// would exceed the frame cap are rejected before any bytes hit the wire.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	if len(data)+1 > MaxFrameBytes {
		return nil, ErrFrameOversize
	}
	return append(data, '\n'), nil
}

// Decoder reads exactly one frame from an underlying reader. Connections are
// one-shot request/response; trailing bytes after the first newline are
// discarded by the caller closing the connection.
type Decoder struct {
	r   *bufio.Reader
	cap int
}

// NewDecoder wraps r with the default frame cap.
func NewDecoder(r io.Reader) *Decoder {
	return NewDecoderSize(r, MaxFrameBytes)
}

// NewDecoderSize wraps r with an explicit cap. Used by tests to exercise the
// oversize path without 4 MiB payloads.
func NewDecoderSize(r io.Reader, max int) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64<<10), cap: max}
}

// Decode reads one newline-terminated frame and unmarshals it into v.
func (d *Decoder) Decode(v any) error {
	line, err := d.readLine()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(line, v); err != nil {
		return ErrFrameInvalidJSON
	}
	return nil
}

// readLine accumulates bytes up to the first newline, enforcing the cap on
// the raw buffered length.
func (d *Decoder) readLine() ([]byte, error) {
	var buf bytes.Buffer
	for {
		chunk, err := d.r.ReadSlice('\n')
		buf.Write(chunk)
		if buf.Len() > d.cap {
			return nil, ErrFrameOversize
		}
		switch {
		case err == nil:
			return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && buf.Len() > 0:
			// Peer closed without a newline; treat the partial line as the
			// frame so malformed clients get a JSON error, not a hang.
			return buf.Bytes(), nil
		default:
			return nil, err
		}
	}
}
