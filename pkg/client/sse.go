// Package client provides the client-side pieces of the mesh protocol: an
// SSE stream reader and an assembler that folds streamed task events back
// into a coherent message and artifact manifest.
package client

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// SSEEvent is one parsed server-sent event.
type SSEEvent struct {
	ID    string
	Event string
	Data  []byte
}

// SSEReader reads server-sent events from a stream. Keepalive comments
// (lines starting with ':') are skipped; both \n and \r\n line endings are
// accepted.
type SSEReader struct {
	scanner *bufio.Scanner
}

// NewSSEReader wraps a response body.
func NewSSEReader(r io.Reader) *SSEReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	return &SSEReader{scanner: scanner}
}

// Next returns the next event, or io.EOF when the stream ends.
func (r *SSEReader) Next() (*SSEEvent, error) {
	var (
		event   SSEEvent
		dataBuf bytes.Buffer
		started bool
	)

	for r.scanner.Scan() {
		line := strings.TrimSuffix(r.scanner.Text(), "\r")

		if line == "" {
			if started {
				event.Data = dataBuf.Bytes()
				return &event, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			// Keepalive comment.
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			event.ID = value
			started = true
		case "event":
			event.Event = value
			started = true
		case "data":
			if dataBuf.Len() > 0 {
				dataBuf.WriteByte('\n')
			}
			dataBuf.WriteString(value)
			started = true
		}
	}

	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	if started {
		event.Data = dataBuf.Bytes()
		return &event, nil
	}
	return nil, io.EOF
}
