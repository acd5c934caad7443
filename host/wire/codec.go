package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// initialBufSize is the starting scanner buffer; maxLineSize bounds a
	// single message line. Service results can carry sizable payloads, so
	// the ceiling is deliberately generous.
	initialBufSize = 64 * 1024
	maxLineSize    = 1024 * 1024
)

// ErrMalformedLine wraps JSON parse failures for a single line. The decoder
// stream stays usable after returning it; callers log the line and continue.
var ErrMalformedLine = errors.New("malformed message line")

// Decoder reads newline-delimited messages from a stream. Partial lines are
// buffered internally until the terminating newline arrives, so a message
// split across reads is still decoded exactly once.
type Decoder struct {
	scanner *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, initialBufSize), maxLineSize)
	return &Decoder{scanner: scanner}
}

// Decode returns the next complete message. Blank lines are skipped. A line
// that is not a JSON object yields an error wrapping ErrMalformedLine; any
// other error (including io.EOF once the stream ends) is terminal.
func (d *Decoder) Decode() (Message, error) {
	for d.scanner.Scan() {
		line := bytes.TrimSpace(d.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return Message{}, fmt.Errorf("%w: %s", ErrMalformedLine, truncateLine(line))
		}
		return msg, nil
	}
	if err := d.scanner.Err(); err != nil {
		return Message{}, err
	}
	return Message{}, io.EOF
}

// truncateLine keeps malformed-line errors loggable when the offending line
// is huge.
func truncateLine(line []byte) string {
	const max = 256
	if len(line) <= max {
		return string(line)
	}
	return string(line[:max]) + "..."
}

// Encoder writes one message per line. It does not lock; the owning peer
// serializes writes.
type Encoder struct {
	w io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

func (e *Encoder) Encode(msg Message) error {
	buf, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	buf = append(buf, '\n')
	if _, err := e.w.Write(buf); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

