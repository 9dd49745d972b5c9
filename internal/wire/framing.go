package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Reader yields one inbound frame line at a time, enforcing the byte cap
// before any parsing happens. Oversized lines are consumed and discarded so
// the session survives them.
type Reader struct {
	br       *bufio.Reader
	maxBytes int
}

// NewReader wraps r with a per-line cap of maxBytes (newline excluded).
func NewReader(r io.Reader, maxBytes int) *Reader {
	return &Reader{br: bufio.NewReader(r), maxBytes: maxBytes}
}

// ReadLine returns the next non-empty line. oversized reports a line that
// exceeded the cap; its content is discarded and size is the number of bytes
// seen before giving up. io.EOF signals a clean end of stream.
func (r *Reader) ReadLine() (line []byte, oversized bool, size int, err error) {
	for {
		line, oversized, size, err = r.readOne()
		if err != nil {
			return nil, false, 0, err
		}
		if !oversized && len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return line, oversized, size, nil
	}
}

func (r *Reader) readOne() ([]byte, bool, int, error) {
	var buf []byte
	for {
		chunk, err := r.br.ReadSlice('\n')
		buf = append(buf, chunk...)
		if err == bufio.ErrBufferFull {
			if len(buf) > r.maxBytes {
				size, derr := r.discardLine(len(buf))
				return nil, true, size, derr
			}
			continue
		}
		if err == io.EOF && len(buf) > 0 {
			err = nil
		}
		if err != nil {
			return nil, false, 0, err
		}
		break
	}
	line := bytes.TrimRight(buf, "\r\n")
	if len(line) > r.maxBytes {
		return nil, true, len(line), nil
	}
	return line, false, len(line), nil
}

// discardLine consumes the remainder of an oversized line, counting bytes.
func (r *Reader) discardLine(seen int) (int, error) {
	for {
		chunk, err := r.br.ReadSlice('\n')
		seen += len(chunk)
		if err == bufio.ErrBufferFull {
			continue
		}
		if err == io.EOF {
			return seen, nil
		}
		return seen, err
	}
}

// WriteFrame writes exactly one response as a single line and flushes.
func WriteFrame(w io.Writer, resp *Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing response: %w", err)
	}
	if f, ok := w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}
