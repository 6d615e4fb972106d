package wire

import (
	"bytes"
	"fmt"
	"strings"

	"chatstream/internal/domain"
)

// Framer reassembles complete lines from arbitrarily split byte chunks.
// Bytes after the last newline stay in the accumulator, so a multibyte
// character split across chunks is decoded only once it is whole.
type Framer struct {
	buf     []byte
	maxLine int
}

// NewFramer creates a Framer. A positive maxLine bounds how many bytes may
// wait for a newline; zero means unbounded.
func NewFramer(maxLine int) *Framer {
	return &Framer{maxLine: maxLine}
}

// Push appends chunk and returns every line completed by it, trimmed, with
// blank lines dropped. If the unterminated remainder outgrows the limit it
// is discarded and an error wrapping domain.ErrMalformed is returned along
// with the completed lines.
func (f *Framer) Push(chunk []byte) ([]string, error) {
	f.buf = append(f.buf, chunk...)

	last := bytes.LastIndexByte(f.buf, '\n')
	var lines []string
	if last >= 0 {
		lines = split(f.buf[:last+1])
		f.buf = append(f.buf[:0], f.buf[last+1:]...)
	}
	if f.maxLine > 0 && len(f.buf) > f.maxLine {
		n := len(f.buf)
		f.buf = f.buf[:0]
		return lines, &DecodeError{
			Err:    domain.ErrMalformed,
			Detail: fmt.Sprintf("unterminated line exceeds %d bytes (%d buffered)", f.maxLine, n),
		}
	}
	return lines, nil
}

// Flush returns the final unterminated line, if any, and resets the framer.
func (f *Framer) Flush() []string {
	if len(f.buf) == 0 {
		return nil
	}
	lines := split(f.buf)
	f.buf = f.buf[:0]
	return lines
}

// Buffered reports how many bytes are waiting for a newline.
func (f *Framer) Buffered() int { return len(f.buf) }

func split(b []byte) []string {
	text := strings.ToValidUTF8(string(b), "\uFFFD")
	var lines []string
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}
