package ndjson

import (
	"bytes"
	"strings"
)

// MaxLineBytes bounds the unterminated tail a Framer will hold
const MaxLineBytes = 4 * 1024 * 1024

// Framer reassembles newline-terminated lines from arbitrarily split
// chunks of a byte stream. The zero value is ready to use.
type Framer struct {
	buf      []byte
	max      int
	overflow int
	// set after an overflow until the oversized line's newline arrives
	discarding bool
}

// NewFramer creates a Framer that discards any line longer than max bytes,
// up to and including its terminating newline. A max of zero uses
// MaxLineBytes.
func NewFramer(max int) *Framer {
	if max <= 0 {
		max = MaxLineBytes
	}
	return &Framer{max: max}
}

// Feed appends chunk and returns every complete, trimmed, non-empty line
// in stream order. The unterminated remainder is kept for the next call.
func (f *Framer) Feed(chunk []byte) []string {
	if f.discarding {
		idx := bytes.IndexByte(chunk, '\n')
		if idx < 0 {
			return nil
		}
		f.discarding = false
		chunk = chunk[idx+1:]
	}
	f.buf = append(f.buf, chunk...)

	var lines []string
	for {
		idx := bytes.IndexByte(f.buf, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimSpace(string(f.buf[:idx]))
		f.buf = f.buf[idx+1:]
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}

	limit := f.max
	if limit <= 0 {
		limit = MaxLineBytes
	}
	if len(f.buf) > limit {
		f.overflow++
		f.buf = nil
		f.discarding = true
	}

	// Release the backing array once fully drained
	if len(f.buf) == 0 {
		f.buf = nil
	}

	return lines
}

// Pending returns the number of buffered bytes not yet terminated by a newline
func (f *Framer) Pending() int {
	return len(f.buf)
}

// Overflows returns how many oversized tails have been discarded
func (f *Framer) Overflows() int {
	return f.overflow
}
