package sse

import (
	"bufio"
	"io"
	"strings"
)

const (
	initialBufferSize = 64 * 1024
	maxLineSize       = 1024 * 1024
)

// LineReader yields the non-blank lines of an upstream event stream one at a
// time. It reads lazily: each call to Next blocks only until the next line
// is available, so chunks can be forwarded as soon as they arrive.
//
// ┌──────────────────┐
// │ upstream body    │
// └──────────────────┘
// │
// ▼
// ┌──────────────────┐
// │ LineReader.Next()│  blank separator lines dropped
// └──────────────────┘
// │
// ▼
// "data: {...}"
type LineReader struct {
	scanner *bufio.Scanner
}

// NewLineReader returns a LineReader over src.
func NewLineReader(src io.Reader) *LineReader {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, initialBufferSize), maxLineSize)

	return &LineReader{scanner: scanner}
}

// Next returns the next non-blank line with its line terminator (and any
// trailing carriage return) removed. It returns io.EOF once src is exhausted
// and the underlying read error if src fails.
func (r *LineReader) Next() (string, error) {
	for r.scanner.Scan() {
		line := strings.TrimRight(r.scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		return line, nil
	}

	if err := r.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}
