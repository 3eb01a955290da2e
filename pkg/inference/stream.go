package inference

import (
	"io"
	"sync"

	"github.com/papercomputeco/chatproxy/pkg/sse"
)

// Stream is the lazily read body of a streaming completion. It is single
// pass: lines are produced as they arrive and cannot be replayed.
type Stream struct {
	body   io.ReadCloser
	lines  *sse.LineReader
	once   sync.Once
	closeE error
}

func newStream(body io.ReadCloser) *Stream {
	return &Stream{
		body:  body,
		lines: sse.NewLineReader(body),
	}
}

// Next returns the next non-blank line of the upstream body, io.EOF at the
// end, or the transport error that interrupted the read.
func (s *Stream) Next() (string, error) {
	return s.lines.Next()
}

// Close releases the upstream connection. It is safe to call more than once.
func (s *Stream) Close() error {
	s.once.Do(func() {
		s.closeE = s.body.Close()
	})
	return s.closeE
}
