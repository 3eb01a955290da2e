// Package relay forwards a streaming completion from the inference server to
// a client while accumulating the generated text.
//
// A relay moves through these states:
//
//	AwaitingFirstByte ──▶ Streaming ──▶ Completed
//	        │                 │
//	        └────────┬────────┘
//	                 ▼
//	               Failed
//
// Completed and Failed are terminal: once reached, no further upstream data
// is read.
package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/papercomputeco/chatproxy/pkg/logger"
	"github.com/papercomputeco/chatproxy/pkg/sse"
)

// State is the position of a relay in its lifecycle.
type State int

const (
	AwaitingFirstByte State = iota
	Streaming
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case AwaitingFirstByte:
		return "awaiting_first_byte"
	case Streaming:
		return "streaming"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether s is Completed or Failed.
func (s State) Terminal() bool {
	return s == Completed || s == Failed
}

// contentPath locates the generated text in an OpenAI-style delta chunk.
const contentPath = "choices.0.delta.content"

// LineSource yields raw upstream lines. Next returns io.EOF at the end of the
// stream and any other error for a transport failure.
type LineSource interface {
	Next() (string, error)
}

// Sink receives events for the client. An error means the client can no
// longer be written to.
type Sink interface {
	Send(Event) error
}

// Result is the outcome of a relay run.
type Result struct {
	State State

	// Text is the concatenation of every content fragment seen, in order.
	// It is populated on failure too, so partial output can be kept.
	Text string

	// Chunks counts the upstream data events forwarded to the client.
	Chunks int

	// Err is the upstream or sink error that ended a Failed run.
	Err error

	// ClientGone is set when the run ended because the client went away.
	ClientGone bool

	// FirstByte is the time from the start of the run to the first upstream
	// line. Zero if no line arrived.
	FirstByte time.Duration
}

// Relay runs streams. The zero value is not usable; use New.
type Relay struct {
	logger *slog.Logger
	now    func() time.Time
}

// New returns a Relay logging to log.
func New(log *slog.Logger) *Relay {
	if log == nil {
		log = logger.Nop()
	}
	return &Relay{logger: log, now: time.Now}
}

// Run reads src until the terminal marker, end of stream, an upstream error,
// a sink error or ctx cancellation, forwarding each chunk to sink in upstream
// order. Each event is handed to sink before the next line is read.
func (r *Relay) Run(ctx context.Context, src LineSource, sink Sink) Result {
	var (
		res   = Result{State: AwaitingFirstByte}
		text  strings.Builder
		start = r.now()
	)

	finish := func(state State, err error) Result {
		res.State = state
		res.Err = err
		res.Text = text.String()
		return res
	}

	send := func(ev Event) bool {
		if err := sink.Send(ev); err != nil {
			r.logger.Debug("client went away", "error", err, "chunks", res.Chunks)
			res.ClientGone = true
			res.Err = err
			return false
		}
		return true
	}

	for {
		if err := ctx.Err(); err != nil {
			res.ClientGone = true
			return finish(Failed, err)
		}

		line, err := src.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if res.State == AwaitingFirstByte {
					r.logger.Debug("upstream closed without data")
				}
				return finish(Completed, nil)
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				res.ClientGone = true
				return finish(Failed, ctxErr)
			}

			r.logger.Warn("upstream stream failed", "error", err, "chunks", res.Chunks)
			if !send(ErrorEvent(err.Error())) {
				return finish(Failed, res.Err)
			}
			return finish(Failed, err)
		}

		if res.State == AwaitingFirstByte {
			res.FirstByte = r.now().Sub(start)
			res.State = Streaming
		}

		payload, ok := sse.CutData(line)
		if !ok {
			continue
		}

		if strings.TrimSpace(payload) == sse.Done {
			if !send(DoneEvent()) {
				return finish(Failed, res.Err)
			}
			return finish(Completed, nil)
		}

		if !gjson.Valid(payload) {
			r.logger.Debug("dropping malformed chunk", "payload", payload)
			continue
		}

		if content := gjson.Get(payload, contentPath); content.Type == gjson.String {
			text.WriteString(content.Str)
		}

		if !send(DataEvent(payload)) {
			return finish(Failed, res.Err)
		}
		res.Chunks++
	}
}
