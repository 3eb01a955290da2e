package relay

import (
	"io"

	"github.com/papercomputeco/chatproxy/pkg/sse"
)

// Kind classifies an Event sent to the client.
type Kind int

const (
	// Data carries an upstream chunk verbatim.
	Data Kind = iota
	// Done is the terminal marker.
	Done
	// Error carries a description of a failure.
	Error
)

// Event is one unit sent downstream.
type Event struct {
	Kind Kind

	// Payload is the upstream JSON for Data events and the error description
	// for Error events. It is empty for Done.
	Payload string
}

// DataEvent wraps a verbatim upstream chunk.
func DataEvent(payload string) Event {
	return Event{Kind: Data, Payload: payload}
}

// DoneEvent is the terminal marker event.
func DoneEvent() Event {
	return Event{Kind: Done}
}

// ErrorEvent reports a failure in-band.
func ErrorEvent(message string) Event {
	return Event{Kind: Error, Payload: message}
}

// Wire renders the event body as sent on the wire.
func (e Event) Wire() string {
	switch e.Kind {
	case Done:
		return sse.Done
	case Error:
		return sse.ErrorPayload(e.Payload)
	default:
		return e.Payload
	}
}

// WriterSink frames events onto an io.Writer.
type WriterSink struct {
	W io.Writer
}

// Send writes ev as a single "data:" event.
func (s WriterSink) Send(ev Event) error {
	return sse.WriteEvent(s.W, ev.Wire())
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Event) error

// Send calls f(ev).
func (f SinkFunc) Send(ev Event) error {
	return f(ev)
}
