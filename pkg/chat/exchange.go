package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/papercomputeco/chatproxy/pkg/conversation"
	"github.com/papercomputeco/chatproxy/pkg/eventstream"
	"github.com/papercomputeco/chatproxy/pkg/inference"
	"github.com/papercomputeco/chatproxy/pkg/relay"
	"github.com/papercomputeco/chatproxy/proxy/worker"
)

// UpstreamErrorPrefix starts the in-band message sent when the inference
// server refuses a request.
const UpstreamErrorPrefix = "LM Studio error: "

// Exchange is one user turn in flight. It holds the conversation's lock from
// Begin until Stream or Abort returns.
type Exchange struct {
	svc     *Service
	rec     *conversation.Record
	user    conversation.Turn
	unlock  func()
	started time.Time

	stream      *inference.Stream
	upstreamErr error

	once sync.Once
}

// Record returns the conversation as it will be saved, user turn included.
// It must not be modified.
func (e *Exchange) Record() *conversation.Record {
	return e.rec
}

// UpstreamErr is the error that kept the upstream from streaming, if any.
func (e *Exchange) UpstreamErr() error {
	return e.upstreamErr
}

// Stream relays the completion to sink, then saves the conversation with the
// assistant's text appended when there is any. The save happens whatever the
// outcome of the relay, including an upstream failure or the client leaving,
// and uses its own deadline rather than ctx.
//
// The returned error is only set when the save fails.
func (e *Exchange) Stream(ctx context.Context, sink relay.Sink) (relay.Result, error) {
	var (
		res relay.Result
		err error
	)

	ran := false
	e.once.Do(func() {
		ran = true
		defer e.unlock()

		res = e.run(ctx, sink)
		err = e.persist(res)
	})
	if !ran {
		return relay.Result{State: relay.Failed}, errors.New("exchange already finished")
	}

	return res, err
}

// Abort releases the exchange without relaying or saving anything.
func (e *Exchange) Abort() {
	e.once.Do(func() {
		if e.stream != nil {
			e.stream.Close()
		}
		e.unlock()
	})
}

func (e *Exchange) run(ctx context.Context, sink relay.Sink) relay.Result {
	if e.upstreamErr != nil {
		res := relay.Result{State: relay.Failed, Err: e.upstreamErr}
		if err := sink.Send(relay.ErrorEvent(upstreamMessage(e.upstreamErr))); err != nil {
			res.ClientGone = true
		}
		return res
	}

	defer e.stream.Close()
	return e.svc.relay.Run(ctx, e.stream, sink)
}

func (e *Exchange) persist(res relay.Result) error {
	s := e.svc
	id := e.rec.ID

	var assistant *conversation.Turn
	if res.Text != "" {
		assistant = &conversation.Turn{Role: conversation.RoleAssistant, Content: res.Text}
		e.rec.Append(*assistant)
	}

	finished := s.now()
	e.rec.Touch(finished.UTC())

	ctx, cancel := context.WithTimeout(context.Background(), s.saveTimeout)
	defer cancel()

	if err := s.driver.Save(ctx, e.rec); err != nil {
		s.logger.Error("failed to save chat after exchange",
			"chat", id,
			"state", res.State.String(),
			"error", err,
		)
		return fmt.Errorf("saving chat '%s': %w", id, err)
	}

	s.logger.Info("chat exchange saved",
		"chat", id,
		"model", e.rec.Model,
		"state", res.State.String(),
		"chunks", res.Chunks,
		"text_len", len(res.Text),
		"client_gone", res.ClientGone,
		"duration", finished.Sub(e.started),
	)

	if s.events != nil {
		s.events.Enqueue(worker.Job{Event: e.event(res, assistant, finished)})
	}

	return nil
}

func (e *Exchange) event(res relay.Result, assistant *conversation.Turn, finished time.Time) *eventstream.TurnPersistedEvent {
	ev := eventstream.NewTurnPersistedEvent(e.rec.ID, e.rec.Model, finished)
	ev.User = e.user
	ev.Assistant = assistant
	ev.MessageCount = len(e.rec.Messages)
	ev.RequestMeta = eventstream.TurnRequestMeta{
		StartedAt:   e.started.UTC(),
		CompletedAt: finished.UTC(),
		DurationMs:  finished.Sub(e.started).Milliseconds(),
		FirstByteMs: res.FirstByte.Milliseconds(),
		Chunks:      res.Chunks,
		Outcome:     res.State.String(),
		ClientGone:  res.ClientGone,
	}
	if res.Err != nil {
		ev.RequestMeta.Error = res.Err.Error()
	}
	return ev
}

// upstreamMessage is the client-facing text for a refused request.
func upstreamMessage(err error) string {
	var upErr *inference.UpstreamError
	if errors.As(err, &upErr) {
		return UpstreamErrorPrefix + upErr.Detail()
	}
	return UpstreamErrorPrefix + err.Error()
}
