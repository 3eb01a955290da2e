// Package chat coordinates conversations: it creates and removes records,
// appends user turns, relays the model's answer and persists the result.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/papercomputeco/chatproxy/pkg/conversation"
	"github.com/papercomputeco/chatproxy/pkg/inference"
	"github.com/papercomputeco/chatproxy/pkg/logger"
	"github.com/papercomputeco/chatproxy/pkg/relay"
	"github.com/papercomputeco/chatproxy/pkg/storage"
	"github.com/papercomputeco/chatproxy/pkg/storage/keylock"
	"github.com/papercomputeco/chatproxy/proxy/worker"
)

const defaultSaveTimeout = 30 * time.Second

// Upstream opens streaming completions. *inference.Client implements it.
type Upstream interface {
	Complete(ctx context.Context, req inference.ChatRequest) (*inference.Stream, error)
}

// Config wires a Service.
type Config struct {
	// Driver persists records. Required.
	Driver storage.Driver

	// Upstream produces completions. Required.
	Upstream Upstream

	// Events publishes a notification after each saved exchange. Optional.
	Events *worker.Pool

	// SaveTimeout bounds the save that ends an exchange. That save does not
	// use the caller's context, so a client disconnect cannot cancel it.
	SaveTimeout time.Duration

	Logger *slog.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Service is the conversation coordinator. It is safe for concurrent use;
// operations on the same conversation are serialized.
type Service struct {
	driver      storage.Driver
	upstream    Upstream
	events      *worker.Pool
	locks       *keylock.Locker
	relay       *relay.Relay
	saveTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// CreateParams describes a new conversation. Nil parameters take defaults.
type CreateParams struct {
	ID          string
	Model       string
	Temperature *float64
	MaxTokens   *int
}

// New returns a Service for cfg.
func New(cfg Config) (*Service, error) {
	if cfg.Driver == nil {
		return nil, errors.New("storage driver is required")
	}
	if cfg.Upstream == nil {
		return nil, errors.New("upstream is required")
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	saveTimeout := cfg.SaveTimeout
	if saveTimeout <= 0 {
		saveTimeout = defaultSaveTimeout
	}

	return &Service{
		driver:      cfg.Driver,
		upstream:    cfg.Upstream,
		events:      cfg.Events,
		locks:       keylock.New(),
		relay:       relay.New(log),
		saveTimeout: saveTimeout,
		logger:      log,
		now:         now,
	}, nil
}

// Create stores a new, empty conversation.
func (s *Service) Create(ctx context.Context, p CreateParams) (*conversation.Record, error) {
	if err := storage.CheckID(p.ID); err != nil {
		return nil, err
	}

	model := strings.TrimSpace(p.Model)
	if model == "" {
		return nil, ValidationError{Field: "model", Msg: "is required"}
	}

	rec := conversation.New(p.ID, model, s.now().UTC())
	if p.Temperature != nil {
		t := *p.Temperature
		if math.IsNaN(t) || math.IsInf(t, 0) || t < 0 {
			return nil, ValidationError{Field: "temperature", Msg: "must be a non-negative number"}
		}
		rec.Temperature = t
	}
	if p.MaxTokens != nil {
		if *p.MaxTokens == 0 || *p.MaxTokens < conversation.UnboundedTokens {
			return nil, ValidationError{Field: "max_tokens", Msg: "must be positive or -1"}
		}
		rec.MaxTokens = *p.MaxTokens
	}

	if err := s.driver.Create(ctx, rec); err != nil {
		return nil, err
	}

	s.logger.Info("chat created", "chat", rec.ID, "model", rec.Model)
	return rec, nil
}

// Get returns the conversation with id.
func (s *Service) Get(ctx context.Context, id string) (*conversation.Record, error) {
	return s.driver.Load(ctx, id)
}

// List returns every conversation's summary ordered by id.
func (s *Service) List(ctx context.Context) ([]conversation.Summary, error) {
	return s.driver.List(ctx)
}

// Delete removes the conversation with id. It waits for any exchange in
// progress on that conversation to finish first.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := storage.CheckID(id); err != nil {
		return err
	}

	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.driver.Delete(ctx, id); err != nil {
		return err
	}

	s.logger.Info("chat deleted", "chat", id)
	return nil
}

// DeleteMessage removes the turn at index and returns it. Later turns shift
// down by one. Nothing is written when index is out of range.
func (s *Service) DeleteMessage(ctx context.Context, id string, index int) (conversation.Turn, error) {
	if err := storage.CheckID(id); err != nil {
		return conversation.Turn{}, err
	}

	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return conversation.Turn{}, err
	}
	defer unlock()

	rec, err := s.driver.Load(ctx, id)
	if err != nil {
		return conversation.Turn{}, err
	}

	removed, ok := rec.RemoveAt(index)
	if !ok {
		return conversation.Turn{}, InvalidIndexError{Index: index, Len: len(rec.Messages)}
	}

	rec.Touch(s.now().UTC())
	if err := s.driver.Save(ctx, rec); err != nil {
		return conversation.Turn{}, fmt.Errorf("saving chat '%s': %w", id, err)
	}

	s.logger.Info("message deleted", "chat", id, "index", index, "role", removed.Role)
	return removed, nil
}

// AppendUserTurn runs a whole exchange: Begin followed by Stream.
func (s *Service) AppendUserTurn(ctx context.Context, id string, turn conversation.Turn, sink relay.Sink) (relay.Result, error) {
	ex, err := s.Begin(ctx, id, turn)
	if err != nil {
		return relay.Result{}, err
	}
	return ex.Stream(ctx, sink)
}

// Begin validates turn, takes the conversation's lock, loads it, appends the
// turn and opens the upstream completion. Errors returned here mean nothing
// was changed and the lock is not held. On success the caller must finish the
// Exchange with Stream or Abort.
//
// An upstream that refuses the request does not fail Begin: the failure is
// reported in-band by Stream, which still saves the user turn.
func (s *Service) Begin(ctx context.Context, id string, turn conversation.Turn) (*Exchange, error) {
	if err := storage.CheckID(id); err != nil {
		return nil, err
	}

	if turn.Role == "" {
		turn.Role = conversation.RoleUser
	}
	if !turn.Role.Valid() {
		return nil, ValidationError{Field: "role", Msg: fmt.Sprintf("unknown role %q", turn.Role)}
	}
	if strings.TrimSpace(turn.Content) == "" {
		return nil, ValidationError{Field: "content", Msg: "is required"}
	}

	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}

	rec, err := s.driver.Load(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}

	rec.Append(turn)

	ex := &Exchange{
		svc:     s,
		rec:     rec,
		user:    turn,
		unlock:  unlock,
		started: s.now(),
	}

	stream, err := s.upstream.Complete(ctx, inference.ChatRequest{
		Model:       rec.Model,
		Messages:    rec.Messages,
		Temperature: rec.Temperature,
		MaxTokens:   rec.MaxTokens,
	})
	if err != nil {
		s.logger.Warn("upstream refused chat", "chat", id, "model", rec.Model, "error", err)
		ex.upstreamErr = err
		return ex, nil
	}

	ex.stream = stream
	return ex, nil
}
