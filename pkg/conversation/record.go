// Package conversation defines the persisted conversation record and the
// turns it is made of.
package conversation

import (
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultTemperature is applied when a record is created without one.
	DefaultTemperature = 0.7

	// UnboundedTokens is the max_tokens sentinel meaning "no limit".
	UnboundedTokens = -1
)

// Role is the author of a Turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Turn is one role-tagged message within a conversation.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Record is the durable unit of persisted chat state, keyed by ID.
// Messages are in conversation order; a turn's position is its index.
type Record struct {
	ID          string    `json:"id"`
	Model       string    `json:"model"`
	Messages    []Turn    `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Summary is the listing view of a Record.
type Summary struct {
	ID    string `json:"id"`
	Model string `json:"model"`
}

// New returns a record with no turns, default generation parameters and both
// timestamps set to now.
func New(id, model string, now time.Time) *Record {
	return &Record{
		ID:          id,
		Model:       model,
		Messages:    []Turn{},
		Temperature: DefaultTemperature,
		MaxTokens:   UnboundedTokens,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Append adds a turn at the end of the conversation.
func (r *Record) Append(t Turn) {
	r.Messages = append(r.Messages, t)
}

// RemoveAt deletes the turn at index i and compacts the sequence so later
// turns shift down by one. The record is untouched when i is out of range.
func (r *Record) RemoveAt(i int) (Turn, bool) {
	if i < 0 || i >= len(r.Messages) {
		return Turn{}, false
	}

	removed := r.Messages[i]
	r.Messages = append(r.Messages[:i:i], r.Messages[i+1:]...)
	return removed, true
}

// Touch moves UpdatedAt forward to now. It never moves it backwards, so a
// clock step cannot break UpdatedAt >= CreatedAt.
func (r *Record) Touch(now time.Time) {
	if now.After(r.UpdatedAt) {
		r.UpdatedAt = now
	}
	if r.UpdatedAt.Before(r.CreatedAt) {
		r.UpdatedAt = r.CreatedAt
	}
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	out := *r
	out.Messages = make([]Turn, len(r.Messages))
	copy(out.Messages, r.Messages)
	return &out
}

// Summary returns the listing view of the record.
func (r *Record) Summary() Summary {
	return Summary{ID: r.ID, Model: r.Model}
}

// Validate checks the structural invariants of a record read from, or about
// to be written to, a store.
func (r *Record) Validate() error {
	if err := ValidateID(r.ID); err != nil {
		return err
	}
	if r.Model == "" {
		return errors.New("model is required")
	}
	if r.CreatedAt.IsZero() || r.UpdatedAt.IsZero() {
		return errors.New("timestamps are required")
	}
	if r.UpdatedAt.Before(r.CreatedAt) {
		return fmt.Errorf("updated_at %s is before created_at %s",
			r.UpdatedAt.Format(time.RFC3339), r.CreatedAt.Format(time.RFC3339))
	}
	for i, t := range r.Messages {
		if !t.Role.Valid() {
			return fmt.Errorf("message %d: unknown role %q", i, t.Role)
		}
	}
	return nil
}
