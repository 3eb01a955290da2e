// Package storage defines the contract for persisting conversation records.
package storage

import (
	"context"

	"github.com/papercomputeco/chatproxy/pkg/conversation"
)

// Driver persists conversation records keyed by identifier.
// Every method validates the identifier before touching the backend and
// returns an InvalidIDError when it is rejected.
type Driver interface {
	// Load returns the record for id, or NotFoundError if there is none.
	Load(ctx context.Context, id string) (*conversation.Record, error)

	// Create persists a new record. It returns ConflictError and leaves the
	// existing record untouched if one with the same id already exists.
	Create(ctx context.Context, rec *conversation.Record) error

	// Save replaces the record atomically: a concurrent Load observes either
	// the previous or the new version, never a partial write.
	Save(ctx context.Context, rec *conversation.Record) error

	// Delete removes the record, or returns NotFoundError if there is none.
	Delete(ctx context.Context, id string) error

	// List returns the id and model of every readable record ordered by id
	// ascending. Records that cannot be decoded are logged and skipped.
	List(ctx context.Context) ([]conversation.Summary, error)

	// Close releases any resources held by the driver.
	Close() error
}
