// Package inmemory provides a storage.Driver backed by a map, for tests and
// ephemeral runs.
package inmemory

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/papercomputeco/chatproxy/pkg/conversation"
	"github.com/papercomputeco/chatproxy/pkg/storage"
)

// Driver implements storage.Driver using an in-memory map.
type Driver struct {
	// mu is a read write sync mutex for locking the mapping of records
	mu sync.RWMutex

	// records is keyed by conversation id. Values are private copies so callers
	// can never mutate stored state.
	records map[string]*conversation.Record
}

// NewDriver creates a new in-memory driver.
func NewDriver() *Driver {
	return &Driver{
		records: make(map[string]*conversation.Record),
	}
}

// Load retrieves a copy of the record for id.
func (d *Driver) Load(_ context.Context, id string) (*conversation.Record, error) {
	if err := storage.CheckID(id); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	rec, ok := d.records[id]
	if !ok {
		return nil, storage.NotFoundError{ID: id}
	}

	return rec.Clone(), nil
}

// Create stores a new record or returns storage.ConflictError.
func (d *Driver) Create(_ context.Context, rec *conversation.Record) error {
	if err := storage.CheckRecord(rec); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.records[rec.ID]; ok {
		return storage.ConflictError{ID: rec.ID}
	}

	d.records[rec.ID] = rec.Clone()
	return nil
}

// Save replaces the record for rec.ID.
func (d *Driver) Save(_ context.Context, rec *conversation.Record) error {
	if err := storage.CheckRecord(rec); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.records[rec.ID] = rec.Clone()
	return nil
}

// Delete removes the record for id.
func (d *Driver) Delete(_ context.Context, id string) error {
	if err := storage.CheckID(id); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.records[id]; !ok {
		return storage.NotFoundError{ID: id}
	}

	delete(d.records, id)
	return nil
}

// List returns every record's summary ordered by id.
func (d *Driver) List(_ context.Context) ([]conversation.Summary, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	summaries := make([]conversation.Summary, 0, len(d.records))
	for _, rec := range d.records {
		summaries = append(summaries, rec.Summary())
	}

	slices.SortFunc(summaries, func(a, b conversation.Summary) int {
		return cmp.Compare(a.ID, b.ID)
	})

	return summaries, nil
}

// Count returns the number of records in the in-memory store.
func (d *Driver) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.records)
}

// Close is a no-op for the in-memory driver.
func (d *Driver) Close() error {
	return nil
}
