// Package filestore provides a storage.Driver that keeps each conversation in
// its own indented JSON file.
package filestore

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/papercomputeco/chatproxy/pkg/conversation"
	"github.com/papercomputeco/chatproxy/pkg/logger"
	"github.com/papercomputeco/chatproxy/pkg/storage"
)

const (
	recordExt  = ".json"
	recordPerm = 0o644
	dirPerm    = 0o755

	// tempPattern starts with a dot so List never mistakes an in-flight
	// write for a record.
	tempPattern = ".tmp-*"
)

// Driver implements storage.Driver on a directory of <id>.json files.
type Driver struct {
	dir    string
	logger *slog.Logger
}

// NewDriver returns a file driver rooted at dir, creating the directory if it
// does not exist.
func NewDriver(dir string, log *slog.Logger) (*Driver, error) {
	if dir == "" {
		return nil, errors.New("chats directory is required")
	}
	if log == nil {
		log = logger.Nop()
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving chats directory: %w", err)
	}
	if err := os.MkdirAll(abs, dirPerm); err != nil {
		return nil, fmt.Errorf("creating chats directory: %w", err)
	}

	return &Driver{dir: abs, logger: log}, nil
}

// Dir returns the absolute directory records are kept in.
func (d *Driver) Dir() string {
	return d.dir
}

func (d *Driver) path(id string) string {
	return filepath.Join(d.dir, id+recordExt)
}

// Load reads and validates the record stored under id.
func (d *Driver) Load(_ context.Context, id string) (*conversation.Record, error) {
	if err := storage.CheckID(id); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(d.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storage.NotFoundError{ID: id}
		}
		return nil, fmt.Errorf("reading chat '%s': %w", id, err)
	}

	return storage.Decode(id, data)
}

// Create writes a new record, failing with storage.ConflictError if a file for
// the id is already present. The record is fully written and synced before it
// becomes visible under its final name.
func (d *Driver) Create(_ context.Context, rec *conversation.Record) error {
	if err := storage.CheckRecord(rec); err != nil {
		return err
	}

	data, err := storage.Encode(rec)
	if err != nil {
		return err
	}

	tmp, err := d.writeTemp(data)
	if err != nil {
		return fmt.Errorf("writing chat '%s': %w", rec.ID, err)
	}
	defer os.Remove(tmp)

	// link(2) refuses to replace an existing name, which makes the publish
	// exclusive without ever exposing a partial file.
	if err := os.Link(tmp, d.path(rec.ID)); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return storage.ConflictError{ID: rec.ID}
		}
		return fmt.Errorf("publishing chat '%s': %w", rec.ID, err)
	}

	return nil
}

// Save atomically replaces the record file. Concurrent readers see either the
// previous contents or the new contents.
func (d *Driver) Save(_ context.Context, rec *conversation.Record) error {
	if err := storage.CheckRecord(rec); err != nil {
		return err
	}

	data, err := storage.Encode(rec)
	if err != nil {
		return err
	}

	tmp, err := d.writeTemp(data)
	if err != nil {
		return fmt.Errorf("writing chat '%s': %w", rec.ID, err)
	}

	if err := os.Rename(tmp, d.path(rec.ID)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing chat '%s': %w", rec.ID, err)
	}

	return nil
}

// Delete removes the record file.
func (d *Driver) Delete(_ context.Context, id string) error {
	if err := storage.CheckID(id); err != nil {
		return err
	}

	if err := os.Remove(d.path(id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return storage.NotFoundError{ID: id}
		}
		return fmt.Errorf("deleting chat '%s': %w", id, err)
	}

	return nil
}

// List returns a summary of every readable record ordered by id. Unreadable or
// invalid files are logged and left out of the listing.
func (d *Driver) List(ctx context.Context) ([]conversation.Summary, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("reading chats directory: %w", err)
	}

	summaries := make([]conversation.Summary, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recordExt) {
			continue
		}

		id := strings.TrimSuffix(name, recordExt)
		rec, err := d.Load(ctx, id)
		if err != nil {
			d.logger.Warn("skipping unreadable chat", "chat", id, "error", err)
			continue
		}

		summaries = append(summaries, rec.Summary())
	}

	slices.SortFunc(summaries, func(a, b conversation.Summary) int {
		return cmp.Compare(a.ID, b.ID)
	})

	return summaries, nil
}

// Close is a no-op for the file driver.
func (d *Driver) Close() error {
	return nil
}

// writeTemp writes data to a synced temp file in the records directory and
// returns its path. Keeping the temp file on the same filesystem is what lets
// rename and link publish it atomically.
func (d *Driver) writeTemp(data []byte) (string, error) {
	f, err := os.CreateTemp(d.dir, tempPattern)
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	path := f.Name()

	success := false
	defer func() {
		if !success {
			f.Close()
			os.Remove(path)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return "", fmt.Errorf("failed to write data: %w", err)
	}
	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("failed to sync data to disk: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(path, recordPerm); err != nil {
		return "", fmt.Errorf("failed to set file permissions: %w", err)
	}

	success = true
	return path, nil
}
