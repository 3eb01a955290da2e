// Package sqldriver implements storage.Driver on database/sql. It is
// database-agnostic and is embedded by the sqlite and postgres drivers, which
// supply the connection and a Dialect.
package sqldriver

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/papercomputeco/chatproxy/pkg/conversation"
	"github.com/papercomputeco/chatproxy/pkg/logger"
	"github.com/papercomputeco/chatproxy/pkg/storage"
)

// Dialect holds the statements that differ between databases.
type Dialect struct {
	// Name is used in error messages.
	Name string

	// Schema creates the chats table if it does not exist. The table must
	// have columns id (primary key), model and document.
	Schema string

	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string
}

// Driver stores each record as a JSON document in a single table keyed by id.
type Driver struct {
	DB      *sql.DB
	Dialect Dialect
	Logger  *slog.Logger
}

// New wraps db, creating the schema if needed.
func New(ctx context.Context, db *sql.DB, dialect Dialect, log *slog.Logger) (*Driver, error) {
	if log == nil {
		log = logger.Nop()
	}

	if _, err := db.ExecContext(ctx, dialect.Schema); err != nil {
		return nil, fmt.Errorf("failed to create %s schema: %w", dialect.Name, err)
	}

	return &Driver{DB: db, Dialect: dialect, Logger: log}, nil
}

func (d *Driver) ph(n int) string {
	return d.Dialect.Placeholder(n)
}

// Load reads the record stored under id.
func (d *Driver) Load(ctx context.Context, id string) (*conversation.Record, error) {
	if err := storage.CheckID(id); err != nil {
		return nil, err
	}

	var doc string
	err := d.DB.QueryRowContext(ctx,
		"SELECT document FROM chats WHERE id = "+d.ph(1), id,
	).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.NotFoundError{ID: id}
		}
		return nil, fmt.Errorf("failed to load chat '%s': %w", id, err)
	}

	return storage.Decode(id, []byte(doc))
}

// Create inserts a new record, returning storage.ConflictError if the id is
// taken.
func (d *Driver) Create(ctx context.Context, rec *conversation.Record) error {
	if err := storage.CheckRecord(rec); err != nil {
		return err
	}

	doc, err := storage.Encode(rec)
	if err != nil {
		return err
	}

	res, err := d.DB.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO chats (id, model, document) VALUES (%s, %s, %s) ON CONFLICT (id) DO NOTHING",
			d.ph(1), d.ph(2), d.ph(3)),
		rec.ID, rec.Model, string(doc),
	)
	if err != nil {
		return fmt.Errorf("failed to create chat '%s': %w", rec.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to create chat '%s': %w", rec.ID, err)
	}
	if n == 0 {
		return storage.ConflictError{ID: rec.ID}
	}

	return nil
}

// Save upserts the record in a single statement.
func (d *Driver) Save(ctx context.Context, rec *conversation.Record) error {
	if err := storage.CheckRecord(rec); err != nil {
		return err
	}

	doc, err := storage.Encode(rec)
	if err != nil {
		return err
	}

	_, err = d.DB.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO chats (id, model, document) VALUES (%s, %s, %s)
ON CONFLICT (id) DO UPDATE SET model = excluded.model, document = excluded.document`,
			d.ph(1), d.ph(2), d.ph(3)),
		rec.ID, rec.Model, string(doc),
	)
	if err != nil {
		return fmt.Errorf("failed to save chat '%s': %w", rec.ID, err)
	}

	return nil
}

// Delete removes the record for id.
func (d *Driver) Delete(ctx context.Context, id string) error {
	if err := storage.CheckID(id); err != nil {
		return err
	}

	res, err := d.DB.ExecContext(ctx, "DELETE FROM chats WHERE id = "+d.ph(1), id)
	if err != nil {
		return fmt.Errorf("failed to delete chat '%s': %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete chat '%s': %w", id, err)
	}
	if n == 0 {
		return storage.NotFoundError{ID: id}
	}

	return nil
}

// List returns the summary of every decodable record ordered by id. The order
// is applied in Go so it is bytewise regardless of the database collation.
func (d *Driver) List(ctx context.Context) ([]conversation.Summary, error) {
	rows, err := d.DB.QueryContext(ctx, "SELECT id, document FROM chats")
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	defer rows.Close()

	summaries := []conversation.Summary{}
	for rows.Next() {
		var id, doc string
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, fmt.Errorf("failed to scan chat row: %w", err)
		}

		rec, err := storage.Decode(id, []byte(doc))
		if err != nil {
			d.Logger.Warn("skipping unreadable chat", "chat", id, "error", err)
			continue
		}
		summaries = append(summaries, rec.Summary())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}

	slices.SortFunc(summaries, func(a, b conversation.Summary) int {
		return cmp.Compare(a.ID, b.ID)
	})

	return summaries, nil
}

// Close closes the underlying database.
func (d *Driver) Close() error {
	return d.DB.Close()
}
