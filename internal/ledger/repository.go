// Package ledger records which objects the service has uploaded, so they can
// be listed without walking the bucket.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/radif/uploads/internal/upload"
)

// Entry is one uploaded object.
type Entry struct {
	ID        int64     `json:"id"`
	Filename  string    `json:"filename"`
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"createdAt"`
}

// DBTX is the subset of pgxpool.Pool used by Repository.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Repository handles all ledger database operations.
type Repository struct {
	db DBTX
}

// NewRepository creates a new Repository with the given connection pool.
func NewRepository(db DBTX) *Repository {
	return &Repository{db: db}
}

var _ upload.Ledger = (*Repository)(nil)

// Save records uploaded objects. Re-uploading a key replaces its entry; when
// records repeats a key, the last one wins like the object store's overwrite.
func (r *Repository) Save(ctx context.Context, records []upload.Record) error {
	records = lastPerKey(records)
	if len(records) == 0 {
		return nil
	}

	filenames := make([]string, len(records))
	keys := make([]string, len(records))
	urls := make([]string, len(records))
	for i, rec := range records {
		filenames[i], keys[i], urls[i] = rec.Filename, rec.Key, rec.URL
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO uploads (filename, key, url)
		 SELECT * FROM unnest($1::text[], $2::text[], $3::text[])
		 ON CONFLICT (key) DO UPDATE
		 SET filename = EXCLUDED.filename, url = EXCLUDED.url, created_at = now()`,
		filenames, keys, urls,
	)
	if err != nil {
		return fmt.Errorf("save uploads: %w", err)
	}
	return nil
}

// lastPerKey drops every record whose key appears again later. Postgres
// rejects an upsert that touches the same row twice in one statement.
func lastPerKey(records []upload.Record) []upload.Record {
	last := make(map[string]int, len(records))
	for i, rec := range records {
		last[rec.Key] = i
	}
	if len(last) == len(records) {
		return records
	}

	out := make([]upload.Record, 0, len(last))
	for i, rec := range records {
		if last[rec.Key] == i {
			out = append(out, rec)
		}
	}
	return out
}

// Delete forgets the given keys. Unknown keys are ignored.
func (r *Repository) Delete(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if _, err := r.db.Exec(ctx, `DELETE FROM uploads WHERE key = ANY($1)`, keys); err != nil {
		return fmt.Errorf("delete uploads: %w", err)
	}
	return nil
}

// List returns up to limit entries whose key starts with prefix, newest first.
func (r *Repository) List(ctx context.Context, prefix string, limit int) ([]Entry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, filename, key, url, created_at
		 FROM uploads WHERE starts_with(key, $1)
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		prefix, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Filename, &e.Key, &e.URL, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan upload: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}
	return entries, nil
}
