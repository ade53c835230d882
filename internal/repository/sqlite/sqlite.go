package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/SAI09992/scrs/internal/repository"
)

const timeFormat = time.RFC3339Nano

const (
	documentSelect = `SELECT id, data, version, created_at, updated_at FROM documents WHERE collection = ? AND id = ?`
	documentScan   = `SELECT id, data, version, created_at, updated_at FROM documents WHERE collection = ? ORDER BY id`
	documentUpsert = `INSERT INTO documents (collection, id, data, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET
			data = excluded.data,
			version = excluded.version,
			updated_at = excluded.updated_at`
	documentDelete = `DELETE FROM documents WHERE collection = ? AND id = ?`
	clockTick      = `UPDATE document_clock SET value = value + 1 WHERE id = 1 RETURNING value`
)

// Store implements repository.Store on a single SQLite database file.
// Transactions take the write lock up front with BEGIN IMMEDIATE, so they are
// serialized against each other; lock contention surfaces as a transient error.
type Store struct {
	db     *sql.DB
	policy repository.RetryPolicy
	now    func() time.Time
}

// Open opens (creating if needed) the database at path. The schema is applied
// separately by the migration runner.
func Open(path string, policy repository.RetryPolicy) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := "file:" + filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	return New(db, policy), nil
}

// New wraps an already opened database handle.
func New(db *sql.DB, policy repository.RetryPolicy) *Store {
	return &Store{db: db, policy: policy, now: func() time.Time { return time.Now().UTC() }}
}

var _ repository.Store = (*Store)(nil)

// DB exposes the handle for the migration runner.
func (s *Store) DB() *sql.DB { return s.db }

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Get fetches a document.
func (s *Store) Get(ctx context.Context, collection, id string) (*repository.Document, error) {
	var doc *repository.Document
	err := s.policy.Do(ctx, func(ctx context.Context) error {
		d, err := getDocument(ctx, s.db, collection, id)
		doc = d
		return err
	})
	return doc, err
}

// Put writes or merges a document.
func (s *Store) Put(ctx context.Context, collection, id string, data json.RawMessage, merge bool) (*repository.Document, error) {
	var doc *repository.Document
	err := s.policy.Do(ctx, func(ctx context.Context) error {
		return s.withWriteLock(ctx, func(ctx context.Context, conn *sql.Conn) error {
			payload := data
			if merge {
				existing, err := getDocument(ctx, conn, collection, id)
				switch {
				case err == nil:
					merged, err := repository.MergeJSON(existing.Data, data)
					if err != nil {
						return err
					}
					payload = merged
				case !errors.Is(err, repository.ErrNotFound):
					return err
				}
			}
			if err := s.write(ctx, conn, collection, id, payload); err != nil {
				return err
			}
			d, err := getDocument(ctx, conn, collection, id)
			doc = d
			return err
		})
	})
	return doc, err
}

// Delete removes a document if present.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	return s.policy.Do(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, documentDelete, collection, id)
		return mapError(err)
	})
}

// Query lists documents of a collection matching every filter. Filters are
// evaluated on the decoded payload.
func (s *Store) Query(ctx context.Context, collection string, filters ...repository.Filter) ([]repository.Document, error) {
	var docs []repository.Document
	err := s.policy.Do(ctx, func(ctx context.Context) error {
		d, err := queryDocuments(ctx, s.db, collection, filters)
		docs = d
		return err
	})
	return docs, err
}

// RunTransaction executes fn holding the database write lock.
func (s *Store) RunTransaction(ctx context.Context, fn func(context.Context, repository.Tx) error) error {
	return s.policy.Transaction(ctx, func(ctx context.Context) error {
		return s.withWriteLock(ctx, func(ctx context.Context, conn *sql.Conn) error {
			return fn(ctx, &txn{store: s, conn: conn})
		})
	})
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) withWriteLock(ctx context.Context, fn func(context.Context, *sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return mapError(err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return mapError(err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK")
		}
	}()

	if err := fn(ctx, conn); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return mapError(err)
	}
	committed = true
	return nil
}

func (s *Store) write(ctx context.Context, q execer, collection, id string, data json.RawMessage) error {
	if !json.Valid(data) {
		return fmt.Errorf("%w: document is not valid JSON", repository.ErrInvalidArgument)
	}
	var version int64
	if err := q.QueryRowContext(ctx, clockTick).Scan(&version); err != nil {
		return mapError(err)
	}
	now := s.now().Format(timeFormat)
	_, err := q.ExecContext(ctx, documentUpsert, collection, id, string(data), version, now, now)
	return mapError(err)
}

type txn struct {
	store *Store
	conn  *sql.Conn
}

func (t *txn) Get(ctx context.Context, collection, id string) (*repository.Document, error) {
	return getDocument(ctx, t.conn, collection, id)
}

func (t *txn) Query(ctx context.Context, collection string, filters ...repository.Filter) ([]repository.Document, error) {
	return queryDocuments(ctx, t.conn, collection, filters)
}

func (t *txn) Create(ctx context.Context, collection, id string, data json.RawMessage) error {
	if _, err := getDocument(ctx, t.conn, collection, id); err == nil {
		return repository.ErrAlreadyExists
	} else if !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	return t.store.write(ctx, t.conn, collection, id, data)
}

func (t *txn) Put(ctx context.Context, collection, id string, data json.RawMessage) error {
	return t.store.write(ctx, t.conn, collection, id, data)
}

func (t *txn) Delete(ctx context.Context, collection, id string) error {
	_, err := t.conn.ExecContext(ctx, documentDelete, collection, id)
	return mapError(err)
}

func getDocument(ctx context.Context, q execer, collection, id string) (*repository.Document, error) {
	row := q.QueryRowContext(ctx, documentSelect, collection, id)
	doc, err := scanDocument(row.Scan)
	if err != nil {
		return nil, err
	}
	doc.Collection = collection
	return doc, nil
}

func queryDocuments(ctx context.Context, q execer, collection string, filters []repository.Filter) ([]repository.Document, error) {
	rows, err := q.QueryContext(ctx, documentScan, collection)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	docs := make([]repository.Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows.Scan)
		if err != nil {
			return nil, err
		}
		ok, err := repository.Matches(doc.Data, filters)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		doc.Collection = collection
		docs = append(docs, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return docs, nil
}

func scanDocument(scan func(dest ...any) error) (*repository.Document, error) {
	var d repository.Document
	var data, created, updated string
	if err := scan(&d.ID, &data, &d.Version, &created, &updated); err != nil {
		return nil, mapError(err)
	}
	d.Data = json.RawMessage(data)
	var err error
	if d.CreatedAt, err = time.Parse(timeFormat, created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if d.UpdatedAt, err = time.Parse(timeFormat, updated); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &d, nil
}

// mapError translates driver errors into repository errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return repository.ErrNotFound
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %v", repository.ErrTransient, err)
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return repository.ErrAlreadyExists
		}
	}
	return err
}
