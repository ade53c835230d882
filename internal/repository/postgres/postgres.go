package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/SAI09992/scrs/internal/repository"
)

const (
	documentColumns = `collection, id, data, version, created_at, updated_at`

	documentSelect = `SELECT ` + documentColumns + ` FROM documents WHERE collection = $1 AND id = $2`

	documentUpsert = `INSERT INTO documents (collection, id, data, version, created_at, updated_at)
		VALUES ($1, $2, $3, nextval('documents_version_seq'), NOW(), NOW())
		ON CONFLICT (collection, id) DO UPDATE SET
			data = CASE WHEN $4 THEN documents.data || EXCLUDED.data ELSE EXCLUDED.data END,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at
		RETURNING ` + documentColumns

	documentInsert = `INSERT INTO documents (collection, id, data, version, created_at, updated_at)
		VALUES ($1, $2, $3, nextval('documents_version_seq'), NOW(), NOW())
		ON CONFLICT (collection, id) DO NOTHING`

	documentDelete = `DELETE FROM documents WHERE collection = $1 AND id = $2`
)

// Store implements repository.Store on a PostgreSQL documents table.
// Transactions run at SERIALIZABLE isolation so that every read inside a
// transaction is validated against concurrent writers at commit.
type Store struct {
	pool   *pgxpool.Pool
	policy repository.RetryPolicy
}

// New constructs a Store over an existing pool.
func New(pool *pgxpool.Pool, policy repository.RetryPolicy) *Store {
	return &Store{pool: pool, policy: policy}
}

var _ repository.Store = (*Store)(nil)

// querier is satisfied by both the pool and a pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Get fetches a document.
func (s *Store) Get(ctx context.Context, collection, id string) (*repository.Document, error) {
	var doc *repository.Document
	err := s.policy.Do(ctx, func(ctx context.Context) error {
		d, err := getDocument(ctx, s.pool, collection, id)
		doc = d
		return err
	})
	return doc, err
}

// Put upserts a document; with merge the top-level keys are merged via jsonb ||.
func (s *Store) Put(ctx context.Context, collection, id string, data json.RawMessage, merge bool) (*repository.Document, error) {
	if err := validJSON(data); err != nil {
		return nil, err
	}
	var doc *repository.Document
	err := s.policy.Do(ctx, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, documentUpsert, collection, id, []byte(data), merge)
		d, err := scanDocument(row)
		doc = d
		return err
	})
	return doc, err
}

// Delete removes a document if present.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	return s.policy.Do(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, documentDelete, collection, id)
		return mapError(err)
	})
}

// Query lists documents of a collection matching every filter.
func (s *Store) Query(ctx context.Context, collection string, filters ...repository.Filter) ([]repository.Document, error) {
	var docs []repository.Document
	err := s.policy.Do(ctx, func(ctx context.Context) error {
		d, err := queryDocuments(ctx, s.pool, collection, filters)
		docs = d
		return err
	})
	return docs, err
}

// RunTransaction executes fn in a serializable transaction, re-running it on
// serialization failures.
func (s *Store) RunTransaction(ctx context.Context, fn func(context.Context, repository.Tx) error) error {
	return s.policy.Transaction(ctx, func(ctx context.Context) error {
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return mapError(err)
		}
		defer tx.Rollback(ctx)

		if err := fn(ctx, &txn{tx: tx}); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return mapError(err)
		}
		return nil
	})
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

type txn struct {
	tx pgx.Tx
}

func (t *txn) Get(ctx context.Context, collection, id string) (*repository.Document, error) {
	return getDocument(ctx, t.tx, collection, id)
}

func (t *txn) Query(ctx context.Context, collection string, filters ...repository.Filter) ([]repository.Document, error) {
	return queryDocuments(ctx, t.tx, collection, filters)
}

func (t *txn) Create(ctx context.Context, collection, id string, data json.RawMessage) error {
	if err := validJSON(data); err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, documentInsert, collection, id, []byte(data))
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrAlreadyExists
	}
	return nil
}

func (t *txn) Put(ctx context.Context, collection, id string, data json.RawMessage) error {
	if err := validJSON(data); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, documentUpsert, collection, id, []byte(data), false)
	return mapError(err)
}

func (t *txn) Delete(ctx context.Context, collection, id string) error {
	_, err := t.tx.Exec(ctx, documentDelete, collection, id)
	return mapError(err)
}

func getDocument(ctx context.Context, q querier, collection, id string) (*repository.Document, error) {
	return scanDocument(q.QueryRow(ctx, documentSelect, collection, id))
}

func queryDocuments(ctx context.Context, q querier, collection string, filters []repository.Filter) ([]repository.Document, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + documentColumns + ` FROM documents WHERE collection = $1`)
	args := []any{collection}
	for _, f := range filters {
		value, err := json.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: filter %s: %v", repository.ErrInvalidArgument, f.Field, err)
		}
		args = append(args, f.Field, value)
		fmt.Fprintf(&sb, ` AND data @> jsonb_build_object($%d::text, $%d::jsonb)`, len(args)-1, len(args))
	}
	sb.WriteString(` ORDER BY id`)

	rows, err := q.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	docs := make([]repository.Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return docs, nil
}

func scanDocument(row pgx.Row) (*repository.Document, error) {
	var d repository.Document
	var data []byte
	if err := row.Scan(&d.Collection, &d.ID, &data, &d.Version, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, mapError(err)
	}
	d.Data = json.RawMessage(data)
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return &d, nil
}

func validJSON(data json.RawMessage) error {
	if !json.Valid(data) {
		return fmt.Errorf("%w: document is not valid JSON", repository.ErrInvalidArgument)
	}
	return nil
}

// mapError translates driver errors into repository errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", repository.ErrTxCollision, pgErr.Message)
		case "23505":
			return repository.ErrAlreadyExists
		case "22P02", "22023":
			return fmt.Errorf("%w: %s", repository.ErrInvalidArgument, pgErr.Message)
		case "53300", "57P01", "57P03", "08000", "08003", "08006":
			return fmt.Errorf("%w: %s", repository.ErrTransient, pgErr.Message)
		}
		return err
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %v", repository.ErrTransient, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", repository.ErrTransient, err)
	}
	return err
}
