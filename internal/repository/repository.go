package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"
)

// Collection names used by the services.
const (
	CollectionTeams    = "teams"
	CollectionProblems = "problems"
	CollectionClaims   = "claims"
	CollectionConfig   = "config"
)

// Document is a JSON payload stored under collection+id. Version increases on
// every write and timestamps are assigned by the store.
type Document struct {
	Collection string
	ID         string
	Data       json.RawMessage
	Version    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Filter selects documents whose top-level JSON field equals Value.
type Filter struct {
	Field string
	Value any
}

// Where builds an equality filter.
func Where(field string, value any) Filter {
	return Filter{Field: field, Value: value}
}

// Store is a key-document store with atomic single-transaction read-modify-write.
type Store interface {
	Get(ctx context.Context, collection, id string) (*Document, error)
	// Put writes data under collection+id. With merge set, top-level keys of
	// data are merged into the existing document instead of replacing it.
	Put(ctx context.Context, collection, id string, data json.RawMessage, merge bool) (*Document, error)
	Delete(ctx context.Context, collection, id string) error
	Query(ctx context.Context, collection string, filters ...Filter) ([]Document, error)
	// RunTransaction runs fn against a consistent snapshot. Writes commit
	// atomically or not at all; fn is re-run when a concurrent transaction
	// invalidated what it read, so fn must not have side effects outside tx.
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Close() error
}

// Tx is the transactional handle handed to RunTransaction closures.
type Tx interface {
	Get(ctx context.Context, collection, id string) (*Document, error)
	Query(ctx context.Context, collection string, filters ...Filter) ([]Document, error)
	// Create fails with ErrAlreadyExists when the document is present.
	Create(ctx context.Context, collection, id string, data json.RawMessage) error
	Put(ctx context.Context, collection, id string, data json.RawMessage) error
	Delete(ctx context.Context, collection, id string) error
}

// Encode marshals v for storage.
func Encode(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: encode document: %v", ErrInvalidArgument, err)
	}
	return data, nil
}

// Decode unmarshals a document payload into a T.
func Decode[T any](doc *Document) (T, error) {
	var out T
	if doc == nil {
		return out, ErrNotFound
	}
	if err := json.Unmarshal(doc.Data, &out); err != nil {
		return out, fmt.Errorf("decode %s/%s: %w", doc.Collection, doc.ID, err)
	}
	return out, nil
}

// MergeJSON shallow-merges the top-level keys of patch into base.
func MergeJSON(base, patch json.RawMessage) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &fields); err != nil {
			return nil, fmt.Errorf("%w: merge base: %v", ErrInvalidArgument, err)
		}
	}
	var updates map[string]json.RawMessage
	if err := json.Unmarshal(patch, &updates); err != nil {
		return nil, fmt.Errorf("%w: merge patch: %v", ErrInvalidArgument, err)
	}
	for k, v := range updates {
		fields[k] = v
	}
	return json.Marshal(fields)
}

// Matches reports whether data satisfies every filter. Values are compared
// after a JSON round trip so that typed values match their decoded form.
func Matches(data json.RawMessage, filters []Filter) (bool, error) {
	if len(filters) == 0 {
		return true, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return false, err
	}
	for _, f := range filters {
		raw, ok := fields[f.Field]
		if !ok {
			return false, nil
		}
		want, err := json.Marshal(f.Value)
		if err != nil {
			return false, err
		}
		if !jsonEqual(raw, want) {
			return false, nil
		}
	}
	return true, nil
}

func jsonEqual(a, b json.RawMessage) bool {
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}

// Reader is the read surface shared by Store and Tx.
type Reader interface {
	Get(ctx context.Context, collection, id string) (*Document, error)
	Query(ctx context.Context, collection string, filters ...Filter) ([]Document, error)
}

// Load fetches and decodes a single document.
func Load[T any](ctx context.Context, r Reader, collection, id string) (T, error) {
	doc, err := r.Get(ctx, collection, id)
	if err != nil {
		var zero T
		return zero, err
	}
	return Decode[T](doc)
}

// LoadAll queries a collection and decodes every match.
func LoadAll[T any](ctx context.Context, r Reader, collection string, filters ...Filter) ([]T, error) {
	docs, err := r.Query(ctx, collection, filters...)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(docs))
	for i := range docs {
		v, err := Decode[T](&docs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Writer is the write surface of Tx used by Save.
type Writer interface {
	Put(ctx context.Context, collection, id string, data json.RawMessage) error
}

// Save encodes v and writes it inside a transaction.
func Save(ctx context.Context, w Writer, collection, id string, v any) error {
	data, err := Encode(v)
	if err != nil {
		return err
	}
	return w.Put(ctx, collection, id, data)
}
