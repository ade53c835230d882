package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/SAI09992/scrs/internal/repository"
)

// Store implements repository.Store in process memory. Transactions are
// optimistic: reads are recorded with the version they observed and the
// commit is rejected if any of them moved, which makes every committed
// transaction serializable.
type Store struct {
	mu     sync.RWMutex
	docs   map[string]map[string]record
	clocks map[string]int64
	seq    int64

	now    func() time.Time
	policy repository.RetryPolicy
	fault  func(op string) error
}

type record struct {
	data      json.RawMessage
	version   int64
	createdAt time.Time
	updatedAt time.Time
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRetryPolicy overrides the transaction retry policy.
func WithRetryPolicy(p repository.RetryPolicy) Option {
	return func(s *Store) { s.policy = p }
}

// WithFaults installs a hook consulted before every operation; a non-nil
// return is surfaced as the operation's error. Used to simulate outages.
func WithFaults(fn func(op string) error) Option {
	return func(s *Store) { s.fault = fn }
}

// New creates an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		docs:   make(map[string]map[string]record),
		clocks: make(map[string]int64),
		now:    func() time.Time { return time.Now().UTC() },
		policy: repository.DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ repository.Store = (*Store)(nil)

func (s *Store) injected(op string) error {
	if s.fault == nil {
		return nil
	}
	return s.fault(op)
}

// Get returns a copy of the stored document.
func (s *Store) Get(ctx context.Context, collection, id string) (*repository.Document, error) {
	var doc *repository.Document
	err := s.policy.Do(ctx, func(context.Context) error {
		if err := s.injected("get"); err != nil {
			return err
		}
		s.mu.RLock()
		defer s.mu.RUnlock()
		rec, ok := s.docs[collection][id]
		if !ok {
			return repository.ErrNotFound
		}
		doc = toDocument(collection, id, rec)
		return nil
	})
	return doc, err
}

// Put writes or merges a document outside of a transaction.
func (s *Store) Put(ctx context.Context, collection, id string, data json.RawMessage, merge bool) (*repository.Document, error) {
	var doc *repository.Document
	err := s.policy.Do(ctx, func(context.Context) error {
		if err := s.injected("put"); err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		payload := data
		existing, ok := s.docs[collection][id]
		if merge && ok {
			merged, err := repository.MergeJSON(existing.data, data)
			if err != nil {
				return err
			}
			payload = merged
		}
		rec := s.writeLocked(collection, id, payload)
		doc = toDocument(collection, id, rec)
		return nil
	})
	return doc, err
}

// Delete removes a document. Missing documents are not an error.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	return s.policy.Do(ctx, func(context.Context) error {
		if err := s.injected("delete"); err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.deleteLocked(collection, id)
		return nil
	})
}

// Query returns documents matching every filter, ordered by id.
func (s *Store) Query(ctx context.Context, collection string, filters ...repository.Filter) ([]repository.Document, error) {
	var out []repository.Document
	err := s.policy.Do(ctx, func(context.Context) error {
		if err := s.injected("query"); err != nil {
			return err
		}
		s.mu.RLock()
		defer s.mu.RUnlock()
		docs, err := s.queryLocked(collection, filters)
		out = docs
		return err
	})
	return out, err
}

// RunTransaction executes fn with optimistic concurrency control.
func (s *Store) RunTransaction(ctx context.Context, fn func(context.Context, repository.Tx) error) error {
	return s.policy.Transaction(ctx, func(ctx context.Context) error {
		if err := s.injected("tx"); err != nil {
			return err
		}
		tx := &txn{
			store:   s,
			reads:   make(map[docKey]int64),
			queried: make(map[string]int64),
			writes:  make(map[docKey]pending),
		}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		if err := s.injected("commit"); err != nil {
			return err
		}
		return tx.commit()
	})
}

// Close is a no-op for the memory store.
func (s *Store) Close() error { return nil }

func (s *Store) writeLocked(collection, id string, data json.RawMessage) record {
	now := s.now()
	s.seq++
	coll, ok := s.docs[collection]
	if !ok {
		coll = make(map[string]record)
		s.docs[collection] = coll
	}
	rec := record{data: cloneBytes(data), version: s.seq, createdAt: now, updatedAt: now}
	if existing, ok := coll[id]; ok {
		rec.createdAt = existing.createdAt
	}
	coll[id] = rec
	s.clocks[collection]++
	return rec
}

func (s *Store) deleteLocked(collection, id string) {
	coll, ok := s.docs[collection]
	if !ok {
		return
	}
	if _, ok := coll[id]; !ok {
		return
	}
	delete(coll, id)
	s.clocks[collection]++
}

func (s *Store) queryLocked(collection string, filters []repository.Filter) ([]repository.Document, error) {
	out := make([]repository.Document, 0)
	for id, rec := range s.docs[collection] {
		ok, err := repository.Matches(rec.data, filters)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, *toDocument(collection, id, rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type docKey struct {
	collection string
	id         string
}

type pending struct {
	data    json.RawMessage
	deleted bool
}

type txn struct {
	store   *Store
	reads   map[docKey]int64
	queried map[string]int64
	writes  map[docKey]pending
}

func (t *txn) Get(_ context.Context, collection, id string) (*repository.Document, error) {
	key := docKey{collection, id}
	if w, ok := t.writes[key]; ok {
		if w.deleted {
			return nil, repository.ErrNotFound
		}
		return &repository.Document{Collection: collection, ID: id, Data: cloneBytes(w.data)}, nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	rec, ok := t.store.docs[collection][id]
	if _, seen := t.reads[key]; !seen {
		t.reads[key] = rec.version
	}
	if !ok {
		return nil, repository.ErrNotFound
	}
	return toDocument(collection, id, rec), nil
}

func (t *txn) Query(_ context.Context, collection string, filters ...repository.Filter) ([]repository.Document, error) {
	t.store.mu.RLock()
	if _, seen := t.queried[collection]; !seen {
		t.queried[collection] = t.store.clocks[collection]
	}
	docs, err := t.store.queryLocked(collection, filters)
	t.store.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	byID := make(map[string]repository.Document, len(docs))
	for _, d := range docs {
		byID[d.ID] = d
	}
	for key, w := range t.writes {
		if key.collection != collection {
			continue
		}
		if w.deleted {
			delete(byID, key.id)
			continue
		}
		ok, err := repository.Matches(w.data, filters)
		if err != nil {
			return nil, err
		}
		if ok {
			byID[key.id] = repository.Document{Collection: collection, ID: key.id, Data: cloneBytes(w.data)}
		} else {
			delete(byID, key.id)
		}
	}
	out := make([]repository.Document, 0, len(byID))
	for _, d := range byID {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *txn) Create(ctx context.Context, collection, id string, data json.RawMessage) error {
	if _, err := t.Get(ctx, collection, id); err == nil {
		return repository.ErrAlreadyExists
	} else if err != repository.ErrNotFound {
		return err
	}
	t.writes[docKey{collection, id}] = pending{data: cloneBytes(data)}
	return nil
}

func (t *txn) Put(_ context.Context, collection, id string, data json.RawMessage) error {
	t.writes[docKey{collection, id}] = pending{data: cloneBytes(data)}
	return nil
}

func (t *txn) Delete(_ context.Context, collection, id string) error {
	t.writes[docKey{collection, id}] = pending{deleted: true}
	return nil
}

func (t *txn) commit() error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, version := range t.reads {
		if s.docs[key.collection][key.id].version != version {
			return repository.ErrTxCollision
		}
	}
	for collection, clock := range t.queried {
		if s.clocks[collection] != clock {
			return repository.ErrTxCollision
		}
	}
	for key, w := range t.writes {
		if w.deleted {
			s.deleteLocked(key.collection, key.id)
			continue
		}
		s.writeLocked(key.collection, key.id, w.data)
	}
	return nil
}

func toDocument(collection, id string, rec record) *repository.Document {
	return &repository.Document{
		Collection: collection,
		ID:         id,
		Data:       cloneBytes(rec.data),
		Version:    rec.version,
		CreatedAt:  rec.createdAt,
		UpdatedAt:  rec.updatedAt,
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
