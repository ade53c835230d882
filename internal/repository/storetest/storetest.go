// Package storetest holds the behavioural contract every repository.Store
// implementation must satisfy.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SAI09992/scrs/internal/repository"
)

// Run exercises store. Each subtest uses collections unique to it, so a single
// store instance may be shared.
func Run(t *testing.T, store repository.Store) {
	t.Helper()
	t.Run("PutGet", func(t *testing.T) { testPutGet(t, store) })
	t.Run("Merge", func(t *testing.T) { testMerge(t, store) })
	t.Run("Query", func(t *testing.T) { testQuery(t, store) })
	t.Run("CreateIfAbsent", func(t *testing.T) { testCreateIfAbsent(t, store) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollback(t, store) })
	t.Run("ConcurrentCappedIncrement", func(t *testing.T) { testConcurrentCap(t, store) })
}

func testPutGet(t *testing.T, store repository.Store) {
	ctx := context.Background()
	first, err := store.Put(ctx, "c_putget", "a", json.RawMessage(`{"name":"alpha"}`), false)
	require.NoError(t, err)
	second, err := store.Put(ctx, "c_putget", "a", json.RawMessage(`{"name":"beta"}`), false)
	require.NoError(t, err)
	assert.Greater(t, second.Version, first.Version)
	assert.False(t, second.CreatedAt.IsZero())

	doc, err := store.Get(ctx, "c_putget", "a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"beta"}`, string(doc.Data))

	require.NoError(t, store.Delete(ctx, "c_putget", "a"))
	require.NoError(t, store.Delete(ctx, "c_putget", "a"))
	_, err = store.Get(ctx, "c_putget", "a")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func testMerge(t *testing.T, store repository.Store) {
	ctx := context.Background()
	_, err := store.Put(ctx, "c_merge", "a", json.RawMessage(`{"x":1,"y":2}`), false)
	require.NoError(t, err)
	doc, err := store.Put(ctx, "c_merge", "a", json.RawMessage(`{"y":3,"z":4}`), true)
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1,"y":3,"z":4}`, string(doc.Data))

	doc, err = store.Put(ctx, "c_merge", "fresh", json.RawMessage(`{"z":4}`), true)
	require.NoError(t, err)
	assert.JSONEq(t, `{"z":4}`, string(doc.Data))
}

func testQuery(t *testing.T, store repository.Store) {
	ctx := context.Background()
	for id, body := range map[string]string{
		"2": `{"code":"AB","active":true,"n":2}`,
		"1": `{"code":"AB","active":false,"n":1}`,
		"3": `{"code":"CD","active":true,"n":3}`,
	} {
		_, err := store.Put(ctx, "c_query", id, json.RawMessage(body), false)
		require.NoError(t, err)
	}
	docs, err := store.Query(ctx, "c_query", repository.Where("code", "AB"))
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "1", docs[0].ID)
	assert.Equal(t, "2", docs[1].ID)

	docs, err = store.Query(ctx, "c_query", repository.Where("active", true), repository.Where("n", 3))
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "3", docs[0].ID)

	docs, err = store.Query(ctx, "c_query_empty")
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func testCreateIfAbsent(t *testing.T, store repository.Store) {
	ctx := context.Background()
	create := func() error {
		return store.RunTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
			return tx.Create(ctx, "c_create", "team-1", json.RawMessage(`{"problem_id":"p"}`))
		})
	}
	require.NoError(t, create())
	assert.ErrorIs(t, create(), repository.ErrAlreadyExists)
}

func testRollback(t *testing.T, store repository.Store) {
	ctx := context.Background()
	boom := errors.New("boom")
	err := store.RunTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		if err := tx.Put(ctx, "c_rollback", "a", json.RawMessage(`{}`)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	_, err = store.Get(ctx, "c_rollback", "a")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func testConcurrentCap(t *testing.T, store repository.Store) {
	ctx := context.Background()
	const (
		capacity = 2
		workers  = 8
	)
	_, err := store.Put(ctx, "c_cap", "counter", json.RawMessage(`{"n":0}`), false)
	require.NoError(t, err)

	full := errors.New("full")
	var wg sync.WaitGroup
	var admitted atomic.Int32
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := store.RunTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
				doc, err := tx.Get(ctx, "c_cap", "counter")
				if err != nil {
					return err
				}
				var c struct {
					N int `json:"n"`
				}
				if err := json.Unmarshal(doc.Data, &c); err != nil {
					return err
				}
				if c.N >= capacity {
					return full
				}
				c.N++
				data, _ := json.Marshal(c)
				if err := tx.Put(ctx, "c_cap", "counter", data); err != nil {
					return err
				}
				return tx.Create(ctx, "c_cap_members", fmt.Sprintf("m%d", i), json.RawMessage(`{}`))
			})
			switch {
			case err == nil:
				admitted.Add(1)
			case errors.Is(err, full):
			default:
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("unexpected error: %v", err)
	}

	assert.Equal(t, int32(capacity), admitted.Load())
	members, err := store.Query(ctx, "c_cap_members")
	require.NoError(t, err)
	assert.Len(t, members, capacity)
}
