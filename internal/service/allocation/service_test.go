package allocation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SAI09992/scrs/internal/domain"
	"github.com/SAI09992/scrs/internal/repository"
	"github.com/SAI09992/scrs/internal/repository/memory"
	"github.com/SAI09992/scrs/internal/ws"
)

type publisherStub struct {
	mu     sync.Mutex
	topics []string
}

func (p *publisherStub) Publish(topic string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return nil
}

func (p *publisherStub) published(topic string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.topics {
		if t == topic {
			return true
		}
	}
	return false
}

func newService(t *testing.T) (Service, *memory.Store, *publisherStub) {
	t.Helper()
	return newServiceWithPolicy(t, repository.RetryPolicy{Attempts: 2, TxAttempts: 64, BaseDelay: time.Millisecond})
}

func newServiceWithPolicy(t *testing.T, policy repository.RetryPolicy) (Service, *memory.Store, *publisherStub) {
	t.Helper()
	store := memory.New(memory.WithRetryPolicy(policy))
	pub := &publisherStub{}
	return New(store, pub, slog.New(slog.NewTextHandler(io.Discard, nil))), store, pub
}

func seedProblem(t *testing.T, svc Service, id string, capacity int) {
	t.Helper()
	_, err := svc.UpsertProblem(context.Background(), domain.Problem{ID: id, Title: "Problem " + id, Capacity: capacity, Visible: true})
	require.NoError(t, err)
}

func seedTeam(t *testing.T, store *memory.Store, id string) {
	t.Helper()
	putTeam(t, store, domain.Team{ID: id, Code: "C" + id, Active: true})
}

func TestWindowDefaultsClosed(t *testing.T) {
	svc, _, pub := newService(t)
	ctx := context.Background()

	cfg, err := svc.Window(ctx)
	require.NoError(t, err)
	assert.False(t, cfg.IsOpen)

	seedProblem(t, svc, "p1", 1)
	_, err = svc.Claim(ctx, "A", "p1")
	assert.ErrorIs(t, err, domain.ErrWindowClosed)

	cfg, err = svc.SetWindow(ctx, true)
	require.NoError(t, err)
	assert.True(t, cfg.IsOpen)
	assert.Equal(t, int64(1), cfg.Version)
	assert.True(t, pub.published(ws.TopicConfig))

	cfg, err = svc.SetWindow(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cfg.Version)
}

func TestClaimScenario(t *testing.T) {
	svc, _, pub := newService(t)
	ctx := context.Background()
	seedProblem(t, svc, "p1", 2)
	_, err := svc.SetWindow(ctx, true)
	require.NoError(t, err)

	_, err = svc.Claim(ctx, "A", "p1")
	require.NoError(t, err)
	_, err = svc.Claim(ctx, "B", "p1")
	require.NoError(t, err)
	_, err = svc.Claim(ctx, "C", "p1")
	assert.ErrorIs(t, err, domain.ErrFull)
	assert.ErrorIs(t, err, domain.ErrCapacityExceeded)

	_, err = svc.Claim(ctx, "A", "p1")
	assert.ErrorIs(t, err, domain.ErrAlreadyClaimed)

	avail, err := svc.ListAvailability(ctx, true)
	require.NoError(t, err)
	require.Len(t, avail, 1)
	assert.Equal(t, 0, avail[0].Remaining)
	assert.Equal(t, 2, avail[0].Claimed)

	require.NoError(t, svc.Delete(ctx, "A"))
	_, err = svc.Claim(ctx, "C", "p1")
	require.NoError(t, err)
	assert.True(t, pub.published(ws.TeamTopic("C")))

	mine, err := svc.MyClaim(ctx, "C")
	require.NoError(t, err)
	assert.Equal(t, "p1", mine.ProblemID)
	_, err = svc.MyClaim(ctx, "A")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestClaimRejectsHiddenOrMissingProblem(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	_, err := svc.SetWindow(ctx, true)
	require.NoError(t, err)
	_, err = svc.UpsertProblem(ctx, domain.Problem{ID: "hidden", Title: "Hidden", Capacity: 3})
	require.NoError(t, err)

	_, err = svc.Claim(ctx, "A", "hidden")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = svc.Claim(ctx, "A", "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = svc.Claim(ctx, "", "missing")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestConcurrentClaimsForLastSlot(t *testing.T) {
	svc, store, _ := newService(t)
	raceLastSlot(t, svc, store, 10)
}

func TestConcurrentClaimsUnderDefaultPolicy(t *testing.T) {
	svc, store, _ := newServiceWithPolicy(t, repository.DefaultRetryPolicy())
	raceLastSlot(t, svc, store, 50)
}

func raceLastSlot(t *testing.T, svc Service, store *memory.Store, teams int) {
	t.Helper()
	ctx := context.Background()
	seedProblem(t, svc, "p1", 1)
	_, err := svc.SetWindow(ctx, true)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, teams)
	for i := 0; i < teams; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Claim(ctx, fmt.Sprintf("team-%d", i), "p1")
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	var ok, full int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrFull):
			full++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, teams-1, full)

	claims, err := repository.LoadAll[domain.Claim](ctx, store, repository.CollectionClaims)
	require.NoError(t, err)
	assert.Len(t, claims, 1)
	p, err := repository.Load[domain.Problem](ctx, store, repository.CollectionProblems, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Claimed)
}

func TestClaimForDeviceRequiresAdmittedDevice(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	seedProblem(t, svc, "p1", 2)
	_, err := svc.SetWindow(ctx, true)
	require.NoError(t, err)
	putTeam(t, store, domain.Team{ID: "A", Code: "CA", Active: true, ActiveDevices: []string{"d1"}})

	_, err = svc.ClaimForDevice(ctx, "A", "d2", "p1")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = svc.ClaimForDevice(ctx, "ghost", "d1", "p1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// devices cleared after the session was validated
	putTeam(t, store, domain.Team{ID: "A", Code: "CA", Active: true, ActiveDevices: []string{}})
	_, err = svc.ClaimForDevice(ctx, "A", "d1", "p1")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	p, err := repository.Load[domain.Problem](ctx, store, repository.CollectionProblems, "p1")
	require.NoError(t, err)
	assert.Equal(t, 0, p.Claimed)

	putTeam(t, store, domain.Team{ID: "A", Code: "CA", Active: true, ActiveDevices: []string{"d1"}})
	claim, err := svc.ClaimForDevice(ctx, "A", "d1", "p1")
	require.NoError(t, err)
	assert.Equal(t, "A", claim.TeamID)
}

func putTeam(t *testing.T, store *memory.Store, team domain.Team) {
	t.Helper()
	data, err := repository.Encode(team)
	require.NoError(t, err)
	_, err = store.Put(context.Background(), repository.CollectionTeams, team.ID, data, false)
	require.NoError(t, err)
}

func TestConcurrentClaimsSameTeam(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	for _, id := range []string{"p1", "p2", "p3"} {
		seedProblem(t, svc, id, 5)
	}
	_, err := svc.SetWindow(ctx, true)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for _, id := range []string{"p1", "p2", "p3"} {
		wg.Add(1)
		go func(problem string) {
			defer wg.Done()
			_, err := svc.Claim(ctx, "A", problem)
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)

	var ok int
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrAlreadyClaimed)
	}
	assert.Equal(t, 1, ok)

	avail, err := svc.ListAvailability(ctx, false)
	require.NoError(t, err)
	var claimed int
	for _, a := range avail {
		claimed += a.Claimed
	}
	assert.Equal(t, 1, claimed)
}

func TestUpsertProblemKeepsCounter(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	p, err := svc.UpsertProblem(ctx, domain.Problem{Title: "Default capacity", Visible: true})
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultProblemCapacity, p.Capacity)
	assert.NotEmpty(t, p.ID)

	_, err = svc.SetWindow(ctx, true)
	require.NoError(t, err)
	_, err = svc.Claim(ctx, "A", p.ID)
	require.NoError(t, err)
	_, err = svc.Claim(ctx, "B", p.ID)
	require.NoError(t, err)

	updated, err := svc.UpsertProblem(ctx, domain.Problem{ID: p.ID, Title: "Renamed", Capacity: 3, Visible: true, Claimed: 0})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Claimed)
	assert.Equal(t, p.CreatedAt, updated.CreatedAt)

	_, err = svc.UpsertProblem(ctx, domain.Problem{ID: p.ID, Title: "Shrunk", Capacity: 1})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = svc.UpsertProblem(ctx, domain.Problem{Title: "Negative", Capacity: -1})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = svc.UpsertProblem(ctx, domain.Problem{Title: "  "})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestListProblemsVisibleOnly(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	seedProblem(t, svc, "b", 1)
	_, err := svc.UpsertProblem(ctx, domain.Problem{ID: "a", Title: "A hidden", Capacity: 1})
	require.NoError(t, err)

	visible, err := svc.ListProblems(ctx, true)
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, "b", visible[0].ID)

	all, err := svc.ListProblems(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID)
}

func TestToggleLockAndReset(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	seedProblem(t, svc, "p1", 5)
	_, err := svc.SetWindow(ctx, true)
	require.NoError(t, err)
	for _, team := range []string{"A", "B", "C"} {
		_, err := svc.Claim(ctx, team, "p1")
		require.NoError(t, err)
	}

	locked, err := svc.ToggleLock(ctx, "A")
	require.NoError(t, err)
	assert.True(t, locked.Locked())
	unlocked, err := svc.ToggleLock(ctx, "A")
	require.NoError(t, err)
	assert.False(t, unlocked.Locked())
	_, err = svc.ToggleLock(ctx, "A")
	require.NoError(t, err)

	_, err = svc.ToggleLock(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	removed, kept, err := svc.Reset(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, kept)

	claims, err := svc.ListClaims(ctx)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, "A", claims[0].TeamID)

	removed, kept, err = svc.Reset(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, kept)

	problems, err := svc.ListProblems(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 0, problems[0].Claimed)
}

func TestDeleteMissingClaim(t *testing.T) {
	svc, _, _ := newService(t)
	assert.ErrorIs(t, svc.Delete(context.Background(), "nobody"), domain.ErrNotFound)
}

func TestPurgeOrphans(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	seedProblem(t, svc, "p1", 5)
	seedTeam(t, store, "A")
	_, err := svc.SetWindow(ctx, true)
	require.NoError(t, err)
	for _, team := range []string{"A", "ghost"} {
		_, err := svc.Claim(ctx, team, "p1")
		require.NoError(t, err)
	}

	purged, err := svc.PurgeOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ghost"}, purged)

	avail, err := svc.ListAvailability(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 4, avail[0].Remaining)
}

type blockingSubscriber struct {
	release chan struct{}
}

func (b blockingSubscriber) Send([]byte) error {
	<-b.release
	return errors.New("released")
}

func (blockingSubscriber) Close() {}

func TestMutationsNotBlockedByStalledSubscriber(t *testing.T) {
	hub := ws.NewHub()
	defer hub.Close()
	stalled := blockingSubscriber{release: make(chan struct{})}
	defer close(stalled.release)
	hub.Register(stalled, ws.TopicConfig)

	store := memory.New(memory.WithRetryPolicy(repository.RetryPolicy{Attempts: 2, TxAttempts: 8, BaseDelay: time.Millisecond}))
	svc := New(store, hub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		for i := 0; i < 100; i++ {
			if _, err := svc.UpsertProblem(ctx, domain.Problem{ID: "p1", Title: "Problem", Capacity: 5, Visible: true}); err != nil {
				done <- err
				return
			}
		}
		if _, err := svc.SetWindow(ctx, true); err != nil {
			done <- err
			return
		}
		_, err := svc.Claim(ctx, "A", "p1")
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("mutations blocked behind a stalled subscriber")
	}
}
