package team

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/SAI09992/scrs/internal/domain"
	"github.com/SAI09992/scrs/internal/repository"
	"github.com/SAI09992/scrs/internal/repository/memory"
	"github.com/SAI09992/scrs/internal/service/allocation"
)

func newTestService() (Service, *memory.Store) {
	store := memory.New(memory.WithRetryPolicy(repository.RetryPolicy{Attempts: 2, TxAttempts: 32, BaseDelay: time.Millisecond}))
	return New(store, slog.New(slog.NewTextHandler(io.Discard, nil))), store
}

func TestCreateNormalizesAndGeneratesCode(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	team, err := svc.Create(ctx, CreateInput{Name: " Alpha ", Code: " ab12 ", Members: []domain.Member{{Name: "Ann"}, {Name: " "}}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if team.Code != "AB12" || team.Name != "Alpha" || !team.Active {
		t.Fatalf("unexpected team %+v", team)
	}
	if len(team.Members) != 1 || len(team.Members[0].Attendance) != domain.AttendanceRounds {
		t.Fatalf("unexpected roster %+v", team.Members)
	}

	generated, err := svc.Create(ctx, CreateInput{Name: "Beta"})
	if err != nil {
		t.Fatalf("create generated: %v", err)
	}
	if len(generated.Code) != 6 {
		t.Fatalf("expected 6 character code, got %q", generated.Code)
	}

	if _, err := svc.Create(ctx, CreateInput{Name: ""}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestCreateRejectsDuplicateCodeUnderRace(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	const attempts = 8
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Create(ctx, CreateInput{Name: "Dup", Code: "SAME"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		if !errors.Is(err, domain.ErrInvalidArgument) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one team created, got %d", ok)
	}
	teams, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(teams) != 1 {
		t.Fatalf("expected one stored team, got %d", len(teams))
	}
}

func TestSetActiveClearsDevices(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	team, err := svc.Create(ctx, CreateInput{Name: "Alpha", Code: "A1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	team.ActiveDevices = []string{"d1"}
	data, _ := repository.Encode(team)
	if _, err := store.Put(ctx, repository.CollectionTeams, team.ID, data, false); err != nil {
		t.Fatalf("seed devices: %v", err)
	}

	updated, err := svc.SetActive(ctx, team.ID, false)
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if updated.Active || len(updated.ActiveDevices) != 0 {
		t.Fatalf("expected inactive team without devices, got %+v", updated)
	}
	if _, err := svc.SetActive(ctx, "missing", true); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMarkAttendance(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	team, err := svc.Create(ctx, CreateInput{Name: "Alpha", Members: []domain.Member{{Name: "Ann"}, {Name: "Bob"}}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := svc.MarkAttendance(ctx, team.ID, 1, 2, true)
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	if !updated.Members[1].Attendance[1] || updated.Members[0].Attendance[1] {
		t.Fatalf("unexpected attendance %+v", updated.Members)
	}
	if _, err := svc.MarkAttendance(ctx, team.ID, 5, 1, true); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid member, got %v", err)
	}
	if _, err := svc.MarkAttendance(ctx, team.ID, 0, 4, true); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid round, got %v", err)
	}

	roster, err := svc.UpdateRoster(ctx, team.ID, []domain.Member{{Name: "Cid", RegNo: " R1 "}})
	if err != nil {
		t.Fatalf("update roster: %v", err)
	}
	if len(roster.Members) != 1 || roster.Members[0].RegNo != "R1" {
		t.Fatalf("unexpected roster %+v", roster.Members)
	}
}

func claimFor(t *testing.T, store *memory.Store, teamID string) *allocation.Service {
	t.Helper()
	ctx := context.Background()
	alloc := allocation.New(store, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := alloc.UpsertProblem(ctx, domain.Problem{ID: "p1", Title: "P1", Capacity: 2, Visible: true}); err != nil {
		t.Fatalf("upsert problem: %v", err)
	}
	if _, err := alloc.SetWindow(ctx, true); err != nil {
		t.Fatalf("open window: %v", err)
	}
	if _, err := alloc.Claim(ctx, teamID, "p1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	return &alloc
}

func TestDeleteCascadeReleasesSlot(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	team, err := svc.Create(ctx, CreateInput{Name: "Alpha"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	alloc := claimFor(t, store, team.ID)

	if err := svc.Delete(ctx, team.ID, DeleteCascade); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := alloc.MyClaim(ctx, team.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected claim removed, got %v", err)
	}
	avail, err := alloc.ListAvailability(ctx, true)
	if err != nil {
		t.Fatalf("availability: %v", err)
	}
	if avail[0].Remaining != 2 {
		t.Fatalf("expected slot released, got %+v", avail[0])
	}
	if err := svc.Delete(ctx, team.ID, DeleteCascade); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestDeleteOrphanKeepsClaim(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	team, err := svc.Create(ctx, CreateInput{Name: "Alpha"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	alloc := claimFor(t, store, team.ID)

	if err := svc.Delete(ctx, team.ID, DeleteOrphan); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := alloc.MyClaim(ctx, team.ID); err != nil {
		t.Fatalf("expected orphan claim kept, got %v", err)
	}
	if err := svc.Delete(ctx, "x", DeletePolicy("archive")); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid policy, got %v", err)
	}
}

func TestDedupeKeepsNewest(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		data, _ := repository.Encode(domain.Team{ID: id, Name: id, Code: "DUP", Active: true, CreatedAt: base.Add(time.Duration(i) * time.Hour)})
		if _, err := store.Put(ctx, repository.CollectionTeams, id, data, false); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
	data, _ := repository.Encode(domain.Team{ID: "solo", Name: "solo", Code: "ONE", CreatedAt: base})
	if _, err := store.Put(ctx, repository.CollectionTeams, "solo", data, false); err != nil {
		t.Fatalf("seed solo: %v", err)
	}

	removed, err := svc.Dedupe(ctx)
	if err != nil {
		t.Fatalf("dedupe: %v", err)
	}
	if len(removed) != 2 {
		t.Fatalf("expected 2 removed, got %v", removed)
	}
	teams, _ := svc.List(ctx)
	if len(teams) != 2 || teams[0].ID != "new" {
		t.Fatalf("unexpected survivors %+v", teams)
	}
}
