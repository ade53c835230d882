package admin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/SAI09992/scrs/internal/domain"
	"github.com/SAI09992/scrs/internal/service/team"
	jwtpkg "github.com/SAI09992/scrs/pkg/jwt"
)

const (
	testSecret = "admin-secret"
	testIssuer = "https://idp.example"
)

type sessionsStub struct {
	forceClear    func(ctx context.Context, teamID string) (int, error)
	forceClearAll func(ctx context.Context) (int, error)
}

func (s sessionsStub) ForceClear(ctx context.Context, teamID string) (int, error) {
	return s.forceClear(ctx, teamID)
}

func (s sessionsStub) ForceClearAll(ctx context.Context) (int, error) {
	return s.forceClearAll(ctx)
}

type ledgerStub struct {
	deleteCalls int
	deleteFn    func(ctx context.Context, claimID string) error
	resetFn     func(ctx context.Context, includeLocked bool) (int, int, error)
	setWindowFn func(ctx context.Context, open bool) (domain.SelectionConfig, error)
}

func (l *ledgerStub) ListClaims(context.Context) ([]domain.Claim, error) { return nil, nil }
func (l *ledgerStub) ToggleLock(_ context.Context, id string) (domain.Claim, error) {
	return domain.Claim{ID: id}, nil
}
func (l *ledgerStub) Delete(ctx context.Context, claimID string) error {
	l.deleteCalls++
	if l.deleteFn != nil {
		return l.deleteFn(ctx, claimID)
	}
	return nil
}
func (l *ledgerStub) SetWindow(ctx context.Context, open bool) (domain.SelectionConfig, error) {
	return l.setWindowFn(ctx, open)
}
func (l *ledgerStub) UpsertProblem(_ context.Context, p domain.Problem) (domain.Problem, error) {
	return p, nil
}
func (l *ledgerStub) ListProblems(context.Context, bool) ([]domain.Problem, error) { return nil, nil }
func (l *ledgerStub) PurgeOrphans(context.Context) ([]string, error)               { return nil, nil }
func (l *ledgerStub) Reset(ctx context.Context, includeLocked bool) (int, int, error) {
	return l.resetFn(ctx, includeLocked)
}

type teamsStub struct {
	deletePolicy team.DeletePolicy
}

func (t *teamsStub) Create(_ context.Context, in team.CreateInput) (domain.Team, error) {
	return domain.Team{Name: in.Name}, nil
}
func (t *teamsStub) List(context.Context) ([]domain.Team, error) { return nil, nil }
func (t *teamsStub) SetActive(_ context.Context, id string, active bool) (domain.Team, error) {
	return domain.Team{ID: id, Active: active}, nil
}
func (t *teamsStub) UpdateRoster(_ context.Context, id string, _ []domain.Member) (domain.Team, error) {
	return domain.Team{ID: id}, nil
}
func (t *teamsStub) MarkAttendance(_ context.Context, id string, _, _ int, _ bool) (domain.Team, error) {
	return domain.Team{ID: id}, nil
}
func (t *teamsStub) Delete(_ context.Context, _ string, policy team.DeletePolicy) error {
	t.deletePolicy = policy
	return nil
}
func (t *teamsStub) Dedupe(context.Context) ([]string, error) { return nil, nil }

func newTestService(sessions sessionsStub, ledger *ledgerStub, teams *teamsStub) Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(NewAuthorizer(testSecret, testIssuer), sessions, ledger, teams, team.DeleteOrphan, logger)
}

func adminToken(t *testing.T) string {
	t.Helper()
	token, err := jwtpkg.IssueAdmin(testSecret, "ops@example.com", testIssuer, time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("issue admin token: %v", err)
	}
	return token
}

func TestOverridesRequireAuthorization(t *testing.T) {
	ledger := &ledgerStub{}
	svc := newTestService(sessionsStub{}, ledger, &teamsStub{})

	err := svc.DeleteClaim(context.Background(), "", "A")
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	err = svc.DeleteClaim(context.Background(), "not-a-jwt", "A")
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for garbage token, got %v", err)
	}
	wrongIssuer, _ := jwtpkg.IssueAdmin(testSecret, "ops", "https://other", time.Now(), time.Hour)
	if err := svc.DeleteClaim(context.Background(), wrongIssuer, "A"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for foreign issuer, got %v", err)
	}
	if ledger.deleteCalls != 0 {
		t.Fatalf("expected ledger untouched, got %d deletes", ledger.deleteCalls)
	}

	if err := svc.DeleteClaim(context.Background(), adminToken(t), "A"); err != nil {
		t.Fatalf("delete with admin token: %v", err)
	}
	if ledger.deleteCalls != 1 {
		t.Fatalf("expected one delete, got %d", ledger.deleteCalls)
	}
}

func TestSessionTokenIsForbidden(t *testing.T) {
	token, err := jwtpkg.IssueSession(testSecret, jwtpkg.SessionClaims{TeamID: "t1", DeviceID: "d1"}, time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	svc := newTestService(sessionsStub{}, &ledgerStub{}, &teamsStub{})
	_, err = svc.SetWindow(context.Background(), token, true)
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := NewAuthorizer(testSecret, "").Authorize(token); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden for non-admin identity, got %v", err)
	}
}

func TestForceClearDelegates(t *testing.T) {
	var cleared string
	sessions := sessionsStub{forceClear: func(_ context.Context, teamID string) (int, error) {
		cleared = teamID
		return 2, nil
	}}
	svc := newTestService(sessions, &ledgerStub{}, &teamsStub{})
	n, err := svc.ForceClear(context.Background(), adminToken(t), "t1")
	if err != nil {
		t.Fatalf("force clear: %v", err)
	}
	if n != 2 || cleared != "t1" {
		t.Fatalf("unexpected result n=%d team=%q", n, cleared)
	}
}

func TestDeleteTeamUsesConfiguredPolicy(t *testing.T) {
	teams := &teamsStub{}
	svc := newTestService(sessionsStub{}, &ledgerStub{}, teams)
	token := adminToken(t)

	if err := svc.DeleteTeam(context.Background(), token, "t1", ""); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if teams.deletePolicy != team.DeleteOrphan {
		t.Fatalf("expected configured policy, got %q", teams.deletePolicy)
	}
	if err := svc.DeleteTeam(context.Background(), token, "t1", team.DeleteCascade); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if teams.deletePolicy != team.DeleteCascade {
		t.Fatalf("expected explicit policy, got %q", teams.deletePolicy)
	}
}

func TestBulkResetClearsClaimsAndSessions(t *testing.T) {
	var gotLocked bool
	ledger := &ledgerStub{resetFn: func(_ context.Context, includeLocked bool) (int, int, error) {
		gotLocked = includeLocked
		return 4, 1, nil
	}}
	sessions := sessionsStub{forceClearAll: func(context.Context) (int, error) { return 7, nil }}
	svc := newTestService(sessions, ledger, &teamsStub{})

	report, err := svc.BulkReset(context.Background(), adminToken(t), false)
	if err != nil {
		t.Fatalf("bulk reset: %v", err)
	}
	if gotLocked {
		t.Fatalf("expected locked claims spared")
	}
	want := ResetReport{ClaimsRemoved: 4, ClaimsKept: 1, DevicesCleared: 7}
	if report != want {
		t.Fatalf("expected %+v, got %+v", want, report)
	}
}

func TestBulkResetStopsOnLedgerFailure(t *testing.T) {
	boom := errors.New("boom")
	cleared := false
	ledger := &ledgerStub{resetFn: func(context.Context, bool) (int, int, error) { return 1, 0, boom }}
	sessions := sessionsStub{forceClearAll: func(context.Context) (int, error) {
		cleared = true
		return 0, nil
	}}
	svc := newTestService(sessions, ledger, &teamsStub{})

	report, err := svc.BulkReset(context.Background(), adminToken(t), true)
	if !errors.Is(err, boom) {
		t.Fatalf("expected ledger error, got %v", err)
	}
	if cleared {
		t.Fatalf("expected sessions untouched after ledger failure")
	}
	if report.ClaimsRemoved != 1 {
		t.Fatalf("expected partial report, got %+v", report)
	}
}

func TestAuthorizerReturnsIdentity(t *testing.T) {
	auth := NewAuthorizer(testSecret, "")
	token, _ := jwtpkg.IssueAdmin(testSecret, "ops@example.com", "anyone", time.Now(), time.Hour)
	id, err := auth.Authorize("  " + token + " ")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if id.Subject != "ops@example.com" {
		t.Fatalf("unexpected identity %+v", id)
	}
}
