package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/SAI09992/scrs/internal/domain"
	"github.com/SAI09992/scrs/internal/service/team"
	jwtpkg "github.com/SAI09992/scrs/pkg/jwt"
)

// ErrForbidden is returned for a valid identity that lacks the admin role.
var ErrForbidden = fmt.Errorf("%w: administrator role required", domain.ErrUnauthorized)

// Identity is the verified administrator behind an override.
type Identity struct {
	Subject string `json:"subject"`
	Email   string `json:"email,omitempty"`
}

// Authorizer verifies identity-provider tokens.
type Authorizer struct {
	secret string
	issuer string
}

// NewAuthorizer constructs an Authorizer. An empty issuer accepts any issuer.
func NewAuthorizer(secret, issuer string) Authorizer {
	return Authorizer{secret: secret, issuer: issuer}
}

// Authorize validates a bearer token and returns the administrator identity.
func (a Authorizer) Authorize(token string) (Identity, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return Identity{}, fmt.Errorf("%w: admin token required", domain.ErrUnauthorized)
	}
	claims, err := jwtpkg.ParseAdmin(trimmed, a.secret, a.issuer)
	if errors.Is(err, jwtpkg.ErrNotAdmin) {
		return Identity{}, ErrForbidden
	}
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	return Identity{Subject: claims.Subject, Email: claims.Email}, nil
}

// SessionManager is the slice of the session service overrides use.
type SessionManager interface {
	ForceClear(ctx context.Context, teamID string) (int, error)
	ForceClearAll(ctx context.Context) (int, error)
}

// Ledger is the slice of the allocation service overrides use.
type Ledger interface {
	ListClaims(ctx context.Context) ([]domain.Claim, error)
	ToggleLock(ctx context.Context, claimID string) (domain.Claim, error)
	Delete(ctx context.Context, claimID string) error
	SetWindow(ctx context.Context, open bool) (domain.SelectionConfig, error)
	UpsertProblem(ctx context.Context, p domain.Problem) (domain.Problem, error)
	ListProblems(ctx context.Context, visibleOnly bool) ([]domain.Problem, error)
	PurgeOrphans(ctx context.Context) ([]string, error)
	Reset(ctx context.Context, includeLocked bool) (removed, kept int, err error)
}

// Teams is the slice of the team service overrides use.
type Teams interface {
	Create(ctx context.Context, in team.CreateInput) (domain.Team, error)
	List(ctx context.Context) ([]domain.Team, error)
	SetActive(ctx context.Context, id string, active bool) (domain.Team, error)
	UpdateRoster(ctx context.Context, id string, members []domain.Member) (domain.Team, error)
	MarkAttendance(ctx context.Context, id string, member, round int, present bool) (domain.Team, error)
	Delete(ctx context.Context, id string, policy team.DeletePolicy) error
	Dedupe(ctx context.Context) ([]string, error)
}

// Service is the administrator override channel. Every operation verifies
// the caller's token before touching state.
type Service struct {
	auth         Authorizer
	sessions     SessionManager
	ledger       Ledger
	teams        Teams
	deletePolicy team.DeletePolicy
	logger       *slog.Logger
}

// New constructs a Service. deletePolicy is used when DeleteTeam is called
// without an explicit policy.
func New(auth Authorizer, sessions SessionManager, ledger Ledger, teams Teams, deletePolicy team.DeletePolicy, logger *slog.Logger) Service {
	if deletePolicy == "" {
		deletePolicy = team.DeleteCascade
	}
	return Service{auth: auth, sessions: sessions, ledger: ledger, teams: teams, deletePolicy: deletePolicy, logger: logger}
}

// Authorize exposes the token check for callers that only need the identity.
func (s Service) Authorize(token string) (Identity, error) {
	return s.auth.Authorize(token)
}

func (s Service) authorize(token, op string, attrs ...any) (Identity, error) {
	id, err := s.auth.Authorize(token)
	if err != nil {
		s.logger.Warn("admin override denied", "op", op, "error", err)
		return Identity{}, err
	}
	s.logger.Info("admin override", append([]any{"op", op, "admin", id.Subject}, attrs...)...)
	return id, nil
}

// ForceClear revokes every device session of a team.
func (s Service) ForceClear(ctx context.Context, token, teamID string) (int, error) {
	if _, err := s.authorize(token, "force_clear", "team_id", teamID); err != nil {
		return 0, err
	}
	return s.sessions.ForceClear(ctx, teamID)
}

// ListClaims returns every claim.
func (s Service) ListClaims(ctx context.Context, token string) ([]domain.Claim, error) {
	if _, err := s.authorize(token, "list_claims"); err != nil {
		return nil, err
	}
	return s.ledger.ListClaims(ctx)
}

// ToggleLock freezes or unfreezes a claim.
func (s Service) ToggleLock(ctx context.Context, token, claimID string) (domain.Claim, error) {
	if _, err := s.authorize(token, "toggle_lock", "claim_id", claimID); err != nil {
		return domain.Claim{}, err
	}
	return s.ledger.ToggleLock(ctx, claimID)
}

// DeleteClaim removes a claim, locked or not.
func (s Service) DeleteClaim(ctx context.Context, token, claimID string) error {
	if _, err := s.authorize(token, "delete_claim", "claim_id", claimID); err != nil {
		return err
	}
	return s.ledger.Delete(ctx, claimID)
}

// SetWindow opens or closes claiming.
func (s Service) SetWindow(ctx context.Context, token string, open bool) (domain.SelectionConfig, error) {
	if _, err := s.authorize(token, "set_window", "open", open); err != nil {
		return domain.SelectionConfig{}, err
	}
	return s.ledger.SetWindow(ctx, open)
}

// ListProblems returns every problem including hidden ones.
func (s Service) ListProblems(ctx context.Context, token string) ([]domain.Problem, error) {
	if _, err := s.authorize(token, "list_problems"); err != nil {
		return nil, err
	}
	return s.ledger.ListProblems(ctx, false)
}

// UpsertProblem creates or edits a problem.
func (s Service) UpsertProblem(ctx context.Context, token string, p domain.Problem) (domain.Problem, error) {
	if _, err := s.authorize(token, "upsert_problem", "problem_id", p.ID); err != nil {
		return domain.Problem{}, err
	}
	return s.ledger.UpsertProblem(ctx, p)
}

// CreateTeam registers a team.
func (s Service) CreateTeam(ctx context.Context, token string, in team.CreateInput) (domain.Team, error) {
	if _, err := s.authorize(token, "create_team"); err != nil {
		return domain.Team{}, err
	}
	return s.teams.Create(ctx, in)
}

// ListTeams returns every team.
func (s Service) ListTeams(ctx context.Context, token string) ([]domain.Team, error) {
	if _, err := s.authorize(token, "list_teams"); err != nil {
		return nil, err
	}
	return s.teams.List(ctx)
}

// SetTeamActive enables or disables a team.
func (s Service) SetTeamActive(ctx context.Context, token, teamID string, active bool) (domain.Team, error) {
	if _, err := s.authorize(token, "set_team_active", "team_id", teamID, "active", active); err != nil {
		return domain.Team{}, err
	}
	return s.teams.SetActive(ctx, teamID, active)
}

// UpdateRoster replaces a team's members.
func (s Service) UpdateRoster(ctx context.Context, token, teamID string, members []domain.Member) (domain.Team, error) {
	if _, err := s.authorize(token, "update_roster", "team_id", teamID); err != nil {
		return domain.Team{}, err
	}
	return s.teams.UpdateRoster(ctx, teamID, members)
}

// MarkAttendance records one member's presence for a round.
func (s Service) MarkAttendance(ctx context.Context, token, teamID string, member, round int, present bool) (domain.Team, error) {
	if _, err := s.authorize(token, "mark_attendance", "team_id", teamID, "member", member, "round", round); err != nil {
		return domain.Team{}, err
	}
	return s.teams.MarkAttendance(ctx, teamID, member, round, present)
}

// DeleteTeam removes a team under policy, or the configured policy when empty.
func (s Service) DeleteTeam(ctx context.Context, token, teamID string, policy team.DeletePolicy) error {
	if policy == "" {
		policy = s.deletePolicy
	}
	if _, err := s.authorize(token, "delete_team", "team_id", teamID, "policy", string(policy)); err != nil {
		return err
	}
	return s.teams.Delete(ctx, teamID, policy)
}

// PurgeOrphanClaims removes claims whose team no longer exists.
func (s Service) PurgeOrphanClaims(ctx context.Context, token string) ([]string, error) {
	if _, err := s.authorize(token, "purge_orphans"); err != nil {
		return nil, err
	}
	return s.ledger.PurgeOrphans(ctx)
}

// DedupeTeams keeps the newest team per code.
func (s Service) DedupeTeams(ctx context.Context, token string) ([]string, error) {
	if _, err := s.authorize(token, "dedupe_teams"); err != nil {
		return nil, err
	}
	return s.teams.Dedupe(ctx)
}

// ResetReport summarises a bulk reset.
type ResetReport struct {
	ClaimsRemoved  int `json:"claims_removed"`
	ClaimsKept     int `json:"claims_kept"`
	DevicesCleared int `json:"devices_cleared"`
}

// BulkReset deletes claims, sparing locked ones unless includeLocked, and
// clears every team's device set.
func (s Service) BulkReset(ctx context.Context, token string, includeLocked bool) (ResetReport, error) {
	if _, err := s.authorize(token, "bulk_reset", "include_locked", includeLocked); err != nil {
		return ResetReport{}, err
	}
	var report ResetReport
	removed, kept, err := s.ledger.Reset(ctx, includeLocked)
	report.ClaimsRemoved, report.ClaimsKept = removed, kept
	if err != nil {
		return report, fmt.Errorf("reset claims: %w", err)
	}
	cleared, err := s.sessions.ForceClearAll(ctx)
	report.DevicesCleared = cleared
	if err != nil {
		return report, fmt.Errorf("clear sessions: %w", err)
	}
	return report, nil
}
