package team

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/SAI09992/scrs/internal/domain"
	"github.com/SAI09992/scrs/internal/repository"
	"github.com/SAI09992/scrs/internal/service/allocation"
)

// DeletePolicy decides what happens to a deleted team's claim.
type DeletePolicy string

const (
	// DeleteCascade removes the claim and frees its slot with the team.
	DeleteCascade DeletePolicy = "cascade"
	// DeleteOrphan leaves the claim behind for later purging.
	DeleteOrphan DeletePolicy = "orphan"
)

// Service handles team workflows.
type Service struct {
	store  repository.Store
	logger *slog.Logger
	now    func() time.Time
}

// New constructs a Service with default logging.
func New(store repository.Store, logger *slog.Logger) Service {
	return Service{store: store, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

var (
	errInvalidTeamName = fmt.Errorf("%w: team name is required", domain.ErrInvalidArgument)
	errCodeTaken       = fmt.Errorf("%w: team code already in use", domain.ErrInvalidArgument)
)

// CreateInput describes a new team.
type CreateInput struct {
	Name string `json:"name"`
	// Code is generated when empty.
	Code    string          `json:"code"`
	Members []domain.Member `json:"members"`
}

// Create registers a team. The code must not be used by another team.
func (s Service) Create(ctx context.Context, in CreateInput) (domain.Team, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return domain.Team{}, errInvalidTeamName
	}
	code := domain.NormalizeCode(in.Code)
	if code == "" {
		code = generateCode()
	}
	team := domain.Team{
		ID:            uuid.NewString(),
		Name:          name,
		Code:          code,
		Members:       normalizeMembers(in.Members),
		Active:        true,
		ActiveDevices: []string{},
		CreatedAt:     s.now(),
	}
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		existing, err := tx.Query(ctx, repository.CollectionTeams, repository.Where("code", code))
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return errCodeTaken
		}
		data, err := repository.Encode(team)
		if err != nil {
			return err
		}
		return tx.Create(ctx, repository.CollectionTeams, team.ID, data)
	})
	if err != nil {
		return domain.Team{}, err
	}
	s.logger.Info("team created", "team_id", team.ID, "code", team.Code)
	return team, nil
}

func generateCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
}

func normalizeMembers(in []domain.Member) []domain.Member {
	out := make([]domain.Member, 0, len(in))
	for _, m := range in {
		m.Name = strings.TrimSpace(m.Name)
		m.RegNo = strings.TrimSpace(m.RegNo)
		if m.Name == "" {
			continue
		}
		attendance := make([]bool, domain.AttendanceRounds)
		copy(attendance, m.Attendance)
		m.Attendance = attendance
		out = append(out, m)
	}
	return out
}

// Get returns a team by id.
func (s Service) Get(ctx context.Context, id string) (domain.Team, error) {
	t, err := repository.Load[domain.Team](ctx, s.store, repository.CollectionTeams, id)
	return t, notFound(err)
}

// List returns all teams, newest first.
func (s Service) List(ctx context.Context) ([]domain.Team, error) {
	teams, err := repository.LoadAll[domain.Team](ctx, s.store, repository.CollectionTeams)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(teams, func(i, j int) bool { return teams[i].CreatedAt.After(teams[j].CreatedAt) })
	return teams, nil
}

// SetActive enables or disables logins for a team. Deactivating also revokes
// every admitted device.
func (s Service) SetActive(ctx context.Context, id string, active bool) (domain.Team, error) {
	return s.update(ctx, id, func(t *domain.Team) error {
		t.Active = active
		if !active {
			t.ClearDevices()
		}
		return nil
	})
}

// UpdateRoster replaces the team's members.
func (s Service) UpdateRoster(ctx context.Context, id string, members []domain.Member) (domain.Team, error) {
	return s.update(ctx, id, func(t *domain.Team) error {
		t.Members = normalizeMembers(members)
		return nil
	})
}

// MarkAttendance sets one member's presence flag for round (1-based).
func (s Service) MarkAttendance(ctx context.Context, id string, member, round int, present bool) (domain.Team, error) {
	if round < 1 || round > domain.AttendanceRounds {
		return domain.Team{}, fmt.Errorf("%w: round must be between 1 and %d", domain.ErrInvalidArgument, domain.AttendanceRounds)
	}
	return s.update(ctx, id, func(t *domain.Team) error {
		if member < 0 || member >= len(t.Members) {
			return fmt.Errorf("%w: member index %d", domain.ErrInvalidArgument, member)
		}
		m := &t.Members[member]
		if len(m.Attendance) < domain.AttendanceRounds {
			attendance := make([]bool, domain.AttendanceRounds)
			copy(attendance, m.Attendance)
			m.Attendance = attendance
		}
		m.Attendance[round-1] = present
		return nil
	})
}

func (s Service) update(ctx context.Context, id string, mutate func(*domain.Team) error) (domain.Team, error) {
	var out domain.Team
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		t, err := repository.Load[domain.Team](ctx, tx, repository.CollectionTeams, id)
		if err != nil {
			return notFound(err)
		}
		if err := mutate(&t); err != nil {
			return err
		}
		out = t
		return repository.Save(ctx, tx, repository.CollectionTeams, t.ID, t)
	})
	if err != nil {
		return domain.Team{}, err
	}
	s.logger.Info("team updated", "team_id", id)
	return out, nil
}

// Delete removes a team. With DeleteCascade its claim is removed in the same
// transaction.
func (s Service) Delete(ctx context.Context, id string, policy DeletePolicy) error {
	if policy == "" {
		policy = DeleteCascade
	}
	if policy != DeleteCascade && policy != DeleteOrphan {
		return fmt.Errorf("%w: delete policy %q", domain.ErrInvalidArgument, policy)
	}
	var claimRemoved bool
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		claimRemoved = false
		if _, err := tx.Get(ctx, repository.CollectionTeams, id); err != nil {
			return notFound(err)
		}
		if err := tx.Delete(ctx, repository.CollectionTeams, id); err != nil {
			return err
		}
		if policy == DeleteOrphan {
			return nil
		}
		_, ok, err := allocation.RemoveClaim(ctx, tx, id)
		claimRemoved = ok
		return err
	})
	if err != nil {
		return err
	}
	s.logger.Info("team deleted", "team_id", id, "policy", string(policy), "claim_removed", claimRemoved)
	return nil
}

// Dedupe keeps the newest team for every code and cascades deletion of the
// rest. It returns the ids of the removed teams.
func (s Service) Dedupe(ctx context.Context) ([]string, error) {
	teams, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var removed []string
	for _, t := range teams {
		if _, ok := seen[t.Code]; !ok {
			seen[t.Code] = struct{}{}
			continue
		}
		if err := s.Delete(ctx, t.ID, DeleteCascade); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return removed, err
		}
		removed = append(removed, t.ID)
	}
	s.logger.Info("teams deduplicated", "removed", len(removed))
	return removed, nil
}

func notFound(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: team", domain.ErrNotFound)
	}
	return err
}
