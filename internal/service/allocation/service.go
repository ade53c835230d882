package allocation

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
	"github.com/SAI09992/scrs/internal/ws"
)

// Publisher delivers events to connected subscribers.
type Publisher interface {
	Publish(topic string, v any) error
}

// Service manages problems, claims and the claiming window.
type Service struct {
	store  repository.Store
	pub    Publisher
	logger *slog.Logger
	now    func() time.Time
}

// New constructs a Service.
func New(store repository.Store, pub Publisher, logger *slog.Logger) Service {
	return Service{store: store, pub: pub, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Window returns the current claiming window. A missing record means closed.
func (s Service) Window(ctx context.Context) (domain.SelectionConfig, error) {
	return loadWindow(ctx, s.store)
}

func loadWindow(ctx context.Context, r repository.Reader) (domain.SelectionConfig, error) {
	cfg, err := repository.Load[domain.SelectionConfig](ctx, r, repository.CollectionConfig, domain.SelectionConfigID)
	if errors.Is(err, repository.ErrNotFound) {
		return domain.SelectionConfig{}, nil
	}
	return cfg, err
}

// SetWindow opens or closes claiming and notifies subscribers.
func (s Service) SetWindow(ctx context.Context, open bool) (domain.SelectionConfig, error) {
	var cfg domain.SelectionConfig
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		current, err := loadWindow(ctx, tx)
		if err != nil {
			return err
		}
		current.IsOpen = open
		current.Version++
		current.UpdatedAt = s.now()
		cfg = current
		return repository.Save(ctx, tx, repository.CollectionConfig, domain.SelectionConfigID, current)
	})
	if err != nil {
		return domain.SelectionConfig{}, err
	}
	s.publish(ws.TopicConfig, domain.EventWindowChanged, "", cfg)
	s.logger.Info("claiming window updated", "open", open, "version", cfg.Version)
	return cfg, nil
}

// ListProblems returns problems ordered by title.
func (s Service) ListProblems(ctx context.Context, visibleOnly bool) ([]domain.Problem, error) {
	var filters []repository.Filter
	if visibleOnly {
		filters = append(filters, repository.Where("visible", true))
	}
	problems, err := repository.LoadAll[domain.Problem](ctx, s.store, repository.CollectionProblems, filters...)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(problems, func(i, j int) bool { return problems[i].Title < problems[j].Title })
	return problems, nil
}

// UpsertProblem creates or updates a problem. The claim counter is owned by
// the ledger and never taken from the input; capacity may not drop below it.
func (s Service) UpsertProblem(ctx context.Context, input domain.Problem) (domain.Problem, error) {
	input.Title = strings.TrimSpace(input.Title)
	if input.Title == "" {
		return domain.Problem{}, fmt.Errorf("%w: title is required", domain.ErrInvalidArgument)
	}
	if input.Capacity < 0 {
		return domain.Problem{}, fmt.Errorf("%w: capacity must not be negative", domain.ErrInvalidArgument)
	}
	if input.Capacity == 0 {
		input.Capacity = domain.DefaultProblemCapacity
	}
	if strings.TrimSpace(input.ID) == "" {
		input.ID = uuid.NewString()
	}

	var saved domain.Problem
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		now := s.now()
		p := input
		p.Claimed = 0
		p.CreatedAt = now
		existing, err := repository.Load[domain.Problem](ctx, tx, repository.CollectionProblems, input.ID)
		switch {
		case err == nil:
			p.Claimed = existing.Claimed
			p.CreatedAt = existing.CreatedAt
		case !errors.Is(err, repository.ErrNotFound):
			return err
		}
		if p.Capacity < p.Claimed {
			return fmt.Errorf("%w: capacity %d is below %d existing claims", domain.ErrInvalidArgument, p.Capacity, p.Claimed)
		}
		p.UpdatedAt = now
		saved = p
		return repository.Save(ctx, tx, repository.CollectionProblems, p.ID, p)
	})
	if err != nil {
		return domain.Problem{}, err
	}
	s.publish(ws.TopicConfig, domain.EventAvailabilityChanged, "", nil)
	s.logger.Info("problem saved", "problem_id", saved.ID, "capacity", saved.Capacity, "visible", saved.Visible)
	return saved, nil
}

// ListAvailability reports remaining slots per problem, computed from the
// distinct teams holding a claim on each.
func (s Service) ListAvailability(ctx context.Context, visibleOnly bool) ([]domain.Availability, error) {
	problems, err := s.ListProblems(ctx, visibleOnly)
	if err != nil {
		return nil, err
	}
	claims, err := repository.LoadAll[domain.Claim](ctx, s.store, repository.CollectionClaims)
	if err != nil {
		return nil, err
	}
	teams := make(map[string]map[string]struct{})
	for _, c := range claims {
		if teams[c.ProblemID] == nil {
			teams[c.ProblemID] = make(map[string]struct{})
		}
		teams[c.ProblemID][c.TeamID] = struct{}{}
	}
	out := make([]domain.Availability, 0, len(problems))
	for _, p := range problems {
		claimed := len(teams[p.ID])
		remaining := p.Capacity - claimed
		if remaining < 0 {
			remaining = 0
		}
		out = append(out, domain.Availability{
			ProblemID: p.ID,
			Title:     p.Title,
			Capacity:  p.Capacity,
			Claimed:   claimed,
			Remaining: remaining,
		})
	}
	return out, nil
}

// Claim binds teamID to problemID. The window check, the one-claim-per-team
// check and the capacity check are all re-evaluated inside the transaction
// that writes the claim and bumps the problem counter.
func (s Service) Claim(ctx context.Context, teamID, problemID string) (domain.Claim, error) {
	return s.ClaimForDevice(ctx, teamID, "", problemID)
}

// ClaimForDevice is Claim on behalf of a participant device. The device must
// still be admitted to the team when the transaction commits.
func (s Service) ClaimForDevice(ctx context.Context, teamID, deviceID, problemID string) (domain.Claim, error) {
	teamID = strings.TrimSpace(teamID)
	problemID = strings.TrimSpace(problemID)
	if teamID == "" || problemID == "" {
		return domain.Claim{}, fmt.Errorf("%w: team and problem are required", domain.ErrInvalidArgument)
	}

	var claim domain.Claim
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		if deviceID != "" {
			if err := requireDevice(ctx, tx, teamID, deviceID); err != nil {
				return err
			}
		}
		window, err := loadWindow(ctx, tx)
		if err != nil {
			return err
		}
		if !window.IsOpen {
			return domain.ErrWindowClosed
		}
		if _, err := tx.Get(ctx, repository.CollectionClaims, teamID); err == nil {
			return domain.ErrAlreadyClaimed
		} else if !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		p, err := repository.Load[domain.Problem](ctx, tx, repository.CollectionProblems, problemID)
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: problem", domain.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if !p.Visible {
			return fmt.Errorf("%w: problem", domain.ErrNotFound)
		}
		if p.Claimed >= p.Capacity {
			return domain.ErrFull
		}
		now := s.now()
		p.Claimed++
		p.UpdatedAt = now
		if err := repository.Save(ctx, tx, repository.CollectionProblems, p.ID, p); err != nil {
			return err
		}
		claim = domain.Claim{ID: teamID, TeamID: teamID, ProblemID: problemID, CreatedAt: now}
		data, err := repository.Encode(claim)
		if err != nil {
			return err
		}
		if err := tx.Create(ctx, repository.CollectionClaims, claim.ID, data); err != nil {
			if errors.Is(err, repository.ErrAlreadyExists) {
				return domain.ErrAlreadyClaimed
			}
			return err
		}
		return nil
	})
	if err != nil {
		s.logger.Info("claim rejected", "team_id", teamID, "problem_id", problemID, "error", err)
		return domain.Claim{}, err
	}
	s.publish(ws.TeamTopic(teamID), domain.EventClaimChanged, teamID, claim)
	s.publish(ws.TopicConfig, domain.EventAvailabilityChanged, "", nil)
	s.logger.Info("problem claimed", "team_id", teamID, "problem_id", problemID)
	return claim, nil
}

func requireDevice(ctx context.Context, tx repository.Tx, teamID, deviceID string) error {
	team, err := repository.Load[domain.Team](ctx, tx, repository.CollectionTeams, teamID)
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: team", domain.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if !team.HasDevice(deviceID) {
		return fmt.Errorf("%w: session revoked", domain.ErrUnauthorized)
	}
	return nil
}

// MyClaim returns the claim held by teamID.
func (s Service) MyClaim(ctx context.Context, teamID string) (domain.Claim, error) {
	claim, err := repository.Load[domain.Claim](ctx, s.store, repository.CollectionClaims, teamID)
	if errors.Is(err, repository.ErrNotFound) {
		return domain.Claim{}, fmt.Errorf("%w: claim", domain.ErrNotFound)
	}
	return claim, err
}

// ListClaims returns every claim, oldest first.
func (s Service) ListClaims(ctx context.Context) ([]domain.Claim, error) {
	claims, err := repository.LoadAll[domain.Claim](ctx, s.store, repository.CollectionClaims)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(claims, func(i, j int) bool { return claims[i].CreatedAt.Before(claims[j].CreatedAt) })
	return claims, nil
}

// ToggleLock flips the lock flag of a claim.
func (s Service) ToggleLock(ctx context.Context, claimID string) (domain.Claim, error) {
	var claim domain.Claim
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		c, err := repository.Load[domain.Claim](ctx, tx, repository.CollectionClaims, claimID)
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: claim", domain.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if c.Locked() {
			c.LockedAt = nil
		} else {
			now := s.now()
			c.LockedAt = &now
		}
		claim = c
		return repository.Save(ctx, tx, repository.CollectionClaims, c.ID, c)
	})
	if err != nil {
		return domain.Claim{}, err
	}
	s.publish(ws.TeamTopic(claim.TeamID), domain.EventClaimChanged, claim.TeamID, claim)
	s.logger.Info("claim lock toggled", "claim_id", claim.ID, "locked", claim.Locked())
	return claim, nil
}

// Delete removes a claim and frees its slot.
func (s Service) Delete(ctx context.Context, claimID string) error {
	var removed domain.Claim
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		c, ok, err := RemoveClaim(ctx, tx, claimID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: claim", domain.ErrNotFound)
		}
		removed = c
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(ws.TeamTopic(removed.TeamID), domain.EventClaimChanged, removed.TeamID, nil)
	s.publish(ws.TopicConfig, domain.EventAvailabilityChanged, "", nil)
	s.logger.Info("claim deleted", "claim_id", claimID, "problem_id", removed.ProblemID)
	return nil
}

// RemoveClaim deletes the claim with id inside tx and decrements the claimed
// problem's counter. It reports false when no such claim exists.
func RemoveClaim(ctx context.Context, tx repository.Tx, id string) (domain.Claim, bool, error) {
	c, err := repository.Load[domain.Claim](ctx, tx, repository.CollectionClaims, id)
	if errors.Is(err, repository.ErrNotFound) {
		return domain.Claim{}, false, nil
	}
	if err != nil {
		return domain.Claim{}, false, err
	}
	if err := tx.Delete(ctx, repository.CollectionClaims, id); err != nil {
		return domain.Claim{}, false, err
	}
	p, err := repository.Load[domain.Problem](ctx, tx, repository.CollectionProblems, c.ProblemID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return c, true, nil
	case err != nil:
		return domain.Claim{}, false, err
	}
	if p.Claimed > 0 {
		p.Claimed--
	}
	if err := repository.Save(ctx, tx, repository.CollectionProblems, p.ID, p); err != nil {
		return domain.Claim{}, false, err
	}
	return c, true, nil
}

// PurgeOrphans removes claims whose team no longer exists.
func (s Service) PurgeOrphans(ctx context.Context) ([]string, error) {
	claims, err := repository.LoadAll[domain.Claim](ctx, s.store, repository.CollectionClaims)
	if err != nil {
		return nil, err
	}
	var purged []string
	for _, c := range claims {
		removed := false
		err := s.store.RunTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
			removed = false
			if _, err := tx.Get(ctx, repository.CollectionTeams, c.TeamID); err == nil {
				return nil
			} else if !errors.Is(err, repository.ErrNotFound) {
				return err
			}
			_, ok, err := RemoveClaim(ctx, tx, c.ID)
			removed = ok
			return err
		})
		if err != nil {
			return purged, err
		}
		if removed {
			purged = append(purged, c.ID)
		}
	}
	if len(purged) > 0 {
		s.publish(ws.TopicConfig, domain.EventAvailabilityChanged, "", nil)
	}
	s.logger.Info("orphan claims purged", "count", len(purged))
	return purged, nil
}

// Reset deletes every claim, sparing locked ones unless includeLocked is set.
func (s Service) Reset(ctx context.Context, includeLocked bool) (removed, kept int, err error) {
	claims, err := repository.LoadAll[domain.Claim](ctx, s.store, repository.CollectionClaims)
	if err != nil {
		return 0, 0, err
	}
	for _, c := range claims {
		var skipped, ok bool
		err := s.store.RunTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
			skipped, ok = false, false
			current, err := repository.Load[domain.Claim](ctx, tx, repository.CollectionClaims, c.ID)
			if errors.Is(err, repository.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if current.Locked() && !includeLocked {
				skipped = true
				return nil
			}
			_, ok, err = RemoveClaim(ctx, tx, c.ID)
			return err
		})
		if err != nil {
			return removed, kept, err
		}
		switch {
		case skipped:
			kept++
		case ok:
			removed++
			s.publish(ws.TeamTopic(c.TeamID), domain.EventClaimChanged, c.TeamID, nil)
		}
	}
	s.publish(ws.TopicConfig, domain.EventAvailabilityChanged, "", nil)
	s.logger.Info("claims reset", "removed", removed, "kept", kept, "include_locked", includeLocked)
	return removed, kept, nil
}

func (s Service) publish(topic, eventType, teamID string, data any) {
	if s.pub == nil {
		return
	}
	event := domain.Event{Type: eventType, TeamID: teamID, Data: data, At: s.now()}
	if err := s.pub.Publish(topic, event); err != nil {
		s.logger.Warn("publish failed", "topic", topic, "type", eventType, "error", err)
	}
}
