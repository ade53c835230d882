package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/SAI09992/scrs/internal/domain"
	"github.com/SAI09992/scrs/internal/repository"
	"github.com/SAI09992/scrs/internal/ws"
	jwtpkg "github.com/SAI09992/scrs/pkg/jwt"
)

// Publisher delivers events to connected subscribers.
type Publisher interface {
	Publish(topic string, v any) error
}

// Config captures the admission policy.
type Config struct {
	Secret            string
	TokenTTL          time.Duration
	DeviceCap         int
	InactivityTimeout time.Duration
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// Service admits and revokes team devices.
type Service struct {
	store  repository.Store
	pub    Publisher
	logger *slog.Logger
	cfg    Config
}

// New constructs a Service.
func New(store repository.Store, pub Publisher, logger *slog.Logger, cfg Config) Service {
	if cfg.DeviceCap <= 0 {
		cfg.DeviceCap = 2
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 12 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return Service{store: store, pub: pub, logger: logger, cfg: cfg}
}

// Grant is the result of a successful login.
type Grant struct {
	Token   string         `json:"token"`
	Session domain.Session `json:"session"`
}

func (s Service) now() time.Time {
	return s.cfg.Now().UTC()
}

// Login admits deviceID to the team owning code. The membership check and the
// append run in one transaction so concurrent logins cannot exceed the cap.
func (s Service) Login(ctx context.Context, code, deviceID string) (Grant, error) {
	code = domain.NormalizeCode(code)
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return Grant{}, fmt.Errorf("%w: device id is required", domain.ErrInvalidArgument)
	}
	if code == "" {
		return Grant{}, fmt.Errorf("%w: team code", domain.ErrNotFound)
	}

	teamID, err := s.lookupCode(ctx, code)
	if err != nil {
		return Grant{}, err
	}

	var team domain.Team
	var reaped []string
	err = s.store.RunTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		t, err := repository.Load[domain.Team](ctx, tx, repository.CollectionTeams, teamID)
		if err != nil {
			return notFound(err, "team")
		}
		if t.Code != code {
			return fmt.Errorf("%w: team code", domain.ErrNotFound)
		}
		if !t.Active {
			return fmt.Errorf("%w: team is inactive", domain.ErrUnauthorized)
		}
		now := s.now()
		reaped = t.ReapIdle(now, s.cfg.InactivityTimeout)
		if err := t.Admit(deviceID, s.cfg.DeviceCap, now); err != nil {
			return err
		}
		team = t
		return repository.Save(ctx, tx, repository.CollectionTeams, t.ID, t)
	})
	if err != nil {
		s.logger.Info("login rejected", "team_id", teamID, "device_id", deviceID, "error", err)
		return Grant{}, err
	}
	if len(reaped) > 0 {
		s.logger.Info("idle devices released", "team_id", team.ID, "devices", reaped)
	}

	grant, err := s.issue(team, deviceID)
	if err != nil {
		return Grant{}, err
	}
	s.logger.Info("device admitted", "team_id", team.ID, "device_id", deviceID, "devices", len(team.ActiveDevices))
	return grant, nil
}

// lookupCode resolves a code to a team id. Codes are unique for teams created
// through the service; for legacy duplicates the newest team wins.
func (s Service) lookupCode(ctx context.Context, code string) (string, error) {
	teams, err := repository.LoadAll[domain.Team](ctx, s.store, repository.CollectionTeams, repository.Where("code", code))
	if err != nil {
		return "", err
	}
	if len(teams) == 0 {
		return "", fmt.Errorf("%w: team code", domain.ErrNotFound)
	}
	sort.Slice(teams, func(i, j int) bool { return teams[i].CreatedAt.After(teams[j].CreatedAt) })
	return teams[0].ID, nil
}

func (s Service) issue(team domain.Team, deviceID string) (Grant, error) {
	now := s.now()
	token, err := jwtpkg.IssueSession(s.cfg.Secret, jwtpkg.SessionClaims{
		TeamID:   team.ID,
		TeamName: team.Name,
		TeamCode: team.Code,
		DeviceID: deviceID,
	}, now, s.cfg.TokenTTL)
	if err != nil {
		return Grant{}, fmt.Errorf("issue session token: %w", err)
	}
	return Grant{
		Token: token,
		Session: domain.Session{
			TeamID:    team.ID,
			TeamName:  team.Name,
			TeamCode:  team.Code,
			DeviceID:  deviceID,
			IssuedAt:  now,
			ExpiresAt: now.Add(s.cfg.TokenTTL),
		},
	}, nil
}

// Logout releases the token's device. Expired tokens are accepted and
// releasing an absent device is a no-op.
func (s Service) Logout(ctx context.Context, token string) error {
	claims, err := jwtpkg.ParseSession(strings.TrimSpace(token), s.cfg.Secret, jwtpkg.AllowExpired())
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	released := false
	err = s.store.RunTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		released = false
		t, err := repository.Load[domain.Team](ctx, tx, repository.CollectionTeams, claims.TeamID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !t.Release(claims.DeviceID) {
			return nil
		}
		released = true
		return repository.Save(ctx, tx, repository.CollectionTeams, t.ID, t)
	})
	if err != nil {
		return err
	}
	s.logger.Info("device logged out", "team_id", claims.TeamID, "device_id", claims.DeviceID, "released", released)
	return nil
}

// Validate confirms the token's device is still admitted and not idle past the
// inactivity timeout.
func (s Service) Validate(ctx context.Context, token string) (domain.Session, error) {
	claims, err := s.parse(token)
	if err != nil {
		return domain.Session{}, err
	}
	team, err := repository.Load[domain.Team](ctx, s.store, repository.CollectionTeams, claims.TeamID)
	if err != nil {
		return domain.Session{}, notFound(err, "team")
	}
	if err := s.admitted(team, claims.DeviceID); err != nil {
		return domain.Session{}, err
	}
	return sessionFromClaims(claims), nil
}

// Heartbeat records activity for the token's device.
func (s Service) Heartbeat(ctx context.Context, token string) (domain.Session, error) {
	claims, err := s.parse(token)
	if err != nil {
		return domain.Session{}, err
	}
	err = s.store.RunTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		t, err := repository.Load[domain.Team](ctx, tx, repository.CollectionTeams, claims.TeamID)
		if err != nil {
			return notFound(err, "team")
		}
		if err := s.admitted(t, claims.DeviceID); err != nil {
			return err
		}
		t.Touch(claims.DeviceID, s.now())
		return repository.Save(ctx, tx, repository.CollectionTeams, t.ID, t)
	})
	if err != nil {
		return domain.Session{}, err
	}
	return sessionFromClaims(claims), nil
}

func (s Service) admitted(team domain.Team, deviceID string) error {
	if !team.HasDevice(deviceID) {
		return fmt.Errorf("%w: session revoked", domain.ErrUnauthorized)
	}
	if !team.Active {
		return fmt.Errorf("%w: team is inactive", domain.ErrUnauthorized)
	}
	if seen, ok := team.DeviceSeen[deviceID]; ok && s.cfg.InactivityTimeout > 0 && s.now().Sub(seen) > s.cfg.InactivityTimeout {
		return fmt.Errorf("%w: session idle", domain.ErrUnauthorized)
	}
	return nil
}

func (s Service) parse(token string) (*jwtpkg.SessionClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: session token required", domain.ErrUnauthorized)
	}
	claims, err := jwtpkg.ParseSession(token, s.cfg.Secret, jwtpkg.WithClock(s.cfg.Now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	return claims, nil
}

// ForceClear empties a team's device set and notifies its subscribers.
func (s Service) ForceClear(ctx context.Context, teamID string) (int, error) {
	var cleared int
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		t, err := repository.Load[domain.Team](ctx, tx, repository.CollectionTeams, teamID)
		if err != nil {
			return notFound(err, "team")
		}
		cleared = t.ClearDevices()
		return repository.Save(ctx, tx, repository.CollectionTeams, t.ID, t)
	})
	if err != nil {
		return 0, err
	}
	s.notifyRevoked(teamID)
	s.logger.Info("team sessions cleared", "team_id", teamID, "devices", cleared)
	return cleared, nil
}

// ForceClearAll empties the device set of every team.
func (s Service) ForceClearAll(ctx context.Context) (int, error) {
	teams, err := repository.LoadAll[domain.Team](ctx, s.store, repository.CollectionTeams)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, t := range teams {
		n, err := s.ForceClear(ctx, t.ID)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (s Service) notifyRevoked(teamID string) {
	if s.pub == nil {
		return
	}
	event := domain.Event{Type: domain.EventSessionRevoked, TeamID: teamID, At: s.now()}
	if err := s.pub.Publish(ws.TeamTopic(teamID), event); err != nil {
		s.logger.Warn("publish revocation failed", "team_id", teamID, "error", err)
	}
}

func sessionFromClaims(c *jwtpkg.SessionClaims) domain.Session {
	out := domain.Session{
		TeamID:   c.TeamID,
		TeamName: c.TeamName,
		TeamCode: c.TeamCode,
		DeviceID: c.DeviceID,
	}
	if c.IssuedAt != nil {
		out.IssuedAt = c.IssuedAt.UTC()
	}
	if c.ExpiresAt != nil {
		out.ExpiresAt = c.ExpiresAt.UTC()
	}
	return out
}

func notFound(err error, what string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, what)
	}
	return err
}
