package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Member is one roster entry.
type Member struct {
	Name       string `json:"name"`
	RegNo      string `json:"reg_no,omitempty"`
	Attendance []bool `json:"attendance,omitempty"`
}

// Team reflects API team payloads.
type Team struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Code          string    `json:"code"`
	Members       []Member  `json:"members"`
	Active        bool      `json:"active"`
	ActiveDevices []string  `json:"active_devices"`
	CreatedAt     time.Time `json:"created_at"`
}

// CreateTeamInput captures the payload for team creation.
type CreateTeamInput struct {
	Name    string   `json:"name"`
	Code    string   `json:"code,omitempty"`
	Members []Member `json:"members,omitempty"`
}

// ListTeams returns every team.
func (c *Client) ListTeams(ctx context.Context, token string) ([]Team, error) {
	var teams []Team
	if err := c.do(ctx, http.MethodGet, "/admin/teams", nil, token, &teams); err != nil {
		return nil, err
	}
	return teams, nil
}

// CreateTeam registers a team.
func (c *Client) CreateTeam(ctx context.Context, token string, input CreateTeamInput) (Team, error) {
	var team Team
	if err := c.do(ctx, http.MethodPost, "/admin/teams", input, token, &team); err != nil {
		return Team{}, err
	}
	return team, nil
}

// SetTeamActive enables or disables a team.
func (c *Client) SetTeamActive(ctx context.Context, token, teamID string, active bool) (Team, error) {
	path := fmt.Sprintf("/admin/teams/%s/active", url.PathEscape(teamID))
	var team Team
	if err := c.do(ctx, http.MethodPatch, path, map[string]bool{"active": active}, token, &team); err != nil {
		return Team{}, err
	}
	return team, nil
}

// MarkAttendance sets one attendance flag.
func (c *Client) MarkAttendance(ctx context.Context, token, teamID string, member, round int, present bool) (Team, error) {
	path := fmt.Sprintf("/admin/teams/%s/attendance", url.PathEscape(teamID))
	body := map[string]any{"member": member, "round": round, "present": present}
	var team Team
	if err := c.do(ctx, http.MethodPost, path, body, token, &team); err != nil {
		return Team{}, err
	}
	return team, nil
}

// ForceClear revokes every device of a team.
func (c *Client) ForceClear(ctx context.Context, token, teamID string) (int, error) {
	path := fmt.Sprintf("/admin/teams/%s/force-clear", url.PathEscape(teamID))
	var resp struct {
		Cleared int `json:"cleared"`
	}
	if err := c.do(ctx, http.MethodPost, path, nil, token, &resp); err != nil {
		return 0, err
	}
	return resp.Cleared, nil
}

// DeleteTeam removes a team. An empty policy uses the server default.
func (c *Client) DeleteTeam(ctx context.Context, token, teamID, policy string) error {
	path := fmt.Sprintf("/admin/teams/%s", url.PathEscape(teamID))
	if policy != "" {
		path += "?policy=" + url.QueryEscape(policy)
	}
	return c.do(ctx, http.MethodDelete, path, nil, token, nil)
}

// DedupeTeams keeps the newest team per code.
func (c *Client) DedupeTeams(ctx context.Context, token string) ([]string, error) {
	var resp struct {
		Removed []string `json:"removed"`
	}
	if err := c.do(ctx, http.MethodPost, "/admin/teams/dedupe", nil, token, &resp); err != nil {
		return nil, err
	}
	return resp.Removed, nil
}

// UpsertProblem creates or replaces a problem.
func (c *Client) UpsertProblem(ctx context.Context, token string, p Problem) (Problem, error) {
	path := fmt.Sprintf("/admin/problems/%s", url.PathEscape(p.ID))
	var saved Problem
	if err := c.do(ctx, http.MethodPut, path, p, token, &saved); err != nil {
		return Problem{}, err
	}
	return saved, nil
}

// ListAllProblems returns problems including hidden ones.
func (c *Client) ListAllProblems(ctx context.Context, token string) ([]Problem, error) {
	var problems []Problem
	if err := c.do(ctx, http.MethodGet, "/admin/problems", nil, token, &problems); err != nil {
		return nil, err
	}
	return problems, nil
}

// ListClaims returns every claim.
func (c *Client) ListClaims(ctx context.Context, token string) ([]Claim, error) {
	var claims []Claim
	if err := c.do(ctx, http.MethodGet, "/admin/claims", nil, token, &claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// ToggleLock flips the lock of a claim.
func (c *Client) ToggleLock(ctx context.Context, token, claimID string) (Claim, error) {
	path := fmt.Sprintf("/admin/claims/%s/lock", url.PathEscape(claimID))
	var claim Claim
	if err := c.do(ctx, http.MethodPost, path, nil, token, &claim); err != nil {
		return Claim{}, err
	}
	return claim, nil
}

// DeleteClaim removes a claim and frees its slot.
func (c *Client) DeleteClaim(ctx context.Context, token, claimID string) error {
	path := fmt.Sprintf("/admin/claims/%s", url.PathEscape(claimID))
	return c.do(ctx, http.MethodDelete, path, nil, token, nil)
}

// PurgeOrphanClaims removes claims whose team no longer exists.
func (c *Client) PurgeOrphanClaims(ctx context.Context, token string) ([]string, error) {
	var resp struct {
		Purged []string `json:"purged"`
	}
	if err := c.do(ctx, http.MethodPost, "/admin/claims/purge-orphans", nil, token, &resp); err != nil {
		return nil, err
	}
	return resp.Purged, nil
}

// SetWindow opens or closes claiming.
func (c *Client) SetWindow(ctx context.Context, token string, open bool) (Window, error) {
	var w Window
	if err := c.do(ctx, http.MethodPut, "/admin/window", map[string]bool{"is_open": open}, token, &w); err != nil {
		return Window{}, err
	}
	return w, nil
}

// ResetReport summarises a bulk reset.
type ResetReport struct {
	ClaimsRemoved  int `json:"claims_removed"`
	ClaimsKept     int `json:"claims_kept"`
	DevicesCleared int `json:"devices_cleared"`
}

// Reset deletes claims and clears every device set.
func (c *Client) Reset(ctx context.Context, token string, includeLocked bool) (ResetReport, error) {
	var report ResetReport
	if err := c.do(ctx, http.MethodPost, "/admin/reset", map[string]bool{"include_locked": includeLocked}, token, &report); err != nil {
		return ResetReport{}, err
	}
	return report, nil
}
