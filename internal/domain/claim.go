package domain

import "time"

// Claim binds a team to one problem. Its id is the team id, which makes
// "one claim per team" a property of the key.
type Claim struct {
	ID        string     `json:"id"`
	TeamID    string     `json:"team_id"`
	ProblemID string     `json:"problem_id"`
	CreatedAt time.Time  `json:"created_at"`
	LockedAt  *time.Time `json:"locked_at,omitempty"`
}

// Locked reports whether an administrator froze the claim.
func (c Claim) Locked() bool {
	return c.LockedAt != nil
}
