package domain

import "time"

// DefaultProblemCapacity applies when a problem is saved without a capacity.
const DefaultProblemCapacity = 999

// Problem is a claimable problem statement.
type Problem struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`
	// Capacity is the maximum number of distinct teams that may claim the problem.
	Capacity int  `json:"capacity"`
	Visible  bool `json:"visible"`
	// Claimed counts current claims. It is only changed inside the transaction
	// that creates or removes a claim.
	Claimed   int       `json:"claimed"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Remaining returns the number of free slots.
func (p Problem) Remaining() int {
	if p.Claimed >= p.Capacity {
		return 0
	}
	return p.Capacity - p.Claimed
}

// Availability is a problem together with its free slot count.
type Availability struct {
	ProblemID string `json:"problem_id"`
	Title     string `json:"title"`
	Capacity  int    `json:"capacity"`
	Claimed   int    `json:"claimed"`
	Remaining int    `json:"remaining"`
}
