package domain

import (
	"errors"
	"fmt"
)

// Business outcomes callers branch on.
var (
	ErrNotFound         = errors.New("not found")
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrDeviceLimit is returned when a team already has the maximum number of admitted devices.
	ErrDeviceLimit = fmt.Errorf("%w: device limit reached", ErrCapacityExceeded)
	// ErrFull is returned when a problem has no remaining slots.
	ErrFull            = fmt.Errorf("%w: problem is full", ErrCapacityExceeded)
	ErrAlreadyClaimed  = errors.New("team already holds a claim")
	ErrWindowClosed    = errors.New("claiming window is closed")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrInvalidArgument = errors.New("invalid argument")
)
