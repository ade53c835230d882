package domain

import (
	"errors"
	"testing"
	"time"
)

func TestNormalizeCode(t *testing.T) {
	if got := NormalizeCode("  ab12x "); got != "AB12X" {
		t.Fatalf("expected AB12X, got %q", got)
	}
}

func TestAdmitRespectsLimit(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	team := &Team{}
	if err := team.Admit("d1", 2, now); err != nil {
		t.Fatalf("admit d1: %v", err)
	}
	if err := team.Admit("d2", 2, now); err != nil {
		t.Fatalf("admit d2: %v", err)
	}
	if err := team.Admit("d1", 2, now.Add(time.Minute)); err != nil {
		t.Fatalf("re-admit d1: %v", err)
	}
	if err := team.Admit("d3", 2, now); !errors.Is(err, ErrDeviceLimit) {
		t.Fatalf("expected device limit, got %v", err)
	}
	if !errors.Is(ErrDeviceLimit, ErrCapacityExceeded) {
		t.Fatalf("expected device limit to be a capacity error")
	}
	if len(team.ActiveDevices) != 2 {
		t.Fatalf("expected 2 devices, got %v", team.ActiveDevices)
	}
	if !team.DeviceSeen["d1"].Equal(now.Add(time.Minute)) {
		t.Fatalf("expected d1 last seen refreshed, got %v", team.DeviceSeen["d1"])
	}
}

func TestReleaseAndReap(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	team := &Team{}
	_ = team.Admit("old", 3, now.Add(-time.Hour))
	_ = team.Admit("fresh", 3, now.Add(-time.Minute))
	team.ActiveDevices = append(team.ActiveDevices, "legacy")

	reaped := team.ReapIdle(now, 30*time.Minute)
	if len(reaped) != 1 || reaped[0] != "old" {
		t.Fatalf("expected only old reaped, got %v", reaped)
	}
	if team.Release("old") {
		t.Fatalf("expected second release to be a no-op")
	}
	if !team.Release("fresh") {
		t.Fatalf("expected fresh released")
	}
	if got := team.ClearDevices(); got != 1 {
		t.Fatalf("expected 1 cleared device, got %d", got)
	}
	if team.HasDevice("legacy") {
		t.Fatalf("expected device set empty")
	}
}

func TestProblemRemaining(t *testing.T) {
	if got := (Problem{Capacity: 2, Claimed: 3}).Remaining(); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	if got := (Problem{Capacity: 5, Claimed: 3}).Remaining(); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
}
