package domain

import (
	"slices"
	"strings"
	"time"
)

// AttendanceRounds is the number of rounds tracked per member.
const AttendanceRounds = 3

// Team is a participant group that shares one access code.
type Team struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Code    string   `json:"code"`
	Members []Member `json:"members"`
	Active  bool     `json:"active"`
	// ActiveDevices holds the currently admitted device ids in admission order.
	ActiveDevices []string `json:"active_devices"`
	// DeviceSeen records the last server contact per admitted device.
	DeviceSeen map[string]time.Time `json:"device_seen,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
}

// Member is one entry of a team roster.
type Member struct {
	Name       string `json:"name"`
	RegNo      string `json:"reg_no,omitempty"`
	Attendance []bool `json:"attendance,omitempty"`
}

// NormalizeCode canonicalises a team access code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// HasDevice reports whether deviceID is currently admitted.
func (t *Team) HasDevice(deviceID string) bool {
	return slices.Contains(t.ActiveDevices, deviceID)
}

// Admit adds deviceID to the device set. Re-admitting a present device only
// refreshes its last-seen time. It fails with ErrDeviceLimit when the set is full.
func (t *Team) Admit(deviceID string, limit int, now time.Time) error {
	if !t.HasDevice(deviceID) {
		if len(t.ActiveDevices) >= limit {
			return ErrDeviceLimit
		}
		t.ActiveDevices = append(t.ActiveDevices, deviceID)
	}
	t.Touch(deviceID, now)
	return nil
}

// Touch records activity for an admitted device.
func (t *Team) Touch(deviceID string, now time.Time) {
	if !t.HasDevice(deviceID) {
		return
	}
	if t.DeviceSeen == nil {
		t.DeviceSeen = make(map[string]time.Time)
	}
	t.DeviceSeen[deviceID] = now.UTC()
}

// Release removes deviceID and reports whether it was present.
func (t *Team) Release(deviceID string) bool {
	idx := slices.Index(t.ActiveDevices, deviceID)
	if idx < 0 {
		return false
	}
	t.ActiveDevices = slices.Delete(t.ActiveDevices, idx, idx+1)
	delete(t.DeviceSeen, deviceID)
	return true
}

// ReapIdle releases devices not seen within timeout and returns their ids.
// Devices without a recorded contact are left alone.
func (t *Team) ReapIdle(now time.Time, timeout time.Duration) []string {
	if timeout <= 0 {
		return nil
	}
	var reaped []string
	for _, id := range slices.Clone(t.ActiveDevices) {
		seen, ok := t.DeviceSeen[id]
		if ok && now.Sub(seen) > timeout {
			t.Release(id)
			reaped = append(reaped, id)
		}
	}
	return reaped
}

// ClearDevices drops every admitted device and returns how many there were.
func (t *Team) ClearDevices() int {
	n := len(t.ActiveDevices)
	t.ActiveDevices = []string{}
	t.DeviceSeen = nil
	return n
}
