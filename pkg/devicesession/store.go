// Package devicesession keeps the participant's device identity and session on
// local disk and expires it after a period of inactivity.
package devicesession

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SAI09992/scrs/pkg/crypto"
)

const stateFile = "session.bin"

// Session is the locally persisted participant session.
type Session struct {
	Token     string    `json:"token"`
	TeamID    string    `json:"team_id"`
	TeamName  string    `json:"team_name"`
	TeamCode  string    `json:"team_code"`
	DeviceID  string    `json:"device_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// State is everything stored on disk.
type State struct {
	DeviceID     string    `json:"device_id"`
	Session      *Session  `json:"session,omitempty"`
	LastActivity time.Time `json:"last_activity"`
}

// Store reads and writes State as an encrypted file.
type Store struct {
	mu   sync.Mutex
	path string
	box  *crypto.Box
}

// DefaultDir returns the per-user directory used when none is configured.
func DefaultDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "scrs"), nil
}

// Open prepares a Store rooted at dir. key seeds the local encryption key.
func Open(dir, key string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		d, err := DefaultDir()
		if err != nil {
			return nil, fmt.Errorf("resolve state dir: %w", err)
		}
		dir = d
	}
	if strings.TrimSpace(key) == "" {
		return nil, errors.New("devicesession: state key is required")
	}
	box, err := crypto.NewBox(key)
	if err != nil {
		return nil, err
	}
	return &Store{path: filepath.Join(dir, stateFile), box: box}, nil
}

// Load returns the persisted state. A missing file is an empty state.
func (s *Store) Load() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (State, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return State{}, nil
	}
	if err != nil {
		return State{}, err
	}
	plain, err := s.box.Open(raw)
	if err != nil {
		return State{}, fmt.Errorf("decrypt state: %w", err)
	}
	var st State
	if err := json.Unmarshal(plain, &st); err != nil {
		return State{}, fmt.Errorf("decode state: %w", err)
	}
	return st, nil
}

func (s *Store) writeLocked(st State) error {
	plain, err := json.Marshal(st)
	if err != nil {
		return err
	}
	sealed, err := s.box.Seal(plain)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *Store) update(fn func(*State)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.loadLocked()
	if err != nil {
		return err
	}
	fn(&st)
	return s.writeLocked(st)
}

// DeviceID returns the stable identifier of this device, creating it on first use.
func (s *Store) DeviceID() (string, error) {
	var id string
	err := s.update(func(st *State) {
		if st.DeviceID == "" {
			st.DeviceID = uuid.NewString()
		}
		id = st.DeviceID
	})
	return id, err
}

// Save persists sess and marks at as the latest activity.
func (s *Store) Save(sess Session, at time.Time) error {
	return s.update(func(st *State) {
		if st.DeviceID == "" {
			st.DeviceID = sess.DeviceID
		}
		st.Session = &sess
		st.LastActivity = at.UTC()
	})
}

// Touch records activity at.
func (s *Store) Touch(at time.Time) error {
	return s.update(func(st *State) {
		if st.Session != nil {
			st.LastActivity = at.UTC()
		}
	})
}

// Clear drops the session. The device id is kept.
func (s *Store) Clear() error {
	return s.update(func(st *State) {
		st.Session = nil
		st.LastActivity = time.Time{}
	})
}
