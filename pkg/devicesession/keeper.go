package devicesession

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultInactivityTimeout matches the server's idle policy.
const DefaultInactivityTimeout = 30 * time.Minute

// Remote is the server side of the session lifecycle.
type Remote interface {
	Login(ctx context.Context, code, deviceID string) (Session, error)
	Logout(ctx context.Context, token string) error
}

// Keeper ties the local Store to the server session.
type Keeper struct {
	store   *Store
	remote  Remote
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
}

// KeeperOption customises a Keeper.
type KeeperOption func(*Keeper)

// WithClock overrides the time source.
func WithClock(now func() time.Time) KeeperOption {
	return func(k *Keeper) {
		if now != nil {
			k.now = now
		}
	}
}

// NewKeeper builds a Keeper. A non-positive timeout uses DefaultInactivityTimeout.
func NewKeeper(store *Store, remote Remote, logger *slog.Logger, timeout time.Duration, opts ...KeeperOption) *Keeper {
	if timeout <= 0 {
		timeout = DefaultInactivityTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	k := &Keeper{store: store, remote: remote, logger: logger, timeout: timeout, now: time.Now}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Timeout returns the inactivity window.
func (k *Keeper) Timeout() time.Duration {
	return k.timeout
}

// Login admits this device to the team owning code and persists the session.
func (k *Keeper) Login(ctx context.Context, code string) (Session, error) {
	if strings.TrimSpace(code) == "" {
		return Session{}, errors.New("team code is required")
	}
	deviceID, err := k.store.DeviceID()
	if err != nil {
		return Session{}, err
	}
	sess, err := k.remote.Login(ctx, code, deviceID)
	if err != nil {
		return Session{}, err
	}
	if sess.DeviceID == "" {
		sess.DeviceID = deviceID
	}
	if err := k.store.Save(sess, k.now()); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// Logout releases the device on the server and clears local state. Local state
// is cleared even when the server call fails.
func (k *Keeper) Logout(ctx context.Context) error {
	st, err := k.store.Load()
	if err != nil {
		return err
	}
	var remoteErr error
	if st.Session != nil && st.Session.Token != "" {
		remoteErr = k.remote.Logout(ctx, st.Session.Token)
		if remoteErr != nil {
			k.logger.Warn("server logout failed", "team_id", st.Session.TeamID, "error", remoteErr)
		}
	}
	if err := k.store.Clear(); err != nil {
		return err
	}
	return remoteErr
}

// Restore rebuilds the session from local state without contacting the
// server. A session idle past the timeout is logged out and not returned.
func (k *Keeper) Restore(ctx context.Context) (*Session, bool) {
	st, err := k.store.Load()
	if err != nil {
		k.logger.Warn("local session unreadable", "error", err)
		return nil, false
	}
	if st.Session == nil {
		return nil, false
	}
	if k.now().Sub(st.LastActivity) > k.timeout {
		k.logger.Info("local session idle, logging out", "team_id", st.Session.TeamID, "last_activity", st.LastActivity)
		_ = k.Logout(ctx)
		return nil, false
	}
	sess := *st.Session
	return &sess, true
}

// Touch records activity now.
func (k *Keeper) Touch() error {
	return k.store.Touch(k.now())
}

// Activity gates a long-running session on user input. Only Input resets the
// inactivity countdown; server traffic never counts as activity.
type Activity struct {
	keeper  *Keeper
	dog     *Watchdog
	expired chan struct{}

	mu      sync.Mutex
	pending bool
}

// Monitor starts an inactivity countdown that accounts for the time the local
// session has already been idle.
func (k *Keeper) Monitor() *Activity {
	remaining := k.timeout
	if st, err := k.store.Load(); err == nil && !st.LastActivity.IsZero() {
		remaining -= k.now().Sub(st.LastActivity)
	}
	a := &Activity{keeper: k, expired: make(chan struct{})}
	a.dog = newWatchdog(max(remaining, 0), k.timeout, func() { close(a.expired) })
	return a
}

// Expired is closed once the countdown runs out.
func (a *Activity) Expired() <-chan struct{} {
	return a.expired
}

// Input records user activity.
func (a *Activity) Input() {
	select {
	case <-a.expired:
		return
	default:
	}
	a.dog.Touch()
	a.mu.Lock()
	a.pending = true
	a.mu.Unlock()
	if err := a.keeper.Touch(); err != nil {
		a.keeper.logger.Warn("record activity failed", "error", err)
	}
}

// HeartbeatDue reports whether input arrived since the previous call. It is
// always false after expiry.
func (a *Activity) HeartbeatDue() bool {
	select {
	case <-a.expired:
		return false
	default:
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	due := a.pending
	a.pending = false
	return due
}

// Stop cancels the countdown.
func (a *Activity) Stop() {
	a.dog.Stop()
}

// Watchdog fires once after a period without Touch.
type Watchdog struct {
	mu      sync.Mutex
	timeout time.Duration
	timer   *time.Timer
	once    sync.Once
	fire    func()
	stopped bool
}

// NewWatchdog starts a countdown of timeout that calls onExpire at most once.
func NewWatchdog(timeout time.Duration, onExpire func()) *Watchdog {
	return newWatchdog(timeout, timeout, onExpire)
}

func newWatchdog(first, timeout time.Duration, onExpire func()) *Watchdog {
	w := &Watchdog{timeout: timeout}
	w.fire = func() { w.once.Do(onExpire) }
	w.timer = time.AfterFunc(first, w.fire)
	return w
}

// Touch restarts the countdown unless the watchdog already fired or was stopped.
func (w *Watchdog) Touch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.timer.Stop() {
		w.timer.Reset(w.timeout)
	}
}

// Stop cancels the countdown.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	w.timer.Stop()
}
