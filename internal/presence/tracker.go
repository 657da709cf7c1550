// Package presence keeps the backend-visible online/offline record for the
// local user accurate under graceful teardown, ungraceful disconnect and
// local inactivity. Everything here is best-effort: a failed presence write
// is logged and swallowed, never surfaced to the caller.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tetatet/internal/models"
)

// DefaultIdleTimeout is how long without local input signals before the
// tracker proactively marks the user offline.
const DefaultIdleTimeout = 60 * time.Second

// Backend is the slice of the backend store capability the tracker needs.
type Backend interface {
	PutUser(user models.User) error
	// ArmDisconnect installs a server-side rule that writes the offline
	// record if the connection drops without a graceful MarkOffline.
	ArmDisconnect(user models.User) error
	CancelDisconnect() error
}

type Config struct {
	IdleTimeout time.Duration
	Logger      *slog.Logger
}

type Tracker struct {
	backend Backend
	idle    time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	user   *models.User
	online bool

	activity chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func New(backend Backend, config Config) *Tracker {
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Tracker{
		backend:  backend,
		idle:     config.IdleTimeout,
		logger:   config.Logger,
		now:      time.Now,
		activity: make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// Start runs the inactivity watchdog until ctx is cancelled or Stop is called.
func (t *Tracker) Start(ctx context.Context) {
	go t.run(ctx)
}

func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// MarkOnline writes the online record for user and (re)arms the disconnect
// rule. Idempotent: calling it while already online repeats the write.
func (t *Tracker) MarkOnline(user models.User) {
	user.IsOnline = true
	user.LastSeen = t.now()

	t.mu.Lock()
	t.user = &user
	t.online = true
	t.mu.Unlock()

	if err := t.backend.PutUser(user); err != nil {
		t.logger.Error("presence online write failed", "user_id", user.ID, "error", err)
	}
	if err := t.backend.ArmDisconnect(user); err != nil {
		t.logger.Error("failed to arm disconnect rule", "user_id", user.ID, "error", err)
	}
}

// MarkOffline writes the offline record and cancels the pending disconnect
// rule so it cannot race a duplicate offline write later.
func (t *Tracker) MarkOffline(user models.User) {
	user.IsOnline = false
	user.LastSeen = t.now()

	t.mu.Lock()
	t.user = &user
	t.online = false
	t.mu.Unlock()

	if err := t.backend.CancelDisconnect(); err != nil {
		t.logger.Error("failed to cancel disconnect rule", "user_id", user.ID, "error", err)
	}
	if err := t.backend.PutUser(user); err != nil {
		t.logger.Error("presence offline write failed", "user_id", user.ID, "error", err)
	}
}

// Signal records local user activity (pointer, key, touch). It restarts the
// inactivity countdown, and if the user was previously marked idle it brings
// them back online.
func (t *Tracker) Signal() {
	t.mu.Lock()
	user := t.user
	online := t.online
	t.mu.Unlock()

	if user != nil && !online {
		t.MarkOnline(*user)
	}

	select {
	case t.activity <- struct{}{}:
	default:
	}
}

// Rearm reinstalls the disconnect rule after the underlying connection
// re-establishes. The backend consumes rules once fired or cancelled, so a
// reconnect would otherwise leave the user without one.
func (t *Tracker) Rearm() {
	t.mu.Lock()
	user := t.user
	online := t.online
	t.mu.Unlock()

	if user == nil || !online {
		return
	}
	t.MarkOnline(*user)
}

func (t *Tracker) run(ctx context.Context) {
	timer := time.NewTimer(t.idle)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-t.activity:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(t.idle)
		case <-timer.C:
			t.markIdle()
			// Timer stays stopped until the next activity signal.
		}
	}
}

func (t *Tracker) markIdle() {
	t.mu.Lock()
	user := t.user
	online := t.online
	t.mu.Unlock()

	if user == nil || !online {
		return
	}
	t.logger.Info("user idle, marking offline", "user_id", user.ID)
	t.MarkOffline(*user)
}
