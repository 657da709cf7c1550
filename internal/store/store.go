// Package store is the client's in-memory source of truth: the signed-in
// user, the roster, the message log, and the selected conversation. It
// reconciles backend snapshots with optimistic local writes and keeps the
// on-disk cache warm so a restart renders instantly.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"tetatet/internal/models"
)

// Backend is the slice of the store adapter used for outbound writes.
type Backend interface {
	Append(msg models.Message) error
	SetReadStatus(messageID string, isRead bool) error
}

// PeerTransport sends a message over a direct channel.
type PeerTransport interface {
	Send(recipientID string, msg models.Message) error
}

// Presence is notified when the tracked user changes.
type Presence interface {
	MarkOnline(user models.User)
}

// LocalCache persists state across restarts.
type LocalCache interface {
	SaveSession(user models.User, token string, ttl time.Duration) error
	ClearSession() error
	SetLastActiveChat(userID string) error
	LastActiveChat() (string, error)
	SaveMessages(msgs []models.Message) error
	LoadMessages() ([]models.Message, error)
}

type Config struct {
	Mode     models.TransportMode
	Backend  Backend
	Peers    PeerTransport
	Presence Presence
	Local    LocalCache
	Logger   *slog.Logger
}

func (c *Config) validate() error {
	if c.Mode == "" {
		c.Mode = models.TransportHybrid
	}
	switch c.Mode {
	case models.TransportStoreRelay, models.TransportHybrid:
		if c.Backend == nil {
			return fmt.Errorf("mode %q needs a backend", c.Mode)
		}
	}
	switch c.Mode {
	case models.TransportPeerToPeer, models.TransportHybrid:
		if c.Peers == nil {
			return fmt.Errorf("mode %q needs a peer transport", c.Mode)
		}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

type Store struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.RWMutex
	currentUser *models.User
	selectedID  string
	users       map[string]models.User
	messages    []models.Message
	onChange    func()

	wg      sync.WaitGroup
	started bool
}

func New(cfg Config) (*Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Store{
		cfg:    cfg,
		logger: cfg.Logger,
		users:  make(map[string]models.User),
	}, nil
}

// OnChange registers a callback fired after every state mutation. Set it
// before Start.
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// Start seeds state from the local cache so the UI has something to show
// before the first backend snapshot arrives.
func (s *Store) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("store already started")
	}
	s.started = true

	if s.cfg.Local == nil {
		return nil
	}

	cached, err := s.cfg.Local.LoadMessages()
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to load cached messages", "error", err)
	} else if len(cached) > 0 {
		s.messages = cached
	}

	last, err := s.cfg.Local.LastActiveChat()
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to load last active chat", "error", err)
	} else {
		s.selectedID = last
	}
	return nil
}

// Stop waits for in-flight propagation and flushes the message cache.
func (s *Store) Stop() {
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	s.persistLocked()
}

// SetCurrentUser records the signed-in identity, persists the session, and
// announces presence. Cache and presence failures are logged, never
// surfaced: the user is signed in regardless.
func (s *Store) SetCurrentUser(user models.User, token string, sessionTTL time.Duration) {
	s.mu.Lock()
	u := user
	s.currentUser = &u
	s.mu.Unlock()

	if s.cfg.Local != nil {
		if err := s.cfg.Local.SaveSession(user, token, sessionTTL); err != nil {
			s.logger.Error("failed to persist session", "error", err)
		}
	}
	if s.cfg.Presence != nil {
		s.cfg.Presence.MarkOnline(user)
	}
	s.notify()
}

func (s *Store) CurrentUser() (models.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.currentUser == nil {
		return models.User{}, false
	}
	return *s.currentUser, true
}

// SignOut drops the session and all per-account state.
func (s *Store) SignOut() {
	s.mu.Lock()
	s.currentUser = nil
	s.selectedID = ""
	s.users = make(map[string]models.User)
	s.messages = nil
	s.mu.Unlock()

	if s.cfg.Local != nil {
		if err := s.cfg.Local.ClearSession(); err != nil {
			s.logger.Error("failed to clear session", "error", err)
		}
		if err := s.cfg.Local.SetLastActiveChat(""); err != nil {
			s.logger.Error("failed to clear last active chat", "error", err)
		}
	}
	s.notify()
}

// SetSelectedUser opens the conversation with userID (empty closes it).
// Opening a conversation immediately marks its inbound messages read in
// local state; propagation to the backend happens in the background and a
// propagation failure never rolls the local flip back.
func (s *Store) SetSelectedUser(userID string) {
	s.mu.Lock()
	if s.currentUser != nil && userID == s.currentUser.ID {
		// There is no conversation with yourself; treat it as closing.
		userID = ""
	}
	s.selectedID = userID
	flipped := s.flipReadLocked()
	s.mu.Unlock()

	if s.cfg.Local != nil {
		if err := s.cfg.Local.SetLastActiveChat(userID); err != nil {
			s.logger.Error("failed to persist active chat", "error", err)
		}
	}
	s.propagateRead(flipped)
	s.notify()
}

func (s *Store) SelectedUser() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selectedID
}

// flipReadLocked marks every unread message addressed to the current user
// from the selected partner as read, returning the IDs that changed.
// Caller holds s.mu.
func (s *Store) flipReadLocked() []string {
	if s.currentUser == nil || s.selectedID == "" {
		return nil
	}
	var flipped []string
	for i := range s.messages {
		m := &s.messages[i]
		if !m.IsRead && m.SenderID == s.selectedID && m.ReceiverID == s.currentUser.ID {
			m.IsRead = true
			flipped = append(flipped, m.ID)
		}
	}
	return flipped
}

func (s *Store) propagateRead(ids []string) {
	if len(ids) == 0 || s.cfg.Backend == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for _, id := range ids {
			if err := s.cfg.Backend.SetReadStatus(id, true); err != nil {
				s.logger.Error("failed to propagate read status", "message_id", id, "error", err)
			}
		}
	}()
}

// Send validates, optimistically appends, and dispatches a message to the
// selected conversation according to the transport mode. Validation happens
// before any transport work: an empty or whitespace-only draft never leaves
// the client.
func (s *Store) Send(content string) (models.Message, error) {
	s.mu.RLock()
	cur := s.currentUser
	selected := s.selectedID
	s.mu.RUnlock()

	if cur == nil {
		return models.Message{}, fmt.Errorf("not signed in")
	}
	if selected == "" {
		return models.Message{}, fmt.Errorf("no conversation selected")
	}

	msg, err := models.NewMessage(cur.ID, selected, content)
	if err != nil {
		return models.Message{}, err
	}

	s.mu.Lock()
	s.appendLocked(msg)
	s.mu.Unlock()
	s.notify()

	err = s.dispatch(msg)

	status := models.DeliverySent
	if err != nil {
		status = models.DeliveryFailed
	}
	s.mu.Lock()
	s.setDeliveryLocked(msg.ID, status)
	s.mu.Unlock()
	s.notify()

	msg.Delivery = status
	return msg, err
}

func (s *Store) dispatch(msg models.Message) error {
	switch s.cfg.Mode {
	case models.TransportStoreRelay:
		return s.cfg.Backend.Append(msg)
	case models.TransportPeerToPeer:
		return s.cfg.Peers.Send(msg.ReceiverID, msg)
	case models.TransportHybrid:
		// Both paths carry the message; receivers collapse the copies by
		// event identity. Delivery fails only when neither path took it.
		peerErr := s.cfg.Peers.Send(msg.ReceiverID, msg)
		if err := s.cfg.Backend.Append(msg); err != nil {
			if peerErr == nil {
				return nil
			}
			return err
		}
		return nil
	default:
		return fmt.Errorf("unknown transport mode %q", s.cfg.Mode)
	}
}

// Retry re-dispatches a previously failed message without creating a new
// one.
func (s *Store) Retry(messageID string) error {
	s.mu.RLock()
	var msg *models.Message
	for i := range s.messages {
		if s.messages[i].ID == messageID {
			m := s.messages[i]
			msg = &m
			break
		}
	}
	s.mu.RUnlock()

	if msg == nil {
		return models.ErrNotFound
	}
	if msg.Delivery != models.DeliveryFailed {
		return fmt.Errorf("message %s is not failed", messageID)
	}

	err := s.dispatch(*msg)
	status := models.DeliverySent
	if err != nil {
		status = models.DeliveryFailed
	}
	s.mu.Lock()
	s.setDeliveryLocked(messageID, status)
	s.mu.Unlock()
	s.notify()
	return err
}

// AddMessage merges one inbound message into the log, dropping duplicates
// of an event already present. If it lands in the open conversation and is
// addressed to the current user it is read immediately.
func (s *Store) AddMessage(msg models.Message) {
	s.mu.Lock()
	if s.findDuplicateLocked(msg) != nil {
		s.mu.Unlock()
		return
	}
	s.appendLocked(msg)
	flipped := s.flipReadLocked()
	s.mu.Unlock()

	s.propagateRead(flipped)
	s.notify()
}

// HandlePeerMessage is AddMessage for payloads arriving over a data
// channel. Wire it to the peer manager's message callback.
func (s *Store) HandlePeerMessage(msg models.Message) {
	s.AddMessage(msg)
}

// ApplyMessagesSnapshot replaces the log with the backend's authoritative
// view. Local messages the backend has not stored yet survive the swap so
// an in-flight send is never erased by a concurrent snapshot.
func (s *Store) ApplyMessagesSnapshot(msgs []models.Message) {
	s.mu.Lock()
	merged := make([]models.Message, 0, len(msgs)+4)
	for _, m := range msgs {
		if s.currentUser != nil && m.SenderID == s.currentUser.ID {
			m.Delivery = models.DeliverySent
		}
		merged = append(merged, m)
	}
	for _, local := range s.messages {
		if local.Delivery != models.DeliveryPending && local.Delivery != models.DeliveryFailed {
			continue
		}
		dup := false
		for i := range merged {
			if merged[i].SameEvent(local) {
				dup = true
				break
			}
		}
		if !dup {
			merged = append(merged, local)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})
	s.messages = merged
	flipped := s.flipReadLocked()
	s.persistLocked()
	s.mu.Unlock()

	s.propagateRead(flipped)
	s.notify()
}

// ApplyUsersSnapshot replaces the roster with the backend's view.
func (s *Store) ApplyUsersSnapshot(users []models.User) {
	s.mu.Lock()
	s.users = make(map[string]models.User, len(users))
	for _, u := range users {
		s.users[u.ID] = u
		if s.currentUser != nil && u.ID == s.currentUser.ID {
			// Keep identity fields fresh but trust our own presence.
			online, seen := s.currentUser.IsOnline, s.currentUser.LastSeen
			*s.currentUser = u
			s.currentUser.IsOnline, s.currentUser.LastSeen = online, seen
		}
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Store) findDuplicateLocked(msg models.Message) *models.Message {
	for i := range s.messages {
		if s.messages[i].SameEvent(msg) {
			return &s.messages[i]
		}
	}
	return nil
}

func (s *Store) appendLocked(msg models.Message) {
	s.messages = append(s.messages, msg)
	sort.SliceStable(s.messages, func(i, j int) bool {
		return s.messages[i].Timestamp.Before(s.messages[j].Timestamp)
	})
}

func (s *Store) setDeliveryLocked(messageID string, status models.DeliveryStatus) {
	for i := range s.messages {
		if s.messages[i].ID == messageID {
			s.messages[i].Delivery = status
			return
		}
	}
}

func (s *Store) persistLocked() {
	if s.cfg.Local == nil {
		return
	}
	if err := s.cfg.Local.SaveMessages(s.messages); err != nil {
		s.logger.Error("failed to persist message cache", "error", err)
	}
}

func (s *Store) notify() {
	s.mu.RLock()
	fn := s.onChange
	s.mu.RUnlock()
	if fn != nil {
		fn()
	}
}
