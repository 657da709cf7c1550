// Package relay implements the backend store capability: realtime user and
// message collections with full-snapshot fan-out, per-connection last-will
// disconnect rules and a point-to-point signaling channel for peer
// negotiation.
package relay

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"tetatet/internal/content"
	"tetatet/internal/models"
)

// Notifier is the slice of the push service the hub needs.
type Notifier interface {
	Notify(subscription []byte, msg models.Message)
}

type Config struct {
	Notifier Notifier
	Logger   *slog.Logger
}

type Hub struct {
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	mu sync.RWMutex
	// Full user table, mirrored to every client on change.
	users map[string]models.User
	// Shared message log, append-only except for the isRead flip.
	messages []models.Message
	// Live connection channel per user.
	conns map[string]chan models.ServerEnvelope
	// Armed last-will record per user, consumed on fire or cancel.
	wills map[string]models.User
	// Push subscriptions, kept as the opaque browser JSON.
	pushSubs map[string]json.RawMessage
}

func NewHub(config Config) *Hub {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Hub{
		notifier: config.Notifier,
		logger:   config.Logger,
		now:      time.Now,
		users:    make(map[string]models.User),
		conns:    make(map[string]chan models.ServerEnvelope),
		wills:    make(map[string]models.User),
		pushSubs: make(map[string]json.RawMessage),
	}
}

// AddUser registers an identity in the user table without connecting it.
func (h *Hub) AddUser(user models.User) {
	h.mu.Lock()
	if _, ok := h.users[user.ID]; !ok {
		h.users[user.ID] = user
	}
	h.mu.Unlock()
	h.broadcastUsers()
}

// Join registers a live connection for userID and returns its outbound
// channel. The current snapshots are queued first, so a client always starts
// from complete state.
func (h *Hub) Join(userID string) chan models.ServerEnvelope {
	h.mu.Lock()
	if old, ok := h.conns[userID]; ok {
		close(old)
	}
	ch := make(chan models.ServerEnvelope, 100)
	h.conns[userID] = ch
	ch <- models.ServerEnvelope{Type: models.ServerEnvelopeTypeUsers, Users: h.userList()}
	ch <- models.ServerEnvelope{Type: models.ServerEnvelopeTypeMessages, Messages: h.messageList()}
	h.mu.Unlock()
	return ch
}

// Leave drops the given connection for userID. The channel must be the one
// returned by Join: a stale connection that outlived a reconnect must not
// tear down the newer one. If a last-will record is still armed the
// disconnect was ungraceful and the will fires: the offline record is
// written with the server-observed disconnect time.
func (h *Hub) Leave(userID string, ch chan models.ServerEnvelope) {
	h.mu.Lock()
	if cur, ok := h.conns[userID]; !ok || cur != ch {
		h.mu.Unlock()
		return
	}
	close(ch)
	delete(h.conns, userID)

	will, armed := h.wills[userID]
	if armed {
		delete(h.wills, userID)
		will.IsOnline = false
		will.LastSeen = h.now()
		h.users[will.ID] = will
	}
	h.mu.Unlock()

	if armed {
		h.logger.Info("disconnect rule fired", "user_id", userID)
		h.broadcastUsers()
	}
}

// Dispatch applies one client frame under the identity of the authenticated
// connection. Frames asserting someone else's identity are dropped.
func (h *Hub) Dispatch(userID string, env models.ClientEnvelope) {
	switch env.Type {
	case models.ClientEnvelopeTypePutUser:
		if env.User == nil || env.User.ID != userID {
			return
		}
		h.putUser(*env.User)
	case models.ClientEnvelopeTypeAppend:
		if env.Message == nil || env.Message.SenderID != userID {
			return
		}
		h.append(*env.Message)
	case models.ClientEnvelopeTypeSetRead:
		if env.MessageID == "" {
			return
		}
		h.setRead(userID, env.MessageID, env.IsRead)
	case models.ClientEnvelopeTypeArmWill:
		if env.User == nil || env.User.ID != userID {
			return
		}
		h.mu.Lock()
		h.wills[userID] = *env.User
		h.mu.Unlock()
	case models.ClientEnvelopeTypeCancelWill:
		h.mu.Lock()
		delete(h.wills, userID)
		h.mu.Unlock()
	case models.ClientEnvelopeTypeSignal:
		if env.Signal == nil || env.Signal.From != userID {
			return
		}
		h.forwardSignal(*env.Signal)
	case models.ClientEnvelopeTypeSubscribePush:
		if len(env.PushSubscription) == 0 {
			return
		}
		h.mu.Lock()
		h.pushSubs[userID] = env.PushSubscription
		h.mu.Unlock()
	}
}

func (h *Hub) putUser(user models.User) {
	user.Name = strings.TrimSpace(content.Sanitize(user.Name))
	if err := content.ValidateDisplayName(user.Name); err != nil {
		h.logger.Info("rejecting user record", "user_id", user.ID, "error", err)
		return
	}
	h.mu.Lock()
	h.users[user.ID] = user
	h.mu.Unlock()
	h.broadcastUsers()
}

func (h *Hub) append(msg models.Message) {
	msg.Content = content.Sanitize(strings.TrimSpace(msg.Content))
	if msg.Content == "" || msg.ReceiverID == "" {
		return
	}
	// The shared log never carries client-local delivery state.
	msg.Delivery = ""

	h.mu.Lock()
	for _, existing := range h.messages {
		if existing.ID == msg.ID {
			// At-least-once retry of the same logical send.
			h.mu.Unlock()
			return
		}
	}
	h.messages = append(h.messages, msg)
	_, receiverOnline := h.conns[msg.ReceiverID]
	sub, hasSub := h.pushSubs[msg.ReceiverID]
	h.mu.Unlock()

	h.broadcastMessages()

	if !receiverOnline && hasSub && h.notifier != nil {
		go h.notifier.Notify(sub, msg)
	}
}

// setRead flips a single message's read flag. Only the receiver of a message
// may mark it read, and only that one field is touched.
func (h *Hub) setRead(userID, messageID string, isRead bool) {
	h.mu.Lock()
	updated := false
	for i := range h.messages {
		if h.messages[i].ID == messageID {
			if h.messages[i].ReceiverID == userID && h.messages[i].IsRead != isRead {
				h.messages[i].IsRead = isRead
				updated = true
			}
			break
		}
	}
	h.mu.Unlock()

	if updated {
		h.broadcastMessages()
	}
}

func (h *Hub) forwardSignal(env models.SignalEnvelope) {
	h.mu.RLock()
	ch, online := h.conns[env.To]
	if online {
		h.send(ch, models.ServerEnvelope{Type: models.ServerEnvelopeTypeSignal, Signal: &env})
	}
	h.mu.RUnlock()

	if !online {
		h.logger.Info("dropping signal for offline peer", "from", env.From, "to", env.To, "kind", env.Type)
	}
}

func (h *Hub) broadcastUsers() {
	h.mu.RLock()
	defer h.mu.RUnlock()

	users := h.userList()
	for _, ch := range h.conns {
		h.send(ch, models.ServerEnvelope{Type: models.ServerEnvelopeTypeUsers, Users: users})
	}
}

func (h *Hub) broadcastMessages() {
	h.mu.RLock()
	defer h.mu.RUnlock()

	messages := h.messageList()
	for _, ch := range h.conns {
		h.send(ch, models.ServerEnvelope{Type: models.ServerEnvelopeTypeMessages, Messages: messages})
	}
}

// send never blocks. Callers must hold at least a read lock: Join and Leave
// close connection channels under the write lock, so a held read lock is
// what keeps a send from racing a close.
func (h *Hub) send(ch chan models.ServerEnvelope, env models.ServerEnvelope) {
	select {
	case ch <- env:
	default:
		// Slow consumer; it will catch up with the next snapshot.
	}
}

// userList returns a sorted copy. Callers must hold at least a read lock.
func (h *Hub) userList() []models.User {
	users := make([]models.User, 0, len(h.users))
	for _, u := range h.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].Name < users[j].Name
	})
	return users
}

// messageList returns a copy of the full log. Callers must hold at least a
// read lock.
func (h *Hub) messageList() []models.Message {
	messages := make([]models.Message, len(h.messages))
	copy(messages, h.messages)
	return messages
}
