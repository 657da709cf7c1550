package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tetatet/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu        sync.Mutex
	appends   []models.Message
	reads     map[string]bool
	readCh    chan string
	appendErr error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{reads: make(map[string]bool), readCh: make(chan string, 16)}
}

func (b *fakeBackend) Append(msg models.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.appendErr != nil {
		return b.appendErr
	}
	b.appends = append(b.appends, msg)
	return nil
}

func (b *fakeBackend) SetReadStatus(messageID string, isRead bool) error {
	b.mu.Lock()
	b.reads[messageID] = isRead
	b.mu.Unlock()
	b.readCh <- messageID
	return nil
}

func (b *fakeBackend) appendCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.appends)
}

type fakePeers struct {
	mu   sync.Mutex
	sent []models.Message
	err  error
}

func (p *fakePeers) Send(recipientID string, msg models.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, msg)
	return nil
}

type fakeLocal struct {
	mu         sync.Mutex
	sessions   int
	cleared    int
	activeChat string
	messages   []models.Message
}

func (l *fakeLocal) SaveSession(user models.User, token string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions++
	return nil
}

func (l *fakeLocal) ClearSession() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleared++
	return nil
}

func (l *fakeLocal) SetLastActiveChat(userID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.activeChat = userID
	return nil
}

func (l *fakeLocal) LastActiveChat() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.activeChat, nil
}

func (l *fakeLocal) SaveMessages(msgs []models.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append([]models.Message(nil), msgs...)
	return nil
}

func (l *fakeLocal) LoadMessages() ([]models.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.Message(nil), l.messages...), nil
}

type fakePresence struct {
	mu     sync.Mutex
	online []models.User
}

func (p *fakePresence) MarkOnline(user models.User) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online = append(p.online, user)
}

func newTestStore(t *testing.T, mode models.TransportMode, backend *fakeBackend, peers *fakePeers) *Store {
	t.Helper()
	cfg := Config{Mode: mode, Local: &fakeLocal{}}
	if backend != nil {
		cfg.Backend = backend
	}
	if peers != nil {
		cfg.Peers = peers
	}
	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	s.SetCurrentUser(models.User{ID: "alice", Name: "Alice"}, "tok", time.Hour)
	return s
}

func waitRead(t *testing.T, backend *fakeBackend, messageID string) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case id := <-backend.readCh:
			if id == messageID {
				return
			}
		case <-deadline:
			t.Fatalf("read status for %s never propagated", messageID)
		}
	}
}

func TestStore_SendAppendsExactlyOnce(t *testing.T) {
	backend := newFakeBackend()
	s := newTestStore(t, models.TransportStoreRelay, backend, nil)
	s.SetSelectedUser("bob")

	msg, err := s.Send("hello")
	require.NoError(t, err)
	assert.Equal(t, models.DeliverySent, msg.Delivery)
	assert.Equal(t, 1, backend.appendCount())

	got := s.MessagesWith("bob")
	require.Len(t, got, 1)
	assert.Equal(t, "hello", got[0].Content)
	assert.Equal(t, models.DeliverySent, got[0].Delivery)
}

func TestStore_SendRejectsEmptyBeforeTransport(t *testing.T) {
	backend := newFakeBackend()
	s := newTestStore(t, models.TransportStoreRelay, backend, nil)
	s.SetSelectedUser("bob")

	for _, content := range []string{"", "   ", "\t\n"} {
		_, err := s.Send(content)
		assert.ErrorIs(t, err, models.ErrEmptyContent)
	}
	assert.Equal(t, 0, backend.appendCount())
	assert.Empty(t, s.MessagesWith("bob"))
}

func TestStore_SendFailureMarksFailedAndRetries(t *testing.T) {
	backend := newFakeBackend()
	backend.appendErr = errors.New("relay down")
	s := newTestStore(t, models.TransportStoreRelay, backend, nil)
	s.SetSelectedUser("bob")

	msg, err := s.Send("hello")
	require.Error(t, err)
	assert.Equal(t, models.DeliveryFailed, msg.Delivery)

	got := s.MessagesWith("bob")
	require.Len(t, got, 1)
	assert.Equal(t, models.DeliveryFailed, got[0].Delivery)

	backend.mu.Lock()
	backend.appendErr = nil
	backend.mu.Unlock()

	require.NoError(t, s.Retry(msg.ID))
	assert.Equal(t, 1, backend.appendCount())
	got = s.MessagesWith("bob")
	assert.Equal(t, models.DeliverySent, got[0].Delivery)
}

func TestStore_AddMessageDedup(t *testing.T) {
	s := newTestStore(t, models.TransportStoreRelay, newFakeBackend(), nil)

	now := time.Now()
	msg := models.Message{ID: "m1", SenderID: "bob", ReceiverID: "alice", Content: "hi", Timestamp: now}
	s.AddMessage(msg)
	s.AddMessage(msg) // same ID

	// Same event, different ID, inside the window.
	s.AddMessage(models.Message{
		ID: "m2", SenderID: "bob", ReceiverID: "alice", Content: "hi",
		Timestamp: now.Add(500 * time.Millisecond),
	})
	assert.Len(t, s.MessagesWith("bob"), 1)

	// Same content outside the window is a genuine repeat.
	s.AddMessage(models.Message{
		ID: "m3", SenderID: "bob", ReceiverID: "alice", Content: "hi",
		Timestamp: now.Add(2 * time.Second),
	})
	assert.Len(t, s.MessagesWith("bob"), 2)
}

func TestStore_SelectFlipsReadAndPropagates(t *testing.T) {
	backend := newFakeBackend()
	s := newTestStore(t, models.TransportStoreRelay, backend, nil)

	s.AddMessage(models.Message{ID: "m1", SenderID: "bob", ReceiverID: "alice", Content: "one", Timestamp: time.Now()})
	assert.Equal(t, 1, s.UnreadCount("bob"))

	s.SetSelectedUser("bob")

	// Locally the flip is immediate.
	assert.Equal(t, 0, s.UnreadCount("bob"))
	got := s.MessagesWith("bob")
	require.Len(t, got, 1)
	assert.True(t, got[0].IsRead)

	// And the backend hears about it shortly after.
	waitRead(t, backend, "m1")
	backend.mu.Lock()
	assert.True(t, backend.reads["m1"])
	backend.mu.Unlock()
}

func TestStore_InboundToOpenConversationIsReadImmediately(t *testing.T) {
	backend := newFakeBackend()
	s := newTestStore(t, models.TransportStoreRelay, backend, nil)
	s.SetSelectedUser("bob")

	s.AddMessage(models.Message{ID: "m1", SenderID: "bob", ReceiverID: "alice", Content: "hi", Timestamp: time.Now()})

	assert.Equal(t, 0, s.UnreadCount("bob"))
	waitRead(t, backend, "m1")
}

func TestStore_SelectingSelfClosesConversation(t *testing.T) {
	local := &fakeLocal{}
	s, err := New(Config{Mode: models.TransportStoreRelay, Backend: newFakeBackend(), Local: local})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	s.SetCurrentUser(models.User{ID: "alice"}, "tok", time.Hour)

	s.SetSelectedUser("bob")
	require.Equal(t, "bob", s.SelectedUser())

	s.SetSelectedUser("alice")
	assert.Empty(t, s.SelectedUser())
	local.mu.Lock()
	assert.Empty(t, local.activeChat)
	local.mu.Unlock()
}

func TestStore_ConversationOrder(t *testing.T) {
	s := newTestStore(t, models.TransportStoreRelay, newFakeBackend(), nil)
	s.ApplyUsersSnapshot([]models.User{
		{ID: "alice", Name: "Alice"},
		{ID: "a", Name: "Ann"},
		{ID: "b", Name: "Ben"},
		{ID: "c", Name: "Cat"},
	})

	now := time.Now()
	s.AddMessage(models.Message{ID: "m1", SenderID: "a", ReceiverID: "alice", Content: "older", Timestamp: now.Add(-time.Hour)})
	s.AddMessage(models.Message{ID: "m2", SenderID: "b", ReceiverID: "alice", Content: "newer", Timestamp: now})

	convs := s.Conversations()
	require.Len(t, convs, 3)
	assert.Equal(t, "b", convs[0].Partner.ID)
	assert.Equal(t, "a", convs[1].Partner.ID)
	assert.Equal(t, "c", convs[2].Partner.ID)
	assert.Nil(t, convs[2].LastMessage)
	assert.Equal(t, 1, convs[0].UnreadCount)
}

func TestStore_SnapshotPreservesPending(t *testing.T) {
	backend := newFakeBackend()
	backend.appendErr = errors.New("relay down")
	s := newTestStore(t, models.TransportStoreRelay, backend, nil)
	s.SetSelectedUser("bob")

	failed, err := s.Send("stuck")
	require.Error(t, err)

	// Snapshot without the local message must not erase it.
	stored := models.Message{ID: "m1", SenderID: "bob", ReceiverID: "alice", Content: "from relay", Timestamp: time.Now().Add(-time.Minute), IsRead: true}
	s.ApplyMessagesSnapshot([]models.Message{stored})

	got := s.MessagesWith("bob")
	require.Len(t, got, 2)
	assert.Equal(t, "m1", got[0].ID)
	assert.Equal(t, failed.ID, got[1].ID)
	assert.Equal(t, models.DeliveryFailed, got[1].Delivery)

	// Once the relay has stored it, the snapshot copy wins and the local
	// one is folded away.
	confirmed := failed
	confirmed.Delivery = ""
	s.ApplyMessagesSnapshot([]models.Message{stored, confirmed})
	got = s.MessagesWith("bob")
	require.Len(t, got, 2)
	assert.Equal(t, models.DeliverySent, got[1].Delivery)
}

func TestStore_HybridSendsBothPaths(t *testing.T) {
	backend := newFakeBackend()
	peers := &fakePeers{err: models.ErrChannelNotReady}
	s := newTestStore(t, models.TransportHybrid, backend, peers)
	s.SetSelectedUser("bob")

	// Channel not ready: the relay alone still counts as delivered.
	msg, err := s.Send("hello")
	require.NoError(t, err)
	assert.Equal(t, models.DeliverySent, msg.Delivery)
	assert.Equal(t, 1, backend.appendCount())

	// Channel open: both paths carry the message.
	peers.mu.Lock()
	peers.err = nil
	peers.mu.Unlock()

	_, err = s.Send("direct")
	require.NoError(t, err)
	assert.Equal(t, 2, backend.appendCount())
	peers.mu.Lock()
	assert.Len(t, peers.sent, 1)
	peers.mu.Unlock()

	// Relay down but channel open: the peer path alone suffices.
	backend.mu.Lock()
	backend.appendErr = errors.New("relay down")
	backend.mu.Unlock()

	msg, err = s.Send("peer only")
	require.NoError(t, err)
	assert.Equal(t, models.DeliverySent, msg.Delivery)
}

func TestStore_PeerToPeerSurfacesChannelNotReady(t *testing.T) {
	peers := &fakePeers{err: models.ErrChannelNotReady}
	s, err := New(Config{Mode: models.TransportPeerToPeer, Peers: peers, Local: &fakeLocal{}})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	s.SetCurrentUser(models.User{ID: "alice"}, "tok", time.Hour)
	s.SetSelectedUser("bob")

	msg, err := s.Send("hello")
	assert.ErrorIs(t, err, models.ErrChannelNotReady)
	assert.Equal(t, models.DeliveryFailed, msg.Delivery)
}

func TestStore_SessionLifecycle(t *testing.T) {
	local := &fakeLocal{}
	presence := &fakePresence{}
	s, err := New(Config{Mode: models.TransportStoreRelay, Backend: newFakeBackend(), Local: local, Presence: presence})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	s.SetCurrentUser(models.User{ID: "alice", Name: "Alice"}, "tok", time.Hour)
	local.mu.Lock()
	assert.Equal(t, 1, local.sessions)
	local.mu.Unlock()
	presence.mu.Lock()
	require.Len(t, presence.online, 1)
	assert.Equal(t, "alice", presence.online[0].ID)
	presence.mu.Unlock()

	s.SetSelectedUser("bob")
	s.SignOut()

	_, signedIn := s.CurrentUser()
	assert.False(t, signedIn)
	assert.Empty(t, s.SelectedUser())
	local.mu.Lock()
	assert.Equal(t, 1, local.cleared)
	assert.Empty(t, local.activeChat)
	local.mu.Unlock()
}

func TestStore_StartSeedsFromCache(t *testing.T) {
	local := &fakeLocal{
		activeChat: "bob",
		messages: []models.Message{
			{ID: "m1", SenderID: "bob", ReceiverID: "alice", Content: "cached", Timestamp: time.Now(), IsRead: true},
		},
	}
	s, err := New(Config{Mode: models.TransportStoreRelay, Backend: newFakeBackend(), Local: local})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	s.mu.Lock()
	s.currentUser = &models.User{ID: "alice"}
	s.mu.Unlock()

	assert.Equal(t, "bob", s.SelectedUser())
	got := s.MessagesWith("bob")
	require.Len(t, got, 1)
	assert.Equal(t, "cached", got[0].Content)
}

func TestStore_OnChangeFires(t *testing.T) {
	s, err := New(Config{Mode: models.TransportStoreRelay, Backend: newFakeBackend()})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	var mu sync.Mutex
	fired := 0
	s.OnChange(func() {
		mu.Lock()
		fired++
		mu.Unlock()
	})

	s.SetCurrentUser(models.User{ID: "alice"}, "tok", time.Hour)
	s.AddMessage(models.Message{ID: "m1", SenderID: "bob", ReceiverID: "alice", Content: "hi", Timestamp: time.Now()})

	mu.Lock()
	assert.GreaterOrEqual(t, fired, 2)
	mu.Unlock()
}
