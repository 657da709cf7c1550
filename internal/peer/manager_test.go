package peer

import (
	"testing"
	"time"

	"tetatet/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSignaler struct {
	envs chan models.SignalEnvelope
}

func (s *captureSignaler) SendSignal(env models.SignalEnvelope) error {
	select {
	case s.envs <- env:
	case <-time.After(time.Second):
		panic("signal not consumed")
	}
	return nil
}

// forwardSignaler hands every envelope straight to the other side's manager,
// standing in for the relay.
type forwardSignaler struct {
	remote func() *Manager
}

func (s *forwardSignaler) SendSignal(env models.SignalEnvelope) error {
	go s.remote().HandleSignal(env)
	return nil
}

func TestManager_SendBeforeNegotiation(t *testing.T) {
	sig := &captureSignaler{envs: make(chan models.SignalEnvelope, 64)}
	m, err := NewManager(Config{SelfID: "alice", Signaler: sig})
	require.NoError(t, err)
	defer m.Close()

	msg, err := models.NewMessage("alice", "bob", "hello")
	require.NoError(t, err)

	err = m.Send("bob", msg)
	assert.ErrorIs(t, err, models.ErrChannelNotReady)

	// The failed send must have started exactly one repair negotiation.
	select {
	case env := <-sig.envs:
		assert.Equal(t, "alice", env.From)
		assert.Equal(t, "bob", env.To)
		assert.Equal(t, models.SignalOffer, env.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no repair offer was sent")
	}
	assert.Equal(t, StateConnecting, m.State("bob"))

	// A second premature send reports not-ready again but does not stack
	// another negotiation onto the one in flight.
	err = m.Send("bob", msg)
	assert.ErrorIs(t, err, models.ErrChannelNotReady)

	select {
	case env := <-sig.envs:
		if env.Type == models.SignalOffer {
			t.Fatal("duplicate offer for in-flight negotiation")
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestManager_StateUnknownPeer(t *testing.T) {
	sig := &captureSignaler{envs: make(chan models.SignalEnvelope, 1)}
	m, err := NewManager(Config{SelfID: "alice", Signaler: sig})
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, StateNoConnection, m.State("stranger"))
}

func TestManager_AnswerForUnknownNegotiation(t *testing.T) {
	sig := &captureSignaler{envs: make(chan models.SignalEnvelope, 1)}
	m, err := NewManager(Config{SelfID: "alice", Signaler: sig})
	require.NoError(t, err)
	defer m.Close()

	env, err := models.NewSignalEnvelope("bob", "alice", models.Answer{SDP: "v=0"})
	require.NoError(t, err)

	// Must not panic or create a link.
	m.HandleSignal(env)
	assert.Equal(t, StateNoConnection, m.State("bob"))
}

func TestManager_Loopback(t *testing.T) {
	if testing.Short() {
		t.Skip("negotiates a real loopback connection")
	}

	var alice, bob *Manager

	aliceInbox := make(chan models.Message, 1)
	bobInbox := make(chan models.Message, 1)

	var err error
	alice, err = NewManager(Config{
		SelfID:    "alice",
		Signaler:  &forwardSignaler{remote: func() *Manager { return bob }},
		OnMessage: func(msg models.Message) { aliceInbox <- msg },
	})
	require.NoError(t, err)
	defer alice.Close()

	bob, err = NewManager(Config{
		SelfID:    "bob",
		Signaler:  &forwardSignaler{remote: func() *Manager { return alice }},
		OnMessage: func(msg models.Message) { bobInbox <- msg },
	})
	require.NoError(t, err)
	defer bob.Close()

	require.NoError(t, alice.Connect("bob"))

	deadline := time.Now().Add(15 * time.Second)
	for alice.State("bob") != StateOpen || bob.State("alice") != StateOpen {
		if time.Now().After(deadline) {
			t.Fatalf("channel never opened: alice=%s bob=%s", alice.State("bob"), bob.State("alice"))
		}
		time.Sleep(50 * time.Millisecond)
	}

	msg, err := models.NewMessage("alice", "bob", "direct hello")
	require.NoError(t, err)
	require.NoError(t, alice.Send("bob", msg))

	select {
	case got := <-bobInbox:
		assert.Equal(t, msg.ID, got.ID)
		assert.Equal(t, "alice", got.SenderID)
		assert.Equal(t, "direct hello", got.Content)
		assert.Equal(t, msg.Timestamp.UnixMilli(), got.Timestamp.UnixMilli())
	case <-time.After(5 * time.Second):
		t.Fatal("message never arrived over the channel")
	}

	reply, err := models.NewMessage("bob", "alice", "direct reply")
	require.NoError(t, err)
	require.NoError(t, bob.Send("alice", reply))

	select {
	case got := <-aliceInbox:
		assert.Equal(t, "direct reply", got.Content)
	case <-time.After(5 * time.Second):
		t.Fatal("reply never arrived over the channel")
	}
}

func TestPayloadCodec(t *testing.T) {
	msg, err := models.NewMessage("alice", "bob", "payload")
	require.NoError(t, err)

	data, err := encodePayload(msg)
	require.NoError(t, err)

	got, err := decodePayload(data)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, msg.SenderID, got.SenderID)
	assert.Equal(t, msg.ReceiverID, got.ReceiverID)
	assert.Equal(t, msg.Content, got.Content)
	assert.Equal(t, msg.Timestamp.UnixMilli(), got.Timestamp.UnixMilli())

	_, err = decodePayload([]byte("not msgpack"))
	assert.Error(t, err)
}
