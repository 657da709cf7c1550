package models

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrEmptyContent       = errors.New("message content is empty")
	ErrBackendUnavailable = errors.New("backend store unavailable")
	ErrChannelNotReady    = errors.New("peer channel not ready")
	ErrNegotiationFailed  = errors.New("peer negotiation failed")
)

// DedupWindow is the timestamp tolerance for treating two near-identical
// messages as the same logical event.
const DedupWindow = 1000 * time.Millisecond

// User represents a user in the system.
type User struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Email    string    `json:"email,omitempty"`
	PhotoURL string    `json:"photoURL,omitempty"`
	IsOnline bool      `json:"isOnline"`
	LastSeen time.Time `json:"lastSeen"`
}

// DeliveryStatus tracks what happened to a locally appended message.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// Message represents a single 1:1 chat message. Messages are immutable once
// created, except for the IsRead flag and the local Delivery status.
type Message struct {
	ID         string         `json:"id"`
	SenderID   string         `json:"senderId"`
	ReceiverID string         `json:"receiverId"`
	Content    string         `json:"content"`
	Timestamp  time.Time      `json:"timestamp"`
	IsRead     bool           `json:"isRead"`
	Delivery   DeliveryStatus `json:"delivery,omitempty"`
}

// NewMessage creates an addressed message with a fresh ID and the current
// timestamp. Content is trimmed; an empty-after-trim message is never created.
func NewMessage(senderID, receiverID, content string) (Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, ErrEmptyContent
	}
	if receiverID == "" {
		return Message{}, errors.New("message missing receiverId")
	}
	return Message{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		Timestamp:  time.Now(),
		Delivery:   DeliveryPending,
	}, nil
}

// SameEvent reports whether m and other are the same logical message:
// equal IDs, or identical addressing and content with timestamps within
// DedupWindow of each other.
func (m Message) SameEvent(other Message) bool {
	if m.ID != "" && m.ID == other.ID {
		return true
	}
	if m.SenderID != other.SenderID || m.ReceiverID != other.ReceiverID || m.Content != other.Content {
		return false
	}
	d := m.Timestamp.Sub(other.Timestamp)
	if d < 0 {
		d = -d
	}
	return d <= DedupWindow
}

// Between reports whether the message belongs to the conversation between
// the two given users, in either direction.
func (m Message) Between(userA, userB string) bool {
	return (m.SenderID == userA && m.ReceiverID == userB) ||
		(m.SenderID == userB && m.ReceiverID == userA)
}

// TransportMode selects how outbound messages are delivered.
type TransportMode string

const (
	// TransportStoreRelay routes every message through the backend store.
	TransportStoreRelay TransportMode = "store-relay"
	// TransportPeerToPeer routes messages over direct data channels only.
	TransportPeerToPeer TransportMode = "peer-to-peer"
	// TransportHybrid sends over both paths; dedup collapses the copies.
	TransportHybrid TransportMode = "hybrid"
)

// Conversation is a derived roster entry for one partner.
type Conversation struct {
	Partner     User
	LastMessage *Message
	UnreadCount int
}
