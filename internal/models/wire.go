package models

import "encoding/json"

// ClientEnvelope represents a frame sent from a client to the relay over the
// sync websocket.
type ClientEnvelope struct {
	Type ClientEnvelopeType `json:"type"`

	// PutUser: full user record write (presence transitions).
	User *User `json:"user,omitempty"`

	// Append: new message for the shared log.
	Message *Message `json:"message,omitempty"`

	// SetRead: partial update of a single message's read flag.
	MessageID string `json:"messageId,omitempty"`
	IsRead    bool   `json:"isRead,omitempty"`

	// Signal: point-to-point envelope for peer negotiation.
	Signal *SignalEnvelope `json:"signal,omitempty"`

	// SubscribePush: browser push subscription JSON, kept opaque.
	PushSubscription json.RawMessage `json:"pushSubscription,omitempty"`
}

// ServerEnvelope represents a frame sent from the relay to a client.
type ServerEnvelope struct {
	Type ServerEnvelopeType `json:"type"`

	// Full collection snapshots. The relay always delivers the complete
	// current collection, never a delta.
	Messages []Message `json:"messages,omitempty"`
	Users    []User    `json:"users,omitempty"`

	Signal *SignalEnvelope `json:"signal,omitempty"`

	Error string `json:"error,omitempty"`
}

type ClientEnvelopeType string

const (
	ClientEnvelopeTypePutUser       ClientEnvelopeType = "putUser"
	ClientEnvelopeTypeAppend        ClientEnvelopeType = "append"
	ClientEnvelopeTypeSetRead       ClientEnvelopeType = "setRead"
	ClientEnvelopeTypeArmWill       ClientEnvelopeType = "armWill"
	ClientEnvelopeTypeCancelWill    ClientEnvelopeType = "cancelWill"
	ClientEnvelopeTypeSignal        ClientEnvelopeType = "signal"
	ClientEnvelopeTypeSubscribePush ClientEnvelopeType = "subscribePush"
)

type ServerEnvelopeType string

const (
	ServerEnvelopeTypeMessages ServerEnvelopeType = "messages"
	ServerEnvelopeTypeUsers    ServerEnvelopeType = "users"
	ServerEnvelopeTypeSignal   ServerEnvelopeType = "signal"
	ServerEnvelopeTypeError    ServerEnvelopeType = "error"
)

// RegisterRequest is sent by a new user to create an account.
type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginRequest is sent by a returning user.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthResponse is the result of a register or login call. On failure Code
// identifies the cause so the client can map it to a short user-presentable
// message; raw backend error text is never shown to the end user.
type AuthResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Token   string `json:"token,omitempty"`
	User    *User  `json:"user,omitempty"`
}
