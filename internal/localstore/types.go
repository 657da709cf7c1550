package localstore

import (
	"encoding"

	"github.com/vmihailenco/msgpack/v5"
)

type storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// dbSession is the persisted resume record. A session older than ExpiresAt
// is discarded on load so a stale identity is never restored.
type dbSession struct {
	UserID    string `msgpack:"userId"`
	Name      string `msgpack:"name"`
	Email     string `msgpack:"email"`
	PhotoURL  string `msgpack:"photoUrl"`
	Token     string `msgpack:"token"`
	ExpiresAt int64  `msgpack:"expiresAt"`
}

func (s *dbSession) Key() []byte {
	return []byte("current")
}

func (s *dbSession) MarshalBinary() (data []byte, err error) {
	type alias dbSession
	return msgpack.Marshal((*alias)(s))
}

func (s *dbSession) UnmarshalBinary(data []byte) error {
	type alias dbSession
	return msgpack.Unmarshal(data, (*alias)(s))
}

type dbMessage struct {
	ID         string `msgpack:"id"`
	SenderID   string `msgpack:"senderId"`
	ReceiverID string `msgpack:"receiverId"`
	Content    string `msgpack:"content"`
	Timestamp  int64  `msgpack:"timestamp"` // unix milliseconds
	IsRead     bool   `msgpack:"isRead"`
	Delivery   string `msgpack:"delivery"`
}

func (m *dbMessage) Key() []byte {
	return []byte(m.ID)
}

func (m *dbMessage) MarshalBinary() (data []byte, err error) {
	type alias dbMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *dbMessage) UnmarshalBinary(data []byte) error {
	type alias dbMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}
