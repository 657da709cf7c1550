// Package localstore is the device-local storage tier: it caches the session
// resume record, the last active conversation pointer and the message log, so
// the client starts with usable state before the first backend snapshot
// arrives. The backend store remains the authoritative copy.
package localstore

import (
	"fmt"
	"sort"
	"time"

	"tetatet/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketSession  = []byte("session")
	bucketState    = []byte("state")
	bucketMessages = []byte("messages")

	keyLastActiveChat = []byte("lastActiveChatId")
)

// DefaultSessionTTL matches the resume-without-relogin window.
const DefaultSessionTTL = 7 * 24 * time.Hour

type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSession); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketState); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketMessages); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSession persists the authenticated identity and its token so the user
// can resume without logging in again until ttl elapses.
func (s *Store) SaveSession(user models.User, token string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSession)
		sess := &dbSession{
			UserID:    user.ID,
			Name:      user.Name,
			Email:     user.Email,
			PhotoURL:  user.PhotoURL,
			Token:     token,
			ExpiresAt: s.now().Add(ttl).UnixMilli(),
		}
		data, err := sess.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(sess.Key(), data)
	})
}

// LoadSession returns the persisted identity, if present and not expired.
// An expired record is deleted rather than returned.
func (s *Store) LoadSession() (models.User, string, bool, error) {
	var (
		user    models.User
		token   string
		ok      bool
		expired bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSession).Get((&dbSession{}).Key())
		if data == nil {
			return nil
		}
		var sess dbSession
		if err := sess.UnmarshalBinary(data); err != nil {
			return err
		}
		if s.now().UnixMilli() >= sess.ExpiresAt {
			expired = true
			return nil
		}
		user = models.User{
			ID:       sess.UserID,
			Name:     sess.Name,
			Email:    sess.Email,
			PhotoURL: sess.PhotoURL,
		}
		token = sess.Token
		ok = true
		return nil
	})
	if err != nil {
		return models.User{}, "", false, err
	}
	if expired {
		return models.User{}, "", false, s.ClearSession()
	}
	return user, token, ok, nil
}

func (s *Store) ClearSession() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSession).Delete((&dbSession{}).Key())
	})
}

// SetLastActiveChat persists the resume-last-conversation pointer. An empty
// id clears it.
func (s *Store) SetLastActiveChat(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketState)
		if id == "" {
			return b.Delete(keyLastActiveChat)
		}
		return b.Put(keyLastActiveChat, []byte(id))
	})
}

func (s *Store) LastActiveChat() (string, error) {
	var id string
	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketState).Get(keyLastActiveChat); v != nil {
			id = string(v)
		}
		return nil
	})
	return id, err
}

// SaveMessages replaces the cached message log.
func (s *Store) SaveMessages(messages []models.Message) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketMessages); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketMessages)
		if err != nil {
			return err
		}
		for _, m := range messages {
			dbMsg := dbMessage{
				ID:         m.ID,
				SenderID:   m.SenderID,
				ReceiverID: m.ReceiverID,
				Content:    m.Content,
				Timestamp:  m.Timestamp.UnixMilli(),
				IsRead:     m.IsRead,
				Delivery:   string(m.Delivery),
			}
			data, err := dbMsg.MarshalBinary()
			if err != nil {
				return fmt.Errorf("failed to marshal message: %w", err)
			}
			if err := b.Put(dbMsg.Key(), data); err != nil {
				return fmt.Errorf("failed to put message: %w", err)
			}
		}
		return nil
	})
}

// LoadMessages returns the cached log ordered by timestamp ascending.
func (s *Store) LoadMessages() ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMessages).ForEach(func(k, v []byte) error {
			var dbMsg dbMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, models.Message{
				ID:         dbMsg.ID,
				SenderID:   dbMsg.SenderID,
				ReceiverID: dbMsg.ReceiverID,
				Content:    dbMsg.Content,
				Timestamp:  time.UnixMilli(dbMsg.Timestamp),
				IsRead:     dbMsg.IsRead,
				Delivery:   models.DeliveryStatus(dbMsg.Delivery),
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Timestamp.Before(messages[j].Timestamp)
	})
	return messages, nil
}
