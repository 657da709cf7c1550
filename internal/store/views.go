package store

import (
	"sort"

	"tetatet/internal/models"
)

// User looks up a roster entry by ID.
func (s *Store) User(id string) (models.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	return u, ok
}

// Conversations returns one entry per roster partner, freshest conversation
// first. Partners with no exchanged messages come last, sorted by name.
func (s *Store) Conversations() []models.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.currentUser == nil {
		return nil
	}
	me := s.currentUser.ID

	convs := make([]models.Conversation, 0, len(s.users))
	for _, u := range s.users {
		if u.ID == me {
			continue
		}
		c := models.Conversation{Partner: u}
		for i := range s.messages {
			m := s.messages[i]
			if !m.Between(me, u.ID) {
				continue
			}
			last := m
			c.LastMessage = &last
			if !m.IsRead && m.ReceiverID == me {
				c.UnreadCount++
			}
		}
		convs = append(convs, c)
	}

	sort.SliceStable(convs, func(i, j int) bool {
		a, b := convs[i].LastMessage, convs[j].LastMessage
		switch {
		case a == nil && b == nil:
			return convs[i].Partner.Name < convs[j].Partner.Name
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.Timestamp.After(b.Timestamp)
		}
	})
	return convs
}

// UnreadCount is the number of unread messages the current user has from
// partnerID.
func (s *Store) UnreadCount(partnerID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.currentUser == nil {
		return 0
	}
	n := 0
	for i := range s.messages {
		m := s.messages[i]
		if !m.IsRead && m.SenderID == partnerID && m.ReceiverID == s.currentUser.ID {
			n++
		}
	}
	return n
}

// LastMessage is the most recent message exchanged with partnerID.
func (s *Store) LastMessage(partnerID string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.currentUser == nil {
		return models.Message{}, false
	}
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Between(s.currentUser.ID, partnerID) {
			return s.messages[i], true
		}
	}
	return models.Message{}, false
}

// MessagesWith returns the conversation with partnerID in timestamp order.
func (s *Store) MessagesWith(partnerID string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.currentUser == nil {
		return nil
	}
	var out []models.Message
	for i := range s.messages {
		if s.messages[i].Between(s.currentUser.ID, partnerID) {
			out = append(out, s.messages[i])
		}
	}
	return out
}

// Messages returns the currently open conversation.
func (s *Store) Messages() []models.Message {
	s.mu.RLock()
	selected := s.selectedID
	s.mu.RUnlock()
	if selected == "" {
		return nil
	}
	return s.MessagesWith(selected)
}
