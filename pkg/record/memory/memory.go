// Package memory is an in-process record store for development and tests.
package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"wabridge/pkg/record"
)

type Store struct {
	mu       sync.RWMutex
	contacts map[string]record.Contact
	messages []record.Message
	now      func() time.Time
}

var _ record.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		contacts: make(map[string]record.Contact),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) FindContactByExternalID(_ context.Context, externalID string) (record.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contacts[externalID]
	if !ok {
		return record.Contact{}, record.ErrNotFound
	}
	return c, nil
}

// CreateContact returns the existing contact when one with the same external
// id was created concurrently.
func (s *Store) CreateContact(_ context.Context, c record.Contact) (record.Contact, error) {
	if strings.TrimSpace(c.ExternalID) == "" {
		return record.Contact{}, errors.New("contact external id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.contacts[c.ExternalID]; ok {
		return existing, nil
	}

	c.ID = uuid.NewString()
	c.CreatedAt = s.now()
	s.contacts[c.ExternalID] = c
	return c, nil
}

func (s *Store) CreateMessage(_ context.Context, m record.Message) (record.Message, error) {
	if strings.TrimSpace(m.ContactID) == "" {
		return record.Message{}, errors.New("message contact is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m.ID = uuid.NewString()
	m.CreatedAt = s.now()
	s.messages = append(s.messages, m)
	return m, nil
}

// Contacts returns every stored contact.
func (s *Store) Contacts() []record.Contact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]record.Contact, 0, len(s.contacts))
	for _, c := range s.contacts {
		out = append(out, c)
	}
	return out
}

// Messages returns stored messages in insertion order.
func (s *Store) Messages() []record.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]record.Message(nil), s.messages...)
}
