// Package record persists contacts and processed messages.
package record

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when no record matches.
var ErrNotFound = errors.New("record not found")

// Contact is the durable identity of a remote participant, keyed by ExternalID
// (the chat id). It is created once and never deleted.
type Contact struct {
	ID         string    `json:"id"`
	ExternalID string    `json:"whatsappContactId"`
	Name       string    `json:"whatsappContactName"`
	Number     string    `json:"number"`
	IsGroup    bool      `json:"isGroup"`
	FromMe     bool      `json:"fromMe"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Message is the stored trace of one processed inbound message.
type Message struct {
	ID        string          `json:"id"`
	ContactID string          `json:"contact"`
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"`
	Kind      string          `json:"messageType"`
	Content   string          `json:"content,omitempty"`
	Location  string          `json:"location,omitempty"`
	MimeType  string          `json:"mimeType,omitempty"`
	Target    json.RawMessage `json:"target,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Store is the record store collaborator.
type Store interface {
	// FindContactByExternalID returns ErrNotFound when no contact exists.
	FindContactByExternalID(ctx context.Context, externalID string) (Contact, error)
	// CreateContact stores c and returns it with ID and CreatedAt set.
	CreateContact(ctx context.Context, c Contact) (Contact, error)
	CreateMessage(ctx context.Context, m Message) (Message, error)
}

// FindOrCreateContact returns the stored contact for c.ExternalID, creating it
// from c when missing.
func FindOrCreateContact(ctx context.Context, store Store, c Contact) (Contact, error) {
	existing, err := store.FindContactByExternalID(ctx, c.ExternalID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Contact{}, err
	}
	return store.CreateContact(ctx, c)
}
