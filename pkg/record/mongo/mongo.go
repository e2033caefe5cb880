// Package mongo persists contacts and messages in MongoDB.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"wabridge/pkg/record"
)

const (
	defaultDatabase    = "wabridge"
	contactsCollection = "contacts"
	messagesCollection = "messages"
	connectTimeout     = 10 * time.Second
)

// Config selects the deployment and database.
type Config struct {
	URI      string
	Database string
}

type contactDoc struct {
	ID         primitive.ObjectID `bson:"_id,omitempty"`
	ExternalID string             `bson:"whatsappContactId"`
	Name       string             `bson:"whatsappContactName"`
	Number     string             `bson:"number"`
	IsGroup    bool               `bson:"isGroup"`
	FromMe     bool               `bson:"fromMe"`
	CreatedAt  time.Time          `bson:"createdAt"`
	UpdatedAt  time.Time          `bson:"updatedAt"`
}

type messageDoc struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	Contact   primitive.ObjectID `bson:"contact"`
	Timestamp time.Time          `bson:"timestamp"`
	Type      string             `bson:"type"`
	Kind      string             `bson:"messageType"`
	Content   string             `bson:"content,omitempty"`
	Location  string             `bson:"location,omitempty"`
	MimeType  string             `bson:"mimeType,omitempty"`
	Target    bson.M             `bson:"target,omitempty"`
	CreatedAt time.Time          `bson:"createdAt"`
	UpdatedAt time.Time          `bson:"updatedAt"`
}

// Store implements record.Store.
type Store struct {
	client   *mongo.Client
	contacts *mongo.Collection
	messages *mongo.Collection
	log      *slog.Logger
}

var _ record.Store = (*Store)(nil)

// Connect dials MongoDB, verifies it with a ping and ensures the unique
// contact index.
func Connect(ctx context.Context, cfg Config, log *slog.Logger) (*Store, error) {
	uri := strings.TrimSpace(cfg.URI)
	if uri == "" {
		return nil, errors.New("mongodb uri is required")
	}
	if log == nil {
		log = slog.Default()
	}

	dbName := strings.TrimSpace(cfg.Database)
	if dbName == "" {
		dbName = defaultDatabase
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	db := client.Database(dbName)
	s := &Store{
		client:   client,
		contacts: db.Collection(contactsCollection),
		messages: db.Collection(messagesCollection),
		log:      log.With("component", "record.mongo"),
	}

	_, err = s.contacts.Indexes().CreateOne(connectCtx, mongo.IndexModel{
		Keys:    bson.D{{Key: "whatsappContactId", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ensure contact index: %w", err)
	}

	s.log.Info("Connected to MongoDB", "database", dbName)
	return s, nil
}

func (s *Store) FindContactByExternalID(ctx context.Context, externalID string) (record.Contact, error) {
	var doc contactDoc
	err := s.contacts.FindOne(ctx, bson.M{"whatsappContactId": externalID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return record.Contact{}, record.ErrNotFound
	}
	if err != nil {
		return record.Contact{}, fmt.Errorf("find contact: %w", err)
	}
	return doc.toRecord(), nil
}

// CreateContact inserts c. Losing a concurrent insert for the same external
// id returns the winner.
func (s *Store) CreateContact(ctx context.Context, c record.Contact) (record.Contact, error) {
	doc := newContactDoc(c, time.Now().UTC())

	res, err := s.contacts.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return s.FindContactByExternalID(ctx, c.ExternalID)
	}
	if err != nil {
		return record.Contact{}, fmt.Errorf("create contact: %w", err)
	}

	if id, ok := res.InsertedID.(primitive.ObjectID); ok {
		doc.ID = id
	}
	s.log.Debug("Contact created", "contact_id", doc.ID.Hex())
	return doc.toRecord(), nil
}

func (s *Store) CreateMessage(ctx context.Context, m record.Message) (record.Message, error) {
	doc, err := newMessageDoc(m, time.Now().UTC())
	if err != nil {
		return record.Message{}, err
	}

	res, err := s.messages.InsertOne(ctx, doc)
	if err != nil {
		return record.Message{}, fmt.Errorf("create message: %w", err)
	}

	if id, ok := res.InsertedID.(primitive.ObjectID); ok {
		doc.ID = id
	}
	m.ID = doc.ID.Hex()
	m.CreatedAt = doc.CreatedAt
	return m, nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect mongodb: %w", err)
	}
	return nil
}

func newContactDoc(c record.Contact, now time.Time) contactDoc {
	return contactDoc{
		ExternalID: c.ExternalID,
		Name:       c.Name,
		Number:     c.Number,
		IsGroup:    c.IsGroup,
		FromMe:     c.FromMe,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (d contactDoc) toRecord() record.Contact {
	return record.Contact{
		ID:         d.ID.Hex(),
		ExternalID: d.ExternalID,
		Name:       d.Name,
		Number:     d.Number,
		IsGroup:    d.IsGroup,
		FromMe:     d.FromMe,
		CreatedAt:  d.CreatedAt,
	}
}

func newMessageDoc(m record.Message, now time.Time) (messageDoc, error) {
	contactID, err := primitive.ObjectIDFromHex(m.ContactID)
	if err != nil {
		return messageDoc{}, fmt.Errorf("invalid contact id %q: %w", m.ContactID, err)
	}

	doc := messageDoc{
		Contact:   contactID,
		Timestamp: m.Timestamp,
		Type:      m.Type,
		Kind:      m.Kind,
		Content:   m.Content,
		Location:  m.Location,
		MimeType:  m.MimeType,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if len(m.Target) > 0 {
		var target bson.M
		if err := json.Unmarshal(m.Target, &target); err != nil {
			return messageDoc{}, fmt.Errorf("decode message target: %w", err)
		}
		doc.Target = target
	}

	return doc, nil
}
