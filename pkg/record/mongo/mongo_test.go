package mongo

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"wabridge/pkg/record"
)

func TestContactDocRoundTrip(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	doc := newContactDoc(record.Contact{
		ExternalID: "5511@s.whatsapp.net",
		Name:       "Maria",
		Number:     "5511",
		FromMe:     true,
	}, now)
	doc.ID = primitive.NewObjectID()

	got := doc.toRecord()
	require.Equal(t, doc.ID.Hex(), got.ID)
	require.Equal(t, "5511@s.whatsapp.net", got.ExternalID)
	require.Equal(t, "Maria", got.Name)
	require.True(t, got.FromMe)
	require.Equal(t, now, got.CreatedAt)
}

func TestNewMessageDoc(t *testing.T) {
	contactID := primitive.NewObjectID()
	target := json.RawMessage(`{"key":{"id":"m1","remoteJid":"5511@s.whatsapp.net"}}`)

	doc, err := newMessageDoc(record.Message{
		ContactID: contactID.Hex(),
		Type:      "imageMessage",
		Kind:      "image",
		Location:  "image/m1-5511@s.whatsapp.net.jpg",
		Target:    target,
	}, time.Now())
	require.NoError(t, err)
	require.Equal(t, contactID, doc.Contact)
	require.Equal(t, "m1", doc.Target["key"].(map[string]any)["id"])

	_, err = newMessageDoc(record.Message{ContactID: "not-an-object-id"}, time.Now())
	require.Error(t, err)

	_, err = newMessageDoc(record.Message{ContactID: contactID.Hex(), Target: json.RawMessage(`[1]`)}, time.Now())
	require.Error(t, err)
}

func TestConnectRequiresURI(t *testing.T) {
	_, err := Connect(context.Background(), Config{}, nil)
	require.Error(t, err)
}

func TestStoreAgainstLiveServer(t *testing.T) {
	uri := os.Getenv("WABRIDGE_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("WABRIDGE_TEST_MONGO_URI not set")
	}

	ctx := context.Background()
	store, err := Connect(ctx, Config{URI: uri, Database: "wabridge_test_" + primitive.NewObjectID().Hex()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.contacts.Database().Drop(context.Background())
		_ = store.Close(context.Background())
	})

	contact, err := record.FindOrCreateContact(ctx, store, record.Contact{ExternalID: "5511@s.whatsapp.net", Number: "5511"})
	require.NoError(t, err)

	again, err := record.FindOrCreateContact(ctx, store, record.Contact{ExternalID: "5511@s.whatsapp.net"})
	require.NoError(t, err)
	require.Equal(t, contact.ID, again.ID)

	msg, err := store.CreateMessage(ctx, record.Message{ContactID: contact.ID, Type: "conversation", Kind: "text", Content: "oi"})
	require.NoError(t, err)
	require.NotEmpty(t, msg.ID)
}
