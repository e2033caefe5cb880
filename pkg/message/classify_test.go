package message

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wabridge/pkg/failure"
	"wabridge/pkg/session"
)

const testChat = "5511999999999@s.whatsapp.net"

func rawWith(content *session.MessageContent) session.RawMessage {
	return session.RawMessage{
		Key:       session.MessageKey{ID: "ABC123", RemoteJID: testChat},
		PushName:  "Maria",
		Timestamp: 1717171717,
		Message:   content,
	}
}

func ptr[T any](v T) *T { return &v }

func TestClassifyRecognizesEachVariant(t *testing.T) {
	tests := []struct {
		name    string
		content *session.MessageContent
		source  Source
		check   func(t *testing.T, v Variant)
	}{
		{
			name:    "conversation",
			content: &session.MessageContent{Conversation: ptr("oi")},
			source:  SourceConversation,
			check: func(t *testing.T, v Variant) {
				text := v.(*Text)
				assert.Equal(t, "oi", text.Content)
				assert.False(t, text.Extended)
			},
		},
		{
			name:    "extended text",
			content: &session.MessageContent{ExtendedText: &session.ExtendedTextMessage{Text: "see https://example.com"}},
			source:  SourceExtendedText,
			check: func(t *testing.T, v Variant) {
				text := v.(*Text)
				assert.Equal(t, "see https://example.com", text.Content)
				assert.True(t, text.Extended)
			},
		},
		{
			name:    "image",
			content: &session.MessageContent{Image: &session.MediaMessage{Mimetype: "image/png", Caption: "sunset"}},
			source:  SourceImage,
			check: func(t *testing.T, v Variant) {
				img := v.(*Image)
				assert.Equal(t, "image/png", img.MimeType)
				assert.Equal(t, "jpg", img.Extension)
				assert.Equal(t, "/image/ABC123-"+testChat+".jpg", img.Path)
				assert.Equal(t, "sunset", img.Content)
			},
		},
		{
			name:    "video",
			content: &session.MessageContent{Video: &session.MediaMessage{Mimetype: "video/mp4", Caption: "clip"}},
			source:  SourceVideo,
			check: func(t *testing.T, v Variant) {
				vid := v.(*Video)
				assert.Equal(t, "mp4", vid.Extension)
				assert.Equal(t, "/video/ABC123-"+testChat+".mp4", vid.Path)
				assert.Equal(t, "clip", vid.Content)
			},
		},
		{
			name:    "audio",
			content: &session.MessageContent{Audio: &session.MediaMessage{Mimetype: "audio/ogg; codecs=opus", Seconds: 7, PTT: true}},
			source:  SourceAudio,
			check: func(t *testing.T, v Variant) {
				aud := v.(*Audio)
				assert.Equal(t, "mp3", aud.Extension)
				assert.Equal(t, "/audio/ABC123-"+testChat+".mp3", aud.Path)
				assert.Empty(t, aud.Content)
				assert.True(t, aud.Voice)
				assert.EqualValues(t, 7, aud.Seconds)
			},
		},
		{
			name:    "document",
			content: &session.MessageContent{Document: &session.MediaMessage{Mimetype: "application/pdf", FileName: "invoice.pdf"}},
			source:  SourceDocument,
			check: func(t *testing.T, v Variant) {
				doc := v.(*Document)
				assert.Equal(t, "pdf", doc.Extension)
				assert.Equal(t, "invoice.pdf", doc.Title)
				assert.False(t, doc.WithCaption)
			},
		},
		{
			name: "document with caption",
			content: &session.MessageContent{DocumentWithCaption: &session.FutureProofMessage{
				Message: &session.MessageContent{Document: &session.MediaMessage{
					Mimetype: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
					Caption:  "report",
				}},
			}},
			source: SourceDocumentWithCaption,
			check: func(t *testing.T, v Variant) {
				doc := v.(*Document)
				assert.Equal(t, "xlsx", doc.Extension)
				assert.Equal(t, "report", doc.Content)
				assert.True(t, doc.WithCaption)
			},
		},
		{
			name: "location",
			content: &session.MessageContent{Location: &session.LocationMessage{
				DegreesLatitude: ptr(-23.55), DegreesLongitude: ptr(-46.63), Name: "Sé",
			}},
			source: SourceLocation,
			check: func(t *testing.T, v Variant) {
				loc := v.(*Location)
				assert.Equal(t, -23.55, loc.Latitude)
				assert.Equal(t, -46.63, loc.Longitude)
				assert.False(t, loc.Live)
			},
		},
		{
			name: "live location",
			content: &session.MessageContent{LiveLocation: &session.LocationMessage{
				DegreesLatitude: ptr(0.0), DegreesLongitude: ptr(0.0),
			}},
			source: SourceLiveLocation,
			check: func(t *testing.T, v Variant) {
				loc := v.(*Location)
				assert.True(t, loc.Live)
				assert.Zero(t, loc.Latitude)
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := Classify(rawWith(tc.content))
			require.NoError(t, err)
			require.Equal(t, tc.source, msg.Source)
			tc.check(t, msg.Variant)

			assert.Equal(t, testChat, msg.Contact.ID)
			assert.Equal(t, "5511999999999", msg.Contact.Number)
			assert.Equal(t, "Maria", msg.Contact.Name)
			assert.False(t, msg.Contact.IsGroup)
			assert.Equal(t, time.Unix(1717171717, 0).UTC(), msg.Timestamp)
		})
	}
}

func TestClassifyUnknown(t *testing.T) {
	var content session.MessageContent
	require.NoError(t, json.Unmarshal([]byte(`{"stickerMessage":{"url":"x"},"reactionMessage":{"text":"👍"}}`), &content))

	msg, err := Classify(rawWith(&content))
	require.NoError(t, err)
	require.Equal(t, KindUnknown, msg.Kind())
	require.Equal(t, []string{"reactionMessage", "stickerMessage"}, msg.Variant.(*Unknown).Fields)

	msg, err = Classify(rawWith(nil))
	require.NoError(t, err)
	require.Equal(t, KindUnknown, msg.Kind())
}

func TestClassifyEmptyTextIsUnknownNotMalformed(t *testing.T) {
	msg, err := Classify(rawWith(&session.MessageContent{Conversation: ptr("")}))
	require.NoError(t, err)
	require.Equal(t, KindUnknown, msg.Kind())

	msg, err = Classify(rawWith(&session.MessageContent{ExtendedText: &session.ExtendedTextMessage{}}))
	require.NoError(t, err)
	require.Equal(t, KindUnknown, msg.Kind())
}

func TestClassifyEmptyTextFallsThroughToMedia(t *testing.T) {
	msg, err := Classify(rawWith(&session.MessageContent{
		Conversation: ptr(""),
		Image:        &session.MediaMessage{},
	}))
	require.NoError(t, err)
	require.Equal(t, KindImage, msg.Kind())
	require.Equal(t, "image/jpeg", msg.Media().MimeType)
}

func TestClassifyCaptionedDocumentBeatsPlainDocument(t *testing.T) {
	msg, err := Classify(rawWith(&session.MessageContent{
		Document: &session.MediaMessage{Mimetype: "application/pdf"},
		DocumentWithCaption: &session.FutureProofMessage{Message: &session.MessageContent{
			Document: &session.MediaMessage{Mimetype: "application/msword", Caption: "contract"},
		}},
	}))
	require.NoError(t, err)
	require.Equal(t, SourceDocumentWithCaption, msg.Source)
	require.Equal(t, "doc", msg.Media().Extension)

	// A wrapper without an inner document is not a captioned document.
	msg, err = Classify(rawWith(&session.MessageContent{
		Document:            &session.MediaMessage{Mimetype: "application/pdf"},
		DocumentWithCaption: &session.FutureProofMessage{},
	}))
	require.NoError(t, err)
	require.Equal(t, SourceDocument, msg.Source)
}

func TestClassifyLocationWithoutCoordinatesIsMalformed(t *testing.T) {
	_, err := Classify(rawWith(&session.MessageContent{Location: &session.LocationMessage{DegreesLatitude: ptr(1.0)}}))
	require.Error(t, err)
	require.Equal(t, failure.KindMalformedPayload, failure.KindOf(err))
}

func TestClassifyWithoutChatIDIsMalformed(t *testing.T) {
	raw := rawWith(&session.MessageContent{Conversation: ptr("oi")})
	raw.Key.RemoteJID = ""

	_, err := Classify(raw)
	require.Equal(t, failure.KindMalformedPayload, failure.KindOf(err))
}

func TestClassifyIsDeterministic(t *testing.T) {
	raw := rawWith(&session.MessageContent{Video: &session.MediaMessage{Mimetype: "video/quicktime"}})

	first, err := Classify(raw)
	require.NoError(t, err)
	second, err := Classify(raw)
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, "quicktime", first.Media().Extension)
}

func TestClassifyGroupContact(t *testing.T) {
	raw := rawWith(&session.MessageContent{Conversation: ptr("hello all")})
	raw.Key.RemoteJID = "120363000000000000@g.us"
	raw.Key.FromMe = true
	raw.PushName = ""
	raw.VerifiedBizName = "ACME"

	msg, err := Classify(raw)
	require.NoError(t, err)
	require.Equal(t, Contact{
		ID:      "120363000000000000@g.us",
		Name:    "ACME",
		Number:  "120363000000000000",
		IsGroup: true,
		FromMe:  true,
	}, msg.Contact)
}
