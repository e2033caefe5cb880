package message

import (
	"sort"
	"strings"
	"time"

	"wabridge/pkg/failure"
	"wabridge/pkg/session"
)

// predicate claims a payload when its field is present and usable.
type predicate struct {
	source Source
	match  func(*session.MessageContent) bool
	build  func(session.RawMessage) (Variant, error)
}

// predicates are evaluated in order; the first match wins. Captioned
// documents come before plain documents.
var predicates = []predicate{
	{
		source: SourceConversation,
		match: func(c *session.MessageContent) bool {
			return c.Conversation != nil && *c.Conversation != ""
		},
		build: func(raw session.RawMessage) (Variant, error) {
			return &Text{Content: *raw.Message.Conversation}, nil
		},
	},
	{
		source: SourceExtendedText,
		match: func(c *session.MessageContent) bool {
			return c.ExtendedText != nil && c.ExtendedText.Text != ""
		},
		build: func(raw session.RawMessage) (Variant, error) {
			return &Text{Content: raw.Message.ExtendedText.Text, Extended: true}, nil
		},
	},
	{
		source: SourceImage,
		match:  func(c *session.MessageContent) bool { return c.Image != nil },
		build: func(raw session.RawMessage) (Variant, error) {
			img := raw.Message.Image
			return &Image{Media: newMedia(KindImage, raw.Key, img.Mimetype, img.Caption)}, nil
		},
	},
	{
		source: SourceVideo,
		match:  func(c *session.MessageContent) bool { return c.Video != nil },
		build: func(raw session.RawMessage) (Variant, error) {
			vid := raw.Message.Video
			return &Video{Media: newMedia(KindVideo, raw.Key, vid.Mimetype, vid.Caption)}, nil
		},
	},
	{
		source: SourceAudio,
		match:  func(c *session.MessageContent) bool { return c.Audio != nil },
		build: func(raw session.RawMessage) (Variant, error) {
			aud := raw.Message.Audio
			return &Audio{
				Media:   newMedia(KindAudio, raw.Key, aud.Mimetype, ""),
				Seconds: aud.Seconds,
				Voice:   aud.PTT,
			}, nil
		},
	},
	{
		source: SourceDocumentWithCaption,
		match: func(c *session.MessageContent) bool {
			return c.DocumentWithCaption != nil &&
				c.DocumentWithCaption.Message != nil &&
				c.DocumentWithCaption.Message.Document != nil
		},
		build: func(raw session.RawMessage) (Variant, error) {
			doc := raw.Message.DocumentWithCaption.Message.Document
			return newDocument(raw.Key, doc, true), nil
		},
	},
	{
		source: SourceDocument,
		match:  func(c *session.MessageContent) bool { return c.Document != nil },
		build: func(raw session.RawMessage) (Variant, error) {
			return newDocument(raw.Key, raw.Message.Document, false), nil
		},
	},
	{
		source: SourceLocation,
		match:  func(c *session.MessageContent) bool { return c.Location != nil },
		build: func(raw session.RawMessage) (Variant, error) {
			return newLocation(raw.Message.Location, false)
		},
	},
	{
		source: SourceLiveLocation,
		match:  func(c *session.MessageContent) bool { return c.LiveLocation != nil },
		build: func(raw session.RawMessage) (Variant, error) {
			return newLocation(raw.Message.LiveLocation, true)
		},
	},
}

// Classify maps raw to its canonical message. It is pure: the same payload
// always yields an equal result.
//
// A payload without a chat id, or a location without coordinates, fails with
// failure.KindMalformedPayload. A payload with no recognized field is not an
// error; it classifies as *Unknown.
func Classify(raw session.RawMessage) (*Message, error) {
	if strings.TrimSpace(raw.Key.RemoteJID) == "" {
		return nil, failure.New(failure.KindMalformedPayload, "message has no chat id")
	}

	msg := &Message{
		Contact:   ContactFromKey(raw),
		Timestamp: timestamp(raw.Timestamp),
		Source:    SourceUnknown,
		Raw:       raw,
	}

	content := raw.Message
	if content == nil {
		msg.Variant = &Unknown{}
		return msg, nil
	}

	for _, p := range predicates {
		if !p.match(content) {
			continue
		}
		variant, err := p.build(raw)
		if err != nil {
			return nil, err
		}
		msg.Source = p.source
		msg.Variant = variant
		return msg, nil
	}

	msg.Variant = &Unknown{Fields: unknownFields(content)}
	return msg, nil
}

func newDocument(key session.MessageKey, doc *session.MediaMessage, withCaption bool) *Document {
	return &Document{
		Media:       newMedia(KindDocument, key, doc.Mimetype, doc.Caption),
		Title:       doc.FileName,
		WithCaption: withCaption,
	}
}

func newLocation(loc *session.LocationMessage, live bool) (Variant, error) {
	if loc.DegreesLatitude == nil || loc.DegreesLongitude == nil {
		return nil, failure.New(failure.KindMalformedPayload, "location message without coordinates")
	}

	return &Location{
		Latitude:  *loc.DegreesLatitude,
		Longitude: *loc.DegreesLongitude,
		Name:      loc.Name,
		Address:   loc.Address,
		Live:      live,
	}, nil
}

func timestamp(seconds int64) time.Time {
	if seconds <= 0 {
		return time.Time{}
	}
	return time.Unix(seconds, 0).UTC()
}

func unknownFields(content *session.MessageContent) []string {
	if len(content.Extra) == 0 {
		return nil
	}

	fields := make([]string, 0, len(content.Extra))
	for name := range content.Extra {
		fields = append(fields, name)
	}
	sort.Strings(fields)
	return fields
}
