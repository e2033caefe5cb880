// Package message turns raw chat payloads into canonical, variant-tagged
// messages and derives their storage layout.
package message

import (
	"strings"
	"time"

	"wabridge/pkg/session"
)

// Kind is the lowercase variant tag, also used as the storage path prefix.
type Kind string

const (
	KindText     Kind = "text"
	KindImage    Kind = "image"
	KindVideo    Kind = "video"
	KindAudio    Kind = "audio"
	KindDocument Kind = "document"
	KindLocation Kind = "location"
	KindUnknown  Kind = "unknown"
)

// Source names the raw payload field a message was classified from.
type Source string

const (
	SourceConversation        Source = "conversation"
	SourceExtendedText        Source = "extendedTextMessage"
	SourceImage               Source = "imageMessage"
	SourceVideo               Source = "videoMessage"
	SourceAudio               Source = "audioMessage"
	SourceDocument            Source = "documentMessage"
	SourceDocumentWithCaption Source = "documentWithCaptionMessage"
	SourceLocation            Source = "locationMessage"
	SourceLiveLocation        Source = "liveLocationMessage"
	SourceUnknown             Source = "unknown"
)

// Variant is the sealed set of message shapes. Consumers switch over
// *Text, *Image, *Video, *Audio, *Document, *Location and *Unknown.
type Variant interface {
	Kind() Kind
	variant()
}

// Text is a plain conversation or an extended (quoted, link preview) text.
type Text struct {
	Content  string
	Extended bool
}

// Media is shared by every downloadable variant.
type Media struct {
	MimeType  string
	Extension string
	// FileName is the storage key stem: {message id}-{chat id}.
	FileName string
	// Path is /{kind}/{FileName}.{Extension}.
	Path string
	// Content is the caption, or the transcript for audio.
	Content string
	// StorageKey is set once the payload was archived.
	StorageKey string
}

type Image struct{ Media }

type Video struct{ Media }

// Audio content stays empty until transcription fills it in.
type Audio struct {
	Media
	Seconds uint32
	Voice   bool
}

type Document struct {
	Media
	Title       string
	WithCaption bool
}

type Location struct {
	Latitude  float64
	Longitude float64
	Name      string
	Address   string
	Live      bool
}

// Unknown carries the names of the unrecognized payload fields, if any.
type Unknown struct {
	Fields []string
}

func (*Text) Kind() Kind     { return KindText }
func (*Image) Kind() Kind    { return KindImage }
func (*Video) Kind() Kind    { return KindVideo }
func (*Audio) Kind() Kind    { return KindAudio }
func (*Document) Kind() Kind { return KindDocument }
func (*Location) Kind() Kind { return KindLocation }
func (*Unknown) Kind() Kind  { return KindUnknown }

func (*Text) variant()     {}
func (*Image) variant()    {}
func (*Video) variant()    {}
func (*Audio) variant()    {}
func (*Document) variant() {}
func (*Location) variant() {}
func (*Unknown) variant()  {}

// Contact identifies the remote participant of a chat.
type Contact struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Number  string `json:"number"`
	IsGroup bool   `json:"isGroup"`
	FromMe  bool   `json:"isMe"`
}

// ContactFromKey derives the contact of raw. Name falls back from the push
// name to the verified business name.
func ContactFromKey(raw session.RawMessage) Contact {
	id := raw.Key.RemoteJID
	number, _, _ := strings.Cut(id, "@")

	name := raw.PushName
	if name == "" {
		name = raw.VerifiedBizName
	}

	return Contact{
		ID:      id,
		Name:    name,
		Number:  number,
		IsGroup: raw.Key.IsGroup(),
		FromMe:  raw.Key.FromMe,
	}
}

// Message is the canonical form of one inbound chat event.
type Message struct {
	Contact   Contact
	Timestamp time.Time
	Source    Source
	Raw       session.RawMessage
	Variant   Variant
}

// Kind returns the variant tag.
func (m *Message) Kind() Kind {
	if m == nil || m.Variant == nil {
		return KindUnknown
	}
	return m.Variant.Kind()
}

// Key returns the key of the originating payload.
func (m *Message) Key() session.MessageKey {
	return m.Raw.Key
}

// Media returns the media part of media variants, nil otherwise. The pointer
// aliases the variant so the media pipeline can fill it in.
func (m *Message) Media() *Media {
	if m == nil {
		return nil
	}

	switch v := m.Variant.(type) {
	case *Image:
		return &v.Media
	case *Video:
		return &v.Media
	case *Audio:
		return &v.Media
	case *Document:
		return &v.Media
	default:
		return nil
	}
}

// Content returns the textual body: text, caption or transcript.
func (m *Message) Content() string {
	if m == nil {
		return ""
	}

	switch v := m.Variant.(type) {
	case *Text:
		return v.Content
	case *Location:
		return v.Name
	default:
		if media := m.Media(); media != nil {
			return media.Content
		}
		return ""
	}
}
