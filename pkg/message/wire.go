package message

import (
	"encoding/json"

	"wabridge/pkg/session"
)

// Event is the JSON document published for every processed message.
type Event struct {
	Type        Source             `json:"type"`
	MessageType Kind               `json:"messageType"`
	Content     string             `json:"content"`
	Contact     Contact            `json:"contact"`
	Target      session.RawMessage `json:"target"`
	Timestamp   int64              `json:"timestamp"`

	MimeType   string `json:"mimeType,omitempty"`
	FilePath   string `json:"filePath,omitempty"`
	FileName   string `json:"fileName,omitempty"`
	StorageKey string `json:"storageKey,omitempty"`

	DegreesLatitude  *float64 `json:"degreesLatitude,omitempty"`
	DegreesLongitude *float64 `json:"degreesLongitude,omitempty"`
	Live             bool     `json:"live,omitempty"`
}

// Event returns the publishable form of m.
func (m *Message) Event() Event {
	ev := Event{
		Type:        m.Source,
		MessageType: m.Kind(),
		Content:     m.Content(),
		Contact:     m.Contact,
		Target:      m.Raw,
	}
	if !m.Timestamp.IsZero() {
		ev.Timestamp = m.Timestamp.Unix()
	}

	if media := m.Media(); media != nil {
		ev.MimeType = media.MimeType
		ev.FilePath = media.Path
		ev.FileName = media.FileName
		ev.StorageKey = media.StorageKey
	}

	if loc, ok := m.Variant.(*Location); ok {
		lat, lng := loc.Latitude, loc.Longitude
		ev.DegreesLatitude = &lat
		ev.DegreesLongitude = &lng
		ev.Live = loc.Live
	}

	return ev
}

func (m *Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Event())
}
