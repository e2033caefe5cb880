package session

import (
	"encoding/json"
	"strings"
)

const (
	groupSuffix       = "@g.us"
	StatusBroadcastID = "status@broadcast"
)

// Credentials is the long-lived authentication material of the session.
//
// State is opaque to the gateway; only the transport interprets it.
type Credentials struct {
	Registered bool            `json:"registered"`
	Account    string          `json:"account,omitempty"`
	State      json.RawMessage `json:"state,omitempty"`
}

// IsZero reports whether no authentication material is present yet.
func (c Credentials) IsZero() bool {
	return !c.Registered && c.Account == "" && len(c.State) == 0
}

// MessageKey identifies one message within one chat.
type MessageKey struct {
	ID          string `json:"id"`
	RemoteJID   string `json:"remoteJid"`
	FromMe      bool   `json:"fromMe"`
	Participant string `json:"participant,omitempty"`
}

// IsGroup reports whether the key belongs to a group chat.
func (k MessageKey) IsGroup() bool {
	return strings.HasSuffix(k.RemoteJID, groupSuffix)
}

// RawMessage is one chat event exactly as the transport delivered it.
type RawMessage struct {
	Key             MessageKey      `json:"key"`
	PushName        string          `json:"pushName,omitempty"`
	VerifiedBizName string          `json:"verifiedBizName,omitempty"`
	Timestamp       int64           `json:"messageTimestamp,omitempty"`
	Message         *MessageContent `json:"message,omitempty"`
}

// MessageContent carries at most one populated sub-message per known type.
type MessageContent struct {
	Conversation        *string                    `json:"conversation,omitempty"`
	ExtendedText        *ExtendedTextMessage       `json:"extendedTextMessage,omitempty"`
	Image               *MediaMessage              `json:"imageMessage,omitempty"`
	Video               *MediaMessage              `json:"videoMessage,omitempty"`
	Audio               *MediaMessage              `json:"audioMessage,omitempty"`
	Document            *MediaMessage              `json:"documentMessage,omitempty"`
	DocumentWithCaption *FutureProofMessage        `json:"documentWithCaptionMessage,omitempty"`
	Location            *LocationMessage           `json:"locationMessage,omitempty"`
	LiveLocation        *LocationMessage           `json:"liveLocationMessage,omitempty"`
	Extra               map[string]json.RawMessage `json:"-"`
}

// ExtendedTextMessage is text with formatting, quotes or link previews.
type ExtendedTextMessage struct {
	Text        string `json:"text"`
	MatchedText string `json:"matchedText,omitempty"`
	Title       string `json:"title,omitempty"`
}

// MediaMessage describes one downloadable attachment.
type MediaMessage struct {
	Mimetype      string `json:"mimetype,omitempty"`
	Caption       string `json:"caption,omitempty"`
	FileName      string `json:"fileName,omitempty"`
	URL           string `json:"url,omitempty"`
	DirectPath    string `json:"directPath,omitempty"`
	MediaKey      []byte `json:"mediaKey,omitempty"`
	FileSHA256    []byte `json:"fileSha256,omitempty"`
	FileEncSHA256 []byte `json:"fileEncSha256,omitempty"`
	FileLength    uint64 `json:"fileLength,omitempty"`
	Seconds       uint32 `json:"seconds,omitempty"`
	PTT           bool   `json:"ptt,omitempty"`
	// FileID is a transport-local reference used instead of URL/MediaKey.
	FileID string `json:"fileId,omitempty"`
}

// FutureProofMessage wraps a nested message, as used for captioned documents.
type FutureProofMessage struct {
	Message *MessageContent `json:"message,omitempty"`
}

// LocationMessage is a static or live location share.
type LocationMessage struct {
	DegreesLatitude  *float64 `json:"degreesLatitude,omitempty"`
	DegreesLongitude *float64 `json:"degreesLongitude,omitempty"`
	Name             string   `json:"name,omitempty"`
	Address          string   `json:"address,omitempty"`
	Caption          string   `json:"caption,omitempty"`
}

// knownContentFields lists the JSON names decoded into typed fields.
var knownContentFields = map[string]struct{}{
	"conversation":               {},
	"extendedTextMessage":        {},
	"imageMessage":               {},
	"videoMessage":               {},
	"audioMessage":               {},
	"documentMessage":            {},
	"documentWithCaptionMessage": {},
	"locationMessage":            {},
	"liveLocationMessage":        {},
}

type messageContentAlias MessageContent

// UnmarshalJSON decodes the typed fields and keeps every other field in Extra
// so unrecognized message types survive a round trip to the queue.
func (m *MessageContent) UnmarshalJSON(data []byte) error {
	var typed messageContentAlias
	if err := json.Unmarshal(data, &typed); err != nil {
		return err
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}

	for name, raw := range all {
		if _, ok := knownContentFields[name]; ok {
			continue
		}
		if string(raw) == "null" {
			continue
		}
		if typed.Extra == nil {
			typed.Extra = make(map[string]json.RawMessage)
		}
		typed.Extra[name] = raw
	}

	*m = MessageContent(typed)
	return nil
}

// MarshalJSON writes the typed fields followed by the preserved extras.
func (m MessageContent) MarshalJSON() ([]byte, error) {
	typed, err := json.Marshal(messageContentAlias(m))
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return typed, nil
	}

	merged := make(map[string]json.RawMessage, len(m.Extra)+4)
	if err := json.Unmarshal(typed, &merged); err != nil {
		return nil, err
	}
	for name, raw := range m.Extra {
		if _, exists := merged[name]; !exists {
			merged[name] = raw
		}
	}

	return json.Marshal(merged)
}
