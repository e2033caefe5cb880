package outbound

import (
	"encoding/json"
	"strings"

	"wabridge/pkg/failure"
	"wabridge/pkg/session"
)

// Routing patterns accepted on the send queue.
const (
	PatternSendMessage  = "whatsapp.send.message"
	PatternSendPresence = "whatsapp.send.presence"
	PatternSendRead     = "whatsapp.send.read"
	PatternSendReaction = "whatsapp.send.reaction"
)

var emojiShortcodes = map[string]string{
	":like:":     "👍",
	":thinking:": "🤔",
	":cool:":     "😎",
	":check:":    "✔️",
	":eyes:":     "👀",
	":thanks:":   "🙏",
	":smile:":    "😊",
}

// ContactRef is the contact shape produced by the inbound event, so a
// received message can be answered by echoing its contact back.
type ContactRef struct {
	ID string `json:"id"`
}

// Request is one send instruction. Which fields are used depends on the
// delivery pattern.
type Request struct {
	To       string               `json:"to,omitempty"`
	Contact  *ContactRef          `json:"contact,omitempty"`
	Content  string               `json:"content,omitempty"`
	Presence session.Presence     `json:"presence,omitempty"`
	Keys     []session.MessageKey `json:"keys,omitempty"`
	Key      *session.MessageKey  `json:"key,omitempty"`
	Emoji    string               `json:"emoji,omitempty"`
}

// Recipient returns the chat id, preferring To over Contact.ID.
func (r Request) Recipient() string {
	if to := strings.TrimSpace(r.To); to != "" {
		return to
	}
	if r.Contact != nil {
		return strings.TrimSpace(r.Contact.ID)
	}
	return ""
}

// Emoji translates a reaction shortcode. Anything else is sent as is.
func Emoji(code string) string {
	if emoji, ok := emojiShortcodes[strings.TrimSpace(code)]; ok {
		return emoji
	}
	return code
}

func decodeRequest(data json.RawMessage) (Request, error) {
	var req Request
	if len(data) == 0 {
		return req, failure.New(failure.KindMalformedPayload, "empty send request")
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, failure.Wrap(failure.KindMalformedPayload, err, "decode send request")
	}
	return req, nil
}

// Validate checks the fields pattern needs.
func (r Request) Validate(pattern string) error {
	switch pattern {
	case PatternSendMessage:
		if r.Recipient() == "" {
			return failure.New(failure.KindMalformedPayload, "recipient is required")
		}
		if strings.TrimSpace(r.Content) == "" {
			return failure.New(failure.KindMalformedPayload, "content is required")
		}
	case PatternSendPresence:
		if r.Recipient() == "" {
			return failure.New(failure.KindMalformedPayload, "recipient is required")
		}
		if !r.Presence.Valid() {
			return failure.New(failure.KindMalformedPayload, "unknown presence "+string(r.Presence))
		}
	case PatternSendRead:
		if len(r.Keys) == 0 {
			return failure.New(failure.KindMalformedPayload, "keys are required")
		}
	case PatternSendReaction:
		if r.Key == nil || r.Key.ID == "" {
			return failure.New(failure.KindMalformedPayload, "message key is required")
		}
		if r.Recipient() == "" && r.Key.RemoteJID == "" {
			return failure.New(failure.KindMalformedPayload, "recipient is required")
		}
	default:
		return failure.New(failure.KindMalformedPayload, "unknown pattern "+pattern)
	}
	return nil
}
