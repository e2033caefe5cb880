package session

// EventKind names the session events a Conn emits.
type EventKind string

const (
	EventCredentialsUpdate EventKind = "creds.update"
	EventConnectionUpdate  EventKind = "connection.update"
	EventMessages          EventKind = "messages.upsert"
)

// ConnectionState is the transport-level state reported by connection updates.
type ConnectionState string

const (
	ConnectionConnecting ConnectionState = "connecting"
	ConnectionOpen       ConnectionState = "open"
	ConnectionClose      ConnectionState = "close"
)

// CloseReason explains why the remote closed the connection.
type CloseReason string

const (
	CloseConnectionClosed    CloseReason = "connection_closed"
	CloseConnectionLost      CloseReason = "connection_lost"
	CloseConnectionReplaced  CloseReason = "connection_replaced"
	CloseLoggedOut           CloseReason = "logged_out"
	CloseBadSession          CloseReason = "bad_session"
	CloseRestartRequired     CloseReason = "restart_required"
	CloseMultideviceMismatch CloseReason = "multidevice_mismatch"
	CloseUnknown             CloseReason = "unknown"
)

// CloseReasonFromStatus maps the protocol disconnect status codes to reasons.
func CloseReasonFromStatus(code int) CloseReason {
	switch code {
	case 401:
		return CloseLoggedOut
	case 408:
		return CloseConnectionLost
	case 411:
		return CloseMultideviceMismatch
	case 428:
		return CloseConnectionClosed
	case 440:
		return CloseConnectionReplaced
	case 500:
		return CloseBadSession
	case 515:
		return CloseRestartRequired
	case 0:
		return CloseConnectionClosed
	default:
		return CloseUnknown
	}
}

// ConnectionUpdate is the payload of EventConnectionUpdate.
type ConnectionUpdate struct {
	State       ConnectionState `json:"connection,omitempty"`
	CloseReason CloseReason     `json:"closeReason,omitempty"`
	QR          string          `json:"qr,omitempty"`
	Err         string          `json:"error,omitempty"`
}

// MessageBatch is the payload of EventMessages.
type MessageBatch struct {
	Messages []RawMessage `json:"messages"`
	Type     string       `json:"type,omitempty"`
}

// Event is one session event. Exactly one payload matches Kind.
type Event struct {
	Kind        EventKind
	Credentials *Credentials
	Connection  *ConnectionUpdate
	Batch       *MessageBatch
}

// Presence is a chat presence state.
type Presence string

const (
	PresenceAvailable   Presence = "available"
	PresenceUnavailable Presence = "unavailable"
	PresenceComposing   Presence = "composing"
	PresenceRecording   Presence = "recording"
	PresencePaused      Presence = "paused"
)

// Valid reports whether p is one of the known presence states.
func (p Presence) Valid() bool {
	switch p {
	case PresenceAvailable, PresenceUnavailable, PresenceComposing, PresenceRecording, PresencePaused:
		return true
	default:
		return false
	}
}
