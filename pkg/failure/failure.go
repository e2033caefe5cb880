package failure

import (
	"errors"
	"fmt"
)

// Kind is a stable failure category shared by every gateway component.
type Kind string

const (
	KindAuthUnavailable     Kind = "auth_unavailable"
	KindTransientConnection Kind = "transient_connection_failure"
	KindLoggedOut           Kind = "logged_out"
	KindMalformedPayload    Kind = "malformed_payload"
	KindUnsupportedMessage  Kind = "unsupported_message"
	KindNoAutomatedReply    Kind = "no_automated_reply"
	KindMediaUnavailable    Kind = "media_unavailable"
	KindPublishFailure      Kind = "downstream_publish_failure"
	KindInternal            Kind = "internal"
)

// Error represents a categorized gateway failure.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	switch {
	case e.Detail != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches another *Error by kind so errors.Is(err, failure.New(kind, "")) works.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || other == nil {
		return false
	}
	return e.Kind == other.Kind
}

// New creates a categorized failure.
func New(kind Kind, detail string) error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap categorizes err. A nil err yields nil.
func Wrap(kind Kind, err error, detail string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// KindOf returns the category of err, or KindInternal for uncategorized errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var categorized *Error
	if errors.As(err, &categorized) {
		return categorized.Kind
	}

	return KindInternal
}

// IsKind reports whether err carries the given category anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Fatal reports whether a failure of this kind must end the process.
func (k Kind) Fatal() bool {
	return k == KindAuthUnavailable
}

// Replyable reports whether the original sender should receive the
// "unsupported message" apology for this kind.
func (k Kind) Replyable() bool {
	switch k {
	case KindMalformedPayload, KindUnsupportedMessage, KindNoAutomatedReply:
		return true
	default:
		return false
	}
}
