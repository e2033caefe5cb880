// Package session defines the contract between the gateway and the chat
// protocol transport: the live connection handle, its events, and the raw
// payloads it delivers.
package session

import (
	"context"
	"errors"
)

// ErrClosed is returned by Conn operations after the connection was closed.
var ErrClosed = errors.New("session closed")

// Conn is one live, authenticated (or pairing) connection to the chat service.
//
// A Conn is never reused across reconnects; a new one is dialed instead.
type Conn interface {
	// On registers fn for events of kind and returns a handle that removes it.
	// Handlers may call the returned handle, and Close, from inside a handler.
	On(kind EventKind, fn func(Event)) (unsubscribe func())

	// Listen starts event delivery. It is called once, after the initial
	// handlers are registered, so no event emitted by the handshake is lost.
	Listen()

	// DownloadMedia fetches the binary payload referenced by msg. Transports
	// may request a media re-upload from the remote when the blob was purged.
	DownloadMedia(ctx context.Context, msg RawMessage) ([]byte, error)

	SendText(ctx context.Context, to string, text string) error
	SendReaction(ctx context.Context, to string, key MessageKey, emoji string) error
	SetPresence(ctx context.Context, to string, presence Presence) error
	MarkRead(ctx context.Context, keys []MessageKey) error

	// Close ends the connection without waiting for in-flight handlers.
	Close() error
}

// Dialer performs the transport handshake with the given credentials.
type Dialer interface {
	Dial(ctx context.Context, creds Credentials) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, creds Credentials) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, creds Credentials) (Conn, error) {
	return f(ctx, creds)
}

// Provider hands out the current live Conn, connecting first when needed.
type Provider interface {
	Session(ctx context.Context) (Conn, error)
}
