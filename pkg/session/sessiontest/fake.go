// Package sessiontest provides in-memory session fakes for tests.
package sessiontest

import (
	"context"
	"errors"
	"sync"

	"wabridge/pkg/session"
)

// SentText records one SendText call.
type SentText struct {
	To   string
	Text string
}

// SentReaction records one SendReaction call.
type SentReaction struct {
	To    string
	Key   session.MessageKey
	Emoji string
}

// SentPresence records one SetPresence call.
type SentPresence struct {
	To       string
	Presence session.Presence
}

// Conn is a scriptable session.Conn. Events are delivered synchronously by
// Emit once Listen was called.
type Conn struct {
	session.Emitter

	mu        sync.Mutex
	listening bool
	closed    bool

	Media       map[string][]byte
	MediaErr    error
	SendErr     error
	PresenceErr error
	ReactionErr error
	ReadErr     error

	texts     []SentText
	reactions []SentReaction
	presences []SentPresence
	reads     [][]session.MessageKey
	closes    int
}

var _ session.Conn = (*Conn)(nil)

func NewConn() *Conn {
	return &Conn{Media: map[string][]byte{}}
}

func (c *Conn) Listen() {
	c.mu.Lock()
	c.listening = true
	c.mu.Unlock()
}

// Listening reports whether Listen was called.
func (c *Conn) Listening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listening
}

func (c *Conn) DownloadMedia(_ context.Context, msg session.RawMessage) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, session.ErrClosed
	}
	if c.MediaErr != nil {
		return nil, c.MediaErr
	}
	data, ok := c.Media[msg.Key.ID]
	if !ok {
		return nil, errors.New("media not found")
	}
	return data, nil
}

func (c *Conn) SendText(_ context.Context, to string, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return session.ErrClosed
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	c.texts = append(c.texts, SentText{To: to, Text: text})
	return nil
}

func (c *Conn) SendReaction(_ context.Context, to string, key session.MessageKey, emoji string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return session.ErrClosed
	}
	if c.ReactionErr != nil {
		return c.ReactionErr
	}
	c.reactions = append(c.reactions, SentReaction{To: to, Key: key, Emoji: emoji})
	return nil
}

func (c *Conn) SetPresence(_ context.Context, to string, presence session.Presence) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return session.ErrClosed
	}
	if c.PresenceErr != nil {
		return c.PresenceErr
	}
	c.presences = append(c.presences, SentPresence{To: to, Presence: presence})
	return nil
}

func (c *Conn) MarkRead(_ context.Context, keys []session.MessageKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return session.ErrClosed
	}
	if c.ReadErr != nil {
		return c.ReadErr
	}
	c.reads = append(c.reads, append([]session.MessageKey(nil), keys...))
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	if c.closed {
		return session.ErrClosed
	}
	c.closed = true
	return nil
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Texts() []SentText {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SentText(nil), c.texts...)
}

func (c *Conn) Reactions() []SentReaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SentReaction(nil), c.reactions...)
}

func (c *Conn) Presences() []SentPresence {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SentPresence(nil), c.presences...)
}

func (c *Conn) Reads() [][]session.MessageKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]session.MessageKey(nil), c.reads...)
}

// Update emits a connection update.
func (c *Conn) Update(update session.ConnectionUpdate) {
	c.Emit(session.Event{Kind: session.EventConnectionUpdate, Connection: &update})
}

// Deliver emits a messages batch.
func (c *Conn) Deliver(messages ...session.RawMessage) {
	c.Emit(session.Event{Kind: session.EventMessages, Batch: &session.MessageBatch{Messages: messages, Type: "notify"}})
}

// RenewCredentials emits a credentials update.
func (c *Conn) RenewCredentials(creds session.Credentials) {
	c.Emit(session.Event{Kind: session.EventCredentialsUpdate, Credentials: &creds})
}

// Dialer hands out fresh Conns and records every handshake.
type Dialer struct {
	mu    sync.Mutex
	conns []*Conn
	creds []session.Credentials

	// Err, when set, fails every Dial.
	Err error
	// Dialed, when set, is notified after each successful Dial.
	Dialed chan *Conn
}

var _ session.Dialer = (*Dialer)(nil)

func (d *Dialer) Dial(ctx context.Context, creds session.Credentials) (session.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.creds = append(d.creds, creds)
	if d.Err != nil {
		err := d.Err
		d.mu.Unlock()
		return nil, err
	}
	conn := NewConn()
	d.conns = append(d.conns, conn)
	dialed := d.Dialed
	d.mu.Unlock()

	if dialed != nil {
		dialed <- conn
	}
	return conn, nil
}

// SetErr changes the Dial outcome.
func (d *Dialer) SetErr(err error) {
	d.mu.Lock()
	d.Err = err
	d.mu.Unlock()
}

// Dials returns the number of Dial calls, failed ones included.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.creds)
}

// Conns returns every successfully dialed Conn in order.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

// Last returns the most recent Conn, or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// Credentials returns the credentials passed to each Dial.
func (d *Dialer) Credentials() []session.Credentials {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]session.Credentials(nil), d.creds...)
}

// Provider returns a fixed Conn or error.
type Provider struct {
	Conn session.Conn
	Err  error
}

func (p Provider) Session(context.Context) (session.Conn, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	return p.Conn, nil
}
