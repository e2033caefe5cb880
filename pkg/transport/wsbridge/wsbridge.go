// Package wsbridge is a session transport that talks to a protocol bridge
// process over a websocket. The bridge owns the chat protocol; this side
// exchanges JSON frames with it:
//
//	request   {"id": "...", "method": "sendText", "params": {...}}
//	response  {"id": "...", "result": {...}} or {"id": "...", "error": {"message": "..."}}
//	event     {"event": "connection.update", "data": {...}}
package wsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"wabridge/pkg/session"
)

const (
	methodInit          = "init"
	methodSendText      = "sendText"
	methodSendReaction  = "sendReaction"
	methodSetPresence   = "setPresence"
	methodReadMessages  = "readMessages"
	methodDownloadMedia = "downloadMedia"

	eventBuffer  = 256
	writeTimeout = 10 * time.Second
)

// Config configures the bridge endpoint.
type Config struct {
	URL     string
	Headers map[string]string
}

// Dialer opens one websocket per handshake.
type Dialer struct {
	url     string
	headers http.Header
	ws      *websocket.Dialer
	log     *slog.Logger
}

var _ session.Dialer = (*Dialer)(nil)

func NewDialer(cfg Config, logger *slog.Logger) (*Dialer, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("bridge url is required")
	}
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		return nil, fmt.Errorf("bridge url %q must use ws:// or wss://", url)
	}

	headers := http.Header{}
	for k, v := range cfg.Headers {
		headers.Set(k, v)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Dialer{
		url:     url,
		headers: headers,
		ws:      websocket.DefaultDialer,
		log:     logger.With("component", "transport.wsbridge"),
	}, nil
}

// Dial connects and performs the init handshake with creds. Events the
// bridge sends before Listen are held until Listen is called.
func (d *Dialer) Dial(ctx context.Context, creds session.Credentials) (session.Conn, error) {
	ws, resp, err := d.ws.DialContext(ctx, d.url, d.headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial bridge: %w", err)
	}

	c := newConn(ws, d.log)
	go c.readLoop()

	if err := c.call(ctx, methodInit, initParams{Credentials: creds}, nil); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("bridge handshake: %w", err)
	}

	d.log.Debug("Bridge handshake completed", "registered", creds.Registered)
	return c, nil
}

type initParams struct {
	Credentials session.Credentials `json:"credentials"`
}

type frame struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params any             `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *frameError     `json:"error,omitempty"`
	Event  string          `json:"event,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type frameError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

// connectionUpdate is the bridge form of a connection update; the close
// reason arrives as the protocol status code.
type connectionUpdate struct {
	Connection session.ConnectionState `json:"connection,omitempty"`
	StatusCode *int                    `json:"statusCode,omitempty"`
	QR         string                  `json:"qr,omitempty"`
	Error      string                  `json:"error,omitempty"`
}

// Conn is one bridge session.
type Conn struct {
	session.Emitter

	ws  *websocket.Conn
	log *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan frame
	closed  bool

	listenOnce sync.Once
	events     chan session.Event
	done       chan struct{}
}

var _ session.Conn = (*Conn)(nil)

func newConn(ws *websocket.Conn, log *slog.Logger) *Conn {
	return &Conn{
		ws:      ws,
		log:     log,
		pending: make(map[string]chan frame),
		events:  make(chan session.Event, eventBuffer),
		done:    make(chan struct{}),
	}
}

func (c *Conn) Listen() {
	c.listenOnce.Do(func() {
		go c.deliver()
	})
}

func (c *Conn) deliver() {
	for {
		select {
		case ev := <-c.events:
			c.Emit(ev)
		case <-c.done:
			return
		}
	}
}

func (c *Conn) readLoop() {
	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			c.lost(err)
			return
		}

		switch {
		case f.Event != "":
			ev, err := decodeEvent(f)
			if err != nil {
				c.log.Warn("Dropping malformed bridge event", "event", f.Event, "error", err)
				continue
			}
			select {
			case c.events <- ev:
			case <-c.done:
				return
			}
		case f.ID != "":
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if ok {
				ch <- f
			}
		}
	}
}

// lost reports an unexpected socket failure as a connection close.
func (c *Conn) lost(err error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	c.log.Warn("Bridge connection lost", "error", err)
	update := session.ConnectionUpdate{
		State:       session.ConnectionClose,
		CloseReason: session.CloseConnectionLost,
		Err:         err.Error(),
	}
	select {
	case c.events <- session.Event{Kind: session.EventConnectionUpdate, Connection: &update}:
	case <-c.done:
	}
}

func decodeEvent(f frame) (session.Event, error) {
	switch session.EventKind(f.Event) {
	case session.EventCredentialsUpdate:
		var creds session.Credentials
		if err := json.Unmarshal(f.Data, &creds); err != nil {
			return session.Event{}, err
		}
		return session.Event{Kind: session.EventCredentialsUpdate, Credentials: &creds}, nil
	case session.EventConnectionUpdate:
		var raw connectionUpdate
		if err := json.Unmarshal(f.Data, &raw); err != nil {
			return session.Event{}, err
		}
		update := session.ConnectionUpdate{State: raw.Connection, QR: raw.QR, Err: raw.Error}
		if raw.Connection == session.ConnectionClose {
			code := 0
			if raw.StatusCode != nil {
				code = *raw.StatusCode
			}
			update.CloseReason = session.CloseReasonFromStatus(code)
		}
		return session.Event{Kind: session.EventConnectionUpdate, Connection: &update}, nil
	case session.EventMessages:
		var batch session.MessageBatch
		if err := json.Unmarshal(f.Data, &batch); err != nil {
			return session.Event{}, err
		}
		return session.Event{Kind: session.EventMessages, Batch: &batch}, nil
	default:
		return session.Event{}, fmt.Errorf("unknown event %q", f.Event)
	}
}

func (c *Conn) call(ctx context.Context, method string, params any, out any) error {
	id := uuid.NewString()
	ch := make(chan frame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return session.ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(frame{ID: id, Method: method, Params: params}); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return session.ErrClosed
	case resp := <-ch:
		if resp.Error != nil {
			return fmt.Errorf("%s: bridge error: %s", method, resp.Error.Message)
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("%s: decode result: %w", method, err)
			}
		}
		return nil
	}
}

func (c *Conn) write(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(f)
}

func (c *Conn) DownloadMedia(ctx context.Context, msg session.RawMessage) ([]byte, error) {
	var result struct {
		Data []byte `json:"data"`
	}
	if err := c.call(ctx, methodDownloadMedia, map[string]any{"message": msg}, &result); err != nil {
		return nil, err
	}
	return result.Data, nil
}

func (c *Conn) SendText(ctx context.Context, to string, text string) error {
	return c.call(ctx, methodSendText, map[string]any{"to": to, "text": text}, nil)
}

func (c *Conn) SendReaction(ctx context.Context, to string, key session.MessageKey, emoji string) error {
	return c.call(ctx, methodSendReaction, map[string]any{"to": to, "key": key, "emoji": emoji}, nil)
}

func (c *Conn) SetPresence(ctx context.Context, to string, presence session.Presence) error {
	return c.call(ctx, methodSetPresence, map[string]any{"to": to, "presence": presence}, nil)
}

func (c *Conn) MarkRead(ctx context.Context, keys []session.MessageKey) error {
	return c.call(ctx, methodReadMessages, map[string]any{"keys": keys}, nil)
}

// Close drops the socket. It does not wait for the read loop, so it is
// safe to call from an event handler.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return session.ErrClosed
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))

	return c.ws.Close()
}
