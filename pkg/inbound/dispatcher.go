// Package inbound processes message batches delivered by the live session:
// it classifies each item, archives media, persists a record, publishes the
// canonical event and answers the sender when an item cannot be handled.
package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"wabridge/pkg/bus"
	"wabridge/pkg/failure"
	"wabridge/pkg/message"
	"wabridge/pkg/queue"
	"wabridge/pkg/record"
	"wabridge/pkg/session"
)

// DefaultRoutingKey is the pattern every canonical message is published under.
const DefaultRoutingKey = "whatsapp.received.message"

// Extractor archives the attachment of a media message.
type Extractor interface {
	Extract(ctx context.Context, msg *message.Message) error
}

// Replies are the fixed texts sent back to a sender.
type Replies struct {
	// Unsupported answers items that cannot be classified or have no usable content.
	Unsupported string
	// Failure answers items whose media could not be fetched or stored.
	Failure string
}

// Options configures a Dispatcher.
type Options struct {
	Sessions   session.Provider
	Records    record.Store
	Media      Extractor
	Publisher  queue.Publisher
	RoutingKey string
	Replies    Replies
	Events     *bus.EventBus
	Logger     *slog.Logger
}

// Dispatcher is the inbound dispatch loop. Batches are queued by Enqueue
// and processed one at a time by Run, in arrival order.
type Dispatcher struct {
	sessions   session.Provider
	records    record.Store
	media      Extractor
	publisher  queue.Publisher
	routingKey string
	replies    Replies
	events     *bus.EventBus
	log        *slog.Logger

	mu      sync.Mutex
	pending []session.MessageBatch
	wake    chan struct{}
}

func New(opts Options) (*Dispatcher, error) {
	if opts.Sessions == nil {
		return nil, errors.New("session provider is required")
	}
	if opts.Records == nil {
		return nil, errors.New("record store is required")
	}
	if opts.Media == nil {
		return nil, errors.New("media extractor is required")
	}
	if opts.Publisher == nil {
		return nil, errors.New("publisher is required")
	}

	routingKey := strings.TrimSpace(opts.RoutingKey)
	if routingKey == "" {
		routingKey = DefaultRoutingKey
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Dispatcher{
		sessions:   opts.Sessions,
		records:    opts.Records,
		media:      opts.Media,
		publisher:  opts.Publisher,
		routingKey: routingKey,
		replies:    opts.Replies,
		events:     opts.Events,
		log:        log.With("component", "inbound.dispatcher"),
		wake:       make(chan struct{}, 1),
	}, nil
}

// Enqueue queues batch for Run without blocking the caller.
func (d *Dispatcher) Enqueue(batch session.MessageBatch) {
	if len(batch.Messages) == 0 {
		return
	}

	d.mu.Lock()
	d.pending = append(d.pending, batch)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued batches.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Run processes queued batches until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("Inbound dispatcher started", "routing_key", d.routingKey)
	defer d.log.Info("Inbound dispatcher stopped")

	for {
		if batch, ok := d.next(); ok {
			d.Dispatch(ctx, batch)
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-d.wake:
		}
	}
}

func (d *Dispatcher) next() (session.MessageBatch, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.pending) == 0 {
		return session.MessageBatch{}, false
	}
	batch := d.pending[0]
	d.pending[0] = session.MessageBatch{}
	d.pending = d.pending[1:]
	return batch, true
}

// Dispatch processes one batch in order. A failing item never stops the
// items after it, and nothing is returned to the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, batch session.MessageBatch) {
	items := make([]session.RawMessage, 0, len(batch.Messages))
	for _, raw := range batch.Messages {
		if raw.Key.RemoteJID == session.StatusBroadcastID {
			d.log.Debug("Skipping status broadcast", "message_id", raw.Key.ID)
			continue
		}
		items = append(items, raw)
	}
	if len(items) == 0 {
		return
	}

	keys := make([]session.MessageKey, 0, len(items))
	for _, raw := range items {
		keys = append(keys, raw.Key)
	}
	d.markRead(ctx, keys)

	for _, raw := range items {
		if err := d.process(ctx, raw); err != nil {
			d.handleFailure(ctx, raw, err)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, raw session.RawMessage) error {
	startedAt := time.Now()

	contact := message.ContactFromKey(raw)
	if contact.ID == "" {
		return failure.New(failure.KindMalformedPayload, "message has no chat id")
	}

	stored, err := record.FindOrCreateContact(ctx, d.records, record.Contact{
		ExternalID: contact.ID,
		Name:       contact.Name,
		Number:     contact.Number,
		IsGroup:    contact.IsGroup,
		FromMe:     contact.FromMe,
	})
	if err != nil {
		return fmt.Errorf("find or create contact: %w", err)
	}

	msg, err := message.Classify(raw)
	if err != nil {
		return err
	}

	if err := unsupported(msg); err != nil {
		return err
	}

	if msg.Media() != nil {
		if err := d.media.Extract(ctx, msg); err != nil {
			return err
		}
	}

	d.persist(ctx, stored, msg)

	if err := d.publisher.Publish(ctx, d.routingKey, msg.Event()); err != nil {
		return failure.Wrap(failure.KindPublishFailure, err, d.routingKey)
	}

	d.markRead(ctx, []session.MessageKey{raw.Key})

	d.log.Info("Message published",
		"message_id", raw.Key.ID,
		"kind", msg.Kind(),
		"source", msg.Source,
		"duration_ms", time.Since(startedAt).Milliseconds(),
	)
	d.events.PublishEvent(ctx, bus.Event{
		Type:      bus.EventMessagePublished,
		ChatID:    raw.Key.RemoteJID,
		MessageID: raw.Key.ID,
		Kind:      string(msg.Kind()),
	})
	return nil
}

// unsupported rejects Unknown messages. A text field that is present but
// empty is reported separately from a payload with no known field at all.
func unsupported(msg *message.Message) error {
	unknown, ok := msg.Variant.(*message.Unknown)
	if !ok {
		return nil
	}

	if content := msg.Raw.Message; content != nil && (content.Conversation != nil || content.ExtendedText != nil) {
		return failure.New(failure.KindNoAutomatedReply, "text message without content")
	}

	detail := "no recognized content"
	if len(unknown.Fields) > 0 {
		detail = "unsupported message type: " + strings.Join(unknown.Fields, ",")
	}
	return failure.New(failure.KindUnsupportedMessage, detail)
}

// persist stores the message trace; a record store failure does not stop
// the publish.
func (d *Dispatcher) persist(ctx context.Context, contact record.Contact, msg *message.Message) {
	rec := record.Message{
		ContactID: contact.ID,
		Timestamp: msg.Timestamp,
		Type:      string(msg.Source),
		Kind:      string(msg.Kind()),
		Content:   msg.Content(),
	}
	if media := msg.Media(); media != nil {
		rec.Location = media.StorageKey
		rec.MimeType = media.MimeType
	}
	if target, err := json.Marshal(msg.Raw); err == nil {
		rec.Target = target
	}

	if _, err := d.records.CreateMessage(ctx, rec); err != nil {
		d.log.Error("Failed to persist message", "message_id", msg.Key().ID, "error", err)
	}
}

func (d *Dispatcher) handleFailure(ctx context.Context, raw session.RawMessage, err error) {
	kind := failure.KindOf(err)
	log := d.log.With("message_id", raw.Key.ID, "kind", kind)

	switch {
	case kind.Replyable():
		log.Warn("Message not supported", "error", err)
		d.reply(ctx, raw, d.replies.Unsupported)
	case kind == failure.KindMediaUnavailable:
		log.Error("Media unavailable", "error", err)
		d.reply(ctx, raw, d.replies.Failure)
	default:
		log.Error("Failed to process message", "error", err)
	}

	d.events.PublishEvent(ctx, bus.Event{
		Type:      bus.EventMessageFailed,
		ChatID:    raw.Key.RemoteJID,
		MessageID: raw.Key.ID,
		Kind:      string(kind),
		Error:     err.Error(),
	})
}

// reply sends text to the chat of raw. Own messages are never answered.
func (d *Dispatcher) reply(ctx context.Context, raw session.RawMessage, text string) {
	to := raw.Key.RemoteJID
	if strings.TrimSpace(text) == "" || to == "" || raw.Key.FromMe {
		return
	}

	conn, err := d.sessions.Session(ctx)
	if err != nil {
		d.log.Error("Failed to send reply", "message_id", raw.Key.ID, "error", err)
		return
	}
	if err := conn.SendText(ctx, to, text); err != nil {
		d.log.Error("Failed to send reply", "message_id", raw.Key.ID, "error", err)
	}
}

// markRead sends read receipts; failures are logged.
func (d *Dispatcher) markRead(ctx context.Context, keys []session.MessageKey) {
	conn, err := d.sessions.Session(ctx)
	if err != nil {
		d.log.Warn("Failed to mark messages read", "count", len(keys), "error", err)
		return
	}
	if err := conn.MarkRead(ctx, keys); err != nil {
		d.log.Warn("Failed to mark messages read", "count", len(keys), "error", err)
	}
}
