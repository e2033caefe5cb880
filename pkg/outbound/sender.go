// Package outbound replays send requests consumed from the queue onto the
// live session.
package outbound

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"wabridge/pkg/bus"
	"wabridge/pkg/failure"
	"wabridge/pkg/queue"
	"wabridge/pkg/session"
)

const (
	defaultPrefetch       = 1
	defaultResubscribeGap = 2 * time.Second
)

// Options configures a Sender.
type Options struct {
	Sessions session.Provider
	Consumer queue.Consumer
	Queue    string
	Prefetch int
	// RequeueOnFailure nacks failed deliveries with requeue. Malformed
	// requests are never requeued.
	RequeueOnFailure bool
	// ResubscribeDelay is the pause before consuming again after the
	// delivery channel closed.
	ResubscribeDelay time.Duration
	Events           *bus.EventBus
	Logger           *slog.Logger
}

// Sender consumes the send queue and acknowledges each delivery once the
// session operation completed.
type Sender struct {
	sessions    session.Provider
	consumer    queue.Consumer
	queue       string
	prefetch    int
	requeue     bool
	resubscribe time.Duration
	events      *bus.EventBus
	log         *slog.Logger
}

func New(opts Options) (*Sender, error) {
	if opts.Sessions == nil {
		return nil, errors.New("session provider is required")
	}
	if opts.Consumer == nil {
		return nil, errors.New("consumer is required")
	}
	name := strings.TrimSpace(opts.Queue)
	if name == "" {
		return nil, errors.New("queue name is required")
	}

	prefetch := opts.Prefetch
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}
	resubscribe := opts.ResubscribeDelay
	if resubscribe <= 0 {
		resubscribe = defaultResubscribeGap
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Sender{
		sessions:    opts.Sessions,
		consumer:    opts.Consumer,
		queue:       name,
		prefetch:    prefetch,
		requeue:     opts.RequeueOnFailure,
		resubscribe: resubscribe,
		events:      opts.Events,
		log:         log.With("component", "outbound.sender", "queue", name),
	}, nil
}

// Run consumes until ctx ends. A closed delivery channel or a failed
// subscription is retried after the resubscribe delay.
func (s *Sender) Run(ctx context.Context) error {
	s.log.Info("Outbound sender started", "prefetch", s.prefetch)
	defer s.log.Info("Outbound sender stopped")

	for {
		deliveries, err := s.consumer.Consume(ctx, s.queue, s.prefetch)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Error("Failed to consume send queue", "error", err)
		} else {
			for d := range deliveries {
				s.Handle(ctx, d)
			}
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("Send queue subscription closed")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.resubscribe):
		}
	}
}

// Handle executes one delivery and settles it.
func (s *Sender) Handle(ctx context.Context, d queue.Delivery) {
	startedAt := time.Now()
	pattern := d.Pattern
	if pattern == "" {
		pattern = PatternSendMessage
	}
	log := s.log.With("delivery_id", d.ID, "pattern", pattern)

	req, err := decodeRequest(d.Data)
	if err == nil {
		err = req.Validate(pattern)
	}
	if err == nil {
		err = s.execute(ctx, pattern, req)
	}

	if err != nil {
		requeue := s.requeue && failure.KindOf(err) != failure.KindMalformedPayload
		log.Error("Send request failed", "requeue", requeue, "error", err)
		if nackErr := d.Nack(requeue); nackErr != nil {
			log.Error("Failed to nack delivery", "error", nackErr)
		}
		s.events.PublishEvent(ctx, bus.Event{
			Type:      bus.EventSendFailed,
			ChatID:    req.Recipient(),
			MessageID: d.ID,
			Kind:      string(failure.KindOf(err)),
			Error:     err.Error(),
		})
		return
	}

	if ackErr := d.Ack(); ackErr != nil {
		log.Error("Failed to ack delivery", "error", ackErr)
	}
	log.Info("Send request completed", "duration_ms", time.Since(startedAt).Milliseconds())
	s.events.PublishEvent(ctx, bus.Event{
		Type:      bus.EventSendCompleted,
		ChatID:    req.Recipient(),
		MessageID: d.ID,
		Payload:   map[string]string{"pattern": pattern},
	})
}

func (s *Sender) execute(ctx context.Context, pattern string, req Request) error {
	conn, err := s.sessions.Session(ctx)
	if err != nil {
		return err
	}

	switch pattern {
	case PatternSendMessage:
		return conn.SendText(ctx, req.Recipient(), req.Content)
	case PatternSendPresence:
		return conn.SetPresence(ctx, req.Recipient(), req.Presence)
	case PatternSendRead:
		return conn.MarkRead(ctx, req.Keys)
	case PatternSendReaction:
		to := req.Recipient()
		if to == "" {
			to = req.Key.RemoteJID
		}
		return conn.SendReaction(ctx, to, *req.Key, Emoji(req.Emoji))
	}
	return failure.New(failure.KindMalformedPayload, "unknown pattern "+pattern)
}
