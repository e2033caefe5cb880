package bus

import (
	"context"
	"log/slog"
	"time"
)

// Observe logs every event until ctx is done or the bus closes.
func Observe(ctx context.Context, b *EventBus, log *slog.Logger) {
	if b == nil {
		return
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "bus.events")

	events, unsubscribe := b.SubscribeEvents(ctx, 64)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			logEvent(log, event)
		}
	}
}

func logEvent(log *slog.Logger, event Event) {
	attrs := []any{
		"event_type", event.Type,
		"chat_id", event.ChatID,
		"message_id", event.MessageID,
		"timestamp", event.At.UTC().Format(time.RFC3339Nano),
	}
	if event.State != "" {
		attrs = append(attrs, "state", event.State)
	}
	if event.Kind != "" {
		attrs = append(attrs, "kind", event.Kind)
	}
	if len(event.Payload) > 0 {
		attrs = append(attrs, "payload", event.Payload)
	}

	switch event.Type {
	case EventMessageFailed, EventSendFailed, EventSessionLoggedOut:
		log.Warn("Gateway event", append(attrs, "error", event.Error)...)
	case EventSessionState, EventSessionOpened, EventSendCompleted, EventMessagePublished:
		log.Info("Gateway event", attrs...)
	default:
		// Pairing codes carry secrets-adjacent data; keep them out of info logs.
		log.Debug("Gateway event", attrs...)
	}
}
