package bus

import (
	"context"
	"sync"
	"time"
)

type EventType string

const (
	EventSessionState     EventType = "session_state"
	EventSessionOpened    EventType = "session_opened"
	EventSessionLoggedOut EventType = "session_logged_out"
	EventPairingCode      EventType = "pairing_code"
	EventMessagePublished EventType = "message_published"
	EventMessageFailed    EventType = "message_failed"
	EventSendCompleted    EventType = "send_completed"
	EventSendFailed       EventType = "send_failed"
)

type Event struct {
	Type      EventType         `json:"type"`
	At        time.Time         `json:"at"`
	State     string            `json:"state,omitempty"`
	ChatID    string            `json:"chat_id,omitempty"`
	MessageID string            `json:"message_id,omitempty"`
	Kind      string            `json:"kind,omitempty"`
	Code      string            `json:"code,omitempty"`
	Payload   map[string]string `json:"payload,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// PublishEvent delivers event to every subscriber without blocking.
//
// A nil bus is valid and drops everything, so components can run without observers.
func (b *EventBus) PublishEvent(ctx context.Context, event Event) bool {
	if b == nil {
		return false
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	select {
	case <-ctx.Done():
		return false
	case <-b.done:
		return false
	default:
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Drop instead of blocking the publisher on slow subscribers.
		}
	}

	return true
}

func (b *EventBus) SubscribeEvents(ctx context.Context, buffer int) (<-chan Event, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	ch := make(chan Event, buffer)

	b.mu.Lock()
	select {
	case <-b.done:
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}

	id := b.nextSubscriberID
	b.nextSubscriberID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			if eventCh, ok := b.subscribers[id]; ok {
				delete(b.subscribers, id)
				close(eventCh)
			}
			b.mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-b.done:
			unsubscribe()
		}
	}()

	return ch, unsubscribe
}
