package queue

import (
	"context"
	"encoding/json"
	"sync"
)

// Published is one message recorded by Memory.
type Published struct {
	Pattern string
	Body    []byte
}

// Outcome records how a Memory delivery was settled.
type Outcome struct {
	ID      string
	Acked   bool
	Requeue bool
}

// Memory is an in-process broker for development and tests. Published
// messages are recorded; deliveries are injected with Deliver.
type Memory struct {
	mu        sync.Mutex
	published []Published
	outcomes  []Outcome
	queues    map[string]chan Delivery
	closed    bool

	// PublishErr, when set, fails every Publish.
	PublishErr error
}

var (
	_ Publisher = (*Memory)(nil)
	_ Consumer  = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{queues: make(map[string]chan Delivery)}
}

func (m *Memory) Publish(ctx context.Context, pattern string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := Encode(pattern, payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.published = append(m.published, Published{Pattern: pattern, Body: body})
	return nil
}

// Published returns every published message in order.
func (m *Memory) Published() []Published {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Published(nil), m.published...)
}

func (m *Memory) Consume(ctx context.Context, queue string, _ int) (<-chan Delivery, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	in := m.queueLocked(queue)
	m.mu.Unlock()

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d := <-in:
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Deliver enqueues a message on queue and blocks until a consumer takes it
// or ctx ends.
func (m *Memory) Deliver(ctx context.Context, queue, id, pattern string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}

	delivery := Delivery{
		ID:      id,
		Pattern: pattern,
		Data:    raw,
		Ack: func() error {
			m.settle(Outcome{ID: id, Acked: true})
			return nil
		},
		Nack: func(requeue bool) error {
			m.settle(Outcome{ID: id, Requeue: requeue})
			return nil
		},
	}

	m.mu.Lock()
	ch := m.queueLocked(queue)
	m.mu.Unlock()

	select {
	case ch <- delivery:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) queueLocked(queue string) chan Delivery {
	ch, ok := m.queues[queue]
	if !ok {
		ch = make(chan Delivery)
		m.queues[queue] = ch
	}
	return ch
}

func (m *Memory) settle(o Outcome) {
	m.mu.Lock()
	m.outcomes = append(m.outcomes, o)
	m.mu.Unlock()
}

// Outcomes returns how deliveries were settled, in order.
func (m *Memory) Outcomes() []Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Outcome(nil), m.outcomes...)
}

// Close rejects further publishes and consumes.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
