// Package rabbitmq implements the queue contracts over AMQP 0-9-1.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"wabridge/pkg/queue"
)

const (
	defaultPrefetch    = 1
	defaultDialTimeout = 30 * time.Second
	defaultHeartbeat   = 10 * time.Second
)

// Config describes the broker and the publish target.
type Config struct {
	URL string
	// Exchange is empty for the default exchange, in which case every publish
	// is routed to PublishQueue with the pattern carried in the envelope.
	// With a named topic exchange the pattern is the routing key.
	Exchange     string
	PublishQueue string
	Durable      bool
}

// Broker publishes and consumes over one AMQP connection, redialed on demand.
type Broker struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	pubCh    *amqp.Channel
	declared map[string]bool
	closed   bool
	consumer map[string]*amqp.Channel
}

var (
	_ queue.Publisher = (*Broker)(nil)
	_ queue.Consumer  = (*Broker)(nil)
)

func New(cfg Config, log *slog.Logger) (*Broker, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("rabbitmq url is required")
	}
	if cfg.Exchange == "" && strings.TrimSpace(cfg.PublishQueue) == "" {
		return nil, errors.New("rabbitmq publish queue is required with the default exchange")
	}
	if log == nil {
		log = slog.Default()
	}

	return &Broker{
		cfg:      cfg,
		log:      log.With("component", "queue.rabbitmq"),
		declared: make(map[string]bool),
		consumer: make(map[string]*amqp.Channel),
	}, nil
}

// Connect dials the broker and declares the publish topology.
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.publishChannelLocked(ctx)
	return err
}

func (b *Broker) connectionLocked(ctx context.Context) (*amqp.Connection, error) {
	if b.closed {
		return nil, queue.ErrClosed
	}
	if b.conn != nil && !b.conn.IsClosed() {
		return b.conn, nil
	}

	conn, err := amqp.DialConfig(b.cfg.URL, amqp.Config{
		Heartbeat: defaultHeartbeat,
		Locale:    "en_US",
		Dial:      dialContext(ctx, defaultDialTimeout),
	})
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}

	b.conn = conn
	b.pubCh = nil
	b.declared = make(map[string]bool)
	b.log.Info("Connected to RabbitMQ")
	return conn, nil
}

// dialContext opens the TCP connection under ctx. The deadline covers the
// AMQP handshake too and is cleared by the client once the connection opens.
func dialContext(ctx context.Context, timeout time.Duration) func(network, addr string) (net.Conn, error) {
	return func(network, addr string) (net.Conn, error) {
		dialer := net.Dialer{Timeout: timeout}
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		deadline := time.Now().Add(timeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		if err := conn.SetDeadline(deadline); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return conn, nil
	}
}

func (b *Broker) publishChannelLocked(ctx context.Context) (*amqp.Channel, error) {
	conn, err := b.connectionLocked(ctx)
	if err != nil {
		return nil, err
	}
	if b.pubCh != nil && !b.pubCh.IsClosed() {
		return b.pubCh, nil
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq publish channel: %w", err)
	}

	if b.cfg.Exchange != "" {
		if err := ch.ExchangeDeclare(b.cfg.Exchange, amqp.ExchangeTopic, b.cfg.Durable, false, false, false, nil); err != nil {
			ch.Close()
			return nil, fmt.Errorf("rabbitmq exchange declare %s: %w", b.cfg.Exchange, err)
		}
	}
	if b.cfg.PublishQueue != "" {
		if err := b.declareLocked(ch, b.cfg.PublishQueue); err != nil {
			ch.Close()
			return nil, err
		}
	}

	b.pubCh = ch
	return ch, nil
}

func (b *Broker) declareLocked(ch *amqp.Channel, name string) error {
	if b.declared[name] {
		return nil
	}
	if _, err := ch.QueueDeclare(name, b.cfg.Durable, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq queue declare %s: %w", name, err)
	}
	b.declared[name] = true
	return nil
}

// routingKey returns the AMQP routing key for a pattern.
func (b *Broker) routingKey(pattern string) string {
	if b.cfg.Exchange == "" {
		return b.cfg.PublishQueue
	}
	return pattern
}

// Publish sends payload wrapped in a {pattern, data} envelope.
func (b *Broker) Publish(ctx context.Context, pattern string, payload any) error {
	body, err := queue.Encode(pattern, payload)
	if err != nil {
		return err
	}

	b.mu.Lock()
	ch, err := b.publishChannelLocked(ctx)
	b.mu.Unlock()
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(ctx,
		b.cfg.Exchange,
		b.routingKey(pattern),
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
			MessageId:   uuid.NewString(),
			Timestamp:   time.Now().UTC(),
			Type:        pattern,
		},
	)
	if err != nil {
		return fmt.Errorf("rabbitmq publish %s: %w", pattern, err)
	}
	return nil
}

// Consume opens a dedicated channel with the given prefetch and streams
// decoded deliveries until ctx ends or the channel closes.
func (b *Broker) Consume(ctx context.Context, name string, prefetch int) (<-chan queue.Delivery, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("rabbitmq consume queue is required")
	}
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}

	b.mu.Lock()
	conn, err := b.connectionLocked(ctx)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("rabbitmq consumer channel: %w", err)
	}
	if _, err := ch.QueueDeclare(name, b.cfg.Durable, false, false, false, nil); err != nil {
		b.mu.Unlock()
		ch.Close()
		return nil, fmt.Errorf("rabbitmq queue declare %s: %w", name, err)
	}
	tag := "wabridge-" + uuid.NewString()
	b.consumer[tag] = ch
	b.mu.Unlock()

	if err := ch.Qos(prefetch, 0, false); err != nil {
		b.releaseConsumer(tag)
		return nil, fmt.Errorf("rabbitmq qos: %w", err)
	}

	deliveries, err := ch.Consume(name, tag, false, false, false, false, nil)
	if err != nil {
		b.releaseConsumer(tag)
		return nil, fmt.Errorf("rabbitmq consume: %w", err)
	}

	b.log.Info("Consuming queue", "queue", name, "prefetch", prefetch, "consumer_tag", tag)

	out := make(chan queue.Delivery)
	go func() {
		defer close(out)
		defer b.releaseConsumer(tag)

		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					b.log.Warn("Delivery channel closed", "queue", name)
					return
				}
				select {
				case out <- b.toDelivery(d):
				case <-ctx.Done():
					_ = d.Nack(false, true)
					return
				}
			}
		}
	}()

	return out, nil
}

func (b *Broker) toDelivery(d amqp.Delivery) queue.Delivery {
	id := d.MessageId
	if id == "" {
		id = fmt.Sprintf("%d", d.DeliveryTag)
	}

	delivery := queue.Delivery{
		ID:   id,
		Ack:  func() error { return d.Ack(false) },
		Nack: func(requeue bool) error { return d.Nack(false, requeue) },
	}

	env, err := queue.Decode(d.Body)
	if err != nil {
		b.log.Warn("Undecodable delivery body", "delivery_id", id, "error", err)
		delivery.Data = nil
		return delivery
	}

	delivery.Pattern = env.Pattern
	if delivery.Pattern == "" {
		delivery.Pattern = d.Type
	}
	delivery.Data = env.Data
	return delivery
}

func (b *Broker) releaseConsumer(tag string) {
	b.mu.Lock()
	ch, ok := b.consumer[tag]
	delete(b.consumer, tag)
	b.mu.Unlock()

	if ok {
		_ = ch.Close()
	}
}

// Close stops every consumer and the connection.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	for tag, ch := range b.consumer {
		_ = ch.Close()
		delete(b.consumer, tag)
	}
	if b.pubCh != nil {
		_ = b.pubCh.Close()
		b.pubCh = nil
	}
	if b.conn != nil {
		if err := b.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			return fmt.Errorf("rabbitmq close: %w", err)
		}
	}
	return nil
}
