package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"wabridge/pkg/channel/telegram"
	"wabridge/pkg/config"
	"wabridge/pkg/connection"
	"wabridge/pkg/credentials"
	"wabridge/pkg/objectstore"
	"wabridge/pkg/objectstore/minio"
	"wabridge/pkg/queue"
	"wabridge/pkg/queue/rabbitmq"
	"wabridge/pkg/record"
	"wabridge/pkg/record/memory"
	"wabridge/pkg/record/mongo"
	"wabridge/pkg/session"
	"wabridge/pkg/transcribe"
	"wabridge/pkg/transcribe/openai"
	"wabridge/pkg/transport/wsbridge"
)

const closeTimeout = 5 * time.Second

// Components are the collaborators a Service runs on. BuildComponents wires
// them from config; tests assemble them by hand.
type Components struct {
	Dialer      session.Dialer
	Credentials credentials.Store
	Objects     objectstore.Store
	Records     record.Store
	Publisher   queue.Publisher
	Consumer    queue.Consumer
	// Transcriber is optional.
	Transcriber transcribe.Transcriber

	closers []func(context.Context) error
}

// Close releases every connection opened by BuildComponents.
func (c *Components) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func (c *Components) onClose(fn func(context.Context) error) {
	c.closers = append(c.closers, fn)
}

// BuildComponents connects every backend selected in cfg. On error the
// partially built set is closed.
func BuildComponents(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *Components, err error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		log = slog.Default()
	}

	c := &Components{}
	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()

	if c.Dialer, err = NewDialer(cfg.Session, log); err != nil {
		return nil, err
	}

	store, closeStore, err := NewCredentialStore(ctx, cfg.Credentials)
	if err != nil {
		return nil, err
	}
	c.Credentials = store
	c.onClose(func(context.Context) error { return closeStore() })

	if c.Objects, err = newObjectStore(cfg.Storage, log); err != nil {
		return nil, err
	}

	records, err := newRecordStore(ctx, cfg.Database, log)
	if err != nil {
		return nil, err
	}
	c.Records = records
	if closer, ok := records.(interface{ Close(context.Context) error }); ok {
		c.onClose(closer.Close)
	}

	broker, err := NewBroker(ctx, cfg.RabbitMQ, cfg.RabbitMQ.ReceivedQueue, log)
	if err != nil {
		return nil, err
	}
	c.Publisher = broker
	c.Consumer = broker
	c.onClose(func(context.Context) error { return broker.Close() })

	if cfg.Transcription.Enabled {
		client, err := openai.New(cfg.Transcription)
		if err != nil {
			return nil, fmt.Errorf("configure transcription: %w", err)
		}
		c.Transcriber = client
	}

	return c, nil
}

// NewDialer returns the session transport selected by cfg.Transport.
func NewDialer(cfg config.SessionConfig, log *slog.Logger) (session.Dialer, error) {
	switch cfg.Transport {
	case config.TransportBridge, "":
		d, err := wsbridge.NewDialer(wsbridge.Config{URL: cfg.Bridge.URL, Headers: cfg.Bridge.Headers}, log)
		if err != nil {
			return nil, fmt.Errorf("configure bridge transport: %w", err)
		}
		return d, nil
	case config.TransportTelegram:
		d, err := telegram.NewDialer(cfg.Telegram, log)
		if err != nil {
			return nil, fmt.Errorf("configure telegram transport: %w", err)
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unsupported session transport %q", cfg.Transport)
	}
}

// NewCredentialStore opens the credentials backend. The returned func
// releases it.
func NewCredentialStore(ctx context.Context, cfg config.CredentialsConfig) (credentials.Store, func() error, error) {
	switch cfg.Backend {
	case config.BackendFile, "":
		store, err := credentials.NewFileStore(cfg.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("open credentials directory: %w", err)
		}
		return store, func() error { return nil }, nil
	case config.BackendRedis:
		store, err := credentials.NewRedisStore(ctx, credentials.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Key:      cfg.Redis.Key,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open redis credentials: %w", err)
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported credentials backend %q", cfg.Backend)
	}
}

// NewBroker returns a RabbitMQ broker that publishes to publishQueue.
func NewBroker(ctx context.Context, cfg config.RabbitMQConfig, publishQueue string, log *slog.Logger) (*rabbitmq.Broker, error) {
	broker, err := rabbitmq.New(rabbitmq.Config{
		URL:          cfg.URI,
		Exchange:     cfg.Exchange,
		PublishQueue: publishQueue,
		Durable:      cfg.Durable,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("configure rabbitmq: %w", err)
	}
	if err := broker.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	return broker, nil
}

func newObjectStore(cfg config.StorageConfig, log *slog.Logger) (objectstore.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return objectstore.NewMemory(), nil
	case config.BackendMinio, "":
		store, err := minio.New(minio.Config{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			UseSSL:    cfg.UseSSL,
			Region:    cfg.Region,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("configure object storage: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}
}

func newRecordStore(ctx context.Context, cfg config.DatabaseConfig, log *slog.Logger) (record.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return memory.New(), nil
	case config.BackendMongo, "":
		store, err := mongo.Connect(ctx, mongo.Config{URI: cfg.URI, Database: cfg.Name}, log)
		if err != nil {
			return nil, fmt.Errorf("connect record store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported database backend %q", cfg.Backend)
	}
}

// RetryPolicy converts the configured ladder.
func RetryPolicy(cfg config.RetryConfig) connection.RetryPolicy {
	return connection.RetryPolicy{
		MaxAttempts:    cfg.MaxAttempts,
		Base:           time.Duration(cfg.BaseMillis) * time.Millisecond,
		Cap:            time.Duration(cfg.CapMillis) * time.Millisecond,
		LoggedOutDelay: time.Duration(cfg.LoggedOutDelayMillis) * time.Millisecond,
	}
}
