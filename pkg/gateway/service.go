// Package gateway wires the session, the inbound and outbound pipelines and
// the status server into one long-running service.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/mdp/qrterminal/v3"

	"wabridge/pkg/bus"
	"wabridge/pkg/config"
	"wabridge/pkg/connection"
	"wabridge/pkg/inbound"
	"wabridge/pkg/media"
	"wabridge/pkg/outbound"
	"wabridge/pkg/session"
)

type Service struct {
	cfg        *config.Config
	log        *slog.Logger
	events     *bus.EventBus
	manager    *connection.Manager
	media      *media.Pipeline
	dispatcher *inbound.Dispatcher
	sender     *outbound.Sender

	// qrOut receives pairing codes rendered as terminal QR codes.
	qrOut io.Writer

	mu        sync.RWMutex
	startedAt time.Time
}

type statusResponse struct {
	Status            string `json:"status"`
	UptimeSeconds     int64  `json:"uptime_seconds"`
	SessionState      string `json:"session_state"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
	PendingBatches    int    `json:"pending_batches"`
}

// NewService assembles the pipelines on top of comps.
func NewService(cfg *config.Config, comps *Components, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if comps == nil {
		return nil, errors.New("components are required")
	}
	if log == nil {
		log = slog.Default()
	}

	events := bus.New()

	svc := &Service{
		cfg:    cfg,
		log:    log.With("component", "gateway.service"),
		events: events,
		qrOut:  os.Stderr,
	}

	var enqueue func(batch session.MessageBatch)
	manager, err := connection.NewManager(connection.Options{
		Dialer:           comps.Dialer,
		Credentials:      comps.Credentials,
		Retry:            RetryPolicy(cfg.Session.Retry),
		HandshakeTimeout: cfg.Session.HandshakeTimeout(),
		OnMessages:       func(batch session.MessageBatch) { enqueue(batch) },
		Events:           events,
		Logger:           log,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize connection manager: %w", err)
	}
	svc.manager = manager

	pipeline, err := media.New(media.Options{
		Sessions:    manager,
		Store:       comps.Objects,
		Bucket:      cfg.Storage.Bucket,
		Transcriber: comps.Transcriber,
		Logger:      log,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize media pipeline: %w", err)
	}
	svc.media = pipeline

	dispatcher, err := inbound.New(inbound.Options{
		Sessions:  manager,
		Records:   comps.Records,
		Media:     pipeline,
		Publisher: comps.Publisher,
		Replies:   inbound.Replies{Unsupported: cfg.Replies.Unsupported, Failure: cfg.Replies.Failure},
		Events:    events,
		Logger:    log,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize inbound dispatcher: %w", err)
	}
	svc.dispatcher = dispatcher
	enqueue = dispatcher.Enqueue

	sender, err := outbound.New(outbound.Options{
		Sessions:         manager,
		Consumer:         comps.Consumer,
		Queue:            cfg.RabbitMQ.SendQueue,
		Prefetch:         cfg.RabbitMQ.Prefetch,
		RequeueOnFailure: cfg.RabbitMQ.RequeueOnFailure,
		Events:           events,
		Logger:           log,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize outbound sender: %w", err)
	}
	svc.sender = sender

	return svc, nil
}

// Events exposes the lifecycle and dispatch event bus.
func (s *Service) Events() *bus.EventBus {
	return s.events
}

// Run serves until ctx ends (nil) or the session turns fatal (the fatal
// error).
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	if err := s.media.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("prepare media bucket: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	serverErrors := make(chan error, 1)
	go s.runHealthServer(runCtx, serverErrors)
	go bus.Observe(runCtx, s.events, s.log)
	codes, unsubscribe := s.events.SubscribeEvents(runCtx, 4)
	defer unsubscribe()
	go s.showPairingCodes(runCtx, codes)

	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		_ = s.dispatcher.Run(runCtx)
	}()
	go func() {
		defer workers.Done()
		_ = s.sender.Run(runCtx)
	}()

	managerErr := make(chan error, 1)
	go func() {
		managerErr <- s.manager.Run(runCtx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serverErrors:
		runErr = err
	case err := <-managerErr:
		managerErr <- err
		if err != nil {
			runErr = fmt.Errorf("session failed: %w", err)
		}
	}

	cancel()
	<-managerErr
	workers.Wait()
	s.events.Close()

	return runErr
}

// showPairingCodes renders every pairing code as a terminal QR code.
func (s *Service) showPairingCodes(ctx context.Context, events <-chan bus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != bus.EventPairingCode || ev.Code == "" {
				continue
			}
			s.log.Info("Scan the QR code to pair the session")
			qrterminal.GenerateHalfBlock(ev.Code, qrterminal.L, s.qrOut)
		}
	}
}

func (s *Service) runHealthServer(ctx context.Context, errCh chan<- error) {
	addr := s.cfg.Gateway.Addr()
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Gateway status server started", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("start status server: %w", err)
	}
}

// Handler serves /healthz and /readyz.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	return mux
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ok"
	if s.manager.State() == connection.StateFatal {
		statusCode = http.StatusServiceUnavailable
		status = "fatal"
	}
	s.respondStatus(w, statusCode, status)
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	payload := s.currentStatus(status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	startedAt := s.startedAt
	s.mu.RUnlock()

	uptime := int64(0)
	if !startedAt.IsZero() {
		uptime = int64(time.Since(startedAt).Seconds())
	}

	return statusResponse{
		Status:            status,
		UptimeSeconds:     uptime,
		SessionState:      s.manager.State().String(),
		ReconnectAttempts: s.manager.Attempts(),
		PendingBatches:    s.dispatcher.Pending(),
	}
}

// isReady reports whether the session is live.
func (s *Service) isReady() bool {
	return s.manager.State() == connection.StateLive
}
