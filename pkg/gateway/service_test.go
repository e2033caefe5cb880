package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wabridge/pkg/channel/telegram"
	"wabridge/pkg/config"
	"wabridge/pkg/credentials"
	"wabridge/pkg/objectstore"
	"wabridge/pkg/queue"
	"wabridge/pkg/record/memory"
	"wabridge/pkg/session/sessiontest"
	"wabridge/pkg/transport/wsbridge"
)

type testRig struct {
	cfg     *config.Config
	dialer  *sessiontest.Dialer
	broker  *queue.Memory
	records *memory.Store
	objects *objectstore.Memory
	comps   *Components
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	cfg := &config.Config{}
	cfg.ApplyDefaults()
	cfg.Session.Retry = config.RetryConfig{MaxAttempts: 1, BaseMillis: 1, CapMillis: 1, LoggedOutDelayMillis: 1}
	cfg.Gateway = config.GatewayConfig{Host: "127.0.0.1", Port: freeTCPPort(t)}

	store, err := credentials.NewFileStore(t.TempDir())
	require.NoError(t, err)

	rig := &testRig{
		cfg:     cfg,
		dialer:  &sessiontest.Dialer{},
		broker:  queue.NewMemory(),
		records: memory.New(),
		objects: objectstore.NewMemory(),
	}
	rig.comps = &Components{
		Dialer:      rig.dialer,
		Credentials: store,
		Objects:     rig.objects,
		Records:     rig.records,
		Publisher:   rig.broker,
		Consumer:    rig.broker,
	}
	return rig
}

func (r *testRig) service(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(r.cfg, r.comps, slog.Default())
	require.NoError(t, err)
	return svc
}

func TestNewServiceRequiresConfigAndComponents(t *testing.T) {
	t.Parallel()

	_, err := NewService(nil, &Components{}, nil)
	require.Error(t, err)

	_, err = NewService(&config.Config{}, nil, nil)
	require.Error(t, err)

	_, err = NewService(&config.Config{}, &Components{}, nil)
	require.Error(t, err)
}

func TestStatusEndpointsBeforeRun(t *testing.T) {
	t.Parallel()

	svc := newTestRig(t).service(t)
	if svc.isReady() {
		t.Fatal("expected not ready before the session is live")
	}

	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var status statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, "not_ready", status.Status)
	require.Equal(t, "idle", status.SessionState)
	require.Zero(t, status.PendingBatches)

	rec = httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestRetryPolicyConvertsMilliseconds(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy(config.RetryConfig{MaxAttempts: 5, BaseMillis: 2000, CapMillis: 30000, LoggedOutDelayMillis: 3000})
	require.Equal(t, 5, policy.MaxAttempts)
	require.Equal(t, 2*time.Second, policy.Base)
	require.Equal(t, 30*time.Second, policy.Cap)
	require.Equal(t, 3*time.Second, policy.LoggedOutDelay)
}

func TestNewDialerSelectsTransport(t *testing.T) {
	t.Parallel()

	d, err := NewDialer(config.SessionConfig{Transport: config.TransportBridge, Bridge: config.BridgeConfig{URL: "ws://127.0.0.1:8765"}}, nil)
	require.NoError(t, err)
	require.IsType(t, &wsbridge.Dialer{}, d)

	d, err = NewDialer(config.SessionConfig{Transport: config.TransportTelegram, Telegram: config.TelegramConfig{Token: "123:abc"}}, nil)
	require.NoError(t, err)
	require.IsType(t, &telegram.Dialer{}, d)

	_, err = NewDialer(config.SessionConfig{Transport: config.TransportBridge}, nil)
	require.ErrorContains(t, err, "bridge")

	_, err = NewDialer(config.SessionConfig{Transport: "signal"}, nil)
	require.ErrorContains(t, err, "unsupported")
}

func TestNewCredentialStoreFileBackend(t *testing.T) {
	t.Parallel()

	store, closeStore, err := NewCredentialStore(context.Background(), config.CredentialsConfig{Backend: config.BackendFile, Dir: t.TempDir()})
	require.NoError(t, err)
	require.IsType(t, &credentials.FileStore{}, store)
	require.NoError(t, closeStore())

	_, _, err = NewCredentialStore(context.Background(), config.CredentialsConfig{Backend: "etcd"})
	require.Error(t, err)
}

func TestComponentsCloseRunsInReverseOrder(t *testing.T) {
	t.Parallel()

	var order []int
	c := &Components{}
	c.onClose(func(context.Context) error { order = append(order, 1); return nil })
	c.onClose(func(context.Context) error { order = append(order, 2); return errors.New("broker gone") })
	c.onClose(func(context.Context) error { order = append(order, 3); return nil })

	require.ErrorContains(t, c.Close(), "broker gone")
	require.Equal(t, []int{3, 2, 1}, order)
	require.NoError(t, c.Close())
}

func TestBuildComponentsRejectsUnknownBackends(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.ApplyDefaults()
	cfg.Session.Bridge.URL = "ws://127.0.0.1:8765"
	cfg.Credentials.Dir = t.TempDir()
	cfg.Storage.Backend = "s3"

	_, err := BuildComponents(context.Background(), cfg, nil)
	require.ErrorContains(t, err, "storage backend")
}
