package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wabridge/pkg/inbound"
	"wabridge/pkg/message"
	"wabridge/pkg/outbound"
	"wabridge/pkg/session"
	"wabridge/pkg/session/sessiontest"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func startService(t *testing.T, svc *Service) (context.CancelFunc, <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Run(ctx)
	}()
	t.Cleanup(cancel)
	return cancel, errCh
}

func waitRunExit(t *testing.T, errCh <-chan error) error {
	t.Helper()

	select {
	case err := <-errCh:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for service run to exit")
		return nil
	}
}

func TestGatewayServiceRunE2EInboundAndOutbound(t *testing.T) {
	rig := newTestRig(t)
	rig.dialer.Dialed = make(chan *sessiontest.Conn, 1)
	svc := rig.service(t)
	qr := &syncBuffer{}
	svc.qrOut = qr

	cancel, errCh := startService(t, svc)

	var conn *sessiontest.Conn
	select {
	case conn = <-rig.dialer.Dialed:
	case <-time.After(2 * time.Second):
		t.Fatal("session was never dialed")
	}

	readyURL := fmt.Sprintf("http://%s/readyz", rig.cfg.Gateway.Addr())
	require.Eventually(t, func() bool {
		return conn.Listening() && httpStatus(readyURL) == http.StatusOK
	}, 2*time.Second, 25*time.Millisecond)

	require.Eventually(t, func() bool {
		conn.Update(session.ConnectionUpdate{QR: "2@pairing-code"})
		return qr.Len() > 0
	}, 2*time.Second, 50*time.Millisecond)

	text := "oi"
	conn.Deliver(session.RawMessage{
		Key:      session.MessageKey{ID: "m1", RemoteJID: "5511999999999@s.whatsapp.net"},
		PushName: "Maria",
		Message:  &session.MessageContent{Conversation: &text},
	})

	require.Eventually(t, func() bool {
		return len(rig.broker.Published()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	published := rig.broker.Published()[0]
	require.Equal(t, inbound.DefaultRoutingKey, published.Pattern)
	var envelope struct {
		Data message.Event `json:"data"`
	}
	require.NoError(t, json.Unmarshal(published.Body, &envelope))
	require.Equal(t, "oi", envelope.Data.Content)
	require.Len(t, rig.records.Messages(), 1)

	deliverCtx, deliverCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer deliverCancel()
	require.NoError(t, rig.broker.Deliver(deliverCtx, rig.cfg.RabbitMQ.SendQueue, "d1", outbound.PatternSendMessage, map[string]any{
		"to":      "5511999999999@s.whatsapp.net",
		"content": "olá",
	}))

	require.Eventually(t, func() bool {
		for _, sent := range conn.Texts() {
			if sent.Text == "olá" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		outcomes := rig.broker.Outcomes()
		return len(outcomes) == 1 && outcomes[0].Acked
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, waitRunExit(t, errCh))
	require.True(t, conn.Closed())
}

func TestGatewayServiceRunReturnsFatalSessionError(t *testing.T) {
	rig := newTestRig(t)
	rig.dialer.SetErr(errors.New("bridge unreachable"))
	svc := rig.service(t)

	_, errCh := startService(t, svc)

	err := waitRunExit(t, errCh)
	require.ErrorContains(t, err, "session failed")
	require.GreaterOrEqual(t, rig.dialer.Dials(), 1)
}

func TestGatewayServiceReadyzTracksSessionState(t *testing.T) {
	rig := newTestRig(t)
	rig.cfg.Session.Retry.MaxAttempts = 100
	rig.cfg.Session.Retry.BaseMillis = 200
	rig.cfg.Session.Retry.CapMillis = 200
	rig.dialer.Dialed = make(chan *sessiontest.Conn, 2)
	svc := rig.service(t)

	cancel, errCh := startService(t, svc)

	readyURL := fmt.Sprintf("http://%s/readyz", rig.cfg.Gateway.Addr())
	first := <-rig.dialer.Dialed
	require.Eventually(t, func() bool {
		return first.Listening() && httpStatus(readyURL) == http.StatusOK
	}, 2*time.Second, 25*time.Millisecond)

	first.Update(session.ConnectionUpdate{State: session.ConnectionClose, CloseReason: session.CloseConnectionLost})
	require.Equal(t, http.StatusServiceUnavailable, httpStatus(readyURL))

	select {
	case <-rig.dialer.Dialed:
	case <-time.After(2 * time.Second):
		t.Fatal("session was not redialed")
	}
	require.Eventually(t, func() bool {
		return httpStatus(readyURL) == http.StatusOK
	}, 2*time.Second, 25*time.Millisecond)

	cancel()
	require.NoError(t, waitRunExit(t, errCh))
}

func httpStatus(url string) int {
	response, err := http.Get(url)
	if err != nil {
		return 0
	}
	_ = response.Body.Close()
	return response.StatusCode
}

func freeTCPPort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	addr, ok := listener.Addr().(*net.TCPAddr)
	require.True(t, ok)
	return addr.Port
}
