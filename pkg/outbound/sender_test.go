package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wabridge/pkg/bus"
	"wabridge/pkg/failure"
	"wabridge/pkg/queue"
	"wabridge/pkg/session"
	"wabridge/pkg/session/sessiontest"
)

const (
	sendQueue = "whatsapp_send_message"
	chat      = "5511999999999@s.whatsapp.net"
)

func newSender(t *testing.T, conn *sessiontest.Conn, opts Options) *Sender {
	t.Helper()
	if opts.Sessions == nil {
		opts.Sessions = sessiontest.Provider{Conn: conn}
	}
	if opts.Consumer == nil {
		opts.Consumer = queue.NewMemory()
	}
	if opts.Queue == "" {
		opts.Queue = sendQueue
	}
	s, err := New(opts)
	require.NoError(t, err)
	return s
}

// settled records the outcome of a single hand-built delivery.
type settled struct {
	acked   bool
	nacked  bool
	requeue bool
}

func delivery(t *testing.T, pattern string, payload any) (queue.Delivery, *settled) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	s := &settled{}
	return queue.Delivery{
		ID:      "d-1",
		Pattern: pattern,
		Data:    data,
		Ack: func() error {
			s.acked = true
			return nil
		},
		Nack: func(requeue bool) error {
			s.nacked = true
			s.requeue = requeue
			return nil
		},
	}, s
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{Consumer: queue.NewMemory(), Queue: sendQueue})
	require.Error(t, err)

	_, err = New(Options{Sessions: sessiontest.Provider{}, Queue: sendQueue})
	require.Error(t, err)

	_, err = New(Options{Sessions: sessiontest.Provider{}, Consumer: queue.NewMemory(), Queue: " "})
	require.Error(t, err)

	s, err := New(Options{Sessions: sessiontest.Provider{}, Consumer: queue.NewMemory(), Queue: sendQueue})
	require.NoError(t, err)
	require.Equal(t, 1, s.prefetch)
}

func TestHandleSendsTextAndAcks(t *testing.T) {
	conn := sessiontest.NewConn()
	s := newSender(t, conn, Options{})

	d, out := delivery(t, PatternSendMessage, map[string]any{"to": chat, "content": "olá"})
	s.Handle(context.Background(), d)

	require.True(t, out.acked)
	require.False(t, out.nacked)
	require.Equal(t, []sessiontest.SentText{{To: chat, Text: "olá"}}, conn.Texts())
}

func TestHandleAcceptsContactShapeAndBarePayload(t *testing.T) {
	conn := sessiontest.NewConn()
	s := newSender(t, conn, Options{})

	d, out := delivery(t, "", map[string]any{"contact": map[string]any{"id": chat, "name": "Maria"}, "content": "resposta"})
	s.Handle(context.Background(), d)

	require.True(t, out.acked)
	require.Equal(t, []sessiontest.SentText{{To: chat, Text: "resposta"}}, conn.Texts())
}

func TestHandlePresenceReadAndReaction(t *testing.T) {
	conn := sessiontest.NewConn()
	s := newSender(t, conn, Options{})
	key := session.MessageKey{ID: "m1", RemoteJID: chat}

	d, out := delivery(t, PatternSendPresence, map[string]any{"to": chat, "presence": "composing"})
	s.Handle(context.Background(), d)
	require.True(t, out.acked)

	d, out = delivery(t, PatternSendRead, map[string]any{"keys": []session.MessageKey{key}})
	s.Handle(context.Background(), d)
	require.True(t, out.acked)

	d, out = delivery(t, PatternSendReaction, map[string]any{"key": key, "emoji": ":thanks:"})
	s.Handle(context.Background(), d)
	require.True(t, out.acked)

	assert.Equal(t, []sessiontest.SentPresence{{To: chat, Presence: session.PresenceComposing}}, conn.Presences())
	assert.Equal(t, [][]session.MessageKey{{key}}, conn.Reads())
	assert.Equal(t, []sessiontest.SentReaction{{To: chat, Key: key, Emoji: "🙏"}}, conn.Reactions())
}

func TestEmojiShortcodes(t *testing.T) {
	cases := map[string]string{
		":like:":     "👍",
		":thinking:": "🤔",
		":cool:":     "😎",
		":check:":    "✔️",
		":eyes:":     "👀",
		":thanks:":   "🙏",
		":smile:":    "😊",
		"🔥":          "🔥",
		"":           "",
	}
	for code, want := range cases {
		if got := Emoji(code); got != want {
			t.Fatalf("Emoji(%q) = %q, want %q", code, got, want)
		}
	}
}

func TestHandleFailureNacksWithoutRequeueByDefault(t *testing.T) {
	conn := sessiontest.NewConn()
	conn.SendErr = errors.New("socket closed")

	events := bus.New()
	defer events.Close()
	ch, unsubscribe := events.SubscribeEvents(context.Background(), 4)
	defer unsubscribe()

	s := newSender(t, conn, Options{Events: events})

	d, out := delivery(t, PatternSendMessage, map[string]any{"to": chat, "content": "oi"})
	s.Handle(context.Background(), d)

	require.False(t, out.acked)
	require.True(t, out.nacked)
	require.False(t, out.requeue)

	select {
	case ev := <-ch:
		require.Equal(t, bus.EventSendFailed, ev.Type)
		require.Equal(t, chat, ev.ChatID)
	case <-time.After(time.Second):
		t.Fatal("send failure event not published")
	}
}

func TestHandleRequeueSwitch(t *testing.T) {
	conn := sessiontest.NewConn()
	conn.PresenceErr = errors.New("socket closed")
	s := newSender(t, conn, Options{RequeueOnFailure: true})

	d, out := delivery(t, PatternSendPresence, map[string]any{"to": chat, "presence": "paused"})
	s.Handle(context.Background(), d)
	require.True(t, out.nacked)
	require.True(t, out.requeue)

	d, out = delivery(t, PatternSendPresence, map[string]any{"to": chat, "presence": "dancing"})
	s.Handle(context.Background(), d)
	require.True(t, out.nacked)
	require.False(t, out.requeue, "malformed requests are never requeued")
}

func TestHandleRejectsMalformedRequests(t *testing.T) {
	conn := sessiontest.NewConn()
	s := newSender(t, conn, Options{})

	for name, tc := range map[string]struct {
		pattern string
		payload any
	}{
		"missing recipient": {PatternSendMessage, map[string]any{"content": "oi"}},
		"missing content":   {PatternSendMessage, map[string]any{"to": chat}},
		"missing keys":      {PatternSendRead, map[string]any{}},
		"missing key":       {PatternSendReaction, map[string]any{"emoji": ":like:"}},
		"unknown pattern":   {"whatsapp.send.sticker", map[string]any{"to": chat}},
		"not an object":     {PatternSendMessage, "oi"},
	} {
		t.Run(name, func(t *testing.T) {
			d, out := delivery(t, tc.pattern, tc.payload)
			s.Handle(context.Background(), d)
			require.True(t, out.nacked)
			require.False(t, out.acked)
		})
	}
	require.Empty(t, conn.Texts())
}

func TestDecodeRequestKinds(t *testing.T) {
	_, err := decodeRequest(nil)
	require.True(t, failure.IsKind(err, failure.KindMalformedPayload))

	_, err = decodeRequest(json.RawMessage(`[`))
	require.True(t, failure.IsKind(err, failure.KindMalformedPayload))
}

func TestHandleSessionUnavailable(t *testing.T) {
	s := newSender(t, nil, Options{Sessions: sessiontest.Provider{Err: errors.New("fatal")}})

	d, out := delivery(t, PatternSendMessage, map[string]any{"to": chat, "content": "oi"})
	s.Handle(context.Background(), d)
	require.True(t, out.nacked)
}

func TestRunConsumesInOrder(t *testing.T) {
	conn := sessiontest.NewConn()
	broker := queue.NewMemory()
	s := newSender(t, conn, Options{Consumer: broker})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deliverCtx, deliverCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer deliverCancel()
	require.NoError(t, broker.Deliver(deliverCtx, sendQueue, "1", PatternSendMessage, map[string]string{"to": chat, "content": "um"}))
	require.NoError(t, broker.Deliver(deliverCtx, sendQueue, "2", PatternSendMessage, map[string]string{"to": chat}))
	require.NoError(t, broker.Deliver(deliverCtx, sendQueue, "3", PatternSendMessage, map[string]string{"to": chat, "content": "três"}))

	require.Eventually(t, func() bool { return len(broker.Outcomes()) == 3 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []queue.Outcome{
		{ID: "1", Acked: true},
		{ID: "2"},
		{ID: "3", Acked: true},
	}, broker.Outcomes())
	require.Equal(t, []sessiontest.SentText{{To: chat, Text: "um"}, {To: chat, Text: "três"}}, conn.Texts())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

type failingConsumer struct {
	calls chan struct{}
}

func (f *failingConsumer) Consume(context.Context, string, int) (<-chan queue.Delivery, error) {
	select {
	case f.calls <- struct{}{}:
	default:
	}
	return nil, queue.ErrClosed
}

func TestRunResubscribesAfterConsumeError(t *testing.T) {
	consumer := &failingConsumer{calls: make(chan struct{}, 8)}
	s := newSender(t, sessiontest.NewConn(), Options{Consumer: consumer, ResubscribeDelay: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case <-consumer.calls:
		case <-time.After(time.Second):
			t.Fatalf("consume attempt %d not made", i+1)
		}
	}
}
