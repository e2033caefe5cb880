package session

import (
	"sync/atomic"
	"testing"
)

func TestEmitterDeliversByKind(t *testing.T) {
	var emitter Emitter
	var creds, conn atomic.Int32

	emitter.On(EventCredentialsUpdate, func(Event) { creds.Add(1) })
	emitter.On(EventConnectionUpdate, func(Event) { conn.Add(1) })

	emitter.Emit(Event{Kind: EventCredentialsUpdate, Credentials: &Credentials{Registered: true}})

	if creds.Load() != 1 {
		t.Fatalf("credentials handler calls = %d, want 1", creds.Load())
	}
	if conn.Load() != 0 {
		t.Fatalf("connection handler calls = %d, want 0", conn.Load())
	}
}

func TestEmitterUnsubscribeIsIdempotent(t *testing.T) {
	var emitter Emitter
	var calls atomic.Int32

	unsubscribe := emitter.On(EventMessages, func(Event) { calls.Add(1) })
	if got := emitter.Count(EventMessages); got != 1 {
		t.Fatalf("Count = %d, want 1", got)
	}

	unsubscribe()
	unsubscribe()

	emitter.Emit(Event{Kind: EventMessages, Batch: &MessageBatch{}})
	if calls.Load() != 0 {
		t.Fatalf("calls after unsubscribe = %d, want 0", calls.Load())
	}
	if got := emitter.Count(EventMessages); got != 0 {
		t.Fatalf("Count = %d, want 0", got)
	}
}

func TestEmitterHandlerMayUnsubscribeItself(t *testing.T) {
	var emitter Emitter
	var unsubscribe func()
	unsubscribe = emitter.On(EventConnectionUpdate, func(Event) { unsubscribe() })

	emitter.Emit(Event{Kind: EventConnectionUpdate, Connection: &ConnectionUpdate{State: ConnectionClose}})

	if got := emitter.Count(EventConnectionUpdate); got != 0 {
		t.Fatalf("Count = %d, want 0", got)
	}
}
