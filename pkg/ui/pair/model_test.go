package pair

import (
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"wabridge/pkg/bus"
)

func TestPairingCodeShowsQR(t *testing.T) {
	t.Parallel()

	events := make(chan bus.Event, 1)
	m := newModel(events, Info{Transport: "bridge", Credentials: "file"})

	_, cmd := m.Update(eventMsg(bus.Event{Type: bus.EventPairingCode, Code: "2@abc,def"}))
	if cmd == nil {
		t.Fatal("expected a command waiting for the next event")
	}
	if m.phase != phaseScanning {
		t.Fatalf("phase = %v, want scanning", m.phase)
	}
	if m.qr == "" {
		t.Fatal("expected the code to be rendered as a QR block")
	}

	view := m.View()
	if !strings.Contains(view, "code #1") {
		t.Fatalf("view does not show the code counter:\n%s", view)
	}
	if !strings.Contains(view, "transport:bridge") {
		t.Fatalf("view does not show the transport:\n%s", view)
	}
}

func TestSessionOpenedQuits(t *testing.T) {
	t.Parallel()

	m := newModel(make(chan bus.Event), Info{})
	_, cmd := m.Update(eventMsg(bus.Event{Type: bus.EventSessionOpened}))
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatal("expected tea.QuitMsg")
	}
	if err := m.result(); err != nil {
		t.Fatalf("result() = %v, want nil", err)
	}
}

func TestFatalStateFailsPairing(t *testing.T) {
	t.Parallel()

	m := newModel(make(chan bus.Event), Info{})
	m.Update(eventMsg(bus.Event{Type: bus.EventSessionState, State: "connecting"}))
	if m.finished() {
		t.Fatal("connecting must not finish pairing")
	}

	m.Update(eventMsg(bus.Event{Type: bus.EventSessionState, State: "fatal", Error: "reconnect limit reached"}))
	err := m.result()
	if err == nil || !strings.Contains(err.Error(), "reconnect limit reached") {
		t.Fatalf("result() = %v, want fatal cause", err)
	}
}

func TestQuitKeyAborts(t *testing.T) {
	t.Parallel()

	m := newModel(make(chan bus.Event), Info{})
	m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	if !errors.Is(m.result(), ErrAborted) {
		t.Fatalf("result() = %v, want ErrAborted", m.result())
	}
}

func TestClosedEventStreamFails(t *testing.T) {
	t.Parallel()

	events := make(chan bus.Event)
	close(events)
	m := newModel(events, Info{})

	msg := waitEventCmd(events)()
	if _, ok := msg.(eventsClosedMsg); !ok {
		t.Fatalf("msg = %T, want eventsClosedMsg", msg)
	}
	m.Update(msg)
	if m.phase != phaseFailed {
		t.Fatalf("phase = %v, want failed", m.phase)
	}
}
