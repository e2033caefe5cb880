package pair

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mdp/qrterminal/v3"

	"wabridge/pkg/bus"
)

// ErrAborted is returned when the user quits before the session opens.
var ErrAborted = errors.New("pairing aborted")

type phase int

const (
	phaseConnecting phase = iota
	phaseScanning
	phasePaired
	phaseFailed
	phaseAborted
)

// Info describes the session being paired.
type Info struct {
	Transport   string
	Credentials string
}

type eventMsg bus.Event

type eventsClosedMsg struct{}

type model struct {
	events <-chan bus.Event
	info   Info

	theme   theme
	spinner spinner.Model
	width   int

	phase  phase
	qr     string
	codes  int
	state  string
	errMsg string
}

func newModel(events <-chan bus.Event, info Info) *model {
	spin := spinner.New()
	spin.Spinner = spinner.Points
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("114"))

	return &model{
		events:  events,
		info:    info,
		theme:   defaultTheme(),
		spinner: spin,
		width:   80,
		phase:   phaseConnecting,
	}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitEventCmd(m.events))
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		return m, nil
	case tea.KeyMsg:
		switch typed.String() {
		case "ctrl+c", "esc", "q":
			m.phase = phaseAborted
			return m, tea.Quit
		}
		return m, nil
	case spinner.TickMsg:
		if m.finished() {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(typed)
		return m, cmd
	case eventsClosedMsg:
		if !m.finished() {
			m.phase = phaseFailed
			m.errMsg = "session stopped before pairing completed"
		}
		return m, tea.Quit
	case eventMsg:
		return m.handleEvent(bus.Event(typed))
	}

	return m, nil
}

func (m *model) handleEvent(ev bus.Event) (tea.Model, tea.Cmd) {
	switch ev.Type {
	case bus.EventPairingCode:
		if ev.Code != "" {
			m.qr = renderQR(ev.Code)
			m.codes++
			m.phase = phaseScanning
		}
	case bus.EventSessionOpened:
		m.phase = phasePaired
		return m, tea.Quit
	case bus.EventSessionState:
		m.state = ev.State
		if ev.State == "fatal" {
			m.phase = phaseFailed
			m.errMsg = ev.Error
			return m, tea.Quit
		}
	}
	return m, waitEventCmd(m.events)
}

func (m *model) finished() bool {
	return m.phase == phasePaired || m.phase == phaseFailed || m.phase == phaseAborted
}

// result maps the final phase to the error Run returns.
func (m *model) result() error {
	switch m.phase {
	case phasePaired:
		return nil
	case phaseFailed:
		if m.errMsg == "" {
			return errors.New("pairing failed")
		}
		return fmt.Errorf("pairing failed: %s", m.errMsg)
	default:
		return ErrAborted
	}
}

func (m *model) View() string {
	width := max(40, m.width-2)
	header := m.theme.header.Width(width).Render("📱 wabridge pairing")
	meta := m.theme.headerMeta.Render(fmt.Sprintf(
		"transport:%s · credentials:%s · state:%s",
		displayOrNA(m.info.Transport),
		displayOrNA(m.info.Credentials),
		displayOrNA(m.state),
	))
	line := m.theme.divider.Render(strings.Repeat("═", width))

	parts := []string{header, meta, line}
	switch m.phase {
	case phaseConnecting:
		parts = append(parts, m.theme.statusBusy.Render(m.spinner.View()+" connecting to the session..."))
	case phaseScanning:
		parts = append(parts,
			m.theme.qrBox.Render(strings.TrimRight(m.qr, "\n")),
			m.theme.statusBusy.Render(fmt.Sprintf("%s scan the code with the phone (code #%d)", m.spinner.View(), m.codes)),
		)
	case phasePaired:
		parts = append(parts, m.theme.statusDone.Render("✅ session paired, credentials saved"))
	case phaseFailed:
		parts = append(parts, m.theme.statusErr.Render("🚨 "+m.result().Error()))
	case phaseAborted:
		parts = append(parts, m.theme.status.Render("pairing aborted"))
	}
	parts = append(parts, m.theme.hint.Render("Ctrl+C/Esc quit"))

	return lipgloss.JoinVertical(lipgloss.Left, parts...) + "\n"
}

func waitEventCmd(events <-chan bus.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return eventsClosedMsg{}
		}
		return eventMsg(ev)
	}
}

func renderQR(code string) string {
	var b strings.Builder
	qrterminal.GenerateHalfBlock(code, qrterminal.L, &b)
	return b.String()
}

func displayOrNA(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "n/a"
	}

	return trimmed
}
