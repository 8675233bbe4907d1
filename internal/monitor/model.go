// Package monitor is a live terminal view of a bridge context: its
// reference ledger, ports, links and recent lifecycle events.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/Iron-Ham/bridge/internal/bridge"
	"github.com/Iron-Ham/bridge/internal/event"
)

// maxEvents is how many recent events the view keeps.
const maxEvents = 50

// Source is what the monitor samples.
type Source interface {
	Stats() bridge.Stats
}

type keyMap struct {
	Quit  key.Binding
	Pause key.Binding
	Clear key.Binding
}

func (k keyMap) ShortHelp() []key.Binding { return []key.Binding{k.Pause, k.Clear, k.Quit} }

func (k keyMap) FullHelp() [][]key.Binding { return [][]key.Binding{k.ShortHelp()} }

func defaultKeys() keyMap {
	return keyMap{
		Quit:  key.NewBinding(key.WithKeys("q", "ctrl+c", "esc"), key.WithHelp("q", "quit")),
		Pause: key.NewBinding(key.WithKeys("p", " "), key.WithHelp("p", "pause")),
		Clear: key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "clear events")),
	}
}

type tickMsg time.Time

type eventMsg struct{ e event.Event }

// Model is the Bubbletea model of the monitor.
type Model struct {
	source   Source
	events   <-chan event.Event
	interval time.Duration

	stats   bridge.Stats
	sampled time.Time
	recent  []string
	dropped int
	paused  bool

	keys   keyMap
	help   help.Model
	width  int
	height int
}

// New creates a monitor sampling src every interval. Events published on
// bus, which may be nil, are listed as they arrive; the returned function
// unsubscribes from it.
func New(src Source, bus *event.Bus, interval time.Duration) (Model, func()) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	m := Model{
		source:   src,
		interval: interval,
		stats:    src.Stats(),
		sampled:  time.Now(),
		keys:     defaultKeys(),
		help:     help.New(),
	}
	if bus == nil {
		return m, func() {}
	}

	ch := make(chan event.Event, 256)
	id := bus.SubscribeAll(func(e event.Event) {
		// Handlers run on the publisher's goroutine and must not block.
		select {
		case ch <- e:
		default:
		}
	})
	m.events = ch
	return m, func() { bus.Unsubscribe(id) }
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) waitEvent() tea.Cmd {
	if m.events == nil {
		return nil
	}
	ch := m.events
	return func() tea.Msg {
		e, ok := <-ch
		if !ok {
			return nil
		}
		return eventMsg{e}
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.tick(), m.waitEvent())
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.help.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Pause):
			m.paused = !m.paused
		case key.Matches(msg, m.keys.Clear):
			m.recent = nil
			m.dropped = 0
		}
		return m, nil

	case tickMsg:
		if !m.paused {
			m.stats = m.source.Stats()
			m.sampled = time.Time(msg)
		}
		return m, m.tick()

	case eventMsg:
		if !m.paused {
			m.recent = append(m.recent, describe(msg.e))
			if over := len(m.recent) - maxEvents; over > 0 {
				m.recent = m.recent[over:]
				m.dropped += over
			}
		}
		return m, m.waitEvent()
	}
	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder

	title := "bridge monitor"
	if m.paused {
		title += warnStyle.Render("  [paused]")
	}
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n")

	s := m.stats
	ledger := okStyle.Render("0 (idle)")
	if s.Refs > 0 {
		ledger = warnStyle.Render(fmt.Sprintf("%d", s.Refs))
	}
	global := mutedStyle.Render("not attached")
	if s.Global {
		global = okStyle.Render(s.GlobalKind)
	}

	rows := []string{
		row("ledger", ledger),
		row("links", fmt.Sprintf("%d open, %d parked", s.Links, s.Parked)),
		row("ports", list(s.Ports)),
		row("transport", global),
		row("remote ports", list(s.RemotePorts)),
		row("sampled", mutedStyle.Render(m.sampled.Format("15:04:05.000"))),
	}
	b.WriteString(panelStyle.Render(strings.Join(rows, "\n")))
	b.WriteString("\n")

	if len(s.Reasons) > 0 {
		b.WriteString(mutedStyle.Render("kept alive by"))
		b.WriteString("\n")
		for _, r := range s.Reasons {
			b.WriteString(m.fit("  "+r) + "\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(mutedStyle.Render("events"))
	if m.dropped > 0 {
		b.WriteString(mutedStyle.Render(fmt.Sprintf(" (%d older not shown)", m.dropped)))
	}
	b.WriteString("\n")
	events := m.recent
	reserved := 16
	if len(s.Reasons) > 0 {
		reserved += 1 + len(s.Reasons)
	}
	if room := m.height - reserved; room > 0 && len(events) > room {
		events = events[len(events)-room:]
	}
	if len(events) == 0 {
		b.WriteString(mutedStyle.Render("  none yet") + "\n")
	}
	for _, e := range events {
		b.WriteString(m.fit("  "+e) + "\n")
	}

	b.WriteString("\n")
	b.WriteString(m.help.View(m.keys))
	return b.String()
}

// fit cuts line to the window width so every entry stays on one row.
func (m Model) fit(line string) string {
	if m.width <= 0 {
		return line
	}
	return ansi.Truncate(line, m.width, "…")
}

func row(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), value)
}

func list(items []string) string {
	if len(items) == 0 {
		return mutedStyle.Render("none")
	}
	return strings.Join(items, ", ")
}

// describe renders one event as a line.
func describe(e event.Event) string {
	ts := mutedStyle.Render(e.Timestamp().Format("15:04:05.000"))
	var text string
	switch ev := e.(type) {
	case event.PortListeningEvent:
		text = fmt.Sprintf("port %s listening%s", ev.Port, scope(ev.Global))
	case event.PortClosedEvent:
		text = fmt.Sprintf("port %s closed%s, %d refused", ev.Port, scope(ev.Global), ev.Dropped)
	case event.LinkOpenedEvent:
		dir := "outbound"
		if ev.Inbound {
			dir = "inbound"
		}
		text = fmt.Sprintf("link %s opened %s on %s%s", short(ev.LinkID), dir, ev.Port, scope(ev.Global))
	case event.LinkClosedEvent:
		text = fmt.Sprintf("link %s closed", short(ev.LinkID))
		if ev.Remote {
			text += " by peer"
		}
		if ev.Rejected > 0 {
			text += errorStyle.Render(fmt.Sprintf(", %d requests rejected", ev.Rejected))
		}
	case event.TransportAttachedEvent:
		text = okStyle.Render("transport " + ev.Kind + " attached")
	case event.TransportDetachedEvent:
		text = warnStyle.Render(fmt.Sprintf("transport %s detached, %d links closed", ev.Kind, ev.LinksClosed))
	case event.WorkerStartedEvent:
		text = "worker " + short(ev.WorkerID) + " started"
		if ev.ParentID != "" {
			text += " by " + short(ev.ParentID)
		}
	case event.WorkerExitedEvent:
		text = fmt.Sprintf("worker %s exited (%d)", short(ev.WorkerID), ev.ExitCode)
		if ev.Err != nil {
			text = errorStyle.Render(text + ": " + ev.Err.Error())
		}
	case event.CompanionStartedEvent:
		text = fmt.Sprintf("companion %d started: %s", ev.PID, ev.Command)
	case event.CompanionExitedEvent:
		text = fmt.Sprintf("companion %d exited (%d)", ev.PID, ev.ExitCode)
		if ev.Err != nil {
			text = errorStyle.Render(text)
		}
	case event.LedgerChangedEvent:
		text = fmt.Sprintf("ledger %d", ev.Count)
	default:
		text = e.EventType()
	}
	return ts + " " + text
}

func scope(global bool) string {
	if global {
		return " (global)"
	}
	return ""
}

// short trims a ULID to its random tail, enough to tell ids apart on screen.
func short(id string) string {
	if len(id) > 8 {
		return id[len(id)-8:]
	}
	return id
}

// Run shows the monitor for bc until the user quits or ctx ends.
func Run(ctx context.Context, bc *bridge.Context, interval time.Duration) error {
	m, unsubscribe := New(bc, bc.Bus(), interval)
	defer unsubscribe()
	_, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
