package monitor

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/x/ansi"

	"github.com/Iron-Ham/bridge/internal/bridge"
	"github.com/Iron-Ham/bridge/internal/event"
)

type fakeSource struct {
	stats bridge.Stats
	calls int
}

func (f *fakeSource) Stats() bridge.Stats {
	f.calls++
	return f.stats
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	nm, ok := next.(Model)
	if !ok {
		t.Fatalf("Update returned %T, want Model", next)
	}
	return nm, cmd
}

func TestModel_TickRefreshesStats(t *testing.T) {
	src := &fakeSource{}
	m, stop := New(src, nil, time.Millisecond)
	defer stop()

	src.stats = bridge.Stats{
		Refs:        2,
		Reasons:     []string{"port echo", "worker w1"},
		Ports:       []string{"echo"},
		Links:       3,
		Parked:      1,
		Global:      true,
		GlobalKind:  "pipe",
		RemotePorts: []string{"sha256"},
	}
	m, cmd := update(t, m, tickMsg(time.Now()))
	if cmd == nil {
		t.Error("tick returned no follow-up command")
	}
	if m.stats.Refs != 2 {
		t.Errorf("stats.Refs = %d, want 2", m.stats.Refs)
	}

	view := m.View()
	for _, want := range []string{"port echo", "worker w1", "3 open, 1 parked", "pipe", "sha256"} {
		if !strings.Contains(view, want) {
			t.Errorf("View() missing %q", want)
		}
	}
}

func TestModel_PauseFreezesStats(t *testing.T) {
	src := &fakeSource{}
	m, stop := New(src, nil, time.Millisecond)
	defer stop()

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("p")})
	if !m.paused {
		t.Fatal("paused = false after p")
	}
	src.stats.Refs = 7
	m, _ = update(t, m, tickMsg(time.Now()))
	if m.stats.Refs != 0 {
		t.Errorf("stats.Refs = %d while paused, want 0", m.stats.Refs)
	}
	if !strings.Contains(m.View(), "[paused]") {
		t.Error("View() does not show the paused marker")
	}
}

func TestModel_Quit(t *testing.T) {
	m, stop := New(&fakeSource{}, nil, 0)
	defer stop()
	if m.interval != 500*time.Millisecond {
		t.Errorf("default interval = %v, want 500ms", m.interval)
	}

	_, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyCtrlC})
	if cmd == nil {
		t.Fatal("ctrl+c returned no command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("ctrl+c did not quit")
	}
}

func TestModel_Events(t *testing.T) {
	bus := event.NewBus()
	m, stop := New(&fakeSource{}, bus, time.Hour)

	bus.Publish(event.NewWorkerStartedEvent("01HWORKER0000000000000AAAA", ""))
	bus.Publish(event.NewWorkerExitedEvent("01HWORKER0000000000000AAAA", 1, errors.New("boom")))

	for range 2 {
		cmd := m.waitEvent()
		if cmd == nil {
			t.Fatal("waitEvent() = nil with a bus")
		}
		m, _ = update(t, m, cmd())
	}
	if len(m.recent) != 2 {
		t.Fatalf("recent = %d events, want 2", len(m.recent))
	}
	if !strings.Contains(m.recent[0], "worker 0000AAAA started") {
		t.Errorf("recent[0] = %q, want the start", m.recent[0])
	}
	if !strings.Contains(m.recent[1], "exited (1): boom") {
		t.Errorf("recent[1] = %q, want the exit", m.recent[1])
	}

	stop()
	if n := bus.SubscriptionCount(); n != 0 {
		t.Errorf("SubscriptionCount() after stop = %d, want 0", n)
	}

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("c")})
	if len(m.recent) != 0 {
		t.Errorf("recent after clear = %d, want 0", len(m.recent))
	}
}

func TestModel_EventRingIsBounded(t *testing.T) {
	m, stop := New(&fakeSource{}, nil, time.Hour)
	defer stop()

	for i := range maxEvents + 5 {
		m, _ = update(t, m, eventMsg{event.NewLedgerChangedEvent(i)})
	}
	if len(m.recent) != maxEvents {
		t.Errorf("recent = %d, want %d", len(m.recent), maxEvents)
	}
	if m.dropped != 5 {
		t.Errorf("dropped = %d, want 5", m.dropped)
	}
	if !strings.Contains(m.View(), "5 older not shown") {
		t.Error("View() does not report dropped events")
	}
}

func TestModel_LongEventsFitWidth(t *testing.T) {
	m, stop := New(&fakeSource{}, nil, time.Hour)
	defer stop()

	m, _ = update(t, m, tea.WindowSizeMsg{Width: 40, Height: 30})
	cause := errors.New(strings.Repeat("stack frame ", 30))
	m, _ = update(t, m, eventMsg{event.NewWorkerExitedEvent("01HWORKER0000000000000AAAA", 1, cause)})

	var found bool
	for _, line := range strings.Split(m.View(), "\n") {
		if !strings.Contains(line, "0000AAAA") {
			continue
		}
		found = true
		if w := ansi.StringWidth(line); w > 40 {
			t.Errorf("event line width = %d, want at most 40", w)
		}
		if !strings.HasSuffix(ansi.Strip(line), "…") {
			t.Errorf("event line %q not marked as truncated", ansi.Strip(line))
		}
	}
	if !found {
		t.Error("View() does not show the event")
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		name string
		e    event.Event
		want string
	}{
		{"global port", event.NewPortListeningEvent("echo", true), "port echo listening (global)"},
		{"closed port", event.NewPortClosedEvent("echo", false, 2), "port echo closed, 2 refused"},
		{"inbound link", event.NewLinkOpenedEvent("01HLINK", "echo", false, true), "opened inbound on echo"},
		{"link by peer", event.NewLinkClosedEvent("01HLINK", "echo", true, 0), "closed by peer"},
		{"transport", event.NewTransportAttachedEvent("websocket"), "transport websocket attached"},
		{"detach", event.NewTransportDetachedEvent("pipe", nil, 3), "3 links closed"},
		{"nested worker", event.NewWorkerStartedEvent("child", "parent"), "worker child started by parent"},
		{"companion", event.NewCompanionStartedEvent(42, "bridge"), "companion 42 started: bridge"},
		{"ledger", event.NewLedgerChangedEvent(4), "ledger 4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := describe(tt.e); !strings.Contains(got, tt.want) {
				t.Errorf("describe() = %q, want it to contain %q", got, tt.want)
			}
		})
	}
}
