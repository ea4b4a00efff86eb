// Package tui renders a live run watcher in the terminal. The watcher
// polls the store rather than the hub's in-process bus, so it works
// from any process that can read the database, including while the hub
// daemon owns the run.
package tui

import (
	"encoding/json"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/bastion-sh/bastion/internal/events"
	"github.com/bastion-sh/bastion/internal/store"
)

// pollInterval is how often the watcher re-reads the run and its
// events. The event seq keeps polling cheap: each poll fetches only
// rows it has not seen.
const pollInterval = 500 * time.Millisecond

// eventLimit caps the retained tail of the event stream.
const eventLimit = 200

// Model is the bubbletea model for watching one run.
type Model struct {
	Store  *store.Store
	RunID  string
	Styles Styles

	Run      *store.Run
	Events   []*store.RunEvent
	Progress *events.ProgressSnapshot
	LastSeq  int64

	StartTime time.Time
	Err       error
	Quitting  bool
	Done      bool
}

// NewWatchModel creates a watcher for the given run.
func NewWatchModel(st *store.Store, runID string) *Model {
	return &Model{
		Store:     st,
		RunID:     runID,
		Styles:    DefaultStyles(),
		StartTime: time.Now(),
	}
}

// Init implements tea.Model
func (m *Model) Init() tea.Cmd {
	return pollCmd(m.Store, m.RunID, m.LastSeq)
}

// TickMsg schedules the next poll.
type TickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// PollMsg carries one poll's results: the current run row and the
// events appended since the last poll.
type PollMsg struct {
	Run    *store.Run
	Events []*store.RunEvent
	Err    error
}

func pollCmd(st *store.Store, runID string, afterSeq int64) tea.Cmd {
	return func() tea.Msg {
		run, err := st.GetRun(runID)
		if err != nil {
			return PollMsg{Err: err}
		}
		evs, err := st.ListRunEventsAfterSeq(runID, afterSeq)
		if err != nil {
			return PollMsg{Err: err}
		}
		return PollMsg{Run: run, Events: evs}
	}
}

// absorb merges one poll into the model state.
func (m *Model) absorb(msg PollMsg) {
	m.Run = msg.Run
	for _, ev := range msg.Events {
		m.LastSeq = ev.Seq
		if ev.Kind == string(events.KindProgressSnapshot) {
			var snap events.ProgressSnapshot
			if json.Unmarshal([]byte(ev.FieldsJSON), &snap) == nil {
				m.Progress = &snap
			}
			continue
		}
		m.Events = append(m.Events, ev)
	}
	if len(m.Events) > eventLimit {
		m.Events = m.Events[len(m.Events)-eventLimit:]
	}
}
