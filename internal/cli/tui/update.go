package tui

import tea "github.com/charmbracelet/bubbletea"

// Update implements tea.Model
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.Quitting = true
			return m, tea.Quit
		}

	case TickMsg:
		return m, pollCmd(m.Store, m.RunID, m.LastSeq)

	case PollMsg:
		if msg.Err != nil {
			m.Err = msg.Err
			return m, tea.Quit
		}
		m.absorb(msg)
		if m.Run.Status.Terminal() {
			m.Done = true
			return m, tea.Quit
		}
		return m, tickCmd()
	}

	return m, nil
}
