package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/bastion-sh/bastion/internal/store"
)

// visibleEvents is how many tail event lines the watcher shows.
const visibleEvents = 12

// View implements tea.Model
func (m *Model) View() string {
	if m.Quitting {
		return ""
	}
	if m.Run == nil {
		return "  loading...\n"
	}

	var b strings.Builder

	b.WriteString(m.renderHeader())
	b.WriteString("\n\n")
	b.WriteString(m.renderProgress())
	b.WriteString(m.renderEvents())

	if m.Done {
		b.WriteString(m.renderOutcome())
	} else {
		b.WriteString(m.renderFooter())
	}
	b.WriteString("\n")

	return b.String()
}

// renderHeader renders the title line with the run id, status, and timer
func (m *Model) renderHeader() string {
	elapsed := time.Since(m.StartTime).Round(time.Second)
	timer := fmt.Sprintf("[%s]", formatDuration(elapsed))

	return fmt.Sprintf("%s  %s  %s  %s",
		m.Styles.Title.Render("Run"),
		m.Styles.RunID.Render(m.Run.ID),
		m.renderStatus(),
		m.Styles.Timer.Render(timer),
	)
}

func (m *Model) renderStatus() string {
	switch m.Run.Status {
	case store.RunQueued:
		return m.Styles.StatusQueued.Render(IconQueued + " queued")
	case store.RunRunning:
		return m.Styles.StatusRunning.Render(IconRunning + " running")
	case store.RunSuccess:
		return m.Styles.StatusSuccess.Render(IconSuccess + " success")
	default:
		return m.Styles.StatusFailed.Render(IconFailed + " " + string(m.Run.Status))
	}
}

// renderProgress renders the latest progress snapshot, if any
func (m *Model) renderProgress() string {
	p := m.Progress
	if p == nil {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "  %s\n", m.Styles.Stage.Render(p.Stage))

	counts := fmt.Sprintf("%d files, %s", p.Done.Files, humanize.Bytes(uint64(p.Done.Bytes)))
	if p.Total != nil && p.Total.Bytes > 0 {
		bar := m.renderProgressBar(p.Done.Bytes, p.Total.Bytes, 24)
		pct := (p.Done.Bytes * 100) / p.Total.Bytes
		counts = fmt.Sprintf("%s of %s (%d%%)", humanize.Bytes(uint64(p.Done.Bytes)),
			humanize.Bytes(uint64(p.Total.Bytes)), pct)
		fmt.Fprintf(&b, "  %s %s", bar, m.Styles.Counts.Render(counts))
	} else {
		fmt.Fprintf(&b, "  %s", m.Styles.Counts.Render(counts))
	}
	if p.RateBPS > 0 {
		fmt.Fprintf(&b, " %s", m.Styles.Counts.Render(
			fmt.Sprintf("@ %s/s", humanize.Bytes(uint64(p.RateBPS)))))
	}
	if p.ETASeconds > 0 {
		fmt.Fprintf(&b, " %s", m.Styles.Counts.Render(
			fmt.Sprintf("eta %s", formatDuration(time.Duration(p.ETASeconds)*time.Second))))
	}
	b.WriteString("\n\n")
	return b.String()
}

// renderProgressBar creates a progress bar of the given width
func (m *Model) renderProgressBar(done, total int64, width int) string {
	if total <= 0 {
		total = 1
	}
	filled := min(int((done*int64(width))/total), width)

	filledStr := strings.Repeat("█", filled)
	emptyStr := strings.Repeat("░", width-filled)

	return "[" +
		m.Styles.ProgressFilled.Render(filledStr) +
		m.Styles.ProgressEmpty.Render(emptyStr) +
		"]"
}

// renderEvents renders the tail of the event stream
func (m *Model) renderEvents() string {
	evs := m.Events
	if len(evs) > visibleEvents {
		evs = evs[len(evs)-visibleEvents:]
	}
	if len(evs) == 0 {
		return ""
	}

	var b strings.Builder
	for _, ev := range evs {
		ts := m.Styles.EventTime.Render(time.Unix(ev.TS, 0).Local().Format("15:04:05"))
		line := fmt.Sprintf("%s %s", ev.Kind, ev.Message)
		fmt.Fprintf(&b, "  %s %s\n", ts, m.eventStyle(ev.Level).Render(line))
	}
	b.WriteString("\n")
	return b.String()
}

func (m *Model) eventStyle(level string) lipgloss.Style {
	switch level {
	case "error":
		return m.Styles.EventError
	case "warn":
		return m.Styles.EventWarn
	default:
		return m.Styles.EventInfo
	}
}

// renderOutcome renders the terminal summary line
func (m *Model) renderOutcome() string {
	if m.Run.Status == store.RunSuccess {
		return m.Styles.StatusSuccess.Render("  run completed")
	}
	msg := fmt.Sprintf("  run %s", m.Run.Status)
	if m.Run.Error != "" {
		msg += ": " + m.Run.Error
	}
	return m.Styles.StatusFailed.Render(msg)
}

// renderFooter renders the help text
func (m *Model) renderFooter() string {
	key := m.Styles.FooterKey.Render("q")
	return m.Styles.Footer.Render(fmt.Sprintf("  Press %s to quit", key))
}

// formatDuration formats a duration as HH:MM:SS
func formatDuration(d time.Duration) string {
	h := d / time.Hour
	d -= h * time.Hour
	mi := d / time.Minute
	d -= mi * time.Minute
	s := d / time.Second

	return fmt.Sprintf("%02d:%02d:%02d", h, mi, s)
}
