package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
)

// newTable returns a tabwriter for aligned list output. Callers must
// Flush before returning.
func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

// formatTS renders a unix timestamp for humans; zero renders as "-".
func formatTS(ts int64) string {
	if ts == 0 {
		return "-"
	}
	return time.Unix(ts, 0).Local().Format("2006-01-02 15:04:05")
}

// formatAge renders a unix timestamp relatively ("3 hours ago").
func formatAge(ts int64) string {
	if ts == 0 {
		return "-"
	}
	return humanize.Time(time.Unix(ts, 0))
}

// shortID trims a UUID for list display; full ids remain available to
// the point-lookup commands.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// orDash substitutes "-" for empty cells.
func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// formatBytes renders a byte count like "1.5 MB".
func formatBytes(n int64) string {
	if n < 0 {
		return "-"
	}
	return humanize.Bytes(uint64(n))
}

func printKV(w io.Writer, key, value string) {
	fmt.Fprintf(w, "%-14s %s\n", key+":", value)
}
