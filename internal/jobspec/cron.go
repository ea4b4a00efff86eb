package jobspec

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// scheduleParser accepts the stored 6-field form (seconds first).
var scheduleParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

var (
	scheduleMu    sync.RWMutex
	scheduleCache = map[string]cron.Schedule{}
)

// NormalizeSchedule canonicalizes a cron expression into the stored
// 6-field form. 5-field expressions gain a leading literal `0` seconds
// field; 6-field expressions must already carry literal `0` seconds. Any
// other field count is rejected.
func NormalizeSchedule(expr string) (string, error) {
	fields := strings.Fields(expr)
	switch len(fields) {
	case 5:
		fields = append([]string{"0"}, fields...)
	case 6:
		if fields[0] != "0" {
			return "", fmt.Errorf("invalid schedule %q: seconds field must be literal 0", expr)
		}
	default:
		return "", fmt.Errorf("invalid schedule %q: expected 5 or 6 fields, got %d", expr, len(fields))
	}

	normalized := strings.Join(fields, " ")
	if _, err := scheduleFor(normalized); err != nil {
		return "", fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return normalized, nil
}

// scheduleFor parses a normalized expression, caching the result per
// unique string. The scheduler re-evaluates every job every minute, so
// repeated parses of the same expression would dominate the loop.
func scheduleFor(normalized string) (cron.Schedule, error) {
	scheduleMu.RLock()
	sched, ok := scheduleCache[normalized]
	scheduleMu.RUnlock()
	if ok {
		return sched, nil
	}

	sched, err := scheduleParser.Parse(normalized)
	if err != nil {
		return nil, err
	}

	scheduleMu.Lock()
	scheduleCache[normalized] = sched
	scheduleMu.Unlock()
	return sched, nil
}

// MatchesMinute reports whether a normalized schedule fires at the minute
// containing t, evaluated in loc. The schedule matches iff its next firing
// strictly after one second before the minute boundary lands exactly on
// the boundary.
func MatchesMinute(normalized string, t time.Time, loc *time.Location) (bool, error) {
	sched, err := scheduleFor(normalized)
	if err != nil {
		return false, fmt.Errorf("invalid schedule %q: %w", normalized, err)
	}
	boundary := t.In(loc).Truncate(time.Minute)
	return sched.Next(boundary.Add(-time.Second)).Equal(boundary), nil
}
