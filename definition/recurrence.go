package definition

import (
	"fmt"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

var recurrenceAliases = map[string]time.Duration{
	"hourly": time.Hour,
	"daily":  24 * time.Hour,
	"weekly": 7 * 24 * time.Hour,
}

// fixedInterval recurs exactly every d after the previous fire time. Unlike
// cron's "@every" it keeps sub-second precision.
type fixedInterval time.Duration

func (d fixedInterval) Next(t time.Time) time.Time {
	return t.Add(time.Duration(d))
}

// ParseRecurrence parses a timer recurrence rule. Besides cron expressions and
// descriptors it accepts the aliases hourly, daily and weekly. Aliases and
// "@every" rules recur at a fixed interval from the previous fire time.
func ParseRecurrence(rule string) (cronlib.Schedule, error) {
	rule = strings.TrimSpace(rule)
	if rule == "" {
		return nil, fmt.Errorf("empty recurrence")
	}
	if d, ok := recurrenceAliases[strings.ToLower(rule)]; ok {
		return fixedInterval(d), nil
	}
	if every, ok := strings.CutPrefix(rule, "@every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(every))
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid recurrence %q: interval must be a positive duration", rule)
		}
		return fixedInterval(d), nil
	}
	sched, err := cronParser.Parse(rule)
	if err != nil {
		return nil, fmt.Errorf("invalid recurrence %q: %w", rule, err)
	}
	return sched, nil
}

// NextFire returns the successor fire time of a recurring timer.
func NextFire(rule string, prev time.Time) (time.Time, error) {
	sched, err := ParseRecurrence(rule)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(prev)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("recurrence %q has no fire time after %s", rule, prev.Format(time.RFC3339))
	}
	return next, nil
}
