// Package schedule parses swarm schedules: a cron expression or an
// "every <duration>" interval.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

const (
	KindCron     = "cron"
	KindInterval = "interval"
)

type Schedule struct {
	Kind     string
	CronExpr string
	Interval time.Duration
}

func Parse(raw string) (*Schedule, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	if rest, ok := strings.CutPrefix(raw, "every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return nil, fmt.Errorf("invalid interval %q: %w", rest, err)
		}
		if d < time.Second {
			return nil, fmt.Errorf("interval %s is shorter than one second", d)
		}
		return &Schedule{Kind: KindInterval, Interval: d}, nil
	}

	if !gronx.New().IsValid(raw) {
		return nil, fmt.Errorf("invalid cron expression %q", raw)
	}
	return &Schedule{Kind: KindCron, CronExpr: raw}, nil
}

// Validate reports whether raw is a usable schedule.
func Validate(raw string) error {
	_, err := Parse(raw)
	return err
}

// Next returns the first run strictly after the given time.
func (s *Schedule) Next(after time.Time) (time.Time, error) {
	switch s.Kind {
	case KindInterval:
		return after.Add(s.Interval), nil
	case KindCron:
		next, err := gronx.NextTickAfter(s.CronExpr, after, false)
		if err != nil {
			return time.Time{}, fmt.Errorf("next tick: %w", err)
		}
		return next, nil
	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind: %s", s.Kind)
	}
}

// NextRun parses raw and returns its next run after the given time, or nil
// when raw is not a valid schedule.
func NextRun(raw string, after time.Time) *time.Time {
	s, err := Parse(raw)
	if err != nil {
		return nil
	}
	next, err := s.Next(after)
	if err != nil {
		return nil
	}
	return &next
}

// Describe returns a human-readable form of a schedule.
func Describe(raw string) string {
	s, err := Parse(raw)
	if err != nil {
		return raw
	}

	if s.Kind == KindCron {
		return s.CronExpr
	}

	d := s.Interval
	switch {
	case d%time.Hour == 0:
		if h := int(d.Hours()); h == 1 {
			return "Every hour"
		} else {
			return fmt.Sprintf("Every %d hours", h)
		}
	case d%time.Minute == 0:
		if m := int(d.Minutes()); m == 1 {
			return "Every minute"
		} else {
			return fmt.Sprintf("Every %d minutes", m)
		}
	default:
		return fmt.Sprintf("Every %s", d)
	}
}
