package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stakpak-dev/runtime/internal/config"
)

// cronParser accepts standard five-field expressions, an optional seconds
// field, and @-descriptors like @hourly.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// atLayouts are the accepted one-shot timestamp formats.
var atLayouts = []string{time.RFC3339, "2006-01-02 15:04"}

// NewSchedule parses a schedule config into its validated form. At least
// one of cron, every, or at must be set; "at" wins over "every" wins over
// "cron" when several are present.
func NewSchedule(cfg config.CronScheduleConfig) (Schedule, error) {
	sched := Schedule{
		CronExpr: strings.TrimSpace(cfg.Cron),
		Every:    cfg.Every,
		Timezone: strings.TrimSpace(cfg.Timezone),
	}

	if at := strings.TrimSpace(cfg.At); at != "" {
		parsed, err := parseAt(at, sched.Timezone)
		if err != nil {
			return Schedule{}, err
		}
		sched.At = parsed
		sched.Kind = "at"
		return sched, nil
	}
	if sched.Every > 0 {
		sched.Kind = "every"
		return sched, nil
	}
	if sched.CronExpr != "" {
		if _, err := cronParser.Parse(sched.CronExpr); err != nil {
			return Schedule{}, fmt.Errorf("invalid cron expression: %w", err)
		}
		sched.Kind = "cron"
		return sched, nil
	}
	return Schedule{}, fmt.Errorf("schedule needs cron, every, or at")
}

// Next returns the next fire time after now, and whether one exists.
func (s Schedule) Next(now time.Time) (time.Time, bool, error) {
	switch s.Kind {
	case "at":
		if s.At.IsZero() {
			return time.Time{}, false, fmt.Errorf("at schedule missing timestamp")
		}
		if now.After(s.At) {
			return time.Time{}, false, nil
		}
		return s.At, true, nil

	case "every":
		if s.Every <= 0 {
			return time.Time{}, false, fmt.Errorf("every schedule missing duration")
		}
		return now.Add(s.Every), true, nil

	case "cron":
		expr, err := cronParser.Parse(s.CronExpr)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("parse cron expression: %w", err)
		}
		reference := now
		if s.Timezone != "" {
			if loc, tzErr := time.LoadLocation(s.Timezone); tzErr == nil {
				reference = now.In(loc)
			}
		}
		next := expr.Next(reference)
		return next, !next.IsZero(), nil
	}
	return time.Time{}, false, fmt.Errorf("unknown schedule kind %q", s.Kind)
}

// parseAt tries the accepted layouts, in the job's timezone first.
func parseAt(value, tz string) (time.Time, error) {
	if tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			for _, layout := range atLayouts {
				if parsed, err := time.ParseInLocation(layout, value, loc); err == nil {
					return parsed, nil
				}
			}
		}
	}
	for _, layout := range atLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid at timestamp: %s", value)
}
