package job

import (
	"errors"
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// RepeatOptions schedules re-enqueueing of a job. Exactly one of Pattern
// or Every must be set.
type RepeatOptions struct {
	// Pattern is a cron expression (e.g. "*/5 * * * *" or "@hourly").
	Pattern string `json:"pattern,omitempty"`

	// Every is a fixed interval between occurrences.
	Every time.Duration `json:"every,omitempty"`

	// Limit bounds the total number of occurrences. Zero means unbounded.
	Limit int `json:"limit,omitempty"`

	// Until stops repetition once the next occurrence would fall after it.
	// Zero means no end date.
	Until time.Time `json:"until,omitempty"`
}

// Validate checks that the repeat options are well formed, including the
// cron pattern when one is set.
func (r *RepeatOptions) Validate() error {
	if r.Pattern == "" && r.Every <= 0 {
		return errors.New("job: repeat requires a cron pattern or a positive interval")
	}
	if r.Pattern != "" && r.Every > 0 {
		return errors.New("job: repeat pattern and interval are mutually exclusive")
	}
	if r.Pattern != "" {
		if _, err := cronParser.Parse(r.Pattern); err != nil {
			return fmt.Errorf("job: invalid repeat pattern %q: %w", r.Pattern, err)
		}
	}
	return nil
}

// Next computes the occurrence following from. The second return is false
// when the schedule is exhausted (past Until, or Limit reached — the
// caller tracks Limit via Remaining copies).
func (r *RepeatOptions) Next(from time.Time) (time.Time, bool) {
	var next time.Time
	if r.Pattern != "" {
		sched, err := cronParser.Parse(r.Pattern)
		if err != nil {
			return time.Time{}, false
		}
		next = sched.Next(from)
	} else {
		next = from.Add(r.Every)
	}
	if next.IsZero() {
		return time.Time{}, false
	}
	if !r.Until.IsZero() && next.After(r.Until) {
		return time.Time{}, false
	}
	return next, true
}

// Decrement returns a copy with one fewer remaining occurrence, and false
// when the limit is exhausted. Unbounded schedules always continue.
func (r *RepeatOptions) Decrement() (RepeatOptions, bool) {
	cp := *r
	if cp.Limit == 0 {
		return cp, true
	}
	cp.Limit--
	return cp, cp.Limit > 0
}
