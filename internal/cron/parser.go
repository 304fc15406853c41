// Package cron parses the schedules that drive periodic background work.
package cron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Schedule reports the next firing strictly after a given time.
type Schedule interface {
	Next(after time.Time) time.Time
}

// Parse accepts standard five-field expressions and descriptors such as
// "@hourly" or "@every 10s". Schedules are evaluated in UTC; "@every"
// intervals are rounded to whole seconds, with a one second minimum.
func Parse(expression string) (Schedule, error) {
	sched, err := parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", expression, err)
	}
	return utcSchedule{sched: sched}, nil
}

type utcSchedule struct {
	sched cron.Schedule
}

func (s utcSchedule) Next(after time.Time) time.Time {
	return s.sched.Next(after.UTC())
}
