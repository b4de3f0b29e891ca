// Package cron evaluates cron expressions for schedule due-time computation.
//
// All computation happens in UTC. Display-timezone conversion belongs to the
// presentation layer.
package cron

import (
	"fmt"
	"time"

	robfig "github.com/robfig/cron/v3"

	"github.com/lllypuk/beacon/internal/domain/errs"
)

// parser accepts the standard 5-field syntax plus descriptors such as
// @hourly, @daily, @weekly, @monthly, @yearly and @every <duration>.
var parser = robfig.NewParser(
	robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow | robfig.Descriptor,
)

// Validate checks that expr is a parseable cron expression.
// It returns a wrapped errs.ErrInvalidExpression on failure, so callers can
// reject bad expressions synchronously at edit time.
func Validate(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("%w: %q: %v", errs.ErrInvalidExpression, expr, err)
	}
	return nil
}

// Next returns the earliest instant strictly after `after` at which expr
// qualifies, in UTC.
func Next(expr string, after time.Time) (time.Time, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %v", errs.ErrInvalidExpression, expr, err)
	}
	return sched.Next(after.UTC()), nil
}

// IsDue reports whether expr has a qualifying instant in (lastRun, now].
// A zero lastRun means the schedule has never run and is considered due.
func IsDue(expr string, lastRun, now time.Time) (bool, error) {
	if lastRun.IsZero() {
		return true, nil
	}
	next, err := Next(expr, lastRun)
	if err != nil {
		return false, err
	}
	return !next.After(now.UTC()), nil
}
