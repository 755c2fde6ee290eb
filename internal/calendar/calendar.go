// Package calendar evaluates recurring wall-clock rules such as
// "30 8 * * 1-5" in a fixed IANA time zone. Evaluation is pure: given a
// rule, a zone, and an instant the answer never depends on the host's
// local zone or on a running clock, so firing logic can be tested
// without timers.
package calendar

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/robfig/cron/v3"
)

// ErrInvalidRule is wrapped by every error returned from [Parse].
var ErrInvalidRule = errors.New("invalid calendar rule")

// Rule is a parsed five-field calendar expression bound to a time zone.
// A Rule is immutable and safe for concurrent use.
type Rule struct {
	expr string
	loc  *time.Location
	spec *cron.SpecSchedule
}

// Parse compiles a five-field expression (minute hour day-of-month month
// day-of-week) for the named zone. Descriptors like "@daily" and six-field
// expressions with seconds are rejected; rules are configured by humans
// and should read the same way crontab does.
//
// Rules that restrict both day-of-month and day-of-week are rejected as
// well: crontab ORs the two fields, which surprises more people than it
// helps.
func Parse(expr, zone string) (*Rule, error) {
	expr = strings.Join(strings.Fields(expr), " ")
	if expr == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidRule)
	}

	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("%w: %q has %d fields, want 5 (minute hour day-of-month month day-of-week)",
			ErrInvalidRule, expr, len(fields))
	}
	if restricted(fields[2]) && restricted(fields[4]) {
		return nil, fmt.Errorf("%w: %q restricts both day-of-month and day-of-week", ErrInvalidRule, expr)
	}

	if zone == "" {
		return nil, fmt.Errorf("%w: %q has no time zone", ErrInvalidRule, expr)
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("%w: time zone %q: %v", ErrInvalidRule, zone, err)
	}

	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidRule, expr, err)
	}
	spec, ok := sched.(*cron.SpecSchedule)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a calendar expression", ErrInvalidRule, expr)
	}
	spec.Location = loc

	return &Rule{expr: expr, loc: loc, spec: spec}, nil
}

// restricted reports whether a day field narrows the rule. "?" is the
// Quartz spelling of "*" and both cron libraries accept it.
func restricted(field string) bool {
	return field != "*" && field != "?"
}

// MustParse is like [Parse] but panics on error. For tests and static
// tables only.
func MustParse(expr, zone string) *Rule {
	r, err := Parse(expr, zone)
	if err != nil {
		panic(err)
	}
	return r
}

// Expr returns the normalized expression.
func (r *Rule) Expr() string { return r.expr }

// Location returns the zone the rule is evaluated in.
func (r *Rule) Location() *time.Location { return r.loc }

// String implements fmt.Stringer.
func (r *Rule) String() string {
	return fmt.Sprintf("%s (%s)", r.expr, r.loc)
}

// Matches reports whether the rule fires during the wall-clock minute
// containing t, as observed in the rule's zone.
func (r *Rule) Matches(t time.Time) bool {
	local := t.In(r.loc).Truncate(time.Minute)
	// A Gronx keeps its reference time in the checker, so one per call.
	due, err := gronx.New().IsDue(r.expr, local)
	return err == nil && due
}

// Next returns the first firing instant strictly after t, in the rule's
// zone. It returns the zero time if the rule can never fire again.
func (r *Rule) Next(t time.Time) time.Time {
	return r.spec.Next(t.In(r.loc))
}
