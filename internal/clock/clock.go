// Package clock normalizes timestamps into the clinic's local time zone
// and derives the calendar day used as the queue partition key.
package clock

import (
	"errors"
	"time"
)

var (
	ErrPastTime         = errors.New("timestamp is in the past")
	ErrInvalidTimestamp = errors.New("invalid timestamp")
)

// Accepted input layouts for API-supplied timestamps. The second form has no
// zone offset; it is interpreted as clinic-local wall time.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

const dayLayout = "2006-01-02"

// Clock carries the clinic time zone and the grace margin for "book now"
// requests. Construct it from config; never read zone state ambiently.
type Clock struct {
	loc    *time.Location
	margin time.Duration

	// NowFunc overrides the wall clock when set. Tests only.
	NowFunc func() time.Time
}

func New(loc *time.Location, pastMargin time.Duration) *Clock {
	if loc == nil {
		loc = time.Local
	}
	return &Clock{loc: loc, margin: pastMargin}
}

func (c *Clock) Location() *time.Location { return c.loc }

func (c *Clock) Now() time.Time {
	if c.NowFunc != nil {
		return c.NowFunc().In(c.loc)
	}
	return time.Now().In(c.loc)
}

// ToLocalAware converts an instant into the clinic zone. Idempotent: a value
// already in the clinic zone is returned unchanged.
func (c *Clock) ToLocalAware(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.In(c.loc)
}

// DayOf returns midnight of the instant's local calendar day. The result is
// what gets persisted into the scheduled_day partition column.
func (c *Clock) DayOf(t time.Time) time.Time {
	lt := t.In(c.loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, c.loc)
}

// Today is DayOf(now).
func (c *Clock) Today() time.Time {
	return c.DayOf(c.Now())
}

// SameDay reports whether two instants fall on the same local calendar day.
func (c *Clock) SameDay(a, b time.Time) bool {
	return c.DayOf(a).Equal(c.DayOf(b))
}

// ValidateNotPast rejects instants strictly earlier than now minus the grace
// margin. The margin tolerates clock skew on "book now" requests.
func (c *Clock) ValidateNotPast(t time.Time) error {
	if c.ToLocalAware(t).Before(c.Now().Add(-c.margin)) {
		return ErrPastTime
	}
	return nil
}

// ParseTimestamp parses an API-supplied timestamp. Inputs without a zone
// offset are taken as clinic-local wall time.
func (c *Clock) ParseTimestamp(s string) (time.Time, error) {
	for i, layout := range timestampLayouts {
		var (
			t   time.Time
			err error
		)
		if i == 0 {
			t, err = time.Parse(layout, s)
		} else {
			t, err = time.ParseInLocation(layout, s, c.loc)
		}
		if err == nil {
			return t.In(c.loc), nil
		}
	}
	return time.Time{}, ErrInvalidTimestamp
}

// ParseDay parses a YYYY-MM-DD calendar day in the clinic zone.
func (c *Clock) ParseDay(s string) (time.Time, error) {
	t, err := time.ParseInLocation(dayLayout, s, c.loc)
	if err != nil {
		return time.Time{}, ErrInvalidTimestamp
	}
	return t, nil
}

// FormatDay renders a day value the way ParseDay reads it.
func FormatDay(t time.Time) string {
	return t.Format(dayLayout)
}
