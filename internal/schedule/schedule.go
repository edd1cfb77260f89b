// Package schedule defines the routine/schedule collaborator contract the
// engine consumes. The engine never persists schedules itself; it derives
// one-shot messages from them on demand.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrRoutineNotFound = errors.New("routine not found")

// Occurrence is one (day-of-week, time-of-day) pair within a routine's
// recurring weekly schedule.
type Occurrence struct {
	Weekday      time.Weekday
	At           TimeOfDay
	AlarmEnabled bool
}

// Owner identifies the recipient a routine's notifications go to. A routine
// whose owner has no device token produces no messages.
type Owner struct {
	RecipientID string
	DisplayName string
	DeviceToken string
}

// Routine is a routine's identity plus its weekly schedule.
type Routine struct {
	ID          string
	Title       string
	Occurrences []Occurrence
}

// Provider is the read-only contract onto the routine subsystem.
type Provider interface {
	// GetRoutine returns the routine's title and schedule occurrences.
	GetRoutine(ctx context.Context, routineID string) (Routine, error)
	// GetOwner returns the recipient the routine notifies.
	GetOwner(ctx context.Context, routineID string) (Owner, error)
	// ListForWeekday returns ids of every routine with at least one
	// alarm-enabled occurrence on the given weekday. The daily sweep walks
	// this list at day start.
	ListForWeekday(ctx context.Context, day time.Weekday) ([]string, error)
}

// TimeOfDay is a clock time with minute precision.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parsed, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q (use HH:MM): %w", s, err)
	}
	return TimeOfDay{Hour: parsed.Hour(), Minute: parsed.Minute()}, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// On anchors the time of day to the calendar date of day in loc.
func (t TimeOfDay) On(day time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := day.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), t.Hour, t.Minute, 0, 0, loc)
}

func parseWeekday(s string) (time.Weekday, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sunday", "sun":
		return time.Sunday, nil
	case "monday", "mon":
		return time.Monday, nil
	case "tuesday", "tue":
		return time.Tuesday, nil
	case "wednesday", "wed":
		return time.Wednesday, nil
	case "thursday", "thu":
		return time.Thursday, nil
	case "friday", "fri":
		return time.Friday, nil
	case "saturday", "sat":
		return time.Saturday, nil
	}
	return 0, fmt.Errorf("invalid weekday %q", s)
}
