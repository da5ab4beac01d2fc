// Package timezone converts local wall-clock times in IANA zones to UTC instants.
//
// All functions are pure. Offsets are derived for the target local date-time, never
// reused from the reference instant, so conversions stay correct across DST changes.
package timezone

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var (
	ErrInvalidTimezone  = errors.New("timezone: invalid timezone")
	ErrInvalidTimeOfDay = errors.New("timezone: invalid time of day")
)

var timeOfDayRegex = regexp.MustCompile(`^([0-1][0-9]|2[0-3]):([0-5][0-9])$`)

// DateLayout is the layout of a local calendar date (e.g. 2024-03-10).
const DateLayout = "2006-01-02"

// TimeOfDay is a wall-clock time without a date or zone.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// String formats the time as HH:MM.
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// ParseTimeOfDay parses a 24-hour HH:MM string.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	m := timeOfDayRegex.FindStringSubmatch(s)
	if m == nil {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, s)
	}
	h, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	return TimeOfDay{Hour: h, Minute: mm}, nil
}

// LoadLocation resolves an IANA zone identifier. "Local" is rejected: it names
// whatever zone the host runs in, not a fixed set of rules.
func LoadLocation(name string) (*time.Location, error) {
	// time.LoadLocation maps "" to UTC; an empty zone is never a valid setting.
	if name == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidTimezone)
	}
	if name == "Local" {
		return nil, fmt.Errorf("%w: %q is host dependent", ErrInvalidTimezone, name)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimezone, name)
	}
	return loc, nil
}

// LocalTimeToUTC returns the instant at which the wall clock in tz shows timeOfDay on
// the local calendar date that reference falls on.
//
// A time inside a spring-forward gap resolves to the first valid instant at or
// after the nominal time, where the nominal time is measured on the clock in
// force before the transition. The result is therefore pushed forward by the
// length of the gap, not snapped to the transition itself: 02:30 on a
// 02:00→03:00 day becomes 03:30, not 03:00, and 02:15 on a 30-minute gap day
// becomes 02:45. A time inside a fall-back overlap resolves to the earlier,
// pre-transition occurrence.
func LocalTimeToUTC(timeOfDay, tz string, reference time.Time) (time.Time, error) {
	tod, err := ParseTimeOfDay(timeOfDay)
	if err != nil {
		return time.Time{}, err
	}
	loc, err := LoadLocation(tz)
	if err != nil {
		return time.Time{}, err
	}
	return Resolve(LocalDate(reference, loc), tod, loc), nil
}

// LocalDate returns the calendar date (at 00:00 UTC, used only as a y/m/d carrier)
// that instant falls on in loc.
func LocalDate(instant time.Time, loc *time.Location) time.Time {
	y, m, d := instant.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Resolve maps the wall time tod on date (y/m/d only) in loc to a UTC instant
// following the gap and overlap policies of LocalTimeToUTC.
func Resolve(date time.Time, tod TimeOfDay, loc *time.Location) time.Time {
	y, m, d := date.Date()
	// The wall time read as if it were UTC; the real instant is wall - offset.
	wall := time.Date(y, m, d, tod.Hour, tod.Minute, 0, 0, time.UTC)

	before := offsetAt(wall.Add(-24*time.Hour), loc)
	after := offsetAt(wall.Add(24*time.Hour), loc)

	var found time.Time
	for _, off := range []int{before, after} {
		candidate := wall.Add(-time.Duration(off) * time.Second)
		if !showsWallTime(candidate, loc, y, m, d, tod) {
			continue
		}
		if found.IsZero() || candidate.Before(found) {
			found = candidate
		}
	}
	if !found.IsZero() {
		return found.UTC()
	}

	// Gap: no offset reproduces the wall time. Reading it with the pre-transition
	// offset lands the same distance past the transition.
	return wall.Add(-time.Duration(before) * time.Second).UTC()
}

// GetLocalDayOfWeek returns the weekday (0 = Sunday) of the local date instant falls on in tz.
func GetLocalDayOfWeek(tz string, instant time.Time) (int, error) {
	loc, err := LoadLocation(tz)
	if err != nil {
		return 0, err
	}
	return int(instant.In(loc).Weekday()), nil
}

func offsetAt(instant time.Time, loc *time.Location) int {
	_, off := instant.In(loc).Zone()
	return off
}

func showsWallTime(instant time.Time, loc *time.Location, y int, m time.Month, d int, tod TimeOfDay) bool {
	lt := instant.In(loc)
	ly, lm, ld := lt.Date()
	return ly == y && lm == m && ld == d && lt.Hour() == tod.Hour && lt.Minute() == tod.Minute
}
