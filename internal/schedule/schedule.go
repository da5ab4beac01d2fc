// Package schedule decides whether a user's daily call is due inside a tick window.
package schedule

import (
	"fmt"
	"time"

	"github.com/livinlefevreloca/wakecall/internal/db"
	"github.com/livinlefevreloca/wakecall/internal/timezone"
)

// Decision is the result of evaluating one user's settings against a window.
type Decision struct {
	Due bool

	// Candidate is the dispatch instant for LocalDate. It is set whenever the
	// settings could be resolved, even when Due is false.
	Candidate time.Time

	// LocalDate is the user's calendar date the candidate belongs to (YYYY-MM-DD).
	LocalDate string
}

// IsDue reports whether settings has a call due in [windowStart, windowEnd).
//
// The candidate instant is derived from the local date of windowEnd. When the window
// straddles local midnight the local date of windowStart is evaluated as well, so a
// 23:59 call is not lost to a window ending at 00:00.
//
// Errors are ErrInvalidTimezone / ErrInvalidTimeOfDay from the timezone package and
// indicate settings that bypassed validation.
func IsDue(settings db.CallSettings, windowStart, windowEnd time.Time) (Decision, error) {
	if !settings.Active {
		return Decision{}, nil
	}

	tod, err := timezone.ParseTimeOfDay(settings.TimeOfDay)
	if err != nil {
		return Decision{}, err
	}
	loc, err := timezone.LoadLocation(settings.Timezone)
	if err != nil {
		return Decision{}, err
	}

	dates := []time.Time{timezone.LocalDate(windowEnd, loc)}
	if startDate := timezone.LocalDate(windowStart, loc); !startDate.Equal(dates[0]) {
		dates = append(dates, startDate)
	}

	var last Decision
	for _, date := range dates {
		candidate := timezone.Resolve(date, tod, loc)
		last = Decision{Candidate: candidate, LocalDate: date.Format(timezone.DateLayout)}

		if candidate.Before(windowStart) || !candidate.Before(windowEnd) {
			continue
		}

		ok, err := MatchesCadence(settings.Cadence, int(candidate.In(loc).Weekday()))
		if err != nil {
			return Decision{}, err
		}
		if !ok {
			continue
		}

		last.Due = true
		return last, nil
	}

	return last, nil
}

// MatchesCadence reports whether a local day-of-week (0 = Sunday) passes the cadence filter.
func MatchesCadence(cadence db.Cadence, dow int) (bool, error) {
	switch cadence {
	case db.CadenceDaily:
		return true, nil
	case db.CadenceWeekdays:
		return dow >= 1 && dow <= 5, nil
	case db.CadenceWeekends:
		return dow == 0 || dow == 6, nil
	default:
		return false, fmt.Errorf("schedule: unknown cadence %q", cadence)
	}
}

// lookaheadDays bounds Next; every cadence matches at least once per 7 local days.
const lookaheadDays = 8

// Next returns the first instant strictly after `after` at which settings would be due,
// ignoring the Active flag. ok is false when nothing is found within the lookahead.
func Next(settings db.CallSettings, after time.Time) (next time.Time, localDate string, ok bool, err error) {
	tod, err := timezone.ParseTimeOfDay(settings.TimeOfDay)
	if err != nil {
		return time.Time{}, "", false, err
	}
	loc, err := timezone.LoadLocation(settings.Timezone)
	if err != nil {
		return time.Time{}, "", false, err
	}

	date := timezone.LocalDate(after, loc)
	for i := 0; i < lookaheadDays; i++ {
		day := date.AddDate(0, 0, i)
		candidate := timezone.Resolve(day, tod, loc)
		if !candidate.After(after) {
			continue
		}
		match, err := MatchesCadence(settings.Cadence, int(candidate.In(loc).Weekday()))
		if err != nil {
			return time.Time{}, "", false, err
		}
		if match {
			return candidate, day.Format(timezone.DateLayout), true, nil
		}
	}
	return time.Time{}, "", false, nil
}
