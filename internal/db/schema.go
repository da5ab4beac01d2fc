package db

import "time"

// Cadence is the recurrence filter applied to the local day-of-week
type Cadence string

const (
	CadenceDaily    Cadence = "daily"
	CadenceWeekdays Cadence = "weekdays"
	CadenceWeekends Cadence = "weekends"
)

// Valid reports whether c is a known cadence
func (c Cadence) Valid() bool {
	switch c {
	case CadenceDaily, CadenceWeekdays, CadenceWeekends:
		return true
	default:
		return false
	}
}

// JobStatus is the lifecycle state of a CallJob
type JobStatus string

const (
	StatusPending         JobStatus = "pending"
	StatusDispatching     JobStatus = "dispatching"
	StatusSucceeded       JobStatus = "succeeded"
	StatusFailedRetryable JobStatus = "failed_retryable"
	StatusFailedTerminal  JobStatus = "failed_terminal"
)

// Terminal reports whether no further transition leaves s
func (s JobStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailedTerminal
}

// CallSettings is one user's daily call configuration
type CallSettings struct {
	UserID    string
	PhoneE164 string
	Timezone  string // IANA zone, e.g. America/New_York
	TimeOfDay string // HH:MM, 24-hour local wall time
	Cadence   Cadence
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CallJob is the ledger record for one user's call on one local calendar day.
// Records are never deleted.
type CallJob struct {
	ID          string
	UserID      string
	LocalDate   string // YYYY-MM-DD in the user's zone
	PhoneE164   string // number dialled, captured at reservation
	ScheduledAt time.Time
	Status      JobStatus
	Attempt     int
	LastError   *string
	LastErrorAt *time.Time
	NextRetryAt *time.Time // set while failed_retryable
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ActiveKey is the value of the unique slot column while a job holds its day.
func ActiveKey(userID, localDate string) string {
	return userID + "|" + localDate
}
