// Package events publishes one structured event per dispatch attempt and per
// terminal job state.
package events

import (
	"context"
	"time"

	"github.com/livinlefevreloca/wakecall/internal/db"
)

// Kind distinguishes attempt events from terminal-state events
type Kind string

const (
	KindAttempt  Kind = "dispatch_attempt"
	KindTerminal Kind = "job_terminal"
)

// Event describes one step in a call job's life
type Event struct {
	Kind           Kind
	UserID         string
	JobID          string
	Attempt        int
	Status         db.JobStatus
	LastError      string
	ProviderCallID string
	Duration       time.Duration
}

// Sink receives events. Emit must not block on slow consumers.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// Multi fans events out to every sink in order
func Multi(sinks ...Sink) Sink {
	return multiSink(sinks)
}

type multiSink []Sink

func (m multiSink) Emit(ctx context.Context, e Event) {
	for _, s := range m {
		s.Emit(ctx, e)
	}
}

// Discard drops every event
var Discard Sink = discardSink{}

type discardSink struct{}

func (discardSink) Emit(context.Context, Event) {}
