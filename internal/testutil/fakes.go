package testutil

import (
	"context"
	"sync"

	"github.com/livinlefevreloca/wakecall/internal/events"
	"github.com/livinlefevreloca/wakecall/internal/provider"
)

// Outcome is one scripted result of FakePlacer.PlaceCall
type Outcome struct {
	Receipt provider.Receipt
	Err     error
	// Block waits for the call's context to end and returns its error,
	// simulating a provider that never answers.
	Block bool
}

// FakePlacer replays scripted outcomes in order. Once the script runs out it
// keeps returning the fallback outcome.
type FakePlacer struct {
	mu       sync.Mutex
	script   []Outcome
	fallback Outcome
	calls    []string
}

// NewFakePlacer creates a placer that succeeds unless scripted otherwise
func NewFakePlacer(script ...Outcome) *FakePlacer {
	return &FakePlacer{
		script:   script,
		fallback: Outcome{Receipt: provider.Receipt{ProviderCallID: "fake-call"}},
	}
}

// SetFallback replaces the outcome used after the script is exhausted
func (f *FakePlacer) SetFallback(o Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallback = o
}

// PlaceCall implements provider.CallPlacer
func (f *FakePlacer) PlaceCall(ctx context.Context, phoneE164 string) (provider.Receipt, error) {
	f.mu.Lock()
	f.calls = append(f.calls, phoneE164)
	outcome := f.fallback
	if len(f.script) > 0 {
		outcome = f.script[0]
		f.script = f.script[1:]
	}
	f.mu.Unlock()

	if outcome.Block {
		<-ctx.Done()
		return provider.Receipt{}, ctx.Err()
	}
	return outcome.Receipt, outcome.Err
}

// Calls returns the numbers dialled so far
func (f *FakePlacer) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	result := make([]string, len(f.calls))
	copy(result, f.calls)
	return result
}

// CallCount returns how many times PlaceCall ran
func (f *FakePlacer) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// RecordingSink keeps every event it receives
type RecordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func NewRecordingSink() *RecordingSink {
	return &RecordingSink{}
}

// Emit implements events.Sink
func (s *RecordingSink) Emit(_ context.Context, e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *RecordingSink) Events() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]events.Event, len(s.events))
	copy(result, s.events)
	return result
}

// EventsOfKind filters recorded events by kind
func (s *RecordingSink) EventsOfKind(kind events.Kind) []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]events.Event, 0)
	for _, e := range s.events {
		if e.Kind == kind {
			result = append(result, e)
		}
	}
	return result
}
