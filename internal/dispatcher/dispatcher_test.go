package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/wakecall/internal/db"
	"github.com/livinlefevreloca/wakecall/internal/events"
	"github.com/livinlefevreloca/wakecall/internal/ledger"
	"github.com/livinlefevreloca/wakecall/internal/provider"
	"github.com/livinlefevreloca/wakecall/internal/testutil"
)

const phone = "+14155550100"

type harness struct {
	ledger     *ledger.Ledger
	placer     *testutil.FakePlacer
	sink       *testutil.RecordingSink
	logs       *testutil.TestLogger
	dispatcher *Dispatcher
}

func newHarness(t *testing.T, config Config, maxAttempts int, script ...testutil.Outcome) *harness {
	t.Helper()

	logs := testutil.NewTestLogger()
	h := &harness{
		ledger: ledger.New(testutil.NewTestDB(t), logs.Logger()),
		placer: testutil.NewFakePlacer(script...),
		sink:   testutil.NewRecordingSink(),
		logs:   logs,
	}

	d, err := New(config, maxAttempts, h.ledger, h.placer, h.sink, logs.Logger())
	require.NoError(t, err)
	h.dispatcher = d
	return h
}

func (h *harness) reserve(t *testing.T, userID string) db.CallJob {
	t.Helper()
	job, err := h.ledger.Reserve(context.Background(), userID, "2024-03-11", phone,
		time.Date(2024, 3, 11, 13, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return *job
}

// redispatch requeues a failed_retryable job and dispatches it again.
func (h *harness) redispatch(t *testing.T, jobID string) Outcome {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.ledger.Requeue(ctx, jobID))
	job, err := h.ledger.Get(ctx, jobID)
	require.NoError(t, err)

	outcome, err := h.dispatcher.Dispatch(ctx, *job)
	require.NoError(t, err)
	return outcome
}

func transient() testutil.Outcome {
	return testutil.Outcome{Err: errors.New("connection reset")}
}

func TestDispatch_Success(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 3, testutil.Outcome{Receipt: provider.Receipt{ProviderCallID: "CA1"}})
	job := h.reserve(t, "user-1")

	outcome, err := h.dispatcher.Dispatch(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, db.StatusSucceeded, outcome.Status)
	assert.Equal(t, 1, outcome.Attempt)
	assert.Equal(t, "CA1", outcome.ProviderCallID)
	assert.NoError(t, outcome.Err)
	assert.Equal(t, []string{phone}, h.placer.Calls())

	stored, err := h.ledger.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusSucceeded, stored.Status)
	assert.Equal(t, 1, stored.Attempt)
	assert.Nil(t, stored.LastError)

	attempts := h.sink.EventsOfKind(events.KindAttempt)
	require.Len(t, attempts, 1)
	assert.Equal(t, "user-1", attempts[0].UserID)
	assert.Equal(t, job.ID, attempts[0].JobID)
	assert.Equal(t, "CA1", attempts[0].ProviderCallID)

	terminal := h.sink.EventsOfKind(events.KindTerminal)
	require.Len(t, terminal, 1)
	assert.Equal(t, db.StatusSucceeded, terminal[0].Status)
}

func TestDispatch_TransientRetriesUntilMaxAttempts(t *testing.T) {
	const maxAttempts = 3
	h := newHarness(t, DefaultConfig(), maxAttempts)
	h.placer.SetFallback(transient())
	job := h.reserve(t, "user-1")

	outcome, err := h.dispatcher.Dispatch(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, db.StatusFailedRetryable, outcome.Status)
	assert.Equal(t, 1, outcome.Attempt)
	assert.ErrorIs(t, outcome.Err, ErrTransient)

	outcome = h.redispatch(t, job.ID)
	assert.Equal(t, db.StatusFailedRetryable, outcome.Status)
	assert.Equal(t, 2, outcome.Attempt)

	outcome = h.redispatch(t, job.ID)
	assert.Equal(t, db.StatusFailedTerminal, outcome.Status)
	assert.Equal(t, 3, outcome.Attempt)

	// maxAttempts - 1 retries after the first attempt.
	assert.Equal(t, maxAttempts, h.placer.CallCount())

	stored, err := h.ledger.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusFailedTerminal, stored.Status)
	require.NotNil(t, stored.LastError)
	assert.Contains(t, *stored.LastError, "connection reset")

	assert.Len(t, h.sink.EventsOfKind(events.KindAttempt), 3)
	terminal := h.sink.EventsOfKind(events.KindTerminal)
	require.Len(t, terminal, 1)
	assert.Equal(t, db.StatusFailedTerminal, terminal[0].Status)
	assert.Equal(t, 3, terminal[0].Attempt)
}

func TestDispatch_PermanentShortCircuits(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 10,
		testutil.Outcome{Err: provider.Permanent(errors.New("number unreachable"))})
	job := h.reserve(t, "user-1")

	outcome, err := h.dispatcher.Dispatch(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, db.StatusFailedTerminal, outcome.Status)
	assert.Equal(t, 1, outcome.Attempt)
	assert.ErrorIs(t, outcome.Err, ErrPermanent)
	assert.NotErrorIs(t, outcome.Err, ErrTransient)
	assert.Equal(t, 1, h.placer.CallCount())

	// The slot is free again for a corrected number.
	_, err = h.ledger.Reserve(context.Background(), "user-1", "2024-03-11", "+14155550199", time.Now())
	assert.NoError(t, err)
}

func TestDispatch_TimeoutIsTransient(t *testing.T) {
	config := DefaultConfig()
	config.CallTimeout = 20 * time.Millisecond
	h := newHarness(t, config, 3, testutil.Outcome{Block: true})
	job := h.reserve(t, "user-1")

	outcome, err := h.dispatcher.Dispatch(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, db.StatusFailedRetryable, outcome.Status)
	assert.ErrorIs(t, outcome.Err, ErrTransient)
	assert.ErrorIs(t, outcome.Err, context.DeadlineExceeded)
}

func TestDispatch_SingleAttemptBudget(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 1, transient())
	job := h.reserve(t, "user-1")

	outcome, err := h.dispatcher.Dispatch(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, db.StatusFailedTerminal, outcome.Status)
}

func TestDispatch_ConcurrentDispatchPlacesOneCall(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 3)
	job := h.reserve(t, "user-1")

	const workers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		claimed  int
		rejected int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.dispatcher.Dispatch(context.Background(), job)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				claimed++
			} else if errors.Is(err, ledger.ErrIllegalTransition) {
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, claimed)
	assert.Equal(t, workers-1, rejected)
	assert.Equal(t, 1, h.placer.CallCount())
}

// TestDispatch_CancelledWaitDoesNotClaim verifies a throttled dispatch that is
// cancelled places nothing and leaves the job claimable by a later sweep.
func TestDispatch_CancelledWaitDoesNotClaim(t *testing.T) {
	config := DefaultConfig()
	config.RatePerSecond = 0.001
	config.Burst = 1
	h := newHarness(t, config, 3)
	first := h.reserve(t, "user-1")
	second := h.reserve(t, "user-2")

	_, err := h.dispatcher.Dispatch(context.Background(), first)
	require.NoError(t, err)

	// The only token is spent; the next wait cannot finish before the deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = h.dispatcher.Dispatch(ctx, second)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ledger.ErrIllegalTransition)

	stored, err := h.ledger.Get(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusPending, stored.Status)
	assert.Equal(t, 0, stored.Attempt)
	assert.Equal(t, 1, h.placer.CallCount())

	// Still claimable: exactly one later claim wins.
	require.NoError(t, h.ledger.MarkDispatching(context.Background(), second.ID))
	assert.ErrorIs(t, h.ledger.MarkDispatching(context.Background(), second.ID), ledger.ErrIllegalTransition)
}

func TestNew_ValidatesConfig(t *testing.T) {
	l := ledger.New(testutil.NewTestDB(t), testutil.NewTestLogger().Logger())
	placer := testutil.NewFakePlacer()
	logger := testutil.NewTestLogger().Logger()

	tests := []struct {
		name        string
		mutate      func(*Config)
		maxAttempts int
	}{
		{"zero timeout", func(c *Config) { c.CallTimeout = 0 }, 3},
		{"negative rate", func(c *Config) { c.RatePerSecond = -1 }, 3},
		{"rate without burst", func(c *Config) { c.Burst = 0 }, 3},
		{"zero attempts", func(c *Config) {}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(&config)
			_, err := New(config, tt.maxAttempts, l, placer, nil, logger)
			assert.Error(t, err)
		})
	}

	_, err := New(DefaultConfig(), 3, l, placer, nil, logger)
	assert.NoError(t, err, "a nil sink falls back to discarding events")
}
