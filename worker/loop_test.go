package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/resilience"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testPolicy = resilience.BackoffPolicy{
	PollInterval: 200 * time.Millisecond,
	Baseline:     time.Second,
	GracePeriod:  1,
	Rate:         2,
	MaxDelay:     30 * time.Second,
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
	errors   []uint
}

func (r *recordingObserver) ObserveIteration(outcome string, consecutiveErrors uint, elapsed, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
	r.errors = append(r.errors, consecutiveErrors)
}

// scripted returns a work function that fails on the iterations marked true.
func scripted(failures ...bool) WorkFunc {
	var i int
	return func(ctx context.Context) error {
		defer func() { i++ }()
		if i < len(failures) && failures[i] {
			return errors.New("node unavailable")
		}
		return nil
	}
}

func TestBackoffGrowsAndResetsOnSuccess(t *testing.T) {
	obs := &recordingObserver{}
	l := New(Config{
		Name:     "test",
		Policy:   testPolicy,
		Clock:    clock.NewMock(),
		Observer: obs,
		Work:     scripted(true, true, true, true, false, true),
	})
	ctx := context.Background()

	want := []time.Duration{
		time.Second,            // first error is within grace
		2 * time.Second,        // second error
		4 * time.Second,        // third error
		8 * time.Second,        // fourth error
		200 * time.Millisecond, // success resets the count
		time.Second,            // counting starts again
	}
	for i, w := range want {
		assert.Equal(t, w, l.Iterate(ctx), "iteration %d", i)
	}
	assert.Equal(t, []uint{1, 2, 3, 4, 0, 1}, obs.errors)
	assert.Equal(t, uint(1), l.State().ConsecutiveErrors)
	assert.Equal(t, "node unavailable", l.State().LastError)
	assert.Equal(t, uint64(6), l.State().Iterations)
}

func TestAlternatingOutcomesNeverAccumulate(t *testing.T) {
	l := New(Config{
		Name:   "test",
		Policy: testPolicy,
		Clock:  clock.NewMock(),
		Work:   scripted(true, false, true, false, true, false),
	})
	for i := 0; i < 6; i++ {
		l.Iterate(context.Background())
		if i%2 == 0 {
			assert.Equal(t, uint(1), l.State().ConsecutiveErrors)
		} else {
			assert.Zero(t, l.State().ConsecutiveErrors)
		}
	}
}

func TestElapsedTimeIsSubtractedFromDelay(t *testing.T) {
	mock := clock.NewMock()
	l := New(Config{
		Name:   "test",
		Policy: testPolicy,
		Clock:  mock,
		Work: func(ctx context.Context) error {
			mock.Add(150 * time.Millisecond)
			return nil
		},
	})
	assert.Equal(t, 50*time.Millisecond, l.Iterate(context.Background()))

	slow := New(Config{
		Name:   "slow",
		Policy: testPolicy,
		Clock:  mock,
		Work: func(ctx context.Context) error {
			mock.Add(time.Second)
			return nil
		},
	})
	assert.Zero(t, slow.Iterate(context.Background()))
}

func TestPanicsAreCountedAsErrors(t *testing.T) {
	l := New(Config{
		Name:   "test",
		Policy: testPolicy,
		Clock:  clock.NewMock(),
		Work:   func(ctx context.Context) error { panic("bad state") },
	})
	assert.Equal(t, time.Second, l.Iterate(context.Background()))
	assert.Contains(t, l.State().LastError, "bad state")
}

func TestDisabledLoopSkipsWork(t *testing.T) {
	var enabled atomic.Bool
	var calls int
	obs := &recordingObserver{}
	l := New(Config{
		Name:     "test",
		Policy:   testPolicy,
		Clock:    clock.NewMock(),
		Observer: obs,
		Enabled:  enabled.Load,
		Work: func(ctx context.Context) error {
			calls++
			return errors.New("fails")
		},
	})

	assert.Equal(t, 200*time.Millisecond, l.Iterate(context.Background()))
	assert.Zero(t, calls)
	assert.False(t, l.State().Enabled)

	enabled.Store(true)
	l.Iterate(context.Background())
	assert.Equal(t, 1, calls)
	assert.True(t, l.State().Enabled)
	assert.Equal(t, []string{OutcomeSkipped, OutcomeError}, obs.outcomes)
}

func TestCancellationDuringWorkIsNotAnError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := New(Config{
		Name:   "test",
		Policy: testPolicy,
		Clock:  clock.NewMock(),
		Work: func(ctx context.Context) error {
			cancel()
			return ctx.Err()
		},
	})
	assert.Zero(t, l.Iterate(ctx))
	assert.Zero(t, l.State().ConsecutiveErrors)
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	l := New(Config{
		Name:   "test",
		Policy: resilience.BackoffPolicy{PollInterval: time.Millisecond, Baseline: time.Millisecond, MaxDelay: time.Millisecond},
		Work: func(ctx context.Context) error {
			if calls.Add(1) == 5 {
				cancel()
			}
			return nil
		},
	})

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop after cancel")
	}
	assert.Equal(t, int32(5), calls.Load())
}

func TestRunInterruptsLongSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var once sync.Once
	l := New(Config{
		Name:   "test",
		Policy: resilience.BackoffPolicy{PollInterval: time.Hour, Baseline: time.Hour, MaxDelay: time.Hour},
		Work: func(ctx context.Context) error {
			once.Do(func() { close(started) })
			return nil
		},
	})

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	<-started
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("sleep was not interrupted")
	}
}

func TestRunWithMockClockWaitsForTimer(t *testing.T) {
	mock := clock.NewMock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ran := make(chan struct{}, 10)
	l := New(Config{
		Name:   "test",
		Policy: testPolicy,
		Clock:  mock,
		Work: func(ctx context.Context) error {
			ran <- struct{}{}
			return nil
		},
	})

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	<-ran
	// keep advancing virtual time until the loop has armed its timer and fired
	deadline := time.After(5 * time.Second)
	for fired := false; !fired; {
		mock.Add(testPolicy.PollInterval)
		select {
		case <-ran:
			fired = true
		case <-time.After(time.Millisecond):
		case <-deadline:
			t.Fatal("second iteration never ran")
		}
	}

	cancel()
	require.NoError(t, <-done)
}

func TestNewPanicsWithoutWork(t *testing.T) {
	assert.Panics(t, func() { New(Config{Name: "x"}) })
	assert.Panics(t, func() { New(Config{Work: scripted()}) })
}
