// Package worker runs a unit of work repeatedly with backoff between failures.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/logging"
	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/resilience"
)

// Iteration outcomes reported to the Observer.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

// WorkFunc is one iteration of a loop.
type WorkFunc func(ctx context.Context) error

// Observer receives a report after every iteration.
type Observer interface {
	ObserveIteration(outcome string, consecutiveErrors uint, elapsed, delay time.Duration)
}

// Config describes a loop. Name and Work are required.
type Config struct {
	Name     string
	Policy   resilience.BackoffPolicy
	Clock    clock.Clock
	Logger   *logging.ComponentLogger
	Observer Observer
	// Enabled is checked before every iteration; a disabled loop skips its
	// work and waits the success interval. Nil means always enabled.
	Enabled func() bool
	Work    WorkFunc
}

// RunState is a point-in-time copy of a loop's bookkeeping.
type RunState struct {
	ConsecutiveErrors uint          `json:"consecutive_errors"`
	LastDelay         time.Duration `json:"last_delay"`
	LastError         string        `json:"last_error,omitempty"`
	LastSuccessAt     time.Time     `json:"last_success_at"`
	Iterations        uint64        `json:"iterations"`
	Enabled           bool          `json:"enabled"`
}

// Loop is a long-running worker. Run and Iterate must not be called concurrently.
type Loop struct {
	name     string
	policy   resilience.BackoffPolicy
	clock    clock.Clock
	logger   *logging.ComponentLogger
	observer Observer
	enabled  func() bool
	work     WorkFunc

	mu          sync.RWMutex
	state       RunState
	wasEnabled  bool
	initialized bool
}

// New builds a loop. It panics when Name or Work is missing.
func New(cfg Config) *Loop {
	if cfg.Name == "" || cfg.Work == nil {
		panic("worker: loop requires a name and a work function")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	return &Loop{
		name:     cfg.Name,
		policy:   cfg.Policy,
		clock:    cfg.Clock,
		logger:   cfg.Logger.With(cfg.Name),
		observer: cfg.Observer,
		enabled:  cfg.Enabled,
		work:     cfg.Work,
	}
}

func (l *Loop) Name() string {
	return l.name
}

// State returns a copy of the loop's run state.
func (l *Loop) State() RunState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Run iterates until ctx is cancelled. Cancellation is a clean stop and
// returns nil.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Debug().Msg("Worker loop started")
	defer func() { l.logger.Debug().Msg("Worker loop stopped") }()

	for {
		if ctx.Err() != nil {
			return nil
		}
		delay := l.Iterate(ctx)
		if !l.sleep(ctx, delay) {
			return nil
		}
	}
}

// Iterate runs a single iteration and returns the delay before the next one.
func (l *Loop) Iterate(ctx context.Context) time.Duration {
	start := l.clock.Now()

	if !l.checkEnabled() {
		delay := l.policy.DelayAfterSuccess()
		l.record(OutcomeSkipped, nil, 0, delay)
		return delay
	}

	err := l.runWork(ctx)
	elapsed := l.clock.Since(start)

	if err != nil && ctx.Err() != nil {
		// shutting down, not a failure
		return 0
	}

	var target time.Duration
	if err == nil {
		target = l.policy.DelayAfterSuccess()
	} else {
		target = l.policy.DelayAfterError(l.nextErrorCount())
	}
	delay := resilience.RemainingDelay(target, elapsed)

	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	count := l.record(outcome, err, elapsed, delay)

	if err != nil {
		l.logger.Warn().
			Err(err).
			Uint("consecutive_errors", count).
			Dur("elapsed", elapsed).
			Dur("retry_in", delay).
			Msg("Worker loop iteration failed")
	}
	return delay
}

func (l *Loop) nextErrorCount() uint {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.ConsecutiveErrors + 1
}

func (l *Loop) record(outcome string, err error, elapsed, delay time.Duration) uint {
	l.mu.Lock()
	switch outcome {
	case OutcomeSuccess:
		l.state.ConsecutiveErrors = 0
		l.state.LastError = ""
		l.state.LastSuccessAt = l.clock.Now()
	case OutcomeError:
		l.state.ConsecutiveErrors++
		l.state.LastError = err.Error()
	}
	l.state.LastDelay = delay
	l.state.Iterations++
	errs := l.state.ConsecutiveErrors
	l.mu.Unlock()

	if l.observer != nil {
		l.observer.ObserveIteration(outcome, errs, elapsed, delay)
	}
	return errs
}

func (l *Loop) checkEnabled() bool {
	enabled := l.enabled == nil || l.enabled()

	l.mu.Lock()
	changed := !l.initialized || l.wasEnabled != enabled
	first := !l.initialized
	l.initialized = true
	l.wasEnabled = enabled
	l.state.Enabled = enabled
	l.mu.Unlock()

	if changed && !(first && enabled) {
		if enabled {
			l.logger.Info().Msg("Worker loop enabled")
		} else {
			l.logger.Info().Msg("Worker loop disabled")
		}
	}
	return enabled
}

func (l *Loop) runWork(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker loop %s panicked: %v", l.name, r)
		}
	}()
	return l.work(ctx)
}

// sleep waits for delay on the loop's clock. It returns false if ctx was
// cancelled first.
func (l *Loop) sleep(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() == nil
	}
	timer := l.clock.Timer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// IsCancellation reports whether err only signals shutdown.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
