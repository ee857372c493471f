package resilience

import (
	"errors"
	"fmt"
	"math"
	"time"
)

const maxDuration = time.Duration(math.MaxInt64)

// BackoffPolicy defines how long a worker loop waits between iterations.
//
// After a success the loop waits PollInterval. After an error the loop waits
// Baseline until more than GracePeriod consecutive errors have happened, then
// Baseline * Rate^(errors - GracePeriod). Growth is capped by MaxExponent,
// MaxDelay, or both; at least one must be set.
type BackoffPolicy struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Baseline     time.Duration `yaml:"baseline"`
	GracePeriod  uint          `yaml:"grace_period"`
	Rate         float64       `yaml:"rate"`
	MaxExponent  uint          `yaml:"max_exponent"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// DefaultBackoffPolicy returns the policy used when a loop is not configured
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		PollInterval: 200 * time.Millisecond,
		Baseline:     time.Second,
		GracePeriod:  1,
		Rate:         2,
		MaxDelay:     30 * time.Second,
	}
}

// ApplyDefaults fills unset durations and the cap from DefaultBackoffPolicy.
// Rate and GracePeriod are left alone since zero is meaningful for both.
func (p *BackoffPolicy) ApplyDefaults() {
	d := DefaultBackoffPolicy()
	if p.PollInterval == 0 {
		p.PollInterval = d.PollInterval
	}
	if p.Baseline == 0 {
		p.Baseline = d.Baseline
	}
	if p.MaxExponent == 0 && p.MaxDelay == 0 {
		p.MaxDelay = d.MaxDelay
	}
}

// Validate checks the policy is bounded and self-consistent.
func (p BackoffPolicy) Validate() error {
	var errs []error
	if p.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("poll_interval must not be negative, got %s", p.PollInterval))
	}
	if p.Baseline < 0 {
		errs = append(errs, fmt.Errorf("baseline must not be negative, got %s", p.Baseline))
	}
	if p.Rate < 0 || math.IsNaN(p.Rate) || math.IsInf(p.Rate, 0) {
		errs = append(errs, fmt.Errorf("rate must be a finite non-negative number, got %v", p.Rate))
	}
	if p.MaxExponent == 0 && p.MaxDelay == 0 {
		errs = append(errs, errors.New("one of max_exponent or max_delay must be set"))
	}
	if p.MaxDelay != 0 && p.MaxDelay < p.Baseline {
		errs = append(errs, fmt.Errorf("max_delay %s is below baseline %s", p.MaxDelay, p.Baseline))
	}
	return errors.Join(errs...)
}

// DelayAfterSuccess is the target interval between successful iterations.
func (p BackoffPolicy) DelayAfterSuccess() time.Duration {
	return p.PollInterval
}

// DelayAfterError returns the delay following the given number of consecutive
// errors. It is non-decreasing in consecutiveErrors and never exceeds the cap.
// Rates at or below 1 produce no growth.
func (p BackoffPolicy) DelayAfterError(consecutiveErrors uint) time.Duration {
	if consecutiveErrors <= p.GracePeriod || p.Rate <= 1 {
		return p.Baseline
	}

	exponent := consecutiveErrors - p.GracePeriod
	if p.MaxExponent > 0 && exponent > p.MaxExponent {
		exponent = p.MaxExponent
	}

	delay := float64(p.Baseline) * math.Pow(p.Rate, float64(exponent))

	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if delay >= float64(maxDuration) {
		return maxDuration
	}
	return time.Duration(delay)
}

// RemainingDelay subtracts the time already spent in an iteration from the
// target delay, never going below zero.
func RemainingDelay(target, elapsed time.Duration) time.Duration {
	if elapsed >= target {
		return 0
	}
	return target - elapsed
}
