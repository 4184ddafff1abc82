package usecase

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/aurakai/oracledrive/internal/domain"
)

// Settings keys for the confirmation counters.
const (
	KeyFailedAttempts = "failed_confirmation_attempts"
	KeyLastFailure    = "last_confirmation_attempt" // unix millis
)

// RateLimiter locks out confirmation after maxFailures wrong codes. The
// failure count resets once window has passed since the last failure, or
// on a successful attempt.
type RateLimiter struct {
	mu          sync.Mutex
	settings    domain.SettingsStore
	clock       clock.Clock
	maxFailures int
	window      time.Duration
	logger      *zap.Logger
}

// NewRateLimiter creates a limiter backed by settings.
func NewRateLimiter(settings domain.SettingsStore, clk clock.Clock, maxFailures int, window time.Duration, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		settings:    settings,
		clock:       clk,
		maxFailures: maxFailures,
		window:      window,
		logger:      logger,
	}
}

// Attempt records the outcome of one confirmation. It returns nil when the
// attempt is accepted, ErrLockedOut while locked out (whatever match is),
// or ErrConfirmationMismatch for a wrong code.
func (r *RateLimiter) Attempt(match bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	failures, err := r.settings.GetInt(KeyFailedAttempts)
	if err != nil {
		return fmt.Errorf("read failure count: %w", err)
	}
	lastMillis, err := r.settings.GetInt64(KeyLastFailure)
	if err != nil {
		return fmt.Errorf("read last failure: %w", err)
	}

	now := r.clock.Now()
	if failures > 0 && now.Sub(time.UnixMilli(lastMillis)) > r.window {
		failures = 0
		if err := r.settings.PutInt(KeyFailedAttempts, 0); err != nil {
			return fmt.Errorf("reset failure count: %w", err)
		}
	}

	if failures >= r.maxFailures {
		r.logger.Error("too many failed confirmation attempts - locked out",
			zap.Int("failures", failures),
			zap.Duration("window", r.window))
		return domain.ErrLockedOut
	}

	if match {
		if failures > 0 {
			if err := r.settings.PutInt(KeyFailedAttempts, 0); err != nil {
				return fmt.Errorf("reset failure count: %w", err)
			}
		}
		return nil
	}

	failures++
	if err := r.settings.PutInt(KeyFailedAttempts, failures); err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	if err := r.settings.PutInt64(KeyLastFailure, now.UnixMilli()); err != nil {
		return fmt.Errorf("record failure time: %w", err)
	}
	r.logger.Warn("confirmation failed",
		zap.Int("attempt", failures),
		zap.Int("max", r.maxFailures))
	return domain.ErrConfirmationMismatch
}

// LockedOut reports whether the next attempt would be refused.
func (r *RateLimiter) LockedOut() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	failures, err := r.settings.GetInt(KeyFailedAttempts)
	if err != nil {
		return false, err
	}
	lastMillis, err := r.settings.GetInt64(KeyLastFailure)
	if err != nil {
		return false, err
	}
	if r.clock.Now().Sub(time.UnixMilli(lastMillis)) > r.window {
		return false, nil
	}
	return failures >= r.maxFailures, nil
}
