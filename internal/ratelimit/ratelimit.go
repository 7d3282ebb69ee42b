// Package ratelimit tracks the remaining-quota and reset-time signals a
// network backend observes on every response and turns them into backoff
// delays. State lives only in memory: a fresh process assumes nothing
// about leftover quota and relearns it from the first response.
package ratelimit

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/mark3labs/taskloop/internal/logger"
)

// State is the limiter's view of the backend quota after the most recent
// response.
type State struct {
	Remaining   int           `json:"remaining"`
	ResetAt     time.Time     `json:"reset_at"`
	LastBackoff time.Duration `json:"last_backoff"`
}

// Config tunes the backoff schedule.
type Config struct {
	LowWaterMark int           // Start delaying below this remaining quota
	InitialDelay time.Duration // First backoff step
	MaxDelay     time.Duration // Cap for the exponential schedule
	Factor       float64       // Exponential growth factor
	Jitter       bool          // Randomize each delay by ±10%
}

// DefaultConfig is a conservative schedule for the GitHub API's 5000/hour
// core quota.
var DefaultConfig = Config{
	LowWaterMark: 20,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     30 * time.Second,
	Factor:       2.0,
	Jitter:       true,
}

// Limiter computes delays from observed quota signals. Safe for use from
// the single-threaded loop plus the control surface's status reads.
type Limiter struct {
	mu          sync.Mutex
	cfg         Config
	state       State
	observed    bool // A response has been seen this process lifetime
	rejected    bool // Last response was a hard rate-limit rejection
	consecutive int  // Consecutive low-quota observations, drives the exponent
}

// New creates a limiter with the given schedule. Zero-value fields fall
// back to DefaultConfig.
func New(cfg Config) *Limiter {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultConfig.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultConfig.MaxDelay
	}
	if cfg.Factor <= 1 {
		cfg.Factor = DefaultConfig.Factor
	}
	if cfg.LowWaterMark <= 0 {
		cfg.LowWaterMark = DefaultConfig.LowWaterMark
	}
	return &Limiter{cfg: cfg}
}

// Observe records the quota signals from a successful response.
func (l *Limiter) Observe(remaining int, resetAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.state.Remaining = remaining
	l.state.ResetAt = resetAt
	l.observed = true
	l.rejected = false

	if remaining < l.cfg.LowWaterMark {
		l.consecutive++
		logger.Debug("Rate limit low water: %d remaining (reset %s)", remaining, resetAt.Format(time.RFC3339))
	} else {
		l.consecutive = 0
	}
}

// ObserveRejection records a hard rate-limit rejection (403/429). The
// next delay waits out the reported reset time instead of retrying.
func (l *Limiter) ObserveRejection(resetAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.state.Remaining = 0
	if !resetAt.IsZero() {
		l.state.ResetAt = resetAt
	}
	l.observed = true
	l.rejected = true
	l.consecutive++
	logger.Warn("Rate limit rejection observed, backing off until %s", l.state.ResetAt.Format(time.RFC3339))
}

// Delay computes how long the caller should wait before the next network
// call. Zero when quota is healthy or nothing has been observed yet (a
// fresh process has to issue one call to learn the quota).
func (l *Limiter) Delay(now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.observed {
		return 0
	}

	// Hard rejection: wait for the reported reset, not a computed guess.
	if l.rejected {
		wait := l.state.ResetAt.Sub(now)
		if wait < 0 {
			wait = 0
		}
		l.state.LastBackoff = wait
		return wait
	}

	if l.state.Remaining >= l.cfg.LowWaterMark {
		l.state.LastBackoff = 0
		return 0
	}

	// Exponential, capped, jittered.
	exp := float64(l.consecutive - 1)
	if exp < 0 {
		exp = 0
	}
	delay := time.Duration(float64(l.cfg.InitialDelay) * math.Pow(l.cfg.Factor, exp))
	if delay > l.cfg.MaxDelay {
		delay = l.cfg.MaxDelay
	}

	// Never wait past the reset; quota recovers there anyway.
	if !l.state.ResetAt.IsZero() {
		if until := l.state.ResetAt.Sub(now); until > 0 && delay > until {
			delay = until
		}
	}

	if l.cfg.Jitter && delay > 0 {
		jitter := time.Duration(rand.Int63n(int64(delay)/5+1)) - delay/10
		delay += jitter
		if delay < 0 {
			delay = l.cfg.InitialDelay
		}
	}

	l.state.LastBackoff = delay
	return delay
}

// Snapshot returns a copy of the current state for status reporting.
func (l *Limiter) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}
