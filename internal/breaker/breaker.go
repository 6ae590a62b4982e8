// Package breaker implements a three-state circuit breaker that guards one
// execution target against cascading failure.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"missionctl/internal/logger"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

type Config struct {
	FailureThreshold     int
	FailureRateThreshold float64
	// MinCalls is the number of calls in the window before the failure
	// rate rule applies.
	MinCalls         int
	TimeWindow       time.Duration
	OpenTimeout      time.Duration
	HalfOpenMaxCalls int
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:     5,
		FailureRateThreshold: 0.5,
		MinCalls:             5,
		TimeWindow:           60 * time.Second,
		OpenTimeout:          30 * time.Second,
		HalfOpenMaxCalls:     3,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.FailureRateThreshold <= 0 {
		c.FailureRateThreshold = def.FailureRateThreshold
	}
	if c.MinCalls <= 0 {
		c.MinCalls = def.MinCalls
	}
	if c.TimeWindow <= 0 {
		c.TimeWindow = def.TimeWindow
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = def.OpenTimeout
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	return c
}

type Stats struct {
	TotalCalls          int       `json:"total_calls"`
	SuccessfulCalls     int       `json:"successful_calls"`
	FailedCalls         int       `json:"failed_calls"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureTime     time.Time `json:"last_failure_time"`
	StateChangeTime     time.Time `json:"state_change_time"`
	HalfOpenCalls       int       `json:"half_open_calls"`
}

type Breaker struct {
	name string
	cfg  Config
	now  func() time.Time

	mu          sync.Mutex
	state       State
	stats       Stats
	windowStart time.Time
}

func New(name string, cfg Config) *Breaker {
	return newWithClock(name, cfg, time.Now)
}

func newWithClock(name string, cfg Config, now func() time.Time) *Breaker {
	t := now()
	return &Breaker{
		name:        name,
		cfg:         cfg.withDefaults(),
		now:         now,
		state:       StateClosed,
		stats:       Stats{StateChangeTime: t},
		windowStart: t,
	}
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh(b.now())
	return b.state
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// AllowRequest reports whether a call may go through now. It may move an
// OPEN breaker to HALF_OPEN once the open timeout has passed.
func (b *Breaker) AllowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh(b.now())
	switch b.state {
	case StateOpen:
		return false
	case StateHalfOpen:
		return b.stats.HalfOpenCalls < b.cfg.HalfOpenMaxCalls
	default:
		return true
	}
}

// Execute runs fn if the breaker allows it and records the outcome. A
// rejected call returns ErrCircuitOpen without running fn. Panics in fn are
// recovered and counted as failures.
func (b *Breaker) Execute(fn func() error) (err error) {
	if !b.AllowRequest() {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, b.name)
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in protected call %s: %v", b.name, rec)
		}
		if err != nil {
			b.RecordFailure()
		} else {
			b.RecordSuccess()
		}
	}()
	return fn()
}

// Call is the structured form of Execute: it never returns an error. The
// first value is false when the call was rejected or failed.
func (b *Breaker) Call(fn func() (any, error)) (bool, any) {
	var result any
	err := b.Execute(func() error {
		r, err := fn()
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return false, nil
	}
	return true, result
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.refresh(now)

	b.stats.TotalCalls++
	b.stats.SuccessfulCalls++
	b.stats.ConsecutiveFailures = 0

	if b.state == StateHalfOpen {
		b.stats.HalfOpenCalls++
		if b.stats.HalfOpenCalls >= b.cfg.HalfOpenMaxCalls {
			b.transition(StateClosed, now)
			b.stats = Stats{StateChangeTime: now}
			b.windowStart = now
		}
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.refresh(now)

	b.stats.TotalCalls++
	b.stats.FailedCalls++
	b.stats.ConsecutiveFailures++
	b.stats.LastFailureTime = now

	switch b.state {
	case StateHalfOpen:
		b.transition(StateOpen, now)
	case StateClosed:
		if b.shouldTrip() {
			b.transition(StateOpen, now)
		}
	}
}

// Reset forces the breaker back to CLOSED with cleared counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.transition(StateClosed, now)
	b.stats = Stats{StateChangeTime: now}
	b.windowStart = now
}

func (b *Breaker) shouldTrip() bool {
	if b.stats.ConsecutiveFailures >= b.cfg.FailureThreshold {
		return true
	}
	if b.stats.TotalCalls >= b.cfg.MinCalls {
		rate := float64(b.stats.FailedCalls) / float64(b.stats.TotalCalls)
		return rate >= b.cfg.FailureRateThreshold
	}
	return false
}

// refresh applies time-driven transitions. Caller holds mu.
func (b *Breaker) refresh(now time.Time) {
	switch b.state {
	case StateOpen:
		if now.Sub(b.stats.StateChangeTime) >= b.cfg.OpenTimeout {
			b.transition(StateHalfOpen, now)
			b.stats.HalfOpenCalls = 0
		}
	case StateClosed:
		if now.Sub(b.windowStart) > b.cfg.TimeWindow {
			b.stats.TotalCalls = 0
			b.stats.SuccessfulCalls = 0
			b.stats.FailedCalls = 0
			b.stats.ConsecutiveFailures = 0
			b.windowStart = now
		}
	}
}

func (b *Breaker) transition(to State, now time.Time) {
	if b.state == to {
		return
	}
	logger.Log.Infof("[Breaker] %s: %s -> %s", b.name, b.state, to)
	b.state = to
	b.stats.StateChangeTime = now
}
