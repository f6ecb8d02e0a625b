package searchclient

import (
	"sync"
	"time"

	"github.com/pixfind/pixfind/internal/config"
	"github.com/pixfind/pixfind/internal/logger"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	// StateClosed - normal operation, calls pass through
	StateClosed CircuitState = iota
	// StateOpen - calls are rejected without reaching the service
	StateOpen
	// StateHalfOpen - a limited number of probe calls are allowed through
	StateHalfOpen
)

func (s CircuitState) String() string {
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

// outcome is one recorded call result in the sliding window.
type outcome struct {
	failure bool
	slow    bool
}

// BreakerConfig holds the thresholds for one circuit breaker.
type BreakerConfig struct {
	WindowSize     int           // number of call outcomes kept in the count window
	MinCalls       int           // outcomes required before rates are evaluated
	FailureRate    float64       // percent of failures that trips the breaker
	SlowRate       float64       // percent of slow calls that trips the breaker
	SlowDuration   time.Duration // calls at least this long count as slow
	OpenDuration   time.Duration // how long OPEN lasts before probing
	HalfOpenProbes int           // probe calls permitted in HALF_OPEN
}

// BreakerConfigFromApp derives breaker thresholds from the application config.
func BreakerConfigFromApp(cfg *config.Config) BreakerConfig {
	return BreakerConfig{
		WindowSize:     cfg.BreakerWindowSize,
		MinCalls:       cfg.BreakerMinCalls,
		FailureRate:    cfg.BreakerFailureRate,
		SlowRate:       cfg.BreakerSlowRate,
		SlowDuration:   cfg.BreakerSlowDuration,
		OpenDuration:   cfg.BreakerOpenDuration,
		HalfOpenProbes: cfg.BreakerHalfOpenProbes,
	}
}

// Breaker is a count-based sliding-window circuit breaker. It trips when
// either the failure rate or the slow-call rate over the last WindowSize
// outcomes crosses its threshold (once MinCalls outcomes are recorded).
//
// State transitions:
//
//	CLOSED    -> OPEN       rate threshold crossed
//	OPEN      -> HALF_OPEN  after OpenDuration
//	HALF_OPEN -> CLOSED     all probes succeed (and none slow)
//	HALF_OPEN -> OPEN       any probe fails or runs slow
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu            sync.Mutex
	state         CircuitState
	window        []outcome // ring buffer of the last cfg.WindowSize outcomes
	windowPos     int
	windowFilled  bool
	openedAt      time.Time
	probesStarted int // calls admitted while HALF_OPEN
	probesDone    int // probe outcomes recorded while HALF_OPEN
	probesFailed  int

	// onStateChange is invoked (outside the lock) on every transition.
	onStateChange func(name string, from, to CircuitState)
}

// NewBreaker creates a circuit breaker with the given thresholds.
// onStateChange may be nil.
func NewBreaker(name string, cfg BreakerConfig, onStateChange func(name string, from, to CircuitState)) *Breaker {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 100
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	return &Breaker{
		name:          name,
		cfg:           cfg,
		state:         StateClosed,
		window:        make([]outcome, cfg.WindowSize),
		onStateChange: onStateChange,
	}
}

// Name returns the breaker's identifier (the guarded method name).
func (b *Breaker) Name() string {
	return b.name
}

// Allow reports whether a call may proceed right now. In HALF_OPEN only
// cfg.HalfOpenProbes concurrent/sequential probes are admitted.
func (b *Breaker) Allow() bool {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return true

	case StateOpen:
		if time.Since(b.openedAt) >= b.cfg.OpenDuration {
			transition := b.transitionLocked(StateHalfOpen)
			b.probesStarted = 1
			b.mu.Unlock()
			b.notify(transition)
			return true
		}
		b.mu.Unlock()
		return false

	case StateHalfOpen:
		if b.probesStarted < b.cfg.HalfOpenProbes {
			b.probesStarted++
			b.mu.Unlock()
			return true
		}
		b.mu.Unlock()
		return false

	default:
		b.mu.Unlock()
		return false
	}
}

// RecordSuccess records a successful call and its duration. A call that
// succeeded but exceeded SlowDuration still counts toward the slow-call rate.
func (b *Breaker) RecordSuccess(duration time.Duration) {
	b.record(outcome{failure: false, slow: b.isSlow(duration)})
}

// RecordFailure records a failed call and its duration.
func (b *Breaker) RecordFailure(duration time.Duration) {
	b.record(outcome{failure: true, slow: b.isSlow(duration)})
}

func (b *Breaker) isSlow(duration time.Duration) bool {
	return b.cfg.SlowDuration > 0 && duration >= b.cfg.SlowDuration
}

func (b *Breaker) record(o outcome) {
	b.mu.Lock()
	var transition *stateChange

	switch b.state {
	case StateHalfOpen:
		b.probesDone++
		if o.failure || o.slow {
			b.probesFailed++
		}
		if b.probesFailed > 0 {
			// Any bad probe reopens immediately
			transition = b.transitionLocked(StateOpen)
		} else if b.probesDone >= b.cfg.HalfOpenProbes {
			transition = b.transitionLocked(StateClosed)
		}

	case StateClosed:
		b.window[b.windowPos] = o
		b.windowPos = (b.windowPos + 1) % b.cfg.WindowSize
		if b.windowPos == 0 {
			b.windowFilled = true
		}
		if b.thresholdCrossedLocked() {
			transition = b.transitionLocked(StateOpen)
		}

	case StateOpen:
		// A call that was already in flight when the breaker opened; ignore.
	}

	b.mu.Unlock()
	b.notify(transition)
}

// thresholdCrossedLocked evaluates failure and slow-call rates over the window.
func (b *Breaker) thresholdCrossedLocked() bool {
	total := b.windowPos
	if b.windowFilled {
		total = b.cfg.WindowSize
	}
	if total < b.cfg.MinCalls {
		return false
	}

	var failures, slow int
	for i := 0; i < total; i++ {
		if b.window[i].failure {
			failures++
		}
		if b.window[i].slow {
			slow++
		}
	}

	failureRate := float64(failures) / float64(total) * 100
	slowRate := float64(slow) / float64(total) * 100
	return failureRate >= b.cfg.FailureRate || slowRate >= b.cfg.SlowRate
}

type stateChange struct {
	from, to CircuitState
}

// transitionLocked moves to a new state and resets per-state bookkeeping.
// Caller holds b.mu.
func (b *Breaker) transitionLocked(to CircuitState) *stateChange {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to

	switch to {
	case StateOpen:
		b.openedAt = time.Now()
	case StateHalfOpen:
		b.probesStarted = 0
		b.probesDone = 0
		b.probesFailed = 0
	case StateClosed:
		// Fresh window after recovery
		b.window = make([]outcome, b.cfg.WindowSize)
		b.windowPos = 0
		b.windowFilled = false
	}

	logger.Warnf("Circuit breaker '%s': %s -> %s", b.name, from, to)
	return &stateChange{from: from, to: to}
}

func (b *Breaker) notify(change *stateChange) {
	if change != nil && b.onStateChange != nil {
		b.onStateChange(b.name, change.from, change.to)
	}
}

// State returns the current circuit state. An OPEN breaker whose cool-down
// has elapsed still reports OPEN until the next Allow() probes it.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// BreakerStats is a snapshot of breaker internals for the admin endpoint.
type BreakerStats struct {
	Name        string  `json:"name"`
	State       string  `json:"state"`
	WindowCalls int     `json:"window_calls"`
	Failures    int     `json:"failures"`
	SlowCalls   int     `json:"slow_calls"`
	FailureRate float64 `json:"failure_rate"`
	SlowRate    float64 `json:"slow_rate"`
}

// Stats returns a snapshot of the breaker's current window.
func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := b.windowPos
	if b.windowFilled {
		total = b.cfg.WindowSize
	}
	var failures, slow int
	for i := 0; i < total; i++ {
		if b.window[i].failure {
			failures++
		}
		if b.window[i].slow {
			slow++
		}
	}

	stats := BreakerStats{
		Name:        b.name,
		State:       b.state.String(),
		WindowCalls: total,
		Failures:    failures,
		SlowCalls:   slow,
	}
	if total > 0 {
		stats.FailureRate = float64(failures) / float64(total) * 100
		stats.SlowRate = float64(slow) / float64(total) * 100
	}
	return stats
}

// Reset forces the breaker back to CLOSED with an empty window.
func (b *Breaker) Reset() {
	b.mu.Lock()
	transition := b.transitionLocked(StateClosed)
	b.window = make([]outcome, b.cfg.WindowSize)
	b.windowPos = 0
	b.windowFilled = false
	b.mu.Unlock()
	b.notify(transition)
}

// BreakerRegistry holds one breaker per guarded method so failures on one
// operation never trip the others.
type BreakerRegistry struct {
	mu            sync.Mutex
	breakers      map[string]*Breaker
	cfg           BreakerConfig
	onStateChange func(name string, from, to CircuitState)
}

// NewBreakerRegistry creates a registry that builds breakers on demand with
// shared thresholds. onStateChange may be nil.
func NewBreakerRegistry(cfg BreakerConfig, onStateChange func(name string, from, to CircuitState)) *BreakerRegistry {
	return &BreakerRegistry{
		breakers:      make(map[string]*Breaker),
		cfg:           cfg,
		onStateChange: onStateChange,
	}
}

// Get returns the breaker for a method name, creating it if needed.
func (r *BreakerRegistry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := NewBreaker(name, r.cfg, r.onStateChange)
	r.breakers[name] = b
	return b
}

// AllStats returns snapshots of every breaker in the registry.
func (r *BreakerRegistry) AllStats() []BreakerStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := make([]BreakerStats, 0, len(r.breakers))
	for _, b := range r.breakers {
		stats = append(stats, b.Stats())
	}
	return stats
}

// ResetAll forces every breaker back to CLOSED.
func (r *BreakerRegistry) ResetAll() {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	for _, b := range breakers {
		b.Reset()
	}
}
