// Package resilience wraps outbound calls to collaborators that may be down:
// the graph store, the search index and the workflow engine.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Allow while the breaker is rejecting calls.
var ErrOpen = errors.New("circuit breaker is open")

// State of a breaker.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig 熔断参数
type BreakerConfig struct {
	// Threshold failures inside Window open the breaker.
	Threshold int
	Window    time.Duration
	// Cooldown is how long the breaker stays open before one trial call is let through.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns the settings used when none are configured.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Threshold: 5, Window: 30 * time.Second, Cooldown: 30 * time.Second}
}

// Breaker is a sliding-window circuit breaker. Failure timestamps are kept in
// a ring buffer sized to the threshold, so the breaker opens once Threshold
// failures land inside Window.
type Breaker struct {
	name string
	cfg  BreakerConfig
	now  func() time.Time

	mu       sync.Mutex
	state    State
	failures []time.Time
	next     int
	openedAt time.Time
	probing  bool
	onChange func(name string, from, to State)
}

// NewBreaker creates a closed breaker. Zero config fields take defaults.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.Threshold < 1 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	return &Breaker{
		name:     name,
		cfg:      cfg,
		now:      time.Now,
		failures: make([]time.Time, cfg.Threshold),
	}
}

// OnStateChange registers a hook called on every transition, under the lock.
func (b *Breaker) OnStateChange(fn func(name string, from, to State)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Name returns the collaborator name the breaker guards.
func (b *Breaker) Name() string { return b.name }

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a call may proceed. In half-open only one trial call is
// admitted at a time.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return ErrOpen
		}
		b.transition(StateHalfOpen)
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	if b.state == StateHalfOpen {
		b.reset()
		b.transition(StateClosed)
	}
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.probing = false
	if b.state == StateHalfOpen {
		b.openedAt = now
		b.transition(StateOpen)
		return
	}

	b.failures[b.next] = now
	b.next = (b.next + 1) % len(b.failures)

	windowStart := now.Add(-b.cfg.Window)
	count := 0
	for _, t := range b.failures {
		if !t.IsZero() && t.After(windowStart) {
			count++
		}
	}
	if count >= b.cfg.Threshold && b.state != StateOpen {
		b.openedAt = now
		b.transition(StateOpen)
	}
}

func (b *Breaker) reset() {
	for i := range b.failures {
		b.failures[i] = time.Time{}
	}
	b.next = 0
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}
