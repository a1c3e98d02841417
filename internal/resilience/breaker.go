package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the circuit breaker mode.
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

// BreakerConfig configures a circuit breaker for one downstream operation.
type BreakerConfig struct {
	Name              string
	CallTimeout       time.Duration
	ErrorThresholdPct int
	WindowSize        int
	MinCalls          int
	ResetTimeout      time.Duration
	Now               func() time.Time
	OnStateChange     func(name string, from, to State)
}

// CircuitBreaker stops calling a failing downstream for a cooldown period.
// Outcomes of completed calls feed a rolling window of the most recent
// WindowSize calls; when the failure percentage in a full-enough window
// crosses ErrorThresholdPct the breaker opens. Rejected calls never reach
// the downstream and never count toward the window.
type CircuitBreaker struct {
	mu sync.Mutex

	name         string
	callTimeout  time.Duration
	thresholdPct int
	minCalls     int
	resetAfter   time.Duration
	now          func() time.Time
	onChange     func(name string, from, to State)

	state          State
	window         []bool
	windowIdx      int
	windowCount    int
	openedAt       time.Time
	halfOpenFlight bool
}

// NewCircuitBreaker constructs a circuit breaker with sane defaults.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	thresholdPct := cfg.ErrorThresholdPct
	if thresholdPct <= 0 || thresholdPct > 100 {
		thresholdPct = 50
	}
	windowSize := cfg.WindowSize
	if windowSize < 1 {
		windowSize = 10
	}
	minCalls := cfg.MinCalls
	if minCalls < 1 {
		minCalls = 1
	}
	resetAfter := cfg.ResetTimeout
	if resetAfter <= 0 {
		resetAfter = 10 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		callTimeout:  cfg.CallTimeout,
		thresholdPct: thresholdPct,
		minCalls:     minCalls,
		resetAfter:   resetAfter,
		now:          now,
		onChange:     cfg.OnStateChange,
		state:        StateClosed,
		window:       make([]bool, windowSize),
	}
}

// Name returns the protected operation name.
func (b *CircuitBreaker) Name() string {
	return b.name
}

// State returns the current breaker mode.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

type transition struct {
	from, to State
}

// Do runs fn while enforcing breaker state and the per-call timeout.
func (b *CircuitBreaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if b == nil {
		return fn(ctx)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	now := b.now()

	b.mu.Lock()
	var pending []transition
	switch b.state {
	case StateOpen:
		if now.Sub(b.openedAt) < b.resetAfter {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		pending = append(pending, b.setState(StateHalfOpen))
	case StateHalfOpen:
		if b.halfOpenFlight {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
	}
	if b.state == StateHalfOpen {
		b.halfOpenFlight = true
	}
	b.mu.Unlock()
	b.notify(pending)

	callCtx := ctx
	if b.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.callTimeout)
		defer cancel()
	}
	err := fn(callCtx)
	if err == nil && callCtx.Err() != nil {
		err = callCtx.Err()
	}

	b.mu.Lock()
	pending = nil
	if b.state == StateHalfOpen {
		b.halfOpenFlight = false
		if err == nil {
			b.resetWindow()
			pending = append(pending, b.setState(StateClosed))
		} else {
			b.openedAt = b.now()
			pending = append(pending, b.setState(StateOpen))
		}
		b.mu.Unlock()
		b.notify(pending)
		return err
	}

	// Caller cancellation says nothing about downstream health.
	if !errors.Is(err, context.Canceled) {
		b.record(err != nil)
		if b.state == StateClosed && b.tripped() {
			b.openedAt = b.now()
			pending = append(pending, b.setState(StateOpen))
		}
	}
	b.mu.Unlock()
	b.notify(pending)
	return err
}

// setState must be called with the mutex held.
func (b *CircuitBreaker) setState(to State) transition {
	from := b.state
	b.state = to
	return transition{from: from, to: to}
}

func (b *CircuitBreaker) notify(transitions []transition) {
	if b.onChange == nil {
		return
	}
	for _, tr := range transitions {
		if tr.from != tr.to {
			b.onChange(b.name, tr.from, tr.to)
		}
	}
}

func (b *CircuitBreaker) record(failed bool) {
	b.window[b.windowIdx] = failed
	b.windowIdx = (b.windowIdx + 1) % len(b.window)
	if b.windowCount < len(b.window) {
		b.windowCount++
	}
}

func (b *CircuitBreaker) tripped() bool {
	if b.windowCount < b.minCalls {
		return false
	}
	failures := 0
	for i := 0; i < b.windowCount; i++ {
		if b.window[i] {
			failures++
		}
	}
	return failures*100 >= b.thresholdPct*b.windowCount
}

func (b *CircuitBreaker) resetWindow() {
	for i := range b.window {
		b.window[i] = false
	}
	b.windowIdx = 0
	b.windowCount = 0
}
