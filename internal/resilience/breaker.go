// Package resilience wraps calls to unreliable collaborators with a circuit
// breaker, a uniform execution timeout, and classified retries.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// ErrOpen is returned without invoking the wrapped call while the breaker
// is open and the reset timeout has not elapsed.
var ErrOpen = errors.New("circuit breaker open")

// Breaker is a per-dependency circuit breaker. It opens after
// failureThreshold consecutive failures, probes after resetTimeout, and
// closes again after successThreshold consecutive half-open successes. Every
// wrapped call runs under callTimeout; a timeout counts as a failure.
type Breaker struct {
	name             string
	failureThreshold int
	successThreshold int
	resetTimeout     time.Duration
	callTimeout      time.Duration

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	onChange    func(name string, s State)
}

func NewBreaker(name string, failureThreshold, successThreshold int, resetTimeout, callTimeout time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if successThreshold <= 0 {
		successThreshold = 2
	}
	return &Breaker{
		name:             name,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		resetTimeout:     resetTimeout,
		callTimeout:      callTimeout,
	}
}

// OnStateChange registers a hook invoked (outside the lock) whenever the
// breaker transitions. Used for metrics.
func (b *Breaker) OnStateChange(fn func(name string, s State)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Do runs fn under the breaker. While open it fails fast with ErrOpen.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	callCtx := ctx
	cancel := func() {}
	if b.callTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.callTimeout)
	}
	err := fn(callCtx)
	cancel()

	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if time.Since(b.lastFailure) < b.resetTimeout {
			return ErrOpen
		}
		b.transition(StateHalfOpen)
	}
	return nil
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.transition(StateClosed)
		}
	case StateClosed:
		b.failures = 0
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()
	switch b.state {
	case StateHalfOpen:
		b.transition(StateOpen)
	case StateClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.transition(StateOpen)
		}
	}
}

// transition assumes b.mu is held.
func (b *Breaker) transition(next State) {
	b.state = next
	b.failures = 0
	b.successes = 0
	if b.onChange != nil {
		go b.onChange(b.name, next)
	}
}
