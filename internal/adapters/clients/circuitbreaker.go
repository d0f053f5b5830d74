package clients

import (
	"sync"
	"time"

	"github.com/jsamuelsen/quotesync/internal/platform/config"
)

// State is the position of a Breaker.
type State int

const (
	// StateClosed lets every call through.
	StateClosed State = iota

	// StateOpen rejects calls until the cool-down elapses.
	StateOpen

	// StateHalfOpen lets a bounded number of probe calls through.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker guards the remote collection against hammering while it is down.
//
// MaxFailures consecutive failures open it. After Timeout it admits up to
// HalfOpenLimit probes; that many consecutive probe successes close it and a
// single probe failure opens it again.
type Breaker struct {
	cfg config.CircuitBreakerConfig
	now func() time.Time

	mu       sync.Mutex
	state    State
	streak   int // failures while closed, successes while half-open
	inFlight int // probes while half-open
	openedAt time.Time
	onChange func(from, to State)
}

// NewBreaker returns a closed Breaker.
func NewBreaker(cfg config.CircuitBreakerConfig) *Breaker {
	return &Breaker{cfg: cfg, now: time.Now}
}

// OnStateChange registers fn to run after every transition. fn runs on the
// caller's goroutine, outside the breaker's lock.
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Allow reports whether a call may proceed. It returns ErrCircuitOpen when
// the breaker is open or all probe slots are taken.
func (b *Breaker) Allow() error {
	b.mu.Lock()

	from := b.state
	err := b.admit()
	to, fn := b.state, b.onChange

	b.mu.Unlock()
	notify(fn, from, to)

	return err
}

func (b *Breaker) admit() error {
	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Timeout {
			return ErrCircuitOpen
		}

		b.moveTo(StateHalfOpen)
		b.inFlight = 1

		return nil
	case StateHalfOpen:
		if b.inFlight >= b.cfg.HalfOpenLimit {
			return ErrCircuitOpen
		}

		b.inFlight++

		return nil
	default:
		return ErrCircuitOpen
	}
}

// Success records a completed call.
func (b *Breaker) Success() {
	b.record(func() {
		switch b.state {
		case StateClosed:
			b.streak = 0
		case StateHalfOpen:
			b.inFlight--
			b.streak++

			if b.streak >= b.cfg.HalfOpenLimit {
				b.moveTo(StateClosed)
			}
		}
	})
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	b.record(func() {
		switch b.state {
		case StateClosed:
			b.streak++

			if b.streak >= b.cfg.MaxFailures {
				b.trip()
			}
		case StateHalfOpen:
			b.inFlight--
			b.trip()
		case StateOpen:
			b.openedAt = b.now()
		}
	})
}

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state
}

func (b *Breaker) record(update func()) {
	b.mu.Lock()

	from := b.state
	update()
	to, fn := b.state, b.onChange

	b.mu.Unlock()
	notify(fn, from, to)
}

func (b *Breaker) trip() {
	b.moveTo(StateOpen)
	b.openedAt = b.now()
}

// moveTo must be called with mu held.
func (b *Breaker) moveTo(s State) {
	if b.state == s {
		return
	}

	b.state = s
	b.streak = 0
}

func notify(fn func(from, to State), from, to State) {
	if fn != nil && from != to {
		fn(from, to)
	}
}
