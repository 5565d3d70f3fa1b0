// Package circuitbreaker guards each notification sink with its own circuit,
// so an unreachable broker is skipped quickly instead of costing a full retry
// cycle for every flag.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/fraudwatch/internal/metrics"
)

// State is the position of one sink's circuit.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls are rejected until the cooldown ends
	StateHalfOpen              // one probe call is in flight
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

// MarshalText lets states appear by name in JSON health reports.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "closed":
		*s = StateClosed
	case "open":
		*s = StateOpen
	case "half_open":
		*s = StateHalfOpen
	default:
		return fmt.Errorf("unknown circuit state %q", b)
	}
	return nil
}

// ErrOpen matches every *OpenError.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// OpenError is returned by Execute while a sink's circuit is open.
type OpenError struct {
	Key     string
	RetryAt time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit for %s open until %s", e.Key, e.RetryAt.Format(time.RFC3339))
}

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// Transition describes one state change.
type Transition struct {
	Key      string
	From, To State
	At       time.Time
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker holds one circuit per key.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	hooks     []func(Transition)
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New returns a breaker that opens a circuit after threshold consecutive
// failures and lets a single probe through once cooldown has passed.
func New(threshold int, cooldown time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	b := &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// OnTransition registers fn to be called after every state change. Hooks run
// on the caller's goroutine with no lock held.
func (b *Breaker) OnTransition(fn func(Transition)) {
	b.mu.Lock()
	b.hooks = append(b.hooks, fn)
	b.mu.Unlock()
}

// Execute runs fn unless key's circuit is open, and records the outcome.
func (b *Breaker) Execute(key string, fn func() error) error {
	if err := b.acquire(key); err != nil {
		return err
	}
	err := fn()
	b.record(key, err == nil)
	return err
}

// State returns key's current state. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// Snapshot returns the state of every key seen so far.
func (b *Breaker) Snapshot() map[string]State {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]State, len(b.circuits))
	for k, c := range b.circuits {
		out[k] = c.state
	}
	return out
}

// Keys returns the known keys in sorted order.
func (b *Breaker) Keys() []string {
	b.mu.Lock()
	keys := make([]string, 0, len(b.circuits))
	for k := range b.circuits {
		keys = append(keys, k)
	}
	b.mu.Unlock()
	sort.Strings(keys)
	return keys
}

func (b *Breaker) acquire(key string) error {
	b.mu.Lock()
	c := b.circuit(key)
	var fired []Transition

	switch c.state {
	case StateOpen:
		retryAt := c.openedAt.Add(b.cooldown)
		if b.now().Before(retryAt) {
			b.mu.Unlock()
			return &OpenError{Key: key, RetryAt: retryAt}
		}
		fired = b.move(c, key, StateHalfOpen, fired)
	case StateHalfOpen:
		b.mu.Unlock()
		return &OpenError{Key: key, RetryAt: b.now()}
	}

	hooks := b.hooks
	b.mu.Unlock()
	notify(hooks, fired)
	return nil
}

func (b *Breaker) record(key string, ok bool) {
	b.mu.Lock()
	c := b.circuit(key)
	var fired []Transition

	switch {
	case ok:
		c.failures = 0
		fired = b.move(c, key, StateClosed, fired)
	case c.state == StateHalfOpen:
		c.openedAt = b.now()
		fired = b.move(c, key, StateOpen, fired)
	default:
		c.failures++
		if c.failures >= b.threshold {
			c.openedAt = b.now()
			fired = b.move(c, key, StateOpen, fired)
		}
	}

	hooks := b.hooks
	b.mu.Unlock()
	notify(hooks, fired)
}

// circuit returns key's circuit, creating it closed. Caller holds b.mu.
func (b *Breaker) circuit(key string) *circuit {
	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[key] = c
	}
	return c
}

// move changes state and appends the transition. Caller holds b.mu.
func (b *Breaker) move(c *circuit, key string, to State, fired []Transition) []Transition {
	if c.state == to {
		return fired
	}
	t := Transition{Key: key, From: c.state, To: to, At: b.now()}
	c.state = to
	metrics.CircuitTransitionsTotal.WithLabelValues(key, t.From.String(), to.String()).Inc()
	return append(fired, t)
}

func notify(hooks []func(Transition), fired []Transition) {
	for _, t := range fired {
		for _, h := range hooks {
			h(t)
		}
	}
}
