package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrCircuitOpen is returned without a request when an endpoint has failed
// too many times in a row.
var ErrCircuitOpen = errors.New("llm: endpoint unavailable (circuit open)")

// CircuitState represents the state of a circuit breaker.
type CircuitState int32

const (
	CircuitClosed   CircuitState = iota // healthy
	CircuitOpen                         // reject calls until the cooldown passes
	CircuitHalfOpen                     // one trial call in flight
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

const (
	failureThreshold = 3 // consecutive failures before opening
	defaultCooldown  = 30 * time.Second
)

// circuit tracks health for one endpoint credential.
type circuit struct {
	state    atomic.Int32 // CircuitState
	failures atomic.Int32
	openedAt atomic.Int64 // unix nanos
}

func (c *circuit) State() CircuitState {
	return CircuitState(c.state.Load())
}

func (c *circuit) recordSuccess() {
	c.failures.Store(0)
	c.state.Store(int32(CircuitClosed))
}

// recordFailure opens the circuit after the threshold, or at once when a
// half-open trial call fails.
func (c *circuit) recordFailure(now time.Time) CircuitState {
	n := c.failures.Add(1)
	if n >= failureThreshold || c.State() == CircuitHalfOpen {
		c.openedAt.Store(now.UnixNano())
		c.state.Store(int32(CircuitOpen))
	}
	return c.State()
}

// tryHalfOpen moves an open circuit whose cooldown has passed to half-open.
// Only one caller wins the transition.
func (c *circuit) tryHalfOpen(now time.Time, cooldown time.Duration) bool {
	if now.Sub(time.Unix(0, c.openedAt.Load())) < cooldown {
		return false
	}
	return c.state.CompareAndSwap(int32(CircuitOpen), int32(CircuitHalfOpen))
}

// Breaker wraps a Completer with a circuit per provider endpoint and key, so
// one owner's broken credential never blocks another's.
type Breaker struct {
	next     Completer
	cooldown time.Duration
	now      func() time.Time

	mu       sync.Mutex
	circuits map[string]*circuit
}

// NewBreaker wraps next. A non-positive cooldown uses 30s.
func NewBreaker(next Completer, cooldown time.Duration) *Breaker {
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	return &Breaker{
		next:     next,
		cooldown: cooldown,
		now:      time.Now,
		circuits: make(map[string]*circuit),
	}
}

// WithClock replaces the time source.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// State reports the circuit state for p.
func (b *Breaker) State(p Provider) CircuitState {
	return b.circuitFor(p).State()
}

// Complete forwards to the wrapped Completer unless p's circuit is open.
// Cancellation by the caller does not count as a failure.
func (b *Breaker) Complete(ctx context.Context, p Provider, systemPrompt, userPrompt string) (*Completion, error) {
	c := b.circuitFor(p)
	state := c.State()
	switch state {
	case CircuitOpen:
		if !c.tryHalfOpen(b.now(), b.cooldown) {
			return nil, ErrCircuitOpen
		}
	case CircuitHalfOpen:
		return nil, ErrCircuitOpen
	}

	out, err := b.next.Complete(ctx, p, systemPrompt, userPrompt)
	if err != nil {
		if ctx.Err() != nil {
			if state == CircuitOpen {
				// Give the trial slot back.
				c.state.CompareAndSwap(int32(CircuitHalfOpen), int32(CircuitOpen))
			}
			return nil, err
		}
		if c.recordFailure(b.now()) == CircuitOpen && state != CircuitOpen {
			slog.Warn("llm: circuit opened",
				slog.String("api_url", p.APIURL),
				slog.Bool("platform", p.Platform),
			)
		}
		return nil, err
	}
	if state == CircuitOpen {
		slog.Info("llm: circuit recovered", slog.String("api_url", p.APIURL))
	}
	c.recordSuccess()
	return out, nil
}

func (b *Breaker) circuitFor(p Provider) *circuit {
	key := fmt.Sprintf("%s\x00%s", p.APIURL, p.APIKey)
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}
	return c
}
