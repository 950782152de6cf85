package functions

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rendis/cadenza/pkg/schema"
)

// BreakerState is the state of one function's circuit.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // calls flow
	BreakerOpen                         // calls rejected until the cooldown elapses
	BreakerHalfOpen                     // a limited number of probe calls flow
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the per-function circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens a circuit.
	FailureThreshold int
	// Cooldown is how long an open circuit rejects calls before probing.
	Cooldown time.Duration
	// HalfOpenMax is the number of probe calls allowed while half-open.
	HalfOpenMax int
}

// DefaultBreakerConfig opens after 5 consecutive failures for 30s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type breaker struct {
	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time
	probes      int
}

// Breakers tracks one circuit per workflow function name. Rejected calls fail
// fast with a processor fault instead of reaching the effect.
type Breakers struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	cfg      BreakerConfig
	clock    clockwork.Clock
}

// NewBreakers creates a breaker set. A nil clock uses the real clock.
func NewBreakers(cfg BreakerConfig, clock clockwork.Clock) *Breakers {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Breakers{breakers: make(map[string]*breaker), cfg: cfg, clock: clock}
}

// Allow reports whether a call to function name may proceed.
func (b *Breakers) Allow(name string) error {
	br := b.get(name)
	br.mu.Lock()
	defer br.mu.Unlock()

	switch br.state {
	case BreakerOpen:
		elapsed := b.clock.Since(br.lastFailure)
		if elapsed >= b.cfg.Cooldown {
			br.state = BreakerHalfOpen
			br.probes = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeProcessorFault,
			"function %s: circuit open after %d consecutive failures", name, br.failures).
			WithDetails(map[string]any{
				"function":             name,
				"state":                br.state.String(),
				"consecutive_failures": br.failures,
				"cooldown_remaining":   (b.cfg.Cooldown - elapsed).String(),
			})
	case BreakerHalfOpen:
		if br.probes >= b.cfg.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeProcessorFault,
				"function %s: circuit half-open, probe in flight", name).
				WithDetails(map[string]any{"function": name, "state": br.state.String()})
		}
		br.probes++
	}
	return nil
}

// Success closes the circuit of name.
func (b *Breakers) Success(name string) {
	br := b.get(name)
	br.mu.Lock()
	defer br.mu.Unlock()
	br.state = BreakerClosed
	br.failures = 0
	br.probes = 0
}

// Failure records a failed call of name and returns the resulting state.
// Any failure while half-open reopens the circuit.
func (b *Breakers) Failure(name string) BreakerState {
	br := b.get(name)
	br.mu.Lock()
	defer br.mu.Unlock()

	br.failures++
	br.lastFailure = b.clock.Now()
	if br.state == BreakerHalfOpen || br.failures >= b.cfg.FailureThreshold {
		br.state = BreakerOpen
	}
	return br.state
}

// State returns the current state of name's circuit.
func (b *Breakers) State(name string) BreakerState {
	br := b.get(name)
	br.mu.Lock()
	defer br.mu.Unlock()
	if br.state == BreakerOpen && b.clock.Since(br.lastFailure) >= b.cfg.Cooldown {
		return BreakerHalfOpen
	}
	return br.state
}

func (b *Breakers) get(name string) *breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	br, ok := b.breakers[name]
	if !ok {
		br = &breaker{}
		b.breakers[name] = br
	}
	return br
}
