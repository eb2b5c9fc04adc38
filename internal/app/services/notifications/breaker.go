package notifications

import (
	"errors"
	"sync"
	"time"
)

// BreakerState is the state of a push circuit breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failed sends that opens the breaker.
	FailureThreshold int
	// SuccessThreshold is the number of half-open successes that closes it again.
	SuccessThreshold int
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration
	// OnStateChange is called (asynchronously) on every transition.
	OnStateChange func(from, to BreakerState)
}

// DefaultBreakerConfig returns the production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
	}
}

// ErrBreakerOpen is returned by Allow while pushes are suspended.
var ErrBreakerOpen = errors.New("push breaker is open")

// Breaker stops push attempts while the push provider keeps failing, so a
// provider outage does not tie up dispatcher workers.
type Breaker struct {
	mu sync.Mutex

	cfg   BreakerConfig
	state BreakerState
	now   func() time.Time

	failures  int
	successes int
	lastError error
	openedAt  time.Time
}

// NewBreaker creates a closed breaker. Zero thresholds fall back to defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	return &Breaker{cfg: cfg, state: BreakerClosed, now: time.Now}
}

// Allow reports whether a push may be attempted.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen {
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return ErrBreakerOpen
		}
		b.transition(BreakerHalfOpen)
	}
	return nil
}

// Success records a push call that reached the provider.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transition(BreakerClosed)
		}
	}
}

// Failure records a push call that failed as a whole.
func (b *Breaker) Failure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastError = err
	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.transition(BreakerOpen)
	}
}

func (b *Breaker) transition(to BreakerState) {
	from := b.state
	b.state = to
	switch to {
	case BreakerClosed:
		b.failures = 0
		b.successes = 0
	case BreakerOpen:
		b.openedAt = b.now()
		b.successes = 0
	case BreakerHalfOpen:
		b.successes = 0
	}
	if b.cfg.OnStateChange != nil {
		go b.cfg.OnStateChange(from, to)
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// LastError returns the most recent recorded failure.
func (b *Breaker) LastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastError
}
