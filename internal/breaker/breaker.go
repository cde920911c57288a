// Package breaker implements named circuit breakers guarding the external
// dependencies (database, cache). A breaker trips after consecutive failures,
// rejects calls while open, and probes with a bounded number of half-open
// calls before closing again.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"dev.helix.conductor/internal/apperrors"
)

// State is the breaker state machine position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config tunes one breaker.
type Config struct {
	// FailureThreshold consecutive failures trip the breaker.
	FailureThreshold int
	// SuccessThreshold consecutive half-open successes close it.
	SuccessThreshold int
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
	// HalfOpenMaxCalls bounds concurrent half-open probes.
	HalfOpenMaxCalls int
}

// DefaultConfig matches the database breaker defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
		HalfOpenMaxCalls: 2,
	}
}

// StateChange is delivered to listeners on every transition.
type StateChange struct {
	Name string
	From State
	To   State
	At   time.Time
}

// Stats is a point-in-time snapshot for the ops endpoints.
type Stats struct {
	Name                string    `json:"name"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	ConsecutiveSuccess  int       `json:"consecutive_successes"`
	TotalCalls          uint64    `json:"total_calls"`
	TotalFailures       uint64    `json:"total_failures"`
	TotalRejected       uint64    `json:"total_rejected"`
	LastFailureAt       time.Time `json:"last_failure_at,omitzero"`
	OpenedAt            time.Time `json:"opened_at,omitzero"`
}

// Breaker is a single named circuit breaker. Safe for concurrent use.
type Breaker struct {
	name string
	cfg  Config
	log  *logrus.Logger

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	lastFail  time.Time
	openedAt  time.Time

	totalCalls    uint64
	totalFailures uint64
	totalRejected uint64

	probes    *semaphore.Weighted
	listeners []func(StateChange)
}

// New builds a closed breaker.
func New(name string, cfg Config, log *logrus.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}
	return &Breaker{
		name:   name,
		cfg:    cfg,
		log:    log,
		state:  StateClosed,
		probes: semaphore.NewWeighted(int64(cfg.HalfOpenMaxCalls)),
	}
}

// OnStateChange registers a listener invoked outside the breaker lock.
func (b *Breaker) OnStateChange(fn func(StateChange)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

// Name returns the breaker's registry name.
func (b *Breaker) Name() string { return b.name }

// Do runs fn under the breaker. While open it fails fast with a retryable
// SERVICE_002 carrying the remaining cooldown.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	release, err := b.before()
	if err != nil {
		return err
	}
	callErr := fn(ctx)
	b.after(callErr)
	if release != nil {
		release()
	}
	return callErr
}

// State returns the current state, accounting for open-timeout expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return b.state
}

// Snapshot returns current stats.
func (b *Breaker) Snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return Stats{
		Name:                b.name,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		ConsecutiveSuccess:  b.successes,
		TotalCalls:          b.totalCalls,
		TotalFailures:       b.totalFailures,
		TotalRejected:       b.totalRejected,
		LastFailureAt:       b.lastFail,
		OpenedAt:            b.openedAt,
	}
}

func (b *Breaker) before() (func(), error) {
	b.mu.Lock()
	b.maybeHalfOpenLocked()

	switch b.state {
	case StateOpen:
		b.totalRejected++
		wait := b.cfg.OpenTimeout - time.Since(b.openedAt)
		if wait < 0 {
			wait = 0
		}
		b.mu.Unlock()
		return nil, apperrors.Unavailable(b.name, wait)
	case StateHalfOpen:
		b.totalCalls++
		b.mu.Unlock()
		if !b.probes.TryAcquire(1) {
			b.mu.Lock()
			b.totalRejected++
			b.mu.Unlock()
			return nil, apperrors.Unavailable(b.name, b.cfg.OpenTimeout)
		}
		return func() { b.probes.Release(1) }, nil
	default:
		b.totalCalls++
		b.mu.Unlock()
		return nil, nil
	}
}

func (b *Breaker) after(callErr error) {
	b.mu.Lock()
	var change *StateChange
	if callErr != nil {
		b.totalFailures++
		b.failures++
		b.successes = 0
		b.lastFail = time.Now()
		if b.state == StateHalfOpen || (b.state == StateClosed && b.failures >= b.cfg.FailureThreshold) {
			change = b.transitionLocked(StateOpen)
		}
	} else {
		b.failures = 0
		if b.state == StateHalfOpen {
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				change = b.transitionLocked(StateClosed)
			}
		}
	}
	listeners := b.listeners
	b.mu.Unlock()

	if change != nil {
		for _, fn := range listeners {
			fn(*change)
		}
	}
}

// maybeHalfOpenLocked moves open -> half_open once the cooldown elapsed.
// Callers hold b.mu.
func (b *Breaker) maybeHalfOpenLocked() {
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.OpenTimeout {
		if change := b.transitionLocked(StateHalfOpen); change != nil {
			listeners := b.listeners
			go func() {
				for _, fn := range listeners {
					fn(*change)
				}
			}()
		}
	}
}

func (b *Breaker) transitionLocked(to State) *StateChange {
	if b.state == to {
		return nil
	}
	from := b.state
	b.state = to
	change := &StateChange{Name: b.name, From: from, To: to, At: time.Now()}

	switch to {
	case StateOpen:
		b.openedAt = change.At
		b.successes = 0
	case StateHalfOpen:
		b.successes = 0
		b.probes = semaphore.NewWeighted(int64(b.cfg.HalfOpenMaxCalls))
	case StateClosed:
		b.failures = 0
		b.successes = 0
	}

	if b.log != nil {
		b.log.WithFields(logrus.Fields{
			"breaker": b.name,
			"from":    from,
			"to":      to,
		}).Warn("circuit breaker state change")
	}
	return change
}

// IsOpen reports whether err is a breaker rejection.
func IsOpen(err error) bool {
	return apperrors.IsCode(err, apperrors.CodeUnavailable)
}
