// Package circuit stops dbfs from hammering a remote server that keeps failing.
// One breaker guards each configured server; while it is open, queries fail
// immediately and the triggering open returns EIO without a network round trip.
package circuit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	dbfserrors "github.com/dbfs/dbfs/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed lets queries through.
	StateClosed State = iota
	// StateOpen rejects queries until the timeout elapses.
	StateOpen
	// StateHalfOpen lets a limited number of probe queries through.
	StateHalfOpen
)

// String returns string representation of state
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

// Config contains circuit breaker configuration
type Config struct {
	// Number of consecutive failures that opens the breaker (0 disables tripping)
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// Maximum number of probe queries allowed while half-open
	MaxRequests uint32 `yaml:"max_requests"`

	// Period of the closed state after which counts are cleared
	Interval time.Duration `yaml:"interval"`

	// Period of the open state after which the breaker enters half-open state
	Timeout time.Duration `yaml:"timeout"`

	// Called on every state change
	OnStateChange func(server string, from State, to State) `yaml:"-"`
}

// DefaultConfig returns the breaker settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		MaxRequests:      1,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
	}
}

// Counts holds the numbers of queries and their successes/failures
type Counts struct {
	Requests             uint32    `json:"requests"`
	TotalSuccesses       uint32    `json:"total_successes"`
	TotalFailures        uint32    `json:"total_failures"`
	ConsecutiveSuccesses uint32    `json:"consecutive_successes"`
	ConsecutiveFailures  uint32    `json:"consecutive_failures"`
	LastActivity         time.Time `json:"last_activity"`
}

func (c *Counts) onRequest() {
	c.Requests++
	c.LastActivity = time.Now()
}

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

func (c *Counts) clear() {
	*c = Counts{}
}

var (
	// ErrOpenState is returned when the circuit breaker is open
	ErrOpenState = dbfserrors.NewError(dbfserrors.ErrCodeCircuitOpen, "circuit breaker is open")

	// ErrTooManyRequests is returned when too many probes are made in half-open state
	ErrTooManyRequests = dbfserrors.NewError(dbfserrors.ErrCodeCircuitOpen, "too many requests in half-open state")
)

// Breaker guards the queries sent to one server.
type Breaker struct {
	server string
	config Config

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time
}

// NewBreaker creates a breaker for server.
func NewBreaker(server string, config Config) *Breaker {
	if config.MaxRequests == 0 {
		config.MaxRequests = 1
	}
	if config.Interval <= 0 {
		config.Interval = 60 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	return &Breaker{
		server: server,
		config: config,
		state:  StateClosed,
		expiry: time.Now().Add(config.Interval),
	}
}

// Server returns the name of the guarded server.
func (b *Breaker) Server() string {
	return b.server
}

// Execute runs fn if the breaker allows it. A cancelled caller context does
// not count against the server.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.beforeRequest(); err != nil {
		return dbfserrors.NewError(dbfserrors.ErrCodeCircuitOpen, "server temporarily disabled").
			WithComponent("circuit").
			WithContext("server", b.server).
			WithCause(err)
	}

	err := fn(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		b.release()
		return err
	}
	b.afterRequest(err)
	return err
}

func (b *Breaker) beforeRequest() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState(time.Now())
	if state == StateOpen {
		return ErrOpenState
	}
	if state == StateHalfOpen && b.counts.Requests >= b.config.MaxRequests {
		return ErrTooManyRequests
	}

	b.counts.onRequest()
	return nil
}

// release hands back a half-open probe slot without judging the server.
func (b *Breaker) release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.counts.Requests > 0 {
		b.counts.Requests--
	}
}

func (b *Breaker) afterRequest(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state := b.currentState(now)

	if err == nil {
		b.counts.onSuccess()
		if state == StateHalfOpen {
			b.setState(StateClosed, now)
		}
		return
	}

	b.counts.onFailure()
	switch state {
	case StateClosed:
		if b.config.FailureThreshold > 0 && b.counts.ConsecutiveFailures >= b.config.FailureThreshold {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) State {
	switch b.state {
	case StateClosed:
		if b.expiry.Before(now) {
			b.counts.clear()
			b.expiry = now.Add(b.config.Interval)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.counts.clear()

	switch state {
	case StateClosed:
		b.expiry = now.Add(b.config.Interval)
	case StateOpen:
		b.expiry = now.Add(b.config.Timeout)
	case StateHalfOpen:
		b.expiry = time.Time{}
	}

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.server, prev, state)
	}
}

// State returns the current state of the breaker
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.currentState(time.Now())
}

// Counts returns a copy of the current counts
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.counts
}

// Reset closes the breaker and clears its counts.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counts.clear()
	b.setState(StateClosed, time.Now())
}

// Manager hands out one breaker per server.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
}

// NewManager creates a new circuit breaker manager
func NewManager(config Config) *Manager {
	return &Manager{
		breakers: make(map[string]*Breaker),
		config:   config,
	}
}

// For gets or creates the breaker for server.
func (m *Manager) For(server string) *Breaker {
	m.mu.RLock()
	if b, ok := m.breakers[server]; ok {
		m.mu.RUnlock()
		return b
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[server]; ok {
		return b
	}
	b := NewBreaker(server, m.config)
	m.breakers[server] = b
	return b
}

// Open lists the servers whose breaker is currently open, sorted.
func (m *Manager) Open() []string {
	m.mu.RLock()
	breakers := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		breakers = append(breakers, b)
	}
	m.mu.RUnlock()

	var open []string
	for _, b := range breakers {
		if b.State() == StateOpen {
			open = append(open, b.server)
		}
	}
	sort.Strings(open)
	return open
}

// ResetAll resets all circuit breakers
func (m *Manager) ResetAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, b := range m.breakers {
		b.Reset()
	}
}
