// Package health tracks the reachability of each configured database server
// from the outcome of the queries run against it.
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/dbfs/dbfs/pkg/errors"
)

// State is the health of one server, or of the whole process when reported
// by Overall. Larger values are worse.
type State int

const (
	// StateHealthy means the last queries succeeded.
	StateHealthy State = iota

	// StateDegraded means several consecutive queries failed.
	StateDegraded

	// StateUnavailable means the server is not answering at all.
	StateUnavailable
)

// String returns the string representation of a health state
func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ServerHealth is a snapshot of one server's health.
type ServerHealth struct {
	Name              string    `json:"name"`
	State             State     `json:"state"`
	LastStateChange   time.Time `json:"last_state_change"`
	LastQuery         time.Time `json:"last_query,omitempty"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastErrorMessage  string    `json:"last_error_message,omitempty"`
}

// Config holds the thresholds that move a server between states.
type Config struct {
	// ErrorThreshold is the number of consecutive failures before a server is degraded.
	ErrorThreshold int `yaml:"error_threshold"`

	// UnavailableThreshold is the number of consecutive failures before a server is unavailable.
	UnavailableThreshold int `yaml:"unavailable_threshold"`
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		ErrorThreshold:       3,
		UnavailableThreshold: 10,
	}
}

// StateChangeCallback is called, outside the tracker lock, when a server
// changes state.
type StateChangeCallback func(server string, from, to State, err error)

// Tracker records query outcomes per server.
type Tracker struct {
	mu        sync.RWMutex
	servers   map[string]*ServerHealth
	config    Config
	callbacks []StateChangeCallback
	now       func() time.Time
}

// NewTracker creates a tracker. Non-positive thresholds fall back to the defaults.
func NewTracker(config Config) *Tracker {
	def := DefaultConfig()
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = def.ErrorThreshold
	}
	if config.UnavailableThreshold < config.ErrorThreshold {
		config.UnavailableThreshold = config.ErrorThreshold
	}
	return &Tracker{
		servers: make(map[string]*ServerHealth),
		config:  config,
		now:     time.Now,
	}
}

// Register starts tracking a server in the healthy state. Registering a
// known server does nothing.
func (t *Tracker) Register(server string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.servers[server]; !exists {
		t.servers[server] = &ServerHealth{
			Name:            server,
			State:           StateHealthy,
			LastStateChange: t.now(),
		}
	}
}

// OnStateChange registers a callback for state transitions.
func (t *Tracker) OnStateChange(cb StateChangeCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, cb)
}

// Record feeds the outcome of one query against server. Unregistered servers
// are ignored.
func (t *Tracker) Record(server string, err error) {
	t.mu.Lock()
	h, exists := t.servers[server]
	if !exists {
		t.mu.Unlock()
		return
	}

	from := h.State
	h.LastQuery = t.now()
	if err == nil {
		h.ConsecutiveErrors = 0
		h.LastErrorMessage = ""
		t.transition(h, StateHealthy)
	} else {
		h.ConsecutiveErrors++
		h.LastErrorMessage = err.Error()
		t.transition(h, t.stateFor(h.ConsecutiveErrors, err))
	}
	to := h.State
	callbacks := t.callbacks
	t.mu.Unlock()

	if from != to {
		for _, cb := range callbacks {
			cb(server, from, to, err)
		}
	}
}

// stateFor maps a failure streak to a state. An open breaker means the
// server is already being skipped, so it counts as unavailable at once.
func (t *Tracker) stateFor(consecutive int, err error) State {
	switch {
	case errors.HasCode(err, errors.ErrCodeCircuitOpen):
		return StateUnavailable
	case consecutive >= t.config.UnavailableThreshold:
		return StateUnavailable
	case consecutive >= t.config.ErrorThreshold:
		return StateDegraded
	default:
		return StateHealthy
	}
}

// must be called with the lock held
func (t *Tracker) transition(h *ServerHealth, to State) {
	if h.State != to {
		h.State = to
		h.LastStateChange = t.now()
	}
}

// State returns the state of server. Unknown servers are unavailable.
func (t *Tracker) State(server string) State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if h, exists := t.servers[server]; exists {
		return h.State
	}
	return StateUnavailable
}

// Servers returns a copy of every tracked server, sorted by name.
func (t *Tracker) Servers() []ServerHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]ServerHealth, 0, len(t.servers))
	for _, h := range t.servers {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Overall returns the worst state of any server. A tracker with no servers
// is healthy.
func (t *Tracker) Overall() State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	overall := StateHealthy
	for _, h := range t.servers {
		if h.State > overall {
			overall = h.State
		}
	}
	return overall
}
