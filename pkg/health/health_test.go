package health

import (
	"fmt"
	"testing"

	"github.com/dbfs/dbfs/pkg/errors"
)

func TestTracker_Register(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.Register("s1")
	tracker.Register("s1")

	if state := tracker.State("s1"); state != StateHealthy {
		t.Errorf("Expected initial state to be healthy, got %s", state)
	}
	if n := len(tracker.Servers()); n != 1 {
		t.Errorf("Expected 1 server, got %d", n)
	}
	if state := tracker.State("unknown"); state != StateUnavailable {
		t.Errorf("Expected unknown server to be unavailable, got %s", state)
	}
}

func TestTracker_Thresholds(t *testing.T) {
	tracker := NewTracker(Config{ErrorThreshold: 2, UnavailableThreshold: 4})
	tracker.Register("s1")

	want := []State{StateHealthy, StateDegraded, StateDegraded, StateUnavailable}
	for i, expected := range want {
		tracker.Record("s1", fmt.Errorf("login failed"))
		if state := tracker.State("s1"); state != expected {
			t.Errorf("After %d errors expected %s, got %s", i+1, expected, state)
		}
	}

	tracker.Record("s1", nil)
	servers := tracker.Servers()
	if servers[0].State != StateHealthy {
		t.Errorf("Expected recovery after success, got %s", servers[0].State)
	}
	if servers[0].ConsecutiveErrors != 0 || servers[0].LastErrorMessage != "" {
		t.Errorf("Expected error streak to be cleared, got %+v", servers[0])
	}
}

func TestTracker_CircuitOpenIsUnavailable(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.Register("s1")

	tracker.Record("s1", errors.NewError(errors.ErrCodeCircuitOpen, "circuit open"))
	if state := tracker.State("s1"); state != StateUnavailable {
		t.Errorf("Expected unavailable, got %s", state)
	}
}

func TestTracker_Overall(t *testing.T) {
	tracker := NewTracker(Config{ErrorThreshold: 1, UnavailableThreshold: 5})
	if state := tracker.Overall(); state != StateHealthy {
		t.Errorf("Expected empty tracker to be healthy, got %s", state)
	}

	tracker.Register("a")
	tracker.Register("b")
	tracker.Record("b", fmt.Errorf("timeout"))

	if state := tracker.Overall(); state != StateDegraded {
		t.Errorf("Expected overall degraded, got %s", state)
	}
	servers := tracker.Servers()
	if servers[0].Name != "a" || servers[1].Name != "b" {
		t.Errorf("Expected servers sorted by name, got %v", servers)
	}
}

func TestTracker_StateChangeCallback(t *testing.T) {
	tracker := NewTracker(Config{ErrorThreshold: 1, UnavailableThreshold: 2})
	tracker.Register("s1")

	var transitions []string
	tracker.OnStateChange(func(server string, from, to State, err error) {
		transitions = append(transitions, fmt.Sprintf("%s:%s->%s", server, from, to))
	})

	tracker.Record("s1", fmt.Errorf("x"))
	tracker.Record("s1", fmt.Errorf("x"))
	tracker.Record("s1", fmt.Errorf("x"))
	tracker.Record("s1", nil)

	expected := []string{"s1:healthy->degraded", "s1:degraded->unavailable", "s1:unavailable->healthy"}
	if fmt.Sprint(transitions) != fmt.Sprint(expected) {
		t.Errorf("Expected transitions %v, got %v", expected, transitions)
	}
}

func TestTracker_IgnoresUnregistered(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.Record("ghost", fmt.Errorf("x"))
	if n := len(tracker.Servers()); n != 0 {
		t.Errorf("Expected no servers, got %d", n)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateHealthy, "healthy"},
		{StateDegraded, "degraded"},
		{StateUnavailable, "unavailable"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
