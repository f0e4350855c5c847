package circuit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	dbfserrors "github.com/dbfs/dbfs/pkg/errors"
)

var errRemote = errors.New("login failed")

func fail(context.Context) error { return errRemote }
func succeed(context.Context) error { return nil }

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "CLOSED"},
		{StateOpen, "OPEN"},
		{StateHalfOpen, "HALF_OPEN"},
		{State(999), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State.String() = %q, want %q", got, tt.want)
		}
	}
}

func TestNewBreaker_Defaults(t *testing.T) {
	t.Parallel()

	b := NewBreaker("prod", Config{})

	if b.Server() != "prod" {
		t.Errorf("Server() = %q, want %q", b.Server(), "prod")
	}
	if b.State() != StateClosed {
		t.Errorf("initial state = %v, want %v", b.State(), StateClosed)
	}
	if b.config.MaxRequests != 1 {
		t.Errorf("default MaxRequests = %d, want 1", b.config.MaxRequests)
	}
	if b.config.Timeout != 30*time.Second {
		t.Errorf("default Timeout = %v, want 30s", b.config.Timeout)
	}
}

func TestBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := NewBreaker("prod", Config{FailureThreshold: 2, Timeout: time.Minute})

	for i := 0; i < 2; i++ {
		if err := b.Execute(ctx, fail); !errors.Is(err, errRemote) {
			t.Fatalf("Execute() = %v, want remote error", err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want OPEN", b.State())
	}

	called := false
	err := b.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	if called {
		t.Error("function should not run while open")
	}
	if !dbfserrors.HasCode(err, dbfserrors.ErrCodeCircuitOpen) {
		t.Errorf("Execute() = %v, want CIRCUIT_OPEN", err)
	}
}

func TestBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := NewBreaker("prod", Config{FailureThreshold: 2})

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, succeed)
	_ = b.Execute(ctx, fail)

	if b.State() != StateClosed {
		t.Errorf("state = %v, want CLOSED", b.State())
	}
	if c := b.Counts(); c.ConsecutiveFailures != 1 || c.TotalSuccesses != 1 {
		t.Errorf("counts = %+v", c)
	}
}

func TestBreaker_ZeroThresholdNeverTrips(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := NewBreaker("prod", Config{})
	for i := 0; i < 50; i++ {
		_ = b.Execute(ctx, fail)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want CLOSED", b.State())
	}
}

func TestBreaker_HalfOpenTransitions(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var changes []string

	ctx := context.Background()
	b := NewBreaker("prod", Config{
		FailureThreshold: 1,
		Timeout:          50 * time.Millisecond,
		OnStateChange: func(server string, from, to State) {
			mu.Lock()
			defer mu.Unlock()
			changes = append(changes, from.String()+"->"+to.String())
		},
	})

	_ = b.Execute(ctx, fail)
	time.Sleep(80 * time.Millisecond)

	if b.State() != StateHalfOpen {
		t.Fatalf("state after timeout = %v, want HALF_OPEN", b.State())
	}

	// A failed probe reopens the breaker.
	_ = b.Execute(ctx, fail)
	if b.State() != StateOpen {
		t.Fatalf("state after failed probe = %v, want OPEN", b.State())
	}

	time.Sleep(80 * time.Millisecond)
	if err := b.Execute(ctx, succeed); err != nil {
		t.Fatalf("probe Execute() = %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state after good probe = %v, want CLOSED", b.State())
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->CLOSED"}
	if len(changes) != len(want) {
		t.Fatalf("changes = %v, want %v", changes, want)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("change[%d] = %s, want %s", i, changes[i], want[i])
		}
	}
}

func TestBreaker_CancelledContextIsNotAFailure(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := NewBreaker("prod", Config{FailureThreshold: 1})
	err := b.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Execute() = %v, want context.Canceled", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want CLOSED", b.State())
	}
	if b.Counts().TotalFailures != 0 {
		t.Error("cancellation should not be counted as a failure")
	}
}

func TestBreaker_Reset(t *testing.T) {
	t.Parallel()

	b := NewBreaker("prod", Config{FailureThreshold: 1, Timeout: time.Minute})
	_ = b.Execute(context.Background(), fail)
	b.Reset()

	if b.State() != StateClosed {
		t.Errorf("state after reset = %v, want CLOSED", b.State())
	}
}

func TestManager(t *testing.T) {
	t.Parallel()

	m := NewManager(Config{FailureThreshold: 1, Timeout: time.Minute})

	a := m.For("a")
	if m.For("a") != a {
		t.Error("For should return the same breaker for one server")
	}
	_ = a.Execute(context.Background(), fail)
	_ = m.For("b")

	open := m.Open()
	if len(open) != 1 || open[0] != "a" {
		t.Errorf("Open() = %v, want [a]", open)
	}

	m.ResetAll()
	if len(m.Open()) != 0 {
		t.Error("ResetAll should close every breaker")
	}
}

func TestManager_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	m := NewManager(DefaultConfig())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.For("shared").Execute(context.Background(), succeed)
		}()
	}
	wg.Wait()

	if got := m.For("shared").Counts().TotalSuccesses; got != 20 {
		t.Errorf("TotalSuccesses = %d, want 20", got)
	}
}
