package redis

import (
	"errors"
	"testing"
	"time"
)

var errPublish = errors.New("publish: connection refused")

// fakeClock drives the breaker's reset timeout without sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(maxFailures int) (*CircuitBreaker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(maxFailures, 10*time.Second)
	cb.now = clk.now
	return cb, clk
}

func fail() error    { return errPublish }
func succeed() error { return nil }

func TestCircuitBreaker_Lifecycle(t *testing.T) {
	type step struct {
		advance time.Duration
		fn      func() error
		wantErr error
		want    State
	}
	cases := []struct {
		name      string
		max       int
		steps     []step
		wantTrips int
	}{
		{
			name: "opens after consecutive failures and rejects",
			max:  3,
			steps: []step{
				{fn: fail, wantErr: errPublish, want: StateClosed},
				{fn: fail, wantErr: errPublish, want: StateClosed},
				{fn: fail, wantErr: errPublish, want: StateOpen},
				{advance: 5 * time.Second, fn: succeed, wantErr: ErrCircuitOpen, want: StateOpen},
			},
			wantTrips: 1,
		},
		{
			name: "successful trial call closes",
			max:  2,
			steps: []step{
				{fn: fail, wantErr: errPublish, want: StateClosed},
				{fn: fail, wantErr: errPublish, want: StateOpen},
				{advance: 11 * time.Second, fn: succeed, want: StateClosed},
				{fn: fail, wantErr: errPublish, want: StateClosed},
			},
			wantTrips: 1,
		},
		{
			name: "failed trial call reopens",
			max:  2,
			steps: []step{
				{fn: fail, wantErr: errPublish, want: StateClosed},
				{fn: fail, wantErr: errPublish, want: StateOpen},
				{advance: 11 * time.Second, fn: fail, wantErr: errPublish, want: StateOpen},
				{advance: time.Second, fn: succeed, wantErr: ErrCircuitOpen, want: StateOpen},
			},
			wantTrips: 2,
		},
		{
			name: "success resets the failure count",
			max:  3,
			steps: []step{
				{fn: fail, wantErr: errPublish, want: StateClosed},
				{fn: fail, wantErr: errPublish, want: StateClosed},
				{fn: succeed, want: StateClosed},
				{fn: fail, wantErr: errPublish, want: StateClosed},
				{fn: fail, wantErr: errPublish, want: StateClosed},
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cb, clk := newTestBreaker(tc.max)
			trips := 0
			cb.OnStateChange = func(_, to State) {
				if to == StateOpen {
					trips++
				}
			}
			for i, s := range tc.steps {
				clk.advance(s.advance)
				if err := cb.Execute(s.fn); !errors.Is(err, s.wantErr) {
					t.Fatalf("step %d: err = %v, want %v", i, err, s.wantErr)
				}
				if got := cb.CurrentState(); got != s.want {
					t.Fatalf("step %d: state = %v, want %v", i, got, s.want)
				}
			}
			if trips != tc.wantTrips {
				t.Errorf("trips = %d, want %d", trips, tc.wantTrips)
			}
		})
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	cb, clk := newTestBreaker(1)
	var seen []string
	cb.OnStateChange = func(from, to State) {
		seen = append(seen, from.String()+">"+to.String())
	}

	cb.Execute(fail)
	clk.advance(11 * time.Second)
	cb.Execute(succeed)

	want := []string{"closed>open", "open>half-open", "half-open>closed"}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, seen[i], want[i])
		}
	}
}
