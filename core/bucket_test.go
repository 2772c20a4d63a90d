package core

import (
	"errors"
	"testing"
	"time"
)

func TestPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr error
	}{
		{"valid", Policy{Capacity: 5, RefillInterval: time.Second}, nil},
		{"zero capacity", Policy{Capacity: 0, RefillInterval: time.Second}, ErrNonPositiveCapacity},
		{"negative capacity", Policy{Capacity: -3, RefillInterval: time.Second}, ErrNonPositiveCapacity},
		{"zero interval", Policy{Capacity: 5}, ErrNonPositiveInterval},
		{"negative interval", Policy{Capacity: 5, RefillInterval: -time.Second}, ErrNonPositiveInterval},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() error = %v, should match ErrInvalidConfig", err)
			}
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Errorf("Validate() error should be a *ConfigError, got %T", err)
			}
		})
	}
}

func TestCheck_SeedsNewBucket(t *testing.T) {
	policy := Policy{Capacity: 5, RefillInterval: time.Second}
	now := time.Unix(1000, 0)

	state, result := Check(policy, nil, now)

	if !result.Allowed {
		t.Fatal("first request should be admitted")
	}
	if state.Tokens != 4 {
		t.Errorf("Tokens = %d, want 4", state.Tokens)
	}
	if !state.LastRefill.Equal(now) {
		t.Errorf("LastRefill = %v, want %v", state.LastRefill, now)
	}
	if result.Remaining != 4 || result.Limit != 5 {
		t.Errorf("result = %+v, want Remaining 4 Limit 5", result)
	}
}

func TestCheck_BurstBound(t *testing.T) {
	policy := Policy{Capacity: 5, RefillInterval: time.Second}
	now := time.Unix(1000, 0)

	var state *BucketState
	for i := 0; i < 5; i++ {
		var result Result
		state, result = Check(policy, state, now)
		if !result.Allowed {
			t.Errorf("request %d should be admitted (burst)", i+1)
		}
	}

	_, result := Check(policy, state, now)
	if result.Allowed {
		t.Error("request 6 should be denied")
	}
}

func TestCheck_RefillOneToken(t *testing.T) {
	policy := Policy{Capacity: 1, RefillInterval: time.Second}
	t0 := time.Unix(1000, 0)

	state, result := Check(policy, nil, t0)
	if !result.Allowed {
		t.Fatal("first call should be admitted")
	}

	state, result = Check(policy, state, t0)
	if result.Allowed {
		t.Fatal("second call at t0 should be denied")
	}
	if result.RetryAfter != time.Second {
		t.Errorf("RetryAfter = %v, want 1s", result.RetryAfter)
	}

	_, result = Check(policy, state, t0.Add(time.Second))
	if !result.Allowed {
		t.Error("call at t0+1s should be admitted")
	}
}

func TestCheck_NoOverRefill(t *testing.T) {
	policy := Policy{Capacity: 3, RefillInterval: time.Second}
	now := time.Unix(1000, 0)

	state := &BucketState{Tokens: 0, LastRefill: now}

	now = now.Add(100 * policy.RefillInterval)
	policy.Refill(state, now)

	if state.Tokens != policy.Capacity {
		t.Errorf("Tokens = %d, want %d", state.Tokens, policy.Capacity)
	}
	if !state.LastRefill.Equal(now) {
		t.Errorf("LastRefill = %v, want %v after saturating", state.LastRefill, now)
	}
}

func TestCheck_DenialIsIdempotent(t *testing.T) {
	policy := Policy{Capacity: 2, RefillInterval: time.Second}
	now := time.Unix(1000, 0)

	state := &BucketState{Tokens: 0, LastRefill: now.Add(-300 * time.Millisecond)}
	before := *state

	for i := 0; i < 3; i++ {
		var result Result
		state, result = Check(policy, state, now)
		if result.Allowed {
			t.Fatalf("call %d should be denied", i+1)
		}
		if *state != before {
			t.Fatalf("state changed on denial: got %+v, want %+v", *state, before)
		}
		if result.RetryAfter != 700*time.Millisecond {
			t.Errorf("RetryAfter = %v, want 700ms", result.RetryAfter)
		}
	}
}

func TestRefill_RestartsClockAtNow(t *testing.T) {
	policy := Policy{Capacity: 10, RefillInterval: time.Second}
	t0 := time.Unix(1000, 0)
	state := &BucketState{Tokens: 0, LastRefill: t0}

	// 1.5 intervals: one token, and the refill clock moves to now.
	at := t0.Add(1500 * time.Millisecond)
	policy.Refill(state, at)
	if state.Tokens != 1 {
		t.Fatalf("Tokens = %d, want 1", state.Tokens)
	}
	if !state.LastRefill.Equal(at) {
		t.Fatalf("LastRefill = %v, want %v", state.LastRefill, at)
	}

	// Half an interval later nothing is added.
	policy.Refill(state, t0.Add(2*time.Second))
	if state.Tokens != 1 || !state.LastRefill.Equal(at) {
		t.Errorf("state = %+v, want unchanged", *state)
	}

	policy.Refill(state, t0.Add(2500*time.Millisecond))
	if state.Tokens != 2 {
		t.Errorf("Tokens = %d, want 2", state.Tokens)
	}
}

func TestCheck_DrainedBucketRefillsFromLastTopUp(t *testing.T) {
	policy := Policy{Capacity: 3, RefillInterval: time.Second}
	t0 := time.Unix(1000, 0)

	var state *BucketState
	for i := 0; i < 3; i++ {
		state, _ = Check(policy, state, t0)
	}

	steps := []struct {
		after time.Duration
		want  bool
	}{
		{1500 * time.Millisecond, true},
		{2 * time.Second, false},
		{2500 * time.Millisecond, true},
	}
	for _, step := range steps {
		var result Result
		state, result = Check(policy, state, t0.Add(step.after))
		if result.Allowed != step.want {
			t.Errorf("Allowed at t0+%v = %v, want %v", step.after, result.Allowed, step.want)
		}
	}
}

func TestRefill_ClockGoingBackwards(t *testing.T) {
	policy := Policy{Capacity: 4, RefillInterval: time.Second}
	t0 := time.Unix(1000, 0)
	state := &BucketState{Tokens: 1, LastRefill: t0}

	policy.Refill(state, t0.Add(-5*time.Second))

	if state.Tokens != 1 || !state.LastRefill.Equal(t0) {
		t.Errorf("state = %+v, want unchanged", *state)
	}
}

func TestCheck_AdmissionBound(t *testing.T) {
	policy := Policy{Capacity: 3, RefillInterval: 100 * time.Millisecond}
	t0 := time.Unix(1000, 0)
	window := 1050 * time.Millisecond

	// Hammer the key every 7ms across the window.
	var state *BucketState
	admitted := int64(0)
	for at := time.Duration(0); at <= window; at += 7 * time.Millisecond {
		var result Result
		state, result = Check(policy, state, t0.Add(at))
		if result.Allowed {
			admitted++
		}
	}

	bound := policy.Capacity + int64(window/policy.RefillInterval)
	if admitted > bound {
		t.Errorf("admitted %d, bound is %d", admitted, bound)
	}
	// Each refill lands on the first 7ms poll at least 100ms after the last
	// one, i.e. every 105ms, which yields 10 tokens over the window.
	if want := policy.Capacity + 10; admitted != want {
		t.Errorf("admitted %d, want %d", admitted, want)
	}

	// Polling a drained bucket twice every 150ms gets one token per poll:
	// the 50ms past each whole interval is dropped on refill.
	state = nil
	admitted = 0
	for at := time.Duration(0); at <= window; at += 150 * time.Millisecond {
		calls := int64(2)
		if at == 0 {
			calls = policy.Capacity + 1
		}
		for i := int64(0); i < calls; i++ {
			var result Result
			state, result = Check(policy, state, t0.Add(at))
			if result.Allowed {
				admitted++
			}
		}
	}
	if want := policy.Capacity + 7; admitted != want {
		t.Errorf("admitted %d at 150ms polling, want %d", admitted, want)
	}
}

func TestFullAfter(t *testing.T) {
	policy := Policy{Capacity: 3, RefillInterval: time.Second}
	t0 := time.Unix(1000, 0)
	state := BucketState{Tokens: 1, LastRefill: t0}

	if policy.FullAfter(state, t0.Add(time.Second)) {
		t.Error("bucket should still be short one token after 1s")
	}
	if !policy.FullAfter(state, t0.Add(2*time.Second)) {
		t.Error("bucket should be full after 2s")
	}
	if state.Tokens != 1 {
		t.Error("FullAfter must not mutate the caller's state")
	}
}

func TestResetAfter(t *testing.T) {
	policy := Policy{Capacity: 5, RefillInterval: time.Second}
	t0 := time.Unix(1000, 0)
	state := BucketState{Tokens: 2, LastRefill: t0}

	if got := policy.ResetAfter(state, t0.Add(250*time.Millisecond)); got != 2750*time.Millisecond {
		t.Errorf("ResetAfter = %v, want 2.75s", got)
	}
	if got := policy.ResetAfter(BucketState{Tokens: 5, LastRefill: t0}, t0); got != 0 {
		t.Errorf("ResetAfter on full bucket = %v, want 0", got)
	}
}

func TestTake_ReportsResetAfter(t *testing.T) {
	policy := Policy{Capacity: 3, RefillInterval: time.Second}
	t0 := time.Unix(1000, 0)

	state, result := Check(policy, nil, t0)
	if result.ResetAfter != time.Second {
		t.Errorf("seed ResetAfter = %v, want 1s", result.ResetAfter)
	}

	state, result = Check(policy, state, t0.Add(400*time.Millisecond))
	if result.ResetAfter != 1600*time.Millisecond {
		t.Errorf("ResetAfter = %v, want 1.6s", result.ResetAfter)
	}

	_, result = Check(policy, &BucketState{Tokens: 0, LastRefill: t0}, t0.Add(400*time.Millisecond))
	if result.Allowed {
		t.Fatal("empty bucket should deny")
	}
	if result.RetryAfter != 600*time.Millisecond || result.ResetAfter != 2600*time.Millisecond {
		t.Errorf("denied result = %+v, want RetryAfter 600ms ResetAfter 2.6s", result)
	}
}
