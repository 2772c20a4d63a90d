package core

import "time"

// Validate checks that the policy can drive a token bucket.
func (p Policy) Validate() error {
	if p.Capacity <= 0 {
		return &ConfigError{Field: "capacity", Err: ErrNonPositiveCapacity}
	}
	if p.RefillInterval <= 0 {
		return &ConfigError{Field: "refill_interval", Err: ErrNonPositiveInterval}
	}
	return nil
}

// Seed creates the state for a key seen for the first time.
// The creating request is admitted, so the bucket starts at capacity - 1.
func (p Policy) Seed(now time.Time) (BucketState, Result) {
	state := BucketState{
		Tokens:     p.Capacity - 1,
		LastRefill: now,
	}
	return state, Result{
		Allowed:    true,
		Remaining:  state.Tokens,
		Limit:      p.Capacity,
		ResetAfter: p.RefillInterval,
	}
}

// Refill adds one token per whole refill interval elapsed since LastRefill.
// Any refill restarts the refill clock at now; time short of a whole
// interval does not count toward the next token.
func (p Policy) Refill(s *BucketState, now time.Time) {
	elapsed := now.Sub(s.LastRefill)
	if elapsed < p.RefillInterval {
		return
	}

	tokensToAdd := int64(elapsed / p.RefillInterval)
	if tokensToAdd >= p.Capacity-s.Tokens {
		s.Tokens = p.Capacity
	} else {
		s.Tokens += tokensToAdd
	}
	s.LastRefill = now
}

// Take refills the bucket and tries to consume one token.
// A denial leaves the state exactly as the refill left it.
func (p Policy) Take(s *BucketState, now time.Time) Result {
	p.Refill(s, now)

	if s.Tokens > 0 {
		s.Tokens--
		return Result{
			Allowed:    true,
			Remaining:  s.Tokens,
			Limit:      p.Capacity,
			ResetAfter: p.ResetAfter(*s, now),
		}
	}

	return Result{
		Allowed:    false,
		Remaining:  0,
		Limit:      p.Capacity,
		RetryAfter: p.nextToken(s, now),
		ResetAfter: p.ResetAfter(*s, now),
	}
}

// FullAfter reports whether the bucket would hold capacity tokens at now.
// Dropping such a bucket is unobservable: a reseeded bucket admits the same.
func (p Policy) FullAfter(s BucketState, now time.Time) bool {
	p.Refill(&s, now)
	return s.Tokens >= p.Capacity
}

// ResetAfter returns how long until the bucket is back at capacity.
func (p Policy) ResetAfter(s BucketState, now time.Time) time.Duration {
	p.Refill(&s, now)
	missing := p.Capacity - s.Tokens
	if missing <= 0 {
		return 0
	}
	return p.nextToken(&s, now) + time.Duration(missing-1)*p.RefillInterval
}

func (p Policy) nextToken(s *BucketState, now time.Time) time.Duration {
	wait := s.LastRefill.Add(p.RefillInterval).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// Check applies one admission decision to state, seeding it when nil.
// It returns the updated state and the decision.
func Check(p Policy, state *BucketState, now time.Time) (*BucketState, Result) {
	if state == nil {
		seeded, result := p.Seed(now)
		return &seeded, result
	}

	next := *state
	result := p.Take(&next, now)
	return &next, result
}
