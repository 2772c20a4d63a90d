package core

import "time"

// Policy defines the rate limiting parameters for a bucket
type Policy struct {
	Capacity       int64         `yaml:"capacity" json:"capacity"`               // Maximum tokens (burst size)
	RefillInterval time.Duration `yaml:"refill_interval" json:"refill_interval"` // Time to regenerate one token
}

// BucketState represents the current state of a token bucket
type BucketState struct {
	Tokens     int64     `json:"tokens"`      // Current tokens available
	LastRefill time.Time `json:"last_refill"` // Refill clock; partial progress toward the next token is kept
}

// Result contains the outcome of a single admission decision
type Result struct {
	Allowed    bool          // Whether the request is admitted
	Remaining  int64         // Tokens left after this decision
	Limit      int64         // Bucket capacity
	RetryAfter time.Duration // Time until the next token regenerates (0 if admitted)
	ResetAfter time.Duration // Time until the bucket is back at capacity
}
