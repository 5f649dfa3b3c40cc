// Package resilience wraps calls to the generation service with a bounded
// retry policy that separates transient capacity failures from fatal ones.
package resilience

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/containerd/errdefs"

	"github.com/ashureev/antirisk-desk/internal/shared"
)

// Class is the failure classification used to decide whether to retry.
type Class int

const (
	// ClassFatal failures propagate immediately.
	ClassFatal Class = iota
	// ClassTransientCapacity failures are rate-limit or quota exhaustion and are retried.
	ClassTransientCapacity
)

func (c Class) String() string {
	switch c {
	case ClassTransientCapacity:
		return "transient_capacity"
	default:
		return "fatal"
	}
}

// CapacityMarkers are matched case-insensitively against the error text.
var CapacityMarkers = []string{"RESOURCE_EXHAUSTED", "QUOTA", "429", "LIMIT"}

// Classify maps an error to a failure class.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassFatal
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ClassFatal
	case errdefs.IsResourceExhausted(err):
		return ClassTransientCapacity
	case shared.ErrorContainsAny(err, CapacityMarkers...):
		return ClassTransientCapacity
	default:
		return ClassFatal
	}
}

// Attempt describes one failed call that is about to be retried.
type Attempt struct {
	Number int
	Delay  time.Duration
	Class  Class
	Err    error
}

// Policy holds the retry configuration for one logical operation.
type Policy struct {
	// MaxAttempts is the total number of calls, including the first one.
	MaxAttempts int
	// BaseDelay is the wait before the second call.
	BaseDelay time.Duration
	// GrowthFactor multiplies the delay after every retry.
	GrowthFactor float64
	// MaxDelay caps a single wait.
	MaxDelay time.Duration

	// Classifier overrides Classify when set.
	Classifier func(error) Class
	// OnRetry is called before every wait.
	OnRetry func(Attempt)
}

// DefaultPolicy returns the retry defaults for generation calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  4,
		BaseDelay:    2 * time.Second,
		GrowthFactor: 1.5,
		MaxDelay:     30 * time.Second,
	}
}

// normalized fills nonsensical values with safe ones.
func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.GrowthFactor < 1 {
		p.GrowthFactor = 1
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Classifier == nil {
		p.Classifier = Classify
	}
	return p
}

// Delay returns the wait that follows the n-th failed call (n starts at 1).
func (p Policy) Delay(n int) time.Duration {
	p = p.normalized()
	if n < 1 {
		n = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.GrowthFactor, float64(n-1))
	if d >= float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// WorstCase bounds the total time spent waiting between attempts.
func (p Policy) WorstCase() time.Duration {
	p = p.normalized()
	return time.Duration(p.MaxAttempts) * p.MaxDelay
}
