// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"math"
	"time"
)

const (
	// FixedBackoff waits the same delay before every retry.
	FixedBackoff = "fixed"
	// ExponentialBackoff doubles the delay with every retry.
	ExponentialBackoff = "exponential"
)

// maxBackoffDelay caps exponential delays.
const maxBackoffDelay = 24 * time.Hour

// Backoff describes the delay before a failed job becomes eligible again.
type Backoff struct {
	Type  string        `json:"type,omitempty"`  // FixedBackoff or ExponentialBackoff
	Delay time.Duration `json:"delay,omitempty"` // base delay
}

// IsZero returns true if no backoff was configured.
func (b Backoff) IsZero() bool {
	return b.Type == "" && b.Delay == 0
}

// Duration returns the delay after the given number of attempts made
// (1 after the first failed attempt).
func (b Backoff) Duration(attempts int) time.Duration {
	if attempts <= 0 || b.Delay <= 0 {
		return 0
	}
	switch b.Type {
	case ExponentialBackoff:
		d := float64(b.Delay) * math.Pow(2, float64(attempts-1))
		if d > float64(maxBackoffDelay) {
			return maxBackoffDelay
		}
		return time.Duration(d)
	default:
		return b.Delay
	}
}

// BackoffFunc is a callback that returns a backoff. It is configurable
// via the SetBackoffFunc option in the manager. The BackoffFunc is used
// for jobs and queues that have no Backoff configured.
type BackoffFunc func(attempts int) time.Duration

// exponentialBackoff is the default backoff function. It performs
// exponential backoff.
func exponentialBackoff(attempts int) time.Duration {
	if attempts == 0 {
		return time.Duration(0)
	}
	return time.Duration(math.Pow(10, float64(attempts))) * time.Millisecond
}
