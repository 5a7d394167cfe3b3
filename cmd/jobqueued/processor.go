package main

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"

	jobqueue "github.com/d1fmarketing/book-automation-sub010"
)

// lockedRand is a random source safe for concurrent use.
type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func newRand(seed int64) *lockedRand {
	return &lockedRand{r: rand.New(rand.NewSource(seed))}
}

func (r *lockedRand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.r.Float64()
}

func (r *lockedRand) Int63n(n int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.r.Int63n(n)
}

var (
	errRateLimited = errors.New("upstream rate limited")
	errBadPayload  = errors.New("payload rejected")
)

// makeProcessor returns a processor that simulates a pipeline stage. It
// sleeps for up to maxSleep, reports progress halfway and fails with the
// given rate. One in ten failures is permanent.
func makeProcessor(stage string, rnd *lockedRand, failureRate float64, maxSleep time.Duration) jobqueue.Processor {
	return func(ctx context.Context, jc *jobqueue.JobContext) (interface{}, error) {
		var sleep time.Duration
		if maxSleep > 0 {
			sleep = time.Duration(rnd.Int63n(int64(maxSleep)))
		}
		for i, d := range []time.Duration{sleep / 2, sleep - sleep/2} {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(d):
			}
			if i == 0 {
				if err := jc.UpdateProgress(ctx, 50); err != nil {
					return nil, err
				}
			}
		}
		if rnd.Float64() < failureRate {
			if rnd.Float64() < 0.1 {
				return nil, jobqueue.Permanent(errors.Wrapf(errBadPayload, "stage %s", stage))
			}
			return nil, errors.Wrapf(errRateLimited, "stage %s", stage)
		}
		return map[string]interface{}{
			"stage":    stage,
			"attempts": jc.AttemptsMade(),
			"duration": sleep.String(),
		}, nil
	}
}
