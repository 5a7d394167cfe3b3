// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Processor is responsible to process a job. The returned result is
// marshaled to JSON and stored with the job. Return an error wrapped with
// Permanent to skip remaining retries.
//
// Processors must honor ctx: it is cancelled when the job times out or the
// worker shuts down.
type Processor func(ctx context.Context, jc *JobContext) (interface{}, error)

// Registry maps job types or queue names to processors.
type Registry struct {
	logger zerolog.Logger

	mu sync.RWMutex
	m  map[string]Processor
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		logger: logger,
		m:      make(map[string]Processor),
	}
}

// Register registers a processor for a job type or a queue name.
// Registering the same key twice replaces the earlier processor.
func (r *Registry) Register(key string, p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.m[key]; found {
		r.logger.Warn().Str("key", key).Msg("replacing registered processor")
	}
	r.m[key] = p
}

// Lookup returns the processor for a job. A processor registered for the
// job type takes precedence over one registered for its queue.
func (r *Registry) Lookup(job *Job) (Processor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, found := r.m[job.Type]; found && job.Type != "" {
		return p, true
	}
	p, found := r.m[job.Queue]
	return p, found
}

// Keys returns the registered keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.m))
	for k := range r.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// JobContext is the view of a job handed to a processor. Processors can
// read the job and report progress, but never change the queue state.
type JobContext struct {
	m *Manager

	mu       sync.Mutex
	job      *Job
	finished bool
}

func newJobContext(m *Manager, job *Job) *JobContext {
	return &JobContext{m: m, job: job}
}

// JobID returns the identifier of the job.
func (jc *JobContext) JobID() string { return jc.job.ID }

// Queue returns the name of the queue.
func (jc *JobContext) Queue() string { return jc.job.Queue }

// Type returns the job type.
func (jc *JobContext) Type() string { return jc.job.Type }

// Payload returns the raw JSON payload.
func (jc *JobContext) Payload() json.RawMessage { return jc.job.Payload }

// AttemptsMade returns the number of attempts including the current one.
func (jc *JobContext) AttemptsMade() int { return jc.job.AttemptsMade }

// Decode unmarshals the payload into v.
func (jc *JobContext) Decode(v interface{}) error {
	if len(jc.job.Payload) == 0 {
		return nil
	}
	return errors.Wrap(json.Unmarshal(jc.job.Payload, v), "jobqueue: decode payload")
}

// UpdateProgress records the progress of the job in percent (0..100).
func (jc *JobContext) UpdateProgress(ctx context.Context, pct int) error {
	if pct < 0 {
		pct = 0
	} else if pct > 100 {
		pct = 100
	}
	jc.mu.Lock()
	defer jc.mu.Unlock()
	if jc.finished {
		return ErrLeaseLost
	}
	jc.job.Progress = pct
	jc.job.Updated = time.Now()
	if err := jc.m.st.Update(ctx, jc.job); err != nil {
		return err
	}
	jc.m.emit(Event{Type: EventJobProgress, Queue: jc.job.Queue, JobID: jc.job.ID, Progress: pct})
	return nil
}

// ChildResults returns the results of the child jobs of a flow parent,
// keyed by child job identifier.
func (jc *JobContext) ChildResults(ctx context.Context) (map[string]json.RawMessage, error) {
	rsp, err := jc.m.st.List(ctx, &ListRequest{ParentID: jc.job.ID})
	if err != nil {
		return nil, err
	}
	results := make(map[string]json.RawMessage, len(rsp.Jobs))
	for _, child := range rsp.Jobs {
		if child.State == Completed {
			results[child.ID] = child.Result
		}
	}
	return results, nil
}

// finish detaches the context from the job. Late calls from a processor
// that outlived its timeout fail with ErrLeaseLost.
func (jc *JobContext) finish() {
	jc.mu.Lock()
	jc.finished = true
	jc.mu.Unlock()
}

// invoke runs p and races it against the timeout. A processor that does not
// return in time yields a *TimeoutError; its late result is discarded.
// If ctx is cancelled before, ctx.Err() is returned.
func invoke(ctx context.Context, p Processor, jc *JobContext, timeout time.Duration) (interface{}, error) {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result interface{}
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &PanicError{Value: r, Stack: string(debug.Stack())}}
			}
		}()
		result, err := p(tctx, jc)
		done <- outcome{result: result, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{JobID: jc.JobID(), Timeout: timeout}
		}
		return o.result, o.err
	case <-tctx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, &TimeoutError{JobID: jc.JobID(), Timeout: timeout}
	}
}
