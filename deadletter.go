// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	// recurringFailureInterval is the number of occurrences of a failure
	// pattern after which a recurring-failure alert is raised again.
	recurringFailureInterval = 10
	maxPatternExamples       = 5
	defaultRetryBatchSize    = 10
	retryCountKey            = "_retryCount"
)

// FailurePattern aggregates dead letters of a queue with the same error code.
// Patterns are kept in memory only and are lost on restart.
type FailurePattern struct {
	Key       string    `json:"key"`
	Queue     string    `json:"queue"`
	ErrorCode string    `json:"errorCode"`
	Count     int       `json:"count"`
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
	Examples  []string  `json:"examples"` // identifiers of the most recent jobs
}

// DeadLetterQueue holds jobs that exhausted their retries. Records can be
// inspected, exported and retried. Use Manager.DeadLetters to get it.
type DeadLetterQueue struct {
	m  *Manager
	st DeadLetterStore
	wg sync.WaitGroup // notifications in flight

	mu       sync.Mutex
	patterns map[string]*FailurePattern
}

func newDeadLetterQueue(m *Manager) *DeadLetterQueue {
	return &DeadLetterQueue{
		m:        m,
		st:       m.dls,
		patterns: make(map[string]*FailurePattern),
	}
}

// Move records a failed job in the dead letter queue. A job that replays
// a dead letter updates the original record to retry-failed instead of
// creating a new one.
func (q *DeadLetterQueue) Move(ctx context.Context, job *Job, cause error) (*DeadLetter, error) {
	now := time.Now()
	code := ErrorCode(cause)

	var (
		r   *DeadLetter
		err error
	)
	if job.DeadLetterID != "" {
		r, err = q.st.LookupDeadLetter(ctx, job.DeadLetterID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			q.m.logger.Error().Err(err).Str("job_id", job.ID).Msg("error looking up dead letter")
			return nil, err
		}
	}
	if r != nil {
		q.fill(r, job, cause, code, now)
		r.Status = DeadLetterRetryFailed
		r.RetryJobID = job.ID
		err = q.st.UpdateDeadLetter(ctx, r)
	} else {
		r = &DeadLetter{
			ID:     uuid.New().String(),
			JobID:  job.ID,
			Status: DeadLetterPending,
		}
		q.fill(r, job, cause, code, now)
		err = q.st.CreateDeadLetter(ctx, r)
	}
	if err != nil {
		q.m.logger.Error().
			Err(err).
			Str("queue", job.Queue).
			Str("job_id", job.ID).
			Str("reason", r.Reason).
			Msg("error writing dead letter")
		return nil, errors.Wrap(err, "jobqueue: write dead letter")
	}

	q.m.metrics.recordDeadLetter(ctx, r)
	q.m.logger.Warn().
		Str("queue", r.Queue).
		Str("job_id", r.JobID).
		Str("dead_letter_id", r.ID).
		Str("error_code", code).
		Int("attempts", r.AttemptsMade).
		Msg("job moved to dead letter queue")
	q.m.emit(Event{Type: EventJobDeadLetter, Queue: r.Queue, JobID: r.JobID, Error: r.Reason, ErrorCode: code})
	q.notify(Notification{Event: NotifyDeadLetter, Queue: r.Queue, JobID: r.JobID, ErrorCode: code, Timestamp: now})

	if count := q.track(r, now); count%recurringFailureInterval == 0 {
		q.m.logger.Warn().Str("queue", r.Queue).Str("error_code", code).Int("count", count).Msg("recurring failure")
		q.m.emit(Event{Type: EventRecurringFailure, Queue: r.Queue, ErrorCode: code, Count: count})
		q.notify(Notification{Event: NotifyRecurringFailure, Queue: r.Queue, ErrorCode: code, Count: count, Timestamp: now})
	}
	return r, nil
}

func (q *DeadLetterQueue) fill(r *DeadLetter, job *Job, cause error, code string, now time.Time) {
	r.Queue = job.Queue
	r.Type = job.Type
	r.Payload = job.Payload
	r.Priority = job.Priority
	r.MaxAttempts = job.MaxAttempts
	r.Backoff = job.Backoff
	r.Timeout = job.Timeout
	if job.ParentID != "" {
		r.ParentID = job.ParentID
	}
	r.Reason = cause.Error()
	r.ErrorCode = code
	r.Stack = errorStack(cause)
	r.AttemptsMade = job.AttemptsMade
	r.FailedAt = now
	r.History = job.History
	r.EstimatedCost = q.m.costs[job.Type] * float64(job.AttemptsMade)
}

// track bumps the failure pattern of r and returns its count.
func (q *DeadLetterQueue) track(r *DeadLetter, now time.Time) int {
	key := r.Queue + ":" + r.ErrorCode
	q.mu.Lock()
	defer q.mu.Unlock()
	p, found := q.patterns[key]
	if !found {
		p = &FailurePattern{Key: key, Queue: r.Queue, ErrorCode: r.ErrorCode, FirstSeen: now}
		q.patterns[key] = p
	}
	p.Count++
	p.LastSeen = now
	p.Examples = append(p.Examples, r.JobID)
	if len(p.Examples) > maxPatternExamples {
		p.Examples = p.Examples[len(p.Examples)-maxPatternExamples:]
	}
	return p.Count
}

// notify sends n to all notifiers in the background.
func (q *DeadLetterQueue) notify(n Notification) {
	for _, notifier := range q.m.notifiers {
		q.wg.Add(1)
		go func(notifier Notifier) {
			defer q.wg.Done()
			if err := notifier.Notify(context.Background(), n); err != nil {
				q.m.logger.Error().Err(err).Str("event", n.Event).Str("queue", n.Queue).Msg("error sending notification")
			}
		}(notifier)
	}
}

// wait blocks until all notifications have been sent.
func (q *DeadLetterQueue) wait() {
	q.wg.Wait()
}

// Patterns returns the failure patterns, most frequent first.
func (q *DeadLetterQueue) Patterns() []*FailurePattern {
	q.mu.Lock()
	defer q.mu.Unlock()
	patterns := make([]*FailurePattern, 0, len(q.patterns))
	for _, p := range q.patterns {
		cp := *p
		cp.Examples = append([]string(nil), p.Examples...)
		patterns = append(patterns, &cp)
	}
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Count != patterns[j].Count {
			return patterns[i].Count > patterns[j].Count
		}
		return patterns[i].Key < patterns[j].Key
	})
	return patterns
}

// -- Listing --

// ListDeadLettersRequest selects a range of dead letters of a queue.
// Start and End are inclusive positions in the order of failure time.
// A negative End selects all records from Start on.
type ListDeadLettersRequest struct {
	Start int
	End   int
	Order string // "asc" (oldest first) or "desc" (default)
}

// List returns dead letters of a queue.
func (q *DeadLetterQueue) List(ctx context.Context, queue string, req ListDeadLettersRequest) (*DeadLetterListResponse, error) {
	if req.Start < 0 {
		req.Start = 0
	}
	lr := &DeadLetterListRequest{
		Queue:     queue,
		Ascending: req.Order == "asc",
		Offset:    req.Start,
	}
	if req.End >= 0 {
		if req.End < req.Start {
			return &DeadLetterListResponse{}, nil
		}
		lr.Limit = req.End - req.Start + 1
	}
	return q.st.ListDeadLetters(ctx, lr)
}

// Lookup returns a dead letter by its identifier.
func (q *DeadLetterQueue) Lookup(ctx context.Context, id string) (*DeadLetter, error) {
	return q.st.LookupDeadLetter(ctx, id)
}

// -- Retry --

// Retry adds the job of a dead letter to its queue again. Object payloads
// get a _retryCount field with the number of replays. Records whose retry
// already failed are only retried with force. If the record changes status
// while it is retried, ErrInvalidState is returned.
func (q *DeadLetterQueue) Retry(ctx context.Context, queue, id string, force bool) (*Job, error) {
	r, err := q.st.LookupDeadLetter(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Queue != queue {
		return nil, ErrNotFound
	}
	if !force && r.Status != DeadLetterPending {
		return nil, errors.Wrapf(ErrInvalidState, "dead letter is %s", r.Status)
	}

	payload, err := withRetryCount(r.Payload, r.RetryCount+1)
	if err != nil {
		return nil, err
	}
	opts := []JobOption{
		WithMaxAttempts(r.MaxAttempts),
		WithBackoff(r.Backoff),
		WithTimeout(r.Timeout),
		WithPriority(r.Priority),
		withDeadLetterID(r.ID),
	}
	if r.ParentID != "" {
		opts = append(opts, withParentID(r.ParentID))
	}
	job, err := q.m.newJob(r.Queue, r.Type, payload, opts...)
	if err != nil {
		return nil, err
	}

	// Claim the record before creating the replay. Only one replay at a
	// time carries the flow parent; the record gets it back when that
	// replay fails.
	prev := r.Clone()
	r.Status = DeadLetterRetried
	r.RetryCount++
	r.RetriedAt = time.Now()
	r.RetryJobID = job.ID
	r.ParentID = ""
	if err := q.st.UpdateDeadLetterIf(ctx, r, prev.Status); err != nil {
		if errors.Is(err, ErrInvalidState) {
			return nil, errors.Wrap(ErrInvalidState, "dead letter retried concurrently")
		}
		return nil, errors.Wrap(err, "jobqueue: update dead letter")
	}
	if err := q.m.create(ctx, job); err != nil {
		if uerr := q.st.UpdateDeadLetterIf(ctx, prev, DeadLetterRetried); uerr != nil {
			q.m.logger.Error().Err(uerr).Str("dead_letter_id", r.ID).Msg("error restoring dead letter")
		}
		return nil, err
	}
	q.m.logger.Info().
		Str("queue", r.Queue).
		Str("dead_letter_id", r.ID).
		Str("job_id", job.ID).
		Int("retry_count", r.RetryCount).
		Msg("dead letter retried")
	return job, nil
}

// withRetryCount sets the _retryCount field of object payloads.
// Other payloads are returned unchanged.
func withRetryCount(payload json.RawMessage, n int) (json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if len(payload) == 0 || json.Unmarshal(payload, &obj) != nil || obj == nil {
		return payload, nil
	}
	count, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}
	obj[retryCountKey] = count
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, errors.Wrap(err, "jobqueue: marshal payload")
	}
	return raw, nil
}

// RetryAllOptions configures RetryAll.
type RetryAllOptions struct {
	BatchSize int           // records retried concurrently (10 by default)
	Delay     time.Duration // pause between batches
}

// RetryError reports a dead letter that could not be retried.
type RetryError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// RetryAllResult is the outcome of RetryAll.
type RetryAllResult struct {
	Total      int          `json:"total"`
	Successful int          `json:"successful"`
	Failed     int          `json:"failed"`
	Errors     []RetryError `json:"errors,omitempty"`
	Batches    int          `json:"batches"`
}

// RetryAll retries all pending dead letters of a queue in batches.
func (q *DeadLetterQueue) RetryAll(ctx context.Context, queue string, opts RetryAllOptions) (*RetryAllResult, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultRetryBatchSize
	}
	rsp, err := q.st.ListDeadLetters(ctx, &DeadLetterListRequest{
		Queue:     queue,
		Status:    DeadLetterPending,
		Ascending: true,
	})
	if err != nil {
		return nil, err
	}

	res := &RetryAllResult{Total: len(rsp.Records)}
	var mu sync.Mutex
	for start := 0; start < len(rsp.Records); start += opts.BatchSize {
		if start > 0 && opts.Delay > 0 {
			select {
			case <-time.After(opts.Delay):
			case <-ctx.Done():
				return res, ctx.Err()
			}
		}
		end := start + opts.BatchSize
		if end > len(rsp.Records) {
			end = len(rsp.Records)
		}

		var g errgroup.Group
		for _, r := range rsp.Records[start:end] {
			r := r
			g.Go(func() error {
				_, err := q.Retry(ctx, queue, r.ID, false)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					res.Failed++
					res.Errors = append(res.Errors, RetryError{ID: r.ID, Error: err.Error()})
				} else {
					res.Successful++
				}
				return nil
			})
		}
		_ = g.Wait()
		res.Batches++
	}
	return res, nil
}

// -- Maintenance --

// Cleanup removes dead letters that failed more than retentionDays ago
// and returns their number.
func (q *DeadLetterQueue) Cleanup(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays < 0 {
		return 0, errors.Errorf("jobqueue: invalid retention of %d days", retentionDays)
	}
	before := time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	n, err := q.st.DeleteDeadLetters(ctx, before)
	if err != nil {
		return 0, err
	}
	q.m.logger.Info().Int("retention_days", retentionDays).Int("records", n).Msg("dead letters cleaned up")
	return n, nil
}

// DeadLetterQueueStats counts the dead letters of a queue.
type DeadLetterQueueStats struct {
	Total         int     `json:"total"`
	Pending       int     `json:"pending"`
	Retried       int     `json:"retried"`
	RetryFailed   int     `json:"retryFailed"`
	EstimatedCost float64 `json:"estimatedCost"`
}

// DeadLetterStats summarizes the dead letter queue.
type DeadLetterStats struct {
	Total         int                              `json:"total"`
	Queues        map[string]*DeadLetterQueueStats `json:"queues"`
	TopPatterns   []*FailurePattern                `json:"topPatterns"`
	EstimatedCost float64                          `json:"estimatedCost"`
}

// Statistics summarizes all dead letters with the topN failure patterns.
func (q *DeadLetterQueue) Statistics(ctx context.Context, topN int) (*DeadLetterStats, error) {
	rsp, err := q.st.ListDeadLetters(ctx, &DeadLetterListRequest{})
	if err != nil {
		return nil, err
	}
	stats := &DeadLetterStats{
		Total:  rsp.Total,
		Queues: make(map[string]*DeadLetterQueueStats),
	}
	for _, r := range rsp.Records {
		qs, found := stats.Queues[r.Queue]
		if !found {
			qs = &DeadLetterQueueStats{}
			stats.Queues[r.Queue] = qs
		}
		qs.Total++
		switch r.Status {
		case DeadLetterPending:
			qs.Pending++
		case DeadLetterRetried:
			qs.Retried++
		case DeadLetterRetryFailed:
			qs.RetryFailed++
		}
		qs.EstimatedCost += r.EstimatedCost
		stats.EstimatedCost += r.EstimatedCost
	}
	stats.TopPatterns = q.Patterns()
	if topN >= 0 && len(stats.TopPatterns) > topN {
		stats.TopPatterns = stats.TopPatterns[:topN]
	}
	return stats, nil
}
