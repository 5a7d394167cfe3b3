// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is a simple in-memory store implementation.
// It implements the Store and DeadLetterStore interfaces.
// Do not use in production.
type InMemoryStore struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	letters map[string]*DeadLetter
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		jobs:    make(map[string]*Job),
		letters: make(map[string]*DeadLetter),
	}
}

// Start the store.
func (st *InMemoryStore) Start(ctx context.Context) error {
	return nil
}

// Close the store.
func (st *InMemoryStore) Close() error {
	return nil
}

// Create adds a new job.
func (st *InMemoryStore) Create(ctx context.Context, job *Job) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, found := st.jobs[job.ID]; found {
		return ErrDuplicateJob
	}
	st.jobs[job.ID] = job.Clone()
	return nil
}

// Lease picks the next eligible job of the queue and leases it.
func (st *InMemoryStore) Lease(ctx context.Context, queue string, req *LeaseRequest) (*Job, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var next *Job
	for _, job := range st.jobs {
		if job.Queue != queue || !job.Leasable(req.Now) {
			continue
		}
		if next == nil || before(job, next) {
			next = job
		}
	}
	if next == nil {
		return nil, nil
	}
	req.Apply(next)
	return next.Clone(), nil
}

// before returns true if a should be leased before b.
func before(a, b *Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.RunAt.Equal(b.RunAt) {
		return a.RunAt.Before(b.RunAt)
	}
	return a.Created.Before(b.Created)
}

// Update updates the job.
func (st *InMemoryStore) Update(ctx context.Context, job *Job) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	cur, found := st.jobs[job.ID]
	if !found {
		return ErrNotFound
	}
	if cur.State == Active && cur.LeaseToken != job.LeaseToken {
		return ErrLeaseLost
	}
	cp := job.Clone()
	if cp.State != Active {
		cp.LeaseToken = ""
		cp.LeaseUntil = time.Time{}
		cp.WorkerID = ""
	}
	st.jobs[job.ID] = cp
	return nil
}

// Delete removes the job.
func (st *InMemoryStore) Delete(ctx context.Context, id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.jobs, id)
	return nil
}

// Lookup returns the job with the specified identifier (or ErrNotFound).
func (st *InMemoryStore) Lookup(ctx context.Context, id string) (*Job, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	job, found := st.jobs[id]
	if !found {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

// List finds matching jobs.
func (st *InMemoryStore) List(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var matches []*Job
	for _, job := range st.jobs {
		if req.Queue != "" && job.Queue != req.Queue {
			continue
		}
		if req.State != "" && job.State != req.State {
			continue
		}
		if req.ParentID != "" && job.ParentID != req.ParentID {
			continue
		}
		matches = append(matches, job)
	}
	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].Updated.Equal(matches[j].Updated) {
			return matches[i].Updated.After(matches[j].Updated)
		}
		return matches[i].ID < matches[j].ID
	})
	rsp := &ListResponse{Total: len(matches)}
	for i, job := range matches {
		if i < req.Offset {
			continue
		}
		if req.Limit > 0 && len(rsp.Jobs) >= req.Limit {
			break
		}
		rsp.Jobs = append(rsp.Jobs, job.Clone())
	}
	return rsp, nil
}

// Stats returns statistics about the jobs in the store.
func (st *InMemoryStore) Stats(ctx context.Context, req *StatsRequest) (*Stats, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	stats := &Stats{}
	for _, job := range st.jobs {
		if req.Queue != "" && job.Queue != req.Queue {
			continue
		}
		stats.Add(job.State, 1)
	}
	return stats, nil
}

// ResolveChild decrements the pending children counter of the parent.
func (st *InMemoryStore) ResolveChild(ctx context.Context, parentID string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	parent, found := st.jobs[parentID]
	if !found {
		return ErrNotFound
	}
	if parent.PendingChildren > 0 {
		parent.PendingChildren--
		parent.Updated = time.Now()
	}
	return nil
}

// RecoverExpired returns jobs with an expired lease to the waiting state.
func (st *InMemoryStore) RecoverExpired(ctx context.Context, now time.Time) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var n int
	for _, job := range st.jobs {
		if job.State != Active || job.LeaseUntil.After(now) {
			continue
		}
		job.State = Waiting
		job.LeaseToken = ""
		job.LeaseUntil = time.Time{}
		job.WorkerID = ""
		job.Updated = now
		n++
	}
	return n, nil
}

// Clean removes jobs matching the request.
func (st *InMemoryStore) Clean(ctx context.Context, req *CleanRequest) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var n int
	for id, job := range st.jobs {
		if req.Matches(job) {
			delete(st.jobs, id)
			n++
		}
	}
	return n, nil
}

// -- Dead letters --

// CreateDeadLetter adds a dead letter record.
func (st *InMemoryStore) CreateDeadLetter(ctx context.Context, r *DeadLetter) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.letters[r.ID] = r.Clone()
	return nil
}

// UpdateDeadLetter updates a dead letter record.
func (st *InMemoryStore) UpdateDeadLetter(ctx context.Context, r *DeadLetter) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, found := st.letters[r.ID]; !found {
		return ErrNotFound
	}
	st.letters[r.ID] = r.Clone()
	return nil
}

// UpdateDeadLetterIf updates a dead letter record if its status matches.
func (st *InMemoryStore) UpdateDeadLetterIf(ctx context.Context, r *DeadLetter, status string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	cur, found := st.letters[r.ID]
	if !found {
		return ErrNotFound
	}
	if cur.Status != status {
		return ErrInvalidState
	}
	st.letters[r.ID] = r.Clone()
	return nil
}

// LookupDeadLetter returns the record with the specified identifier (or ErrNotFound).
func (st *InMemoryStore) LookupDeadLetter(ctx context.Context, id string) (*DeadLetter, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	r, found := st.letters[id]
	if !found {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

// ListDeadLetters finds matching dead letter records.
func (st *InMemoryStore) ListDeadLetters(ctx context.Context, req *DeadLetterListRequest) (*DeadLetterListResponse, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var matches []*DeadLetter
	for _, r := range st.letters {
		if req.Matches(r) {
			matches = append(matches, r)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if !a.FailedAt.Equal(b.FailedAt) {
			if req.Ascending {
				return a.FailedAt.Before(b.FailedAt)
			}
			return a.FailedAt.After(b.FailedAt)
		}
		return a.ID < b.ID
	})
	rsp := &DeadLetterListResponse{Total: len(matches)}
	for i, r := range matches {
		if i < req.Offset {
			continue
		}
		if req.Limit > 0 && len(rsp.Records) >= req.Limit {
			break
		}
		rsp.Records = append(rsp.Records, r.Clone())
	}
	return rsp, nil
}

// DeleteDeadLetters removes records that failed before the given time.
func (st *InMemoryStore) DeleteDeadLetters(ctx context.Context, before time.Time) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var n int
	for id, r := range st.letters {
		if r.FailedAt.Before(before) {
			delete(st.letters, id)
			n++
		}
	}
	return n, nil
}
