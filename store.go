// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"context"
	"time"
)

// Store implements persistent storage of jobs.
//
// The store is the single source of truth of the job queue. Concurrency
// safety between workers is delegated to Lease: a job is handed out to at
// most one worker at a time.
type Store interface {
	// Start is called when the manager starts up. This is a good time to
	// create schemas and indices.
	Start(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Create adds a job to the store. If a job with the same identifier
	// exists, ErrDuplicateJob must be returned and no job must be created.
	Create(ctx context.Context, job *Job) error

	// Lease atomically claims the next eligible job of the queue, moves it
	// into the Active state and assigns the lease from the request.
	//
	// Eligible jobs are in the Waiting or Delayed state, have a RunAt at
	// or before req.Now and no pending children. Jobs with higher priority
	// are leased first, then jobs with the earliest RunAt.
	//
	// If no job is eligible, Lease must return nil for both the job and
	// the error.
	Lease(ctx context.Context, queue string, req *LeaseRequest) (*Job, error)

	// Update persists changes to a job. If the job is Active in the store,
	// job.LeaseToken must match the stored lease token or ErrLeaseLost is
	// returned. If job.State is not Active, the store clears the lease.
	// If the job does not exist, ErrNotFound must be returned.
	Update(ctx context.Context, job *Job) error

	// Delete removes a job from the store.
	Delete(ctx context.Context, id string) error

	// Lookup returns the details of a job by its identifier.
	// If the job could not be found, ErrNotFound must be returned.
	Lookup(ctx context.Context, id string) (*Job, error)

	// List returns a list of jobs filtered by the ListRequest.
	List(ctx context.Context, req *ListRequest) (*ListResponse, error)

	// Stats returns the number of jobs per state.
	Stats(ctx context.Context, req *StatsRequest) (*Stats, error)

	// ResolveChild atomically decrements the number of pending children
	// of the parent job. Once the counter reaches zero, the parent becomes
	// eligible for leasing.
	ResolveChild(ctx context.Context, parentID string) error

	// RecoverExpired moves active jobs whose lease expired before now back
	// into the Waiting state and returns their number.
	RecoverExpired(ctx context.Context, now time.Time) (int, error)

	// Clean removes jobs matching the request and returns their number.
	Clean(ctx context.Context, req *CleanRequest) (int, error)
}

// LeaseRequest specifies the lease assigned by Store.Lease.
type LeaseRequest struct {
	WorkerID       string        // worker that holds the lease
	Token          string        // unique lease token
	Now            time.Time     // current time
	DefaultTimeout time.Duration // timeout for jobs without one
	Margin         time.Duration // added to the timeout
}

// Expiry returns the lease expiry for the given job.
func (req *LeaseRequest) Expiry(job *Job) time.Time {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = req.DefaultTimeout
	}
	return req.Now.Add(timeout + req.Margin)
}

// Apply moves job into the Active state under the lease.
func (req *LeaseRequest) Apply(job *Job) {
	job.State = Active
	job.LeaseToken = req.Token
	job.LeaseUntil = req.Expiry(job)
	job.WorkerID = req.WorkerID
	job.Started = req.Now
	job.Updated = req.Now
}

// StatsRequest filters the statistics returned by Store.Stats.
type StatsRequest struct {
	Queue string // filter by queue (empty for all queues)
}

// ListRequest specifies a filter for listing jobs.
type ListRequest struct {
	Queue    string // filter by queue
	State    string // filter by job state
	ParentID string // filter by parent job
	Limit    int    // maximum number of jobs to return
	Offset   int    // number of jobs to skip (for pagination)
}

// ListResponse is the outcome of invoking List on the Store.
type ListResponse struct {
	Total int    // total number of jobs found, excluding pagination
	Jobs  []*Job // list of jobs, most recently updated first
}

// CleanRequest specifies the jobs removed by Store.Clean.
type CleanRequest struct {
	Queue  string    // queue to clean (required)
	States []string  // states to remove (required)
	Before time.Time // only remove jobs last updated before this time (zero for all)
}

// Matches returns true if job is selected by the request.
func (req *CleanRequest) Matches(job *Job) bool {
	if job.Queue != req.Queue {
		return false
	}
	if !req.Before.IsZero() && !job.Updated.Before(req.Before) {
		return false
	}
	for _, s := range req.States {
		if job.State == s {
			return true
		}
	}
	return false
}
