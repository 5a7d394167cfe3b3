// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"encoding/json"
	"time"
)

const (
	// Waiting for being leased by a worker.
	Waiting string = "waiting"
	// Active is the state for jobs currently leased by a worker.
	Active string = "active"
	// Delayed is the state of a job that failed an attempt and waits
	// for its backoff to expire.
	Delayed string = "delayed"
	// Completed without errors.
	Completed string = "completed"
	// Failed even after retries. Failed jobs have a dead letter record.
	Failed string = "failed"
)

// States lists all job states.
var States = []string{Waiting, Active, Delayed, Completed, Failed}

// Job is a unit of work submitted to a named queue.
type Job struct {
	ID              string          `json:"id"`                        // unique identifier
	Queue           string          `json:"queue"`                     // queue the job belongs to
	Type            string          `json:"type"`                      // job type to find the processor
	Payload         json.RawMessage `json:"payload,omitempty"`         // arguments to pass to the processor
	State           string          `json:"state"`                     // current state
	Priority        int             `json:"priority"`                  // jobs with higher priorities get leased earlier
	AttemptsMade    int             `json:"attemptsMade"`              // number of attempts started so far
	MaxAttempts     int             `json:"maxAttempts"`               // maximum number of attempts
	Backoff         Backoff         `json:"backoff"`                   // delay strategy between attempts
	Timeout         time.Duration   `json:"timeout,omitempty"`         // per-attempt timeout (0 = queue default)
	RunAt           time.Time       `json:"runAt"`                     // earliest time the job may be leased
	Progress        int             `json:"progress"`                  // 0..100, reported by the processor
	Result          json.RawMessage `json:"result,omitempty"`          // result returned by the processor
	LastError       string          `json:"lastError,omitempty"`       // error of the last failed attempt
	LeaseToken      string          `json:"leaseToken,omitempty"`      // token of the current lease
	LeaseUntil      time.Time       `json:"leaseUntil,omitempty"`      // lease expiry
	WorkerID        string          `json:"workerId,omitempty"`        // worker holding the lease
	ParentID        string          `json:"parentId,omitempty"`        // parent job in a flow
	PendingChildren int             `json:"pendingChildren,omitempty"` // children of a flow parent still running
	DeadLetterID    string          `json:"deadLetterId,omitempty"`    // dead letter record this job replays
	History         []Attempt       `json:"history,omitempty"`         // processing history
	Created         time.Time       `json:"created"`                   // time when the job was added
	Updated         time.Time       `json:"updated"`                   // time when the job was last updated
	Started         time.Time       `json:"started,omitempty"`         // time when the last attempt started
	Completed       time.Time       `json:"completed,omitempty"`       // time when the job was completed or failed
}

// Attempt records a single processing attempt of a job.
type Attempt struct {
	Attempt  int       `json:"attempt"`
	WorkerID string    `json:"workerId"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Error    string    `json:"error,omitempty"`
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	if j.Result != nil {
		cp.Result = append(json.RawMessage(nil), j.Result...)
	}
	if j.History != nil {
		cp.History = append([]Attempt(nil), j.History...)
	}
	return &cp
}

// Leasable returns true if a store may hand out the job at the given time.
func (j *Job) Leasable(now time.Time) bool {
	if j.State != Waiting && j.State != Delayed {
		return false
	}
	if j.PendingChildren > 0 {
		return false
	}
	return !j.RunAt.After(now)
}

// JobOption configures a job on submission.
type JobOption func(*Job)

// WithJobID sets an explicit job identifier. Adding a job with an
// identifier that already exists fails with ErrDuplicateJob.
func WithJobID(id string) JobOption {
	return func(j *Job) {
		j.ID = id
	}
}

// WithMaxAttempts overrides the queue's default number of attempts.
func WithMaxAttempts(n int) JobOption {
	return func(j *Job) {
		j.MaxAttempts = n
	}
}

// WithBackoff overrides the queue's default backoff.
func WithBackoff(b Backoff) JobOption {
	return func(j *Job) {
		j.Backoff = b
	}
}

// WithTimeout overrides the queue's default per-attempt timeout.
func WithTimeout(d time.Duration) JobOption {
	return func(j *Job) {
		j.Timeout = d
	}
}

// WithPriority sets the job priority. Higher priorities are leased first.
func WithPriority(p int) JobOption {
	return func(j *Job) {
		j.Priority = p
	}
}

// WithDelay makes the job invisible to workers for the given duration.
func WithDelay(d time.Duration) JobOption {
	return func(j *Job) {
		j.RunAt = time.Now().Add(d)
	}
}
