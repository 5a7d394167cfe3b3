package mongodb

import (
	"encoding/json"
	"time"

	jobqueue "github.com/d1fmarketing/book-automation-sub010"
)

// Times are stored as nanoseconds since the epoch, 0 being the zero time.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func toString(raw json.RawMessage) *string {
	if raw == nil {
		return nil
	}
	s := string(raw)
	return &s
}

func fromString(s *string) json.RawMessage {
	if s == nil || *s == "" {
		return nil
	}
	return json.RawMessage(*s)
}

// Attempt is the MongoDB-internal representation of an attempt.
type Attempt struct {
	Attempt  int    `bson:"attempt"`
	WorkerID string `bson:"worker_id"`
	Started  int64  `bson:"started"`
	Finished int64  `bson:"finished"`
	Error    string `bson:"error,omitempty"`
}

func newHistory(history []jobqueue.Attempt) []Attempt {
	var list []Attempt
	for _, a := range history {
		list = append(list, Attempt{
			Attempt:  a.Attempt,
			WorkerID: a.WorkerID,
			Started:  toNanos(a.Started),
			Finished: toNanos(a.Finished),
			Error:    a.Error,
		})
	}
	return list
}

func toHistory(list []Attempt) []jobqueue.Attempt {
	var history []jobqueue.Attempt
	for _, a := range list {
		history = append(history, jobqueue.Attempt{
			Attempt:  a.Attempt,
			WorkerID: a.WorkerID,
			Started:  fromNanos(a.Started),
			Finished: fromNanos(a.Finished),
			Error:    a.Error,
		})
	}
	return history
}

// -- MongoDB-internal representation of a job --

type Job struct {
	ID              string    `bson:"_id"`
	Queue           string    `bson:"queue"`
	Type            string    `bson:"type"`
	State           string    `bson:"state"`
	Payload         *string   `bson:"payload,omitempty"`
	Priority        int       `bson:"priority"`
	AttemptsMade    int       `bson:"attempts_made"`
	MaxAttempts     int       `bson:"max_attempts"`
	BackoffType     string    `bson:"backoff_type"`
	BackoffDelay    int64     `bson:"backoff_delay"`
	Timeout         int64     `bson:"timeout"`
	RunAt           int64     `bson:"run_at"`
	Progress        int       `bson:"progress"`
	Result          *string   `bson:"result,omitempty"`
	LastError       string    `bson:"last_error"`
	LeaseToken      string    `bson:"lease_token"`
	LeaseUntil      int64     `bson:"lease_until"`
	WorkerID        string    `bson:"worker_id"`
	ParentID        string    `bson:"parent_id"`
	PendingChildren int       `bson:"pending_children"`
	DeadLetterID    string    `bson:"dead_letter_id"`
	History         []Attempt `bson:"history,omitempty"`
	Created         int64     `bson:"created"`
	Updated         int64     `bson:"updated"`
	Started         int64     `bson:"started"`
	Completed       int64     `bson:"completed"`
}

func newJob(job *jobqueue.Job) (*Job, error) {
	return &Job{
		ID:              job.ID,
		Queue:           job.Queue,
		Type:            job.Type,
		State:           job.State,
		Payload:         toString(job.Payload),
		Priority:        job.Priority,
		AttemptsMade:    job.AttemptsMade,
		MaxAttempts:     job.MaxAttempts,
		BackoffType:     job.Backoff.Type,
		BackoffDelay:    int64(job.Backoff.Delay),
		Timeout:         int64(job.Timeout),
		RunAt:           toNanos(job.RunAt),
		Progress:        job.Progress,
		Result:          toString(job.Result),
		LastError:       job.LastError,
		LeaseToken:      job.LeaseToken,
		LeaseUntil:      toNanos(job.LeaseUntil),
		WorkerID:        job.WorkerID,
		ParentID:        job.ParentID,
		PendingChildren: job.PendingChildren,
		DeadLetterID:    job.DeadLetterID,
		History:         newHistory(job.History),
		Created:         toNanos(job.Created),
		Updated:         toNanos(job.Updated),
		Started:         toNanos(job.Started),
		Completed:       toNanos(job.Completed),
	}, nil
}

func (j *Job) ToJob() (*jobqueue.Job, error) {
	return &jobqueue.Job{
		ID:              j.ID,
		Queue:           j.Queue,
		Type:            j.Type,
		State:           j.State,
		Payload:         fromString(j.Payload),
		Priority:        j.Priority,
		AttemptsMade:    j.AttemptsMade,
		MaxAttempts:     j.MaxAttempts,
		Backoff:         jobqueue.Backoff{Type: j.BackoffType, Delay: time.Duration(j.BackoffDelay)},
		Timeout:         time.Duration(j.Timeout),
		RunAt:           fromNanos(j.RunAt),
		Progress:        j.Progress,
		Result:          fromString(j.Result),
		LastError:       j.LastError,
		LeaseToken:      j.LeaseToken,
		LeaseUntil:      fromNanos(j.LeaseUntil),
		WorkerID:        j.WorkerID,
		ParentID:        j.ParentID,
		PendingChildren: j.PendingChildren,
		DeadLetterID:    j.DeadLetterID,
		History:         toHistory(j.History),
		Created:         fromNanos(j.Created),
		Updated:         fromNanos(j.Updated),
		Started:         fromNanos(j.Started),
		Completed:       fromNanos(j.Completed),
	}, nil
}

// -- MongoDB-internal representation of a dead letter record --

type DeadLetter struct {
	ID            string    `bson:"_id"`
	JobID         string    `bson:"job_id"`
	Queue         string    `bson:"queue"`
	Type          string    `bson:"type"`
	Payload       *string   `bson:"payload,omitempty"`
	Priority      int       `bson:"priority"`
	MaxAttempts   int       `bson:"max_attempts"`
	BackoffType   string    `bson:"backoff_type"`
	BackoffDelay  int64     `bson:"backoff_delay"`
	Timeout       int64     `bson:"timeout"`
	ParentID      string    `bson:"parent_id"`
	Reason        string    `bson:"reason"`
	ErrorCode     string    `bson:"error_code"`
	Stack         string    `bson:"stack"`
	AttemptsMade  int       `bson:"attempts_made"`
	FailedAt      int64     `bson:"failed_at"`
	History       []Attempt `bson:"history,omitempty"`
	EstimatedCost float64   `bson:"estimated_cost"`
	Status        string    `bson:"status"`
	RetryCount    int       `bson:"retry_count"`
	RetriedAt     int64     `bson:"retried_at"`
	RetryJobID    string    `bson:"retry_job_id"`
}

func newDeadLetter(r *jobqueue.DeadLetter) (*DeadLetter, error) {
	return &DeadLetter{
		ID:            r.ID,
		JobID:         r.JobID,
		Queue:         r.Queue,
		Type:          r.Type,
		Payload:       toString(r.Payload),
		Priority:      r.Priority,
		MaxAttempts:   r.MaxAttempts,
		BackoffType:   r.Backoff.Type,
		BackoffDelay:  int64(r.Backoff.Delay),
		Timeout:       int64(r.Timeout),
		ParentID:      r.ParentID,
		Reason:        r.Reason,
		ErrorCode:     r.ErrorCode,
		Stack:         r.Stack,
		AttemptsMade:  r.AttemptsMade,
		FailedAt:      toNanos(r.FailedAt),
		History:       newHistory(r.History),
		EstimatedCost: r.EstimatedCost,
		Status:        r.Status,
		RetryCount:    r.RetryCount,
		RetriedAt:     toNanos(r.RetriedAt),
		RetryJobID:    r.RetryJobID,
	}, nil
}

func (d *DeadLetter) ToDeadLetter() (*jobqueue.DeadLetter, error) {
	return &jobqueue.DeadLetter{
		ID:            d.ID,
		JobID:         d.JobID,
		Queue:         d.Queue,
		Type:          d.Type,
		Payload:       fromString(d.Payload),
		Priority:      d.Priority,
		MaxAttempts:   d.MaxAttempts,
		Backoff:       jobqueue.Backoff{Type: d.BackoffType, Delay: time.Duration(d.BackoffDelay)},
		Timeout:       time.Duration(d.Timeout),
		ParentID:      d.ParentID,
		Reason:        d.Reason,
		ErrorCode:     d.ErrorCode,
		Stack:         d.Stack,
		AttemptsMade:  d.AttemptsMade,
		FailedAt:      fromNanos(d.FailedAt),
		History:       toHistory(d.History),
		EstimatedCost: d.EstimatedCost,
		Status:        d.Status,
		RetryCount:    d.RetryCount,
		RetriedAt:     fromNanos(d.RetriedAt),
		RetryJobID:    d.RetryJobID,
	}, nil
}
