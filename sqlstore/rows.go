package sqlstore

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

func marshalHistory(history []jobqueue.Attempt) (string, error) {
	if len(history) == 0 {
		return "", nil
	}
	v, err := json.Marshal(history)
	if err != nil {
		return "", err
	}
	return string(v), nil
}

func unmarshalHistory(s string) ([]jobqueue.Attempt, error) {
	if s == "" {
		return nil, nil
	}
	var history []jobqueue.Attempt
	if err := json.Unmarshal([]byte(s), &history); err != nil {
		return nil, err
	}
	return history, nil
}

func rawMessage(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

// -- SQL-internal representation of a job --

var jobColumns = []string{
	"id",
	"queue",
	"type",
	"state",
	"payload",
	"priority",
	"attempts_made",
	"max_attempts",
	"backoff_type",
	"backoff_delay",
	"timeout",
	"run_at",
	"progress",
	"result",
	"last_error",
	"lease_token",
	"lease_until",
	"worker_id",
	"parent_id",
	"pending_children",
	"dead_letter_id",
	"history",
	"created",
	"updated",
	"started",
	"completed",
}

type jobRow struct {
	ID              string
	Queue           string
	Type            string
	State           string
	Payload         string
	Priority        int64
	AttemptsMade    int64
	MaxAttempts     int64
	BackoffType     string
	BackoffDelay    int64
	Timeout         int64
	RunAt           int64
	Progress        int64
	Result          string
	LastError       string
	LeaseToken      string
	LeaseUntil      int64
	WorkerID        string
	ParentID        string
	PendingChildren int64
	DeadLetterID    string
	History         string
	Created         int64
	Updated         int64
	Started         int64
	Completed       int64
}

func newJobRow(job *jobqueue.Job) (*jobRow, error) {
	history, err := marshalHistory(job.History)
	if err != nil {
		return nil, err
	}
	return &jobRow{
		ID:              job.ID,
		Queue:           job.Queue,
		Type:            job.Type,
		State:           job.State,
		Payload:         string(job.Payload),
		Priority:        int64(job.Priority),
		AttemptsMade:    int64(job.AttemptsMade),
		MaxAttempts:     int64(job.MaxAttempts),
		BackoffType:     job.Backoff.Type,
		BackoffDelay:    int64(job.Backoff.Delay),
		Timeout:         int64(job.Timeout),
		RunAt:           toNanos(job.RunAt),
		Progress:        int64(job.Progress),
		Result:          string(job.Result),
		LastError:       job.LastError,
		LeaseToken:      job.LeaseToken,
		LeaseUntil:      toNanos(job.LeaseUntil),
		WorkerID:        job.WorkerID,
		ParentID:        job.ParentID,
		PendingChildren: int64(job.PendingChildren),
		DeadLetterID:    job.DeadLetterID,
		History:         history,
		Created:         toNanos(job.Created),
		Updated:         toNanos(job.Updated),
		Started:         toNanos(job.Started),
		Completed:       toNanos(job.Completed),
	}, nil
}

// values returns the column values in the order of jobColumns.
func (j *jobRow) values() []interface{} {
	return []interface{}{
		j.ID, j.Queue, j.Type, j.State, j.Payload, j.Priority, j.AttemptsMade,
		j.MaxAttempts, j.BackoffType, j.BackoffDelay, j.Timeout, j.RunAt,
		j.Progress, j.Result, j.LastError, j.LeaseToken, j.LeaseUntil,
		j.WorkerID, j.ParentID, j.PendingChildren, j.DeadLetterID, j.History,
		j.Created, j.Updated, j.Started, j.Completed,
	}
}

// dest returns scan destinations in the order of jobColumns.
func (j *jobRow) dest() []interface{} {
	return []interface{}{
		&j.ID, &j.Queue, &j.Type, &j.State, &j.Payload, &j.Priority, &j.AttemptsMade,
		&j.MaxAttempts, &j.BackoffType, &j.BackoffDelay, &j.Timeout, &j.RunAt,
		&j.Progress, &j.Result, &j.LastError, &j.LeaseToken, &j.LeaseUntil,
		&j.WorkerID, &j.ParentID, &j.PendingChildren, &j.DeadLetterID, &j.History,
		&j.Created, &j.Updated, &j.Started, &j.Completed,
	}
}

// setMap returns all columns but the primary key for an UPDATE.
func (j *jobRow) setMap() map[string]interface{} {
	values := j.values()
	m := make(map[string]interface{}, len(jobColumns)-1)
	for i, col := range jobColumns {
		if col == "id" {
			continue
		}
		m[col] = values[i]
	}
	return m
}

func (j *jobRow) toJob() (*jobqueue.Job, error) {
	history, err := unmarshalHistory(j.History)
	if err != nil {
		return nil, err
	}
	return &jobqueue.Job{
		ID:              j.ID,
		Queue:           j.Queue,
		Type:            j.Type,
		State:           j.State,
		Payload:         rawMessage(j.Payload),
		Priority:        int(j.Priority),
		AttemptsMade:    int(j.AttemptsMade),
		MaxAttempts:     int(j.MaxAttempts),
		Backoff:         jobqueue.Backoff{Type: j.BackoffType, Delay: time.Duration(j.BackoffDelay)},
		Timeout:         time.Duration(j.Timeout),
		RunAt:           fromNanos(j.RunAt),
		Progress:        int(j.Progress),
		Result:          rawMessage(j.Result),
		LastError:       j.LastError,
		LeaseToken:      j.LeaseToken,
		LeaseUntil:      fromNanos(j.LeaseUntil),
		WorkerID:        j.WorkerID,
		ParentID:        j.ParentID,
		PendingChildren: int(j.PendingChildren),
		DeadLetterID:    j.DeadLetterID,
		History:         history,
		Created:         fromNanos(j.Created),
		Updated:         fromNanos(j.Updated),
		Started:         fromNanos(j.Started),
		Completed:       fromNanos(j.Completed),
	}, nil
}

// -- SQL-internal representation of a dead letter record --

var deadLetterColumns = []string{
	"id",
	"job_id",
	"queue",
	"type",
	"payload",
	"priority",
	"max_attempts",
	"backoff_type",
	"backoff_delay",
	"timeout",
	"parent_id",
	"reason",
	"error_code",
	"stack",
	"attempts_made",
	"failed_at",
	"history",
	"estimated_cost",
	"status",
	"retry_count",
	"retried_at",
	"retry_job_id",
}

type deadLetterRow struct {
	ID            string
	JobID         string
	Queue         string
	Type          string
	Payload       string
	Priority      int64
	MaxAttempts   int64
	BackoffType   string
	BackoffDelay  int64
	Timeout       int64
	ParentID      string
	Reason        string
	ErrorCode     string
	Stack         string
	AttemptsMade  int64
	FailedAt      int64
	History       string
	EstimatedCost float64
	Status        string
	RetryCount    int64
	RetriedAt     int64
	RetryJobID    string
}

func newDeadLetterRow(r *jobqueue.DeadLetter) (*deadLetterRow, error) {
	history, err := marshalHistory(r.History)
	if err != nil {
		return nil, err
	}
	return &deadLetterRow{
		ID:            r.ID,
		JobID:         r.JobID,
		Queue:         r.Queue,
		Type:          r.Type,
		Payload:       string(r.Payload),
		Priority:      int64(r.Priority),
		MaxAttempts:   int64(r.MaxAttempts),
		BackoffType:   r.Backoff.Type,
		BackoffDelay:  int64(r.Backoff.Delay),
		Timeout:       int64(r.Timeout),
		ParentID:      r.ParentID,
		Reason:        r.Reason,
		ErrorCode:     r.ErrorCode,
		Stack:         r.Stack,
		AttemptsMade:  int64(r.AttemptsMade),
		FailedAt:      toNanos(r.FailedAt),
		History:       history,
		EstimatedCost: r.EstimatedCost,
		Status:        r.Status,
		RetryCount:    int64(r.RetryCount),
		RetriedAt:     toNanos(r.RetriedAt),
		RetryJobID:    r.RetryJobID,
	}, nil
}

// values returns the column values in the order of deadLetterColumns.
func (r *deadLetterRow) values() []interface{} {
	return []interface{}{
		r.ID, r.JobID, r.Queue, r.Type, r.Payload, r.Priority, r.MaxAttempts,
		r.BackoffType, r.BackoffDelay, r.Timeout, r.ParentID, r.Reason,
		r.ErrorCode, r.Stack, r.AttemptsMade, r.FailedAt, r.History,
		r.EstimatedCost, r.Status, r.RetryCount, r.RetriedAt, r.RetryJobID,
	}
}

// dest returns scan destinations in the order of deadLetterColumns.
func (r *deadLetterRow) dest() []interface{} {
	return []interface{}{
		&r.ID, &r.JobID, &r.Queue, &r.Type, &r.Payload, &r.Priority, &r.MaxAttempts,
		&r.BackoffType, &r.BackoffDelay, &r.Timeout, &r.ParentID, &r.Reason,
		&r.ErrorCode, &r.Stack, &r.AttemptsMade, &r.FailedAt, &r.History,
		&r.EstimatedCost, &r.Status, &r.RetryCount, &r.RetriedAt, &r.RetryJobID,
	}
}

func (r *deadLetterRow) setMap() map[string]interface{} {
	values := r.values()
	m := make(map[string]interface{}, len(deadLetterColumns)-1)
	for i, col := range deadLetterColumns {
		if col == "id" {
			continue
		}
		m[col] = values[i]
	}
	return m
}

func (r *deadLetterRow) toDeadLetter() (*jobqueue.DeadLetter, error) {
	history, err := unmarshalHistory(r.History)
	if err != nil {
		return nil, err
	}
	return &jobqueue.DeadLetter{
		ID:            r.ID,
		JobID:         r.JobID,
		Queue:         r.Queue,
		Type:          r.Type,
		Payload:       rawMessage(r.Payload),
		Priority:      int(r.Priority),
		MaxAttempts:   int(r.MaxAttempts),
		Backoff:       jobqueue.Backoff{Type: r.BackoffType, Delay: time.Duration(r.BackoffDelay)},
		Timeout:       time.Duration(r.Timeout),
		ParentID:      r.ParentID,
		Reason:        r.Reason,
		ErrorCode:     r.ErrorCode,
		Stack:         r.Stack,
		AttemptsMade:  int(r.AttemptsMade),
		FailedAt:      fromNanos(r.FailedAt),
		History:       history,
		EstimatedCost: r.EstimatedCost,
		Status:        r.Status,
		RetryCount:    int(r.RetryCount),
		RetriedAt:     fromNanos(r.RetriedAt),
		RetryJobID:    r.RetryJobID,
	}, nil
}
