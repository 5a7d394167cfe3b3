package jobqueue

import (
	"context"
	"encoding/json"
	"time"
)

const (
	// DeadLetterPending records wait for inspection or replay.
	DeadLetterPending = "pending"
	// DeadLetterRetried records have been replayed into their queue.
	DeadLetterRetried = "retried"
	// DeadLetterRetryFailed records were replayed and failed again.
	DeadLetterRetryFailed = "retry-failed"
)

// DeadLetter is the record of a job that exhausted its retry budget.
type DeadLetter struct {
	ID            string          `json:"id"`
	JobID         string          `json:"jobId"`
	Queue         string          `json:"queue"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Priority      int             `json:"priority,omitempty"`
	MaxAttempts   int             `json:"maxAttempts"`
	Backoff       Backoff         `json:"backoff"`
	Timeout       time.Duration   `json:"timeout,omitempty"`
	ParentID      string          `json:"parentId,omitempty"` // flow parent waiting for this job; empty while a replay carries it
	Reason        string          `json:"reason"`
	ErrorCode     string          `json:"errorCode"`
	Stack         string          `json:"stack,omitempty"`
	AttemptsMade  int             `json:"attemptsMade"`
	FailedAt      time.Time       `json:"failedAt"`
	History       []Attempt       `json:"history,omitempty"`
	EstimatedCost float64         `json:"estimatedCost"`
	Status        string          `json:"status"`
	RetryCount    int             `json:"retryCount"`
	RetriedAt     time.Time       `json:"retriedAt,omitempty"`
	RetryJobID    string          `json:"retryJobId,omitempty"`
}

// CanRetry returns false for records whose manual retry already failed.
// Those need an explicit override to be retried again.
func (r *DeadLetter) CanRetry() bool {
	return r.Status != DeadLetterRetryFailed
}

// MarshalJSON adds the computed canRetry field.
func (r *DeadLetter) MarshalJSON() ([]byte, error) {
	type record DeadLetter
	return json.Marshal(struct {
		*record
		CanRetry bool `json:"canRetry"`
	}{(*record)(r), r.CanRetry()})
}

// Clone returns a deep copy of the record.
func (r *DeadLetter) Clone() *DeadLetter {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	if r.History != nil {
		cp.History = append([]Attempt(nil), r.History...)
	}
	return &cp
}

// DeadLetterStore implements persistent storage of dead letter records.
type DeadLetterStore interface {
	// CreateDeadLetter adds a record.
	CreateDeadLetter(ctx context.Context, r *DeadLetter) error

	// UpdateDeadLetter persists changes to a record. If the record does
	// not exist, ErrNotFound must be returned.
	UpdateDeadLetter(ctx context.Context, r *DeadLetter) error

	// UpdateDeadLetterIf persists changes to a record only if the stored
	// record still has the given status. Otherwise ErrInvalidState is
	// returned. If the record does not exist, ErrNotFound must be returned.
	UpdateDeadLetterIf(ctx context.Context, r *DeadLetter, status string) error

	// LookupDeadLetter returns a record by its identifier.
	// If the record could not be found, ErrNotFound must be returned.
	LookupDeadLetter(ctx context.Context, id string) (*DeadLetter, error)

	// ListDeadLetters returns records sorted by FailedAt.
	ListDeadLetters(ctx context.Context, req *DeadLetterListRequest) (*DeadLetterListResponse, error)

	// DeleteDeadLetters removes all records that failed before the given
	// time and returns their number.
	DeleteDeadLetters(ctx context.Context, before time.Time) (int, error)
}

// DeadLetterListRequest specifies a filter for listing dead letter records.
type DeadLetterListRequest struct {
	Queue     string // filter by queue
	Status    string // filter by status
	Ascending bool   // oldest first if true, newest first otherwise
	Offset    int    // number of records to skip
	Limit     int    // maximum number of records to return (0 for all)
}

// DeadLetterListResponse is the outcome of ListDeadLetters.
type DeadLetterListResponse struct {
	Total   int           // total number of records found, excluding pagination
	Records []*DeadLetter // list of records
}

// Matches returns true if r is selected by the request filters.
func (req *DeadLetterListRequest) Matches(r *DeadLetter) bool {
	if req.Queue != "" && r.Queue != req.Queue {
		return false
	}
	if req.Status != "" && r.Status != req.Status {
		return false
	}
	return true
}
