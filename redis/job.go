package redis

import (
	"encoding/json"
	"strconv"
	"time"

	jobqueue "github.com/d1fmarketing/book-automation-sub010"
)

// Times are stored as nanoseconds since the epoch, 0 being the zero time.
func toNanos(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixNano(), 10)
}

func fromNanos(s string) time.Time {
	n, _ := strconv.ParseInt(s, 10, 64)
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func rawMessage(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

// jobFields returns the hash fields of a job as field/value pairs.
func jobFields(job *jobqueue.Job) ([]interface{}, error) {
	var history string
	if len(job.History) > 0 {
		v, err := json.Marshal(job.History)
		if err != nil {
			return nil, err
		}
		history = string(v)
	}
	return []interface{}{
		"id", job.ID,
		"queue", job.Queue,
		"type", job.Type,
		"state", job.State,
		"payload", string(job.Payload),
		"priority", itoa(job.Priority),
		"attempts_made", itoa(job.AttemptsMade),
		"max_attempts", itoa(job.MaxAttempts),
		"backoff_type", job.Backoff.Type,
		"backoff_delay", strconv.FormatInt(int64(job.Backoff.Delay), 10),
		"timeout", strconv.FormatInt(int64(job.Timeout), 10),
		"run_at", toNanos(job.RunAt),
		"progress", itoa(job.Progress),
		"result", string(job.Result),
		"last_error", job.LastError,
		"lease_token", job.LeaseToken,
		"lease_until", toNanos(job.LeaseUntil),
		"worker_id", job.WorkerID,
		"parent_id", job.ParentID,
		"pending_children", itoa(job.PendingChildren),
		"dead_letter_id", job.DeadLetterID,
		"history", history,
		"created", toNanos(job.Created),
		"updated", toNanos(job.Updated),
		"started", toNanos(job.Started),
		"completed", toNanos(job.Completed),
	}, nil
}

// parseJob converts the hash fields of a job.
func parseJob(h map[string]string) (*jobqueue.Job, error) {
	var history []jobqueue.Attempt
	if s := h["history"]; s != "" {
		if err := json.Unmarshal([]byte(s), &history); err != nil {
			return nil, err
		}
	}
	delay, _ := strconv.ParseInt(h["backoff_delay"], 10, 64)
	timeout, _ := strconv.ParseInt(h["timeout"], 10, 64)
	return &jobqueue.Job{
		ID:              h["id"],
		Queue:           h["queue"],
		Type:            h["type"],
		State:           h["state"],
		Payload:         rawMessage(h["payload"]),
		Priority:        atoi(h["priority"]),
		AttemptsMade:    atoi(h["attempts_made"]),
		MaxAttempts:     atoi(h["max_attempts"]),
		Backoff:         jobqueue.Backoff{Type: h["backoff_type"], Delay: time.Duration(delay)},
		Timeout:         time.Duration(timeout),
		RunAt:           fromNanos(h["run_at"]),
		Progress:        atoi(h["progress"]),
		Result:          rawMessage(h["result"]),
		LastError:       h["last_error"],
		LeaseToken:      h["lease_token"],
		LeaseUntil:      fromNanos(h["lease_until"]),
		WorkerID:        h["worker_id"],
		ParentID:        h["parent_id"],
		PendingChildren: atoi(h["pending_children"]),
		DeadLetterID:    h["dead_letter_id"],
		History:         history,
		Created:         fromNanos(h["created"]),
		Updated:         fromNanos(h["updated"]),
		Started:         fromNanos(h["started"]),
		Completed:       fromNanos(h["completed"]),
	}, nil
}
