// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound must be returned from Store and DeadLetterStore when a
	// certain job or record could not be found.
	ErrNotFound = errors.New("jobqueue: not found")

	// ErrDuplicateJob must be returned from Store.Create when a job with
	// the same identifier already exists.
	ErrDuplicateJob = errors.New("jobqueue: job already exists")

	// ErrLeaseLost is returned from Store.Update when the lease of an
	// active job is held by someone else, e.g. after the lease expired
	// and the job was picked up by another worker.
	ErrLeaseLost = errors.New("jobqueue: lease lost")

	// ErrDeadLettered is returned when trying to retry a job that has been
	// moved to the dead letter queue. Use DeadLetterQueue.Retry instead.
	ErrDeadLettered = errors.New("jobqueue: job is dead-lettered")

	// ErrUnknownQueue is returned when a queue has not been created.
	ErrUnknownQueue = errors.New("jobqueue: unknown queue")

	// ErrNoProcessor is returned when no processor is registered for a job.
	ErrNoProcessor = errors.New("jobqueue: no processor registered")

	// ErrManagerClosed is returned when using a manager after Close.
	ErrManagerClosed = errors.New("jobqueue: manager closed")

	// ErrInvalidState is returned for operations that do not apply to the
	// current state of a job or record.
	ErrInvalidState = errors.New("jobqueue: invalid state")
)

// DuplicateQueueError is returned when a queue is created a second time
// with a different configuration.
type DuplicateQueueError struct {
	Name     string
	Existing QueueConfig
	Desired  QueueConfig
}

func (e *DuplicateQueueError) Error() string {
	return fmt.Sprintf("jobqueue: queue %s already exists with a different configuration", e.Name)
}

// TimeoutError is the failure recorded for an attempt whose processor did
// not return in time. It is retryable.
type TimeoutError struct {
	JobID   string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("jobqueue: job %s timed out after %v", e.JobID, e.Timeout)
}

// Code implements Coder.
func (e *TimeoutError) Code() string { return "timeout" }

// PanicError is the failure recorded for an attempt whose processor panicked.
type PanicError struct {
	Value interface{}
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("jobqueue: processor panic: %v", e.Value)
}

// Code implements Coder.
func (e *PanicError) Code() string { return "panic" }

// BulkError reports the entries of AddBulkJobs that could not be added.
// Entries not listed in Errors were added successfully.
type BulkError struct {
	Errors map[int]error // index of the entry to its error
}

func (e *BulkError) Error() string {
	return fmt.Sprintf("jobqueue: %d bulk entries failed", len(e.Errors))
}

// Coder is implemented by errors that carry a stable code. The code is used
// to aggregate failure patterns in the dead letter queue.
type Coder interface {
	Code() string
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Cause() error  { return e.err }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retryable. A processor returning a permanent
// error has its job moved to the dead letter queue right away.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent returns true if err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

const maxErrorCodeLen = 48

var (
	digitsRe = regexp.MustCompile(`[0-9]+`)
	spaceRe  = regexp.MustCompile(`\s+`)
)

// ErrorCode classifies err for failure pattern aggregation.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var c Coder
	if errors.As(err, &c) {
		return c.Code()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	// Identifiers and counters vary between occurrences of the same problem.
	msg := strings.ToLower(errors.Cause(err).Error())
	msg = digitsRe.ReplaceAllString(msg, "#")
	msg = spaceRe.ReplaceAllString(strings.TrimSpace(msg), " ")
	if len(msg) > maxErrorCodeLen {
		cut := maxErrorCodeLen
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
	}
	if msg == "" {
		return "unknown"
	}
	return msg
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// errorStack returns a stack trace for err if one was captured.
func errorStack(err error) string {
	var pe *PanicError
	if errors.As(err, &pe) {
		return pe.Stack
	}
	var st stackTracer
	if errors.As(err, &st) {
		return strings.TrimSpace(fmt.Sprintf("%+v", st.StackTrace()))
	}
	return ""
}
