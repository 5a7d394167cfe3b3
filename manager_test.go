// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestManagerDefaults(t *testing.T) {
	m := New()
	if m.st == nil {
		t.Fatal("Store is nil")
	}
	if m.dls == nil {
		t.Fatal("DeadLetterStore is nil")
	}
	if have, want := m.pollInterval, defaultPollInterval; have != want {
		t.Fatalf("pollInterval = %v, want %v", have, want)
	}
	if have, want := m.drainTimeout, defaultDrainTimeout; have != want {
		t.Fatalf("drainTimeout = %v, want %v", have, want)
	}
	if have, want := m.started, false; have != want {
		t.Fatalf("started = %t, want %t", have, want)
	}
	if have, want := len(m.Workers()), 0; have != want {
		t.Fatalf("len(Workers()) = %d, want %d", have, want)
	}
}

func TestManagerRegisterReplacesProcessor(t *testing.T) {
	m, logs := newTestManager(t)
	mustCreateQueue(t, m, QueueConfig{Name: "q"})
	m.Register("topic", func(context.Context, *JobContext) (interface{}, error) { return "first", nil })
	m.Register("topic", func(context.Context, *JobContext) (interface{}, error) { return "second", nil })
	if !logs.Contains("replacing registered processor") {
		t.Fatal("expected a warning about the replaced processor")
	}
	p, found := m.registry.Lookup(&Job{Queue: "q", Type: "topic"})
	if !found {
		t.Fatal("expected processor to be found")
	}
	res, err := p(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := res, "second"; have != want {
		t.Fatalf("result = %v, want %v", have, want)
	}
}

func TestManagerStartStop(t *testing.T) {
	m, _ := newTestManager(t)
	started, startedc := signal(1)
	stopped, stoppedc := signal(1)
	m.testManagerStarted = started
	m.testManagerStopped = stopped

	mustStart(t, m)
	expect(t, startedc, time.Second, "Start")

	if err := m.Start(context.Background()); err == nil {
		t.Fatal("expected second Start to fail")
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close failed with %v", err)
	}
	expect(t, stoppedc, time.Second, "Close")

	if err := m.Start(context.Background()); err != ErrManagerClosed {
		t.Fatalf("Start after Close = %v, want %v", err, ErrManagerClosed)
	}
}

func TestCreateQueueIsIdempotent(t *testing.T) {
	m, logs := newTestManager(t)
	cfg := QueueConfig{Name: "writer", MaxAttempts: 3, Workers: 2}
	q1 := mustCreateQueue(t, m, cfg)
	q2 := mustCreateQueue(t, m, cfg)
	if q1 != q2 {
		t.Fatal("expected the existing queue to be returned")
	}
	if !logs.Contains("queue already exists") {
		t.Fatal("expected a warning about the existing queue")
	}

	cfg.MaxAttempts = 5
	_, err := m.CreateQueue(cfg)
	var dup *DuplicateQueueError
	if !errors.As(err, &dup) {
		t.Fatalf("CreateQueue = %v, want *DuplicateQueueError", err)
	}
	if have, want := dup.Existing.MaxAttempts, 3; have != want {
		t.Fatalf("Existing.MaxAttempts = %d, want %d", have, want)
	}
	if have, want := dup.Desired.MaxAttempts, 5; have != want {
		t.Fatalf("Desired.MaxAttempts = %d, want %d", have, want)
	}
}

func TestAddJobErrors(t *testing.T) {
	m, _ := newTestManager(t)
	mustCreateQueue(t, m, QueueConfig{Name: "q"})
	ctx := context.Background()

	if _, err := m.AddJob(ctx, "unknown", "topic", nil); !errors.Is(err, ErrUnknownQueue) {
		t.Fatalf("AddJob to unknown queue = %v, want %v", err, ErrUnknownQueue)
	}
	if _, err := m.AddJob(ctx, "q", "topic", nil); !errors.Is(err, ErrNoProcessor) {
		t.Fatalf("AddJob without processor = %v, want %v", err, ErrNoProcessor)
	}
	m.Register("topic", func(context.Context, *JobContext) (interface{}, error) { return nil, nil })
	if _, err := m.AddJob(ctx, "q", "topic", func() {}); err == nil {
		t.Fatal("expected AddJob with an unmarshalable payload to fail")
	}
}

func TestAddJobWithDuplicateID(t *testing.T) {
	m, _ := newTestManager(t)
	mustCreateQueue(t, m, QueueConfig{Name: "q"})
	m.Register("q", func(context.Context, *JobContext) (interface{}, error) { return nil, nil })
	ctx := context.Background()

	job, err := m.AddJob(ctx, "q", "topic", map[string]int{"n": 1}, WithJobID("job-1"))
	if err != nil {
		t.Fatalf("AddJob failed with %v", err)
	}
	if have, want := job.ID, "job-1"; have != want {
		t.Fatalf("ID = %q, want %q", have, want)
	}
	if _, err := m.AddJob(ctx, "q", "topic", map[string]int{"n": 2}, WithJobID("job-1")); err != ErrDuplicateJob {
		t.Fatalf("AddJob = %v, want %v", err, ErrDuplicateJob)
	}
	rsp, err := m.List(ctx, &ListRequest{Queue: "q"})
	if err != nil {
		t.Fatal(err)
	}
	if have, want := rsp.Total, 1; have != want {
		t.Fatalf("Total = %d, want %d", have, want)
	}
	if have, want := string(rsp.Jobs[0].Payload), `{"n":1}`; have != want {
		t.Fatalf("Payload = %s, want %s", have, want)
	}
}

// TestJobSuccess is the green case where a job is called and it is
// processed without problems.
func TestJobSuccess(t *testing.T) {
	m, _ := newTestManager(t)
	leased, leasedc := signal(1)
	started, startedc := signal(1)
	succeeded, succeededc := signal(1)
	m.testJobLeased = leased
	m.testJobStarted = started
	m.testJobSucceeded = succeeded

	var mu sync.Mutex
	var events []string
	m.Subscribe(func(e Event) {
		mu.Lock()
		events = append(events, e.Type)
		mu.Unlock()
	})

	mustCreateQueue(t, m, QueueConfig{Name: "writer"})
	m.Register("write-chapter", func(ctx context.Context, jc *JobContext) (interface{}, error) {
		var args struct {
			Chapter int `json:"chapter"`
		}
		if err := jc.Decode(&args); err != nil {
			return nil, err
		}
		if err := jc.UpdateProgress(ctx, 50); err != nil {
			return nil, err
		}
		return map[string]int{"chapter": args.Chapter, "words": 1200}, nil
	})
	mustStart(t, m)

	job, err := m.AddJob(context.Background(), "writer", "write-chapter", map[string]int{"chapter": 1})
	if err != nil {
		t.Fatalf("AddJob failed with %v", err)
	}
	if job.ID == "" {
		t.Fatalf("Job ID = %q", job.ID)
	}
	timeout := 2 * time.Second
	expect(t, leasedc, timeout, "Lease")
	expect(t, startedc, timeout, "Job Start")
	expect(t, succeededc, timeout, "Job Completion")

	job = lookupJob(t, m, job.ID)
	if have, want := job.State, Completed; have != want {
		t.Fatalf("State = %q, want %q", have, want)
	}
	if have, want := job.AttemptsMade, 1; have != want {
		t.Fatalf("AttemptsMade = %d, want %d", have, want)
	}
	if have, want := job.Progress, 100; have != want {
		t.Fatalf("Progress = %d, want %d", have, want)
	}
	if have, want := string(job.Result), `{"chapter":1,"words":1200}`; have != want {
		t.Fatalf("Result = %s, want %s", have, want)
	}
	if job.LeaseToken != "" {
		t.Fatalf("LeaseToken = %q, want none", job.LeaseToken)
	}
	if have, want := len(job.History), 1; have != want {
		t.Fatalf("len(History) = %d, want %d", have, want)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{EventJobSubmitted, EventJobActive, EventJobProgress, EventJobCompleted}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
}

// TestJobFailure submits a job whose processor always fails. After all
// attempts, the job must be failed and in the dead letter queue exactly once.
func TestJobFailure(t *testing.T) {
	m, logs := newTestManager(t)
	retry, retryc := signal(10)
	failed, failedc := signal(1)
	m.testJobRetry = retry
	m.testJobFailed = failed

	var calls int32
	mustCreateQueue(t, m, QueueConfig{Name: "writer"})
	m.Register("write-chapter", func(context.Context, *JobContext) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("model unavailable")
	})
	mustStart(t, m)

	job, err := m.AddJob(context.Background(), "writer", "write-chapter", map[string]int{"chapter": 1}, WithMaxAttempts(3))
	if err != nil {
		t.Fatalf("AddJob failed with %v", err)
	}
	timeout := 2 * time.Second
	expect(t, retryc, timeout, "1st retry")
	expect(t, retryc, timeout, "2nd retry")
	expect(t, failedc, timeout, "Job failure")

	job = lookupJob(t, m, job.ID)
	if have, want := job.State, Failed; have != want {
		t.Fatalf("State = %q, want %q", have, want)
	}
	if have, want := job.AttemptsMade, 3; have != want {
		t.Fatalf("AttemptsMade = %d, want %d", have, want)
	}
	if have, want := atomic.LoadInt32(&calls), int32(3); have != want {
		t.Fatalf("calls = %d, want %d", have, want)
	}

	rsp, err := m.DeadLetters().List(context.Background(), "writer", ListDeadLettersRequest{End: -1})
	if err != nil {
		t.Fatal(err)
	}
	if have, want := rsp.Total, 1; have != want {
		t.Fatalf("dead letters = %d, want %d", have, want)
	}
	r := rsp.Records[0]
	if have, want := r.JobID, job.ID; have != want {
		t.Fatalf("JobID = %q, want %q", have, want)
	}
	if have, want := r.AttemptsMade, 3; have != want {
		t.Fatalf("AttemptsMade = %d, want %d", have, want)
	}
	if have, want := len(r.History), 3; have != want {
		t.Fatalf("len(History) = %d, want %d", have, want)
	}
	if have, want := r.Reason, "model unavailable"; have != want {
		t.Fatalf("Reason = %q, want %q", have, want)
	}
	if !logs.Contains("job moved to dead letter queue") {
		t.Fatal("expected dead letter to be logged")
	}

	// The job never comes back
	time.Sleep(50 * time.Millisecond)
	if have, want := lookupJob(t, m, job.ID).State, Failed; have != want {
		t.Fatalf("State = %q, want %q", have, want)
	}
	if have, want := atomic.LoadInt32(&calls), int32(3); have != want {
		t.Fatalf("calls = %d, want %d", have, want)
	}
}

// TestJobSuccessAfterRetry will schedule a job that will fail on the 1st
// call, but succeed on the 2nd.
func TestJobSuccessAfterRetry(t *testing.T) {
	m, _ := newTestManager(t)
	retry, retryc := signal(1)
	succeeded, succeededc := signal(1)
	m.testJobRetry = retry
	m.testJobSucceeded = succeeded

	var calls int32
	mustCreateQueue(t, m, QueueConfig{Name: "q", Backoff: Backoff{Type: FixedBackoff, Delay: 10 * time.Millisecond}})
	m.Register("topic", func(context.Context, *JobContext) (interface{}, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, errors.New("failed job on 1st call")
		}
		return nil, nil
	})
	mustStart(t, m)

	job, err := m.AddJob(context.Background(), "q", "topic", nil)
	if err != nil {
		t.Fatalf("AddJob failed with %v", err)
	}
	timeout := 2 * time.Second
	expect(t, retryc, timeout, "Job retry")
	expect(t, succeededc, timeout, "Job success")

	job = lookupJob(t, m, job.ID)
	if have, want := job.State, Completed; have != want {
		t.Fatalf("State = %q, want %q", have, want)
	}
	if have, want := job.AttemptsMade, 2; have != want {
		t.Fatalf("AttemptsMade = %d, want %d", have, want)
	}
	if have, want := job.History[0].Error, "failed job on 1st call"; have != want {
		t.Fatalf("History[0].Error = %q, want %q", have, want)
	}
}

func TestPermanentErrorSkipsRetries(t *testing.T) {
	m, _ := newTestManager(t)
	failed, failedc := signal(1)
	m.testJobFailed = failed

	mustCreateQueue(t, m, QueueConfig{Name: "q", MaxAttempts: 5})
	m.Register("topic", func(context.Context, *JobContext) (interface{}, error) {
		return nil, Permanent(errors.New("invalid manuscript"))
	})
	mustStart(t, m)

	job, err := m.AddJob(context.Background(), "q", "topic", nil)
	if err != nil {
		t.Fatalf("AddJob failed with %v", err)
	}
	expect(t, failedc, 2*time.Second, "Job failure")

	job = lookupJob(t, m, job.ID)
	if have, want := job.AttemptsMade, 1; have != want {
		t.Fatalf("AttemptsMade = %d, want %d", have, want)
	}
	if have, want := job.State, Failed; have != want {
		t.Fatalf("State = %q, want %q", have, want)
	}
}

// TestConcurrencyCeiling adds 100 jobs to a queue with 5 slots and checks
// that no more than 5 jobs are active at any time.
func TestConcurrencyCeiling(t *testing.T) {
	const numJobs = 100
	m, _ := newTestManager(t)
	succeeded, succeededc := signal(numJobs)
	m.testJobSucceeded = succeeded

	var active, maxActive int32
	mustCreateQueue(t, m, QueueConfig{Name: "q", Workers: 1, ConcurrencyPerWorker: 5})
	m.Register("topic", func(context.Context, *JobContext) (interface{}, error) {
		n := atomic.AddInt32(&active, 1)
		defer atomic.AddInt32(&active, -1)
		for {
			cur := atomic.LoadInt32(&maxActive)
			if n <= cur || atomic.CompareAndSwapInt32(&maxActive, cur, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		return nil, nil
	})

	for i := 0; i < numJobs; i++ {
		if _, err := m.AddJob(context.Background(), "q", "topic", map[string]int{"i": i}); err != nil {
			t.Fatalf("AddJob failed with %v", err)
		}
	}

	stop := make(chan struct{})
	var storeMax int
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			stats, err := m.st.Stats(context.Background(), &StatsRequest{Queue: "q"})
			if err == nil && stats.Active > storeMax {
				storeMax = stats.Active
			}
			time.Sleep(time.Millisecond)
		}
	}()

	mustStart(t, m)
	for i := 0; i < numJobs; i++ {
		expect(t, succeededc, 10*time.Second, "Job completion")
	}
	close(stop)
	wg.Wait()

	if have := atomic.LoadInt32(&maxActive); have > 5 {
		t.Fatalf("max active processors = %d, want <= 5", have)
	}
	if storeMax > 5 {
		t.Fatalf("max active jobs in store = %d, want <= 5", storeMax)
	}
	stats, err := m.QueueStats(context.Background(), "q")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := stats.Jobs.Completed, numJobs; have != want {
		t.Fatalf("Completed = %d, want %d", have, want)
	}
}

// TestJobTimeout runs a processor that sleeps longer than the job timeout.
func TestJobTimeout(t *testing.T) {
	m, _ := newTestManager(t)
	failed, failedc := signal(1)
	m.testJobFailed = failed

	mustCreateQueue(t, m, QueueConfig{Name: "q", MaxAttempts: 1})
	m.Register("topic", func(ctx context.Context, jc *JobContext) (interface{}, error) {
		select {
		case <-time.After(5 * time.Second):
			return "late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	mustStart(t, m)

	job, err := m.AddJob(context.Background(), "q", "topic", nil, WithTimeout(50*time.Millisecond))
	if err != nil {
		t.Fatalf("AddJob failed with %v", err)
	}
	expect(t, failedc, 2*time.Second, "Job failure")

	job = lookupJob(t, m, job.ID)
	if have, want := len(job.History), 1; have != want {
		t.Fatalf("len(History) = %d, want %d", have, want)
	}
	want := (&TimeoutError{JobID: job.ID, Timeout: 50 * time.Millisecond}).Error()
	if have := job.History[0].Error; have != want {
		t.Fatalf("History[0].Error = %q, want %q", have, want)
	}
	rsp, err := m.DeadLetters().List(context.Background(), "q", ListDeadLettersRequest{End: -1})
	if err != nil {
		t.Fatal(err)
	}
	if have, want := rsp.Records[0].ErrorCode, "timeout"; have != want {
		t.Fatalf("ErrorCode = %q, want %q", have, want)
	}
}

// TestPauseQueue checks that a paused queue lets active jobs finish but
// does not lease new ones.
func TestPauseQueue(t *testing.T) {
	m, _ := newTestManager(t)
	started, startedc := signal(2)
	succeeded, succeededc := signal(2)
	m.testJobStarted = started
	m.testJobSucceeded = succeeded

	release := make(chan struct{})
	mustCreateQueue(t, m, QueueConfig{Name: "q"})
	m.Register("block", func(context.Context, *JobContext) (interface{}, error) {
		<-release
		return nil, nil
	})
	m.Register("quick", func(context.Context, *JobContext) (interface{}, error) {
		return nil, nil
	})
	mustStart(t, m)

	ctx := context.Background()
	first, err := m.AddJob(ctx, "q", "block", nil)
	if err != nil {
		t.Fatal(err)
	}
	expect(t, startedc, 2*time.Second, "1st job start")

	if err := m.PauseQueue("q"); err != nil {
		t.Fatalf("PauseQueue failed with %v", err)
	}
	second, err := m.AddJob(ctx, "q", "quick", nil)
	if err != nil {
		t.Fatal(err)
	}
	close(release)
	expect(t, succeededc, 2*time.Second, "1st job completion")
	if have, want := lookupJob(t, m, first.ID).State, Completed; have != want {
		t.Fatalf("State = %q, want %q", have, want)
	}

	time.Sleep(50 * time.Millisecond)
	if have, want := lookupJob(t, m, second.ID).State, Waiting; have != want {
		t.Fatalf("State = %q, want %q", have, want)
	}
	stats, err := m.QueueStats(ctx, "q")
	if err != nil {
		t.Fatal(err)
	}
	if !stats.Paused {
		t.Fatal("expected queue to be reported as paused")
	}

	if err := m.ResumeQueue("q"); err != nil {
		t.Fatalf("ResumeQueue failed with %v", err)
	}
	expect(t, succeededc, 2*time.Second, "2nd job completion")

	if err := m.PauseQueue("unknown"); err != ErrUnknownQueue {
		t.Fatalf("PauseQueue = %v, want %v", err, ErrUnknownQueue)
	}
}

func TestPauseAllQueues(t *testing.T) {
	m, _ := newTestManager(t)
	succeeded, succeededc := signal(2)
	m.testJobSucceeded = succeeded

	mustCreateQueue(t, m, QueueConfig{Name: "a"})
	mustCreateQueue(t, m, QueueConfig{Name: "b"})
	m.Register("topic", func(context.Context, *JobContext) (interface{}, error) { return nil, nil })
	mustStart(t, m)
	m.Pause()

	ctx := context.Background()
	for _, q := range []string{"a", "b"} {
		if _, err := m.AddJob(ctx, q, "topic", nil); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(50 * time.Millisecond)
	stats, err := m.GlobalStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := stats.Totals.Waiting, 2; have != want {
		t.Fatalf("Waiting = %d, want %d", have, want)
	}
	if !stats.Paused {
		t.Fatal("expected workers to be reported as paused")
	}

	m.Resume()
	expect(t, succeededc, 2*time.Second, "1st job completion")
	expect(t, succeededc, 2*time.Second, "2nd job completion")
}

// TestPauseWhileLeasing pauses the queue after a worker passed the pause
// check but before its lease returned. The leased job must be released
// without running.
func TestPauseWhileLeasing(t *testing.T) {
	m, logs := newTestManager(t)
	succeeded, succeededc := signal(1)
	m.testJobSucceeded = succeeded

	var once sync.Once
	paused := make(chan struct{})
	m.testJobLeased = func() {
		once.Do(func() {
			if err := m.PauseQueue("q"); err != nil {
				t.Errorf("PauseQueue failed with %v", err)
			}
			close(paused)
		})
	}

	var calls int32
	mustCreateQueue(t, m, QueueConfig{Name: "q"})
	m.Register("topic", func(context.Context, *JobContext) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, nil
	})
	mustStart(t, m)

	job, err := m.AddJob(context.Background(), "q", "topic", nil)
	if err != nil {
		t.Fatal(err)
	}
	expect(t, paused, 2*time.Second, "Pause")
	waitFor(t, 2*time.Second, "job release", func() bool {
		return lookupJob(t, m, job.ID).State == Waiting
	})
	time.Sleep(50 * time.Millisecond)
	if have, want := atomic.LoadInt32(&calls), int32(0); have != want {
		t.Fatalf("calls = %d, want %d", have, want)
	}
	if have, want := lookupJob(t, m, job.ID).State, Waiting; have != want {
		t.Fatalf("State = %q, want %q", have, want)
	}
	if !logs.Contains("job released") {
		t.Fatal("expected release to be logged")
	}

	if err := m.ResumeQueue("q"); err != nil {
		t.Fatalf("ResumeQueue failed with %v", err)
	}
	expect(t, succeededc, 2*time.Second, "Job completion")
	if have, want := lookupJob(t, m, job.ID).AttemptsMade, 1; have != want {
		t.Fatalf("AttemptsMade = %d, want %d", have, want)
	}
}

func TestRetryJob(t *testing.T) {
	m, _ := newTestManager(t)
	retry, retryc := signal(1)
	succeeded, succeededc := signal(1)
	m.testJobRetry = retry
	m.testJobSucceeded = succeeded

	var calls int32
	mustCreateQueue(t, m, QueueConfig{Name: "q", Backoff: Backoff{Type: FixedBackoff, Delay: time.Hour}})
	m.Register("topic", func(context.Context, *JobContext) (interface{}, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, errors.New("transient")
		}
		return nil, nil
	})
	mustStart(t, m)

	ctx := context.Background()
	job, err := m.AddJob(ctx, "q", "topic", nil)
	if err != nil {
		t.Fatal(err)
	}
	expect(t, retryc, 2*time.Second, "Job retry")
	if have, want := lookupJob(t, m, job.ID).State, Delayed; have != want {
		t.Fatalf("State = %q, want %q", have, want)
	}

	if _, err := m.RetryJob(ctx, "other", job.ID); err != ErrNotFound {
		t.Fatalf("RetryJob in other queue = %v, want %v", err, ErrNotFound)
	}
	if _, err := m.RetryJob(ctx, "q", job.ID); err != nil {
		t.Fatalf("RetryJob failed with %v", err)
	}
	expect(t, succeededc, 2*time.Second, "Job success")

	if _, err := m.RetryJob(ctx, "q", job.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("RetryJob of completed job = %v, want %v", err, ErrInvalidState)
	}
}

func TestRetryJobRefusesDeadLetteredJob(t *testing.T) {
	m, _ := newTestManager(t)
	failed, failedc := signal(1)
	m.testJobFailed = failed

	mustCreateQueue(t, m, QueueConfig{Name: "q", MaxAttempts: 1})
	m.Register("topic", func(context.Context, *JobContext) (interface{}, error) {
		return nil, errors.New("boom")
	})
	mustStart(t, m)

	job, err := m.AddJob(context.Background(), "q", "topic", nil)
	if err != nil {
		t.Fatal(err)
	}
	expect(t, failedc, 2*time.Second, "Job failure")
	if _, err := m.RetryJob(context.Background(), "q", job.ID); err != ErrDeadLettered {
		t.Fatalf("RetryJob = %v, want %v", err, ErrDeadLettered)
	}
}

func TestDrainAndClean(t *testing.T) {
	m, _ := newTestManager(t)
	mustCreateQueue(t, m, QueueConfig{Name: "q"})
	m.Register("topic", func(context.Context, *JobContext) (interface{}, error) { return nil, nil })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := m.AddJob(ctx, "q", "topic", nil); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := m.AddJob(ctx, "q", "topic", nil, WithDelay(time.Hour)); err != nil {
		t.Fatal(err)
	}
	done := &Job{ID: "done", Queue: "q", Type: "topic", State: Completed, Updated: time.Now().Add(-time.Hour)}
	if err := m.st.Create(ctx, done); err != nil {
		t.Fatal(err)
	}

	n, err := m.Drain(ctx, "q")
	if err != nil {
		t.Fatalf("Drain failed with %v", err)
	}
	if have, want := n, 4; have != want {
		t.Fatalf("Drain = %d, want %d", have, want)
	}

	if _, err := m.Clean(ctx, "q", 0, Active); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Clean(active) = %v, want %v", err, ErrInvalidState)
	}
	n, err = m.Clean(ctx, "q", 2*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := n, 0; have != want {
		t.Fatalf("Clean with grace = %d, want %d", have, want)
	}
	n, err = m.Clean(ctx, "q", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := n, 1; have != want {
		t.Fatalf("Clean = %d, want %d", have, want)
	}
	if _, err := m.Drain(ctx, "unknown"); err != ErrUnknownQueue {
		t.Fatalf("Drain = %v, want %v", err, ErrUnknownQueue)
	}
}

func TestAddBulkJobs(t *testing.T) {
	m, _ := newTestManager(t)
	mustCreateQueue(t, m, QueueConfig{Name: "q"})
	m.Register("topic", func(context.Context, *JobContext) (interface{}, error) { return nil, nil })

	jobs, err := m.AddBulkJobs(context.Background(), "q", []BulkJob{
		{Type: "topic", Payload: 1, Options: []JobOption{WithJobID("a")}},
		{Type: "topic", Payload: 2, Options: []JobOption{WithJobID("a")}},
		{Type: "unregistered"},
		{Type: "topic", Payload: 4},
	})
	var bulkErr *BulkError
	if !errors.As(err, &bulkErr) {
		t.Fatalf("AddBulkJobs = %v, want *BulkError", err)
	}
	if have, want := len(bulkErr.Errors), 2; have != want {
		t.Fatalf("len(Errors) = %d, want %d", have, want)
	}
	if bulkErr.Errors[1] != ErrDuplicateJob {
		t.Fatalf("Errors[1] = %v, want %v", bulkErr.Errors[1], ErrDuplicateJob)
	}
	if !errors.Is(bulkErr.Errors[2], ErrNoProcessor) {
		t.Fatalf("Errors[2] = %v, want %v", bulkErr.Errors[2], ErrNoProcessor)
	}
	if jobs[0] == nil || jobs[1] != nil || jobs[2] != nil || jobs[3] == nil {
		t.Fatalf("jobs = %v", jobs)
	}
}

// TestFlow runs a parent job after its children completed.
func TestFlow(t *testing.T) {
	m, _ := newTestManager(t)
	succeeded, succeededc := signal(3)
	m.testJobSucceeded = succeeded

	parentDone := make(chan map[string]json.RawMessage, 1)
	mustCreateQueue(t, m, QueueConfig{Name: "writer", ConcurrencyPerWorker: 2})
	mustCreateQueue(t, m, QueueConfig{Name: "builder"})
	m.Register("write-chapter", func(ctx context.Context, jc *JobContext) (interface{}, error) {
		var args struct {
			Chapter int `json:"chapter"`
		}
		if err := jc.Decode(&args); err != nil {
			return nil, err
		}
		return args.Chapter * 1000, nil
	})
	m.Register("build-book", func(ctx context.Context, jc *JobContext) (interface{}, error) {
		results, err := jc.ChildResults(ctx)
		if err != nil {
			return nil, err
		}
		parentDone <- results
		return nil, nil
	})

	parent, err := m.AddFlow(context.Background(), Flow{
		Parent: FlowJob{Queue: "builder", Type: "build-book"},
		Children: []FlowJob{
			{Queue: "writer", Type: "write-chapter", Payload: map[string]int{"chapter": 1}},
			{Queue: "writer", Type: "write-chapter", Payload: map[string]int{"chapter": 2}},
		},
	})
	if err != nil {
		t.Fatalf("AddFlow failed with %v", err)
	}
	if have, want := parent.PendingChildren, 2; have != want {
		t.Fatalf("PendingChildren = %d, want %d", have, want)
	}
	mustStart(t, m)

	for i := 0; i < 3; i++ {
		expect(t, succeededc, 2*time.Second, "Job completion")
	}
	select {
	case results := <-parentDone:
		if have, want := len(results), 2; have != want {
			t.Fatalf("len(ChildResults) = %d, want %d", have, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("parent timed out")
	}
}

// TestFlowWithDeadLetteredChild checks that a parent waits for a child
// that was moved to the dead letter queue until its replay completes.
func TestFlowWithDeadLetteredChild(t *testing.T) {
	m, _ := newTestManager(t)
	failed, failedc := signal(1)
	succeeded, succeededc := signal(2)
	m.testJobFailed = failed
	m.testJobSucceeded = succeeded

	var fail int32 = 1
	mustCreateQueue(t, m, QueueConfig{Name: "q"})
	m.Register("child", func(context.Context, *JobContext) (interface{}, error) {
		if atomic.LoadInt32(&fail) == 1 {
			return nil, Permanent(errors.New("render failed"))
		}
		return "ok", nil
	})
	m.Register("parent", func(context.Context, *JobContext) (interface{}, error) { return nil, nil })
	mustStart(t, m)

	ctx := context.Background()
	parent, err := m.AddFlow(ctx, Flow{
		Parent:   FlowJob{Queue: "q", Type: "parent"},
		Children: []FlowJob{{Queue: "q", Type: "child"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	expect(t, failedc, 2*time.Second, "Child failure")
	time.Sleep(50 * time.Millisecond)
	if have, want := lookupJob(t, m, parent.ID).State, Waiting; have != want {
		t.Fatalf("parent State = %q, want %q", have, want)
	}

	atomic.StoreInt32(&fail, 0)
	rsp, err := m.DeadLetters().List(ctx, "q", ListDeadLettersRequest{End: -1})
	if err != nil {
		t.Fatal(err)
	}
	replay, err := m.DeadLetters().Retry(ctx, "q", rsp.Records[0].ID, false)
	if err != nil {
		t.Fatalf("Retry failed with %v", err)
	}
	if have, want := replay.ParentID, parent.ID; have != want {
		t.Fatalf("ParentID = %q, want %q", have, want)
	}
	expect(t, succeededc, 2*time.Second, "Child completion")
	expect(t, succeededc, 2*time.Second, "Parent completion")
	if have, want := lookupJob(t, m, parent.ID).State, Completed; have != want {
		t.Fatalf("parent State = %q, want %q", have, want)
	}
}

func TestStartRecoversExpiredLeases(t *testing.T) {
	m, logs := newTestManager(t)
	succeeded, succeededc := signal(1)
	m.testJobSucceeded = succeeded

	mustCreateQueue(t, m, QueueConfig{Name: "q"})
	m.Register("topic", func(context.Context, *JobContext) (interface{}, error) { return nil, nil })
	stale := &Job{
		ID:          "stale",
		Queue:       "q",
		Type:        "topic",
		State:       Active,
		MaxAttempts: 3,
		LeaseToken:  "crashed-manager",
		LeaseUntil:  time.Now().Add(-time.Minute),
	}
	if err := m.st.Create(context.Background(), stale); err != nil {
		t.Fatal(err)
	}
	mustStart(t, m)
	expect(t, succeededc, 2*time.Second, "Job completion")
	if !logs.Contains("recovered jobs with expired leases") {
		t.Fatal("expected recovery to be logged")
	}
}

// TestCloseWithTimeoutReleasesJobs checks that jobs still running after the
// shutdown grace period are released back to their queue.
func TestCloseWithTimeoutReleasesJobs(t *testing.T) {
	m, _ := newTestManager(t)
	started, startedc := signal(1)
	m.testJobStarted = started

	mustCreateQueue(t, m, QueueConfig{Name: "q"})
	m.Register("topic", func(ctx context.Context, jc *JobContext) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	mustStart(t, m)

	job, err := m.AddJob(context.Background(), "q", "topic", nil)
	if err != nil {
		t.Fatal(err)
	}
	expect(t, startedc, 2*time.Second, "Job start")

	if err := m.CloseWithTimeout(20 * time.Millisecond); err == nil {
		t.Fatal("expected CloseWithTimeout to time out")
	}
	job = lookupJob(t, m, job.ID)
	if have, want := job.State, Waiting; have != want {
		t.Fatalf("State = %q, want %q", have, want)
	}
	if have, want := job.AttemptsMade, 0; have != want {
		t.Fatalf("AttemptsMade = %d, want %d", have, want)
	}
	if _, err := m.AddJob(context.Background(), "q", "topic", nil); err != ErrManagerClosed {
		t.Fatalf("AddJob after Close = %v, want %v", err, ErrManagerClosed)
	}
}
