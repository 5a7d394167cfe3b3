// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// recordingNotifier remembers all notifications.
type recordingNotifier struct {
	mu    sync.Mutex
	notes []Notification
}

func (n *recordingNotifier) Notify(ctx context.Context, note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
	return nil
}

func (n *recordingNotifier) count(event string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	var c int
	for _, note := range n.notes {
		if note.Event == event {
			c++
		}
	}
	return c
}

// failingDeadLetterStore fails to create records until healthy is set.
type failingDeadLetterStore struct {
	*InMemoryStore
	healthy *int32
}

func (st failingDeadLetterStore) CreateDeadLetter(ctx context.Context, r *DeadLetter) error {
	if st.healthy != nil && atomic.LoadInt32(st.healthy) == 1 {
		return st.InMemoryStore.CreateDeadLetter(ctx, r)
	}
	return errors.New("disk full")
}

func createDeadLetters(t *testing.T, m *Manager, queue, typ string, n int, failedAt time.Time) []*DeadLetter {
	t.Helper()
	var records []*DeadLetter
	for i := 0; i < n; i++ {
		r := &DeadLetter{
			ID:          fmt.Sprintf("%s-%02d", queue, i),
			JobID:       fmt.Sprintf("job-%s-%02d", queue, i),
			Queue:       queue,
			Type:        typ,
			Payload:     json.RawMessage(fmt.Sprintf(`{"chapter":%d}`, i)),
			MaxAttempts: 3,
			Reason:      "boom",
			ErrorCode:   "boom",
			Status:      DeadLetterPending,
			FailedAt:    failedAt.Add(time.Duration(i) * time.Second),
		}
		if err := m.dls.CreateDeadLetter(context.Background(), r); err != nil {
			t.Fatal(err)
		}
		records = append(records, r)
	}
	return records
}

func TestDeadLetterRetry(t *testing.T) {
	m, _ := newTestManager(t)
	failed, failedc := signal(1)
	succeeded, succeededc := signal(1)
	m.testJobFailed = failed
	m.testJobSucceeded = succeeded

	var fail int32 = 1
	var replayed atomic.Value
	mustCreateQueue(t, m, QueueConfig{Name: "writer", MaxAttempts: 2})
	m.Register("write-chapter", func(ctx context.Context, jc *JobContext) (interface{}, error) {
		if atomic.LoadInt32(&fail) == 1 {
			return nil, errors.New("model unavailable")
		}
		replayed.Store(string(jc.Payload()))
		return nil, nil
	})
	mustStart(t, m)

	ctx := context.Background()
	job, err := m.AddJob(ctx, "writer", "write-chapter", map[string]interface{}{"chapter": 1, "title": "Intro"}, WithPriority(3))
	if err != nil {
		t.Fatal(err)
	}
	expect(t, failedc, 2*time.Second, "Job failure")

	rsp, err := m.DeadLetters().List(ctx, "writer", ListDeadLettersRequest{End: -1})
	if err != nil {
		t.Fatal(err)
	}
	r := rsp.Records[0]
	if have, want := r.JobID, job.ID; have != want {
		t.Fatalf("JobID = %q, want %q", have, want)
	}
	if !r.CanRetry() {
		t.Fatal("expected CanRetry to be true")
	}

	atomic.StoreInt32(&fail, 0)
	replay, err := m.DeadLetters().Retry(ctx, "writer", r.ID, false)
	if err != nil {
		t.Fatalf("Retry failed with %v", err)
	}
	if have, want := replay.DeadLetterID, r.ID; have != want {
		t.Fatalf("DeadLetterID = %q, want %q", have, want)
	}
	if have, want := replay.Priority, 3; have != want {
		t.Fatalf("Priority = %d, want %d", have, want)
	}
	if have, want := replay.MaxAttempts, 2; have != want {
		t.Fatalf("MaxAttempts = %d, want %d", have, want)
	}
	expect(t, succeededc, 2*time.Second, "Replay completion")

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(replayed.Load().(string)), &payload); err != nil {
		t.Fatal(err)
	}
	if have, want := payload["_retryCount"], 1.0; have != want {
		t.Fatalf("_retryCount = %v, want %v", have, want)
	}
	if have, want := payload["chapter"], 1.0; have != want {
		t.Fatalf("chapter = %v, want %v", have, want)
	}
	if have, want := payload["title"], "Intro"; have != want {
		t.Fatalf("title = %v, want %v", have, want)
	}

	r, err = m.DeadLetters().Lookup(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := r.Status, DeadLetterRetried; have != want {
		t.Fatalf("Status = %q, want %q", have, want)
	}
	if have, want := r.RetryCount, 1; have != want {
		t.Fatalf("RetryCount = %d, want %d", have, want)
	}
	if have, want := r.RetryJobID, replay.ID; have != want {
		t.Fatalf("RetryJobID = %q, want %q", have, want)
	}

	if _, err := m.DeadLetters().Retry(ctx, "other", r.ID, false); err != ErrNotFound {
		t.Fatalf("Retry in other queue = %v, want %v", err, ErrNotFound)
	}
	if _, err := m.DeadLetters().Retry(ctx, "writer", r.ID, false); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Retry of retried record = %v, want %v", err, ErrInvalidState)
	}
}

// TestDeadLetterRetryFailed replays a job that fails again. The original
// record must be marked retry-failed instead of creating a second record.
func TestDeadLetterRetryFailed(t *testing.T) {
	m, _ := newTestManager(t)
	failed, failedc := signal(2)
	m.testJobFailed = failed

	mustCreateQueue(t, m, QueueConfig{Name: "q", MaxAttempts: 1})
	m.Register("topic", func(context.Context, *JobContext) (interface{}, error) {
		return nil, errors.New("still broken")
	})
	mustStart(t, m)

	ctx := context.Background()
	if _, err := m.AddJob(ctx, "q", "topic", map[string]int{"chapter": 1}); err != nil {
		t.Fatal(err)
	}
	expect(t, failedc, 2*time.Second, "Job failure")

	rsp, err := m.DeadLetters().List(ctx, "q", ListDeadLettersRequest{End: -1})
	if err != nil {
		t.Fatal(err)
	}
	id := rsp.Records[0].ID
	if _, err := m.DeadLetters().Retry(ctx, "q", id, false); err != nil {
		t.Fatalf("Retry failed with %v", err)
	}
	expect(t, failedc, 2*time.Second, "Replay failure")

	rsp, err = m.DeadLetters().List(ctx, "q", ListDeadLettersRequest{End: -1})
	if err != nil {
		t.Fatal(err)
	}
	if have, want := rsp.Total, 1; have != want {
		t.Fatalf("dead letters = %d, want %d", have, want)
	}
	r := rsp.Records[0]
	if have, want := r.Status, DeadLetterRetryFailed; have != want {
		t.Fatalf("Status = %q, want %q", have, want)
	}
	if r.CanRetry() {
		t.Fatal("expected CanRetry to be false")
	}
	raw, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(raw, []byte(`"canRetry":false`)) {
		t.Fatalf("expected canRetry in JSON, have %s", raw)
	}

	if _, err := m.DeadLetters().Retry(ctx, "q", id, false); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Retry = %v, want %v", err, ErrInvalidState)
	}
	replay, err := m.DeadLetters().Retry(ctx, "q", id, true)
	if err != nil {
		t.Fatalf("forced Retry failed with %v", err)
	}
	var payload map[string]int
	if err := json.Unmarshal(replay.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if have, want := payload["_retryCount"], 2; have != want {
		t.Fatalf("_retryCount = %d, want %d", have, want)
	}
}

// TestDeadLetterReplayResolvesParentOnce retries a dead-lettered flow child
// twice. Only the first replay may count towards the parent.
func TestDeadLetterReplayResolvesParentOnce(t *testing.T) {
	m, _ := newTestManager(t)
	failed, failedc := signal(1)
	succeeded, succeededc := signal(4)
	m.testJobFailed = failed
	m.testJobSucceeded = succeeded

	var fail int32 = 1
	mustCreateQueue(t, m, QueueConfig{Name: "q", MaxAttempts: 1})
	mustCreateQueue(t, m, QueueConfig{Name: "slow"})
	if err := m.PauseQueue("slow"); err != nil {
		t.Fatal(err)
	}
	m.Register("chapter", func(context.Context, *JobContext) (interface{}, error) {
		if atomic.LoadInt32(&fail) == 1 {
			return nil, errors.New("render failed")
		}
		return "ok", nil
	})
	m.Register("book", func(context.Context, *JobContext) (interface{}, error) { return nil, nil })
	mustStart(t, m)

	ctx := context.Background()
	parent, err := m.AddFlow(ctx, Flow{
		Parent: FlowJob{Queue: "q", Type: "book"},
		Children: []FlowJob{
			{Queue: "q", Type: "chapter"},
			{Queue: "slow", Type: "chapter"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	expect(t, failedc, 2*time.Second, "Child failure")

	atomic.StoreInt32(&fail, 0)
	rsp, err := m.DeadLetters().List(ctx, "q", ListDeadLettersRequest{End: -1})
	if err != nil {
		t.Fatal(err)
	}
	id := rsp.Records[0].ID
	if have, want := rsp.Records[0].ParentID, parent.ID; have != want {
		t.Fatalf("ParentID = %q, want %q", have, want)
	}
	first, err := m.DeadLetters().Retry(ctx, "q", id, false)
	if err != nil {
		t.Fatalf("Retry failed with %v", err)
	}
	if have, want := first.ParentID, parent.ID; have != want {
		t.Fatalf("ParentID = %q, want %q", have, want)
	}
	second, err := m.DeadLetters().Retry(ctx, "q", id, true)
	if err != nil {
		t.Fatalf("forced Retry failed with %v", err)
	}
	if have := second.ParentID; have != "" {
		t.Fatalf("ParentID of second replay = %q, want none", have)
	}
	expect(t, succeededc, 2*time.Second, "First replay completion")
	expect(t, succeededc, 2*time.Second, "Second replay completion")
	time.Sleep(50 * time.Millisecond)

	p := lookupJob(t, m, parent.ID)
	if have, want := p.State, Waiting; have != want {
		t.Fatalf("parent State = %q, want %q", have, want)
	}
	if have, want := p.PendingChildren, 1; have != want {
		t.Fatalf("PendingChildren = %d, want %d", have, want)
	}

	if err := m.ResumeQueue("slow"); err != nil {
		t.Fatal(err)
	}
	expect(t, succeededc, 2*time.Second, "Second child completion")
	expect(t, succeededc, 2*time.Second, "Parent completion")
	if have, want := lookupJob(t, m, parent.ID).State, Completed; have != want {
		t.Fatalf("parent State = %q, want %q", have, want)
	}
}

// TestDeadLetterConcurrentRetry retries the same record from several
// goroutines. Exactly one of them may replay it.
func TestDeadLetterConcurrentRetry(t *testing.T) {
	m, _ := newTestManager(t)
	mustCreateQueue(t, m, QueueConfig{Name: "q"})
	m.Register("topic", func(context.Context, *JobContext) (interface{}, error) { return nil, nil })
	records := createDeadLetters(t, m, "q", "topic", 1, time.Now())

	const n = 8
	var (
		wg        sync.WaitGroup
		succeeded int32
		conflicts int32
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := m.DeadLetters().Retry(context.Background(), "q", records[0].ID, false)
			switch {
			case err == nil:
				atomic.AddInt32(&succeeded, 1)
			case errors.Is(err, ErrInvalidState):
				atomic.AddInt32(&conflicts, 1)
			default:
				t.Errorf("Retry failed with %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if have, want := atomic.LoadInt32(&succeeded), int32(1); have != want {
		t.Fatalf("successful retries = %d, want %d", have, want)
	}
	if have, want := atomic.LoadInt32(&conflicts), int32(n-1); have != want {
		t.Fatalf("conflicts = %d, want %d", have, want)
	}
	r, err := m.DeadLetters().Lookup(context.Background(), records[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := r.RetryCount, 1; have != want {
		t.Fatalf("RetryCount = %d, want %d", have, want)
	}
	jobs, err := m.st.List(context.Background(), &ListRequest{Queue: "q"})
	if err != nil {
		t.Fatal(err)
	}
	if have, want := jobs.Total, 1; have != want {
		t.Fatalf("jobs = %d, want %d", have, want)
	}
}

// TestDeadLetterRetryAll retries 23 records in batches of 10.
func TestDeadLetterRetryAll(t *testing.T) {
	m, _ := newTestManager(t)
	mustCreateQueue(t, m, QueueConfig{Name: "q"})
	m.Register("topic", func(context.Context, *JobContext) (interface{}, error) { return nil, nil })

	createDeadLetters(t, m, "q", "topic", 21, time.Now().Add(-time.Hour))
	createDeadLetters(t, m, "other", "topic", 3, time.Now().Add(-time.Hour))
	// Records without a registered processor cannot be retried
	createDeadLetters(t, m, "q", "unregistered", 2, time.Now())

	res, err := m.DeadLetters().RetryAll(context.Background(), "q", RetryAllOptions{BatchSize: 10, Delay: time.Millisecond})
	if err != nil {
		t.Fatalf("RetryAll failed with %v", err)
	}
	if have, want := res.Total, 23; have != want {
		t.Fatalf("Total = %d, want %d", have, want)
	}
	if have, want := res.Batches, 3; have != want {
		t.Fatalf("Batches = %d, want %d", have, want)
	}
	if have, want := res.Successful+res.Failed, res.Total; have != want {
		t.Fatalf("Successful+Failed = %d, want %d", have, want)
	}
	if have, want := res.Failed, 2; have != want {
		t.Fatalf("Failed = %d, want %d", have, want)
	}
	if have, want := len(res.Errors), 2; have != want {
		t.Fatalf("len(Errors) = %d, want %d", have, want)
	}

	stats, err := m.QueueStats(context.Background(), "q")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := stats.Jobs.Waiting, 21; have != want {
		t.Fatalf("Waiting = %d, want %d", have, want)
	}
}

func TestDeadLetterList(t *testing.T) {
	m, _ := newTestManager(t)
	base := time.Now().Add(-time.Hour)
	createDeadLetters(t, m, "q", "topic", 5, base)
	ctx := context.Background()

	tests := []struct {
		Request  ListDeadLettersRequest
		Expected []string
	}{
		{ListDeadLettersRequest{Start: 0, End: -1}, []string{"q-04", "q-03", "q-02", "q-01", "q-00"}},
		{ListDeadLettersRequest{Start: 0, End: 1}, []string{"q-04", "q-03"}},
		{ListDeadLettersRequest{Start: 1, End: 2, Order: "asc"}, []string{"q-01", "q-02"}},
		{ListDeadLettersRequest{Start: 4, End: 10, Order: "asc"}, []string{"q-04"}},
		{ListDeadLettersRequest{Start: 3, End: 2}, nil},
	}
	for i, test := range tests {
		rsp, err := m.DeadLetters().List(ctx, "q", test.Request)
		if err != nil {
			t.Fatalf("#%d: List failed with %v", i, err)
		}
		if have, want := len(rsp.Records), len(test.Expected); have != want {
			t.Fatalf("#%d: len(Records) = %d, want %d", i, have, want)
		}
		for j, r := range rsp.Records {
			if have, want := r.ID, test.Expected[j]; have != want {
				t.Fatalf("#%d: Records[%d].ID = %q, want %q", i, j, have, want)
			}
		}
	}
}

func TestDeadLetterCleanup(t *testing.T) {
	m, _ := newTestManager(t)
	createDeadLetters(t, m, "q", "topic", 3, time.Now().Add(-10*24*time.Hour))
	createDeadLetters(t, m, "r", "topic", 2, time.Now().Add(-24*time.Hour))
	ctx := context.Background()

	n, err := m.DeadLetters().Cleanup(ctx, 7)
	if err != nil {
		t.Fatalf("Cleanup failed with %v", err)
	}
	if have, want := n, 3; have != want {
		t.Fatalf("Cleanup = %d, want %d", have, want)
	}
	rsp, err := m.dls.ListDeadLetters(ctx, &DeadLetterListRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if have, want := rsp.Total, 2; have != want {
		t.Fatalf("remaining = %d, want %d", have, want)
	}
	if _, err := m.DeadLetters().Cleanup(ctx, -1); err == nil {
		t.Fatal("expected Cleanup with negative retention to fail")
	}
}

// TestDeadLetterRecurringFailure moves 10 jobs with the same error into the
// dead letter queue and expects a single recurring failure alert.
func TestDeadLetterRecurringFailure(t *testing.T) {
	notifier := &recordingNotifier{}
	m, _ := newTestManager(t, SetNotifiers(notifier), SetCost("write-chapter", 0.25))

	var recurring []Event
	var mu sync.Mutex
	m.Subscribe(func(e Event) {
		if e.Type == EventRecurringFailure {
			mu.Lock()
			recurring = append(recurring, e)
			mu.Unlock()
		}
	})

	ctx := context.Background()
	for i := 0; i < 12; i++ {
		job := &Job{
			ID:           fmt.Sprintf("job-%d", i),
			Queue:        "writer",
			Type:         "write-chapter",
			AttemptsMade: 2,
			MaxAttempts:  2,
		}
		if _, err := m.DeadLetters().Move(ctx, job, fmt.Errorf("rate limited for %d seconds", i+10)); err != nil {
			t.Fatalf("Move failed with %v", err)
		}
	}
	m.DeadLetters().wait()

	mu.Lock()
	if have, want := len(recurring), 1; have != want {
		t.Fatalf("recurring failures = %d, want %d", have, want)
	}
	if have, want := recurring[0].Count, 10; have != want {
		t.Fatalf("Count = %d, want %d", have, want)
	}
	mu.Unlock()
	if have, want := notifier.count(NotifyDeadLetter), 12; have != want {
		t.Fatalf("dead letter notifications = %d, want %d", have, want)
	}
	if have, want := notifier.count(NotifyRecurringFailure), 1; have != want {
		t.Fatalf("recurring failure notifications = %d, want %d", have, want)
	}

	patterns := m.DeadLetters().Patterns()
	if have, want := len(patterns), 1; have != want {
		t.Fatalf("len(Patterns) = %d, want %d", have, want)
	}
	if have, want := patterns[0].ErrorCode, "rate limited for # seconds"; have != want {
		t.Fatalf("ErrorCode = %q, want %q", have, want)
	}
	if have, want := len(patterns[0].Examples), maxPatternExamples; have != want {
		t.Fatalf("len(Examples) = %d, want %d", have, want)
	}
	if have, want := patterns[0].Examples[maxPatternExamples-1], "job-11"; have != want {
		t.Fatalf("last example = %q, want %q", have, want)
	}

	stats, err := m.DeadLetters().Statistics(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := stats.Total, 12; have != want {
		t.Fatalf("Total = %d, want %d", have, want)
	}
	if have, want := stats.Queues["writer"].Pending, 12; have != want {
		t.Fatalf("Pending = %d, want %d", have, want)
	}
	if have, want := stats.EstimatedCost, 12*2*0.25; have != want {
		t.Fatalf("EstimatedCost = %v, want %v", have, want)
	}
}

func TestDeadLetterMoveFailsLoudly(t *testing.T) {
	st := failingDeadLetterStore{InMemoryStore: NewInMemoryStore()}
	m, logs := newTestManager(t, SetStore(st.InMemoryStore), SetDeadLetterStore(st))

	job := &Job{ID: "job-1", Queue: "q", Type: "topic", AttemptsMade: 1, MaxAttempts: 1}
	_, err := m.DeadLetters().Move(context.Background(), job, errors.New("boom"))
	if err == nil {
		t.Fatal("expected Move to fail")
	}
	if !logs.Contains("error writing dead letter") {
		t.Fatal("expected failure to be logged")
	}
}

// TestJobStaysRecoverableWhenDeadLetterWriteFails lets the dead letter
// store fail while a job runs out of attempts. The job must not be
// committed as failed without a record; once the store recovers, the job
// is moved without running its processor again.
func TestJobStaysRecoverableWhenDeadLetterWriteFails(t *testing.T) {
	var healthy int32
	st := failingDeadLetterStore{InMemoryStore: NewInMemoryStore(), healthy: &healthy}
	m, logs := newTestManager(t, SetStore(st.InMemoryStore), SetDeadLetterStore(st))
	failed, failedc := signal(1)
	m.testJobFailed = failed

	var calls int32
	mustCreateQueue(t, m, QueueConfig{Name: "q", MaxAttempts: 1})
	m.Register("topic", func(context.Context, *JobContext) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("model overloaded")
	})
	mustStart(t, m)

	ctx := context.Background()
	job, err := m.AddJob(ctx, "q", "topic", nil)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, "dead letter write failure", func() bool {
		return logs.Contains("error moving job to dead letter queue")
	})
	if state := lookupJob(t, m, job.ID).State; state == Failed {
		t.Fatalf("State = %q without a dead letter", state)
	}

	atomic.StoreInt32(&healthy, 1)
	expect(t, failedc, 2*time.Second, "Job failure")

	job = lookupJob(t, m, job.ID)
	if have, want := job.State, Failed; have != want {
		t.Fatalf("State = %q, want %q", have, want)
	}
	if have, want := atomic.LoadInt32(&calls), int32(1); have != want {
		t.Fatalf("calls = %d, want %d", have, want)
	}
	rsp, err := m.DeadLetters().List(ctx, "q", ListDeadLettersRequest{End: -1})
	if err != nil {
		t.Fatal(err)
	}
	if have, want := rsp.Total, 1; have != want {
		t.Fatalf("dead letters = %d, want %d", have, want)
	}
	if have, want := rsp.Records[0].Reason, "model overloaded"; have != want {
		t.Fatalf("Reason = %q, want %q", have, want)
	}
}

func TestDeadLetterExport(t *testing.T) {
	m, _ := newTestManager(t)
	createDeadLetters(t, m, "q", "topic", 2, time.Now().Add(-time.Hour))
	createDeadLetters(t, m, "r", "topic", 1, time.Now().Add(-time.Hour))
	ctx := context.Background()

	var buf bytes.Buffer
	if err := m.DeadLetters().Export(ctx, &buf, ExportJSON, ExportOptions{Queue: "q"}); err != nil {
		t.Fatalf("Export failed with %v", err)
	}
	var records []map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &records); err != nil {
		t.Fatal(err)
	}
	if have, want := len(records), 2; have != want {
		t.Fatalf("len(records) = %d, want %d", have, want)
	}
	if _, found := records[0]["payload"]; found {
		t.Fatal("expected payload to be omitted")
	}

	buf.Reset()
	if err := m.DeadLetters().Export(ctx, &buf, ExportCSV, ExportOptions{IncludePayload: true}); err != nil {
		t.Fatalf("Export failed with %v", err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(rows), 4; have != want {
		t.Fatalf("len(rows) = %d, want %d", have, want)
	}
	if have, want := rows[0][len(rows[0])-1], "payload"; have != want {
		t.Fatalf("last column = %q, want %q", have, want)
	}
	if have, want := rows[1][len(rows[1])-1], `{"chapter":0}`; have != want {
		t.Fatalf("payload = %q, want %q", have, want)
	}

	if err := m.DeadLetters().Export(ctx, &buf, "xml", ExportOptions{}); err == nil {
		t.Fatal("expected Export to fail for unknown format")
	}
}

func TestWithRetryCount(t *testing.T) {
	tests := []struct {
		Payload  string
		N        int
		Expected string
	}{
		{``, 1, ``},
		{`"text"`, 1, `"text"`},
		{`[1,2]`, 1, `[1,2]`},
		{`null`, 1, `null`},
		{`{}`, 1, `{"_retryCount":1}`},
		{`{"a":1,"_retryCount":1}`, 2, `{"_retryCount":2,"a":1}`},
	}
	for i, test := range tests {
		raw, err := withRetryCount(json.RawMessage(test.Payload), test.N)
		if err != nil {
			t.Fatalf("#%d: withRetryCount failed with %v", i, err)
		}
		if have, want := string(raw), test.Expected; have != want {
			t.Fatalf("#%d: payload = %s, want %s", i, have, want)
		}
	}
}
