// Package storetest contains the conformance tests every backend must pass.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	jobqueue "github.com/d1fmarketing/book-automation-sub010"
)

// Backend stores both jobs and dead letters.
type Backend interface {
	jobqueue.Store
	jobqueue.DeadLetterStore
}

// Run runs the conformance tests. newBackend must return a started, empty
// backend; it is closed by Run.
func Run(t *testing.T, newBackend func(t *testing.T) Backend) {
	tests := []struct {
		Name string
		Fn   func(*testing.T, Backend)
	}{
		{"CreateAndLookup", testCreateAndLookup},
		{"DuplicateCreate", testDuplicateCreate},
		{"LeaseOrder", testLeaseOrder},
		{"LeaseIsExclusive", testLeaseIsExclusive},
		{"UpdateChecksLease", testUpdateChecksLease},
		{"RecoverExpired", testRecoverExpired},
		{"ResolveChild", testResolveChild},
		{"ListAndStats", testListAndStats},
		{"Clean", testClean},
		{"DeadLetters", testDeadLetters},
	}
	for _, test := range tests {
		test := test
		t.Run(test.Name, func(t *testing.T) {
			st := newBackend(t)
			defer st.Close()
			test.Fn(t, st)
		})
	}
}

func newJob(queue string, opts ...func(*jobqueue.Job)) *jobqueue.Job {
	now := time.Now()
	job := &jobqueue.Job{
		ID:          uuid.New().String(),
		Queue:       queue,
		Type:        "topic",
		Payload:     json.RawMessage(`{"chapter":1}`),
		State:       jobqueue.Waiting,
		MaxAttempts: 3,
		Backoff:     jobqueue.Backoff{Type: jobqueue.FixedBackoff, Delay: time.Second},
		Timeout:     time.Minute,
		RunAt:       now.Add(-time.Second),
		Created:     now,
		Updated:     now,
	}
	for _, opt := range opts {
		opt(job)
	}
	return job
}

func mustCreate(t *testing.T, st Backend, jobs ...*jobqueue.Job) {
	t.Helper()
	for _, job := range jobs {
		if err := st.Create(context.Background(), job); err != nil {
			t.Fatalf("Create failed with %v", err)
		}
	}
}

func leaseRequest(workerID string) *jobqueue.LeaseRequest {
	return &jobqueue.LeaseRequest{
		WorkerID:       workerID,
		Token:          uuid.New().String(),
		Now:            time.Now(),
		DefaultTimeout: time.Minute,
		Margin:         time.Second,
	}
}

func testCreateAndLookup(t *testing.T, st Backend) {
	ctx := context.Background()
	job := newJob("q", func(j *jobqueue.Job) {
		j.Priority = 7
		j.ParentID = "parent"
		j.History = []jobqueue.Attempt{{Attempt: 1, WorkerID: "q:0", Error: "boom"}}
	})
	mustCreate(t, st, job)

	have, err := st.Lookup(ctx, job.ID)
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	if have.ID != job.ID || have.Queue != "q" || have.Type != "topic" || have.State != jobqueue.Waiting {
		t.Fatalf("Lookup = %+v, want %+v", have, job)
	}
	if have, want := string(have.Payload), `{"chapter":1}`; have != want {
		t.Fatalf("Payload = %s, want %s", have, want)
	}
	if have, want := have.Priority, 7; have != want {
		t.Fatalf("Priority = %d, want %d", have, want)
	}
	if have, want := have.Backoff, job.Backoff; have != want {
		t.Fatalf("Backoff = %+v, want %+v", have, want)
	}
	if have, want := have.Timeout, time.Minute; have != want {
		t.Fatalf("Timeout = %v, want %v", have, want)
	}
	if have, want := have.ParentID, "parent"; have != want {
		t.Fatalf("ParentID = %q, want %q", have, want)
	}
	if have, want := len(have.History), 1; have != want {
		t.Fatalf("len(History) = %d, want %d", have, want)
	}
	if _, err := st.Lookup(ctx, "missing"); err != jobqueue.ErrNotFound {
		t.Fatalf("Lookup = %v, want %v", err, jobqueue.ErrNotFound)
	}
}

func testDuplicateCreate(t *testing.T, st Backend) {
	job := newJob("q")
	mustCreate(t, st, job)
	if err := st.Create(context.Background(), newJob("q", func(j *jobqueue.Job) { j.ID = job.ID })); err != jobqueue.ErrDuplicateJob {
		t.Fatalf("Create = %v, want %v", err, jobqueue.ErrDuplicateJob)
	}
}

func testLeaseOrder(t *testing.T, st Backend) {
	ctx := context.Background()
	now := time.Now()
	low := newJob("q", func(j *jobqueue.Job) { j.RunAt = now.Add(-time.Hour) })
	high := newJob("q", func(j *jobqueue.Job) { j.Priority = 10 })
	later := newJob("q", func(j *jobqueue.Job) { j.RunAt = now.Add(-time.Millisecond) })
	future := newJob("q", func(j *jobqueue.Job) { j.RunAt = now.Add(time.Hour); j.Priority = 100 })
	blocked := newJob("q", func(j *jobqueue.Job) { j.PendingChildren = 1; j.Priority = 100 })
	other := newJob("other", func(j *jobqueue.Job) { j.Priority = 100 })
	delayed := newJob("q", func(j *jobqueue.Job) { j.State = jobqueue.Delayed; j.RunAt = now.Add(-time.Minute) })
	mustCreate(t, st, low, high, later, future, blocked, other, delayed)

	for i, want := range []*jobqueue.Job{high, low, delayed, later, nil} {
		req := leaseRequest("q:0")
		job, err := st.Lease(ctx, "q", req)
		if err != nil {
			t.Fatalf("#%d: Lease failed with %v", i, err)
		}
		if want == nil {
			if job != nil {
				t.Fatalf("#%d: Lease = %s, want none", i, job.ID)
			}
			continue
		}
		if job == nil {
			t.Fatalf("#%d: Lease = none, want %s", i, want.ID)
		}
		if have, want := job.ID, want.ID; have != want {
			t.Fatalf("#%d: Lease = %s, want %s", i, have, want)
		}
		if have, want := job.State, jobqueue.Active; have != want {
			t.Fatalf("#%d: State = %q, want %q", i, have, want)
		}
		if have, want := job.LeaseToken, req.Token; have != want {
			t.Fatalf("#%d: LeaseToken = %q, want %q", i, have, want)
		}
		if have, want := job.WorkerID, "q:0"; have != want {
			t.Fatalf("#%d: WorkerID = %q, want %q", i, have, want)
		}
		if job.LeaseUntil.Before(req.Now.Add(time.Minute)) {
			t.Fatalf("#%d: LeaseUntil = %v, want after %v", i, job.LeaseUntil, req.Now.Add(time.Minute))
		}
	}
}

func testLeaseIsExclusive(t *testing.T, st Backend) {
	const numJobs = 20
	ctx := context.Background()
	for i := 0; i < numJobs; i++ {
		mustCreate(t, st, newJob("q"))
	}

	var (
		mu     sync.Mutex
		leased = make(map[string]int)
		wg     sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for {
				job, err := st.Lease(ctx, "q", leaseRequest(fmt.Sprintf("q:%d", w)))
				if err != nil {
					t.Errorf("Lease failed with %v", err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				leased[job.ID]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	if have, want := len(leased), numJobs; have != want {
		t.Fatalf("leased jobs = %d, want %d", have, want)
	}
	for id, n := range leased {
		if n != 1 {
			t.Fatalf("job %s leased %d times", id, n)
		}
	}
}

func testUpdateChecksLease(t *testing.T, st Backend) {
	ctx := context.Background()
	mustCreate(t, st, newJob("q"))
	job, err := st.Lease(ctx, "q", leaseRequest("q:0"))
	if err != nil || job == nil {
		t.Fatalf("Lease = %v, %v", job, err)
	}

	stale := job.Clone()
	stale.LeaseToken = "someone-else"
	stale.State = jobqueue.Completed
	if err := st.Update(ctx, stale); err != jobqueue.ErrLeaseLost {
		t.Fatalf("Update = %v, want %v", err, jobqueue.ErrLeaseLost)
	}

	job.Progress = 50
	if err := st.Update(ctx, job); err != nil {
		t.Fatalf("Update failed with %v", err)
	}
	job.State = jobqueue.Completed
	job.Result = json.RawMessage(`{"words":1200}`)
	job.AttemptsMade = 1
	if err := st.Update(ctx, job); err != nil {
		t.Fatalf("Update failed with %v", err)
	}
	have, err := st.Lookup(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := have.State, jobqueue.Completed; have != want {
		t.Fatalf("State = %q, want %q", have, want)
	}
	if have.LeaseToken != "" {
		t.Fatalf("LeaseToken = %q, want none", have.LeaseToken)
	}
	if have, want := string(have.Result), `{"words":1200}`; have != want {
		t.Fatalf("Result = %s, want %s", have, want)
	}
	if have, want := have.AttemptsMade, 1; have != want {
		t.Fatalf("AttemptsMade = %d, want %d", have, want)
	}

	if err := st.Update(ctx, newJob("q")); err != jobqueue.ErrNotFound {
		t.Fatalf("Update = %v, want %v", err, jobqueue.ErrNotFound)
	}
}

func testRecoverExpired(t *testing.T, st Backend) {
	ctx := context.Background()
	expired := newJob("q", func(j *jobqueue.Job) { j.Timeout = time.Millisecond })
	mustCreate(t, st, newJob("q"), newJob("q"), expired)

	for i := 0; i < 3; i++ {
		job, err := st.Lease(ctx, "q", leaseRequest("q:0"))
		if err != nil || job == nil {
			t.Fatalf("#%d: Lease = %v, %v", i, job, err)
		}
	}

	// Leases expire after timeout plus a margin of one second.
	n, err := st.RecoverExpired(ctx, time.Now().Add(30*time.Second))
	if err != nil {
		t.Fatalf("RecoverExpired failed with %v", err)
	}
	if have, want := n, 1; have != want {
		t.Fatalf("RecoverExpired = %d, want %d", have, want)
	}
	job, err := st.Lookup(ctx, expired.ID)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := job.State, jobqueue.Waiting; have != want {
		t.Fatalf("State = %q, want %q", have, want)
	}
	if job.LeaseToken != "" {
		t.Fatalf("LeaseToken = %q, want none", job.LeaseToken)
	}
	job, err = st.Lease(ctx, "q", leaseRequest("q:1"))
	if err != nil || job == nil {
		t.Fatalf("Lease = %v, %v", job, err)
	}
	if have, want := job.ID, expired.ID; have != want {
		t.Fatalf("Lease = %s, want %s", have, want)
	}
}

func testResolveChild(t *testing.T, st Backend) {
	ctx := context.Background()
	parent := newJob("q", func(j *jobqueue.Job) { j.PendingChildren = 2 })
	mustCreate(t, st, parent)

	for i := 0; i < 2; i++ {
		job, err := st.Lease(ctx, "q", leaseRequest("q:0"))
		if err != nil {
			t.Fatal(err)
		}
		if job != nil {
			t.Fatalf("#%d: parent leased with pending children", i)
		}
		if err := st.ResolveChild(ctx, parent.ID); err != nil {
			t.Fatalf("ResolveChild failed with %v", err)
		}
	}
	job, err := st.Lookup(ctx, parent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := job.PendingChildren, 0; have != want {
		t.Fatalf("PendingChildren = %d, want %d", have, want)
	}
	job, err = st.Lease(ctx, "q", leaseRequest("q:0"))
	if err != nil || job == nil {
		t.Fatalf("Lease = %v, %v", job, err)
	}
	if err := st.ResolveChild(ctx, "missing"); err != jobqueue.ErrNotFound {
		t.Fatalf("ResolveChild = %v, want %v", err, jobqueue.ErrNotFound)
	}
}

func testListAndStats(t *testing.T, st Backend) {
	ctx := context.Background()
	now := time.Now()
	for i := 0; i < 5; i++ {
		i := i
		mustCreate(t, st, newJob("q", func(j *jobqueue.Job) {
			j.ID = fmt.Sprintf("job-%d", i)
			j.Updated = now.Add(time.Duration(i) * time.Second)
			if i%2 == 1 {
				j.State = jobqueue.Completed
			}
			if i == 4 {
				j.ParentID = "job-0"
			}
		}))
	}
	mustCreate(t, st, newJob("other", func(j *jobqueue.Job) { j.State = jobqueue.Failed }))

	rsp, err := st.List(ctx, &jobqueue.ListRequest{Queue: "q", Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("List failed with %v", err)
	}
	if have, want := rsp.Total, 5; have != want {
		t.Fatalf("Total = %d, want %d", have, want)
	}
	if have, want := len(rsp.Jobs), 2; have != want {
		t.Fatalf("len(Jobs) = %d, want %d", have, want)
	}
	if have, want := rsp.Jobs[0].ID, "job-3"; have != want {
		t.Fatalf("Jobs[0].ID = %q, want %q", have, want)
	}

	rsp, err = st.List(ctx, &jobqueue.ListRequest{Queue: "q", State: jobqueue.Completed})
	if err != nil {
		t.Fatal(err)
	}
	if have, want := rsp.Total, 2; have != want {
		t.Fatalf("Total = %d, want %d", have, want)
	}
	rsp, err = st.List(ctx, &jobqueue.ListRequest{ParentID: "job-0"})
	if err != nil {
		t.Fatal(err)
	}
	if have, want := rsp.Total, 1; have != want {
		t.Fatalf("Total = %d, want %d", have, want)
	}

	stats, err := st.Stats(ctx, &jobqueue.StatsRequest{Queue: "q"})
	if err != nil {
		t.Fatalf("Stats failed with %v", err)
	}
	if stats.Waiting != 3 || stats.Completed != 2 || stats.Failed != 0 {
		t.Fatalf("Stats = %+v", stats)
	}
	stats, err = st.Stats(ctx, &jobqueue.StatsRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if have, want := stats.Total(), 6; have != want {
		t.Fatalf("Total() = %d, want %d", have, want)
	}
}

func testClean(t *testing.T, st Backend) {
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)
	mustCreate(t, st,
		newJob("q", func(j *jobqueue.Job) { j.State = jobqueue.Completed; j.Updated = old }),
		newJob("q", func(j *jobqueue.Job) { j.State = jobqueue.Failed; j.Updated = old }),
		newJob("q", func(j *jobqueue.Job) { j.State = jobqueue.Completed }),
		newJob("q"),
		newJob("other", func(j *jobqueue.Job) { j.State = jobqueue.Completed; j.Updated = old }),
	)
	n, err := st.Clean(ctx, &jobqueue.CleanRequest{
		Queue:  "q",
		States: []string{jobqueue.Completed, jobqueue.Failed},
		Before: time.Now().Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("Clean failed with %v", err)
	}
	if have, want := n, 2; have != want {
		t.Fatalf("Clean = %d, want %d", have, want)
	}
	n, err = st.Clean(ctx, &jobqueue.CleanRequest{Queue: "q", States: []string{jobqueue.Waiting}})
	if err != nil {
		t.Fatal(err)
	}
	if have, want := n, 1; have != want {
		t.Fatalf("Clean = %d, want %d", have, want)
	}
	stats, err := st.Stats(ctx, &jobqueue.StatsRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if have, want := stats.Total(), 2; have != want {
		t.Fatalf("Total() = %d, want %d", have, want)
	}
}

func testDeadLetters(t *testing.T, st Backend) {
	ctx := context.Background()
	base := time.Now().Add(-48 * time.Hour)
	for i := 0; i < 4; i++ {
		queue := "q"
		if i == 3 {
			queue = "other"
		}
		r := &jobqueue.DeadLetter{
			ID:            fmt.Sprintf("dl-%d", i),
			JobID:         fmt.Sprintf("job-%d", i),
			Queue:         queue,
			Type:          "topic",
			Payload:       json.RawMessage(`{"chapter":1}`),
			MaxAttempts:   3,
			Backoff:       jobqueue.Backoff{Type: jobqueue.ExponentialBackoff, Delay: time.Second},
			Reason:        "boom",
			ErrorCode:     "boom",
			Stack:         "main.go:1",
			AttemptsMade:  3,
			FailedAt:      base.Add(time.Duration(i) * time.Hour),
			History:       []jobqueue.Attempt{{Attempt: 1}, {Attempt: 2}, {Attempt: 3}},
			EstimatedCost: 1.5,
			Status:        jobqueue.DeadLetterPending,
		}
		if err := st.CreateDeadLetter(ctx, r); err != nil {
			t.Fatalf("CreateDeadLetter failed with %v", err)
		}
	}

	r, err := st.LookupDeadLetter(ctx, "dl-1")
	if err != nil {
		t.Fatalf("LookupDeadLetter failed with %v", err)
	}
	if r.JobID != "job-1" || r.Queue != "q" || r.AttemptsMade != 3 || len(r.History) != 3 || r.EstimatedCost != 1.5 {
		t.Fatalf("LookupDeadLetter = %+v", r)
	}
	if have, want := r.Backoff.Type, jobqueue.ExponentialBackoff; have != want {
		t.Fatalf("Backoff.Type = %q, want %q", have, want)
	}
	if _, err := st.LookupDeadLetter(ctx, "missing"); err != jobqueue.ErrNotFound {
		t.Fatalf("LookupDeadLetter = %v, want %v", err, jobqueue.ErrNotFound)
	}

	r.Status = jobqueue.DeadLetterRetried
	r.RetryCount = 1
	r.RetryJobID = "job-9"
	r.RetriedAt = time.Now()
	if err := st.UpdateDeadLetter(ctx, r); err != nil {
		t.Fatalf("UpdateDeadLetter failed with %v", err)
	}
	if err := st.UpdateDeadLetter(ctx, &jobqueue.DeadLetter{ID: "missing"}); err != jobqueue.ErrNotFound {
		t.Fatalf("UpdateDeadLetter = %v, want %v", err, jobqueue.ErrNotFound)
	}

	r.Status = jobqueue.DeadLetterRetryFailed
	if err := st.UpdateDeadLetterIf(ctx, r, jobqueue.DeadLetterPending); err != jobqueue.ErrInvalidState {
		t.Fatalf("UpdateDeadLetterIf = %v, want %v", err, jobqueue.ErrInvalidState)
	}
	if err := st.UpdateDeadLetterIf(ctx, r, jobqueue.DeadLetterRetried); err != nil {
		t.Fatalf("UpdateDeadLetterIf failed with %v", err)
	}
	r.Status = jobqueue.DeadLetterRetried
	if err := st.UpdateDeadLetterIf(ctx, r, jobqueue.DeadLetterRetryFailed); err != nil {
		t.Fatalf("UpdateDeadLetterIf failed with %v", err)
	}
	if err := st.UpdateDeadLetterIf(ctx, r, jobqueue.DeadLetterRetryFailed); err != jobqueue.ErrInvalidState {
		t.Fatalf("UpdateDeadLetterIf = %v, want %v", err, jobqueue.ErrInvalidState)
	}
	if err := st.UpdateDeadLetterIf(ctx, &jobqueue.DeadLetter{ID: "missing"}, jobqueue.DeadLetterPending); err != jobqueue.ErrNotFound {
		t.Fatalf("UpdateDeadLetterIf = %v, want %v", err, jobqueue.ErrNotFound)
	}
	if r, err := st.LookupDeadLetter(ctx, "dl-1"); err != nil || r.Status != jobqueue.DeadLetterRetried || r.RetryJobID != "job-9" {
		t.Fatalf("LookupDeadLetter = %+v, %v", r, err)
	}

	rsp, err := st.ListDeadLetters(ctx, &jobqueue.DeadLetterListRequest{Queue: "q"})
	if err != nil {
		t.Fatalf("ListDeadLetters failed with %v", err)
	}
	if have, want := rsp.Total, 3; have != want {
		t.Fatalf("Total = %d, want %d", have, want)
	}
	if have, want := rsp.Records[0].ID, "dl-2"; have != want {
		t.Fatalf("Records[0].ID = %q, want %q", have, want)
	}
	rsp, err = st.ListDeadLetters(ctx, &jobqueue.DeadLetterListRequest{Queue: "q", Status: jobqueue.DeadLetterPending, Ascending: true, Limit: 1, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if have, want := rsp.Total, 2; have != want {
		t.Fatalf("Total = %d, want %d", have, want)
	}
	if have, want := len(rsp.Records), 1; have != want {
		t.Fatalf("len(Records) = %d, want %d", have, want)
	}
	if have, want := rsp.Records[0].ID, "dl-2"; have != want {
		t.Fatalf("Records[0].ID = %q, want %q", have, want)
	}

	n, err := st.DeleteDeadLetters(ctx, base.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("DeleteDeadLetters failed with %v", err)
	}
	if have, want := n, 2; have != want {
		t.Fatalf("DeleteDeadLetters = %d, want %d", have, want)
	}
	rsp, err = st.ListDeadLetters(ctx, &jobqueue.DeadLetterListRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if have, want := rsp.Total, 2; have != want {
		t.Fatalf("Total = %d, want %d", have, want)
	}
}
