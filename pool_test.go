// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestScaleUp(t *testing.T) {
	m, _ := newTestManager(t)
	mustCreateQueue(t, m, QueueConfig{Name: "q", Workers: 1, ConcurrencyPerWorker: 2})
	mustStart(t, m)

	if err := m.ScaleWorkers("q", 3); err != nil {
		t.Fatalf("ScaleWorkers failed with %v", err)
	}
	workers := m.Workers()
	if have, want := len(workers), 3; have != want {
		t.Fatalf("len(Workers()) = %d, want %d", have, want)
	}
	for i, w := range workers {
		if have, want := w.Index, i; have != want {
			t.Fatalf("Index = %d, want %d", have, want)
		}
		if have, want := w.Concurrency, 2; have != want {
			t.Fatalf("Concurrency = %d, want %d", have, want)
		}
	}
	stats, err := m.QueueStats(context.Background(), "q")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := stats.Workers.Capacity, 6; have != want {
		t.Fatalf("Capacity = %d, want %d", have, want)
	}

	if err := m.ScaleWorkers("q", -1); err == nil {
		t.Fatal("expected ScaleWorkers to fail")
	}
	if err := m.ScaleWorkers("unknown", 1); err != ErrUnknownQueue {
		t.Fatalf("ScaleWorkers = %v, want %v", err, ErrUnknownQueue)
	}
}

// TestScaleDownDrainsGracefully removes a busy worker. Its job must
// complete under the removed worker.
func TestScaleDownDrainsGracefully(t *testing.T) {
	m, _ := newTestManager(t)
	started, startedc := signal(1)
	succeeded, succeededc := signal(1)
	m.testJobStarted = started
	m.testJobSucceeded = succeeded

	release := make(chan struct{})
	mustCreateQueue(t, m, QueueConfig{Name: "q", Workers: 1, ConcurrencyPerWorker: 1})
	m.Register("topic", func(context.Context, *JobContext) (interface{}, error) {
		<-release
		return "done", nil
	})
	mustStart(t, m)

	job, err := m.AddJob(context.Background(), "q", "topic", nil)
	if err != nil {
		t.Fatal(err)
	}
	expect(t, startedc, 2*time.Second, "Job start")

	if err := m.ScaleWorkers("q", 0); err != nil {
		t.Fatalf("ScaleWorkers failed with %v", err)
	}
	workers := m.Workers()
	if have, want := len(workers), 1; have != want {
		t.Fatalf("len(Workers()) = %d, want %d", have, want)
	}
	if !workers[0].Draining {
		t.Fatal("expected removed worker to be draining")
	}
	if have, want := len(workers[0].Active), 1; have != want {
		t.Fatalf("len(Active) = %d, want %d", have, want)
	}

	close(release)
	expect(t, succeededc, 2*time.Second, "Job completion")
	job = lookupJob(t, m, job.ID)
	if have, want := job.State, Completed; have != want {
		t.Fatalf("State = %q, want %q", have, want)
	}
	waitFor(t, 2*time.Second, "worker to retire", func() bool {
		return len(m.Workers()) == 0
	})
}

// TestScaleDownReleasesAfterDrainTimeout removes a worker whose job does
// not finish within the drain timeout. The job must be released and picked
// up again without counting the aborted attempt, even though it reported
// progress and has a single attempt only.
func TestScaleDownReleasesAfterDrainTimeout(t *testing.T) {
	m, logs := newTestManager(t, SetDrainTimeout(20*time.Millisecond))
	started, startedc := signal(2)
	succeeded, succeededc := signal(1)
	m.testJobStarted = started
	m.testJobSucceeded = succeeded

	var calls int32
	mustCreateQueue(t, m, QueueConfig{Name: "q", Workers: 1, ConcurrencyPerWorker: 1, MaxAttempts: 1})
	m.Register("topic", func(ctx context.Context, jc *JobContext) (interface{}, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			if err := jc.UpdateProgress(ctx, 10); err != nil {
				t.Errorf("UpdateProgress failed with %v", err)
			}
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return "done", nil
	})
	mustStart(t, m)

	job, err := m.AddJob(context.Background(), "q", "topic", nil)
	if err != nil {
		t.Fatal(err)
	}
	expect(t, startedc, 2*time.Second, "1st job start")

	if err := m.ScaleWorkers("q", 0); err != nil {
		t.Fatalf("ScaleWorkers failed with %v", err)
	}
	waitFor(t, 2*time.Second, "job release", func() bool {
		return lookupJob(t, m, job.ID).State == Waiting
	})
	if have, want := lookupJob(t, m, job.ID).AttemptsMade, 0; have != want {
		t.Fatalf("AttemptsMade = %d, want %d", have, want)
	}
	if !logs.Contains("drain timeout") {
		t.Fatal("expected drain timeout to be logged")
	}

	if err := m.ScaleWorkers("q", 1); err != nil {
		t.Fatalf("ScaleWorkers failed with %v", err)
	}
	expect(t, startedc, 2*time.Second, "2nd job start")
	expect(t, succeededc, 2*time.Second, "Job completion")
	job = lookupJob(t, m, job.ID)
	if have, want := job.State, Completed; have != want {
		t.Fatalf("State = %q, want %q", have, want)
	}
	if have, want := job.AttemptsMade, 1; have != want {
		t.Fatalf("AttemptsMade = %d, want %d", have, want)
	}
}

// TestCrashedWorkerIsReplaced injects a fault into a slot loop. The slot
// must be replaced and the job processed.
func TestCrashedWorkerIsReplaced(t *testing.T) {
	m, logs := newTestManager(t)
	replaced, replacedc := signal(1)
	succeeded, succeededc := signal(1)
	m.testWorkerReplaced = replaced
	m.testJobSucceeded = succeeded

	var faults int32
	m.testWorkerFault = func(workerID string, slot int) {
		if atomic.AddInt32(&faults, 1) == 1 {
			panic("corrupted slot state")
		}
	}

	mustCreateQueue(t, m, QueueConfig{Name: "q", Workers: 1, ConcurrencyPerWorker: 1})
	m.Register("topic", func(context.Context, *JobContext) (interface{}, error) { return nil, nil })
	mustStart(t, m)

	job, err := m.AddJob(context.Background(), "q", "topic", nil)
	if err != nil {
		t.Fatal(err)
	}
	expect(t, replacedc, 2*time.Second, "Worker replacement")
	expect(t, succeededc, 2*time.Second, "Job completion")

	if !logs.Contains("worker replaced") {
		t.Fatal("expected replacement to be logged")
	}
	job = lookupJob(t, m, job.ID)
	if have, want := job.AttemptsMade, 1; have != want {
		t.Fatalf("AttemptsMade = %d, want %d", have, want)
	}
	if have, want := len(m.Workers()), 1; have != want {
		t.Fatalf("len(Workers()) = %d, want %d", have, want)
	}
}

func TestPoolStatsReportSaturation(t *testing.T) {
	m, logs := newTestManager(t, SetSaturationWindow(0))
	started, startedc := signal(2)
	m.testJobStarted = started

	release := make(chan struct{})
	mustCreateQueue(t, m, QueueConfig{Name: "q", Workers: 1, ConcurrencyPerWorker: 2})
	m.Register("topic", func(context.Context, *JobContext) (interface{}, error) {
		<-release
		return nil, nil
	})
	mustStart(t, m)
	defer close(release)

	for i := 0; i < 2; i++ {
		if _, err := m.AddJob(context.Background(), "q", "topic", nil); err != nil {
			t.Fatal(err)
		}
	}
	expect(t, startedc, 2*time.Second, "1st job start")
	expect(t, startedc, 2*time.Second, "2nd job start")

	stats, err := m.QueueStats(context.Background(), "q")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := stats.Workers.Active, 2; have != want {
		t.Fatalf("Active = %d, want %d", have, want)
	}
	if have, want := stats.Workers.Utilization, 1.0; have != want {
		t.Fatalf("Utilization = %v, want %v", have, want)
	}
	if !stats.Workers.Saturated {
		t.Fatal("expected workers to be saturated")
	}
	if !logs.Contains("workers saturated") {
		t.Fatal("expected saturation to be logged")
	}
}
