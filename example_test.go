package jobqueue_test

import (
	"context"
	"fmt"
	"io"
	"time"

	jobqueue "github.com/d1fmarketing/book-automation-sub010"
)

func ExampleManager() {
	// Create a new manager that logs nowhere
	m := jobqueue.New(
		jobqueue.SetLogger(jobqueue.NewLogger(io.Discard, false)),
		jobqueue.SetPollInterval(10*time.Millisecond),
	)

	// Create a queue with 2 workers and 5 jobs in flight per worker
	_, err := m.CreateQueue(jobqueue.QueueConfig{
		Name:                 "writer",
		MaxAttempts:          3,
		Workers:              2,
		ConcurrencyPerWorker: 5,
	})
	if err != nil {
		fmt.Println("CreateQueue failed")
		return
	}

	// Register the processor for job type "write-chapter"
	jobDone := make(chan struct{}, 1)
	m.Register("write-chapter", func(ctx context.Context, jc *jobqueue.JobContext) (interface{}, error) {
		var args struct {
			Chapter int `json:"chapter"`
		}
		if err := jc.Decode(&args); err != nil {
			return nil, jobqueue.Permanent(err)
		}
		fmt.Printf("Write chapter %d\n", args.Chapter)
		jobDone <- struct{}{}
		return map[string]int{"words": 1200}, nil
	})

	// Start the manager
	if err := m.Start(context.Background()); err != nil {
		fmt.Println("Start failed")
		return
	}
	fmt.Println("Started")

	// Add a new job
	_, err = m.AddJob(context.Background(), "writer", "write-chapter", map[string]int{"chapter": 1})
	if err != nil {
		fmt.Println("AddJob failed")
		return
	}
	fmt.Println("Job added")

	// Wait for the job to complete
	select {
	case <-jobDone:
	case <-time.After(5 * time.Second):
		fmt.Println("Job timed out")
		return
	}

	// Close the manager
	if err := m.Close(); err != nil {
		fmt.Println("Close failed")
		return
	}
	fmt.Println("Stopped")

	// Output:
	// Started
	// Job added
	// Write chapter 1
	// Stopped
}
