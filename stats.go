// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

// Stats returns statistics about the job queue.
type Stats struct {
	Waiting   int `json:"waiting"`   // number of jobs waiting to be leased
	Active    int `json:"active"`    // number of jobs currently being executed
	Delayed   int `json:"delayed"`   // number of jobs waiting for their backoff
	Completed int `json:"completed"` // number of successfully completed jobs
	Failed    int `json:"failed"`    // number of failed jobs (even after retries)
}

// Add increments the counter of the given state.
func (s *Stats) Add(state string, n int) {
	switch state {
	case Waiting:
		s.Waiting += n
	case Active:
		s.Active += n
	case Delayed:
		s.Delayed += n
	case Completed:
		s.Completed += n
	case Failed:
		s.Failed += n
	}
}

// Total returns the number of jobs in all states.
func (s *Stats) Total() int {
	return s.Waiting + s.Active + s.Delayed + s.Completed + s.Failed
}

// QueueStats combines store statistics and worker statistics of a queue.
type QueueStats struct {
	Name    string      `json:"name"`
	Paused  bool        `json:"paused"`
	Jobs    Stats       `json:"jobs"`
	Workers WorkerStats `json:"workers"`
}

// GlobalStats aggregates statistics over all queues.
type GlobalStats struct {
	Queues      []*QueueStats `json:"queues"`
	Totals      Stats         `json:"totals"`
	Paused      bool          `json:"paused"` // pool-wide pause
	DeadLetters int           `json:"deadLetters"`
}

// WorkerStats reports the state of the workers of a queue.
type WorkerStats struct {
	Workers     int     `json:"workers"`     // number of workers
	Capacity    int     `json:"capacity"`    // workers times concurrency per worker
	Active      int     `json:"active"`      // number of slots processing a job
	Utilization float64 `json:"utilization"` // active / capacity
	Saturated   bool    `json:"saturated"`   // utilization above 90% for a sustained period
}
