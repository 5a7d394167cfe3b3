// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"time"
)

const (
	defaultMaxAttempts          = 3
	defaultWorkers              = 1
	defaultConcurrencyPerWorker = 5
	defaultTimeout              = 5 * time.Minute
)

// QueueConfig configures a named queue. A queue is immutable once
// created; use Manager.ScaleWorkers to change the number of workers.
type QueueConfig struct {
	Name                 string        `json:"name"`
	MaxAttempts          int           `json:"maxAttempts"`          // default attempts for jobs
	Backoff              Backoff       `json:"backoff"`              // default backoff for jobs
	Timeout              time.Duration `json:"timeout"`              // default per-attempt timeout
	Workers              int           `json:"workers"`              // initial number of workers
	ConcurrencyPerWorker int           `json:"concurrencyPerWorker"` // jobs in flight per worker
}

// withDefaults returns a copy of cfg with zero values replaced.
func (cfg QueueConfig) withDefaults() QueueConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.ConcurrencyPerWorker <= 0 {
		cfg.ConcurrencyPerWorker = defaultConcurrencyPerWorker
	}
	return cfg
}

// Queue is a named channel of jobs with its defaults.
type Queue struct {
	cfg QueueConfig
}

// Name of the queue.
func (q *Queue) Name() string { return q.cfg.Name }

// Config returns the effective configuration of the queue.
func (q *Queue) Config() QueueConfig { return q.cfg }

// prepare applies the queue defaults to a job about to be created.
func (q *Queue) prepare(job *Job, now time.Time) {
	job.Queue = q.cfg.Name
	job.State = Waiting
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.cfg.MaxAttempts
	}
	if job.Backoff.IsZero() {
		job.Backoff = q.cfg.Backoff
	}
	if job.Timeout <= 0 {
		job.Timeout = q.cfg.Timeout
	}
	if job.RunAt.IsZero() || job.RunAt.Before(now) {
		job.RunAt = now
	}
	job.Created = now
	job.Updated = now
}
