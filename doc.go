// Package jobqueue manages running and scheduling jobs in named queues.
//
// Applications using jobqueue first create a Manager. One manager handles
// one or more queues, created via CreateQueue. Jobs have a type, and
// processors are registered for a job type or a queue name. Applications
// need to create queues and register processors before adding jobs.
//
// Once started, the manager spins up the workers of every queue. A queue
// has Workers workers with ConcurrencyPerWorker slots each. Every slot
// leases one job at a time from the Store, runs its processor and commits
// the outcome before leasing the next job. Workers can be scaled via
// ScaleWorkers, and leasing can be paused per queue or for all queues.
//
// The manager has a Store to implement persistent storage. By default, an
// in memory store is used. There are persistent stores in the "sqlite",
// "mysql", "postgres", "redis" and "mongodb" packages.
//
// A job in jobqueue is always in one of these five states: Waiting (to be
// leased), Active (currently leased by a worker), Delayed (waiting for its
// backoff after a failed attempt), Completed (completed successfully) and
// Failed (failed even after retrying).
//
// A job is attempted at most MaxAttempts times. After a failed attempt,
// the job is delayed by its Backoff. If no Backoff is configured, the
// BackoffFunc of the manager is used; see SetBackoffFunc. Once the job is
// out of attempts, or its processor returned an error wrapped by Permanent,
// the job is marked as failed and moved to the dead letter queue. Records
// in the dead letter queue can be listed, exported and retried.
//
// Every lease expires after the job's timeout plus a margin. Leases of
// crashed managers expire, and the jobs are returned to the Waiting state
// on Start and periodically while the manager is running.
package jobqueue
