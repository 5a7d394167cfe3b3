package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// WorkerInfo describes a worker of a queue.
type WorkerInfo struct {
	ID          string   `json:"id"`
	Queue       string   `json:"queue"`
	Index       int      `json:"index"`
	Concurrency int      `json:"concurrency"`
	Draining    bool     `json:"draining"`
	Paused      bool     `json:"paused"`
	Active      []string `json:"active"` // identifiers of jobs in flight
}

// worker runs a fixed number of slot loops for a queue. Every slot loop
// leases one job at a time and commits its outcome before leasing the next.
type worker struct {
	id          string
	queue       string
	index       int
	concurrency int
	timeout     time.Duration
	pool        *Pool

	ctx    context.Context // cancelled to abort jobs in flight
	cancel context.CancelFunc

	stopc    chan struct{} // closed to stop leasing
	stopOnce sync.Once
	loops    sync.WaitGroup

	mu     sync.Mutex
	active map[int]*Job // slot to job in flight
}

// newWorker creates a new worker and spins up its slot loops.
func newWorker(p *Pool, cfg QueueConfig, index int) *worker {
	ctx, cancel := context.WithCancel(p.ctx)
	w := &worker{
		id:          fmt.Sprintf("%s:%d", cfg.Name, index),
		queue:       cfg.Name,
		index:       index,
		concurrency: cfg.ConcurrencyPerWorker,
		timeout:     cfg.Timeout,
		pool:        p,
		ctx:         ctx,
		cancel:      cancel,
		stopc:       make(chan struct{}),
		active:      make(map[int]*Job),
	}
	w.loops.Add(w.concurrency)
	for slot := 0; slot < w.concurrency; slot++ {
		go w.loop(slot)
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		w.loops.Wait()
		w.cancel()
	}()
	return w
}

// stop makes the slot loops exit after their current job.
func (w *worker) stop() {
	w.stopOnce.Do(func() {
		close(w.stopc)
	})
}

func (w *worker) stopped() bool {
	select {
	case <-w.stopc:
		return true
	default:
		return false
	}
}

// wait blocks until all slot loops have exited.
func (w *worker) wait() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		w.loops.Wait()
		close(done)
	}()
	return done
}

func (w *worker) info() WorkerInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	info := WorkerInfo{
		ID:          w.id,
		Queue:       w.queue,
		Index:       w.index,
		Concurrency: w.concurrency,
		Draining:    w.stopped(),
		Active:      make([]string, 0, len(w.active)),
	}
	for _, job := range w.active {
		info.Active = append(info.Active, job.ID)
	}
	sort.Strings(info.Active)
	return info
}

func (w *worker) numActive() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.active)
}

func (w *worker) setActive(slot int, job *Job) {
	w.mu.Lock()
	if job != nil {
		w.active[slot] = job
	} else {
		delete(w.active, slot)
	}
	w.mu.Unlock()
	w.pool.observe(w.queue)
}

func (w *worker) sleep() {
	t := time.NewTimer(w.pool.m.pollInterval)
	defer t.Stop()
	select {
	case <-t.C:
	case <-w.stopc:
	}
}

// loop is the main goroutine of a slot. A panic outside of the processor
// ends the loop; the supervisor then starts a replacement for the slot.
func (w *worker) loop(slot int) {
	defer w.loops.Done()

	var (
		job      *Job
		attempts int // attempts made when the job was leased
	)
	defer func() {
		if r := recover(); r != nil {
			// Keep the worker alive until the supervisor took over the slot.
			w.loops.Add(1)
			w.crashed(slot, job, attempts, r)
		}
	}()

	for {
		job = nil
		if w.stopped() {
			return
		}
		if !w.pool.leasing(w.queue) {
			w.sleep()
			continue
		}
		next, err := w.lease()
		if err != nil {
			w.pool.m.logger.Error().Err(err).Str("queue", w.queue).Str("worker_id", w.id).Msg("error leasing next job")
			w.sleep()
			continue
		}
		if next == nil {
			w.sleep()
			continue
		}
		job, attempts = next, next.AttemptsMade
		if !w.pool.leasing(w.queue) {
			// Paused or stopped while leasing.
			w.release(job, attempts)
			continue
		}
		w.setActive(slot, job)
		w.process(slot, job)
		w.setActive(slot, nil)
	}
}

func (w *worker) lease() (*Job, error) {
	m := w.pool.m
	req := &LeaseRequest{
		WorkerID:       w.id,
		Token:          uuid.New().String(),
		Now:            time.Now(),
		DefaultTimeout: w.timeout,
		Margin:         m.leaseMargin,
	}
	job, err := m.st.Lease(w.ctx, w.queue, req)
	if err != nil {
		return nil, err
	}
	if job != nil {
		m.testJobLeased() // testing hook
	}
	return job, nil
}

// crashed releases the lease of the job in flight and hands the slot to
// the supervisor.
func (w *worker) crashed(slot int, job *Job, attempts int, r interface{}) {
	m := w.pool.m
	m.logger.Error().
		Str("queue", w.queue).
		Str("worker_id", w.id).
		Int("slot", slot).
		Interface("panic", r).
		Str("stack", string(debug.Stack())).
		Msg("worker crashed")
	if job != nil {
		w.release(job, attempts)
	}
	w.setActive(slot, nil)
	w.pool.crashc <- crash{worker: w, slot: slot, value: r}
}

// release gives the lease back to the store. The attempt count is reset
// to attempts, the number of attempts made when the job was leased.
func (w *worker) release(job *Job, attempts int) {
	m := w.pool.m
	ctx := context.Background()
	cur, err := m.st.Lookup(ctx, job.ID)
	if err != nil {
		m.logger.Error().Err(err).Str("job_id", job.ID).Msg("error releasing job")
		return
	}
	if cur.State != Active || cur.LeaseToken != job.LeaseToken {
		return
	}
	cur.State = Waiting
	cur.AttemptsMade = attempts
	cur.RunAt = time.Now()
	cur.Updated = cur.RunAt
	if err := m.st.Update(ctx, cur); err != nil {
		m.logger.Error().Err(err).Str("job_id", job.ID).Msg("error releasing job")
		return
	}
	m.logger.Info().Str("queue", job.Queue).Str("job_id", job.ID).Str("worker_id", w.id).Msg("job released")
	m.emit(Event{Type: EventJobReleased, Queue: job.Queue, JobID: job.ID, WorkerID: w.id})
}

// process runs a single job and commits its outcome.
func (w *worker) process(slot int, job *Job) {
	m := w.pool.m
	logger := m.logger.With().
		Str("queue", job.Queue).
		Str("job_id", job.ID).
		Str("worker_id", w.id).
		Int("slot", slot).
		Logger()

	m.testWorkerFault(w.id, slot) // testing hook

	if job.AttemptsMade >= job.MaxAttempts {
		// Out of attempts, e.g. because moving it to the dead letter
		// queue failed before.
		cause := errors.Errorf("attempts exhausted after %d of %d", job.AttemptsMade, job.MaxAttempts)
		if job.LastError != "" {
			cause = errors.New(job.LastError)
		}
		w.fail(logger, job, Permanent(cause), time.Now())
		return
	}

	leased := job.AttemptsMade
	job.AttemptsMade++
	started := time.Now()
	m.emit(Event{Type: EventJobActive, Queue: job.Queue, JobID: job.ID, WorkerID: w.id})
	m.testJobStarted() // testing hook

	var (
		result interface{}
		err    error
	)
	if p, found := m.registry.Lookup(job); found {
		timeout := job.Timeout
		if timeout <= 0 {
			timeout = w.timeout
		}
		jc := newJobContext(m, job)
		result, err = invoke(w.ctx, p, jc, timeout)
		jc.finish()
	} else {
		err = Permanent(errors.Wrapf(ErrNoProcessor, "type %q", job.Type))
	}
	finished := time.Now()

	if err != nil && w.ctx.Err() != nil {
		// Aborted by scale-down or shutdown.
		logger.Warn().Msg("job aborted")
		w.release(job, leased)
		return
	}

	job.History = append(job.History, Attempt{
		Attempt:  job.AttemptsMade,
		WorkerID: w.id,
		Started:  started,
		Finished: finished,
	})

	var raw json.RawMessage
	if err == nil {
		if raw, err = marshalResult(result); err != nil {
			err = Permanent(err)
		}
	}
	if err != nil {
		job.History[len(job.History)-1].Error = err.Error()
		m.metrics.recordAttempt(context.Background(), job, "error", finished.Sub(started))
		w.fail(logger, job, err, finished)
		return
	}

	job.State = Completed
	job.Progress = 100
	job.Result = raw
	job.LastError = ""
	job.Completed = finished
	job.Updated = finished
	m.metrics.recordAttempt(context.Background(), job, "ok", finished.Sub(started))
	if err := m.st.Update(context.Background(), job); err != nil {
		logger.Error().Err(err).Msg("error committing completed job")
		return
	}
	logger.Debug().Dur("elapsed", finished.Sub(started)).Msg("job completed")
	m.emit(Event{Type: EventJobCompleted, Queue: job.Queue, JobID: job.ID, WorkerID: w.id})
	if job.ParentID != "" {
		if err := m.st.ResolveChild(context.Background(), job.ParentID); err != nil {
			logger.Error().Err(err).Str("parent_id", job.ParentID).Msg("error resolving flow parent")
		}
	}
	m.testJobSucceeded() // testing hook
}

// fail records a failed attempt. The job is either delayed for a retry or,
// if it is out of attempts or failed permanently, moved to the dead letter
// queue. The job is only committed as failed after its dead letter was
// written. If that fails, the job is delayed and the move is repeated
// once it is leased again. A job that failed permanently before its
// attempts were exhausted runs again in that case.
func (w *worker) fail(logger zerolog.Logger, job *Job, cause error, now time.Time) {
	m := w.pool.m
	job.LastError = cause.Error()
	job.Updated = now

	if IsPermanent(cause) || job.AttemptsMade >= job.MaxAttempts {
		job.State = Failed
		job.Completed = now
		if _, err := m.dlq.Move(context.Background(), job, cause); err != nil {
			job.State = Delayed
			job.Completed = time.Time{}
			delay := m.retryDelay(job)
			job.RunAt = now.Add(delay)
			logger.Error().Err(err).Dur("delay", delay).Msg("error moving job to dead letter queue; retrying")
			if err := m.st.Update(context.Background(), job); err != nil {
				logger.Error().Err(err).Msg("error committing delayed job")
			}
			return
		}
		if err := m.st.Update(context.Background(), job); err != nil {
			logger.Error().Err(err).Msg("error committing failed job")
			return
		}
		logger.Warn().Err(cause).Int("attempt", job.AttemptsMade).Msg("job failed")
		m.testJobFailed() // testing hook
		return
	}

	delay := m.retryDelay(job)
	job.State = Delayed
	job.RunAt = now.Add(delay)
	if err := m.st.Update(context.Background(), job); err != nil {
		logger.Error().Err(err).Msg("error committing delayed job")
		return
	}
	logger.Info().Err(cause).Int("attempt", job.AttemptsMade).Dur("delay", delay).Msg("job attempt failed; retrying")
	m.emit(Event{Type: EventJobFailed, Queue: job.Queue, JobID: job.ID, WorkerID: w.id, Error: cause.Error(), ErrorCode: ErrorCode(cause)})
	m.emit(Event{Type: EventJobDelayed, Queue: job.Queue, JobID: job.ID})
	m.testJobRetry() // testing hook
}

func marshalResult(result interface{}) (json.RawMessage, error) {
	if result == nil {
		return nil, nil
	}
	if raw, ok := result.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, errors.Wrap(err, "jobqueue: marshal result")
	}
	return raw, nil
}
