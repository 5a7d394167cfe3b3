// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const saturationThreshold = 0.9

// crash is reported by a slot loop that panicked.
type crash struct {
	worker *worker
	slot   int
	value  interface{}
}

// Pool runs the workers of all queues. It is owned by the Manager.
type Pool struct {
	m      *Manager
	crashc chan crash
	stopc  chan struct{} // stops the supervisor
	wg     sync.WaitGroup

	ctx    context.Context // parent of all worker contexts
	cancel context.CancelFunc

	mu      sync.Mutex // guards the following block
	queues  map[string]*queuePool
	paused  bool
	running bool
}

// queuePool holds the workers of a single queue.
type queuePool struct {
	cfg            QueueConfig
	paused         bool
	workers        []*worker // index is the worker index
	draining       map[*worker]struct{}
	saturatedSince time.Time
	saturated      bool
}

func newPool(m *Manager) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		m:      m,
		crashc: make(chan crash),
		stopc:  make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		queues: make(map[string]*queuePool),
	}
}

// add registers a queue. Its workers start with the pool.
func (p *Pool) add(cfg QueueConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	qp := &queuePool{cfg: cfg, draining: make(map[*worker]struct{})}
	p.queues[cfg.Name] = qp
	if p.running {
		p.scaleLocked(qp, cfg.Workers)
	}
}

// start spins up the workers of all queues and the supervisor.
func (p *Pool) start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = true
	for _, qp := range p.queues {
		p.scaleLocked(qp, qp.cfg.Workers)
	}
	go p.supervise()
}

// stop stops leasing and waits for jobs in flight. If they do not finish
// within timeout, they are cancelled and their leases released. A negative
// timeout waits forever.
func (p *Pool) stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	for _, qp := range p.queues {
		for _, w := range qp.workers {
			w.stop()
		}
		for w := range qp.draining {
			w.stop()
		}
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	if timeout < 0 {
		<-done
	} else {
		select {
		case <-done:
		case <-time.After(timeout):
			err = errors.New("jobqueue: close timed out")
			p.m.logger.Warn().Dur("timeout", timeout).Msg("cancelling jobs in flight")
			p.cancel()
			<-done
		}
	}
	p.cancel()
	close(p.stopc)

	p.mu.Lock()
	for _, qp := range p.queues {
		qp.workers = nil
	}
	p.mu.Unlock()
	return err
}

// supervise replaces slot loops that crashed.
func (p *Pool) supervise() {
	for {
		select {
		case c := <-p.crashc:
			p.replace(c)
		case <-p.stopc:
			return
		}
	}
}

func (p *Pool) replace(c crash) {
	w := c.worker
	if w.stopped() {
		w.loops.Done()
		return
	}
	p.m.logger.Warn().
		Str("queue", w.queue).
		Str("worker_id", w.id).
		Int("slot", c.slot).
		Interface("panic", c.value).
		Msg("worker replaced")
	p.m.emit(Event{Type: EventWorkerReplaced, Queue: w.queue, WorkerID: w.id})
	p.m.testWorkerReplaced() // testing hook
	go w.loop(c.slot)
}

// Scale sets the number of workers of a queue. Removed workers stop
// leasing and finish their jobs in flight. Jobs that are still running
// after the drain timeout are cancelled and released back to the queue
// without counting the attempt.
func (p *Pool) Scale(queue string, workers int) error {
	if workers < 0 {
		return errors.Errorf("jobqueue: invalid number of workers %d", workers)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	qp, found := p.queues[queue]
	if !found {
		return ErrUnknownQueue
	}
	qp.cfg.Workers = workers
	if p.running {
		p.scaleLocked(qp, workers)
	}
	return nil
}

func (p *Pool) scaleLocked(qp *queuePool, n int) {
	for i := len(qp.workers); i < n; i++ {
		qp.workers = append(qp.workers, newWorker(p, qp.cfg, i))
	}
	for len(qp.workers) > n {
		last := len(qp.workers) - 1
		w := qp.workers[last]
		qp.workers = qp.workers[:last]
		p.retireLocked(qp, w)
	}
	p.m.logger.Info().Str("queue", qp.cfg.Name).Int("workers", len(qp.workers)).Msg("workers scaled")
}

func (p *Pool) retireLocked(qp *queuePool, w *worker) {
	w.stop()
	qp.draining[w] = struct{}{}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		select {
		case <-w.wait():
		case <-time.After(p.m.drainTimeout):
			p.m.logger.Warn().Str("queue", w.queue).Str("worker_id", w.id).Msg("drain timeout; cancelling jobs in flight")
			w.cancel()
			<-w.wait()
		}
		p.mu.Lock()
		delete(qp.draining, w)
		p.mu.Unlock()
		p.m.logger.Debug().Str("queue", w.queue).Str("worker_id", w.id).Msg("worker retired")
	}()
}

// Pause stops leasing on all queues. Jobs in flight continue.
func (p *Pool) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
}

// Resume restarts leasing after Pause.
func (p *Pool) Resume() {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
}

// Paused returns true if the pool is paused.
func (p *Pool) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *Pool) setQueuePaused(queue string, paused bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	qp, found := p.queues[queue]
	if !found {
		return ErrUnknownQueue
	}
	qp.paused = paused
	return nil
}

func (p *Pool) queuePaused(queue string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	qp, found := p.queues[queue]
	return found && qp.paused
}

// leasing returns true if workers of the queue may lease jobs.
func (p *Pool) leasing(queue string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	qp, found := p.queues[queue]
	return found && p.running && !p.paused && !qp.paused
}

// Stats returns the worker statistics of a queue.
func (p *Pool) Stats(queue string) (WorkerStats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	qp, found := p.queues[queue]
	if !found {
		return WorkerStats{}, ErrUnknownQueue
	}
	return p.statsLocked(qp, time.Now()), nil
}

// statsLocked computes worker statistics and tracks saturation.
func (p *Pool) statsLocked(qp *queuePool, now time.Time) WorkerStats {
	stats := WorkerStats{
		Workers:  len(qp.workers),
		Capacity: len(qp.workers) * qp.cfg.ConcurrencyPerWorker,
	}
	for _, w := range qp.workers {
		stats.Active += w.numActive()
	}
	if stats.Capacity > 0 {
		stats.Utilization = float64(stats.Active) / float64(stats.Capacity)
	}

	if stats.Utilization > saturationThreshold {
		if qp.saturatedSince.IsZero() {
			qp.saturatedSince = now
		}
		if !qp.saturated && now.Sub(qp.saturatedSince) >= p.m.saturationWindow {
			qp.saturated = true
			p.m.logger.Warn().Str("queue", qp.cfg.Name).Float64("utilization", stats.Utilization).Msg("workers saturated")
			go p.m.emit(Event{Type: EventWorkersSaturated, Queue: qp.cfg.Name})
		}
	} else {
		qp.saturatedSince = time.Time{}
		if qp.saturated {
			qp.saturated = false
			p.m.logger.Info().Str("queue", qp.cfg.Name).Msg("workers no longer saturated")
			go p.m.emit(Event{Type: EventWorkersUnsaturated, Queue: qp.cfg.Name})
		}
	}
	stats.Saturated = qp.saturated
	return stats
}

// observe updates the saturation tracking of a queue.
func (p *Pool) observe(queue string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if qp, found := p.queues[queue]; found {
		p.statsLocked(qp, time.Now())
	}
}

// Workers returns information about all workers, including workers that
// are draining after a scale-down.
func (p *Pool) Workers() []WorkerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	var infos []WorkerInfo
	for _, qp := range p.queues {
		for _, w := range qp.workers {
			info := w.info()
			info.Paused = p.paused || qp.paused
			infos = append(infos, info)
		}
		for w := range qp.draining {
			infos = append(infos, w.info())
		}
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Queue != infos[j].Queue {
			return infos[i].Queue < infos[j].Queue
		}
		if infos[i].Index != infos[j].Index {
			return infos[i].Index < infos[j].Index
		}
		return !infos[i].Draining && infos[j].Draining
	})
	return infos
}
