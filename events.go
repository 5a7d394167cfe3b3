package jobqueue

import (
	"sync"
	"time"
)

// Event types emitted by the manager.
const (
	EventJobSubmitted       = "job:submitted"
	EventJobActive          = "job:active"
	EventJobProgress        = "job:progress"
	EventJobCompleted       = "job:completed"
	EventJobFailed          = "job:failed" // attempt failed, job will be retried
	EventJobDelayed         = "job:delayed"
	EventJobDeadLetter      = "job:dead-letter"
	EventJobReleased        = "job:released" // lease given back without counting the attempt
	EventWorkerReplaced     = "worker:replaced"
	EventQueuePaused        = "queue:paused"
	EventQueueResumed       = "queue:resumed"
	EventRecurringFailure   = "recurring-failure"
	EventWorkersSaturated   = "workers:saturated"
	EventWorkersUnsaturated = "workers:unsaturated"
)

// Event describes something that happened in the manager.
type Event struct {
	Type      string    `json:"type"`
	Queue     string    `json:"queue,omitempty"`
	JobID     string    `json:"jobId,omitempty"`
	WorkerID  string    `json:"workerId,omitempty"`
	Progress  int       `json:"progress,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorCode string    `json:"errorCode,omitempty"`
	Count     int       `json:"count,omitempty"`
	Time      time.Time `json:"time"`
}

// eventBus dispatches events to subscribers synchronously.
type eventBus struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(Event)
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[int]func(Event))}
}

func (b *eventBus) subscribe(fn func(Event)) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

func (b *eventBus) emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, fn := range b.subs {
		fn(e)
	}
}
