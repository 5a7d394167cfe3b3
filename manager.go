// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"
)

const (
	defaultPollInterval     = 500 * time.Millisecond
	defaultLeaseMargin      = 30 * time.Second
	defaultDrainTimeout     = 30 * time.Second
	defaultSaturationWindow = time.Minute
	defaultMaintenanceSpec  = "@every 30s"
	defaultRetentionSpec    = "@daily"
)

func nop() {}

// Manager schedules job executing. Create a new manager via New.
type Manager struct {
	logger           zerolog.Logger
	st               Store           // persistent storage of jobs
	dls              DeadLetterStore // persistent storage of dead letters
	backoff          BackoffFunc
	registry         *Registry
	events           *eventBus
	meterProvider    metric.MeterProvider
	metrics          *metrics
	pool             *Pool
	dlq              *DeadLetterQueue
	notifiers        []Notifier
	costs            map[string]float64
	pollInterval     time.Duration
	leaseMargin      time.Duration
	drainTimeout     time.Duration
	saturationWindow time.Duration
	maintenanceSpec  string
	retentionSpec    string
	retentionDays    int
	maint            *maintenance

	mu      sync.Mutex // guards the following block
	queues  map[string]*Queue
	started bool
	closed  bool

	testManagerStarted func() // testing hook
	testManagerStopped func() // testing hook
	testJobAdded       func() // testing hook
	testJobLeased      func() // testing hook
	testJobStarted     func() // testing hook
	testJobRetry       func() // testing hook
	testJobFailed      func() // testing hook
	testJobSucceeded   func() // testing hook
	testWorkerReplaced func() // testing hook

	testWorkerFault func(workerID string, slot int) // testing hook
}

// New creates a new manager. Pass options to Manager to configure it.
func New(options ...ManagerOption) *Manager {
	st := NewInMemoryStore()
	m := &Manager{
		logger:             defaultLogger(),
		st:                 st,
		dls:                st,
		backoff:            exponentialBackoff,
		events:             newEventBus(),
		costs:              make(map[string]float64),
		pollInterval:       defaultPollInterval,
		leaseMargin:        defaultLeaseMargin,
		drainTimeout:       defaultDrainTimeout,
		saturationWindow:   defaultSaturationWindow,
		maintenanceSpec:    defaultMaintenanceSpec,
		retentionSpec:      defaultRetentionSpec,
		queues:             make(map[string]*Queue),
		testManagerStarted: nop,
		testManagerStopped: nop,
		testJobAdded:       nop,
		testJobLeased:      nop,
		testJobStarted:     nop,
		testJobRetry:       nop,
		testJobFailed:      nop,
		testJobSucceeded:   nop,
		testWorkerReplaced: nop,
		testWorkerFault:    func(string, int) {},
	}
	for _, opt := range options {
		opt(m)
	}
	m.registry = NewRegistry(m.logger)
	m.metrics = newMetrics(m.meterProvider)
	m.pool = newPool(m)
	m.dlq = newDeadLetterQueue(m)
	m.maint = newMaintenance(m)
	return m
}

// -- Configuration --

// ManagerOption is the signature of an options provider.
type ManagerOption func(*Manager)

// SetLogger specifies the logger to use when e.g. reporting errors.
func SetLogger(logger zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// SetStore specifies the backing Store implementation for the manager.
// If the store also implements DeadLetterStore, it is used for dead
// letters as well.
func SetStore(store Store) ManagerOption {
	return func(m *Manager) {
		m.st = store
		if dls, ok := store.(DeadLetterStore); ok {
			m.dls = dls
		}
	}
}

// SetDeadLetterStore specifies the storage of dead letter records.
func SetDeadLetterStore(store DeadLetterStore) ManagerOption {
	return func(m *Manager) {
		m.dls = store
	}
}

// SetBackoffFunc specifies the backoff function that returns the time span
// between retries of failed jobs without a configured Backoff.
// Exponential backoff is used by default.
func SetBackoffFunc(fn BackoffFunc) ManagerOption {
	return func(m *Manager) {
		if fn != nil {
			m.backoff = fn
		} else {
			m.backoff = exponentialBackoff
		}
	}
}

// SetPollInterval specifies how long idle workers wait before trying to
// lease again. It is 500ms by default.
func SetPollInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// SetLeaseMargin specifies the time added to a job's timeout to compute
// its lease expiry. It is 30s by default.
func SetLeaseMargin(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d >= 0 {
			m.leaseMargin = d
		}
	}
}

// SetDrainTimeout specifies how long removed workers may finish their jobs
// after a scale-down before the jobs are cancelled and released.
// It is 30s by default.
func SetDrainTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d >= 0 {
			m.drainTimeout = d
		}
	}
}

// SetSaturationWindow specifies how long the utilization of a queue must
// stay above 90% before the queue is reported as saturated.
func SetSaturationWindow(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d >= 0 {
			m.saturationWindow = d
		}
	}
}

// SetMeterProvider specifies the OpenTelemetry meter provider. The global
// provider is used by default.
func SetMeterProvider(mp metric.MeterProvider) ManagerOption {
	return func(m *Manager) {
		m.meterProvider = mp
	}
}

// SetNotifiers specifies the notifiers to alert on dead letters and
// recurring failures.
func SetNotifiers(notifiers ...Notifier) ManagerOption {
	return func(m *Manager) {
		m.notifiers = notifiers
	}
}

// SetCost specifies the estimated cost of a single attempt of a job type.
// Costs are summed up in dead letter statistics.
func SetCost(typ string, cost float64) ManagerOption {
	return func(m *Manager) {
		m.costs[typ] = cost
	}
}

// SetMaintenanceSchedule specifies the cron schedule for recovering
// expired leases. It is "@every 30s" by default.
func SetMaintenanceSchedule(spec string) ManagerOption {
	return func(m *Manager) {
		m.maintenanceSpec = spec
	}
}

// SetRetention enables periodic removal of dead letter records older than
// the given number of days. The schedule is "@daily" if empty.
func SetRetention(days int, spec string) ManagerOption {
	return func(m *Manager) {
		m.retentionDays = days
		if spec != "" {
			m.retentionSpec = spec
		}
	}
}

// -- Queues and processors --

// CreateQueue creates a queue. Creating a queue with the same name and
// configuration twice returns the existing queue. If the configuration
// differs, a *DuplicateQueueError is returned.
func (m *Manager) CreateQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Name == "" {
		return nil, errors.New("jobqueue: no queue name specified")
	}
	cfg = cfg.withDefaults()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	if q, found := m.queues[cfg.Name]; found {
		if q.cfg != cfg {
			return nil, &DuplicateQueueError{Name: cfg.Name, Existing: q.cfg, Desired: cfg}
		}
		m.logger.Warn().Str("queue", cfg.Name).Msg("queue already exists")
		return q, nil
	}
	q := &Queue{cfg: cfg}
	m.queues[cfg.Name] = q
	m.pool.add(cfg)
	m.logger.Info().
		Str("queue", cfg.Name).
		Int("workers", cfg.Workers).
		Int("concurrency", cfg.ConcurrencyPerWorker).
		Msg("queue created")
	return q, nil
}

// Queue returns the queue with the given name.
func (m *Manager) Queue(name string) (*Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, found := m.queues[name]
	if !found {
		return nil, ErrUnknownQueue
	}
	return q, nil
}

// Queues returns the names of all queues in sorted order.
func (m *Manager) Queues() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Register registers a processor for a job type or a queue name.
// Registering the same key twice replaces the earlier processor.
func (m *Manager) Register(key string, p Processor) {
	m.registry.Register(key, p)
}

// -- Start and Stop --

// Start runs the manager. Use Close or CloseWithTimeout to stop it.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	if m.started {
		return errors.New("jobqueue: manager already started")
	}

	// Initialize Store
	if err := m.st.Start(ctx); err != nil {
		return errors.Wrap(err, "jobqueue: start store")
	}
	if n, err := m.st.RecoverExpired(ctx, time.Now()); err != nil {
		return errors.Wrap(err, "jobqueue: recover expired leases")
	} else if n > 0 {
		m.logger.Info().Int("jobs", n).Msg("recovered jobs with expired leases")
	}

	if err := m.maint.start(); err != nil {
		return err
	}
	m.pool.start()
	m.started = true

	m.testManagerStarted() // testing hook

	return nil
}

// Close stops the manager. It waits for working jobs to finish.
func (m *Manager) Close() error {
	return m.CloseWithTimeout(-1 * time.Second)
}

// CloseWithTimeout stops the manager. It waits for the specified timeout
// for working jobs to finish, then cancels the remaining jobs and releases
// them back to their queues. If the timeout is negative, the manager waits
// forever for all working jobs to end.
func (m *Manager) CloseWithTimeout(timeout time.Duration) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	started := m.started
	m.mu.Unlock()

	var err error
	if started {
		err = m.pool.stop(timeout)
		m.maint.stop()
	}
	m.dlq.wait()
	for _, n := range m.notifiers {
		if c, ok := n.(interface{ Close() error }); ok {
			if cerr := c.Close(); cerr != nil {
				m.logger.Error().Err(cerr).Msg("error closing notifier")
			}
		}
	}
	if cerr := m.st.Close(); cerr != nil && err == nil {
		err = errors.Wrap(cerr, "jobqueue: close store")
	}

	m.mu.Lock()
	m.started = false
	m.mu.Unlock()
	m.testManagerStopped() // testing hook
	return err
}

// -- Add --

// AddJob gives the manager a new job to execute. If AddJob returns without
// error, the job is stored in the backing store. It will be picked up by a
// worker of the queue at a later time.
//
// The payload is marshaled to JSON. If a job with the identifier passed via
// WithJobID already exists, ErrDuplicateJob is returned.
func (m *Manager) AddJob(ctx context.Context, queue, typ string, payload interface{}, opts ...JobOption) (*Job, error) {
	job, err := m.newJob(queue, typ, payload, opts...)
	if err != nil {
		return nil, err
	}
	if err := m.create(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// newJob validates and prepares a job without storing it.
func (m *Manager) newJob(queue, typ string, payload interface{}, opts ...JobOption) (*Job, error) {
	m.mu.Lock()
	closed := m.closed
	q, found := m.queues[queue]
	m.mu.Unlock()
	if closed {
		return nil, ErrManagerClosed
	}
	if !found {
		return nil, errors.Wrapf(ErrUnknownQueue, "queue %q", queue)
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	job := &Job{Type: typ, Payload: raw}
	for _, opt := range opts {
		opt(job)
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	q.prepare(job, time.Now())
	if _, found := m.registry.Lookup(job); !found {
		return nil, errors.Wrapf(ErrNoProcessor, "queue %q type %q", queue, typ)
	}
	return job, nil
}

func (m *Manager) create(ctx context.Context, job *Job) error {
	if err := m.st.Create(ctx, job); err != nil {
		if errors.Is(err, ErrDuplicateJob) {
			return ErrDuplicateJob
		}
		return errors.Wrap(err, "jobqueue: create job")
	}
	m.emit(Event{Type: EventJobSubmitted, Queue: job.Queue, JobID: job.ID})
	m.testJobAdded() // testing hook
	return nil
}

func marshalPayload(payload interface{}) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, errors.New("jobqueue: payload is not valid JSON")
		}
		return v, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "jobqueue: marshal payload")
	}
	return raw, nil
}

// BulkJob is a single entry of AddBulkJobs.
type BulkJob struct {
	Type    string
	Payload interface{}
	Options []JobOption
}

// AddBulkJobs adds several jobs to a queue. Entries are added
// independently. The returned slice has the created job at the index of
// every successful entry and nil otherwise. If any entry failed, a
// *BulkError is returned alongside the jobs.
func (m *Manager) AddBulkJobs(ctx context.Context, queue string, entries []BulkJob) ([]*Job, error) {
	jobs := make([]*Job, len(entries))
	bulkErr := &BulkError{Errors: make(map[int]error)}
	for i, e := range entries {
		job, err := m.AddJob(ctx, queue, e.Type, e.Payload, e.Options...)
		if err != nil {
			bulkErr.Errors[i] = err
			continue
		}
		jobs[i] = job
	}
	if len(bulkErr.Errors) > 0 {
		return jobs, bulkErr
	}
	return jobs, nil
}

// FlowJob is a node of a Flow.
type FlowJob struct {
	Queue   string
	Type    string
	Payload interface{}
	Options []JobOption
}

// Flow is a parent job that runs after all of its children completed.
type Flow struct {
	Parent   FlowJob
	Children []FlowJob
}

// AddFlow adds a parent job and its children. The parent stays waiting
// until every child completed. A child that ends up in the dead letter
// queue keeps the parent waiting until the child is retried from there
// and completes. If any job of the flow cannot be added, the jobs added
// so far are removed again.
func (m *Manager) AddFlow(ctx context.Context, flow Flow) (*Job, error) {
	parent, err := m.newJob(flow.Parent.Queue, flow.Parent.Type, flow.Parent.Payload, flow.Parent.Options...)
	if err != nil {
		return nil, err
	}
	children := make([]*Job, 0, len(flow.Children))
	for _, c := range flow.Children {
		opts := append(append([]JobOption(nil), c.Options...), withParentID(parent.ID))
		child, err := m.newJob(c.Queue, c.Type, c.Payload, opts...)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	parent.PendingChildren = len(children)

	if err := m.create(ctx, parent); err != nil {
		return nil, err
	}
	for i, child := range children {
		if err := m.create(ctx, child); err != nil {
			for _, created := range children[:i] {
				_ = m.st.Delete(ctx, created.ID)
			}
			_ = m.st.Delete(ctx, parent.ID)
			return nil, errors.Wrapf(err, "jobqueue: add flow child %d", i)
		}
	}
	return parent, nil
}

func withParentID(id string) JobOption {
	return func(j *Job) {
		j.ParentID = id
	}
}

func withDeadLetterID(id string) JobOption {
	return func(j *Job) {
		j.DeadLetterID = id
	}
}

// -- Control --

// PauseQueue stops workers from leasing jobs of the queue.
// Jobs in flight continue.
func (m *Manager) PauseQueue(queue string) error {
	if err := m.pool.setQueuePaused(queue, true); err != nil {
		return err
	}
	m.logger.Info().Str("queue", queue).Msg("queue paused")
	m.emit(Event{Type: EventQueuePaused, Queue: queue})
	return nil
}

// ResumeQueue restarts leasing jobs of a paused queue.
func (m *Manager) ResumeQueue(queue string) error {
	if err := m.pool.setQueuePaused(queue, false); err != nil {
		return err
	}
	m.logger.Info().Str("queue", queue).Msg("queue resumed")
	m.emit(Event{Type: EventQueueResumed, Queue: queue})
	return nil
}

// Pause stops leasing on all queues.
func (m *Manager) Pause() {
	m.pool.Pause()
	m.logger.Info().Msg("workers paused")
}

// Resume restarts leasing on all queues.
func (m *Manager) Resume() {
	m.pool.Resume()
	m.logger.Info().Msg("workers resumed")
}

// ScaleWorkers sets the number of workers of a queue.
func (m *Manager) ScaleWorkers(queue string, workers int) error {
	return m.pool.Scale(queue, workers)
}

// Workers returns information about all workers.
func (m *Manager) Workers() []WorkerInfo {
	return m.pool.Workers()
}

// RetryJob makes a delayed job eligible for leasing right away. Jobs that
// were moved to the dead letter queue must be retried via DeadLetters.
func (m *Manager) RetryJob(ctx context.Context, queue, id string) (*Job, error) {
	job, err := m.st.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Queue != queue {
		return nil, ErrNotFound
	}
	switch job.State {
	case Failed:
		return nil, ErrDeadLettered
	case Delayed:
	default:
		return nil, errors.Wrapf(ErrInvalidState, "job is %s", job.State)
	}
	job.RunAt = time.Now()
	job.Updated = job.RunAt
	if err := m.st.Update(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Drain removes all waiting and delayed jobs of a queue.
func (m *Manager) Drain(ctx context.Context, queue string) (int, error) {
	if _, err := m.Queue(queue); err != nil {
		return 0, err
	}
	n, err := m.st.Clean(ctx, &CleanRequest{Queue: queue, States: []string{Waiting, Delayed}})
	if err != nil {
		return 0, err
	}
	m.logger.Info().Str("queue", queue).Int("jobs", n).Msg("queue drained")
	return n, nil
}

// Clean removes jobs of a queue in the given states that were last updated
// longer than grace ago. Without states, completed and failed jobs are
// removed. Active jobs cannot be cleaned.
func (m *Manager) Clean(ctx context.Context, queue string, grace time.Duration, states ...string) (int, error) {
	if _, err := m.Queue(queue); err != nil {
		return 0, err
	}
	if len(states) == 0 {
		states = []string{Completed, Failed}
	}
	for _, s := range states {
		if s == Active {
			return 0, errors.Wrap(ErrInvalidState, "cannot clean active jobs")
		}
	}
	n, err := m.st.Clean(ctx, &CleanRequest{
		Queue:  queue,
		States: states,
		Before: time.Now().Add(-grace),
	})
	if err != nil {
		return 0, err
	}
	m.logger.Info().Str("queue", queue).Strs("states", states).Int("jobs", n).Msg("queue cleaned")
	return n, nil
}

// -- Stats, Lookup and List --

// QueueStats returns statistics about a queue.
func (m *Manager) QueueStats(ctx context.Context, queue string) (*QueueStats, error) {
	if _, err := m.Queue(queue); err != nil {
		return nil, err
	}
	jobs, err := m.st.Stats(ctx, &StatsRequest{Queue: queue})
	if err != nil {
		return nil, err
	}
	workers, err := m.pool.Stats(queue)
	if err != nil {
		return nil, err
	}
	return &QueueStats{
		Name:    queue,
		Paused:  m.pool.queuePaused(queue),
		Jobs:    *jobs,
		Workers: workers,
	}, nil
}

// GlobalStats returns statistics about all queues.
func (m *Manager) GlobalStats(ctx context.Context) (*GlobalStats, error) {
	stats := &GlobalStats{Paused: m.pool.Paused()}
	for _, name := range m.Queues() {
		qs, err := m.QueueStats(ctx, name)
		if err != nil {
			return nil, err
		}
		stats.Queues = append(stats.Queues, qs)
		stats.Totals.Waiting += qs.Jobs.Waiting
		stats.Totals.Active += qs.Jobs.Active
		stats.Totals.Delayed += qs.Jobs.Delayed
		stats.Totals.Completed += qs.Jobs.Completed
		stats.Totals.Failed += qs.Jobs.Failed
	}
	rsp, err := m.dls.ListDeadLetters(ctx, &DeadLetterListRequest{Limit: 1})
	if err != nil {
		return nil, err
	}
	stats.DeadLetters = rsp.Total
	return stats, nil
}

// Lookup returns the job with the specified identifier.
// If no such job exists, ErrNotFound is returned.
func (m *Manager) Lookup(ctx context.Context, id string) (*Job, error) {
	return m.st.Lookup(ctx, id)
}

// List returns all jobs matching the parameters in the request.
func (m *Manager) List(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	return m.st.List(ctx, req)
}

// DeadLetters returns the dead letter queue.
func (m *Manager) DeadLetters() *DeadLetterQueue {
	return m.dlq
}

// -- Events --

// Subscribe registers fn to be called for every event. Callbacks run
// synchronously and must not block. Call the returned function to
// unsubscribe.
func (m *Manager) Subscribe(fn func(Event)) func() {
	return m.events.subscribe(fn)
}

func (m *Manager) emit(e Event) {
	m.events.emit(e)
}

// retryDelay returns the delay before the next attempt of a failed job.
func (m *Manager) retryDelay(job *Job) time.Duration {
	if !job.Backoff.IsZero() {
		return job.Backoff.Duration(job.AttemptsMade)
	}
	return m.backoff(job.AttemptsMade)
}
