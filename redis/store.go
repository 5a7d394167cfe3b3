// Package redis implements a jobqueue store backed by Redis.
package redis

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"

	jobqueue "github.com/d1fmarketing/book-automation-sub010"
)

const defaultPrefix = "jobqueue:"

// Store represents a Redis-based storage backend.
// It implements the jobqueue.Store and jobqueue.DeadLetterStore interfaces.
type Store struct {
	rdb    *goredis.Client
	prefix string
}

// StoreOption is an options provider for Store.
type StoreOption func(*Store)

// SetPrefix overrides the default key prefix "jobqueue:".
func SetPrefix(prefix string) StoreOption {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// NewStore creates a new Redis-based storage backend, e.g. with
// "redis://localhost:6379/0".
func NewStore(url string, options ...StoreOption) (*Store, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return NewStoreWithClient(goredis.NewClient(opts), options...), nil
}

// NewStoreWithClient creates a store using an existing client. The store
// closes the client in Close.
func NewStoreWithClient(rdb *goredis.Client, options ...StoreOption) *Store {
	s := &Store{rdb: rdb, prefix: defaultPrefix}
	for _, opt := range options {
		opt(s)
	}
	return s
}

func (s *Store) jobKey(id string) string {
	return s.prefix + "job:" + id
}

func (s *Store) stateKey(queue, state string) string {
	return s.prefix + "queue:" + queue + ":state:" + state
}

func (s *Store) deadLetterKey(id string) string {
	return s.prefix + "dlq:" + id
}

func (s *Store) wrapError(err error) error {
	switch {
	case err == nil:
		return nil
	case err == goredis.Nil:
		return jobqueue.ErrNotFound
	}
	return errors.Wrap(err, "redis")
}

// scriptError maps the status returned by a script.
func scriptError(status interface{}) error {
	switch status {
	case "ok":
		return nil
	case "dup":
		return jobqueue.ErrDuplicateJob
	case "notfound":
		return jobqueue.ErrNotFound
	case "leaselost":
		return jobqueue.ErrLeaseLost
	case "conflict":
		return jobqueue.ErrInvalidState
	}
	return errors.Errorf("redis: unexpected script result %v", status)
}

// Start checks the connection.
func (s *Store) Start(ctx context.Context) error {
	return s.wrapError(s.rdb.Ping(ctx).Err())
}

// Close closes the client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Create adds a new job to the store.
func (s *Store) Create(ctx context.Context, job *jobqueue.Job) error {
	fields, err := jobFields(job)
	if err != nil {
		return err
	}
	args := append([]interface{}{s.prefix, job.ID}, fields...)
	status, err := createScript.Run(ctx, s.rdb, nil, args...).Result()
	if err != nil {
		return s.wrapError(err)
	}
	return scriptError(status)
}

// Lease claims the next eligible job of the queue.
func (s *Store) Lease(ctx context.Context, queue string, req *jobqueue.LeaseRequest) (*jobqueue.Job, error) {
	id, err := leaseScript.Run(ctx, s.rdb, nil,
		s.prefix,
		queue,
		strconv.FormatInt(req.Now.UnixNano(), 10),
		req.Token,
		req.WorkerID,
		strconv.FormatInt(int64(req.DefaultTimeout), 10),
		strconv.FormatInt(int64(req.Margin), 10),
	).Text()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, s.wrapError(err)
	}
	return s.Lookup(ctx, id)
}

// Update updates the job in the store.
func (s *Store) Update(ctx context.Context, job *jobqueue.Job) error {
	cp := job.Clone()
	if cp.State != jobqueue.Active {
		cp.LeaseToken = ""
		cp.LeaseUntil = time.Time{}
		cp.WorkerID = ""
	}
	fields, err := jobFields(cp)
	if err != nil {
		return err
	}
	args := append([]interface{}{s.prefix, job.ID, job.LeaseToken}, fields...)
	status, err := updateScript.Run(ctx, s.rdb, nil, args...).Result()
	if err != nil {
		return s.wrapError(err)
	}
	return scriptError(status)
}

// Delete removes a job from the store.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.wrapError(deleteScript.Run(ctx, s.rdb, nil, s.prefix, id).Err())
}

// Lookup retrieves a single job in the store by its identifier.
func (s *Store) Lookup(ctx context.Context, id string) (*jobqueue.Job, error) {
	h, err := s.rdb.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return nil, s.wrapError(err)
	}
	if len(h) == 0 {
		return nil, jobqueue.ErrNotFound
	}
	return parseJob(h)
}

// queues returns the given queue or all known queues.
func (s *Store) queues(ctx context.Context, queue string) ([]string, error) {
	if queue != "" {
		return []string{queue}, nil
	}
	return s.rdb.SMembers(ctx, s.prefix+"queues").Result()
}

// find returns all jobs of the given queues and states.
func (s *Store) find(ctx context.Context, queue string, states []string) ([]*jobqueue.Job, error) {
	queues, err := s.queues(ctx, queue)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, q := range queues {
		for _, state := range states {
			members, err := s.rdb.SMembers(ctx, s.stateKey(q, state)).Result()
			if err != nil {
				return nil, err
			}
			ids = append(ids, members...)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.rdb.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	var jobs []*jobqueue.Job
	for _, cmd := range cmds {
		h := cmd.Val()
		if len(h) == 0 {
			continue
		}
		job, err := parseJob(h)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// List returns a list of all jobs matching the request.
func (s *Store) List(ctx context.Context, req *jobqueue.ListRequest) (*jobqueue.ListResponse, error) {
	states := jobqueue.States
	if req.State != "" {
		states = []string{req.State}
	}
	jobs, err := s.find(ctx, req.Queue, states)
	if err != nil {
		return nil, s.wrapError(err)
	}
	var matches []*jobqueue.Job
	for _, job := range jobs {
		if req.ParentID != "" && job.ParentID != req.ParentID {
			continue
		}
		matches = append(matches, job)
	}
	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].Updated.Equal(matches[j].Updated) {
			return matches[i].Updated.After(matches[j].Updated)
		}
		return matches[i].ID < matches[j].ID
	})
	rsp := &jobqueue.ListResponse{Total: len(matches)}
	for i, job := range matches {
		if i < req.Offset {
			continue
		}
		if req.Limit > 0 && len(rsp.Jobs) >= req.Limit {
			break
		}
		rsp.Jobs = append(rsp.Jobs, job)
	}
	return rsp, nil
}

// Stats returns statistics about the jobs in the store.
func (s *Store) Stats(ctx context.Context, req *jobqueue.StatsRequest) (*jobqueue.Stats, error) {
	queues, err := s.queues(ctx, req.Queue)
	if err != nil {
		return nil, s.wrapError(err)
	}
	stats := new(jobqueue.Stats)
	for _, q := range queues {
		for _, state := range jobqueue.States {
			n, err := s.rdb.SCard(ctx, s.stateKey(q, state)).Result()
			if err != nil {
				return nil, s.wrapError(err)
			}
			stats.Add(state, int(n))
		}
	}
	return stats, nil
}

// ResolveChild decrements the pending children counter of the parent.
func (s *Store) ResolveChild(ctx context.Context, parentID string) error {
	status, err := resolveChildScript.Run(ctx, s.rdb, nil, s.prefix, parentID, toNanos(time.Now())).Result()
	if err != nil {
		return s.wrapError(err)
	}
	return scriptError(status)
}

// RecoverExpired returns jobs with an expired lease to the waiting state.
func (s *Store) RecoverExpired(ctx context.Context, now time.Time) (int, error) {
	n, err := recoverScript.Run(ctx, s.rdb, nil, s.prefix, toNanos(now)).Int()
	if err != nil {
		return 0, s.wrapError(err)
	}
	return n, nil
}

// Clean removes jobs matching the request.
func (s *Store) Clean(ctx context.Context, req *jobqueue.CleanRequest) (int, error) {
	if len(req.States) == 0 {
		return 0, nil
	}
	jobs, err := s.find(ctx, req.Queue, req.States)
	if err != nil {
		return 0, s.wrapError(err)
	}
	var n int
	for _, job := range jobs {
		if !req.Matches(job) {
			continue
		}
		if err := s.Delete(ctx, job.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// -- Dead letters --

func score(t time.Time) float64 {
	return float64(t.UnixNano() / int64(time.Millisecond))
}

// CreateDeadLetter adds a dead letter record.
func (s *Store) CreateDeadLetter(ctx context.Context, r *jobqueue.DeadLetter) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, s.deadLetterKey(r.ID), data, 0)
		pipe.ZAdd(ctx, s.prefix+"dlq", goredis.Z{Score: score(r.FailedAt), Member: r.ID})
		return nil
	})
	return s.wrapError(err)
}

// UpdateDeadLetter updates a dead letter record.
func (s *Store) UpdateDeadLetter(ctx context.Context, r *jobqueue.DeadLetter) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetXX(ctx, s.deadLetterKey(r.ID), data, 0).Result()
	if err == goredis.Nil || (err == nil && !ok) {
		return jobqueue.ErrNotFound
	}
	return s.wrapError(err)
}

// UpdateDeadLetterIf updates a dead letter record if it still has the given status.
func (s *Store) UpdateDeadLetterIf(ctx context.Context, r *jobqueue.DeadLetter, status string) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	res, err := updateDeadLetterScript.Run(ctx, s.rdb, nil, s.prefix, r.ID, status, data).Result()
	if err != nil {
		return s.wrapError(err)
	}
	return scriptError(res)
}

// LookupDeadLetter returns the record with the specified identifier (or ErrNotFound).
func (s *Store) LookupDeadLetter(ctx context.Context, id string) (*jobqueue.DeadLetter, error) {
	data, err := s.rdb.Get(ctx, s.deadLetterKey(id)).Bytes()
	if err != nil {
		return nil, s.wrapError(err)
	}
	r := new(jobqueue.DeadLetter)
	if err := json.Unmarshal(data, r); err != nil {
		return nil, err
	}
	return r, nil
}

// deadLetters returns the records whose ids are in the range of the dlq set.
func (s *Store) deadLetters(ctx context.Context, max string) ([]*jobqueue.DeadLetter, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, s.prefix+"dlq", &goredis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.deadLetterKey(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	var records []*jobqueue.DeadLetter
	for _, v := range values {
		data, ok := v.(string)
		if !ok {
			continue
		}
		r := new(jobqueue.DeadLetter)
		if err := json.Unmarshal([]byte(data), r); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, nil
}

// ListDeadLetters finds matching dead letter records.
func (s *Store) ListDeadLetters(ctx context.Context, req *jobqueue.DeadLetterListRequest) (*jobqueue.DeadLetterListResponse, error) {
	records, err := s.deadLetters(ctx, "+inf")
	if err != nil {
		return nil, s.wrapError(err)
	}
	var matches []*jobqueue.DeadLetter
	for _, r := range records {
		if req.Matches(r) {
			matches = append(matches, r)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if !a.FailedAt.Equal(b.FailedAt) {
			if req.Ascending {
				return a.FailedAt.Before(b.FailedAt)
			}
			return a.FailedAt.After(b.FailedAt)
		}
		return a.ID < b.ID
	})
	rsp := &jobqueue.DeadLetterListResponse{Total: len(matches)}
	for i, r := range matches {
		if i < req.Offset {
			continue
		}
		if req.Limit > 0 && len(rsp.Records) >= req.Limit {
			break
		}
		rsp.Records = append(rsp.Records, r)
	}
	return rsp, nil
}

// DeleteDeadLetters removes records that failed before the given time.
func (s *Store) DeleteDeadLetters(ctx context.Context, before time.Time) (int, error) {
	records, err := s.deadLetters(ctx, strconv.FormatFloat(score(before), 'f', 0, 64))
	if err != nil {
		return 0, s.wrapError(err)
	}
	var n int
	for _, r := range records {
		if !r.FailedAt.Before(before) {
			continue
		}
		_, err := s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, s.deadLetterKey(r.ID))
			pipe.ZRem(ctx, s.prefix+"dlq", r.ID)
			return nil
		})
		if err != nil {
			return n, s.wrapError(err)
		}
		n++
	}
	return n, nil
}
