// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package sqlstore implements jobqueue.Store and jobqueue.DeadLetterStore
// on top of database/sql. The dialect packages mysql, postgres and sqlite
// configure it for their database.
package sqlstore

import (
	"context"
	"database/sql"
	"math"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	jobqueue "github.com/d1fmarketing/book-automation-sub010"
	"github.com/d1fmarketing/book-automation-sub010/sqlstore/internal"
)

// maxLeaseCandidates is the number of jobs Lease tries to claim before
// giving up in a single call.
const maxLeaseCandidates = 5

// Store represents a persistent SQL storage implementation.
// It implements the jobqueue.Store and jobqueue.DeadLetterStore interfaces.
type Store struct {
	db      *sql.DB
	dialect Dialect
	sb      sq.StatementBuilderType
	logger  zerolog.Logger
	debug   bool
}

// Option is an options provider for Store.
type Option func(*Store)

// SetDebug indicates whether to log every SQL statement at debug level.
func SetDebug(enabled bool) Option {
	return func(s *Store) {
		s.debug = enabled
	}
}

// SetLogger sets the logger used by the store.
func SetLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New returns a store using db with the given dialect. The store takes
// ownership of db and closes it in Close.
func New(db *sql.DB, dialect Dialect, options ...Option) *Store {
	s := &Store{
		db:      db,
		dialect: dialect,
		sb:      sq.StatementBuilder.PlaceholderFormat(dialect.Placeholder),
		logger:  zerolog.Nop(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *Store) toSQL(b sq.Sqlizer) (string, []interface{}, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return "", nil, err
	}
	if s.debug {
		s.logger.Debug().Str("dialect", s.dialect.Name).Str("sql", query).Interface("args", args).Msg("exec")
	}
	return query, args, nil
}

func (s *Store) exec(ctx context.Context, q querier, b sq.Sqlizer) (sql.Result, error) {
	query, args, err := s.toSQL(b)
	if err != nil {
		return nil, err
	}
	return q.ExecContext(ctx, query, args...)
}

func (s *Store) query(ctx context.Context, q querier, b sq.Sqlizer) (*sql.Rows, error) {
	query, args, err := s.toSQL(b)
	if err != nil {
		return nil, err
	}
	return q.QueryContext(ctx, query, args...)
}

func (s *Store) queryRow(ctx context.Context, q querier, b sq.Sqlizer, dest ...interface{}) error {
	query, args, err := s.toSQL(b)
	if err != nil {
		return err
	}
	return q.QueryRowContext(ctx, query, args...).Scan(dest...)
}

func (s *Store) inTx(ctx context.Context, fn func(context.Context, *sql.Tx) error) error {
	return internal.RunInTxWithRetry(ctx, s.db, fn, s.dialect.isRetryable)
}

func (s *Store) withRetry(ctx context.Context, fn func(context.Context) error) error {
	return internal.RunWithRetry(ctx, fn, s.dialect.isRetryable)
}

func (s *Store) wrapError(err error) error {
	switch {
	case err == nil:
		return nil
	case err == sql.ErrNoRows:
		return jobqueue.ErrNotFound
	case err == jobqueue.ErrNotFound, err == jobqueue.ErrLeaseLost, err == jobqueue.ErrDuplicateJob, err == jobqueue.ErrInvalidState:
		return err
	case s.dialect.isDup(err):
		return jobqueue.ErrDuplicateJob
	}
	return errors.Wrapf(err, "%s", s.dialect.Name)
}

// Start creates the schema.
func (s *Store) Start(ctx context.Context) error {
	for _, stmt := range s.dialect.Schema {
		if s.debug {
			s.logger.Debug().Str("dialect", s.dialect.Name).Str("sql", stmt).Msg("schema")
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "%s: create schema", s.dialect.Name)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create adds a new job to the store.
func (s *Store) Create(ctx context.Context, job *jobqueue.Job) error {
	j, err := newJobRow(job)
	if err != nil {
		return err
	}
	err = s.withRetry(ctx, func(ctx context.Context) error {
		_, err := s.exec(ctx, s.db, s.sb.Insert(jobsTable).Columns(jobColumns...).Values(j.values()...))
		return err
	})
	return s.wrapError(err)
}

// Lease claims the next eligible job of the queue.
func (s *Store) Lease(ctx context.Context, queue string, req *jobqueue.LeaseRequest) (*jobqueue.Job, error) {
	var leased *jobqueue.Job
	err := s.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		leased = nil
		for i := 0; i < maxLeaseCandidates; i++ {
			qry := s.sb.Select(jobColumns...).
				From(jobsTable).
				Where(sq.Eq{
					"queue":            queue,
					"state":            []string{jobqueue.Waiting, jobqueue.Delayed},
					"pending_children": 0,
				}).
				Where(sq.LtOrEq{"run_at": req.Now.UnixNano()}).
				OrderBy("priority DESC", "run_at ASC", "created ASC").
				Limit(1)
			if s.dialect.LeaseLock != "" {
				qry = qry.Suffix(s.dialect.LeaseLock)
			}
			var j jobRow
			err := s.queryRow(ctx, tx, qry, j.dest()...)
			if err == sql.ErrNoRows {
				return nil
			}
			if err != nil {
				return err
			}
			job, err := j.toJob()
			if err != nil {
				return err
			}
			req.Apply(job)

			// Claim the job only if nobody else did in the meantime.
			res, err := s.exec(ctx, tx, s.sb.Update(jobsTable).
				SetMap(map[string]interface{}{
					"state":       job.State,
					"lease_token": job.LeaseToken,
					"lease_until": toNanos(job.LeaseUntil),
					"worker_id":   job.WorkerID,
					"started":     toNanos(job.Started),
					"updated":     toNanos(job.Updated),
				}).
				Where(sq.Eq{
					"id":    job.ID,
					"state": []string{jobqueue.Waiting, jobqueue.Delayed},
				}))
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err != nil {
				return err
			} else if n == 1 {
				leased = job
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, s.wrapError(err)
	}
	return leased, nil
}

// Update updates the job in the store.
func (s *Store) Update(ctx context.Context, job *jobqueue.Job) error {
	j, err := newJobRow(job)
	if err != nil {
		return err
	}
	if job.State != jobqueue.Active {
		j.LeaseToken = ""
		j.LeaseUntil = 0
		j.WorkerID = ""
	}
	err = s.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		qry := s.sb.Select("state", "lease_token").From(jobsTable).Where(sq.Eq{"id": job.ID})
		if s.dialect.RowLock != "" {
			qry = qry.Suffix(s.dialect.RowLock)
		}
		var state, token string
		if err := s.queryRow(ctx, tx, qry, &state, &token); err != nil {
			return err
		}
		if state == jobqueue.Active && token != job.LeaseToken {
			return jobqueue.ErrLeaseLost
		}
		_, err := s.exec(ctx, tx, s.sb.Update(jobsTable).SetMap(j.setMap()).Where(sq.Eq{"id": job.ID}))
		return err
	})
	return s.wrapError(err)
}

// Delete removes a job from the store.
func (s *Store) Delete(ctx context.Context, id string) error {
	err := s.withRetry(ctx, func(ctx context.Context) error {
		_, err := s.exec(ctx, s.db, s.sb.Delete(jobsTable).Where(sq.Eq{"id": id}))
		return err
	})
	return s.wrapError(err)
}

// Lookup retrieves a single job in the store by its identifier.
func (s *Store) Lookup(ctx context.Context, id string) (*jobqueue.Job, error) {
	var j jobRow
	err := s.queryRow(ctx, s.db, s.sb.Select(jobColumns...).From(jobsTable).Where(sq.Eq{"id": id}), j.dest()...)
	if err != nil {
		return nil, s.wrapError(err)
	}
	return j.toJob()
}

func listFilter(req *jobqueue.ListRequest) sq.Eq {
	filter := sq.Eq{}
	if req.Queue != "" {
		filter["queue"] = req.Queue
	}
	if req.State != "" {
		filter["state"] = req.State
	}
	if req.ParentID != "" {
		filter["parent_id"] = req.ParentID
	}
	return filter
}

// page returns limit and offset for a query. Some databases only accept
// an offset together with a limit.
func page(limit, offset int) (uint64, uint64) {
	if limit <= 0 {
		return math.MaxInt32, uint64(max(offset, 0))
	}
	return uint64(limit), uint64(max(offset, 0))
}

// List returns a list of all jobs matching the request.
func (s *Store) List(ctx context.Context, req *jobqueue.ListRequest) (*jobqueue.ListResponse, error) {
	rsp := &jobqueue.ListResponse{}
	filter := listFilter(req)

	// Count
	err := s.queryRow(ctx, s.db, s.sb.Select("COUNT(*)").From(jobsTable).Where(filter), &rsp.Total)
	if err != nil {
		return nil, s.wrapError(err)
	}

	// Find
	limit, offset := page(req.Limit, req.Offset)
	rows, err := s.query(ctx, s.db, s.sb.Select(jobColumns...).
		From(jobsTable).
		Where(filter).
		OrderBy("updated DESC", "id ASC").
		Limit(limit).
		Offset(offset))
	if err != nil {
		return nil, s.wrapError(err)
	}
	defer rows.Close()
	for rows.Next() {
		var j jobRow
		if err := rows.Scan(j.dest()...); err != nil {
			return nil, s.wrapError(err)
		}
		job, err := j.toJob()
		if err != nil {
			return nil, err
		}
		rsp.Jobs = append(rsp.Jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrapError(err)
	}
	return rsp, nil
}

// Stats returns statistics about the jobs in the store.
func (s *Store) Stats(ctx context.Context, req *jobqueue.StatsRequest) (*jobqueue.Stats, error) {
	qry := s.sb.Select("state", "COUNT(*)").From(jobsTable).GroupBy("state")
	if req.Queue != "" {
		qry = qry.Where(sq.Eq{"queue": req.Queue})
	}
	rows, err := s.query(ctx, s.db, qry)
	if err != nil {
		return nil, s.wrapError(err)
	}
	defer rows.Close()
	stats := new(jobqueue.Stats)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, s.wrapError(err)
		}
		stats.Add(state, n)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrapError(err)
	}
	return stats, nil
}

// ResolveChild decrements the pending children counter of the parent.
func (s *Store) ResolveChild(ctx context.Context, parentID string) error {
	err := s.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		qry := s.sb.Select("pending_children").From(jobsTable).Where(sq.Eq{"id": parentID})
		if s.dialect.RowLock != "" {
			qry = qry.Suffix(s.dialect.RowLock)
		}
		var pending int
		if err := s.queryRow(ctx, tx, qry, &pending); err != nil {
			return err
		}
		if pending <= 0 {
			return nil
		}
		_, err := s.exec(ctx, tx, s.sb.Update(jobsTable).
			Set("pending_children", sq.Expr("pending_children - 1")).
			Set("updated", time.Now().UnixNano()).
			Where(sq.Eq{"id": parentID}).
			Where(sq.Gt{"pending_children": 0}))
		return err
	})
	return s.wrapError(err)
}

// RecoverExpired returns jobs with an expired lease to the waiting state.
func (s *Store) RecoverExpired(ctx context.Context, now time.Time) (int, error) {
	var n int64
	err := s.withRetry(ctx, func(ctx context.Context) error {
		res, err := s.exec(ctx, s.db, s.sb.Update(jobsTable).
			SetMap(map[string]interface{}{
				"state":       jobqueue.Waiting,
				"lease_token": "",
				"lease_until": 0,
				"worker_id":   "",
				"updated":     now.UnixNano(),
			}).
			Where(sq.Eq{"state": jobqueue.Active}).
			Where(sq.LtOrEq{"lease_until": now.UnixNano()}))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, s.wrapError(err)
	}
	return int(n), nil
}

// Clean removes jobs matching the request.
func (s *Store) Clean(ctx context.Context, req *jobqueue.CleanRequest) (int, error) {
	if len(req.States) == 0 {
		return 0, nil
	}
	qry := s.sb.Delete(jobsTable).Where(sq.Eq{"queue": req.Queue, "state": req.States})
	if !req.Before.IsZero() {
		qry = qry.Where(sq.Lt{"updated": req.Before.UnixNano()})
	}
	var n int64
	err := s.withRetry(ctx, func(ctx context.Context) error {
		res, err := s.exec(ctx, s.db, qry)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, s.wrapError(err)
	}
	return int(n), nil
}
