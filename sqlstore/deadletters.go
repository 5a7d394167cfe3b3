package sqlstore

import (
	"context"
	"database/sql"
	"time"

	sq "github.com/Masterminds/squirrel"

	jobqueue "github.com/d1fmarketing/book-automation-sub010"
)

// CreateDeadLetter adds a dead letter record.
func (s *Store) CreateDeadLetter(ctx context.Context, r *jobqueue.DeadLetter) error {
	row, err := newDeadLetterRow(r)
	if err != nil {
		return err
	}
	err = s.withRetry(ctx, func(ctx context.Context) error {
		_, err := s.exec(ctx, s.db, s.sb.Insert(deadLettersTable).Columns(deadLetterColumns...).Values(row.values()...))
		return err
	})
	return s.wrapError(err)
}

// UpdateDeadLetter updates a dead letter record.
func (s *Store) UpdateDeadLetter(ctx context.Context, r *jobqueue.DeadLetter) error {
	row, err := newDeadLetterRow(r)
	if err != nil {
		return err
	}
	err = s.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var n int
		err := s.queryRow(ctx, tx, s.sb.Select("COUNT(*)").From(deadLettersTable).Where(sq.Eq{"id": r.ID}), &n)
		if err != nil {
			return err
		}
		if n == 0 {
			return jobqueue.ErrNotFound
		}
		_, err = s.exec(ctx, tx, s.sb.Update(deadLettersTable).SetMap(row.setMap()).Where(sq.Eq{"id": r.ID}))
		return err
	})
	return s.wrapError(err)
}

// UpdateDeadLetterIf updates a dead letter record if its status matches.
func (s *Store) UpdateDeadLetterIf(ctx context.Context, r *jobqueue.DeadLetter, status string) error {
	row, err := newDeadLetterRow(r)
	if err != nil {
		return err
	}
	err = s.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var cur string
		err := s.queryRow(ctx, tx, s.sb.Select("status").From(deadLettersTable).Where(sq.Eq{"id": r.ID}), &cur)
		if err == sql.ErrNoRows {
			return jobqueue.ErrNotFound
		}
		if err != nil {
			return err
		}
		if cur != status {
			return jobqueue.ErrInvalidState
		}
		// The status condition fails if a concurrent transaction changed it.
		res, err := s.exec(ctx, tx, s.sb.Update(deadLettersTable).SetMap(row.setMap()).Where(sq.Eq{"id": r.ID, "status": status}))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return jobqueue.ErrInvalidState
		}
		return nil
	})
	return s.wrapError(err)
}

// LookupDeadLetter returns the record with the specified identifier (or ErrNotFound).
func (s *Store) LookupDeadLetter(ctx context.Context, id string) (*jobqueue.DeadLetter, error) {
	var row deadLetterRow
	err := s.queryRow(ctx, s.db, s.sb.Select(deadLetterColumns...).From(deadLettersTable).Where(sq.Eq{"id": id}), row.dest()...)
	if err != nil {
		return nil, s.wrapError(err)
	}
	return row.toDeadLetter()
}

// ListDeadLetters finds matching dead letter records.
func (s *Store) ListDeadLetters(ctx context.Context, req *jobqueue.DeadLetterListRequest) (*jobqueue.DeadLetterListResponse, error) {
	rsp := &jobqueue.DeadLetterListResponse{}
	filter := sq.Eq{}
	if req.Queue != "" {
		filter["queue"] = req.Queue
	}
	if req.Status != "" {
		filter["status"] = req.Status
	}

	err := s.queryRow(ctx, s.db, s.sb.Select("COUNT(*)").From(deadLettersTable).Where(filter), &rsp.Total)
	if err != nil {
		return nil, s.wrapError(err)
	}

	order := "failed_at DESC"
	if req.Ascending {
		order = "failed_at ASC"
	}
	limit, offset := page(req.Limit, req.Offset)
	rows, err := s.query(ctx, s.db, s.sb.Select(deadLetterColumns...).
		From(deadLettersTable).
		Where(filter).
		OrderBy(order, "id ASC").
		Limit(limit).
		Offset(offset))
	if err != nil {
		return nil, s.wrapError(err)
	}
	defer rows.Close()
	for rows.Next() {
		var row deadLetterRow
		if err := rows.Scan(row.dest()...); err != nil {
			return nil, s.wrapError(err)
		}
		r, err := row.toDeadLetter()
		if err != nil {
			return nil, err
		}
		rsp.Records = append(rsp.Records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrapError(err)
	}
	return rsp, nil
}

// DeleteDeadLetters removes records that failed before the given time.
func (s *Store) DeleteDeadLetters(ctx context.Context, before time.Time) (int, error) {
	var n int64
	err := s.withRetry(ctx, func(ctx context.Context) error {
		res, err := s.exec(ctx, s.db, s.sb.Delete(deadLettersTable).Where(sq.Lt{"failed_at": before.UnixNano()}))
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
