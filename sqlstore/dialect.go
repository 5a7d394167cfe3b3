package sqlstore

import (
	sq "github.com/Masterminds/squirrel"
)

const (
	jobsTable        = "jobqueue_jobs"
	deadLettersTable = "jobqueue_dead_letters"
)

// Dialect describes the differences between the SQL databases supported
// by Store.
type Dialect struct {
	// Name of the dialect, e.g. "mysql".
	Name string
	// Placeholder is the bind parameter format of the driver.
	Placeholder sq.PlaceholderFormat
	// Schema lists the statements to create tables and indices. They must
	// be idempotent as they run on every start.
	Schema []string
	// LeaseLock is appended to the query selecting the next job to lease,
	// e.g. "FOR UPDATE SKIP LOCKED".
	LeaseLock string
	// RowLock is appended to queries reading a row before it is updated,
	// e.g. "FOR UPDATE".
	RowLock string
	// IsDup returns true if err reports a duplicate primary key.
	IsDup func(err error) bool
	// IsRetryable returns true if err reports a deadlock or another
	// transient conflict that succeeds when the transaction is repeated.
	IsRetryable func(err error) bool
}

func (d Dialect) isDup(err error) bool {
	return d.IsDup != nil && d.IsDup(err)
}

func (d Dialect) isRetryable(err error) bool {
	return d.IsRetryable != nil && d.IsRetryable(err)
}
