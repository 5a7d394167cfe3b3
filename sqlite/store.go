// Package sqlite implements a jobqueue store backed by SQLite.
package sqlite

import (
	"database/sql"
	"errors"

	sq "github.com/Masterminds/squirrel"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/d1fmarketing/book-automation-sub010/sqlstore"
)

const (
	sqliteJobsSchema = `CREATE TABLE IF NOT EXISTS jobqueue_jobs (
id varchar(64) primary key,
queue varchar(255) not null,
type varchar(255) not null,
state varchar(30) not null,
payload text not null,
priority bigint not null,
attempts_made integer not null,
max_attempts integer not null,
backoff_type varchar(30) not null,
backoff_delay bigint not null,
timeout bigint not null,
run_at bigint not null,
progress integer not null,
result text not null,
last_error text not null,
lease_token varchar(64) not null,
lease_until bigint not null,
worker_id varchar(255) not null,
parent_id varchar(64) not null,
pending_children integer not null,
dead_letter_id varchar(64) not null,
history text not null,
created bigint not null,
updated bigint not null,
started bigint not null,
completed bigint not null);`

	sqliteDeadLettersSchema = `CREATE TABLE IF NOT EXISTS jobqueue_dead_letters (
id varchar(64) primary key,
job_id varchar(64) not null,
queue varchar(255) not null,
type varchar(255) not null,
payload text not null,
priority bigint not null,
max_attempts integer not null,
backoff_type varchar(30) not null,
backoff_delay bigint not null,
timeout bigint not null,
parent_id varchar(64) not null,
reason text not null,
error_code varchar(64) not null,
stack text not null,
attempts_made integer not null,
failed_at bigint not null,
history text not null,
estimated_cost double precision not null,
status varchar(30) not null,
retry_count integer not null,
retried_at bigint not null,
retry_job_id varchar(64) not null);`
)

// Dialect configures sqlstore for SQLite.
var Dialect = sqlstore.Dialect{
	Name:        "sqlite",
	Placeholder: sq.Question,
	Schema: []string{
		sqliteJobsSchema,
		`CREATE INDEX IF NOT EXISTS ix_jobs_lease ON jobqueue_jobs (queue, state, priority, run_at)`,
		`CREATE INDEX IF NOT EXISTS ix_jobs_parent_id ON jobqueue_jobs (parent_id)`,
		`CREATE INDEX IF NOT EXISTS ix_jobs_updated ON jobqueue_jobs (updated)`,
		`CREATE INDEX IF NOT EXISTS ix_jobs_lease_until ON jobqueue_jobs (state, lease_until)`,
		sqliteDeadLettersSchema,
		`CREATE INDEX IF NOT EXISTS ix_dead_letters_queue_status ON jobqueue_dead_letters (queue, status)`,
		`CREATE INDEX IF NOT EXISTS ix_dead_letters_failed_at ON jobqueue_dead_letters (failed_at)`,
	},
	IsDup:       IsDup,
	IsRetryable: IsBusy,
}

// Store is a SQLite-based storage.
type Store struct {
	*sqlstore.Store
}

// StoreOption is an options provider for Store.
type StoreOption = sqlstore.Option

// SetDebug indicates whether to log every SQL statement.
var SetDebug = sqlstore.SetDebug

// SetLogger sets the logger of the store.
var SetLogger = sqlstore.SetLogger

// NewStore opens the SQLite database at path, e.g. "jobs.db" or ":memory:".
func NewStore(path string, options ...StoreOption) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer. A single connection also keeps an
	// in-memory database alive for the lifetime of the store.
	db.SetMaxOpenConns(1)
	return &Store{Store: sqlstore.New(db, Dialect, options...)}, nil
}

// IsDup returns true if the given error indicates that we found
// a duplicate record.
func IsDup(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

// IsBusy returns true if the given error indicates that the database
// was locked by another connection.
func IsBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}
