// Package mysql implements a jobqueue store backed by MySQL 8.
package mysql

import (
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	mysqldriver "github.com/go-sql-driver/mysql"

	"github.com/d1fmarketing/book-automation-sub010/sqlstore"
)

const (
	mysqlJobsSchema = `CREATE TABLE IF NOT EXISTS jobqueue_jobs (
id varchar(64) primary key,
queue varchar(255) not null,
type varchar(255) not null,
state varchar(30) not null,
payload longtext not null,
priority bigint not null,
attempts_made integer not null,
max_attempts integer not null,
backoff_type varchar(30) not null,
backoff_delay bigint not null,
timeout bigint not null,
run_at bigint not null,
progress integer not null,
result longtext not null,
last_error text not null,
lease_token varchar(64) not null,
lease_until bigint not null,
worker_id varchar(255) not null,
parent_id varchar(64) not null,
pending_children integer not null,
dead_letter_id varchar(64) not null,
history longtext not null,
created bigint not null,
updated bigint not null,
started bigint not null,
completed bigint not null,
index ix_jobs_lease (queue, state, priority, run_at),
index ix_jobs_parent_id (parent_id),
index ix_jobs_updated (updated),
index ix_jobs_lease_until (state, lease_until));`

	mysqlDeadLettersSchema = `CREATE TABLE IF NOT EXISTS jobqueue_dead_letters (
id varchar(64) primary key,
job_id varchar(64) not null,
queue varchar(255) not null,
type varchar(255) not null,
payload longtext not null,
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
history longtext not null,
estimated_cost double precision not null,
status varchar(30) not null,
retry_count integer not null,
retried_at bigint not null,
retry_job_id varchar(64) not null,
index ix_dead_letters_queue_status (queue, status),
index ix_dead_letters_failed_at (failed_at));`
)

// Dialect configures sqlstore for MySQL 8.
var Dialect = sqlstore.Dialect{
	Name:        "mysql",
	Placeholder: sq.Question,
	Schema:      []string{mysqlJobsSchema, mysqlDeadLettersSchema},
	LeaseLock:   "FOR UPDATE SKIP LOCKED",
	RowLock:     "FOR UPDATE",
	IsDup:       IsDup,
	IsRetryable: IsDeadlock,
}

// Store represents a persistent MySQL storage implementation.
// It implements the jobqueue.Store and jobqueue.DeadLetterStore interfaces.
type Store struct {
	*sqlstore.Store
}

// StoreOption is an options provider for Store.
type StoreOption = sqlstore.Option

// SetDebug indicates whether to enable or disable debugging (which will
// log SQL statements).
var SetDebug = sqlstore.SetDebug

// SetLogger sets the logger of the store.
var SetLogger = sqlstore.SetLogger

// NewStore initializes a new MySQL-based storage. The database in url
// is created if it does not exist.
func NewStore(url string, options ...StoreOption) (*Store, error) {
	cfg, err := mysqldriver.ParseDSN(url)
	if err != nil {
		return nil, err
	}
	dbname := cfg.DBName
	if dbname == "" {
		return nil, errors.New("mysql: no database specified")
	}
	// Report matched instead of changed rows in RowsAffected
	cfg.ClientFoundRows = true

	// First connect without DB name
	cfg.DBName = ""
	setupdb, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, err
	}
	defer setupdb.Close()
	// Create database
	_, err = setupdb.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", dbname))
	if err != nil {
		return nil, err
	}

	// Now connect again, this time with the db name
	cfg.DBName = dbname
	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, err
	}
	return &Store{Store: sqlstore.New(db, Dialect, options...)}, nil
}

// IsDup returns true if the given error indicates that we found
// a duplicate record.
func IsDup(err error) bool {
	var me *mysqldriver.MySQLError
	if !errors.As(err, &me) {
		return false
	}
	return me.Number == 1062 // Duplicate key error
}

// IsDeadlock returns true if the given error indicates that we
// found a deadlock or timed out waiting for a lock.
func IsDeadlock(err error) bool {
	var me *mysqldriver.MySQLError
	if !errors.As(err, &me) {
		return false
	}
	// Error 1213: Deadlock found when trying to get lock; try restarting transaction
	// Error 1205: Lock wait timeout exceeded; try restarting transaction
	return me.Number == 1213 || me.Number == 1205
}
