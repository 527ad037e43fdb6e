package triesql

import (
	"database/sql"
	"strings"
	"time"
)

const lockedRetryWait = 50 * time.Millisecond

// RetryDB retries 'database is locked' / 'database is busy' errors. The
// migration tools may briefly race a node still holding the db open.
type RetryDB struct {
	db *sql.DB
}

func NewRetryDB(db *sql.DB) *RetryDB {
	return &RetryDB{db: db}
}

func isDbLockedError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database is busy")
}

func retry[T any](what string, query string, f func() (T, error)) (T, error) {
	for {
		out, err := f()
		if err == nil || !isDbLockedError(err) {
			return out, err
		}

		log.Warnw("database is locked, retrying", "op", what, "query", query, "err", err)
		time.Sleep(lockedRetryWait)
	}
}

func (d *RetryDB) Exec(query string, args ...interface{}) (sql.Result, error) {
	return retry("exec", query, func() (sql.Result, error) {
		return d.db.Exec(query, args...)
	})
}

func (d *RetryDB) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return retry("query", query, func() (*sql.Rows, error) {
		return d.db.Query(query, args...)
	})
}

// QueryRow retries while the row reports a locked error; other errors
// surface from Scan
func (d *RetryDB) QueryRow(query string, args ...interface{}) *sql.Row {
	for {
		row := d.db.QueryRow(query, args...)
		err := row.Err()
		if err == nil || !isDbLockedError(err) {
			return row
		}

		log.Warnw("database is locked, retrying", "op", "queryrow", "query", query, "err", err)
		time.Sleep(lockedRetryWait)
	}
}

func (d *RetryDB) Begin() (*sql.Tx, error) {
	return retry("begin", "", d.db.Begin)
}

func (d *RetryDB) Close() error {
	return d.db.Close()
}
