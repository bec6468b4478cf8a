package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	sqlite3 "modernc.org/sqlite/lib"
)

// retryPolicy reruns an append whose transaction lost a race with another
// writer. Backoff doubles from base up to max, plus up to base of jitter.
type retryPolicy struct {
	attempts  int
	base      time.Duration
	max       time.Duration
	retriable func(error) bool
}

var (
	postgresAppendRetry = retryPolicy{attempts: 4, base: 20 * time.Millisecond, max: 500 * time.Millisecond, retriable: pgTransient}
	sqliteAppendRetry   = retryPolicy{attempts: 4, base: 10 * time.Millisecond, max: 250 * time.Millisecond, retriable: sqliteBusy}
)

func (p retryPolicy) do(ctx context.Context, fn func() error) error {
	delay := p.base
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil || !p.retriable(err) || attempt >= p.attempts {
			return err
		}
		wait := delay
		if p.base > 0 {
			wait += time.Duration(rand.Int64N(int64(p.base))) //nolint:gosec // jitter only
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(wait):
		}
		delay = min(delay*2, p.max)
	}
}

// pgTransient matches serialization failures, deadlocks and lock timeouts.
func pgTransient(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03":
		return true
	}
	return false
}

// sqliteBusy matches SQLITE_BUSY and SQLITE_LOCKED, including their extended
// codes, which outlast busy_timeout under heavy write contention.
func sqliteBusy(err error) bool {
	var coded interface{ Code() int }
	if !errors.As(err, &coded) {
		return false
	}
	switch coded.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}
