package mysql

import (
	"context"
	"database/sql"
	"errors"
	"time"

	liberrors "github.com/pkg/errors"
)

var (
	ErrLockTimeout   = errors.New("lock timed out")
	ErrLockNotLocked = errors.New("lock not locked")
	ErrLockNotFound  = errors.New("lock not found")
)

type Lock interface {
	Lock() error
	Unlock() error
}

// NewLock returns a session-level GET_LOCK lock scoped to the current database.
// A zero timeout fails immediately when another session holds the lock.
func NewLock(ctx context.Context, lockName string, timeout time.Duration, client ClientContext) Lock {
	return &lock{
		ctx:      ctx,
		lockName: lockName,
		timeout:  timeout,
		client:   client,
	}
}

type lock struct {
	ctx      context.Context
	lockName string
	timeout  time.Duration
	client   ClientContext
}

func (l lock) Lock() error {
	const sqlQuery = "SELECT GET_LOCK(SUBSTRING(CONCAT(?, '.', DATABASE()), 1, 64), ?)"
	var result sql.NullInt32
	err := l.client.GetContext(l.ctx, &result, sqlQuery, l.lockName, int(l.timeout.Seconds()))
	if err != nil {
		return liberrors.WithStack(err)
	}
	if !result.Valid || result.Int32 == 0 {
		return ErrLockTimeout
	}
	return nil
}

func (l lock) Unlock() error {
	const sqlQuery = "SELECT RELEASE_LOCK(SUBSTRING(CONCAT(?, '.', DATABASE()), 1, 64))"
	var result sql.NullInt32
	err := l.client.GetContext(l.ctx, &result, sqlQuery, l.lockName)
	if err != nil {
		return liberrors.WithStack(err)
	}
	if !result.Valid {
		return ErrLockNotFound
	}
	if result.Int32 == 0 {
		return ErrLockNotLocked
	}
	return nil
}
