package mysql

import (
	"time"

	"github.com/cenkalti/backoff"
	// include mysql driver
	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

func NewConnector() Connector {
	return &connector{}
}

type Connector interface {
	Open(dsn string, cfg Config) error
	Close() error

	TransactionalClient() TransactionalClient
}

type Config struct {
	MaxConnections        int
	ConnectionMaxLifeTime time.Duration
	ConnectionMaxIdleTime time.Duration
	// ConnectTimeout bounds how long Open keeps retrying the initial ping.
	ConnectTimeout time.Duration
}

type connector struct {
	db *sqlx.DB
}

func (c *connector) Open(dsn string, cfg Config) error {
	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		return errors.WithStack(err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetConnMaxLifetime(cfg.ConnectionMaxLifeTime)
	db.SetConnMaxIdleTime(cfg.ConnectionMaxIdleTime)

	pingErr := backoff.Retry(db.Ping, newBackOff(cfg.ConnectTimeout))
	if pingErr != nil {
		closeErr := db.Close()
		if closeErr != nil {
			return errors.WithStack(closeErr)
		}
		return errors.Wrap(pingErr, "failed to ping mysql")
	}

	c.db = db
	return nil
}

func (c *connector) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return errors.New("db not initialized")
}

func (c *connector) TransactionalClient() TransactionalClient {
	return &transactionalClient{c.db}
}

func newBackOff(timeout time.Duration) backoff.BackOff {
	exponentialBackOff := backoff.NewExponentialBackOff()
	const defaultTimeout = 60 * time.Second
	if timeout != 0 {
		exponentialBackOff.MaxElapsedTime = timeout
	} else {
		exponentialBackOff.MaxElapsedTime = defaultTimeout
	}
	exponentialBackOff.MaxInterval = 5 * time.Second
	return exponentialBackOff
}
