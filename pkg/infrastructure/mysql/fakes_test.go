package mysql

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
)

type noopClientContext struct{}

func (noopClientContext) QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error) {
	return nil, errors.New("not supported")
}

func (noopClientContext) QueryRowContext(context.Context, string, ...interface{}) *sql.Row {
	return nil
}

func (noopClientContext) ExecContext(context.Context, string, ...interface{}) (sql.Result, error) {
	return nil, errors.New("not supported")
}

func (noopClientContext) SelectContext(context.Context, interface{}, string, ...interface{}) error {
	return errors.New("not supported")
}

func (noopClientContext) GetContext(context.Context, interface{}, string, ...interface{}) error {
	return errors.New("not supported")
}

// fakeClient hands out at most cap(slots) connections, blocking like database/sql
// does once MaxOpenConns is reached. Named locks are owned per connection.
type fakeClient struct {
	noopClientContext

	slots chan struct{}

	mu         sync.Mutex
	locks      map[string]*fakeConnection
	opened     int
	closed     int
	begun      int
	committed  int
	rolledBack int
}

func newFakeClient(maxConnections int) *fakeClient {
	return &fakeClient{
		slots: make(chan struct{}, maxConnections),
		locks: make(map[string]*fakeConnection),
	}
}

func (c *fakeClient) BeginTransaction() (Transaction, error) {
	return nil, errors.New("not supported")
}

func (c *fakeClient) Connection(ctx context.Context) (TransactionalConnection, error) {
	select {
	case c.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opened++
	return &fakeConnection{client: c}, nil
}

func (c *fakeClient) stats() (opened, closed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened, c.closed
}

func (c *fakeClient) transactions() (begun, committed, rolledBack int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.begun, c.committed, c.rolledBack
}

func (c *fakeClient) lockOwner(name string) *fakeConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locks[name]
}

type fakeConnection struct {
	noopClientContext

	client *fakeClient
	closed bool
}

func (conn *fakeConnection) GetContext(_ context.Context, dest interface{}, query string, args ...interface{}) error {
	result, ok := dest.(*sql.NullInt32)
	if !ok || len(args) == 0 {
		return errors.New("unexpected query")
	}
	name, _ := args[0].(string)

	c := conn.client
	c.mu.Lock()
	defer c.mu.Unlock()
	owner, held := c.locks[name]
	switch {
	case strings.Contains(query, "GET_LOCK"):
		if held && owner != conn {
			*result = sql.NullInt32{Int32: 0, Valid: true}
			return nil
		}
		c.locks[name] = conn
		*result = sql.NullInt32{Int32: 1, Valid: true}
	case strings.Contains(query, "RELEASE_LOCK"):
		if !held {
			*result = sql.NullInt32{}
			return nil
		}
		if owner != conn {
			*result = sql.NullInt32{Int32: 0, Valid: true}
			return nil
		}
		delete(c.locks, name)
		*result = sql.NullInt32{Int32: 1, Valid: true}
	default:
		return errors.New("unexpected query")
	}
	return nil
}

func (conn *fakeConnection) BeginTransaction(context.Context, *sql.TxOptions) (Transaction, error) {
	conn.client.mu.Lock()
	defer conn.client.mu.Unlock()
	conn.client.begun++
	return &fakeTransaction{client: conn.client}, nil
}

func (conn *fakeConnection) Close() error {
	c := conn.client
	c.mu.Lock()
	if conn.closed {
		c.mu.Unlock()
		return errors.New("connection already closed")
	}
	conn.closed = true
	c.closed++
	c.mu.Unlock()
	<-c.slots
	return nil
}

type fakeTransaction struct {
	noopClientContext

	client *fakeClient
	done   bool
}

func (tx *fakeTransaction) Commit() error {
	tx.client.mu.Lock()
	defer tx.client.mu.Unlock()
	if tx.done {
		return sql.ErrTxDone
	}
	tx.done = true
	tx.client.committed++
	return nil
}

func (tx *fakeTransaction) Rollback() error {
	tx.client.mu.Lock()
	defer tx.client.mu.Unlock()
	if tx.done {
		return sql.ErrTxDone
	}
	tx.done = true
	tx.client.rolledBack++
	return nil
}

func clientProvider(client ClientContext) ClientContext {
	return client
}
