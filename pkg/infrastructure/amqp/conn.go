package amqp

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/singleflight"

	"gitea.xscloud.ru/xscloud/eventrelay/pkg/application/logging"
	"gitea.xscloud.ru/xscloud/eventrelay/pkg/application/outbox"
	liberr "gitea.xscloud.ru/xscloud/eventrelay/pkg/common/errors"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

const connectKey = "connect"

type connection interface {
	Channel() (channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Confirm(noWait bool) error
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

type dialer func(config ConnectionConfig, appID string) (connection, error)

// Gateway owns the single broker connection and channel of the process. The
// connection is established on demand: there is no background reconnect loop, a
// closed connection is discarded and the next Publish or Subscribe dials again.
type Gateway struct {
	config Config
	logger logging.Logger
	dial   dialer
	newID  func() (string, error)
	now    func() time.Time

	connectGroup singleflight.Group

	mu         sync.Mutex
	state      State
	generation uint64
	closed     bool
	conn       connection
	channel    channel
}

func NewGateway(config Config, logger logging.Logger) *Gateway {
	return newGateway(config, logger, dialAMQP)
}

func newGateway(config Config, logger logging.Logger, dial dialer) *Gateway {
	config.normalize()
	g := &Gateway{
		config: config,
		logger: logger.WithField("exchange", config.Exchange),
		dial:   dial,
		newID:  outbox.NewEventID,
		now:    func() time.Time { return time.Now().UTC() },
	}
	if g.disabled() {
		g.logger.Info("AMQP host is not configured, broker gateway is disabled")
	}
	return g
}

func (g *Gateway) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// EnsureConnection connects unless already connected. Concurrent callers share
// one in-flight attempt. In disabled mode it does nothing.
func (g *Gateway) EnsureConnection(ctx context.Context) error {
	if g.disabled() {
		return nil
	}
	g.mu.Lock()
	state, closed := g.state, g.closed
	g.mu.Unlock()
	if closed {
		return ErrGatewayClosed
	}
	if state == StateConnected {
		return nil
	}

	result := g.connectGroup.DoChan(connectKey, func() (interface{}, error) {
		return nil, g.connect()
	})
	select {
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	case r := <-result:
		return r.Err
	}
}

func (g *Gateway) Close() error {
	g.mu.Lock()
	g.closed = true
	g.generation++
	conn, ch := g.conn, g.channel
	g.conn, g.channel, g.state = nil, nil, StateDisconnected
	g.mu.Unlock()

	return closeHandles(conn, ch)
}

func (g *Gateway) connect() (err error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrGatewayClosed
	}
	if g.state == StateConnected {
		g.mu.Unlock()
		return nil
	}
	g.state = StateConnecting
	g.mu.Unlock()

	defer func() {
		if err != nil {
			g.mu.Lock()
			g.state = StateDisconnected
			g.mu.Unlock()
			g.logger.Error(err, "failed to connect to AMQP broker")
		}
	}()

	conn, err := g.dial(g.config.Connection, g.config.Identity.Source())
	if err != nil {
		return &ConnectionError{Op: "dial", Err: err}
	}
	ch, err := conn.Channel()
	if err != nil {
		return &ConnectionError{Op: "open channel", Err: liberr.Join(err, conn.Close())}
	}
	err = declareTopology(g.config, ch)
	if err == nil {
		err = ch.Confirm(false)
	}
	if err != nil {
		return &ConnectionError{Op: "declare topology", Err: liberr.Join(err, closeHandles(conn, ch))}
	}

	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	channelClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return liberr.Join(ErrGatewayClosed, closeHandles(conn, ch))
	}
	g.generation++
	generation := g.generation
	g.conn, g.channel, g.state = conn, ch, StateConnected
	g.mu.Unlock()

	go g.watch(generation, connClosed, channelClosed)

	g.logger.Info("AMQP connection established")
	return nil
}

func (g *Gateway) watch(generation uint64, connClosed, channelClosed <-chan *amqp.Error) {
	var cause *amqp.Error
	select {
	case cause = <-connClosed:
	case cause = <-channelClosed:
	}
	var err error
	if cause != nil {
		err = cause
	}
	g.reset(generation, err)
}

// reset discards the handles of the given generation. A stale generation means
// the handles were already replaced and nothing is done.
func (g *Gateway) reset(generation uint64, cause error) {
	g.mu.Lock()
	if generation != g.generation || g.state != StateConnected {
		g.mu.Unlock()
		return
	}
	conn, ch := g.conn, g.channel
	g.conn, g.channel, g.state = nil, nil, StateDisconnected
	g.mu.Unlock()

	if cause != nil {
		g.logger.Error(cause, "AMQP connection lost")
	} else {
		g.logger.Info("AMQP connection closed")
	}
	_ = closeHandles(conn, ch)
}

func (g *Gateway) current() (channel, uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.channel, g.generation
}

func (g *Gateway) disabled() bool {
	return g.config.Connection.Host == ""
}

func closeHandles(conn connection, ch channel) error {
	var err error
	if ch != nil && !ch.IsClosed() {
		err = ch.Close()
	}
	if conn != nil {
		closeErr := conn.Close()
		if !errors.Is(closeErr, amqp.ErrClosed) {
			err = liberr.Join(err, closeErr)
		}
	}
	return err
}

func dialAMQP(config ConnectionConfig, appID string) (connection, error) {
	properties := amqp.NewConnectionProperties()
	properties.SetClientConnectionName(appID)
	conn, err := amqp.DialConfig(config.url(), amqp.Config{
		Dial:       amqp.DefaultDial(config.ConnectTimeout),
		Properties: properties,
	})
	if err != nil {
		return nil, err
	}
	return &amqpConnection{Connection: conn}, nil
}

type amqpConnection struct {
	*amqp.Connection
}

func (c *amqpConnection) Channel() (channel, error) {
	return c.Connection.Channel()
}
