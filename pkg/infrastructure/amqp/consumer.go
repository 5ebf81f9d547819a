package amqp

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"gitea.xscloud.ru/xscloud/eventrelay/pkg/application/logging"
	"gitea.xscloud.ru/xscloud/eventrelay/pkg/application/outbox"
)

// Subscribe declares a durable queue bound to routingKeys and consumes it with
// manual acknowledgement until ctx is done or the connection is lost. A delivery
// is acked when handler succeeds; otherwise it is nacked without requeue and the
// broker dead-letters it if the queue has a dead-letter exchange. A handler that
// fails after ctx is done is nacked with requeue instead.
func (g *Gateway) Subscribe(ctx context.Context, queueName string, routingKeys []string, handler outbox.EventHandler) error {
	if g.disabled() {
		return ErrNoConnectionAvailable
	}
	if err := g.EnsureConnection(ctx); err != nil {
		return err
	}
	ch, generation := g.current()
	if ch == nil {
		return ErrNoConnectionAvailable
	}

	consumerTag, err := g.newID()
	if err != nil {
		return err
	}
	consumerTag = queueName + "-" + consumerTag

	deliveries, err := g.declareAndConsume(ch, queueName, routingKeys, consumerTag)
	if err != nil {
		if errors.Is(err, amqp.ErrClosed) || ch.IsClosed() {
			g.reset(generation, err)
			return &ConnectionError{Op: "subscribe", Err: err}
		}
		return errors.Wrapf(err, "failed to subscribe %s", queueName)
	}

	logger := g.logger.WithFields(logging.Fields{
		"queue":        queueName,
		"consumer_tag": consumerTag,
	})
	go g.consume(ctx, logger, ch, consumerTag, deliveries, handler)
	return nil
}

func (g *Gateway) declareAndConsume(ch channel, queueName string, routingKeys []string, consumerTag string) (<-chan amqp.Delivery, error) {
	err := queueDeclare(QueueConfig{
		Name:    queueName,
		Durable: true,
		Args:    subscriptionQueueArgs(g.config),
	}, ch)
	if err != nil {
		return nil, err
	}
	err = bindDeclare(BindConfig{
		QueueName:    queueName,
		ExchangeName: g.config.Exchange,
		RoutingKeys:  routingKeys,
	}, ch)
	if err != nil {
		return nil, err
	}
	if g.config.PrefetchCount > 0 {
		err = qosDeclare(QoSConfig{PrefetchCount: g.config.PrefetchCount}, ch)
		if err != nil {
			return nil, err
		}
	}
	return ch.Consume(queueName, consumerTag, false, false, false, false, nil)
}

func (g *Gateway) consume(
	ctx context.Context,
	logger logging.Logger,
	ch channel,
	consumerTag string,
	deliveries <-chan amqp.Delivery,
	handler outbox.EventHandler,
) {
	for {
		select {
		case <-ctx.Done():
			if err := ch.Cancel(consumerTag, false); err != nil && !ch.IsClosed() {
				logger.Error(errors.WithStack(err), "failed to cancel AMQP consumer")
			}
			return
		case delivery, ok := <-deliveries:
			if !ok {
				logger.Info("AMQP delivery stream closed")
				return
			}
			handleDelivery(ctx, logger, delivery, handler)
		}
	}
}

func handleDelivery(ctx context.Context, logger logging.Logger, delivery amqp.Delivery, handler outbox.EventHandler) {
	logger = logger.WithFields(logging.Fields{
		"routing_key": delivery.RoutingKey,
		"message_id":  delivery.MessageId,
	})

	var event outbox.Event
	if err := json.Unmarshal(delivery.Body, &event); err != nil {
		logger.Error(errors.WithStack(err), "failed to decode delivery, rejecting")
		nack(logger, delivery, false)
		return
	}

	if err := handler(ctx, event); err != nil {
		logger = logger.WithField("event_id", event.EventID)
		// A handler cut short by shutdown did not reject the event.
		if ctx.Err() != nil {
			logger.Warning(err, "event handler interrupted, requeueing")
			nack(logger, delivery, true)
			return
		}
		logger.Error(err, "event handler failed, rejecting")
		nack(logger, delivery, false)
		return
	}

	if err := delivery.Ack(false); err != nil {
		logger.Error(errors.WithStack(err), "failed to ack delivery")
	}
}

func nack(logger logging.Logger, delivery amqp.Delivery, requeue bool) {
	if err := delivery.Nack(false, requeue); err != nil {
		logger.Error(errors.WithStack(err), "failed to nack delivery")
	}
}
