package amqp

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"gitea.xscloud.ru/xscloud/eventrelay/pkg/application/outbox"
)

const contentTypeJSON = "application/json"

// Publish stamps the envelope metadata, serializes the event and publishes it as a
// persistent message with MessageId set to the event id, waiting for the broker
// confirmation. A staged event id is never replaced. The gateway does not retry.
func (g *Gateway) Publish(ctx context.Context, routingKey string, event outbox.Event) error {
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

	event, err := g.config.Identity.Stamp(event, g.newID, g.now())
	if err != nil {
		return err
	}
	body, err := json.Marshal(event)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize event %s", event.EventID)
	}

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(
		ctx,
		g.config.Exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  contentTypeJSON,
			DeliveryMode: amqp.Persistent,
			MessageId:    event.EventID,
			Timestamp:    event.OccurredAt,
			Type:         event.EventType,
			AppId:        event.Producer,
			Body:         body,
		},
	)
	if err != nil {
		if errors.Is(err, amqp.ErrClosed) || ch.IsClosed() {
			g.reset(generation, err)
			return &ConnectionError{Op: "publish", Err: err}
		}
		return errors.WithStack(err)
	}
	if confirmation == nil {
		return nil
	}
	ok, err := confirmation.WaitContext(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to wait for publish confirmation")
	}
	if !ok {
		return errors.Wrapf(ErrPublishRejected, "event %s to %s", event.EventID, routingKey)
	}
	return nil
}
