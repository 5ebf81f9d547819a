package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Event is the envelope delivered to the broker. EventID is assigned once at staging
// time and is the idempotency key consumers must deduplicate on: delivery is
// at-least-once, so the same EventID can arrive more than once.
type Event struct {
	EventID       string          `json:"eventId"`
	EventType     string          `json:"eventType"`
	SchemaVersion int             `json:"schemaVersion"`
	OccurredAt    time.Time       `json:"occurredAt"`
	Producer      string          `json:"producer"`
	Source        string          `json:"source"`
	Payload       json.RawMessage `json:"payload"`
}

func NewEvent(eventType string, schemaVersion int, payload interface{}) (Event, error) {
	if eventType == "" {
		return Event{}, errors.New("event type must not be empty")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, errors.Wrapf(err, "failed to serialize payload of %s", eventType)
	}
	return Event{
		EventType:     eventType,
		SchemaVersion: schemaVersion,
		Payload:       data,
	}, nil
}

// Identity names the service emitting events.
type Identity struct {
	Service     string
	Environment string
}

func (i Identity) Source() string {
	if i.Environment == "" {
		return i.Service
	}
	return i.Service + "/" + i.Environment
}

// Stamp fills envelope metadata. EventID and OccurredAt are kept when already set.
func (i Identity) Stamp(event Event, newID func() (string, error), now time.Time) (Event, error) {
	if event.EventID == "" {
		id, err := newID()
		if err != nil {
			return Event{}, err
		}
		event.EventID = id
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = now
	}
	event.Producer = i.Service
	event.Source = i.Source()
	return event, nil
}

// EventPublisher stages events for reliable delivery. An error means the event was not staged.
type EventPublisher interface {
	SaveAndPublish(ctx context.Context, event Event, routingKey string, scheduledFor *time.Time) error
}

type EventHandler func(ctx context.Context, event Event) error

type EventSubscriber interface {
	Subscribe(ctx context.Context, queueName string, routingKeys []string, handler EventHandler) error
}
