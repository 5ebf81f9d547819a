package outbox

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// NewEventID returns a time-ordered UUIDv7 string.
func NewEventID() (string, error) {
	uid, err := uuid.NewV7()
	if err != nil {
		return "", errors.WithStack(err)
	}
	return uid.String(), nil
}
