package amqp

import (
	stderrors "errors"
)

var (
	ErrNoConnectionAvailable = stderrors.New("no amqp connection available")
	ErrPublishRejected       = stderrors.New("amqp broker rejected publishing")
	ErrGatewayClosed         = stderrors.New("amqp gateway is closed")
)

// ConnectionError reports a broker that could not be reached or a connection
// or channel that failed mid-operation. The gateway resets its handles before
// returning it.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return "amqp " + e.Op + ": " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
