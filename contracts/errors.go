package contracts

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrDuplicateHandler is returned when a second handler is registered for a type
	ErrDuplicateHandler = errors.New("contracts: handler already registered for type")

	// ErrDuplicateDelivery signals that the inbox already applied this envelope
	// for the consumer. The consumer pipeline treats it as success.
	ErrDuplicateDelivery = errors.New("contracts: duplicate delivery detected")
)

// NoHandlerError is a routing miss: no handler is registered for the type
type NoHandlerError struct {
	Kind Kind
	Type string
}

func (e *NoHandlerError) Error() string {
	return fmt.Sprintf("no %s handler registered for type %q", e.Kind, e.Type)
}

// HandlerError wraps a business failure raised by a command or query handler.
// It is surfaced to the caller and never retried automatically.
type HandlerError struct {
	Type       string
	EnvelopeID uuid.UUID
	Cause      error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for %q failed on envelope %s: %v", e.Type, e.EnvelopeID, e.Cause)
}

func (e *HandlerError) Unwrap() error {
	return e.Cause
}

// TransportError is a publish or consume failure. These are always retried
// with backoff by the component that observed them.
type TransportError struct {
	Op        string
	Topic     string
	Err       error
	Timestamp time.Time
}

// NewTransportError wraps err as a transport failure
func NewTransportError(op, topic string, err error) *TransportError {
	return &TransportError{Op: op, Topic: topic, Err: err, Timestamp: time.Now()}
}

func (e *TransportError) Error() string {
	if e.Topic != "" {
		return fmt.Sprintf("transport %s on %q: %v", e.Op, e.Topic, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsRetryable implements the retry classification interface
func (e *TransportError) IsRetryable() bool {
	return true
}

// PoisonMessageError describes a message whose handler kept failing until
// the attempt budget was exhausted. It is recorded with the dead letter.
type PoisonMessageError struct {
	EnvelopeID uuid.UUID
	ConsumerID string
	Attempts   int
	Reason     string
}

func (e *PoisonMessageError) Error() string {
	return fmt.Sprintf("poison message %s for consumer %s after %d attempts: %s",
		e.EnvelopeID, e.ConsumerID, e.Attempts, e.Reason)
}

// IsRetryable reports false; poison messages are only replayed by an operator
func (e *PoisonMessageError) IsRetryable() bool {
	return false
}

// IsNoHandler reports whether err is a routing miss
func IsNoHandler(err error) bool {
	var nh *NoHandlerError
	return errors.As(err, &nh)
}

// IsTransport reports whether err is a transport failure
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
