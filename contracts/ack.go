package contracts

import (
	"errors"
	"fmt"
)

// Acknowledgment is the explicit result of handling a delivered envelope.
// The zero value acknowledges.
type Acknowledgment struct {
	nacked bool
	reason string
	cause  error
}

// Ack acknowledges successful processing
var Ack = Acknowledgment{}

// Nack rejects the delivery with a human readable reason
func Nack(reason string) Acknowledgment {
	return Acknowledgment{nacked: true, reason: reason}
}

// NackErr rejects the delivery with the error that caused it
func NackErr(err error) Acknowledgment {
	if err == nil {
		return Nack("unspecified failure")
	}
	return Acknowledgment{nacked: true, reason: err.Error(), cause: err}
}

// IsAck reports whether processing succeeded
func (a Acknowledgment) IsAck() bool {
	return !a.nacked
}

// Reason returns the nack reason, empty for acks
func (a Acknowledgment) Reason() string {
	return a.reason
}

// Err converts a nack into an error, nil for acks
func (a Acknowledgment) Err() error {
	if !a.nacked {
		return nil
	}
	if a.cause != nil {
		return &NackError{Reason: a.reason, Cause: a.cause}
	}
	return &NackError{Reason: a.reason}
}

// NackError is the error form of a negative acknowledgment
type NackError struct {
	Reason string
	Cause  error
}

func (e *NackError) Error() string {
	return fmt.Sprintf("handler nacked: %s", e.Reason)
}

func (e *NackError) Unwrap() error {
	return e.Cause
}

// AckFromError acknowledges on nil and nacks otherwise
func AckFromError(err error) Acknowledgment {
	if err == nil {
		return Ack
	}
	var nack *NackError
	if errors.As(err, &nack) {
		return Acknowledgment{nacked: true, reason: nack.Reason, cause: nack.Cause}
	}
	return NackErr(err)
}
