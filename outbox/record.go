package outbox

import (
	"errors"
	"fmt"
	"time"

	"github.com/glimte/cogbus/contracts"
)

// Status is the lifecycle state of an outbox record
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPublished Status = "PUBLISHED"
	StatusFailed    Status = "FAILED"
)

var (
	ErrInvalidStatus     = errors.New("outbox: invalid status")
	ErrInvalidTransition = errors.New("outbox: invalid status transition")
	ErrRecordNotFound    = errors.New("outbox: record not found")
	ErrRelayRunning      = errors.New("outbox: relay already running")
)

// ParseStatus validates a raw status string
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return s, nil
}

// IsValid reports whether the status is part of the lifecycle
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusPublished, StatusFailed:
		return true
	}
	return false
}

// CanTransitionTo reports whether s may move to next. Published is terminal;
// Failed only returns to Pending through an operator replay.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusPending || next == StatusPublished || next == StatusFailed
	case StatusFailed:
		return next == StatusPending
	default:
		return false
	}
}

// ValidateTransition returns ErrInvalidTransition when from cannot move to to
func ValidateTransition(from, to Status) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

func (s Status) String() string {
	return string(s)
}

// Record is an envelope staged for publication, owned by the emitting service
type Record struct {
	Envelope      contracts.Envelope
	Status        Status
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
	PublishedAt   *time.Time
}

// NewRecord stages env for publication as soon as possible
func NewRecord(env contracts.Envelope) Record {
	now := time.Now().UTC()
	return Record{
		Envelope:      env,
		Status:        StatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
}

// PartitionKey is the ordering scope of the record
func (r Record) PartitionKey() string {
	return r.Envelope.PartitionKey
}

// Due reports whether a pending record may be attempted at now
func (r Record) Due(now time.Time) bool {
	return r.Status == StatusPending && !r.NextAttemptAt.After(now)
}
