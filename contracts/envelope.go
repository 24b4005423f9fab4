package contracts

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes commands, queries and events carried in an Envelope
type Kind string

const (
	KindCommand Kind = "command"
	KindQuery   Kind = "query"
	KindEvent   Kind = "event"
)

// Valid reports whether k is one of the known kinds
func (k Kind) Valid() bool {
	switch k {
	case KindCommand, KindQuery, KindEvent:
		return true
	}
	return false
}

// CurrentSchemaVersion is the payload schema version stamped on new envelopes
const CurrentSchemaVersion = 1

var (
	ErrMissingID            = errors.New("contracts: envelope id is required")
	ErrMissingType          = errors.New("contracts: envelope type is required")
	ErrInvalidKind          = errors.New("contracts: envelope kind is invalid")
	ErrInvalidSchemaVersion = errors.New("contracts: schema version must be positive")
	ErrMissingOccurredAt    = errors.New("contracts: occurred_at is required")
	ErrMissingCorrelationID = errors.New("contracts: correlation id is required")
	ErrMissingPartitionKey  = errors.New("contracts: events require a partition key")
)

// Envelope is the canonical wrapper around any command, query or event.
// The bus routes on Type and orders on PartitionKey; it never looks at Payload.
type Envelope struct {
	ID            uuid.UUID
	Kind          Kind
	Type          string
	SchemaVersion int
	Payload       []byte
	OccurredAt    time.Time
	CausationID   *uuid.UUID
	CorrelationID uuid.UUID
	PartitionKey  string
	Headers       map[string]string
}

// EnvelopeOption configures an Envelope at construction time
type EnvelopeOption func(*Envelope)

// WithCausedBy links the new envelope to the one that triggered it
func WithCausedBy(parent Envelope) EnvelopeOption {
	return func(e *Envelope) {
		id := parent.ID
		e.CausationID = &id
		if parent.CorrelationID != uuid.Nil {
			e.CorrelationID = parent.CorrelationID
		}
	}
}

// WithCorrelationID overrides the correlation id
func WithCorrelationID(id uuid.UUID) EnvelopeOption {
	return func(e *Envelope) {
		e.CorrelationID = id
	}
}

// WithSchemaVersion sets the payload schema version
func WithSchemaVersion(version int) EnvelopeOption {
	return func(e *Envelope) {
		e.SchemaVersion = version
	}
}

// WithHeader sets a single header
func WithHeader(key, value string) EnvelopeOption {
	return func(e *Envelope) {
		if e.Headers == nil {
			e.Headers = make(map[string]string)
		}
		e.Headers[key] = value
	}
}

// WithOccurredAt overrides the occurrence time
func WithOccurredAt(t time.Time) EnvelopeOption {
	return func(e *Envelope) {
		e.OccurredAt = t.UTC()
	}
}

// NewEnvelope creates an envelope with a fresh id. Unless WithCausedBy or
// WithCorrelationID is given the envelope starts its own correlation chain.
func NewEnvelope(kind Kind, messageType, partitionKey string, payload []byte, opts ...EnvelopeOption) Envelope {
	id := uuid.New()
	env := Envelope{
		ID:            id,
		Kind:          kind,
		Type:          messageType,
		SchemaVersion: CurrentSchemaVersion,
		Payload:       payload,
		OccurredAt:    time.Now().UTC(),
		CorrelationID: id,
		PartitionKey:  partitionKey,
	}

	for _, opt := range opts {
		opt(&env)
	}

	return env
}

// NewEvent creates an event envelope
func NewEvent(messageType, partitionKey string, payload []byte, opts ...EnvelopeOption) Envelope {
	return NewEnvelope(KindEvent, messageType, partitionKey, payload, opts...)
}

// NewCommand creates a command envelope. Commands are not partitioned.
func NewCommand(messageType string, payload []byte, opts ...EnvelopeOption) Envelope {
	return NewEnvelope(KindCommand, messageType, "", payload, opts...)
}

// NewQuery creates a query envelope
func NewQuery(messageType string, payload []byte, opts ...EnvelopeOption) Envelope {
	return NewEnvelope(KindQuery, messageType, "", payload, opts...)
}

// Validate checks the structural invariants of the envelope
func (e Envelope) Validate() error {
	var errs []error

	if e.ID == uuid.Nil {
		errs = append(errs, ErrMissingID)
	}
	if e.Type == "" {
		errs = append(errs, ErrMissingType)
	}
	if !e.Kind.Valid() {
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidKind, e.Kind))
	}
	if e.SchemaVersion <= 0 {
		errs = append(errs, ErrInvalidSchemaVersion)
	}
	if e.OccurredAt.IsZero() {
		errs = append(errs, ErrMissingOccurredAt)
	}
	if e.CorrelationID == uuid.Nil {
		errs = append(errs, ErrMissingCorrelationID)
	}
	if e.Kind == KindEvent && e.PartitionKey == "" {
		errs = append(errs, ErrMissingPartitionKey)
	}

	return errors.Join(errs...)
}

// Clone returns a deep copy so that callers cannot mutate a shared payload
func (e Envelope) Clone() Envelope {
	c := e
	if e.Payload != nil {
		c.Payload = append([]byte(nil), e.Payload...)
	}
	if e.CausationID != nil {
		id := *e.CausationID
		c.CausationID = &id
	}
	if e.Headers != nil {
		c.Headers = make(map[string]string, len(e.Headers))
		for k, v := range e.Headers {
			c.Headers[k] = v
		}
	}
	return c
}

// Header returns a header value or empty string
func (e Envelope) Header(key string) string {
	if e.Headers == nil {
		return ""
	}
	return e.Headers[key]
}

// String identifies the envelope without its payload
func (e Envelope) String() string {
	return fmt.Sprintf("%s(%s) key=%s", e.Type, e.ID, e.PartitionKey)
}
