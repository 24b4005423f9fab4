package serialization

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/glimte/cogbus/contracts"
	"github.com/google/uuid"
)

const (
	// SchemaName identifies the envelope wire format
	SchemaName = "cogbus.envelope"

	// SchemaVersion is the wire format version written by this build. New
	// optional fields bump the minor version; repurposing a field would need
	// a new major version and is never done.
	SchemaVersion = "1.0.0"
)

// SchemaID is the stable schema identifier carried by every wire document
var SchemaID = SchemaName + "/v" + SchemaVersion

var (
	ErrIncompatibleSchema = errors.New("serialization: incompatible envelope schema")
	ErrMalformedEnvelope  = errors.New("serialization: malformed envelope")
)

// Codec converts envelopes to and from their wire representation
type Codec interface {
	Name() string
	ContentType() string
	Encode(env contracts.Envelope) ([]byte, error)
	Decode(data []byte) (contracts.Envelope, error)
}

// wireEnvelope is the bit-exact field layout shared by all codecs.
// Field names are stable; decoders ignore fields they do not know.
type wireEnvelope struct {
	Schema        string            `json:"schema" msgpack:"schema"`
	ID            string            `json:"id" msgpack:"id"`
	Kind          string            `json:"kind,omitempty" msgpack:"kind,omitempty"`
	Type          string            `json:"type" msgpack:"type"`
	SchemaVersion int               `json:"schema_version" msgpack:"schema_version"`
	Payload       []byte            `json:"payload" msgpack:"payload"`
	OccurredAt    time.Time         `json:"occurred_at" msgpack:"occurred_at"`
	CausationID   string            `json:"causation_id,omitempty" msgpack:"causation_id,omitempty"`
	CorrelationID string            `json:"correlation_id" msgpack:"correlation_id"`
	PartitionKey  string            `json:"partition_key" msgpack:"partition_key"`
	Headers       map[string]string `json:"headers,omitempty" msgpack:"headers,omitempty"`
}

func toWire(env contracts.Envelope) wireEnvelope {
	w := wireEnvelope{
		Schema:        SchemaID,
		ID:            env.ID.String(),
		Kind:          string(env.Kind),
		Type:          env.Type,
		SchemaVersion: env.SchemaVersion,
		Payload:       env.Payload,
		OccurredAt:    env.OccurredAt.UTC(),
		CorrelationID: env.CorrelationID.String(),
		PartitionKey:  env.PartitionKey,
		Headers:       env.Headers,
	}
	if env.CausationID != nil {
		w.CausationID = env.CausationID.String()
	}
	return w
}

func fromWire(w wireEnvelope) (contracts.Envelope, error) {
	if err := CheckSchema(w.Schema); err != nil {
		return contracts.Envelope{}, err
	}

	id, err := uuid.Parse(w.ID)
	if err != nil {
		return contracts.Envelope{}, fmt.Errorf("%w: id: %v", ErrMalformedEnvelope, err)
	}
	corr, err := uuid.Parse(w.CorrelationID)
	if err != nil {
		return contracts.Envelope{}, fmt.Errorf("%w: correlation_id: %v", ErrMalformedEnvelope, err)
	}

	env := contracts.Envelope{
		ID:            id,
		Kind:          contracts.Kind(w.Kind),
		Type:          w.Type,
		SchemaVersion: w.SchemaVersion,
		Payload:       w.Payload,
		OccurredAt:    w.OccurredAt.UTC(),
		CorrelationID: corr,
		PartitionKey:  w.PartitionKey,
		Headers:       w.Headers,
	}
	if env.Kind == "" {
		env.Kind = contracts.KindEvent
	}
	if w.CausationID != "" {
		cause, err := uuid.Parse(w.CausationID)
		if err != nil {
			return contracts.Envelope{}, fmt.Errorf("%w: causation_id: %v", ErrMalformedEnvelope, err)
		}
		env.CausationID = &cause
	}

	return env, nil
}

var (
	constraintsMu sync.Mutex
	constraints   = make(map[uint64]*semver.Constraints)
)

// CheckSchema accepts any wire document written under the same schema name
// and major version as this build.
func CheckSchema(id string) error {
	name, version, ok := strings.Cut(id, "/")
	if !ok || name != SchemaName {
		return fmt.Errorf("%w: %q", ErrIncompatibleSchema, id)
	}

	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrIncompatibleSchema, id, err)
	}

	c, err := majorConstraint()
	if err != nil {
		return err
	}
	if !c.Check(v) {
		return fmt.Errorf("%w: %q is not compatible with %s", ErrIncompatibleSchema, id, SchemaID)
	}
	return nil
}

func majorConstraint() (*semver.Constraints, error) {
	own := semver.MustParse(SchemaVersion)

	constraintsMu.Lock()
	defer constraintsMu.Unlock()

	if c, ok := constraints[own.Major()]; ok {
		return c, nil
	}
	c, err := semver.NewConstraint(fmt.Sprintf("^%d", own.Major()))
	if err != nil {
		return nil, fmt.Errorf("serialization: build schema constraint: %w", err)
	}
	constraints[own.Major()] = c
	return c, nil
}

// JSONCodec is the default, human readable wire codec
type JSONCodec struct{}

// NewJSONCodec creates a JSON codec
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{}
}

func (c *JSONCodec) Name() string        { return "json" }
func (c *JSONCodec) ContentType() string { return "application/vnd.cogbus.envelope+json" }

// Encode implements Codec
func (c *JSONCodec) Encode(env contracts.Envelope) ([]byte, error) {
	data, err := json.Marshal(toWire(env))
	if err != nil {
		return nil, fmt.Errorf("serialization: encode envelope %s: %w", env.ID, err)
	}
	return data, nil
}

// Decode implements Codec
func (c *JSONCodec) Decode(data []byte) (contracts.Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return contracts.Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return fromWire(w)
}

// CodecFor returns the codec registered for a content type, defaulting to JSON
func CodecFor(contentType string) Codec {
	switch contentType {
	case (&MsgpackCodec{}).ContentType():
		return NewMsgpackCodec()
	default:
		return NewJSONCodec()
	}
}
