package serialization

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/glimte/cogbus/contracts"
)

var (
	ErrUnknownPayload   = errors.New("serialization: unknown payload tag")
	ErrPayloadTagExists = errors.New("serialization: payload tag already registered")
)

// PayloadRegistry maps envelope types to the tagged payload variant they
// carry. Services use it at the edges; the bus itself stays payload-agnostic.
type PayloadRegistry struct {
	factories map[string]func() contracts.Payload
	mu        sync.RWMutex
}

// NewPayloadRegistry creates an empty registry
func NewPayloadRegistry() *PayloadRegistry {
	return &PayloadRegistry{
		factories: make(map[string]func() contracts.Payload),
	}
}

// DefaultPayloadRegistry returns a registry holding every built-in variant
func DefaultPayloadRegistry() *PayloadRegistry {
	r := NewPayloadRegistry()
	for tag, factory := range contracts.PayloadFactories() {
		r.factories[tag] = factory
	}
	return r
}

// Register adds a variant. The tag is taken from a fresh instance.
func (r *PayloadRegistry) Register(factory func() contracts.Payload) error {
	if factory == nil {
		return fmt.Errorf("factory cannot be nil")
	}
	tag := factory().Tag()
	if tag == "" {
		return fmt.Errorf("payload tag cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[tag]; exists {
		return fmt.Errorf("%w: %s", ErrPayloadTagExists, tag)
	}
	r.factories[tag] = factory
	return nil
}

// Marshal encodes a payload and returns the envelope type it travels under
func (r *PayloadRegistry) Marshal(p contracts.Payload) (string, []byte, error) {
	if p == nil {
		return "", nil, fmt.Errorf("payload cannot be nil")
	}
	tag := p.Tag()
	if !r.IsRegistered(tag) {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownPayload, tag)
	}

	data, err := json.Marshal(p)
	if err != nil {
		return "", nil, fmt.Errorf("serialization: marshal %s: %w", tag, err)
	}
	return tag, data, nil
}

// Unmarshal decodes the payload of env into its registered variant
func (r *PayloadRegistry) Unmarshal(env contracts.Envelope) (contracts.Payload, error) {
	r.mu.RLock()
	factory, ok := r.factories[env.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPayload, env.Type)
	}

	p := factory()
	if err := json.Unmarshal(env.Payload, p); err != nil {
		return nil, fmt.Errorf("serialization: unmarshal %s payload of %s: %w", env.Type, env.ID, err)
	}
	return p, nil
}

// IsRegistered checks if a tag is known
func (r *PayloadRegistry) IsRegistered(tag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[tag]
	return ok
}

// Types lists all registered tags in sorted order
func (r *PayloadRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for tag := range r.factories {
		types = append(types, tag)
	}
	sort.Strings(types)
	return types
}
