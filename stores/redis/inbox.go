package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/glimte/cogbus/contracts"
	"github.com/glimte/cogbus/inbox"
	"github.com/glimte/cogbus/internal/reliability"
)

const (
	DefaultPrefix    = "cogbus:inbox:"
	DefaultLease     = time.Minute
	DefaultRetention = 7 * 24 * time.Hour

	doneValue     = "done"
	pendingPrefix = "pending:"
)

// releaseScript deletes the key only while it still holds our reservation
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// confirmScript marks the key done. It returns 0 when another worker had
// taken over the reservation after our lease expired.
var confirmScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
if current == ARGV[1] or current == ARGV[2] then
	return 1
end
return 0
`)

// InboxStore implements inbox.Store on Redis
type InboxStore struct {
	client    redis.UniversalClient
	prefix    string
	lease     time.Duration
	retention time.Duration
	confirm   reliability.RetryPolicy
	logger    *slog.Logger
}

// Option configures the InboxStore
type Option func(*InboxStore)

// WithPrefix overrides the key prefix
func WithPrefix(prefix string) Option {
	return func(s *InboxStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithLease bounds how long a reservation survives a crashed worker
func WithLease(d time.Duration) Option {
	return func(s *InboxStore) {
		if d > 0 {
			s.lease = d
		}
	}
}

// WithRetention sets how long done keys are kept
func WithRetention(d time.Duration) Option {
	return func(s *InboxStore) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithConfirmPolicy sets the retry policy of the confirm step
func WithConfirmPolicy(p reliability.RetryPolicy) Option {
	return func(s *InboxStore) {
		if p != nil {
			s.confirm = p
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *InboxStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewInboxStore creates an inbox on client
func NewInboxStore(client redis.UniversalClient, opts ...Option) *InboxStore {
	s := &InboxStore{
		client:    client,
		prefix:    DefaultPrefix,
		lease:     DefaultLease,
		retention: DefaultRetention,
		confirm:   reliability.NewExponentialBackoff(50*time.Millisecond, time.Second, 2, 5),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InboxStore) key(envelopeID uuid.UUID, consumerID string) string {
	return s.prefix + consumerID + ":" + envelopeID.String()
}

// AlreadyProcessed implements inbox.Store. A reserved key is not processed
// yet.
func (s *InboxStore) AlreadyProcessed(ctx context.Context, envelopeID uuid.UUID, consumerID string) (bool, error) {
	v, err := s.client.Get(ctx, s.key(envelopeID, consumerID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, wrap("inbox lookup", err)
	}
	return v == doneValue, nil
}

// MarkProcessed implements inbox.Store
func (s *InboxStore) MarkProcessed(ctx context.Context, envelopeID uuid.UUID, consumerID string) error {
	err := s.client.Set(ctx, s.key(envelopeID, consumerID), doneValue, s.retention).Err()
	return wrap("inbox mark", err)
}

// Process implements inbox.Store. A key reserved by another worker yields
// inbox.ErrInFlight; the caller retries after the lease expires at worst.
func (s *InboxStore) Process(ctx context.Context, envelopeID uuid.UUID, consumerID string, fn func(ctx context.Context) error) (bool, error) {
	key := s.key(envelopeID, consumerID)
	token := pendingPrefix + uuid.NewString()

	reserved, err := s.client.SetNX(ctx, key, token, s.lease).Result()
	if err != nil {
		return false, wrap("inbox reserve", err)
	}
	if !reserved {
		v, err := s.client.Get(ctx, key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			// released between the two calls
			return false, contracts.NewTransportError("redis inbox reserve", "", inbox.ErrInFlight)
		case err != nil:
			return false, wrap("inbox reserve", err)
		case v == doneValue:
			return false, nil
		default:
			return false, contracts.NewTransportError("redis inbox reserve", "", inbox.ErrInFlight)
		}
	}

	if err := fn(ctx); err != nil {
		// use a fresh context so a cancelled handler still frees the key
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if rerr := releaseScript.Run(releaseCtx, s.client, []string{key}, token).Err(); rerr != nil {
			s.logger.Warn("failed to release inbox reservation",
				"envelopeId", envelopeID,
				"consumerId", consumerID,
				"error", rerr,
			)
		}
		return false, err
	}

	confirmCtx := context.WithoutCancel(ctx)
	err = reliability.Retry(confirmCtx, s.confirm, func() error {
		held, err := confirmScript.Run(confirmCtx, s.client, []string{key}, token, doneValue, s.retention.Milliseconds()).Int()
		if err != nil {
			return err
		}
		if held == 0 {
			s.logger.Warn("inbox reservation expired before confirm; effect may be applied twice",
				"envelopeId", envelopeID,
				"consumerId", consumerID,
			)
		}
		return nil
	})
	if err != nil {
		// the side effect happened; surfacing an error would re-apply it
		s.logger.Error("failed to confirm inbox record",
			"envelopeId", envelopeID,
			"consumerId", consumerID,
			"error", err,
		)
	}
	return true, nil
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if isTransient(err) {
		return contracts.NewTransportError("redis "+op, "", err)
	}
	return fmt.Errorf("redis: %s: %w", op, err)
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.HasPrefix(msg, "LOADING") || strings.HasPrefix(msg, "READONLY") ||
		strings.HasPrefix(msg, "CLUSTERDOWN") || strings.Contains(msg, "connection refused")
}

var _ inbox.Store = (*InboxStore)(nil)
