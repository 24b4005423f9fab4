package mongo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/glimte/cogbus/inbox"
)

var errAlreadyProcessed = errors.New("mongo: already processed")

// InboxStore implements inbox.Store on a collection keyed by
// "<envelopeId>/<consumerId>"
type InboxStore struct {
	db   *Database
	coll *mongo.Collection
	now  func() time.Time
}

// NewInboxStore creates an inbox on db
func NewInboxStore(db *Database) *InboxStore {
	return &InboxStore{
		db:   db,
		coll: db.collection(inboxCollection),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

type inboxDoc struct {
	ID          string    `bson:"_id"`
	EnvelopeID  string    `bson:"envelopeId"`
	ConsumerID  string    `bson:"consumerId"`
	ProcessedAt time.Time `bson:"processedAt"`
}

func inboxKey(envelopeID uuid.UUID, consumerID string) string {
	return envelopeID.String() + "/" + consumerID
}

func (s *InboxStore) doc(envelopeID uuid.UUID, consumerID string) inboxDoc {
	return inboxDoc{
		ID:          inboxKey(envelopeID, consumerID),
		EnvelopeID:  envelopeID.String(),
		ConsumerID:  consumerID,
		ProcessedAt: s.now(),
	}
}

// EnsureIndexes creates the retention index
func (s *InboxStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "processedAt", Value: 1}},
	})
	return wrap("create inbox index", err)
}

// AlreadyProcessed implements inbox.Store
func (s *InboxStore) AlreadyProcessed(ctx context.Context, envelopeID uuid.UUID, consumerID string) (bool, error) {
	n, err := s.coll.CountDocuments(ctx, bson.M{"_id": inboxKey(envelopeID, consumerID)}, options.Count().SetLimit(1))
	if err != nil {
		return false, wrap("inbox lookup", err)
	}
	return n > 0, nil
}

// MarkProcessed implements inbox.Store
func (s *InboxStore) MarkProcessed(ctx context.Context, envelopeID uuid.UUID, consumerID string) error {
	_, err := s.coll.InsertOne(ctx, s.doc(envelopeID, consumerID))
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return wrap("inbox mark", err)
}

// Process implements inbox.Store. The insert and fn share a transaction; a
// duplicate key aborts it without calling fn.
func (s *InboxStore) Process(ctx context.Context, envelopeID uuid.UUID, consumerID string, fn func(ctx context.Context) error) (bool, error) {
	session, err := s.db.client.StartSession()
	if err != nil {
		return false, wrap("start session", err)
	}
	defer session.EndSession(context.WithoutCancel(ctx))

	var fnErr error
	_, err = session.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		fnErr = nil
		if _, err := s.coll.InsertOne(ctx, s.doc(envelopeID, consumerID)); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return nil, errAlreadyProcessed
			}
			return nil, err
		}

		fnErr = fn(ctx)
		return nil, fnErr
	})

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errAlreadyProcessed):
		return false, nil
	case fnErr != nil:
		return false, fnErr
	default:
		return false, wrap("inbox transaction", err)
	}
}

// Purge implements inbox.Purger
func (s *InboxStore) Purge(ctx context.Context, before time.Time) (int, error) {
	res, err := s.coll.DeleteMany(ctx, bson.M{"processedAt": bson.M{"$lt": before.UTC()}})
	if err != nil {
		return 0, wrap("purge inbox", err)
	}
	return int(res.DeletedCount), nil
}

var (
	_ inbox.Store  = (*InboxStore)(nil)
	_ inbox.Purger = (*InboxStore)(nil)
)
