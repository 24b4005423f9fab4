package mongo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/glimte/cogbus/contracts"
	"github.com/glimte/cogbus/deadletter"
	"github.com/glimte/cogbus/serialization"
)

// DeadLetterStore implements deadletter.Store. Envelopes are kept in their
// msgpack wire form so a replay republishes them unchanged; type, consumer
// and failure time are stored alongside for filtering.
type DeadLetterStore struct {
	coll  *mongo.Collection
	codec serialization.Codec
}

// NewDeadLetterStore creates a dead-letter store on db
func NewDeadLetterStore(db *Database) *DeadLetterStore {
	return &DeadLetterStore{
		coll:  db.collection(deadLetterCollection),
		codec: serialization.NewMsgpackCodec(),
	}
}

type deadLetterDoc struct {
	ID            string    `bson:"_id"`
	EnvelopeID    string    `bson:"envelopeId"`
	ConsumerID    string    `bson:"consumerId"`
	Source        string    `bson:"source"`
	Type          string    `bson:"type"`
	Envelope      []byte    `bson:"envelope,omitempty"`
	Raw           []byte    `bson:"raw,omitempty"`
	Reason        string    `bson:"reason"`
	Attempts      int       `bson:"attempts"`
	FirstFailedAt time.Time `bson:"firstFailedAt"`
	FailedAt      time.Time `bson:"failedAt"`
}

func (s *DeadLetterStore) toDoc(r deadletter.Record) (deadLetterDoc, error) {
	doc := deadLetterDoc{
		ID:            r.Key(),
		EnvelopeID:    r.EnvelopeID.String(),
		ConsumerID:    r.ConsumerID,
		Source:        string(r.Source),
		Type:          r.Envelope.Type,
		Raw:           r.Raw,
		Reason:        r.Reason,
		Attempts:      r.Attempts,
		FirstFailedAt: r.FirstFailedAt.UTC(),
		FailedAt:      r.FailedAt.UTC(),
	}
	if r.Envelope.ID != uuid.Nil {
		data, err := s.codec.Encode(r.Envelope)
		if err != nil {
			return deadLetterDoc{}, fmt.Errorf("encode dead letter %s: %w", r.Key(), err)
		}
		doc.Envelope = data
	}
	return doc, nil
}

func (s *DeadLetterStore) fromDoc(doc deadLetterDoc) (deadletter.Record, error) {
	id, err := uuid.Parse(doc.EnvelopeID)
	if err != nil {
		return deadletter.Record{}, fmt.Errorf("dead letter %s: %w", doc.ID, err)
	}

	var env contracts.Envelope
	if len(doc.Envelope) > 0 {
		if env, err = s.codec.Decode(doc.Envelope); err != nil {
			return deadletter.Record{}, fmt.Errorf("decode dead letter %s: %w", doc.ID, err)
		}
	}

	return deadletter.Record{
		EnvelopeID:    id,
		ConsumerID:    doc.ConsumerID,
		Source:        deadletter.Source(doc.Source),
		Envelope:      env,
		Raw:           doc.Raw,
		Reason:        doc.Reason,
		Attempts:      doc.Attempts,
		FirstFailedAt: doc.FirstFailedAt.UTC(),
		FailedAt:      doc.FailedAt.UTC(),
	}, nil
}

// EnsureIndexes creates the lookup indexes
func (s *DeadLetterStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "envelopeId", Value: 1}}},
		{Keys: bson.D{{Key: "consumerId", Value: 1}, {Key: "failedAt", Value: 1}}},
		{Keys: bson.D{{Key: "failedAt", Value: 1}}},
	})
	return wrap("create dead letter indexes", err)
}

// Put implements deadletter.Store. A repeated failure keeps the first
// failure time.
func (s *DeadLetterStore) Put(ctx context.Context, record deadletter.Record) error {
	if record.EnvelopeID == uuid.Nil {
		return fmt.Errorf("deadletter: envelope id is required")
	}
	if record.FailedAt.IsZero() {
		record.FailedAt = time.Now().UTC()
	}
	if record.FirstFailedAt.IsZero() {
		record.FirstFailedAt = record.FailedAt
	}

	doc, err := s.toDoc(record)
	if err != nil {
		return err
	}

	update := bson.M{
		"$set": bson.M{
			"envelopeId": doc.EnvelopeID,
			"consumerId": doc.ConsumerID,
			"source":     doc.Source,
			"type":       doc.Type,
			"envelope":   doc.Envelope,
			"raw":        doc.Raw,
			"reason":     doc.Reason,
			"attempts":   doc.Attempts,
			"failedAt":   doc.FailedAt,
		},
		"$setOnInsert": bson.M{"firstFailedAt": doc.FirstFailedAt},
	}
	_, err = s.coll.UpdateOne(ctx, bson.M{"_id": doc.ID}, update, options.UpdateOne().SetUpsert(true))
	return wrap("put dead letter", err)
}

// Get implements deadletter.Store
func (s *DeadLetterStore) Get(ctx context.Context, envelopeID uuid.UUID) ([]deadletter.Record, error) {
	records, err := s.find(ctx, bson.M{"envelopeId": envelopeID.String()}, 0)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s", deadletter.ErrNotFound, envelopeID)
	}
	return records, nil
}

// List implements deadletter.Store
func (s *DeadLetterStore) List(ctx context.Context, f deadletter.Filter) ([]deadletter.Record, error) {
	return s.find(ctx, filterDoc(f), f.Limit)
}

func filterDoc(f deadletter.Filter) bson.M {
	filter := bson.M{}
	if f.ConsumerID != "" {
		filter["consumerId"] = f.ConsumerID
	}
	if f.Source != "" {
		filter["source"] = string(f.Source)
	}
	if f.Type != "" {
		filter["type"] = f.Type
	}
	if !f.Since.IsZero() || !f.Until.IsZero() {
		window := bson.M{}
		if !f.Since.IsZero() {
			window["$gte"] = f.Since.UTC()
		}
		if !f.Until.IsZero() {
			window["$lte"] = f.Until.UTC()
		}
		filter["failedAt"] = window
	}
	return filter
}

func (s *DeadLetterStore) find(ctx context.Context, filter bson.M, limit int) ([]deadletter.Record, error) {
	opts := options.Find().SetSort(bson.D{{Key: "failedAt", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, wrap("find dead letters", err)
	}
	defer cursor.Close(ctx)

	var docs []deadLetterDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, wrap("read dead letters", err)
	}

	records := make([]deadletter.Record, 0, len(docs))
	for _, doc := range docs {
		r, err := s.fromDoc(doc)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, nil
}

// Delete implements deadletter.Store
func (s *DeadLetterStore) Delete(ctx context.Context, envelopeID uuid.UUID, consumerID string) error {
	key := deadletter.Record{EnvelopeID: envelopeID, ConsumerID: consumerID}.Key()
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": key})
	if err != nil {
		return wrap("delete dead letter", err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("%w: %s", deadletter.ErrNotFound, key)
	}
	return nil
}

var _ deadletter.Store = (*DeadLetterStore)(nil)
