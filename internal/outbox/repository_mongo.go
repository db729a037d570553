package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/relaykit/relaykit/internal/common/uuid7"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoRepository implements Repository for MongoDB. MongoDB has no
// SELECT ... FOR UPDATE SKIP LOCKED, but findOneAndUpdate's compare-and-swap
// semantics give the same single-claimant guarantee: only the caller whose
// update actually matched a PENDING document gets it back.
type MongoRepository struct {
	db     *mongo.Database
	config *RepositoryConfig
}

// NewMongoRepository creates a new MongoDB outbox repository.
func NewMongoRepository(db *mongo.Database, config *RepositoryConfig) *MongoRepository {
	if config == nil {
		config = DefaultRepositoryConfig()
	}
	return &MongoRepository{db: db, config: config}
}

func (r *MongoRepository) collection() *mongo.Collection {
	return r.db.Collection(r.config.TableName)
}

// mongoRow mirrors OutboxRow for BSON (de)serialization; Mongo's _id is an
// ObjectID, so the externally visible numeric ID is kept as a separate
// monotone counter field.
type mongoRow struct {
	ObjectID           interface{}       `bson:"_id,omitempty"`
	Seq                int64             `bson:"seq"`
	MessageID          string            `bson:"messageId"`
	AggregateType      string            `bson:"aggregateType"`
	AggregateID        string            `bson:"aggregateId"`
	EventType          string            `bson:"eventType"`
	DestinationService string            `bson:"destinationService"`
	DestinationTopic   string            `bson:"destinationTopic,omitempty"`
	Payload            []byte            `bson:"payload"`
	Headers            map[string]string `bson:"headers,omitempty"`
	Status             OutboxStatus      `bson:"status"`
	RetryCount         int               `bson:"retryCount"`
	LastError          string            `bson:"lastError,omitempty"`
	CreatedAt          time.Time         `bson:"createdAt"`
	ProcessesAt        *time.Time        `bson:"processesAt,omitempty"`
	PublishedAt        *time.Time        `bson:"publishedAt,omitempty"`
}

func (m *mongoRow) toOutboxRow() *OutboxRow {
	return &OutboxRow{
		ID:                 m.Seq,
		MessageID:          m.MessageID,
		AggregateType:      m.AggregateType,
		AggregateID:        m.AggregateID,
		EventType:          m.EventType,
		DestinationService: m.DestinationService,
		DestinationTopic:   m.DestinationTopic,
		Payload:            m.Payload,
		Headers:            m.Headers,
		Status:             m.Status,
		RetryCount:         m.RetryCount,
		LastError:          m.LastError,
		CreatedAt:          m.CreatedAt,
		ProcessesAt:        m.ProcessesAt,
		PublishedAt:        m.PublishedAt,
	}
}

func (r *MongoRepository) Insert(ctx context.Context, row NewRow) (*OutboxRow, error) {
	messageID := row.MessageID
	if messageID == "" {
		id, err := uuid7.New()
		if err != nil {
			return nil, fmt.Errorf("generate message id: %w", err)
		}
		messageID = id
	}

	seq, err := r.nextSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocate sequence: %w", err)
	}

	doc := mongoRow{
		Seq:                seq,
		MessageID:          messageID,
		AggregateType:      row.AggregateType,
		AggregateID:        row.AggregateID,
		EventType:          row.EventType,
		DestinationService: row.DestinationService,
		DestinationTopic:   row.DestinationTopic,
		Payload:            row.Payload,
		Headers:            row.Headers,
		Status:             StatusPending,
		CreatedAt:          time.Now(),
	}

	if _, err := r.collection().InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("insert outbox document: %w", err)
	}
	return doc.toOutboxRow(), nil
}

// nextSeq allocates a monotone id using a findOneAndUpdate upsert against a
// dedicated counters collection, the conventional way to get auto-increment
// behavior out of MongoDB.
func (r *MongoRepository) nextSeq(ctx context.Context) (int64, error) {
	counters := r.db.Collection(r.config.TableName + "_counters")
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var result struct {
		Value int64 `bson:"value"`
	}
	err := counters.FindOneAndUpdate(ctx,
		bson.M{"_id": "seq"},
		bson.M{"$inc": bson.M{"value": 1}},
		opts,
	).Decode(&result)
	if err != nil {
		return 0, err
	}
	return result.Value, nil
}

func (r *MongoRepository) ClaimBatch(ctx context.Context, destination string, limit int) ([]*OutboxRow, error) {
	filter := bson.M{"status": string(StatusPending)}
	if destination != "" {
		filter["destinationService"] = destination
	}
	return r.claimMany(ctx, filter, limit)
}

func (r *MongoRepository) ClaimFailedBatch(ctx context.Context, limit int, maxRetries int) ([]*OutboxRow, error) {
	filter := bson.M{"status": string(StatusFailed), "retryCount": bson.M{"$lt": maxRetries}}
	return r.claimMany(ctx, filter, limit)
}

// findCandidateSeqs returns the seq values matching filter, in the same
// order and under the same limit claimMany uses, without modifying anything.
func (r *MongoRepository) findCandidateSeqs(ctx context.Context, filter bson.M, limit int) ([]int64, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}).SetLimit(int64(limit)).SetProjection(bson.M{"seq": 1})
	cursor, err := r.collection().Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find claim candidates: %w", err)
	}
	var candidates []struct {
		Seq int64 `bson:"seq"`
	}
	if err := cursor.All(ctx, &candidates); err != nil {
		return nil, fmt.Errorf("decode claim candidates: %w", err)
	}
	seqs := make([]int64, len(candidates))
	for i, c := range candidates {
		seqs[i] = c.Seq
	}
	return seqs, nil
}

func (r *MongoRepository) PeekPendingIDs(ctx context.Context, destination string, limit int) ([]int64, error) {
	filter := bson.M{"status": string(StatusPending)}
	if destination != "" {
		filter["destinationService"] = destination
	}
	return r.findCandidateSeqs(ctx, filter, limit)
}

func (r *MongoRepository) PeekFailedIDs(ctx context.Context, limit int, maxRetries int) ([]int64, error) {
	filter := bson.M{"status": string(StatusFailed), "retryCount": bson.M{"$lt": maxRetries}}
	return r.findCandidateSeqs(ctx, filter, limit)
}

// claimMany finds candidate seq values matching filter, then attempts a
// findOneAndUpdate compare-and-swap on each one individually. A candidate
// whose status changed between the find and the update (another worker won
// the race) is simply skipped, mirroring SKIP LOCKED semantics.
func (r *MongoRepository) claimMany(ctx context.Context, filter bson.M, limit int) ([]*OutboxRow, error) {
	seqs, err := r.findCandidateSeqs(ctx, filter, limit)
	if err != nil {
		return nil, err
	}

	claimOpts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var claimed []*OutboxRow
	for _, seq := range seqs {
		claimFilter := bson.M{"seq": seq}
		for k, v := range filter {
			claimFilter[k] = v
		}
		update := bson.M{"$set": bson.M{"status": string(StatusProcessing), "processesAt": time.Now()}}

		var row mongoRow
		err := r.collection().FindOneAndUpdate(ctx, claimFilter, update, claimOpts).Decode(&row)
		if err == mongo.ErrNoDocuments {
			continue // another worker claimed it first
		}
		if err != nil {
			return nil, fmt.Errorf("claim seq %d: %w", seq, err)
		}
		claimed = append(claimed, row.toOutboxRow())
	}
	return claimed, nil
}

func (r *MongoRepository) MarkPublished(ctx context.Context, id int64) (bool, error) {
	update := bson.M{"$set": bson.M{"status": string(StatusPublished), "publishedAt": time.Now()}}
	result, err := r.collection().UpdateOne(ctx, bson.M{"seq": id, "status": string(StatusProcessing)}, update)
	if err != nil {
		return false, fmt.Errorf("mark published: %w", err)
	}
	return result.ModifiedCount > 0, nil
}

func (r *MongoRepository) MarkFailed(ctx context.Context, id int64, lastError string) (bool, error) {
	update := bson.M{
		"$set": bson.M{"status": string(StatusFailed), "lastError": lastError},
		"$inc": bson.M{"retryCount": 1},
	}
	result, err := r.collection().UpdateOne(ctx, bson.M{"seq": id, "status": string(StatusProcessing)}, update)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return result.ModifiedCount > 0, nil
}

func (r *MongoRepository) RecoverStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	filter := bson.M{"status": string(StatusProcessing), "processesAt": bson.M{"$lt": time.Now().Add(-olderThan)}}
	update := bson.M{"$set": bson.M{"status": string(StatusPending)}, "$unset": bson.M{"processesAt": ""}}
	result, err := r.collection().UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, fmt.Errorf("recover stuck rows: %w", err)
	}
	return int(result.ModifiedCount), nil
}

func (r *MongoRepository) CountPending(ctx context.Context) (int64, error) {
	count, err := r.collection().CountDocuments(ctx, bson.M{"status": string(StatusPending)})
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return count, nil
}

func (r *MongoRepository) DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	filter := bson.M{"status": string(StatusPublished), "publishedAt": bson.M{"$lt": cutoff}}
	result, err := r.collection().DeleteMany(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("delete published rows: %w", err)
	}
	return result.DeletedCount, nil
}

func (r *MongoRepository) CreateSchema(ctx context.Context) error {
	_, err := r.collection().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "messageId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "createdAt", Value: 1}}},
		{Keys: bson.D{{Key: "destinationService", Value: 1}, {Key: "status", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	return nil
}
