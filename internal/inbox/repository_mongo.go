package inbox

import (
	"context"
	"fmt"
	"time"

	"github.com/relaykit/relaykit/internal/common/uuid7"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoRepository implements Repository for MongoDB. Idempotent admission
// relies on a unique index on messageId: a duplicate Insert surfaces as a
// mongo.IsDuplicateKeyError, translated into the (nil, false, nil) signal.
type MongoRepository struct {
	db     *mongo.Database
	config *RepositoryConfig
}

// NewMongoRepository creates a new MongoDB inbox repository.
func NewMongoRepository(db *mongo.Database, config *RepositoryConfig) *MongoRepository {
	if config == nil {
		config = DefaultRepositoryConfig()
	}
	return &MongoRepository{db: db, config: config}
}

func (r *MongoRepository) collection() *mongo.Collection {
	return r.db.Collection(r.config.TableName)
}

// WithTx runs fn inside a MongoDB session transaction. Every Repository
// method forwards whatever ctx it is given straight to the driver, and the
// driver auto-detects an active transaction from a mongo.SessionContext, so
// calling ClaimBatch/MarkProcessed/MarkFailed with the ctx fn receives here
// is enough to make claim, handler invocation, and mark commit or abort
// together (spec.md §4.5) — no other change to those methods is needed.
func (r *MongoRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	session, err := r.db.Client().StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		return nil, fn(sessCtx)
	})
	return err
}

type mongoRow struct {
	ObjectID      interface{}       `bson:"_id,omitempty"`
	Seq           int64             `bson:"seq"`
	MessageID     string            `bson:"messageId"`
	SourceService string            `bson:"sourceService"`
	EventType     string            `bson:"eventType"`
	Payload       []byte            `bson:"payload"`
	Headers       map[string]string `bson:"headers,omitempty"`
	Status        InboxStatus       `bson:"status"`
	RetryCount    int               `bson:"retryCount"`
	LastError     string            `bson:"lastError,omitempty"`
	ReceivedAt    time.Time         `bson:"receivedAt"`
	ProcessesAt   *time.Time        `bson:"processesAt,omitempty"`
	ProcessedAt   *time.Time        `bson:"processedAt,omitempty"`
}

func (m *mongoRow) toInboxRow() *InboxRow {
	return &InboxRow{
		ID:            m.Seq,
		MessageID:     m.MessageID,
		SourceService: m.SourceService,
		EventType:     m.EventType,
		Payload:       m.Payload,
		Headers:       m.Headers,
		Status:        m.Status,
		RetryCount:    m.RetryCount,
		LastError:     m.LastError,
		ReceivedAt:    m.ReceivedAt,
		ProcessesAt:   m.ProcessesAt,
		ProcessedAt:   m.ProcessedAt,
	}
}

func (r *MongoRepository) Insert(ctx context.Context, row NewRow) (*InboxRow, bool, error) {
	messageID := row.MessageID
	if messageID == "" {
		id, err := uuid7.New()
		if err != nil {
			return nil, false, fmt.Errorf("generate message id: %w", err)
		}
		messageID = id
	}

	seq, err := r.nextSeq(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("allocate sequence: %w", err)
	}

	doc := mongoRow{
		Seq:           seq,
		MessageID:     messageID,
		SourceService: row.SourceService,
		EventType:     row.EventType,
		Payload:       row.Payload,
		Headers:       row.Headers,
		Status:        StatusPending,
		ReceivedAt:    time.Now(),
	}

	if _, err := r.collection().InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("insert inbox document: %w", err)
	}
	return doc.toInboxRow(), true, nil
}

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

func (r *MongoRepository) ClaimBatch(ctx context.Context, limit int) ([]*InboxRow, error) {
	filter := bson.M{"status": string(StatusPending)}
	return r.claimMany(ctx, filter, limit)
}

func (r *MongoRepository) ClaimFailedBatch(ctx context.Context, limit int, maxRetries int) ([]*InboxRow, error) {
	filter := bson.M{"status": string(StatusFailed), "retryCount": bson.M{"$lt": maxRetries}}
	return r.claimMany(ctx, filter, limit)
}

func (r *MongoRepository) claimMany(ctx context.Context, filter bson.M, limit int) ([]*InboxRow, error) {
	opts := options.Find().SetSort(bson.D{{Key: "receivedAt", Value: 1}}).SetLimit(int64(limit)).SetProjection(bson.M{"seq": 1})
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

	claimOpts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var claimed []*InboxRow
	for _, c := range candidates {
		claimFilter := bson.M{"seq": c.Seq}
		for k, v := range filter {
			claimFilter[k] = v
		}
		update := bson.M{"$set": bson.M{"status": string(StatusProcessing), "processesAt": time.Now()}}

		var row mongoRow
		err := r.collection().FindOneAndUpdate(ctx, claimFilter, update, claimOpts).Decode(&row)
		if err == mongo.ErrNoDocuments {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("claim seq %d: %w", c.Seq, err)
		}
		claimed = append(claimed, row.toInboxRow())
	}
	return claimed, nil
}

func (r *MongoRepository) MarkProcessed(ctx context.Context, id int64) (bool, error) {
	update := bson.M{"$set": bson.M{"status": string(StatusProcessed), "processedAt": time.Now()}}
	result, err := r.collection().UpdateOne(ctx, bson.M{"seq": id, "status": string(StatusProcessing)}, update)
	if err != nil {
		return false, fmt.Errorf("mark processed: %w", err)
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

func (r *MongoRepository) MarkNoHandler(ctx context.Context, id int64) (bool, error) {
	update := bson.M{"$set": bson.M{"status": string(StatusPending)}, "$unset": bson.M{"processesAt": ""}}
	result, err := r.collection().UpdateOne(ctx, bson.M{"seq": id, "status": string(StatusProcessing)}, update)
	if err != nil {
		return false, fmt.Errorf("mark no-handler: %w", err)
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

func (r *MongoRepository) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	filter := bson.M{"status": string(StatusProcessed), "processedAt": bson.M{"$lt": cutoff}}
	result, err := r.collection().DeleteMany(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("delete processed rows: %w", err)
	}
	return result.DeletedCount, nil
}

func (r *MongoRepository) CreateSchema(ctx context.Context) error {
	_, err := r.collection().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "messageId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "receivedAt", Value: 1}}},
		{Keys: bson.D{{Key: "eventType", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	return nil
}
