package taskqueue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoQueue is a Queue stored in one MongoDB collection. Tasks are plain
// documents, so pending work can be inspected with the mongo shell.
// Leasing is a single FindOneAndUpdate on the earliest eligible document.
type MongoQueue struct {
	coll *mongo.Collection

	mu      sync.Mutex
	indexed bool
}

// Ensure MongoQueue implements Queue.
var _ Queue = (*MongoQueue)(nil)

// NewMongoQueue returns a queue in dbName.collName. Empty names default to
// "stepflow" and "queue_tasks".
func NewMongoQueue(client *mongo.Client, dbName, collName string) *MongoQueue {
	if dbName == "" {
		dbName = "stepflow"
	}
	if collName == "" {
		collName = "queue_tasks"
	}
	return &MongoQueue{coll: client.Database(dbName).Collection(collName)}
}

type mongoTask struct {
	ID              string    `bson:"_id"`
	Type            TaskType  `bson:"type"`
	InstanceID      string    `bson:"instance_id,omitempty"`
	ConfigurationID string    `bson:"configuration_id,omitempty"`
	EnqueuedAt      time.Time `bson:"enqueued_at"`
	NotBefore       time.Time `bson:"not_before"`
	Attempts        int       `bson:"attempts"`
	Owner           string    `bson:"owner"`
	LeaseUntil      time.Time `bson:"lease_until"`
}

func (d mongoTask) task() *Task {
	return &Task{
		ID:              d.ID,
		Type:            d.Type,
		InstanceID:      d.InstanceID,
		ConfigurationID: d.ConfigurationID,
		EnqueuedAt:      d.EnqueuedAt,
		NotBefore:       d.NotBefore,
		Attempts:        d.Attempts,
	}
}

// ensureIndex creates the index Dequeue sorts on. A failed attempt is
// retried on the next call.
func (q *MongoQueue) ensureIndex(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.indexed {
		return nil
	}
	_, err := q.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "not_before", Value: 1}, {Key: "enqueued_at", Value: 1}},
	})
	if err != nil {
		return err
	}
	q.indexed = true
	return nil
}

func (q *MongoQueue) Enqueue(ctx context.Context, t Task) error {
	if err := q.ensureIndex(ctx); err != nil {
		return err
	}
	t = prepare(t, time.Now())
	_, err := q.coll.InsertOne(ctx, mongoTask{
		ID:              t.ID,
		Type:            t.Type,
		InstanceID:      t.InstanceID,
		ConfigurationID: t.ConfigurationID,
		EnqueuedAt:      t.EnqueuedAt.UTC(),
		NotBefore:       t.NotBefore.UTC(),
		Attempts:        t.Attempts,
	})
	return err
}

// Dequeue polls until a task is eligible or ctx is done. A task is eligible
// when its not_before has passed and it is unleased or its lease expired.
func (q *MongoQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	if leaseTTL <= 0 {
		return nil, errors.New("leaseTTL must be > 0")
	}

	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "not_before", Value: 1}, {Key: "enqueued_at", Value: 1}}).
		SetReturnDocument(options.After)

	idle := newStoppedTimer()
	defer idle.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := time.Now().UTC()
		var doc mongoTask
		err := q.coll.FindOneAndUpdate(ctx,
			bson.M{
				"not_before":  bson.M{"$lte": now},
				"lease_until": bson.M{"$lte": now},
			},
			bson.M{"$set": bson.M{"owner": owner, "lease_until": now.Add(leaseTTL)}},
			opts,
		).Decode(&doc)
		switch {
		case err == nil:
			return doc.task(), nil
		case errors.Is(err, mongo.ErrNoDocuments):
			if err := sleep(ctx, idle, pollInterval); err != nil {
				return nil, err
			}
		default:
			return nil, err
		}
	}
}

func (q *MongoQueue) Ack(ctx context.Context, taskID, owner string) error {
	res, err := q.coll.DeleteOne(ctx, bson.M{"_id": taskID, "owner": owner})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotLeased
	}
	return nil
}

func (q *MongoQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error {
	res, err := q.coll.UpdateOne(ctx,
		bson.M{"_id": taskID, "owner": owner},
		bson.M{"$set": bson.M{
			"owner":       "",
			"lease_until": time.Time{},
			"not_before":  notBefore.UTC(),
			"attempts":    attempts,
		}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotLeased
	}
	return nil
}

func (q *MongoQueue) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := q.coll.CountDocuments(ctx, bson.D{})
	if err != nil {
		slog.Warn("mongo_queue_len_failed", slog.Any("error", err))
		return 0
	}
	return int(n)
}
