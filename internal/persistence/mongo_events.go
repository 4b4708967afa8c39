package persistence

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/stepflow/pkg/api"
)

// MongoEventStore stores step events in a MongoDB collection.
type MongoEventStore struct {
	coll *mongo.Collection
}

var _ EventStore = (*MongoEventStore)(nil)

// NewMongoEventStore creates a Mongo-backed event store.
// dbName defaults to "stepflow" if empty, collName defaults to "step_events".
func NewMongoEventStore(client *mongo.Client, dbName, collName string) *MongoEventStore {
	if dbName == "" {
		dbName = "stepflow"
	}
	if collName == "" {
		collName = "step_events"
	}
	return &MongoEventStore{
		coll: client.Database(dbName).Collection(collName),
	}
}

type mongoEventDoc struct {
	TrackerID       string `bson:"tracker_id"`
	InstanceID      string `bson:"instance_id,omitempty"`
	ConfigurationID string `bson:"configuration_id,omitempty"`
	At              int64  `bson:"at"`
	Seq             int64  `bson:"seq"`
	Type            string `bson:"type"`
	Detail          string `bson:"detail,omitempty"`
}

func (s *MongoEventStore) AppendEvent(ctx context.Context, ev api.StepEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	doc := mongoEventDoc{
		TrackerID:       ev.TrackerID,
		InstanceID:      ev.InstanceID,
		ConfigurationID: ev.ConfigurationID,
		At:              at.UnixNano(),
		Seq:             time.Now().UnixNano(),
		Type:            string(ev.Type),
		Detail:          ev.Detail,
	}
	_, err := s.coll.InsertOne(ctx, doc)
	return err
}

func (s *MongoEventStore) ListEvents(ctx context.Context, trackerID string) ([]api.StepEvent, error) {
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	cur, err := s.coll.Find(ctx, bson.M{"tracker_id": trackerID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []api.StepEvent
	for cur.Next(ctx) {
		var doc mongoEventDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, api.StepEvent{
			TrackerID:       doc.TrackerID,
			InstanceID:      doc.InstanceID,
			ConfigurationID: doc.ConfigurationID,
			At:              time.Unix(0, doc.At).UTC(),
			Type:            api.EventType(doc.Type),
			Detail:          doc.Detail,
		})
	}
	return out, cur.Err()
}
