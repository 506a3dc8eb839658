package persistence

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"remanufacturing-scheduler/internal/schedlog"
	"remanufacturing-scheduler/internal/types"
)

const mongoLogCollection = "scheduling_logs"

// MongoLogStore 将调度日志保存到 MongoDB
type MongoLogStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// ConnectMongo 连接 MongoDB 并确保日志查询索引存在
func ConnectMongo(ctx context.Context, uri, database string) (*MongoLogStore, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	coll := client.Database(database).Collection(mongoLogCollection)
	_, err = coll.Indexes().CreateOne(connectCtx, mongo.IndexModel{
		Keys: bson.D{{Key: "factoryId", Value: 1}, {Key: "stage", Value: 1}, {Key: "createdAt", Value: -1}},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create log index: %w", err)
	}
	return &MongoLogStore{client: client, collection: coll}, nil
}

// Append 追加一条调度日志
func (m *MongoLogStore) Append(ctx context.Context, entry types.SchedulingLogEntry) error {
	if _, err := m.collection.InsertOne(ctx, entry); err != nil {
		return fmt.Errorf("failed to insert log entry: %w", err)
	}
	return nil
}

// List 按 createdAt 倒序读取日志
func (m *MongoLogStore) List(ctx context.Context, q schedlog.Query) ([]types.SchedulingLogEntry, error) {
	filter := bson.M{"factoryId": q.FactoryID}
	if q.Stage != "" {
		filter["stage"] = q.Stage
	}
	if q.Since > 0 {
		filter["createdAt"] = bson.M{"$gte": q.Since}
	}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	cursor, err := m.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	defer cursor.Close(ctx)

	var out []types.SchedulingLogEntry
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode logs: %w", err)
	}
	return out, nil
}

// DeleteFactory 删除工厂的全部日志
func (m *MongoLogStore) DeleteFactory(ctx context.Context, factoryID string) (int, error) {
	res, err := m.collection.DeleteMany(ctx, bson.M{"factoryId": factoryID})
	if err != nil {
		return 0, fmt.Errorf("failed to delete logs: %w", err)
	}
	return int(res.DeletedCount), nil
}

// Close 断开连接
func (m *MongoLogStore) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
