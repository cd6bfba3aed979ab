package audit

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// MongoSink 把審計事件寫入 MongoDB 集合
type MongoSink struct {
	collection *mongo.Collection
	timeout    time.Duration
}

// NewMongoSink 創建集合並建立查詢索引
func NewMongoSink(ctx context.Context, db *mongo.Database, collectionName string) *MongoSink {
	collection := db.Collection(collectionName)

	_, _ = collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "record_id", Value: 1},
			{Key: "timestamp", Value: -1},
		},
	}) // #nosec G104 -- index creation errors are not critical

	_, _ = collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "event_type", Value: 1},
			{Key: "timestamp", Value: -1},
		},
	}) // #nosec G104 -- index creation errors are not critical

	return &MongoSink{collection: collection, timeout: 3 * time.Second}
}

// Write 單次寫入有獨立逾時，請求取消後仍會寫入
func (s *MongoSink) Write(ctx context.Context, event AuditEvent) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	if _, err := s.collection.InsertOne(ctx, event); err != nil {
		return fmt.Errorf("failed to persist audit event: %w", err)
	}
	return nil
}
