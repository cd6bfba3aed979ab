package custody

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// DefaultCollection 預設的密鑰集合名稱
const DefaultCollection = "custody_keys"

// MongoStore MongoDB 持久化實作
// handle 有唯一索引，Put 與 Rekey 的衝突由資料庫判定
type MongoStore struct {
	collection *mongo.Collection
	wrapper    *Wrapper
	now        func() time.Time
}

// NewMongoStore 創建密鑰存儲並建立索引
func NewMongoStore(ctx context.Context, db *mongo.Database, collectionName string, wrapper *Wrapper) (*MongoStore, error) {
	if collectionName == "" {
		collectionName = DefaultCollection
	}
	collection := db.Collection(collectionName)

	// handle 唯一索引，Put 與 Rekey 依賴它判定衝突
	if _, err := collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "handle", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return nil, fmt.Errorf("failed to create handle index: %w", err)
	}

	// phase + created_at 索引（對帳掃描）
	_, _ = collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "phase", Value: 1},
			{Key: "created_at", Value: 1},
		},
	}) // #nosec G104 -- index creation errors are not critical

	return &MongoStore{
		collection: collection,
		wrapper:    wrapper,
		now:        time.Now,
	}, nil
}

func (s *MongoStore) Put(ctx context.Context, rec KeyRecord) error {
	if err := rec.validate(); err != nil {
		return err
	}
	doc, err := newKeyDocument(s.wrapper, rec, s.now())
	if err != nil {
		return err
	}

	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrHandleConflict
		}
		return fmt.Errorf("failed to save key: %w", err)
	}
	return nil
}

func (s *MongoStore) Overwrite(ctx context.Context, rec KeyRecord) error {
	if err := rec.validate(); err != nil {
		return err
	}
	// 覆寫時換新的 doc_id，與新包裝的密鑰在同一次寫入中更新
	docID := uuid.NewString()
	wrapped, err := s.wrapper.Wrap(rec.Material, docID)
	if err != nil {
		return fmt.Errorf("key wrapping error: %w", err)
	}

	result, err := s.collection.UpdateOne(ctx,
		bson.M{"handle": rec.Handle.String()},
		bson.M{"$set": bson.M{
			"doc_id":      docID,
			"wrapped_key": wrapped,
			"scheme":      string(rec.Scheme),
			"updated_at":  s.now().UTC(),
		}},
	)
	if err != nil {
		return fmt.Errorf("failed to overwrite key: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, handle Handle) (KeyRecord, error) {
	var doc keyDocument
	err := s.collection.FindOne(ctx, bson.M{"handle": handle.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return KeyRecord{}, ErrNotFound
	}
	if err != nil {
		return KeyRecord{}, fmt.Errorf("failed to get key: %w", err)
	}
	return doc.record(s.wrapper)
}

// Rekey 以單一 UpdateOne 改寫 handle 欄位
// 文檔在同一次寫入中換名，讀者不會看到兩個 handle 同時存在或同時消失
func (s *MongoStore) Rekey(ctx context.Context, oldHandle, newHandle Handle) error {
	if err := validateRekey(oldHandle, newHandle); err != nil {
		return err
	}

	result, err := s.collection.UpdateOne(ctx,
		bson.M{"handle": oldHandle.String()},
		bson.M{"$set": bson.M{
			"handle":     newHandle.String(),
			"phase":      string(newHandle.Phase()),
			"updated_at": s.now().UTC(),
		}},
	)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrHandleConflict
		}
		return fmt.Errorf("failed to rekey: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) Delete(ctx context.Context, handle Handle) error {
	result, err := s.collection.DeleteOne(ctx, bson.M{"handle": handle.String()})
	if err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	if result.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) List(ctx context.Context, filter ListFilter) ([]KeyInfo, error) {
	query := bson.M{}
	if filter.Phase != "" {
		query["phase"] = string(filter.Phase)
	}
	if !filter.CreatedBefore.IsZero() {
		query["created_at"] = bson.M{"$lt": filter.CreatedBefore.UTC()}
	}

	opts := options.Find().
		SetProjection(bson.M{"wrapped_key": 0}).
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "handle", Value: 1}})

	cursor, err := s.collection.Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []*keyDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode keys: %w", err)
	}

	infos := make([]KeyInfo, 0, len(docs))
	for _, doc := range docs {
		infos = append(infos, doc.info())
	}
	return infos, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.collection.Database().Client().Ping(ctx, nil)
}
