package cache

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"mf_backend_project/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// CacheCollection is the durable tier collection name
const CacheCollection = "cache_entries"

// MongoStore is the durable tier backed by a Mongo collection
type MongoStore struct {
	collection *mongo.Collection
	now        func() time.Time
}

// NewMongoStore creates the durable tier on db
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		collection: db.Collection(CacheCollection),
		now:        time.Now,
	}
}

// EnsureIndexes lets Mongo reap expired entries in the background. Reads do
// not rely on it since the reaper runs only about once a minute.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0).SetName("cache_expiry_ttl"),
	})
	if err != nil {
		return fmt.Errorf("failed to create cache ttl index: %w", err)
	}
	return nil
}

// liveFilter matches key only while it has not expired
func liveFilter(key string, now time.Time) bson.M {
	return bson.M{
		"_id": key,
		"$or": bson.A{
			bson.M{"expires_at": bson.M{"$exists": false}},
			bson.M{"expires_at": nil},
			bson.M{"expires_at": bson.M{"$gt": now}},
		},
	}
}

func (s *MongoStore) Get(ctx context.Context, key string) (string, bool, error) {
	var entry models.CacheEntry
	err := s.collection.FindOne(ctx, liveFilter(key, s.now())).Decode(&entry)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("durable get %s: %w", key, err)
	}
	return entry.Value, true, nil
}

func (s *MongoStore) Set(ctx context.Context, key, value string, expiresAt *time.Time) error {
	entry := models.CacheEntry{
		Key:       key,
		Value:     value,
		ExpiresAt: expiresAt,
		UpdatedAt: s.now(),
	}
	_, err := s.collection.ReplaceOne(ctx, bson.M{"_id": key}, entry, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("durable set %s: %w", key, err)
	}
	return nil
}

func (s *MongoStore) Delete(ctx context.Context, key string) (int64, error) {
	res, err := s.collection.DeleteOne(ctx, bson.M{"_id": key})
	if err != nil {
		return 0, fmt.Errorf("durable delete %s: %w", key, err)
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) DeleteContaining(ctx context.Context, substr string) (int64, error) {
	filter := bson.M{"_id": bson.M{"$regex": regexp.QuoteMeta(substr)}}
	res, err := s.collection.DeleteMany(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("durable delete containing %q: %w", substr, err)
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) ExpiresAt(ctx context.Context, key string) (*time.Time, bool, error) {
	var entry models.CacheEntry
	opts := options.FindOne().SetProjection(bson.M{"expires_at": 1})
	err := s.collection.FindOne(ctx, liveFilter(key, s.now()), opts).Decode(&entry)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("durable ttl %s: %w", key, err)
	}
	return entry.ExpiresAt, true, nil
}
