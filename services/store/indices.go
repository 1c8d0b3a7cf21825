package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"mf_backend_project/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Cache keys of index reads
const (
	IndicesAllKey    = "indices:all"
	indicesKeyPrefix = "indices:"
	indicesPattern   = "indices:*"

	IndicesCacheTTL = 5 * time.Minute
)

// IndexCacheKey is the cache key of a single index snapshot
func IndexCacheKey(symbol string) string {
	return indicesKeyPrefix + symbol
}

// IndexStore holds the latest snapshot of every index
type IndexStore struct {
	collection *mongo.Collection
	cache      Cache
}

// NewIndexStore creates an index snapshot store. cache may be nil.
func NewIndexStore(db *mongo.Database, cache Cache) *IndexStore {
	return &IndexStore{
		collection: db.Collection(IndexSnapshotCollection),
		cache:      cache,
	}
}

// snapshotUpsert overwrites a snapshot only when the stored one is older.
// A newer stored snapshot makes the filter miss, the upsert then collides on
// _id and the write is reported as stale.
func snapshotUpsert(s models.IndexSnapshot) mongo.WriteModel {
	return mongo.NewUpdateOneModel().
		SetFilter(bson.M{
			"_id":             s.Symbol,
			"last_updated_at": bson.M{"$lt": s.LastUpdatedAt},
		}).
		SetUpdate(bson.M{"$set": bson.M{
			"display_name":              s.DisplayName,
			"value":                     s.Value,
			"change":                    s.Change,
			"percent_change":            s.PercentChange,
			"open":                      s.Open,
			"high":                      s.High,
			"low":                       s.Low,
			"previous_close":            s.PreviousClose,
			"last_updated_at":           s.LastUpdatedAt,
			"is_market_open_at_capture": s.IsMarketOpenAtCapture,
		}}).
		SetUpsert(true)
}

// UpsertMany writes snapshots in unordered batches. One symbol failing does
// not abort the others.
func (s *IndexStore) UpsertMany(ctx context.Context, snapshots []models.IndexSnapshot) (BulkResult, error) {
	var result BulkResult
	if len(snapshots) == 0 {
		return result, nil
	}

	ops := make([]mongo.WriteModel, 0, len(snapshots))
	symbols := make([]string, 0, len(snapshots))
	for _, snap := range snapshots {
		if snap.Symbol == "" {
			result.fail("", "missing symbol")
			continue
		}
		ops = append(ops, snapshotUpsert(snap))
		symbols = append(symbols, snap.Symbol)
	}

	opts := options.BulkWrite().SetOrdered(false)
	for _, b := range batches(len(ops)) {
		res, err := s.collection.BulkWrite(ctx, ops[b[0]:b[1]], opts)
		result.merge(res)
		if err == nil {
			continue
		}
		wes, ok := writeErrors(err)
		if !ok {
			return result, fmt.Errorf("failed to upsert index snapshots: %w", err)
		}
		for _, we := range wes {
			symbol := symbols[b[0]+we.Index]
			if isDuplicateKey(we) {
				result.stale(symbol)
				continue
			}
			result.fail(symbol, we.Message)
		}
	}

	s.invalidate(ctx)
	return result, nil
}

func (s *IndexStore) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if _, err := s.cache.Del(ctx, indicesPattern); err != nil {
		log.Printf("Warning: failed to invalidate index cache: %v", err)
	}
}

// All returns every snapshot ordered by symbol
func (s *IndexStore) All(ctx context.Context) ([]models.IndexSnapshot, error) {
	var snapshots []models.IndexSnapshot
	if s.cached(ctx, IndicesAllKey, &snapshots) {
		return snapshots, nil
	}

	cursor, err := s.collection.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to query index snapshots: %w", err)
	}
	defer cursor.Close(ctx)

	snapshots = []models.IndexSnapshot{}
	if err := cursor.All(ctx, &snapshots); err != nil {
		return nil, fmt.Errorf("failed to decode index snapshots: %w", err)
	}

	s.store(ctx, IndicesAllKey, snapshots)
	return snapshots, nil
}

// BySymbol returns the snapshot of one index
func (s *IndexStore) BySymbol(ctx context.Context, symbol string) (*models.IndexSnapshot, error) {
	key := IndexCacheKey(symbol)
	var snap models.IndexSnapshot
	if s.cached(ctx, key, &snap) {
		return &snap, nil
	}

	err := s.collection.FindOne(ctx, bson.M{"_id": symbol}).Decode(&snap)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("index %s: %w", symbol, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load index %s: %w", symbol, err)
	}

	s.store(ctx, key, snap)
	return &snap, nil
}

// cached reads key into dest. Cache failures are logged and treated as misses.
func (s *IndexStore) cached(ctx context.Context, key string, dest interface{}) bool {
	if s.cache == nil {
		return false
	}
	ok, err := s.cache.GetJSON(ctx, key, dest)
	if err != nil {
		log.Printf("Warning: cache read %s failed: %v", key, err)
		return false
	}
	return ok
}

func (s *IndexStore) store(ctx context.Context, key string, value interface{}) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetJSON(ctx, key, value, IndicesCacheTTL); err != nil {
		log.Printf("Warning: cache write %s failed: %v", key, err)
	}
}
