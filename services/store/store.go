// Package store persists market snapshots, time series and derived fund data
// in MongoDB. Writes are single-operation upserts so concurrent writers on
// disjoint keys never need a read-modify-write cycle.
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

// Collection names
const (
	IndexSnapshotCollection = "index_snapshots"
	IndexHistoryCollection  = "index_history"
	NAVHistoryCollection    = "nav_history"
	FundReturnsCollection   = "fund_returns"
	FundGraphCollection     = "fund_graphs"
)

// ErrNotFound is returned when a lookup has no matching document
var ErrNotFound = errors.New("not found")

// bulkBatchSize bounds the size of a single BulkWrite call
const bulkBatchSize = 500

// Cache is the subset of the tiered cache used for read-through caching
type Cache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) (bool, error)
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Del(ctx context.Context, keyOrPattern string) (int64, error)
}

// BulkResult summarises a batched upsert. Failed maps an entry key to the
// reason its write was rejected; sibling writes are unaffected. StaleKeys
// lists entries skipped because the store already held newer data.
type BulkResult struct {
	Inserted  int               `json:"inserted"`
	Updated   int               `json:"updated"`
	Stale     int               `json:"stale"`
	StaleKeys []string          `json:"stale_keys,omitempty"`
	Failed    map[string]string `json:"failed,omitempty"`
}

func (r *BulkResult) fail(key, reason string) {
	if r.Failed == nil {
		r.Failed = make(map[string]string)
	}
	r.Failed[key] = reason
}

func (r *BulkResult) stale(key string) {
	r.Stale++
	r.StaleKeys = append(r.StaleKeys, key)
}

// Written reports whether the entry under key was stored
func (r BulkResult) Written(key string) bool {
	if _, failed := r.Failed[key]; failed {
		return false
	}
	for _, k := range r.StaleKeys {
		if k == key {
			return false
		}
	}
	return true
}

func (r *BulkResult) merge(res *mongo.BulkWriteResult) {
	if res == nil {
		return
	}
	r.Inserted += int(res.UpsertedCount)
	r.Updated += int(res.MatchedCount)
}

// indexModels lists every index the pipeline relies on, per collection
func indexModels() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		IndexSnapshotCollection: {
			{Keys: bson.D{{Key: "last_updated_at", Value: -1}}},
		},
		IndexHistoryCollection: {
			{
				Keys:    bson.D{{Key: "symbol", Value: 1}, {Key: "timestamp", Value: 1}, {Key: "granularity", Value: 1}},
				Options: options.Index().SetUnique(true).SetName("symbol_timestamp_granularity"),
			},
			{
				Keys:    bson.D{{Key: "symbol", Value: 1}, {Key: "granularity", Value: 1}, {Key: "timestamp", Value: -1}},
				Options: options.Index().SetName("symbol_granularity_recent"),
			},
			{
				// Only intraday points expire; daily points are kept forever.
				Keys: bson.D{{Key: "timestamp", Value: 1}},
				Options: options.Index().
					SetName("intraday_ttl").
					SetExpireAfterSeconds(int32(models.IntradayRetention.Seconds())).
					SetPartialFilterExpression(bson.M{"granularity": models.GranularityIntraday}),
			},
		},
		NAVHistoryCollection: {
			{
				Keys:    bson.D{{Key: "fund_id", Value: 1}, {Key: "date", Value: -1}},
				Options: options.Index().SetUnique(true).SetName("fund_date"),
			},
			{
				Keys:    bson.D{{Key: "date", Value: 1}},
				Options: options.Index().SetName("nav_ttl").SetExpireAfterSeconds(int32(models.NAVRetention.Seconds())),
			},
			{Keys: bson.D{{Key: "amfi_code", Value: 1}}},
		},
		FundGraphCollection: {
			{
				Keys:    bson.D{{Key: "fund_id", Value: 1}, {Key: "period", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
	}
}

// EnsureIndexes creates the unique and expiry indexes of every collection
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	for name, idx := range indexModels() {
		if _, err := db.Collection(name).Indexes().CreateMany(ctx, idx); err != nil {
			return fmt.Errorf("failed to create indexes on %s: %w", name, err)
		}
	}
	log.Println("MongoDB indexes created")
	return nil
}

// writeErrors splits a BulkWrite error into per-operation failures. ok is
// false when err is not a per-operation failure and the batch should abort.
func writeErrors(err error) ([]mongo.BulkWriteError, bool) {
	var bwe mongo.BulkWriteException
	if errors.As(err, &bwe) && bwe.WriteConcernError == nil {
		return bwe.WriteErrors, true
	}
	return nil, false
}

func isDuplicateKey(we mongo.BulkWriteError) bool {
	return we.Code == 11000
}

func batches(n int) [][2]int {
	var out [][2]int
	for i := 0; i < n; i += bulkBatchSize {
		end := i + bulkBatchSize
		if end > n {
			end = n
		}
		out = append(out, [2]int{i, end})
	}
	return out
}
