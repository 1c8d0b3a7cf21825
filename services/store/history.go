package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mf_backend_project/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// HistoryStore is the append-only index time series
type HistoryStore struct {
	collection *mongo.Collection
	now        func() time.Time
}

// NewHistoryStore creates an index history store
func NewHistoryStore(db *mongo.Database) *HistoryStore {
	return &HistoryStore{
		collection: db.Collection(IndexHistoryCollection),
		now:        time.Now,
	}
}

func historyKey(p models.IndexHistoryPoint) bson.M {
	return bson.M{
		"symbol":      p.Symbol,
		"timestamp":   p.Timestamp,
		"granularity": p.Granularity,
	}
}

// Append upserts points by (symbol, timestamp, granularity) so a retried
// run never duplicates a point.
func (s *HistoryStore) Append(ctx context.Context, points []models.IndexHistoryPoint) (BulkResult, error) {
	var result BulkResult
	if len(points) == 0 {
		return result, nil
	}

	ops := make([]mongo.WriteModel, len(points))
	for i, p := range points {
		ops[i] = mongo.NewReplaceOneModel().
			SetFilter(historyKey(p)).
			SetReplacement(p).
			SetUpsert(true)
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
			return result, fmt.Errorf("failed to append index history: %w", err)
		}
		for _, we := range wes {
			p := points[b[0]+we.Index]
			result.fail(fmt.Sprintf("%s@%s", p.Symbol, p.Timestamp.Format(time.RFC3339)), we.Message)
		}
	}
	return result, nil
}

// intradayCutoff is the oldest intraday timestamp still served. The TTL
// monitor sweeps periodically, so reads filter explicitly as well.
func (s *HistoryStore) intradayCutoff() time.Time {
	return s.now().Add(-models.IntradayRetention)
}

// liveFilter restricts filter to points within their retention
func (s *HistoryStore) liveFilter(filter bson.M) bson.M {
	filter["$or"] = bson.A{
		bson.M{"granularity": bson.M{"$ne": models.GranularityIntraday}},
		bson.M{"timestamp": bson.M{"$gte": s.intradayCutoff()}},
	}
	return filter
}

// Latest returns the most recent point of symbol at any granularity
func (s *HistoryStore) Latest(ctx context.Context, symbol string) (*models.IndexHistoryPoint, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "timestamp", Value: -1}})

	var p models.IndexHistoryPoint
	err := s.collection.FindOne(ctx, s.liveFilter(bson.M{"symbol": symbol}), opts).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("history of %s: %w", symbol, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest history of %s: %w", symbol, err)
	}
	return &p, nil
}

// Range returns points of one granularity within [from, to], oldest first
func (s *HistoryStore) Range(ctx context.Context, symbol string, from, to time.Time, granularity models.Granularity) ([]models.IndexHistoryPoint, error) {
	if granularity == models.GranularityIntraday {
		if cutoff := s.intradayCutoff(); from.Before(cutoff) {
			from = cutoff
		}
	}
	filter := bson.M{
		"symbol":      symbol,
		"granularity": granularity,
		"timestamp":   bson.M{"$gte": from, "$lte": to},
	}
	return s.find(ctx, filter)
}

// DailySeries returns the daily points of the last days days, oldest first
func (s *HistoryStore) DailySeries(ctx context.Context, symbol string, days int) ([]models.IndexHistoryPoint, error) {
	if days <= 0 {
		return []models.IndexHistoryPoint{}, nil
	}
	filter := bson.M{
		"symbol":      symbol,
		"granularity": models.GranularityDaily,
		"timestamp":   bson.M{"$gte": s.now().AddDate(0, 0, -days)},
	}
	return s.find(ctx, filter)
}

func (s *HistoryStore) find(ctx context.Context, filter bson.M) ([]models.IndexHistoryPoint, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}})
	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query index history: %w", err)
	}
	defer cursor.Close(ctx)

	points := []models.IndexHistoryPoint{}
	if err := cursor.All(ctx, &points); err != nil {
		return nil, fmt.Errorf("failed to decode index history: %w", err)
	}
	return points, nil
}
