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

// NAVStore is the daily NAV history of every fund
type NAVStore struct {
	collection *mongo.Collection
}

// NewNAVStore creates a NAV history store
func NewNAVStore(db *mongo.Database) *NAVStore {
	return &NAVStore{collection: db.Collection(NAVHistoryCollection)}
}

// NAVKey identifies a record in a BulkResult
func NAVKey(r models.NAVRecord) string {
	return fmt.Sprintf("%d@%s", r.FundID, r.Date.Format("2006-01-02"))
}

// UpsertMany writes NAV records keyed by (fund_id, date)
func (s *NAVStore) UpsertMany(ctx context.Context, records []models.NAVRecord) (BulkResult, error) {
	var result BulkResult
	if len(records) == 0 {
		return result, nil
	}

	ops := make([]mongo.WriteModel, len(records))
	for i, r := range records {
		ops[i] = mongo.NewUpdateOneModel().
			SetFilter(bson.M{"fund_id": r.FundID, "date": r.Date}).
			SetUpdate(bson.M{"$set": bson.M{"nav": r.NAV, "amfi_code": r.AMFICode}}).
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
			return result, fmt.Errorf("failed to upsert nav records: %w", err)
		}
		for _, we := range wes {
			r := records[b[0]+we.Index]
			result.fail(NAVKey(r), we.Message)
		}
	}
	return result, nil
}

// LatestOnOrBefore returns the newest record of fundID dated at or before t
func (s *NAVStore) LatestOnOrBefore(ctx context.Context, fundID uint, t time.Time) (*models.NAVRecord, error) {
	filter := bson.M{"fund_id": fundID, "date": bson.M{"$lte": t}}
	opts := options.FindOne().SetSort(bson.D{{Key: "date", Value: -1}})

	var r models.NAVRecord
	err := s.collection.FindOne(ctx, filter, opts).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("nav of fund %d on or before %s: %w", fundID, t.Format("2006-01-02"), ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load nav of fund %d: %w", fundID, err)
	}
	return &r, nil
}

// Range returns records of fundID within [from, to], oldest first
func (s *NAVStore) Range(ctx context.Context, fundID uint, from, to time.Time) ([]models.NAVRecord, error) {
	filter := bson.M{"fund_id": fundID, "date": bson.M{"$gte": from, "$lte": to}}
	opts := options.Find().SetSort(bson.D{{Key: "date", Value: 1}})

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query nav history of fund %d: %w", fundID, err)
	}
	defer cursor.Close(ctx)

	records := []models.NAVRecord{}
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode nav history of fund %d: %w", fundID, err)
	}
	return records, nil
}

// CleanupOlderThan deletes records dated before cutoff. It backs up the
// expiry index, which only sweeps periodically.
func (s *NAVStore) CleanupOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.collection.DeleteMany(ctx, bson.M{"date": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, fmt.Errorf("failed to clean up nav history: %w", err)
	}
	if res.DeletedCount > 0 {
		log.Printf("Removed %d NAV records older than %s", res.DeletedCount, cutoff.Format("2006-01-02"))
	}
	return res.DeletedCount, nil
}
