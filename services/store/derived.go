package store

import (
	"context"
	"errors"
	"fmt"

	"mf_backend_project/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ReturnsStore keeps one returns snapshot per fund
type ReturnsStore struct {
	collection *mongo.Collection
}

func NewReturnsStore(db *mongo.Database) *ReturnsStore {
	return &ReturnsStore{collection: db.Collection(FundReturnsCollection)}
}

// Save overwrites the snapshot of the fund
func (s *ReturnsStore) Save(ctx context.Context, snap *models.ReturnsSnapshot) error {
	_, err := s.collection.ReplaceOne(ctx, bson.M{"_id": snap.FundID}, snap, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save returns of fund %d: %w", snap.FundID, err)
	}
	return nil
}

func (s *ReturnsStore) Get(ctx context.Context, fundID uint) (*models.ReturnsSnapshot, error) {
	var snap models.ReturnsSnapshot
	err := s.collection.FindOne(ctx, bson.M{"_id": fundID}).Decode(&snap)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("returns of fund %d: %w", fundID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load returns of fund %d: %w", fundID, err)
	}
	return &snap, nil
}

// GraphStore keeps one weekly series per fund and period
type GraphStore struct {
	collection *mongo.Collection
}

func NewGraphStore(db *mongo.Database) *GraphStore {
	return &GraphStore{collection: db.Collection(FundGraphCollection)}
}

// Save overwrites the series of the fund and period
func (s *GraphStore) Save(ctx context.Context, series *models.GraphSeries) error {
	series.ID = models.GraphSeriesID(series.FundID, series.Period)
	_, err := s.collection.ReplaceOne(ctx, bson.M{"_id": series.ID}, series, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save graph %s: %w", series.ID, err)
	}
	return nil
}

func (s *GraphStore) Get(ctx context.Context, fundID uint, period models.GraphPeriod) (*models.GraphSeries, error) {
	id := models.GraphSeriesID(fundID, period)
	var series models.GraphSeries
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&series)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("graph %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load graph %s: %w", id, err)
	}
	return &series, nil
}
