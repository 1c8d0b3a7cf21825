// Package aggregation derives trailing returns and weekly chart series of a
// fund from its NAV history.
package aggregation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"time"

	"mf_backend_project/models"
	"mf_backend_project/services/store"

	"github.com/shopspring/decimal"
)

// ReturnsCacheTTL bounds how long a cached returns snapshot is served
const ReturnsCacheTTL = time.Hour

var hundred = decimal.NewFromInt(100)

// NAVSource reads NAV history
type NAVSource interface {
	LatestOnOrBefore(ctx context.Context, fundID uint, t time.Time) (*models.NAVRecord, error)
	Range(ctx context.Context, fundID uint, from, to time.Time) ([]models.NAVRecord, error)
}

// ReturnsRepository persists returns snapshots
type ReturnsRepository interface {
	Save(ctx context.Context, snap *models.ReturnsSnapshot) error
	Get(ctx context.Context, fundID uint) (*models.ReturnsSnapshot, error)
}

// GraphRepository persists graph series
type GraphRepository interface {
	Save(ctx context.Context, series *models.GraphSeries) error
	Get(ctx context.Context, fundID uint, period models.GraphPeriod) (*models.GraphSeries, error)
}

// Service computes and serves derived fund data
type Service struct {
	navs    NAVSource
	returns ReturnsRepository
	graphs  GraphRepository
	cache   store.Cache
	loc     *time.Location
	now     func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithCache caches returns reads
func WithCache(c store.Cache) Option {
	return func(s *Service) { s.cache = c }
}

// WithLocation sets the zone used to determine "today"
func WithLocation(loc *time.Location) Option {
	return func(s *Service) { s.loc = loc }
}

// WithClock overrides the clock
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates an aggregation service
func NewService(navs NAVSource, returns ReturnsRepository, graphs GraphRepository, opts ...Option) *Service {
	s := &Service{
		navs:    navs,
		returns: returns,
		graphs:  graphs,
		loc:     time.UTC,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func returnsCacheKey(fundID uint) string {
	return "returns:" + strconv.FormatUint(uint64(fundID), 10)
}

// today returns midnight of the current day
func (s *Service) today() time.Time {
	n := s.now().In(s.loc)
	return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, s.loc)
}

// ComputeReturns recomputes and stores the trailing returns of a fund. It
// returns nil without error when the fund has no NAV yet.
func (s *Service) ComputeReturns(ctx context.Context, fundID uint) (*models.ReturnsSnapshot, error) {
	today := s.today()
	current, err := s.navs.LatestOnOrBefore(ctx, fundID, today)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load current nav of fund %d: %w", fundID, err)
	}

	snap := &models.ReturnsSnapshot{
		FundID:           fundID,
		CurrentNAV:       current.Value().InexactFloat64(),
		CurrentNAVDate:   current.Date,
		LastCalculatedAt: s.now(),
	}
	for _, w := range []struct {
		years int
		dst   **float64
	}{
		{1, &snap.Return1Y},
		{3, &snap.Return3Y},
		{5, &snap.Return5Y},
	} {
		r, err := s.trailingReturn(ctx, fundID, current.Value(), today.AddDate(-w.years, 0, 0))
		if err != nil {
			return nil, err
		}
		*w.dst = r
	}

	if err := s.returns.Save(ctx, snap); err != nil {
		return nil, err
	}
	s.invalidate(ctx, returnsCacheKey(fundID))
	return snap, nil
}

// trailingReturn is the percentage change from the NAV on or before since.
// nil means the fund is younger than the window.
func (s *Service) trailingReturn(ctx context.Context, fundID uint, current decimal.Decimal, since time.Time) (*float64, error) {
	past, err := s.navs.LatestOnOrBefore(ctx, fundID, since)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load nav of fund %d on %s: %w", fundID, since.Format("2006-01-02"), err)
	}
	base := past.Value()
	if base.IsZero() {
		return nil, nil
	}
	pct, _ := current.Sub(base).Div(base).Mul(hundred).Round(2).Float64()
	return &pct, nil
}

// Returns serves the stored returns of a fund, computing them on first use
// and again once they are older than a day. Stale returns are still served
// if the recompute fails.
func (s *Service) Returns(ctx context.Context, fundID uint) (*models.ReturnsSnapshot, error) {
	key := returnsCacheKey(fundID)
	if s.cache != nil {
		var snap models.ReturnsSnapshot
		if ok, err := s.cache.GetJSON(ctx, key, &snap); err == nil && ok {
			return &snap, nil
		}
	}

	snap, err := s.returns.Get(ctx, fundID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		snap, err = s.ComputeReturns(ctx, fundID)
	case err == nil && snap.IsStale(s.now()):
		fresh, cerr := s.ComputeReturns(ctx, fundID)
		if cerr != nil {
			log.Printf("Warning: serving stale returns of fund %d: %v", fundID, cerr)
		} else if fresh != nil {
			snap = fresh
		}
	}
	if err != nil || snap == nil {
		return snap, err
	}

	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, key, snap, ReturnsCacheTTL); err != nil {
			log.Printf("Warning: cache write %s failed: %v", key, err)
		}
	}
	return snap, nil
}

// GraphData serves the weekly series of a fund, rebuilding it first when the
// stored one is missing or stale. A stale series is still served if the
// rebuild fails.
func (s *Service) GraphData(ctx context.Context, fundID uint, period models.GraphPeriod) (*models.GraphSeries, error) {
	stored, err := s.graphs.Get(ctx, fundID, period)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if stored != nil && !stored.IsStale(s.now()) {
		return stored, nil
	}

	fresh, err := s.AggregateGraph(ctx, fundID, period)
	if err != nil {
		if stored != nil {
			log.Printf("Warning: serving stale graph %s: %v", models.GraphSeriesID(fundID, period), err)
			return stored, nil
		}
		return nil, err
	}
	return fresh, nil
}

// AggregateGraph rebuilds and stores the weekly series of a fund
func (s *Service) AggregateGraph(ctx context.Context, fundID uint, period models.GraphPeriod) (*models.GraphSeries, error) {
	years := period.Years()
	if years == 0 {
		return nil, fmt.Errorf("unsupported period %q", period)
	}

	today := s.today()
	records, err := s.navs.Range(ctx, fundID, today.AddDate(-years, 0, 0), s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to load nav history of fund %d: %w", fundID, err)
	}

	series := &models.GraphSeries{
		FundID:           fundID,
		Period:           period,
		Points:           BuildWeeklySeries(records, s.loc),
		LastAggregatedAt: s.now(),
	}
	if err := s.graphs.Save(ctx, series); err != nil {
		return nil, err
	}
	return series, nil
}

// AggregateAllPeriods rebuilds every period of a fund
func (s *Service) AggregateAllPeriods(ctx context.Context, fundID uint) error {
	for _, p := range models.GraphPeriods() {
		if _, err := s.AggregateGraph(ctx, fundID, p); err != nil {
			return fmt.Errorf("period %s: %w", p, err)
		}
	}
	return nil
}

func (s *Service) invalidate(ctx context.Context, key string) {
	if s.cache == nil {
		return
	}
	if _, err := s.cache.Del(ctx, key); err != nil {
		log.Printf("Warning: failed to invalidate %s: %v", key, err)
	}
}

type weekKey struct {
	year, week int
}

// BuildWeeklySeries keeps the latest record of every ISO week and returns the
// points oldest first. Weeks are taken in loc.
func BuildWeeklySeries(records []models.NAVRecord, loc *time.Location) []models.GraphPoint {
	latest := make(map[weekKey]models.NAVRecord)
	for _, r := range records {
		y, w := r.Date.In(loc).ISOWeek()
		k := weekKey{y, w}
		if cur, ok := latest[k]; !ok || r.Date.After(cur.Date) {
			latest[k] = r
		}
	}

	points := make([]models.GraphPoint, 0, len(latest))
	for _, r := range latest {
		points = append(points, models.GraphPoint{Date: r.Date, NAV: r.Value().InexactFloat64()})
	}
	sort.Slice(points, func(i, j int) bool {
		return points[i].Date.Before(points[j].Date)
	})
	return points
}
