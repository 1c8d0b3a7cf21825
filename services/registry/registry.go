// Package registry reads the relational fund registry and exchange calendar.
package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mf_backend_project/config"
	"mf_backend_project/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FundRegistry lists funds that receive pipeline updates
type FundRegistry struct {
	db *gorm.DB
}

// NewFundRegistry creates a registry backed by db
func NewFundRegistry(db *gorm.DB) *FundRegistry {
	return &FundRegistry{db: db}
}

// FindActiveFunds returns one page of active funds ordered by id
func (r *FundRegistry) FindActiveFunds(ctx context.Context, offset, limit int) ([]models.FundRef, error) {
	var refs []models.FundRef
	err := r.db.WithContext(ctx).
		Model(&models.Fund{}).
		Select("id", "amfi_code").
		Where("status = ?", models.FundStatusActive).
		Order("id ASC").
		Offset(offset).
		Limit(limit).
		Scan(&refs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active funds: %w", err)
	}
	return refs, nil
}

// ActiveFundsByAMFICode indexes every active fund by its AMFI code
func (r *FundRegistry) ActiveFundsByAMFICode(ctx context.Context) (map[string]models.FundRef, error) {
	const page = 500
	byCode := make(map[string]models.FundRef)
	for offset := 0; ; offset += page {
		refs, err := r.FindActiveFunds(ctx, offset, page)
		if err != nil {
			return nil, err
		}
		for _, ref := range refs {
			byCode[ref.AMFICode] = ref
		}
		if len(refs) < page {
			return byCode, nil
		}
	}
}

// Create registers a fund after validating it
func (r *FundRegistry) Create(ctx context.Context, fund *models.Fund) error {
	if err := r.db.WithContext(ctx).Create(fund).Error; err != nil {
		return fmt.Errorf("failed to create fund %s: %w", fund.AMFICode, err)
	}
	return nil
}

// HolidayRepo persists exchange calendar rows
type HolidayRepo struct {
	db *gorm.DB
}

// NewHolidayRepo creates a repository backed by db
func NewHolidayRepo(db *gorm.DB) *HolidayRepo {
	return &HolidayRepo{db: db}
}

// All returns every calendar row ordered by date
func (r *HolidayRepo) All(ctx context.Context) ([]models.MarketHoliday, error) {
	var rows []models.MarketHoliday
	if err := r.db.WithContext(ctx).Order("date ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load market holidays: %w", err)
	}
	return rows, nil
}

// Upsert inserts rows or updates the existing row of the same exchange and date
func (r *HolidayRepo) Upsert(ctx context.Context, rows []models.MarketHoliday) error {
	if len(rows) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "exchange"}, {Name: "date"}},
		DoUpdates: clause.AssignmentColumns([]string{"is_holiday", "holiday_name", "market_open", "market_close", "updated_at"}),
	}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("failed to upsert %d market holidays: %w", len(rows), err)
	}
	return nil
}

// Seed upserts the holiday list from the pipeline file
func (r *HolidayRepo) Seed(ctx context.Context, specs []config.HolidaySpec, loc *time.Location) (int, error) {
	rows, err := HolidaysFromSpecs(specs, loc)
	if err != nil {
		return 0, err
	}
	if err := r.Upsert(ctx, rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// HolidaysFromSpecs converts pipeline file entries to calendar rows.
// An entry without is_holiday is a full holiday.
func HolidaysFromSpecs(specs []config.HolidaySpec, loc *time.Location) ([]models.MarketHoliday, error) {
	rows := make([]models.MarketHoliday, 0, len(specs))
	for _, s := range specs {
		date, err := time.ParseInLocation("2006-01-02", s.Date, loc)
		if err != nil {
			return nil, fmt.Errorf("invalid holiday date %q: %w", s.Date, err)
		}
		exchange := strings.ToUpper(strings.TrimSpace(s.Exchange))
		if exchange == "" {
			exchange = "NSE"
		}
		isHoliday := true
		if s.IsHoliday != nil {
			isHoliday = *s.IsHoliday
		}
		rows = append(rows, models.MarketHoliday{
			Date:        date,
			Exchange:    exchange,
			IsHoliday:   isHoliday,
			HolidayName: s.Name,
			MarketOpen:  s.Open,
			MarketClose: s.Close,
		})
	}
	return rows, nil
}
