package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// FundCategory is the closed set of scheme categories the platform knows about.
type FundCategory string

const (
	CategoryEquity FundCategory = "equity"
	CategoryDebt   FundCategory = "debt"
	CategoryHybrid FundCategory = "hybrid"
	CategoryIndex  FundCategory = "index"
	CategoryELSS   FundCategory = "elss"
	CategoryLiquid FundCategory = "liquid"
	CategoryFoF    FundCategory = "fund_of_funds"
)

// Fund status values
const (
	FundStatusActive    = "active"
	FundStatusClosed    = "closed"
	FundStatusSuspended = "suspended"
)

// Plan types
const (
	PlanDirect  = "direct"
	PlanRegular = "regular"
)

// ValidFundCategories returns every known fund category
func ValidFundCategories() []FundCategory {
	return []FundCategory{
		CategoryEquity, CategoryDebt, CategoryHybrid, CategoryIndex,
		CategoryELSS, CategoryLiquid, CategoryFoF,
	}
}

// IsValidFundCategory checks if the category is one of the known variants
func IsValidFundCategory(category FundCategory) bool {
	for _, valid := range ValidFundCategories() {
		if category == valid {
			return true
		}
	}
	return false
}

// Fund represents a mutual fund scheme in the registry
type Fund struct {
	ID         uint         `gorm:"primaryKey" json:"id"`
	SchemeName string       `gorm:"not null" json:"scheme_name"`
	AMFICode   string       `gorm:"uniqueIndex;not null" json:"amfi_code"` // external code in the AMFI NAV dump
	ISIN       string       `gorm:"index" json:"isin"`
	AMC        string       `json:"amc"`
	Category   FundCategory `gorm:"index;not null" json:"category"`
	PlanType   string       `json:"plan_type"` // direct, regular
	Status     string       `gorm:"index;default:'active'" json:"status"`

	// Category specific details. Only the field matching Category may be set.
	Equity *EquityDetails `gorm:"embedded;embeddedPrefix:equity_" json:"equity,omitempty"`
	Debt   *DebtDetails   `gorm:"embedded;embeddedPrefix:debt_" json:"debt,omitempty"`
	Index  *IndexDetails  `gorm:"embedded;embeddedPrefix:index_" json:"index,omitempty"`

	ExpenseRatio decimal.Decimal `gorm:"type:decimal(6,4)" json:"expense_ratio"`
	LaunchDate   *time.Time      `json:"launch_date"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// EquityDetails holds fields specific to equity and ELSS schemes
type EquityDetails struct {
	MarketCapFocus string `json:"market_cap_focus"` // large, mid, small, multi, flexi
	LockInYears    int    `json:"lock_in_years"`
}

// DebtDetails holds fields specific to debt and liquid schemes
type DebtDetails struct {
	DurationBucket string `json:"duration_bucket"` // overnight, short, medium, long
	CreditQuality  string `json:"credit_quality"`
}

// IndexDetails holds fields specific to index funds
type IndexDetails struct {
	TrackedIndex string `json:"tracked_index"`
}

// FundRef is the minimal view of a fund the pipeline needs
type FundRef struct {
	ID       uint   `json:"id"`
	AMFICode string `json:"amfi_code"`
}

// Validate enforces that the fund is one of the known variants and only carries
// the details that belong to its category.
func (f *Fund) Validate() error {
	if strings.TrimSpace(f.SchemeName) == "" {
		return errors.New("scheme name is required")
	}
	if strings.TrimSpace(f.AMFICode) == "" {
		return errors.New("amfi code is required")
	}
	if !IsValidFundCategory(f.Category) {
		return fmt.Errorf("unknown fund category %q", f.Category)
	}
	if f.PlanType != "" && f.PlanType != PlanDirect && f.PlanType != PlanRegular {
		return fmt.Errorf("unknown plan type %q", f.PlanType)
	}

	switch f.Category {
	case CategoryEquity, CategoryELSS:
		if f.Debt != nil || f.Index != nil {
			return fmt.Errorf("%s fund cannot carry debt or index details", f.Category)
		}
		if f.Category == CategoryELSS && f.Equity != nil && f.Equity.LockInYears < 3 {
			return errors.New("elss fund requires a lock-in of at least 3 years")
		}
	case CategoryDebt, CategoryLiquid:
		if f.Equity != nil || f.Index != nil {
			return fmt.Errorf("%s fund cannot carry equity or index details", f.Category)
		}
	case CategoryIndex:
		if f.Equity != nil || f.Debt != nil {
			return errors.New("index fund cannot carry equity or debt details")
		}
		if f.Index == nil || f.Index.TrackedIndex == "" {
			return errors.New("index fund requires a tracked index")
		}
	default:
		if f.Equity != nil || f.Debt != nil || f.Index != nil {
			return fmt.Errorf("%s fund cannot carry category details", f.Category)
		}
	}
	return nil
}

// BeforeSave validates the fund at the store boundary
func (f *Fund) BeforeSave(tx *gorm.DB) error {
	return f.Validate()
}

// IsActive reports whether the fund should receive pipeline updates
func (f *Fund) IsActive() bool {
	return f.Status == "" || f.Status == FundStatusActive
}

// Ref returns the pipeline view of the fund
func (f *Fund) Ref() FundRef {
	return FundRef{ID: f.ID, AMFICode: f.AMFICode}
}

// MigrateFundModels runs database migrations for registry models
func MigrateFundModels(db *gorm.DB) error {
	return db.AutoMigrate(
		&Fund{},
		&MarketHoliday{},
	)
}
