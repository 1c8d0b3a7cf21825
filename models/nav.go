package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// NAVRetention is how long NAV history is kept
const NAVRetention = 5 * 365 * 24 * time.Hour

// GraphStaleAfter is the age after which a stored graph series is rebuilt on read
const GraphStaleAfter = 7 * 24 * time.Hour

// ReturnsStaleAfter is the age after which stored returns are recomputed on
// read, so the 1Y/3Y/5Y anchors follow the calendar even without new NAVs
const ReturnsStaleAfter = 24 * time.Hour

// GraphPeriod is a lookback window for fund charts
type GraphPeriod string

const (
	Period1Y GraphPeriod = "1Y"
	Period3Y GraphPeriod = "3Y"
	Period5Y GraphPeriod = "5Y"
)

// GraphPeriods lists every supported period
func GraphPeriods() []GraphPeriod {
	return []GraphPeriod{Period1Y, Period3Y, Period5Y}
}

// Years returns the lookback length of the period
func (p GraphPeriod) Years() int {
	switch p {
	case Period1Y:
		return 1
	case Period3Y:
		return 3
	case Period5Y:
		return 5
	}
	return 0
}

// ParseGraphPeriod validates a period string
func ParseGraphPeriod(s string) (GraphPeriod, error) {
	p := GraphPeriod(s)
	if p.Years() == 0 {
		return "", fmt.Errorf("unsupported period %q", s)
	}
	return p, nil
}

// NAVRecord is one day's net asset value of a fund
type NAVRecord struct {
	FundID   uint                 `bson:"fund_id" json:"fund_id"`
	Date     time.Time            `bson:"date" json:"date"` // midnight in exchange time
	NAV      primitive.Decimal128 `bson:"nav" json:"-"`
	AMFICode string               `bson:"amfi_code" json:"amfi_code"`
}

// NewNAVRecord builds a NAV record from a decimal value
func NewNAVRecord(fundID uint, amfiCode string, date time.Time, nav decimal.Decimal) (NAVRecord, error) {
	d, err := primitive.ParseDecimal128(nav.String())
	if err != nil {
		return NAVRecord{}, fmt.Errorf("invalid nav %s: %w", nav, err)
	}
	return NAVRecord{FundID: fundID, AMFICode: amfiCode, Date: date, NAV: d}, nil
}

// Value returns the NAV as a decimal
func (r NAVRecord) Value() decimal.Decimal {
	v, err := decimal.NewFromString(r.NAV.String())
	if err != nil {
		return decimal.Zero
	}
	return v
}

// ReturnsSnapshot holds derived trailing returns of a fund. A nil return
// means the fund has no NAV old enough for that window.
type ReturnsSnapshot struct {
	FundID           uint      `bson:"_id" json:"fund_id"`
	CurrentNAV       float64   `bson:"current_nav" json:"current_nav"`
	CurrentNAVDate   time.Time `bson:"current_nav_date" json:"current_nav_date"`
	Return1Y         *float64  `bson:"return_1y" json:"return_1y"`
	Return3Y         *float64  `bson:"return_3y" json:"return_3y"`
	Return5Y         *float64  `bson:"return_5y" json:"return_5y"`
	LastCalculatedAt time.Time `bson:"last_calculated_at" json:"last_calculated_at"`
}

// IsStale reports whether the returns should be recomputed
func (r *ReturnsSnapshot) IsStale(now time.Time) bool {
	return now.Sub(r.LastCalculatedAt) > ReturnsStaleAfter
}

// GraphPoint is one point of a fund chart
type GraphPoint struct {
	Date time.Time `bson:"date" json:"date"`
	NAV  float64   `bson:"nav" json:"nav"`
}

// GraphSeries is the weekly down-sampled NAV series of a fund for one period
type GraphSeries struct {
	ID               string       `bson:"_id" json:"-"`
	FundID           uint         `bson:"fund_id" json:"fund_id"`
	Period           GraphPeriod  `bson:"period" json:"period"`
	Points           []GraphPoint `bson:"points" json:"points"`
	LastAggregatedAt time.Time    `bson:"last_aggregated_at" json:"last_aggregated_at"`
}

// GraphSeriesID is the document id of a fund's series for a period
func GraphSeriesID(fundID uint, period GraphPeriod) string {
	return fmt.Sprintf("%d:%s", fundID, period)
}

// IsStale reports whether the series should be rebuilt
func (g *GraphSeries) IsStale(now time.Time) bool {
	return now.Sub(g.LastAggregatedAt) > GraphStaleAfter
}
