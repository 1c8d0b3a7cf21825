package models

import (
	"time"
)

// Granularity of an index history point
type Granularity string

const (
	GranularityIntraday Granularity = "intraday"
	GranularityDaily    Granularity = "daily"
)

// IntradayRetention is how long intraday history points are kept
const IntradayRetention = 7 * 24 * time.Hour

// MarketHoliday is one row of the exchange calendar
type MarketHoliday struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Date        time.Time `gorm:"type:date;uniqueIndex:idx_holiday_exchange_date;not null" json:"date"`
	Exchange    string    `gorm:"uniqueIndex:idx_holiday_exchange_date;default:'NSE'" json:"exchange"`
	IsHoliday   bool      `gorm:"not null" json:"is_holiday"`
	HolidayName string    `json:"holiday_name"`
	MarketOpen  string    `json:"market_open"`  // "HH:MM", empty means default
	MarketClose string    `json:"market_close"` // "HH:MM", empty means default
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// IndexSnapshot is the latest value of a market index. One document per symbol.
type IndexSnapshot struct {
	Symbol                string    `bson:"_id" json:"symbol"`
	DisplayName           string    `bson:"display_name" json:"display_name"`
	Value                 float64   `bson:"value" json:"value"`
	Change                float64   `bson:"change" json:"change"`
	PercentChange         float64   `bson:"percent_change" json:"percent_change"`
	Open                  float64   `bson:"open" json:"open"`
	High                  float64   `bson:"high" json:"high"`
	Low                   float64   `bson:"low" json:"low"`
	PreviousClose         float64   `bson:"previous_close" json:"previous_close"`
	LastUpdatedAt         time.Time `bson:"last_updated_at" json:"last_updated_at"`
	IsMarketOpenAtCapture bool      `bson:"is_market_open_at_capture" json:"is_market_open_at_capture"`
}

// IndexHistoryPoint is one append-only sample of an index
type IndexHistoryPoint struct {
	Symbol        string      `bson:"symbol" json:"symbol"`
	Timestamp     time.Time   `bson:"timestamp" json:"timestamp"`
	Date          string      `bson:"date" json:"date"` // YYYY-MM-DD in exchange time
	Granularity   Granularity `bson:"granularity" json:"granularity"`
	Value         float64     `bson:"value" json:"value"`
	Change        float64     `bson:"change" json:"change"`
	PercentChange float64     `bson:"percent_change" json:"percent_change"`
	Open          float64     `bson:"open" json:"open"`
	High          float64     `bson:"high" json:"high"`
	Low           float64     `bson:"low" json:"low"`
	Close         float64     `bson:"close" json:"close"`
}

// HistoryPointFromSnapshot builds a history point from a captured snapshot
func HistoryPointFromSnapshot(s IndexSnapshot, granularity Granularity, loc *time.Location) IndexHistoryPoint {
	return IndexHistoryPoint{
		Symbol:        s.Symbol,
		Timestamp:     s.LastUpdatedAt,
		Date:          s.LastUpdatedAt.In(loc).Format("2006-01-02"),
		Granularity:   granularity,
		Value:         s.Value,
		Change:        s.Change,
		PercentChange: s.PercentChange,
		Open:          s.Open,
		High:          s.High,
		Low:           s.Low,
		Close:         s.Value,
	}
}

// CacheEntry is the durable tier representation of a cached value
type CacheEntry struct {
	Key       string     `bson:"_id"`
	Value     string     `bson:"value"`
	ExpiresAt *time.Time `bson:"expires_at,omitempty"`
	UpdatedAt time.Time  `bson:"updated_at"`
}
