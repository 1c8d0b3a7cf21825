package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFundValidate(t *testing.T) {
	testCases := []struct {
		name        string
		fund        Fund
		expectError bool
	}{
		{
			name:        "plain equity fund",
			fund:        Fund{SchemeName: "Bluechip", AMFICode: "100001", Category: CategoryEquity, PlanType: PlanDirect},
			expectError: false,
		},
		{
			name:        "unknown category",
			fund:        Fund{SchemeName: "Mystery", AMFICode: "100002", Category: "crypto"},
			expectError: true,
		},
		{
			name:        "missing amfi code",
			fund:        Fund{SchemeName: "Nameless", Category: CategoryDebt},
			expectError: true,
		},
		{
			name: "equity fund with debt details",
			fund: Fund{SchemeName: "Mixed", AMFICode: "100003", Category: CategoryEquity,
				Debt: &DebtDetails{DurationBucket: "short"}},
			expectError: true,
		},
		{
			name:        "index fund without tracked index",
			fund:        Fund{SchemeName: "Nifty Tracker", AMFICode: "100004", Category: CategoryIndex},
			expectError: true,
		},
		{
			name: "index fund with tracked index",
			fund: Fund{SchemeName: "Nifty Tracker", AMFICode: "100004", Category: CategoryIndex,
				Index: &IndexDetails{TrackedIndex: "NIFTY50"}},
			expectError: false,
		},
		{
			name: "elss with short lock-in",
			fund: Fund{SchemeName: "Tax Saver", AMFICode: "100005", Category: CategoryELSS,
				Equity: &EquityDetails{LockInYears: 1}},
			expectError: true,
		},
		{
			name:        "unknown plan type",
			fund:        Fund{SchemeName: "Liquid", AMFICode: "100006", Category: CategoryLiquid, PlanType: "premium"},
			expectError: true,
		},
	}

	for _, tt := range testCases {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fund.Validate()
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNAVRecordValue(t *testing.T) {
	rec, err := NewNAVRecord(7, "119551", time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), decimal.RequireFromString("123.4567"))
	require.NoError(t, err)

	assert.Equal(t, "123.4567", rec.Value().String())
	assert.Equal(t, uint(7), rec.FundID)
}

func TestGraphSeriesIsStale(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	fresh := GraphSeries{LastAggregatedAt: now.Add(-6 * 24 * time.Hour)}
	stale := GraphSeries{LastAggregatedAt: now.Add(-8 * 24 * time.Hour)}

	assert.False(t, fresh.IsStale(now))
	assert.True(t, stale.IsStale(now))
}

func TestReturnsSnapshotIsStale(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	assert.False(t, (&ReturnsSnapshot{LastCalculatedAt: now.Add(-23 * time.Hour)}).IsStale(now))
	assert.True(t, (&ReturnsSnapshot{LastCalculatedAt: now.Add(-25 * time.Hour)}).IsStale(now))
}

func TestParseGraphPeriod(t *testing.T) {
	p, err := ParseGraphPeriod("3Y")
	require.NoError(t, err)
	assert.Equal(t, 3, p.Years())

	_, err = ParseGraphPeriod("10Y")
	assert.Error(t, err)
}
