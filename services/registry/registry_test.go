package registry

import (
	"context"
	"testing"
	"time"

	"mf_backend_project/config"
	"mf_backend_project/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var ist = time.FixedZone("IST", 19800)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, models.MigrateFundModels(db))
	return db
}

func seedFunds(t *testing.T, reg *FundRegistry) {
	t.Helper()
	ctx := context.Background()
	funds := []models.Fund{
		{SchemeName: "Alpha Bluechip Direct Growth", AMFICode: "119551", Category: models.CategoryEquity, Status: models.FundStatusActive},
		{SchemeName: "Beta Liquid Direct Growth", AMFICode: "119552", Category: models.CategoryLiquid, Status: models.FundStatusActive},
		{SchemeName: "Gamma Closed Ended", AMFICode: "119553", Category: models.CategoryDebt, Status: models.FundStatusClosed},
		{SchemeName: "Delta Nifty Index", AMFICode: "119554", Category: models.CategoryIndex, Status: models.FundStatusActive,
			Index: &models.IndexDetails{TrackedIndex: "NIFTY 50"}},
	}
	for i := range funds {
		require.NoError(t, reg.Create(ctx, &funds[i]))
	}
}

func TestFindActiveFunds(t *testing.T) {
	reg := NewFundRegistry(openTestDB(t))
	seedFunds(t, reg)
	ctx := context.Background()

	first, err := reg.FindActiveFunds(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "119551", first[0].AMFICode)
	assert.Equal(t, "119552", first[1].AMFICode)
	assert.Less(t, first[0].ID, first[1].ID)

	second, err := reg.FindActiveFunds(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "119554", second[0].AMFICode, "closed funds are skipped")

	rest, err := reg.FindActiveFunds(ctx, 4, 2)
	require.NoError(t, err)
	assert.Empty(t, rest)
}

func TestActiveFundsByAMFICode(t *testing.T) {
	reg := NewFundRegistry(openTestDB(t))
	seedFunds(t, reg)

	byCode, err := reg.ActiveFundsByAMFICode(context.Background())
	require.NoError(t, err)
	assert.Len(t, byCode, 3)
	assert.Contains(t, byCode, "119554")
	assert.NotContains(t, byCode, "119553")
}

func TestCreateRejectsInvalidFund(t *testing.T) {
	reg := NewFundRegistry(openTestDB(t))

	err := reg.Create(context.Background(), &models.Fund{
		SchemeName: "Broken Index",
		AMFICode:   "1",
		Category:   models.CategoryIndex,
	})
	assert.Error(t, err)
}

func TestHolidaySeedAndUpsert(t *testing.T) {
	repo := NewHolidayRepo(openTestDB(t))
	ctx := context.Background()
	no := false

	n, err := repo.Seed(ctx, []config.HolidaySpec{
		{Date: "2026-01-26", Name: "Republic Day"},
		{Date: "2026-11-08", Name: "Diwali Muhurat", IsHoliday: &no, Open: "18:00", Close: "19:00", Exchange: "nse"},
	}, ist)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rows, err := repo.All(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].IsHoliday)
	assert.Equal(t, "NSE", rows[0].Exchange)
	assert.False(t, rows[1].IsHoliday, "special session keeps is_holiday false")
	assert.Equal(t, "18:00", rows[1].MarketOpen)

	// Re-seeding the same date updates in place
	_, err = repo.Seed(ctx, []config.HolidaySpec{{Date: "2026-01-26", Name: "Republic Day (NSE)"}}, ist)
	require.NoError(t, err)

	rows, err = repo.All(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Republic Day (NSE)", rows[0].HolidayName)
	assert.Equal(t, "2026-01-26", rows[0].Date.Format("2006-01-02"))
}

func TestHolidaysFromSpecsInvalidDate(t *testing.T) {
	_, err := HolidaysFromSpecs([]config.HolidaySpec{{Date: "26/01/2026"}}, ist)
	assert.Error(t, err)
}
