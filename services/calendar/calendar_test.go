package calendar

import (
	"testing"
	"time"

	"mf_backend_project/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func ist(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, IST)
}

func newTestCalendar(t *testing.T) *Calendar {
	t.Helper()
	cal, err := New([]models.MarketHoliday{
		{Date: date(2026, 1, 26), Exchange: "NSE", IsHoliday: true, HolidayName: "Republic Day"},
		{Date: date(2026, 10, 2), Exchange: "NSE", IsHoliday: true, HolidayName: "Gandhi Jayanti"},
		{Date: date(2026, 11, 9), Exchange: "NSE", IsHoliday: false, HolidayName: "Muhurat Trading", MarketOpen: "18:00", MarketClose: "19:15"},
		{Date: date(2026, 3, 4), Exchange: "BSE", IsHoliday: true, HolidayName: "Other exchange"},
	})
	require.NoError(t, err)
	return cal
}

func TestIsMarketOpen(t *testing.T) {
	cal := newTestCalendar(t)

	tests := []struct {
		name   string
		now    time.Time
		open   bool
		reason string
	}{
		{"saturday noon", ist(2026, 5, 2, 12, 0), false, ReasonWeekend},
		{"sunday noon", ist(2026, 5, 3, 12, 0), false, ReasonWeekend},
		{"holiday noon", ist(2026, 1, 26, 12, 0), false, ReasonHoliday},
		{"before open", ist(2026, 5, 4, 9, 14), false, ReasonPreMarket},
		{"at open", ist(2026, 5, 4, 9, 15), true, ReasonOpen},
		{"midday", ist(2026, 5, 4, 12, 30), true, ReasonOpen},
		{"at close", ist(2026, 5, 4, 15, 30), true, ReasonOpen},
		{"after close", ist(2026, 5, 4, 15, 31), false, ReasonPostMarket},
		{"special session open", ist(2026, 11, 9, 18, 30), true, ReasonOpen},
		{"special session morning", ist(2026, 11, 9, 10, 0), false, ReasonPreMarket},
		{"other exchange holiday ignored", ist(2026, 3, 4, 11, 0), true, ReasonOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := cal.IsMarketOpen(tt.now)
			assert.Equal(t, tt.open, st.IsOpen)
			assert.Equal(t, tt.reason, st.Reason)
		})
	}
}

func TestIsMarketOpenUsesExchangeTime(t *testing.T) {
	cal := newTestCalendar(t)

	// 04:00 UTC on a Monday is 09:30 IST
	st := cal.IsMarketOpen(time.Date(2026, 5, 4, 4, 0, 0, 0, time.UTC))
	assert.True(t, st.IsOpen)

	// 20:00 UTC Friday is already Saturday in IST
	st = cal.IsMarketOpen(time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC))
	assert.False(t, st.IsOpen)
	assert.Equal(t, ReasonWeekend, st.Reason)
}

func TestClosedAllDayOnHolidaysAndWeekends(t *testing.T) {
	cal := newTestCalendar(t)
	days := []time.Time{
		ist(2026, 1, 26, 0, 0),
		ist(2026, 10, 2, 0, 0),
		ist(2026, 5, 2, 0, 0),
		ist(2026, 5, 3, 0, 0),
	}
	for _, day := range days {
		for m := 0; m < 24*60; m += 15 {
			st := cal.IsMarketOpen(day.Add(time.Duration(m) * time.Minute))
			require.False(t, st.IsOpen, "%s", day.Add(time.Duration(m)*time.Minute))
		}
	}
}

func TestHolidayName(t *testing.T) {
	cal := newTestCalendar(t)
	st := cal.IsMarketOpen(ist(2026, 10, 2, 10, 0))
	assert.Equal(t, "Gandhi Jayanti", st.HolidayName)
	assert.Equal(t, "2026-10-02", st.Date)
}

func TestNextTradingDay(t *testing.T) {
	cal := newTestCalendar(t)

	// Friday 23 Jan -> Monday 26 Jan is a holiday -> Tuesday 27 Jan
	next, err := cal.NextTradingDay(ist(2026, 1, 23, 16, 0))
	require.NoError(t, err)
	assert.Equal(t, ist(2026, 1, 27, 0, 0), next)

	next, err = cal.NextTradingDay(ist(2026, 5, 4, 10, 0))
	require.NoError(t, err)
	assert.Equal(t, ist(2026, 5, 5, 0, 0), next)
}

func TestNextTradingDayGivesUp(t *testing.T) {
	var rows []models.MarketHoliday
	start := date(2026, 6, 1)
	for i := 0; i < 30; i++ {
		rows = append(rows, models.MarketHoliday{Date: start.AddDate(0, 0, i), IsHoliday: true})
	}
	cal, err := New(rows)
	require.NoError(t, err)

	_, err = cal.NextTradingDay(ist(2026, 6, 1, 10, 0))
	assert.ErrorIs(t, err, ErrNoTradingDay)
}

func TestReload(t *testing.T) {
	cal := newTestCalendar(t)
	day := ist(2026, 5, 4, 11, 0)
	require.True(t, cal.IsTradingDay(day))

	require.NoError(t, cal.Reload([]models.MarketHoliday{{Date: date(2026, 5, 4), IsHoliday: true, HolidayName: "Ad hoc"}}))
	assert.False(t, cal.IsTradingDay(day))
	assert.True(t, cal.IsTradingDay(ist(2026, 1, 26, 11, 0)), "old table must be replaced")
}

func TestInvalidRows(t *testing.T) {
	_, err := New([]models.MarketHoliday{{Date: date(2026, 5, 4), MarketOpen: "9am"}})
	assert.Error(t, err)

	_, err = New([]models.MarketHoliday{{Date: date(2026, 5, 4), MarketOpen: "16:00", MarketClose: "10:00"}})
	assert.Error(t, err)

	_, err = New(nil, WithTradingHours("15:00", "09:00"))
	assert.Error(t, err)
}
