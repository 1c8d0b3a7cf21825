// Package calendar answers whether the exchange is trading on a given day or
// instant. Every comparison happens in exchange time (IST) regardless of the
// server locale.
package calendar

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"mf_backend_project/models"
)

const (
	DefaultExchange = "NSE"
	DefaultOpen     = "09:15"
	DefaultClose    = "15:30"

	// maxLookahead bounds NextTradingDay on a pathological holiday table
	maxLookahead = 15
)

// Reasons reported by IsMarketOpen
const (
	ReasonWeekend    = "Weekend"
	ReasonHoliday    = "Holiday"
	ReasonPreMarket  = "Pre-market"
	ReasonPostMarket = "Post-market"
	ReasonOpen       = "Market open"
)

// ErrNoTradingDay is returned when no trading day exists within the lookahead
var ErrNoTradingDay = errors.New("no trading day found within lookahead")

// IST is India Standard Time. It has no DST so a fixed zone is exact.
var IST = time.FixedZone("IST", 5*3600+30*60)

// Status is the market state at an instant
type Status struct {
	IsOpen      bool      `json:"is_open"`
	Reason      string    `json:"reason"`
	HolidayName string    `json:"holiday_name,omitempty"`
	Date        string    `json:"date"`
	OpensAt     time.Time `json:"opens_at,omitempty"`
	ClosesAt    time.Time `json:"closes_at,omitempty"`
}

type entry struct {
	isHoliday bool
	name      string
	open      clock
	close     clock
}

// clock is a wall-clock time of day in minutes
type clock int

func parseClock(s string) (clock, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	return clock(t.Hour()*60 + t.Minute()), nil
}

func (c clock) on(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, int(c)/60, int(c)%60, 0, 0, day.Location())
}

// Calendar is safe for concurrent use. Reload swaps the holiday table.
type Calendar struct {
	mu           sync.RWMutex
	exchange     string
	loc          *time.Location
	defaultOpen  clock
	defaultClose clock
	days         map[string]entry
}

// Option configures a Calendar
type Option func(*Calendar) error

// WithExchange restricts the table to rows of one exchange
func WithExchange(exchange string) Option {
	return func(c *Calendar) error {
		c.exchange = exchange
		return nil
	}
}

// WithTradingHours overrides the default session window
func WithTradingHours(open, close string) Option {
	return func(c *Calendar) error {
		o, err := parseClock(open)
		if err != nil {
			return err
		}
		cl, err := parseClock(close)
		if err != nil {
			return err
		}
		if cl <= o {
			return fmt.Errorf("market close %s must be after open %s", close, open)
		}
		c.defaultOpen, c.defaultClose = o, cl
		return nil
	}
}

// New builds a calendar from holiday rows
func New(holidays []models.MarketHoliday, opts ...Option) (*Calendar, error) {
	c := &Calendar{exchange: DefaultExchange, loc: IST}
	c.defaultOpen, _ = parseClock(DefaultOpen)
	c.defaultClose, _ = parseClock(DefaultClose)
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if err := c.Reload(holidays); err != nil {
		return nil, err
	}
	return c, nil
}

// Location returns the exchange time zone
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// Reload replaces the holiday table. Rows of other exchanges are ignored.
func (c *Calendar) Reload(holidays []models.MarketHoliday) error {
	days := make(map[string]entry, len(holidays))
	for _, h := range holidays {
		if h.Exchange != "" && h.Exchange != c.exchange {
			continue
		}
		e := entry{isHoliday: h.IsHoliday, name: h.HolidayName, open: c.defaultOpen, close: c.defaultClose}
		if h.MarketOpen != "" {
			o, err := parseClock(h.MarketOpen)
			if err != nil {
				return fmt.Errorf("holiday %s: %w", dayKey(h.Date), err)
			}
			e.open = o
		}
		if h.MarketClose != "" {
			cl, err := parseClock(h.MarketClose)
			if err != nil {
				return fmt.Errorf("holiday %s: %w", dayKey(h.Date), err)
			}
			e.close = cl
		}
		if !e.isHoliday && e.close <= e.open {
			return fmt.Errorf("holiday %s: close must be after open", dayKey(h.Date))
		}
		days[dayKey(h.Date)] = e
	}

	c.mu.Lock()
	c.days = days
	c.mu.Unlock()
	return nil
}

// dayKey is the calendar date of a row. Dates are stored as midnight so the
// wall-clock date is taken as-is rather than converted.
func dayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

func (c *Calendar) lookup(day time.Time) (entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.days[dayKey(day)]
	return e, ok
}

// IsTradingDay reports whether the exchange trades on the day containing t
func (c *Calendar) IsTradingDay(t time.Time) bool {
	ok, _ := c.tradingDay(t.In(c.loc))
	return ok
}

func (c *Calendar) tradingDay(local time.Time) (bool, string) {
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false, ReasonWeekend
	}
	if e, ok := c.lookup(local); ok && e.isHoliday {
		return false, ReasonHoliday
	}
	return true, ""
}

// IsMarketOpen reports whether the session is live at now
func (c *Calendar) IsMarketOpen(now time.Time) Status {
	local := now.In(c.loc)
	st := Status{Date: dayKey(local)}

	if ok, reason := c.tradingDay(local); !ok {
		st.Reason = reason
		if reason == ReasonHoliday {
			e, _ := c.lookup(local)
			st.HolidayName = e.name
		}
		return st
	}

	open, close := c.defaultOpen, c.defaultClose
	if e, ok := c.lookup(local); ok {
		open, close = e.open, e.close
	}
	st.OpensAt = open.on(local)
	st.ClosesAt = close.on(local)

	switch {
	case local.Before(st.OpensAt):
		st.Reason = ReasonPreMarket
	case local.After(st.ClosesAt):
		st.Reason = ReasonPostMarket
	default:
		st.IsOpen = true
		st.Reason = ReasonOpen
	}
	return st
}

// NextTradingDay returns midnight of the first trading day after from
func (c *Calendar) NextTradingDay(from time.Time) (time.Time, error) {
	local := from.In(c.loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc)
	for i := 0; i < maxLookahead; i++ {
		day = day.AddDate(0, 0, 1)
		if ok, _ := c.tradingDay(day); ok {
			return day, nil
		}
	}
	return time.Time{}, fmt.Errorf("after %s: %w", dayKey(local), ErrNoTradingDay)
}

// StartOfDay returns midnight in exchange time of the day containing t
func (c *Calendar) StartOfDay(t time.Time) time.Time {
	local := t.In(c.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc)
}
