package marketdata

import (
	"encoding/csv"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// amfiDateLayout is the date format of NAVAll.txt, e.g. 13-Oct-2026
const amfiDateLayout = "02-Jan-2006"

// NAVQuote is one scheme line of the AMFI dump
type NAVQuote struct {
	AMFICode     string
	ISINGrowth   string
	ISINReinvest string
	SchemeName   string
	NAV          decimal.Decimal
	Date         time.Time
}

// ParseStats counts what ParseNAVDump kept and dropped
type ParseStats struct {
	Lines   int `json:"lines"`
	Quotes  int `json:"quotes"`
	Skipped int `json:"skipped"`
}

// ParseNAVDump parses the semicolon separated AMFI dump:
//
//	Scheme Code;ISIN Div Payout/ ISIN Growth;ISIN Div Reinvestment;Scheme Name;Net Asset Value;Date
//
// Headers, fund house and category titles and unpriced schemes (N.A.) are
// skipped. Dates are midnight in loc.
func ParseNAVDump(r io.Reader, loc *time.Location) ([]NAVQuote, ParseStats, error) {
	reader := csv.NewReader(r)
	reader.Comma = ';'
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	var quotes []NAVQuote
	var stats ParseStats
	for {
		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return quotes, stats, &ParseError{Source: "nav dump", Err: err}
		}
		stats.Lines++

		q, ok := parseNAVLine(fields, loc)
		if !ok {
			stats.Skipped++
			continue
		}
		quotes = append(quotes, q)
	}
	stats.Quotes = len(quotes)
	return quotes, stats, nil
}

func parseNAVLine(fields []string, loc *time.Location) (NAVQuote, bool) {
	if len(fields) != 6 {
		return NAVQuote{}, false
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	code := fields[0]
	if code == "" || !isDigits(code) {
		return NAVQuote{}, false
	}

	nav, err := decimal.NewFromString(fields[4])
	if err != nil || !nav.IsPositive() {
		return NAVQuote{}, false
	}
	date, err := time.ParseInLocation(amfiDateLayout, fields[5], loc)
	if err != nil {
		return NAVQuote{}, false
	}

	return NAVQuote{
		AMFICode:     code,
		ISINGrowth:   dash(fields[1]),
		ISINReinvest: dash(fields[2]),
		SchemeName:   fields[3],
		NAV:          nav,
		Date:         date,
	}, true
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// dash maps the dump's "-" placeholder to empty
func dash(s string) string {
	if s == "-" {
		return ""
	}
	return s
}
