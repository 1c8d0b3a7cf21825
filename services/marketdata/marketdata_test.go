package marketdata

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ist = time.FixedZone("IST", 5*3600+30*60)

const sampleDump = `Scheme Code;ISIN Div Payout/ ISIN Growth;ISIN Div Reinvestment;Scheme Name;Net Asset Value;Date

Open Ended Schemes(Debt Scheme - Banking and PSU Fund)

Aditya Birla Sun Life Mutual Fund

119551;INF209KA12Z1;INF209KA13Z9;Aditya Birla Sun Life Banking & PSU Debt Fund  - DIRECT - IDCW;105.6313;13-Oct-2026
119552;INF209K01YN0;-;Aditya Birla Sun Life Banking & PSU Debt Fund - Growth;N.A.;13-Oct-2026
120503;INF846K01EW2;-;Axis ELSS Tax Saver Fund - Direct Plan - Growth;98.12;13-Oct-2026
bad;line
`

func TestParseNAVDump(t *testing.T) {
	quotes, stats, err := ParseNAVDump(strings.NewReader(sampleDump), ist)
	require.NoError(t, err)

	require.Len(t, quotes, 2)
	assert.Equal(t, "119551", quotes[0].AMFICode)
	assert.Equal(t, "105.6313", quotes[0].NAV.String())
	assert.Equal(t, time.Date(2026, 10, 13, 0, 0, 0, 0, ist), quotes[0].Date)
	assert.Equal(t, "INF209KA13Z9", quotes[0].ISINReinvest)

	assert.Equal(t, "120503", quotes[1].AMFICode)
	assert.Empty(t, quotes[1].ISINReinvest)

	assert.Equal(t, 2, stats.Quotes)
	assert.Equal(t, stats.Lines-2, stats.Skipped)
}

func TestParseNAVLine(t *testing.T) {
	tests := []struct {
		name   string
		fields []string
		ok     bool
	}{
		{"valid", []string{"100", "A", "B", "Fund", "10.5", "01-Jan-2026"}, true},
		{"header", []string{"Scheme Code", "A", "B", "Scheme Name", "Net Asset Value", "Date"}, false},
		{"not available", []string{"100", "A", "B", "Fund", "N.A.", "01-Jan-2026"}, false},
		{"zero nav", []string{"100", "A", "B", "Fund", "0", "01-Jan-2026"}, false},
		{"bad date", []string{"100", "A", "B", "Fund", "10.5", "2026-01-01"}, false},
		{"short", []string{"Open Ended Schemes"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := parseNAVLine(tt.fields, ist)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestFetchIndices(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"wrapped", `{"data":[{"symbol":"NIFTY50","name":"NIFTY 50","value":22100},{"symbol":"","value":1}]}`},
		{"bare array", `[{"symbol":"NIFTY50","name":"NIFTY 50","value":22100}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/indices", r.URL.Path)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			quotes, err := NewClient(srv.URL, "", time.Second).FetchIndices(context.Background())
			require.NoError(t, err)
			require.Len(t, quotes, 1)
			assert.Equal(t, 22100.0, quotes[0].Value)
		})
	}
}

func TestFetchIndicesErrors(t *testing.T) {
	t.Run("server error is retryable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		_, err := NewClient(srv.URL, "", time.Second).FetchIndices(context.Background())
		var se *StatusError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, http.StatusBadGateway, se.StatusCode)
		assert.True(t, IsRetryable(err))
	})

	t.Run("client error is permanent", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		_, err := NewClient(srv.URL, "", time.Second).FetchIndices(context.Background())
		assert.False(t, IsRetryable(err))
	})

	t.Run("malformed payload is permanent", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`<html>`))
		}))
		defer srv.Close()

		_, err := NewClient(srv.URL, "", time.Second).FetchIndices(context.Background())
		assert.Error(t, err)
		assert.False(t, IsRetryable(err))
	})

	t.Run("timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
		}))
		defer srv.Close()

		_, err := NewClient(srv.URL, "", 20*time.Millisecond).FetchIndices(context.Background())
		assert.Error(t, err)
		assert.True(t, IsRetryable(err))
	})
}

func TestQuoteSnapshot(t *testing.T) {
	at := time.Date(2026, 5, 4, 4, 0, 0, 0, time.UTC)
	snap := IndexQuote{Symbol: "NIFTY50", Value: 22100}.Snapshot(at, true)

	assert.Equal(t, "NIFTY50", snap.DisplayName)
	assert.Equal(t, at, snap.LastUpdatedAt)
	assert.True(t, snap.IsMarketOpenAtCapture)
}
