package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"mf_backend_project/middleware"
	"mf_backend_project/models"
	"mf_backend_project/scheduler"
	"mf_backend_project/services/calendar"
	"mf_backend_project/services/runlog"
	"mf_backend_project/services/store"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var ist = time.FixedZone("IST", 19800)

type fakeIndices struct {
	snapshots []models.IndexSnapshot
	err       error
}

func (f *fakeIndices) All(ctx context.Context) ([]models.IndexSnapshot, error) {
	return f.snapshots, f.err
}

func (f *fakeIndices) BySymbol(ctx context.Context, symbol string) (*models.IndexSnapshot, error) {
	for _, s := range f.snapshots {
		if s.Symbol == symbol {
			return &s, nil
		}
	}
	return nil, store.ErrNotFound
}

type fakeHistory struct {
	dailyDays   int
	rangeFrom   time.Time
	granularity models.Granularity
}

func (f *fakeHistory) Range(ctx context.Context, symbol string, from, to time.Time, g models.Granularity) ([]models.IndexHistoryPoint, error) {
	f.rangeFrom, f.granularity = from, g
	return []models.IndexHistoryPoint{{Symbol: symbol, Granularity: g}}, nil
}

func (f *fakeHistory) DailySeries(ctx context.Context, symbol string, days int) ([]models.IndexHistoryPoint, error) {
	f.dailyDays = days
	return []models.IndexHistoryPoint{{Symbol: symbol, Granularity: models.GranularityDaily}}, nil
}

type mockAnalytics struct {
	mock.Mock
}

func (m *mockAnalytics) Returns(ctx context.Context, id uint) (*models.ReturnsSnapshot, error) {
	args := m.Called(ctx, id)
	snap, _ := args.Get(0).(*models.ReturnsSnapshot)
	return snap, args.Error(1)
}

func (m *mockAnalytics) GraphData(ctx context.Context, id uint, p models.GraphPeriod) (*models.GraphSeries, error) {
	args := m.Called(ctx, id, p)
	series, _ := args.Get(0).(*models.GraphSeries)
	return series, args.Error(1)
}

type fakeJobs struct {
	triggered []string
	err       error
}

func (f *fakeJobs) Trigger(name string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.triggered = append(f.triggered, name)
	return "task-1", nil
}

func (f *fakeJobs) Stats() map[string]scheduler.JobStats {
	return map[string]scheduler.JobStats{scheduler.JobDailyNAV: {Completed: 3, Schedule: "daily at 23:00"}}
}

type fakeRuns struct{}

func (fakeRuns) Recent(ctx context.Context, job string, limit int) ([]runlog.Run, error) {
	return []runlog.Run{{ID: "r1", JobName: job, Status: runlog.StatusCompleted}}, nil
}

func serve(router *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func newMarketRouter(t *testing.T, indices *fakeIndices, history *fakeHistory) *gin.Engine {
	t.Helper()
	cal, err := calendar.New(nil)
	require.NoError(t, err)
	mc := NewMarketController(indices, history, cal)
	mc.now = func() time.Time { return time.Date(2026, 5, 2, 12, 0, 0, 0, ist) } // Saturday

	router := gin.New()
	router.Use(middleware.ErrorHandler())
	router.GET("/indices", mc.GetIndices)
	router.GET("/indices/:symbol", mc.GetIndex)
	router.GET("/indices/:symbol/history", mc.GetIndexHistory)
	router.GET("/status", mc.GetMarketStatus)
	return router
}

func TestMarketController(t *testing.T) {
	indices := &fakeIndices{snapshots: []models.IndexSnapshot{{Symbol: "NIFTY50", Value: 22100}}}
	history := &fakeHistory{}
	router := newMarketRouter(t, indices, history)

	t.Run("all indices", func(t *testing.T) {
		w := serve(router, http.MethodGet, "/indices")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, decode(t, w)["data"], 1)
	})

	t.Run("symbol lookup is case insensitive", func(t *testing.T) {
		w := serve(router, http.MethodGet, "/indices/nifty50")
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("unknown symbol", func(t *testing.T) {
		w := serve(router, http.MethodGet, "/indices/DOWJONES")
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, false, decode(t, w)["success"])
	})

	t.Run("daily history", func(t *testing.T) {
		w := serve(router, http.MethodGet, "/indices/NIFTY50/history?days=90")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, 90, history.dailyDays)
	})

	t.Run("intraday history", func(t *testing.T) {
		w := serve(router, http.MethodGet, "/indices/NIFTY50/history?granularity=intraday&days=2")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, models.GranularityIntraday, history.granularity)
		assert.True(t, history.rangeFrom.Equal(time.Date(2026, 4, 30, 12, 0, 0, 0, ist)))
	})

	t.Run("bad history query", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, serve(router, http.MethodGet, "/indices/NIFTY50/history?days=0").Code)
		assert.Equal(t, http.StatusBadRequest, serve(router, http.MethodGet, "/indices/NIFTY50/history?granularity=weekly").Code)
	})

	t.Run("status", func(t *testing.T) {
		w := serve(router, http.MethodGet, "/status")
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		data := body["data"].(map[string]interface{})
		assert.Equal(t, false, data["is_open"])
		assert.Equal(t, calendar.ReasonWeekend, data["reason"])
		assert.Equal(t, "2026-05-04", body["next_trading_day"])
	})

	t.Run("store failure is a 500", func(t *testing.T) {
		failing := newMarketRouter(t, &fakeIndices{err: errors.New("mongo down")}, history)
		w := serve(failing, http.MethodGet, "/indices")
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestFundController(t *testing.T) {
	analytics := &mockAnalytics{}
	fc := NewFundController(analytics)
	router := gin.New()
	router.Use(middleware.ErrorHandler())
	router.GET("/funds/:id/returns", fc.GetReturns)
	router.GET("/funds/:id/graph", fc.GetGraph)

	oneYear := 12.5
	analytics.On("Returns", mock.Anything, uint(7)).Return(&models.ReturnsSnapshot{FundID: 7, Return1Y: &oneYear}, nil)
	analytics.On("Returns", mock.Anything, uint(8)).Return(nil, nil)
	analytics.On("GraphData", mock.Anything, uint(7), models.Period3Y).Return(&models.GraphSeries{FundID: 7, Period: models.Period3Y}, nil)
	analytics.On("GraphData", mock.Anything, uint(7), models.Period1Y).Return(&models.GraphSeries{FundID: 7, Period: models.Period1Y}, nil)

	w := serve(router, http.MethodGet, "/funds/7/returns")
	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, 12.5, data["return_1y"])
	assert.Nil(t, data["return_3y"])

	assert.Equal(t, http.StatusNotFound, serve(router, http.MethodGet, "/funds/8/returns").Code)
	assert.Equal(t, http.StatusBadRequest, serve(router, http.MethodGet, "/funds/abc/returns").Code)

	w = serve(router, http.MethodGet, "/funds/7/graph?period=3Y")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "3Y", decode(t, w)["data"].(map[string]interface{})["period"])

	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/funds/7/graph").Code, "period defaults to 1Y")
	assert.Equal(t, http.StatusBadRequest, serve(router, http.MethodGet, "/funds/7/graph?period=10Y").Code)

	analytics.AssertExpectations(t)
}

func TestJobController(t *testing.T) {
	newRouter := func(jobs *fakeJobs) *gin.Engine {
		jc := NewJobController(jobs, fakeRuns{})
		router := gin.New()
		router.Use(middleware.ErrorHandler())
		router.POST("/jobs/:name/trigger", jc.TriggerJob)
		router.GET("/jobs/stats", jc.GetJobStats)
		router.GET("/jobs/:name/runs", jc.GetJobRuns)
		return router
	}

	t.Run("trigger", func(t *testing.T) {
		jobs := &fakeJobs{}
		w := serve(newRouter(jobs), http.MethodPost, "/jobs/daily-nav/trigger")
		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.Equal(t, "task-1", decode(t, w)["task_id"])
		assert.Equal(t, []string{"daily-nav"}, jobs.triggered)
	})

	t.Run("trigger errors", func(t *testing.T) {
		cases := map[error]int{
			scheduler.ErrUnknownJob: http.StatusNotFound,
			scheduler.ErrQueueFull:  http.StatusConflict,
			scheduler.ErrStopped:    http.StatusServiceUnavailable,
		}
		for err, code := range cases {
			w := serve(newRouter(&fakeJobs{err: err}), http.MethodPost, "/jobs/x/trigger")
			assert.Equal(t, code, w.Code, err.Error())
		}
	})

	t.Run("stats", func(t *testing.T) {
		w := serve(newRouter(&fakeJobs{}), http.MethodGet, "/jobs/stats")
		require.Equal(t, http.StatusOK, w.Code)
		data := decode(t, w)["data"].(map[string]interface{})
		assert.Contains(t, data, scheduler.JobDailyNAV)
	})

	t.Run("runs", func(t *testing.T) {
		router := newRouter(&fakeJobs{})
		assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/jobs/daily-nav/runs").Code)
		assert.Equal(t, http.StatusNotFound, serve(router, http.MethodGet, "/jobs/unknown/runs").Code)
		assert.Equal(t, http.StatusBadRequest, serve(router, http.MethodGet, "/jobs/daily-nav/runs?limit=0").Code)
	})
}

func TestHealthController(t *testing.T) {
	healthy := NewHealthController(map[string]Check{
		"mongo": func(ctx context.Context) error { return nil },
	}, func() map[string]interface{} { return map[string]interface{}{"clients": 2} })
	broken := NewHealthController(map[string]Check{
		"mongo": func(ctx context.Context) error { return nil },
		"redis": func(ctx context.Context) error { return errors.New("dial tcp: connection refused") },
	}, nil)

	router := gin.New()
	router.GET("/health", healthy.Health)
	router.GET("/ready", healthy.Ready)
	router.GET("/ready-broken", broken.Ready)

	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/health").Code)

	w := serve(router, http.MethodGet, "/ready")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["ready"])

	w = serve(router, http.MethodGet, "/ready-broken")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	checks := decode(t, w)["checks"].(map[string]interface{})
	assert.Equal(t, "ok", checks["mongo"])
	assert.Contains(t, checks["redis"], "connection refused")
}
