package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"mf_backend_project/controllers"
	"mf_backend_project/middleware"
	"mf_backend_project/models"
	"mf_backend_project/scheduler"
	"mf_backend_project/services/calendar"
	"mf_backend_project/services/realtime"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const secret = "route-secret"

type stubIndices struct{}

func (stubIndices) All(ctx context.Context) ([]models.IndexSnapshot, error) {
	return []models.IndexSnapshot{{Symbol: "NIFTY50"}}, nil
}

func (stubIndices) BySymbol(ctx context.Context, symbol string) (*models.IndexSnapshot, error) {
	return &models.IndexSnapshot{Symbol: symbol}, nil
}

type stubHistory struct{}

func (stubHistory) Range(ctx context.Context, symbol string, from, to time.Time, g models.Granularity) ([]models.IndexHistoryPoint, error) {
	return nil, nil
}

func (stubHistory) DailySeries(ctx context.Context, symbol string, days int) ([]models.IndexHistoryPoint, error) {
	return nil, nil
}

type stubAnalytics struct{}

func (stubAnalytics) Returns(ctx context.Context, id uint) (*models.ReturnsSnapshot, error) {
	return &models.ReturnsSnapshot{FundID: id}, nil
}

func (stubAnalytics) GraphData(ctx context.Context, id uint, p models.GraphPeriod) (*models.GraphSeries, error) {
	return &models.GraphSeries{FundID: id, Period: p}, nil
}

type stubJobs struct{}

func (stubJobs) Trigger(name string) (string, error) { return "task", nil }

func (stubJobs) Stats() map[string]scheduler.JobStats { return map[string]scheduler.JobStats{} }

func newRouter(t *testing.T, adminKeyHash string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cal, err := calendar.New(nil)
	require.NoError(t, err)

	validator := middleware.NewJWTValidator(secret)
	hub := realtime.NewHub(validator.Authenticate)
	t.Cleanup(hub.Shutdown)

	router := gin.New()
	SetupRoutes(router, Dependencies{
		Market:         controllers.NewMarketController(stubIndices{}, stubHistory{}, cal),
		Funds:          controllers.NewFundController(stubAnalytics{}),
		Jobs:           controllers.NewJobController(stubJobs{}, nil),
		Health:         controllers.NewHealthController(nil, nil),
		WebSocket:      hub.HandleWebSocket,
		JWT:            validator,
		AdminKeyHash:   adminKeyHash,
		AdminFailures:  middleware.NewRateLimiter(5, time.Minute, time.Minute),
		TriggerLimiter: middleware.NewRateLimiter(2, time.Minute, time.Minute),
	})
	return router
}

func request(router *gin.Engine, method, path string, headers map[string]string) int {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	router.ServeHTTP(w, req)
	return w.Code
}

func TestPublicRoutes(t *testing.T) {
	router := newRouter(t, "")

	assert.Equal(t, http.StatusOK, request(router, http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, request(router, http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, request(router, http.MethodGet, "/api/v1/market/indices", nil))
	assert.Equal(t, http.StatusOK, request(router, http.MethodGet, "/api/v1/market/status", nil))
}

func TestFundRoutesRequireToken(t *testing.T) {
	router := newRouter(t, "")

	assert.Equal(t, http.StatusUnauthorized, request(router, http.MethodGet, "/api/v1/funds/1/returns", nil))

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(secret))
	require.NoError(t, err)

	auth := map[string]string{"Authorization": "Bearer " + token}
	assert.Equal(t, http.StatusOK, request(router, http.MethodGet, "/api/v1/funds/1/returns", auth))
	assert.Equal(t, http.StatusOK, request(router, http.MethodGet, "/api/v1/funds/1/graph?period=5Y", auth))
}

func TestWebSocketRejectsMissingToken(t *testing.T) {
	router := newRouter(t, "")
	assert.Equal(t, http.StatusUnauthorized, request(router, http.MethodGet, "/ws", nil))
}

func TestAdminRoutes(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("ops-key"), bcrypt.MinCost)
	require.NoError(t, err)
	router := newRouter(t, string(hash))
	key := map[string]string{middleware.AdminKeyHeader: "ops-key"}

	assert.Equal(t, http.StatusUnauthorized, request(router, http.MethodGet, "/api/v1/admin/jobs/stats", nil))
	assert.Equal(t, http.StatusOK, request(router, http.MethodGet, "/api/v1/admin/jobs/stats", key))

	assert.Equal(t, http.StatusAccepted, request(router, http.MethodPost, "/api/v1/admin/jobs/daily-nav/trigger", key))
	assert.Equal(t, http.StatusAccepted, request(router, http.MethodPost, "/api/v1/admin/jobs/daily-nav/trigger", key))
	assert.Equal(t, http.StatusTooManyRequests, request(router, http.MethodPost, "/api/v1/admin/jobs/daily-nav/trigger", key))

	t.Run("disabled without a configured key", func(t *testing.T) {
		assert.Equal(t, http.StatusServiceUnavailable, request(newRouter(t, ""), http.MethodGet, "/api/v1/admin/jobs/stats", key))
	})
}
