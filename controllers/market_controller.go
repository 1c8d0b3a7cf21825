package controllers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"mf_backend_project/models"
	"mf_backend_project/services/calendar"
	"mf_backend_project/services/store"

	"github.com/gin-gonic/gin"
)

// IndexReader reads the latest index values
type IndexReader interface {
	All(ctx context.Context) ([]models.IndexSnapshot, error)
	BySymbol(ctx context.Context, symbol string) (*models.IndexSnapshot, error)
}

// HistoryReader reads index history
type HistoryReader interface {
	Range(ctx context.Context, symbol string, from, to time.Time, granularity models.Granularity) ([]models.IndexHistoryPoint, error)
	DailySeries(ctx context.Context, symbol string, days int) ([]models.IndexHistoryPoint, error)
}

// MarketController handles market data requests
type MarketController struct {
	indices  IndexReader
	history  HistoryReader
	calendar *calendar.Calendar
	now      func() time.Time
}

// NewMarketController creates a new market controller
func NewMarketController(indices IndexReader, history HistoryReader, cal *calendar.Calendar) *MarketController {
	return &MarketController{indices: indices, history: history, calendar: cal, now: time.Now}
}

// GetIndices returns the latest value of every index
// GET /api/v1/market/indices
func (mc *MarketController) GetIndices(c *gin.Context) {
	snapshots, err := mc.indices.All(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": snapshots})
}

// GetIndex returns the latest value of one index
// GET /api/v1/market/indices/:symbol
func (mc *MarketController) GetIndex(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))

	snapshot, err := mc.indices.BySymbol(c.Request.Context(), symbol)
	if errors.Is(err, store.ErrNotFound) {
		c.Error(notFound("Index not found"))
		return
	}
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": snapshot})
}

// GetIndexHistory returns history points of one index
// GET /api/v1/market/indices/:symbol/history?granularity=intraday|daily&days=30
func (mc *MarketController) GetIndexHistory(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	granularity := models.Granularity(c.DefaultQuery("granularity", string(models.GranularityDaily)))
	days, err := strconv.Atoi(c.DefaultQuery("days", "30"))
	if err != nil || days <= 0 || days > 1825 {
		c.Error(badRequest("days must be between 1 and 1825"))
		return
	}

	var points []models.IndexHistoryPoint
	switch granularity {
	case models.GranularityDaily:
		points, err = mc.history.DailySeries(c.Request.Context(), symbol, days)
	case models.GranularityIntraday:
		now := mc.now()
		points, err = mc.history.Range(c.Request.Context(), symbol, now.AddDate(0, 0, -days), now, granularity)
	default:
		c.Error(badRequest("granularity must be intraday or daily"))
		return
	}
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"symbol":      symbol,
		"granularity": granularity,
		"data":        points,
	})
}

// GetMarketStatus reports whether the exchange is trading now
// GET /api/v1/market/status
func (mc *MarketController) GetMarketStatus(c *gin.Context) {
	now := mc.now()
	status := mc.calendar.IsMarketOpen(now)

	resp := gin.H{"success": true, "data": status}
	if next, err := mc.calendar.NextTradingDay(now); err == nil {
		resp["next_trading_day"] = next.Format("2006-01-02")
	}
	c.JSON(http.StatusOK, resp)
}
