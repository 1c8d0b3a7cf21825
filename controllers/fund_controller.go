package controllers

import (
	"context"
	"net/http"
	"strconv"

	"mf_backend_project/models"

	"github.com/gin-gonic/gin"
)

// FundAnalytics serves derived fund data
type FundAnalytics interface {
	Returns(ctx context.Context, fundID uint) (*models.ReturnsSnapshot, error)
	GraphData(ctx context.Context, fundID uint, period models.GraphPeriod) (*models.GraphSeries, error)
}

// FundController handles fund analytics requests
type FundController struct {
	analytics FundAnalytics
}

// NewFundController creates a new fund controller
func NewFundController(analytics FundAnalytics) *FundController {
	return &FundController{analytics: analytics}
}

func fundID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		c.Error(badRequest("Invalid fund id"))
		return 0, false
	}
	return uint(id), true
}

// GetReturns returns trailing 1Y/3Y/5Y returns of a fund
// GET /api/v1/funds/:id/returns
func (fc *FundController) GetReturns(c *gin.Context) {
	id, ok := fundID(c)
	if !ok {
		return
	}

	snap, err := fc.analytics.Returns(c.Request.Context(), id)
	if err != nil {
		c.Error(err)
		return
	}
	if snap == nil {
		c.Error(notFound("No NAV data for fund"))
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": snap})
}

// GetGraph returns the weekly NAV series of a fund
// GET /api/v1/funds/:id/graph?period=1Y|3Y|5Y
func (fc *FundController) GetGraph(c *gin.Context) {
	id, ok := fundID(c)
	if !ok {
		return
	}
	period, err := models.ParseGraphPeriod(c.DefaultQuery("period", string(models.Period1Y)))
	if err != nil {
		c.Error(badRequest("period must be one of 1Y, 3Y, 5Y"))
		return
	}

	series, err := fc.analytics.GraphData(c.Request.Context(), id, period)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": series})
}
