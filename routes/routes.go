package routes

import (
	"net/http"

	"mf_backend_project/controllers"
	"mf_backend_project/middleware"

	"github.com/gin-gonic/gin"
)

// Dependencies are the handlers and guards the route table wires together
type Dependencies struct {
	Market *controllers.MarketController
	Funds  *controllers.FundController
	Jobs   *controllers.JobController
	Health *controllers.HealthController

	// WebSocket upgrades authenticated clients to the live update feed
	WebSocket http.HandlerFunc

	JWT            *middleware.JWTValidator
	AdminKeyHash   string
	AdminFailures  *middleware.RateLimiter
	TriggerLimiter *middleware.RateLimiter
}

// SetupRoutes sets up all API routes
func SetupRoutes(router *gin.Engine, deps Dependencies) {
	router.Use(middleware.ErrorHandler())

	// API v1 group
	api := router.Group("/api/v1")
	{
		// Market routes
		market := api.Group("/market")
		{
			market.GET("/indices", deps.Market.GetIndices)
			market.GET("/indices/:symbol", deps.Market.GetIndex)
			market.GET("/indices/:symbol/history", deps.Market.GetIndexHistory)
			market.GET("/status", deps.Market.GetMarketStatus)
		}

		// Fund analytics routes
		funds := api.Group("/funds", deps.JWT.JWTAuthMiddleware())
		{
			funds.GET("/:id/returns", deps.Funds.GetReturns)
			funds.GET("/:id/graph", deps.Funds.GetGraph)
		}

		// Operator routes
		admin := api.Group("/admin", middleware.AdminKeyMiddleware(deps.AdminKeyHash, deps.AdminFailures))
		{
			admin.GET("/jobs/stats", deps.Jobs.GetJobStats)
			admin.GET("/jobs/:name/runs", deps.Jobs.GetJobRuns)
			admin.POST("/jobs/:name/trigger", middleware.RateLimitMiddleware(deps.TriggerLimiter), deps.Jobs.TriggerJob)
		}
	}

	// Live updates
	router.GET("/ws", gin.WrapF(deps.WebSocket))

	// Health check
	router.GET("/health", deps.Health.Health)
	router.GET("/ready", deps.Health.Ready)
}
