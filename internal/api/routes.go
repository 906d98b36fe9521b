package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"iap-helper/internal/middleware"
)

// RouteConfig holds the settings SetupRoutes needs besides the handler.
type RouteConfig struct {
	APIKey   string
	Gatherer prometheus.Gatherer
	Replay   *middleware.ReplayProtection
}

// SetupRoutes sets up all routes
func SetupRoutes(r *gin.Engine, h *Handler, cfg RouteConfig) {
	api := r.Group("/api")
	api.Use(middleware.APIKeyAuth(cfg.APIKey))
	{
		products := api.Group("/products")
		{
			products.GET("", h.ListProducts)
			products.POST("/fetch", h.FetchAll)
			products.GET("/:id", h.GetProduct)
			products.POST("/:id/fetch", h.FetchProduct)
			products.POST("/:id/purchase", h.Purchase)
			products.POST("/:id/verify", h.Verify)
			products.POST("/:id/reset", h.ResetProduct)
		}

		api.GET("/entries", h.ListEntries)
		api.PUT("/entries", h.RestoreEntries)

		api.POST("/restore", h.Restore)
		api.POST("/reset", h.ResetAll)
		api.GET("/entitlement", h.Entitlement)
		api.GET("/can-transact", h.CanTransact)

		// Sandbox payment queue
		queue := api.Group("/queue")
		{
			queue.GET("/transactions", h.ListTransactions)
			settle := []gin.HandlerFunc{h.Settle}
			if cfg.Replay != nil {
				settle = append([]gin.HandlerFunc{cfg.Replay.Middleware()}, settle...)
			}
			queue.POST("/transactions/:id/settle", settle...)
		}
	}

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "ok",
			"service": "iap-helper",
		})
	})

	if cfg.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}
}
