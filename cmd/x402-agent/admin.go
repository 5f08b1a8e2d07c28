package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	x402 "github.com/kamiyo-ai/x402-go"
	"github.com/kamiyo-ai/x402-go/facilitator"
	x402http "github.com/kamiyo-ai/x402-go/http"
	"github.com/kamiyo-ai/x402-go/resilience"
)

type adminClient interface {
	Stats(ctx context.Context) (x402http.Stats, error)
	Escrows() []x402.EscrowRecord
	SweepSignatures(ctx context.Context) int
}

type adminFacilitator interface {
	Health(ctx context.Context) facilitator.Health
}

// newAdminRouter serves /health, /metrics, /escrows and a manual sweep.
func newAdminRouter(client adminClient, f adminFacilitator, logger *slog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/health", func(c *gin.Context) {
		stats, err := client.Stats(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}

		status := "healthy"
		if stats.CircuitState == resilience.StateOpen.String() {
			status = "degraded"
		}
		body := gin.H{"status": status, "client": stats}
		if f != nil {
			health := f.Health(c.Request.Context())
			body["facilitator"] = health
			if !health.Healthy {
				status = "degraded"
				body["status"] = status
			}
		}
		c.JSON(http.StatusOK, body)
	})

	r.GET("/escrows", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"escrows": client.Escrows()})
	})

	r.POST("/signatures/sweep", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"removed": client.SweepSignatures(c.Request.Context())})
	})

	return r
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("admin request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}
