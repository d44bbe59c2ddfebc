package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-planwatch/internal/metrics"
)

// Metrics returns a Gin middleware that records every request with the HTTP
// collectors of package metrics.
//
// Usage:
//
//	r := gin.New()
//	r.Use(middleware.Metrics())
//	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
//
// The route label is the registered pattern (c.FullPath()), so
// /api/v1/subscriptions/4/summary and /api/v1/subscriptions/7/summary share a
// series. Requests that match no route are labelled metrics.UnmatchedRoute.
// Run triggers served from a stored idempotent result are also counted as
// replays.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		done := metrics.HTTPStarted()
		defer done()

		c.Next()

		route := c.FullPath()
		metrics.ObserveHTTP(c.Request.Method, route, c.Writer.Status(), c.Writer.Size(), time.Since(start))
		if IsReplay(c) && route != "" {
			metrics.IncRunReplay(route)
		}
	}
}
