package main

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/middleware"
)

// routerConfig carries the middleware settings of the router.
type routerConfig struct {
	authSecret string
	limiter    *middleware.RateLimiter
}

func setupRouter(api *API, rc routerConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Tracing())
	router.Use(middleware.Logger(api.logger))

	router.GET("/health", api.healthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	v1.Use(middleware.JWTAuth(rc.authSecret))
	{
		uploads := v1.Group("")
		if rc.limiter != nil {
			uploads.Use(middleware.RateLimit(rc.limiter))
		}
		uploads.POST("/clips", api.createClip)
		uploads.POST("/clips/jobs", api.createClipJob)

		v1.GET("/clips", api.listClips)
		v1.GET("/clips/:id", api.getClip)
		v1.GET("/clips/:id/download", api.downloadClip)
	}

	return router
}
