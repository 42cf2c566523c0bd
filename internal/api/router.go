package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"crestron-shades-backend/internal/hub"
	"crestron-shades-backend/internal/mw"
	"crestron-shades-backend/internal/store"
)

// Options tunes the router middleware.
type Options struct {
	// RateLimit is the per-IP request rate; zero disables limiting.
	RateLimit rate.Limit
	RateBurst int
	// CacheTTL is how long GET responses are cached; zero disables caching.
	CacheTTL time.Duration
	// ClientIPHeader names a header set by a trusted proxy carrying the client IP.
	ClientIPHeader string
	Logger         *slog.Logger
}

// NewRouter creates and configures a new Gin router.
func NewRouter(reg *hub.Registry, s store.Store, webpushOptions *webpush.Options, opts Options) *gin.Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := gin.New()
	if opts.ClientIPHeader != "" {
		r.TrustedPlatform = opts.ClientIPHeader
	}
	r.Use(gin.Recovery(), mw.RequestLogger(logger))

	var cacheStore *cache.Cache
	caching := func(c *gin.Context) { c.Next() }
	if opts.CacheTTL > 0 {
		cacheStore = cache.New(opts.CacheTTL, 2*opts.CacheTTL)
		caching = mw.Cache(cacheStore, opts.CacheTTL)
	}

	handler := NewHandler(reg, s, webpushOptions, cacheStore, logger)

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	api := r.Group("/api")
	api.Use(mw.RateLimiter(opts.RateLimit, opts.RateBurst))
	{
		api.GET("/hubs", caching, handler.ListHubs)
		api.GET("/hubs/:hub", caching, handler.GetHub)
		api.GET("/hubs/:hub/shades", caching, handler.ListShades)
		api.GET("/hubs/:hub/shades/:shade_id", caching, handler.GetShade)
		api.POST("/hubs/:hub/shades/:shade_id/open", handler.HubShadeCommand(openCommand))
		api.POST("/hubs/:hub/shades/:shade_id/close", handler.HubShadeCommand(closeCommand))
		api.POST("/hubs/:hub/shades/:shade_id/stop", handler.HubShadeCommand(stopCommand))
		api.PUT("/hubs/:hub/shades/:shade_id/position", handler.HubSetPosition)
		api.POST("/hubs/:hub/refresh", handler.RefreshHub)
		api.PUT("/hubs/:hub/credentials", handler.PutCredentials)
		api.GET("/hubs/:hub/events", handler.StreamEvents)

		api.GET("/shades", caching, handler.ListAllShades)
		api.POST("/shades/:shade_id/open", handler.ShadeCommand(openCommand))
		api.POST("/shades/:shade_id/close", handler.ShadeCommand(closeCommand))
		api.POST("/shades/:shade_id/stop", handler.ShadeCommand(stopCommand))
		api.PUT("/shades/:shade_id/position", handler.SetPosition)

		api.GET("/subscriptions", handler.GetSubscription)
		api.PUT("/subscriptions", handler.PutSubscription)
		api.DELETE("/subscriptions", handler.DeleteSubscription)
		api.GET("/vapid_public_key", handler.GetVAPIDPublicKey)
	}

	return r
}
