package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/audix/audix/internal/adapters/presence"
	"github.com/audix/audix/internal/adapters/signal"
	"github.com/audix/audix/internal/config"
	"github.com/audix/audix/internal/hub"
	"github.com/audix/audix/internal/session"
	"github.com/audix/audix/internal/store"
)

const csp = "default-src 'self'; style-src 'self' 'unsafe-inline'; script-src 'self'; connect-src 'self'; img-src 'self' data:;"

// SecurityHeaders applies the CSP to every response.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Security-Policy", csp)
		c.Next()
	}
}

// SetupRouter wires HTTP routes (REST + WS) with the hub and store.
// - Static pages are served from cfg.StaticPath.
// - REST is under /api/*
// - WebSocket upgrades live at /ws/presence and /ws/signal.
func SetupRouter(ctx context.Context, cfg *config.Config, st store.Store, h *hub.Hub, reg *hub.SignalRegistry, sessions *session.Manager) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(SecurityHeaders())

	api := &API{cfg: cfg, store: st, hub: h, sessions: sessions}

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.Redirect(http.StatusFound, "/login")
	})
	r.GET("/login", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/login.html")
	})
	r.GET("/setup", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/setup.html")
	})
	r.GET("/app", sessions.RequireWeb(), func(c *gin.Context) {
		c.File(cfg.StaticPath + "/app.html")
	})

	ag := r.Group("/api")
	ag.POST("/request-access", api.RequestAccess)
	ag.GET("/setup-status", api.SetupStatus)
	ag.POST("/setup-pin", api.SetupPin)
	ag.POST("/login", api.Login)
	ag.POST("/logout", api.Logout)
	ag.GET("/live", sessions.RequireWeb(), api.Live)
	ag.POST("/report", sessions.RequireWeb(), api.Report)
	ag.GET("/internal/live-snapshot", api.LiveSnapshot)

	presenceCtl := presence.NewController(h, cfg)
	signalCtl := signal.NewController(h, reg, cfg)

	r.GET("/ws/presence", sessions.RequireWS(), func(c *gin.Context) {
		presenceCtl.Handle(ctx, c)
	})
	r.GET("/ws/signal", sessions.RequireWS(), func(c *gin.Context) {
		signalCtl.Handle(ctx, c)
	})

	return r
}
