package http

import (
	"context"
	"net/http"

	"github.com/dkeye/Realtime/internal/adapters/signal"
	"github.com/dkeye/Realtime/internal/app/orch"
	"github.com/dkeye/Realtime/internal/config"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	if err := r.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Strs("proxies", cfg.TrustedProxies).Msg("invalid trusted_proxies, trusting none")
		_ = r.SetTrustedProxies(nil)
	}

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   int(cfg.Auth.MaxTokenAge.Seconds()),
		HttpOnly: true,
		Secure:   cfg.Mode == "release",
		SameSite: http.SameSiteLaxMode,
	})
	r.Use(sessions.Sessions(cfg.Auth.SessionName, store))

	ctrl := signal.NewSignalWSController(o, signal.Options{
		SendBuffer:        cfg.Transport.SendBuffer,
		ReadLimit:         cfg.ReadLimit,
		WriteTimeout:      cfg.Transport.WriteTimeout,
		PingPeriod:        cfg.PingPeriod,
		AuthTimeout:       cfg.Auth.Timeout,
		AuthFrameWait:     cfg.Auth.FrameWait,
		MessagesPerSecond: cfg.Transport.MessagesPerSecond,
		Burst:             cfg.Transport.Burst,
	})
	h := &handlers{orch: o, eventsToken: cfg.EventsToken}

	r.GET("/healthz", h.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.GET("/ws", func(c *gin.Context) {
		ctrl.HandleSignal(ctx, c)
	})
	api.POST("/session", h.createSession)
	api.DELETE("/session", h.deleteSession)
	api.POST("/events", h.requireEventsToken, h.publishEvent)
	api.GET("/stats", h.requireEventsToken, h.stats)
	api.GET("/rooms", h.requireEventsToken, h.rooms)

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}
