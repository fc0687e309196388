package http

import (
	"context"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Lobby/internal/adapters/signal"
	"github.com/dkeye/Lobby/internal/config"
	"github.com/dkeye/Lobby/internal/domain"
)

// Lobby is what the HTTP surface needs from the orchestrator.
type Lobby interface {
	signal.Hub
	Players(ctx context.Context) ([]domain.PlayerDTO, error)
}

const playersTimeout = 2 * time.Second

func SetupRouter(ctx context.Context, cfg *config.Config, lobby Lobby) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(filepath.Join(cfg.StaticPath, "index.html"))
	})
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	ctrl := signal.NewSignalWSController(lobby, signal.Config{
		ReadLimit:      cfg.ReadLimit,
		PingPeriod:     cfg.PingPeriod,
		SendQueue:      cfg.SendQueue,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	api := r.Group("/api")
	api.GET("/ws", func(c *gin.Context) {
		ctrl.HandleSignal(ctx, c)
	})
	api.GET("/players", func(c *gin.Context) {
		reqCtx, cancel := context.WithTimeout(c.Request.Context(), playersTimeout)
		defer cancel()
		players, err := lobby.Players(reqCtx)
		if err != nil {
			log.Warn().Err(err).Str("module", "adapters.http").Msg("players snapshot")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "lobby unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"count": len(players), "players": players})
	})

	return r
}
