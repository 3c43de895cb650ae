// Package api assembles the gateway's HTTP routes.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/multisession-gateway/backend/api/handlers"
	"github.com/multisession-gateway/backend/internal/hub"
	"github.com/multisession-gateway/backend/internal/repository"
	"github.com/multisession-gateway/backend/internal/session"
	"github.com/multisession-gateway/backend/internal/ws"
	"github.com/rs/zerolog"
)

// Dependencies are the services the routes are built on.
type Dependencies struct {
	Registry    *session.Registry
	Coordinator *session.Coordinator
	Hub         *hub.Hub
	StatusRepo  *repository.StatusRepository
	LogRepo     *repository.LogRepository
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// KeepAlive is the SSE comment interval.
	KeepAlive time.Duration
	// StaticDir is served at / when set.
	StaticDir string
}

// NewRouter returns the gin engine with every route registered.
func NewRouter(deps Dependencies, log zerolog.Logger) *gin.Engine {
	httpLog := log.With().Str("component", "http").Logger()

	r := gin.New()
	r.Use(recovery(httpLog))
	r.Use(requestLogger(httpLog))
	r.Use(corsMiddleware())

	healthHandler := handlers.NewHealthHandler(deps.Registry, deps.Coordinator, deps.Hub)
	r.GET("/health", healthHandler.Health)

	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	sessionHandler := handlers.NewSessionHandler(deps.Registry)
	historyHandler := handlers.NewHistoryHandler(deps.StatusRepo, deps.LogRepo)
	eventsHandler := handlers.NewEventsHandler(deps.Hub, ws.NewHandler(deps.Hub, log), deps.KeepAlive, log)

	api := r.Group("/api")
	{
		sessionHandler.RegisterRoutes(api)
		historyHandler.RegisterRoutes(api)
		eventsHandler.RegisterRoutes(api)
	}

	if deps.StaticDir != "" {
		r.NoRoute(gin.WrapH(http.FileServer(http.Dir(deps.StaticDir))))
	}

	return r
}
