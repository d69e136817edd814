package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wiregate/internal/auth"
	"github.com/vovakirdan/wiregate/internal/config"
	"github.com/vovakirdan/wiregate/internal/core"
	"github.com/vovakirdan/wiregate/internal/store"
)

// NewServer builds the gateway HTTP server. /ws is served by the socket handler and
// everything else by the gin router. authService and users may be nil; the account
// endpoints are only mounted when both are present.
func NewServer(engine *core.Engine, authService *auth.Service, users store.UserStore, cfg config.Config, logger *zerolog.Logger) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), LoggerMiddleware(logger))

	router.GET("/health", healthHandler)

	api := router.Group("/api")
	api.GET("/stats", NewStatsHandler(engine, users, logger).Stats)

	if authService != nil {
		handlers := NewAPIHandlers(authService, logger)
		if users != nil {
			api.POST("/register", handlers.Register)
			api.POST("/login", handlers.Login)
		}
		api.GET("/me", AuthMiddleware(authService, logger), handlers.Me)
	}

	// The socket endpoint bypasses gin so the handshake can hijack an unwritten response.
	mux := stdhttp.NewServeMux()
	mux.Handle("/ws", NewWSHandler(engine, cfg, logger))
	mux.Handle("/", router)

	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func healthHandler(c *gin.Context) {
	c.String(stdhttp.StatusOK, "ok")
}
