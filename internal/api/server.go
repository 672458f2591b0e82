// Package api implements the management REST API: proxy and backend
// status, session history, manual suspend/resume and Prometheus metrics.
package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/slumber-project/slumber/internal/config"
	"github.com/slumber-project/slumber/internal/db"
	"github.com/slumber-project/slumber/internal/idle"
	intnet "github.com/slumber-project/slumber/internal/network"
	"github.com/slumber-project/slumber/internal/protocol"
	"github.com/slumber-project/slumber/internal/server"
	"github.com/slumber-project/slumber/internal/util"
)

// Controller is the idle controller as seen by the API.
type Controller interface {
	Snapshot(ctx context.Context) (idle.Snapshot, error)
	SuspendNow(ctx context.Context) error
	Hold(ctx context.Context, fn func(context.Context) error) error
}

// Backend is the backend supervisor as seen by the API.
type Backend interface {
	Snapshot() server.BackendSnapshot
	Wake(ctx context.Context) error
	Mode() string
	Managed() bool
}

// Proxy exposes the client listener's counters and live connections.
type Proxy interface {
	Stats() intnet.Stats
	Registry() *intnet.ConnectionRegistry
}

// StatusSource builds the server list entry and accepts config updates.
type StatusSource interface {
	Build(ctx context.Context, clientProtocol int32) protocol.StatusJSON
	Update(cfg config.StatusConfig)
}

// History is the read side of the session history store.
type History interface {
	RecentSessions(ctx context.Context, limit int) ([]db.SessionRecord, error)
	PowerEvents(ctx context.Context, limit int) ([]db.PowerEvent, error)
	Summary(ctx context.Context) (db.Summary, error)
}

// Deps are the components the API reads from and drives. History and
// Metrics may be nil.
type Deps struct {
	Controller Controller
	Backend    Backend
	Proxy      Proxy
	Status     StatusSource
	History    History
	Metrics    http.Handler
	Version    string
}

// Server is the management API server.
type Server struct {
	cfg       *config.Config
	deps      Deps
	startedAt time.Time

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates an API server. Nothing listens until Start.
func NewServer(cfg *config.Config, deps Deps) *Server {
	if cfg.GetApplicationData().Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:       cfg,
		deps:      deps,
		startedAt: time.Now(),
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the API's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	appData := s.cfg.GetApplicationData()
	addr := appData.API.Addr()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	sec := appData.Security
	if sec.TLSEnabled {
		if err := util.EnsureSelfSignedCert(sec.TLSCertFile, sec.TLSKeyFile); err != nil {
			return fmt.Errorf("failed to prepare API certificate: %w", err)
		}
		cert, err := tls.LoadX509KeyPair(sec.TLSCertFile, sec.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("failed to load API certificate: %w", err)
		}
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
			CipherSuites: []uint16{
				tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			},
		}
	}

	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().Str("addr", addr).Bool("tls", sec.TLSEnabled).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if sec.TLSEnabled {
		err = s.httpServer.Serve(tls.NewListener(ln, s.httpServer.TLSConfig))
	} else {
		err = s.httpServer.Serve(ln)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

func (s *Server) buildRouter() *gin.Engine {
	appData := s.cfg.GetApplicationData()
	sec := appData.Security

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := sec.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	router.Use(NewRateLimiter(sec.RateLimitRPS).Middleware())
	router.Use(IPWhitelist(sec.IPWhitelist))

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/status", s.handleStatus)
	}

	protected := router.Group("/api")
	protected.Use(TokenAuth(appData.API.Token))

	monitor := protected.Group("/monitor")
	{
		monitor.GET("/sessions", s.handleSessions)
		monitor.GET("/connections", s.handleConnections)
		monitor.GET("/system", s.handleSystem)
		monitor.GET("/power", s.handlePowerEvents)
	}

	control := protected.Group("/control")
	{
		control.POST("/suspend", s.handleSuspend)
		control.POST("/resume", s.handleResume)
	}

	configure := protected.Group("/configure")
	{
		configure.GET("/config", s.handleGetConfig)
		configure.PATCH("/status", s.handlePatchStatus)
	}

	if s.deps.Metrics != nil {
		router.GET("/metrics", TokenAuth(appData.API.Token), gin.WrapH(s.deps.Metrics))
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "slumber API is running"})
	})

	return router
}
