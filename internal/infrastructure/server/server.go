// Package server wires configuration, storage, the worker plane and the HTTP
// surface into one runnable front door.
package server

import (
	"context"
	"fmt"
	"net"
	nethttp "net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/convoyproxy/convoy/internal/access"
	"github.com/convoyproxy/convoy/internal/account"
	"github.com/convoyproxy/convoy/internal/api/http"
	"github.com/convoyproxy/convoy/internal/api/middleware"
	"github.com/convoyproxy/convoy/internal/health"
	"github.com/convoyproxy/convoy/internal/infrastructure/config"
	"github.com/convoyproxy/convoy/internal/infrastructure/logging"
	"github.com/convoyproxy/convoy/internal/infrastructure/monitoring"
	"github.com/convoyproxy/convoy/internal/mitm"
	"github.com/convoyproxy/convoy/internal/proxy"
	"github.com/convoyproxy/convoy/internal/relay"
	"github.com/convoyproxy/convoy/internal/worker"
)

// Server wraps the HTTP server and dependencies.
type Server struct {
	router     *gin.Engine
	httpServer *nethttp.Server
	mitmLn     net.Listener
	accounts   *account.Manager
	store      *access.Store
	registry   *worker.Registry
	logger     *logging.Logger
	config     *config.Config
	metrics    *monitoring.Metrics
	stopCh     chan struct{}
	cancel     context.CancelFunc
}

// NewServer creates a new server instance.
func NewServer(cfg *config.Config) (*Server, error) {
	var logger *logging.Logger
	if cfg.Logging.Development {
		logger = logging.NewDevelopment()
	} else {
		logger = logging.NewDefault()
	}

	logger.Info("Initializing Convoy front door",
		zap.String("port", cfg.Server.Port),
		zap.String("upstream", cfg.Upstream.MainHost),
	)

	metrics := monitoring.NewMetrics()

	accounts, err := account.LoadFile(cfg.Server.AccountsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}
	logger.Info("Account roster loaded", zap.Int("accounts", len(accounts.Names())))

	store, err := access.Open(cfg.Access.DBPath, cfg.Access.InternalToken, access.Flags{
		DisableConversationIsolation: cfg.Access.DisableConversationIsolation,
		DisableGizmoIsolation:        cfg.Access.DisableGizmoIsolation,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open access store: %w", err)
	}

	// Worker plane.
	registry := worker.NewRegistry(cfg.Dispatch.SilentWindow, cfg.Dispatch.DisconnectGrace, logger)
	dispatcher := worker.NewDispatcher(registry, worker.DispatcherConfig{
		FindTimeout: cfg.Dispatch.FindTimeout,
		AckTimeout:  cfg.Dispatch.AckTimeout,
		RetryBudget: cfg.Dispatch.RetryBudget,
	}, logger, metrics)
	streamRelay := relay.New(registry, store, logger, metrics)
	workerHandler := worker.NewHandler(registry, streamRelay, logger, metrics)

	// Forwarding surface.
	fwd := proxy.New(cfg.Upstream, cfg.Server.PublicOrigin, accounts, store, logger, metrics)

	handlers := http.NewHandlers(accounts, store, dispatcher, streamRelay, fwd, cfg.Access.Passcode, logger, metrics)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}
	router.Use(middleware.Auth(middleware.AuthConfig{BannedPaths: cfg.Upstream.BannedPaths}, store))

	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)
	router.GET("/start", handlers.Start)
	router.GET("/robots.txt", handlers.Robots)

	// Account selection.
	router.GET(proxy.SelectionPath, handlers.ListAccounts)
	router.GET("/switch-account/:name", handlers.SwitchAccount)

	// Conversation dispatch, both path spellings.
	router.POST("/backend-api/conversation", handlers.Conversation)
	router.POST("/backend-alt/conversation", handlers.Conversation)

	// Canned upstream endpoints.
	router.GET("/backend-api/accounts/check/v4-2023-04-27", handlers.SubscriptionStatus)
	router.GET("/backend-api/models", handlers.ModelList)
	router.POST("/backend-api/sentinel/chat-requirements", handlers.ChatRequirements)

	// Worker plane.
	router.GET("/worker/ws", workerHandler.HandleConnection)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Everything else is forwarded upstream.
	router.NoRoute(fwd.Forward)

	srv := &Server{
		router:   router,
		accounts: accounts,
		store:    store,
		registry: registry,
		logger:   logger,
		config:   cfg,
		metrics:  metrics,
		stopCh:   make(chan struct{}),
	}

	if cfg.MITM.Enabled {
		if err := srv.startMITM(); err != nil {
			store.Close()
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv.cancel = cancel
	prober := health.NewProber(cfg.Upstream, accounts, logger, metrics)
	go prober.Run(ctx)
	go accounts.Usage().StartPurgeLoop(srv.stopCh)

	logger.Info("Server initialized successfully")
	return srv, nil
}

// startMITM loads the certificate authority and starts the tunnel engine on
// its own listener.
func (s *Server) startMITM() error {
	ca, err := mitm.LoadCA(s.config.MITM.CADir)
	if err != nil {
		return fmt.Errorf("failed to load certificate authority: %w", err)
	}

	engine := mitm.NewEngine(s.config.MITM, ca, s.accounts, mitm.NewPatchSet(mitm.DefaultRules(), s.logger), s.logger, s.metrics)
	// Workers fetch the root certificate through the intercepted host itself.
	engine.SetOverride("/convoy-root.pem", "application/x-pem-file", ca.CertPEM())

	addr := s.config.Server.Host + ":" + s.config.MITM.Port
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on tunnel port: %w", err)
	}
	s.mitmLn = ln
	s.logger.Info("Tunnel engine listening", zap.String("addr", addr))

	go func() {
		if err := engine.Serve(ln); err != nil {
			s.logger.Warn("tunnel engine stopped", zap.Error(err))
		}
	}()
	return nil
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run() error {
	addr := s.config.Server.Host + ":" + s.config.Server.Port
	s.logger.Info("Starting HTTP server", zap.String("addr", addr))
	s.httpServer = &nethttp.Server{Addr: addr, Handler: s.router}
	if err := s.httpServer.ListenAndServe(); err != nil && err != nethttp.ErrServerClosed {
		return err
	}
	return nil
}

// Close gracefully shuts down the server.
func (s *Server) Close() error {
	s.logger.Info("Shutting down server...")

	if s.cancel != nil {
		s.cancel()
	}
	close(s.stopCh)

	if s.mitmLn != nil {
		s.mitmLn.Close()
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("Failed to shut down HTTP server", zap.Error(err))
		}
	}

	if err := s.store.Close(); err != nil {
		s.logger.Error("Failed to close access store", zap.Error(err))
		return fmt.Errorf("failed to close access store: %w", err)
	}

	s.logger.Sync()
	return nil
}
