package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/balancer"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/catalog"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/collab"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/config"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/decision"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/fallback"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/modules"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/proxy"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/quota"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/ratelimit"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/server/handlers"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/utils"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/pkg/redis"
)

// Server wires the gateway components behind a gin engine
type Server struct {
	cfg    *config.Config
	engine *gin.Engine
	deps   *handlers.Deps

	usageStats  *modules.UsageStats
	stopWatch   func()
	cancelLoops context.CancelFunc
	httpServer  *http.Server
}

// New builds the component graph leaf-first and returns the server.
// redisClient may be nil; the decision cache and usage stats degrade to
// in-memory / disabled.
func New(cfg *config.Config, cat *catalog.Catalog, store *quota.Store, redisClient *redis.Client) *Server {
	if !cfg.DevMode {
		gin.SetMode(gin.ReleaseMode)
	}

	limiter := ratelimit.New()
	bal := balancer.New(cat, cfg.Strategy)
	decider := decision.NewEngine(cat, cat, bal, cfg.Weights, decision.NewCache(redisClient))
	fb := fallback.New(cat, bal, decider)
	engine := proxy.NewEngine()

	deps := &handlers.Deps{
		Config:   cfg,
		Catalog:  cat,
		Store:    store,
		Limiter:  limiter,
		Balancer: bal,
		Decider:  decider,
		Fallback: fb,
		Engine:   engine,
	}
	deps.Collab = collab.New(engine, deps.JudgeResolver())

	s := &Server{
		cfg:        cfg,
		engine:     gin.New(),
		deps:       deps,
		usageStats: modules.NewUsageStats(redisClient),
	}
	return s
}

// Deps exposes the handler dependencies (tests)
func (s *Server) Deps() *handlers.Deps {
	return s.deps
}

// Engine exposes the gin engine (tests)
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// SetupRoutes registers the middleware chain and all routes
func (s *Server) SetupRoutes() {
	e := s.engine
	e.Use(gin.Recovery())
	e.Use(RequestLoggingMiddleware())
	e.Use(CORSMiddleware(s.cfg.AllowedOrigins))
	e.Use(IPWhitelistMiddleware(s.cfg.IPWhitelist))
	if s.cfg.EnableUsageStats {
		e.Use(s.usageStats.Middleware())
	}

	d := s.deps

	e.GET("/health", d.Health)
	e.GET("/healthz", d.Healthz)

	v1 := e.Group("/v1")
	v1.Use(AuthGateMiddleware(d.Store, s.cfg))
	{
		v1.GET("/models", d.Models)
		v1.GET("/usage", d.Usage)
		v1.POST("/chat/completions", d.Forward(proxy.ChatDescriptor))
		v1.POST("/responses", d.Forward(proxy.ResponsesDescriptor))
		v1.POST("/images/generations", d.Forward(proxy.ImageDescriptor))
		v1.POST("/audio/transcriptions", d.Forward(proxy.TranscriptionDescriptor))
		v1.POST("/audio/speech", d.Forward(proxy.SpeechDescriptor))
	}

	admin := e.Group("/admin")
	admin.Use(AdminAuthMiddleware(s.cfg.AdminAPIKey))
	{
		admin.GET("/keys", d.AdminListKeys)
		admin.POST("/keys", d.AdminKeyAction)
		admin.GET("/providers", d.AdminProviders)
		admin.GET("/validate", d.AdminValidate)
		admin.POST("/reload", d.AdminReload)
		s.usageStats.SetupRoutes(admin)
	}
}

// Start launches the background loops, the catalog watcher and the HTTP
// listener. Returns once the listener is running.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelLoops = cancel

	go s.deps.Balancer.RunHealthLoop(ctx, config.HealthCheckInterval)
	s.usageStats.Initialize()

	stop, err := s.deps.Catalog.Watch()
	if err != nil {
		utils.Warn("[Server] Catalog watcher unavailable: %v", err)
	} else {
		s.stopWatch = stop
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // long-lived SSE responses
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		utils.Info("[Server] Listening on %s", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Shutdown stops accepting connections and drains in-flight requests
// within the shutdown budget.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()

	if s.stopWatch != nil {
		s.stopWatch()
	}
	if s.cancelLoops != nil {
		s.cancelLoops()
	}
	s.usageStats.Shutdown()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
