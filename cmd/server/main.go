// Package main provides the Your-PaL-MoE gateway server.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/balancer"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/catalog"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/config"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/quota"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/server"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/utils"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/pkg/redis"
)

func main() {
	var (
		devMode       bool
		strategyName  string
		port          int
		host          string
		providersFile string
		usersFile     string
	)

	flag.BoolVar(&devMode, "dev-mode", false, "Enable developer mode (verbose logs)")
	flag.StringVar(&strategyName, "strategy", "", "Load balancing strategy (least_load/round_robin/weighted/random)")
	flag.IntVar(&port, "port", 0, "Server port (default: 2715)")
	flag.StringVar(&host, "host", "", "Bind address (default: 0.0.0.0)")
	flag.StringVar(&providersFile, "providers", "", "Providers file (JSON or CSV)")
	flag.StringVar(&usersFile, "users", "", "Users file (JSON)")
	flag.Parse()

	if os.Getenv("DEBUG") == "true" || os.Getenv("DEV_MODE") == "true" {
		devMode = true
	}
	utils.SetDebug(devMode)

	cfg := config.DefaultConfig()
	if err := cfg.Load(); err != nil {
		utils.Warn("[Startup] Failed to load config: %v", err)
	}
	cfg.DevMode = devMode
	if port != 0 {
		cfg.Port = port
	}
	if host != "" {
		cfg.Host = host
	}
	if providersFile != "" {
		cfg.ProvidersFile = providersFile
	}
	if usersFile != "" {
		cfg.UsersFile = usersFile
	}
	if strategyName != "" {
		name := strings.ToLower(strategyName)
		switch name {
		case balancer.StrategyLeastLoad, balancer.StrategyRoundRobin, balancer.StrategyWeighted, balancer.StrategyRandom:
			cfg.Strategy = name
		default:
			utils.Warn("[Startup] Invalid strategy %q, keeping %q", strategyName, cfg.Strategy)
		}
	}

	cat, err := catalog.New(cfg.ProvidersFile)
	if err != nil {
		utils.Error("[Startup] Failed to load provider catalog from %s: %v", cfg.ProvidersFile, err)
		os.Exit(1)
	}
	validation := cat.Snapshot().Validate()
	if !validation.IsValid {
		for _, pe := range validation.Errors {
			utils.Warn("[Startup] Provider %s: %s", pe.Provider, strings.Join(pe.Errors, "; "))
		}
	}

	store, err := quota.NewStore(cfg.UsersFile)
	if err != nil {
		utils.Error("[Startup] Failed to load users file %s: %v", cfg.UsersFile, err)
		os.Exit(1)
	}
	if store.Count() == 0 {
		utils.Warn("[Startup] No users configured - running with auth disabled (bootstrap mode)")
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient, err = redis.NewClient(redis.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			utils.Warn("[Startup] Redis unavailable (%v) - using in-memory caches", err)
			redisClient = nil
		}
	}

	srv := server.New(cfg, cat, store, redisClient)
	srv.SetupRoutes()

	if err := srv.Start(); err != nil {
		utils.Error("[Startup] Failed to start server: %v", err)
		os.Exit(1)
	}

	printBanner(cfg, cat, store, validation)
	utils.Success("Gateway started on port %d", cfg.Port)
	if devMode {
		utils.Warn("Running in DEVELOPER mode - verbose logs enabled")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	utils.Info("Shutting down...")
	if err := srv.Shutdown(); err != nil {
		utils.Error("Forced shutdown: %v", err)
		if redisClient != nil {
			redisClient.Close()
		}
		os.Exit(1)
	}
	if redisClient != nil {
		redisClient.Close()
	}
	utils.Success("Server stopped")
}

// printBanner prints the startup banner
func printBanner(cfg *config.Config, cat *catalog.Catalog, store *quota.Store, validation catalog.ValidationResult) {
	snap := cat.Snapshot()

	displayHost := cfg.Host
	if displayHost == "0.0.0.0" {
		displayHost = "localhost"
	}

	statusLines := []string{
		fmt.Sprintf("    Strategy:  %s", cfg.Strategy),
		fmt.Sprintf("    Providers: %d valid of %d", validation.ValidProviders, len(snap.Providers())),
		fmt.Sprintf("    Models:    %d across %d endpoint(s)", len(snap.Models()), len(snap.Endpoints())),
		fmt.Sprintf("    Users:     %d", store.Count()),
	}
	if cfg.DevMode {
		statusLines = append(statusLines, "    Developer mode enabled")
	}

	fmt.Println(`
╔══════════════════════════════════════════════════════════════╗
║              Your-PaL-MoE Gateway v` + config.Version + `                       ║
╠══════════════════════════════════════════════════════════════╣
║                                                              ║`)
	fmt.Printf("║  Running at: http://%s:%-31d ║\n", displayHost, cfg.Port)
	fmt.Println("║                                                              ║")
	fmt.Println("║  Status:                                                     ║")
	for _, line := range statusLines {
		fmt.Printf("║  %-60s ║\n", line)
	}
	fmt.Println("║                                                              ║")
	fmt.Println("║  Endpoints:                                                  ║")
	fmt.Println("║    POST /v1/chat/completions  - Chat (SSE supported)         ║")
	fmt.Println("║    POST /v1/responses         - Responses API                ║")
	fmt.Println("║    POST /v1/images/generations- Image generation             ║")
	fmt.Println("║    POST /v1/audio/*           - Speech & transcription       ║")
	fmt.Println("║    GET  /v1/models            - List available models        ║")
	fmt.Println("║    GET  /v1/usage             - Token usage                  ║")
	fmt.Println("║    GET  /health               - Health check                 ║")
	fmt.Println("║                                                              ║")
	fmt.Println("║  Configuration:                                              ║")
	fmt.Printf("║    Providers: %-46s ║\n", cfg.ProvidersFile)
	fmt.Printf("║    Users:     %-46s ║\n", cfg.UsersFile)
	fmt.Println("║                                                              ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
}
