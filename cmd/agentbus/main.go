package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentbus-dev/agentbus"
	"github.com/agentbus-dev/agentbus/agent"
	tracing "github.com/agentbus-dev/agentbus/internal/observability"
	"github.com/agentbus-dev/agentbus/pkg/config"
	"github.com/agentbus-dev/agentbus/pkg/observability"
	"github.com/agentbus-dev/agentbus/pkg/state"
)

var (
	// Version information (set via ldflags)
	Version = "dev"

	// Command line flags
	configFile = flag.String("config", getEnv("CONFIG_FILE", ""), "Runtime configuration file")
	httpPort   = flag.Int("http-port", getEnvInt("PORT", 0), "HTTP server port (overrides config)")
)

func main() {
	flag.Parse()

	log.Printf("Starting agentbus v%s", Version)

	cfg := config.Default()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			log.Fatalf("Config error: %v", err)
		}
		cfg = loaded
		log.Printf("Config: %s", *configFile)
	}
	if *httpPort != 0 {
		cfg.Server.Port = *httpPort
	}

	// Initialize tracing from OTEL_* environment variables
	if err := tracing.InitFromEnv(); err != nil {
		log.Printf("WARNING: tracing init failed: %v", err)
	}

	store, err := buildStateStore(cfg)
	if err != nil {
		log.Fatalf("State store error: %v", err)
	}

	rt := agentbus.New(
		agentbus.WithMailboxBufferSize(cfg.Runtime.MailboxBufferSize),
		agentbus.WithRPCTimeout(cfg.Runtime.RPCTimeout.AsDuration()),
		agentbus.WithMaxConcurrentPublish(cfg.Runtime.MaxConcurrentPublish),
		agentbus.WithMetrics(cfg.Runtime.EnableMetrics),
		agentbus.WithStateStore(store),
	)

	// Demo agent type: echoes RPCs and listens on the greetings topic.
	if err := rt.RegisterAgentType("echo", agentbus.NewEchoFactory()); err != nil {
		log.Fatalf("Register error: %v", err)
	}
	if _, err := rt.AddSubscription("greetings", "echo"); err != nil {
		log.Fatalf("Subscription error: %v", err)
	}

	ctx := context.Background()
	if err := rt.Start(ctx); err != nil {
		log.Fatalf("Runtime start error: %v", err)
	}

	// Observability server with health checks
	healthChecker := observability.InitHealthChecker()
	healthChecker.RegisterCheck(observability.PingCheck())
	healthChecker.RegisterCheck(observability.StateStoreCheck(func(ctx context.Context) error {
		probe := agent.NewID("healthcheck", "probe")
		if err := rt.SaveState(ctx, probe, []byte("ok")); err != nil {
			return err
		}
		return rt.DeleteState(ctx, probe)
	}))
	healthChecker.RegisterCheck(observability.DispatchLoopCheck(rt.Health))

	obsServer := observability.NewServer(cfg.Server.Port)
	errChan := make(chan error, 1)
	go func() {
		log.Printf("Starting HTTP server on :%d", cfg.Server.Port)
		if err := obsServer.Start(); err != nil {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	// Wait for shutdown signal or error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		log.Printf("Error: %v", err)
	case <-quit:
		log.Println("Shutting down...")
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := obsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	if err := rt.Stop(shutdownCtx); err != nil {
		log.Printf("Runtime shutdown error: %v", err)
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Printf("Tracing shutdown error: %v", err)
	}

	log.Println("Stopped")
}

func buildStateStore(cfg *config.Config) (state.Store, error) {
	switch cfg.State.Backend {
	case "memory", "":
		return state.NewMemoryStore(), nil
	case "file":
		return state.NewFileStore(cfg.State.BaseDir)
	case "redis":
		return state.NewRedisStore(state.RedisConfig{
			Addr:     cfg.State.Redis.Addr,
			Password: cfg.State.Redis.Password,
			DB:       cfg.State.Redis.DB,
			Prefix:   cfg.State.Redis.Prefix,
			StateTTL: cfg.State.Redis.StateTTL.AsDuration(),
		})
	default:
		return nil, fmt.Errorf("unknown state backend: %s", cfg.State.Backend)
	}
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var i int
		if _, err := fmt.Sscanf(value, "%d", &i); err == nil {
			return i
		}
	}
	return defaultValue
}
