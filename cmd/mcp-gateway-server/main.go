package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	internalhttp "github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/api/http"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/api/http/handler"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/api/http/middleware"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/auth"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/browserpool"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/db"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/events"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/gateway"
	grpcserver "github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/grpc/server"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/grpc/tls"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/ipmatch"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/lease"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/metrics"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/ratelimit"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/sessions"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/storage"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/transport"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/users"
)

var AppVersion string

func main() {
	InitConfig()

	slog.Info("MCP Gateway Server", "version", AppVersion)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, config.Storage)
	if err != nil {
		slog.Error("Failed to open store", "type", config.Storage.Type, "error", err)
		os.Exit(1)
	}

	publisher, err := events.New(config.Events)
	if err != nil {
		slog.Error("Failed to connect event publisher", "error", err)
		os.Exit(1)
	}

	leases, err := lease.New(ctx, config.Lease)
	if err != nil {
		slog.Error("Failed to create lease manager", "type", config.Lease.Type, "error", err)
		os.Exit(1)
	}

	m := metrics.New()
	connector := browserpool.NewPlaywrightConnector()
	pool := browserpool.NewPool(connector, config.Pool, browserpool.WithStatusHook(func(c browserpool.Connection) {
		m.BrowserStatusChanged(c.Status)
		_ = publisher.Publish(context.Background(), events.Event{
			Type:      events.BrowserStatus,
			UserID:    c.UserID,
			BrowserID: c.BrowserID,
			Time:      time.Now(),
			Data:      map[string]string{"status": string(c.Status)},
		})
	}))
	registry := sessions.NewRegistry(config.Session)
	m.WatchState(pool.Stats, registry.Stats)

	tokens := auth.NewManager(config.Auth)
	login := auth.NewService(config.Admin)

	userFactory, err := config.RateLimit.User.Factory()
	if err != nil {
		slog.Error("Invalid rate limit config", "error", err)
		os.Exit(1)
	}
	userLimiter := ratelimit.NewPerUser(userFactory)
	globalLimiter := ratelimit.NewGlobal(config.RateLimit.Global)

	dispatcher := gateway.NewToolDispatcher("mcp-gateway", AppVersion)
	gateway.RegisterBrowserTools(dispatcher)
	gw := gateway.NewService(store, pool, registry, dispatcher,
		gateway.WithUserLimiter(userLimiter),
		gateway.WithLeases(leases),
		gateway.WithPublisher(publisher),
		gateway.WithObserver(m),
	)

	detector := browserpool.NewDetector(pool.Config().DetectionTimeout)
	userSvc := users.NewService(store, detector, gw, pool, tokens, publisher)

	allowedIPs, err := ipmatch.NewMatcher(ParseCommaSeparated(config.Http.AllowedIPs))
	if err != nil {
		slog.Error("Invalid IP whitelist", "error", err)
		os.Exit(1)
	}
	origins, err := ipmatch.NewOriginMatcher(ParseCommaSeparated(config.Http.AllowedOrigins))
	if err != nil {
		slog.Error("Invalid allowed origins", "error", err)
		os.Exit(1)
	}
	if allowedIPs.Enabled() {
		slog.Info("IP whitelist enabled", "patterns", allowedIPs.Patterns())
	}

	grpcOpts, err := tls.ServerOptions(config.Grpc.TLS)
	if err != nil {
		slog.Error("Failed to load gRPC TLS credentials", "error", err)
		os.Exit(1)
	}
	grpcSrv := grpcserver.NewServer(config.Grpc.Port, func(ctx context.Context) error {
		_, err := store.Stats(ctx)
		return err
	}, config.Grpc.ProbeInterval, grpcOpts...)

	services := &internalhttp.Services{
		Health:        handler.NewHealthHandler(pool, registry, store, AppVersion),
		Users:         handler.NewUserHandler(userSvc, pool),
		Gateway:       handler.NewGatewayHandler(gw, transport.NewUpgrader(origins.Allowed), transport.DefaultSSEKeepAlive),
		Admin:         handler.NewAdminHandler(login, tokens, store),
		Tokens:        tokens,
		JWTSecret:     config.Admin.JWTSecret,
		GlobalLimiter: globalLimiter,
		UserLimiter:   userLimiter,
		AllowedIPs:    allowedIPs,
		Metrics:       m,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(middleware.CORS(origins))
	engine.Use(gin.Recovery())
	internalhttp.SetupRoute(engine, services)

	go pool.Start(ctx)
	go registry.Start(ctx)
	go tokens.StartCleanup(ctx, config.Auth.Interval())
	go userLimiter.StartCleanup(ctx, config.RateLimit.User.Interval())

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Http.Port),
		Handler: engine,
	}

	errChan := make(chan error, 2)
	go func() {
		slog.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	if config.Grpc.Port > 0 {
		go func() {
			if err := grpcSrv.Start(); err != nil {
				errChan <- fmt.Errorf("gRPC server error: %w", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("Server error", "error", err)
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	}

	slog.Info("Shutting down servers...")
	cancel()

	var wg sync.WaitGroup
	shutdownTimeout := 10 * time.Second

	wg.Add(1)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if n := gw.Shutdown(ctx); n > 0 {
			slog.Info("Closed client sessions", "count", n)
		}
		if err := httpServer.Shutdown(ctx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		} else {
			slog.Info("HTTP server stopped")
		}
	}()

	if config.Grpc.Port > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := grpcSrv.StopWithTimeout(shutdownTimeout); err != nil {
				slog.Error("gRPC server shutdown error", "error", err)
			}
		}()
	}

	wg.Wait()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	pool.Stop(stopCtx)
	if err := connector.Close(); err != nil {
		slog.Warn("Failed to stop playwright driver", "error", err)
	}
	if err := leases.Close(); err != nil {
		slog.Warn("Failed to close lease manager", "error", err)
	}
	publisher.Close()
	if err := store.Close(); err != nil {
		slog.Error("Failed to close store", "error", err)
	}
	slog.Info("Shutdown complete")
}

func openStore(ctx context.Context, cfg StorageConfig) (*storage.Facade, error) {
	switch cfg.Type {
	case "", storage.BackendJSONL:
		logStore, err := storage.OpenLogStore(cfg.JSONL)
		if err != nil {
			return nil, err
		}
		return storage.NewLogFacade(logStore), nil
	case storage.BackendPostgres:
		if err := db.Migrate(ctx, cfg.Postgres); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		pgPool, err := db.Open(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		return storage.NewRelationalFacade(storage.NewPostgresStore(pgPool)), nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
