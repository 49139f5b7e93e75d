package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/netutil"

	httpadapter "github.com/kirillkom/plant-care-assistant/internal/adapters/http"
	mcpadapter "github.com/kirillkom/plant-care-assistant/internal/adapters/mcp"
	"github.com/kirillkom/plant-care-assistant/internal/bootstrap"
	"github.com/kirillkom/plant-care-assistant/internal/config"
	"github.com/kirillkom/plant-care-assistant/internal/observability/logging"
)

var version = "dev"

func main() {
	cfg := config.Load()
	logging.Init(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	openAPI, err := httpadapter.LoadOpenAPI()
	if err != nil {
		log.Fatalf("openapi error: %v", err)
	}

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		log.Fatalf("bootstrap error: %v", err)
	}
	defer app.Close()

	if cfg.ModelPreload {
		go func() {
			if err := app.Engine.Load(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("model_preload_failed", "error", err, "location", cfg.ModelLocation)
			}
		}()
	}
	go app.Sessions.RunSweeper(ctx, time.Minute)

	tools := mcpadapter.NewServer(version, app.Sessions, app.Species, mcpadapter.Options{MaxImageBytes: cfg.MaxImageBytes})
	router := httpadapter.NewRouter(cfg, httpadapter.Services{
		Sessions: app.Sessions,
		Species:  app.Species,
		Model:    app.Engine,
		Metrics:  app.Metrics,
		MCP:      tools.Handler(),
		OpenAPI:  openAPI,
	}).Handler()

	server := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	listener, err := net.Listen("tcp", ":"+cfg.APIPort)
	if err != nil {
		log.Fatalf("api listen error: %v", err)
	}
	if cfg.APIMaxConnections > 0 {
		listener = netutil.LimitListener(listener, cfg.APIMaxConnections)
	}

	go func() {
		slog.Info("api_listening", "addr", listener.Addr().String(), "max_connections", cfg.APIMaxConnections)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("api server error: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("api_shutdown_failed", "error", err)
	}
}
