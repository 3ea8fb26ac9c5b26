package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/agentfleet/conductor/internal/config"
	"github.com/agentfleet/conductor/internal/hub"
	"github.com/agentfleet/conductor/internal/runtime"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (defaults to the XDG config path)")
	host := flag.String("host", "", "Override hub listen host")
	port := flag.Int("port", 0, "Override hub listen port")
	flag.Parse()

	cfgPath := *configPath
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath()
	}

	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *host != "" {
		cfg.Hub.Host = *host
	}
	if *port > 0 {
		cfg.Hub.Port = *port
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	rt, err := runtime.New(cfg, logger)
	if err != nil {
		log.Fatalf("failed to initialize runtime: %v", err)
	}

	server := hub.NewServer(rt.Hub, cfg.Hub.AllowedOrigins, logger)
	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go rt.Run(ctx)

	httpServer := &http.Server{
		Addr:    net.JoinHostPort(cfg.Hub.Host, strconv.Itoa(cfg.Hub.Port)),
		Handler: mux,
	}

	reloadCh := make(chan os.Signal, 1)
	signal.Notify(reloadCh, syscall.SIGHUP)
	go reloadOnSIGHUP(reloadCh, cfgPath, cfg, rt, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Supervisor.ShutdownGrace+5*time.Second)
		defer shutdownCancel()
		if err := rt.Shutdown(shutdownCtx); err != nil {
			logger.Error("runtime shutdown error", "error", err)
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown error", "error", err)
		}
	}()

	logger.Info("conductor listening", "addr", httpServer.Addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}

// reloadOnSIGHUP re-reads the config file on every SIGHUP and applies the
// subset of tunables that can change without restarting a subsystem: the
// Hub's connection cap, broadcast throttle, and inbound rate limit, and
// the persisted permission rule set. Everything else (supervisor timeouts,
// watcher debounce, the subprocess binary) is baked into its subsystem at
// construction and needs a restart, same as the Go CLI binary it wraps.
// loaded tracks the config this goroutine last applied, kept separate from
// the startup cfg so it never races the shutdown path's reads of it.
func reloadOnSIGHUP(sigCh <-chan os.Signal, path string, loaded *config.Config, rt *runtime.Runtime, logger *slog.Logger) {
	for range sigCh {
		next, err := config.LoadOrDefault(path)
		if err != nil {
			logger.Warn("config reload failed, keeping previous config", "path", path, "error", err)
			continue
		}

		changes := config.Diff(loaded, next)
		if len(changes) == 0 {
			logger.Info("config reload: no changes")
			continue
		}
		logger.Info("config reload applying changes", "changes", changes)

		rt.Hub.SetConfig(hub.Config{
			MaxConnections:    next.Hub.MaxConnections,
			BroadcastThrottle: next.Hub.BroadcastThrottle,
			InboundRatePerSec: next.Hub.InboundRatePerSec,
			InboundBurst:      next.Hub.InboundBurst,
		})
		if err := rt.Permissions.Load(next.Paths.PermissionsFile); err != nil {
			logger.Warn("permission rules reload failed", "error", err)
		}

		loaded = next
	}
}
