// Command volcano is the main entry point for the Volcano audio gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/volcano/internal/config"
	"github.com/MrWong99/volcano/internal/gateway"
	"github.com/MrWong99/volcano/internal/health"
	"github.com/MrWong99/volcano/internal/observe"
	"github.com/MrWong99/volcano/internal/pool"
	"github.com/MrWong99/volcano/internal/rest"
	"github.com/MrWong99/volcano/internal/source"
)

// soundcloudKeyPath is the one file of persisted state: the audio-share
// API key cache.
const soundcloudKeyPath = "./soundcloud.txt"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", config.DefaultPath, "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "volcano: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	applyLogLevel(level, cfg)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	printBanner(cfg)
	slog.Info("volcano starting",
		"config", *configPath,
		"listen_addr", cfg.Server.Addr(),
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Metrics ───────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "volcano"})
	if err != nil {
		slog.Error("failed to initialise metrics provider", "err", err)
		return 1
	}
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Sources ───────────────────────────────────────────────────────────────
	lls := cfg.Lavalink.Server
	sources := source.NewRegistry(source.Config{
		YouTube:          lls.Sources.YouTube,
		SoundCloud:       lls.Sources.SoundCloud,
		Local:            lls.Sources.Local,
		HTTP:             lls.Sources.HTTP,
		YouTubeSearch:    lls.YouTubeSearchEnabled,
		SoundCloudSearch: lls.SoundCloudSearchEnabled,
	}, soundcloudKeyPath)

	// ── Worker pool and gateway ───────────────────────────────────────────────
	workers := pool.New(pool.Options{Sources: sources})
	gw := gateway.New(gateway.Config{Password: lls.Password}, workers, metrics)

	restSrv := rest.New(rest.Config{Password: lls.Password}, sources, metrics)
	probes := health.New(
		health.Checker{Name: "rest", Check: restSrv.Ready},
	)

	// One listener carries both surfaces: websocket upgrades go to the
	// gateway, everything else to the REST mux.
	routes := restSrv.Routes(probes)
	root := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isWebsocketUpgrade(r) {
			gw.ServeHTTP(w, r)
			return
		}
		routes.ServeHTTP(w, r)
	})

	server := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: root,
	}

	// ── Config watcher: live log-level changes ────────────────────────────────
	watcher := config.Watch(*configPath, cfg, func(_, new *config.Config) {
		applyLogLevel(level, new)
	})
	defer watcher.Stop()

	// ── Run ───────────────────────────────────────────────────────────────────
	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server ready", "addr", cfg.Server.Addr())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		err := gw.Run(runCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-runCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		slog.Info("shutdown signal received, stopping…")
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}
		workers.Shutdown()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("metrics shutdown error", "err", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// applyLogLevel picks the effective slog level: the lavalink logger level
// when set, the root level otherwise.
func applyLogLevel(v *slog.LevelVar, cfg *config.Config) {
	lvl, ok := cfg.Logging.Level.Lavalink.Slog()
	if !ok || cfg.Logging.Level.Lavalink == "" {
		lvl, _ = cfg.Logging.Level.Root.Slog()
	}
	v.Set(lvl)
}

// isWebsocketUpgrade reports whether the request asks for a websocket.
func isWebsocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// printBanner writes the startup banner unless banner-mode is off.
func printBanner(cfg *config.Config) {
	if strings.EqualFold(cfg.Spring.Main.BannerMode, "off") {
		return
	}
	fmt.Fprintln(os.Stderr, `
 _    __      __
| |  / /___  / /________ _____  ____
| | / / __ \/ / ___/ __ '/ __ \/ __ \
| |/ / /_/ / / /__/ /_/ / / / / /_/ /
|___/\____/_/\___/\__,_/_/ /_/\____/
`)
}
