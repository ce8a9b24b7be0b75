package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/pysugar/anygate/internal/config"
	"github.com/pysugar/anygate/internal/convert"
	"github.com/pysugar/anygate/internal/logging"
	"github.com/pysugar/anygate/internal/proxy"
	"github.com/pysugar/anygate/internal/proxy/handlers"
	"github.com/pysugar/anygate/internal/store"
	"github.com/pysugar/anygate/internal/upstream"
	"github.com/pysugar/anygate/internal/version"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	logging.SetupBaseLogger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logging.SetLevel(cfg.Logging.Level)
	if err := logging.ConfigureLogOutput(cfg.Logging.ToFile); err != nil {
		log.Fatalf("configure logging: %v", err)
	}

	s, err := store.Open(cfg.Database.Path)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	if cfg.Bootstrap {
		if err := s.Bootstrap(); err != nil {
			log.Fatalf("bootstrap: %v", err)
		}
	}

	targets := upstream.NewTargets()
	applyUpstreamConfig(cfg, targets)
	client := upstream.NewClient(targets)
	client.SetTimeout(time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second)
	dispatcher := proxy.NewDispatcher(s, client)

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handlers.NewRouter(dispatcher, s),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("anygate %s listening on %s", version.Version, cfg.Addr())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		// Only log level and base URLs take effect without a restart.
		err := config.Watch(ctx, *configPath, func(next *config.Config) {
			logging.SetLevel(next.Logging.Level)
			applyUpstreamConfig(next, targets)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warnf("config watch stopped: %v", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("server exited: %v", err)
	}
	log.Info("shutdown complete")
}

func applyUpstreamConfig(cfg *config.Config, targets *upstream.Targets) {
	if cfg.Upstream.OpenAIBaseURL != "" {
		targets.SetBaseURL(convert.FormatOpenAI, cfg.Upstream.OpenAIBaseURL)
	}
	if cfg.Upstream.GeminiBaseURL != "" {
		targets.SetBaseURL(convert.FormatGemini, cfg.Upstream.GeminiBaseURL)
	}
	if cfg.Upstream.ClaudeBaseURL != "" {
		targets.SetBaseURL(convert.FormatClaude, cfg.Upstream.ClaudeBaseURL)
	}
}
