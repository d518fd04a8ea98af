package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ent0n29/callrelay/internal/callstore"
	"github.com/ent0n29/callrelay/internal/config"
	"github.com/ent0n29/callrelay/internal/httpapi"
	"github.com/ent0n29/callrelay/internal/logger"
	"github.com/ent0n29/callrelay/internal/monitor"
	"github.com/ent0n29/callrelay/internal/observability"
	"github.com/ent0n29/callrelay/internal/registry"
	"github.com/ent0n29/callrelay/internal/relay"
	"github.com/ent0n29/callrelay/internal/telephony"
	"github.com/ent0n29/callrelay/internal/upstream"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the media stream relay server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	log, err := logger.Init(loggerOptions(cfg))
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	defer logger.Sync()

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := callstore.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("call store init failed: %w", err)
	}
	defer store.Close()

	mon, err := monitor.New(ctx, monitor.Config{
		Addr:       cfg.RedisAddr,
		Password:   cfg.RedisPassword,
		DB:         cfg.RedisDB,
		InstanceID: cfg.InstanceID,
	}, log.Named("monitor"))
	if err != nil {
		return fmt.Errorf("session monitor init failed: %w", err)
	}
	defer mon.Close()

	client := upstream.NewClient(upstream.Config{
		APIBaseURL:        cfg.ElevenLabsAPIBaseURL,
		RequestTimeout:    cfg.UpstreamConnectTimeout,
		RequestsPerSecond: cfg.UpstreamRPS,
		Burst:             cfg.UpstreamBurst,
		OnStage:           metrics.ObserveStage,
	}, log.Named("upstream"))

	var placer telephony.CallPlacer
	if cfg.TwilioConfigured() {
		p, err := telephony.NewTwilioPlacer(telephony.TwilioConfig{
			AccountSID:    cfg.TwilioAccountSID,
			AuthToken:     cfg.TwilioAuthToken,
			FromNumber:    cfg.TwilioFromNumber,
			PublicBaseURL: cfg.PublicBaseURL,
		}, log.Named("twilio"))
		if err != nil {
			log.Warn("outbound calling disabled", zap.Error(err))
		} else {
			placer = p
		}
	}

	reg := registry.New(cfg.HeartbeatInterval)
	api := httpapi.New(cfg, httpapi.Deps{
		Registry:  reg,
		Connector: relay.NewUpstreamConnector(client),
		Recorder:  relay.Recorders{callstore.Recorder{Store: store}, mon},
		Calls:     store,
		Placer:    placer,
		Metrics:   metrics,
		Logger:    log,
	})
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	reg.Start(runCtx)

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening",
			zap.String("addr", cfg.BindAddr),
			zap.String("media_stream_path", cfg.MediaStreamPath),
			zap.Bool("call_store_postgres", cfg.DatabaseURL != ""),
			zap.Bool("session_monitor", mon.Enabled()),
			zap.Bool("outbound_calling", placer != nil),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen error: %w", err)
	case <-runCtx.Done():
	}
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}
	if err := api.Shutdown(shutdownCtx); err != nil {
		log.Warn("call sessions did not drain", zap.Error(err))
	}

	log.Info("shutdown complete")
	return nil
}

func loggerOptions(cfg config.Config) logger.Options {
	return logger.Options{
		Env:        cfg.LogEnv,
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
		Compress:   true,
	}
}
