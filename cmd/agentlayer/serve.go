package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/polisai/agentlayer/internal/governance"
	agenttls "github.com/polisai/agentlayer/internal/tls"
	"github.com/polisai/agentlayer/pkg/config"
	"github.com/polisai/agentlayer/pkg/engine"
	"github.com/polisai/agentlayer/pkg/events"
	"github.com/polisai/agentlayer/pkg/logging"
	"github.com/polisai/agentlayer/pkg/server"
	"github.com/polisai/agentlayer/pkg/storage"
	"github.com/polisai/agentlayer/pkg/telemetry"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE:  runServe,
	}
	cmd.Flags().StringP("config", "c", "", "Path to configuration file (YAML)")
	cmd.Flags().String("addr", "", "Listen address, overrides server.address")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Address = addr
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level, _ = cmd.Flags().GetString("log-level")
	}
	if format, _ := cmd.Flags().GetString("log-format"); format != "" {
		cfg.Logging.Format = format
	}

	logger := logging.NewLogger(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
	}()

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close run store", "error", err)
		}
	}()

	var stream *events.Stream
	if cfg.Events.Stream.Enabled {
		stream = events.NewStream(events.StreamConfig{Buffer: cfg.Events.Stream.Buffer, Runs: cfg.Events.Stream.MaxRuns})
	}
	publisher, err := buildPublisher(cfg.Events, stream, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("failed to close event publisher", "error", err)
		}
	}()

	var redaction *telemetry.RedactionPolicy
	if len(cfg.Telemetry.Redaction) > 0 {
		redaction = &telemetry.RedactionPolicy{Keys: cfg.Telemetry.Redaction}
	}
	eng := engine.New(engine.Config{
		Registry:          newRegistry(cfg.LLM, logger),
		Logger:            logger,
		Workers:           cfg.Engine.Workers,
		DefaultTimeout:    cfg.Engine.DefaultTimeout,
		MaxConcurrentRuns: cfg.Engine.MaxConcurrentRuns,
		Publisher:         publisher,
		Store:             store,
		Redaction:         redaction,
	})

	srvCfg := server.Config{
		Engine:       eng,
		Store:        store,
		Stream:       stream,
		Logger:       logger,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	}
	if cfg.Constitution.File != "" {
		provider, err := config.NewConstitutionProvider(ctx, cfg.Constitution.File, config.ProviderOptions{
			Logger:   logger,
			Watch:    cfg.Constitution.Watch,
			Debounce: cfg.Constitution.Debounce,
		})
		if err != nil {
			return fmt.Errorf("default constitution: %w", err)
		}
		defer func() { _ = provider.Close() }()
		srvCfg.Constitutions = provider
	}
	if rl := cfg.Server.RateLimit; rl.RequestsPerSecond > 0 {
		srvCfg.RateLimiter = governance.NewRateLimiter(governance.RateLimiterConfig{
			RequestsPerSecond: rl.RequestsPerSecond,
			BurstSize:         rl.Burst,
			IdleTTL:           10 * time.Minute,
		})
	}

	api := server.New(srvCfg)
	httpServer := server.NewHTTPServer(cfg.Server.Address, api.Handler(), cfg.Server.ReadTimeout, cfg.Server.WriteTimeout)
	if cfg.Server.TLS.Enabled() {
		tlsConfig, closeTLS, err := buildServerTLS(cfg.Server.TLS, logger)
		if err != nil {
			return fmt.Errorf("tls: %w", err)
		}
		defer closeTLS()
		httpServer.TLSConfig = tlsConfig
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(httpServer, logger)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("http server failed", "error", err)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("shutdown error", "error", err)
		return err
	}
	logger.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.StorageConfig) (storage.RunStore, error) {
	switch cfg.Driver {
	case storage.DriverSQLite, storage.DriverPostgres:
		store, err := storage.OpenSQL(ctx, cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("run store: %w", err)
		}
		return store, nil
	default:
		return storage.NewMemoryRunStore(cfg.MemoryCapacity), nil
	}
}

func buildServerTLS(cfg config.TLSConfig, logger *slog.Logger) (*tls.Config, func(), error) {
	tlsCfg := agenttls.Config{CertFile: cfg.CertFile, KeyFile: cfg.KeyFile, ClientCAFile: cfg.ClientCAFile}
	if !cfg.Watch {
		serverTLS, err := agenttls.BuildServer(tlsCfg)
		return serverTLS, func() {}, err
	}
	reloader, err := agenttls.NewCertReloader(cfg.CertFile, cfg.KeyFile, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := reloader.Watch(); err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := reloader.Close(); err != nil {
			logger.Warn("failed to stop certificate watcher", "error", err)
		}
	}
	serverTLS, err := agenttls.BuildReloadingServer(tlsCfg, reloader)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return serverTLS, closeFn, nil
}

func buildPublisher(cfg config.EventsConfig, stream *events.Stream, logger *slog.Logger) (events.Multi, error) {
	var publishers []events.Publisher
	if stream != nil {
		publishers = append(publishers, stream)
	}
	if cfg.Log {
		publishers = append(publishers, events.NewLogPublisher(logger, slog.LevelDebug))
	}
	if cfg.MQTT.Broker != "" {
		mqtt, err := events.NewMQTTPublisher(events.MQTTConfig{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			Timeout:     cfg.MQTT.Timeout,
			Logger:      logger,
		})
		if err != nil {
			return nil, fmt.Errorf("mqtt events: %w", err)
		}
		publishers = append(publishers, mqtt)
	}
	return events.NewMulti(publishers...), nil
}
