package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/igwedaniel/indexwatch/internal/api"
	"github.com/igwedaniel/indexwatch/internal/chain"
	"github.com/igwedaniel/indexwatch/internal/config"
	"github.com/igwedaniel/indexwatch/internal/messaging"
	"github.com/igwedaniel/indexwatch/internal/metrics"
	"github.com/igwedaniel/indexwatch/internal/monitor"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configFile string
		endpoint   string
	)

	cmd := &cobra.Command{
		Use:   "indexwatch",
		Short: "Monitor the indexing progress of a Safe transaction service",
		Long: `
Poll the indexing status endpoint of a Safe transaction service and track the
ERC20 and Master Copies pipelines: speed, blocks left, ETA and stalls.

Snapshots are served over HTTP and a websocket stream, exported as Prometheus
metrics and optionally published to RabbitMQ and Redis.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if cmd.Flags().Changed("endpoint") {
				cfg.Monitoring.Endpoint = endpoint
			}
			return run(cfg)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "path to a config file (default ./config/config.yaml)")
	cmd.Flags().StringVarP(&endpoint, "endpoint", "e", "", "transaction service base URL to watch at startup")

	return cmd
}

func run(cfg *config.Config) error {
	logger := setupLogger(cfg.Logging)
	logger.Info("Starting indexwatch")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metrics
	registry := prometheus.NewRegistry()
	m, err := metrics.New(registry)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	metricsServer := metrics.NewServer(fmt.Sprintf(":%d", cfg.Monitoring.MetricsPort), registry)
	metricsErr := metricsServer.Start()
	logger.Infof("Metrics server listening on :%d", cfg.Monitoring.MetricsPort)

	// Messaging
	publisher := buildPublisher(cfg, logger)
	defer publisher.Close()

	// Reference chain head
	var reference chain.HeadReader
	var providers api.ProviderReporter
	if len(cfg.Ethereum.ReferenceRPCURLs) > 0 {
		ref, err := chain.NewClient(ctx, &cfg.Ethereum, logger)
		if err != nil {
			logger.Warnf("Reference node unavailable, head lag will not be reported: %v", err)
		} else {
			reference = ref
			providers = ref
			defer ref.Close()
		}
	}

	manager := monitor.NewManager(cfg, publisher, reference, m, logger)
	hub := api.NewHub(m, logger)
	manager.AddSink(hub)

	if cfg.Monitoring.Endpoint != "" {
		if _, err := manager.Watch(cfg.Monitoring.Endpoint); err != nil {
			return fmt.Errorf("failed to watch %s: %w", cfg.Monitoring.Endpoint, err)
		}
	} else {
		logger.Info("No endpoint configured, waiting for POST /api/v1/watch")
	}

	apiServer := api.NewServer(&cfg.Server, manager, hub, 3*cfg.Monitoring.PollInterval, logger)
	if providers != nil {
		apiServer.WithProviders(providers)
	}
	if pinger, ok := publisher.(messaging.Pinger); ok {
		apiServer.WithBrokers(pinger)
	}
	apiErr := make(chan error, 1)
	go func() {
		apiErr <- apiServer.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case <-sigChan:
		logger.Info("Shutdown signal received, starting graceful shutdown...")
	case err := <-apiErr:
		runErr = err
	case err, ok := <-metricsErr:
		if ok {
			runErr = err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Errorf("Error stopping API server: %v", err)
	}

	manager.StopAll()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Error stopping metrics server: %v", err)
	}

	logger.Info("indexwatch stopped")
	return runErr
}

// buildPublisher connects every configured broker. A broker that cannot be
// reached is logged and skipped.
func buildPublisher(cfg *config.Config, logger *logrus.Logger) messaging.Publisher {
	multi := messaging.NewMultiPublisher()

	if cfg.RabbitMQ.URL != "" {
		p, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, logger)
		if err != nil {
			logger.Errorf("Failed to initialize RabbitMQ publisher: %v", err)
		} else {
			multi.Add("rabbitmq", p)
			logger.Info("RabbitMQ publisher initialized")
		}
	}

	if cfg.Redis.URL != "" {
		p, err := messaging.NewRedisPublisher(&cfg.Redis, logger)
		if err != nil {
			logger.Errorf("Failed to initialize Redis publisher: %v", err)
		} else {
			multi.Add("redis", p)
			logger.Info("Redis publisher initialized")
		}
	}

	if multi.Len() == 0 {
		logger.Info("No message broker configured, snapshots are served locally only")
		return &messaging.NoOpPublisher{}
	}
	return multi
}

func setupLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	}

	return logger
}
