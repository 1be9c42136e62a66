// cmd/txnpipe/app.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/David-Botos/txn-pipeline/pkg/anomaly"
	"github.com/David-Botos/txn-pipeline/pkg/config"
	"github.com/David-Botos/txn-pipeline/pkg/events"
	"github.com/David-Botos/txn-pipeline/pkg/logging"
	"github.com/David-Botos/txn-pipeline/pkg/model"
	"github.com/David-Botos/txn-pipeline/pkg/pipeline"
	"github.com/David-Botos/txn-pipeline/pkg/store"
	"github.com/David-Botos/txn-pipeline/pkg/store/memory"
	"github.com/David-Botos/txn-pipeline/pkg/store/postgres"
)

// application holds the process-wide dependencies of one command
type application struct {
	cfg       *config.Config
	logger    *zap.Logger
	store     store.Storage
	publisher events.Publisher
	orch      *pipeline.Orchestrator
	defaults  model.PipelineConfig

	metricsSrv *http.Server
	telemetry  *telemetry
}

// loadConfig reads the environment and applies command-line overrides
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if pipelineConfig != "" {
		cfg.PipelineConfigPath = pipelineConfig
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, logging.Options{
		Sampling: true,
		Fields:   map[string]string{"service": "txnpipe", "version": version},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

func newApplication(ctx context.Context) (_ *application, err error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	a := &application{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if a.defaults, err = config.LoadPipelineConfig(cfg.PipelineConfigPath); err != nil {
		return nil, err
	}

	if a.telemetry, err = newTelemetry(ctx, cfg, logger); err != nil {
		return nil, err
	}

	switch cfg.StoreKind {
	case config.StorePostgres:
		pg, err := postgres.Open(ctx, cfg.Postgres, logger)
		if err != nil {
			return nil, err
		}
		a.store = pg
	default:
		a.store = memory.New()
	}

	if a.publisher, err = newPublisher(cfg, logger); err != nil {
		return nil, err
	}

	detector, err := anomaly.NewDetector(cfg.Detector, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create detector: %w", err)
	}

	opts := []pipeline.Option{
		pipeline.WithDefaults(a.defaults),
		pipeline.WithPublisher(a.publisher),
		pipeline.WithPool(cfg.WorkerPoolSize, cfg.BatchSize),
		pipeline.WithStageMetrics(pipeline.NewStageMetrics(logger)),
	}
	if detector != nil {
		opts = append(opts, pipeline.WithDetector(detector, cfg.Detector.Timeout))
	}
	a.orch = pipeline.NewOrchestrator(a.store, logger, opts...)

	if cfg.MetricsAddr != "" {
		a.metricsSrv = startMetricsServer(cfg.MetricsAddr, logger)
	}

	logger.Debug("Application ready",
		zap.String("store", cfg.StoreKind),
		zap.String("detector", cfg.Detector.Kind),
		zap.Bool("events", cfg.NATSURL != ""))
	return a, nil
}

// newPublisher connects to NATS when NATS_URL is set
func newPublisher(cfg *config.Config, logger *zap.Logger) (events.Publisher, error) {
	if cfg.NATSURL == "" {
		return events.NopPublisher{}, nil
	}
	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("txnpipe"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return events.NewNATSPublisher(nc, events.DefaultSubjectPrefix, logger), nil
}

func startMetricsServer(addr string, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("Serving metrics", zap.String("addr", addr))
	return srv
}

// Close releases every dependency, flushing metrics and events first
func (a *application) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var g errgroup.Group
	if a.publisher != nil {
		g.Go(a.publisher.Close)
	}
	if a.telemetry != nil {
		g.Go(func() error { return a.telemetry.Shutdown(ctx) })
	}
	if a.metricsSrv != nil {
		g.Go(func() error { return a.metricsSrv.Shutdown(ctx) })
	}
	err := g.Wait()

	if a.store != nil {
		if cerr := a.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if a.logger != nil {
		if serr := logging.Sync(a.logger); serr != nil && err == nil {
			err = serr
		}
	}
	return err
}
