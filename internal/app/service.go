package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"alertdelivery/internal/adapter"
	"alertdelivery/internal/clock"
	"alertdelivery/internal/config"
	"alertdelivery/internal/domain"
	"alertdelivery/internal/engine"
	"alertdelivery/internal/ingest"
	"alertdelivery/internal/ledger"
	"alertdelivery/internal/logging"
	"alertdelivery/internal/metrics"
	"alertdelivery/internal/policy"
	"alertdelivery/internal/queue"
)

// Service composes runtime dependencies and process lifecycle.
// Params: config source and shared runtime components.
// Returns: runnable delivery service.
type Service struct {
	source      config.ConfigSource
	cfg         config.Config
	logger      *slog.Logger
	closeLog    func()
	store       ledger.Ledger
	engine      *engine.Engine
	httpSrv     *http.Server
	queueWorker interface{ Close() error }
	queuePub    queue.Producer
	readyFlag   atomic.Bool
	clock       clock.Clock
}

// NewService builds service instance from config source.
// Params: config source and clock implementation.
// Returns: initialized service or setup error.
func NewService(source config.ConfigSource, clk clock.Clock) (*Service, error) {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	store, err := buildLedger(cfg, clk)
	if err != nil {
		closeLog()
		return nil, err
	}

	window, err := policy.ParseWindow(cfg.QuietHours.Start, cfg.QuietHours.End)
	if err != nil {
		_ = store.Close()
		closeLog()
		return nil, err
	}

	registry := adapter.NewRegistry(cfg.Adapters)
	promMetrics := metrics.New()

	deliveryEngine := engine.New(engine.Options{
		Ledger:            store,
		Adapters:          registry,
		Clock:             clk,
		Logger:            logger,
		Metrics:           promMetrics,
		DefaultQuietHours: window,
		MaxGenerations:    cfg.Escalation.MaxGenerations,
		RetryOnTransient:  cfg.Escalation.TransientRetryEnabled(),
		AdapterTimeout: func(channel domain.ChannelType) time.Duration {
			return config.AdapterTimeout(cfg, string(channel))
		},
	})

	service := &Service{
		source:   source,
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		store:    store,
		engine:   deliveryEngine,
		clock:    clk,
	}

	service.buildHTTPServer(promMetrics)
	if err := service.buildEscalationQueue(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}

	return service, nil
}

// Run starts service lifecycle and blocks until shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	shutdownCtx, shutdownCancel := context.WithCancel(ctx)
	defer shutdownCancel()

	go s.engine.Run(shutdownCtx)

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "listen", s.cfg.HTTP.Listen)
		err := s.httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.readyFlag.Store(true)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errChan:
		_ = s.shutdown()
		return fmt.Errorf("http server failed: %w", err)
	case <-sigChan:
		return s.shutdown()
	}
}

// shutdown closes runtime resources in dependency order.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	s.readyFlag.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var firstErr error
	markErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("http shutdown failed", "error", err.Error())
		markErr(fmt.Errorf("http shutdown: %w", err))
	}
	if s.queueWorker != nil {
		if err := s.queueWorker.Close(); err != nil {
			s.logger.Error("escalation queue worker close failed", "error", err.Error())
			markErr(fmt.Errorf("escalation queue worker close: %w", err))
		}
	}
	if s.queuePub != nil {
		if err := s.queuePub.Close(); err != nil {
			s.logger.Error("escalation queue producer close failed", "error", err.Error())
			markErr(fmt.Errorf("escalation queue producer close: %w", err))
		}
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error("ledger close failed", "error", err.Error())
		markErr(fmt.Errorf("ledger close: %w", err))
	}
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// cleanupInitResources closes partially initialized resources on startup failures.
// Params: none.
// Returns: all acquired resources closed best-effort.
func (s *Service) cleanupInitResources() {
	if s.queueWorker != nil {
		_ = s.queueWorker.Close()
		s.queueWorker = nil
	}
	if s.queuePub != nil {
		_ = s.queuePub.Close()
		s.queuePub = nil
	}
	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
		s.httpSrv = nil
	}
	if s.store != nil {
		_ = s.store.Close()
		s.store = nil
	}
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
}

// buildHTTPServer wires router with API, metrics, and health endpoints.
// Params: metrics registry for the scrape endpoint.
// Returns: server stored on the service.
func (s *Service) buildHTTPServer(promMetrics *metrics.Metrics) {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.HTTP.HealthPath, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	})
	mux.HandleFunc(s.cfg.HTTP.ReadyPath, func(writer http.ResponseWriter, _ *http.Request) {
		if !s.readyFlag.Load() {
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("not-ready"))
			return
		}
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ready"))
	})
	mux.Handle(s.cfg.HTTP.MetricsPath, promMetrics.Handler())

	if s.cfg.HTTP.Enabled {
		api := ingest.NewAPI(s.engine, s.clock, s.logger, s.cfg.HTTP.MaxBodyBytes)
		api.Register(mux)
	}

	s.httpSrv = &http.Server{
		Addr:              s.cfg.HTTP.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// buildEscalationQueue wires the durable escalation queue when enabled.
// Due timers publish jobs to JetStream and workers replay them through
// Engine.Escalate, so cycles survive process restarts.
// Params: none.
// Returns: setup error.
func (s *Service) buildEscalationQueue() error {
	if isSingleMode(s.cfg) || !s.cfg.Queue.Enabled {
		return nil
	}

	producer, err := queue.NewNATSProducer(s.cfg.Queue)
	if err != nil {
		return err
	}
	worker, err := queue.NewNATSWorker(s.cfg.Queue, s.logger, func(ctx context.Context, job queue.Job) error {
		anchor, err := domain.ParseDeliveryKey(job.DeliveryID)
		if err != nil {
			return fmt.Errorf("malformed escalation job %s: %w", job.ID, err)
		}
		return s.engine.Escalate(ctx, engine.EscalationRequest{
			Anchor:               anchor,
			Message:              job.Message,
			Recipient:            job.Recipient,
			EscalationRecipients: job.EscalationRecipients,
			Generation:           job.Generation,
		})
	})
	if err != nil {
		_ = producer.Close()
		return err
	}

	s.queuePub = producer
	s.queueWorker = worker
	s.engine.SetEscalationSink(func(ctx context.Context, req engine.EscalationRequest) error {
		return producer.Enqueue(ctx, queue.Job{
			ID:                   queue.BuildJobID(req.Anchor.String(), req.Generation),
			MessageID:            req.Anchor.MessageID,
			RecipientID:          req.Anchor.RecipientID,
			DeliveryID:           req.Anchor.String(),
			Generation:           req.Generation,
			Message:              req.Message,
			Recipient:            req.Recipient,
			EscalationRecipients: req.EscalationRecipients,
			CreatedAt:            s.clock.Now(),
		})
	})
	return nil
}

// buildLedger creates the delivery ledger backend from config.
// Params: root config snapshot and clock.
// Returns: selected ledger backend.
func buildLedger(cfg config.Config, clk clock.Clock) (ledger.Ledger, error) {
	switch cfg.Ledger.Backend {
	case config.LedgerBackendNATS:
		return ledger.NewNATSLedger(cfg.Ledger.NATS)
	case config.LedgerBackendRedis:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return ledger.NewRedisLedger(ctx, cfg.Ledger.Redis)
	default:
		return ledger.NewMemoryLedger(), nil
	}
}

func isSingleMode(cfg config.Config) bool {
	return cfg.Service.Mode == config.ServiceModeSingle
}
