package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/book-expert/logger"
	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/rberketuran/music-generation-backend/internal/api"
	"github.com/rberketuran/music-generation-backend/internal/composition"
	"github.com/rberketuran/music-generation-backend/internal/config"
	"github.com/rberketuran/music-generation-backend/internal/conversion"
	"github.com/rberketuran/music-generation-backend/internal/core"
	"github.com/rberketuran/music-generation-backend/internal/engine"
	"github.com/rberketuran/music-generation-backend/internal/events"
	"github.com/rberketuran/music-generation-backend/internal/intake"
	"github.com/rberketuran/music-generation-backend/internal/job"
	"github.com/rberketuran/music-generation-backend/internal/media"
	"github.com/rberketuran/music-generation-backend/internal/objectstore"
	"github.com/rberketuran/music-generation-backend/internal/observability"
	"github.com/rberketuran/music-generation-backend/internal/provider"
	"github.com/rberketuran/music-generation-backend/internal/worker"
	"go.opentelemetry.io/otel"
)

const (
	natsClientName      = "studio-service"
	readHeaderTimeout   = 10 * time.Second
	telemetryShutdownTO = 5 * time.Second
)

// service holds the long-lived components of the process.
type service struct {
	cfg     *config.Config
	log     *logger.Logger
	store   *job.Store
	pool    *worker.Pool
	sweeper *job.Sweeper
	intake  *intake.NatsIntake
	server  *http.Server
	nc      *nats.Conn
	otel    *observability.Providers
}

func newService(cfg *config.Config, log *logger.Logger) (*service, error) {
	svc := &service{cfg: cfg, log: log}

	providers, err := observability.NewProviders(observability.ProvidersConfig{
		Exporter:       cfg.Telemetry.Exporter,
		ServiceName:    cfg.Telemetry.ServiceName,
		ExportInterval: cfg.Telemetry.ExportInterval(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}

	providers.InstallGlobal()
	svc.otel = providers
	log.Info("Telemetry exporter: %s", cfg.Telemetry.Exporter)

	tracer := observability.NewTracer(otel.GetTracerProvider())
	metrics := observability.NewMetrics(otel.GetMeterProvider())

	svc.store = job.NewStore(log)
	svc.store.Subscribe(metrics.Listener())

	err = svc.connectNATS()
	if err != nil {
		svc.close()

		return nil, err
	}

	artifacts, err := svc.artifactStore()
	if err != nil {
		svc.close()

		return nil, err
	}

	svc.pool, err = worker.NewPool(cfg.Conversion.Workers, cfg.Conversion.QueueSize, log)
	if err != nil {
		svc.close()

		return nil, fmt.Errorf("failed to start worker pool: %w", err)
	}

	if cfg.Conversion.TempDir != "" {
		err = media.EnsureDir(cfg.Conversion.TempDir)
		if err != nil {
			svc.close()

			return nil, err
		}
	}

	deliveryFormat, _ := media.ParseFormat(cfg.Conversion.DeliveryFormat)

	conversions := conversion.NewController(
		conversion.Config{TempDir: cfg.Conversion.TempDir, DeliveryFormat: deliveryFormat},
		conversion.Dependencies{
			Store:     svc.store,
			Scheduler: svc.pool,
			Engine: engine.New(engine.Config{
				BinaryPath: cfg.Conversion.EngineBinary,
				ModelPath:  cfg.Conversion.ModelPath,
				IndexPath:  cfg.Conversion.IndexPath,
				Timeout:    cfg.Conversion.Timeout(),
			}, log),
			Transcoder: media.NewFFmpegTranscoder(cfg.Transcoder.FFmpegBinary, cfg.Transcoder.Quality(), log),
			Artifacts:  artifacts,
			Tracer:     tracer,
			Metrics:    metrics,
			Log:        log,
		})

	if svc.nc != nil && cfg.NATS.IntakeSubject != "" {
		svc.intake = intake.NewNatsIntake(svc.nc, cfg.NATS.IntakeSubject, artifacts, conversions, log)
		log.Info("Accepting conversion requests on %s", cfg.NATS.IntakeSubject)
	}

	compositions, err := svc.compositionController(artifacts, tracer, metrics)
	if err != nil {
		svc.close()

		return nil, err
	}

	svc.sweeper = job.NewSweeper(svc.store, cfg.Jobs.Retention(), cfg.Jobs.SweepInterval(),
		func(ctx context.Context, record job.Record) {
			switch record.Kind {
			case job.KindConversion:
				conversions.Evict(ctx, record)
			case job.KindComposition:
				if compositions != nil {
					compositions.Evict(ctx, record)
				}
			}
		}, log)

	var compositionService api.CompositionService
	if compositions != nil {
		compositionService = compositions
	}

	gin.SetMode(cfg.Server.GinMode)

	var handler http.Handler = api.NewServer(compositionService, conversions, cfg.Server.MaxUploadBytes(), log).NewRouter()
	if cfg.Server.EnableServerTiming {
		handler = observability.ServerTimingMiddleware(handler)
	}

	svc.server = &http.Server{
		Addr:              cfg.Server.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return svc, nil
}

func (s *service) connectNATS() error {
	if s.cfg.NATS.URL == "" {
		s.log.Info("NATS disabled, job events will not be published")

		return nil
	}

	nc, err := nats.Connect(s.cfg.NATS.URL, nats.Name(natsClientName))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", s.cfg.NATS.URL, err)
	}

	s.nc = nc
	s.store.Subscribe(events.NewPublisher(nc, s.cfg.NATS.EventsSubject, s.log).Listener())
	s.log.Info("Publishing job events on %s.>", s.cfg.NATS.EventsSubject)

	return nil
}

func (s *service) artifactStore() (core.ObjectStore, error) {
	switch s.cfg.Artifacts.Backend {
	case config.BackendMemory:
		s.log.Warn("Storing artifacts in memory, they will not survive a restart")

		return objectstore.NewMemoryStore(), nil
	case config.BackendFilesystem:
		store, err := objectstore.NewFileStore(s.cfg.Artifacts.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to open artifact directory: %w", err)
		}

		s.log.Info("Storing artifacts in %s", s.cfg.Artifacts.Dir)

		return store, nil
	}

	js, err := s.nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	store, err := objectstore.New(js, s.cfg.Artifacts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact bucket %s: %w", s.cfg.Artifacts.Bucket, err)
	}

	s.log.Info("Storing artifacts in object store bucket %s", s.cfg.Artifacts.Bucket)

	return store, nil
}

// compositionController returns nil without an error when no API key is configured.
func (s *service) compositionController(
	artifacts core.ObjectStore,
	tracer *observability.Tracer,
	metrics *observability.Metrics,
) (*composition.Controller, error) {
	cfg := s.cfg.Composition

	remote, err := provider.NewClient(provider.Config{
		BaseURL:          cfg.BaseURL,
		APIKey:           os.Getenv(cfg.APIKeyEnv),
		ComposePath:      cfg.ComposePath,
		StatusPath:       cfg.StatusPath,
		AudioPath:        cfg.AudioPath,
		SubscriptionPath: cfg.SubscriptionPath,
		Timeout:          cfg.Timeout(),
	}, tracer, metrics, s.log)
	if errors.Is(err, provider.ErrMissingAPIKey) {
		s.log.Warn("%s is not set, composition endpoints are disabled", cfg.APIKeyEnv)

		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create composition provider client: %w", err)
	}

	return composition.NewController(s.store, remote, artifacts, cfg.DefaultVocalGender, tracer, s.log), nil
}

func (s *service) close() {
	if s.nc != nil {
		err := s.nc.Drain()
		if err != nil {
			s.log.Warn("Failed to drain NATS connection: %v", err)
		}
	}

	if s.otel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTO)
		defer cancel()

		err := s.otel.Shutdown(ctx)
		if err != nil {
			s.log.Warn("Failed to flush telemetry: %v", err)
		}
	}
}
