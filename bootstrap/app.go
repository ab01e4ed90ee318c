// Package bootstrap is the composition root: it wires config, storage,
// the queue supervisor, ingestion, notification, detection, and
// correlation into one running App, and tears them down in dependency
// order on shutdown.
package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"signalwatch/config"
	"signalwatch/core"
	"signalwatch/correlate"
	"signalwatch/detect"
	"signalwatch/ingest"
	"signalwatch/model"
	"signalwatch/notify"
	"signalwatch/queue"
	"signalwatch/storage"
	"signalwatch/subscriber"
)

// detectionScanJobName mirrors ingest's unexported scanJobName constant:
// the job name ingest.Writer enqueues under and the name the scan worker
// registered here must consume.
const detectionScanJobName = "detection-scan"

// App holds every wired component of the signalwatch pipeline.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	Postgres            *storage.Postgres
	LogStore            *storage.LogStore
	ActivationStore     *storage.ActivationStore
	DetectionEventStore *storage.DetectionEventStore
	IncidentStore       *storage.IncidentStore

	Supervisor  *queue.Supervisor
	Writer      *ingest.Writer
	Publisher   *notify.Publisher
	Listener    *notify.Listener
	Subscribers *subscriber.Registry
	Catalog     *detect.Catalog
	Evaluator   *detect.Evaluator
	Correlator  *correlate.Correlator

	scanWorker queue.Worker
}

// NewApp loads configuration and constructs every component, but starts
// nothing that opens a goroutine or a listening connection — that's
// Start's job, so construction failures never leave background work
// running that Shutdown would need to unwind.
func NewApp(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, sugar, err := InitLogger(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	sugar.Info("signalwatch starting...")

	pg, err := storage.NewPostgres(cfg.DBURL, cfg.DBPoolSize, sugar)
	if err != nil {
		return nil, fmt.Errorf("init postgres: %w", err)
	}

	catalog, err := detect.LoadCatalog()
	if err != nil {
		_ = pg.Close()
		return nil, fmt.Errorf("load detection catalog: %w", err)
	}

	activationStore := storage.NewActivationStore(pg.DB, sugar)
	evaluator, err := detect.NewEvaluator(activationStore, catalog, 256, sugar)
	if err != nil {
		_ = pg.Close()
		return nil, fmt.Errorf("init rule evaluator: %w", err)
	}

	incidentStore := storage.NewIncidentStore(pg.DB, sugar)

	app := &App{
		Config:              cfg,
		Logger:              logger,
		Sugar:               sugar,
		Postgres:            pg,
		LogStore:            storage.NewLogStore(pg.DB, sugar),
		ActivationStore:     activationStore,
		DetectionEventStore: storage.NewDetectionEventStore(pg.DB, sugar),
		IncidentStore:       incidentStore,
		Supervisor:          queue.NewSupervisor(cfg, sugar),
		Publisher:           notify.NewPublisher(pg.DB, cfg.LogChannel, sugar),
		Subscribers:         subscriber.NewRegistry(sugar),
		Catalog:             catalog,
		Evaluator:           evaluator,
		Correlator:          correlate.NewCorrelator(incidentStore, sugar),
	}
	app.Listener = notify.NewListener(cfg.LogChannel, core.DefaultListenerBackoff(cfg.ListenerMaxReconnectAttempts), app.Subscribers, sugar)

	return app, nil
}

// Start opens the queue backend connection, the ingest queue, the
// detection-scan worker, and the notification listener, in that
// dependency order.
func (a *App) Start(ctx context.Context) error {
	if err := a.Supervisor.Start(ctx); err != nil {
		return fmt.Errorf("start queue supervisor: %w", err)
	}

	scanQueue, err := a.Supervisor.Queue(detectionScanJobName)
	if err != nil {
		return fmt.Errorf("open detection-scan queue: %w", err)
	}
	a.Writer = ingest.NewWriter(a.Postgres.DB, a.Publisher, scanQueue, a.Sugar)

	worker, err := a.Supervisor.Worker(ctx, detectionScanJobName, a.processScanJob)
	if err != nil {
		return fmt.Errorf("create detection-scan worker: %w", err)
	}
	a.scanWorker = worker
	worker.OnFailed(func(job *queue.Job, err error) {
		a.Sugar.Errorw("detection scan job failed", "job_id", job.ID, "error", err)
	})

	if err := a.Listener.Initialize(a.Config.DBURL); err != nil {
		return fmt.Errorf("start notification listener: %w", err)
	}

	a.Sugar.Info("signalwatch started")
	return nil
}

// processScanJob is the detection-scan job processor: it hydrates the
// logs a ScanJobPayload names, runs them through the rule evaluator, and
// folds every resulting DetectionEvent into the incident correlator.
// This is the consumer half of the pipeline ingest.Writer's
// enqueueBestEffort call starts (component I/J's entry point, named but
// left unimplemented in the evaluator/correlator packages themselves
// since neither owns a queue.Worker).
func (a *App) processScanJob(ctx context.Context, job *queue.Job) error {
	var payload ingest.ScanJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal scan job payload: %w", err)
	}

	logs, err := a.LogStore.GetByIDs(ctx, payload.TenantID, payload.ProjectID, payload.LogIDs)
	if err != nil {
		return fmt.Errorf("load logs for scan job: %w", err)
	}

	events, err := a.Evaluator.Evaluate(ctx, payload.TenantID, payload.ProjectID, logs)
	if err != nil {
		return fmt.Errorf("evaluate rules for scan job: %w", err)
	}

	for _, ev := range events {
		if err := a.DetectionEventStore.Save(ctx, ev); err != nil {
			return fmt.Errorf("save detection event %s: %w", ev.ID, err)
		}
		if _, err := a.Correlator.Correlate(ctx, ev, model.RuleFamily(ev.RuleID)); err != nil {
			return fmt.Errorf("correlate detection event %s: %w", ev.ID, err)
		}
	}
	return nil
}

// Shutdown tears components down in reverse dependency order, mirroring
// the teacher's App.Shutdown numbered-phase style.
func (a *App) Shutdown() {
	a.Sugar.Info("shutting down...")

	a.Sugar.Info("phase 1: stopping notification listener")
	if a.Listener != nil {
		a.Listener.Shutdown()
	}

	a.Sugar.Info("phase 2: stopping detection-scan worker")
	if a.scanWorker != nil {
		a.scanWorker.Stop()
	}
	if a.Writer != nil {
		a.Writer.Close()
	}

	a.Sugar.Info("phase 3: shutting down queue supervisor")
	if a.Supervisor != nil {
		if err := a.Supervisor.Shutdown(); err != nil {
			a.Sugar.Errorw("queue supervisor shutdown error", "error", err)
		}
	}

	a.Sugar.Info("phase 4: closing postgres connection")
	if a.Postgres != nil {
		if err := a.Postgres.Close(); err != nil {
			a.Sugar.Errorw("postgres close error", "error", err)
		}
	}

	a.Sugar.Info("shutdown complete")
	_ = a.Logger.Sync()
}

// WaitTimeout is how long Shutdown's caller should wait for in-flight
// work before giving up, mirroring the teacher's service-goroutine
// shutdown timeout.
const WaitTimeout = 15 * time.Second
