// Package service is the composition root: it owns every collaborator,
// wires them together once at startup, and exposes the fleet operations
// the CLI, tools, and pipelines call.
package service

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kiln-farm/kiln/pkg/billing"
	"github.com/kiln-farm/kiln/pkg/config"
	"github.com/kiln-farm/kiln/pkg/credentials"
	"github.com/kiln-farm/kiln/pkg/dna"
	"github.com/kiln-farm/kiln/pkg/events"
	"github.com/kiln-farm/kiln/pkg/fault"
	"github.com/kiln-farm/kiln/pkg/fulfillment"
	"github.com/kiln-farm/kiln/pkg/observability"
	"github.com/kiln-farm/kiln/pkg/payments"
	"github.com/kiln-farm/kiln/pkg/pipelines"
	"github.com/kiln-farm/kiln/pkg/printer"
	"github.com/kiln-farm/kiln/pkg/progress"
	"github.com/kiln-farm/kiln/pkg/queue"
	"github.com/kiln-farm/kiln/pkg/registry"
	"github.com/kiln-farm/kiln/pkg/reputation"
	"github.com/kiln-farm/kiln/pkg/safety"
	"github.com/kiln-farm/kiln/pkg/store"
	"github.com/kiln-farm/kiln/pkg/tools"
	"github.com/kiln-farm/kiln/pkg/watcher"
)

// Service holds the wired fleet. Construct it once with New; every
// collaborator is shared, never rebuilt per call.
type Service struct {
	cfg *config.Config

	db     *sql.DB
	credDB *sql.DB

	bus   *events.Bus
	async *events.AsyncBus

	eventStore *store.EventStore
	jobStore   *store.JobStore
	settings   *store.SettingsStore

	creds       *credentials.Store
	registry    *registry.Registry
	queue       *queue.Queue
	safety      *safety.Coordinator
	estimator   *progress.Estimator
	watchers    *watcher.Registry
	archiver    watcher.Archiver
	ledger      *billing.Ledger
	payments    *payments.Manager
	fulfillment *fulfillment.Orchestrator
	reputation  *reputation.Service
	dna         *dna.Store
	pipelines   *pipelines.Engine
	tools       *tools.Registry
	health      *observability.HealthTracker
	obs         *observability.Provider

	// pollInterval paces WaitForIdle's state polling.
	pollInterval time.Duration
}

// New opens the databases and wires the full collaborator graph.
// Restore/Recover run before it returns, so the fleet and queue reflect
// the last shutdown.
func New(ctx context.Context, cfg *config.Config) (*Service, error) {
	if cfg == nil {
		cfg = config.Load()
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "service: open database", err)
	}

	s := &Service{
		cfg:          cfg,
		db:           db,
		pollInterval: 2 * time.Second,
	}

	if err := s.wire(ctx); err != nil {
		db.Close()
		if s.credDB != nil {
			s.credDB.Close()
		}
		return nil, err
	}
	return s, nil
}

func (s *Service) wire(ctx context.Context) error {
	cfg := s.cfg

	jobStore, err := store.NewJobStore(s.db)
	if err != nil {
		return fault.Wrap(fault.KindInternal, "service: job store", err)
	}
	eventStore, err := store.NewEventStore(s.db)
	if err != nil {
		return fault.Wrap(fault.KindInternal, "service: event store", err)
	}
	printerStore, err := store.NewPrinterStore(s.db)
	if err != nil {
		return fault.Wrap(fault.KindInternal, "service: printer store", err)
	}
	settings, err := store.NewSettingsStore(s.db)
	if err != nil {
		return fault.Wrap(fault.KindInternal, "service: settings store", err)
	}
	s.jobStore = jobStore
	s.eventStore = eventStore
	s.settings = settings

	credDB, err := store.Open(cfg.CredentialDBPath)
	if err != nil {
		return fault.Wrap(fault.KindInternal, "service: open credential database", err)
	}
	s.credDB = credDB

	masterKey, err := credentials.ResolveMasterKey(cfg.MasterKey, "")
	if err != nil {
		return fault.Wrap(fault.KindInternal, "service: resolve master key", err)
	}
	creds, err := credentials.NewStore(credDB, masterKey)
	if err != nil {
		return fault.Wrap(fault.KindInternal, "service: credential store", err)
	}
	s.creds = creds

	s.bus = events.NewBusWithHistory(256)
	s.async = events.NewAsyncBus(cfg.EventQueueSize)
	s.bus.AttachAsync(s.async)

	// Every event is journaled off the hot path.
	s.async.SubscribeAll(func(ev events.Event) {
		if err := eventStore.Append(context.Background(), ev); err != nil {
			slog.Warn("service: failed to journal event", "type", ev.Type, "error", err)
		}
	})
	s.async.Start()

	s.registry = registry.New(
		registry.WithStore(printerStore),
		registry.WithCredentials(creds),
		registry.WithBus(s.bus),
	)
	s.queue = queue.New(
		queue.WithStore(jobStore),
		queue.WithBus(s.bus),
	)
	s.safety = safety.New(s.registry, safety.WithBus(s.bus))
	s.estimator = progress.NewEstimator()
	s.watchers = watcher.NewRegistry(s.bus)
	s.health = observability.NewHealthTracker()

	// Telemetry exports only when a collector endpoint is configured;
	// otherwise the provider's instruments are no-ops.
	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.OTLPEndpoint != ""
	if obsCfg.Enabled {
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		return fault.Wrap(fault.KindInternal, "service: observability", err)
	}
	s.obs = obs
	s.bus.Subscribe(events.TypeVisionCheck, func(ev events.Event) {
		if status, _ := ev.Data["status"].(string); status == string(printer.StatusError) {
			watchID, _ := ev.Data["watch_id"].(string)
			printerName, _ := ev.Data["printer"].(string)
			s.obs.RecordWatchAlert(context.Background(),
				observability.WatchAlert(watchID, "printer_error", printerName)...)
		}
	})

	if cfg.SnapshotBucket != "" {
		archiver, err := watcher.OpenArchiver(ctx, cfg.SnapshotBucket, "snapshots")
		if err != nil {
			slog.Warn("service: snapshot archival disabled", "bucket", cfg.SnapshotBucket, "error", err)
		} else {
			s.archiver = archiver
		}
	}

	chargeStore, err := billing.NewSQLiteChargeStore(s.db)
	if err != nil {
		return fault.Wrap(fault.KindInternal, "service: charge store", err)
	}
	s.ledger = billing.NewLedger(billing.DefaultFeePolicy(), chargeStore)

	s.payments = payments.NewManager(s.ledger,
		payments.WithBus(s.bus),
		payments.WithDefaultRail(cfg.DefaultRail),
	)
	if cfg.StripeSecretKey != "" {
		s.payments.Register(payments.NewStripe(cfg.StripeSecretKey, ""))
	}
	if cfg.CircleAPIKey != "" {
		s.payments.Register(payments.NewCircle(cfg.CircleAPIKey, ""))
	}

	rep, err := reputation.NewService(s.db)
	if err != nil {
		return fault.Wrap(fault.KindInternal, "service: reputation", err)
	}
	s.reputation = rep

	var cache fulfillment.QuoteCache
	if cfg.RedisAddr != "" {
		cache = fulfillment.NewRedisCache(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
	} else {
		sqlCache, err := fulfillment.NewSQLiteCache(s.db)
		if err != nil {
			return fault.Wrap(fault.KindInternal, "service: quote cache", err)
		}
		cache = sqlCache
	}
	s.fulfillment = fulfillment.NewOrchestrator(cache, s.ledger, s.payments,
		fulfillment.WithQuoteTTL(cfg.QuoteCacheTTL),
		fulfillment.WithEntitlements(rep),
		fulfillment.WithBus(s.bus),
	)

	dnaStore, err := dna.NewStore(s.db)
	if err != nil {
		return fault.Wrap(fault.KindInternal, "service: dna store", err)
	}
	s.dna = dnaStore

	s.pipelines = pipelines.NewEngine(s.bus)
	pipelines.RegisterBuiltin(s.pipelines, s.pipelineDeps())

	s.tools = tools.NewRegistry()
	if err := s.registerTools(); err != nil {
		return err
	}

	restored, err := s.registry.Restore(ctx)
	if err != nil {
		return err
	}
	recovered, err := s.queue.Recover(ctx)
	if err != nil {
		return err
	}
	slog.Info("service: started",
		"printers_restored", restored,
		"jobs_recovered", recovered,
		"db", cfg.DBPath,
	)
	return nil
}

// Close stops background workers and closes the databases.
func (s *Service) Close() error {
	if s.async != nil {
		s.async.Stop()
	}
	if s.obs != nil {
		if err := s.obs.Shutdown(context.Background()); err != nil {
			slog.Warn("service: shut down observability", "error", err)
		}
	}
	if s.credDB != nil {
		if err := s.credDB.Close(); err != nil {
			slog.Warn("service: close credential database", "error", err)
		}
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Accessors for collaborators the CLI reaches directly.

func (s *Service) Bus() *events.Bus                       { return s.bus }
func (s *Service) Queue() *queue.Queue                    { return s.queue }
func (s *Service) Registry() *registry.Registry           { return s.registry }
func (s *Service) Credentials() *credentials.Store        { return s.creds }
func (s *Service) Safety() *safety.Coordinator            { return s.safety }
func (s *Service) Watchers() *watcher.Registry            { return s.watchers }
func (s *Service) Ledger() *billing.Ledger                { return s.ledger }
func (s *Service) Payments() *payments.Manager            { return s.payments }
func (s *Service) Fulfillment() *fulfillment.Orchestrator { return s.fulfillment }
func (s *Service) Reputation() *reputation.Service        { return s.reputation }
func (s *Service) DNA() *dna.Store                        { return s.dna }
func (s *Service) Pipelines() *pipelines.Engine           { return s.pipelines }
func (s *Service) Tools() *tools.Registry                 { return s.tools }
func (s *Service) Estimator() *progress.Estimator         { return s.estimator }
func (s *Service) Health() *observability.HealthTracker   { return s.health }
func (s *Service) Observability() *observability.Provider { return s.obs }
