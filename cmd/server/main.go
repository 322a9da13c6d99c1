package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridian-pb/inventory/internal/config"
	"github.com/meridian-pb/inventory/internal/database"
	"github.com/meridian-pb/inventory/internal/domain"
	"github.com/meridian-pb/inventory/internal/fabric"
	"github.com/meridian-pb/inventory/internal/modules/inventory"
	"github.com/meridian-pb/inventory/internal/modules/limits"
	"github.com/meridian-pb/inventory/internal/modules/locates"
	"github.com/meridian-pb/inventory/internal/modules/marketdata"
	"github.com/meridian-pb/inventory/internal/modules/position"
	"github.com/meridian-pb/inventory/internal/modules/reference"
	"github.com/meridian-pb/inventory/internal/modules/rules"
	"github.com/meridian-pb/inventory/internal/modules/shortsell"
	"github.com/meridian-pb/inventory/internal/reliability"
	"github.com/meridian-pb/inventory/internal/scheduler"
	"github.com/meridian-pb/inventory/internal/server"
	"github.com/meridian-pb/inventory/internal/telemetry"
	"github.com/meridian-pb/inventory/pkg/logger"
)

// reconciliationSources orders reference providers for tie-breaks, highest
// priority first.
var reconciliationSources = []string{"reuters", "bloomberg", "markit"}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel, cfg.DevMode)
	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting inventory platform")

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("Fatal error")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	// Databases. The event log is the ledger; calculation projections can be
	// rebuilt by replay and trade durability for speed.
	openDB := func(name string, profile database.DatabaseProfile) (*database.DB, error) {
		return database.New(database.Config{
			Path:    filepath.Join(cfg.DataDir, name+".db"),
			Profile: profile,
			Name:    name,
		})
	}

	eventlogDB, err := openDB("eventlog", database.ProfileLedger)
	if err != nil {
		return fmt.Errorf("open eventlog db: %w", err)
	}
	defer eventlogDB.Close()

	refDB, err := openDB("reference", database.ProfileStandard)
	if err != nil {
		return fmt.Errorf("open reference db: %w", err)
	}
	defer refDB.Close()

	posDB, err := openDB("position", database.ProfileStandard)
	if err != nil {
		return fmt.Errorf("open position db: %w", err)
	}
	defer posDB.Close()

	invDB, err := openDB("inventory", database.ProfileProjection)
	if err != nil {
		return fmt.Errorf("open inventory db: %w", err)
	}
	defer invDB.Close()

	limDB, err := openDB("limits", database.ProfileProjection)
	if err != nil {
		return fmt.Errorf("open limits db: %w", err)
	}
	defer limDB.Close()

	locDB, err := openDB("locate", database.ProfileStandard)
	if err != nil {
		return fmt.Errorf("open locate db: %w", err)
	}
	defer locDB.Close()

	rulesDB, err := openDB("rules", database.ProfileStandard)
	if err != nil {
		return fmt.Errorf("open rules db: %w", err)
	}
	defer rulesDB.Close()

	mktDB, err := openDB("marketdata", database.ProfileProjection)
	if err != nil {
		return fmt.Errorf("open marketdata db: %w", err)
	}
	defer mktDB.Close()

	allDBs := []*database.DB{eventlogDB, refDB, posDB, invDB, limDB, locDB, rulesDB, mktDB}

	// Event fabric over the persistent log.
	eventLog, err := fabric.NewEventLog(eventlogDB)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	fab := fabric.New(fabric.Config{
		CreditWindow: cfg.CreditWindow,
		MaxRetries:   cfg.DLQMaxRetries,
		DedupWindow:  cfg.DedupWindow,
	}, eventLog, log)

	today := domain.BusinessDateOf(time.Now())

	// Engines.
	refSvc := reference.NewService(reference.NewRepository(refDB, log), fab,
		reconciliationSources, log)

	ruleEngine, err := rules.NewEngine(rules.NewRepository(rulesDB, log), log)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	ruleEngine.SetPublisher(fab)

	posEngine := position.NewEngine(position.NewRepository(posDB, log), fab, position.Options{
		LadderDays:   cfg.LadderDays,
		BusinessDate: today,
	}, log)
	posEngine.SetHalter(fab.HaltPartition)

	invEngine := inventory.NewEngine(inventory.NewRepository(invDB, log), fab,
		ruleEngine, refSvc.Repo(), today, log)

	limEngine := limits.NewEngine(limits.NewRepository(limDB, log), fab, today, log)
	limDeriver := limits.NewDeriver(limEngine, refSvc.Repo(), ruleEngine, log)

	locSvc := locates.NewService(locates.NewRepository(locDB, log), invEngine, limEngine,
		ruleEngine, refSvc.Repo(), fab, cfg.LocateRuleDeadline, cfg.LocateRequestTTL, log)

	validator := shortsell.NewValidator(limEngine, refSvc.Repo(), refSvc.Repo(), fab,
		cfg.ShortSellDeadline, log)

	mktSvc := marketdata.NewService(marketdata.NewRepository(mktDB, log), log)

	// Fills feed the locate workflow's running execution totals.
	posEngine.OnExecution(locSvc.RecordExecution)

	// A published rule change triggers a deterministic full recompute.
	ruleEngine.OnChange(func(version int64) {
		log.Info().Int64("rule_version", version).Msg("Rule change, recomputing inventory")
		if err := invEngine.RecomputeAll(context.Background()); err != nil {
			log.Error().Err(err).Msg("Inventory recompute after rule change failed")
		}
	})

	// Warm engine state from the projections before consuming.
	if err := posEngine.Recover(); err != nil {
		return fmt.Errorf("recover positions: %w", err)
	}
	if err := limEngine.Recover(); err != nil {
		return fmt.Errorf("recover limits: %w", err)
	}

	// Fabric wiring. Consumers register before Start.
	hub := server.NewHub(log)
	wireConsumers(fab, consumers{
		positions: posEngine,
		inventory: invEngine,
		deriver:   limDeriver,
		market:    mktSvc,
		hub:       hub,
	})

	fab.Start()
	defer fab.Stop()

	// Optional snapshot archiving.
	var archiver *reliability.SnapshotArchiver
	if cfg.Archive.Enabled() {
		store, err := reliability.NewS3Store(context.Background(), cfg.Archive, log)
		if err != nil {
			return fmt.Errorf("init object store: %w", err)
		}
		archiver = reliability.NewSnapshotArchiver(store, allDBs, cfg.DataDir,
			cfg.Archive.RetainCount, log)
	}

	// Periodic jobs.
	sched := scheduler.New(log)
	if err := registerJobs(sched, cfg, jobDeps{
		fab:       fab,
		positions: posEngine,
		inventory: invEngine,
		limits:    limEngine,
		deriver:   limDeriver,
		locates:   locSvc,
		archiver:  archiver,
		log:       log,
	}); err != nil {
		return fmt.Errorf("register jobs: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	// HTTP surface.
	latency := telemetry.NewRecorder()
	srv := server.New(cfg, server.Deps{
		Positions: posEngine,
		Inventory: invEngine,
		Limits:    limEngine,
		Locates:   locSvc,
		ShortSell: validator,
		Reference: refSvc,
		Market:    mktSvc,
		Databases: allDBs,
		Latency:   latency,
		Archiver:  archiver,
		Hub:       hub,
	}, log)

	go func() {
		if err := srv.Start(); err != nil {
			log.Error().Err(err).Msg("HTTP server stopped")
		}
	}()
	log.Info().Int("port", cfg.Port).Str("business_date", string(today)).Msg("Platform started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Persist whatever is still dirty before the databases close.
	if err := posEngine.Flush(); err != nil {
		log.Error().Err(err).Msg("Final position flush failed")
	}
	if err := limEngine.Flush(); err != nil {
		log.Error().Err(err).Msg("Final limit flush failed")
	}

	log.Info().Msg("Stopped")
	return nil
}

// consumers groups the engines subscribed to the fabric before Start.
type consumers struct {
	positions *position.Engine
	inventory *inventory.Engine
	deriver   *limits.Deriver
	market    *marketdata.Service
	hub       *server.Hub
}

// wireConsumers registers every stream subscription. The position engine takes
// trades and contract events; the inventory engine and the limit deriver each
// consume the three calculation inputs.
func wireConsumers(fab *fabric.Fabric, c consumers) {
	fab.Subscribe("position-engine", fabric.StreamTrade, c.positions.Handle)
	fab.Subscribe("position-engine", fabric.StreamContract, c.positions.Handle)

	fab.Subscribe("inventory-engine", fabric.StreamPositionDelta, c.inventory.Handle)
	fab.Subscribe("inventory-engine", fabric.StreamContract, c.inventory.Handle)
	fab.Subscribe("inventory-engine", fabric.StreamAvailability, c.inventory.Handle)

	fab.Subscribe("limit-deriver", fabric.StreamPositionDelta, c.deriver.Handle)
	fab.Subscribe("limit-deriver", fabric.StreamContract, c.deriver.Handle)
	fab.Subscribe("limit-deriver", fabric.StreamAvailability, c.deriver.Handle)

	if c.market != nil {
		fab.Subscribe("marketdata", fabric.StreamMarket, func(_ context.Context, ev *fabric.Event) error {
			return c.market.Handle(ev)
		})
	}
	if c.hub != nil {
		for _, stream := range []fabric.Stream{
			fabric.StreamPositionDelta,
			fabric.StreamInventoryDelta,
			fabric.StreamLimitDelta,
			fabric.StreamLocate,
			fabric.StreamOrderValidation,
		} {
			fab.Subscribe("ws-hub", stream, c.hub.Handle)
		}
	}
}

type jobDeps struct {
	fab       *fabric.Fabric
	positions *position.Engine
	inventory *inventory.Engine
	limits    *limits.Engine
	deriver   *limits.Deriver
	locates   *locates.Service
	archiver  *reliability.SnapshotArchiver
	log       zerolog.Logger
}

func registerJobs(sched *scheduler.Scheduler, cfg *config.Config, d jobDeps) error {
	jobs := []struct {
		schedule string
		job      scheduler.Job
	}{
		{"0 0 6 * * *", &scheduler.SODRollJob{
			Positions: d.positions, Inventory: d.inventory, Limits: d.limits,
			Deriver: d.deriver, Log: d.log}},
		{"@every " + cfg.DriftCheckInterval.String(), &scheduler.DriftCheckJob{
			Inventory: d.inventory, Log: d.log}},
		{"@every 1m", &scheduler.LocateExpiryJob{Locates: d.locates}},
		{"0 30 15 * * MON-FRI", &scheduler.DecrementShrinkJob{
			Locates: d.locates, Positions: d.positions}},
		{"@every 5s", &scheduler.FlushJob{Positions: d.positions, Limits: d.limits}},
		{"@every 10m", &scheduler.DedupSweepJob{Fabric: d.fab, Log: d.log}},
	}
	if d.archiver != nil {
		jobs = append(jobs, struct {
			schedule string
			job      scheduler.Job
		}{"0 0 2 * * *", &scheduler.ArchiveJob{Archiver: d.archiver}})
	}

	for _, j := range jobs {
		if err := sched.AddJob(j.schedule, j.job); err != nil {
			return err
		}
	}
	return nil
}
