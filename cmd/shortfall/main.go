package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"shortfall/internal/core"
	"shortfall/internal/ingestion"
	"shortfall/internal/observability"
	"shortfall/internal/persistence"
	"shortfall/internal/projection"
	"shortfall/internal/query"
	"shortfall/internal/server"
)

func main() {
	logger := observability.NewLogger("main")

	configPath := flag.String("config", os.Getenv("SHORTFALL_CONFIG"), "path to TOML config file")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("postgres ping")
	}

	migrator := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir)
	if err := migrator.Up(ctx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Recovery: snapshot + replay ---
	recoveryStart := time.Now()
	snapMgr := persistence.NewSnapshotManager(db)

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("load snapshot")
	}

	startSequence := int64(0)
	if snap != nil {
		startSequence = snap.Sequence + 1
		logger.Info().Int64("sequence", snap.Sequence).Msg("loaded snapshot")
	} else {
		logger.Info().Msg("no snapshot found, cold start")
	}

	// --- Channels ---
	// The persist channel blocks the core on full; projections drop and
	// rebuild from the event log instead.
	persistCoreChan := make(chan core.CoreOutput, cfg.Persist.ChanSize)
	projectionCoreChan := make(chan core.CoreOutput, cfg.Persist.ProjectionChanSize)
	persistWorkerChan := make(chan persistence.CoreOutput, cfg.Persist.ChanSize)
	projectionWorkerChan := make(chan projection.ProjectionOutput, cfg.Persist.ProjectionChanSize)
	publishChan := make(chan ingestion.PublishableEvent, 4096)
	wsChan := make(chan ingestion.PublishableEvent, 1024)

	// --- Deterministic core ---
	coreCfg, err := cfg.CoreConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("core config")
	}
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)
	deterministicCore, err := core.NewDeterministicCore(
		coreCfg, startSequence, persistCoreChan, projectionCoreChan, dbChecker, metrics)
	if err != nil {
		logger.Fatal().Err(err).Msg("core init")
	}

	if snap != nil {
		if err := deterministicCore.RestoreFromSnapshot(snap); err != nil {
			logger.Fatal().Err(err).Msg("restore snapshot")
		}
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL)
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		logger.Fatal().Err(err).Msg("ensure nats streams")
	}

	rawEventChan := make(chan ingestion.RawEvent, 4096)
	natsSubscriber := ingestion.NewNATSSubscriber(js, rawEventChan)
	outboundPublisher := ingestion.NewOutboundPublisher(js, publishChan)

	// --- Workers and servers ---
	persistWorker := persistence.NewPersistenceWorker(
		db, persistWorkerChan, cfg.Persist.BatchSize, cfg.FlushTimeout(), metrics)
	projWorker := projection.NewProjectionWorker(db, projectionWorkerChan)
	queryService := query.NewQueryService(db)
	hub := server.NewEventHub(projWorker.BidHistory(), metrics)

	httpServer := server.NewHTTPServer(cfg.Server.HTTPAddr, &server.ServerDeps{
		DB:            db,
		QueryService:  queryService,
		SnapshotMgr:   snapMgr,
		BidHistory:    projWorker.BidHistory(),
		Hub:           hub,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		StartTime:     time.Now(),
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return persistWorker.Run(gctx) })
	g.Go(func() error { return projWorker.Run(gctx) })
	g.Go(func() error { return outboundPublisher.Run(gctx) })
	g.Go(func() error {
		hub.Run(gctx, wsChan)
		return nil
	})
	g.Go(func() error {
		bridgeCoreOutputs(gctx, persistCoreChan, projectionCoreChan,
			persistWorkerChan, projectionWorkerChan, publishChan, wsChan, metrics)
		return nil
	})
	g.Go(func() error { return httpServer.Start(gctx) })
	g.Go(func() error { return server.StartMetricsServer(gctx, cfg.Server.MetricsAddr) })

	// --- Replay after the write path is up, before live ingestion ---
	replayed, err := replayEventsFromLog(gctx, snapMgr, deterministicCore, startSequence, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("event replay")
	}
	if replayed > 0 {
		logger.Info().
			Int64("events", replayed).
			Int64("sequence", deterministicCore.GetSequence()).
			Msg("replay complete")
	}

	if snap != nil && replayed == 0 {
		if snap.StateHash != deterministicCore.GetStateHash() {
			logger.Fatal().
				Hex("expected", snap.StateHash[:]).
				Msg("state hash mismatch after snapshot restore")
		}
		logger.Info().Msg("state hash verified after restore")
	}
	metrics.RecoveryDuration.Observe(time.Since(recoveryStart).Seconds())

	// --- Live ingestion ---
	if err := natsSubscriber.Subscribe(gctx, ingestion.DefaultSubjects()); err != nil {
		logger.Fatal().Err(err).Msg("nats subscribe")
	}

	// Snapshot requests are served inside the ingestion loop so the
	// core is never captured mid-event.
	snapshotReq := make(chan chan error, 1)
	g.Go(func() error {
		runIngestionLoop(gctx, rawEventChan, deterministicCore, snapMgr, snapshotReq, metrics)
		return nil
	})
	g.Go(func() error {
		runPeriodicSnapshots(gctx, deterministicCore, snapshotReq, cfg.Snapshot.Interval, logger)
		return nil
	})

	healthChecker.SetReady(true)
	logger.Info().
		Int64("sequence", deterministicCore.GetSequence()).
		Str("http", cfg.Server.HTTPAddr).
		Msg("shortfall ready")

	<-gctx.Done()
	healthChecker.SetReady(false)
	logger.Info().Msg("shutting down")

	natsSubscriber.Stop()
	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error().Err(err).Msg("worker exited with error")
	}

	// The ingestion loop has stopped, so the core is quiescent and the
	// final snapshot is consistent.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := takeSnapshot(shutdownCtx, deterministicCore, snapMgr, metrics); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else {
		logger.Info().Msg("final snapshot saved")
	}

	logger.Info().Msg("shutdown complete")
}

// bridgeCoreOutputs converts core outputs to the persistence and
// projection channel formats and fans the outbound feed to NATS and the
// websocket hub. Conversion lives here to keep the worker packages free
// of a core dependency cycle.
func bridgeCoreOutputs(
	ctx context.Context,
	persistIn, projectionIn <-chan core.CoreOutput,
	persistOut chan<- persistence.CoreOutput,
	projectionOut chan<- projection.ProjectionOutput,
	publishOut, wsOut chan<- ingestion.PublishableEvent,
	metrics *observability.Metrics,
) {
	for {
		select {
		case <-ctx.Done():
			return

		case output, ok := <-persistIn:
			if !ok {
				return
			}

			select {
			case persistOut <- persistence.FromCore(output):
			case <-ctx.Done():
				return
			}

			if pub, ok := ingestion.NewPublishable(output); ok {
				select {
				case publishOut <- pub:
				default:
					if metrics != nil {
						metrics.PublishDrops.Inc()
					}
				}
				select {
				case wsOut <- pub:
				default:
				}
			}

		case output, ok := <-projectionIn:
			if !ok {
				return
			}
			select {
			case projectionOut <- projection.FromCore(output):
			default:
				// Projections rebuild from the event log when behind.
			}
		}
	}
}

// runIngestionLoop drains raw relay messages into the core. Malformed
// payloads are terminated, deterministic rejections are acked away, and
// accepted events are acked once the core has emitted them.
func runIngestionLoop(
	ctx context.Context,
	rawChan <-chan ingestion.RawEvent,
	deterministicCore *core.DeterministicCore,
	snapMgr *persistence.SnapshotManager,
	snapshotReq <-chan chan error,
	metrics *observability.Metrics,
) {
	log := observability.NewLogger("ingest")

	for {
		select {
		case <-ctx.Done():
			return

		case reply := <-snapshotReq:
			reply <- takeSnapshot(ctx, deterministicCore, snapMgr, metrics)

		case raw, ok := <-rawChan:
			if !ok {
				return
			}

			evt, err := ingestion.ParseRawEvent(raw, raw.EventType)
			if err != nil {
				log.Warn().
					Err(err).
					Str("subject", raw.Subject).
					Msg("terminating malformed message")
				raw.TermFunc()
				continue
			}

			if err := deterministicCore.ProcessEvent(evt); err != nil {
				// Deterministic rejection: no state changed and a retry
				// cannot succeed, so the message is acked away.
				log.Warn().
					Err(err).
					Str("type", evt.EventType().String()).
					Str("key", evt.IdempotencyKey()).
					Msg("event rejected")
			}
			raw.AckFunc()
		}
	}
}

// replayEventsFromLog decodes persisted events from fromSequence and
// replays them through the core. Re-emitted outputs are absorbed by the
// idempotent event log writes and the projection watermark.
func replayEventsFromLog(
	ctx context.Context,
	snapMgr *persistence.SnapshotManager,
	deterministicCore *core.DeterministicCore,
	fromSequence int64,
	logger zerolog.Logger,
) (int64, error) {
	const batchSize = 1000
	var total int64

	for {
		rows, err := snapMgr.LoadEventsFrom(ctx, fromSequence, batchSize)
		if err != nil {
			return total, fmt.Errorf("load events from seq %d: %w", fromSequence, err)
		}
		if len(rows) == 0 {
			return total, nil
		}

		for _, row := range rows {
			evt, err := persistence.DecodeEventRow(row)
			if err != nil {
				return total, fmt.Errorf("decode event seq %d: %w", row.Sequence, err)
			}
			if err := deterministicCore.ProcessEvent(evt); err != nil {
				logger.Debug().
					Err(err).
					Int64("sequence", row.Sequence).
					Msg("replay skip")
			}
			total++
		}

		fromSequence = rows[len(rows)-1].Sequence + 1
	}
}

// runPeriodicSnapshots requests a snapshot from the ingestion loop
// whenever the core has advanced by interval events.
func runPeriodicSnapshots(
	ctx context.Context,
	deterministicCore *core.DeterministicCore,
	snapshotReq chan<- chan error,
	interval int64,
	logger zerolog.Logger,
) {
	if interval <= 0 {
		interval = 100_000
	}

	lastSnapshotSeq := deterministicCore.GetSequence()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			currentSeq := deterministicCore.GetSequence()
			if currentSeq-lastSnapshotSeq < interval {
				continue
			}

			reply := make(chan error, 1)
			select {
			case snapshotReq <- reply:
			case <-ctx.Done():
				return
			}

			select {
			case err := <-reply:
				if err != nil {
					logger.Warn().Err(err).Msg("periodic snapshot failed")
				} else {
					lastSnapshotSeq = currentSeq
					logger.Info().Int64("sequence", currentSeq).Msg("periodic snapshot")
				}
			case <-ctx.Done():
				return
			}
		}
	}
}

// takeSnapshot captures the core state and persists it as verified.
func takeSnapshot(
	ctx context.Context,
	deterministicCore *core.DeterministicCore,
	snapMgr *persistence.SnapshotManager,
	metrics *observability.Metrics,
) error {
	start := time.Now()

	snap := deterministicCore.CreateSnapshotState()
	if snap.Sequence < 0 {
		return nil
	}

	if err := snapMgr.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if err := snapMgr.MarkVerified(ctx, snap.Sequence); err != nil {
		return fmt.Errorf("mark snapshot verified: %w", err)
	}

	if metrics != nil {
		metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		metrics.SnapshotSequence.Set(float64(snap.Sequence))
	}
	return nil
}
