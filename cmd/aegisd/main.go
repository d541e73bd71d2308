// Aegis - transaction risk pipeline with a tamper-evident audit ledger
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/aegisfin/aegis/internal/auditchain"
	"github.com/aegisfin/aegis/internal/bulkhead"
	"github.com/aegisfin/aegis/internal/circuitbreaker"
	"github.com/aegisfin/aegis/internal/config"
	"github.com/aegisfin/aegis/internal/health"
	"github.com/aegisfin/aegis/internal/history"
	"github.com/aegisfin/aegis/internal/ingest"
	"github.com/aegisfin/aegis/internal/logging"
	"github.com/aegisfin/aegis/internal/metrics"
	"github.com/aegisfin/aegis/internal/prover"
	"github.com/aegisfin/aegis/internal/realtime"
	"github.com/aegisfin/aegis/internal/scoring"
	"github.com/aegisfin/aegis/internal/server"
	"github.com/aegisfin/aegis/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting aegis",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"node_id", cfg.NodeID,
	)

	ctx := context.Background()

	// Tracing (no-op unless an OTLP endpoint is configured)
	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTraces(shutdownCtx)
	}()

	healthReg := health.NewRegistry()

	// Audit ledger storage: Postgres if DATABASE_URL set, otherwise in-memory
	var (
		db    *sql.DB
		store auditchain.Store
	)
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer func() { _ = db.Close() }()

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}

		store = auditchain.NewPostgresStore(db)
		healthReg.Register("database", health.DBChecker(db))
		logger.Info("using PostgreSQL audit storage", "url", server.MaskDSN(cfg.DatabaseURL))
	} else {
		store = auditchain.NewMemoryStore()
		logger.Info("using in-memory audit storage (chain will not persist)")
	}

	ledger := auditchain.New(store, cfg.NodeID, auditchain.WithLogger(logger))
	healthReg.Register("audit_chain", health.ChainChecker(func(ctx context.Context) (int64, error) {
		tip, err := ledger.Tip(ctx)
		return tip.Height, err
	}))

	// Scoring engine: file weights if present, built-in defaults otherwise
	weights, fromFile, err := scoring.LoadWeights(cfg.WeightsPath)
	if err != nil {
		logger.Warn("weights file unreadable, using defaults", "path", cfg.WeightsPath, "error", err)
	}
	if fromFile {
		logger.Info("model weights loaded", "path", cfg.WeightsPath)
	} else {
		logger.Info("using built-in model weights")
	}
	engine := scoring.NewEngine(weights)

	// Proof backend behind a circuit breaker and a bulkhead
	var pv prover.Prover
	if cfg.ProverBin != "" {
		pv = prover.NewExecProver(cfg.ProverBin)
		logger.Info("external prover configured", "bin", cfg.ProverBin)
	} else {
		pv = &prover.StaticProver{}
		logger.Info("using in-process prover")
	}

	// Realtime decision stream
	hub := realtime.NewHub(logger)

	breaker := circuitbreaker.New(5, 30*time.Second)
	pool := bulkhead.New(cfg.ProofWorkers, cfg.ProofQueueSize, pv,
		bulkhead.WithLogger(logger),
		bulkhead.WithTimeout(cfg.ProofTimeout),
		bulkhead.WithBreaker(breaker),
		bulkhead.WithResultHook(func(task bulkhead.Task, artifact *prover.Artifact, err error) {
			result := map[string]interface{}{
				"entity_masked": ingest.Mask(task.EntityID),
				"risk_type":     task.RiskType,
				"score":         task.Score,
				"ok":            err == nil,
			}
			if err != nil {
				result["error"] = err.Error()
			} else if artifact != nil {
				result["generated_at"] = artifact.GeneratedAt
			}
			hub.BroadcastProof(result)
		}),
	)
	defer pool.Stop()

	// Ingestion gateway
	gateway := ingest.New(cfg.IngestBufferSize, history.NewStore(), engine, ledger,
		ingest.WithLogger(logger),
		ingest.WithProofDispatcher(pool),
		ingest.WithPublisher(hub),
	)
	healthReg.Register("ingest_buffer",
		health.BufferChecker("ingest_buffer", gateway.BufferDepth, cfg.IngestBufferSize))

	if db != nil {
		go metrics.StartDBStatsCollector(ctx, db, 15*time.Second)
	}

	srv := server.New(cfg, gateway, ledger, hub,
		server.WithLogger(logger),
		server.WithHealthRegistry(healthReg),
	)

	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}
