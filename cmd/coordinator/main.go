package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/packmint/coordinator/pkg/chain"
	"github.com/packmint/coordinator/pkg/config"
	"github.com/packmint/coordinator/pkg/issuance"
	"github.com/packmint/coordinator/pkg/keys"
	"github.com/packmint/coordinator/pkg/nonce"
	"github.com/packmint/coordinator/pkg/oracle"
	"github.com/packmint/coordinator/pkg/pgutil"
	"github.com/packmint/coordinator/pkg/reconciler"
	"github.com/packmint/coordinator/pkg/scheduler"
	"github.com/packmint/coordinator/pkg/store"
	"github.com/packmint/coordinator/pkg/syncer"
)

var (
	configPath = flag.String("config", "config.yaml", "Path to configuration file")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting loot-box coordinator")

	db, err := pgutil.ConnectDB(&cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	st := store.NewStore(db)
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := st.EnsureSchema(ctx); err != nil {
		logger.Fatal("Failed to ensure schema", zap.Error(err))
	}

	infra, err := keys.NewSigner(cfg.Keys.Infrastructure)
	if err != nil {
		logger.Fatal("Failed to load infrastructure key", zap.Error(err))
	}
	game, err := keys.NewSigner(cfg.Keys.Game)
	if err != nil {
		logger.Fatal("Failed to load game key", zap.Error(err))
	}
	executors, err := keys.NewRing(cfg.Keys.Executors)
	if err != nil {
		logger.Fatal("Failed to load executor keys", zap.Error(err))
	}

	var wg sync.WaitGroup
	for _, chainCfg := range cfg.Chains {
		queue, client, err := buildChainWorker(ctx, cfg, chainCfg, st, infra, game, executors, logger)
		if err != nil {
			logger.Fatal("Failed to build chain worker",
				zap.String("chain", chainCfg.Name),
				zap.Error(err))
		}
		defer client.Close()

		wg.Add(1)
		go func(q *scheduler.Queue) {
			defer wg.Done()
			q.Start(ctx)
		}(queue)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("NOT_READY"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("READY"))
	})
	if cfg.Monitoring.Enabled {
		r.Handle("/metrics", promhttp.Handler())
		logger.Info("Metrics enabled", zap.Int("port", cfg.Monitoring.Port))
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Monitoring.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("Starting HTTP server", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutdown signal received, gracefully shutting down...")
	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", zap.Error(err))
	}

	logger.Info("Coordinator stopped")
}

// buildChainWorker wires one chain's clients, engines, and job queue. Jobs
// run sequentially per tick: sync, issuance scheduling, mint submission,
// oracle, reconciliation.
func buildChainWorker(
	ctx context.Context,
	cfg *config.Config,
	chainCfg config.ChainConfig,
	st *store.Store,
	infra, game *keys.Signer,
	executors *keys.Ring,
	logger *zap.Logger,
) (*scheduler.Queue, *chain.Client, error) {
	chainLogger := logger.With(zap.String("chain", chainCfg.Name))

	client, err := chain.Dial(chainCfg.RPCURL, chainCfg.ChainID, chainLogger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial %s: %w", chainCfg.RPCURL, err)
	}

	tokens, err := st.ListWatchedTokens(ctx, chainCfg.ChainID)
	if err != nil {
		return nil, nil, err
	}
	wallets, err := st.ListWatchedWallets(ctx, chainCfg.ChainID)
	if err != nil {
		return nil, nil, err
	}
	watch := syncer.NewWatchList(tokens, wallets)

	syn := syncer.New(syncer.Config{
		ChainID:           chainCfg.ChainID,
		StartBlock:        chainCfg.StartBlock,
		SafeConfirmations: chainCfg.SafeConfirmations,
		SyncWindow:        chainCfg.SyncWindow,
		RetryAttempts:     cfg.Retry.Attempts,
		RetryDelay:        cfg.Retry.Delay,
	}, client, st, watch, chainCfg.RouterContract, chainLogger)

	nonces := nonce.NewManager(chainCfg.ChainID, client, st, cfg.Nonce.Staleness, chainLogger)

	engine := issuance.New(issuance.Config{
		ChainID:       chainCfg.ChainID,
		Distributor:   common.HexToAddress(chainCfg.DistributorContract),
		TokenDecimals: chainCfg.TokenDecimals,
	}, client, st, nonces, executors, game, chainLogger)

	rec := reconciler.New(reconciler.Config{
		ChainID:    chainCfg.ChainID,
		MinAge:     chainCfg.ReconcileMinAge,
		CardSymbol: chainCfg.CardSymbol,
		BoxSymbol:  chainCfg.BoxSymbol,
	}, st, chainLogger)

	jobs := []scheduler.Job{
		{Name: "sync", Run: syn.Tick},
		{Name: "schedule", Run: engine.ScheduleNext},
		{Name: "mint", Run: engine.SubmitNext},
	}
	if chainCfg.RunOracle {
		orc := oracle.New(oracle.Config{
			ChainID:        chainCfg.ChainID,
			Contract:       common.HexToAddress(chainCfg.OracleContract),
			BatchSize:      cfg.Oracle.BatchSize,
			LowWaterMark:   cfg.Oracle.LowWaterMark,
			RevealInterval: cfg.Oracle.RevealInterval,
		}, client, st, nonces, infra, chainLogger)
		jobs = append(jobs, scheduler.Job{Name: "oracle", Run: orc.Tick})
	}
	jobs = append(jobs, scheduler.Job{Name: "reconcile", Run: rec.Tick})

	return scheduler.New(chainCfg.ChainID, chainCfg.TickInterval, chainLogger, jobs...), client, nil
}
