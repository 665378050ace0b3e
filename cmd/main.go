package main

import (
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Marketen/proposals-indexer/internal/adapters"
	"github.com/Marketen/proposals-indexer/internal/application/ports"
	"github.com/Marketen/proposals-indexer/internal/application/services"
	"github.com/Marketen/proposals-indexer/internal/config"
	"github.com/Marketen/proposals-indexer/internal/logger"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:   "proposals-indexer",
		Usage:  "tracks block proposals, relays and rewards of a set of validators",
		Flags:  config.Flags,
		Before: config.LoadConfigFile,
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c)
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		logger.Warn("%v, keeping the current level", err)
	}

	logger.Info("Starting proposals-indexer")
	logger.Info("Beacon node URL: %s", cfg.BeaconNodeURL)
	logger.Info("Poll interval: %s", cfg.PollInterval)
	logger.Info("Tracking %d validators across %d relays", len(cfg.PubKeys), len(cfg.Relays))

	// Handle SIGINT / SIGTERM for graceful shutdown
	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	beaconAdapter, err := adapters.NewBeaconHTTPAdapter(ctx, cfg.BeaconNodeURL, cfg.RequestTimeout)
	if err != nil {
		return errors.Wrap(err, "failed to create beacon HTTP adapter")
	}

	var executionAdapter ports.ExecutionAdapter
	if cfg.Rewards {
		exec, closeExec, err := adapters.NewExecutionRPCAdapter(ctx, cfg.ExecutionNodeURL)
		if err != nil {
			return errors.Wrap(err, "failed to create execution RPC adapter")
		}
		defer closeExec()
		executionAdapter = exec
	}

	relayClient := &nethttp.Client{Timeout: 2 * cfg.RequestTimeout}
	relays := make([]ports.RelayAdapter, 0, len(cfg.Relays))
	for _, r := range cfg.Relays {
		relay, err := adapters.NewRelayHTTPAdapter(r.Tag, r.Endpoint, relayClient)
		if err != nil {
			return err
		}
		relays = append(relays, relay)
	}

	repo, err := adapters.NewBoltStateRepository(cfg.DataDir)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Error("Failed to close database: %v", err)
		}
	}()

	store, err := services.OpenAggregationStore(ctx, repo)
	if err != nil {
		return err
	}
	if p := store.Progress(); p.Started {
		logger.Info("Resuming after slot %d (records kept from slot %d)", p.LastSlot, p.PruneWatermark)
	}

	registry := services.NewValidatorRegistry(beaconAdapter, cfg.PubKeys, int64(cfg.IndexLookupConcurrency), cfg.RequestTimeout)
	classifier := services.NewSlotClassifier(beaconAdapter, relays, registry, cfg.RelayQueryConcurrency, cfg.RequestTimeout)
	resolver := services.NewRewardResolver(executionAdapter, cfg.RequestTimeout)

	var syncTracker *services.SyncCommitteeTracker
	if cfg.SyncCommittee {
		syncTracker = services.NewSyncCommitteeTracker(beaconAdapter, registry, cfg.RequestTimeout)
	}

	indexer := services.NewSlotIndexer(beaconAdapter, classifier, resolver, store, syncTracker, registry, services.IndexerOptions{
		PollInterval:       cfg.PollInterval,
		HeadBlockID:        cfg.HeadBlockID,
		LastSlot:           cfg.LastSlot,
		BackfillSlots:      cfg.BackfillSlots,
		MaxSlotsPerCycle:   cfg.MaxSlotsPerCycle,
		PruneEnabled:       cfg.Prune,
		KeepLastSlots:      cfg.KeepLastSlots,
		RecheckMissedSlots: cfg.RecheckMissedSlots,
		RequestTimeout:     cfg.RequestTimeout,
	})

	prometheus.MustRegister(adapters.NewMetricsCollector(store), repo.Collector())
	metricsServer := adapters.NewMetricsServer(cfg.MetricsAddr, prometheus.DefaultGatherer, map[string]adapters.HealthCheck{
		"indexer": func() error {
			if !store.Progress().Started {
				return errors.New("no slot processed yet")
			}
			return nil
		},
	})
	metricsServer.Start()
	defer func() {
		if err := metricsServer.Stop(); err != nil {
			logger.Error("Failed to stop metrics server: %v", err)
		}
	}()

	if err := indexer.Run(ctx); err != nil {
		return errors.Wrap(err, "indexer stopped")
	}
	logger.Warn("Received shutdown signal, shutting down...")
	return nil
}
