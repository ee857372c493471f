package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"

	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/config"
	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/ingest"
	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/logging"
	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/metrics"
	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/nodeclient"
	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/nodes"
	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/storage"
)

const serviceName = "ledger-aggregation-gateway"

var version = "dev"

// gatewayStore is what the process needs from either storage backend.
type gatewayStore interface {
	ingest.Store
	Pinger
	Close()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           serviceName,
		Short:         "Aggregates ledger history from several nodes by trust-weighted quorum",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the configuration file")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the gateway until interrupted",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := config.LoadConfig(configPath)
				if err != nil {
					return err
				}
				ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				return run(ctx, cfg)
			},
		},
		&cobra.Command{
			Use:   "check-config",
			Short: "Validate the configuration file and print the node list",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := config.LoadConfig(configPath)
				if err != nil {
					return err
				}
				return printNodes(cmd, cfg)
			},
		},
	)
	return root
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logging.NewComponentLogger(cfg.Service.Name, version, cfg.Logging)
	collector := metrics.NewCollector("ledger_gateway", logger)

	store, source, list, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	registry, err := nodes.NewRegistry(list, clock.New())
	if err != nil {
		return fmt.Errorf("failed to build node registry: %w", err)
	}

	logger.LogStartup(logging.StartupConfig{
		Nodes:            len(list),
		EligibleNodes:    len(registry.EligibleForIndexing()),
		StorageType:      cfg.Storage.Type,
		QuorumProportion: cfg.Quorum.TrustProportion,
		HealthPort:       cfg.Service.HealthPort,
	})

	gw, err := ingest.New(ctx, ingest.Deps{
		Store:          store,
		Registry:       registry,
		NodeSource:     source,
		Clients:        nodeclient.NewHTTPFactory(nodeclient.HTTPOptions{Timeout: cfg.Nodes.RequestTimeout}),
		Quorum:         cfg.Quorum,
		Policies:       cfg.Workers,
		DisableMempool: !cfg.MempoolEnabled(),
		Logger:         logger,
		Metrics:        collector,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}

	health := NewHealthServer(cfg.Service.HealthPort, gw, store, collector.Handler(), logger.With("health"))
	if err := health.Start(); err != nil {
		return fmt.Errorf("failed to start health server: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := health.Stop(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Failed to stop health server")
		}
	}()

	err = gw.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("Graceful shutdown complete")
	return nil
}

// openStore connects the configured backend and loads the initial node list.
// A postgres node source with an empty table is seeded from the config file.
func openStore(ctx context.Context, cfg *config.Config, logger *logging.ComponentLogger) (gatewayStore, nodes.Source, []nodes.Node, error) {
	if cfg.Storage.Type == config.StorageMemory {
		logger.Warn().Msg("Using in-memory storage, the ledger is lost on restart")
		return storage.NewMemoryStore(time.Now), nil, cfg.NodeList(), nil
	}

	pg, err := storage.NewPostgresStore(ctx, storage.PostgresOptions{
		DSN:      cfg.GetPostgresConnectionString(),
		MaxConns: cfg.Postgres.MaxConns,
		Codec:    cfg.Codec(),
	}, logger.With("storage"))
	if err != nil {
		return nil, nil, nil, err
	}
	if *cfg.Storage.EnsureSchema {
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, nil, nil, err
		}
	}

	if cfg.Nodes.Source != config.NodeSourcePostgres {
		return pg, nil, cfg.NodeList(), nil
	}

	list, err := pg.LoadNodes(ctx)
	if err != nil {
		pg.Close()
		return nil, nil, nil, err
	}
	if len(list) == 0 && len(cfg.Nodes.List) > 0 {
		list = cfg.NodeList()
		if err := pg.ReplaceNodes(ctx, list); err != nil {
			pg.Close()
			return nil, nil, nil, fmt.Errorf("failed to seed ledger nodes: %w", err)
		}
		logger.Info().Int("nodes", len(list)).Msg("Seeded ledger_nodes from configuration")
	}
	return pg, pg, list, nil
}

func printNodes(cmd *cobra.Command, cfg *config.Config) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "configuration ok: storage=%s nodes.source=%s quorum.trust_proportion=%g mempool=%t\n",
		cfg.Storage.Type, cfg.Nodes.Source, cfg.Quorum.TrustProportion, cfg.MempoolEnabled())

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tADDRESS\tTRUST WEIGHT\tINDEXING")
	for _, n := range cfg.NodeList() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", n.Name, n.Address, n.TrustWeight.String(), n.EnabledForIndexing)
	}
	return tw.Flush()
}
