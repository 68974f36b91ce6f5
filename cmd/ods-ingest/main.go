package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/vitebski/ods-ingest/internal/analyzer"
	"github.com/vitebski/ods-ingest/internal/config"
	"github.com/vitebski/ods-ingest/internal/connector"
	"github.com/vitebski/ods-ingest/internal/deploy"
	"github.com/vitebski/ods-ingest/internal/extractor"
	"github.com/vitebski/ods-ingest/internal/ingestor"
	"github.com/vitebski/ods-ingest/internal/ledger"
	"github.com/vitebski/ods-ingest/internal/reconciler"
	"github.com/vitebski/ods-ingest/internal/registry"
	"github.com/vitebski/ods-ingest/internal/utils"
	"github.com/vitebski/ods-ingest/internal/watermark"
	"github.com/vitebski/ods-ingest/internal/writer"
	"github.com/vitebski/ods-ingest/pkg/models"
)

// app holds what every subcommand needs for one invocation
type app struct {
	cfg     *config.Config
	logger  *logrus.Logger
	logFile io.Closer
	conns   []*connector.DatabaseConnector
}

func (a *app) connector(name string, cc config.ConnectionConfig) (*connector.DatabaseConnector, error) {
	if !utils.ValidateConnectionParams(name, cc, a.logger) {
		return nil, fmt.Errorf("%w: invalid connection parameters for %s", models.ErrConfiguration, name)
	}
	db, err := connector.NewDatabaseConnector(name, cc, a.logger)
	if err != nil {
		return nil, err
	}
	a.conns = append(a.conns, db)
	return db, nil
}

func (a *app) close() {
	for _, db := range a.conns {
		db.Disconnect()
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
}

func setup(configPath, envFile, logLevel, logFile string) (*app, error) {
	// Setup logging
	logger := utils.SetupLogging(logLevel)

	a := &app{logger: logger}
	if logFile != "" {
		closer, err := utils.AttachLogFile(logger, logFile)
		if err != nil {
			return nil, err
		}
		a.logFile = closer
	}

	// Load environment variables before ${VAR} expansion in the config
	utils.LoadEnvironmentVariables(envFile, logger)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		a.close()
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		a.close()
		return nil, err
	}
	cfg.Parameters.DefaultChunkSize = utils.GetEnvInt(utils.EnvPrefix+"DEFAULT_CHUNKSIZE", cfg.Parameters.DefaultChunkSize)
	a.cfg = cfg

	return a, nil
}

// buildIngestor wires the ledger and the requested instances.
// The ledger is only connected up front when the run will record to it.
func (a *app) buildIngestor(ctx context.Context, names []string, connectLedger bool) (*ingestor.Ingestor, error) {
	ods, err := a.connector("ods", a.cfg.ODS)
	if err != nil {
		return nil, err
	}
	ledgerDB, err := a.connector("ledger", a.cfg.Ledger.ConnectionConfig)
	if err != nil {
		return nil, err
	}
	if connectLedger {
		if err := ledgerDB.Connect(ctx); err != nil {
			return nil, err
		}
	}

	var instances []*ingestor.Instance
	for _, name := range names {
		inst := a.cfg.Instances[name]

		var ex extractor.Extractor
		var orderer *analyzer.DependencyAnalyzer
		switch inst.Kind {
		case config.KindFile:
			ex = extractor.NewFileExtractor(inst.Path, a.logger)
			orderer = analyzer.NewDependencyAnalyzer(nil, a.logger)
		default:
			source, err := a.connector(name, inst.Source)
			if err != nil {
				return nil, err
			}
			ex = extractor.NewDBMSExtractor(source, a.logger)
			orderer = analyzer.NewDependencyAnalyzer(source, a.logger)
		}

		instances = append(instances, &ingestor.Instance{
			Name:       name,
			Params:     registry.NewRegistry(ods, inst.Schema, a.logger),
			Watermarks: watermark.NewReader(ods, inst.Schema, a.logger),
			Extractor:  ex,
			Reconciler: reconciler.NewReconciler(ods, inst.Schema, a.logger),
			Writer:     writer.NewMergeWriter(ods, inst.Schema, a.logger),
			Orderer:    orderer,
		})
	}

	runLedger := ledger.NewLedger(ledgerDB, a.cfg.Ledger.Table, a.logger)
	return ingestor.NewIngestor(runLedger, instances, a.cfg.Parameters.DefaultChunkSize, a.logger), nil
}

func main() {
	var (
		configPath  string
		envFile     string
		logLevel    string
		logFile     string
		instances   []string
		analyzeOnly bool
	)

	rootCmd := &cobra.Command{
		Use:   "ods-ingest",
		Short: "Incremental ETL from source systems into an operational data store",
		Long: `ODS Ingest

Loads entities registered in each instance's entity_params table from their
source into the operational data store, keeping one current version per
business key and recording every run in the ledger.`,
		SilenceUsage: true,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Ingest the active entities of the given instances (all when none given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := setup(configPath, envFile, logLevel, logFile)
			if err != nil {
				return err
			}
			defer a.close()

			// Unknown instances fail before anything touches the ledger
			names, err := a.cfg.ResolveInstances(instances...)
			if err != nil {
				a.logger.Error(err)
				return err
			}

			ing, err := a.buildIngestor(ctx, names, !analyzeOnly)
			if err != nil {
				a.logger.Errorf("Failed to prepare run: %v", err)
				return err
			}

			// If analyze-only mode, print load order and exit
			if analyzeOnly {
				for _, name := range names {
					planned, err := ing.Plan(ctx, name)
					if err != nil {
						a.logger.Errorf("Failed to plan %s: %v", name, err)
						return err
					}
					utils.PrintLoadOrder(os.Stdout, name, planned)
				}
				a.logger.Info("Analyze-only mode, exiting without ingesting data")
				return nil
			}

			a.logger.Info("Starting ingestion...")
			result, err := ing.Run(ctx, names...)
			if result != nil {
				utils.PrintSummary(os.Stdout, result)
			}
			if err != nil {
				return err
			}
			if result.Status == models.StatusFailed {
				return fmt.Errorf("run %d failed for %d entities", result.RunID, len(result.Failed()))
			}
			return nil
		},
	}
	runCmd.Flags().StringSliceVarP(&instances, "instance", "i", nil, "Instance to ingest (repeatable, default: all)")
	runCmd.Flags().BoolVarP(&analyzeOnly, "analyze-only", "a", false, "Only print the entity load order without ingesting data")

	deployCmd := &cobra.Command{
		Use:   "deploy",
		Short: "Create the ledger table and apply configured DDL and seed statements",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := setup(configPath, envFile, logLevel, logFile)
			if err != nil {
				return err
			}
			defer a.close()

			ods, err := a.connector("ods", a.cfg.ODS)
			if err != nil {
				return err
			}
			ledgerDB, err := a.connector("ledger", a.cfg.Ledger.ConnectionConfig)
			if err != nil {
				return err
			}

			runLedger := ledger.NewLedger(ledgerDB, a.cfg.Ledger.Table, a.logger)
			if err := deploy.NewDeployer(ods, runLedger, a.cfg, a.logger).Deploy(ctx, instances...); err != nil {
				a.logger.Errorf("Deployment failed: %v", err)
				return err
			}
			a.logger.Info("Deployment complete")
			return nil
		},
	}
	deployCmd.Flags().StringSliceVarP(&instances, "instance", "i", nil, "Instance to deploy (repeatable, default: all)")

	// Define flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the configuration file")
	rootCmd.PersistentFlags().StringVarP(&envFile, "env-file", "e", ".env", "Path to .env file")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Append log output to this file")

	rootCmd.AddCommand(runCmd, deployCmd)

	// Execute
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
