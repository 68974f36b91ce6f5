package deploy

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/vitebski/ods-ingest/internal/config"
	"github.com/vitebski/ods-ingest/internal/connector"
)

// TableEnsurer creates the run ledger table
type TableEnsurer interface {
	EnsureTable(ctx context.Context) error
}

// Deployer applies the configured DDL and seed statements of each instance to the ODS
type Deployer struct {
	DB     *connector.DatabaseConnector
	Ledger TableEnsurer
	Config *config.Config
	Logger *logrus.Logger
}

// NewDeployer creates a new deployer
func NewDeployer(db *connector.DatabaseConnector, ledger TableEnsurer, cfg *config.Config, logger *logrus.Logger) *Deployer {
	return &Deployer{
		DB:     db,
		Ledger: ledger,
		Config: cfg,
		Logger: logger,
	}
}

// Deploy ensures the ledger table, then runs DDL and seed statements per instance.
// Objects that already exist and seed rows already present are skipped.
func (d *Deployer) Deploy(ctx context.Context, instances ...string) error {
	names, err := d.Config.ResolveInstances(instances...)
	if err != nil {
		return err
	}

	if err := d.Ledger.EnsureTable(ctx); err != nil {
		return err
	}
	d.Logger.Info("Ledger table ready")

	for _, name := range names {
		inst := d.Config.Instances[name]
		logger := d.Logger.WithField("instance", name)

		created, err := d.apply(ctx, inst.Deploy.DDL, connector.IsAlreadyExists)
		if err != nil {
			return fmt.Errorf("deploy %s: %w", name, err)
		}
		seeded, err := d.apply(ctx, inst.Deploy.Seed, connector.IsDuplicateKey)
		if err != nil {
			return fmt.Errorf("seed %s: %w", name, err)
		}

		logger.Infof("Deployed %d/%d DDL and %d/%d seed statements",
			created, len(inst.Deploy.DDL), seeded, len(inst.Deploy.Seed))
	}
	return nil
}

// apply executes statements in order, counting those that took effect
func (d *Deployer) apply(ctx context.Context, statements []string, skip func(error) bool) (int, error) {
	applied := 0
	for i, stmt := range statements {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := d.DB.ExecuteStatement(ctx, stmt); err != nil {
			if skip(err) {
				d.Logger.Debugf("Skipping statement %d: %v", i+1, err)
				continue
			}
			return applied, fmt.Errorf("statement %d: %w", i+1, err)
		}
		applied++
	}
	return applied, nil
}
