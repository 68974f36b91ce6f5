package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitebski/ods-ingest/internal/config"
	"github.com/vitebski/ods-ingest/pkg/models"
)

// unreachableLedgerApp points the ledger at a port nothing listens on
func unreachableLedgerApp(t *testing.T) *app {
	t.Helper()
	cfg, err := config.ParseConfig([]byte(`
ods: {host: 127.0.0.1, port: 1, user: etl, database: ods}
ledger: {database: mdh}
instances:
  exports: {kind: file, path: /data/csv}
`))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	a := &app{cfg: cfg, logger: logger}
	t.Cleanup(a.close)
	return a
}

func TestBuildIngestorWithoutLedgerConnection(t *testing.T) {
	a := unreachableLedgerApp(t)

	ing, err := a.buildIngestor(context.Background(), []string{"exports"}, false)
	require.NoError(t, err)
	assert.Contains(t, ing.Instances, "exports")
}

func TestBuildIngestorConnectsLedger(t *testing.T) {
	a := unreachableLedgerApp(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := a.buildIngestor(ctx, []string{"exports"}, true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrConnectivity))
}
