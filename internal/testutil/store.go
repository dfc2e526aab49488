// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/0xPuncker/fleetcron/internal/config"
	"github.com/0xPuncker/fleetcron/internal/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func Logger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.DebugLevel)
	return logger
}

// DatabaseConfig points at a private in-memory sqlite database.
func DatabaseConfig() config.DatabaseConfig {
	cfg := config.DefaultConfig().Database
	cfg.Driver = "sqlite"
	cfg.DSN = fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString())
	return cfg
}

// NewStore opens a bootstrapped store that is closed with the test.
func NewStore(t *testing.T) *store.Store {
	t.Helper()

	logger := Logger()
	cfg := DatabaseConfig()

	db, err := store.Open(cfg, logger)
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	s := store.New(db, cfg, logger)
	require.NoError(t, s.Bootstrap(context.Background()))
	return s
}
