// Package store persists job definitions and run logs through gorm.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/0xPuncker/fleetcron/internal/config"
	"github.com/0xPuncker/fleetcron/pkg/types"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

var (
	ErrNotFound      = errors.New("job not found")
	ErrInvalidFilter = errors.New("unsupported filter")
)

var jobFilters = map[string]string{
	"id":        "id",
	"title":     "title",
	"type":      "type",
	"status":    "status",
	"singleton": "singleton",
}

var logFilters = map[string]string{
	"crontab_id":  "crontab_id",
	"sid":         "crontab_id",
	"return_code": "return_code",
}

type Store struct {
	db       *gorm.DB
	jobTable string
	logTable string
	logger   *logrus.Logger
}

// Open connects to the configured database. Table names get the configured
// prefix through gorm's naming strategy.
func Open(cfg config.DatabaseConfig, log *logrus.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.New(postgres.Config{
			DriverName: "postgres",
			DSN:        cfg.DSN,
		})
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	level := logger.Warn
	if log.IsLevelEnabled(logrus.DebugLevel) {
		level = logger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		NamingStrategy: schema.NamingStrategy{
			TablePrefix:   cfg.Prefix,
			SingularTable: true,
		},
		Logger: logger.New(log, logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)
	}
	return db, nil
}

// New binds a store to db using the configured table names.
func New(db *gorm.DB, cfg config.DatabaseConfig, log *logrus.Logger) *Store {
	namer := db.NamingStrategy
	return &Store{
		db:       db,
		jobTable: namer.TableName(cfg.CrontabTable),
		logTable: namer.TableName(cfg.CrontabLogTable),
		logger:   log,
	}
}

func (s *Store) JobTable() string { return s.jobTable }

func (s *Store) LogTable() string { return s.logTable }

// Bootstrap creates both tables when absent. Safe to call on every start.
func (s *Store) Bootstrap(ctx context.Context) error {
	migrator := s.db.WithContext(ctx)
	if err := migrator.Table(s.jobTable).AutoMigrate(&types.JobDefinition{}); err != nil {
		return fmt.Errorf("failed to create table %s: %w", s.jobTable, err)
	}
	if err := migrator.Table(s.logTable).AutoMigrate(&types.RunLogEntry{}); err != nil {
		return fmt.Errorf("failed to create table %s: %w", s.logTable, err)
	}

	s.logger.WithFields(logrus.Fields{
		"job_table": s.jobTable,
		"log_table": s.logTable,
	}).Debug("Schema ready")
	return nil
}

func (s *Store) jobs(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Table(s.jobTable)
}

func (s *Store) logs(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Table(s.logTable)
}

func applyFilters(tx *gorm.DB, where map[string]any, allowed map[string]string) (*gorm.DB, error) {
	for key, value := range where {
		column, ok := allowed[key]
		if !ok {
			return nil, fmt.Errorf("%w %q", ErrInvalidFilter, key)
		}
		if value == nil || value == "" {
			continue
		}
		tx = tx.Where(column+" = ?", value)
	}
	return tx, nil
}

func notFound(err error, id int64) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return fmt.Errorf("failed to load job %d: %w", id, err)
}
