// Package store is the durable side of a participant: message rows keyed by
// id with a nullable sequence, the pending set, the last successful
// connection, invite tokens and hosting state.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const dbFileName = "hall.sqlite"

// Store wraps a SQLite database. All methods are safe for concurrent use.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	path   string
}

// Open opens or creates the store under dataDir. An empty dataDir gives a
// private in-memory database, which is what the tests use.
func Open(dataDir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	var dsn string
	if dataDir == "" {
		// Unique name so that two in-memory stores in one process never share tables
		dsn = fmt.Sprintf("file:mem-%s?mode=memory&cache=shared", uuid.NewString())
	} else {
		if _, err := os.Stat(dataDir); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read data dir: %w", err)
			}
			if err := os.MkdirAll(dataDir, fs.ModePerm); err != nil {
				return nil, fmt.Errorf("failed to create data dir: %w", err)
			}
		}
		dsn = fmt.Sprintf(
			"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
			filepath.Join(dataDir, dbFileName),
		)
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// One writer at a time keeps SQLite free of lock contention errors
	sqlDB.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		logger: logger.With("component", "store"),
		path:   dataDir,
	}
	for _, m := range migrateModels {
		s.logger.Debug(fmt.Sprintf("creating table: %T", m))
		if err := db.AutoMigrate(m); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("migrate %T: %w", m, err)
		}
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}
