// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package database

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/PerceptLabs/mvmnt/database/models"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"
)

var ErrNotFound = errors.New("record not found")

// Database is the read model store. Relational data lives in SQLite and
// replay keys live in a Badger key-value store. Both are in-memory when no
// data directory is configured
type Database struct {
	logger  *slog.Logger
	db      *gorm.DB
	kv      *BadgerStore
	dataDir string
}

type DatabaseOptionFunc func(*Database)

// WithLogger specifies the logger object to use for logging messages
func WithLogger(logger *slog.Logger) DatabaseOptionFunc {
	return func(d *Database) {
		d.logger = logger
	}
}

// WithDataDir specifies the data directory to use for storage
func WithDataDir(dataDir string) DatabaseOptionFunc {
	return func(d *Database) {
		d.dataDir = dataDir
	}
}

// New creates a new database instance with optional persistence using the
// configured data directory
func New(opts ...DatabaseOptionFunc) (*Database, error) {
	d := &Database{}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		d.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if d.dataDir != "" {
		// Make sure that we can read data dir, and create if it doesn't exist
		if _, err := os.Stat(d.dataDir); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read data dir: %w", err)
			}
			if err := os.MkdirAll(d.dataDir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create data dir: %w", err)
			}
		}
	}
	if err := d.openMetadata(); err != nil {
		return nil, err
	}
	kv, err := NewBadgerStore(d.dataDir, d.logger)
	if err != nil {
		_ = d.closeMetadata()
		return nil, err
	}
	d.kv = kv
	return d, nil
}

func (d *Database) openMetadata() error {
	var dsn string
	if d.dataDir == "" {
		// Each in-memory database gets its own name so that separate
		// instances in one process do not share tables
		dsn = fmt.Sprintf(
			"file:mvmnt-%s?mode=memory&cache=shared",
			uuid.NewString(),
		)
	} else {
		// WAL journal mode, wait on locks instead of failing immediately
		dsn = fmt.Sprintf(
			"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
			filepath.Join(d.dataDir, "metadata.sqlite"),
		)
	}
	db, err := gorm.Open(
		sqlite.Open(dsn),
		&gorm.Config{
			Logger:                 gormlogger.Discard,
			SkipDefaultTransaction: true,
		},
	)
	if err != nil {
		return err
	}
	d.db = db
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	// SQLite allows a single writer
	sqlDB.SetMaxOpenConns(1)
	// Configure tracing for GORM
	if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return err
	}
	for _, model := range models.MigrateModels {
		d.logger.Debug(
			fmt.Sprintf("creating table: %T", model),
			"component", "database",
		)
		if err := db.AutoMigrate(model); err != nil {
			return fmt.Errorf("migrate %T: %w", model, err)
		}
	}
	return nil
}

// DB returns the underlying gorm handle
func (d *Database) DB() *gorm.DB {
	return d.db
}

// KV returns the key-value store
func (d *Database) KV() KVStore {
	return d.kv
}

// DataDir returns the path to the data directory used for storage
func (d *Database) DataDir() string {
	return d.dataDir
}

// Vacuum frees unused space in the SQLite database. It is a no-op for
// in-memory databases
func (d *Database) Vacuum() error {
	if d.dataDir == "" {
		return nil
	}
	if result := d.db.Exec("VACUUM"); result.Error != nil {
		return fmt.Errorf("vacuum: %w", result.Error)
	}
	return nil
}

// Close cleans up the database connections
func (d *Database) Close() error {
	var err error
	err = errors.Join(err, d.closeMetadata())
	if d.kv != nil {
		err = errors.Join(err, d.kv.Close())
	}
	return err
}

func (d *Database) closeMetadata() error {
	if d.db == nil {
		return nil
	}
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
