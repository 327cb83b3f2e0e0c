// Package database owns the SQLite connection and schema lifecycle for the
// local page store.
package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/pagenest/pagesync/internal/pages"
	"github.com/pagenest/pagesync/internal/syncer"
	"github.com/pagenest/pagesync/internal/syncqueue"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
// The pool is pinned to a single connection: together with transactional
// writes this serializes the title-uniqueness scan against concurrent
// creations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&pages.Page{}, &syncqueue.Operation{}, &syncer.Checkpoint{}, &migrationRecord{}); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
