package database

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/pagenest/pagesync/internal/pages"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:database_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := OpenSQLite(dsn, nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access database: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func TestOpenSQLiteCreatesSchema(t *testing.T) {
	db := openTestDB(t)

	for _, table := range []string{"pages", "sync_operations", "sync_checkpoints", "db_migrations"} {
		if !db.Migrator().HasTable(table) {
			t.Fatalf("expected table %s to exist", table)
		}
	}
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	if _, err := OpenSQLite("", nil); err == nil {
		t.Fatalf("expected empty path to be rejected")
	}
}

func TestBackfillPageCreatedAt(t *testing.T) {
	dsn := fmt.Sprintf("file:database_backfill_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access database: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&pages.Page{}, &migrationRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	// A row written by an early build, before creation timestamps existed.
	legacy := pages.Page{Title: "Legacy", ContentType: pages.ContentTypePage, CreatedAt: "", UpdatedAt: "2026-01-05T10:00:00.000Z"}
	if err := db.Create(&legacy).Error; err != nil {
		t.Fatalf("failed to seed legacy row: %v", err)
	}
	modern := pages.Page{Title: "Modern", ContentType: pages.ContentTypePage, CreatedAt: "2026-02-01T08:00:00.000Z", UpdatedAt: "2026-02-01T09:00:00.000Z"}
	if err := db.Create(&modern).Error; err != nil {
		t.Fatalf("failed to seed modern row: %v", err)
	}

	if err := applyMigrations(db, nil); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}

	var backfilled pages.Page
	if err := db.Where("local_id = ?", legacy.LocalID).Take(&backfilled).Error; err != nil {
		t.Fatalf("failed to reload legacy row: %v", err)
	}
	if backfilled.CreatedAt != "2026-01-05T10:00:00.000Z" {
		t.Fatalf("expected created_at backfilled from updated_at, got %q", backfilled.CreatedAt)
	}

	var untouched pages.Page
	if err := db.Where("local_id = ?", modern.LocalID).Take(&untouched).Error; err != nil {
		t.Fatalf("failed to reload modern row: %v", err)
	}
	if untouched.CreatedAt != "2026-02-01T08:00:00.000Z" {
		t.Fatalf("expected populated created_at left alone, got %q", untouched.CreatedAt)
	}

	var record migrationRecord
	if err := db.Where("name = ?", migrationBackfillCreatedAt).Take(&record).Error; err != nil {
		t.Fatalf("expected migration to be recorded: %v", err)
	}

	// Re-running is a no-op once recorded.
	if err := applyMigrations(db, nil); err != nil {
		t.Fatalf("expected re-run to be harmless: %v", err)
	}
	var count int64
	if err := db.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count migrations: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one migration record, got %d", count)
	}
}
