package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/dailydoom/internal/ideas"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsBackfillsIdeaSlugs(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&ideas.DailyIdea{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	legacy := ideas.DailyIdea{
		Date:             "2024-06-11",
		IssueNumber:      7,
		Seed:             20240611,
		Title:            "Uber for Umbrellas!",
		Pitch:            "pitch",
		FatalFlaw:        "flaw",
		Verdict:          "verdict",
		CreatedAtSeconds: 1,
	}
	if err := database.Create(&legacy).Error; err != nil {
		testContext.Fatalf("failed to insert idea: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored ideas.DailyIdea
	if err := database.Where("date = ?", legacy.Date).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload idea: %v", err)
	}
	if stored.Slug != "uber-for-umbrellas" {
		testContext.Fatalf("expected slug to be backfilled, got %q", stored.Slug)
	}
	if stored.Title != legacy.Title || stored.IssueNumber != legacy.IssueNumber {
		testContext.Fatalf("idea content must not change, got %#v", stored)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillIdeaSlugs).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	// second run is a no-op.
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to re-apply migrations: %v", err)
	}
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "dailydoom.db")
	database, err := Open(Config{Driver: DriverSQLite, Path: databasePath}, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, table := range []string{"daily_ideas", "usage_events", "user_profiles", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s", table)
		}
	}
	if !database.Migrator().HasIndex("usage_events", "idx_usage_events_window") {
		testContext.Fatalf("expected usage window index")
	}
}

func TestOpenRejectsUnknownDriver(testContext *testing.T) {
	if _, err := Open(Config{Driver: "oracle"}, nil); err == nil {
		testContext.Fatalf("expected unsupported driver error")
	}
}
