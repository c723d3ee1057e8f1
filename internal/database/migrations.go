package database

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/dailydoom/internal/ideas"
	"github.com/gosimple/slug"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillIdeaSlugs = "2024-06-12_backfill_idea_slugs"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

// dataMigrations run once each, in order, after AutoMigrate has shaped the tables.
var dataMigrations = []migrationDefinition{
	{name: migrationBackfillIdeaSlugs, apply: backfillIdeaSlugs},
}

// applyMigrations runs every pending data migration inside its own transaction together
// with the bookkeeping row, so a failed migration is retried on the next start.
func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	var applied []string
	if err := db.Model(&migrationRecord{}).Pluck("name", &applied).Error; err != nil {
		return fmt.Errorf("list applied migrations: %w", err)
	}
	done := make(map[string]bool, len(applied))
	for _, name := range applied {
		done[name] = true
	}

	for _, migration := range dataMigrations {
		if done[migration.name] {
			continue
		}
		started := time.Now()
		err := db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: time.Now().UTC().Unix()}).Error
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", migration.name, err)
		}
		logger.Info("database migration applied",
			zap.String("migration", migration.name),
			zap.Duration("duration", time.Since(started)))
	}
	return nil
}

// backfillIdeaSlugs derives slugs for rows written before the slug column existed. Only the
// derived column is touched; idea content stays immutable.
func backfillIdeaSlugs(db *gorm.DB) error {
	var rows []ideas.DailyIdea
	if err := db.Where("slug = ?", "").Find(&rows).Error; err != nil {
		return err
	}
	for _, row := range rows {
		if err := db.Model(&ideas.DailyIdea{}).
			Where("date = ?", row.Date).
			Update("slug", slug.Make(row.Title)).Error; err != nil {
			return err
		}
	}
	return nil
}
