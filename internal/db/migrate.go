package db

import (
	"fmt"

	"github.com/zulandar/coupler/internal/config"
	"github.com/zulandar/coupler/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Card{},
		&models.Link{},
		&models.SyncRecord{},
		&models.SyncCycle{},
		&models.IntegrationStatus{},
		&models.MigrationRun{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// SeedIntegrations makes sure every configured integration has a status row.
// Existing rows are left untouched.
func SeedIntegrations(db *gorm.DB, integrations []config.IntegrationConfig) error {
	for _, ic := range integrations {
		st := models.IntegrationStatus{IntegrationID: ic.ID}
		result := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&st)
		if result.Error != nil {
			return fmt.Errorf("db: seed integration %q: %w", ic.ID, result.Error)
		}
	}
	return nil
}
