package models

import "time"

// MigrationRun records one invocation of the legacy reference migration.
type MigrationRun struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	Mode       string `gorm:"size:16;index"`
	StartedAt  time.Time
	FinishedAt *time.Time
	Scanned    int
	Migrated   int
	Removed    int
	Skipped    int
	Errors     int
}
