package models

import "time"

// Sync decisions and outcomes recorded per link per cycle.
const (
	DecisionPush     = "push"
	DecisionPull     = "pull"
	DecisionSkip     = "skip"
	DecisionConflict = "conflict"

	OutcomeApplied  = "applied"
	OutcomeFailed   = "failed"
	OutcomeDeferred = "deferred"
)

// SyncRecord is the audit row written for one link in one cycle.
type SyncRecord struct {
	ID                 uint   `gorm:"primaryKey;autoIncrement"`
	CycleID            string `gorm:"size:36;index"`
	CardID             string `gorm:"size:32;index"`
	IntegrationID      string `gorm:"size:64"`
	ExternalID         string `gorm:"size:128"`
	LocalStatus        string `gorm:"size:32"`
	LocalModifiedAt    time.Time
	ExternalSummary    string `gorm:"type:text"`
	ExternalStatus     string `gorm:"size:32"`
	ExternalModifiedAt *time.Time
	Decision           string `gorm:"size:16"`
	Outcome            string `gorm:"size:16"`
	Winner             string `gorm:"size:16"`
	LoserState         string `gorm:"type:text"`
	Error              string `gorm:"type:text"`
	CreatedAt          time.Time
}

// SyncCycle summarizes one engine run.
type SyncCycle struct {
	ID         string    `gorm:"primaryKey;size:36"`
	Scope      string    `gorm:"size:128"`
	StartedAt  time.Time `gorm:"index"`
	FinishedAt *time.Time
	Processed  int
	Pushed     int
	Pulled     int
	Conflicted int
	Failed     int
	Orphaned   int
	Skipped    int
	Deferred   int
	Error      string `gorm:"type:text"`
}

// IntegrationStatus is the last-known health of one integration.
type IntegrationStatus struct {
	IntegrationID       string `gorm:"primaryKey;size:64"`
	LastCycleAt         *time.Time
	LastSuccessAt       *time.Time
	LastError           string `gorm:"type:text"`
	AuthFailed          bool   `gorm:"default:false"`
	ConsecutiveFailures int    `gorm:"default:0"`
	UpdatedAt           time.Time
}
