package models

import "time"

// Link sync states.
const (
	SyncUnsynced    = "unsynced"
	SyncSynced      = "synced"
	SyncPushPending = "push-pending"
	SyncPullPending = "pull-pending"
	SyncConflicted  = "conflicted"
	SyncFailed      = "failed"
)

// Link origins.
const (
	OriginManual     = "manual"
	OriginDiscovered = "discovered"
	OriginMigrated   = "migrated"
	OriginCreated    = "created"
)

// Link associates a card with one record in one external system.
type Link struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	CardID        string `gorm:"size:32;not null;uniqueIndex:idx_link_identity"`
	IntegrationID string `gorm:"size:64;not null;uniqueIndex:idx_link_identity;index"`
	ExternalID    string `gorm:"size:128;not null;uniqueIndex:idx_link_identity"`
	ExternalURL   string `gorm:"size:512"`
	Summary       string `gorm:"type:text"`
	Status        string `gorm:"size:32"`
	Primary       bool   `gorm:"column:is_primary;default:false"`
	Position      int
	Origin        string `gorm:"size:16;default:manual"`

	SyncState           string `gorm:"size:16;default:unsynced;index"`
	Orphaned            bool   `gorm:"default:false"`
	OrphanedAt          *time.Time
	ConsecutiveFailures int    `gorm:"default:0"`
	LastError           string `gorm:"type:text"`

	LinkedAt     time.Time `gorm:"not null"`
	LastSyncedAt *time.Time
	// ReconciledAt is the baseline for change detection: the last time local
	// and external state were known to agree.
	ReconciledAt *time.Time

	// Transient marks a link synthesized from a legacy reference. Never stored.
	Transient bool `gorm:"-"`
}

// Baseline returns the time changes on either side are measured against.
func (l Link) Baseline() time.Time {
	if l.ReconciledAt != nil {
		return *l.ReconciledAt
	}
	return l.LinkedAt
}
