package models

import "time"

// Card statuses. External systems are normalized onto the same vocabulary.
const (
	StatusOpen       = "open"
	StatusInProgress = "in_progress"
	StatusReview     = "review"
	StatusDone       = "done"
	StatusCancelled  = "cancelled"
)

// Card kinds.
const (
	KindCard  = "card"
	KindEvent = "event"
)

// Card is a locally-owned work item: a kanban card or a schedule entry.
type Card struct {
	ID          string `gorm:"primaryKey;size:32"`
	Board       string `gorm:"size:64;index"`
	Kind        string `gorm:"size:16;default:card"`
	Title       string `gorm:"not null"`
	Description string `gorm:"type:text"`
	Status      string `gorm:"size:16;default:open;index"`
	StartsAt    *time.Time
	EndsAt      *time.Time

	// LegacyExternalID is the single external reference cards carried before
	// links existed. Read-only provenance once migrated.
	LegacyExternalID    string `gorm:"size:128"`
	LegacyIntegrationID string `gorm:"size:64"`

	CreatedAt time.Time
	UpdatedAt time.Time

	Links []Link `gorm:"foreignKey:CardID"`
}
