// Package card provides local card lifecycle operations.
package card

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/coupler/internal/models"
	"gorm.io/gorm"
)

// ErrNotFound is returned when no card has the requested ID.
var ErrNotFound = errors.New("card: not found")

// CreateOpts holds parameters for creating a new card.
type CreateOpts struct {
	Board       string
	Kind        string // card, event
	Title       string
	Description string
	Status      string
	StartsAt    *time.Time
	EndsAt      *time.Time

	LegacyExternalID    string
	LegacyIntegrationID string
}

// ListFilters holds optional filters for listing cards.
type ListFilters struct {
	Board     string
	Status    string
	Kind      string
	HasLegacy bool
}

// ValidStatuses is the set of normalized card statuses.
var ValidStatuses = map[string]bool{
	models.StatusOpen:       true,
	models.StatusInProgress: true,
	models.StatusReview:     true,
	models.StatusDone:       true,
	models.StatusCancelled:  true,
}

// GenerateID creates a unique card ID in card-xxxxx format (5-char hex).
func GenerateID() (string, error) {
	b := make([]byte, 3)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("card: generate ID: %w", err)
	}
	return "card-" + hex.EncodeToString(b)[:5], nil
}

// Create creates a new card with an auto-generated ID.
func Create(db *gorm.DB, opts CreateOpts) (*models.Card, error) {
	if opts.Title == "" {
		return nil, fmt.Errorf("card: title is required")
	}
	if opts.Kind == "" {
		opts.Kind = models.KindCard
	}
	if opts.Kind != models.KindCard && opts.Kind != models.KindEvent {
		return nil, fmt.Errorf("card: invalid kind %q", opts.Kind)
	}
	if opts.Status == "" {
		opts.Status = models.StatusOpen
	}
	if !ValidStatuses[opts.Status] {
		return nil, fmt.Errorf("card: invalid status %q", opts.Status)
	}
	if opts.StartsAt != nil && opts.EndsAt != nil && opts.EndsAt.Before(*opts.StartsAt) {
		return nil, fmt.Errorf("card: ends before it starts")
	}

	id, err := generateUniqueID(db)
	if err != nil {
		return nil, err
	}

	c := models.Card{
		ID:                  id,
		Board:               opts.Board,
		Kind:                opts.Kind,
		Title:               opts.Title,
		Description:         opts.Description,
		Status:              opts.Status,
		StartsAt:            opts.StartsAt,
		EndsAt:              opts.EndsAt,
		LegacyExternalID:    opts.LegacyExternalID,
		LegacyIntegrationID: opts.LegacyIntegrationID,
	}
	if err := db.Create(&c).Error; err != nil {
		return nil, fmt.Errorf("card: create: %w", err)
	}
	return &c, nil
}

// Get retrieves a card by ID with its links in insertion order.
func Get(db *gorm.DB, id string) (*models.Card, error) {
	var c models.Card
	err := db.Preload("Links", func(tx *gorm.DB) *gorm.DB {
		return tx.Order("position ASC, id ASC")
	}).Where("id = ?", id).First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("card: get %s: %w", id, err)
	}
	return &c, nil
}

// List returns cards matching the given filters, ordered by creation time.
func List(db *gorm.DB, filters ListFilters) ([]models.Card, error) {
	q := db.Model(&models.Card{})

	if filters.Board != "" {
		q = q.Where("board = ?", filters.Board)
	}
	if filters.Status != "" {
		q = q.Where("status = ?", filters.Status)
	}
	if filters.Kind != "" {
		q = q.Where("kind = ?", filters.Kind)
	}
	if filters.HasLegacy {
		q = q.Where("legacy_external_id IS NOT NULL AND legacy_external_id <> ''")
	}

	var cards []models.Card
	if err := q.Order("created_at ASC, id ASC").Find(&cards).Error; err != nil {
		return nil, fmt.Errorf("card: list: %w", err)
	}
	return cards, nil
}

// SetStatus moves a card to a new status and bumps its modification time.
func SetStatus(db *gorm.DB, id, status string) error {
	if !ValidStatuses[status] {
		return fmt.Errorf("card: invalid status %q", status)
	}
	return Update(db, id, map[string]interface{}{"status": status})
}

// Update modifies card fields. Legacy reference fields cannot be changed here.
func Update(db *gorm.DB, id string, updates map[string]interface{}) error {
	for _, k := range []string{"legacy_external_id", "legacy_integration_id", "id"} {
		if _, ok := updates[k]; ok {
			return fmt.Errorf("card: field %s is read-only", k)
		}
	}
	if s, ok := updates["status"].(string); ok && !ValidStatuses[s] {
		return fmt.Errorf("card: invalid status %q", s)
	}

	result := db.Model(&models.Card{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("card: update %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// generateUniqueID generates an ID and retries once on collision.
func generateUniqueID(db *gorm.DB) (string, error) {
	for range 2 {
		id, err := GenerateID()
		if err != nil {
			return "", err
		}
		var count int64
		if err := db.Model(&models.Card{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return "", fmt.Errorf("card: check ID uniqueness: %w", err)
		}
		if count == 0 {
			return id, nil
		}
	}
	return "", fmt.Errorf("card: failed to generate unique ID after retries")
}
