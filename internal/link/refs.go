package link

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/zulandar/coupler/internal/card"
	"github.com/zulandar/coupler/internal/models"
	"gorm.io/gorm"
)

// Refs is the external-reference view of one card. It is exactly one of
// Linked, LegacyOnly or None.
type Refs interface {
	refs()
}

// Linked is a card holding stored links. PendingLegacy is set when the card
// also carries a legacy reference that no stored link covers yet.
type Linked struct {
	Links         []models.Link
	PendingLegacy *models.Link
}

// LegacyOnly is a card whose only reference is the legacy field, presented
// as a transient link.
type LegacyOnly struct {
	Link models.Link
}

// None is a card without external references.
type None struct{}

func (Linked) refs()     {}
func (LegacyOnly) refs() {}
func (None) refs()       {}

// Refs loads the reference view of a card.
func (s *Store) Refs(cardID string) (Refs, error) {
	var c models.Card
	err := s.db.Preload("Links").Where("id = ?", cardID).First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", card.ErrNotFound, cardID)
		}
		return nil, fmt.Errorf("link: load %s: %w", cardID, err)
	}
	return s.refsOf(c), nil
}

func (s *Store) refsOf(c models.Card) Refs {
	links := c.Links
	sortByPosition(links)
	legacy := s.legacyLink(c, links)
	switch {
	case len(links) > 0:
		return Linked{Links: links, PendingLegacy: legacy}
	case legacy != nil:
		return LegacyOnly{Link: *legacy}
	default:
		return None{}
	}
}

// LegacyIntegration returns the integration owning a card's legacy
// reference, or "" when none can be resolved.
func (s *Store) LegacyIntegration(c models.Card) string {
	if c.LegacyIntegrationID != "" {
		return c.LegacyIntegrationID
	}
	return s.opts.LegacyIntegration
}

// legacyLink synthesizes the transient link for an unmigrated legacy
// reference, or returns nil when there is nothing to synthesize.
func (s *Store) legacyLink(c models.Card, links []models.Link) *models.Link {
	ext := strings.TrimSpace(c.LegacyExternalID)
	if ext == "" {
		return nil
	}
	integ := s.LegacyIntegration(c)
	if integ == "" {
		slog.Debug("legacy reference has no integration", "card", c.ID, "external_id", ext)
		return nil
	}
	for _, l := range links {
		if l.IntegrationID == integ && l.ExternalID == ext {
			return nil
		}
	}

	linkedAt := c.UpdatedAt
	if linkedAt.IsZero() {
		linkedAt = c.CreatedAt
	}
	l := &models.Link{
		CardID:        c.ID,
		IntegrationID: integ,
		ExternalID:    ext,
		Position:      len(links),
		Origin:        models.OriginMigrated,
		SyncState:     models.SyncUnsynced,
		LinkedAt:      linkedAt,
		Transient:     true,
	}
	if s.opts.BrowseURL != nil {
		l.ExternalURL = s.opts.BrowseURL(integ, ext)
	}
	return l
}

// PendingLegacy returns the link a card's legacy reference would become, or
// nil when the reference is empty, unresolvable or already covered by a
// stored link. c.Links must be loaded.
func (s *Store) PendingLegacy(c models.Card) *models.Link {
	links := slices.Clone(c.Links)
	sortByPosition(links)
	return s.legacyLink(c, links)
}

// ClearLegacy strips a card's legacy reference fields, but only while the
// equivalent stored link exists. The card's UpdatedAt is left alone.
func (s *Store) ClearLegacy(cardID, integrationID, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Transaction(func(tx *gorm.DB) error {
		if _, err := find(tx, cardID, integrationID, externalID); err != nil {
			return err
		}
		result := tx.Model(&models.Card{}).Where("id = ?", cardID).UpdateColumns(map[string]interface{}{
			"legacy_external_id":    "",
			"legacy_integration_id": "",
		})
		if result.Error != nil {
			return fmt.Errorf("link: clear legacy %s: %w", cardID, result.Error)
		}
		return nil
	})
}
