// Package link owns the durable association between cards and external
// records. All writes go through Store, which serializes them.
package link

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/zulandar/coupler/internal/card"
	"github.com/zulandar/coupler/internal/models"
	"gorm.io/gorm"
)

// ErrNotFound is returned when no link matches the requested identity.
var ErrNotFound = errors.New("link: not found")

// Options configures a Store.
type Options struct {
	// LegacyIntegration owns legacy references on cards that do not name one.
	LegacyIntegration string
	// BrowseURL derives the external URL of synthesized legacy links.
	BrowseURL func(integrationID, externalID string) string
	// Now overrides the clock used for LinkedAt defaults.
	Now func() time.Time
}

// Store reads and writes links.
type Store struct {
	db   *gorm.DB
	opts Options
	mu   sync.Mutex
}

// NewStore creates a Store over db.
func NewStore(db *gorm.DB, opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{db: db, opts: opts}
}

// DB returns the underlying database handle.
func (s *Store) DB() *gorm.DB { return s.db }

// AddLink attaches an external record to a card. When the card already holds
// a link to the same (IntegrationID, ExternalID) the existing link is
// returned unchanged and created is false.
func (s *Store) AddLink(cardID string, l models.Link) (models.Link, bool, error) {
	l.IntegrationID = strings.TrimSpace(l.IntegrationID)
	l.ExternalID = strings.TrimSpace(l.ExternalID)
	if l.IntegrationID == "" || l.ExternalID == "" {
		return models.Link{}, false, fmt.Errorf("link: add: integration and external id are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out models.Link
	created := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&models.Card{}).Where("id = ?", cardID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", card.ErrNotFound, cardID)
		}

		existing, err := find(tx, cardID, l.IntegrationID, l.ExternalID)
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		var next int
		if err := tx.Model(&models.Link{}).Where("card_id = ?", cardID).
			Select("COALESCE(MAX(position), -1) + 1").Scan(&next).Error; err != nil {
			return err
		}

		l.ID = 0
		l.CardID = cardID
		l.Position = next
		l.Transient = false
		if l.LinkedAt.IsZero() {
			l.LinkedAt = s.opts.Now()
		}
		if l.Origin == "" {
			l.Origin = models.OriginManual
		}
		if l.SyncState == "" {
			l.SyncState = models.SyncUnsynced
		}
		if l.Primary {
			if err := clearPrimary(tx, cardID); err != nil {
				return err
			}
		}
		if err := tx.Create(&l).Error; err != nil {
			return err
		}
		out, created = l, true
		return nil
	})
	if err != nil {
		if errors.Is(err, card.ErrNotFound) {
			return models.Link{}, false, err
		}
		// A concurrent writer outside this process may have won the unique index.
		if existing, ferr := find(s.db, cardID, l.IntegrationID, l.ExternalID); ferr == nil {
			return existing, false, nil
		}
		return models.Link{}, false, fmt.Errorf("link: add %s/%s to %s: %w", l.IntegrationID, l.ExternalID, cardID, err)
	}
	return out, created, nil
}

// RemoveLink deletes a link. Only explicit unlinking destroys links.
func (s *Store) RemoveLink(cardID, integrationID, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := s.db.Where("card_id = ? AND integration_id = ? AND external_id = ?", cardID, integrationID, externalID).
		Delete(&models.Link{})
	if result.Error != nil {
		return fmt.Errorf("link: remove %s/%s from %s: %w", integrationID, externalID, cardID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s %s/%s", ErrNotFound, cardID, integrationID, externalID)
	}
	return nil
}

// Get returns one stored link.
func (s *Store) Get(cardID, integrationID, externalID string) (models.Link, error) {
	l, err := find(s.db, cardID, integrationID, externalID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return models.Link{}, fmt.Errorf("link: get: %w", err)
	}
	return l, err
}

// GetLinks returns a card's links in insertion order. An unmigrated legacy
// reference is appended as a transient link.
func (s *Store) GetLinks(cardID string) ([]models.Link, error) {
	refs, err := s.Refs(cardID)
	if err != nil {
		return nil, err
	}
	switch r := refs.(type) {
	case Linked:
		if r.PendingLegacy != nil {
			return append(r.Links, *r.PendingLegacy), nil
		}
		return r.Links, nil
	case LegacyOnly:
		return []models.Link{r.Link}, nil
	default:
		return nil, nil
	}
}

// GetPrimaryLink returns the explicitly marked primary link, else the most
// recently linked one. It returns nil when the card has no links.
func (s *Store) GetPrimaryLink(cardID string) (*models.Link, error) {
	links, err := s.GetLinks(cardID)
	if err != nil {
		return nil, err
	}
	return Primary(links), nil
}

// Primary picks the primary link from links. Ties on LinkedAt go to the
// later position. A transient legacy link is only elected when no stored
// link exists.
func Primary(links []models.Link) *models.Link {
	if len(links) == 0 {
		return nil
	}
	stored := slices.ContainsFunc(links, func(l models.Link) bool { return !l.Transient })
	var best *models.Link
	for i := range links {
		l := &links[i]
		if stored && l.Transient {
			continue
		}
		if l.Primary {
			return l
		}
		if best == nil || l.LinkedAt.After(best.LinkedAt) || (l.LinkedAt.Equal(best.LinkedAt) && l.Position >= best.Position) {
			best = l
		}
	}
	return best
}

// SetPrimary marks one link primary and clears the flag on the card's others.
func (s *Store) SetPrimary(cardID, integrationID, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Transaction(func(tx *gorm.DB) error {
		l, err := find(tx, cardID, integrationID, externalID)
		if err != nil {
			return err
		}
		if err := clearPrimary(tx, cardID); err != nil {
			return err
		}
		return tx.Model(&models.Link{}).Where("id = ?", l.ID).UpdateColumn("is_primary", true).Error
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("link: set primary: %w", err)
	}
	return nil
}

// UpdateCachedState refreshes the cached external fields of a link. LinkedAt
// is never modified.
func (s *Store) UpdateCachedState(cardID, integrationID, externalID, summary, status string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := s.db.Model(&models.Link{}).
		Where("card_id = ? AND integration_id = ? AND external_id = ?", cardID, integrationID, externalID).
		UpdateColumns(map[string]interface{}{"summary": summary, "status": status, "last_synced_at": at})
	if result.Error != nil {
		return fmt.Errorf("link: update cached state: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s %s/%s", ErrNotFound, cardID, integrationID, externalID)
	}
	return nil
}

// LinksForIntegration returns the stored links of one integration ordered by
// card and position. A non-empty cardID narrows the result to that card.
func (s *Store) LinksForIntegration(integrationID, cardID string) ([]models.Link, error) {
	q := s.db.Where("integration_id = ?", integrationID)
	if cardID != "" {
		q = q.Where("card_id = ?", cardID)
	}
	var links []models.Link
	if err := q.Order("card_id ASC, position ASC, id ASC").Find(&links).Error; err != nil {
		return nil, fmt.Errorf("link: list for %s: %w", integrationID, err)
	}
	return links, nil
}

// OrphanedLinks returns links that have been orphaned for at least staleness.
func (s *Store) OrphanedLinks(staleness time.Duration) ([]models.Link, error) {
	cutoff := s.opts.Now().Add(-staleness)
	var links []models.Link
	err := s.db.Where("orphaned = ? AND orphaned_at <= ?", true, cutoff).
		Order("orphaned_at ASC, id ASC").Find(&links).Error
	if err != nil {
		return nil, fmt.Errorf("link: list orphaned: %w", err)
	}
	return links, nil
}

func find(db *gorm.DB, cardID, integrationID, externalID string) (models.Link, error) {
	var l models.Link
	err := db.Where("card_id = ? AND integration_id = ? AND external_id = ?", cardID, integrationID, externalID).
		First(&l).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Link{}, fmt.Errorf("%w: %s %s/%s", ErrNotFound, cardID, integrationID, externalID)
		}
		return models.Link{}, err
	}
	return l, nil
}

func clearPrimary(tx *gorm.DB, cardID string) error {
	return tx.Model(&models.Link{}).Where("card_id = ? AND is_primary = ?", cardID, true).
		UpdateColumn("is_primary", false).Error
}

func sortByPosition(links []models.Link) {
	slices.SortStableFunc(links, func(a, b models.Link) int { return a.Position - b.Position })
}
