package link

import (
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/coupler/internal/models"
	"gorm.io/gorm"
)

// Outcome is the result of processing one link in one cycle.
type Outcome struct {
	// Link carries the new cached and sync-state fields. It is matched by ID.
	Link models.Link
	// CardStatus, when set, is written to the card with CardUpdatedAt as
	// its modification time.
	CardStatus    string
	CardUpdatedAt time.Time
	// Record is the audit row for the cycle. Optional.
	Record *models.SyncRecord
}

// Commit applies an outcome in one transaction: link, card and audit
// record. It returns ErrNotFound when the link was removed meanwhile, in
// which case nothing is written.
func (s *Store) Commit(o Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Transaction(func(tx *gorm.DB) error {
		l := o.Link
		result := tx.Model(&models.Link{}).Where("id = ?", l.ID).UpdateColumns(map[string]interface{}{
			"external_url":         l.ExternalURL,
			"summary":              l.Summary,
			"status":               l.Status,
			"sync_state":           l.SyncState,
			"orphaned":             l.Orphaned,
			"orphaned_at":          l.OrphanedAt,
			"consecutive_failures": l.ConsecutiveFailures,
			"last_error":           l.LastError,
			"last_synced_at":       l.LastSyncedAt,
			"reconciled_at":        l.ReconciledAt,
		})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: %s %s/%s", ErrNotFound, l.CardID, l.IntegrationID, l.ExternalID)
		}

		if o.CardStatus != "" {
			if err := tx.Model(&models.Card{}).Where("id = ?", l.CardID).UpdateColumns(map[string]interface{}{
				"status":     o.CardStatus,
				"updated_at": o.CardUpdatedAt,
			}).Error; err != nil {
				return err
			}
		}

		if o.Record != nil {
			if err := tx.Create(o.Record).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("link: commit %s/%s: %w", o.Link.IntegrationID, o.Link.ExternalID, err)
	}
	return nil
}

// MarkOrphaned flags a link whose external record no longer exists. The
// link is kept; a human decides whether to unlink or re-link it.
func (s *Store) MarkOrphaned(l models.Link, at time.Time, rec *models.SyncRecord) (models.Link, error) {
	if !l.Orphaned || l.OrphanedAt == nil {
		l.OrphanedAt = &at
	}
	l.Orphaned = true
	l.SyncState = models.SyncFailed
	l.LastError = "external record not found"
	l.LastSyncedAt = &at
	return l, s.Commit(Outcome{Link: l, Record: rec})
}

// RecordFailure marks a link failed for this cycle and bumps its
// consecutive failure count. The reconciliation baseline is left alone.
func (s *Store) RecordFailure(l models.Link, at time.Time, cause error, rec *models.SyncRecord) (models.Link, error) {
	l.SyncState = models.SyncFailed
	l.ConsecutiveFailures++
	if cause != nil {
		l.LastError = cause.Error()
	}
	l.LastSyncedAt = &at
	return l, s.Commit(Outcome{Link: l, Record: rec})
}
