package dashboard

import (
	"slices"
	"strings"

	"github.com/zulandar/coupler/internal/models"
	"gorm.io/gorm"
)

// RecentCycles returns the latest sync cycles, newest first.
func RecentCycles(db *gorm.DB, limit int) ([]models.SyncCycle, error) {
	var cycles []models.SyncCycle
	if err := db.Order("started_at DESC").Limit(limit).Find(&cycles).Error; err != nil {
		return nil, err
	}
	if cycles == nil {
		cycles = []models.SyncCycle{}
	}
	return cycles, nil
}

// CardHistory returns the audit records of a card, newest first.
func CardHistory(db *gorm.DB, cardID string, limit int) ([]models.SyncRecord, error) {
	var recs []models.SyncRecord
	if err := db.Where("card_id = ?", cardID).Order("id DESC").Limit(limit).Find(&recs).Error; err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []models.SyncRecord{}
	}
	return recs, nil
}

// LinkStateCount holds link counts by sync state for one integration.
type LinkStateCount struct {
	IntegrationID string `json:"integration_id"`
	Unsynced      int    `json:"unsynced"`
	Synced        int    `json:"synced"`
	Pending       int    `json:"pending"`
	Conflicted    int    `json:"conflicted"`
	Failed        int    `json:"failed"`
	Orphaned      int    `json:"orphaned"`
	Total         int    `json:"total"`
}

// LinkStateSummary returns per-integration link counts grouped by state.
func LinkStateSummary(db *gorm.DB) ([]LinkStateCount, error) {
	type row struct {
		IntegrationID string
		SyncState     string
		Orphaned      bool
		Count         int
	}
	var rows []row
	if err := db.Model(&models.Link{}).
		Select("integration_id, sync_state, orphaned, count(*) as count").
		Group("integration_id, sync_state, orphaned").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	// Aggregate by integration.
	byID := make(map[string]*LinkStateCount)
	for _, r := range rows {
		lc, ok := byID[r.IntegrationID]
		if !ok {
			lc = &LinkStateCount{IntegrationID: r.IntegrationID}
			byID[r.IntegrationID] = lc
		}
		lc.Total += r.Count
		if r.Orphaned {
			lc.Orphaned += r.Count
			continue
		}
		switch r.SyncState {
		case models.SyncUnsynced:
			lc.Unsynced += r.Count
		case models.SyncSynced:
			lc.Synced += r.Count
		case models.SyncPushPending, models.SyncPullPending:
			lc.Pending += r.Count
		case models.SyncConflicted:
			lc.Conflicted += r.Count
		case models.SyncFailed:
			lc.Failed += r.Count
		}
	}

	result := make([]LinkStateCount, 0, len(byID))
	for _, lc := range byID {
		result = append(result, *lc)
	}
	slices.SortFunc(result, func(a, b LinkStateCount) int { return strings.Compare(a.IntegrationID, b.IntegrationID) })
	return result, nil
}
