package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/zulandar/coupler/internal/models"
	"github.com/zulandar/coupler/internal/notify"
)

// connectionFailed records an integration-level failure. Auth failures alert
// on the transition into the failed state; other failures alert once the
// failure threshold is reached.
func (e *Engine) connectionFailed(ctx context.Context, integrationID string, at time.Time, auth bool, detail string) {
	var alert *notify.Alert
	e.updateStatus(integrationID, func(st *models.IntegrationStatus) {
		wasAuthFailed := st.AuthFailed
		st.LastCycleAt = &at
		st.LastError = detail
		st.AuthFailed = auth
		st.ConsecutiveFailures++
		switch {
		case auth && !wasAuthFailed:
			alert = &notify.Alert{Integration: integrationID, Kind: notify.KindAuth, Message: detail, At: at}
		case !auth && st.ConsecutiveFailures == e.cfg.FailureThreshold:
			alert = &notify.Alert{Integration: integrationID, Kind: notify.KindFailing,
				Message: fmt.Sprintf("unreachable for %d cycles: %s", st.ConsecutiveFailures, detail), At: at}
		}
	})
	if alert != nil {
		e.alert(ctx, *alert)
	}
}

// integrationHealthy records a cycle that ended without an auth failure.
// Links whose failures reached the threshold are reported through LastError.
func (e *Engine) integrationHealthy(ctx context.Context, integrationID string, at time.Time, outs []linkOutcome) {
	var surfaced, crossed []string
	for _, o := range outs {
		if o.result.Surfaced {
			surfaced = append(surfaced, o.result.CardID+"/"+o.result.ExternalID)
		}
		if o.crossed {
			crossed = append(crossed, o.result.CardID+"/"+o.result.ExternalID)
		}
	}
	// A cancelled cycle did not visit every link, so it is not a success.
	complete := ctx.Err() == nil
	e.updateStatus(integrationID, func(st *models.IntegrationStatus) {
		st.LastCycleAt = &at
		if complete {
			st.LastSuccessAt = &at
			st.AuthFailed = false
			st.ConsecutiveFailures = 0
			st.LastError = ""
		}
		if len(surfaced) > 0 {
			st.LastError = fmt.Sprintf("%d link(s) failing repeatedly: %s", len(surfaced), strings.Join(surfaced, ", "))
		}
	})
	if len(crossed) > 0 {
		e.alert(ctx, notify.Alert{
			Integration: integrationID,
			Kind:        notify.KindFailing,
			Message:     fmt.Sprintf("%d link(s) reached %d consecutive failures: %s", len(crossed), e.cfg.FailureThreshold, strings.Join(crossed, ", ")),
			At:          at,
		})
	}
}

func (e *Engine) updateStatus(integrationID string, fn func(*models.IntegrationStatus)) {
	var st models.IntegrationStatus
	err := e.db.Where("integration_id = ?", integrationID).First(&st).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		st = models.IntegrationStatus{IntegrationID: integrationID}
	case err != nil:
		e.logger.Error("load integration status", "integration", integrationID, "error", err)
		return
	}
	fn(&st)
	if err := e.db.Save(&st).Error; err != nil {
		e.logger.Error("save integration status", "integration", integrationID, "error", err)
	}
}

func (e *Engine) alert(ctx context.Context, a notify.Alert) {
	actx, cancel := e.callContext(ctx)
	defer cancel()
	if err := e.notifier.Notify(actx, a); err != nil {
		e.logger.Error("alert delivery failed", "integration", a.Integration, "kind", a.Kind, "error", err)
	}
}

// Status is the health view consumed by status surfaces.
type Status struct {
	LastCycle    *models.SyncCycle          `json:"last_cycle,omitempty"`
	LastCycleAt  *time.Time                 `json:"last_cycle_at,omitempty"`
	Integrations []models.IntegrationStatus `json:"integrations"`
}

// Status returns the last cycle and every integration's health row.
func (e *Engine) Status() (Status, error) {
	var out Status
	var cycle models.SyncCycle
	err := e.db.Order("started_at DESC").First(&cycle).Error
	switch {
	case err == nil:
		out.LastCycle = &cycle
		out.LastCycleAt = &cycle.StartedAt
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return Status{}, fmt.Errorf("syncer: load last cycle: %w", err)
	}
	if err := e.db.Order("integration_id ASC").Find(&out.Integrations).Error; err != nil {
		return Status{}, fmt.Errorf("syncer: load integration status: %w", err)
	}
	return out, nil
}

// NotifyOrphans alerts about links orphaned for longer than the configured
// staleness, grouped per integration.
func (e *Engine) NotifyOrphans(ctx context.Context) (int, error) {
	stale, err := e.links.OrphanedLinks(e.cfg.OrphanStaleness)
	if err != nil {
		return 0, err
	}
	byIntegration := map[string][]string{}
	var order []string
	for _, l := range stale {
		if _, ok := byIntegration[l.IntegrationID]; !ok {
			order = append(order, l.IntegrationID)
		}
		byIntegration[l.IntegrationID] = append(byIntegration[l.IntegrationID], l.CardID+"/"+l.ExternalID)
	}
	for _, id := range order {
		refs := byIntegration[id]
		e.alert(ctx, notify.Alert{
			Integration: id,
			Kind:        notify.KindOrphaned,
			Message:     fmt.Sprintf("%d link(s) point at missing records: %s", len(refs), strings.Join(refs, ", ")),
			At:          e.now(),
		})
	}
	return len(stale), nil
}
