package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/zulandar/coupler/internal/card"
	"github.com/zulandar/coupler/internal/link"
	"github.com/zulandar/coupler/internal/models"
	"github.com/zulandar/coupler/internal/provider"
)

// linkRun carries the per-integration context of a cycle.
type linkRun struct {
	engine    *Engine
	entry     provider.Entry
	policy    Policy
	cycleID   string
	cycleTime time.Time
	log       *slog.Logger
}

// process runs fetch, decide and apply for one link. A non-nil error means
// the integration's credentials were rejected; the link is left untouched.
func (r *linkRun) process(ctx context.Context, l models.Link) (linkOutcome, error) {
	e := r.engine
	release := e.cards.Lock(l.CardID)
	defer release()

	res := LinkResult{CardID: l.CardID, IntegrationID: l.IntegrationID, ExternalID: l.ExternalID}

	// Reload under the card lock: another cycle may have touched the link.
	cur, err := e.links.Get(l.CardID, l.IntegrationID, l.ExternalID)
	if err != nil {
		res.Decision, res.Outcome = models.DecisionSkip, models.OutcomeDeferred
		res.Error = err.Error()
		return linkOutcome{result: res}, nil
	}
	l = cur
	res.SyncState = l.SyncState

	if e.throttled(l, r.cycleTime) {
		res.Decision, res.Outcome = models.DecisionSkip, models.OutcomeDeferred
		res.Error = "retry throttled"
		return linkOutcome{result: res}, nil
	}

	var c models.Card
	if err := e.db.Where("id = ?", l.CardID).First(&c).Error; err != nil {
		return r.fail(l, &models.SyncRecord{}, res, err), nil
	}
	rec := &models.SyncRecord{
		CycleID:         r.cycleID,
		CardID:          l.CardID,
		IntegrationID:   l.IntegrationID,
		ExternalID:      l.ExternalID,
		LocalStatus:     c.Status,
		LocalModifiedAt: c.UpdatedAt,
		Decision:        models.DecisionSkip,
	}

	cctx, cancel := e.callContext(ctx)
	ext, err := r.entry.Connector.Fetch(cctx, l.ExternalID)
	cancel()
	if err != nil {
		switch provider.Classify(err) {
		case provider.KindAuth:
			res.Decision, res.Outcome = models.DecisionSkip, models.OutcomeDeferred
			res.Error = err.Error()
			return linkOutcome{result: res}, err
		case provider.KindNotFound:
			rec.Outcome = models.OutcomeDeferred
			rec.Error = err.Error()
			updated, cerr := e.links.MarkOrphaned(l, r.cycleTime, rec)
			res.Decision, res.Outcome = models.DecisionSkip, models.OutcomeDeferred
			res.Orphaned = true
			res.SyncState = updated.SyncState
			res.Error = err.Error()
			if cerr != nil {
				r.log.Error("mark orphaned", "card", l.CardID, "external_id", l.ExternalID, "error", cerr)
			}
			return linkOutcome{result: res, processed: true}, nil
		default:
			return r.fail(l, rec, res, err), nil
		}
	}

	extModified := ext.LastModifiedAt
	rec.ExternalSummary = ext.Summary
	rec.ExternalStatus = ext.Status
	rec.ExternalModifiedAt = &extModified

	l.Orphaned = false
	l.OrphanedAt = nil
	if ext.URL != "" {
		l.ExternalURL = ext.URL
	} else if l.ExternalURL == "" {
		l.ExternalURL = provider.BrowseURL(r.entry.Config.BrowseURLTemplate, l.ExternalID)
	}

	d := r.decide(l, c, ext)
	rec.Decision = d.decision
	rec.Winner = string(d.winner)
	res.Decision = d.decision
	res.Winner = d.winner
	if d.loser != nil {
		if b, err := json.Marshal(d.loser); err == nil {
			rec.LoserState = string(b)
		}
	}

	var out linkOutcome
	var authErr error
	switch {
	case d.decision == models.DecisionConflict && d.winner == WinnerNone:
		out = r.holdConflict(l, rec, res)
	case d.direction() == models.DecisionPush:
		out, authErr = r.push(ctx, l, c, ext, d.desired, rec, res)
	case d.direction() == models.DecisionPull:
		out = r.pull(l, c, ext, d.inbound, rec, res)
	default:
		l.Summary, l.Status = ext.Summary, ext.Status
		out = r.succeed(l, rec, res, "", latest(r.cycleTime, ext.LastModifiedAt))
	}
	if authErr != nil {
		return out, authErr
	}

	r.discover(l, ext)
	return out, nil
}

// decision is the outcome of comparing both sides against the baseline.
type decision struct {
	decision string
	winner   Winner
	desired  string // local status translated for the external system
	inbound  string // external status translated for the card
	loser    any
}

func (d decision) direction() string {
	return LinkResult{Decision: d.decision, Winner: d.winner}.direction()
}

type localSnapshot struct {
	Status     string    `json:"status"`
	ModifiedAt time.Time `json:"modified_at"`
}

type externalSnapshot struct {
	Summary    string    `json:"summary"`
	Status     string    `json:"status"`
	ModifiedAt time.Time `json:"modified_at"`
}

// decide compares the card and the external record against the link's
// reconciliation baseline.
func (r *linkRun) decide(l models.Link, c models.Card, ext provider.ExternalRecord) decision {
	ic := r.entry.Config
	d := decision{
		decision: models.DecisionSkip,
		desired:  toExternal(ic.StatusMap, c.Status),
		inbound:  toLocal(ic.StatusMap, ext.Status),
	}

	baseline := l.Baseline()
	localChanged := c.UpdatedAt.After(baseline)
	extChanged := ext.LastModifiedAt.After(baseline)
	if l.ReconciledAt == nil && d.desired != ext.Status {
		// Never reconciled and the sides disagree: settle it by policy.
		localChanged, extChanged = true, true
	}

	switch {
	case localChanged && extChanged:
		if d.desired == ext.Status {
			return d
		}
		d.decision = models.DecisionConflict
		d.winner = r.policy.Resolve(c.UpdatedAt, ext.LastModifiedAt)
		switch d.winner {
		case WinnerLocal:
			d.loser = externalSnapshot{Summary: ext.Summary, Status: ext.Status, ModifiedAt: ext.LastModifiedAt}
		case WinnerExternal:
			d.loser = localSnapshot{Status: c.Status, ModifiedAt: c.UpdatedAt}
		}
	case extChanged:
		if ext.Status != l.Status || ext.Summary != l.Summary || d.inbound != c.Status {
			d.decision = models.DecisionPull
		}
	case localChanged:
		if d.desired != ext.Status {
			d.decision = models.DecisionPush
		}
	}
	return d
}

func (r *linkRun) push(ctx context.Context, l models.Link, c models.Card, ext provider.ExternalRecord, desired string, rec *models.SyncRecord, res LinkResult) (linkOutcome, error) {
	cctx, cancel := r.engine.callContext(ctx)
	pr, err := r.entry.Connector.Push(cctx, l.ExternalID, desired)
	cancel()
	if err != nil {
		if provider.Classify(err) == provider.KindAuth {
			res.Outcome = models.OutcomeDeferred
			res.Error = err.Error()
			return linkOutcome{result: res}, err
		}
		return r.fail(l, rec, res, err), nil
	}
	l.Summary = ext.Summary
	l.Status = desired
	return r.succeed(l, rec, res, "", latest(r.cycleTime, pr.ModifiedAt)), nil
}

func (r *linkRun) pull(l models.Link, c models.Card, ext provider.ExternalRecord, inbound string, rec *models.SyncRecord, res LinkResult) linkOutcome {
	l.Summary, l.Status = ext.Summary, ext.Status
	cardStatus := ""
	if r.entry.Config.AppliesInboundStatus() && inbound != c.Status {
		if card.ValidStatuses[inbound] {
			cardStatus = inbound
		} else {
			r.log.Warn("inbound status has no local equivalent", "card", c.ID, "status", inbound)
		}
	}
	return r.succeed(l, rec, res, cardStatus, latest(r.cycleTime, ext.LastModifiedAt))
}

// holdConflict leaves a conflict for manual resolution. The baseline does
// not move, so the conflict persists until resolved.
func (r *linkRun) holdConflict(l models.Link, rec *models.SyncRecord, res LinkResult) linkOutcome {
	l.SyncState = models.SyncConflicted
	l.LastSyncedAt = &r.cycleTime
	rec.Outcome = models.OutcomeDeferred
	res.Outcome = models.OutcomeDeferred
	res.SyncState = l.SyncState
	if err := r.engine.links.Commit(link.Outcome{Link: l, Record: rec}); err != nil {
		res.Error = err.Error()
	}
	return linkOutcome{result: res, processed: true}
}

func (r *linkRun) succeed(l models.Link, rec *models.SyncRecord, res LinkResult, cardStatus string, reconciled time.Time) linkOutcome {
	l.SyncState = models.SyncSynced
	l.ConsecutiveFailures = 0
	l.LastError = ""
	l.LastSyncedAt = &r.cycleTime
	l.ReconciledAt = &reconciled
	rec.Outcome = models.OutcomeApplied

	err := r.engine.links.Commit(link.Outcome{
		Link:          l,
		CardStatus:    cardStatus,
		CardUpdatedAt: r.cycleTime,
		Record:        rec,
	})
	res.Outcome = models.OutcomeApplied
	res.SyncState = l.SyncState
	if err != nil {
		if errors.Is(err, link.ErrNotFound) {
			res.Outcome = models.OutcomeDeferred
			res.Error = "unlinked during cycle"
		} else {
			r.log.Error("commit link", "card", l.CardID, "external_id", l.ExternalID, "error", err)
			res.Outcome = models.OutcomeFailed
			res.Error = err.Error()
		}
	}
	return linkOutcome{result: res, processed: true}
}

func (r *linkRun) fail(l models.Link, rec *models.SyncRecord, res LinkResult, cause error) linkOutcome {
	rec.Outcome = models.OutcomeFailed
	rec.Error = cause.Error()
	if res.Decision == "" {
		res.Decision = models.DecisionSkip
	}
	if rec.Decision == "" {
		rec.Decision = res.Decision
	}
	var record *models.SyncRecord
	if rec.CycleID != "" {
		record = rec
	}
	updated, err := r.engine.links.RecordFailure(l, r.cycleTime, cause, record)
	if err != nil {
		r.log.Error("record failure", "card", l.CardID, "external_id", l.ExternalID, "error", err)
	}
	threshold := r.engine.cfg.FailureThreshold
	res.Outcome = models.OutcomeFailed
	res.SyncState = models.SyncFailed
	res.Error = cause.Error()
	res.Surfaced = updated.ConsecutiveFailures >= threshold
	r.log.Warn("link sync failed", "card", l.CardID, "external_id", l.ExternalID,
		"kind", provider.Classify(cause), "failures", updated.ConsecutiveFailures, "error", cause)
	return linkOutcome{result: res, processed: true, crossed: updated.ConsecutiveFailures == threshold}
}

// discover links cards the external record references back to it.
func (r *linkRun) discover(l models.Link, ext provider.ExternalRecord) {
	for _, cardID := range ext.References {
		if cardID == l.CardID {
			continue
		}
		nl, created, err := r.engine.DiscoverLink(cardID, r.entry, ext)
		if err != nil {
			r.log.Debug("discover link", "card", cardID, "external_id", ext.ExternalID, "error", err)
			continue
		}
		if created {
			r.log.Info("discovered link", "card", nl.CardID, "external_id", nl.ExternalID)
		}
	}
}

func (e *Engine) throttled(l models.Link, now time.Time) bool {
	if l.SyncState != models.SyncFailed || l.LastSyncedAt == nil || e.cfg.MinRetryInterval <= 0 {
		return false
	}
	return now.Sub(*l.LastSyncedAt) < e.cfg.MinRetryInterval
}

// toExternal translates a local status through the integration's status map.
func toExternal(m map[string]string, status string) string {
	if v, ok := m[status]; ok {
		return v
	}
	return status
}

// toLocal applies the inverse of the status map. When several local
// statuses map to the same external one, the alphabetically first wins.
func toLocal(m map[string]string, status string) string {
	for _, local := range slices.Sorted(maps.Keys(m)) {
		if m[local] == status {
			return local
		}
	}
	return status
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
