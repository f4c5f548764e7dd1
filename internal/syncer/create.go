package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/coupler/internal/card"
	"github.com/zulandar/coupler/internal/models"
	"github.com/zulandar/coupler/internal/provider"
)

// CreateResult is the result of CreateExternal.
type CreateResult struct {
	Link models.Link
	// Duplicate is set when an equivalent record already existed and was
	// linked instead of creating a new one.
	Duplicate bool
}

// CreateExternal creates an external record for a card and links it. Before
// creating, links of the integration are checked for an equivalent record.
// The check is best-effort: it relies on cached titles and the connector's
// equivalence hint, and can miss records created outside Coupler.
func (e *Engine) CreateExternal(ctx context.Context, cardID, integrationID string) (CreateResult, error) {
	en, err := e.registry.Get(integrationID)
	if err != nil {
		return CreateResult{}, fmt.Errorf("syncer: create: %w", err)
	}
	creator, ok := provider.AsCreator(en.Connector)
	if !ok {
		return CreateResult{}, fmt.Errorf("syncer: create on %s: %w", integrationID, provider.ErrUnsupported)
	}

	release := e.cards.Lock(cardID)
	defer release()

	c, err := card.Get(e.db, cardID)
	if err != nil {
		return CreateResult{}, fmt.Errorf("syncer: create: %w", err)
	}
	cc := provider.CreateContext{CardID: c.ID, Description: c.Description, StartsAt: c.StartsAt, EndsAt: c.EndsAt}

	dup, err := e.findEquivalent(ctx, en, c.Title, cc)
	if err != nil {
		return CreateResult{}, err
	}
	if dup != nil {
		l, _, err := e.links.AddLink(c.ID, models.Link{
			IntegrationID: integrationID,
			ExternalID:    dup.ExternalID,
			ExternalURL:   dup.ExternalURL,
			Summary:       dup.Summary,
			Status:        dup.Status,
			Origin:        models.OriginCreated,
		})
		if err != nil {
			return CreateResult{}, fmt.Errorf("syncer: link equivalent record: %w", err)
		}
		e.logger.Info("equivalent external record found, not creating", "card", c.ID, "integration", integrationID, "external_id", dup.ExternalID)
		return CreateResult{Link: l, Duplicate: true}, nil
	}

	cctx, cancel := e.callContext(ctx)
	externalID, err := creator.Create(cctx, c.Title, cc)
	cancel()
	if err != nil {
		return CreateResult{}, fmt.Errorf("syncer: create on %s: %w", integrationID, err)
	}

	now := e.now()
	nl := models.Link{
		IntegrationID: integrationID,
		ExternalID:    externalID,
		ExternalURL:   provider.BrowseURL(en.Config.BrowseURLTemplate, externalID),
		Summary:       c.Title,
		Status:        models.StatusOpen,
		Origin:        models.OriginCreated,
		LinkedAt:      now,
	}

	// Bring the new record up to the card's status right away so the first
	// cycle starts from agreement.
	desired := toExternal(en.Config.StatusMap, c.Status)
	cctx, cancel = e.callContext(ctx)
	pr, err := en.Connector.Push(cctx, externalID, desired)
	cancel()
	if err != nil {
		nl.SyncState = models.SyncFailed
		nl.LastError = err.Error()
		e.logger.Warn("initial push after create failed", "card", c.ID, "external_id", externalID, "error", err)
	} else {
		reconciled := latest(now, pr.ModifiedAt)
		nl.Status = desired
		nl.SyncState = models.SyncSynced
		nl.LastSyncedAt = &now
		nl.ReconciledAt = &reconciled
	}

	l, _, err := e.links.AddLink(c.ID, nl)
	if err != nil {
		return CreateResult{}, fmt.Errorf("syncer: link created record %s: %w", externalID, err)
	}
	e.logger.Info("external record created", "card", c.ID, "integration", integrationID, "external_id", externalID)
	return CreateResult{Link: l}, nil
}

// findEquivalent looks for an existing link of the integration that points
// at a record equivalent to the one about to be created.
func (e *Engine) findEquivalent(ctx context.Context, en provider.Entry, title string, cc provider.CreateContext) (*models.Link, error) {
	links, err := e.links.LinksForIntegration(en.ID, "")
	if err != nil {
		return nil, err
	}
	want := provider.NormalizeTitle(title)
	deduper, hasHint := en.Connector.(provider.Deduper)
	cutoff := e.now().Add(-e.cfg.DedupWindow)

	for i := range links {
		l := &links[i]
		if provider.NormalizeTitle(l.Summary) != want {
			continue
		}
		if !hasHint {
			if !l.LinkedAt.Before(cutoff) {
				return l, nil
			}
			continue
		}
		cctx, cancel := e.callContext(ctx)
		rec, err := en.Connector.Fetch(cctx, l.ExternalID)
		cancel()
		if err != nil {
			continue
		}
		if deduper.Equivalent(title, cc, rec) {
			return l, nil
		}
	}
	return nil, nil
}

// DiscoverLink links a card to an external record that references it. The
// call is idempotent.
func (e *Engine) DiscoverLink(cardID string, en provider.Entry, rec provider.ExternalRecord) (models.Link, bool, error) {
	url := rec.URL
	if url == "" {
		url = provider.BrowseURL(en.Config.BrowseURLTemplate, rec.ExternalID)
	}
	return e.links.AddLink(cardID, models.Link{
		IntegrationID: en.ID,
		ExternalID:    rec.ExternalID,
		ExternalURL:   url,
		Summary:       rec.Summary,
		Status:        rec.Status,
		Origin:        models.OriginDiscovered,
	})
}

// ResolveConflict settles a link by keeping one side. Keeping local pushes
// the card's status; keeping external pulls the record into the card.
func (e *Engine) ResolveConflict(ctx context.Context, cardID, integrationID, externalID string, keep Winner) (LinkResult, error) {
	if keep != WinnerLocal && keep != WinnerExternal {
		return LinkResult{}, fmt.Errorf("syncer: resolve: keep must be %q or %q", WinnerLocal, WinnerExternal)
	}
	en, err := e.registry.Get(integrationID)
	if err != nil {
		return LinkResult{}, fmt.Errorf("syncer: resolve: %w", err)
	}
	release := e.cards.Lock(cardID)
	defer release()

	l, err := e.links.Get(cardID, integrationID, externalID)
	if err != nil {
		return LinkResult{}, err
	}
	var c models.Card
	if err := e.db.Where("id = ?", cardID).First(&c).Error; err != nil {
		return LinkResult{}, fmt.Errorf("syncer: resolve: %w: %s", card.ErrNotFound, cardID)
	}

	cctx, cancel := e.callContext(ctx)
	ext, err := en.Connector.Fetch(cctx, externalID)
	cancel()
	if err != nil {
		return LinkResult{}, fmt.Errorf("syncer: resolve: fetch %s: %w", externalID, err)
	}

	now := e.now()
	run := &linkRun{engine: e, entry: en, policy: Manual{}, cycleID: "manual-" + now.UTC().Format(time.RFC3339), cycleTime: now,
		log: e.logger.With("integration", integrationID)}
	extModified := ext.LastModifiedAt
	rec := &models.SyncRecord{
		CycleID:            run.cycleID,
		CardID:             cardID,
		IntegrationID:      integrationID,
		ExternalID:         externalID,
		LocalStatus:        c.Status,
		LocalModifiedAt:    c.UpdatedAt,
		ExternalSummary:    ext.Summary,
		ExternalStatus:     ext.Status,
		ExternalModifiedAt: &extModified,
		Decision:           models.DecisionConflict,
		Winner:             string(keep),
	}
	res := LinkResult{CardID: cardID, IntegrationID: integrationID, ExternalID: externalID,
		Decision: models.DecisionConflict, Winner: keep}

	var out linkOutcome
	if keep == WinnerLocal {
		out, err = run.push(ctx, l, c, ext, toExternal(en.Config.StatusMap, c.Status), rec, res)
	} else {
		out = run.pull(l, c, ext, toLocal(en.Config.StatusMap, ext.Status), rec, res)
	}
	if err != nil {
		return out.result, fmt.Errorf("syncer: resolve: %w", err)
	}
	if out.result.Outcome == models.OutcomeFailed {
		return out.result, fmt.Errorf("syncer: resolve %s/%s: %s", integrationID, externalID, out.result.Error)
	}
	return out.result, nil
}
