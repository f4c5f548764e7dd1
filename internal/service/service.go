// Package service is the command surface shared by the CLI and the HTTP
// API: integration discovery, linking, and sync triggers.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zulandar/coupler/internal/link"
	"github.com/zulandar/coupler/internal/models"
	"github.com/zulandar/coupler/internal/provider"
	"github.com/zulandar/coupler/internal/syncer"
)

// ErrDisabled is returned when an operation targets a disabled integration.
var ErrDisabled = errors.New("service: integration is disabled")

// Options configures a Service.
type Options struct {
	CallTimeout time.Duration
	Logger      *slog.Logger
}

// Service ties the link store, the connector registry and the engine together.
type Service struct {
	links    *link.Store
	registry *provider.Registry
	engine   *syncer.Engine
	timeout  time.Duration
	logger   *slog.Logger
}

// New creates a Service.
func New(links *link.Store, registry *provider.Registry, engine *syncer.Engine, opts Options) *Service {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{links: links, registry: registry, engine: engine, timeout: opts.CallTimeout, logger: opts.Logger}
}

// Integration is the listing view of one configured integration.
type Integration struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Type    string `json:"type"`
	Enabled bool   `json:"enabled"`
}

// ListIntegrations returns every configured integration sorted by id.
func (s *Service) ListIntegrations() []Integration {
	entries := s.registry.List()
	out := make([]Integration, len(entries))
	for i, e := range entries {
		out[i] = Integration{ID: e.ID, Name: e.Name, Type: e.Config.Type, Enabled: e.Enabled}
	}
	return out
}

// TestIntegration runs a connection check against one integration.
func (s *Service) TestIntegration(ctx context.Context, integrationID string) (provider.ConnectionStatus, error) {
	en, err := s.registry.Get(integrationID)
	if err != nil {
		return provider.ConnectionStatus{}, fmt.Errorf("service: test: %w", err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return en.Connector.TestConnection(cctx), nil
}

// SearchTickets returns up to provider.SearchLimit candidates for query.
func (s *Service) SearchTickets(ctx context.Context, integrationID, query string) ([]provider.Candidate, error) {
	en, err := s.enabled(integrationID)
	if err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	hits, err := provider.Collect(en.Connector.Search(cctx, query), provider.SearchLimit)
	if err != nil {
		return nil, fmt.Errorf("service: search %s: %w", integrationID, err)
	}
	if hits == nil {
		hits = []provider.Candidate{}
	}
	return hits, nil
}

// VerifyTicket reports whether an external record exists.
func (s *Service) VerifyTicket(ctx context.Context, integrationID, externalID string) (provider.VerifyResult, error) {
	en, err := s.enabled(integrationID)
	if err != nil {
		return provider.VerifyResult{}, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := en.Connector.Verify(cctx, externalID)
	if err != nil {
		return provider.VerifyResult{}, fmt.Errorf("service: verify %s/%s: %w", integrationID, externalID, err)
	}
	return res, nil
}

// LinkItem links a card to an external record after verifying it exists.
// Linking an already-linked record returns the existing link unchanged,
// including when it is referenced by a different spelling of its id.
func (s *Service) LinkItem(ctx context.Context, cardID, integrationID, externalID string) (models.Link, error) {
	if existing, err := s.links.Get(cardID, integrationID, externalID); err == nil {
		return existing, nil
	}
	en, err := s.enabled(integrationID)
	if err != nil {
		return models.Link{}, err
	}
	res, err := s.VerifyTicket(ctx, integrationID, externalID)
	if err != nil {
		return models.Link{}, err
	}
	if !res.Exists {
		return models.Link{}, fmt.Errorf("service: link %s/%s: %w", integrationID, externalID, provider.ErrNotFound)
	}
	// Store the canonical id so other spellings of the same record collapse
	// onto one link.
	if res.ExternalID != "" {
		externalID = res.ExternalID
	}
	url := res.URL
	if url == "" {
		url = provider.BrowseURL(en.Config.BrowseURLTemplate, externalID)
	}
	l, created, err := s.links.AddLink(cardID, models.Link{
		IntegrationID: integrationID,
		ExternalID:    externalID,
		ExternalURL:   url,
		Summary:       res.Summary,
		Status:        res.Status,
		Origin:        models.OriginManual,
	})
	if err != nil {
		return models.Link{}, err
	}
	if created {
		s.logger.Info("linked", "card", cardID, "integration", integrationID, "external_id", externalID)
	}
	return l, nil
}

// RefreshLink re-reads an external record and updates the link's cached
// summary and status. Sync state is not touched.
func (s *Service) RefreshLink(ctx context.Context, cardID, integrationID, externalID string) (models.Link, error) {
	if _, err := s.links.Get(cardID, integrationID, externalID); err != nil {
		return models.Link{}, err
	}
	res, err := s.VerifyTicket(ctx, integrationID, externalID)
	if err != nil {
		return models.Link{}, err
	}
	if !res.Exists {
		return models.Link{}, fmt.Errorf("service: refresh %s/%s: %w", integrationID, externalID, provider.ErrNotFound)
	}
	if err := s.links.UpdateCachedState(cardID, integrationID, externalID, res.Summary, res.Status, time.Now()); err != nil {
		return models.Link{}, err
	}
	return s.links.Get(cardID, integrationID, externalID)
}

// UnlinkItem removes a link. The external record is not touched.
func (s *Service) UnlinkItem(cardID, integrationID, externalID string) error {
	if err := s.links.RemoveLink(cardID, integrationID, externalID); err != nil {
		return err
	}
	s.logger.Info("unlinked", "card", cardID, "integration", integrationID, "external_id", externalID)
	return nil
}

// GetLinks returns a card's links, including a transient link for an
// unmigrated legacy reference.
func (s *Service) GetLinks(cardID string) ([]models.Link, error) {
	out, err := s.links.GetLinks(cardID)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []models.Link{}
	}
	return out, nil
}

// SetPrimary marks one link as the card's primary link.
func (s *Service) SetPrimary(cardID, integrationID, externalID string) error {
	return s.links.SetPrimary(cardID, integrationID, externalID)
}

// OrphanedLinks lists links orphaned for at least staleness.
func (s *Service) OrphanedLinks(staleness time.Duration) ([]models.Link, error) {
	out, err := s.links.OrphanedLinks(staleness)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []models.Link{}
	}
	return out, nil
}

// TriggerSync runs one cycle over scope: "all", "integration:<id>" or
// "item:<id>".
func (s *Service) TriggerSync(ctx context.Context, scope string) (*syncer.CycleReport, error) {
	sc, err := syncer.ParseScope(scope)
	if err != nil {
		return nil, err
	}
	return s.engine.RunCycle(ctx, sc)
}

// IntegrationHealth is one integration's entry in SyncStatus.
type IntegrationHealth struct {
	Name        string     `json:"name"`
	Enabled     bool       `json:"enabled"`
	LastCycleAt *time.Time `json:"last_cycle_at"`
	LastError   string     `json:"last_error"`
	AuthFailed  bool       `json:"auth_failed"`
}

// SyncStatus is the health view rendered by status surfaces.
type SyncStatus struct {
	LastCycleAt    *time.Time                   `json:"last_cycle_at"`
	LastCycle      *models.SyncCycle            `json:"last_cycle,omitempty"`
	PerIntegration map[string]IntegrationHealth `json:"per_integration"`
}

// GetSyncStatus returns the last cycle time and per-integration health.
// Configured integrations without a recorded cycle are included.
func (s *Service) GetSyncStatus() (SyncStatus, error) {
	st, err := s.engine.Status()
	if err != nil {
		return SyncStatus{}, err
	}
	out := SyncStatus{LastCycleAt: st.LastCycleAt, LastCycle: st.LastCycle, PerIntegration: map[string]IntegrationHealth{}}
	for _, e := range s.registry.List() {
		out.PerIntegration[e.ID] = IntegrationHealth{Name: e.Name, Enabled: e.Enabled}
	}
	for _, row := range st.Integrations {
		h, ok := out.PerIntegration[row.IntegrationID]
		if !ok {
			// Health rows of integrations removed from config are not shown.
			continue
		}
		h.LastCycleAt = row.LastCycleAt
		h.LastError = row.LastError
		h.AuthFailed = row.AuthFailed
		out.PerIntegration[row.IntegrationID] = h
	}
	return out, nil
}

// ResolveConflict settles a link conflict by keeping "local" or "external".
func (s *Service) ResolveConflict(ctx context.Context, cardID, integrationID, externalID, keep string) (syncer.LinkResult, error) {
	return s.engine.ResolveConflict(ctx, cardID, integrationID, externalID, syncer.Winner(keep))
}

// CreateTicket creates an external record for a card and links it.
func (s *Service) CreateTicket(ctx context.Context, cardID, integrationID string) (syncer.CreateResult, error) {
	if _, err := s.enabled(integrationID); err != nil {
		return syncer.CreateResult{}, err
	}
	return s.engine.CreateExternal(ctx, cardID, integrationID)
}

func (s *Service) enabled(integrationID string) (provider.Entry, error) {
	en, err := s.registry.Get(integrationID)
	if err != nil {
		return provider.Entry{}, fmt.Errorf("service: %w", err)
	}
	if !en.Enabled {
		return provider.Entry{}, fmt.Errorf("%w: %s", ErrDisabled, integrationID)
	}
	return en, nil
}
