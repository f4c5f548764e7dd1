// Package migrate converts legacy single-reference cards into stored links.
//
// A migration is run in three steps: a dry run to review the plan, an apply
// run that creates links, and a separate remove-legacy run that strips the
// legacy fields once their links exist. Apply and remove-legacy are
// idempotent.
package migrate

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"gorm.io/gorm"

	"github.com/zulandar/coupler/internal/link"
	"github.com/zulandar/coupler/internal/models"
)

// Modes recorded on MigrationRun rows.
const (
	ModeDryRun       = "dry-run"
	ModeApply        = "apply"
	ModeRemoveLegacy = "remove-legacy"
)

// maxExternalID matches the width of the link external_id column.
const maxExternalID = 128

// ErrNoApplyRun is returned by RemoveLegacy when no apply run finished yet.
var ErrNoApplyRun = errors.New("migrate: remove-legacy requires a completed apply run")

// Action is one legacy reference and the link it maps to.
type Action struct {
	CardID        string    `json:"card_id"`
	IntegrationID string    `json:"integration_id"`
	ExternalID    string    `json:"external_id"`
	LinkedAt      time.Time `json:"linked_at"`
}

// Skip is a legacy reference left alone, with the reason.
type Skip struct {
	CardID           string `json:"card_id"`
	LegacyExternalID string `json:"legacy_external_id"`
	Reason           string `json:"reason"`
}

// Report is the result of one run.
type Report struct {
	RunID   uint   `json:"run_id,omitempty"`
	Mode    string `json:"mode"`
	Scanned int    `json:"scanned"`
	// Migrated counts links created (apply) or planned (dry-run).
	Migrated int `json:"migrated"`
	// AlreadyLinked counts references an earlier run already covered.
	AlreadyLinked int      `json:"already_linked"`
	Removed       int      `json:"removed"`
	Skipped       int      `json:"skipped"`
	Errors        int      `json:"errors"`
	Actions       []Action `json:"actions"`
	Skips         []Skip   `json:"skips"`
}

// Migrator runs migrations over a link store.
type Migrator struct {
	db     *gorm.DB
	store  *link.Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Migrator. A nil logger means slog.Default().
func New(store *link.Store, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{db: store.DB(), store: store, logger: logger, now: time.Now}
}

// Plan computes the links an apply run would create. Nothing is written.
func (m *Migrator) Plan() (*Report, error) {
	r := &Report{Mode: ModeDryRun, Actions: []Action{}, Skips: []Skip{}}
	err := m.scan(r, func(c models.Card, l models.Link) {
		r.Migrated++
		r.Actions = append(r.Actions, actionOf(l))
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Apply creates a migrated link for every legacy reference lacking one.
// Legacy fields are left in place.
func (m *Migrator) Apply() (*Report, error) {
	started := m.now()
	r := &Report{Mode: ModeApply, Actions: []Action{}, Skips: []Skip{}}
	err := m.scan(r, func(c models.Card, l models.Link) {
		l.Transient = false
		nl, created, err := m.store.AddLink(c.ID, l)
		switch {
		case err != nil:
			r.Errors++
			m.logger.Error("migrate legacy reference", "card", c.ID, "external_id", l.ExternalID, "error", err)
		case created:
			r.Migrated++
			r.Actions = append(r.Actions, actionOf(nl))
			m.logger.Info("migrated legacy reference", "card", c.ID, "integration", nl.IntegrationID, "external_id", nl.ExternalID)
		default:
			r.AlreadyLinked++
		}
	})
	if err != nil {
		return nil, err
	}
	return r, m.record(r, started)
}

// RemoveLegacy strips legacy fields from cards whose reference is covered
// by a stored link. References without a link are skipped.
func (m *Migrator) RemoveLegacy() (*Report, error) {
	var applied int64
	if err := m.db.Model(&models.MigrationRun{}).
		Where("mode = ? AND finished_at IS NOT NULL", ModeApply).
		Count(&applied).Error; err != nil {
		return nil, fmt.Errorf("migrate: check apply runs: %w", err)
	}
	if applied == 0 {
		return nil, ErrNoApplyRun
	}

	started := m.now()
	r := &Report{Mode: ModeRemoveLegacy, Actions: []Action{}, Skips: []Skip{}}
	cards, err := m.legacyCards()
	if err != nil {
		return nil, err
	}
	for _, c := range cards {
		r.Scanned++
		ext, integ, reason := m.validate(c)
		if reason != "" {
			m.skip(r, c, reason)
			continue
		}
		err := m.store.ClearLegacy(c.ID, integ, ext)
		switch {
		case errors.Is(err, link.ErrNotFound):
			m.skip(r, c, "no equivalent link, run apply first")
		case err != nil:
			r.Errors++
			m.logger.Error("remove legacy reference", "card", c.ID, "error", err)
		default:
			r.Removed++
			r.Actions = append(r.Actions, Action{CardID: c.ID, IntegrationID: integ, ExternalID: ext})
		}
	}
	return r, m.record(r, started)
}

// scan visits every well-formed legacy reference not yet covered by a link.
func (m *Migrator) scan(r *Report, visit func(models.Card, models.Link)) error {
	cards, err := m.legacyCards()
	if err != nil {
		return err
	}
	for _, c := range cards {
		r.Scanned++
		if _, _, reason := m.validate(c); reason != "" {
			m.skip(r, c, reason)
			continue
		}
		l := m.store.PendingLegacy(c)
		if l == nil {
			r.AlreadyLinked++
			continue
		}
		visit(c, *l)
	}
	return nil
}

func (m *Migrator) legacyCards() ([]models.Card, error) {
	var cards []models.Card
	err := m.db.Preload("Links").
		Where("legacy_external_id IS NOT NULL AND legacy_external_id <> ''").
		Order("id ASC").
		Find(&cards).Error
	if err != nil {
		return nil, fmt.Errorf("migrate: load legacy cards: %w", err)
	}
	return cards, nil
}

// validate returns the trimmed reference and its integration, or the reason
// the reference is malformed.
func (m *Migrator) validate(c models.Card) (ext, integ, reason string) {
	ext = strings.TrimSpace(c.LegacyExternalID)
	switch {
	case ext == "":
		return "", "", "blank external id"
	case strings.ContainsFunc(ext, unicode.IsSpace):
		return "", "", "external id contains whitespace"
	case len(ext) > maxExternalID:
		return "", "", fmt.Sprintf("external id longer than %d characters", maxExternalID)
	}
	integ = m.store.LegacyIntegration(c)
	if integ == "" {
		return "", "", "no integration for legacy reference"
	}
	return ext, integ, ""
}

func (m *Migrator) skip(r *Report, c models.Card, reason string) {
	r.Skipped++
	r.Skips = append(r.Skips, Skip{CardID: c.ID, LegacyExternalID: c.LegacyExternalID, Reason: reason})
	m.logger.Warn("skipping legacy reference", "card", c.ID, "legacy_external_id", c.LegacyExternalID, "reason", reason)
}

func (m *Migrator) record(r *Report, started time.Time) error {
	finished := m.now()
	run := models.MigrationRun{
		Mode:       r.Mode,
		StartedAt:  started,
		FinishedAt: &finished,
		Scanned:    r.Scanned,
		Migrated:   r.Migrated,
		Removed:    r.Removed,
		Skipped:    r.Skipped,
		Errors:     r.Errors,
	}
	if err := m.db.Create(&run).Error; err != nil {
		return fmt.Errorf("migrate: record run: %w", err)
	}
	r.RunID = run.ID
	return nil
}

func actionOf(l models.Link) Action {
	return Action{CardID: l.CardID, IntegrationID: l.IntegrationID, ExternalID: l.ExternalID, LinkedAt: l.LinkedAt}
}
