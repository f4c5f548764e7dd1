package syncer

import (
	"context"
	gosync "sync"
	"testing"
	"time"

	"github.com/zulandar/coupler/internal/card"
	"github.com/zulandar/coupler/internal/config"
	"github.com/zulandar/coupler/internal/db"
	"github.com/zulandar/coupler/internal/link"
	"github.com/zulandar/coupler/internal/models"
	"github.com/zulandar/coupler/internal/notify"
	"github.com/zulandar/coupler/internal/provider"
	"gorm.io/gorm"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu     gosync.Mutex
	alerts []notify.Alert
}

func (r *recordingNotifier) Notify(_ context.Context, a notify.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recordingNotifier) count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.alerts {
		if a.Kind == kind {
			n++
		}
	}
	return n
}

type fixture struct {
	t        *testing.T
	db       *gorm.DB
	store    *link.Store
	registry *provider.Registry
	engine   *Engine
	notes    *recordingNotifier
	now      time.Time
	mocks    map[string]*provider.MockConnector
}

// newFixture builds an engine over in-memory sqlite with one mock
// connector per integration config. The clock starts at t0+10m.
func newFixture(t *testing.T, sc config.SyncConfig, ics ...config.IntegrationConfig) *fixture {
	t.Helper()
	gdb, err := db.Open(config.StoreConfig{Driver: "sqlite", Path: ":memory:"}, "")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	f := &fixture{
		t:        t,
		db:       gdb,
		registry: provider.NewRegistry(),
		notes:    &recordingNotifier{},
		now:      t0.Add(10 * time.Minute),
		mocks:    map[string]*provider.MockConnector{},
	}
	clock := func() time.Time { return f.now }
	f.store = link.NewStore(gdb, link.Options{Now: clock})
	for _, ic := range ics {
		m := provider.NewMockConnector()
		m.Now = clock
		f.mocks[ic.ID] = m
		f.register(ic, m)
	}
	f.engine = New(f.store, f.registry, Options{Sync: sc, Notifier: f.notes, Now: clock})
	return f
}

func (f *fixture) register(ic config.IntegrationConfig, c provider.Connector) {
	f.t.Helper()
	if err := f.registry.Register(provider.Entry{ID: ic.ID, Name: ic.Name, Connector: c, Enabled: ic.IsEnabled(), Config: ic}); err != nil {
		f.t.Fatalf("register %s: %v", ic.ID, err)
	}
}

// card creates a card with the given status and modification time.
func (f *fixture) card(title, status string, updated time.Time) string {
	f.t.Helper()
	c, err := card.Create(f.db, card.CreateOpts{Title: title, Status: status})
	if err != nil {
		f.t.Fatalf("create card: %v", err)
	}
	f.touch(c.ID, updated)
	return c.ID
}

func (f *fixture) touch(cardID string, updated time.Time) {
	f.t.Helper()
	if err := f.db.Model(&models.Card{}).Where("id = ?", cardID).UpdateColumn("updated_at", updated).Error; err != nil {
		f.t.Fatalf("touch card: %v", err)
	}
}

// link attaches a link last reconciled at t0 with the given cached status.
func (f *fixture) link(cardID, integrationID, externalID, status string) models.Link {
	f.t.Helper()
	synced := t0
	l, _, err := f.store.AddLink(cardID, models.Link{
		IntegrationID: integrationID,
		ExternalID:    externalID,
		Summary:       "summary " + externalID,
		Status:        status,
		SyncState:     models.SyncSynced,
		LinkedAt:      t0.Add(-time.Hour),
		LastSyncedAt:  &synced,
		ReconciledAt:  &synced,
	})
	if err != nil {
		f.t.Fatalf("add link: %v", err)
	}
	return l
}

func (f *fixture) put(integrationID, externalID, status string, modified time.Time) {
	f.mocks[integrationID].Put(provider.ExternalRecord{
		ExternalID:     externalID,
		Summary:        "summary " + externalID,
		Status:         status,
		LastModifiedAt: modified,
	})
}

func (f *fixture) getLink(cardID, integrationID, externalID string) models.Link {
	f.t.Helper()
	l, err := f.store.Get(cardID, integrationID, externalID)
	if err != nil {
		f.t.Fatalf("get link: %v", err)
	}
	return l
}

func (f *fixture) getCard(cardID string) models.Card {
	f.t.Helper()
	var c models.Card
	if err := f.db.Where("id = ?", cardID).First(&c).Error; err != nil {
		f.t.Fatalf("get card: %v", err)
	}
	return c
}

func (f *fixture) run(scope Scope) *CycleReport {
	f.t.Helper()
	r, err := f.engine.RunCycle(context.Background(), scope)
	if err != nil {
		f.t.Fatalf("RunCycle: %v", err)
	}
	return r
}

func (f *fixture) records(cardID string) []models.SyncRecord {
	f.t.Helper()
	var recs []models.SyncRecord
	f.db.Where("card_id = ?", cardID).Order("id ASC").Find(&recs)
	return recs
}

func mockIntegration(id string) config.IntegrationConfig {
	return config.IntegrationConfig{ID: id, Type: config.TypeMock, Name: id, Concurrency: 4}
}
