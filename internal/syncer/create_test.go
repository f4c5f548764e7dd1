package syncer

import (
	"context"
	"errors"
	"iter"
	"testing"
	"time"

	"github.com/zulandar/coupler/internal/config"
	"github.com/zulandar/coupler/internal/models"
	"github.com/zulandar/coupler/internal/provider"
)

// readOnlyConnector hides the mock's Creator and Deduper capabilities.
type readOnlyConnector struct {
	m *provider.MockConnector
}

func (r readOnlyConnector) Type() provider.Type { return r.m.Type() }
func (r readOnlyConnector) TestConnection(ctx context.Context) provider.ConnectionStatus {
	return r.m.TestConnection(ctx)
}
func (r readOnlyConnector) Search(ctx context.Context, q string) iter.Seq2[provider.Candidate, error] {
	return r.m.Search(ctx, q)
}
func (r readOnlyConnector) Verify(ctx context.Context, id string) (provider.VerifyResult, error) {
	return r.m.Verify(ctx, id)
}
func (r readOnlyConnector) Fetch(ctx context.Context, id string) (provider.ExternalRecord, error) {
	return r.m.Fetch(ctx, id)
}
func (r readOnlyConnector) Push(ctx context.Context, id, status string) (provider.PushResult, error) {
	return r.m.Push(ctx, id, status)
}

func TestCreateExternal(t *testing.T) {
	f := newFixture(t, config.SyncConfig{}, mockIntegration("trk-1"))
	x := f.card("Ship the thing", models.StatusInProgress, t0)

	res, err := f.engine.CreateExternal(context.Background(), x, "trk-1")
	if err != nil {
		t.Fatalf("CreateExternal: %v", err)
	}
	if res.Duplicate {
		t.Error("first create reported duplicate")
	}
	l := res.Link
	if l.Origin != models.OriginCreated || l.SyncState != models.SyncSynced || l.ReconciledAt == nil {
		t.Errorf("link = %+v", l)
	}
	rec, ok := f.mocks["trk-1"].Record(l.ExternalID)
	if !ok || rec.Status != models.StatusInProgress {
		t.Errorf("created record = %+v, %v", rec, ok)
	}

	// The first cycle after creation has nothing to do.
	f.now = f.now.Add(time.Minute)
	if r := f.run(Scope{}); r.Skipped != 1 {
		t.Errorf("cycle after create = %s", r.Summary())
	}
}

func TestCreateExternal_Dedup(t *testing.T) {
	f := newFixture(t, config.SyncConfig{}, mockIntegration("trk-1"))
	x := f.card("Fix login", models.StatusOpen, t0)
	y := f.card("  fix   LOGIN ", models.StatusOpen, t0)

	first, err := f.engine.CreateExternal(context.Background(), x, "trk-1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.engine.CreateExternal(context.Background(), y, "trk-1")
	if err != nil {
		t.Fatal(err)
	}
	if !second.Duplicate || second.Link.ExternalID != first.Link.ExternalID {
		t.Errorf("second create = %+v, want duplicate of %s", second, first.Link.ExternalID)
	}
	if n := f.mocks["trk-1"].Created(); n != 1 {
		t.Errorf("created = %d, want 1", n)
	}
}

// creatorOnly can create records but offers no equivalence hint.
type creatorOnly struct {
	readOnlyConnector
}

func (c creatorOnly) Create(ctx context.Context, title string, cc provider.CreateContext) (string, error) {
	return c.m.Create(ctx, title, cc)
}

func TestCreateExternal_DedupWindowWithoutHint(t *testing.T) {
	f := newFixture(t, config.SyncConfig{DedupWindow: 5 * time.Minute})
	m := provider.NewMockConnector()
	m.Now = func() time.Time { return f.now }
	f.mocks["plain"] = m
	f.register(mockIntegration("plain"), creatorOnly{readOnlyConnector{m: m}})

	// An hour-old link with the same title is outside the window.
	x := f.card("Quarterly report", models.StatusOpen, t0)
	f.link(x, "plain", "OLD-1", models.StatusOpen)
	y := f.card("Quarterly report", models.StatusOpen, t0)
	res, err := f.engine.CreateExternal(context.Background(), y, "plain")
	if err != nil {
		t.Fatal(err)
	}
	if res.Duplicate {
		t.Errorf("unexpected duplicate of %s", res.Link.ExternalID)
	}

	// The link just created is inside the window.
	z := f.card("quarterly REPORT", models.StatusOpen, t0)
	res2, err := f.engine.CreateExternal(context.Background(), z, "plain")
	if err != nil {
		t.Fatal(err)
	}
	if !res2.Duplicate || res2.Link.ExternalID != res.Link.ExternalID {
		t.Errorf("second create = %+v, want duplicate of %s", res2, res.Link.ExternalID)
	}
	if m.Created() != 1 {
		t.Errorf("created = %d, want 1", m.Created())
	}
}

func TestCreateExternal_Unsupported(t *testing.T) {
	f := newFixture(t, config.SyncConfig{})
	f.register(mockIntegration("ro"), readOnlyConnector{m: provider.NewMockConnector()})
	x := f.card("Item", models.StatusOpen, t0)

	_, err := f.engine.CreateExternal(context.Background(), x, "ro")
	if !errors.Is(err, provider.ErrUnsupported) {
		t.Errorf("err = %v, want ErrUnsupported", err)
	}
	if _, err := f.engine.CreateExternal(context.Background(), x, "missing"); !errors.Is(err, provider.ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
}

func TestCreateExternal_CreateFailure(t *testing.T) {
	f := newFixture(t, config.SyncConfig{}, mockIntegration("trk-1"))
	x := f.card("Item", models.StatusOpen, t0)
	f.mocks["trk-1"].Fail("", &provider.RejectedError{Reason: "project archived"})

	if _, err := f.engine.CreateExternal(context.Background(), x, "trk-1"); err == nil {
		t.Fatal("expected error")
	}
	links, _ := f.store.GetLinks(x)
	if len(links) != 0 {
		t.Errorf("links after failed create = %d", len(links))
	}
}
