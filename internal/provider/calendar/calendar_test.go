package calendar

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/coupler/internal/models"
	"github.com/zulandar/coupler/internal/provider"
	"github.com/zulandar/coupler/internal/provider/rest"
)

type fakeCalendar struct {
	mu      sync.Mutex
	events  map[string]event
	patches int
	nextID  int
}

func newFakeCalendar() *fakeCalendar {
	start := time.Date(2026, 6, 1, 14, 0, 0, 0, time.UTC)
	return &fakeCalendar{events: map[string]event{
		"evt1": {
			ID:          "evt1",
			Summary:     "Design review",
			Description: "Prep in card-0f0f0",
			Status:      EventTentative,
			Updated:     time.Date(2026, 5, 20, 9, 0, 0, 0, time.UTC),
			Start:       eventTime{DateTime: &start},
		},
	}}
}

func (f *fakeCalendar) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	const prefix = "/calendars/team/events"
	switch {
	case r.URL.Path == "/calendars/team":
		json.NewEncoder(w).Encode(calendarInfo{ID: "team", Summary: "Team calendar"})
	case r.URL.Path == prefix && r.Method == http.MethodGet:
		var items []event
		for _, ev := range f.events {
			if strings.Contains(strings.ToLower(ev.Summary), strings.ToLower(r.URL.Query().Get("q"))) {
				items = append(items, ev)
			}
		}
		json.NewEncoder(w).Encode(eventList{Items: items})
	case r.URL.Path == prefix && r.Method == http.MethodPost:
		var ev event
		json.NewDecoder(r.Body).Decode(&ev)
		f.nextID++
		ev.ID = "new" + string(rune('0'+f.nextID))
		f.events[ev.ID] = ev
		json.NewEncoder(w).Encode(ev)
	case strings.HasPrefix(r.URL.Path, prefix+"/"):
		id := strings.TrimPrefix(r.URL.Path, prefix+"/")
		ev, ok := f.events[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Method == http.MethodPatch {
			var patch event
			json.NewDecoder(r.Body).Decode(&patch)
			ev.Status = patch.Status
			ev.Updated = time.Date(2026, 5, 21, 10, 0, 0, 0, time.UTC)
			f.events[id] = ev
			f.patches++
		}
		json.NewEncoder(w).Encode(ev)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestConnector(t *testing.T, h http.Handler) *Connector {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	client := rest.New(srv.URL, "cal", rest.StaticToken("tok"), rest.WithHTTPClient(srv.Client()), rest.WithRateLimit(1000, 100))
	return New(client, "team")
}

func TestConnector_TestConnection(t *testing.T) {
	c := newTestConnector(t, newFakeCalendar())
	st := c.TestConnection(context.Background())
	if !st.OK || st.Detail != "calendar Team calendar" {
		t.Errorf("TestConnection = %+v", st)
	}
}

func TestConnector_Fetch(t *testing.T) {
	c := newTestConnector(t, newFakeCalendar())
	rec, err := c.Fetch(context.Background(), "evt1")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if rec.Status != models.StatusOpen {
		t.Errorf("Status = %q, want open", rec.Status)
	}
	if rec.StartsAt == nil || rec.StartsAt.Hour() != 14 {
		t.Errorf("StartsAt = %v", rec.StartsAt)
	}
	if len(rec.References) != 1 || rec.References[0] != "card-0f0f0" {
		t.Errorf("References = %v", rec.References)
	}
}

func TestConnector_FetchNotFound(t *testing.T) {
	c := newTestConnector(t, newFakeCalendar())
	_, err := c.Fetch(context.Background(), "missing")
	if provider.Classify(err) != provider.KindNotFound {
		t.Errorf("Classify = %q, want not_found", provider.Classify(err))
	}
}

func TestConnector_Push(t *testing.T) {
	f := newFakeCalendar()
	c := newTestConnector(t, f)

	res, err := c.Push(context.Background(), "evt1", models.StatusDone)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if !res.Applied || f.events["evt1"].Status != EventConfirmed {
		t.Errorf("Push = %+v, status %q", res, f.events["evt1"].Status)
	}

	// done and in_progress both map to confirmed: no second write.
	res, err = c.Push(context.Background(), "evt1", models.StatusInProgress)
	if err != nil {
		t.Fatalf("Push again: %v", err)
	}
	if res.Applied || f.patches != 1 {
		t.Errorf("applied=%v patches=%d, want no-op", res.Applied, f.patches)
	}
}

func TestConnector_CreateNeedsStart(t *testing.T) {
	c := newTestConnector(t, newFakeCalendar())
	_, err := c.Create(context.Background(), "Retro", provider.CreateContext{})
	if provider.Classify(err) != provider.KindRejected {
		t.Errorf("Classify = %q, want rejected", provider.Classify(err))
	}

	start := time.Date(2026, 6, 2, 9, 0, 0, 0, time.UTC)
	id, err := c.Create(context.Background(), "Retro", provider.CreateContext{StartsAt: &start, CardID: "card-12345"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id == "" {
		t.Error("Create returned empty id")
	}
}

func TestConnector_Search(t *testing.T) {
	c := newTestConnector(t, newFakeCalendar())
	got, err := provider.Collect(c.Search(context.Background(), "design"), 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].ExternalID != "evt1" {
		t.Errorf("Search = %+v", got)
	}
}

func TestConnector_Equivalent(t *testing.T) {
	c := &Connector{}
	start := time.Date(2026, 6, 1, 14, 0, 0, 0, time.UTC)
	near := start.Add(30 * time.Second)
	far := start.Add(2 * time.Hour)
	rec := provider.ExternalRecord{Summary: "Design Review", StartsAt: &start}

	if !c.Equivalent("design  review", provider.CreateContext{StartsAt: &near}, rec) {
		t.Error("same title, near start should be equivalent")
	}
	if c.Equivalent("design review", provider.CreateContext{StartsAt: &far}, rec) {
		t.Error("distant start should not be equivalent")
	}
	if c.Equivalent("standup", provider.CreateContext{StartsAt: &start}, rec) {
		t.Error("different title should not be equivalent")
	}
}

func TestStatusMapping(t *testing.T) {
	for local, want := range map[string]string{
		models.StatusOpen:       EventTentative,
		models.StatusInProgress: EventConfirmed,
		models.StatusDone:       EventConfirmed,
		models.StatusCancelled:  EventCancelled,
	} {
		got, err := eventStatus(local)
		if err != nil || got != want {
			t.Errorf("eventStatus(%q) = %q, %v; want %q", local, got, err, want)
		}
	}
	if normalizeStatus(EventConfirmed) != models.StatusInProgress {
		t.Error("confirmed should normalize to in_progress")
	}
}
