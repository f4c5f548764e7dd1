package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/zulandar/coupler/internal/card"
	"github.com/zulandar/coupler/internal/config"
	"github.com/zulandar/coupler/internal/db"
	"github.com/zulandar/coupler/internal/link"
	"github.com/zulandar/coupler/internal/models"
	"github.com/zulandar/coupler/internal/provider"
	"github.com/zulandar/coupler/internal/service"
	"github.com/zulandar/coupler/internal/syncer"
)

type testServer struct {
	router *gin.Engine
	db     *gorm.DB
	mock   *provider.MockConnector
	cardID string
}

func setupServer(t *testing.T) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	gdb, err := db.Open(config.StoreConfig{Driver: "sqlite", Path: ":memory:"}, "")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := link.NewStore(gdb, link.Options{})
	reg := provider.NewRegistry()
	m := provider.NewMockConnector()
	m.Put(provider.ExternalRecord{ExternalID: "ABC-42", Summary: "Fix login", Status: models.StatusOpen, LastModifiedAt: time.Now()})
	ic := config.IntegrationConfig{ID: "trk-1", Type: config.TypeMock, Name: "Tracker"}
	if err := reg.Register(provider.Entry{ID: ic.ID, Name: ic.Name, Connector: m, Enabled: true, Config: ic}); err != nil {
		t.Fatal(err)
	}
	svc := service.New(store, reg, syncer.New(store, reg, syncer.Options{}), service.Options{})
	c, err := card.Create(gdb, card.CreateOpts{Title: "Fix login"})
	if err != nil {
		t.Fatal(err)
	}
	return testServer{router: NewRouter(svc, gdb), db: gdb, mock: m, cardID: c.ID}
}

func (s testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

func TestStart_RequiresService(t *testing.T) {
	err := Start(context.Background(), StartOpts{})
	if err == nil || !strings.Contains(err.Error(), "service and db are required") {
		t.Errorf("err = %v", err)
	}
}

func TestHealthz(t *testing.T) {
	s := setupServer(t)
	w := s.do(t, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "ok") {
		t.Errorf("healthz = %d %s", w.Code, w.Body.String())
	}
}

func TestIntegrationsRoutes(t *testing.T) {
	s := setupServer(t)

	w := s.do(t, http.MethodGet, "/api/integrations", nil)
	list := decode[[]service.Integration](t, w)
	if w.Code != http.StatusOK || len(list) != 1 || list[0].ID != "trk-1" {
		t.Errorf("integrations = %d %+v", w.Code, list)
	}

	w = s.do(t, http.MethodGet, "/api/integrations/trk-1/search?q=login", nil)
	hits := decode[[]provider.Candidate](t, w)
	if w.Code != http.StatusOK || len(hits) != 1 {
		t.Errorf("search = %d %+v", w.Code, hits)
	}

	w = s.do(t, http.MethodGet, "/api/integrations/trk-1/tickets/ABC-42", nil)
	vr := decode[provider.VerifyResult](t, w)
	if !vr.Exists {
		t.Errorf("verify = %+v", vr)
	}

	if w := s.do(t, http.MethodGet, "/api/integrations/nope/search?q=x", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown integration = %d", w.Code)
	}

	s.mock.FailConnection(&provider.AuthError{Integration: "trk-1", Message: "expired"})
	w = s.do(t, http.MethodPost, "/api/integrations/trk-1/test", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"kind":"auth"`) {
		t.Errorf("test = %d %s", w.Code, w.Body.String())
	}
}

func TestLinkLifecycle(t *testing.T) {
	s := setupServer(t)
	base := "/api/cards/" + s.cardID + "/links"

	w := s.do(t, http.MethodPost, base, map[string]string{"integration_id": "trk-1", "external_id": "ABC-42"})
	if w.Code != http.StatusOK {
		t.Fatalf("link = %d %s", w.Code, w.Body.String())
	}
	// Idempotent.
	if w := s.do(t, http.MethodPost, base, map[string]string{"integration_id": "trk-1", "external_id": "ABC-42"}); w.Code != http.StatusOK {
		t.Errorf("relink = %d", w.Code)
	}

	w = s.do(t, http.MethodGet, base, nil)
	links := decode[[]models.Link](t, w)
	if len(links) != 1 || links[0].Summary != "Fix login" {
		t.Errorf("links = %+v", links)
	}

	if w := s.do(t, http.MethodPost, base+"/trk-1/ABC-42/primary", nil); w.Code != http.StatusNoContent {
		t.Errorf("primary = %d", w.Code)
	}
	if w := s.do(t, http.MethodPost, base+"/trk-1/ABC-42/refresh", nil); w.Code != http.StatusOK {
		t.Errorf("refresh = %d %s", w.Code, w.Body.String())
	}
	if w := s.do(t, http.MethodDelete, base+"/trk-1/ABC-42", nil); w.Code != http.StatusNoContent {
		t.Errorf("unlink = %d", w.Code)
	}
	if w := s.do(t, http.MethodDelete, base+"/trk-1/ABC-42", nil); w.Code != http.StatusNotFound {
		t.Errorf("second unlink = %d", w.Code)
	}
}

func TestLinkItem_Errors(t *testing.T) {
	s := setupServer(t)
	base := "/api/cards/" + s.cardID + "/links"

	if w := s.do(t, http.MethodPost, base, map[string]string{"integration_id": "trk-1"}); w.Code != http.StatusBadRequest {
		t.Errorf("missing external_id = %d", w.Code)
	}
	if w := s.do(t, http.MethodPost, base, map[string]string{"integration_id": "trk-1", "external_id": "NOPE-1"}); w.Code != http.StatusNotFound {
		t.Errorf("missing record = %d", w.Code)
	}
	if w := s.do(t, http.MethodPost, "/api/cards/card-zzzzz/links", map[string]string{"integration_id": "trk-1", "external_id": "ABC-42"}); w.Code != http.StatusNotFound {
		t.Errorf("missing card = %d", w.Code)
	}
	s.mock.Fail("", &provider.TransientError{Op: "verify", Err: errors.New("503")})
	if w := s.do(t, http.MethodPost, base, map[string]string{"integration_id": "trk-1", "external_id": "ABC-42"}); w.Code != http.StatusBadGateway {
		t.Errorf("transient = %d", w.Code)
	}
}

func TestSyncRoutes(t *testing.T) {
	s := setupServer(t)
	s.do(t, http.MethodPost, "/api/cards/"+s.cardID+"/links", map[string]string{"integration_id": "trk-1", "external_id": "ABC-42"})

	w := s.do(t, http.MethodPost, "/api/sync", map[string]string{"scope": "integration:trk-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("sync = %d %s", w.Code, w.Body.String())
	}
	report := decode[syncer.CycleReport](t, w)
	if report.Processed != 1 || report.Scope != "integration:trk-1" {
		t.Errorf("report = %+v", report)
	}
	if w := s.do(t, http.MethodPost, "/api/sync", nil); w.Code != http.StatusOK {
		t.Errorf("sync without body = %d %s", w.Code, w.Body.String())
	}
	if w := s.do(t, http.MethodPost, "/api/sync?scope=weird", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad scope = %d", w.Code)
	}

	w = s.do(t, http.MethodGet, "/api/sync/status", nil)
	st := decode[service.SyncStatus](t, w)
	if st.LastCycleAt == nil || st.PerIntegration["trk-1"].LastCycleAt == nil {
		t.Errorf("status = %+v", st)
	}

	w = s.do(t, http.MethodGet, "/api/sync/cycles?limit=1", nil)
	cycles := decode[[]models.SyncCycle](t, w)
	if len(cycles) != 1 {
		t.Errorf("cycles = %d, want 1", len(cycles))
	}

	w = s.do(t, http.MethodGet, "/api/cards/"+s.cardID+"/history", nil)
	recs := decode[[]models.SyncRecord](t, w)
	if len(recs) != 2 {
		t.Errorf("history = %d records, want 2", len(recs))
	}
}

func TestOrphanedAndSummary(t *testing.T) {
	s := setupServer(t)
	s.do(t, http.MethodPost, "/api/cards/"+s.cardID+"/links", map[string]string{"integration_id": "trk-1", "external_id": "ABC-42"})
	s.mock.Delete("ABC-42")
	s.do(t, http.MethodPost, "/api/sync", nil)

	w := s.do(t, http.MethodGet, "/api/links/orphaned", nil)
	orphans := decode[[]models.Link](t, w)
	if len(orphans) != 1 {
		t.Errorf("orphans = %+v", orphans)
	}
	if w := s.do(t, http.MethodGet, "/api/links/orphaned?older_than=soon", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad older_than = %d", w.Code)
	}

	w = s.do(t, http.MethodGet, "/api/links/summary", nil)
	sum := decode[[]LinkStateCount](t, w)
	if len(sum) != 1 || sum[0].Orphaned != 1 || sum[0].Total != 1 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestCreateAndResolve(t *testing.T) {
	s := setupServer(t)
	w := s.do(t, http.MethodPost, "/api/cards/"+s.cardID+"/tickets", map[string]string{"integration_id": "trk-1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", w.Code, w.Body.String())
	}
	created := decode[struct {
		Link models.Link `json:"link"`
	}](t, w)

	path := "/api/cards/" + s.cardID + "/links/trk-1/" + created.Link.ExternalID + "/resolve"
	if w := s.do(t, http.MethodPost, path, map[string]string{"keep": "both"}); w.Code != http.StatusBadRequest {
		t.Errorf("bad keep = %d", w.Code)
	}
	if w := s.do(t, http.MethodPost, path, map[string]string{"keep": "local"}); w.Code != http.StatusOK {
		t.Errorf("resolve = %d %s", w.Code, w.Body.String())
	}
}

func TestSSE_NilDB(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/api/events", handleSSE(nil))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/events", nil))
	if !strings.Contains(w.Body.String(), "event: connected") {
		t.Errorf("body = %q", w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestSSE_StreamsNewCycles(t *testing.T) {
	s := setupServer(t)
	old := pollInterval
	pollInterval = 10 * time.Millisecond
	defer func() { pollInterval = old }()

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		s.router.ServeHTTP(w, req)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	fin := time.Now()
	s.db.Create(&models.SyncCycle{ID: "cycle-1", Scope: "all", StartedAt: time.Now(), FinishedAt: &fin, Processed: 3})
	time.Sleep(60 * time.Millisecond)
	cancel()
	<-done

	body := w.Body.String()
	if !strings.Contains(body, "event: cycle") || !strings.Contains(body, `"id":"cycle-1"`) {
		t.Errorf("body = %q", body)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{card.ErrNotFound, http.StatusNotFound},
		{service.ErrDisabled, http.StatusConflict},
		{syncer.ErrNoIntegrations, http.StatusConflict},
		{provider.ErrUnsupported, http.StatusNotImplemented},
		{&provider.AuthError{Message: "x"}, http.StatusBadGateway},
		{&provider.RejectedError{Reason: "x"}, http.StatusUnprocessableEntity},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
