package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/coupler/internal/config"
	"github.com/zulandar/coupler/internal/credential"
	"github.com/zulandar/coupler/internal/provider"
)

// setupCLI writes a sqlite config with one mock integration, initializes the
// database and routes registry construction to the returned mock.
func setupCLI(t *testing.T) (string, *provider.MockConnector) {
	t.Helper()
	dir := t.TempDir()
	configPath := filepath.Join(dir, "coupler.yaml")
	cfg := fmt.Sprintf(`board: test
store:
  driver: sqlite
  path: %s
integrations:
  - id: tracker
    type: mock
    name: Tracker
    browse_url_template: https://tracker.example.com/{id}
migration:
  legacy_integration: tracker
log:
  level: error
`, filepath.Join(dir, "coupler.db"))
	if err := os.WriteFile(configPath, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}

	mock := provider.NewMockConnector()
	orig := buildRegistry
	buildRegistry = func(ctx context.Context, ics []config.IntegrationConfig, resolve credential.Func) (*provider.Registry, error) {
		reg := provider.NewRegistry()
		for _, ic := range ics {
			if err := reg.Register(provider.Entry{ID: ic.ID, Name: ic.Name, Connector: mock, Enabled: ic.IsEnabled(), Config: ic}); err != nil {
				return nil, err
			}
		}
		return reg, nil
	}
	t.Cleanup(func() { buildRegistry = orig })

	if out, err := runCLI(t, "", "db", "init", "-c", configPath); err != nil {
		t.Fatalf("db init: %v\n%s", err, out)
	}
	return configPath, mock
}

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := runCLI(t, "", args...)
	if err != nil {
		t.Fatalf("%v: %v\n%s", args, err, out)
	}
	return out
}

// addCard creates a card and returns its id.
func addCard(t *testing.T, configPath string, args ...string) string {
	t.Helper()
	out := mustRun(t, append([]string{"card", "add", "-c", configPath}, args...)...)
	fields := strings.Fields(out)
	if len(fields) < 3 || fields[0] != "Created" {
		t.Fatalf("unexpected card add output: %s", out)
	}
	return strings.TrimSuffix(fields[2], ":")
}

func TestDBInit(t *testing.T) {
	configPath, _ := setupCLI(t)
	out := mustRun(t, "db", "init", "-c", configPath)
	if !strings.Contains(out, "Registered 1 integrations: tracker") {
		t.Errorf("expected integration registration, got: %s", out)
	}
	if !strings.Contains(out, "initialized successfully") {
		t.Errorf("expected success message, got: %s", out)
	}
}

func TestDBInit_MissingConfig(t *testing.T) {
	_, err := runCLI(t, "", "db", "init", "-c", filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config")
	}
}

func TestCardAddListStatus(t *testing.T) {
	configPath, _ := setupCLI(t)

	if out := mustRun(t, "card", "list", "-c", configPath); !strings.Contains(out, "No cards found.") {
		t.Errorf("expected empty board, got: %s", out)
	}

	id := addCard(t, configPath, "--title", "Write release notes")
	out := mustRun(t, "card", "list", "-c", configPath)
	if !strings.Contains(out, id) || !strings.Contains(out, "Write release notes") {
		t.Errorf("expected card in list, got: %s", out)
	}

	mustRun(t, "card", "status", id, "review", "-c", configPath)
	out = mustRun(t, "card", "list", "--status", "review", "-c", configPath)
	if !strings.Contains(out, id) {
		t.Errorf("expected card with status review, got: %s", out)
	}

	if _, err := runCLI(t, "", "card", "status", id, "bogus", "-c", configPath); err == nil {
		t.Error("expected error for invalid status")
	}
	if _, err := runCLI(t, "", "card", "status", "card-00000", "done", "-c", configPath); err == nil {
		t.Error("expected error for unknown card")
	}
}

func TestIntegrationsListAndTest(t *testing.T) {
	configPath, mock := setupCLI(t)

	out := mustRun(t, "integrations", "list", "-c", configPath)
	if !strings.Contains(out, "tracker") || !strings.Contains(out, "Tracker") {
		t.Errorf("expected tracker in list, got: %s", out)
	}

	out = mustRun(t, "integrations", "test", "tracker", "-c", configPath)
	if !strings.Contains(out, "tracker: OK") {
		t.Errorf("expected OK, got: %s", out)
	}

	mock.FailConnection(&provider.AuthError{Integration: "tracker", Message: "token revoked"})
	out, err := runCLI(t, "", "integrations", "test", "tracker", "-c", configPath)
	if err == nil {
		t.Fatal("expected error for failing connection")
	}
	if !strings.Contains(out, "FAILED (auth)") {
		t.Errorf("expected auth failure, got: %s", out)
	}

	if _, err := runCLI(t, "", "integrations", "test", "nope", "-c", configPath); err == nil {
		t.Error("expected error for unknown integration")
	}
}

func TestSearchVerifyLinkUnlink(t *testing.T) {
	configPath, mock := setupCLI(t)
	mock.Put(provider.ExternalRecord{ExternalID: "ABC-42", Summary: "Login page broken", Status: "open", LastModifiedAt: time.Now()})
	mock.Put(provider.ExternalRecord{ExternalID: "ABC-43", Summary: "Signup flow", Status: "open", LastModifiedAt: time.Now()})
	id := addCard(t, configPath, "--title", "Fix login")

	out := mustRun(t, "search", "tracker", "login", "page", "-c", configPath)
	if !strings.Contains(out, "ABC-42") || strings.Contains(out, "ABC-43") {
		t.Errorf("expected only ABC-42 in search results, got: %s", out)
	}
	if out := mustRun(t, "search", "tracker", "zzz", "-c", configPath); !strings.Contains(out, "No matches.") {
		t.Errorf("expected no matches, got: %s", out)
	}

	out = mustRun(t, "verify", "tracker", "ABC-42", "-c", configPath)
	if !strings.Contains(out, "Login page broken") {
		t.Errorf("expected verify summary, got: %s", out)
	}
	out = mustRun(t, "verify", "tracker", "ABC-99", "-c", configPath)
	if !strings.Contains(out, "does not exist") {
		t.Errorf("expected missing record, got: %s", out)
	}

	out = mustRun(t, "link", id, "tracker", "ABC-42", "-c", configPath)
	if !strings.Contains(out, "Linked "+id+" to tracker/ABC-42") {
		t.Errorf("unexpected link output: %s", out)
	}
	// Linking again is a no-op.
	mustRun(t, "link", id, "tracker", "ABC-42", "-c", configPath)

	if _, err := runCLI(t, "", "link", id, "tracker", "ABC-99", "-c", configPath); err == nil {
		t.Error("expected error linking a record that does not exist")
	}

	out = mustRun(t, "links", id, "-c", configPath)
	if strings.Count(out, "ABC-42") != 1 {
		t.Errorf("expected exactly one ABC-42 link, got: %s", out)
	}
	if !strings.Contains(out, "unsynced") {
		t.Errorf("expected new link to be unsynced, got: %s", out)
	}

	mustRun(t, "unlink", id, "tracker", "ABC-42", "-c", configPath)
	if out := mustRun(t, "links", id, "-c", configPath); !strings.Contains(out, "has no links") {
		t.Errorf("expected no links after unlink, got: %s", out)
	}
	if _, ok := mock.Record("ABC-42"); !ok {
		t.Error("unlink must not delete the external record")
	}
}

func TestPrimaryAndRefresh(t *testing.T) {
	configPath, mock := setupCLI(t)
	mock.Put(provider.ExternalRecord{ExternalID: "A-1", Summary: "first", Status: "open", LastModifiedAt: time.Now()})
	mock.Put(provider.ExternalRecord{ExternalID: "A-2", Summary: "second", Status: "open", LastModifiedAt: time.Now()})
	id := addCard(t, configPath, "--title", "Two links")
	mustRun(t, "link", id, "tracker", "A-1", "-c", configPath)
	mustRun(t, "link", id, "tracker", "A-2", "-c", configPath)

	out := mustRun(t, "primary", id, "tracker", "A-2", "-c", configPath)
	if !strings.Contains(out, "tracker/A-2 is now the primary link") {
		t.Errorf("unexpected primary output: %s", out)
	}
	for _, line := range strings.Split(mustRun(t, "links", id, "-c", configPath), "\n") {
		if strings.Contains(line, "A-2") && !strings.HasPrefix(line, "*") {
			t.Errorf("expected A-2 to be marked primary, got line: %q", line)
		}
		if strings.Contains(line, "A-1") && strings.HasPrefix(line, "*") {
			t.Errorf("A-1 should no longer be primary, got line: %q", line)
		}
	}

	mock.Put(provider.ExternalRecord{ExternalID: "A-1", Summary: "first, renamed", Status: "in_progress", LastModifiedAt: time.Now()})
	out = mustRun(t, "refresh", id, "tracker", "A-1", "-c", configPath)
	if !strings.Contains(out, "first, renamed [in_progress]") {
		t.Errorf("expected refreshed summary, got: %s", out)
	}
}

func TestSyncPullsNewerExternalStatus(t *testing.T) {
	configPath, mock := setupCLI(t)
	mock.Put(provider.ExternalRecord{ExternalID: "ABC-42", Summary: "Login page broken", Status: "open", LastModifiedAt: time.Now()})
	id := addCard(t, configPath, "--title", "Fix login")
	mustRun(t, "link", id, "tracker", "ABC-42", "-c", configPath)

	mock.Put(provider.ExternalRecord{ExternalID: "ABC-42", Summary: "Login page broken", Status: "done", LastModifiedAt: time.Now().Add(time.Hour)})
	out := mustRun(t, "sync", "-c", configPath)
	if !strings.Contains(out, "pulled 1") {
		t.Errorf("expected one pull, got: %s", out)
	}

	out = mustRun(t, "card", "list", "--status", "done", "-c", configPath)
	if !strings.Contains(out, id) {
		t.Errorf("expected card to be done after sync, got: %s", out)
	}

	out = mustRun(t, "status", "-c", configPath)
	if !strings.Contains(out, "tracker") || strings.Contains(out, "Last cycle: never") {
		t.Errorf("expected status with a recorded cycle, got: %s", out)
	}
	out = mustRun(t, "status", "--json", "-c", configPath)
	if !strings.Contains(out, `"per_integration"`) {
		t.Errorf("expected JSON status, got: %s", out)
	}
}

func TestSync_JSONAndScope(t *testing.T) {
	configPath, mock := setupCLI(t)
	mock.Put(provider.ExternalRecord{ExternalID: "X-1", Summary: "x", Status: "open", LastModifiedAt: time.Now()})
	id := addCard(t, configPath, "--title", "Scoped")
	mustRun(t, "link", id, "tracker", "X-1", "-c", configPath)

	out := mustRun(t, "sync", "--item", id, "--json", "-c", configPath)
	if !strings.Contains(out, `"scope": "item:`+id+`"`) {
		t.Errorf("expected item scope in report, got: %s", out)
	}
	if _, err := runCLI(t, "", "sync", "--integration", "nope", "-c", configPath); err == nil {
		t.Error("expected error for unknown integration scope")
	}
}

func TestCreateCmd(t *testing.T) {
	configPath, mock := setupCLI(t)
	id := addCard(t, configPath, "--title", "Ship the installer")

	out := mustRun(t, "create", id, "tracker", "-c", configPath)
	if !strings.Contains(out, "Created tracker/") {
		t.Errorf("unexpected create output: %s", out)
	}
	if mock.Created() != 1 {
		t.Errorf("Created() = %d, want 1", mock.Created())
	}

	out = mustRun(t, "create", id, "tracker", "-c", configPath)
	if !strings.Contains(out, "Found existing") {
		t.Errorf("expected duplicate detection, got: %s", out)
	}
	if mock.Created() != 1 {
		t.Errorf("Created() = %d after duplicate, want 1", mock.Created())
	}
}

func TestResolveCmd_InvalidKeep(t *testing.T) {
	configPath, _ := setupCLI(t)
	_, err := runCLI(t, "", "resolve", "card-00000", "tracker", "X-1", "--keep", "both", "-c", configPath)
	if err == nil || !strings.Contains(err.Error(), "--keep") {
		t.Errorf("expected --keep validation error, got: %v", err)
	}
}

func TestOrphansCmd(t *testing.T) {
	configPath, mock := setupCLI(t)
	mock.Put(provider.ExternalRecord{ExternalID: "GONE-1", Summary: "soon gone", Status: "open", LastModifiedAt: time.Now()})
	id := addCard(t, configPath, "--title", "Orphan me")
	mustRun(t, "link", id, "tracker", "GONE-1", "-c", configPath)

	if out := mustRun(t, "orphans", "-c", configPath); !strings.Contains(out, "No orphaned links.") {
		t.Errorf("expected no orphans, got: %s", out)
	}

	mock.Delete("GONE-1")
	mustRun(t, "sync", "-c", configPath)

	out := mustRun(t, "orphans", "-c", configPath)
	if !strings.Contains(out, "GONE-1") {
		t.Errorf("expected orphaned link, got: %s", out)
	}
	if out := mustRun(t, "orphans", "--older-than", "24h", "-c", configPath); !strings.Contains(out, "No orphaned links.") {
		t.Errorf("fresh orphan should be below staleness, got: %s", out)
	}
	// Orphaned links are kept.
	if out := mustRun(t, "links", id, "-c", configPath); !strings.Contains(out, "(orphaned)") {
		t.Errorf("expected orphaned marker on the card, got: %s", out)
	}
}
