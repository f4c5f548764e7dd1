package credential

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/99designs/keyring"
)

func useArrayKeyring(t *testing.T, items ...keyring.Item) {
	t.Helper()
	ring := keyring.NewArrayKeyring(items)
	orig := openKeyring
	openKeyring = func() (keyring.Keyring, error) { return ring, nil }
	t.Cleanup(func() { openKeyring = orig })
}

func TestResolve_Env(t *testing.T) {
	t.Setenv("COUPLER_TEST_TOKEN", "abc123")
	got, err := Resolve("env:COUPLER_TEST_TOKEN")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "abc123" {
		t.Errorf("Resolve = %q, want abc123", got)
	}

	if _, err := Resolve("env:COUPLER_DEFINITELY_UNSET"); err == nil {
		t.Error("expected error for unset variable")
	}
}

func TestResolve_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("  s3cret\n"), 0600); err != nil {
		t.Fatal(err)
	}
	got, err := Resolve("file:" + path)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "s3cret" {
		t.Errorf("Resolve = %q, want trimmed s3cret", got)
	}

	empty := filepath.Join(t.TempDir(), "empty")
	os.WriteFile(empty, []byte("\n"), 0600)
	if _, err := Resolve("file:" + empty); err == nil {
		t.Error("expected error for empty file")
	}
}

func TestResolve_Keyring(t *testing.T) {
	useArrayKeyring(t, keyring.Item{Key: "jira-trk-1", Data: []byte("pat-value")})

	for _, ref := range []string{"keyring:jira-trk-1", "jira-trk-1"} {
		got, err := Resolve(ref)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", ref, err)
		}
		if got != "pat-value" {
			t.Errorf("Resolve(%q) = %q", ref, got)
		}
	}
	if _, err := Resolve("keyring:missing"); err == nil {
		t.Error("expected error for missing keyring entry")
	}
}

func TestSetGetDelete(t *testing.T) {
	useArrayKeyring(t)
	if err := Set("gh", "ghp_x"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := Get("gh")
	if err != nil || got != "ghp_x" {
		t.Errorf("Get = %q, %v", got, err)
	}
	if err := Delete("gh"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := Get("gh"); err == nil {
		t.Error("expected error after Delete")
	}
}

func TestResolve_BadReferences(t *testing.T) {
	for _, ref := range []string{"", "env:", "vault:thing"} {
		_, err := Resolve(ref)
		if err == nil {
			t.Errorf("Resolve(%q): expected error", ref)
			continue
		}
		if !strings.HasPrefix(err.Error(), "credential:") {
			t.Errorf("Resolve(%q) error = %q, want credential: prefix", ref, err.Error())
		}
	}
}
