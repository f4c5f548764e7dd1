// Package provider defines the capability contract every external-system
// connector satisfies, plus the registry that resolves connectors by
// integration id.
package provider

import (
	"context"
	"iter"
	"strings"
	"time"
)

// Type identifies the family of external system a connector talks to.
type Type string

const (
	TypeIssueTracker Type = "issue-tracker"
	TypeCalendar     Type = "calendar"
)

// SearchLimit bounds the number of candidates a Search yields.
const SearchLimit = 25

// Connector is implemented once per external system type. Connectors carry
// no sync policy: they read, write and translate payloads.
type Connector interface {
	// Type returns the kind of external system.
	Type() Type

	// TestConnection checks reachability and credentials. Failures are
	// reported in the returned status, never as an error.
	TestConnection(ctx context.Context) ConnectionStatus

	// Search yields at most SearchLimit candidates matching query. The
	// sequence is lazy and cannot be restarted. On failure it yields a
	// single error and stops.
	Search(ctx context.Context, query string) iter.Seq2[Candidate, error]

	// Verify checks whether an external record exists. A missing record
	// is reported as VerifyResult{Exists: false}.
	Verify(ctx context.Context, externalID string) (VerifyResult, error)

	// Fetch returns the current state of an external record, or an error
	// matching ErrNotFound.
	Fetch(ctx context.Context, externalID string) (ExternalRecord, error)

	// Push moves the external record to desiredStatus. Pushing the status
	// the record already has is a no-op reported as Applied=false.
	Push(ctx context.Context, externalID, desiredStatus string) (PushResult, error)
}

// Creator is implemented by connectors able to create external records.
type Creator interface {
	Create(ctx context.Context, title string, cc CreateContext) (string, error)
}

// Deduper is implemented by connectors that can tell whether an existing
// external record is equivalent to one about to be created.
type Deduper interface {
	Equivalent(title string, cc CreateContext, rec ExternalRecord) bool
}

// AsCreator reports whether c can create external records.
func AsCreator(c Connector) (Creator, bool) {
	cr, ok := c.(Creator)
	return cr, ok
}

// ConnectionStatus is the result of TestConnection.
type ConnectionStatus struct {
	OK     bool
	Detail string
	Kind   Kind
}

// Candidate is one search hit.
type Candidate struct {
	ExternalID string
	Summary    string
	Status     string
	URL        string
}

// VerifyResult is the result of Verify.
type VerifyResult struct {
	Exists bool
	// ExternalID is the record's canonical id when the connector accepts
	// several spellings of one reference. Empty means the id as given.
	ExternalID string
	Summary    string
	Status     string
	URL        string
}

// ExternalRecord is the normalized state of one external record.
type ExternalRecord struct {
	ExternalID     string
	Summary        string
	Status         string
	LastModifiedAt time.Time
	URL            string
	StartsAt       *time.Time
	// References holds local card ids the record mentions.
	References []string
}

// PushResult is the result of Push. ModifiedAt is the record's new
// modification time when the connector knows it.
type PushResult struct {
	Applied    bool
	ModifiedAt time.Time
}

// CreateContext carries local data a connector may use when creating a record.
type CreateContext struct {
	CardID      string
	Description string
	StartsAt    *time.Time
	EndsAt      *time.Time
}

// Collect drains seq into a slice, stopping after limit items or at the
// first error.
func Collect(seq iter.Seq2[Candidate, error], limit int) ([]Candidate, error) {
	if limit <= 0 {
		limit = SearchLimit
	}
	var out []Candidate
	for c, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, c)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// BrowseURL expands a browse URL template such as
// "https://jira.example.com/browse/{id}". An empty template yields "".
func BrowseURL(template, externalID string) string {
	if template == "" {
		return ""
	}
	return strings.ReplaceAll(template, "{id}", externalID)
}

// NormalizeTitle lowercases and collapses whitespace for title comparisons.
func NormalizeTitle(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
