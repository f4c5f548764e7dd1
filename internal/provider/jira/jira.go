// Package jira implements the issue-tracker connector for Jira Server/DC
// over REST API v2.
package jira

import (
	"context"
	"fmt"
	"iter"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/zulandar/coupler/internal/models"
	"github.com/zulandar/coupler/internal/provider"
	"github.com/zulandar/coupler/internal/provider/rest"
)

const fetchFields = "summary,status,updated,description"

// pageSize is the number of issues requested per search page.
const pageSize = 10

var (
	issueKeyRe = regexp.MustCompile(`^[A-Z][A-Z0-9_]+-\d+$`)
	cardRefRe  = regexp.MustCompile(`\bcard-[0-9a-f]{5}\b`)
)

// Options configure a Connector.
type Options struct {
	BaseURL string
	// BrowseURLTemplate overrides the default <base>/browse/{id} link.
	BrowseURLTemplate string
	// Project is the project key new issues are created in.
	Project   string
	IssueType string
}

// Connector implements provider.Connector and provider.Creator for Jira.
type Connector struct {
	client *rest.Client
	opts   Options
}

// New creates a Jira connector using client for transport.
func New(client *rest.Client, opts Options) *Connector {
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.BrowseURLTemplate == "" {
		opts.BrowseURLTemplate = opts.BaseURL + "/browse/{id}"
	}
	if opts.IssueType == "" {
		opts.IssueType = "Task"
	}
	return &Connector{client: client, opts: opts}
}

// Type returns provider.TypeIssueTracker.
func (c *Connector) Type() provider.Type {
	return provider.TypeIssueTracker
}

// TestConnection calls GET /rest/api/2/myself.
func (c *Connector) TestConnection(ctx context.Context) provider.ConnectionStatus {
	var me myself
	if err := c.client.Get(ctx, "/rest/api/2/myself", &me); err != nil {
		return provider.ConnectionStatus{Detail: err.Error(), Kind: provider.Classify(err)}
	}
	return provider.ConnectionStatus{OK: true, Detail: "connected as " + me.DisplayName}
}

// Search pages through JQL results lazily. A query shaped like an issue key
// matches that key exactly.
func (c *Connector) Search(ctx context.Context, query string) iter.Seq2[provider.Candidate, error] {
	return func(yield func(provider.Candidate, error) bool) {
		jql := searchJQL(query)
		yielded := 0
		for startAt := 0; yielded < provider.SearchLimit; {
			body := map[string]interface{}{
				"jql":        jql,
				"fields":     strings.Split(fetchFields, ","),
				"startAt":    startAt,
				"maxResults": pageSize,
			}
			var resp searchResponse
			if err := c.client.Post(ctx, "/rest/api/2/search", body, &resp); err != nil {
				yield(provider.Candidate{}, fmt.Errorf("jira: search: %w", err))
				return
			}
			for _, is := range resp.Issues {
				cand := provider.Candidate{
					ExternalID: is.Key,
					Summary:    is.Fields.Summary,
					Status:     normalizeStatus(is.Fields.Status),
					URL:        provider.BrowseURL(c.opts.BrowseURLTemplate, is.Key),
				}
				if !yield(cand, nil) {
					return
				}
				yielded++
				if yielded >= provider.SearchLimit {
					return
				}
			}
			startAt += len(resp.Issues)
			if len(resp.Issues) == 0 || startAt >= resp.Total {
				return
			}
		}
	}
}

// Verify reports whether the issue exists.
func (c *Connector) Verify(ctx context.Context, externalID string) (provider.VerifyResult, error) {
	rec, err := c.Fetch(ctx, externalID)
	if err != nil {
		if provider.Classify(err) == provider.KindNotFound {
			return provider.VerifyResult{}, nil
		}
		return provider.VerifyResult{}, err
	}
	return provider.VerifyResult{Exists: true, ExternalID: rec.ExternalID, Summary: rec.Summary, Status: rec.Status, URL: rec.URL}, nil
}

// Fetch reads one issue.
func (c *Connector) Fetch(ctx context.Context, externalID string) (provider.ExternalRecord, error) {
	var is issue
	path := fmt.Sprintf("/rest/api/2/issue/%s?fields=%s", url.PathEscape(externalID), fetchFields)
	if err := c.client.Get(ctx, path, &is); err != nil {
		return provider.ExternalRecord{}, fmt.Errorf("jira: fetch %s: %w", externalID, err)
	}
	return c.toRecord(is), nil
}

// Push moves the issue to the first transition whose target status
// normalizes to desiredStatus.
func (c *Connector) Push(ctx context.Context, externalID, desiredStatus string) (provider.PushResult, error) {
	current, err := c.Fetch(ctx, externalID)
	if err != nil {
		return provider.PushResult{}, err
	}
	if current.Status == desiredStatus {
		return provider.PushResult{ModifiedAt: current.LastModifiedAt}, nil
	}

	var tr transitionsResponse
	path := fmt.Sprintf("/rest/api/2/issue/%s/transitions", url.PathEscape(externalID))
	if err := c.client.Get(ctx, path, &tr); err != nil {
		return provider.PushResult{}, fmt.Errorf("jira: transitions for %s: %w", externalID, err)
	}
	var target *transition
	for i := range tr.Transitions {
		if normalizeStatus(tr.Transitions[i].To) == desiredStatus {
			target = &tr.Transitions[i]
			break
		}
	}
	if target == nil {
		return provider.PushResult{}, &provider.RejectedError{
			Reason: fmt.Sprintf("no transition from %q to %s on %s", current.Status, desiredStatus, externalID),
		}
	}

	body := map[string]interface{}{"transition": map[string]string{"id": target.ID}}
	if err := c.client.Post(ctx, path, body, nil); err != nil {
		return provider.PushResult{}, fmt.Errorf("jira: transition %s: %w", externalID, err)
	}

	after, err := c.Fetch(ctx, externalID)
	if err != nil {
		// The transition went through; the modification time is unknown.
		return provider.PushResult{Applied: true}, nil
	}
	return provider.PushResult{Applied: true, ModifiedAt: after.LastModifiedAt}, nil
}

// Create opens a new issue in the configured project.
func (c *Connector) Create(ctx context.Context, title string, cc provider.CreateContext) (string, error) {
	if c.opts.Project == "" {
		return "", &provider.RejectedError{Reason: "jira: no project configured for issue creation"}
	}
	desc := cc.Description
	if cc.CardID != "" {
		desc = strings.TrimSpace(desc + "\n\nLinked card: " + cc.CardID)
	}
	body := map[string]interface{}{
		"fields": map[string]interface{}{
			"project":     map[string]string{"key": c.opts.Project},
			"summary":     title,
			"description": desc,
			"issuetype":   map[string]string{"name": c.opts.IssueType},
		},
	}
	var resp createResponse
	if err := c.client.Post(ctx, "/rest/api/2/issue", body, &resp); err != nil {
		return "", fmt.Errorf("jira: create issue: %w", err)
	}
	return resp.Key, nil
}

func (c *Connector) toRecord(is issue) provider.ExternalRecord {
	return provider.ExternalRecord{
		ExternalID:     is.Key,
		Summary:        is.Fields.Summary,
		Status:         normalizeStatus(is.Fields.Status),
		LastModifiedAt: parseJiraTime(is.Fields.Updated),
		URL:            provider.BrowseURL(c.opts.BrowseURLTemplate, is.Key),
		References:     cardRefRe.FindAllString(is.Fields.Description, -1),
	}
}

func searchJQL(query string) string {
	q := strings.TrimSpace(query)
	if issueKeyRe.MatchString(strings.ToUpper(q)) {
		return "key = " + strings.ToUpper(q)
	}
	escaped := strings.ReplaceAll(q, `"`, `\"`)
	return fmt.Sprintf(`text ~ "%s" ORDER BY updated DESC`, escaped)
}

// normalizeStatus maps a Jira status onto the shared status vocabulary.
func normalizeStatus(s status) string {
	if strings.Contains(strings.ToLower(s.Name), "review") {
		return models.StatusReview
	}
	if strings.Contains(strings.ToLower(s.Name), "cancel") || strings.Contains(strings.ToLower(s.Name), "won't") {
		return models.StatusCancelled
	}
	switch strings.ToLower(s.StatusCategory.Key) {
	case "new":
		return models.StatusOpen
	case "indeterminate":
		return models.StatusInProgress
	case "done":
		return models.StatusDone
	default:
		return models.StatusOpen
	}
}

// parseJiraTime parses a Jira timestamp such as 2026-03-01T09:15:00.000+0000.
func parseJiraTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	layouts := []string{
		"2006-01-02T15:04:05.000-0700",
		"2006-01-02T15:04:05-0700",
		time.RFC3339Nano,
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
