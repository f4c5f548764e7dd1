// Package github implements the issue-tracker connector for GitHub issues.
package github

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"

	gh "github.com/google/go-github/v68/github"
	"github.com/zulandar/coupler/internal/models"
	"github.com/zulandar/coupler/internal/provider"
	"golang.org/x/oauth2"
)

// Labels used to express statuses GitHub has no native state for.
const (
	LabelInProgress = "in progress"
	LabelReview     = "review"
)

var (
	refRe     = regexp.MustCompile(`^(?:([\w.-]+)/([\w.-]+))?#?(\d+)$`)
	cardRefRe = regexp.MustCompile(`\bcard-[0-9a-f]{5}\b`)
)

// Options configure a Connector.
type Options struct {
	// Repo is the default "owner/name" for bare issue numbers.
	Repo string
	// BaseURL points at a GitHub Enterprise API root. Empty means github.com.
	BaseURL string
	// Integration names the integration in AuthError values.
	Integration string
}

// Connector implements provider.Connector and provider.Creator for GitHub.
type Connector struct {
	client *gh.Client
	opts   Options
}

// New creates a GitHub connector authenticating with ts. httpClient may be
// nil; its transport is wrapped with oauth2.
func New(ts oauth2.TokenSource, httpClient *http.Client, opts Options) (*Connector, error) {
	base := http.DefaultTransport
	if httpClient != nil && httpClient.Transport != nil {
		base = httpClient.Transport
	}
	client := gh.NewClient(&http.Client{Transport: &oauth2.Transport{Source: ts, Base: base}})
	if opts.BaseURL != "" {
		u, err := url.Parse(strings.TrimRight(opts.BaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("github: parse base url: %w", err)
		}
		client.BaseURL = u
	}
	if opts.Repo != "" && !strings.Contains(opts.Repo, "/") {
		return nil, fmt.Errorf("github: repo %q must be owner/name", opts.Repo)
	}
	return &Connector{client: client, opts: opts}, nil
}

// Type returns provider.TypeIssueTracker.
func (c *Connector) Type() provider.Type {
	return provider.TypeIssueTracker
}

// TestConnection fetches the authenticated user.
func (c *Connector) TestConnection(ctx context.Context) provider.ConnectionStatus {
	user, _, err := c.client.Users.Get(ctx, "")
	if err != nil {
		err = c.mapError("test connection", err)
		return provider.ConnectionStatus{Detail: err.Error(), Kind: provider.Classify(err)}
	}
	return provider.ConnectionStatus{OK: true, Detail: "connected as " + user.GetLogin()}
}

// Search pages through the issue search API lazily.
func (c *Connector) Search(ctx context.Context, query string) iter.Seq2[provider.Candidate, error] {
	return func(yield func(provider.Candidate, error) bool) {
		q := strings.TrimSpace(query) + " is:issue"
		if c.opts.Repo != "" {
			q += " repo:" + c.opts.Repo
		}
		opts := &gh.SearchOptions{ListOptions: gh.ListOptions{PerPage: 10}}
		yielded := 0
		for {
			res, resp, err := c.client.Search.Issues(ctx, q, opts)
			if err != nil {
				yield(provider.Candidate{}, c.mapError("search", err))
				return
			}
			for _, is := range res.Issues {
				id := c.issueID(is)
				cand := provider.Candidate{
					ExternalID: id,
					Summary:    is.GetTitle(),
					Status:     issueStatus(is),
					URL:        is.GetHTMLURL(),
				}
				if !yield(cand, nil) {
					return
				}
				yielded++
				if yielded >= provider.SearchLimit {
					return
				}
			}
			if resp == nil || resp.NextPage == 0 {
				return
			}
			opts.Page = resp.NextPage
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
	owner, repo, num, err := c.parseRef(externalID)
	if err != nil {
		return provider.ExternalRecord{}, err
	}
	is, _, err := c.client.Issues.Get(ctx, owner, repo, num)
	if err != nil {
		return provider.ExternalRecord{}, c.mapError("fetch "+externalID, err)
	}
	return c.toRecord(issueRef(owner, repo, num), is), nil
}

// Push sets the issue state and status labels for desiredStatus.
func (c *Connector) Push(ctx context.Context, externalID, desiredStatus string) (provider.PushResult, error) {
	owner, repo, num, err := c.parseRef(externalID)
	if err != nil {
		return provider.PushResult{}, err
	}
	is, _, err := c.client.Issues.Get(ctx, owner, repo, num)
	if err != nil {
		return provider.PushResult{}, c.mapError("push "+externalID, err)
	}
	if issueStatus(is) == desiredStatus {
		return provider.PushResult{ModifiedAt: is.GetUpdatedAt().Time}, nil
	}

	state, labels, err := desiredState(desiredStatus, labelNames(is))
	if err != nil {
		return provider.PushResult{}, err
	}
	req := &gh.IssueRequest{State: &state, Labels: &labels}
	switch desiredStatus {
	case models.StatusCancelled:
		reason := "not_planned"
		req.StateReason = &reason
	case models.StatusDone:
		reason := "completed"
		req.StateReason = &reason
	}
	updated, _, err := c.client.Issues.Edit(ctx, owner, repo, num, req)
	if err != nil {
		return provider.PushResult{}, c.mapError("push "+externalID, err)
	}
	return provider.PushResult{Applied: true, ModifiedAt: updated.GetUpdatedAt().Time}, nil
}

// Create opens a new issue in the default repository.
func (c *Connector) Create(ctx context.Context, title string, cc provider.CreateContext) (string, error) {
	if c.opts.Repo == "" {
		return "", &provider.RejectedError{Reason: "github: no repo configured for issue creation"}
	}
	owner, repo, _ := strings.Cut(c.opts.Repo, "/")
	body := cc.Description
	if cc.CardID != "" {
		body = strings.TrimSpace(body + "\n\nLinked card: " + cc.CardID)
	}
	is, _, err := c.client.Issues.Create(ctx, owner, repo, &gh.IssueRequest{Title: &title, Body: &body})
	if err != nil {
		return "", c.mapError("create", err)
	}
	return issueRef(owner, repo, is.GetNumber()), nil
}

// issueRef is the canonical form every accepted reference resolves to.
func issueRef(owner, repo string, num int) string {
	return fmt.Sprintf("%s/%s#%d", owner, repo, num)
}

func (c *Connector) toRecord(externalID string, is *gh.Issue) provider.ExternalRecord {
	return provider.ExternalRecord{
		ExternalID:     externalID,
		Summary:        is.GetTitle(),
		Status:         issueStatus(is),
		LastModifiedAt: is.GetUpdatedAt().Time,
		URL:            is.GetHTMLURL(),
		References:     cardRefRe.FindAllString(is.GetBody(), -1),
	}
}

// issueID renders an issue reference as owner/name#N.
func (c *Connector) issueID(is *gh.Issue) string {
	repo := repoFromURL(is.GetRepositoryURL())
	if repo == "" {
		repo = c.opts.Repo
	}
	if repo == "" {
		return "#" + strconv.Itoa(is.GetNumber())
	}
	return fmt.Sprintf("%s#%d", repo, is.GetNumber())
}

// parseRef accepts "owner/name#12", "#12" and "12".
func (c *Connector) parseRef(externalID string) (owner, repo string, num int, err error) {
	m := refRe.FindStringSubmatch(strings.TrimSpace(externalID))
	if m == nil {
		return "", "", 0, &provider.RejectedError{Reason: fmt.Sprintf("github: malformed issue reference %q", externalID)}
	}
	owner, repo = m[1], m[2]
	if owner == "" {
		if c.opts.Repo == "" {
			return "", "", 0, &provider.RejectedError{Reason: fmt.Sprintf("github: %q has no repo and none is configured", externalID)}
		}
		owner, repo, _ = strings.Cut(c.opts.Repo, "/")
	}
	num, _ = strconv.Atoi(m[3])
	return owner, repo, num, nil
}

// mapError converts go-github errors into provider errors.
func (c *Connector) mapError(op string, err error) error {
	var (
		rateErr  *gh.RateLimitError
		abuseErr *gh.AbuseRateLimitError
		respErr  *gh.ErrorResponse
	)
	switch {
	case errors.As(err, &rateErr):
		return &provider.TransientError{Op: op, Err: err}
	case errors.As(err, &abuseErr):
		return &provider.TransientError{Op: op, Err: err, RetryAfter: abuseErr.GetRetryAfter()}
	case errors.As(err, &respErr) && respErr.Response != nil:
		switch code := respErr.Response.StatusCode; {
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			return &provider.AuthError{Integration: c.opts.Integration, Message: respErr.Message}
		case code == http.StatusNotFound || code == http.StatusGone:
			return fmt.Errorf("github: %s: %w", op, provider.ErrNotFound)
		case code == http.StatusUnprocessableEntity:
			return &provider.RejectedError{Reason: respErr.Message}
		}
	}
	return &provider.TransientError{Op: op, Err: err}
}

// issueStatus maps issue state and labels onto the shared vocabulary.
func issueStatus(is *gh.Issue) string {
	if is.GetState() == "closed" {
		if is.GetStateReason() == "not_planned" {
			return models.StatusCancelled
		}
		return models.StatusDone
	}
	labels := labelNames(is)
	switch {
	case slices.Contains(labels, LabelReview):
		return models.StatusReview
	case slices.Contains(labels, LabelInProgress):
		return models.StatusInProgress
	default:
		return models.StatusOpen
	}
}

// desiredState computes the state and label set for status, keeping labels
// unrelated to status.
func desiredState(status string, current []string) (string, []string, error) {
	labels := make([]string, 0, len(current)+1)
	for _, l := range current {
		if l != LabelInProgress && l != LabelReview {
			labels = append(labels, l)
		}
	}
	switch status {
	case models.StatusOpen:
		return "open", labels, nil
	case models.StatusInProgress:
		return "open", append(labels, LabelInProgress), nil
	case models.StatusReview:
		return "open", append(labels, LabelReview), nil
	case models.StatusDone, models.StatusCancelled:
		return "closed", labels, nil
	default:
		return "", nil, &provider.RejectedError{Reason: fmt.Sprintf("github: no mapping for status %q", status)}
	}
}

func labelNames(is *gh.Issue) []string {
	names := make([]string, 0, len(is.Labels))
	for _, l := range is.Labels {
		names = append(names, strings.ToLower(l.GetName()))
	}
	return names
}

// repoFromURL extracts owner/name from an API repository URL.
func repoFromURL(u string) string {
	i := strings.Index(u, "/repos/")
	if i < 0 {
		return ""
	}
	return strings.Trim(u[i+len("/repos/"):], "/")
}
