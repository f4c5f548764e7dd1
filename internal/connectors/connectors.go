// Package connectors builds the provider registry from configured integrations.
package connectors

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strconv"

	"golang.org/x/oauth2"

	"github.com/zulandar/coupler/internal/config"
	"github.com/zulandar/coupler/internal/credential"
	"github.com/zulandar/coupler/internal/provider"
	"github.com/zulandar/coupler/internal/provider/calendar"
	"github.com/zulandar/coupler/internal/provider/github"
	"github.com/zulandar/coupler/internal/provider/jira"
	"github.com/zulandar/coupler/internal/provider/rest"
)

// Build creates a registry holding one connector per configured integration.
// Credentials are resolved once here. An integration whose credential cannot
// be resolved is still registered, with a connector that fails every call
// with an AuthError, so the sync engine skips it and reports why.
func Build(ctx context.Context, ics []config.IntegrationConfig, resolve credential.Func) (*provider.Registry, error) {
	if resolve == nil {
		resolve = credential.Resolve
	}
	reg := provider.NewRegistry()
	for _, ic := range ics {
		conn, err := New(ctx, ic, resolve)
		if err != nil {
			if !provider.IsAuthError(err) {
				return nil, fmt.Errorf("connectors: build %s: %w", ic.ID, err)
			}
			slog.Warn("integration credentials unavailable", "integration", ic.ID, "error", err)
			conn = &unavailable{typ: typeOf(ic.Type), err: err}
		}
		if err := reg.Register(provider.Entry{
			ID:        ic.ID,
			Name:      ic.Name,
			Connector: conn,
			Enabled:   ic.IsEnabled(),
			Config:    ic,
		}); err != nil {
			return nil, fmt.Errorf("connectors: %w", err)
		}
	}
	return reg, nil
}

// New creates the connector for a single integration.
func New(ctx context.Context, ic config.IntegrationConfig, resolve credential.Func) (provider.Connector, error) {
	if ic.Type == config.TypeMock {
		m := provider.NewMockConnector()
		if ic.Setting("kind", "") == string(provider.TypeCalendar) {
			m.SetType(provider.TypeCalendar)
		}
		return m, nil
	}
	if resolve == nil {
		resolve = credential.Resolve
	}

	ts, err := tokenSource(ctx, ic, resolve)
	if err != nil {
		return nil, err
	}

	switch ic.Type {
	case config.TypeJira:
		client := rest.New(ic.BaseURL, ic.ID, ts, restOptions(ic)...)
		return jira.New(client, jira.Options{
			BaseURL:           ic.BaseURL,
			BrowseURLTemplate: ic.BrowseURLTemplate,
			Project:           ic.Setting("project", ""),
			IssueType:         ic.Setting("issue_type", ""),
		}), nil
	case config.TypeGitHub:
		return github.New(ts, nil, github.Options{
			Repo:        ic.Setting("repo", ""),
			BaseURL:     ic.BaseURL,
			Integration: ic.ID,
		})
	case config.TypeCalendar:
		client := rest.New(ic.BaseURL, ic.ID, ts, restOptions(ic)...)
		return calendar.New(client, ic.Setting("calendar_id", "")), nil
	default:
		return nil, fmt.Errorf("unsupported integration type %q", ic.Type)
	}
}

// tokenSource resolves the integration's credential. When the settings name
// an OAuth2 client, the credential is a refresh token exchanged at token_url.
func tokenSource(ctx context.Context, ic config.IntegrationConfig, resolve credential.Func) (oauth2.TokenSource, error) {
	secret, err := resolve(ic.AuthRef)
	if err != nil {
		return nil, &provider.AuthError{Integration: ic.ID, Message: err.Error()}
	}
	clientID := ic.Setting("client_id", "")
	tokenURL := ic.Setting("token_url", "")
	if clientID == "" || tokenURL == "" {
		return rest.StaticToken(secret), nil
	}

	var clientSecret string
	if ref := ic.Setting("client_secret_ref", ""); ref != "" {
		clientSecret, err = resolve(ref)
		if err != nil {
			return nil, &provider.AuthError{Integration: ic.ID, Message: err.Error()}
		}
	}
	oc := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
	}
	return oc.TokenSource(context.WithoutCancel(ctx), &oauth2.Token{RefreshToken: secret}), nil
}

func restOptions(ic config.IntegrationConfig) []rest.Option {
	var opts []rest.Option
	if v := ic.Setting("rate_limit", ""); v != "" {
		if rps, err := strconv.ParseFloat(v, 64); err == nil && rps > 0 {
			burst := max(int(rps), 1)
			opts = append(opts, rest.WithRateLimit(rps, burst))
		} else {
			slog.Warn("ignoring invalid rate_limit setting", "integration", ic.ID, "value", v)
		}
	}
	if v := ic.Setting("max_retries", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			opts = append(opts, rest.WithMaxRetries(n))
		}
	}
	return opts
}

func typeOf(t string) provider.Type {
	if t == config.TypeCalendar {
		return provider.TypeCalendar
	}
	return provider.TypeIssueTracker
}

// unavailable stands in for a connector whose credentials could not be
// resolved.
type unavailable struct {
	typ provider.Type
	err error
}

func (u *unavailable) Type() provider.Type { return u.typ }

func (u *unavailable) TestConnection(ctx context.Context) provider.ConnectionStatus {
	return provider.ConnectionStatus{Detail: u.err.Error(), Kind: provider.KindAuth}
}

func (u *unavailable) Search(ctx context.Context, query string) iter.Seq2[provider.Candidate, error] {
	return func(yield func(provider.Candidate, error) bool) {
		yield(provider.Candidate{}, u.err)
	}
}

func (u *unavailable) Verify(ctx context.Context, externalID string) (provider.VerifyResult, error) {
	return provider.VerifyResult{}, u.err
}

func (u *unavailable) Fetch(ctx context.Context, externalID string) (provider.ExternalRecord, error) {
	return provider.ExternalRecord{}, u.err
}

func (u *unavailable) Push(ctx context.Context, externalID, desiredStatus string) (provider.PushResult, error) {
	return provider.PushResult{}, u.err
}
