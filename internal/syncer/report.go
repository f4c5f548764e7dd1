package syncer

import (
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/coupler/internal/models"
)

// Scope narrows a cycle to one integration or one card. The zero Scope
// covers everything.
type Scope struct {
	Integration string
	CardID      string
}

// ParseScope parses "all", "integration:<id>" or "item:<id>".
func ParseScope(s string) (Scope, error) {
	if s == "" || s == "all" {
		return Scope{}, nil
	}
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return Scope{}, fmt.Errorf("syncer: invalid scope %q (all, integration:<id>, item:<id>)", s)
	}
	switch kind {
	case "integration":
		return Scope{Integration: id}, nil
	case "item", "card":
		return Scope{CardID: id}, nil
	default:
		return Scope{}, fmt.Errorf("syncer: invalid scope %q (all, integration:<id>, item:<id>)", s)
	}
}

func (s Scope) String() string {
	switch {
	case s.Integration != "" && s.CardID != "":
		return "integration:" + s.Integration + ",item:" + s.CardID
	case s.Integration != "":
		return "integration:" + s.Integration
	case s.CardID != "":
		return "item:" + s.CardID
	default:
		return "all"
	}
}

// LinkResult is the per-link detail of a cycle.
type LinkResult struct {
	CardID        string `json:"card_id"`
	IntegrationID string `json:"integration_id"`
	ExternalID    string `json:"external_id"`
	Decision      string `json:"decision"`
	Outcome       string `json:"outcome"`
	Winner        Winner `json:"winner,omitempty"`
	SyncState     string `json:"sync_state"`
	Orphaned      bool   `json:"orphaned,omitempty"`
	// Surfaced is set once consecutive failures reach the threshold.
	Surfaced bool   `json:"surfaced,omitempty"`
	Error    string `json:"error,omitempty"`
}

// IntegrationReport summarizes one integration's part of a cycle.
type IntegrationReport struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Links      int    `json:"links"`
	Skipped    bool   `json:"skipped,omitempty"`
	AuthFailed bool   `json:"auth_failed,omitempty"`
	Error      string `json:"error,omitempty"`
}

// CycleReport is the result of one cycle.
type CycleReport struct {
	CycleID      string              `json:"cycle_id"`
	Scope        string              `json:"scope"`
	StartedAt    time.Time           `json:"started_at"`
	FinishedAt   time.Time           `json:"finished_at"`
	Processed    int                 `json:"processed"`
	Pushed       int                 `json:"pushed"`
	Pulled       int                 `json:"pulled"`
	Conflicted   int                 `json:"conflicted"`
	Failed       int                 `json:"failed"`
	Orphaned     int                 `json:"orphaned"`
	Skipped      int                 `json:"skipped"`
	Deferred     int                 `json:"deferred"`
	Integrations []IntegrationReport `json:"integrations"`
	Links        []LinkResult        `json:"links"`
}

// Summary is a one-line human rendering of the counters.
func (r *CycleReport) Summary() string {
	return fmt.Sprintf("processed=%d pushed=%d pulled=%d conflicted=%d failed=%d orphaned=%d skipped=%d deferred=%d",
		r.Processed, r.Pushed, r.Pulled, r.Conflicted, r.Failed, r.Orphaned, r.Skipped, r.Deferred)
}

func (r *CycleReport) add(lr LinkResult, processed bool) {
	r.Links = append(r.Links, lr)
	if processed {
		r.Processed++
	}
	switch {
	case lr.Orphaned:
		r.Orphaned++
	case lr.Outcome == models.OutcomeFailed:
		r.Failed++
	case lr.Outcome == models.OutcomeDeferred:
		r.Deferred++
	default:
		switch lr.direction() {
		case models.DecisionPush:
			r.Pushed++
		case models.DecisionPull:
			r.Pulled++
		default:
			r.Skipped++
		}
	}
	if lr.Decision == models.DecisionConflict {
		r.Conflicted++
	}
}

// direction reports which way state flowed: a resolved conflict counts as
// a push or pull depending on the winner.
func (lr LinkResult) direction() string {
	if lr.Decision != models.DecisionConflict {
		return lr.Decision
	}
	switch lr.Winner {
	case WinnerLocal:
		return models.DecisionPush
	case WinnerExternal:
		return models.DecisionPull
	default:
		return models.DecisionSkip
	}
}
