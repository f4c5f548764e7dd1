// Package calendar implements the calendar-service connector for REST
// calendar APIs exposing events with {id, summary, status, updated}.
package calendar

import (
	"context"
	"fmt"
	"iter"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/zulandar/coupler/internal/models"
	"github.com/zulandar/coupler/internal/provider"
	"github.com/zulandar/coupler/internal/provider/rest"
)

// External event statuses.
const (
	EventTentative = "tentative"
	EventConfirmed = "confirmed"
	EventCancelled = "cancelled"
)

// startTolerance is how far apart two event starts may be and still count
// as the same event for deduplication.
const startTolerance = time.Minute

var cardRefRe = regexp.MustCompile(`\bcard-[0-9a-f]{5}\b`)

type eventTime struct {
	DateTime *time.Time `json:"dateTime,omitempty"`
	Date     string     `json:"date,omitempty"`
}

type event struct {
	ID          string    `json:"id,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status,omitempty"`
	Updated     time.Time `json:"updated,omitzero"`
	HTMLLink    string    `json:"htmlLink,omitempty"`
	Start       eventTime `json:"start,omitzero"`
	End         eventTime `json:"end,omitzero"`
}

type eventList struct {
	Items         []event `json:"items"`
	NextPageToken string  `json:"nextPageToken"`
}

type calendarInfo struct {
	ID      string `json:"id"`
	Summary string `json:"summary"`
}

// Connector implements provider.Connector, provider.Creator and
// provider.Deduper for one calendar.
type Connector struct {
	client     *rest.Client
	calendarID string
}

// New creates a connector for calendarID using client for transport.
func New(client *rest.Client, calendarID string) *Connector {
	if calendarID == "" {
		calendarID = "primary"
	}
	return &Connector{client: client, calendarID: calendarID}
}

// Type returns provider.TypeCalendar.
func (c *Connector) Type() provider.Type {
	return provider.TypeCalendar
}

// TestConnection reads the calendar's metadata.
func (c *Connector) TestConnection(ctx context.Context) provider.ConnectionStatus {
	var info calendarInfo
	if err := c.client.Get(ctx, c.base(), &info); err != nil {
		return provider.ConnectionStatus{Detail: err.Error(), Kind: provider.Classify(err)}
	}
	return provider.ConnectionStatus{OK: true, Detail: "calendar " + info.Summary}
}

// Search pages through events matching query.
func (c *Connector) Search(ctx context.Context, query string) iter.Seq2[provider.Candidate, error] {
	return func(yield func(provider.Candidate, error) bool) {
		token := ""
		yielded := 0
		for {
			q := url.Values{}
			q.Set("q", query)
			q.Set("maxResults", strconv.Itoa(provider.SearchLimit))
			if token != "" {
				q.Set("pageToken", token)
			}
			var list eventList
			if err := c.client.Get(ctx, c.base()+"/events?"+q.Encode(), &list); err != nil {
				yield(provider.Candidate{}, fmt.Errorf("calendar: search: %w", err))
				return
			}
			for _, ev := range list.Items {
				cand := provider.Candidate{
					ExternalID: ev.ID,
					Summary:    ev.Summary,
					Status:     normalizeStatus(ev.Status),
					URL:        ev.HTMLLink,
				}
				if !yield(cand, nil) {
					return
				}
				yielded++
				if yielded >= provider.SearchLimit {
					return
				}
			}
			if list.NextPageToken == "" {
				return
			}
			token = list.NextPageToken
		}
	}
}

// Verify reports whether the event exists.
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

// Fetch reads one event.
func (c *Connector) Fetch(ctx context.Context, externalID string) (provider.ExternalRecord, error) {
	var ev event
	if err := c.client.Get(ctx, c.eventPath(externalID), &ev); err != nil {
		return provider.ExternalRecord{}, fmt.Errorf("calendar: fetch %s: %w", externalID, err)
	}
	return toRecord(ev), nil
}

// Push sets the event status that corresponds to desiredStatus.
func (c *Connector) Push(ctx context.Context, externalID, desiredStatus string) (provider.PushResult, error) {
	target, err := eventStatus(desiredStatus)
	if err != nil {
		return provider.PushResult{}, err
	}
	var ev event
	if err := c.client.Get(ctx, c.eventPath(externalID), &ev); err != nil {
		return provider.PushResult{}, fmt.Errorf("calendar: push %s: %w", externalID, err)
	}
	if ev.Status == target {
		return provider.PushResult{ModifiedAt: ev.Updated}, nil
	}
	var updated event
	if err := c.client.Patch(ctx, c.eventPath(externalID), event{Status: target}, &updated); err != nil {
		return provider.PushResult{}, fmt.Errorf("calendar: push %s: %w", externalID, err)
	}
	return provider.PushResult{Applied: true, ModifiedAt: updated.Updated}, nil
}

// Create inserts a tentative event. Events need a start time.
func (c *Connector) Create(ctx context.Context, title string, cc provider.CreateContext) (string, error) {
	if cc.StartsAt == nil {
		return "", &provider.RejectedError{Reason: "calendar: events need a start time"}
	}
	end := cc.EndsAt
	if end == nil {
		e := cc.StartsAt.Add(time.Hour)
		end = &e
	}
	desc := cc.Description
	if cc.CardID != "" {
		desc += "\n\nLinked card: " + cc.CardID
	}
	body := event{
		Summary:     title,
		Description: desc,
		Status:      EventTentative,
		Start:       eventTime{DateTime: cc.StartsAt},
		End:         eventTime{DateTime: end},
	}
	var created event
	if err := c.client.Post(ctx, c.base()+"/events", body, &created); err != nil {
		return "", fmt.Errorf("calendar: create event: %w", err)
	}
	return created.ID, nil
}

// Equivalent matches events with the same normalized title starting within
// startTolerance of each other.
func (c *Connector) Equivalent(title string, cc provider.CreateContext, rec provider.ExternalRecord) bool {
	if provider.NormalizeTitle(title) != provider.NormalizeTitle(rec.Summary) {
		return false
	}
	if cc.StartsAt == nil || rec.StartsAt == nil {
		return false
	}
	d := cc.StartsAt.Sub(*rec.StartsAt)
	return d <= startTolerance && d >= -startTolerance
}

func (c *Connector) base() string {
	return "/calendars/" + url.PathEscape(c.calendarID)
}

func (c *Connector) eventPath(externalID string) string {
	return c.base() + "/events/" + url.PathEscape(externalID)
}

func toRecord(ev event) provider.ExternalRecord {
	rec := provider.ExternalRecord{
		ExternalID:     ev.ID,
		Summary:        ev.Summary,
		Status:         normalizeStatus(ev.Status),
		LastModifiedAt: ev.Updated,
		URL:            ev.HTMLLink,
		StartsAt:       ev.Start.DateTime,
		References:     cardRefRe.FindAllString(ev.Description, -1),
	}
	if rec.StartsAt == nil && ev.Start.Date != "" {
		if d, err := time.Parse(time.DateOnly, ev.Start.Date); err == nil {
			rec.StartsAt = &d
		}
	}
	return rec
}

// normalizeStatus maps event statuses onto the shared vocabulary.
func normalizeStatus(s string) string {
	switch s {
	case EventConfirmed:
		return models.StatusInProgress
	case EventCancelled:
		return models.StatusCancelled
	default:
		return models.StatusOpen
	}
}

// eventStatus maps a shared status onto an event status.
func eventStatus(status string) (string, error) {
	switch status {
	case models.StatusOpen:
		return EventTentative, nil
	case models.StatusInProgress, models.StatusReview, models.StatusDone:
		return EventConfirmed, nil
	case models.StatusCancelled:
		return EventCancelled, nil
	default:
		return "", &provider.RejectedError{Reason: fmt.Sprintf("calendar: no event status for %q", status)}
	}
}
