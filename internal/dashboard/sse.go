package dashboard

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/coupler/internal/models"
	"gorm.io/gorm"
)

// cycleEvent is sent when a new sync cycle has been recorded.
type cycleEvent struct {
	ID        string    `json:"id"`
	Scope     string    `json:"scope"`
	StartedAt time.Time `json:"started_at"`
	Processed int       `json:"processed"`
	Failed    int       `json:"failed"`
	Conflicts int       `json:"conflicted"`
	Error     string    `json:"error,omitempty"`
}

// pollInterval is how often the stream checks for new cycles.
var pollInterval = 3 * time.Second

// handleSSE streams a "cycle" event for every sync cycle recorded after the
// client connected.
func handleSSE(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
		c.Writer.Flush()

		if db == nil {
			return
		}

		// Only cycles that start after this point are announced.
		since := time.Now()
		var last models.SyncCycle
		if err := db.Order("started_at DESC").First(&last).Error; err == nil && last.StartedAt.After(since) {
			since = last.StartedAt
		}
		seen := map[string]bool{}

		ctx := c.Request.Context()
		ticker := time.NewTicker(pollInterval)
		heartbeat := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case <-ticker.C:
				var cycles []models.SyncCycle
				db.Where("started_at >= ?", since).Order("started_at ASC").Find(&cycles)
				for _, cy := range cycles {
					if seen[cy.ID] {
						continue
					}
					seen[cy.ID] = true
					since = cy.StartedAt
					writeSSE(c.Writer, "cycle", cycleEvent{
						ID:        cy.ID,
						Scope:     cy.Scope,
						StartedAt: cy.StartedAt,
						Processed: cy.Processed,
						Failed:    cy.Failed,
						Conflicts: cy.Conflicted,
						Error:     cy.Error,
					})
				}
				c.Writer.Flush()
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
