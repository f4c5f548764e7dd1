package dashboard

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/zulandar/coupler/internal/card"
	"github.com/zulandar/coupler/internal/link"
	"github.com/zulandar/coupler/internal/provider"
	"github.com/zulandar/coupler/internal/service"
	"github.com/zulandar/coupler/internal/syncer"
)

type api struct {
	svc *service.Service
	db  *gorm.DB
}

// registerRoutes sets up all API routes on the Gin router.
func registerRoutes(router *gin.Engine, a *api) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	g := router.Group("/api")

	// Integrations.
	g.GET("/integrations", a.listIntegrations)
	g.POST("/integrations/:id/test", a.testIntegration)
	g.GET("/integrations/:id/search", a.searchTickets)
	g.GET("/integrations/:id/tickets/:ext", a.verifyTicket)

	// Links.
	g.GET("/cards/:id/links", a.getLinks)
	g.POST("/cards/:id/links", a.linkItem)
	g.DELETE("/cards/:id/links/:integration/:ext", a.unlinkItem)
	g.POST("/cards/:id/links/:integration/:ext/primary", a.setPrimary)
	g.POST("/cards/:id/links/:integration/:ext/refresh", a.refreshLink)
	g.POST("/cards/:id/links/:integration/:ext/resolve", a.resolveConflict)
	g.POST("/cards/:id/tickets", a.createTicket)
	g.GET("/cards/:id/history", a.cardHistory)
	g.GET("/links/orphaned", a.orphanedLinks)
	g.GET("/links/summary", a.linkSummary)

	// Sync.
	g.POST("/sync", a.triggerSync)
	g.GET("/sync/status", a.syncStatus)
	g.GET("/sync/cycles", a.recentCycles)
	g.GET("/events", handleSSE(a.db))
}

func (a *api) listIntegrations(c *gin.Context) {
	c.JSON(http.StatusOK, a.svc.ListIntegrations())
}

func (a *api) testIntegration(c *gin.Context) {
	st, err := a.svc.TestIntegration(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": st.OK, "detail": st.Detail, "kind": st.Kind})
}

func (a *api) searchTickets(c *gin.Context) {
	hits, err := a.svc.SearchTickets(c.Request.Context(), c.Param("id"), c.Query("q"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, hits)
}

func (a *api) verifyTicket(c *gin.Context) {
	res, err := a.svc.VerifyTicket(c.Request.Context(), c.Param("id"), c.Param("ext"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (a *api) getLinks(c *gin.Context) {
	links, err := a.svc.GetLinks(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, links)
}

type linkRequest struct {
	IntegrationID string `json:"integration_id" binding:"required"`
	ExternalID    string `json:"external_id" binding:"required"`
}

func (a *api) linkItem(c *gin.Context) {
	var req linkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	l, err := a.svc.LinkItem(c.Request.Context(), c.Param("id"), req.IntegrationID, req.ExternalID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

func (a *api) unlinkItem(c *gin.Context) {
	if err := a.svc.UnlinkItem(c.Param("id"), c.Param("integration"), c.Param("ext")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *api) setPrimary(c *gin.Context) {
	if err := a.svc.SetPrimary(c.Param("id"), c.Param("integration"), c.Param("ext")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *api) refreshLink(c *gin.Context) {
	l, err := a.svc.RefreshLink(c.Request.Context(), c.Param("id"), c.Param("integration"), c.Param("ext"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

func (a *api) resolveConflict(c *gin.Context) {
	var req struct {
		Keep string `json:"keep" binding:"required,oneof=local external"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := a.svc.ResolveConflict(c.Request.Context(), c.Param("id"), c.Param("integration"), c.Param("ext"), req.Keep)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (a *api) createTicket(c *gin.Context) {
	var req struct {
		IntegrationID string `json:"integration_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := a.svc.CreateTicket(c.Request.Context(), c.Param("id"), req.IntegrationID)
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"link": res.Link, "duplicate": res.Duplicate})
}

func (a *api) cardHistory(c *gin.Context) {
	rows, err := CardHistory(a.db, c.Param("id"), queryInt(c, "limit", 50))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (a *api) orphanedLinks(c *gin.Context) {
	var staleness time.Duration
	if v := c.Query("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid older_than: " + err.Error()})
			return
		}
		staleness = d
	}
	links, err := a.svc.OrphanedLinks(staleness)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, links)
}

func (a *api) linkSummary(c *gin.Context) {
	rows, err := LinkStateSummary(a.db)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (a *api) triggerSync(c *gin.Context) {
	scope := c.Query("scope")
	if scope == "" {
		var req struct {
			Scope string `json:"scope"`
		}
		// An empty body means "all".
		_ = c.ShouldBindJSON(&req)
		scope = req.Scope
	}
	if _, err := syncer.ParseScope(scope); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	report, err := a.svc.TriggerSync(c.Request.Context(), scope)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (a *api) syncStatus(c *gin.Context) {
	st, err := a.svc.GetSyncStatus()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (a *api) recentCycles(c *gin.Context) {
	rows, err := RecentCycles(a.db, queryInt(c, "limit", 20))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func queryInt(c *gin.Context, key string, def int) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// writeError maps domain errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, card.ErrNotFound),
		errors.Is(err, link.ErrNotFound),
		errors.Is(err, provider.ErrNotFound),
		errors.Is(err, provider.ErrNotConfigured):
		return http.StatusNotFound
	case errors.Is(err, service.ErrDisabled),
		errors.Is(err, syncer.ErrNoIntegrations):
		return http.StatusConflict
	case errors.Is(err, provider.ErrUnsupported):
		return http.StatusNotImplemented
	}
	switch provider.Classify(err) {
	case provider.KindAuth, provider.KindTransient:
		return http.StatusBadGateway
	case provider.KindRejected:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}
