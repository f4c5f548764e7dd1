// Package syncer reconciles cards with their linked external records.
//
// A cycle runs per enabled integration: a health check, then for every link
// a fetch, a decision (push, pull, skip or conflict) and a transactional
// apply. Per-link failures are recorded on the link and never abort the
// cycle.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/zulandar/coupler/internal/card"
	"github.com/zulandar/coupler/internal/config"
	"github.com/zulandar/coupler/internal/link"
	"github.com/zulandar/coupler/internal/models"
	"github.com/zulandar/coupler/internal/notify"
	"github.com/zulandar/coupler/internal/provider"
)

// ErrNoIntegrations is the cycle-level error returned when no enabled
// integration can be resolved.
var ErrNoIntegrations = errors.New("syncer: no enabled integrations")

// Options configures an Engine.
type Options struct {
	Sync     config.SyncConfig
	Notifier notify.Notifier
	Logger   *slog.Logger
	Now      func() time.Time
}

// Engine runs sync cycles.
type Engine struct {
	db       *gorm.DB
	links    *link.Store
	registry *provider.Registry
	cfg      config.SyncConfig
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
	cards    keyedMutex
}

// New creates an Engine over the link store and registry.
func New(links *link.Store, registry *provider.Registry, opts Options) *Engine {
	if opts.Sync.CallTimeout <= 0 {
		opts.Sync.CallTimeout = 15 * time.Second
	}
	if opts.Sync.FailureThreshold <= 0 {
		opts.Sync.FailureThreshold = 3
	}
	if opts.Sync.DedupWindow <= 0 {
		opts.Sync.DedupWindow = 10 * time.Minute
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		db:       links.DB(),
		links:    links,
		registry: registry,
		cfg:      opts.Sync,
		notifier: opts.Notifier,
		logger:   opts.Logger,
		now:      opts.Now,
	}
}

// RunCycle runs one cycle over scope. Cancelling ctx stops new links from
// starting; links already in flight finish and are committed.
func (e *Engine) RunCycle(ctx context.Context, scope Scope) (*CycleReport, error) {
	started := e.now()
	report := &CycleReport{
		CycleID:   uuid.NewString(),
		Scope:     scope.String(),
		StartedAt: started,
		Links:     []LinkResult{},
	}
	log := e.logger.With("cycle", report.CycleID, "scope", report.Scope)

	entries, err := e.entries(scope)
	if err == nil && scope.CardID != "" {
		err = e.checkCard(scope.CardID)
	}
	if err != nil {
		report.FinishedAt = e.now()
		e.saveCycle(report, err)
		log.Warn("sync cycle skipped", "error", err)
		return report, err
	}

	var mu gosync.Mutex
	var wg gosync.WaitGroup
	for _, en := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ir, outs := e.runIntegration(ctx, en, scope, report.CycleID, started)
			mu.Lock()
			defer mu.Unlock()
			report.Integrations = append(report.Integrations, ir)
			for _, o := range outs {
				report.add(o.result, o.processed)
			}
		}()
	}
	wg.Wait()

	slices.SortFunc(report.Integrations, func(a, b IntegrationReport) int { return strings.Compare(a.ID, b.ID) })
	slices.SortFunc(report.Links, func(a, b LinkResult) int {
		return strings.Compare(a.CardID+"\x00"+a.IntegrationID+"\x00"+a.ExternalID,
			b.CardID+"\x00"+b.IntegrationID+"\x00"+b.ExternalID)
	})
	report.FinishedAt = e.now()
	e.saveCycle(report, nil)
	log.Info("sync cycle finished", "summary", report.Summary(), "duration", report.FinishedAt.Sub(started))
	return report, nil
}

func (e *Engine) entries(scope Scope) ([]provider.Entry, error) {
	if scope.Integration != "" {
		en, err := e.registry.Get(scope.Integration)
		if err != nil {
			return nil, fmt.Errorf("syncer: %w", err)
		}
		if !en.Enabled {
			return nil, fmt.Errorf("syncer: integration %s is disabled", en.ID)
		}
		return []provider.Entry{en}, nil
	}
	entries := e.registry.ListEnabled()
	if len(entries) == 0 {
		return nil, ErrNoIntegrations
	}
	return entries, nil
}

func (e *Engine) checkCard(id string) error {
	var n int64
	if err := e.db.Model(&models.Card{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return fmt.Errorf("syncer: load card %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("syncer: %w: %s", card.ErrNotFound, id)
	}
	return nil
}

// linkOutcome pairs a result with whether the link reached the fetch step.
type linkOutcome struct {
	result    LinkResult
	processed bool
	// crossed is set when this cycle's failure reached the threshold.
	crossed bool
}

func (e *Engine) runIntegration(ctx context.Context, en provider.Entry, scope Scope, cycleID string, cycleTime time.Time) (IntegrationReport, []linkOutcome) {
	ir := IntegrationReport{ID: en.ID, Name: en.Name}
	log := e.logger.With("cycle", cycleID, "integration", en.ID)
	if ctx.Err() != nil {
		ir.Skipped, ir.Error = true, ctx.Err().Error()
		return ir, nil
	}

	policy, err := PolicyFor(en.Config.ConflictPolicy)
	if err != nil {
		ir.Skipped, ir.Error = true, err.Error()
		e.connectionFailed(ctx, en.ID, cycleTime, false, ir.Error)
		return ir, nil
	}

	hctx, cancel := e.callContext(ctx)
	st := en.Connector.TestConnection(hctx)
	cancel()
	if !st.OK {
		ir.Skipped = true
		ir.AuthFailed = st.Kind == provider.KindAuth
		ir.Error = st.Detail
		log.Warn("integration unreachable, skipping", "auth", ir.AuthFailed, "detail", st.Detail)
		e.connectionFailed(ctx, en.ID, cycleTime, ir.AuthFailed, st.Detail)
		return ir, nil
	}

	links, err := e.links.LinksForIntegration(en.ID, scope.CardID)
	if err != nil {
		ir.Skipped, ir.Error = true, err.Error()
		log.Error("list links", "error", err)
		return ir, nil
	}
	ir.Links = len(links)

	run := &linkRun{
		engine:    e,
		entry:     en,
		policy:    policy,
		cycleID:   cycleID,
		cycleTime: cycleTime,
		log:       log,
	}

	ictx, stop := context.WithCancel(ctx)
	defer stop()
	var (
		mu      gosync.Mutex
		outs    []linkOutcome
		authErr error
	)
	g := newLimitedGroup(en.Config.Concurrency)
	for _, l := range links {
		if ictx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ictx.Err() != nil {
				return nil
			}
			out, aerr := run.process(ictx, l)
			mu.Lock()
			defer mu.Unlock()
			if aerr != nil && authErr == nil {
				authErr = aerr
				stop()
			}
			outs = append(outs, out)
			return nil
		})
	}
	g.Wait()

	if authErr != nil {
		ir.AuthFailed = true
		ir.Error = authErr.Error()
		log.Warn("credentials rejected mid-cycle, remaining links skipped", "error", authErr)
		e.connectionFailed(ctx, en.ID, cycleTime, true, authErr.Error())
		return ir, outs
	}
	e.integrationHealthy(ctx, en.ID, cycleTime, outs)
	return ir, outs
}

// callContext bounds one connector call. The call is detached from
// cancellation of the cycle so that in-flight work finishes normally.
func (e *Engine) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CallTimeout)
}

func (e *Engine) saveCycle(r *CycleReport, cycleErr error) {
	finished := r.FinishedAt
	row := models.SyncCycle{
		ID:         r.CycleID,
		Scope:      r.Scope,
		StartedAt:  r.StartedAt,
		FinishedAt: &finished,
		Processed:  r.Processed,
		Pushed:     r.Pushed,
		Pulled:     r.Pulled,
		Conflicted: r.Conflicted,
		Failed:     r.Failed,
		Orphaned:   r.Orphaned,
		Skipped:    r.Skipped,
		Deferred:   r.Deferred,
	}
	if cycleErr != nil {
		row.Error = cycleErr.Error()
	}
	if err := e.db.Create(&row).Error; err != nil {
		e.logger.Error("save sync cycle", "cycle", r.CycleID, "error", err)
	}
}
