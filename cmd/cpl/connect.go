package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/zulandar/coupler/internal/config"
	"github.com/zulandar/coupler/internal/connectors"
	"github.com/zulandar/coupler/internal/credential"
	"github.com/zulandar/coupler/internal/db"
	"github.com/zulandar/coupler/internal/link"
	"github.com/zulandar/coupler/internal/logging"
	"github.com/zulandar/coupler/internal/notify"
	"github.com/zulandar/coupler/internal/provider"
	"github.com/zulandar/coupler/internal/service"
	"github.com/zulandar/coupler/internal/syncer"
	"gorm.io/gorm"
)

const defaultConfigPath = "coupler.yaml"

// buildRegistry creates the provider registry. Replaced in tests.
var buildRegistry = connectors.Build

// app bundles everything a command needs to talk to the store and the
// configured integrations.
type app struct {
	db       *gorm.DB
	links    *link.Store
	registry *provider.Registry
	engine   *syncer.Engine
	svc      *service.Service
	logger   *slog.Logger
	closer   io.Closer
}

type appOptions struct {
	Notifier notify.Notifier
	// Logger overrides the logger built from the log config.
	Logger *slog.Logger
}

func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	var password string
	if cfg.Store.PasswordRef != "" {
		password, err = credential.Resolve(cfg.Store.PasswordRef)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve store password: %w", err)
		}
	}

	gormDB, err := db.Open(cfg.Store, password)
	if err != nil {
		return nil, nil, err
	}
	return cfg, gormDB, nil
}

// openApp loads the config, connects to the store and builds the registry,
// engine and service on top of it.
func openApp(ctx context.Context, cmd *cobra.Command, configPath string, opts appOptions) (*app, error) {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return nil, err
	}

	a := &app{db: gormDB, logger: opts.Logger}
	if a.logger == nil {
		a.logger, a.closer = logging.New(cfg.Log, cmd.ErrOrStderr())
	}

	a.links = newLinkStore(cfg, gormDB)

	a.registry, err = buildRegistry(ctx, cfg.Integrations, nil)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.engine = syncer.New(a.links, a.registry, syncer.Options{
		Sync:     cfg.Sync,
		Notifier: opts.Notifier,
		Logger:   a.logger,
	})
	a.svc = service.New(a.links, a.registry, a.engine, service.Options{
		CallTimeout: cfg.Sync.CallTimeout,
		Logger:      a.logger,
	})
	return a, nil
}

func (a *app) Close() {
	if a.closer != nil {
		a.closer.Close()
	}
	if sqlDB, err := a.db.DB(); err == nil {
		sqlDB.Close()
	}
}

func newLinkStore(cfg *config.Config, gormDB *gorm.DB) *link.Store {
	return link.NewStore(gormDB, link.Options{
		LegacyIntegration: cfg.Migration.LegacyIntegration,
		BrowseURL:         browseURLs(cfg),
	})
}

// browseURLs maps an integration's browse URL template onto external IDs.
func browseURLs(cfg *config.Config) func(integrationID, externalID string) string {
	templates := make(map[string]string, len(cfg.Integrations))
	for _, ic := range cfg.Integrations {
		templates[ic.ID] = ic.BrowseURLTemplate
	}
	return func(integrationID, externalID string) string {
		return provider.BrowseURL(templates[integrationID], externalID)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
