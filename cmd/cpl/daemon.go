package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/coupler/internal/config"
	"github.com/zulandar/coupler/internal/credential"
	"github.com/zulandar/coupler/internal/dashboard"
	"github.com/zulandar/coupler/internal/logging"
	"github.com/zulandar/coupler/internal/notify"
	"github.com/zulandar/coupler/internal/notify/discord"
	"github.com/zulandar/coupler/internal/notify/slack"
	"github.com/zulandar/coupler/internal/syncer"
)

func newDaemonCmd() *cobra.Command {
	var (
		configPath string
		port       int
		noAPI      bool
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run scheduled sync cycles and serve the JSON API",
		Long: `Runs sync cycles on the configured schedule, alerts on integration
failures and stale orphans, and serves the JSON API until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, configPath, port, noAPI)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Coupler config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "API port (default from config)")
	cmd.Flags().BoolVar(&noAPI, "no-api", false, "do not serve the JSON API")
	return cmd
}

func runDaemon(cmd *cobra.Command, configPath string, port int, noAPI bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	closer := logging.Setup(cfg.Log)
	defer closer.Close()
	logger := slog.Default()

	notifier, err := buildNotifier(cfg.Notify, logger, credential.Resolve)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cmd, configPath, appOptions{Notifier: notifier, Logger: logger})
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := syncer.NewScheduler(a.engine, cfg.Sync.Schedule, logger)
	if err != nil {
		return err
	}
	sched.AfterCycle = func(ctx context.Context, r *syncer.CycleReport) {
		logger.Info("sync cycle finished", "cycle", r.CycleID, "processed", r.Processed,
			"pushed", r.Pushed, "pulled", r.Pulled, "conflicted", r.Conflicted, "failed", r.Failed)
		if _, err := a.engine.NotifyOrphans(ctx); err != nil {
			logger.Warn("orphan check failed", "error", err)
		}
	}
	sched.Start(ctx)
	defer sched.Stop()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Syncing %d integrations on %q, next cycle at %s\n",
		len(a.svc.ListIntegrations()), cfg.Sync.Schedule, sched.Next().Format("15:04:05"))

	if noAPI {
		<-ctx.Done()
		fmt.Fprintln(out, "\nShutting down...")
		return nil
	}

	if port == 0 {
		port = cfg.HTTP.Port
	}
	err = dashboard.Start(ctx, dashboard.StartOpts{
		Service: a.svc,
		DB:      a.db,
		Port:    port,
		Out:     out,
	})
	fmt.Fprintln(out, "\nShutting down...")
	return err
}

// buildNotifier assembles the alert sinks named in the notify config. Alerts
// are always logged; delivery failures never propagate.
func buildNotifier(nc config.NotifyConfig, logger *slog.Logger, resolve credential.Func) (notify.Notifier, error) {
	var sinks notify.Multi

	if nc.Slack.Enabled() {
		token, err := resolve(nc.Slack.TokenRef)
		if err != nil {
			return nil, fmt.Errorf("notify.slack: %w", err)
		}
		n, err := slack.New(slack.Opts{BotToken: token, ChannelID: nc.Slack.Channel})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, n)
	}

	if nc.Discord.Enabled() {
		token, err := resolve(nc.Discord.TokenRef)
		if err != nil {
			return nil, fmt.Errorf("notify.discord: %w", err)
		}
		n, err := discord.New(discord.Opts{BotToken: token, ChannelID: nc.Discord.Channel})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, n)
	}

	if nc.Command != "" {
		sinks = append(sinks, notify.Command{Template: nc.Command})
	}

	var next notify.Notifier
	switch len(sinks) {
	case 0:
	case 1:
		next = sinks[0]
	default:
		next = sinks
	}
	return notify.Logged{Next: next, Logger: logger}, nil
}
