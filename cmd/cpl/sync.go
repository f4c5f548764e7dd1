package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/coupler/internal/models"
	"github.com/zulandar/coupler/internal/syncer"
)

func newSyncCmd() *cobra.Command {
	var (
		configPath  string
		integration string
		item        string
		asJSON      bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle now",
		Long: `Runs one sync cycle over every enabled integration, or over a single
integration (--integration) or card (--item).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, configPath, syncer.Scope{Integration: integration, CardID: item}, asJSON)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Coupler config file")
	cmd.Flags().StringVar(&integration, "integration", "", "only sync this integration")
	cmd.Flags().StringVar(&item, "item", "", "only sync this card")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the cycle report as JSON")
	return cmd
}

func runSync(cmd *cobra.Command, configPath string, scope syncer.Scope, asJSON bool) error {
	a, err := openApp(cmd.Context(), cmd, configPath, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.engine.RunCycle(cmd.Context(), scope)
	if report != nil {
		if asJSON {
			if jerr := writeJSON(cmd.OutOrStdout(), report); jerr != nil {
				return jerr
			}
		} else {
			printCycle(cmd.OutOrStdout(), report)
		}
	}
	return err
}

func printCycle(out io.Writer, r *syncer.CycleReport) {
	fmt.Fprintf(out, "Cycle %s (%s) finished in %s\n", r.CycleID, r.Scope, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(out, "  processed %d  pushed %d  pulled %d  conflicted %d  failed %d  orphaned %d  skipped %d  deferred %d\n",
		r.Processed, r.Pushed, r.Pulled, r.Conflicted, r.Failed, r.Orphaned, r.Skipped, r.Deferred)
	for _, in := range r.Integrations {
		switch {
		case in.Skipped:
			fmt.Fprintf(out, "  %s: skipped (%s)\n", in.ID, in.Error)
		case in.Error != "":
			fmt.Fprintf(out, "  %s: %d links, error: %s\n", in.ID, in.Links, in.Error)
		default:
			fmt.Fprintf(out, "  %s: %d links\n", in.ID, in.Links)
		}
	}
	for _, l := range r.Links {
		if l.Error == "" && l.SyncState != models.SyncConflicted {
			continue
		}
		fmt.Fprintf(out, "  ! %s %s/%s %s %s\n", l.CardID, l.IntegrationID, l.ExternalID, l.SyncState, l.Error)
	}
}

func newStatusCmd() *cobra.Command {
	var (
		configPath string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the last sync cycle and integration health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, configPath, asJSON)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Coupler config file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print status as JSON")
	return cmd
}

func runStatus(cmd *cobra.Command, configPath string, asJSON bool) error {
	a, err := openApp(cmd.Context(), cmd, configPath, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.svc.GetSyncStatus()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if asJSON {
		return writeJSON(out, st)
	}

	fmt.Fprintf(out, "Last cycle: %s\n", since(st.LastCycleAt))
	if c := st.LastCycle; c != nil {
		fmt.Fprintf(out, "  processed %d  pushed %d  pulled %d  conflicted %d  failed %d\n",
			c.Processed, c.Pushed, c.Pulled, c.Conflicted, c.Failed)
		if c.Error != "" {
			fmt.Fprintf(out, "  error: %s\n", c.Error)
		}
	}
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INTEGRATION\tENABLED\tLAST CYCLE\tAUTH\tLAST ERROR")
	for _, in := range a.svc.ListIntegrations() {
		h := st.PerIntegration[in.ID]
		auth := "ok"
		if h.AuthFailed {
			auth = "FAILED"
		}
		fmt.Fprintf(w, "%s\t%t\t%s\t%s\t%s\n", in.ID, h.Enabled, since(h.LastCycleAt), auth, dash(h.LastError))
	}
	return w.Flush()
}

func newResolveCmd() *cobra.Command {
	var (
		configPath string
		keep       string
	)

	cmd := &cobra.Command{
		Use:   "resolve <card-id> <integration> <external-id>",
		Short: "Settle a held conflict",
		Long:  "Resolves a conflicted link by keeping either the local or the external status.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(cmd, configPath, args[0], args[1], args[2], keep)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Coupler config file")
	cmd.Flags().StringVar(&keep, "keep", "", "side to keep: local or external (required)")
	cmd.MarkFlagRequired("keep")
	return cmd
}

func runResolve(cmd *cobra.Command, configPath, cardID, integrationID, externalID, keep string) error {
	if keep != string(syncer.WinnerLocal) && keep != string(syncer.WinnerExternal) {
		return fmt.Errorf("--keep must be %q or %q", syncer.WinnerLocal, syncer.WinnerExternal)
	}

	a, err := openApp(cmd.Context(), cmd, configPath, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.svc.ResolveConflict(cmd.Context(), cardID, integrationID, externalID, keep)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Resolved %s/%s on %s: kept %s, now %s\n", integrationID, externalID, cardID, keep, res.SyncState)
	return nil
}

func newCreateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "create <card-id> <integration>",
		Short: "Create an external record for a card and link it",
		Long: `Creates a record in the integration from the card's title and links it.
If an equivalent record already exists it is linked instead.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreate(cmd, configPath, args[0], args[1])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Coupler config file")
	return cmd
}

func runCreate(cmd *cobra.Command, configPath, cardID, integrationID string) error {
	a, err := openApp(cmd.Context(), cmd, configPath, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.svc.CreateTicket(cmd.Context(), cardID, integrationID)
	if err != nil {
		return err
	}
	verb := "Created"
	if res.Duplicate {
		verb = "Found existing"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s/%s and linked it to %s\n", verb, res.Link.IntegrationID, res.Link.ExternalID, cardID)
	return nil
}
