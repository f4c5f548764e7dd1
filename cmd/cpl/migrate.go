package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/coupler/internal/logging"
	"github.com/zulandar/coupler/internal/migrate"
	"golang.org/x/term"
)

func newMigrateCmd() *cobra.Command {
	var (
		configPath   string
		dryRun       bool
		removeLegacy bool
		yes          bool
		asJSON       bool
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Convert legacy external references into links",
		Long: `Converts the single legacy external reference carried by older cards into
a link, keeping the legacy field as provenance.

  cpl migrate --dry-run         show what would be migrated, change nothing
  cpl migrate                   create the links (idempotent)
  cpl migrate --remove-legacy   clear legacy fields already covered by a link`,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := migrate.ModeApply
			switch {
			case dryRun:
				mode = migrate.ModeDryRun
			case removeLegacy:
				mode = migrate.ModeRemoveLegacy
			}
			return runMigrate(cmd, configPath, mode, yes, asJSON)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Coupler config file")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would change without writing")
	cmd.Flags().BoolVar(&removeLegacy, "remove-legacy", false, "clear legacy fields that have an equivalent link")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation prompt")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	cmd.MarkFlagsMutuallyExclusive("dry-run", "remove-legacy")
	return cmd
}

func runMigrate(cmd *cobra.Command, configPath, mode string, skipConfirm, asJSON bool) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	logger, closer := logging.New(cfg.Log, cmd.ErrOrStderr())
	defer closer.Close()

	m := migrate.New(newLinkStore(cfg, gormDB), logger)
	out := cmd.OutOrStdout()

	if mode != migrate.ModeDryRun && !skipConfirm {
		plan, err := m.Plan()
		if err != nil {
			return err
		}
		prompt := fmt.Sprintf("About to link %d legacy references (%d skipped).", plan.Migrated, plan.Skipped)
		if mode == migrate.ModeRemoveLegacy {
			prompt = fmt.Sprintf("About to clear legacy references on up to %d cards. This cannot be undone.", plan.Scanned)
		}
		ok, err := confirm(cmd, prompt)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	var report *migrate.Report
	switch mode {
	case migrate.ModeDryRun:
		report, err = m.Plan()
	case migrate.ModeRemoveLegacy:
		report, err = m.RemoveLegacy()
	default:
		report, err = m.Apply()
	}
	if err != nil {
		return err
	}

	if asJSON {
		return writeJSON(out, report)
	}
	return printMigration(out, report)
}

func printMigration(out io.Writer, r *migrate.Report) error {
	switch r.Mode {
	case migrate.ModeDryRun:
		fmt.Fprintf(out, "Dry run: %d cards scanned, %d would be linked, %d already linked, %d skipped\n",
			r.Scanned, r.Migrated, r.AlreadyLinked, r.Skipped)
	case migrate.ModeRemoveLegacy:
		fmt.Fprintf(out, "Removed legacy references from %d cards (%d scanned, %d skipped, %d errors)\n",
			r.Removed, r.Scanned, r.Skipped, r.Errors)
	default:
		fmt.Fprintf(out, "Migrated %d legacy references (%d scanned, %d already linked, %d skipped, %d errors)\n",
			r.Migrated, r.Scanned, r.AlreadyLinked, r.Skipped, r.Errors)
	}

	if r.Mode == migrate.ModeDryRun && len(r.Actions) > 0 {
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "\nCARD\tINTEGRATION\tEXTERNAL ID")
		for _, a := range r.Actions {
			fmt.Fprintf(w, "%s\t%s\t%s\n", a.CardID, a.IntegrationID, a.ExternalID)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	if len(r.Skips) > 0 {
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "\nSKIPPED\tLEGACY ID\tREASON")
		for _, s := range r.Skips {
			fmt.Fprintf(w, "%s\t%q\t%s\n", s.CardID, s.LegacyExternalID, s.Reason)
		}
		return w.Flush()
	}
	return nil
}

// confirm prints prompt and waits for the user to type "yes". Piped input
// that is not a terminal is refused; scripts pass --yes instead.
func confirm(cmd *cobra.Command, prompt string) (bool, error) {
	out := cmd.OutOrStdout()
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && !term.IsTerminal(int(f.Fd())) {
		return false, errors.New("stdin is not a terminal; pass --yes to confirm")
	}

	fmt.Fprintln(out, prompt)
	fmt.Fprint(out, "Type \"yes\" to confirm: ")

	scanner := bufio.NewScanner(in)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()) == "yes", nil
	}
	return false, nil
}
