package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cpl",
		Short: "Coupler keeps board cards in sync with external trackers",
		Long: `Coupler links board cards to records in external systems (Jira, GitHub,
calendars) and keeps their status in sync in both directions.`,
		SilenceUsage: true,
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newDBCmd())
	cmd.AddCommand(newCardCmd())
	cmd.AddCommand(newIntegrationsCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newVerifyCmd())
	cmd.AddCommand(newLinkCmd())
	cmd.AddCommand(newUnlinkCmd())
	cmd.AddCommand(newLinksCmd())
	cmd.AddCommand(newPrimaryCmd())
	cmd.AddCommand(newRefreshCmd())
	cmd.AddCommand(newOrphansCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newResolveCmd())
	cmd.AddCommand(newCreateCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newCredentialCmd())
	cmd.AddCommand(newDaemonCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cpl %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
