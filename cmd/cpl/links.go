package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/coupler/internal/link"
	"github.com/zulandar/coupler/internal/models"
)

func newSearchCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "search <integration> <query...>",
		Short: "Search an integration for records to link",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd, configPath, args[0], strings.Join(args[1:], " "))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Coupler config file")
	return cmd
}

func runSearch(cmd *cobra.Command, configPath, integrationID, query string) error {
	a, err := openApp(cmd.Context(), cmd, configPath, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	hits, err := a.svc.SearchTickets(cmd.Context(), integrationID, query)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(hits) == 0 {
		fmt.Fprintln(out, "No matches.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tSUMMARY")
	for _, h := range hits {
		fmt.Fprintf(w, "%s\t%s\t%s\n", h.ExternalID, h.Status, h.Summary)
	}
	return w.Flush()
}

func newVerifyCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "verify <integration> <external-id>",
		Short: "Check that an external record exists",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd, configPath, args[0], args[1])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Coupler config file")
	return cmd
}

func runVerify(cmd *cobra.Command, configPath, integrationID, externalID string) error {
	a, err := openApp(cmd.Context(), cmd, configPath, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.svc.VerifyTicket(cmd.Context(), integrationID, externalID)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if !res.Exists {
		fmt.Fprintf(out, "%s/%s does not exist\n", integrationID, externalID)
		return nil
	}
	fmt.Fprintf(out, "%s/%s: %s [%s]\n", integrationID, externalID, res.Summary, res.Status)
	if res.URL != "" {
		fmt.Fprintf(out, "  %s\n", res.URL)
	}
	return nil
}

func newLinkCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "link <card-id> <integration> <external-id>",
		Short: "Link a card to an external record",
		Long:  "Verifies the external record and links it to the card. Linking an already linked record is a no-op.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLink(cmd, configPath, args[0], args[1], args[2])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Coupler config file")
	return cmd
}

func runLink(cmd *cobra.Command, configPath, cardID, integrationID, externalID string) error {
	a, err := openApp(cmd.Context(), cmd, configPath, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	l, err := a.svc.LinkItem(cmd.Context(), cardID, integrationID, externalID)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Linked %s to %s/%s (%s)\n", cardID, l.IntegrationID, l.ExternalID, l.Summary)
	return nil
}

func newUnlinkCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "unlink <card-id> <integration> <external-id>",
		Short: "Remove a link from a card",
		Long:  "Removes the link locally. The external record is not touched.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUnlink(cmd, configPath, args[0], args[1], args[2])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Coupler config file")
	return cmd
}

func runUnlink(cmd *cobra.Command, configPath, cardID, integrationID, externalID string) error {
	a, err := openApp(cmd.Context(), cmd, configPath, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.svc.UnlinkItem(cardID, integrationID, externalID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Unlinked %s/%s from %s\n", integrationID, externalID, cardID)
	return nil
}

func newLinksCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "links <card-id>",
		Short: "Show the links of a card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLinks(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Coupler config file")
	return cmd
}

func runLinks(cmd *cobra.Command, configPath, cardID string) error {
	a, err := openApp(cmd.Context(), cmd, configPath, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	links, err := a.svc.GetLinks(cardID)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(links) == 0 {
		fmt.Fprintf(out, "Card %s has no links.\n", cardID)
		return nil
	}
	return printLinks(out, links)
}

func printLinks(out io.Writer, links []models.Link) error {
	primary := link.Primary(links)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\tINTEGRATION\tEXTERNAL ID\tSTATUS\tSYNC\tLAST SYNCED\tSUMMARY")
	for _, l := range links {
		isPrimary := l.IntegrationID == primary.IntegrationID && l.ExternalID == primary.ExternalID
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			linkMarker(l, isPrimary), l.IntegrationID, l.ExternalID, dash(l.Status), syncLabel(l), since(l.LastSyncedAt), l.Summary)
	}
	return w.Flush()
}

// linkMarker flags the legacy view and the primary link.
func linkMarker(l models.Link, primary bool) string {
	switch {
	case l.Transient:
		return "legacy"
	case primary:
		return "*"
	default:
		return ""
	}
}

func syncLabel(l models.Link) string {
	if l.Transient {
		return "-"
	}
	if l.Orphaned {
		return l.SyncState + " (orphaned)"
	}
	return l.SyncState
}

func since(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newPrimaryCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "primary <card-id> <integration> <external-id>",
		Short: "Mark one link as the card's primary link",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrimary(cmd, configPath, args[0], args[1], args[2])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Coupler config file")
	return cmd
}

func runPrimary(cmd *cobra.Command, configPath, cardID, integrationID, externalID string) error {
	a, err := openApp(cmd.Context(), cmd, configPath, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.svc.SetPrimary(cardID, integrationID, externalID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s/%s is now the primary link of %s\n", integrationID, externalID, cardID)
	return nil
}

func newRefreshCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "refresh <card-id> <integration> <external-id>",
		Short: "Re-read a linked record's summary and status",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRefresh(cmd, configPath, args[0], args[1], args[2])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Coupler config file")
	return cmd
}

func runRefresh(cmd *cobra.Command, configPath, cardID, integrationID, externalID string) error {
	a, err := openApp(cmd.Context(), cmd, configPath, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	l, err := a.svc.RefreshLink(cmd.Context(), cardID, integrationID, externalID)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s/%s: %s [%s]\n", l.IntegrationID, l.ExternalID, l.Summary, dash(l.Status))
	return nil
}

func newOrphansCmd() *cobra.Command {
	var (
		configPath string
		olderThan  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "orphans",
		Short: "List links whose external record has disappeared",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrphans(cmd, configPath, olderThan)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Coupler config file")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "only links orphaned for at least this long")
	return cmd
}

func runOrphans(cmd *cobra.Command, configPath string, olderThan time.Duration) error {
	a, err := openApp(cmd.Context(), cmd, configPath, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	links, err := a.svc.OrphanedLinks(olderThan)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(links) == 0 {
		fmt.Fprintln(out, "No orphaned links.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CARD\tINTEGRATION\tEXTERNAL ID\tORPHANED AT")
	for _, l := range links {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", l.CardID, l.IntegrationID, l.ExternalID, since(l.OrphanedAt))
	}
	return w.Flush()
}
