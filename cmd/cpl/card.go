package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/coupler/internal/card"
)

func newCardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "card",
		Short: "Card management commands",
	}

	cmd.AddCommand(newCardAddCmd())
	cmd.AddCommand(newCardListCmd())
	cmd.AddCommand(newCardStatusCmd())
	return cmd
}

func newCardAddCmd() *cobra.Command {
	var (
		configPath  string
		title       string
		kind        string
		description string
		status      string
		legacyID    string
		legacyInteg string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a card to the board",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCardAdd(cmd, configPath, card.CreateOpts{
				Kind:                kind,
				Title:               title,
				Description:         description,
				Status:              status,
				LegacyExternalID:    legacyID,
				LegacyIntegrationID: legacyInteg,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Coupler config file")
	cmd.Flags().StringVar(&title, "title", "", "card title (required)")
	cmd.Flags().StringVar(&kind, "kind", "card", "card kind (card, event)")
	cmd.Flags().StringVar(&description, "description", "", "card description")
	cmd.Flags().StringVar(&status, "status", "", "initial status (default open)")
	cmd.Flags().StringVar(&legacyID, "legacy-id", "", "pre-links external reference, for importing old boards")
	cmd.Flags().StringVar(&legacyInteg, "legacy-integration", "", "integration owning --legacy-id")
	cmd.MarkFlagRequired("title")
	return cmd
}

func runCardAdd(cmd *cobra.Command, configPath string, opts card.CreateOpts) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	opts.Board = cfg.Board

	c, err := card.Create(gormDB, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created card %s: %s\n", c.ID, c.Title)
	return nil
}

func newCardListCmd() *cobra.Command {
	var (
		configPath string
		status     string
		kind       string
		legacy     bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cards on the board",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCardList(cmd, configPath, status, kind, legacy)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Coupler config file")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&kind, "kind", "", "filter by kind")
	cmd.Flags().BoolVar(&legacy, "legacy", false, "only cards still carrying a legacy reference")
	return cmd
}

func runCardList(cmd *cobra.Command, configPath, status, kind string, legacy bool) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	cards, err := card.List(gormDB, card.ListFilters{
		Board:     cfg.Board,
		Status:    status,
		Kind:      kind,
		HasLegacy: legacy,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(cards) == 0 {
		fmt.Fprintln(out, "No cards found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tKIND\tLEGACY\tTITLE")
	for _, c := range cards {
		legacyRef := "-"
		if c.LegacyExternalID != "" {
			legacyRef = c.LegacyExternalID
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", c.ID, c.Status, c.Kind, legacyRef, c.Title)
	}
	return w.Flush()
}

func newCardStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status <card-id> <status>",
		Short: "Move a card to a new status",
		Long:  "Sets the card status (open, in_progress, review, done, cancelled). Linked records pick it up on the next sync.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCardStatus(cmd, configPath, args[0], args[1])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Coupler config file")
	return cmd
}

func runCardStatus(cmd *cobra.Command, configPath, id, status string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if err := card.SetStatus(gormDB, id, status); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Card %s is now %s\n", id, status)
	return nil
}
