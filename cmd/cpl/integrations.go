package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newIntegrationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "integrations",
		Aliases: []string{"integration"},
		Short:   "Inspect configured integrations",
	}

	cmd.AddCommand(newIntegrationsListCmd())
	cmd.AddCommand(newIntegrationsTestCmd())
	return cmd
}

func newIntegrationsListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configured integrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIntegrationsList(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Coupler config file")
	return cmd
}

func runIntegrationsList(cmd *cobra.Command, configPath string) error {
	a, err := openApp(cmd.Context(), cmd, configPath, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	list := a.svc.ListIntegrations()
	if len(list) == 0 {
		fmt.Fprintln(out, "No integrations configured.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tENABLED")
	for _, in := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", in.ID, in.Name, in.Type, in.Enabled)
	}
	return w.Flush()
}

func newIntegrationsTestCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "test <integration>",
		Short: "Check connectivity and credentials for an integration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIntegrationsTest(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Coupler config file")
	return cmd
}

func runIntegrationsTest(cmd *cobra.Command, configPath, id string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, cmd, configPath, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.svc.TestIntegration(ctx, id)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if !st.OK {
		fmt.Fprintf(out, "%s: FAILED (%s) %s\n", id, st.Kind, st.Detail)
		return fmt.Errorf("integration %s is not reachable", id)
	}
	fmt.Fprintf(out, "%s: OK %s\n", id, st.Detail)
	return nil
}
