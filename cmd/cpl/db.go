package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/coupler/internal/config"
	"github.com/zulandar/coupler/internal/credential"
	"github.com/zulandar/coupler/internal/db"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBInitCmd())
	return cmd
}

func newDBInitCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the Coupler database",
		Long:  "Creates the database (MySQL only), migrates all tables and registers configured integrations.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBInit(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Coupler config file")
	return cmd
}

func runDBInit(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	fmt.Fprintf(out, "Loaded config for board %q from %s\n", cfg.Board, configPath)

	if cfg.Store.Driver == "mysql" {
		var password string
		if cfg.Store.PasswordRef != "" {
			if password, err = credential.Resolve(cfg.Store.PasswordRef); err != nil {
				return fmt.Errorf("resolve store password: %w", err)
			}
		}
		adminDB, err := db.ConnectAdmin(cfg.Store, password)
		if err != nil {
			return err
		}
		if err := db.CreateDatabase(adminDB, cfg.Store.Database); err != nil {
			return err
		}
		fmt.Fprintf(out, "Database %s ready\n", cfg.Store.Database)
	}

	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))

	if err := db.SeedIntegrations(gormDB, cfg.Integrations); err != nil {
		return err
	}
	fmt.Fprintf(out, "Registered %d integrations:", len(cfg.Integrations))
	for _, ic := range cfg.Integrations {
		fmt.Fprintf(out, " %s", ic.ID)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "\nCoupler database initialized successfully.")
	return nil
}
