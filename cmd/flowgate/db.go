package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/flowgate/internal/db"
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
		Short: "Initialize the Flowgate database",
		Long:  "Migrates all tables and seeds gateway instances and flow pools from the config file. Safe to re-run; live counters are kept.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBInit(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Flowgate config file")
	return cmd
}

func runDBInit(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	defer db.Close(gormDB)
	fmt.Fprintf(out, "Connected to %s database\n", cfg.Database.Driver)

	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))

	if err := db.SeedInstances(gormDB, cfg.Instances); err != nil {
		return err
	}
	fmt.Fprintf(out, "Seeded %d instances:", len(cfg.Instances))
	for _, in := range cfg.Instances {
		fmt.Fprintf(out, " %s", in.Name)
	}
	fmt.Fprintln(out)

	if err := db.SeedFlows(gormDB, cfg.Flows); err != nil {
		return err
	}
	fmt.Fprintf(out, "Seeded %d flows:", len(cfg.Flows))
	for _, f := range cfg.Flows {
		fmt.Fprintf(out, " %s", f.Name)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "\nFlowgate database initialized successfully.")
	return nil
}
