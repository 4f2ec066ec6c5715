package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/flowgate/internal/conversation"
	"github.com/zulandar/flowgate/internal/db"
	"github.com/zulandar/flowgate/internal/pool"
	"github.com/zulandar/flowgate/internal/sweeper"
)

func newSweepCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Finish expired conversations once",
		Long:  "Runs a single expiry sweep: every live conversation past its timeout is finished and its instance slot released.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Flowgate config file")
	return cmd
}

func runSweep(cmd *cobra.Command, configPath string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	defer db.Close(gormDB)

	store := conversation.New(gormDB, pool.New(gormDB))
	n, err := sweeper.New(store, "").Sweep(context.Background())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Finished %d expired conversation(s)\n", n)
	return nil
}
