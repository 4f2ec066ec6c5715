package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/flowgate/internal/conversation"
	"github.com/zulandar/flowgate/internal/db"
	"github.com/zulandar/flowgate/internal/models"
	"github.com/zulandar/flowgate/internal/pool"
	"golang.org/x/term"
)

const watchInterval = 5 * time.Second

func newStatusCmd() *cobra.Command {
	var (
		configPath string
		watch      bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show conversation counts and instance load",
		Long: "Displays live conversation counts and the load of every gateway instance, read straight " +
			"from the database. Use --watch for auto-refresh.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, configPath, watch)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Flowgate config file")
	cmd.Flags().BoolVar(&watch, "watch", false, "auto-refresh every 5 seconds")
	return cmd
}

func runStatus(cmd *cobra.Command, configPath string, watch bool) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	defer db.Close(gormDB)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	redraw := watch && isTerminal(out)
	alloc := pool.New(gormDB)
	store := conversation.New(gormDB, alloc)

	for {
		counts, err := store.Counts(ctx)
		if err != nil {
			return err
		}
		instances, err := alloc.Snapshot(ctx)
		if err != nil {
			return err
		}

		if redraw {
			fmt.Fprint(out, "\033[2J\033[H")
		}
		fmt.Fprint(out, formatStatus(counts, instances))

		if !watch {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(watchInterval):
		}
		if !redraw {
			fmt.Fprintln(out)
		}
	}
}

// isTerminal reports whether w is an interactive terminal. Screen clearing
// is skipped for pipes and files.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func formatStatus(counts conversation.Counts, instances []models.GatewayInstance) string {
	var b strings.Builder

	b.WriteString("CONVERSATIONS\n")
	b.WriteString(fmt.Sprintf("%-22s %d\n", "active", counts.Active))
	b.WriteString(fmt.Sprintf("%-22s %d\n", "waiting", counts.Waiting))
	b.WriteString(fmt.Sprintf("%-22s %d\n", "finished (24h)", counts.FinishedLast24h))
	b.WriteString(fmt.Sprintf("%-22s %d\n", "expired, not swept", counts.ExpiredUnswept))
	b.WriteString("\n")

	b.WriteString("INSTANCES\n")
	b.WriteString(fmt.Sprintf("%-16s %-10s %6s %6s %s\n", "NAME", "STATUS", "LOAD", "MAX", "LAST PING"))
	for _, in := range instances {
		ping := "-"
		if !in.LastPing.IsZero() {
			ping = in.LastPing.Format("2006-01-02 15:04:05")
		}
		b.WriteString(fmt.Sprintf("%-16s %-10s %6d %6d %s\n",
			in.InstanceName, in.Status, in.CurrentConversations, in.MaxConversations, ping))
	}
	if len(instances) == 0 {
		b.WriteString("  (no instances)\n")
	}
	return b.String()
}
