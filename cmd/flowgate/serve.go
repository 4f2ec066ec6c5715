package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/flowgate/internal/api"
	"github.com/zulandar/flowgate/internal/conversation"
	"github.com/zulandar/flowgate/internal/db"
	"github.com/zulandar/flowgate/internal/evolution"
	"github.com/zulandar/flowgate/internal/lifecycle"
	"github.com/zulandar/flowgate/internal/logger"
	"github.com/zulandar/flowgate/internal/monitor"
	"github.com/zulandar/flowgate/internal/n8n"
	"github.com/zulandar/flowgate/internal/pool"
	"github.com/zulandar/flowgate/internal/sweeper"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
		seed       bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server and the expiry sweeper",
		Long: "Starts the HTTP server for the Evolution and n8n webhooks plus the monitoring " +
			"endpoints, and schedules the expiry sweep. Tables are migrated on start.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port, seed)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Flowgate config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides config)")
	cmd.Flags().BoolVar(&seed, "seed", false, "upsert instances and flows from config before serving")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int, seed bool) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	defer db.Close(gormDB)

	if err := logger.Init(logger.Options{
		Level:    cfg.Logging.Level,
		Path:     cfg.Logging.Path,
		RingSize: cfg.Logging.RingSize,
		Console:  true,
	}); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	if seed {
		if err := db.Seed(gormDB, cfg); err != nil {
			return err
		}
		logger.Info("seeded configuration", zap.Int("instances", len(cfg.Instances)), zap.Int("flows", len(cfg.Flows)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	locks, closeLocks, err := newLocker(ctx, cfg.Lock)
	if err != nil {
		return err
	}
	defer closeLocks()

	alloc := pool.New(gormDB)
	store := conversation.New(gormDB, alloc)

	var evoOpts []evolution.Option
	if cfg.Evolution.APIKey != "" {
		evoOpts = append(evoOpts, evolution.WithAPIKey(cfg.Evolution.APIKey))
	}
	notifier := n8n.New(cfg.N8N.WebhookURL, cfg.N8N.Timeout, n8n.WithUserAgent("flowgate/"+Version))
	sender := evolution.New(cfg.Evolution.BaseURL, cfg.Evolution.Timeout, evoOpts...)

	alerter, err := newAlerter(cfg.Alerts)
	if err != nil {
		return err
	}

	ctl := lifecycle.New(lifecycle.Config{
		Store:       store,
		Pool:        alloc,
		Locks:       locks,
		Notifier:    notifier,
		Sender:      sender,
		Stats:       monitor.NewStats(),
		Alerter:     alerter,
		Flow:        cfg.Conversation.DefaultFlow,
		InitialStep: cfg.Conversation.InitialStep,
		TTL:         cfg.Conversation.TTL,
		Location:    cfg.Location(),
	})

	var sw *sweeper.Sweeper
	if !cfg.Sweeper.Disabled {
		var swOpts []sweeper.Option
		if alerter != nil {
			swOpts = append(swOpts, sweeper.WithAlerter(alerter))
		}
		sw = sweeper.New(store, cfg.Sweeper.Schedule, swOpts...)
		if err := sw.Start(ctx); err != nil {
			return err
		}
	}

	if port <= 0 {
		port = cfg.Server.Port
	}
	logger.Info("flowgate starting",
		zap.String("version", Version),
		zap.Int("port", port),
		zap.String("database", cfg.Database.Driver),
		zap.String("lock", cfg.Lock.Driver),
		zap.Bool("alerts", alerter != nil),
		zap.String("n8n", notifier.URL()),
		zap.String("evolution", sender.BaseURL()))

	err = api.Start(ctx, api.StartOpts{
		Deps: api.Deps{
			DB:           gormDB,
			Controller:   ctl,
			Store:        store,
			Pool:         alloc,
			Logs:         logger.Recent(),
			N8NURL:       notifier.URL(),
			EvolutionURL: sender.BaseURL(),
			Location:     cfg.Location(),
			Version:      Version,
		},
		Port: port,
		Out:  cmd.OutOrStdout(),
	})
	cancel()
	if sw != nil {
		<-sw.Done()
	}
	logger.Info("flowgate stopped")
	return err
}
