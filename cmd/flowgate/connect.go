package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/zulandar/flowgate/internal/alert"
	"github.com/zulandar/flowgate/internal/config"
	"github.com/zulandar/flowgate/internal/db"
	"github.com/zulandar/flowgate/internal/lock"
	"gorm.io/gorm"
)

func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to %s database: %w", cfg.Database.Driver, err)
	}
	return cfg, gormDB, nil
}

// newLocker returns the per-phone locker and a cleanup func.
func newLocker(ctx context.Context, cfg config.LockConfig) (lock.Locker, func(), error) {
	if cfg.Driver != "redis" {
		return lock.NewLocal(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
	}
	return lock.NewRedis(client, cfg.TTL), func() { client.Close() }, nil
}

// newAlerter builds the operator alerter from config. It returns nil when no
// chat platform is configured.
func newAlerter(cfg config.AlertsConfig) (alert.Alerter, error) {
	var targets alert.Multi
	if cfg.SlackBotToken != "" {
		s, err := alert.NewSlack(cfg.SlackBotToken, cfg.SlackChannel)
		if err != nil {
			return nil, err
		}
		targets = append(targets, s)
	}
	if cfg.DiscordToken != "" {
		d, err := alert.NewDiscord(cfg.DiscordToken, cfg.DiscordChannel)
		if err != nil {
			return nil, err
		}
		targets = append(targets, d)
	}
	if len(targets) == 0 {
		return nil, nil
	}
	return alert.NewThrottle(targets, cfg.Cooldown), nil
}
