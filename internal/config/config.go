// Package config provides YAML-based configuration loading for Flowgate,
// with environment overrides read from the process and an optional .env file.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults applied when the config file leaves a value unset.
const (
	DefaultPort             = 3000
	DefaultDriver           = "sqlite"
	DefaultSQLitePath       = "flowgate.db"
	DefaultFlowID           = "fluxo_principal"
	DefaultInitialStep      = "start"
	DefaultConversationTTL  = 24 * time.Hour
	DefaultSweepSchedule    = "*/10 * * * *"
	DefaultN8NTimeout       = 15 * time.Second
	DefaultEvolutionTimeout = 10 * time.Second
	DefaultLockTTL          = 30 * time.Second
	DefaultLogRingSize      = 1000
	DefaultTimezone         = "America/Sao_Paulo"
	DefaultMaxConversations = 50
	DefaultAlertCooldown    = 10 * time.Minute
)

// Config is the top-level Flowgate configuration, loaded from flowgate.yaml.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	N8N          N8NConfig          `yaml:"n8n"`
	Evolution    EvolutionConfig    `yaml:"evolution"`
	Conversation ConversationConfig `yaml:"conversation"`
	Sweeper      SweeperConfig      `yaml:"sweeper"`
	Lock         LockConfig         `yaml:"lock"`
	Logging      LoggingConfig      `yaml:"logging"`
	Alerts       AlertsConfig       `yaml:"alerts"`
	Timezone     string             `yaml:"timezone"`
	Instances    []InstanceConfig   `yaml:"instances"`
	Flows        []FlowConfig       `yaml:"flows"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// DatabaseConfig selects the GORM driver. DSN wins over the discrete fields.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // postgres, mysql, sqlite
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

// N8NConfig points at the workflow engine's checkpoint webhook.
type N8NConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// EvolutionConfig points at the messaging gateway.
type EvolutionConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"` // optional global key; per-instance id otherwise
	Timeout time.Duration `yaml:"timeout"`
}

// ConversationConfig controls new conversations.
type ConversationConfig struct {
	TTL         time.Duration `yaml:"ttl"`
	DefaultFlow string        `yaml:"default_flow"`
	InitialStep string        `yaml:"initial_step"`
}

// SweeperConfig controls the expiry sweep schedule.
type SweeperConfig struct {
	Schedule string `yaml:"schedule"` // 5-field cron expression
	Disabled bool   `yaml:"disabled"`
}

// LockConfig selects the per-phone lock implementation.
type LockConfig struct {
	Driver    string        `yaml:"driver"` // local, redis
	RedisAddr string        `yaml:"redis_addr"`
	RedisDB   int           `yaml:"redis_db"`
	TTL       time.Duration `yaml:"ttl"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	Path     string `yaml:"path"` // empty logs to stdout only
	RingSize int    `yaml:"ring_size"`
}

// AlertsConfig routes operator alerts to chat platforms. Each platform is
// enabled when both its token and channel are set.
type AlertsConfig struct {
	SlackBotToken  string        `yaml:"slack_bot_token"`
	SlackChannel   string        `yaml:"slack_channel"`
	DiscordToken   string        `yaml:"discord_bot_token"`
	DiscordChannel string        `yaml:"discord_channel_id"`
	Cooldown       time.Duration `yaml:"cooldown"` // minimum gap between repeats of one alert key
}

// InstanceConfig seeds a gateway instance row.
type InstanceConfig struct {
	Name             string `yaml:"name"`
	ID               string `yaml:"id"`
	Status           string `yaml:"status"`
	MaxConversations int    `yaml:"max_conversations"`
}

// FlowConfig seeds a flow and its instance pool.
type FlowConfig struct {
	Name      string   `yaml:"name"`
	Instances []string `yaml:"instances"`
}

// Load reads a YAML config file from path, applies environment overrides
// (including a .env file in the working directory, when present) and returns
// a validated Config. A missing file is not an error: defaults plus the
// environment are enough to run.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var data []byte
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		data = raw
	}
	return parse(data, os.LookupEnv)
}

// Parse unmarshals YAML bytes into a validated Config without consulting the
// environment.
func Parse(data []byte) (*Config, error) {
	return parse(data, func(string) (string, bool) { return "", false })
}

func parse(data []byte, lookup func(string) (string, bool)) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides file values with the deployment's environment variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: env %s: %w", key, err)
		}
		*dst = n
		return nil
	}

	if err := num("PORT", &c.Server.Port); err != nil {
		return err
	}
	str("N8N_WEBHOOK_URL", &c.N8N.WebhookURL)
	str("EVOLUTION_API_URL", &c.Evolution.BaseURL)
	str("EVOLUTION_API_KEY", &c.Evolution.APIKey)
	str("DB_DRIVER", &c.Database.Driver)
	str("DATABASE_URL", &c.Database.DSN)
	str("DB_HOST", &c.Database.Host)
	if err := num("DB_PORT", &c.Database.Port); err != nil {
		return err
	}
	str("DB_USER", &c.Database.User)
	str("DB_PASSWORD", &c.Database.Password)
	str("DB_NAME", &c.Database.Name)
	str("REDIS_ADDR", &c.Lock.RedisAddr)
	str("LOG_PATH", &c.Logging.Path)
	str("SLACK_BOT_TOKEN", &c.Alerts.SlackBotToken)
	str("SLACK_CHANNEL", &c.Alerts.SlackChannel)
	str("DISCORD_BOT_TOKEN", &c.Alerts.DiscordToken)
	str("DISCORD_CHANNEL_ID", &c.Alerts.DiscordChannel)
	return nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Database.Driver == "" {
		switch {
		case strings.HasPrefix(c.Database.DSN, "postgres://"), strings.HasPrefix(c.Database.DSN, "postgresql://"):
			c.Database.Driver = "postgres"
		case c.Database.DSN == "" && c.Database.Host != "":
			c.Database.Driver = "postgres"
		default:
			c.Database.Driver = DefaultDriver
		}
	}
	c.Database.Driver = strings.ToLower(c.Database.Driver)
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = DefaultSQLitePath
	}
	if c.N8N.Timeout == 0 {
		c.N8N.Timeout = DefaultN8NTimeout
	}
	if c.Evolution.Timeout == 0 {
		c.Evolution.Timeout = DefaultEvolutionTimeout
	}
	c.Evolution.BaseURL = strings.TrimRight(c.Evolution.BaseURL, "/")
	if c.Conversation.TTL == 0 {
		c.Conversation.TTL = DefaultConversationTTL
	}
	if c.Conversation.DefaultFlow == "" {
		c.Conversation.DefaultFlow = DefaultFlowID
	}
	if c.Conversation.InitialStep == "" {
		c.Conversation.InitialStep = DefaultInitialStep
	}
	if c.Sweeper.Schedule == "" {
		c.Sweeper.Schedule = DefaultSweepSchedule
	}
	if c.Lock.Driver == "" {
		c.Lock.Driver = "local"
		if c.Lock.RedisAddr != "" {
			c.Lock.Driver = "redis"
		}
	}
	if c.Lock.TTL == 0 {
		c.Lock.TTL = DefaultLockTTL
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.RingSize == 0 {
		c.Logging.RingSize = DefaultLogRingSize
	}
	if c.Alerts.Cooldown == 0 {
		c.Alerts.Cooldown = DefaultAlertCooldown
	}
	if c.Timezone == "" {
		c.Timezone = DefaultTimezone
	}
	for i := range c.Instances {
		if c.Instances[i].Status == "" {
			c.Instances[i].Status = "online"
		}
		if c.Instances[i].MaxConversations == 0 {
			c.Instances[i].MaxConversations = DefaultMaxConversations
		}
		if c.Instances[i].ID == "" {
			c.Instances[i].ID = c.Instances[i].Name
		}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	switch c.Database.Driver {
	case "postgres", "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not one of postgres, mysql, sqlite", c.Database.Driver))
	}
	if c.Database.Driver != "sqlite" && c.Database.DSN == "" && c.Database.Host == "" {
		errs = append(errs, "database.dsn or database.host is required for "+c.Database.Driver)
	}
	if c.N8N.WebhookURL != "" {
		if _, err := url.ParseRequestURI(c.N8N.WebhookURL); err != nil {
			errs = append(errs, fmt.Sprintf("n8n.webhook_url: %v", err))
		}
	}
	if c.Evolution.BaseURL != "" {
		if _, err := url.ParseRequestURI(c.Evolution.BaseURL); err != nil {
			errs = append(errs, fmt.Sprintf("evolution.base_url: %v", err))
		}
	}
	if c.Conversation.TTL < 0 {
		errs = append(errs, "conversation.ttl must be positive")
	}
	switch c.Lock.Driver {
	case "local":
	case "redis":
		if c.Lock.RedisAddr == "" {
			errs = append(errs, "lock.redis_addr is required for the redis lock driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("lock.driver %q is not one of local, redis", c.Lock.Driver))
	}
	if (c.Alerts.SlackBotToken == "") != (c.Alerts.SlackChannel == "") {
		errs = append(errs, "alerts.slack_bot_token and alerts.slack_channel must be set together")
	}
	if (c.Alerts.DiscordToken == "") != (c.Alerts.DiscordChannel == "") {
		errs = append(errs, "alerts.discord_bot_token and alerts.discord_channel_id must be set together")
	}
	if c.Alerts.Cooldown < 0 {
		errs = append(errs, "alerts.cooldown must not be negative")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("timezone %q: %v", c.Timezone, err))
	}

	names := make(map[string]bool, len(c.Instances))
	for i, in := range c.Instances {
		if in.Name == "" {
			errs = append(errs, fmt.Sprintf("instances[%d].name is required", i))
			continue
		}
		if names[in.Name] {
			errs = append(errs, fmt.Sprintf("instances[%d].name %q is duplicated", i, in.Name))
		}
		names[in.Name] = true
		if in.MaxConversations < 0 {
			errs = append(errs, fmt.Sprintf("instances[%d].max_conversations must not be negative", i))
		}
	}
	for i, f := range c.Flows {
		if f.Name == "" {
			errs = append(errs, fmt.Sprintf("flows[%d].name is required", i))
		}
		for _, n := range f.Instances {
			if len(c.Instances) > 0 && !names[n] {
				errs = append(errs, fmt.Sprintf("flows[%d] references unknown instance %q", i, n))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Location returns the configured display time zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
