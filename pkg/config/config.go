// Copyright 2024-2026 Aiku AI

// Package config loads the relay configuration from YAML, upgrading old
// files against the embedded example and applying RELAY_* environment
// overrides.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/aiku/mattermost-matrix-relay/pkg/database"
	"github.com/aiku/mattermost-matrix-relay/pkg/feed"
	"github.com/aiku/mattermost-matrix-relay/pkg/matrix"
	"github.com/aiku/mattermost-matrix-relay/pkg/mattermost"
	"github.com/aiku/mattermost-matrix-relay/pkg/relayfmt"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config is the complete relay configuration.
type Config struct {
	Mattermost mattermost.Config `yaml:"mattermost"`
	Matrix     matrix.Config     `yaml:"matrix"`
	Database   database.Config   `yaml:"database"`
	Feed       feed.Config       `yaml:"feed"`
	Relay      RelayConfig       `yaml:"relay"`
	Retention  RetentionConfig   `yaml:"retention"`
	Admin      AdminConfig       `yaml:"admin"`
	Logging    zeroconfig.Config `yaml:"logging"`
}

type RelayConfig struct {
	Workers             int    `yaml:"workers"`
	TaskTimeout         string `yaml:"task_timeout"`
	ShutdownTimeout     string `yaml:"shutdown_timeout"`
	DisplaynameTemplate string `yaml:"displayname_template"`

	taskTimeout     time.Duration `yaml:"-"`
	shutdownTimeout time.Duration `yaml:"-"`
}

func (rc *RelayConfig) GetTaskTimeout() time.Duration     { return rc.taskTimeout }
func (rc *RelayConfig) GetShutdownTimeout() time.Duration { return rc.shutdownTimeout }

type RetentionConfig struct {
	Cron   string `yaml:"cron"`
	MaxAge string `yaml:"max_age"`

	maxAge time.Duration `yaml:"-"`
}

func (rc *RetentionConfig) GetMaxAge() time.Duration { return rc.maxAge }

type AdminConfig struct {
	Listen string `yaml:"listen"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess validates the loaded values and derives durations and the
// display name formatter inputs.
func (c *Config) PostProcess() error {
	var err error
	if c.Relay.taskTimeout, err = parseDuration("relay.task_timeout", c.Relay.TaskTimeout, time.Minute); err != nil {
		return err
	}
	if c.Relay.shutdownTimeout, err = parseDuration("relay.shutdown_timeout", c.Relay.ShutdownTimeout, 30*time.Second); err != nil {
		return err
	}
	if c.Retention.maxAge, err = parseDuration("retention.max_age", c.Retention.MaxAge, 7*24*time.Hour); err != nil {
		return err
	}
	if c.Retention.Cron != "" && !gronx.IsValid(c.Retention.Cron) {
		return fmt.Errorf("invalid retention.cron expression %q", c.Retention.Cron)
	}
	if _, err = relayfmt.New(c.Relay.DisplaynameTemplate); err != nil {
		return fmt.Errorf("invalid relay.displayname_template: %w", err)
	}
	switch c.Feed.Type {
	case "", "memory", "nats", "amqp":
	default:
		return fmt.Errorf("unknown feed.type %q", c.Feed.Type)
	}
	if c.Feed.Type != "" && c.Feed.Type != "memory" && c.Feed.URL == "" {
		return fmt.Errorf("feed.url is required for feed type %s", c.Feed.Type)
	}
	return nil
}

func parseDuration(key, value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

// envOverrides maps environment variables to the secret and deployment
// specific fields they replace.
func (c *Config) envOverrides() map[string]*string {
	return map[string]*string{
		"RELAY_MATTERMOST_URL":    &c.Mattermost.ServerURL,
		"RELAY_MATTERMOST_TOKEN":  &c.Mattermost.Token,
		"RELAY_MATRIX_HOMESERVER": &c.Matrix.HomeserverURL,
		"RELAY_MATRIX_USER_ID":    &c.Matrix.UserID,
		"RELAY_MATRIX_TOKEN":      &c.Matrix.AccessToken,
		"RELAY_DATABASE_TYPE":     &c.Database.Type,
		"RELAY_DATABASE_URI":      &c.Database.URI,
		"RELAY_FEED_TYPE":         &c.Feed.Type,
		"RELAY_FEED_URL":          &c.Feed.URL,
		"RELAY_ADMIN_LISTEN":      &c.Admin.Listen,
	}
}

// ApplyEnv overwrites fields with non-empty RELAY_* environment variables.
func (c *Config) ApplyEnv() {
	for key, field := range c.envOverrides() {
		if val := os.Getenv(key); val != "" {
			*field = val
		}
	}
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "mattermost", "server_url")
	helper.Copy(up.Str, "mattermost", "token")
	helper.Copy(up.Str, "mattermost", "bot_prefix")
	helper.Copy(up.Float|up.Int, "mattermost", "requests_per_second")
	helper.Copy(up.Int, "mattermost", "burst")

	helper.Copy(up.Str, "matrix", "homeserver_url")
	helper.Copy(up.Str, "matrix", "user_id")
	helper.Copy(up.Str, "matrix", "access_token")
	helper.Copy(up.Float|up.Int, "matrix", "requests_per_second")
	helper.Copy(up.Int, "matrix", "burst")

	helper.Copy(up.Str, "database", "type")
	helper.Copy(up.Str, "database", "uri")
	helper.Copy(up.Int, "database", "max_open_conns")
	helper.Copy(up.Int, "database", "max_idle_conns")

	helper.Copy(up.Str, "feed", "type")
	helper.Copy(up.Str, "feed", "url")
	helper.Copy(up.Str, "feed", "subject")
	helper.Copy(up.Str, "feed", "stream")
	helper.Copy(up.Str, "feed", "exchange")
	helper.Copy(up.Str, "feed", "queue")
	helper.Copy(up.Str, "feed", "durable")
	helper.Copy(up.Int, "feed", "max_deliver")
	helper.Copy(up.Int, "feed", "retry_delay_ms")
	helper.Copy(up.Int, "feed", "buffer_size")
	helper.Copy(up.Int, "feed", "pump_interval_ms")
	helper.Copy(up.Int, "feed", "pump_batch_size")

	helper.Copy(up.Int, "relay", "workers")
	helper.Copy(up.Str, "relay", "task_timeout")
	helper.Copy(up.Str, "relay", "shutdown_timeout")
	helper.Copy(up.Str, "relay", "displayname_template")

	helper.Copy(up.Str, "retention", "cron")
	helper.Copy(up.Str, "retention", "max_age")

	helper.Copy(up.Str, "admin", "listen")

	helper.Copy(up.Map, "logging")
}

// Upgrader merges an existing config file into the current example layout.
var Upgrader = &up.StructUpgrader{
	SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
	Blocks: [][]string{
		{"mattermost"},
		{"matrix"},
		{"database"},
		{"feed"},
		{"relay"},
		{"retention"},
		{"admin"},
		{"logging"},
	},
	Base: ExampleConfig,
}

// Load reads the .env file if present, upgrades the config file at path in
// place and returns the processed configuration.
func Load(path string) (*Config, error) {
	_ = godotenv.Load(".env")
	data, _, err := up.Do(path, true, Upgrader)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a config document, applies environment overrides and runs
// PostProcess.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.ApplyEnv()
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
