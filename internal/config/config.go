// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	archivegcs "github.com/harvestkit/harvester/internal/archive/gcs"
	archivelocal "github.com/harvestkit/harvester/internal/archive/local"
	"github.com/harvestkit/harvester/internal/pacing"
	"github.com/harvestkit/harvester/internal/retry"
	collysource "github.com/harvestkit/harvester/internal/source/colly"
	"github.com/harvestkit/harvester/internal/source/headless"
	"github.com/harvestkit/harvester/internal/source/replay"
	statefile "github.com/harvestkit/harvester/internal/state/file"
	statepg "github.com/harvestkit/harvester/internal/state/postgres"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Harvest HarvestConfig `mapstructure:"harvest"`
	Pacing  PacingConfig  `mapstructure:"pacing"`
	Retry   RetryConfig   `mapstructure:"retry"`
	Source  SourceConfig  `mapstructure:"source"`
	Archive ArchiveConfig `mapstructure:"archive"`
	State   StateConfig   `mapstructure:"state"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP control-surface behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// HarvestConfig governs run behavior.
type HarvestConfig struct {
	// TargetCount is the default per-run item cap; zero means unbounded.
	TargetCount int `mapstructure:"target_count"`
	// EmptyBatchLimit ends a run after this many consecutive empty batches.
	EmptyBatchLimit int `mapstructure:"empty_batch_limit"`
	// TimeoutEscalation is how many consecutive fetch timeouts tolerate
	// retry before the run fails.
	TimeoutEscalation int `mapstructure:"timeout_escalation"`
}

// PacingConfig shapes the delay model between remote operations.
type PacingConfig struct {
	MinDelayMs      int     `mapstructure:"min_delay_ms"`
	MaxDelayMs      int     `mapstructure:"max_delay_ms"`
	LongPauseChance float64 `mapstructure:"long_pause_chance"`
	LongPauseMinMs  int     `mapstructure:"long_pause_min_ms"`
	LongPauseMaxMs  int     `mapstructure:"long_pause_max_ms"`
	SlowdownCap     float64 `mapstructure:"slowdown_cap"`
	DecayAfter      int     `mapstructure:"decay_after"`
	MaxRPS          float64 `mapstructure:"max_rps"`
}

// RetryConfig configures transient-failure retry behavior.
type RetryConfig struct {
	MaxAttempts      int `mapstructure:"max_attempts"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// SourceConfig selects and configures the item source.
type SourceConfig struct {
	// Kind is one of "replay", "colly", "headless".
	Kind     string             `mapstructure:"kind"`
	Replay   replay.Config      `mapstructure:"replay"`
	Colly    collysource.Config `mapstructure:"colly"`
	Headless headless.Config    `mapstructure:"headless"`
}

// ArchiveConfig selects and configures the archive sink.
type ArchiveConfig struct {
	// Kind is one of "local", "gcs", "memory".
	Kind  string              `mapstructure:"kind"`
	Local archivelocal.Config `mapstructure:"local"`
	GCS   archivegcs.Config   `mapstructure:"gcs"`
}

// StateConfig selects and configures the session store.
type StateConfig struct {
	// Kind is one of "file", "postgres", "memory".
	Kind     string           `mapstructure:"kind"`
	File     statefile.Config `mapstructure:"file"`
	Postgres statepg.Config   `mapstructure:"postgres"`
}

// PubSubConfig holds metadata for archived-item notifications. An empty
// topic disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("harvest.target_count", 0)
	v.SetDefault("harvest.empty_batch_limit", 3)
	v.SetDefault("harvest.timeout_escalation", 3)
	v.SetDefault("pacing.min_delay_ms", 2000)
	v.SetDefault("pacing.max_delay_ms", 6000)
	v.SetDefault("pacing.long_pause_chance", 0.10)
	v.SetDefault("pacing.slowdown_cap", 8)
	v.SetDefault("pacing.decay_after", 5)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.backoff_initial_ms", 250)
	v.SetDefault("retry.backoff_max_ms", 5000)
	v.SetDefault("source.kind", "replay")
	v.SetDefault("source.replay.batch_size", 25)
	v.SetDefault("archive.kind", "local")
	v.SetDefault("archive.local.base_dir", "./archive")
	v.SetDefault("state.kind", "file")
	v.SetDefault("state.file.path", "./harvest_state.json")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Harvest.TargetCount < 0 {
		return fmt.Errorf("harvest.target_count must be >= 0")
	}
	if c.Pacing.MinDelayMs < 0 || c.Pacing.MaxDelayMs < c.Pacing.MinDelayMs {
		return fmt.Errorf("pacing delays must satisfy 0 <= min_delay_ms <= max_delay_ms")
	}
	if c.Pacing.LongPauseChance < 0 || c.Pacing.LongPauseChance >= 1 {
		return fmt.Errorf("pacing.long_pause_chance must be in [0, 1)")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}

	switch c.Source.Kind {
	case "replay", "colly", "headless":
	default:
		return fmt.Errorf("source.kind must be one of replay, colly, headless")
	}
	switch c.Archive.Kind {
	case "local", "gcs", "memory":
	default:
		return fmt.Errorf("archive.kind must be one of local, gcs, memory")
	}
	if c.Archive.Kind == "gcs" && c.Archive.GCS.Bucket == "" {
		return fmt.Errorf("archive.gcs.bucket must be set when archive.kind is gcs")
	}
	switch c.State.Kind {
	case "file", "postgres", "memory":
	default:
		return fmt.Errorf("state.kind must be one of file, postgres, memory")
	}
	if c.State.Kind == "postgres" && c.State.Postgres.DSN == "" {
		return fmt.Errorf("state.postgres.dsn must be set when state.kind is postgres")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// PacerConfig converts the millisecond knobs into the pacing package's
// duration-based config.
func (c Config) PacerConfig() pacing.Config {
	return pacing.Config{
		MinDelay:        time.Duration(c.Pacing.MinDelayMs) * time.Millisecond,
		MaxDelay:        time.Duration(c.Pacing.MaxDelayMs) * time.Millisecond,
		LongPauseChance: c.Pacing.LongPauseChance,
		LongPauseMin:    time.Duration(c.Pacing.LongPauseMinMs) * time.Millisecond,
		LongPauseMax:    time.Duration(c.Pacing.LongPauseMaxMs) * time.Millisecond,
		SlowdownCap:     c.Pacing.SlowdownCap,
		DecayAfter:      c.Pacing.DecayAfter,
		MaxRPS:          c.Pacing.MaxRPS,
	}
}

// RetryControllerConfig converts the millisecond knobs into the retry
// package's duration-based config.
func (c Config) RetryControllerConfig() retry.Config {
	return retry.Config{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   time.Duration(c.Retry.BackoffInitialMs) * time.Millisecond,
		MaxDelay:    time.Duration(c.Retry.BackoffMaxMs) * time.Millisecond,
	}
}
