// Package config loads runtime settings from a YAML file and DUET_
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. DUET_BACKEND_ADDRESS.
const EnvPrefix = "DUET"

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid config")

// #region types

// Config is the root of all settings.
type Config struct {
	Log          LogConfig          `mapstructure:"log"`
	Agents       AgentsConfig       `mapstructure:"agents"`
	State        StateConfig        `mapstructure:"state"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Novelty      NoveltyConfig      `mapstructure:"novelty"`
	Silence      SilenceConfig      `mapstructure:"silence"`
	Evaluator    EvaluatorConfig    `mapstructure:"evaluator"`
	Intervention InterventionConfig `mapstructure:"intervention"`
	Backend      BackendConfig      `mapstructure:"backend"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Control      ControlConfig      `mapstructure:"control"`
	Persona      PersonaConfig      `mapstructure:"persona"`
}

// LogConfig selects the zap encoder and level.
type LogConfig struct {
	Level       string   `mapstructure:"level"`  // debug, info, warn, error
	Format      string   `mapstructure:"format"` // json or console
	OutputPaths []string `mapstructure:"output_paths"`
}

// AgentsConfig picks who opens a run. Empty means the first persona agent.
type AgentsConfig struct {
	FirstSpeaker string `mapstructure:"first_speaker"`
}

// StateConfig bounds the world-state store.
type StateConfig struct {
	RecentTopics int `mapstructure:"recent_topics"`
	RecentEvents int `mapstructure:"recent_events"`
	EventLog     int `mapstructure:"event_log"`
}

// OrchestratorConfig controls the turn loop.
type OrchestratorConfig struct {
	MaxTurns      int           `mapstructure:"max_turns"`
	OnFailure     string        `mapstructure:"on_failure"` // skip or abort
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
	HistoryTurns  int           `mapstructure:"history_turns"`
	TurnInterval  time.Duration `mapstructure:"turn_interval"`
	KnowledgeTopK int           `mapstructure:"knowledge_top_k"`
	MemoryTopK    int           `mapstructure:"memory_top_k"`
}

// NoveltyConfig tunes loop detection.
type NoveltyConfig struct {
	Threshold      int `mapstructure:"threshold"`
	MaxStuckTerms  int `mapstructure:"max_stuck_terms"`
	RotationWindow int `mapstructure:"rotation_window"`
}

// SilenceConfig tunes the silence policy.
type SilenceConfig struct {
	SpeedThreshold        float64       `mapstructure:"speed_threshold"`
	AftermathWindow       time.Duration `mapstructure:"aftermath_window"`
	TensionDuration       time.Duration `mapstructure:"tension_duration"`
	ConcentrationDuration time.Duration `mapstructure:"concentration_duration"`
	AftermathDuration     time.Duration `mapstructure:"aftermath_duration"`
}

// EvaluatorConfig tunes response evaluation.
type EvaluatorConfig struct {
	MaxAttempts int  `mapstructure:"max_attempts"`
	MaxRunes    int  `mapstructure:"max_runes"`
	UseModel    bool `mapstructure:"use_model"`
}

// InterventionConfig tunes the operator channel.
type InterventionConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MinWords     int           `mapstructure:"min_words"`
}

// BackendConfig points at the generation/description gRPC service.
type BackendConfig struct {
	Address   string        `mapstructure:"address"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit"` // calls per second, 0 = unlimited
	Burst     int           `mapstructure:"burst"`
}

// StorageConfig locates on-disk state.
type StorageConfig struct {
	Dir          string `mapstructure:"dir"`
	TranscriptDB string `mapstructure:"transcript_db"`
	MemoryDB     string `mapstructure:"memory_db"`
	EventsFile   bool   `mapstructure:"events_file"`
}

// RedisConfig enables the stream sink.
type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Prefix  string `mapstructure:"prefix"`
	MaxLen  int64  `mapstructure:"max_len"`
}

// MetricsConfig names the Prometheus namespace.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// ControlConfig configures the HTTP control surface.
type ControlConfig struct {
	Addr      string  `mapstructure:"addr"`
	RateLimit float64 `mapstructure:"rate_limit"`
	Burst     int     `mapstructure:"burst"`
}

// PersonaConfig locates persona content. Empty Path uses the built-in pair.
type PersonaConfig struct {
	Path          string        `mapstructure:"path"`
	Watch         bool          `mapstructure:"watch"`
	WatchDebounce time.Duration `mapstructure:"watch_debounce"`
}

// #endregion

// #region load

// NewViper returns a viper instance bound to the DUET_ environment. If path
// is empty, duet.yaml is searched for in the working directory.
func NewViper(path string) *viper.Viper {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName("duet")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)
	return v
}

// bindEnv registers every key so AutomaticEnv sees overrides for keys the
// file does not mention.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"log.level", "log.format",
		"agents.first_speaker",
		"orchestrator.max_turns", "orchestrator.on_failure", "orchestrator.retry_backoff",
		"orchestrator.stale_after", "orchestrator.turn_interval",
		"evaluator.max_attempts", "evaluator.use_model",
		"backend.address", "backend.timeout", "backend.rate_limit",
		"storage.dir", "redis.enabled", "redis.addr",
		"metrics.enabled", "control.addr",
		"persona.path", "persona.watch",
	} {
		_ = v.BindEnv(key)
	}
}

// Load reads the config file (a missing default file is not an error),
// applies defaults and validates.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// #endregion

// #region defaults

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if len(cfg.Log.OutputPaths) == 0 {
		cfg.Log.OutputPaths = []string{"stderr"}
	}

	if cfg.State.RecentTopics == 0 {
		cfg.State.RecentTopics = 5
	}
	if cfg.State.RecentEvents == 0 {
		cfg.State.RecentEvents = 10
	}
	if cfg.State.EventLog == 0 {
		cfg.State.EventLog = 500
	}

	if cfg.Orchestrator.MaxTurns == 0 {
		cfg.Orchestrator.MaxTurns = 10
	}
	if cfg.Orchestrator.OnFailure == "" {
		cfg.Orchestrator.OnFailure = "skip"
	}
	if cfg.Orchestrator.RetryBackoff == 0 {
		cfg.Orchestrator.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.Orchestrator.StaleAfter == 0 {
		cfg.Orchestrator.StaleAfter = 10 * time.Second
	}
	if cfg.Orchestrator.HistoryTurns == 0 {
		cfg.Orchestrator.HistoryTurns = 6
	}
	if cfg.Orchestrator.TurnInterval == 0 {
		cfg.Orchestrator.TurnInterval = 2 * time.Second
	}
	if cfg.Orchestrator.KnowledgeTopK == 0 {
		cfg.Orchestrator.KnowledgeTopK = 2
	}
	if cfg.Orchestrator.MemoryTopK == 0 {
		cfg.Orchestrator.MemoryTopK = 3
	}

	if cfg.Novelty.Threshold == 0 {
		cfg.Novelty.Threshold = 3
	}
	if cfg.Novelty.MaxStuckTerms == 0 {
		cfg.Novelty.MaxStuckTerms = 5
	}
	if cfg.Novelty.RotationWindow == 0 {
		cfg.Novelty.RotationWindow = 2
	}

	if cfg.Silence.SpeedThreshold == 0 {
		cfg.Silence.SpeedThreshold = 2.5
	}
	if cfg.Silence.AftermathWindow == 0 {
		cfg.Silence.AftermathWindow = 5 * time.Second
	}
	if cfg.Silence.TensionDuration == 0 {
		cfg.Silence.TensionDuration = 2 * time.Second
	}
	if cfg.Silence.ConcentrationDuration == 0 {
		cfg.Silence.ConcentrationDuration = 4 * time.Second
	}
	if cfg.Silence.AftermathDuration == 0 {
		cfg.Silence.AftermathDuration = 3 * time.Second
	}

	if cfg.Evaluator.MaxAttempts == 0 {
		cfg.Evaluator.MaxAttempts = 3
	}
	if cfg.Evaluator.MaxRunes == 0 {
		cfg.Evaluator.MaxRunes = 160
	}

	if cfg.Intervention.PollInterval == 0 {
		cfg.Intervention.PollInterval = 200 * time.Millisecond
	}
	if cfg.Intervention.MinWords == 0 {
		cfg.Intervention.MinWords = 2
	}

	if cfg.Backend.Address == "" {
		cfg.Backend.Address = "localhost:50051"
	}
	if cfg.Backend.Timeout == 0 {
		cfg.Backend.Timeout = 20 * time.Second
	}
	if cfg.Backend.Burst == 0 {
		cfg.Backend.Burst = 1
	}

	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = "data"
	}
	if cfg.Storage.TranscriptDB == "" {
		cfg.Storage.TranscriptDB = "transcripts.db"
	}
	if cfg.Storage.MemoryDB == "" {
		cfg.Storage.MemoryDB = "memory.db"
	}

	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "duet:run:"
	}
	if cfg.Redis.MaxLen == 0 {
		cfg.Redis.MaxLen = 10000
	}

	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "duet"
	}

	if cfg.Control.Addr == "" {
		cfg.Control.Addr = "127.0.0.1:8088"
	}
	if cfg.Control.RateLimit == 0 {
		cfg.Control.RateLimit = 20
	}
	if cfg.Control.Burst == 0 {
		cfg.Control.Burst = 40
	}

	if cfg.Persona.WatchDebounce == 0 {
		cfg.Persona.WatchDebounce = 250 * time.Millisecond
	}
}

// #endregion

// #region validate

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("%w: log level %q (must be debug, info, warn or error)", ErrInvalidConfig, c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("%w: log format %q (must be json or console)", ErrInvalidConfig, c.Log.Format)
	}
	if c.Orchestrator.OnFailure != "skip" && c.Orchestrator.OnFailure != "abort" {
		return fmt.Errorf("%w: orchestrator.on_failure %q (must be skip or abort)", ErrInvalidConfig, c.Orchestrator.OnFailure)
	}
	if c.Orchestrator.MaxTurns < 0 {
		return fmt.Errorf("%w: orchestrator.max_turns must not be negative", ErrInvalidConfig)
	}
	if c.Novelty.Threshold < 2 {
		return fmt.Errorf("%w: novelty.threshold must be at least 2", ErrInvalidConfig)
	}
	if c.Novelty.RotationWindow < 0 || c.Novelty.RotationWindow > 4 {
		return fmt.Errorf("%w: novelty.rotation_window must be between 0 and 4", ErrInvalidConfig)
	}
	if c.Evaluator.MaxAttempts < 1 {
		return fmt.Errorf("%w: evaluator.max_attempts must be at least 1", ErrInvalidConfig)
	}
	if c.Silence.SpeedThreshold < 0 {
		return fmt.Errorf("%w: silence.speed_threshold must not be negative", ErrInvalidConfig)
	}
	if c.Backend.RateLimit < 0 {
		return fmt.Errorf("%w: backend.rate_limit must not be negative", ErrInvalidConfig)
	}
	if c.Backend.Timeout < 0 {
		return fmt.Errorf("%w: backend.timeout must not be negative", ErrInvalidConfig)
	}
	return nil
}

// #endregion
