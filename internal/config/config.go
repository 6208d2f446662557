// Package config loads sheetflow configuration from defaults, an optional
// YAML file and SHEETFLOW_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends.
const (
	BackendBolt      = "bolt"
	BackendSurrealDB = "surrealdb"
)

// LLM providers. ProviderNone plans with heuristics only.
const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderBedrock   = "bedrock"
	ProviderNone      = "none"
)

// Disconnect policies.
const (
	DisconnectCancel   = "cancel"
	DisconnectContinue = "continue"
)

// Config holds all configuration values.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	SurrealDB SurrealDBConfig `mapstructure:"surrealdb"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	URL               string        `mapstructure:"url"` // used by the CLI client
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

type StoreConfig struct {
	Backend  string `mapstructure:"backend"`
	BoltPath string `mapstructure:"bolt_path"`
}

type SurrealDBConfig struct {
	URL       string `mapstructure:"url"`
	Namespace string `mapstructure:"namespace"`
	Database  string `mapstructure:"database"`
	User      string `mapstructure:"user"`
	Pass      string `mapstructure:"pass"`
	AuthLevel string `mapstructure:"auth_level"`
}

type LLMConfig struct {
	Provider      string        `mapstructure:"provider"`
	Model         string        `mapstructure:"model"`
	OllamaHost    string        `mapstructure:"ollama_host"`
	OpenAIKey     string        `mapstructure:"openai_api_key"`
	OpenAIBaseURL string        `mapstructure:"openai_base_url"`
	AnthropicKey  string        `mapstructure:"anthropic_api_key"`
	AWSRegion     string        `mapstructure:"aws_region"`
	MaxTokens     int           `mapstructure:"max_tokens"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type PipelineConfig struct {
	OutputDir         string  `mapstructure:"output_dir"`
	IngestConcurrency int     `mapstructure:"ingest_concurrency"`
	DisconnectPolicy  string  `mapstructure:"disconnect_policy"`
	CoercionThreshold float64 `mapstructure:"coercion_threshold"`
	RowTolerance      float64 `mapstructure:"row_tolerance"`
	SampleRows        int     `mapstructure:"sample_rows"`
}

type NotifyConfig struct {
	Channels   []string `mapstructure:"channels"`
	WebhookURL string   `mapstructure:"webhook_url"`
}

type LogConfig struct {
	File  string `mapstructure:"file"`
	Level string `mapstructure:"level"`
}

// SlogLevel returns the configured level as a slog.Level.
func (l LogConfig) SlogLevel() slog.Level {
	return parseLogLevel(l.Level)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8484)
	v.SetDefault("server.url", "http://localhost:8484")
	v.SetDefault("server.heartbeat_interval", 30*time.Second)

	v.SetDefault("store.backend", BackendBolt)
	v.SetDefault("store.bolt_path", filepath.Join(DataDir(), "sheetflow.db"))

	v.SetDefault("surrealdb.url", "ws://localhost:8000/rpc")
	v.SetDefault("surrealdb.namespace", "sheetflow")
	v.SetDefault("surrealdb.database", "runs")
	v.SetDefault("surrealdb.user", "root")
	v.SetDefault("surrealdb.pass", "root")
	v.SetDefault("surrealdb.auth_level", "root")

	v.SetDefault("llm.provider", ProviderNone)
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.ollama_host", "http://localhost:11434")
	v.SetDefault("llm.openai_api_key", "")
	v.SetDefault("llm.openai_base_url", "")
	v.SetDefault("llm.anthropic_api_key", "")
	v.SetDefault("llm.aws_region", "")
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.timeout", 2*time.Minute)

	v.SetDefault("pipeline.output_dir", filepath.Join(DataDir(), "output"))
	v.SetDefault("pipeline.ingest_concurrency", 4)
	v.SetDefault("pipeline.disconnect_policy", DisconnectCancel)
	v.SetDefault("pipeline.coercion_threshold", 0.05)
	v.SetDefault("pipeline.row_tolerance", 0.5)
	v.SetDefault("pipeline.sample_rows", 20)

	v.SetDefault("notify.channels", []string{"log"})
	v.SetDefault("notify.webhook_url", "")

	v.SetDefault("log.file", filepath.Join(os.TempDir(), "sheetflow.log"))
	v.SetDefault("log.level", "INFO")
}

// Load reads configuration. An empty path searches the config directory and the
// working directory for sheetflow.yaml; a missing file is not an error then.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SHEETFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("sheetflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(ConfigDir())
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid value at once.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port: %d out of range", c.Server.Port))
	}
	if c.Server.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("server.heartbeat_interval: must be positive"))
	}
	if !slices.Contains([]string{BackendBolt, BackendSurrealDB}, c.Store.Backend) {
		errs = append(errs, fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend))
	}
	providers := []string{ProviderOllama, ProviderOpenAI, ProviderAnthropic, ProviderBedrock, ProviderNone}
	if !slices.Contains(providers, c.LLM.Provider) {
		errs = append(errs, fmt.Errorf("llm.provider: unknown provider %q", c.LLM.Provider))
	}
	if c.Pipeline.IngestConcurrency < 1 {
		errs = append(errs, errors.New("pipeline.ingest_concurrency: must be at least 1"))
	}
	if !slices.Contains([]string{DisconnectCancel, DisconnectContinue}, c.Pipeline.DisconnectPolicy) {
		errs = append(errs, fmt.Errorf("pipeline.disconnect_policy: unknown policy %q", c.Pipeline.DisconnectPolicy))
	}
	if c.Pipeline.CoercionThreshold < 0 || c.Pipeline.CoercionThreshold > 1 {
		errs = append(errs, errors.New("pipeline.coercion_threshold: must be within [0,1]"))
	}
	if slices.Contains(c.Notify.Channels, "webhook") && c.Notify.WebhookURL == "" {
		errs = append(errs, errors.New("notify.webhook_url: required when the webhook channel is enabled"))
	}
	return errors.Join(errs...)
}

// ConfigDir returns the user's sheetflow config directory.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "sheetflow")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sheetflow"
	}
	return filepath.Join(home, ".config", "sheetflow")
}

// DataDir returns the directory for the embedded store and output files.
func DataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "sheetflow")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sheetflow"
	}
	return filepath.Join(home, ".local", "share", "sheetflow")
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
