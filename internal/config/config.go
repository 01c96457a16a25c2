// Package config is the layered configuration surface for c3voit: TOML
// file + environment overlay + built-in defaults, decoded with
// viper/mapstructure, hot-reloadable via the fsnotify watcher.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// configPtr holds the current config for thread-safe access.
var configPtr atomic.Pointer[Config]

// loadedConfigFile stores the path of the config file used by the last
// successful Load.
var loadedConfigFile atomic.Value

// Get returns the current Config, defaulting to DefaultConfig() if nothing
// has been loaded yet. Safe for concurrent use.
func Get() *Config {
	if c := configPtr.Load(); c != nil {
		return c
	}
	d := DefaultConfig()
	configPtr.Store(d)
	return d
}

func set(cfg *Config) {
	configPtr.Store(cfg)
}

// Config is the top-level configuration for c3voit.
type Config struct {
	Server    ServerConfig              `mapstructure:"server"    toml:"server"`
	Providers map[string]ProviderConfig `mapstructure:"providers" toml:"providers"`
	C3        C3Config                  `mapstructure:"c3"        toml:"c3"`
	VoIT      VoITConfig                `mapstructure:"voit"      toml:"voit"`
	Pipeline  PipelineConfig            `mapstructure:"pipeline"  toml:"pipeline"`
	Timeouts  TimeoutsConfig            `mapstructure:"timeouts"  toml:"timeouts"`
	Validator ValidatorConfig           `mapstructure:"validator" toml:"validator"`
	Tracing   TracingConfig             `mapstructure:"tracing"   toml:"tracing"`
}

// ServerConfig holds process-wide settings: where persistent state lives and
// how verbosely the process logs.
type ServerConfig struct {
	DataDir  string `mapstructure:"data_dir"  toml:"data_dir"`
	LogLevel string `mapstructure:"log_level" toml:"log_level"`
}

// ProviderConfig describes one upstream LLM provider a ModelTier may call.
// KeyRef follows the keyring:// / env convention (see internal/vault),
// so API keys never sit in plaintext TOML.
type ProviderConfig struct {
	Name    string `mapstructure:"name"     toml:"name"`
	APIBase string `mapstructure:"api_base" toml:"api_base"`
	KeyRef  string `mapstructure:"key_ref"  toml:"key_ref"`
	Timeout int    `mapstructure:"timeout"  toml:"timeout"` // seconds
}

// TimeoutDuration returns the provider timeout as a time.Duration.
func (p ProviderConfig) TimeoutDuration() time.Duration {
	if p.Timeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(p.Timeout) * time.Second
}

// C3Config is the configuration surface for the conformal cache.
type C3Config struct {
	Delta              float64 `mapstructure:"delta"               toml:"delta"`
	KNeighbors         int     `mapstructure:"k_neighbors"         toml:"k_neighbors"`
	SimilarityFloor    float64 `mapstructure:"similarity_floor"    toml:"similarity_floor"`
	LambdaEdit         float64 `mapstructure:"lambda_edit"         toml:"lambda_edit"`
	CalibrationWindow  int     `mapstructure:"calibration_window"  toml:"calibration_window"`
	CalibrationNMin    int     `mapstructure:"calibration_n_min"   toml:"calibration_n_min"`
	CertificateHistory int     `mapstructure:"certificate_history" toml:"certificate_history"`
}

// TierConfig is one entry of voit.tiers: name, expected cost, prior quality.
type TierConfig struct {
	Name         string  `mapstructure:"name"          toml:"name"`
	ExpectedCost float64 `mapstructure:"expected_cost" toml:"expected_cost"`
	PriorQuality float64 `mapstructure:"prior_quality" toml:"prior_quality"`
}

// VoITConfig is the configuration surface for the model-selection
// orchestrator.
type VoITConfig struct {
	Tiers            []TierConfig `mapstructure:"tiers"             toml:"tiers"`
	EnsembleEnabled  bool         `mapstructure:"ensemble_enabled"  toml:"ensemble_enabled"`
	CacheOnShortfall float64      `mapstructure:"cache_on_shortfall_quality" toml:"cache_on_shortfall_quality"`
}

// PipelineConfig controls ExtractionPipeline-wide behavior.
type PipelineConfig struct {
	MaxConcurrencyPerPartition int `mapstructure:"max_concurrency_per_partition" toml:"max_concurrency_per_partition"`
}

// TimeoutsConfig is the per-collaborator timeout table.
type TimeoutsConfig struct {
	EmbeddingMs    int `mapstructure:"embedding_ms"     toml:"embedding_ms"`
	VectorQueryMs  int `mapstructure:"vector_query_ms"  toml:"vector_query_ms"`
	CacheReadMs    int `mapstructure:"cache_read_ms"    toml:"cache_read_ms"`
	CacheWriteMs   int `mapstructure:"cache_write_ms"   toml:"cache_write_ms"`
}

func (t TimeoutsConfig) Embedding() time.Duration   { return time.Duration(t.EmbeddingMs) * time.Millisecond }
func (t TimeoutsConfig) VectorQuery() time.Duration { return time.Duration(t.VectorQueryMs) * time.Millisecond }
func (t TimeoutsConfig) CacheRead() time.Duration   { return time.Duration(t.CacheReadMs) * time.Millisecond }
func (t TimeoutsConfig) CacheWrite() time.Duration  { return time.Duration(t.CacheWriteMs) * time.Millisecond }

// ValidatorConfig carries the version knob and the configuration-driven
// consistency predicates Validator enforces.
type ValidatorConfig struct {
	Version    int               `mapstructure:"version"    toml:"version"`
	Predicates []PredicateConfig `mapstructure:"predicates" toml:"predicates"`
}

// PredicateConfig is one cross-field consistency rule: Name names the
// predicate kind (validator package interprets it), Penalty is the
// multiplicative weight (0,1) applied to consistency when it fires.
type PredicateConfig struct {
	Name    string  `mapstructure:"name"    toml:"name"`
	Penalty float64 `mapstructure:"penalty" toml:"penalty"`
}

// TracingConfig controls OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"      toml:"enabled"`
	Exporter    string  `mapstructure:"exporter"     toml:"exporter"` // "stdout" or "otlp-grpc"
	Endpoint    string  `mapstructure:"endpoint"     toml:"endpoint"`
	ServiceName string  `mapstructure:"service_name" toml:"service_name"`
	SampleRate  float64 `mapstructure:"sample_rate"  toml:"sample_rate"`
	Insecure    bool    `mapstructure:"insecure"     toml:"insecure"`
}

// Load reads configuration from disk with the following precedence:
//  1. Environment variables (C3VOIT_ prefix, _ as separator)
//  2. The file at explicitPath if non-empty
//  3. ~/.c3voit/c3voit.toml
//  4. ./c3voit.toml
//  5. Built-in defaults
func Load(explicitPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	setViperDefaults(v)

	v.SetEnvPrefix("C3VOIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
	} else {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(homeDir, ".c3voit"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("c3voit")
	}

	if err := v.ReadInConfig(); err != nil {
		// An absent file is fine in both lookup modes: viper reports
		// ConfigFileNotFoundError for the search-path case and a plain
		// fs.ErrNotExist for an explicit path.
		_, searchMiss := err.(viper.ConfigFileNotFoundError)
		if !searchMiss && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if cf := v.ConfigFileUsed(); cf != "" {
		loadedConfigFile.Store(cf)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	)); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	cfg.Server.DataDir = expandHome(cfg.Server.DataDir)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	set(cfg)
	return cfg, nil
}

// InitConfig writes the default configuration file to ~/.c3voit/c3voit.toml.
// If the file already exists it is not overwritten.
func InitConfig() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("determining home directory: %w", err)
	}

	dir := filepath.Join(homeDir, ".c3voit")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	path := filepath.Join(dir, DefaultConfigFilename)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	cfg := DefaultConfig()
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling default config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// ConfigFilePath returns the path of the config file that was loaded, or
// empty if no file was found.
func ConfigFilePath() string {
	if v, ok := loadedConfigFile.Load().(string); ok {
		return v
	}
	return ""
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
