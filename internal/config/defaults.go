package config

import "github.com/spf13/viper"

// DefaultDataDir is the default data directory (before tilde expansion).
const DefaultDataDir = "~/.c3voit"

// DefaultConfigFilename is the name of the config file.
const DefaultConfigFilename = "c3voit.toml"

// DefaultLogLevel is the default log level.
const DefaultLogLevel = "info"

// C³ defaults.
const (
	DefaultDelta              = 0.01
	DefaultKNeighbors         = 8
	DefaultSimilarityFloor    = 0.88
	DefaultLambdaEdit         = 0.25
	DefaultCalibrationWindow  = 1000
	DefaultCalibrationNMin    = 100
	DefaultCertificateHistory = 20
)

// VoIT defaults: ensemble switch and the shortfall caching threshold.
const (
	DefaultEnsembleEnabled         = true
	DefaultCacheOnShortfallQuality = 0.5
)

// DefaultTiers are the initial priors:
// q̂(nano)=0.55, q̂(mini)=0.80, q̂(full)=0.92, q̂(ensemble)=0.96".
// Costs are effort units, not USD — this module defines no pricing
// semantics of its own, only the contract by which
// VoIT compares a tier's expected cost against the request's budget.
var DefaultTiers = []TierConfig{
	{Name: "nano", ExpectedCost: 0.05, PriorQuality: 0.55},
	{Name: "mini", ExpectedCost: 0.15, PriorQuality: 0.80},
	{Name: "full", ExpectedCost: 0.60, PriorQuality: 0.92},
	{Name: "ensemble", ExpectedCost: 0.90, PriorQuality: 0.96},
}

// Pipeline defaults.
const DefaultMaxConcurrencyPerPartition = 64

// Timeout defaults.
const (
	DefaultEmbeddingMs   = 1000
	DefaultVectorQueryMs = 200
	DefaultCacheReadMs   = 100
	DefaultCacheWriteMs  = 500
)

// Validator defaults.
const DefaultValidatorVersion = 1

// Tracing defaults.
const (
	DefaultTracingExporter    = "stdout"
	DefaultTracingEndpoint    = "localhost:4317"
	DefaultTracingServiceName = "c3voit"
	DefaultTracingSampleRate  = 1.0
)

// ValidLogLevels lists the allowed log level values.
var ValidLogLevels = []string{"trace", "debug", "info", "warn", "error", "fatal"}

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	tiers := make([]TierConfig, len(DefaultTiers))
	copy(tiers, DefaultTiers)

	return &Config{
		Server: ServerConfig{
			DataDir:  DefaultDataDir,
			LogLevel: DefaultLogLevel,
		},
		Providers: map[string]ProviderConfig{
			"anthropic": {
				Name:    "Anthropic",
				APIBase: "https://api.anthropic.com",
				KeyRef:  "keyring://c3voit/anthropic",
				Timeout: 30,
			},
			"openai": {
				Name:    "OpenAI",
				APIBase: "https://api.openai.com",
				KeyRef:  "keyring://c3voit/openai",
				Timeout: 30,
			},
		},
		C3: C3Config{
			Delta:              DefaultDelta,
			KNeighbors:         DefaultKNeighbors,
			SimilarityFloor:    DefaultSimilarityFloor,
			LambdaEdit:         DefaultLambdaEdit,
			CalibrationWindow:  DefaultCalibrationWindow,
			CalibrationNMin:    DefaultCalibrationNMin,
			CertificateHistory: DefaultCertificateHistory,
		},
		VoIT: VoITConfig{
			Tiers:            tiers,
			EnsembleEnabled:  DefaultEnsembleEnabled,
			CacheOnShortfall: DefaultCacheOnShortfallQuality,
		},
		Pipeline: PipelineConfig{
			MaxConcurrencyPerPartition: DefaultMaxConcurrencyPerPartition,
		},
		Timeouts: TimeoutsConfig{
			EmbeddingMs:   DefaultEmbeddingMs,
			VectorQueryMs: DefaultVectorQueryMs,
			CacheReadMs:   DefaultCacheReadMs,
			CacheWriteMs:  DefaultCacheWriteMs,
		},
		Validator: ValidatorConfig{
			Version: DefaultValidatorVersion,
			Predicates: []PredicateConfig{
				{Name: "company_requires_name", Penalty: 0.8},
			},
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    DefaultTracingExporter,
			Endpoint:    DefaultTracingEndpoint,
			ServiceName: DefaultTracingServiceName,
			SampleRate:  DefaultTracingSampleRate,
			Insecure:    false,
		},
	}
}

// setViperDefaults registers every known key with viper so env var binding
// works for all fields even when no config file is present.
func setViperDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("server.data_dir", d.Server.DataDir)
	v.SetDefault("server.log_level", d.Server.LogLevel)

	v.SetDefault("c3.delta", d.C3.Delta)
	v.SetDefault("c3.k_neighbors", d.C3.KNeighbors)
	v.SetDefault("c3.similarity_floor", d.C3.SimilarityFloor)
	v.SetDefault("c3.lambda_edit", d.C3.LambdaEdit)
	v.SetDefault("c3.calibration_window", d.C3.CalibrationWindow)
	v.SetDefault("c3.calibration_n_min", d.C3.CalibrationNMin)
	v.SetDefault("c3.certificate_history", d.C3.CertificateHistory)

	v.SetDefault("voit.ensemble_enabled", d.VoIT.EnsembleEnabled)
	v.SetDefault("voit.cache_on_shortfall_quality", d.VoIT.CacheOnShortfall)

	v.SetDefault("pipeline.max_concurrency_per_partition", d.Pipeline.MaxConcurrencyPerPartition)

	v.SetDefault("timeouts.embedding_ms", d.Timeouts.EmbeddingMs)
	v.SetDefault("timeouts.vector_query_ms", d.Timeouts.VectorQueryMs)
	v.SetDefault("timeouts.cache_read_ms", d.Timeouts.CacheReadMs)
	v.SetDefault("timeouts.cache_write_ms", d.Timeouts.CacheWriteMs)

	v.SetDefault("validator.version", d.Validator.Version)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
}
