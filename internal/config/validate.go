package config

import (
	"fmt"
	"strings"
)

// validate checks the Config for invalid or out-of-range values.
// It returns a combined error if any checks fail.
func validate(cfg *Config) error {
	var errs []string

	if !isValidEnum(cfg.Server.LogLevel, ValidLogLevels) {
		errs = append(errs, fmt.Sprintf("server.log_level must be one of %v, got %q", ValidLogLevels, cfg.Server.LogLevel))
	}
	if cfg.Server.DataDir == "" {
		errs = append(errs, "server.data_dir must not be empty")
	}

	for name, p := range cfg.Providers {
		if p.APIBase == "" {
			errs = append(errs, fmt.Sprintf("providers.%s.api_base must not be empty", name))
		}
		if p.Timeout < 0 {
			errs = append(errs, fmt.Sprintf("providers.%s.timeout must be non-negative", name))
		}
	}

	// C³ validation: parameter ranges.
	if cfg.C3.Delta <= 0 || cfg.C3.Delta >= 1 {
		errs = append(errs, fmt.Sprintf("c3.delta must be in (0,1), got %v", cfg.C3.Delta))
	}
	if cfg.C3.KNeighbors < 1 {
		errs = append(errs, fmt.Sprintf("c3.k_neighbors must be at least 1, got %d", cfg.C3.KNeighbors))
	}
	if cfg.C3.SimilarityFloor < 0 || cfg.C3.SimilarityFloor > 1 {
		errs = append(errs, fmt.Sprintf("c3.similarity_floor must be in [0,1], got %v", cfg.C3.SimilarityFloor))
	}
	if cfg.C3.LambdaEdit < 0 {
		errs = append(errs, fmt.Sprintf("c3.lambda_edit must be non-negative, got %v", cfg.C3.LambdaEdit))
	}
	if cfg.C3.CalibrationWindow < 1 {
		errs = append(errs, fmt.Sprintf("c3.calibration_window must be at least 1, got %d", cfg.C3.CalibrationWindow))
	}
	if cfg.C3.CalibrationNMin < 0 {
		errs = append(errs, fmt.Sprintf("c3.calibration_n_min must be non-negative, got %d", cfg.C3.CalibrationNMin))
	}

	// VoIT validation.
	if len(cfg.VoIT.Tiers) == 0 {
		errs = append(errs, "voit.tiers must not be empty")
	}
	for i := 1; i < len(cfg.VoIT.Tiers); i++ {
		if cfg.VoIT.Tiers[i].ExpectedCost < cfg.VoIT.Tiers[i-1].ExpectedCost {
			errs = append(errs, fmt.Sprintf("voit.tiers must be ordered by ascending expected_cost; tier %q costs less than tier %q",
				cfg.VoIT.Tiers[i].Name, cfg.VoIT.Tiers[i-1].Name))
		}
	}
	for _, t := range cfg.VoIT.Tiers {
		if t.PriorQuality < 0 || t.PriorQuality > 1 {
			errs = append(errs, fmt.Sprintf("voit.tiers[%q].prior_quality must be in [0,1], got %v", t.Name, t.PriorQuality))
		}
		if t.ExpectedCost < 0 {
			errs = append(errs, fmt.Sprintf("voit.tiers[%q].expected_cost must be non-negative, got %v", t.Name, t.ExpectedCost))
		}
	}
	if cfg.VoIT.CacheOnShortfall < 0 || cfg.VoIT.CacheOnShortfall > 1 {
		errs = append(errs, fmt.Sprintf("voit.cache_on_shortfall_quality must be in [0,1], got %v", cfg.VoIT.CacheOnShortfall))
	}

	if cfg.Pipeline.MaxConcurrencyPerPartition < 1 {
		errs = append(errs, fmt.Sprintf("pipeline.max_concurrency_per_partition must be at least 1, got %d", cfg.Pipeline.MaxConcurrencyPerPartition))
	}

	for _, ms := range []int{cfg.Timeouts.EmbeddingMs, cfg.Timeouts.VectorQueryMs, cfg.Timeouts.CacheReadMs, cfg.Timeouts.CacheWriteMs} {
		if ms < 0 {
			errs = append(errs, "timeouts.* must be non-negative")
			break
		}
	}

	if cfg.Validator.Version < 1 {
		errs = append(errs, fmt.Sprintf("validator.version must be at least 1, got %d", cfg.Validator.Version))
	}
	for _, p := range cfg.Validator.Predicates {
		if p.Penalty <= 0 || p.Penalty >= 1 {
			errs = append(errs, fmt.Sprintf("validator.predicates[%q].penalty must be in (0,1), got %v", p.Name, p.Penalty))
		}
	}

	if cfg.Tracing.Enabled {
		validExporters := []string{"stdout", "otlp-grpc"}
		if !isValidEnum(cfg.Tracing.Exporter, validExporters) {
			errs = append(errs, fmt.Sprintf("tracing.exporter must be one of %v, got %q", validExporters, cfg.Tracing.Exporter))
		}
		if cfg.Tracing.ServiceName == "" {
			errs = append(errs, "tracing.service_name must not be empty when tracing is enabled")
		}
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Sprintf("tracing.sample_rate must be between 0 and 1, got %f", cfg.Tracing.SampleRate))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// isValidEnum returns true if val is in the allowed list (case-insensitive).
func isValidEnum(val string, allowed []string) bool {
	lower := strings.ToLower(val)
	for _, a := range allowed {
		if strings.ToLower(a) == lower {
			return true
		}
	}
	return false
}
