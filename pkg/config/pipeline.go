// pkg/config/pipeline.go
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/David-Botos/txn-pipeline/pkg/model"
)

const (
	pipelineEnvPrefix  = "PIPELINE_"
	maxPipelineFileLen = 1 << 20
)

// LoadPipelineConfig returns the dataset pipeline defaults: the built-in
// defaults, overlaid by the YAML file at path (if any), overlaid by PIPELINE_
// environment variables. Nested keys use a double underscore:
//
//	PIPELINE_ANOMALY_THRESHOLDS__OUTLIER_STD_DEVS -> anomaly_thresholds.outlier_std_devs
//
// PIPELINE_CLEANING_RULES is a comma-separated list.
func LoadPipelineConfig(path string) (model.PipelineConfig, error) {
	cfg := model.DefaultPipelineConfig()
	k := koanf.New(".")

	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read pipeline config %s: %w", path, err)
		}
		if len(content) > maxPipelineFileLen {
			return cfg, fmt.Errorf("pipeline config %s exceeds %d bytes", path, maxPipelineFileLen)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return cfg, fmt.Errorf("failed to parse pipeline config %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(pipelineEnvPrefix, ".", func(s, v string) (string, interface{}) {
		key := strings.ToLower(strings.TrimPrefix(s, pipelineEnvPrefix))
		if v == "" || key == "cleaning_rules" {
			// blank means unset; list values are split below
			return "", nil
		}
		return strings.ReplaceAll(key, "__", "."), v
	}), nil); err != nil {
		return cfg, fmt.Errorf("failed to load pipeline environment: %w", err)
	}

	// lists given in the file replace the defaults instead of merging into them
	for key, list := range map[string]*[]string{
		"schema.required_fields":        &cfg.Schema.RequiredFields,
		"schema.downstream_fields":      &cfg.Schema.DownstreamFields,
		"schema.allowed_statuses":       &cfg.Schema.AllowedStatuses,
		"schema.allowed_currencies":     &cfg.Schema.AllowedCurrencies,
		"schema.negative_balance_types": &cfg.Schema.NegativeBalanceTypes,
		"review.auto_ignore_kinds":      &cfg.Review.AutoIgnoreKinds,
	} {
		if k.Exists(key) {
			*list = nil
		}
	}
	if k.Exists("cleaning_rules") {
		cfg.CleaningRules = nil
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, fmt.Errorf("failed to unmarshal pipeline config: %w", err)
	}

	if rules := getEnvAsStringSlice(pipelineEnvPrefix+"CLEANING_RULES", nil); rules != nil {
		cfg.CleaningRules = make([]model.CleaningRule, 0, len(rules))
		for _, r := range rules {
			cfg.CleaningRules = append(cfg.CleaningRules, model.CleaningRule(strings.ToLower(r)))
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("pipeline config validation failed: %w", err)
	}
	return cfg, nil
}
