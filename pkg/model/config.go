// pkg/model/config.go
package model

import (
	"errors"
	"fmt"
)

// PipelineConfig is the per-dataset configuration blob consumed by the engine
type PipelineConfig struct {
	AutoProcess     bool              `json:"auto_process" koanf:"auto_process"`
	CleaningRules   []CleaningRule    `json:"cleaning_rules" koanf:"cleaning_rules"`
	Thresholds      AnomalyThresholds `json:"anomaly_thresholds" koanf:"anomaly_thresholds"`
	DetectorEnabled bool              `json:"detector_enabled" koanf:"detector_enabled"`
	Schema          SchemaRules       `json:"schema" koanf:"schema"`
	Review          ReviewPolicy      `json:"review" koanf:"review"`
}

// AnomalyThresholds are the per-kind numeric thresholds of the classifier
type AnomalyThresholds struct {
	// SuspiciousAmountCeiling flags any absolute amount above it
	SuspiciousAmountCeiling float64 `json:"suspicious_amount_ceiling" koanf:"suspicious_amount_ceiling"`
	// CustomerAverageMultiple flags amounts above this multiple of the customer's other transactions
	CustomerAverageMultiple float64 `json:"customer_average_multiple" koanf:"customer_average_multiple"`
	// MinCustomerHistory is the number of other transactions needed before the average applies
	MinCustomerHistory int `json:"min_customer_history" koanf:"min_customer_history"`
	// OutlierStdDevs is the column z-score bound
	OutlierStdDevs float64 `json:"outlier_std_devs" koanf:"outlier_std_devs"`
	// ModelMinConfidence drops model verdicts below it
	ModelMinConfidence float64 `json:"model_min_confidence" koanf:"model_min_confidence"`
	// ModelSampleLimit caps model calls per run; zero means no cap
	ModelSampleLimit int `json:"model_sample_limit" koanf:"model_sample_limit"`
	// MaxAgeDays is how far in the past a date may be
	MaxAgeDays int `json:"max_age_days" koanf:"max_age_days"`
}

// SchemaRules configure the validator and the cleaner's imputation defaults
type SchemaRules struct {
	RequiredFields       []string `json:"required_fields" koanf:"required_fields"`
	DownstreamFields     []string `json:"downstream_fields" koanf:"downstream_fields"`
	AllowedStatuses      []string `json:"allowed_statuses" koanf:"allowed_statuses"`
	AllowedCurrencies    []string `json:"allowed_currencies" koanf:"allowed_currencies"`
	NegativeBalanceTypes []string `json:"negative_balance_types" koanf:"negative_balance_types"`
	DefaultCurrency      string   `json:"default_currency" koanf:"default_currency"`
	DefaultDescription   string   `json:"default_description" koanf:"default_description"`
	DefaultType          string   `json:"default_type" koanf:"default_type"`
	DefaultCategory      string   `json:"default_category" koanf:"default_category"`
}

// ReviewPolicy drives automatic resolution in the review stage
type ReviewPolicy struct {
	AutoIgnoreKinds []string `json:"auto_ignore_kinds" koanf:"auto_ignore_kinds"`
	// AutoIgnoreMaxSeverity bounds which anomalies may be auto-ignored
	AutoIgnoreMaxSeverity string `json:"auto_ignore_max_severity" koanf:"auto_ignore_max_severity"`
}

// DefaultPipelineConfig returns the reference defaults
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		AutoProcess: true,
		CleaningRules: []CleaningRule{
			RuleTrimStrings,
			RuleNormalizeIdentifiers,
			RuleNormalizeAmounts,
			RuleCanonicalDates,
			RuleNormalizeStatus,
			RuleNormalizeType,
			RuleNormalizeCurrency,
			RuleCollapseDescription,
			RuleImputeDefaults,
		},
		Thresholds: AnomalyThresholds{
			SuspiciousAmountCeiling: 1_000_000,
			CustomerAverageMultiple: 5,
			MinCustomerHistory:      3,
			OutlierStdDevs:          3,
			ModelMinConfidence:      0.75,
			ModelSampleLimit:        100,
			MaxAgeDays:              3650,
		},
		DetectorEnabled: false,
		Schema: SchemaRules{
			RequiredFields:       []string{FieldTransactionID, FieldCustomerID, FieldAmount, FieldDate, FieldStatus},
			DownstreamFields:     []string{FieldTransactionType, FieldCurrency},
			AllowedStatuses:      []string{"completed", "pending", "failed", "cancelled", "processing", "reversed"},
			AllowedCurrencies:    []string{"USD", "EUR", "GBP", "JPY", "CAD", "AUD", "CHF", "CNY", "INR", "MXN", "BRL", "ZAR", "SEK", "NOK", "DKK", "SGD", "HKD", "NZD"},
			NegativeBalanceTypes: []string{"overdraft", "loan", "credit_line"},
			DefaultCurrency:      "USD",
			DefaultDescription:   "No description",
			DefaultType:          "unknown",
		},
		Review: ReviewPolicy{
			AutoIgnoreMaxSeverity: SeverityLow.String(),
		},
	}
}

// HasRule reports whether a cleaning rule is enabled
func (c PipelineConfig) HasRule(r CleaningRule) bool {
	for _, enabled := range c.CleaningRules {
		if enabled == r {
			return true
		}
	}
	return false
}

// Validate checks the configuration is usable
func (c PipelineConfig) Validate() error {
	for _, r := range c.CleaningRules {
		if !r.Valid() {
			return fmt.Errorf("unknown cleaning rule %q", r)
		}
	}
	t := c.Thresholds
	if t.SuspiciousAmountCeiling <= 0 {
		return errors.New("suspicious amount ceiling must be positive")
	}
	if t.CustomerAverageMultiple <= 1 {
		return errors.New("customer average multiple must be greater than 1")
	}
	if t.OutlierStdDevs <= 0 {
		return errors.New("outlier std dev bound must be positive")
	}
	if err := ValidateConfidence(t.ModelMinConfidence); err != nil {
		return fmt.Errorf("model min confidence: %w", err)
	}
	if t.ModelSampleLimit < 0 || t.MinCustomerHistory < 0 || t.MaxAgeDays < 0 {
		return errors.New("anomaly thresholds cannot be negative")
	}
	if len(c.Schema.RequiredFields) == 0 {
		return errors.New("at least one required field must be configured")
	}
	scratch := &Transaction{}
	for _, f := range append(append([]string(nil), c.Schema.RequiredFields...), c.Schema.DownstreamFields...) {
		if err := scratch.SetField(f, ""); err != nil {
			return err
		}
	}
	for _, k := range c.Review.AutoIgnoreKinds {
		if _, err := ParseAnomalyType(k); err != nil {
			return err
		}
	}
	if c.Review.AutoIgnoreMaxSeverity != "" {
		if _, err := ParseSeverity(c.Review.AutoIgnoreMaxSeverity); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy
func (c PipelineConfig) Clone() PipelineConfig {
	out := c
	out.CleaningRules = append([]CleaningRule(nil), c.CleaningRules...)
	out.Schema.RequiredFields = append([]string(nil), c.Schema.RequiredFields...)
	out.Schema.DownstreamFields = append([]string(nil), c.Schema.DownstreamFields...)
	out.Schema.AllowedStatuses = append([]string(nil), c.Schema.AllowedStatuses...)
	out.Schema.AllowedCurrencies = append([]string(nil), c.Schema.AllowedCurrencies...)
	out.Schema.NegativeBalanceTypes = append([]string(nil), c.Schema.NegativeBalanceTypes...)
	out.Review.AutoIgnoreKinds = append([]string(nil), c.Review.AutoIgnoreKinds...)
	return out
}
