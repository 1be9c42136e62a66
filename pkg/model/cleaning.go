// pkg/model/cleaning.go
package model

import "fmt"

// CleaningAction records a single mutation applied to a field by the cleaner
type CleaningAction struct {
	Field  string `json:"field"`  // Column that was cleaned
	Action string `json:"action"` // Rule that fired (e.g., "trim", "canonical_date")
	From   string `json:"from"`   // Value before the mutation
	To     string `json:"to"`     // Value after the mutation
}

func (a CleaningAction) String() string {
	return fmt.Sprintf("%s(%s): %q -> %q", a.Action, a.Field, a.From, a.To)
}

// CleaningRule is one member of the enumerated cleaning rule set
type CleaningRule string

const (
	RuleTrimStrings          CleaningRule = "trim_strings"
	RuleNormalizeIdentifiers CleaningRule = "normalize_identifiers"
	RuleNormalizeAmounts     CleaningRule = "normalize_amounts"
	RuleCanonicalDates       CleaningRule = "canonical_dates"
	RuleNormalizeStatus      CleaningRule = "normalize_status"
	RuleNormalizeType        CleaningRule = "normalize_type"
	RuleNormalizeCurrency    CleaningRule = "normalize_currency"
	RuleCollapseDescription  CleaningRule = "collapse_description"
	RuleImputeDefaults       CleaningRule = "impute_defaults"
	RuleClampNegativeBalance CleaningRule = "clamp_negative_balance"
)

// AllCleaningRules lists every rule in the order the cleaner applies them
func AllCleaningRules() []CleaningRule {
	return []CleaningRule{
		RuleTrimStrings,
		RuleNormalizeIdentifiers,
		RuleNormalizeAmounts,
		RuleCanonicalDates,
		RuleNormalizeStatus,
		RuleNormalizeType,
		RuleNormalizeCurrency,
		RuleCollapseDescription,
		RuleImputeDefaults,
		RuleClampNegativeBalance,
	}
}

// Valid reports whether r is a known rule
func (r CleaningRule) Valid() bool {
	for _, known := range AllCleaningRules() {
		if r == known {
			return true
		}
	}
	return false
}
