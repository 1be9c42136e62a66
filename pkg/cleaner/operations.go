// pkg/cleaner/operations.go
package cleaner

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/David-Botos/txn-pipeline/pkg/converter"
	"github.com/David-Botos/txn-pipeline/pkg/model"
)

var (
	identifierNoise  = regexp.MustCompile(`[^A-Za-z0-9_-]`)
	descriptionNoise = regexp.MustCompile(`[^\p{L}\p{N}_\s\-.,!?()]`)
	whitespaceRun    = regexp.MustCompile(`\s+`)
)

var statusSynonyms = map[string]string{
	"complete":   "completed",
	"success":    "completed",
	"successful": "completed",
	"approved":   "completed",
	"done":       "completed",
	"fail":       "failed",
	"failure":    "failed",
	"declined":   "failed",
	"rejected":   "failed",
	"cancel":     "cancelled",
	"canceled":   "cancelled",
	"process":    "processing",
	"pend":       "pending",
	"waiting":    "pending",
	"reverse":    "reversed",
	"reversal":   "reversed",
}

var typeSynonyms = map[string]string{
	"dep":      "deposit",
	"credit":   "deposit",
	"withdraw": "withdrawal",
	"debit":    "withdrawal",
	"xfer":     "transfer",
	"pay":      "payment",
	"purchase": "payment",
	"return":   "refund",
}

// changed builds an action when the value actually changes
func changed(field, action, from, to string) *model.CleaningAction {
	if from == to {
		return nil
	}
	return &model.CleaningAction{Field: field, Action: action, From: from, To: to}
}

func trimValue(field, value string, _ *model.Transaction) *model.CleaningAction {
	return changed(field, "trim", value, strings.TrimSpace(value))
}

// normalizeIdentifier strips characters outside [A-Za-z0-9_-] and upper-cases
func normalizeIdentifier(field, value string, _ *model.Transaction) *model.CleaningAction {
	if value == "" {
		return nil
	}
	cleaned := strings.ToUpper(identifierNoise.ReplaceAllString(strings.TrimSpace(value), ""))
	if cleaned == "" {
		// stripping everything would turn a present identifier into a missing one
		return nil
	}
	return changed(field, "normalize_identifier", value, cleaned)
}

// normalizeAmount rewrites a lenient amount ("$1,200.5", "(30)") to canonical form.
// The sign is preserved; unparseable values are left for the validator.
func normalizeAmount(field, value string, _ *model.Transaction) *model.CleaningAction {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	canonical, err := converter.CanonicalAmount(value)
	if err != nil {
		return nil
	}
	return changed(field, "normalize_amount", value, canonical)
}

func canonicalDate(field, value string, _ *model.Transaction) *model.CleaningAction {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	ts, _, err := converter.ParseDate(value)
	if err != nil {
		return nil
	}
	return changed(field, "canonical_date", value, converter.CanonicalDate(ts))
}

func mapSynonym(action string, synonyms map[string]string) func(string, string, *model.Transaction) *model.CleaningAction {
	return func(field, value string, _ *model.Transaction) *model.CleaningAction {
		if value == "" {
			return nil
		}
		norm := strings.ToLower(strings.TrimSpace(value))
		if mapped, ok := synonyms[norm]; ok {
			norm = mapped
		}
		return changed(field, action, value, norm)
	}
}

func upperCase(field, value string, _ *model.Transaction) *model.CleaningAction {
	return changed(field, "normalize_case", value, strings.ToUpper(value))
}

func collapseDescription(field, value string, _ *model.Transaction) *model.CleaningAction {
	if value == "" {
		return nil
	}
	cleaned := descriptionNoise.ReplaceAllString(value, "")
	cleaned = strings.TrimSpace(whitespaceRun.ReplaceAllString(cleaned, " "))
	return changed(field, "collapse_description", value, cleaned)
}

func impute(defaultValue string) func(string, string, *model.Transaction) *model.CleaningAction {
	return func(field, value string, _ *model.Transaction) *model.CleaningAction {
		if defaultValue == "" || strings.TrimSpace(value) != "" {
			return nil
		}
		return changed(field, "impute", value, defaultValue)
	}
}

// clampNegativeBalance raises a disallowed negative balance to zero and records
// the clamp; it never flips the sign.
func clampNegativeBalance(permittedTypes []string) func(string, string, *model.Transaction) *model.CleaningAction {
	permitted := make(map[string]bool, len(permittedTypes))
	for _, t := range permittedTypes {
		permitted[strings.ToLower(strings.TrimSpace(t))] = true
	}
	return func(field, value string, rec *model.Transaction) *model.CleaningAction {
		balance, err := converter.ParseLenientAmount(value)
		if err != nil || !balance.IsNegative() {
			return nil
		}
		if permitted[strings.ToLower(strings.TrimSpace(rec.TransactionType))] {
			return nil
		}
		return changed(field, "clamp", value, converter.FormatAmount(decimal.Zero))
	}
}
