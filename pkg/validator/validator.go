// pkg/validator/validator.go
package validator

import (
	"fmt"
	"strings"
	"time"

	"github.com/David-Botos/txn-pipeline/pkg/converter"
	"github.com/David-Botos/txn-pipeline/pkg/model"
)

// Verdict is the outcome of validating one record
type Verdict struct {
	IsValid bool
	Errors  []model.FieldError
}

// Cleanable reports whether the record may be handed to the cleaner. Valid
// records are cleanable (normalization only); invalid records are cleanable
// only when every violation is a domain rule.
func (v Verdict) Cleanable() bool {
	for _, e := range v.Errors {
		if e.Rule != model.RuleDomain {
			return false
		}
	}
	return true
}

// Validator checks transaction records against schema and business rules
type Validator struct {
	schema     model.SchemaRules
	maxAge     time.Duration
	now        func() time.Time
	statuses   map[string]bool
	currencies map[string]bool
	negTypes   map[string]bool
}

// New creates a validator for a pipeline configuration
func New(cfg model.PipelineConfig) *Validator {
	return &Validator{
		schema:     cfg.Schema,
		maxAge:     time.Duration(cfg.Thresholds.MaxAgeDays) * 24 * time.Hour,
		now:        func() time.Time { return time.Now().UTC() },
		statuses:   toSet(cfg.Schema.AllowedStatuses, strings.ToLower),
		currencies: toSet(cfg.Schema.AllowedCurrencies, strings.ToUpper),
		negTypes:   toSet(cfg.Schema.NegativeBalanceTypes, strings.ToLower),
	}
}

// WithClock replaces the time source used for date rules
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}

// Validate checks one record. Rules run in a fixed order: required fields,
// type/format, referential (duplicates within the batch), domain. The record is
// not modified.
func (v *Validator) Validate(rec *model.Transaction, batch *BatchIndex) Verdict {
	var errs []model.FieldError

	for _, field := range v.schema.RequiredFields {
		if strings.TrimSpace(rec.Field(field)) == "" {
			errs = append(errs, model.FieldError{Field: field, Rule: model.RuleRequired, Message: "is required"})
		}
	}

	errs = append(errs, v.checkFormats(rec)...)

	if batch != nil {
		if first, ok := batch.FirstOccurrence(rec.TransactionID); ok && first != rec.RowNumber {
			errs = append(errs, model.FieldError{
				Field:   model.FieldTransactionID,
				Rule:    model.RuleReferential,
				Message: fmt.Sprintf("duplicate of row %d", first),
				Value:   rec.TransactionID,
			})
		}
	}

	errs = append(errs, v.checkDomain(rec)...)

	return Verdict{IsValid: len(errs) == 0, Errors: errs}
}

func (v *Validator) checkFormats(rec *model.Transaction) []model.FieldError {
	var errs []model.FieldError

	for _, field := range []string{model.FieldAmount, model.FieldBalance} {
		raw := strings.TrimSpace(rec.Field(field))
		if raw == "" {
			continue
		}
		if _, err := converter.ParseLenientAmount(raw); err != nil {
			errs = append(errs, model.FieldError{Field: field, Rule: model.RuleFormat, Message: "is not a numeric amount", Value: raw})
		}
	}

	if raw := strings.TrimSpace(rec.Date); raw != "" {
		if _, _, err := converter.ParseDate(raw); err != nil {
			errs = append(errs, model.FieldError{Field: model.FieldDate, Rule: model.RuleFormat, Message: "is not a recognized date", Value: raw})
		}
	}

	if raw := strings.TrimSpace(rec.Currency); raw != "" {
		if !isCurrencyCode(raw) || !v.currencies[strings.ToUpper(raw)] {
			errs = append(errs, model.FieldError{Field: model.FieldCurrency, Rule: model.RuleFormat, Message: "is not a known ISO currency code", Value: raw})
		}
	}

	return errs
}

func (v *Validator) checkDomain(rec *model.Transaction) []model.FieldError {
	var errs []model.FieldError

	if balance, err := converter.ParseLenientAmount(rec.Balance); err == nil && balance.IsNegative() {
		if !v.negTypes[strings.ToLower(strings.TrimSpace(rec.TransactionType))] {
			errs = append(errs, model.FieldError{
				Field:   model.FieldBalance,
				Rule:    model.RuleDomain,
				Message: "negative balance not permitted for transaction type",
				Value:   rec.Balance,
			})
		}
	}

	if amount, err := converter.ParseLenientAmount(rec.Amount); err == nil && amount.IsZero() {
		errs = append(errs, model.FieldError{Field: model.FieldAmount, Rule: model.RuleDomain, Message: "amount is zero", Value: rec.Amount})
	}

	if ts, _, err := converter.ParseDate(rec.Date); err == nil {
		now := v.now()
		switch {
		case ts.After(now):
			errs = append(errs, model.FieldError{Field: model.FieldDate, Rule: model.RuleDomain, Message: "date is in the future", Value: rec.Date})
		case v.maxAge > 0 && now.Sub(ts) > v.maxAge:
			errs = append(errs, model.FieldError{Field: model.FieldDate, Rule: model.RuleDomain, Message: "date is too old", Value: rec.Date})
		}
	}

	if status := rec.Status; strings.TrimSpace(status) != "" && !v.statuses[status] {
		errs = append(errs, model.FieldError{Field: model.FieldStatus, Rule: model.RuleDomain, Message: "status not in allowed set", Value: status})
	}

	return errs
}

func isCurrencyCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') {
			return false
		}
	}
	return true
}

func toSet(values []string, norm func(string) string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[norm(strings.TrimSpace(v))] = true
	}
	return set
}
