// pkg/cleaner/cleaner.go
package cleaner

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/David-Botos/txn-pipeline/pkg/model"
	"github.com/David-Botos/txn-pipeline/pkg/validator"
)

// Result is a cleaned copy of a record and the actions applied to produce it
type Result struct {
	Record  model.Transaction
	Actions []model.CleaningAction
	// Err is set when the record could not be repaired
	Err error
}

// DataCleaner applies the configured cleaning rules to transaction records
type DataCleaner struct {
	cfg    model.PipelineConfig
	logger *zap.Logger
}

// NewDataCleaner creates a new DataCleaner instance
func NewDataCleaner(cfg model.PipelineConfig, logger *zap.Logger) (*DataCleaner, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	for _, r := range cfg.CleaningRules {
		if !r.Valid() {
			return nil, fmt.Errorf("unknown cleaning rule %q", r)
		}
	}
	return &DataCleaner{cfg: cfg, logger: logger}, nil
}

// Clean returns a possibly-mutated copy of rec. A record whose verdict is not
// cleanable is returned unchanged with no actions and an ErrCleaningUnrepairable.
// Re-cleaning an already-cleaned record yields no further actions.
func (c *DataCleaner) Clean(rec model.Transaction, verdict validator.Verdict) (Result, error) {
	if !verdict.Cleanable() {
		return Result{Record: rec}, fmt.Errorf("%w: row %d has %s violations",
			model.ErrCleaningUnrepairable, rec.RowNumber, blockingRules(verdict))
	}

	out := rec.Clone()
	var actions []model.CleaningAction

	for _, rule := range model.AllCleaningRules() {
		if !c.cfg.HasRule(rule) {
			continue
		}
		for _, op := range c.operationsFor(rule) {
			action, err := applyOperation(&out, op)
			if err != nil {
				return Result{Record: rec}, fmt.Errorf("row %d rule %s: %w", rec.RowNumber, rule, err)
			}
			if action != nil {
				actions = append(actions, *action)
			}
		}
	}

	if len(actions) == 0 {
		return Result{Record: out}, nil
	}

	if out.OriginalValues == nil {
		out.OriginalValues = make(map[string]string)
	}
	for _, a := range actions {
		// keep the earliest pre-cleaning value of each field
		if _, seen := out.OriginalValues[a.Field]; !seen {
			out.OriginalValues[a.Field] = a.From
		}
	}
	out.CleaningActions = append(out.CleaningActions, actions...)
	out.WasCleaned = true

	c.logger.Debug("Cleaned row",
		zap.Int("row", rec.RowNumber),
		zap.String("transaction_id", out.TransactionID),
		zap.Int("actions", len(actions)))

	return Result{Record: out, Actions: actions}, nil
}

// CleanRows cleans a batch of rows sequentially. Unrepairable rows are kept
// unchanged, counted, and carry their error in Result.Err; any other error
// stops the batch.
func (c *DataCleaner) CleanRows(rows []model.Transaction, verdicts []validator.Verdict) ([]Result, int, error) {
	if len(rows) != len(verdicts) {
		return nil, 0, fmt.Errorf("got %d rows but %d verdicts", len(rows), len(verdicts))
	}
	results := make([]Result, 0, len(rows))
	unrepairable := 0
	for i, row := range rows {
		res, err := c.Clean(row, verdicts[i])
		if errors.Is(err, model.ErrCleaningUnrepairable) {
			unrepairable++
			res.Err = err
		} else if err != nil {
			return nil, unrepairable, err
		}
		results = append(results, res)
	}
	return results, unrepairable, nil
}

type fieldOperation struct {
	field string
	apply func(field, value string, rec *model.Transaction) *model.CleaningAction
}

// applyOperation runs op against rec and writes the new value back
func applyOperation(rec *model.Transaction, op fieldOperation) (*model.CleaningAction, error) {
	action := op.apply(op.field, rec.Field(op.field), rec)
	if action == nil {
		return nil, nil
	}
	if err := rec.SetField(op.field, action.To); err != nil {
		return nil, err
	}
	return action, nil
}

func (c *DataCleaner) operationsFor(rule model.CleaningRule) []fieldOperation {
	schema := c.cfg.Schema
	switch rule {
	case model.RuleTrimStrings:
		ops := make([]fieldOperation, 0, len(model.Columns()))
		for _, f := range model.Columns() {
			ops = append(ops, fieldOperation{f, trimValue})
		}
		return ops
	case model.RuleNormalizeIdentifiers:
		return []fieldOperation{
			{model.FieldTransactionID, normalizeIdentifier},
			{model.FieldCustomerID, normalizeIdentifier},
			{model.FieldAccountNumber, normalizeIdentifier},
		}
	case model.RuleNormalizeAmounts:
		return []fieldOperation{
			{model.FieldAmount, normalizeAmount},
			{model.FieldBalance, normalizeAmount},
		}
	case model.RuleCanonicalDates:
		return []fieldOperation{{model.FieldDate, canonicalDate}}
	case model.RuleNormalizeStatus:
		return []fieldOperation{{model.FieldStatus, mapSynonym("normalize_status", statusSynonyms)}}
	case model.RuleNormalizeType:
		return []fieldOperation{{model.FieldTransactionType, mapSynonym("normalize_type", typeSynonyms)}}
	case model.RuleNormalizeCurrency:
		return []fieldOperation{{model.FieldCurrency, upperCase}}
	case model.RuleCollapseDescription:
		return []fieldOperation{{model.FieldDescription, collapseDescription}}
	case model.RuleImputeDefaults:
		return []fieldOperation{
			{model.FieldCurrency, impute(schema.DefaultCurrency)},
			{model.FieldDescription, impute(schema.DefaultDescription)},
			{model.FieldTransactionType, impute(schema.DefaultType)},
			{model.FieldCategory, impute(schema.DefaultCategory)},
		}
	case model.RuleClampNegativeBalance:
		return []fieldOperation{{model.FieldBalance, clampNegativeBalance(schema.NegativeBalanceTypes)}}
	default:
		return nil
	}
}

func blockingRules(v validator.Verdict) string {
	seen := make(map[model.RuleKind]bool)
	var kinds []string
	for _, e := range v.Errors {
		if e.Rule != model.RuleDomain && !seen[e.Rule] {
			seen[e.Rule] = true
			kinds = append(kinds, e.Rule.String())
		}
	}
	return strings.Join(kinds, ",")
}
