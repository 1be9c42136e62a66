// pkg/anomaly/keyword.go
package anomaly

import (
	"context"
	"strings"

	"github.com/David-Botos/txn-pipeline/pkg/converter"
	"github.com/David-Botos/txn-pipeline/pkg/model"
)

type keywordRule struct {
	keywords []string
	applies  func(rec model.Transaction) bool
	message  string
}

// KeywordDetector flags descriptions that contradict the transaction's type or sign
type KeywordDetector struct {
	rules []keywordRule
}

// NewKeywordDetector creates the rule-based detector variant
func NewKeywordDetector() *KeywordDetector {
	return &KeywordDetector{rules: []keywordRule{
		{
			keywords: []string{"refund", "reversal", "chargeback"},
			applies:  typeIn("payment", "withdrawal", "fee"),
			message:  "description mentions a refund but the transaction is a debit type",
		},
		{
			keywords: []string{"salary", "payroll", "paycheck"},
			applies:  negativeAmount,
			message:  "description mentions incoming pay but the amount is negative",
		},
		{
			keywords: []string{"atm", "cash withdrawal"},
			applies:  typeIn("deposit"),
			message:  "description mentions a withdrawal but the transaction is a deposit",
		},
	}}
}

func (d *KeywordDetector) Name() string { return "keyword-rules" }

func (d *KeywordDetector) Classify(ctx context.Context, rec model.Transaction, _ []model.Transaction) (*Verdict, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	desc := strings.ToLower(rec.Description)
	for _, rule := range d.rules {
		if !rule.applies(rec) {
			continue
		}
		for _, kw := range rule.keywords {
			if strings.Contains(desc, kw) {
				return &Verdict{
					Type:        model.AnomalySemanticInconsistency,
					Severity:    model.SeverityMedium,
					Confidence:  0.8,
					Explanation: rule.message,
				}, nil
			}
		}
	}
	return nil, nil
}

func typeIn(types ...string) func(model.Transaction) bool {
	return func(rec model.Transaction) bool {
		t := strings.ToLower(strings.TrimSpace(rec.TransactionType))
		for _, candidate := range types {
			if t == candidate {
				return true
			}
		}
		return false
	}
}

func negativeAmount(rec model.Transaction) bool {
	amount, err := converter.ParseLenientAmount(rec.Amount)
	return err == nil && amount.IsNegative()
}
