// pkg/anomaly/rules.go
package anomaly

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/David-Botos/txn-pipeline/pkg/converter"
	"github.com/David-Botos/txn-pipeline/pkg/model"
)

// finding is an anomaly candidate before identity and severity are assigned
type finding struct {
	kind        model.AnomalyType
	candidate   *model.Severity
	confidence  float64
	field       string
	original    string
	expected    string
	description string
	context     map[string]string
}

func severityPtr(s model.Severity) *model.Severity { return &s }

// rowRules is the per-row part of the deterministic pass. It reads only rec.
func (c *Classifier) rowRules(rec *model.Transaction) []finding {
	var out []finding
	t := c.cfg.Thresholds

	if balance, err := converter.ParseLenientAmount(rec.Balance); err == nil && balance.IsNegative() &&
		!c.negTypes[strings.ToLower(strings.TrimSpace(rec.TransactionType))] {
		out = append(out, finding{
			kind:        model.AnomalyNegativeBalance,
			confidence:  0.95,
			field:       model.FieldBalance,
			original:    rec.Balance,
			expected:    ">= 0",
			description: fmt.Sprintf("negative balance %s on %q transaction", rec.Balance, rec.TransactionType),
		})
	}

	if amount, err := converter.ParseLenientAmount(rec.Amount); err == nil {
		ceiling := decimal.NewFromFloat(t.SuspiciousAmountCeiling)
		switch abs := amount.Abs(); {
		case abs.GreaterThan(ceiling):
			f := finding{
				kind:        model.AnomalySuspiciousAmount,
				confidence:  0.8,
				field:       model.FieldAmount,
				original:    rec.Amount,
				expected:    "<= " + converter.FormatAmount(ceiling),
				description: fmt.Sprintf("amount %s exceeds ceiling %s", rec.Amount, converter.FormatAmount(ceiling)),
			}
			if abs.GreaterThan(ceiling.Mul(decimal.NewFromInt(10))) {
				f.candidate = severityPtr(model.SeverityHigh)
			}
			out = append(out, f)
		case abs.IsZero():
			out = append(out, finding{
				kind:        model.AnomalySuspiciousAmount,
				candidate:   severityPtr(model.SeverityLow),
				confidence:  0.7,
				field:       model.FieldAmount,
				original:    rec.Amount,
				description: "transaction amount is zero",
			})
		}

		if amount.IsNegative() && typeIn("deposit", "refund")(*rec) {
			out = append(out, finding{
				kind:        model.AnomalyStatusMismatch,
				confidence:  0.9,
				field:       model.FieldTransactionType,
				original:    rec.TransactionType,
				description: fmt.Sprintf("%s transaction with negative amount %s", rec.TransactionType, rec.Amount),
			})
		}
	}

	for _, f := range c.cfg.Schema.DownstreamFields {
		if strings.TrimSpace(rec.Field(f)) == "" {
			out = append(out, finding{
				kind:        model.AnomalyMissingRequiredField,
				confidence:  1.0,
				field:       f,
				description: f + " is missing",
			})
		}
	}

	for _, e := range rec.ValidationErrors {
		if e.Rule != model.RuleFormat {
			continue
		}
		out = append(out, finding{
			kind:        model.AnomalyInvalidFormat,
			confidence:  1.0,
			field:       e.Field,
			original:    e.Value,
			description: e.Field + " " + e.Message,
		})
	}

	if ts, _, err := converter.ParseDate(rec.Date); err == nil {
		now := c.now()
		maxAge := float64(t.MaxAgeDays) * 24
		switch {
		case ts.After(now):
			out = append(out, finding{
				kind:        model.AnomalyInvalidDate,
				confidence:  0.9,
				field:       model.FieldDate,
				original:    rec.Date,
				description: "transaction date is in the future",
			})
		case t.MaxAgeDays > 0 && now.Sub(ts).Hours() > maxAge:
			out = append(out, finding{
				kind:        model.AnomalyInvalidDate,
				confidence:  0.9,
				field:       model.FieldDate,
				original:    rec.Date,
				description: fmt.Sprintf("transaction date is older than %d days", t.MaxAgeDays),
			})
		}
	}

	return out
}

// crossRowRules is the second phase. It runs after every row's first phase is
// done and scans the aggregate index once.
func (c *Classifier) crossRowRules(ix *AggregateIndex, records []model.Transaction) map[int][]finding {
	out := make(map[int][]finding)
	t := c.cfg.Thresholds

	idDuplicate := make(map[int]bool)
	for _, key := range sortedKeys(ix.byID) {
		group := ix.byID[key]
		for _, pos := range group[1:] {
			idDuplicate[pos] = true
			out[pos] = append(out[pos], finding{
				kind:        model.AnomalyDuplicateTransaction,
				confidence:  1.0,
				field:       model.FieldTransactionID,
				original:    records[pos].TransactionID,
				description: fmt.Sprintf("transaction id %s already used by row %d", records[pos].TransactionID, records[group[0]].RowNumber),
				context:     map[string]string{"first_row": strconv.Itoa(records[group[0]].RowNumber)},
			})
		}
	}

	for _, key := range sortedKeys(ix.byTuple) {
		group := ix.byTuple[key]
		for _, pos := range group[1:] {
			if idDuplicate[pos] {
				continue
			}
			out[pos] = append(out[pos], finding{
				kind:        model.AnomalyDuplicateTransaction,
				confidence:  0.9,
				description: fmt.Sprintf("same customer, amount and timestamp as row %d", records[group[0]].RowNumber),
				context:     map[string]string{"first_row": strconv.Itoa(records[group[0]].RowNumber)},
			})
		}
	}

	bound := t.OutlierStdDevs
	for pos := range records {
		amount, ok := ix.Amount(pos)
		if !ok {
			continue
		}

		if ix.amountCount >= 3 && ix.amountStd > 0 && bound > 0 {
			z := math.Abs(amount-ix.amountMean) / ix.amountStd
			if z > bound {
				out[pos] = append(out[pos], finding{
					kind:        model.AnomalyOutlier,
					confidence:  1 - bound/(2*z),
					field:       model.FieldAmount,
					original:    records[pos].Amount,
					expected:    fmt.Sprintf("%.2f..%.2f", ix.amountMean-bound*ix.amountStd, ix.amountMean+bound*ix.amountStd),
					description: fmt.Sprintf("amount is %.1f standard deviations from the column mean", z),
					context:     map[string]string{"z_score": strconv.FormatFloat(z, 'f', 2, 64)},
				})
			}
		}

		avg, n := ix.CustomerAverage(pos)
		if n >= t.MinCustomerHistory && n > 0 && avg > 0 && math.Abs(amount) > t.CustomerAverageMultiple*avg {
			out[pos] = append(out[pos], finding{
				kind:        model.AnomalySuspiciousAmount,
				confidence:  0.8,
				field:       model.FieldAmount,
				original:    records[pos].Amount,
				expected:    fmt.Sprintf("<= %.2f", t.CustomerAverageMultiple*avg),
				description: fmt.Sprintf("amount is more than %.0fx the customer's average of %.2f", t.CustomerAverageMultiple, avg),
				context:     map[string]string{"customer_average": strconv.FormatFloat(avg, 'f', 2, 64), "history": strconv.Itoa(n)},
			})
		}
	}

	return out
}

func sortedKeys(m map[string][]int) []string {
	keys := make([]string, 0, len(m))
	for k, v := range m {
		if len(v) > 1 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
