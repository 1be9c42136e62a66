// pkg/quality/scorer.go
package quality

import (
	"math"
	"sort"

	"github.com/David-Botos/txn-pipeline/pkg/model"
)

// Input is everything the scorer needs; it carries no references to live rows
type Input struct {
	TotalRows int
	ValidRows int

	// RequiredNullRates maps each required column to its null rate in [0,1]
	RequiredNullRates map[string]float64

	DuplicateRows      int
	StatusMismatchRows int

	// SeverityCounts counts anomalies that still weigh on accuracy
	SeverityCounts map[model.Severity]int
}

// Score computes the four quality dimensions and the overall score. It is a
// pure function: equal inputs always produce equal scores.
func Score(in Input) model.QualityScores {
	if in.TotalRows <= 0 {
		return model.QualityScores{}
	}
	total := float64(in.TotalRows)

	var completeness float64
	if len(in.RequiredNullRates) == 0 {
		completeness = 100
	} else {
		cols := make([]string, 0, len(in.RequiredNullRates))
		for c := range in.RequiredNullRates {
			cols = append(cols, c)
		}
		sort.Strings(cols)
		sum := 0.0
		for _, c := range cols {
			sum += in.RequiredNullRates[c]
		}
		completeness = 100 * (1 - sum/float64(len(cols)))
	}

	validity := 100 * float64(in.ValidRows) / total

	consistency := 100 * (1 - float64(in.DuplicateRows)/total - float64(in.StatusMismatchRows)/total)

	weighted := 0.0
	for _, sev := range model.AllSeverities() {
		weighted += sev.Weight() * float64(in.SeverityCounts[sev])
	}
	accuracy := 100 * (1 - math.Min(1, weighted/total))

	s := model.QualityScores{
		Completeness: clamp(completeness),
		Validity:     clamp(validity),
		Consistency:  clamp(consistency),
		Accuracy:     clamp(accuracy),
	}
	s.Overall = round2((s.Completeness + s.Validity + s.Consistency + s.Accuracy) / 4)
	return s
}

// InputFrom derives scorer input from final rows and the current anomaly set.
// Anomalies resolved as rejected or ignored are treated as false positives.
func InputFrom(records []model.Transaction, anomalies []model.Anomaly, requiredFields []string) Input {
	in := Input{
		TotalRows:         len(records),
		RequiredNullRates: make(map[string]float64, len(requiredFields)),
		SeverityCounts:    make(map[model.Severity]int),
	}
	nulls := make(map[string]int, len(requiredFields))
	for i := range records {
		if records[i].IsValid {
			in.ValidRows++
		}
		for _, f := range requiredFields {
			if isNull(records[i].Field(f)) {
				nulls[f]++
			}
		}
	}
	for _, f := range requiredFields {
		if len(records) > 0 {
			in.RequiredNullRates[f] = float64(nulls[f]) / float64(len(records))
		}
	}

	dupRows := make(map[int]bool)
	mismatchRows := make(map[int]bool)
	for _, a := range anomalies {
		if falsePositive(a) {
			continue
		}
		in.SeverityCounts[a.Severity]++
		switch a.Type {
		case model.AnomalyDuplicateTransaction:
			dupRows[a.RowNumber] = true
		case model.AnomalyStatusMismatch:
			mismatchRows[a.RowNumber] = true
		case model.AnomalyNegativeBalance, model.AnomalyInvalidDate, model.AnomalySuspiciousAmount,
			model.AnomalyMissingRequiredField, model.AnomalyInvalidFormat, model.AnomalyOutlier,
			model.AnomalySemanticInconsistency, model.AnomalyOther:
		}
	}
	in.DuplicateRows = len(dupRows)
	in.StatusMismatchRows = len(mismatchRows)
	return in
}

func falsePositive(a model.Anomaly) bool {
	switch a.Resolution.Outcome() {
	case model.OutcomeRejected, model.OutcomeIgnored:
		return true
	default:
		return false
	}
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(100, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
