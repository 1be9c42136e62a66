// pkg/anomaly/statistical.go
package anomaly

import (
	"context"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/David-Botos/txn-pipeline/pkg/converter"
	"github.com/David-Botos/txn-pipeline/pkg/model"
)

const defaultStatisticalRatio = 4.0

// StatisticalDetector compares a record's amount with the median of its neighbors
type StatisticalDetector struct {
	ratio float64
}

// NewStatisticalDetector creates the statistical detector variant
func NewStatisticalDetector(ratio float64) *StatisticalDetector {
	if ratio <= 1 {
		ratio = defaultStatisticalRatio
	}
	return &StatisticalDetector{ratio: ratio}
}

func (d *StatisticalDetector) Name() string { return "statistical" }

func (d *StatisticalDetector) Classify(ctx context.Context, rec model.Transaction, neighbors []model.Transaction) (*Verdict, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	amount, err := converter.ParseLenientAmount(rec.Amount)
	if err != nil {
		return nil, nil
	}
	var xs []float64
	for _, n := range neighbors {
		if v, err := converter.ParseLenientAmount(n.Amount); err == nil {
			f, _ := v.Abs().Float64()
			xs = append(xs, f)
		}
	}
	if len(xs) < 2 {
		return nil, nil
	}
	sort.Float64s(xs)
	median := stat.Quantile(0.5, stat.Empirical, xs, nil)
	if median <= 0 {
		return nil, nil
	}
	value, _ := amount.Abs().Float64()
	ratio := value / median
	if ratio < d.ratio {
		return nil, nil
	}
	return &Verdict{
		Type:        model.AnomalyOther,
		Severity:    model.SeverityLow,
		Confidence:  math.Min(1, 1-1/ratio),
		Explanation: fmt.Sprintf("amount is %.1fx the median of %d related transactions", ratio, len(xs)),
		ModelID:     fmt.Sprintf("median-ratio/%.1f", d.ratio),
	}, nil
}
