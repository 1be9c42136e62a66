// pkg/quality/profile.go
package quality

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/David-Botos/txn-pipeline/pkg/converter"
	"github.com/David-Botos/txn-pipeline/pkg/model"
)

const topValues = 5

var categoricalColumns = []string{
	model.FieldCurrency,
	model.FieldTransactionType,
	model.FieldStatus,
	model.FieldMerchant,
	model.FieldCategory,
	model.FieldCountryCode,
}

var numericColumns = []string{model.FieldAmount, model.FieldBalance}

// Profile builds the dataset statistics snapshot, including quality scores
func Profile(datasetID uuid.UUID, records []model.Transaction, anomalies []model.Anomaly, requiredFields []string, file model.FileInfo) model.DatasetMetadata {
	cols := model.Columns()
	md := model.DatasetMetadata{
		DatasetID:       datasetID,
		Columns:         cols,
		ColumnCount:     len(cols),
		NullCounts:      make(map[string]int, len(cols)),
		NullPercentages: make(map[string]float64, len(cols)),
		DataTypes:       make(map[string]string, len(cols)),
		TypeViolations:  make(map[string]int, len(cols)),
		UniqueCounts:    make(map[string]int, len(cols)),
		Distributions:   make(map[string][]model.ValueCount, len(categoricalColumns)),
		NumericStats:    make(map[string]model.NumericStats, len(numericColumns)),
		CleaningSummary: make(map[string]int),
		File:            file,
		ComputedAt:      time.Now().UTC(),
	}

	for _, col := range cols {
		values := make([]string, len(records))
		for i := range records {
			values[i] = records[i].Field(col)
		}
		profileColumn(&md, col, values)
	}

	for _, col := range categoricalColumns {
		md.Distributions[col] = distribution(records, col)
	}

	for _, col := range numericColumns {
		if ns, ok := numericStats(records, col); ok {
			md.NumericStats[col] = ns
		}
	}

	md.DateRange = dateRange(records)

	for i := range records {
		for _, a := range records[i].CleaningActions {
			md.CleaningSummary[a.Action]++
		}
	}

	md.Scores = Score(InputFrom(records, anomalies, requiredFields))
	return md
}

func profileColumn(md *model.DatasetMetadata, col string, values []string) {
	expected := converter.ExpectedType(col)
	unique := make(map[string]struct{})
	nulls, violations := 0, 0
	for _, v := range values {
		if isNull(v) {
			nulls++
			continue
		}
		unique[v] = struct{}{}
		if !conformsLenient(col, expected, v) {
			violations++
		}
	}
	md.NullCounts[col] = nulls
	if len(values) > 0 {
		md.NullPercentages[col] = round2(100 * float64(nulls) / float64(len(values)))
	}
	md.DataTypes[col] = converter.DominantType(values)
	md.TypeViolations[col] = violations
	md.UniqueCounts[col] = len(unique)
}

func conformsLenient(col, expected, v string) bool {
	if expected == converter.TypeDecimal {
		_, err := converter.ParseLenientAmount(v)
		return err == nil
	}
	if col == model.FieldDate {
		_, _, err := converter.ParseDate(v)
		return err == nil
	}
	return converter.Conforms(expected, converter.InferType(v))
}

func distribution(records []model.Transaction, col string) []model.ValueCount {
	counts := make(map[string]int)
	for i := range records {
		if v := records[i].Field(col); !isNull(v) {
			counts[v]++
		}
	}
	out := make([]model.ValueCount, 0, len(counts))
	for v, c := range counts {
		out = append(out, model.ValueCount{Value: v, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Value < out[j].Value
	})
	if len(out) > topValues {
		out = out[:topValues]
	}
	return out
}

func numericStats(records []model.Transaction, col string) (model.NumericStats, bool) {
	xs := make([]float64, 0, len(records))
	for i := range records {
		d, err := converter.ParseLenientAmount(records[i].Field(col))
		if err != nil {
			continue
		}
		f, _ := d.Float64()
		xs = append(xs, f)
	}
	if len(xs) == 0 {
		return model.NumericStats{}, false
	}
	sort.Float64s(xs)
	ns := model.NumericStats{
		Count:  len(xs),
		Min:    floats.Min(xs),
		Max:    floats.Max(xs),
		Mean:   stat.Mean(xs, nil),
		Median: stat.Quantile(0.5, stat.Empirical, xs, nil),
	}
	if len(xs) > 1 {
		ns.StdDev = stat.StdDev(xs, nil)
	}
	return ns, true
}

func dateRange(records []model.Transaction) *model.DateRange {
	var r *model.DateRange
	for i := range records {
		ts, _, err := converter.ParseDate(records[i].Date)
		if err != nil {
			continue
		}
		if r == nil {
			r = &model.DateRange{Earliest: ts, Latest: ts}
			continue
		}
		if ts.Before(r.Earliest) {
			r.Earliest = ts
		}
		if ts.After(r.Latest) {
			r.Latest = ts
		}
	}
	return r
}

func isNull(v string) bool {
	return strings.TrimSpace(v) == ""
}
