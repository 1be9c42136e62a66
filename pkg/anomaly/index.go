// pkg/anomaly/index.go
package anomaly

import (
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"

	"github.com/David-Botos/txn-pipeline/pkg/converter"
	"github.com/David-Botos/txn-pipeline/pkg/model"
	"github.com/David-Botos/txn-pipeline/pkg/validator"
)

// AggregateIndex is the materialized view the cross-row pass scans. It is built
// in one pass over the dataset and read-only afterwards.
type AggregateIndex struct {
	records []model.Transaction

	byID       map[string][]int
	byTuple    map[string][]int
	byCustomer map[string][]int
	// running |amount| totals per customer over parseable rows
	customerSum   map[string]float64
	customerCount map[string]int

	amounts     []float64
	amountOK    []bool
	amountMean  float64
	amountStd   float64
	amountCount int
}

// BuildIndex indexes records by identifier, duplicate tuple and customer and
// computes the amount column statistics
func BuildIndex(records []model.Transaction) *AggregateIndex {
	ix := &AggregateIndex{
		records:       records,
		byID:          make(map[string][]int),
		byTuple:       make(map[string][]int),
		byCustomer:    make(map[string][]int),
		customerSum:   make(map[string]float64),
		customerCount: make(map[string]int),
		amounts:       make([]float64, len(records)),
		amountOK:      make([]bool, len(records)),
	}

	var parsed []float64
	for i := range records {
		rec := &records[i]
		if key := validator.IdentifierKey(rec.TransactionID); key != "" {
			ix.byID[key] = append(ix.byID[key], i)
		}
		customer := validator.IdentifierKey(rec.CustomerID)
		if customer != "" {
			ix.byCustomer[customer] = append(ix.byCustomer[customer], i)
		}

		amount, err := converter.ParseLenientAmount(rec.Amount)
		if err != nil {
			continue
		}
		f, _ := amount.Float64()
		ix.amounts[i] = f
		ix.amountOK[i] = true
		parsed = append(parsed, f)
		if customer != "" {
			ix.customerSum[customer] += math.Abs(f)
			ix.customerCount[customer]++
		}

		if ts, _, err := converter.ParseDate(rec.Date); err == nil && customer != "" {
			key := strings.Join([]string{customer, converter.FormatAmount(amount), converter.CanonicalDate(ts)}, "|")
			ix.byTuple[key] = append(ix.byTuple[key], i)
		}
	}

	ix.amountCount = len(parsed)
	if len(parsed) > 1 {
		ix.amountMean, ix.amountStd = stat.MeanStdDev(parsed, nil)
	}
	return ix
}

// Neighbors returns up to limit other transactions of the same customer,
// nearest in row order first
func (ix *AggregateIndex) Neighbors(pos, limit int) []model.Transaction {
	customer := validator.IdentifierKey(ix.records[pos].CustomerID)
	if customer == "" || limit <= 0 {
		return nil
	}
	group := ix.byCustomer[customer]
	out := make([]model.Transaction, 0, limit)
	// walk outward from pos within the customer's rows
	at := sort.SearchInts(group, pos)
	lo, hi := at-1, at
	if hi < len(group) && group[hi] == pos {
		hi++
	}
	for len(out) < limit && (lo >= 0 || hi < len(group)) {
		if lo >= 0 && (hi >= len(group) || pos-group[lo] <= group[hi]-pos) {
			out = append(out, ix.records[group[lo]])
			lo--
			continue
		}
		out = append(out, ix.records[group[hi]])
		hi++
	}
	return out
}

// CustomerAverage is the mean absolute amount of the customer's other transactions
func (ix *AggregateIndex) CustomerAverage(pos int) (float64, int) {
	customer := validator.IdentifierKey(ix.records[pos].CustomerID)
	if customer == "" {
		return 0, 0
	}
	sum, n := ix.customerSum[customer], ix.customerCount[customer]
	if ix.amountOK[pos] {
		sum -= math.Abs(ix.amounts[pos])
		n--
	}
	if n <= 0 {
		return 0, 0
	}
	return sum / float64(n), n
}

// Amount returns the parsed amount at pos
func (ix *AggregateIndex) Amount(pos int) (float64, bool) {
	return ix.amounts[pos], ix.amountOK[pos]
}
