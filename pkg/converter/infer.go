// pkg/converter/infer.go
package converter

import (
	"strconv"
	"strings"

	"github.com/David-Botos/txn-pipeline/pkg/model"
)

// Inferred value types
const (
	TypeEmpty   = "empty"
	TypeInteger = "integer"
	TypeDecimal = "decimal"
	TypeBoolean = "boolean"
	TypeDate    = "date"
	TypeString  = "string"
)

// InferType classifies a single text value
func InferType(value string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return TypeEmpty
	}
	if _, err := strconv.ParseInt(v, 10, 64); err == nil {
		return TypeInteger
	}
	if _, err := ParseAmount(v); err == nil {
		return TypeDecimal
	}
	switch strings.ToLower(v) {
	case "true", "false", "yes", "no":
		return TypeBoolean
	}
	if _, _, err := ParseDate(v); err == nil {
		return TypeDate
	}
	return TypeString
}

// ExpectedType returns the type a canonical column should hold
func ExpectedType(column string) string {
	switch column {
	case model.FieldAmount, model.FieldBalance:
		return TypeDecimal
	case model.FieldDate:
		return TypeDate
	default:
		return TypeString
	}
}

// Conforms reports whether an inferred type satisfies an expected one
func Conforms(expected, actual string) bool {
	switch {
	case actual == TypeEmpty:
		return true
	case expected == TypeString:
		return true
	case expected == TypeDecimal:
		return actual == TypeDecimal || actual == TypeInteger
	default:
		return expected == actual
	}
}

// DominantType returns the most common non-empty inferred type of a column
func DominantType(values []string) string {
	counts := make(map[string]int)
	for _, v := range values {
		if t := InferType(v); t != TypeEmpty {
			counts[t]++
		}
	}
	best, bestCount := TypeEmpty, 0
	for _, t := range []string{TypeInteger, TypeDecimal, TypeBoolean, TypeDate, TypeString} {
		if counts[t] > bestCount {
			best, bestCount = t, counts[t]
		}
	}
	return best
}
