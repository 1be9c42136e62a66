// pkg/anomaly/severity.go
package anomaly

import "github.com/David-Botos/txn-pipeline/pkg/model"

// outlierEscalation is the confidence above which an outlier becomes medium
const outlierEscalation = 0.9

// SeverityFor is the fixed kind -> severity mapping
func SeverityFor(kind model.AnomalyType, confidence float64) model.Severity {
	switch kind {
	case model.AnomalyDuplicateTransaction:
		return model.SeverityCritical
	case model.AnomalyNegativeBalance, model.AnomalyStatusMismatch:
		return model.SeverityHigh
	case model.AnomalyInvalidDate, model.AnomalySuspiciousAmount, model.AnomalyMissingRequiredField,
		model.AnomalyInvalidFormat, model.AnomalySemanticInconsistency:
		return model.SeverityMedium
	case model.AnomalyOutlier:
		if confidence > outlierEscalation {
			return model.SeverityMedium
		}
		return model.SeverityLow
	case model.AnomalyOther:
		return model.SeverityLow
	default:
		return model.SeverityLow
	}
}

// ResolveSeverity applies the mapping and keeps the higher of it and a
// candidate proposed by the producing rule or detector
func ResolveSeverity(kind model.AnomalyType, confidence float64, candidate *model.Severity) model.Severity {
	mapped := SeverityFor(kind, confidence)
	if candidate == nil {
		return mapped
	}
	return model.MaxSeverity(mapped, *candidate)
}
