// pkg/model/anomaly.go
package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Detector names recorded in Anomaly.DetectedBy for the deterministic pass
const (
	DetectedByRules = "rule-based"
)

// Anomaly is one detected defect tied to a dataset and optionally a row
type Anomaly struct {
	ID        uuid.UUID `json:"id"`
	DatasetID uuid.UUID `json:"dataset_id"`
	RunID     uuid.UUID `json:"run_id"`

	// RowNumber and TransactionID reference the record informationally; zero
	// RowNumber means a dataset-level finding.
	RowNumber     int    `json:"row_number,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`

	Type        AnomalyType `json:"anomaly_type"`
	Severity    Severity    `json:"severity"`
	Confidence  float64     `json:"confidence_score"`
	DetectedBy  string      `json:"detected_by"`
	Description string      `json:"description"`

	FieldName     string            `json:"field_name,omitempty"`
	OriginalValue string            `json:"original_value,omitempty"`
	ExpectedValue string            `json:"expected_value,omitempty"`
	Context       map[string]string `json:"context,omitempty"`

	Resolution Resolution `json:"resolution"`

	LLMExplanation string `json:"llm_explanation,omitempty"`
	LLMModelID     string `json:"llm_model_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// ValidateConfidence rejects scores outside [0,1] (including NaN)
func ValidateConfidence(c float64) error {
	if math.IsNaN(c) || c < 0 || c > 1 {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvariantViolation, c)
	}
	return nil
}

// Resolve records an outcome. An anomaly is resolved at most once.
func (a *Anomaly) Resolve(outcome ResolutionOutcome, action, value string, at time.Time) error {
	r, err := NewResolution(outcome, action, value, at)
	if err != nil {
		return err
	}
	if a.Resolution.IsResolved() {
		return fmt.Errorf("%w: anomaly %s already %s", ErrAlreadyResolved, a.ID, a.Resolution.Outcome())
	}
	a.Resolution = r
	return nil
}

// Clone returns a copy that shares no mutable state with a
func (a Anomaly) Clone() Anomaly {
	c := a
	if a.Context != nil {
		c.Context = make(map[string]string, len(a.Context))
		for k, v := range a.Context {
			c.Context[k] = v
		}
	}
	return c
}

// ResolutionOutcome is the resolution code. Zero means unresolved; the set is
// open to new nonzero codes.
type ResolutionOutcome int

const (
	OutcomeUnresolved ResolutionOutcome = iota
	OutcomeAccepted
	OutcomeRejected
	OutcomeEscalated
	OutcomeCorrected
	OutcomeRemoved
	OutcomeIgnored
)

func (o ResolutionOutcome) String() string {
	switch o {
	case OutcomeUnresolved:
		return "unresolved"
	case OutcomeAccepted:
		return "accepted"
	case OutcomeRejected:
		return "rejected"
	case OutcomeEscalated:
		return "escalated"
	case OutcomeCorrected:
		return "corrected"
	case OutcomeRemoved:
		return "removed"
	case OutcomeIgnored:
		return "ignored"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// ParseResolutionOutcome accepts a known outcome name
func ParseResolutionOutcome(s string) (ResolutionOutcome, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	for o := OutcomeUnresolved; o <= OutcomeIgnored; o++ {
		if o.String() == norm {
			return o, nil
		}
	}
	return 0, fmt.Errorf("unknown resolution outcome %q", s)
}

// Resolution is either Unresolved (zero value) or Resolved{outcome, action, value, at}
type Resolution struct {
	outcome       ResolutionOutcome
	action        string
	resolvedValue string
	resolvedAt    time.Time
}

// NewResolution builds a resolved state. The outcome must be nonzero.
func NewResolution(outcome ResolutionOutcome, action, value string, at time.Time) (Resolution, error) {
	if outcome == OutcomeUnresolved {
		return Resolution{}, fmt.Errorf("%w: resolution outcome must be nonzero", ErrInvalidTransition)
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return Resolution{outcome: outcome, action: action, resolvedValue: value, resolvedAt: at}, nil
}

func (r Resolution) IsResolved() bool           { return r.outcome != OutcomeUnresolved }
func (r Resolution) Outcome() ResolutionOutcome { return r.outcome }
func (r Resolution) Action() string             { return r.action }
func (r Resolution) ResolvedValue() string      { return r.resolvedValue }
func (r Resolution) ResolvedAt() time.Time      { return r.resolvedAt }

type resolutionJSON struct {
	IsResolved    int        `json:"is_resolved"`
	Outcome       string     `json:"outcome"`
	Action        string     `json:"resolution_action,omitempty"`
	ResolvedValue string     `json:"resolved_value,omitempty"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
}

func (r Resolution) MarshalJSON() ([]byte, error) {
	out := resolutionJSON{IsResolved: int(r.outcome), Outcome: r.outcome.String()}
	if r.IsResolved() {
		at := r.resolvedAt
		out.Action = r.action
		out.ResolvedValue = r.resolvedValue
		out.ResolvedAt = &at
	}
	return json.Marshal(out)
}

func (r *Resolution) UnmarshalJSON(b []byte) error {
	var in resolutionJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	if in.IsResolved == 0 {
		*r = Resolution{}
		return nil
	}
	var at time.Time
	if in.ResolvedAt != nil {
		at = *in.ResolvedAt
	}
	res, err := NewResolution(ResolutionOutcome(in.IsResolved), in.Action, in.ResolvedValue, at)
	if err != nil {
		return err
	}
	*r = res
	return nil
}

// AnomalySummary groups a dataset's anomalies for reporting
type AnomalySummary struct {
	Total      int            `json:"total"`
	Unresolved int            `json:"unresolved"`
	BySeverity map[string]int `json:"by_severity"`
	ByType     map[string]int `json:"by_type"`
	ByDetector map[string]int `json:"by_detector"`
}

// Summarize builds an AnomalySummary
func Summarize(anomalies []Anomaly) AnomalySummary {
	s := AnomalySummary{
		BySeverity: make(map[string]int),
		ByType:     make(map[string]int),
		ByDetector: make(map[string]int),
	}
	for _, a := range anomalies {
		s.Total++
		if !a.Resolution.IsResolved() {
			s.Unresolved++
		}
		s.BySeverity[a.Severity.String()]++
		s.ByType[a.Type.String()]++
		s.ByDetector[a.DetectedBy]++
	}
	return s
}
