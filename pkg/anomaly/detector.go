// pkg/anomaly/detector.go
package anomaly

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/David-Botos/txn-pipeline/pkg/model"
)

// Detector is a pluggable model that judges one record in the context of its
// neighbors. A nil verdict with a nil error means no finding.
type Detector interface {
	Name() string
	Classify(ctx context.Context, rec model.Transaction, neighbors []model.Transaction) (*Verdict, error)
}

// Verdict is a detector's typed judgment
type Verdict struct {
	Type        model.AnomalyType
	Severity    model.Severity
	Confidence  float64
	Explanation string
	ModelID     string
}

// DetectorConfig selects and configures a detector implementation
type DetectorConfig struct {
	Kind              string // none | keyword | statistical | llm
	Endpoint          string
	APIKey            string
	Model             string
	Timeout           time.Duration
	RequestsPerSecond float64
	MaxRetries        int
	// StatisticalRatio is the neighbor-median multiple that triggers the statistical detector
	StatisticalRatio float64
}

// NewDetector builds the configured detector; kind "none" or "" returns nil
func NewDetector(cfg DetectorConfig, logger *zap.Logger) (Detector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch strings.ToLower(cfg.Kind) {
	case "", "none":
		return nil, nil
	case "keyword", "rule-based":
		return NewKeywordDetector(), nil
	case "statistical":
		return NewStatisticalDetector(cfg.StatisticalRatio), nil
	case "llm":
		return NewLLMDetector(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown detector kind %q", cfg.Kind)
	}
}
