// pkg/anomaly/classifier.go
package anomaly

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/David-Botos/txn-pipeline/pkg/model"
)

const (
	defaultClassifierWorkers = 4
	defaultDetectorTimeout   = 10 * time.Second
	classifyBatchSize        = 256
	neighborLimit            = 5
)

// Classifier runs the deterministic rule pass and the optional model pass
type Classifier struct {
	cfg             model.PipelineConfig
	detector        Detector
	detectorTimeout time.Duration
	workers         int
	logger          *zap.Logger
	now             func() time.Time
	negTypes        map[string]bool
}

// Option configures a Classifier
type Option func(*Classifier)

// WithDetector plugs in a model detector with a per-call timeout
func WithDetector(d Detector, timeout time.Duration) Option {
	return func(c *Classifier) {
		c.detector = d
		if timeout > 0 {
			c.detectorTimeout = timeout
		}
	}
}

// WithWorkers bounds the parallelism of the per-row passes
func WithWorkers(n int) Option {
	return func(c *Classifier) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithClock overrides time.Now for date rules and timestamps
func WithClock(now func() time.Time) Option {
	return func(c *Classifier) { c.now = now }
}

// NewClassifier creates a classifier for one dataset configuration
func NewClassifier(cfg model.PipelineConfig, logger *zap.Logger, opts ...Option) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Classifier{
		cfg:             cfg,
		detectorTimeout: defaultDetectorTimeout,
		workers:         defaultClassifierWorkers,
		logger:          logger.Named("classifier"),
		now:             time.Now,
		negTypes:        make(map[string]bool),
	}
	for _, t := range cfg.Schema.NegativeBalanceTypes {
		c.negTypes[strings.ToLower(strings.TrimSpace(t))] = true
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Stats counts what a classification pass did
type Stats struct {
	RowsScanned          int
	RuleFindings         int
	ModelCalls           int
	ModelFindings        int
	DetectorFailures     int
	InvariantViolations  int
	DroppedLowConfidence int
}

// Result is the output of Classify
type Result struct {
	Anomalies []model.Anomaly
	// Flagged holds the row numbers with at least one anomaly
	Flagged map[int]bool
	Stats   Stats
}

// Classify evaluates every record. Per-row rules run in parallel; cross-row
// rules start only after all of them are done. Detector failures are soft and
// leave the rule findings intact. A cancelled ctx aborts with its error.
func (c *Classifier) Classify(ctx context.Context, records []model.Transaction) (*Result, error) {
	perRow := make([][]finding, len(records))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for start := 0; start < len(records); start += classifyBatchSize {
		start := start
		end := start + classifyBatchSize
		if end > len(records) {
			end = len(records)
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			for i := start; i < end; i++ {
				perRow[i] = c.rowRules(&records[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ix := BuildIndex(records)
	cross := c.crossRowRules(ix, records)

	stats := Stats{RowsScanned: len(records)}
	modelFindings, err := c.modelPass(ctx, records, ix, perRow, cross, &stats)
	if err != nil {
		return nil, err
	}

	now := c.now().UTC()
	res := &Result{Flagged: make(map[int]bool), Stats: stats}
	for i := range records {
		rec := &records[i]
		rules := append(perRow[i], cross[i]...)
		for _, f := range rules {
			res.Anomalies = append(res.Anomalies, c.newAnomaly(rec, f, model.DetectedByRules, now))
		}
		res.Stats.RuleFindings += len(rules)
		if mf := modelFindings[i]; mf != nil {
			res.Anomalies = append(res.Anomalies, *mf)
		}
		if len(rules) > 0 || modelFindings[i] != nil {
			res.Flagged[rec.RowNumber] = true
		}
	}

	sort.SliceStable(res.Anomalies, func(a, b int) bool {
		if res.Anomalies[a].RowNumber != res.Anomalies[b].RowNumber {
			return res.Anomalies[a].RowNumber < res.Anomalies[b].RowNumber
		}
		return res.Anomalies[a].Type < res.Anomalies[b].Type
	})

	c.logger.Info("Classified records",
		zap.Int("rows", stats.RowsScanned),
		zap.Int("rule_findings", res.Stats.RuleFindings),
		zap.Int("model_findings", res.Stats.ModelFindings),
		zap.Int("detector_failures", res.Stats.DetectorFailures))
	return res, nil
}

// modelPass consults the detector for records the rules left clean
func (c *Classifier) modelPass(ctx context.Context, records []model.Transaction, ix *AggregateIndex,
	perRow [][]finding, cross map[int][]finding, stats *Stats) ([]*model.Anomaly, error) {

	out := make([]*model.Anomaly, len(records))
	if c.detector == nil || !c.cfg.DetectorEnabled {
		return out, nil
	}

	var candidates []int
	for i := range records {
		if len(perRow[i]) == 0 && len(cross[i]) == 0 {
			candidates = append(candidates, i)
		}
	}
	if limit := c.cfg.Thresholds.ModelSampleLimit; limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	var failures, violations, dropped, findings atomic.Int64
	now := c.now().UTC()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for _, pos := range candidates {
		pos := pos
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rec := records[pos]
			callCtx, cancel := context.WithTimeout(gctx, c.detectorTimeout)
			verdict, err := c.detector.Classify(callCtx, rec, ix.Neighbors(pos, neighborLimit))
			cancel()

			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				failures.Add(1)
				c.logger.Warn("Detector unavailable",
					zap.String("detector", c.detector.Name()),
					zap.Int("row", rec.RowNumber),
					zap.Error(fmt.Errorf("%w: %v", model.ErrDetectorUnavailable, err)))
				return nil
			}
			if verdict == nil {
				return nil
			}

			if err := c.checkVerdict(verdict); err != nil {
				violations.Add(1)
				c.logger.Warn("Discarding detector verdict",
					zap.String("detector", c.detector.Name()),
					zap.Int("row", rec.RowNumber),
					zap.Error(err))
				return nil
			}
			if verdict.Confidence < c.cfg.Thresholds.ModelMinConfidence {
				dropped.Add(1)
				return nil
			}

			a := c.newAnomaly(&rec, finding{
				kind:        verdict.Type,
				candidate:   &verdict.Severity,
				confidence:  verdict.Confidence,
				description: verdict.Explanation,
			}, c.detector.Name(), now)
			a.LLMExplanation = verdict.Explanation
			a.LLMModelID = verdict.ModelID
			if a.LLMModelID == "" {
				a.LLMModelID = c.detector.Name()
			}
			if a.Description == "" {
				a.Description = verdict.Type.String() + " reported by " + c.detector.Name()
			}
			out[pos] = &a
			findings.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("model pass: %w", err)
	}

	stats.ModelCalls = len(candidates)
	stats.ModelFindings = int(findings.Load())
	stats.DetectorFailures = int(failures.Load())
	stats.InvariantViolations = int(violations.Load())
	stats.DroppedLowConfidence = int(dropped.Load())
	return out, nil
}

func (c *Classifier) checkVerdict(v *Verdict) error {
	if err := model.ValidateConfidence(v.Confidence); err != nil {
		return err
	}
	if !v.Type.IsModelKind() {
		return fmt.Errorf("%w: detector reported rule-only kind %s", model.ErrInvariantViolation, v.Type)
	}
	return nil
}

func (c *Classifier) newAnomaly(rec *model.Transaction, f finding, detectedBy string, now time.Time) model.Anomaly {
	return model.Anomaly{
		ID:            uuid.New(),
		DatasetID:     rec.DatasetID,
		RowNumber:     rec.RowNumber,
		TransactionID: rec.TransactionID,
		Type:          f.kind,
		Severity:      ResolveSeverity(f.kind, f.confidence, f.candidate),
		Confidence:    f.confidence,
		DetectedBy:    detectedBy,
		Description:   f.description,
		FieldName:     f.field,
		OriginalValue: f.original,
		ExpectedValue: f.expected,
		Context:       f.context,
		CreatedAt:     now,
	}
}
