// pkg/anomaly/llm.go
package anomaly

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/David-Botos/txn-pipeline/pkg/model"
)

const (
	defaultLLMModel      = "ibm/granite-13b-chat-v2"
	defaultLLMTimeout    = 30 * time.Second
	defaultLLMRateLimit  = 2.0
	maxNeighborsInPrompt = 5
)

const llmSystemPrompt = `You are a financial data analyst reviewing banking transactions for anomalies.
Answer with exactly these lines:
IS_ANOMALY: yes or no
CONFIDENCE: a number between 0 and 1
ANOMALY_TYPE: semantic_inconsistency or other
SEVERITY: low, medium, high or critical
EXPLANATION: one sentence`

// LLMDetector asks an OpenAI-compatible chat completions endpoint to judge a record
type LLMDetector struct {
	endpoint   string
	apiKey     string
	model      string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	logger     *zap.Logger
}

// NewLLMDetector builds the LLM-backed detector variant
func NewLLMDetector(cfg DetectorConfig, logger *zap.Logger) (*LLMDetector, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("llm detector endpoint is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	modelID := cfg.Model
	if modelID == "" {
		modelID = defaultLLMModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultLLMTimeout
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = defaultLLMRateLimit
	}
	return &LLMDetector{
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
		model:      modelID,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		maxRetries: cfg.MaxRetries,
		logger:     logger.Named("llm-detector"),
	}, nil
}

func (d *LLMDetector) Name() string { return "llm" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Classify sends the record and a few neighbors to the model and parses its answer
func (d *LLMDetector) Classify(ctx context.Context, rec model.Transaction, neighbors []model.Transaction) (*Verdict, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req := chatRequest{
		Model: d.model,
		Messages: []chatMessage{
			{Role: "system", Content: llmSystemPrompt},
			{Role: "user", Content: buildPrompt(rec, neighbors)},
		},
		Temperature: 0.1,
		MaxTokens:   300,
	}

	var lastErr error
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := 200 * time.Millisecond * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		text, err := d.doRequest(ctx, req)
		if err == nil {
			return parseVerdict(text, d.model)
		}
		lastErr = err
		var re *retryableError
		if !errors.As(err, &re) {
			return nil, err
		}
		d.logger.Debug("Retrying model request", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (d *LLMDetector) doRequest(ctx context.Context, req chatRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if d.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+d.apiKey)
	}

	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &retryableError{err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		return "", &retryableError{err: fmt.Errorf("model error %s", resp.Status)}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return "", fmt.Errorf("model error %s: %s", resp.Status, strings.TrimSpace(string(payload)))
	}

	var out chatResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("empty response from model")
	}
	return out.Choices[0].Message.Content, nil
}

func buildPrompt(rec model.Transaction, neighbors []model.Transaction) string {
	var sb strings.Builder
	sb.WriteString("Transaction:\n")
	writeTransaction(&sb, rec)
	if len(neighbors) > 0 {
		sb.WriteString("\nOther transactions of the same customer:\n")
		for i, n := range neighbors {
			if i == maxNeighborsInPrompt {
				break
			}
			writeTransaction(&sb, n)
		}
	}
	return sb.String()
}

func writeTransaction(sb *strings.Builder, t model.Transaction) {
	fmt.Fprintf(sb, "- id=%s customer=%s amount=%s %s balance=%s date=%s type=%s status=%s description=%q merchant=%q\n",
		t.TransactionID, t.CustomerID, t.Amount, t.Currency, t.Balance, t.Date,
		t.TransactionType, t.Status, t.Description, t.Merchant)
}

// parseVerdict reads the line-oriented answer. "IS_ANOMALY: no" is no finding.
// Confidence is passed through unchecked; range checks belong to the classifier.
func parseVerdict(text, modelID string) (*Verdict, error) {
	fields := make(map[string]string)
	for _, line := range strings.Split(text, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields[strings.ToUpper(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}

	switch strings.ToLower(fields["IS_ANOMALY"]) {
	case "yes", "true":
	case "no", "false":
		return nil, nil
	default:
		return nil, fmt.Errorf("unparseable model answer: missing IS_ANOMALY")
	}

	confidence, err := strconv.ParseFloat(fields["CONFIDENCE"], 64)
	if err != nil {
		return nil, fmt.Errorf("unparseable model confidence %q: %w", fields["CONFIDENCE"], err)
	}

	kind := model.AnomalyOther
	if k, err := model.ParseAnomalyType(fields["ANOMALY_TYPE"]); err == nil {
		kind = k
	}
	severity := model.SeverityLow
	if s, err := model.ParseSeverity(fields["SEVERITY"]); err == nil {
		severity = s
	}

	return &Verdict{
		Type:        kind,
		Severity:    severity,
		Confidence:  confidence,
		Explanation: fields["EXPLANATION"],
		ModelID:     modelID,
	}, nil
}
