// pkg/ingest/api.go
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/David-Botos/txn-pipeline/pkg/converter"
	"github.com/David-Botos/txn-pipeline/pkg/model"
)

const (
	defaultAPITimeout = 30 * time.Second
	maxAPIBody        = 256 << 20
)

// APISource fetches a JSON document of transactions over HTTP. The body may be
// an array of objects, an object with a "data" or "records" array, or a single
// object.
type APISource struct {
	url           string
	client        *http.Client
	headers       map[string]string
	typeConverter *converter.TypeConverter
	logger        *zap.Logger
}

// NewAPISource creates a source for a GET endpoint
func NewAPISource(url string, logger *zap.Logger) *APISource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APISource{
		url:           url,
		client:        &http.Client{Timeout: defaultAPITimeout},
		headers:       make(map[string]string),
		typeConverter: converter.NewTypeConverter(logger),
		logger:        logger.Named("api-source"),
	}
}

// WithHeader adds a request header (e.g. Authorization)
func (s *APISource) WithHeader(key, value string) *APISource {
	s.headers[key] = value
	return s
}

// WithClient replaces the HTTP client
func (s *APISource) WithClient(c *http.Client) *APISource {
	if c != nil {
		s.client = c
	}
	return s
}

func (s *APISource) Kind() model.SourceKind { return model.SourceAPI }
func (s *APISource) Name() string           { return s.url }
func (s *APISource) Path() string           { return s.url }

// Load fetches and decodes the endpoint
func (s *APISource) Load(ctx context.Context) (*Batch, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", s.url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("source api returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	items, err := decodeItems(body)
	if err != nil {
		return nil, err
	}

	batch := &Batch{File: model.FileInfo{SizeBytes: int64(len(body)), Format: "json", Encoding: "utf-8"}}
	seen := make(map[string]bool)
	unmapped := make(map[string]bool)
	for _, item := range items {
		for k := range item {
			canonical, ok := converter.CanonicalColumn(k)
			switch {
			case !ok && !unmapped[k]:
				unmapped[k] = true
				batch.Unmapped = append(batch.Unmapped, k)
			case ok && !seen[canonical]:
				seen[canonical] = true
				batch.Columns = append(batch.Columns, canonical)
			}
		}
		batch.Records = append(batch.Records, converter.BuildTransaction(s.typeConverter.ToRow(item)))
	}

	s.logger.Info("Fetched records",
		zap.String("url", s.url),
		zap.Int("rows", len(batch.Records)))
	return batch, nil
}

func decodeItems(body []byte) ([]map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	switch v := doc.(type) {
	case []interface{}:
		return objects(v)
	case map[string]interface{}:
		for _, key := range []string{"data", "records"} {
			if inner, ok := v[key].([]interface{}); ok {
				return objects(inner)
			}
		}
		return []map[string]interface{}{v}, nil
	default:
		return nil, fmt.Errorf("%w: unexpected JSON document %T", ErrUnsupportedFormat, doc)
	}
}

func objects(items []interface{}) ([]map[string]interface{}, error) {
	out := make([]map[string]interface{}, 0, len(items))
	for i, it := range items {
		obj, ok := it.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: item %d is %T, not an object", ErrUnsupportedFormat, i, it)
		}
		out = append(out, obj)
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
