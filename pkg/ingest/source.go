// pkg/ingest/source.go

// Package ingest loads raw transaction rows from files, databases and HTTP APIs.
package ingest

import (
	"context"
	"errors"
	"strings"

	"github.com/David-Botos/txn-pipeline/pkg/converter"
	"github.com/David-Botos/txn-pipeline/pkg/model"
)

// Errors returned by loaders
var (
	ErrUnsupportedFormat = errors.New("unsupported source format")
	ErrEmptySource       = errors.New("source contains no header row")
)

// Source produces the raw rows of one dataset
type Source interface {
	Kind() model.SourceKind
	// Name is a display name for the dataset when the caller gives none
	Name() string
	// Path is the file path, query or URL the rows come from
	Path() string
	Load(ctx context.Context) (*Batch, error)
}

// Batch is the result of loading a source. Records are in source order and
// carry no dataset id or row number yet.
type Batch struct {
	Records []model.Transaction
	// Columns are the canonical columns present in the source
	Columns []string
	// Unmapped are source headers with no canonical column
	Unmapped []string
	File     model.FileInfo
}

// table is a header row plus data rows of text cells
type table struct {
	headers []string
	rows    [][]string
}

// toBatch maps table headers onto canonical columns and builds the records
func (t table) toBatch(file model.FileInfo) *Batch {
	b := &Batch{File: file}
	mapping := make([]string, len(t.headers))
	seen := make(map[string]bool)
	for i, h := range t.headers {
		canonical, ok := converter.CanonicalColumn(h)
		if !ok {
			if strings.TrimSpace(h) != "" {
				b.Unmapped = append(b.Unmapped, h)
			}
			continue
		}
		// first header wins when two map onto the same column
		if seen[canonical] {
			continue
		}
		seen[canonical] = true
		mapping[i] = canonical
		b.Columns = append(b.Columns, canonical)
	}

	for _, row := range t.rows {
		values := make(map[string]string, len(b.Columns))
		for i, col := range mapping {
			if col == "" || i >= len(row) {
				continue
			}
			values[col] = row[i]
		}
		b.Records = append(b.Records, converter.BuildTransaction(values))
	}
	return b
}

// normalizeTable picks the first non-empty row as the header and drops
// empty data rows
func normalizeTable(records [][]string) (table, error) {
	var t table
	for _, row := range records {
		if isEmptyRow(row) {
			continue
		}
		if t.headers == nil {
			t.headers = row
			continue
		}
		t.rows = append(t.rows, row)
	}
	if t.headers == nil {
		return table{}, ErrEmptySource
	}
	return t, nil
}

func isEmptyRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// RecordsSource serves records already held in memory
type RecordsSource struct {
	name    string
	records []model.Transaction
}

// NewRecordsSource wraps records; they are copied on every Load
func NewRecordsSource(name string, records []model.Transaction) *RecordsSource {
	return &RecordsSource{name: name, records: records}
}

func (s *RecordsSource) Kind() model.SourceKind { return model.SourceAPI }
func (s *RecordsSource) Name() string           { return s.name }
func (s *RecordsSource) Path() string           { return "" }

func (s *RecordsSource) Load(ctx context.Context) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := &Batch{
		Records: make([]model.Transaction, len(s.records)),
		Columns: model.Columns(),
		File:    model.FileInfo{Format: "memory", Encoding: "utf-8"},
	}
	for i := range s.records {
		b.Records[i] = s.records[i].Clone()
	}
	return b, nil
}
