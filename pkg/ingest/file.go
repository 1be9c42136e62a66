// pkg/ingest/file.go
package ingest

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/David-Botos/txn-pipeline/pkg/model"
)

var byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

// FileSource reads a .csv or .xlsx file
type FileSource struct {
	path   string
	format string
	sheet  string
	logger *zap.Logger
}

// NewFileSource picks the loader from the file extension
func NewFileSource(path string, logger *zap.Logger) (*FileSource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ext := strings.ToLower(filepath.Ext(path))
	var format string
	switch ext {
	case ".csv", ".txt":
		format = "csv"
	case ".xlsx", ".xlsm":
		format = "xlsx"
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	return &FileSource{path: path, format: format, logger: logger.Named("file-source")}, nil
}

// WithSheet selects a worksheet for .xlsx files; the first sheet is used otherwise
func (s *FileSource) WithSheet(sheet string) *FileSource {
	s.sheet = sheet
	return s
}

func (s *FileSource) Kind() model.SourceKind { return model.SourceCSV }
func (s *FileSource) Name() string           { return filepath.Base(s.path) }
func (s *FileSource) Path() string           { return s.path }

// Load reads the whole file
func (s *FileSource) Load(ctx context.Context) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	payload, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.path, err)
	}

	file := model.FileInfo{SizeBytes: int64(len(payload)), Format: s.format}
	var t table
	switch s.format {
	case "csv":
		t, file.Encoding, err = parseCSV(payload)
	case "xlsx":
		t, err = s.parseExcel(payload)
		file.Encoding = "utf-8"
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", s.path, err)
	}

	batch := t.toBatch(file)
	s.logger.Info("Loaded file",
		zap.String("path", s.path),
		zap.String("format", file.Format),
		zap.String("encoding", file.Encoding),
		zap.Int("rows", len(batch.Records)),
		zap.Strings("columns", batch.Columns),
		zap.Strings("unmapped", batch.Unmapped))
	return batch, nil
}

// parseCSV decodes UTF-8 (with or without BOM) and falls back to Latin-1
func parseCSV(payload []byte) (table, string, error) {
	encoding := "utf-8"
	switch {
	case bytes.HasPrefix(payload, byteOrderMark):
		payload = payload[len(byteOrderMark):]
		encoding = "utf-8-sig"
	case !utf8.Valid(payload):
		payload = latin1ToUTF8(payload)
		encoding = "latin-1"
	}

	reader := csv.NewReader(bytes.NewReader(payload))
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	records, err := reader.ReadAll()
	if err != nil {
		return table{}, encoding, fmt.Errorf("failed to read csv: %w", err)
	}
	t, err := normalizeTable(records)
	return t, encoding, err
}

func (s *FileSource) parseExcel(payload []byte) (table, error) {
	f, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		return table{}, fmt.Errorf("failed to open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheet := s.sheet
	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return table{}, fmt.Errorf("excel file has no sheets")
		}
		sheet = sheets[0]
	}

	rows, err := f.GetRows(sheet)
	if err != nil {
		return table{}, fmt.Errorf("failed to read rows from sheet %q: %w", sheet, err)
	}
	return normalizeTable(rows)
}

func latin1ToUTF8(b []byte) []byte {
	buf := make([]rune, len(b))
	for i, c := range b {
		buf[i] = rune(c)
	}
	return []byte(string(buf))
}
