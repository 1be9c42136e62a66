// pkg/validator/batch.go
package validator

import (
	"strings"

	"github.com/David-Botos/txn-pipeline/pkg/model"
)

// BatchIndex records the first row carrying each transaction identifier.
// It is built once before rows are validated in parallel and is read-only after.
type BatchIndex struct {
	first map[string]int
}

// NewBatchIndex indexes the records of one ingestion batch
func NewBatchIndex(records []model.Transaction) *BatchIndex {
	idx := &BatchIndex{first: make(map[string]int, len(records))}
	for _, rec := range records {
		key := IdentifierKey(rec.TransactionID)
		if key == "" {
			continue
		}
		if existing, ok := idx.first[key]; !ok || rec.RowNumber < existing {
			idx.first[key] = rec.RowNumber
		}
	}
	return idx
}

// FirstOccurrence returns the row number of the first record with this identifier
func (b *BatchIndex) FirstOccurrence(transactionID string) (int, bool) {
	key := IdentifierKey(transactionID)
	if key == "" {
		return 0, false
	}
	row, ok := b.first[key]
	return row, ok
}

// IdentifierKey is the comparison key for transaction identifiers
func IdentifierKey(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}
