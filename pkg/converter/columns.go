// pkg/converter/columns.go
package converter

import (
	"strings"

	"github.com/David-Botos/txn-pipeline/pkg/model"
)

var columnAliases = map[string]string{
	"txn_id":           model.FieldTransactionID,
	"trans_id":         model.FieldTransactionID,
	"id":               model.FieldTransactionID,
	"cust_id":          model.FieldCustomerID,
	"customer":         model.FieldCustomerID,
	"account":          model.FieldAccountNumber,
	"account_no":       model.FieldAccountNumber,
	"amt":              model.FieldAmount,
	"txn_amount":       model.FieldAmount,
	"trans_date":       model.FieldDate,
	"txn_date":         model.FieldDate,
	"transaction_date": model.FieldDate,
	"timestamp":        model.FieldDate,
	"type":             model.FieldTransactionType,
	"txn_type":         model.FieldTransactionType,
	"desc":             model.FieldDescription,
	"txn_desc":         model.FieldDescription,
	"country":          model.FieldCountryCode,
}

var knownColumns = func() map[string]bool {
	m := make(map[string]bool)
	for _, c := range model.Columns() {
		m[c] = true
	}
	return m
}()

// NormalizeColumnName lowercases a header and replaces spaces and dashes with underscores
func NormalizeColumnName(name string) string {
	n := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
	n = strings.ReplaceAll(n, " ", "_")
	return strings.ReplaceAll(n, "-", "_")
}

// CanonicalColumn resolves a source header to a transaction column
func CanonicalColumn(name string) (string, bool) {
	n := NormalizeColumnName(name)
	if alias, ok := columnAliases[n]; ok {
		n = alias
	}
	return n, knownColumns[n]
}

// BuildTransaction fills a transaction from canonical text columns
func BuildTransaction(row map[string]string) model.Transaction {
	var t model.Transaction
	for name, value := range row {
		// row keys are canonical; SetField only fails on unknown names
		_ = t.SetField(name, value)
	}
	return t
}
