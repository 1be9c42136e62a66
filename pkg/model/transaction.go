// pkg/model/transaction.go
package model

import (
	"fmt"

	"github.com/google/uuid"
)

// Canonical column names of a transaction row
const (
	FieldTransactionID   = "transaction_id"
	FieldCustomerID      = "customer_id"
	FieldAccountNumber   = "account_number"
	FieldAmount          = "amount"
	FieldBalance         = "balance"
	FieldCurrency        = "currency"
	FieldDate            = "date"
	FieldTransactionType = "transaction_type"
	FieldStatus          = "status"
	FieldDescription     = "description"
	FieldMerchant        = "merchant"
	FieldCategory        = "category"
	FieldLocation        = "location"
	FieldCountryCode     = "country_code"
)

// Columns returns every canonical column in a stable order
func Columns() []string {
	return []string{
		FieldTransactionID,
		FieldCustomerID,
		FieldAccountNumber,
		FieldAmount,
		FieldBalance,
		FieldCurrency,
		FieldDate,
		FieldTransactionType,
		FieldStatus,
		FieldDescription,
		FieldMerchant,
		FieldCategory,
		FieldLocation,
		FieldCountryCode,
	}
}

// Transaction is one row of a dataset. Values are kept as ingested text so that
// malformed input reaches the validator intact.
type Transaction struct {
	DatasetID uuid.UUID `json:"dataset_id" db:"dataset_id"`
	RowNumber int       `json:"row_number" db:"row_number"`

	TransactionID   string `json:"transaction_id" db:"transaction_id"`
	CustomerID      string `json:"customer_id" db:"customer_id"`
	AccountNumber   string `json:"account_number,omitempty" db:"account_number"`
	Amount          string `json:"amount" db:"amount"`
	Balance         string `json:"balance,omitempty" db:"balance"`
	Currency        string `json:"currency,omitempty" db:"currency"`
	Date            string `json:"date" db:"txn_date"`
	TransactionType string `json:"transaction_type,omitempty" db:"transaction_type"`
	Status          string `json:"status" db:"status"`
	Description     string `json:"description,omitempty" db:"description"`
	Merchant        string `json:"merchant,omitempty" db:"merchant"`
	Category        string `json:"category,omitempty" db:"category"`
	Location        string `json:"location,omitempty" db:"location"`
	CountryCode     string `json:"country_code,omitempty" db:"country_code"`

	IsValid    bool `json:"is_valid" db:"is_valid"`
	IsAnomaly  bool `json:"is_anomaly" db:"is_anomaly"`
	WasCleaned bool `json:"was_cleaned" db:"was_cleaned"`

	OriginalValues   map[string]string `json:"original_values,omitempty"`
	CleaningActions  []CleaningAction  `json:"cleaning_actions,omitempty"`
	ValidationErrors []FieldError      `json:"validation_errors,omitempty"`
}

// Field returns the value of a canonical column
func (t *Transaction) Field(name string) string {
	if p := t.fieldPtr(name); p != nil {
		return *p
	}
	return ""
}

// SetField assigns a canonical column. Unknown names are an error.
func (t *Transaction) SetField(name, value string) error {
	p := t.fieldPtr(name)
	if p == nil {
		return fmt.Errorf("unknown transaction field %q", name)
	}
	*p = value
	return nil
}

func (t *Transaction) fieldPtr(name string) *string {
	switch name {
	case FieldTransactionID:
		return &t.TransactionID
	case FieldCustomerID:
		return &t.CustomerID
	case FieldAccountNumber:
		return &t.AccountNumber
	case FieldAmount:
		return &t.Amount
	case FieldBalance:
		return &t.Balance
	case FieldCurrency:
		return &t.Currency
	case FieldDate:
		return &t.Date
	case FieldTransactionType:
		return &t.TransactionType
	case FieldStatus:
		return &t.Status
	case FieldDescription:
		return &t.Description
	case FieldMerchant:
		return &t.Merchant
	case FieldCategory:
		return &t.Category
	case FieldLocation:
		return &t.Location
	case FieldCountryCode:
		return &t.CountryCode
	}
	return nil
}

// Clone returns a deep copy; audit maps and slices are not shared
func (t Transaction) Clone() Transaction {
	c := t
	if t.OriginalValues != nil {
		c.OriginalValues = make(map[string]string, len(t.OriginalValues))
		for k, v := range t.OriginalValues {
			c.OriginalValues[k] = v
		}
	}
	if t.CleaningActions != nil {
		c.CleaningActions = append([]CleaningAction(nil), t.CleaningActions...)
	}
	if t.ValidationErrors != nil {
		c.ValidationErrors = append([]FieldError(nil), t.ValidationErrors...)
	}
	return c
}

// RuleKind orders validation rules; errors are reported in this order
type RuleKind int

const (
	RuleRequired RuleKind = iota
	RuleFormat
	RuleReferential
	RuleDomain
)

func (k RuleKind) String() string {
	switch k {
	case RuleRequired:
		return "required"
	case RuleFormat:
		return "format"
	case RuleReferential:
		return "referential"
	case RuleDomain:
		return "domain"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

func (k RuleKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *RuleKind) UnmarshalText(b []byte) error {
	for r := RuleRequired; r <= RuleDomain; r++ {
		if r.String() == string(b) {
			*k = r
			return nil
		}
	}
	return fmt.Errorf("unknown rule kind %q", string(b))
}

// FieldError is one rule violation on one field
type FieldError struct {
	Field   string   `json:"field"`
	Rule    RuleKind `json:"rule"`
	Message string   `json:"message"`
	Value   string   `json:"value,omitempty"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Rule)
}
