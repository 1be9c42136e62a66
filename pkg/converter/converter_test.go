package converter

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/David-Botos/txn-pipeline/pkg/model"
)

func TestParseLenientAmount(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"100", "100.00"},
		{" 1,234.5 ", "1234.50"},
		{"$99.999", "100.00"},
		{"€12", "12.00"},
		{"(45.10)", "-45.10"},
		{"-0.004", "0.00"},
		{"1 000", "1000.00"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := CanonicalAmount(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "  ", "abc", "12.3.4", "$"} {
		_, err := ParseLenientAmount(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseAmountIsStrict(t *testing.T) {
	_, err := ParseAmount("1,000")
	assert.Error(t, err)

	d, err := ParseAmount(" 12.50 ")
	require.NoError(t, err)
	assert.True(t, d.Equal(decimal.RequireFromString("12.5")))
}

func TestParseDate(t *testing.T) {
	want := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for _, in := range []string{"2024-05-01", "05/01/2024", "2024/05/01", "2024-05-01T00:00:00Z", "05-01-2024"} {
		got, layout, err := ParseDate(in)
		require.NoError(t, err, in)
		assert.True(t, want.Equal(got), in)
		assert.NotEmpty(t, layout)
	}

	got, _, err := ParseDate("2024-05-01T10:00:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01T08:00:00Z", CanonicalDate(got))

	_, _, err = ParseDate("yesterday")
	assert.Error(t, err)
	assert.Empty(t, DetectTimeFormat("31/31/2024"))
	assert.Equal(t, "2006-01-02", DetectTimeFormat("2024-02-29"))
}

func TestCanonicalColumn(t *testing.T) {
	tests := []struct {
		in    string
		want  string
		known bool
	}{
		{"Transaction ID", model.FieldTransactionID, true},
		{"txn-id", model.FieldTransactionID, true},
		{"\ufeffAmt", model.FieldAmount, true},
		{"Trans Date", model.FieldDate, true},
		{"COUNTRY", model.FieldCountryCode, true},
		{"merchant", model.FieldMerchant, true},
		{"Notes", "notes", false},
	}
	for _, tt := range tests {
		got, known := CanonicalColumn(tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.known, known, tt.in)
	}
}

func TestBuildTransaction(t *testing.T) {
	tx := BuildTransaction(map[string]string{
		model.FieldTransactionID: "T-1",
		model.FieldAmount:        "12.00",
		"unknown":                "dropped",
	})
	assert.Equal(t, "T-1", tx.TransactionID)
	assert.Equal(t, "12.00", tx.Amount)
}

func TestTypeConverter_ToText(t *testing.T) {
	c := NewTypeConverter(zaptest.NewLogger(t))
	ts := time.Date(2024, 5, 1, 12, 30, 0, 0, time.FixedZone("EST", -5*3600))

	tests := []struct {
		name string
		in   interface{}
		want string
	}{
		{"nil", nil, ""},
		{"null token", "N/A", ""},
		{"blank", "   ", ""},
		{"string", "abc", "abc"},
		{"bytes", []byte("xyz"), "xyz"},
		{"int", int64(42), "42"},
		{"bool", true, "true"},
		{"float keeps digits", 1234.5678, "1234.5678"},
		{"json number", json.Number("0.10"), "0.10"},
		{"decimal", decimal.RequireFromString("10.50"), "10.5"},
		{"time", ts, "2024-05-01T17:30:00Z"},
		{"nil time", (*time.Time)(nil), ""},
		{"variant", map[string]interface{}{"k": 1}, `{"k":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.ToText(tt.in))
		})
	}
}

func TestTypeConverter_ToRow(t *testing.T) {
	c := NewTypeConverter(nil)
	row := c.ToRow(map[string]interface{}{
		"TXN_ID":     "T-9",
		"amt":        12.5,
		"trans_date": nil,
		"vendor":     "ignored",
	})
	assert.Equal(t, map[string]string{
		model.FieldTransactionID: "T-9",
		model.FieldAmount:        "12.5",
		model.FieldDate:          "",
	}, row)
}

func TestInferType(t *testing.T) {
	tests := map[string]string{
		"":           TypeEmpty,
		"42":         TypeInteger,
		"-3.50":      TypeDecimal,
		"yes":        TypeBoolean,
		"2024-05-01": TypeDate,
		"hello":      TypeString,
	}
	for in, want := range tests {
		assert.Equal(t, want, InferType(in), in)
	}

	assert.Equal(t, TypeDecimal, ExpectedType(model.FieldAmount))
	assert.Equal(t, TypeDate, ExpectedType(model.FieldDate))
	assert.Equal(t, TypeString, ExpectedType(model.FieldMerchant))

	assert.True(t, Conforms(TypeDecimal, TypeInteger))
	assert.True(t, Conforms(TypeDate, TypeEmpty))
	assert.False(t, Conforms(TypeDate, TypeString))

	assert.Equal(t, TypeDecimal, DominantType([]string{"1.5", "2.5", "abc", "", "3"}))
	assert.Equal(t, TypeEmpty, DominantType([]string{"", " "}))
}
