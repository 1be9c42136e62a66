package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap/zaptest"

	"github.com/David-Botos/txn-pipeline/pkg/model"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestFileSource_CSVWithAliases(t *testing.T) {
	csv := "Txn ID,Cust_ID,Amt,Trans Date,Status,Type,Notes\n" +
		"TXN-1,C-1,100.50,2024-05-01,completed,purchase,first\n" +
		"\n" +
		"TXN-2,C-2,\"1,200.00\",2024-05-02,pending,deposit,second\n"
	path := writeFile(t, "march.csv", []byte(csv))

	src, err := NewFileSource(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, model.SourceCSV, src.Kind())
	assert.Equal(t, "march.csv", src.Name())

	batch, err := src.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, batch.Records, 2)

	first := batch.Records[0]
	assert.Equal(t, "TXN-1", first.TransactionID)
	assert.Equal(t, "C-1", first.CustomerID)
	assert.Equal(t, "100.50", first.Amount)
	assert.Equal(t, "2024-05-01", first.Date)
	assert.Equal(t, "purchase", first.TransactionType)
	assert.Equal(t, "1,200.00", batch.Records[1].Amount)

	assert.ElementsMatch(t, []string{
		model.FieldTransactionID, model.FieldCustomerID, model.FieldAmount,
		model.FieldDate, model.FieldStatus, model.FieldTransactionType,
	}, batch.Columns)
	assert.Equal(t, []string{"Notes"}, batch.Unmapped)
	assert.Equal(t, "csv", batch.File.Format)
	assert.Equal(t, "utf-8", batch.File.Encoding)
	assert.Equal(t, int64(len(csv)), batch.File.SizeBytes)
}

func TestFileSource_CSVEncodings(t *testing.T) {
	t.Run("bom", func(t *testing.T) {
		data := append([]byte{0xEF, 0xBB, 0xBF}, []byte("transaction_id,merchant\nT1,Café\n")...)
		src, err := NewFileSource(writeFile(t, "bom.csv", data), zaptest.NewLogger(t))
		require.NoError(t, err)

		batch, err := src.Load(context.Background())
		require.NoError(t, err)
		require.Len(t, batch.Records, 1)
		assert.Equal(t, "T1", batch.Records[0].TransactionID)
		assert.Equal(t, "Café", batch.Records[0].Merchant)
		assert.Equal(t, "utf-8-sig", batch.File.Encoding)
	})

	t.Run("latin1", func(t *testing.T) {
		// 0xE9 is é in Latin-1 and invalid on its own in UTF-8
		data := []byte("transaction_id,merchant\nT1,Caf\xe9\n")
		src, err := NewFileSource(writeFile(t, "latin.csv", data), zaptest.NewLogger(t))
		require.NoError(t, err)

		batch, err := src.Load(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "Café", batch.Records[0].Merchant)
		assert.Equal(t, "latin-1", batch.File.Encoding)
	})
}

func TestFileSource_Excel(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	rows := [][]interface{}{
		{"transaction_id", "customer_id", "amount", "date", "status"},
		{"X-1", "C-9", "42.00", "2024-04-30", "completed"},
		{"X-2", "C-9", "13.37", "2024-05-01", "failed"},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow(sheet, cell, &row))
	}
	path := filepath.Join(t.TempDir(), "book.xlsx")
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	src, err := NewFileSource(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	batch, err := src.Load(context.Background())
	require.NoError(t, err)

	require.Len(t, batch.Records, 2)
	assert.Equal(t, "X-2", batch.Records[1].TransactionID)
	assert.Equal(t, "13.37", batch.Records[1].Amount)
	assert.Equal(t, "xlsx", batch.File.Format)

	_, err = src.WithSheet("Missing").Load(context.Background())
	assert.Error(t, err)
}

func TestFileSource_Errors(t *testing.T) {
	_, err := NewFileSource("data.parquet", nil)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	src, err := NewFileSource(writeFile(t, "empty.csv", []byte("\n,,\n")), nil)
	require.NoError(t, err)
	_, err = src.Load(context.Background())
	assert.ErrorIs(t, err, ErrEmptySource)

	src, err = NewFileSource(filepath.Join(t.TempDir(), "missing.csv"), nil)
	require.NoError(t, err)
	_, err = src.Load(context.Background())
	assert.Error(t, err)
}

func TestRecordsSource_ClonesOnLoad(t *testing.T) {
	records := []model.Transaction{{TransactionID: "A", OriginalValues: map[string]string{"amount": "1"}}}
	src := NewRecordsSource("memory", records)

	batch, err := src.Load(context.Background())
	require.NoError(t, err)
	batch.Records[0].TransactionID = "B"
	batch.Records[0].OriginalValues["amount"] = "2"

	assert.Equal(t, "A", records[0].TransactionID)
	assert.Equal(t, "1", records[0].OriginalValues["amount"])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = src.Load(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
