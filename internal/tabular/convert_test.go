package tabular

import (
	"testing"
	"time"

	"github.com/raphaelgruber/sheetflow/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ordersPlan() models.TablePlan {
	return models.TablePlan{
		Name:         "orders",
		Source:       models.SourceRef{FileID: "f1", Sheet: "orders"},
		HeaderRow:    1,
		DataStartRow: 2,
		Columns: []models.ColumnPlan{
			{SourceName: "Order ID", OutputName: "order_id", Type: models.TypeInt64},
			{SourceName: "Amount", OutputName: "amount", Type: models.TypeFloat64, Nullable: true, Transform: TransformStripCurrency},
			{SourceName: "Shipped", OutputName: "shipped", Type: models.TypeBool, Nullable: true},
			{SourceName: "order_date", OutputName: "order_date", Type: models.TypeDate, Nullable: true},
		},
	}
}

func TestExtract(t *testing.T) {
	grid := [][]string{
		{"Order ID", "Amount", "Shipped", "Order Date"},
		{"1", "$1,200.50", "yes", "2024-03-01"},
		{"", "", "", ""},
		{"2", "n/a", "no", "03/02/2024"},
		{"", "5", "", ""},
	}

	table, err := Extract(grid, ordersPlan())
	require.NoError(t, err)
	require.Len(t, table.Rows, 3, "blank rows are skipped")

	assert.Equal(t, int64(1), table.Rows[0][0])
	assert.InDelta(t, 1200.50, table.Rows[0][1], 0.001)
	assert.Equal(t, true, table.Rows[0][2])
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), table.Rows[0][3])

	assert.Nil(t, table.Rows[1][1], "failed coercion becomes null")
	assert.Equal(t, time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), table.Rows[1][3])

	assert.Equal(t, 1, table.CoercionFailures)
	assert.Equal(t, 1, table.NullViolations, "order_id is not nullable")
	assert.Greater(t, table.CoercionFailureRate(), 0.0)
}

func TestExtractRangeAndErrors(t *testing.T) {
	grid := [][]string{{"a"}, {"1"}, {"2"}, {"3"}}
	plan := models.TablePlan{
		Name: "t", HeaderRow: 1, DataStartRow: 2, DataEndRow: 3,
		Columns: []models.ColumnPlan{{SourceName: "a", OutputName: "a", Type: models.TypeInt64}},
	}
	table, err := Extract(grid, plan)
	require.NoError(t, err)
	assert.Len(t, table.Rows, 2)

	plan.Columns[0].SourceName = "missing"
	_, err = Extract(grid, plan)
	require.ErrorIs(t, err, ErrColumnNotFound)

	plan.Columns[0].SourceName = "a"
	plan.Columns[0].Transform = "reverse"
	_, err = Extract(grid, plan)
	require.ErrorIs(t, err, ErrUnknownTransform)

	plan.Columns[0].Transform = ""
	plan.HeaderRow = 10
	_, err = Extract(grid, plan)
	require.ErrorIs(t, err, ErrRowRange)
}

func TestExtractTransposedWithoutHeader(t *testing.T) {
	grid := [][]string{
		{"x", "y", "z"},
		{"10", "20", "30"},
	}
	plan := models.TablePlan{
		Name: "t", Transpose: true, DataStartRow: 1,
		Columns: []models.ColumnPlan{
			{SourceName: PositionalName(0), OutputName: "label", Type: models.TypeString},
			{SourceName: PositionalName(1), OutputName: "value", Type: models.TypeInt64},
		},
	}
	table, err := Extract(grid, plan)
	require.NoError(t, err)
	require.Len(t, table.Rows, 3)
	assert.Equal(t, []any{"z", int64(30)}, table.Rows[2])
}

func TestCoerce(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		typ       models.ColumnType
		transform string
		want      any
		ok        bool
	}{
		{"empty is null", "", models.TypeInt64, "", nil, true},
		{"int with separators", "12,000", models.TypeInt64, "", int64(12000), true},
		{"int from whole float", "7.0", models.TypeInt64, "", int64(7), true},
		{"int rejects fraction", "7.5", models.TypeInt64, "", nil, false},
		{"percent", "12.5", models.TypeFloat64, TransformPercent, 0.125, true},
		{"bool x", "X", models.TypeBool, "", true, true},
		{"bool junk", "maybe", models.TypeBool, "", nil, false},
		{"timestamp", "2024-01-02 03:04:05", models.TypeTimestamp, "", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), true},
		{"excel serial", "45292", models.TypeDate, TransformExcelDate, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), true},
		{"string passthrough", "hello", models.TypeString, "", "hello", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Coerce(tt.in, tt.typ, tt.transform)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
