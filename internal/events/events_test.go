package events

import (
	"encoding/json"
	"testing"

	"github.com/raphaelgruber/sheetflow/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndDecode(t *testing.T) {
	e, err := New(TableComplete, "r1", TableData{Table: "orders", Rows: 3, Path: "/out/orders.parquet"})
	require.NoError(t, err)
	assert.Equal(t, TableComplete, e.Type)
	assert.False(t, e.TS.IsZero())

	raw, err := json.Marshal(e)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"table_complete"`)

	var back Event
	require.NoError(t, json.Unmarshal(raw, &back))
	data, err := Decode[TableData](back)
	require.NoError(t, err)
	assert.Equal(t, int64(3), data.Rows)
	assert.Equal(t, "orders", data.Table)
}

func TestDecodeEmptyPayload(t *testing.T) {
	e, err := New(RunStart, "r1", nil)
	require.NoError(t, err)
	assert.Empty(t, e.Data)

	data, err := Decode[RunStartData](e)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatus(""), data.Status)

	_, err = Decode[RunStartData](Event{Type: RunStart, Data: json.RawMessage(`[1,2]`)})
	require.Error(t, err)
}

func TestTerminalTypes(t *testing.T) {
	terminal := 0
	for _, typ := range AllTypes {
		if typ.IsTerminal() {
			terminal++
		}
	}
	assert.Equal(t, 2, terminal)
	assert.Len(t, AllTypes, 18)
	assert.False(t, Heartbeat.IsTerminal())
}
