package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePlan() *ExtractionPlan {
	return &ExtractionPlan{
		Tables: []TablePlan{
			{
				Name:         "customers",
				Source:       SourceRef{FileID: "f1", Sheet: "Customers"},
				HeaderRow:    1,
				DataStartRow: 2,
				Columns: []ColumnPlan{
					{SourceName: "ID", OutputName: "id", Type: TypeInt64},
					{SourceName: "Name", OutputName: "name", Type: TypeString},
				},
			},
			{
				Name:         "orders",
				Source:       SourceRef{FileID: "f1", Sheet: "Orders"},
				HeaderRow:    1,
				DataStartRow: 2,
				Columns: []ColumnPlan{
					{SourceName: "Order", OutputName: "id", Type: TypeInt64},
					{SourceName: "Customer", OutputName: "customer_id", Type: TypeInt64},
				},
			},
		},
		Relationships: []Relationship{
			{FromTable: "orders", FromColumn: "customer_id", ToTable: "customers", ToColumn: "id", Confidence: ConfidenceHigh},
		},
	}
}

func TestApplyDecisions(t *testing.T) {
	t.Run("no decisions includes everything", func(t *testing.T) {
		p := samplePlan()
		out, err := p.ApplyDecisions(nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"customers", "orders"}, out.TableNames())
		assert.Len(t, out.Relationships, 1)
	})

	t.Run("rename carries into relationships", func(t *testing.T) {
		p := samplePlan()
		out, err := p.ApplyDecisions([]ReviewDecision{
			{Table: "customers", Action: ActionInclude, OutputName: Ptr("clients")},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"clients", "orders"}, out.TableNames())
		require.Len(t, out.Relationships, 1)
		assert.Equal(t, "clients", out.Relationships[0].ToTable)
		require.NoError(t, out.Validate())

		// original untouched
		assert.Equal(t, "customers", p.Tables[0].Name)
		assert.Equal(t, "customers", p.Relationships[0].ToTable)
	})

	t.Run("skip drops table and its relationships", func(t *testing.T) {
		p := samplePlan()
		out, err := p.ApplyDecisions([]ReviewDecision{{Table: "customers", Action: ActionSkip}})
		require.NoError(t, err)
		assert.Equal(t, []string{"orders"}, out.TableNames())
		assert.Empty(t, out.Relationships)
	})

	t.Run("all skipped yields empty plan", func(t *testing.T) {
		p := samplePlan()
		out, err := p.ApplyDecisions([]ReviewDecision{
			{Table: "customers", Action: ActionSkip},
			{Table: "orders", Action: ActionSkip},
		})
		require.NoError(t, err)
		assert.Empty(t, out.Tables)
	})

	t.Run("rejects", func(t *testing.T) {
		cases := []struct {
			name      string
			decisions []ReviewDecision
		}{
			{"unknown table", []ReviewDecision{{Table: "nope", Action: ActionInclude}}},
			{"unknown action", []ReviewDecision{{Table: "orders", Action: "maybe"}}},
			{"duplicate decision", []ReviewDecision{
				{Table: "orders", Action: ActionInclude},
				{Table: "orders", Action: ActionSkip},
			}},
			{"rename collision", []ReviewDecision{{Table: "orders", Action: ActionInclude, OutputName: Ptr("customers")}}},
			{"empty rename", []ReviewDecision{{Table: "orders", Action: ActionInclude, OutputName: Ptr("")}}},
			{"path rename", []ReviewDecision{{Table: "orders", Action: ActionInclude, OutputName: Ptr("../../escaped")}}},
			{"nested rename", []ReviewDecision{{Table: "orders", Action: ActionInclude, OutputName: Ptr("sub/orders")}}},
			{"mixed case rename", []ReviewDecision{{Table: "orders", Action: ActionInclude, OutputName: Ptr("Sales")}}},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				_, err := samplePlan().ApplyDecisions(tc.decisions)
				require.ErrorIs(t, err, ErrInvalidDecision)
			})
		}
	})
}

func TestPlanValidate(t *testing.T) {
	require.NoError(t, samplePlan().Validate())

	p := samplePlan()
	p.Relationships[0].ToColumn = "missing"
	assert.Error(t, p.Validate())

	p = samplePlan()
	p.Tables[1].Name = "customers"
	assert.Error(t, p.Validate())

	p = samplePlan()
	p.Tables[0].Columns[0].Type = "decimal"
	assert.Error(t, p.Validate())
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to RunStatus
		want     bool
	}{
		{StatusPending, StatusIngesting, true},
		{StatusPending, StatusAnalyzing, false},
		{StatusDesigning, StatusReviewPending, true},
		{StatusDesigning, StatusExtracting, true},
		{StatusReviewPending, StatusExtracting, true},
		{StatusReviewPending, StatusCancelled, true},
		{StatusPersisting, StatusCompleted, true},
		{StatusExtracting, StatusFailed, true},
		{StatusCompleted, StatusFailed, false},
		{StatusCancelled, StatusPending, false},
		{StatusFailed, StatusIngesting, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestApplyTransition(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	run := &Run{Status: StatusPending}

	run.ApplyTransition(StatusIngesting, nil, now)
	require.NotNil(t, run.StartedAt)
	assert.Nil(t, run.CompletedAt)

	later := now.Add(time.Minute)
	run.ApplyTransition(StatusFailed, Ptr("boom"), later)
	assert.Equal(t, StatusFailed, run.Status)
	require.NotNil(t, run.CompletedAt)
	assert.Equal(t, later, *run.CompletedAt)
	assert.Equal(t, now, *run.StartedAt)
	require.NotNil(t, run.ErrorMessage)
	assert.Equal(t, "boom", *run.ErrorMessage)
}

func TestStatusClassification(t *testing.T) {
	for _, s := range AllStatuses {
		assert.False(t, s.IsTerminal() && s.IsExecuting(), s)
	}
	assert.False(t, StatusPending.IsExecuting())
	assert.False(t, StatusReviewPending.IsExecuting())
	assert.ElementsMatch(t,
		[]RunStatus{StatusIngesting, StatusAnalyzing, StatusDesigning, StatusExtracting, StatusValidating, StatusPersisting},
		ExecutingStatuses())
}
