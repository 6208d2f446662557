package pipeline

import (
	"slices"
	"sync"
	"testing"

	"github.com/raphaelgruber/sheetflow/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenFirstReasonWins(t *testing.T) {
	tok := NewToken()
	assert.False(t, tok.Cancelled())

	var wg sync.WaitGroup
	wins := make(chan bool, 8)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := ReasonRequested
			if i%2 == 0 {
				r = ReasonDisconnected
			}
			wins <- tok.Cancel(r)
		}()
	}
	wg.Wait()
	close(wins)

	n := 0
	for w := range wins {
		if w {
			n++
		}
	}
	assert.Equal(t, 1, n)
	assert.True(t, tok.Cancelled())
	assert.NotEqual(t, ReasonNone, tok.Reason())
	select {
	case <-tok.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	e, ok := r.Attach("r1")
	require.True(t, ok)
	_, ok = r.Attach("r1")
	assert.False(t, ok, "second attach is rejected")

	got, ok := r.Get("r1")
	require.True(t, ok)
	assert.Same(t, e, got)

	e.NotifyResume()
	e.NotifyResume()
	<-e.ResumeSignal()
	select {
	case <-e.ResumeSignal():
		t.Fatal("resume signals must not queue up")
	default:
	}

	r.Detach(e)
	assert.Equal(t, 0, r.Len())
	e2, ok := r.Attach("r1")
	require.True(t, ok)
	r.Detach(e)
	assert.Equal(t, 1, r.Len(), "stale detach leaves the new execution alone")
	r.Detach(e2)
}

func TestDependencyOrder(t *testing.T) {
	plan := &models.ExtractionPlan{
		Tables: []models.TablePlan{{Name: "order_items"}, {Name: "orders"}, {Name: "customers"}, {Name: "notes"}},
		Relationships: []models.Relationship{
			{FromTable: "order_items", ToTable: "orders"},
			{FromTable: "orders", ToTable: "customers"},
			{FromTable: "customers", ToTable: "order_items"},
			{FromTable: "notes", ToTable: "notes"},
		},
	}

	order, err := dependencyOrder(plan, []string{"order_items", "orders", "customers", "notes"})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"customers", "orders", "order_items", "notes"}, order)
	assert.Less(t, slices.Index(order, "customers"), slices.Index(order, "orders"))
	assert.Less(t, slices.Index(order, "orders"), slices.Index(order, "order_items"))
	assert.Equal(t, "customers", order[0], "the cycle-closing edge is dropped")

	order, err = dependencyOrder(plan, []string{"order_items", "notes"})
	require.NoError(t, err)
	assert.Equal(t, []string{"order_items", "notes"}, order, "relationships to unproduced tables are ignored")
}

func TestCheckTable(t *testing.T) {
	opts := DefaultOptions()
	tests := []struct {
		name      string
		res       models.TableResult
		estimated int
		want      []models.Severity
	}{
		{"clean", models.TableResult{Name: "t", Status: models.ItemCompleted, Rows: 10}, 10, nil},
		{"failed", models.TableResult{Name: "t", Status: models.ItemFailed, Error: "boom"}, 10, []models.Severity{models.SeverityError}},
		{"empty", models.TableResult{Name: "t", Status: models.ItemCompleted}, 10, []models.Severity{models.SeverityWarning}},
		{"row deviation", models.TableResult{Name: "t", Status: models.ItemCompleted, Rows: 2}, 10, []models.Severity{models.SeverityWarning}},
		{"coercion over threshold", models.TableResult{Name: "t", Status: models.ItemCompleted, Rows: 10, CoercionFailures: 3, CoercionFailureRate: 0.15}, 10, []models.Severity{models.SeverityError}},
		{"coercion under threshold", models.TableResult{Name: "t", Status: models.ItemCompleted, Rows: 10, CoercionFailures: 1, CoercionFailureRate: 0.01}, 10, []models.Severity{models.SeverityInfo}},
		{"null violations", models.TableResult{Name: "t", Status: models.ItemCompleted, Rows: 10, NullViolations: 2}, 0, []models.Severity{models.SeverityWarning}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tv := checkTable(tt.res, tt.estimated, opts)
			var got []models.Severity
			for _, f := range tv.Findings {
				got = append(got, f.Severity)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}
