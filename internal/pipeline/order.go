package pipeline

import (
	"errors"
	"fmt"

	"github.com/dominikbraun/graph"
	"github.com/raphaelgruber/sheetflow/internal/models"
)

// dependencyOrder returns the named tables so that a referenced table comes before
// the tables pointing at it. Ties keep plan order. Relationships that would close a
// cycle are ignored.
func dependencyOrder(plan *models.ExtractionPlan, names []string) ([]string, error) {
	index := make(map[string]int, len(plan.Tables))
	for i, t := range plan.Tables {
		index[t.Name] = i
	}

	g := graph.New(graph.StringHash, graph.Directed(), graph.PreventCycles())
	for _, name := range names {
		if err := g.AddVertex(name); err != nil && !errors.Is(err, graph.ErrVertexAlreadyExists) {
			return nil, fmt.Errorf("add table %q: %w", name, err)
		}
	}
	for _, r := range plan.Relationships {
		if r.FromTable == r.ToTable {
			continue
		}
		err := g.AddEdge(r.ToTable, r.FromTable)
		switch {
		case err == nil:
		case errors.Is(err, graph.ErrVertexNotFound),
			errors.Is(err, graph.ErrEdgeAlreadyExists),
			errors.Is(err, graph.ErrEdgeCreatesCycle):
		default:
			return nil, fmt.Errorf("add relationship %s -> %s: %w", r.FromTable, r.ToTable, err)
		}
	}

	return graph.StableTopologicalSort(g, func(a, b string) bool {
		return index[a] < index[b]
	})
}
