package taskorch

import (
	"context"
)

// Order implements TaskStoreWithGraph.
func (s *Store) Order(ctx context.Context) ([]string, error) {
	g, _, err := loadGraph(ctx, s.db)
	if err != nil {
		return nil, err
	}
	return g.TopologicalSort()
}

// CriticalPath implements TaskStoreWithGraph.
//
// Only tasks that are not completed or cancelled take part. A task without
// an estimate weighs one hour.
func (s *Store) CriticalPath(ctx context.Context) ([]string, float64, error) {
	tasks, err := s.List(ctx, ListFilter{})
	if err != nil {
		return nil, 0, err
	}

	g := NewGraph()
	weights := make(map[string]float64)
	for _, t := range tasks {
		if t.IsTerminal() {
			continue
		}
		g.AddNode(t.ID)
		weights[t.ID] = 1
		if t.EstimatedHours != nil && *t.EstimatedHours > 0 {
			weights[t.ID] = *t.EstimatedHours
		}
	}
	for _, t := range tasks {
		if _, open := weights[t.ID]; !open {
			continue
		}
		for _, p := range t.DependsOn {
			if _, open := weights[p]; !open {
				continue
			}
			if err := g.AddEdge(t.ID, p); err != nil {
				return nil, 0, err
			}
		}
	}

	path, total := g.CriticalPath(func(id string) float64 {
		return weights[id]
	})
	return path, total, nil
}
