package taskorch

import (
	"fmt"
	"sort"
)

// Edge is a dependency: Task cannot proceed until Prerequisite completes.
type Edge struct {
	Task         string `json:"task_id"`
	Prerequisite string `json:"depends_on"`
}

// StatusFunc looks up the current status of a task.
type StatusFunc func(taskID string) TaskStatus

// Graph is an adjacency structure over dependency edges. It keeps both
// directions so prerequisite and dependent lookups are O(1).
//
// Graph is not safe for concurrent use; the store builds one per
// transaction.
type Graph struct {
	prereqs    map[string]map[string]struct{}
	dependents map[string]map[string]struct{}
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		prereqs:    make(map[string]map[string]struct{}),
		dependents: make(map[string]map[string]struct{}),
	}
}

// AddNode registers a task with no edges. Adding an existing node is a
// no-op.
func (g *Graph) AddNode(id string) {
	if _, ok := g.prereqs[id]; !ok {
		g.prereqs[id] = make(map[string]struct{})
	}
	if _, ok := g.dependents[id]; !ok {
		g.dependents[id] = make(map[string]struct{})
	}
}

// Nodes returns all task IDs in sorted order.
func (g *Graph) Nodes() []string {
	return sortedKeys(g.prereqs)
}

// AddEdge records that task depends on prerequisite.
//
// Before inserting, it checks whether task is already reachable from
// prerequisite through prerequisite edges. If so the edge would close a
// cycle and ErrCircularDependency is returned with the graph unchanged.
func (g *Graph) AddEdge(task, prerequisite string) error {
	if task == prerequisite {
		return &ErrValidation{
			Field:  "depends_on",
			Reason: fmt.Sprintf("task %s cannot depend on itself", task),
		}
	}
	if g.HasEdge(task, prerequisite) {
		return nil
	}

	if path := g.pathBetween(prerequisite, task); path != nil {
		return &ErrCircularDependency{
			TaskID:         task,
			PrerequisiteID: prerequisite,
			Path:           append([]string{task}, path...),
		}
	}

	g.AddNode(task)
	g.AddNode(prerequisite)
	g.prereqs[task][prerequisite] = struct{}{}
	g.dependents[prerequisite][task] = struct{}{}
	return nil
}

// RemoveEdge deletes the edge if present and reports whether it existed.
func (g *Graph) RemoveEdge(task, prerequisite string) bool {
	if !g.HasEdge(task, prerequisite) {
		return false
	}
	delete(g.prereqs[task], prerequisite)
	delete(g.dependents[prerequisite], task)
	return true
}

// RemoveNode deletes a task and every edge touching it.
func (g *Graph) RemoveNode(id string) {
	for p := range g.prereqs[id] {
		delete(g.dependents[p], id)
	}
	for d := range g.dependents[id] {
		delete(g.prereqs[d], id)
	}
	delete(g.prereqs, id)
	delete(g.dependents, id)
}

// HasEdge reports whether task depends directly on prerequisite.
func (g *Graph) HasEdge(task, prerequisite string) bool {
	_, ok := g.prereqs[task][prerequisite]
	return ok
}

// Edges returns every edge sorted by task then prerequisite.
func (g *Graph) Edges() []Edge {
	var edges []Edge
	for _, task := range sortedKeys(g.prereqs) {
		for _, p := range sortedKeys(g.prereqs[task]) {
			edges = append(edges, Edge{Task: task, Prerequisite: p})
		}
	}
	return edges
}

// Prerequisites returns the direct prerequisites of id.
func (g *Graph) Prerequisites(id string) []string {
	return sortedKeys(g.prereqs[id])
}

// Dependents returns the tasks that depend directly on id.
func (g *Graph) Dependents(id string) []string {
	return sortedKeys(g.dependents[id])
}

// AllPrerequisites returns every task id transitively depends on.
func (g *Graph) AllPrerequisites(id string) []string {
	return g.closure(id, g.prereqs)
}

// AllDependents returns every task that transitively depends on id.
func (g *Graph) AllDependents(id string) []string {
	return g.closure(id, g.dependents)
}

// IsBlocked returns true iff at least one prerequisite of id is not
// completed.
func (g *Graph) IsBlocked(id string, status StatusFunc) bool {
	for p := range g.prereqs[id] {
		if status(p) != StatusCompleted {
			return true
		}
	}
	return false
}

// OnComplete returns the direct dependents of id that are no longer
// blocked. The status function must already report id as completed.
// Persisting the resulting status changes is the caller's job.
func (g *Graph) OnComplete(id string, status StatusFunc) []string {
	var cleared []string
	for _, d := range g.Dependents(id) {
		if !g.IsBlocked(d, status) {
			cleared = append(cleared, d)
		}
	}
	return cleared
}

// TopologicalSort returns every node ordered so that prerequisites come
// before their dependents. Ties are broken lexically.
func (g *Graph) TopologicalSort() ([]string, error) {
	inDegree := make(map[string]int, len(g.prereqs))
	for id, ps := range g.prereqs {
		inDegree[id] = len(ps)
	}

	var ready []string
	for id, n := range inDegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(inDegree))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		var next []string
		for d := range g.dependents[id] {
			inDegree[d]--
			if inDegree[d] == 0 {
				next = append(next, d)
			}
		}
		if len(next) > 0 {
			ready = append(ready, next...)
			sort.Strings(ready)
		}
	}

	if len(order) != len(inDegree) {
		return nil, fmt.Errorf("dependency graph contains a cycle")
	}
	return order, nil
}

// CriticalPath returns the heaviest prerequisite chain in the graph and its
// total weight. Each node contributes weight(id).
func (g *Graph) CriticalPath(weight func(string) float64) ([]string, float64) {
	order, err := g.TopologicalSort()
	if err != nil || len(order) == 0 {
		return nil, 0
	}

	// dist[id] is the heaviest chain ending at id, inclusive.
	dist := make(map[string]float64, len(order))
	pred := make(map[string]string, len(order))
	for _, id := range order {
		best := 0.0
		for _, p := range g.Prerequisites(id) {
			if dist[p] > best {
				best = dist[p]
				pred[id] = p
			}
		}
		dist[id] = best + weight(id)
	}

	end := order[0]
	for _, id := range order {
		if dist[id] > dist[end] {
			end = id
		}
	}

	path := []string{end}
	for cur := end; ; {
		p, ok := pred[cur]
		if !ok {
			break
		}
		path = append(path, p)
		cur = p
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, dist[end]
}

// pathBetween returns a prerequisite-edge path from -> ... -> to, or nil if
// to is unreachable.
func (g *Graph) pathBetween(from, to string) []string {
	parent := map[string]string{from: ""}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == to {
			var path []string
			for n := to; n != ""; n = parent[n] {
				path = append(path, n)
			}
			for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
				path[i], path[j] = path[j], path[i]
			}
			return path
		}
		for _, next := range sortedKeys(g.prereqs[cur]) {
			if _, seen := parent[next]; !seen {
				parent[next] = cur
				queue = append(queue, next)
			}
		}
	}
	return nil
}

func (g *Graph) closure(id string, adj map[string]map[string]struct{}) []string {
	seen := make(map[string]struct{})
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for next := range adj[cur] {
			if _, ok := seen[next]; !ok {
				seen[next] = struct{}{}
				stack = append(stack, next)
			}
		}
	}
	delete(seen, id)
	return sortedKeys(seen)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
