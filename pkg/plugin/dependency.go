package plugin

import (
	"github.com/rs/zerolog"
)

// EdgeFunc returns the ids a plugin depends on
type EdgeFunc func(pluginID string) []string

// DependencyResolver orders plugins so that dependencies precede dependents
type DependencyResolver struct {
	logger zerolog.Logger
}

// NewDependencyResolver creates a new dependency resolver
func NewDependencyResolver(logger zerolog.Logger) *DependencyResolver {
	return &DependencyResolver{
		logger: logger.With().Str("component", "dependency-resolver").Logger(),
	}
}

// Sort performs a depth-first topological sort restricted to ids. Input
// order is preserved wherever dependencies allow it, and edges leading
// outside ids are ignored. A cycle yields a *CycleError.
func (r *DependencyResolver) Sort(ids []string, edges EdgeFunc) ([]string, error) {
	inSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		inSet[id] = true
	}

	sorted := make([]string, 0, len(ids))
	visited := make(map[string]bool, len(ids))
	onStack := make(map[string]bool)
	var stack []string

	var visit func(string) error
	visit = func(id string) error {
		if visited[id] {
			return nil
		}
		if onStack[id] {
			return &CycleError{Cycle: cycleFromStack(stack, id)}
		}

		onStack[id] = true
		stack = append(stack, id)

		// Visit dependencies first
		for _, dep := range edges(id) {
			if !inSet[dep] {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}

		stack = stack[:len(stack)-1]
		onStack[id] = false
		visited[id] = true
		sorted = append(sorted, id)
		return nil
	}

	for _, id := range ids {
		if err := visit(id); err != nil {
			r.logger.Warn().Err(err).Msg("Dependency cycle detected")
			return nil, err
		}
	}

	r.logger.Debug().
		Int("count", len(sorted)).
		Strs("order", sorted).
		Msg("Computed dependency order")

	return sorted, nil
}

// FindCycle walks the dependency chain from start and returns the path back
// to start if one exists, e.g. [a b a]. It returns nil when start is not on a cycle.
func (r *DependencyResolver) FindCycle(start string, edges EdgeFunc) []string {
	visited := make(map[string]bool)
	path := []string{start}

	var walk func(string) bool
	walk = func(id string) bool {
		for _, dep := range edges(id) {
			if dep == start {
				path = append(path, dep)
				return true
			}
			if visited[dep] {
				continue
			}
			visited[dep] = true
			path = append(path, dep)
			if walk(dep) {
				return true
			}
			path = path[:len(path)-1]
		}
		return false
	}

	if walk(start) {
		return path
	}
	return nil
}

// DetectCycles returns every distinct cycle reachable from nodes, in node order
func (r *DependencyResolver) DetectCycles(nodes []string, edges EdgeFunc) [][]string {
	var cycles [][]string
	seen := make(map[string]bool)
	for _, id := range nodes {
		if seen[id] {
			continue
		}
		if cycle := r.FindCycle(id, edges); cycle != nil {
			for _, member := range cycle {
				seen[member] = true
			}
			cycles = append(cycles, cycle)
		}
	}

	if len(cycles) > 0 {
		r.logger.Warn().Int("count", len(cycles)).Msg("Detected dependency cycles")
	}
	return cycles
}

func cycleFromStack(stack []string, repeated string) []string {
	for i, id := range stack {
		if id == repeated {
			cycle := make([]string, 0, len(stack)-i+1)
			cycle = append(cycle, stack[i:]...)
			return append(cycle, repeated)
		}
	}
	return []string{repeated, repeated}
}
