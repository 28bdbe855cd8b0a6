package plugin

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func edgesOf(graph map[string][]string) EdgeFunc {
	return func(id string) []string { return graph[id] }
}

func TestDependencyResolver_Sort(t *testing.T) {
	resolver := NewDependencyResolver(testLogger())

	tests := []struct {
		name     string
		ids      []string
		graph    map[string][]string
		expected []string
	}{
		{
			name:     "no dependencies keeps input order",
			ids:      []string{"c", "a", "b"},
			graph:    map[string][]string{},
			expected: []string{"c", "a", "b"},
		},
		{
			name:     "linear chain",
			ids:      []string{"app", "lib", "core"},
			graph:    map[string][]string{"app": {"lib"}, "lib": {"core"}},
			expected: []string{"core", "lib", "app"},
		},
		{
			name:     "diamond",
			ids:      []string{"top", "left", "right", "base"},
			graph:    map[string][]string{"top": {"left", "right"}, "left": {"base"}, "right": {"base"}},
			expected: []string{"base", "left", "right", "top"},
		},
		{
			name:     "edges outside the set are ignored",
			ids:      []string{"a"},
			graph:    map[string][]string{"a": {"external"}},
			expected: []string{"a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order, err := resolver.Sort(tt.ids, edgesOf(tt.graph))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, order)
		})
	}

	t.Run("cycle", func(t *testing.T) {
		_, err := resolver.Sort([]string{"a", "b", "c"}, edgesOf(map[string][]string{
			"a": {"b"}, "b": {"c"}, "c": {"a"},
		}))
		require.Error(t, err)

		var cycleErr *CycleError
		require.True(t, errors.As(err, &cycleErr))
		assert.Equal(t, []string{"a", "b", "c", "a"}, cycleErr.Cycle)
		assert.Equal(t, "Circular dependency detected involving plugin: a (a -> b -> c -> a)", err.Error())
	})

	t.Run("self dependency", func(t *testing.T) {
		_, err := resolver.Sort([]string{"a"}, edgesOf(map[string][]string{"a": {"a"}}))
		assert.ErrorIs(t, err, ErrCircularDependency)
	})
}

func TestDependencyResolver_FindCycle(t *testing.T) {
	resolver := NewDependencyResolver(testLogger())
	graph := edgesOf(map[string][]string{
		"a": {"b"},
		"b": {"a"},
		"c": {"a"},
		"d": {},
	})

	assert.Equal(t, []string{"a", "b", "a"}, resolver.FindCycle("a", graph))
	assert.Nil(t, resolver.FindCycle("c", graph))
	assert.Nil(t, resolver.FindCycle("d", graph))
	assert.Nil(t, resolver.FindCycle("unknown", graph))
}

func TestDependencyResolver_DetectCycles(t *testing.T) {
	resolver := NewDependencyResolver(testLogger())

	cycles := resolver.DetectCycles([]string{"a", "b", "c", "x", "y"}, edgesOf(map[string][]string{
		"a": {"b"},
		"b": {"a"},
		"c": {"a"},
		"x": {"y"},
		"y": {"x"},
	}))

	require.Len(t, cycles, 2)
	assert.Equal(t, []string{"a", "b", "a"}, cycles[0])
	assert.Equal(t, []string{"x", "y", "x"}, cycles[1])
}
