package depgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stack-tools/stackd/pkg/errors"
	"github.com/stack-tools/stackd/pkg/topology"
)

func units(specs ...topology.UnitSpec) []topology.UnitSpec {
	return specs
}

func unit(name string, deps ...string) topology.UnitSpec {
	return topology.UnitSpec{Name: name, Command: "/bin/true", DependsOn: deps}
}

// assertTopological checks that every unit appears after all its dependencies.
func assertTopological(t *testing.T, g *Graph, order []string) {
	t.Helper()
	position := make(map[string]int, len(order))
	for i, name := range order {
		position[name] = i
	}
	for _, name := range order {
		for _, dep := range g.Dependencies(name) {
			assert.Less(t, position[dep], position[name],
				"%s must come after its dependency %s in %v", name, dep, order)
		}
	}
}

func TestBuild_LinearChain(t *testing.T) {
	g, err := Build(units(
		unit("db"),
		unit("backend", "db"),
		unit("frontend", "backend"),
	))
	require.NoError(t, err)

	assert.Equal(t, 3, g.Len())
	assert.Equal(t, []string{"db", "backend", "frontend"}, g.StartOrder())
	assert.Equal(t, []string{"frontend", "backend", "db"}, g.StopOrder())
}

func TestBuild_DeclarationOrderBreaksTies(t *testing.T) {
	// cache and db are both dependency-free; cache is declared first and
	// must therefore start first.
	g, err := Build(units(
		unit("cache"),
		unit("db"),
		unit("app", "db", "cache"),
	))
	require.NoError(t, err)

	assert.Equal(t, []string{"cache", "db", "app"}, g.StartOrder())
}

func TestBuild_Diamond(t *testing.T) {
	g, err := Build(units(
		unit("base"),
		unit("left", "base"),
		unit("right", "base"),
		unit("top", "left", "right"),
	))
	require.NoError(t, err)

	order := g.StartOrder()
	assertTopological(t, g, order)
	assert.Equal(t, "base", order[0])
	assert.Equal(t, "top", order[3])
}

func TestBuild_IndependentUnits(t *testing.T) {
	g, err := Build(units(unit("a"), unit("b"), unit("c")))
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, g.StartOrder())
	assert.Equal(t, []string{"c", "b", "a"}, g.StopOrder())
}

func TestBuild_CycleDetection(t *testing.T) {
	tests := []struct {
		name  string
		units []topology.UnitSpec
		cycle []string
	}{
		{
			name:  "two_unit_cycle",
			units: units(unit("a", "b"), unit("b", "a")),
			cycle: []string{"a", "b"},
		},
		{
			name:  "self_loop",
			units: units(unit("a", "a")),
			cycle: []string{"a"},
		},
		{
			name:  "three_unit_cycle",
			units: units(unit("a", "c"), unit("b", "a"), unit("c", "b")),
			cycle: []string{"a", "c", "b"},
		},
		{
			name: "cycle_behind_valid_prefix",
			units: units(
				unit("ok"),
				unit("x", "ok", "y"),
				unit("y", "x"),
			),
			cycle: []string{"x", "y"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.units)
			require.Error(t, err)
			require.True(t, errors.IsCycleError(err))

			var cycleErr *errors.CycleError
			require.ErrorAs(t, err, &cycleErr)
			assert.Equal(t, tt.cycle, cycleErr.Units)

			for _, member := range tt.cycle {
				assert.Contains(t, err.Error(), member)
			}
		})
	}
}

func TestGraph_Lookups(t *testing.T) {
	g, err := Build(units(
		unit("db"),
		unit("cache"),
		unit("backend", "db", "cache"),
		unit("frontend", "backend"),
	))
	require.NoError(t, err)

	assert.True(t, g.Contains("db"))
	assert.False(t, g.Contains("ghost"))
	assert.Equal(t, []string{"db", "cache", "backend", "frontend"}, g.Names())
	assert.Equal(t, []string{"db", "cache"}, g.Dependencies("backend"))
	assert.Empty(t, g.Dependencies("db"))
	assert.Equal(t, []string{"backend"}, g.Dependents("db"))
	assert.Empty(t, g.Dependents("frontend"))
}

func TestGraph_TransitiveDependents(t *testing.T) {
	g, err := Build(units(
		unit("db"),
		unit("backend", "db"),
		unit("worker", "db"),
		unit("frontend", "backend"),
	))
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"backend", "worker", "frontend"}, g.TransitiveDependents("db"))
	assert.Equal(t, []string{"frontend"}, g.TransitiveDependents("backend"))
	assert.Empty(t, g.TransitiveDependents("frontend"))
}

func TestGraph_ReturnsCopies(t *testing.T) {
	g, err := Build(units(unit("db"), unit("app", "db")))
	require.NoError(t, err)

	order := g.StartOrder()
	order[0] = "mutated"
	assert.Equal(t, []string{"db", "app"}, g.StartOrder())

	deps := g.Dependencies("app")
	deps[0] = "mutated"
	assert.Equal(t, []string{"db"}, g.Dependencies("app"))
}
