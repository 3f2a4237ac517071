package depgraph

import (
	"github.com/stack-tools/stackd/pkg/errors"
	"github.com/stack-tools/stackd/pkg/topology"
)

// Graph is an immutable view of the dependency relation between units:
// direct dependencies, direct dependents and a topological start order.
// Built once per topology, never mutated in place.
type Graph struct {
	names        []string
	dependencies map[string][]string
	dependents   map[string][]string
	order        []string
}

// Build constructs the graph from a validated set of unit specs. Returns
// a CycleError naming the offending units when the dependency relation is
// not acyclic. Reference resolution has already happened at topology load,
// so an unknown name here is an internal error.
func Build(units []topology.UnitSpec) (*Graph, error) {
	g := &Graph{
		names:        make([]string, 0, len(units)),
		dependencies: make(map[string][]string, len(units)),
		dependents:   make(map[string][]string, len(units)),
	}

	for _, unit := range units {
		if _, exists := g.dependencies[unit.Name]; exists {
			return nil, errors.NewInternalError("duplicate unit name reached graph builder: "+unit.Name, nil)
		}
		g.names = append(g.names, unit.Name)
		g.dependencies[unit.Name] = append([]string(nil), unit.DependsOn...)
	}

	for _, name := range g.names {
		for _, dep := range g.dependencies[name] {
			if _, exists := g.dependencies[dep]; !exists {
				return nil, errors.NewInternalError("unresolved dependency reached graph builder: "+dep, nil).
					WithContext("unit", name)
			}
			g.dependents[dep] = append(g.dependents[dep], name)
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, errors.NewCycleError(cycle)
	}

	g.order = g.topologicalOrder()

	return g, nil
}

// Three-color depth-first traversal: white = unvisited, gray = on the
// current path, black = done. A gray neighbor is a back-edge; the cycle is
// read back off the traversal stack.
func (g *Graph) findCycle() []string {
	const (
		white = iota
		gray
		black
	)

	color := make(map[string]int, len(g.names))
	var stack []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		color[name] = gray
		stack = append(stack, name)

		for _, dep := range g.dependencies[name] {
			switch color[dep] {
			case white:
				if visit(dep) {
					return true
				}
			case gray:
				// Back-edge: the cycle is the stack suffix starting at dep.
				for i, member := range stack {
					if member == dep {
						cycle = append([]string(nil), stack[i:]...)
						break
					}
				}
				return true
			}
		}

		stack = stack[:len(stack)-1]
		color[name] = black
		return false
	}

	for _, name := range g.names {
		if color[name] == white {
			if visit(name) {
				return cycle
			}
		}
	}

	return nil
}

// Kahn's algorithm, always taking the earliest-declared ready unit so the
// ordering is deterministic and ties resolve by declaration order.
func (g *Graph) topologicalOrder() []string {
	remaining := make(map[string]int, len(g.names))
	for _, name := range g.names {
		remaining[name] = len(g.dependencies[name])
	}

	order := make([]string, 0, len(g.names))
	placed := make(map[string]bool, len(g.names))

	for len(order) < len(g.names) {
		for _, name := range g.names {
			if !placed[name] && remaining[name] == 0 {
				order = append(order, name)
				placed[name] = true
				for _, dependent := range g.dependents[name] {
					remaining[dependent]--
				}
				break
			}
		}
	}

	return order
}

// Len returns the number of units in the graph.
func (g *Graph) Len() int {
	return len(g.names)
}

// Contains reports whether the graph holds a unit with this name.
func (g *Graph) Contains(name string) bool {
	_, exists := g.dependencies[name]
	return exists
}

// Names returns the units in declaration order.
func (g *Graph) Names() []string {
	return append([]string(nil), g.names...)
}

// StartOrder returns a valid topological ordering: every unit appears
// after all of its dependencies.
func (g *Graph) StartOrder() []string {
	return append([]string(nil), g.order...)
}

// StopOrder returns the reverse of StartOrder: every unit appears before
// all of its dependencies.
func (g *Graph) StopOrder() []string {
	reversed := make([]string, len(g.order))
	for i, name := range g.order {
		reversed[len(g.order)-1-i] = name
	}
	return reversed
}

// Dependencies returns the direct dependencies of a unit, declared order.
func (g *Graph) Dependencies(name string) []string {
	return append([]string(nil), g.dependencies[name]...)
}

// Dependents returns the units that directly depend on name.
func (g *Graph) Dependents(name string) []string {
	return append([]string(nil), g.dependents[name]...)
}

// TransitiveDependents returns every unit that directly or indirectly
// depends on name, in breadth-first order. Used for failure propagation.
func (g *Graph) TransitiveDependents(name string) []string {
	var result []string
	seen := map[string]bool{name: true}
	queue := append([]string(nil), g.dependents[name]...)

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if seen[current] {
			continue
		}
		seen[current] = true
		result = append(result, current)
		queue = append(queue, g.dependents[current]...)
	}

	return result
}
