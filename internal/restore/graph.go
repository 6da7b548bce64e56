package restore

import (
	"context"
	"fmt"
	"sort"

	"github.com/steveyegge/backupforce/internal/bulkapi"
)

// RequiredLookup is one reference field on child that must resolve
// against parent before child can be restored.
type RequiredLookup struct {
	Child  string
	Parent string
	Field  string
}

// dependencyGraph is a child->parent adjacency list restricted to objects
// within the selection (spec.md §4.6 "Dependency ordering").
type dependencyGraph struct {
	objects []string
	// edges[child] = set of parents child depends on
	edges map[string]map[string]bool
	// lookupField[child][parent] = the reference field name used
	lookupField map[string]map[string]string
}

// buildDependencyGraph describes each selected object and keeps reference
// fields whose target is also in the selection, mirroring how the
// Relationship Analyzer consults the Describe API for child relationships
// (internal/relationship), applied here in the reverse (child->parent)
// direction that restore ordering needs.
func buildDependencyGraph(ctx context.Context, client *bulkapi.Client, objects []string) (*dependencyGraph, error) {
	selected := make(map[string]bool, len(objects))
	for _, o := range objects {
		selected[o] = true
	}

	g := &dependencyGraph{
		objects:     objects,
		edges:       make(map[string]map[string]bool),
		lookupField: make(map[string]map[string]string),
	}
	for _, o := range objects {
		g.edges[o] = make(map[string]bool)
		g.lookupField[o] = make(map[string]string)
	}

	for _, child := range objects {
		desc, err := client.DescribeSObject(ctx, child)
		if err != nil {
			return nil, fmt.Errorf("describe %s for dependency graph: %w", child, err)
		}
		for _, field := range desc.Fields {
			if field.Type != "reference" {
				continue
			}
			for _, ref := range field.ReferenceTo {
				if ref == child {
					continue // self-reference is not a cross-object ordering dependency
				}
				if !selected[ref] {
					continue
				}
				g.edges[child][ref] = true
				g.lookupField[child][ref] = field.Name
			}
		}
	}
	return g, nil
}

// RequiredLookups returns child's required parent lookup fields.
func (g *dependencyGraph) RequiredLookups(child string) []RequiredLookup {
	var out []RequiredLookup
	for parent := range g.edges[child] {
		out = append(out, RequiredLookup{Child: child, Parent: parent, Field: g.lookupField[child][parent]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Parent < out[j].Parent })
	return out
}

// Plan is the outcome of topologicalOrder: the restore order, plus edges
// broken to resolve a cycle, each deferred to a second pass.
type Plan struct {
	Order         []string
	DeferredEdges []RequiredLookup
}

// topologicalOrder performs a Kahn-style sort over g: pick nodes with
// zero inbound (parent) edges remaining, emit them, then remove their
// outbound (child) edges from the graph. When no such node exists a
// cycle is present; it is broken by evicting the node with the fewest
// remaining inbound edges (spec.md §4.6 documented heuristic) and
// deferring its edges to a second restore pass.
func topologicalOrder(g *dependencyGraph) Plan {
	remaining := make(map[string]map[string]bool, len(g.edges))
	for node, parents := range g.edges {
		cp := make(map[string]bool, len(parents))
		for p := range parents {
			cp[p] = true
		}
		remaining[node] = cp
	}

	inSelection := make(map[string]bool, len(g.objects))
	for _, o := range g.objects {
		inSelection[o] = true
	}

	var order []string
	var deferred []RequiredLookup
	done := make(map[string]bool, len(g.objects))

	for len(done) < len(g.objects) {
		ready := readyNodes(g.objects, remaining, done)
		if len(ready) == 0 {
			victim := nodeWithFewestInboundEdges(g.objects, remaining, done)
			for parent := range remaining[victim] {
				deferred = append(deferred, RequiredLookup{Child: victim, Parent: parent, Field: g.lookupField[victim][parent]})
			}
			remaining[victim] = map[string]bool{}
			ready = []string{victim}
		}

		sort.Strings(ready)
		for _, node := range ready {
			order = append(order, node)
			done[node] = true
		}
		for node, parents := range remaining {
			if done[node] {
				continue
			}
			for _, emitted := range ready {
				delete(parents, emitted)
			}
		}
	}

	return Plan{Order: order, DeferredEdges: deferred}
}

func readyNodes(objects []string, remaining map[string]map[string]bool, done map[string]bool) []string {
	var ready []string
	for _, node := range objects {
		if done[node] {
			continue
		}
		if len(remaining[node]) == 0 {
			ready = append(ready, node)
		}
	}
	return ready
}

func nodeWithFewestInboundEdges(objects []string, remaining map[string]map[string]bool, done map[string]bool) string {
	best := ""
	bestCount := -1
	for _, node := range objects {
		if done[node] {
			continue
		}
		count := len(remaining[node])
		if bestCount == -1 || count < bestCount || (count == bestCount && node < best) {
			best = node
			bestCount = count
		}
	}
	return best
}
