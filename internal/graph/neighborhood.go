package graph

import (
	"sort"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/types"
)

// Expansion depth bounds. Depth counts relation hops from the seed set.
const (
	MinExpandDepth = 1
	MaxExpandDepth = 2
)

// Expand walks the relation graph breadth-first from the seed entity ids,
// following edges in both directions, and returns the entities reached
// within depth hops plus every relation whose endpoints are both inside
// that set. Seeds are included at depth zero; unknown seeds are skipped.
// Traversal order is deterministic: each BFS level is visited in id order.
func (g *Graph) Expand(seeds []string, depth int) *types.Neighborhood {
	if depth < MinExpandDepth {
		depth = MinExpandDepth
	}
	if depth > MaxExpandDepth {
		depth = MaxExpandDepth
	}

	frontier := make([]string, 0, len(seeds))
	visited := make(map[string]bool, len(seeds))
	for _, seed := range seeds {
		if _, ok := g.Entities[seed]; !ok {
			continue
		}
		if !visited[seed] {
			visited[seed] = true
			frontier = append(frontier, seed)
		}
	}
	sort.Strings(frontier)

	// Undirected adjacency built once per call; graphs here are small.
	adjacency := make(map[string][]string, len(g.Entities))
	for _, rel := range g.Relations {
		adjacency[rel.FromID] = append(adjacency[rel.FromID], rel.ToID)
		adjacency[rel.ToID] = append(adjacency[rel.ToID], rel.FromID)
	}

	order := append([]string(nil), frontier...)
	for level := 0; level < depth && len(frontier) > 0; level++ {
		var next []string
		for _, id := range frontier {
			for _, neighbor := range adjacency[id] {
				if visited[neighbor] {
					continue
				}
				if _, ok := g.Entities[neighbor]; !ok {
					continue
				}
				visited[neighbor] = true
				next = append(next, neighbor)
			}
		}
		sort.Strings(next)
		order = append(order, next...)
		frontier = next
	}

	nb := &types.Neighborhood{
		Entities:  make([]types.Entity, 0, len(order)),
		Relations: []types.Relation{},
	}
	for _, id := range order {
		nb.Entities = append(nb.Entities, g.Entities[id])
	}
	for _, rel := range g.Relations {
		if visited[rel.FromID] && visited[rel.ToID] {
			nb.Relations = append(nb.Relations, rel)
		}
	}
	sort.Slice(nb.Relations, func(i, j int) bool { return nb.Relations[i].ID < nb.Relations[j].ID })
	return nb
}
