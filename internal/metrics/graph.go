// Package metrics scores the nodes of a relationship graph. Graphs are
// adjacency maps (node -> targets); every function visits nodes in sorted
// order so scores are reproducible run to run.
package metrics

import "slices"

// indexed is an adjacency map flattened to integer node ids.
type indexed struct {
	ids []string
	pos map[string]int
	out [][]int
	in  [][]int
}

// index collects every node, including nodes that only appear as targets.
func index(graph map[string][]string) indexed {
	seen := make(map[string]struct{}, len(graph))
	for node, targets := range graph {
		seen[node] = struct{}{}
		for _, t := range targets {
			seen[t] = struct{}{}
		}
	}

	ix := indexed{ids: make([]string, 0, len(seen)), pos: make(map[string]int, len(seen))}
	for node := range seen {
		ix.ids = append(ix.ids, node)
	}
	slices.Sort(ix.ids)
	for i, id := range ix.ids {
		ix.pos[id] = i
	}

	ix.out = make([][]int, len(ix.ids))
	ix.in = make([][]int, len(ix.ids))
	for i, id := range ix.ids {
		for _, t := range graph[id] {
			j := ix.pos[t]
			ix.out[i] = append(ix.out[i], j)
			ix.in[j] = append(ix.in[j], i)
		}
	}
	return ix
}

// ComputeInOutDegree counts incoming and outgoing edges per node.
func ComputeInOutDegree(graph map[string][]string) (inDegree, outDegree map[string]int) {
	ix := index(graph)
	inDegree = make(map[string]int, len(ix.ids))
	outDegree = make(map[string]int, len(ix.ids))
	for i, id := range ix.ids {
		inDegree[id] = len(ix.in[i])
		outDegree[id] = len(ix.out[i])
	}
	return inDegree, outDegree
}

// FindRoots returns nodes with no incoming edges, sorted.
func FindRoots(graph map[string][]string) []string {
	ix := index(graph)
	var roots []string
	for i, id := range ix.ids {
		if len(ix.in[i]) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}
