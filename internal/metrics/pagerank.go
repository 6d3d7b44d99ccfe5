package metrics

import (
	"cmp"
	"math"
	"slices"
)

// PageRankConfig holds algorithm parameters for PageRank computation.
type PageRankConfig struct {
	// Damping is the probability of following a link. Standard value is 0.85.
	Damping float64

	// MaxIterations bounds the power iteration.
	MaxIterations int

	// Tolerance stops iteration once the largest per-node change is below it.
	Tolerance float64
}

// DefaultPageRankConfig returns the default PageRank configuration.
func DefaultPageRankConfig() PageRankConfig {
	return PageRankConfig{
		Damping:       0.85,
		MaxIterations: 100,
		Tolerance:     0.0001,
	}
}

// PageRankResult contains the PageRank computation results.
type PageRankResult struct {
	Scores     map[string]float64
	Iterations int
	Converged  bool
	FinalDelta float64
}

// ComputePageRank returns the PageRank of every node. Scores sum to 1.
// An empty graph yields nil.
func ComputePageRank(graph map[string][]string, config PageRankConfig) map[string]float64 {
	return ComputePageRankWithInfo(graph, config).Scores
}

// ComputePageRankWithInfo calculates PageRank and reports convergence.
func ComputePageRankWithInfo(graph map[string][]string, config PageRankConfig) PageRankResult {
	ix := index(graph)
	n := len(ix.ids)
	if n == 0 {
		return PageRankResult{Converged: true}
	}

	pr := make([]float64, n)
	for i := range pr {
		pr[i] = 1.0 / float64(n)
	}

	result := PageRankResult{FinalDelta: 1.0}
	next := make([]float64, n)
	for iter := 0; iter < config.MaxIterations; iter++ {
		// Dangling nodes spread their rank evenly
		dangling := 0.0
		for i := range pr {
			if len(ix.out[i]) == 0 {
				dangling += pr[i]
			}
		}
		base := (1.0-config.Damping)/float64(n) + config.Damping*dangling/float64(n)

		maxDelta := 0.0
		for i := range next {
			next[i] = base
			for _, src := range ix.in[i] {
				next[i] += config.Damping * pr[src] / float64(len(ix.out[src]))
			}
			maxDelta = math.Max(maxDelta, math.Abs(next[i]-pr[i]))
		}
		pr, next = next, pr

		result.Iterations = iter + 1
		result.FinalDelta = maxDelta
		if maxDelta < config.Tolerance {
			result.Converged = true
			break
		}
	}

	result.Scores = make(map[string]float64, n)
	for i, id := range ix.ids {
		result.Scores[id] = pr[i]
	}
	return result
}

// NodeScore pairs a node ID with its score.
type NodeScore struct {
	Node  string  `json:"node"`
	Score float64 `json:"score"`
}

// TopN returns the n highest scores, ties broken by node ID.
func TopN(scores map[string]float64, n int) []NodeScore {
	if n <= 0 || len(scores) == 0 {
		return nil
	}

	result := make([]NodeScore, 0, len(scores))
	for node, score := range scores {
		result = append(result, NodeScore{Node: node, Score: score})
	}
	slices.SortFunc(result, func(a, b NodeScore) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.Node, b.Node)
	})

	return result[:min(n, len(result))]
}

// Relative rescales scores so the largest is 1.
func Relative(scores map[string]float64) map[string]float64 {
	top := 0.0
	for _, s := range scores {
		top = math.Max(top, s)
	}
	out := make(map[string]float64, len(scores))
	for node, s := range scores {
		if top > 0 {
			out[node] = s / top
		}
	}
	return out
}
