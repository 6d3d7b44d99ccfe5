package metrics

import (
	"cmp"
	"slices"
)

// Importance buckets a node by its PageRank relative to the graph's top node.
type Importance string

const (
	Critical Importance = "critical"
	High     Importance = "high"
	Medium   Importance = "medium"
	Low      Importance = "low"
)

// ImportanceThresholds are lower bounds on relative PageRank (top node = 1).
type ImportanceThresholds struct {
	Critical   float64
	High       float64
	Medium     float64
	Bottleneck float64 // betweenness
}

// DefaultThresholds returns the default importance thresholds.
func DefaultThresholds() ImportanceThresholds {
	return ImportanceThresholds{
		Critical:   0.90,
		High:       0.50,
		Medium:     0.20,
		Bottleneck: 0.20,
	}
}

// Classify returns the importance level of a relative PageRank.
func (t ImportanceThresholds) Classify(relative float64) Importance {
	switch {
	case relative >= t.Critical:
		return Critical
	case relative >= t.High:
		return High
	case relative >= t.Medium:
		return Medium
	default:
		return Low
	}
}

// Metrics holds computed scores for one node.
type Metrics struct {
	Node        string     `json:"node"`
	PageRank    float64    `json:"pagerank"`
	Betweenness float64    `json:"betweenness"`
	InDegree    int        `json:"in_degree"`
	OutDegree   int        `json:"out_degree"`
	Importance  Importance `json:"importance"`
	Bottleneck  bool       `json:"bottleneck,omitempty"`
}

// Analyze scores every node of graph, highest PageRank first.
func Analyze(graph map[string][]string, t ImportanceThresholds) []Metrics {
	pr := ComputePageRank(graph, DefaultPageRankConfig())
	rel := Relative(pr)
	bc := ComputeBetweenness(graph)
	in, out := ComputeInOutDegree(graph)

	result := make([]Metrics, 0, len(pr))
	for node, score := range pr {
		result = append(result, Metrics{
			Node:        node,
			PageRank:    score,
			Betweenness: bc[node],
			InDegree:    in[node],
			OutDegree:   out[node],
			Importance:  t.Classify(rel[node]),
			Bottleneck:  bc[node] >= t.Bottleneck,
		})
	}
	slices.SortFunc(result, func(a, b Metrics) int {
		if c := cmp.Compare(b.PageRank, a.PageRank); c != 0 {
			return c
		}
		return cmp.Compare(a.Node, b.Node)
	})
	return result
}
