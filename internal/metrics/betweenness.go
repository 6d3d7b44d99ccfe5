package metrics

// ComputeBetweenness calculates directed betweenness centrality with the
// Brandes algorithm, normalized by (n-1)(n-2). Nodes that many shortest
// paths pass through are choke points in the graph.
func ComputeBetweenness(graph map[string][]string) map[string]float64 {
	ix := index(graph)
	n := len(ix.ids)

	bc := make([]float64, n)
	if n >= 3 {
		sigma := make([]float64, n)
		dist := make([]int, n)
		delta := make([]float64, n)
		pred := make([][]int, n)

		for s := 0; s < n; s++ {
			for i := range n {
				sigma[i], dist[i], delta[i] = 0, -1, 0
				pred[i] = pred[i][:0]
			}
			sigma[s], dist[s] = 1, 0

			stack := make([]int, 0, n)
			queue := []int{s}
			for len(queue) > 0 {
				v := queue[0]
				queue = queue[1:]
				stack = append(stack, v)
				for _, w := range ix.out[v] {
					if dist[w] < 0 {
						dist[w] = dist[v] + 1
						queue = append(queue, w)
					}
					if dist[w] == dist[v]+1 {
						sigma[w] += sigma[v]
						pred[w] = append(pred[w], v)
					}
				}
			}

			// Stack pops in order of non-increasing distance
			for i := len(stack) - 1; i >= 0; i-- {
				w := stack[i]
				for _, v := range pred[w] {
					delta[v] += sigma[v] / sigma[w] * (1 + delta[w])
				}
				if w != s {
					bc[w] += delta[w]
				}
			}
		}

		norm := float64((n - 1) * (n - 2))
		for i := range bc {
			bc[i] /= norm
		}
	}

	out := make(map[string]float64, n)
	for i, id := range ix.ids {
		out[id] = bc[i]
	}
	return out
}
