package graph

import "sort"

// Shape is the dependency silhouette of one computation: which variables
// it reads and which it owns. Bodies are irrelevant to cycle analysis.
type Shape struct {
	ID      string
	Inputs  []string
	Outputs []string
}

// DetectCycle checks whether adding candidate to the existing shapes
// closes a producer→consumer cycle.
//
// The graph is built over computation ids: an edge a→b exists when some
// output of a is an input of b. When several shapes claim the same output
// name (a duplicate-output conflict, reported separately) every claimant
// contributes edges, so a conflict never masks a cycle. Detection is a
// DFS with a gray stack rooted at the candidate, so a single pass finds
// both self-loops and indirect cycles. The returned path is the first
// back-edge cycle found, as computation ids in forward order with the
// closing node repeated; nil means the candidate is acyclic against the
// given shapes.
func DetectCycle(candidate Shape, existing []Shape) []string {
	all := make([]Shape, 0, len(existing)+1)
	for _, s := range existing {
		if s.ID == candidate.ID {
			// Redefinition: analyze the prospective shape, not the old one
			continue
		}
		all = append(all, s)
	}
	all = append(all, candidate)

	producers := make(map[string][]string, len(all)) // output id -> claimant ids
	for _, s := range all {
		for _, out := range s.Outputs {
			producers[out] = append(producers[out], s.ID)
		}
	}

	// consumers[a] lists computations reading at least one output of a,
	// sorted for a deterministic witness
	consumers := make(map[string][]string, len(all))
	for _, s := range all {
		seen := make(map[string]bool)
		for _, in := range s.Inputs {
			for _, p := range producers[in] {
				if seen[p] {
					continue
				}
				seen[p] = true
				consumers[p] = append(consumers[p], s.ID)
			}
		}
	}
	for id := range consumers {
		sort.Strings(consumers[id])
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(all))
	parent := make(map[string]string, len(all))

	var cycle []string
	var dfs func(u string) bool
	dfs = func(u string) bool {
		color[u] = gray
		for _, v := range consumers[u] {
			switch color[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case gray:
				// Back-edge u -> v closes the cycle; walk parents back to v
				path := []string{v}
				for cur := u; cur != v; cur = parent[cur] {
					path = append(path, cur)
				}
				path = append(path, v)
				// Parent walk built the interior in reverse
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				cycle = path
				return true
			}
		}
		color[u] = black
		return false
	}

	if dfs(candidate.ID) {
		return cycle
	}
	return nil
}
