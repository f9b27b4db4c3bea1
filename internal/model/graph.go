package model

import "slices"

// cycles groups the nodes that lie on a cycle into components of mutually
// reachable nodes. Components are sorted and appear in the declaration order
// of their first node. Models are small, so a walk per node is fine.
func cycles(nodes []Node) [][]string {
	succ := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		succ[n.ID] = n.Successors
	}

	reach := make(map[string]map[string]bool, len(nodes))
	for _, n := range nodes {
		seen := map[string]bool{}
		work := slices.Clone(succ[n.ID])
		for len(work) > 0 {
			id := work[len(work)-1]
			work = work[:len(work)-1]
			if seen[id] {
				continue
			}
			seen[id] = true
			work = append(work, succ[id]...)
		}
		reach[n.ID] = seen
	}

	var (
		out    [][]string
		placed = map[string]bool{}
	)
	for _, n := range nodes {
		if placed[n.ID] || !reach[n.ID][n.ID] {
			continue
		}
		comp := []string{n.ID}
		for _, o := range nodes {
			if o.ID != n.ID && reach[n.ID][o.ID] && reach[o.ID][n.ID] {
				comp = append(comp, o.ID)
			}
		}
		for _, id := range comp {
			placed[id] = true
		}
		slices.Sort(comp)
		out = append(out, comp)
	}
	return out
}

// closure returns, for every node, the set of nodes reachable from it by a
// non-empty path. The graph must be acyclic.
func closure(nodes []Node) map[string]map[string]struct{} {
	succ := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		succ[n.ID] = n.Successors
	}

	reach := make(map[string]map[string]struct{}, len(nodes))

	var visit func(string) map[string]struct{}
	visit = func(id string) map[string]struct{} {
		if r, ok := reach[id]; ok {
			return r
		}
		r := map[string]struct{}{}
		for _, s := range succ[id] {
			r[s] = struct{}{}
			for x := range visit(s) {
				r[x] = struct{}{}
			}
		}
		reach[id] = r
		return r
	}

	for _, n := range nodes {
		visit(n.ID)
	}
	return reach
}
