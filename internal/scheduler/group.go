package scheduler

import (
	"idgraph/internal/aggregate"
	"idgraph/internal/commands"
)

// group partitions cmds into sets that share no lock key, by union-find over
// the keys each command expects to take. Groups are ordered by their first
// command and list members in arrival order. Keys are read from committed
// state at the start of the tick; the gate still serializes anything the
// grouping missed.
func (s *Scheduler) group(cmds []commands.Command) [][]int {
	uf := newUnionFind(len(cmds))
	owner := make(map[aggregate.LockKey]int)
	for i, cmd := range cmds {
		for _, k := range s.dispatcher.Keys(s.reader, cmd) {
			if j, ok := owner[k]; ok {
				uf.union(j, i)
			} else {
				owner[k] = i
			}
		}
	}

	index := make(map[int]int)
	var groups [][]int
	for i := range cmds {
		root := uf.find(i)
		g, ok := index[root]
		if !ok {
			g = len(groups)
			index[root] = g
			groups = append(groups, nil)
		}
		groups[g] = append(groups[g], i)
	}
	return groups
}

type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (uf *unionFind) find(x int) int {
	for uf.parent[x] != x {
		uf.parent[x] = uf.parent[uf.parent[x]]
		x = uf.parent[x]
	}
	return x
}

func (uf *unionFind) union(a, b int) {
	ra, rb := uf.find(a), uf.find(b)
	if ra == rb {
		return
	}
	switch {
	case uf.rank[ra] < uf.rank[rb]:
		uf.parent[ra] = rb
	case uf.rank[ra] > uf.rank[rb]:
		uf.parent[rb] = ra
	default:
		uf.parent[rb] = ra
		uf.rank[ra]++
	}
}
