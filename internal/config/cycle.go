package config

import (
	"github.com/pfixtools/policyd/internal/filter"
	"github.com/roadrunner-server/errors"
)

// checkCycles rejects any configuration whose filter graph contains a
// directed cycle among non-terminal ("next filter") hooks, per spec §3
// invariant (b). It is a direct port of postlicyd/filter.c's
// filter_check_loop: each filter is in turn treated as the DFS root and
// every node visited while exploring it is marked with that root's index,
// so a node already marked with the current root id is not explored again;
// a non-terminal hook whose next filter is the root itself means the walk
// has come back around to where it started.
func checkCycles(filters []*filter.Filter) error {
	lastSeen := make([]int, len(filters))
	for i := range lastSeen {
		lastSeen[i] = -1
	}

	for root := range filters {
		if filters[root] == nil {
			continue
		}
		if !walk(filters, lastSeen, root, root) {
			return errors.Str("the filter graph contains a loop reachable from " + filters[root].Name)
		}
	}
	return nil
}

func walk(filters []*filter.Filter, lastSeen []int, node, root int) bool {
	if lastSeen[node] == root {
		return true
	}
	lastSeen[node] = root

	f := filters[node]
	if f == nil {
		return true
	}
	for _, h := range f.Hooks {
		if h.Terminal {
			continue
		}
		if h.Next == root {
			return false
		}
		if !walk(filters, lastSeen, h.Next, root) {
			return false
		}
	}
	return true
}
