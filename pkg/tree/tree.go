// Package tree reconstructs parent/child relationships from
// interval-encoded event lists.
//
// Transactions arrive as a flat list of events where each event carries
// its node id and the largest node id of its subtree (a nested-set
// encoding). Decode rebuilds the edges of that tree with a single stack
// pass; it is a pure function and tolerates gaps left by filtered-out
// events.
package tree

import (
	"fmt"
	"sort"
)

// Marker is one event's position in the nested-set encoding
type Marker struct {
	NodeID         int64
	LastDescendant int64
}

// Edge is a parent→child relationship between two markers
type Edge struct {
	Parent int64
	Child  int64
}

// Decode rebuilds the event tree from markers. It returns the
// parent→child edges and the node ids of the roots, both in ascending
// node-id order. A marker whose interval is inverted is rejected.
func Decode(markers []Marker) ([]Edge, []int64, error) {
	if len(markers) == 0 {
		return nil, nil, nil
	}

	sorted := make([]Marker, len(markers))
	copy(sorted, markers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].NodeID < sorted[j].NodeID })

	var edges []Edge
	var roots []int64

	// stack holds the chain of open ancestor intervals
	stack := make([]Marker, 0, len(sorted))
	for i, m := range sorted {
		if m.LastDescendant < m.NodeID {
			return nil, nil, fmt.Errorf("node %d has last descendant %d below itself", m.NodeID, m.LastDescendant)
		}
		if i > 0 && sorted[i-1].NodeID == m.NodeID {
			return nil, nil, fmt.Errorf("duplicate node id %d", m.NodeID)
		}

		// close every interval that ends before this node
		for len(stack) > 0 && stack[len(stack)-1].LastDescendant < m.NodeID {
			stack = stack[:len(stack)-1]
		}

		if len(stack) > 0 {
			edges = append(edges, Edge{Parent: stack[len(stack)-1].NodeID, Child: m.NodeID})
		} else {
			roots = append(roots, m.NodeID)
		}

		stack = append(stack, m)
	}

	return edges, roots, nil
}
