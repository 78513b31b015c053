// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/emirpasic/gods/v2/trees/binaryheap"
	"github.com/gomlx/edgeinfer/pkg/core/status"
)

// TopologicalOrder returns the indices of g.Ops in execution order: every op comes after the
// producers of its inputs.
//
// It uses Kahn's algorithm, and among the ops that are ready it always picks the one with the
// lowest serialized position, so the order is deterministic and equals the serialized order
// whenever that order is already valid.
//
// It returns an InvalidArgument error if the graph has a cycle.
func TopologicalOrder(g *Graph) ([]int, error) {
	numOps := len(g.Ops)
	producer := make(map[string]int, numOps)
	for idx, op := range g.Ops {
		for _, output := range op.Outputs {
			producer[output] = idx
		}
	}

	// Edges producer -> consumer, counting each pair once.
	dependents := make([][]int, numOps)
	inDegree := make([]int, numOps)
	for idx, op := range g.Ops {
		seen := make(map[int]bool, len(op.Inputs))
		for _, input := range op.Inputs {
			from, found := producer[input]
			if !found || seen[from] {
				continue
			}
			seen[from] = true
			dependents[from] = append(dependents[from], idx)
			inDegree[idx]++
		}
	}

	ready := binaryheap.New[int]()
	for idx, degree := range inDegree {
		if degree == 0 {
			ready.Push(idx)
		}
	}
	order := make([]int, 0, numOps)
	for !ready.Empty() {
		idx, _ := ready.Pop()
		order = append(order, idx)
		for _, next := range dependents[idx] {
			inDegree[next]--
			if inDegree[next] == 0 {
				ready.Push(next)
			}
		}
	}
	if len(order) != numOps {
		for idx, degree := range inDegree {
			if degree > 0 {
				return nil, status.Errorf(status.InvalidArgument, "graph %q has a cycle involving op #%d (%q)",
					g.Name, idx, g.Ops[idx].Name)
			}
		}
	}
	return order, nil
}
