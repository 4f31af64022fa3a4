// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package pipeline

import (
	"container/heap"
	"errors"
	"fmt"
)

var ErrCycle = errors.New("stage graph has a cycle")

// One stage of one segment
type Node struct {
	Segment int
	Stage   Stage
}

func (n Node) String() string { return fmt.Sprintf("%d/%s", n.Segment, n.Stage) }

// Dependency graph of segment stages. An edge from a to b means a must complete before b starts
type Graph struct {
	segments int
	preds    [][]int
	succs    [][]int
}

func nodeID(n Node) int { return n.Segment*len(executableStages) + int(n.Stage-TransferringIn) }

func nodeOf(id int) Node {
	return Node{Segment: id / len(executableStages), Stage: TransferringIn + Stage(id%len(executableStages))}
}

// Builds the stage graph for the given segments. Stages of a segment form a chain.
// Common-mode application of a segment additionally depends on the sector reduction
// of every other segment sharing one of its sectors
func NewGraph(segs []*Segment) *Graph {
	n := len(segs) * len(executableStages)
	gr := &Graph{segments: len(segs), preds: make([][]int, n), succs: make([][]int, n)}
	for _, s := range segs {
		for k := 1; k < len(executableStages); k++ {
			gr.AddEdge(Node{s.ID, executableStages[k-1]}, Node{s.ID, executableStages[k]})
		}
		// segments sharing sectors are contiguous
		for j := s.ID - 1; j >= 0 && s.SharesSector(segs[j]); j-- {
			gr.AddEdge(Node{j, SectorReduce}, Node{s.ID, CommonModeApply})
		}
		for j := s.ID + 1; j < len(segs) && s.SharesSector(segs[j]); j++ {
			gr.AddEdge(Node{j, SectorReduce}, Node{s.ID, CommonModeApply})
		}
	}
	return gr
}

// Number of nodes
func (gr *Graph) Len() int { return len(gr.preds) }

func (gr *Graph) AddEdge(from, to Node) {
	f, t := nodeID(from), nodeID(to)
	gr.succs[f] = append(gr.succs[f], t)
	gr.preds[t] = append(gr.preds[t], f)
}

// Nodes which must complete before the given one
func (gr *Graph) Deps(n Node) []Node {
	ids := gr.preds[nodeID(n)]
	deps := make([]Node, len(ids))
	for i, id := range ids {
		deps[i] = nodeOf(id)
	}
	return deps
}

// True if other nodes depend on the given one
func (gr *Graph) HasDependents(n Node) bool { return len(gr.succs[nodeID(n)]) > 0 }

// Returns all nodes in an order respecting every edge. Among ready nodes, lower
// segments go first, and earlier stages within a segment
func (gr *Graph) Order() ([]Node, error) {
	inDegree := make([]int, gr.Len())
	ready := &idHeap{}
	for id, preds := range gr.preds {
		inDegree[id] = len(preds)
		if inDegree[id] == 0 {
			heap.Push(ready, id)
		}
	}
	order := make([]Node, 0, gr.Len())
	for ready.Len() > 0 {
		id := heap.Pop(ready).(int)
		order = append(order, nodeOf(id))
		for _, succ := range gr.succs[id] {
			if inDegree[succ]--; inDegree[succ] == 0 {
				heap.Push(ready, succ)
			}
		}
	}
	if len(order) != gr.Len() {
		return nil, fmt.Errorf("%w: %d of %d nodes unordered", ErrCycle, gr.Len()-len(order), gr.Len())
	}
	return order, nil
}

// Min-heap of node IDs, which sort by segment then stage
type idHeap []int

func (h idHeap) Len() int            { return len(h) }
func (h idHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h idHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *idHeap) Push(x interface{}) { *h = append(*h, x.(int)) }
func (h *idHeap) Pop() interface{} {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}
