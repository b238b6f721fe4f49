package engine

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rzbill/conductor/internal/args"
	"github.com/rzbill/conductor/internal/store"
)

var (
	// ErrInvalidGraph wraps structural problems in a submitted graph.
	ErrInvalidGraph = errors.New("invalid task graph")
	// ErrCycle is returned when a graph is not acyclic.
	ErrCycle = errors.New("cycle detected")
	// ErrEmptyGraph is returned for a graph with no nodes.
	ErrEmptyGraph = errors.New("empty task graph")
)

// GraphError carries a graph validation failure.
type GraphError struct {
	Kind error
	Msg  string
	// Cycle holds one witness cycle by task name, first name repeated last.
	Cycle []string
}

func (e *GraphError) Error() string {
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *GraphError) Unwrap() error { return e.Kind }

// TaskSpec describes one not-yet-persisted task.
type TaskSpec struct {
	Name           string
	Args           args.Args
	RollbackOnFail bool
}

// TaskGraph maps each spec to its direct successors. Specs that only appear
// as successors are nodes too.
type TaskGraph map[*TaskSpec][]*TaskSpec

// indexed is a TaskGraph flattened onto integer node ids.
type indexed struct {
	nodes    []*TaskSpec
	outgoing [][]int
	indeg    []int
}

// index assigns node ids ordered by name so validation output is stable.
func (g TaskGraph) index() (*indexed, error) {
	seen := map[*TaskSpec]bool{}
	var nodes []*TaskSpec
	add := func(s *TaskSpec) {
		if s != nil && !seen[s] {
			seen[s] = true
			nodes = append(nodes, s)
		}
	}
	for k, succ := range g {
		add(k)
		for _, s := range succ {
			add(s)
		}
	}
	if len(nodes) == 0 {
		return nil, &GraphError{Kind: ErrEmptyGraph}
	}
	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })

	pos := make(map[*TaskSpec]int, len(nodes))
	for i, n := range nodes {
		if n.Name == "" {
			return nil, &GraphError{Kind: ErrInvalidGraph, Msg: "task with empty name"}
		}
		pos[n] = i
	}
	ix := &indexed{nodes: nodes, outgoing: make([][]int, len(nodes)), indeg: make([]int, len(nodes))}
	for k, succ := range g {
		if k == nil {
			return nil, &GraphError{Kind: ErrInvalidGraph, Msg: "nil task spec"}
		}
		from := pos[k]
		dup := map[int]bool{}
		for _, s := range succ {
			if s == nil {
				return nil, &GraphError{Kind: ErrInvalidGraph, Msg: fmt.Sprintf("nil successor of %s", k.Name)}
			}
			to := pos[s]
			if dup[to] {
				continue
			}
			dup[to] = true
			ix.outgoing[from] = append(ix.outgoing[from], to)
			ix.indeg[to]++
		}
		sort.Ints(ix.outgoing[from])
	}
	return ix, nil
}

// Validate checks that g is non-empty and acyclic.
func (g TaskGraph) Validate() error {
	ix, err := g.index()
	if err != nil {
		return err
	}
	return ix.validateAcyclic()
}

func (ix *indexed) validateAcyclic() error {
	if len(kahn(ix.outgoing, ix.indeg)) == len(ix.nodes) {
		return nil
	}
	cycle := ix.findCycle()
	return &GraphError{Kind: ErrCycle, Msg: strings.Join(cycle, " -> "), Cycle: cycle}
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

// kahn returns a topological order of node ids; it is short when there is a
// cycle. Ready nodes are taken smallest id first.
func kahn(outgoing [][]int, indegree []int) []int {
	indeg := append([]int(nil), indegree...)
	ready := &intMinHeap{}
	for i, d := range indeg {
		if d == 0 {
			heap.Push(ready, i)
		}
	}
	out := make([]int, 0, len(indeg))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		out = append(out, n)
		for _, m := range outgoing[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	return out
}

// findCycle extracts one cycle with a DFS over ascending node ids.
func (ix *indexed) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := make([]int, len(ix.nodes))
	parent := make([]int, len(ix.nodes))
	for i := range parent {
		parent[i] = -1
	}
	var cycle []int
	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, v := range ix.outgoing[u] {
			switch color[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case gray:
				// back edge u -> v; walk parents from u back to v
				path := []int{v}
				for cur := u; cur != -1 && cur != v; cur = parent[cur] {
					path = append(path, cur)
				}
				path = append(path, v)
				for i := len(path) - 1; i >= 0; i-- {
					cycle = append(cycle, path[i])
				}
				return true
			}
		}
		color[u] = black
		return false
	}
	for i := range ix.nodes {
		if color[i] == white && dfs(i) {
			break
		}
	}
	names := make([]string, len(cycle))
	for i, idx := range cycle {
		names[i] = ix.nodes[idx].Name
	}
	return names
}

// TopoOrder sorts persisted tasks of one job so every task precedes its
// successors. Tasks keep their relative input order where the edges allow.
// Edges to tasks outside the slice are ignored.
func TopoOrder(tasks []*store.Task) []*store.Task {
	pos := make(map[string]int, len(tasks))
	for i, t := range tasks {
		pos[t.ID] = i
	}
	outgoing := make([][]int, len(tasks))
	indeg := make([]int, len(tasks))
	for i, t := range tasks {
		for _, next := range t.NextTasks {
			if j, ok := pos[next]; ok {
				outgoing[i] = append(outgoing[i], j)
				indeg[j]++
			}
		}
	}
	order := kahn(outgoing, indeg)
	out := make([]*store.Task, 0, len(tasks))
	placed := make([]bool, len(tasks))
	for _, i := range order {
		out = append(out, tasks[i])
		placed[i] = true
	}
	// a persisted cycle cannot be ordered; keep those tasks at the end
	for i, t := range tasks {
		if !placed[i] {
			out = append(out, t)
		}
	}
	return out
}

// Predecessors inverts next_tasks: task id -> ids of its direct predecessors.
func Predecessors(tasks []*store.Task) map[string][]string {
	out := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		for _, next := range t.NextTasks {
			out[next] = append(out[next], t.ID)
		}
	}
	return out
}
