package graph

import (
	"sort"

	"github.com/google/uuid"

	types "github.com/taskgrid/taskgrid-backend/internal/domain"
)

type CycleSeverity string

const (
	SeverityLow  CycleSeverity = "LOW"
	SeverityHigh CycleSeverity = "HIGH"
)

// Cycle describes one elementary cycle found by the full-graph check.
type Cycle struct {
	Jobs     []uuid.UUID
	Length   int
	Severity CycleSeverity
}

/*
DetectCycles runs an iterative Tarjan SCC over the deps direction. Any SCC of
size > 1, or any self-loop, is a cycle. Insertion-time checks should make
this empty; a non-empty result is an invariant violation reported by the
periodic check. Severity is HIGH when the cycle is long (>= 3) or touches an
elevated-priority job.
*/
func (g *Graph) DetectCycles() []Cycle {
	g.mu.RLock()
	defer g.mu.RUnlock()

	index := map[uuid.UUID]int{}
	lowlink := map[uuid.UUID]int{}
	onStack := map[uuid.UUID]bool{}
	var tarjanStack []uuid.UUID
	next := 0

	var cycles []Cycle

	// Explicit DFS stack; each frame carries its remaining neighbor list so
	// large graphs cannot overflow the goroutine stack.
	type frame struct {
		id        uuid.UUID
		neighbors []uuid.UUID
		pos       int
	}

	ids := make([]uuid.UUID, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sortIDs(ids)

	neighborsOf := func(id uuid.UUID) []uuid.UUID {
		out := make([]uuid.UUID, 0, len(g.deps[id]))
		for parent := range g.deps[id] {
			out = append(out, parent)
		}
		sortIDs(out)
		return out
	}

	for _, root := range ids {
		if _, visited := index[root]; visited {
			continue
		}
		stack := []frame{{id: root, neighbors: neighborsOf(root)}}
		index[root] = next
		lowlink[root] = next
		next++
		tarjanStack = append(tarjanStack, root)
		onStack[root] = true

		for len(stack) > 0 {
			f := &stack[len(stack)-1]
			if f.pos < len(f.neighbors) {
				w := f.neighbors[f.pos]
				f.pos++
				if _, visited := index[w]; !visited {
					index[w] = next
					lowlink[w] = next
					next++
					tarjanStack = append(tarjanStack, w)
					onStack[w] = true
					stack = append(stack, frame{id: w, neighbors: neighborsOf(w)})
				} else if onStack[w] {
					if index[w] < lowlink[f.id] {
						lowlink[f.id] = index[w]
					}
				}
				continue
			}

			// Frame exhausted: pop and fold lowlink into the parent.
			done := *f
			stack = stack[:len(stack)-1]
			if len(stack) > 0 {
				p := &stack[len(stack)-1]
				if lowlink[done.id] < lowlink[p.id] {
					lowlink[p.id] = lowlink[done.id]
				}
			}

			if lowlink[done.id] == index[done.id] {
				var scc []uuid.UUID
				for {
					w := tarjanStack[len(tarjanStack)-1]
					tarjanStack = tarjanStack[:len(tarjanStack)-1]
					onStack[w] = false
					scc = append(scc, w)
					if w == done.id {
						break
					}
				}
				if c, ok := g.cycleFromSCCLocked(scc); ok {
					cycles = append(cycles, c)
				}
			}
		}
	}

	sort.Slice(cycles, func(i, j int) bool {
		return cycles[i].Jobs[0].String() < cycles[j].Jobs[0].String()
	})
	return cycles
}

func (g *Graph) cycleFromSCCLocked(scc []uuid.UUID) (Cycle, bool) {
	if len(scc) == 1 {
		id := scc[0]
		if _, selfLoop := g.deps[id][id]; !selfLoop {
			return Cycle{}, false
		}
	}
	sortIDs(scc)
	c := Cycle{Jobs: scc, Length: len(scc), Severity: SeverityLow}
	if c.Length >= 3 {
		c.Severity = SeverityHigh
	} else {
		for _, id := range scc {
			if n := g.nodes[id]; n != nil && n.priority >= types.PriorityElevated {
				c.Severity = SeverityHigh
				break
			}
		}
	}
	return c, true
}

// Warning is a structural finding from Validate.
type Warning struct {
	Kind   string // "ORPHAN_EDGE" | "DEEP_CHAIN"
	JobID  uuid.UUID
	Detail string
	Depth  int
}

/*
Validate reports structural oddities that are legal but suspicious: edges
pointing at jobs the graph no longer tracks, and dependency chains deeper
than 10.
*/
func (g *Graph) Validate() []Warning {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []Warning
	for child, parents := range g.deps {
		if _, ok := g.nodes[child]; !ok {
			out = append(out, Warning{Kind: "ORPHAN_EDGE", JobID: child, Detail: "edge child not tracked"})
			continue
		}
		for parent := range parents {
			if _, ok := g.nodes[parent]; !ok {
				out = append(out, Warning{Kind: "ORPHAN_EDGE", JobID: parent, Detail: "edge parent not tracked"})
			}
		}
	}

	depth := map[uuid.UUID]int{}
	var chainDepth func(id uuid.UUID, guard int) int
	chainDepth = func(id uuid.UUID, guard int) int {
		if guard > len(g.nodes) {
			return guard
		}
		if d, ok := depth[id]; ok {
			return d
		}
		best := 0
		for parent := range g.deps[id] {
			if d := chainDepth(parent, guard+1) + 1; d > best {
				best = d
			}
		}
		depth[id] = best
		return best
	}
	for id := range g.nodes {
		if d := chainDepth(id, 0); d > deepChainWarnLen {
			out = append(out, Warning{Kind: "DEEP_CHAIN", JobID: id, Depth: d, Detail: "dependency chain unusually deep"})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind == out[j].Kind {
			return out[i].JobID.String() < out[j].JobID.String()
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}
