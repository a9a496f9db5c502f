package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	types "github.com/taskgrid/taskgrid-backend/internal/domain"
	"github.com/taskgrid/taskgrid-backend/internal/domain/jobs"
	"github.com/taskgrid/taskgrid-backend/internal/platform/logger"
)

var (
	ErrSelfDependency = errors.New("SELF_DEPENDENCY")
	ErrUnknownJob     = errors.New("UNKNOWN_JOB")
	ErrDuplicateEdge  = errors.New("DUPLICATE")
)

// CycleError rejects an AddEdge that would close a cycle. Path is the chain
// parent -> ... -> child that already exists in the deps direction.
type CycleError struct {
	Child  uuid.UUID
	Parent uuid.UUID
	Path   []uuid.UUID
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("WOULD_CYCLE: edge %s -> %s closes a cycle (path length %d)", e.Child, e.Parent, len(e.Path))
}

const (
	DefaultMaxDepth  = 20
	deepChainWarnLen = 10
)

type edge struct {
	kind      types.DependencyKind
	satisfied bool
	priority  int
}

type node struct {
	status   types.JobStatus
	priority int
	started  bool
}

/*
Graph is the in-memory dependency DAG: deps[child] -> set(parent) and
dependents[parent] -> set(child), kept mutually consistent, with a satisfied
flag per edge. All mutations run under one exclusive section; acyclicity is
enforced at edge insertion so the periodic full detection is an invariant
check, not a correctness gate.
*/
type Graph struct {
	mu  sync.RWMutex
	log *logger.Logger

	maxDepth   int
	nodes      map[uuid.UUID]*node
	deps       map[uuid.UUID]map[uuid.UUID]*edge
	dependents map[uuid.UUID]map[uuid.UUID]*edge
	version    uint64
}

func New(baseLog *logger.Logger, maxDepth int) *Graph {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Graph{
		log:        baseLog.With("component", "DependencyGraph"),
		maxDepth:   maxDepth,
		nodes:      map[uuid.UUID]*node{},
		deps:       map[uuid.UUID]map[uuid.UUID]*edge{},
		dependents: map[uuid.UUID]map[uuid.UUID]*edge{},
	}
}

// Version increments on every mutation; snapshot consumers use it to detect
// stale writes.
func (g *Graph) Version() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.version
}

// AddJob registers a node. Idempotent on the id; status updates go through
// SetStatus.
func (g *Graph) AddJob(id uuid.UUID, status types.JobStatus, priority int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[id]; ok {
		return
	}
	g.nodes[id] = &node{status: status, priority: priority}
	g.version++
}

func (g *Graph) SetStatus(id uuid.UUID, status types.JobStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return
	}
	n.status = status
	if status == types.JobRunning {
		n.started = true
	}
	g.version++
}

func (g *Graph) Has(id uuid.UUID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[id]
	return ok
}

// RemoveJob drops a node and every edge touching it.
func (g *Graph) RemoveJob(id uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[id]; !ok {
		return
	}
	for parent := range g.deps[id] {
		delete(g.dependents[parent], id)
	}
	for child := range g.dependents[id] {
		delete(g.deps[child], id)
	}
	delete(g.deps, id)
	delete(g.dependents, id)
	delete(g.nodes, id)
	g.version++
}

/*
AddEdge inserts child -> parent with the given kind.
Rejections, in order: SELF_DEPENDENCY, UNKNOWN_JOB (either side),
DUPLICATE (idempotent, graph unchanged), WOULD_CYCLE (depth-bounded DFS from
parent through deps; if child is reachable the edge closes a cycle).
An edge whose parent is already terminal, or already started for MUST_START,
is inserted pre-satisfied.
*/
func (g *Graph) AddEdge(child, parent uuid.UUID, kind types.DependencyKind) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if child == parent {
		return ErrSelfDependency
	}
	if _, ok := g.nodes[child]; !ok {
		return fmt.Errorf("%w: child %s", ErrUnknownJob, child)
	}
	parentNode, ok := g.nodes[parent]
	if !ok {
		return fmt.Errorf("%w: parent %s", ErrUnknownJob, parent)
	}
	if _, dup := g.deps[child][parent]; dup {
		g.log.Warn("duplicate dependency edge ignored", "child", child.String(), "parent", parent.String())
		return ErrDuplicateEdge
	}

	if path := g.pathLocked(parent, child, g.maxDepth); path != nil {
		return &CycleError{Child: child, Parent: parent, Path: path}
	}

	e := &edge{kind: kind, priority: 5}
	e.satisfied = g.preSatisfiedLocked(parentNode, kind)

	if g.deps[child] == nil {
		g.deps[child] = map[uuid.UUID]*edge{}
	}
	if g.dependents[parent] == nil {
		g.dependents[parent] = map[uuid.UUID]*edge{}
	}
	g.deps[child][parent] = e
	g.dependents[parent][child] = e
	g.version++
	return nil
}

func (g *Graph) preSatisfiedLocked(parent *node, kind types.DependencyKind) bool {
	switch kind {
	case types.MustStart:
		return parent.started || parent.status == types.JobRunning || isTerminal(parent.status)
	default:
		e := &types.JobDependency{Kind: kind, OnFailure: jobs.FailureBlock}
		if isTerminal(parent.status) {
			return e.SatisfiedBy(parent.status)
		}
	}
	return false
}

// RemoveEdge is idempotent.
func (g *Graph) RemoveEdge(child, parent uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.deps[child][parent]; !ok {
		return
	}
	delete(g.deps[child], parent)
	delete(g.dependents[parent], child)
	g.version++
}

// pathLocked walks deps edges from `from` looking for `to`, depth-bounded.
// Returns the path from -> ... -> to when found, nil otherwise. Iterative so
// a hostile chain cannot blow the stack.
func (g *Graph) pathLocked(from, to uuid.UUID, maxDepth int) []uuid.UUID {
	type frame struct {
		id    uuid.UUID
		depth int
	}
	parentOf := map[uuid.UUID]uuid.UUID{}
	seen := map[uuid.UUID]bool{from: true}
	stack := []frame{{id: from, depth: 0}}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if f.id == to {
			// Rebuild from -> ... -> to.
			var rev []uuid.UUID
			for cur := to; ; cur = parentOf[cur] {
				rev = append(rev, cur)
				if cur == from {
					break
				}
			}
			path := make([]uuid.UUID, 0, len(rev))
			for i := len(rev) - 1; i >= 0; i-- {
				path = append(path, rev[i])
			}
			return path
		}
		if f.depth >= maxDepth {
			continue
		}
		for parent := range g.deps[f.id] {
			if seen[parent] {
				continue
			}
			seen[parent] = true
			parentOf[parent] = f.id
			stack = append(stack, frame{id: parent, depth: f.depth + 1})
		}
	}
	return nil
}

// JobsReady returns PENDING jobs whose every incoming edge is satisfied,
// sorted for deterministic iteration.
func (g *Graph) JobsReady() []uuid.UUID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []uuid.UUID
	for id, n := range g.nodes {
		if n.status != types.JobPending {
			continue
		}
		if g.readyLocked(id) {
			out = append(out, id)
		}
	}
	sortIDs(out)
	return out
}

func (g *Graph) readyLocked(id uuid.UUID) bool {
	for _, e := range g.deps[id] {
		if !e.satisfied {
			return false
		}
	}
	return true
}

// Completion is the result of feeding a terminal outcome into the graph.
type Completion struct {
	// Children that became ready because this outcome satisfied their last
	// unsatisfied edge.
	Ready []uuid.UUID
	// Children permanently blocked by this outcome (e.g. MUST_SUCCEED parent
	// failed); the caller cancels them.
	Blocked []uuid.UUID
}

/*
OnJobStarted satisfies MUST_START edges out of the given parent and returns
any children that became ready.
*/
func (g *Graph) OnJobStarted(parentID uuid.UUID) []uuid.UUID {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[parentID]
	if !ok {
		return nil
	}
	n.started = true
	n.status = types.JobRunning

	var ready []uuid.UUID
	for child, e := range g.dependents[parentID] {
		if e.kind != types.MustStart || e.satisfied {
			continue
		}
		e.satisfied = true
		if cn := g.nodes[child]; cn != nil && cn.status == types.JobPending && g.readyLocked(child) {
			ready = append(ready, child)
		}
	}
	g.version++
	sortIDs(ready)
	return ready
}

/*
OnJobCompleted marks satisfied every outgoing edge whose kind is consistent
with the outcome and partitions the affected children into newly-ready and
permanently-blocked sets.
*/
func (g *Graph) OnJobCompleted(parentID uuid.UUID, outcome types.JobStatus) Completion {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[parentID]
	if !ok {
		return Completion{}
	}
	n.status = outcome

	var res Completion
	for child, e := range g.dependents[parentID] {
		probe := &types.JobDependency{Kind: e.kind, OnFailure: jobs.FailureBlock}
		if e.kind == types.MustStart {
			// MUST_START carries no success requirement; a terminal parent
			// releases the child either way.
			e.satisfied = true
		} else if probe.SatisfiedBy(outcome) {
			e.satisfied = true
		} else {
			cn := g.nodes[child]
			if cn != nil && !isTerminal(cn.status) {
				res.Blocked = append(res.Blocked, child)
			}
			continue
		}
		if cn := g.nodes[child]; cn != nil && cn.status == types.JobPending && g.readyLocked(child) {
			res.Ready = append(res.Ready, child)
		}
	}
	g.version++
	sortIDs(res.Ready)
	sortIDs(res.Blocked)
	return res
}

func isTerminal(s types.JobStatus) bool {
	return s == types.JobCompleted || s == types.JobFailed || s == types.JobCancelled
}

func sortIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}
