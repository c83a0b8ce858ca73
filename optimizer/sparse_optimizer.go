package optimizer

import (
	"context"
	"runtime"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"go.viam.com/bundle/logging"
)

// ErrNotInitialized is returned by Optimize when InitializeOptimization has not been called since
// the graph last changed.
var ErrNotInitialized = errors.New("optimizer not initialized")

// SparseOptimizer owns a graph of vertices and edges and optimizes the subset of edges selected
// by InitializeOptimization.
type SparseOptimizer struct {
	logger   logging.Logger
	vertices map[int]Vertex
	edges    []Edge

	initialized    bool
	activeEdges    []Edge
	activeVertices []Vertex

	// layout of the linear system, see buildLayout.
	denseIndex map[Vertex]int
	denseDim   int
	margIndex  map[Vertex]int
	margVerts  []Vertex

	workers int
}

// NewSparseOptimizer returns an empty graph.
func NewSparseOptimizer(logger logging.Logger) *SparseOptimizer {
	return &SparseOptimizer{
		logger:   logger,
		vertices: map[int]Vertex{},
		workers:  runtime.GOMAXPROCS(0),
	}
}

// AddVertex adds a vertex. Ids must be unique within the graph.
func (o *SparseOptimizer) AddVertex(v Vertex) error {
	if _, ok := o.vertices[v.ID()]; ok {
		return errors.Errorf("vertex with id %d already in graph", v.ID())
	}
	o.vertices[v.ID()] = v
	o.initialized = false
	return nil
}

// Vertex returns the vertex with the given id, or nil.
func (o *SparseOptimizer) Vertex(id int) Vertex {
	return o.vertices[id]
}

// NumVertices returns the number of vertices in the graph.
func (o *SparseOptimizer) NumVertices() int {
	return len(o.vertices)
}

// RemoveVertex removes a vertex together with every edge attached to it. It returns false if the
// vertex is not part of the graph.
func (o *SparseOptimizer) RemoveVertex(v Vertex) bool {
	if v == nil || o.vertices[v.ID()] != v {
		return false
	}
	delete(o.vertices, v.ID())
	kept := o.edges[:0]
	for _, e := range o.edges {
		if !edgeTouches(e, v) {
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(o.edges); i++ {
		o.edges[i] = nil
	}
	o.edges = kept
	o.initialized = false
	return true
}

// AddEdge adds an edge. All of its vertices must already be in the graph.
func (o *SparseOptimizer) AddEdge(e Edge) error {
	for _, v := range e.Vertices() {
		if v == nil || o.vertices[v.ID()] != v {
			return errors.New("edge references a vertex that is not in the graph")
		}
	}
	o.edges = append(o.edges, e)
	o.initialized = false
	return nil
}

// Edges returns all edges in insertion order.
func (o *SparseOptimizer) Edges() []Edge {
	out := make([]Edge, len(o.edges))
	copy(out, o.edges)
	return out
}

// ActiveEdges returns the edges selected by the last InitializeOptimization.
func (o *SparseOptimizer) ActiveEdges() []Edge {
	out := make([]Edge, len(o.activeEdges))
	copy(out, o.activeEdges)
	return out
}

// InitializeOptimization activates the edges whose level equals level and the vertices they touch.
func (o *SparseOptimizer) InitializeOptimization(level int) error {
	o.activeEdges = o.activeEdges[:0]
	seen := map[Vertex]struct{}{}
	o.activeVertices = o.activeVertices[:0]
	for _, e := range o.edges {
		if e.Level() != level {
			continue
		}
		o.activeEdges = append(o.activeEdges, e)
		for _, v := range e.Vertices() {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			o.activeVertices = append(o.activeVertices, v)
		}
	}
	sort.Slice(o.activeVertices, func(i, j int) bool {
		return o.activeVertices[i].ID() < o.activeVertices[j].ID()
	})
	if err := o.buildLayout(); err != nil {
		return err
	}
	o.initialized = true
	return nil
}

// buildLayout assigns every free active vertex a block. Marginalized vertices get their own block
// and are eliminated; all others share one dense block.
func (o *SparseOptimizer) buildLayout() error {
	o.denseIndex = map[Vertex]int{}
	o.margIndex = map[Vertex]int{}
	o.margVerts = o.margVerts[:0]
	o.denseDim = 0
	for _, v := range o.activeVertices {
		if v.Fixed() {
			continue
		}
		if v.Marginalized() {
			o.margIndex[v] = len(o.margVerts)
			o.margVerts = append(o.margVerts, v)
			continue
		}
		o.denseIndex[v] = o.denseDim
		o.denseDim += v.Dimension()
	}
	for _, e := range o.activeEdges {
		free := 0
		for _, v := range e.Vertices() {
			if _, ok := o.margIndex[v]; ok {
				free++
			}
		}
		if free > 1 {
			return errors.New("edges between two marginalized vertices are not supported")
		}
	}
	return nil
}

// ComputeActiveErrors recomputes the error of every active edge.
func (o *SparseOptimizer) ComputeActiveErrors(ctx context.Context) error {
	return o.forEachActiveEdge(ctx, func(e Edge) {
		e.ComputeError()
	})
}

// ActiveChi2 is the sum of the raw chi2 of the active edges as of their last computed error.
func (o *SparseOptimizer) ActiveChi2() float64 {
	var chi2 float64
	for _, e := range o.activeEdges {
		chi2 += e.Chi2()
	}
	return chi2
}

// ActiveRobustChi2 is like ActiveChi2 but passes each edge through its robust kernel.
func (o *SparseOptimizer) ActiveRobustChi2() float64 {
	var chi2 float64
	for _, e := range o.activeEdges {
		chi2 += robustChi2(e)
	}
	return chi2
}

func robustChi2(e Edge) float64 {
	c := e.Chi2()
	if k := e.RobustKernel(); k != nil {
		return k.Robustify(c)[0]
	}
	return c
}

// forEachActiveEdge runs fn on every active edge, spread over a bounded number of goroutines.
// fn must only touch state owned by its edge.
func (o *SparseOptimizer) forEachActiveEdge(ctx context.Context, fn func(Edge)) error {
	edges := o.activeEdges
	if len(edges) == 0 {
		return nil
	}
	workers := o.workers
	if workers < 1 {
		workers = 1
	}
	chunk := (len(edges) + workers - 1) / workers
	g, ctx := errgroup.WithContext(ctx)
	for start := 0; start < len(edges); start += chunk {
		end := start + chunk
		if end > len(edges) {
			end = len(edges)
		}
		part := edges[start:end]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			for _, e := range part {
				fn(e)
			}
			return nil
		})
	}
	return g.Wait()
}

func edgeTouches(e Edge, v Vertex) bool {
	for _, ev := range e.Vertices() {
		if ev == v {
			return true
		}
	}
	return false
}
