package bundle

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/bundle/optimizer"
)

// graphInput describes the graph to build. Every keyframe in keyFrames gets a vertex whose fixed
// flag is decided by anchor; every keyframe in boundary gets a fixed vertex. Observations resolve
// against observers only.
type graphInput struct {
	keyFrames []KeyFrame
	anchor    func(row int, kf KeyFrame) bool
	boundary  []KeyFrame
	mapPoints []MapPoint
	observers *keyFrameSet
	index     *observationIndex
}

type keyFrameVertex struct {
	keyFrame KeyFrame
	vertex   *optimizer.VertexSE3Expmap
}

type mapPointVertex struct {
	mapPoint MapPoint
	vertex   *optimizer.VertexPointXYZ
}

// edgeRecord remembers which entities an edge joins and the chi2 above which it is an outlier.
type edgeRecord struct {
	edge      optimizer.Edge
	keyFrame  *KeyFrame
	mapPoint  *MapPoint
	threshold float64
}

// graph is the factor graph of one call together with the bookkeeping that maps vertices back to
// table rows.
type graph struct {
	opt           *optimizer.SparseOptimizer
	keyFrames     []keyFrameVertex
	mapPoints     []mapPointVertex
	edges         []edgeRecord
	excluded      []MapPoint
	maxKeyFrameID int
	// outOfImage counts admitted observations whose pixel lies outside the image bounds.
	outOfImage int
}

// mapPointVertexID offsets map point ids past every keyframe id of the graph.
func mapPointVertexID(mapPointID, maxKeyFrameID int) int {
	return mapPointID + maxKeyFrameID + 1
}

func (a *Adjuster) buildGraph(in graphInput) (*graph, error) {
	g := &graph{opt: optimizer.NewSparseOptimizer(a.logger.Sublogger("optimizer"))}

	addKeyFrame := func(kf KeyFrame, fixed bool) error {
		v := optimizer.NewVertexSE3Expmap(kf.ID, kf.Pose)
		v.SetFixed(fixed)
		if err := g.opt.AddVertex(v); err != nil {
			return errors.Wrapf(ErrDuplicateID, "keyframe %d: %v", kf.ID, err)
		}
		g.keyFrames = append(g.keyFrames, keyFrameVertex{keyFrame: kf, vertex: v})
		if kf.ID > g.maxKeyFrameID {
			g.maxKeyFrameID = kf.ID
		}
		return nil
	}
	for i, kf := range in.keyFrames {
		if err := addKeyFrame(kf, in.anchor(i, kf)); err != nil {
			return nil, err
		}
	}
	for _, kf := range in.boundary {
		if err := addKeyFrame(kf, true); err != nil {
			return nil, err
		}
	}

	for i := range in.mapPoints {
		mp := &in.mapPoints[i]
		v := optimizer.NewVertexPointXYZ(mapPointVertexID(mp.ID, g.maxKeyFrameID), mp.Position)
		v.SetMarginalized(true)
		if err := g.opt.AddVertex(v); err != nil {
			return nil, errors.Wrapf(ErrDuplicateID, "map point %d: %v", mp.ID, err)
		}

		admitted := 0
		for _, obs := range in.index.findObservations(*mp, in.observers) {
			pose, ok := g.opt.Vertex(obs.keyFrame.ID).(*optimizer.VertexSE3Expmap)
			if !ok {
				continue
			}
			if !a.cfg.Camera.InImage(obs.relation.Pixel) {
				g.outOfImage++
			}
			rec := a.newEdge(v, pose, obs.relation)
			rec.keyFrame = obs.keyFrame
			rec.mapPoint = mp
			if err := g.opt.AddEdge(rec.edge); err != nil {
				return nil, err
			}
			g.edges = append(g.edges, rec)
			admitted++
		}
		if admitted == 0 {
			g.opt.RemoveVertex(v)
			g.excluded = append(g.excluded, *mp)
			continue
		}
		g.mapPoints = append(g.mapPoints, mapPointVertex{mapPoint: *mp, vertex: v})
	}

	a.logger.Debugw("built graph",
		"keyframes", len(in.keyFrames), "fixed_keyframes", len(in.boundary),
		"map_points", len(g.mapPoints), "excluded_map_points", len(g.excluded), "edges", len(g.edges),
		"out_of_image", g.outOfImage)

	if len(g.edges) < a.cfg.MinEdges {
		return g, errors.Wrapf(ErrInsufficientConstraints, "%d edges admitted, need at least %d", len(g.edges), a.cfg.MinEdges)
	}
	return g, nil
}

// newEdge creates a stereo edge when the observation has a right image coordinate and the camera
// is a stereo rig, and a monocular edge otherwise.
func (a *Adjuster) newEdge(point *optimizer.VertexPointXYZ, pose *optimizer.VertexSE3Expmap, rel *Relation) edgeRecord {
	if rel.HasRight && a.cfg.BF > 0 {
		e := optimizer.NewEdgeStereoSE3ProjectXYZ(point, pose, &a.cfg.Camera, a.cfg.BF,
			r3.Vector{X: rel.Pixel.X, Y: rel.Pixel.Y, Z: rel.URight})
		e.SetRobustKernel(optimizer.NewHuberKernel(a.cfg.HuberDeltaStereo))
		return edgeRecord{edge: e, threshold: a.cfg.Chi2ThresholdStereo}
	}
	e := optimizer.NewEdgeSE3ProjectXYZ(point, pose, &a.cfg.Camera, rel.Pixel)
	e.SetRobustKernel(optimizer.NewHuberKernel(a.cfg.HuberDeltaMono))
	return edgeRecord{edge: e, threshold: a.cfg.Chi2ThresholdMono}
}

// vertexIDs returns the ids of every vertex left in the graph.
func (g *graph) vertexIDs() (keyFrames, mapPoints []int) {
	for _, kv := range g.keyFrames {
		keyFrames = append(keyFrames, kv.vertex.ID())
	}
	for _, mv := range g.mapPoints {
		mapPoints = append(mapPoints, mv.vertex.ID())
	}
	return keyFrames, mapPoints
}

// finite reports whether every vertex estimate is finite.
func (g *graph) finite() bool {
	for _, kv := range g.keyFrames {
		if !kv.vertex.IsFinite() {
			return false
		}
	}
	for _, mv := range g.mapPoints {
		if !mv.vertex.IsFinite() {
			return false
		}
	}
	return true
}
