package bundle

import (
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/bundle/optimizer"
	"go.viam.com/bundle/spatialmath"
)

func TestMapPointVertexIDsDoNotCollide(t *testing.T) {
	poseIDs := []int{0, 7, 3}
	poses := []spatialmath.SE3{truePose(0), truePose(1), truePose(2)}
	points := landmarks(4)
	pointIDs := []int{0, 1, 2, 7}
	kfs := make([]KeyFrame, len(poseIDs))
	for i := range kfs {
		kfs[i] = KeyFrame{Row: i, ID: poseIDs[i], Pose: poses[i]}
	}
	mps := make([]MapPoint, len(points))
	for i := range mps {
		mps[i] = MapPoint{Row: i, ID: pointIDs[i], Position: points[i]}
	}
	var rels []Relation
	for _, s := range allSightings(4, 3) {
		rels = append(rels, Relation{MapPointID: pointIDs[s.point], KeyFrameID: poseIDs[s.pose]})
	}

	a := newTestAdjuster(t, nil)
	g, err := a.buildGraph(graphInput{
		keyFrames: kfs,
		anchor:    func(_ int, kf KeyFrame) bool { return kf.ID == 0 },
		mapPoints: mps,
		observers: newKeyFrameSet(kfs),
		index:     newObservationIndex(rels),
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, g.maxKeyFrameID, test.ShouldEqual, 7)
	test.That(t, g.edges, test.ShouldHaveLength, 12)

	keyFrameIDs, mapPointIDs := g.vertexIDs()
	test.That(t, keyFrameIDs, test.ShouldResemble, poseIDs)
	test.That(t, mapPointIDs, test.ShouldResemble, []int{8, 9, 10, 15})
	for _, id := range mapPointIDs {
		test.That(t, id, test.ShouldBeGreaterThan, 7)
	}

	test.That(t, g.keyFrames[0].vertex.Fixed(), test.ShouldBeTrue)
	test.That(t, g.keyFrames[1].vertex.Fixed(), test.ShouldBeFalse)
	for _, mv := range g.mapPoints {
		test.That(t, mv.vertex.Marginalized(), test.ShouldBeTrue)
	}
	for _, rec := range g.edges {
		test.That(t, rec.edge.Kind(), test.ShouldEqual, optimizer.EdgeKindMono)
		test.That(t, rec.edge.RobustKernel(), test.ShouldNotBeNil)
		test.That(t, rec.threshold, test.ShouldEqual, 5.991)
	}
}

func TestBuildGraphRemovesUnobservedMapPoints(t *testing.T) {
	kfs := []KeyFrame{{ID: 0, Pose: truePose(0)}, {Row: 1, ID: 1, Pose: truePose(1)}}
	mps := []MapPoint{
		{Row: 0, ID: 0, Position: r3.Vector{Z: 10}},
		{Row: 1, ID: 1, Position: r3.Vector{X: 1, Z: 10}},
		{Row: 2, ID: 2, Position: r3.Vector{Y: 1, Z: 10}},
	}
	rels := []Relation{
		{MapPointID: 0, KeyFrameID: 0}, {MapPointID: 0, KeyFrameID: 1},
		{MapPointID: 2, KeyFrameID: 0}, {MapPointID: 2, KeyFrameID: 1},
		{MapPointID: 1, KeyFrameID: 5},
	}
	a := newTestAdjuster(t, nil)
	g, err := a.buildGraph(graphInput{
		keyFrames: kfs,
		anchor:    func(row int, _ KeyFrame) bool { return row == 0 },
		mapPoints: mps,
		observers: newKeyFrameSet(kfs),
		index:     newObservationIndex(rels),
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, g.excluded, test.ShouldHaveLength, 1)
	test.That(t, g.excluded[0].ID, test.ShouldEqual, 1)
	test.That(t, g.mapPoints, test.ShouldHaveLength, 2)
	test.That(t, g.opt.Vertex(mapPointVertexID(1, 1)), test.ShouldBeNil)
	test.That(t, g.opt.NumVertices(), test.ShouldEqual, 4)
	test.That(t, g.opt.Edges(), test.ShouldHaveLength, 4)
}

func TestBuildGraphAdmissionRule(t *testing.T) {
	kfs := []KeyFrame{{ID: 0, Pose: truePose(0)}, {Row: 1, ID: 1, Pose: truePose(1)}}
	mps := []MapPoint{{ID: 0, Position: r3.Vector{Z: 10}}}
	rels := []Relation{{MapPointID: 0, KeyFrameID: 0}, {MapPointID: 0, KeyFrameID: 1}}
	in := graphInput{
		keyFrames: kfs,
		anchor:    func(row int, _ KeyFrame) bool { return row == 0 },
		mapPoints: mps,
		observers: newKeyFrameSet(kfs),
		index:     newObservationIndex(rels),
	}

	_, err := newTestAdjuster(t, nil).buildGraph(in)
	test.That(t, errors.Is(err, ErrInsufficientConstraints), test.ShouldBeTrue)

	g, err := newTestAdjuster(t, func(cfg *Config) { cfg.MinEdges = 2 }).buildGraph(in)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, g.edges, test.ShouldHaveLength, 2)
}

func TestBuildGraphStereoEdges(t *testing.T) {
	kfs := []KeyFrame{{ID: 0, Pose: truePose(0)}}
	mps := []MapPoint{{ID: 0, Position: r3.Vector{Z: 10}}, {ID: 1, Position: r3.Vector{X: 1, Z: 10}}}
	rels := []Relation{
		{MapPointID: 0, KeyFrameID: 0, HasRight: true, URight: 570},
		{MapPointID: 1, KeyFrameID: 0},
		{MapPointID: 1, KeyFrameID: 0, HasRight: true, URight: 640},
	}
	a := newTestAdjuster(t, func(cfg *Config) { cfg.BF = testBF })
	g, err := a.buildGraph(graphInput{
		keyFrames: kfs,
		anchor:    func(int, KeyFrame) bool { return true },
		mapPoints: mps,
		observers: newKeyFrameSet(kfs),
		index:     newObservationIndex(rels),
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, g.stats().StereoEdges, test.ShouldEqual, 2)
	test.That(t, g.edges[0].edge.Kind(), test.ShouldEqual, optimizer.EdgeKindStereo)
	test.That(t, g.edges[0].threshold, test.ShouldEqual, 7.815)
	test.That(t, g.edges[1].edge.Kind(), test.ShouldEqual, optimizer.EdgeKindMono)
	test.That(t, g.edges[0].edge.RobustKernel().Delta(), test.ShouldAlmostEqual, a.cfg.HuberDeltaStereo)
}

func TestBuildGraphDuplicateMapPoint(t *testing.T) {
	kfs := []KeyFrame{{ID: 0, Pose: truePose(0)}}
	mps := []MapPoint{{ID: 3, Position: r3.Vector{Z: 10}}, {Row: 1, ID: 3, Position: r3.Vector{Z: 11}}}
	rels := []Relation{{MapPointID: 3, KeyFrameID: 0}}
	_, err := newTestAdjuster(t, nil).buildGraph(graphInput{
		keyFrames: kfs,
		anchor:    func(int, KeyFrame) bool { return true },
		mapPoints: mps,
		observers: newKeyFrameSet(kfs),
		index:     newObservationIndex(rels),
	})
	test.That(t, errors.Is(err, ErrDuplicateID), test.ShouldBeTrue)
}

func TestBuildGraphCountsObservationsOutsideImage(t *testing.T) {
	kfs := []KeyFrame{{ID: 0, Pose: truePose(0)}, {Row: 1, ID: 1, Pose: truePose(1)}}
	mps := []MapPoint{{ID: 0, Position: r3.Vector{Z: 10}}}
	rels := []Relation{
		{MapPointID: 0, KeyFrameID: 0, Pixel: r2.Point{X: 600, Y: 180}},
		{MapPointID: 0, KeyFrameID: 1, Pixel: r2.Point{X: -4, Y: 180}},
		{MapPointID: 0, KeyFrameID: 1, Pixel: r2.Point{X: 600, Y: 400}},
	}
	a := newTestAdjuster(t, nil)
	g, err := a.buildGraph(graphInput{
		keyFrames: kfs,
		anchor:    func(row int, _ KeyFrame) bool { return row == 0 },
		mapPoints: mps,
		observers: newKeyFrameSet(kfs),
		index:     newObservationIndex(rels),
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, g.edges, test.ShouldHaveLength, 3)
	test.That(t, g.stats().OutOfImage, test.ShouldEqual, 2)
}
