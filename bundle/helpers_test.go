package bundle

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/bundle/logging"
	"go.viam.com/bundle/rimage/transform"
	"go.viam.com/bundle/spatialmath"
)

const testBF = 386.1448

// truePose returns a camera at (i, 0, 0) yawed slightly towards the scene.
func truePose(i int) spatialmath.SE3 {
	rot := spatialmath.ExpSE3(r3.Vector{Y: -0.03 * float64(i)}, r3.Vector{}).Rotation()
	center := r3.Vector{X: float64(i)}
	return spatialmath.NewSE3(rot, rot.Apply(center).Mul(-1))
}

func landmarks(n int) []r3.Vector {
	base := []r3.Vector{
		{X: -2, Y: -1, Z: 10},
		{X: 2, Y: -0.5, Z: 12},
		{X: 0, Y: 1, Z: 9},
		{X: -1, Y: 0.8, Z: 14},
		{X: 1.5, Y: 1.2, Z: 11},
	}
	out := make([]r3.Vector, 0, n)
	for i := 0; i < n; i++ {
		p := base[i%len(base)]
		shift := float64(i / len(base))
		out = append(out, p.Add(r3.Vector{X: 0.7 * shift, Y: -0.4 * shift, Z: 1.5 * shift}))
	}
	return out
}

func keyFrameRow(id int, pose spatialmath.SE3) []float64 {
	h := pose.Homogeneous()
	return append([]float64{float64(id)}, h[:]...)
}

func keyFrameTable(ids []int, poses []spatialmath.SE3) *mat.Dense {
	if len(ids) == 0 {
		return &mat.Dense{}
	}
	data := make([]float64, 0, len(ids)*keyFrameColumns)
	for i, id := range ids {
		data = append(data, keyFrameRow(id, poses[i])...)
	}
	return mat.NewDense(len(ids), keyFrameColumns, data)
}

func mapPointTable(ids []int, pts []r3.Vector) *mat.Dense {
	data := make([]float64, 0, len(ids)*mapPointColumns)
	for i, id := range ids {
		data = append(data, float64(id), pts[i].X, pts[i].Y, pts[i].Z)
	}
	return mat.NewDense(len(ids), mapPointColumns, data)
}

// sighting is one observation of a scene point in a scene pose, optionally displaced.
type sighting struct {
	point, pose int
	offset      r3.Vector
}

// relationTable projects the true points into the true poses. With stereo set the table has a
// right image column.
func relationTable(
	pointIDs, poseIDs []int,
	points []r3.Vector, poses []spatialmath.SE3,
	sightings []sighting, stereo bool,
) *mat.Dense {
	camera := transform.NewKITTIIntrinsics()
	cols := relationColumns
	if stereo {
		cols++
	}
	table := mat.NewDense(len(sightings), cols, nil)
	for r, s := range sightings {
		pc := poses[s.pose].Map(points[s.point])
		px := camera.ProjectStereo(pc, testBF).Add(s.offset)
		table.Set(r, 0, float64(pointIDs[s.point]))
		table.Set(r, 1, float64(poseIDs[s.pose]))
		table.Set(r, 2, px.X)
		table.Set(r, 3, px.Y)
		if stereo {
			table.Set(r, 4, px.Z)
		}
	}
	return table
}

// allSightings has every point seen by every pose, point major.
func allSightings(nPoints, nPoses int) []sighting {
	var out []sighting
	for p := 0; p < nPoints; p++ {
		for k := 0; k < nPoses; k++ {
			out = append(out, sighting{point: p, pose: k})
		}
	}
	return out
}

func sequence(start, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = start + i
	}
	return out
}

func newTestAdjuster(t *testing.T, edit func(cfg *Config)) *Adjuster {
	t.Helper()
	cfg := NewDefaultConfig()
	if edit != nil {
		edit(cfg)
	}
	a, err := NewAdjuster(cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return a
}

func rowPose(t *testing.T, table mat.Matrix, row int) spatialmath.SE3 {
	t.Helper()
	cells := make([]float64, 16)
	for j := range cells {
		cells[j] = table.At(row, j+1)
	}
	pose, err := spatialmath.NewSE3FromHomogeneous(cells)
	test.That(t, err, test.ShouldBeNil)
	return pose
}
