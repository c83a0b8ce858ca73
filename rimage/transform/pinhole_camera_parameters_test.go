package transform

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"
)

func TestCheckValid(t *testing.T) {
	var nilIntrinsics *PinholeCameraIntrinsics
	err := nilIntrinsics.CheckValid()
	test.That(t, errors.Is(err, ErrNoIntrinsics), test.ShouldBeTrue)

	test.That(t, NewKITTIIntrinsics().CheckValid(), test.ShouldBeNil)

	bad := NewKITTIIntrinsics()
	bad.Fx = 0
	err = bad.CheckValid()
	test.That(t, errors.Is(err, ErrNoIntrinsics), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "Fx")

	bad = NewKITTIIntrinsics()
	bad.Width = 0
	test.That(t, bad.CheckValid(), test.ShouldNotBeNil)
}

func TestIntrinsicsFromJSONFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "intrinsics.json")
	err := os.WriteFile(path, []byte(`{"width_px": 640, "height_px": 480, "fx": 500, "fy": 510, "ppx": 320, "ppy": 240}`), 0o600)
	test.That(t, err, test.ShouldBeNil)

	intrinsics, err := NewPinholeCameraIntrinsicsFromJSONFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, intrinsics, test.ShouldResemble, &PinholeCameraIntrinsics{640, 480, 500, 510, 320, 240})

	_, err = NewPinholeCameraIntrinsicsFromJSONFile(filepath.Join(dir, "missing.json"))
	test.That(t, err, test.ShouldNotBeNil)

	test.That(t, os.WriteFile(path, []byte("{"), 0o600), test.ShouldBeNil)
	_, err = NewPinholeCameraIntrinsicsFromJSONFile(path)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestProject(t *testing.T) {
	intrinsics := NewKITTIIntrinsics()
	p := r3.Vector{X: 1.5, Y: -0.25, Z: 12}
	px := intrinsics.Project(p)
	test.That(t, px.X, test.ShouldAlmostEqual, 1.5/12*718.856+607.1928)
	test.That(t, px.Y, test.ShouldAlmostEqual, -0.25/12*718.856+185.2157)
	test.That(t, intrinsics.InImage(px), test.ShouldBeTrue)

	test.That(t, intrinsics.InImage(r2.Point{X: 1241, Y: 10}), test.ShouldBeFalse)

	u, v := intrinsics.PointToPixel(1, 1, 0)
	test.That(t, u, test.ShouldEqual, -1.)
	test.That(t, v, test.ShouldEqual, -1.)
	test.That(t, intrinsics.InImage(r2.Point{X: -1, Y: -1}), test.ShouldBeFalse)
}

func TestProjectStereo(t *testing.T) {
	intrinsics := NewKITTIIntrinsics()
	p := r3.Vector{X: 0.5, Y: 0.1, Z: 10}
	bf := 386.1448
	s := intrinsics.ProjectStereo(p, bf)
	px := intrinsics.Project(p)
	test.That(t, s.X, test.ShouldEqual, px.X)
	test.That(t, s.Y, test.ShouldEqual, px.Y)
	test.That(t, s.Z, test.ShouldAlmostEqual, px.X-bf/10)
}

func TestProjectionJacobian(t *testing.T) {
	intrinsics := NewKITTIIntrinsics()
	p := r3.Vector{X: 0.7, Y: -0.3, Z: 5}
	jac := intrinsics.ProjectionJacobian(p)
	const h = 1e-6
	for col, d := range []r3.Vector{{X: h}, {Y: h}, {Z: h}} {
		plus := intrinsics.Project(p.Add(d))
		minus := intrinsics.Project(p.Sub(d))
		test.That(t, jac[col], test.ShouldAlmostEqual, (plus.X-minus.X)/(2*h), 1e-4)
		test.That(t, jac[3+col], test.ShouldAlmostEqual, (plus.Y-minus.Y)/(2*h), 1e-4)
	}
}
