package optimizer

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/bundle/rimage/transform"
)

// EdgeKind tags the measurement model of an edge.
type EdgeKind int

const (
	// EdgeKindMono is a pixel observation in a single camera.
	EdgeKindMono EdgeKind = iota
	// EdgeKindStereo is a pixel observation in a rectified stereo pair.
	EdgeKindStereo
)

func (k EdgeKind) String() string {
	switch k {
	case EdgeKindMono:
		return "mono"
	case EdgeKindStereo:
		return "stereo"
	default:
		return "unknown"
	}
}

// Edge is a measurement between vertices. The error is measurement minus prediction, and Jacobian
// returns the derivative of the error with respect to the i-th vertex of Vertices after
// Linearize.
type Edge interface {
	Kind() EdgeKind
	Dimension() int
	Vertices() []Vertex
	Measurement() []float64
	Information() *mat.SymDense
	SetInformation(information *mat.SymDense)
	Level() int
	SetLevel(level int)
	RobustKernel() RobustKernel
	SetRobustKernel(kernel RobustKernel)
	ComputeError()
	Error() []float64
	Chi2() float64
	IsDepthPositive() bool
	Linearize()
	Jacobian(i int) *mat.Dense
}

// projectionEdge holds what mono and stereo projection edges share. Vertex 0 is the point and
// vertex 1 the pose.
type projectionEdge struct {
	point       *VertexPointXYZ
	pose        *VertexSE3Expmap
	camera      *transform.PinholeCameraIntrinsics
	measurement []float64
	information *mat.SymDense
	kernel      RobustKernel
	level       int

	err    []float64
	jPoint *mat.Dense
	jPose  *mat.Dense
}

func newProjectionEdge(
	point *VertexPointXYZ,
	pose *VertexSE3Expmap,
	camera *transform.PinholeCameraIntrinsics,
	measurement []float64,
) projectionEdge {
	dim := len(measurement)
	information := mat.NewSymDense(dim, nil)
	for i := 0; i < dim; i++ {
		information.SetSym(i, i, 1)
	}
	return projectionEdge{
		point:       point,
		pose:        pose,
		camera:      camera,
		measurement: measurement,
		information: information,
		err:         make([]float64, dim),
		jPoint:      mat.NewDense(dim, 3, nil),
		jPose:       mat.NewDense(dim, 6, nil),
	}
}

func (e *projectionEdge) Dimension() int {
	return len(e.measurement)
}

func (e *projectionEdge) Vertices() []Vertex {
	return []Vertex{e.point, e.pose}
}

// Point returns the observed point vertex.
func (e *projectionEdge) Point() *VertexPointXYZ {
	return e.point
}

// Pose returns the observing pose vertex.
func (e *projectionEdge) Pose() *VertexSE3Expmap {
	return e.pose
}

func (e *projectionEdge) Measurement() []float64 {
	out := make([]float64, len(e.measurement))
	copy(out, e.measurement)
	return out
}

func (e *projectionEdge) Information() *mat.SymDense {
	return e.information
}

func (e *projectionEdge) SetInformation(information *mat.SymDense) {
	e.information = information
}

func (e *projectionEdge) Level() int {
	return e.level
}

func (e *projectionEdge) SetLevel(level int) {
	e.level = level
}

func (e *projectionEdge) RobustKernel() RobustKernel {
	return e.kernel
}

func (e *projectionEdge) SetRobustKernel(kernel RobustKernel) {
	e.kernel = kernel
}

func (e *projectionEdge) Error() []float64 {
	return e.err
}

// Chi2 is the information weighted squared error, without the robust kernel.
func (e *projectionEdge) Chi2() float64 {
	v := mat.NewVecDense(len(e.err), e.err)
	return mat.Inner(v, e.information, v)
}

// IsDepthPositive reports whether the point lies in front of the camera.
func (e *projectionEdge) IsDepthPositive() bool {
	return e.cameraPoint().Z > 0
}

func (e *projectionEdge) Jacobian(i int) *mat.Dense {
	if i == 0 {
		return e.jPoint
	}
	return e.jPose
}

func (e *projectionEdge) cameraPoint() r3.Vector {
	return e.pose.Estimate().Map(e.point.Estimate())
}

// setJacobians fills the point and pose Jacobians from the derivative of the prediction with
// respect to the camera frame point pc.
func (e *projectionEdge) setJacobians(dproj *mat.Dense, pc r3.Vector) {
	rot := mat.NewDense(3, 3, e.pose.Estimate().Rotation().Data())
	e.jPoint.Mul(dproj, rot)
	e.jPoint.Scale(-1, e.jPoint)

	// d(pc)/d(omega, upsilon) = [-[pc]x | I]
	dpc := mat.NewDense(3, 6, []float64{
		0, pc.Z, -pc.Y, 1, 0, 0,
		-pc.Z, 0, pc.X, 0, 1, 0,
		pc.Y, -pc.X, 0, 0, 0, 1,
	})
	e.jPose.Mul(dproj, dpc)
	e.jPose.Scale(-1, e.jPose)
}

// EdgeSE3ProjectXYZ is a monocular pixel observation of a point.
type EdgeSE3ProjectXYZ struct {
	projectionEdge
}

// NewEdgeSE3ProjectXYZ returns a monocular edge with identity information and no kernel.
func NewEdgeSE3ProjectXYZ(
	point *VertexPointXYZ,
	pose *VertexSE3Expmap,
	camera *transform.PinholeCameraIntrinsics,
	measurement r2.Point,
) *EdgeSE3ProjectXYZ {
	return &EdgeSE3ProjectXYZ{newProjectionEdge(point, pose, camera, []float64{measurement.X, measurement.Y})}
}

// Kind implements Edge.
func (e *EdgeSE3ProjectXYZ) Kind() EdgeKind {
	return EdgeKindMono
}

// ComputeError implements Edge.
func (e *EdgeSE3ProjectXYZ) ComputeError() {
	px := e.camera.Project(e.cameraPoint())
	e.err[0] = e.measurement[0] - px.X
	e.err[1] = e.measurement[1] - px.Y
}

// Linearize implements Edge.
func (e *EdgeSE3ProjectXYZ) Linearize() {
	pc := e.cameraPoint()
	d := e.camera.ProjectionJacobian(pc)
	e.setJacobians(mat.NewDense(2, 3, d[:]), pc)
}

// EdgeStereoSE3ProjectXYZ is an observation (u, v, uRight) of a point in a rectified stereo
// pair with baseline times focal length bf.
type EdgeStereoSE3ProjectXYZ struct {
	projectionEdge
	bf float64
}

// NewEdgeStereoSE3ProjectXYZ returns a stereo edge with identity information and no kernel.
func NewEdgeStereoSE3ProjectXYZ(
	point *VertexPointXYZ,
	pose *VertexSE3Expmap,
	camera *transform.PinholeCameraIntrinsics,
	bf float64,
	measurement r3.Vector,
) *EdgeStereoSE3ProjectXYZ {
	return &EdgeStereoSE3ProjectXYZ{
		projectionEdge: newProjectionEdge(point, pose, camera, []float64{measurement.X, measurement.Y, measurement.Z}),
		bf:             bf,
	}
}

// Kind implements Edge.
func (e *EdgeStereoSE3ProjectXYZ) Kind() EdgeKind {
	return EdgeKindStereo
}

// ComputeError implements Edge.
func (e *EdgeStereoSE3ProjectXYZ) ComputeError() {
	s := e.camera.ProjectStereo(e.cameraPoint(), e.bf)
	e.err[0] = e.measurement[0] - s.X
	e.err[1] = e.measurement[1] - s.Y
	e.err[2] = e.measurement[2] - s.Z
}

// Linearize implements Edge.
func (e *EdgeStereoSE3ProjectXYZ) Linearize() {
	pc := e.cameraPoint()
	d := e.camera.ProjectionJacobian(pc)
	invZ2 := 1 / (pc.Z * pc.Z)
	dproj := mat.NewDense(3, 3, []float64{
		d[0], d[1], d[2],
		d[3], d[4], d[5],
		d[0], 0, d[2] + e.bf*invZ2,
	})
	e.setJacobians(dproj, pc)
}
