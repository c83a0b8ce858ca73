// Package optimizer is a small sparse graph optimizer for bundle adjustment problems. Camera poses
// and 3D points are vertices, projections are edges, and the graph is solved with
// Levenberg-Marquardt, eliminating marginalized vertices through a Schur complement.
package optimizer

import (
	"math"

	"github.com/golang/geo/r3"

	"go.viam.com/bundle/spatialmath"
)

// Vertex is a node of the graph. Estimates are changed through Oplus and can be saved and
// restored with Push and Pop while a step is being tried.
type Vertex interface {
	ID() int
	Dimension() int
	Fixed() bool
	SetFixed(fixed bool)
	Marginalized() bool
	SetMarginalized(marginalized bool)
	Oplus(delta []float64)
	Push()
	Pop()
	DiscardTop()
	IsFinite() bool
}

type baseVertex struct {
	id           int
	fixed        bool
	marginalized bool
}

func (v *baseVertex) ID() int {
	return v.id
}

func (v *baseVertex) Fixed() bool {
	return v.fixed
}

func (v *baseVertex) SetFixed(fixed bool) {
	v.fixed = fixed
}

func (v *baseVertex) Marginalized() bool {
	return v.marginalized
}

func (v *baseVertex) SetMarginalized(marginalized bool) {
	v.marginalized = marginalized
}

// VertexSE3Expmap is a camera pose. The estimate maps world coordinates into the camera frame.
// Updates are applied on the left through the exponential map with the rotation part first.
type VertexSE3Expmap struct {
	baseVertex
	estimate spatialmath.SE3
	stack    []spatialmath.SE3
}

// NewVertexSE3Expmap returns a pose vertex with the given id and initial estimate.
func NewVertexSE3Expmap(id int, estimate spatialmath.SE3) *VertexSE3Expmap {
	return &VertexSE3Expmap{baseVertex: baseVertex{id: id}, estimate: estimate}
}

// Dimension is the size of the tangent space.
func (v *VertexSE3Expmap) Dimension() int {
	return 6
}

// Estimate returns the current world to camera transform.
func (v *VertexSE3Expmap) Estimate() spatialmath.SE3 {
	return v.estimate
}

// SetEstimate replaces the current transform.
func (v *VertexSE3Expmap) SetEstimate(estimate spatialmath.SE3) {
	v.estimate = estimate
}

// Oplus applies exp(delta) * estimate where delta is (omega, upsilon).
func (v *VertexSE3Expmap) Oplus(delta []float64) {
	omega := r3.Vector{X: delta[0], Y: delta[1], Z: delta[2]}
	upsilon := r3.Vector{X: delta[3], Y: delta[4], Z: delta[5]}
	v.estimate = v.estimate.LeftPerturb(omega, upsilon)
}

// Push saves the current estimate.
func (v *VertexSE3Expmap) Push() {
	v.stack = append(v.stack, v.estimate)
}

// Pop restores the last saved estimate.
func (v *VertexSE3Expmap) Pop() {
	if len(v.stack) == 0 {
		return
	}
	v.estimate = v.stack[len(v.stack)-1]
	v.stack = v.stack[:len(v.stack)-1]
}

// DiscardTop drops the last saved estimate and keeps the current one.
func (v *VertexSE3Expmap) DiscardTop() {
	if len(v.stack) > 0 {
		v.stack = v.stack[:len(v.stack)-1]
	}
}

// IsFinite reports whether every entry of the transform is finite.
func (v *VertexSE3Expmap) IsFinite() bool {
	h := v.estimate.Homogeneous()
	for _, x := range h {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// VertexPointXYZ is a 3D point in world coordinates.
type VertexPointXYZ struct {
	baseVertex
	estimate r3.Vector
	stack    []r3.Vector
}

// NewVertexPointXYZ returns a point vertex with the given id and initial position.
func NewVertexPointXYZ(id int, estimate r3.Vector) *VertexPointXYZ {
	return &VertexPointXYZ{baseVertex: baseVertex{id: id}, estimate: estimate}
}

// Dimension is 3.
func (v *VertexPointXYZ) Dimension() int {
	return 3
}

// Estimate returns the current position.
func (v *VertexPointXYZ) Estimate() r3.Vector {
	return v.estimate
}

// SetEstimate replaces the current position.
func (v *VertexPointXYZ) SetEstimate(estimate r3.Vector) {
	v.estimate = estimate
}

// Oplus adds delta to the position.
func (v *VertexPointXYZ) Oplus(delta []float64) {
	v.estimate = v.estimate.Add(r3.Vector{X: delta[0], Y: delta[1], Z: delta[2]})
}

// Push saves the current position.
func (v *VertexPointXYZ) Push() {
	v.stack = append(v.stack, v.estimate)
}

// Pop restores the last saved position.
func (v *VertexPointXYZ) Pop() {
	if len(v.stack) == 0 {
		return
	}
	v.estimate = v.stack[len(v.stack)-1]
	v.stack = v.stack[:len(v.stack)-1]
}

// DiscardTop drops the last saved position.
func (v *VertexPointXYZ) DiscardTop() {
	if len(v.stack) > 0 {
		v.stack = v.stack[:len(v.stack)-1]
	}
}

// IsFinite reports whether the position is finite.
func (v *VertexPointXYZ) IsFinite() bool {
	for _, x := range []float64{v.estimate.X, v.estimate.Y, v.estimate.Z} {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
