package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// SE3 is a rigid body transform x -> R*x + t. Keyframe poses use it as the world to camera
// transform.
type SE3 struct {
	rotation    RotationMatrix
	translation r3.Vector
}

// NewSE3 builds a transform from a rotation and a translation. The rotation is projected onto the
// closest proper rotation through its unit quaternion.
func NewSE3(rotation *RotationMatrix, translation r3.Vector) SE3 {
	return SE3{*QuatToRotationMatrix(rotation.Quaternion()), translation}
}

// NewIdentitySE3 returns the identity transform.
func NewIdentitySE3() SE3 {
	return SE3{*NewIdentityRotationMatrix(), r3.Vector{}}
}

// NewSE3FromHomogeneous builds a transform from 16 row-major entries of a 4x4 homogeneous matrix.
// The last row is ignored.
func NewSE3FromHomogeneous(m []float64) (SE3, error) {
	if len(m) != 16 {
		return SE3{}, errors.Errorf("homogeneous matrix needs 16 entries, got %d", len(m))
	}
	rot, err := NewRotationMatrix([]float64{
		m[0], m[1], m[2],
		m[4], m[5], m[6],
		m[8], m[9], m[10],
	})
	if err != nil {
		return SE3{}, err
	}
	return NewSE3(rot, r3.Vector{X: m[3], Y: m[7], Z: m[11]}), nil
}

// Rotation returns the rotation part.
func (p SE3) Rotation() *RotationMatrix {
	rot := p.rotation
	return &rot
}

// Translation returns the translation part.
func (p SE3) Translation() r3.Vector {
	return p.translation
}

// Map applies the transform to a point.
func (p SE3) Map(x r3.Vector) r3.Vector {
	return p.rotation.Apply(x).Add(p.translation)
}

// Compose returns p * q, the transform that applies q first and then p.
func (p SE3) Compose(q SE3) SE3 {
	return SE3{*p.rotation.Mul(&q.rotation), p.rotation.Apply(q.translation).Add(p.translation)}
}

// Inverse returns the inverse transform.
func (p SE3) Inverse() SE3 {
	rt := p.rotation.Transpose()
	return SE3{*rt, rt.Apply(p.translation).Mul(-1)}
}

// Homogeneous returns the 4x4 homogeneous matrix in row-major order.
func (p SE3) Homogeneous() [16]float64 {
	m := p.rotation.mat
	t := p.translation
	return [16]float64{
		m[0], m[1], m[2], t.X,
		m[3], m[4], m[5], t.Y,
		m[6], m[7], m[8], t.Z,
		0, 0, 0, 1,
	}
}

// ExpSE3 maps a tangent vector (omega, upsilon), rotation first, to a transform.
func ExpSE3(omega, upsilon r3.Vector) SE3 {
	theta := omega.Norm()
	k := skew(omega)
	k2 := k.Mul(k)

	var a, b, c float64
	if theta < 1e-10 {
		a, b, c = 1, 0.5, 1.0/6
	} else {
		theta2 := theta * theta
		a = math.Sin(theta) / theta
		b = (1 - math.Cos(theta)) / theta2
		c = (theta - math.Sin(theta)) / (theta2 * theta)
	}

	var rot, v [9]float64
	for i := range rot {
		id := 0.0
		if i%4 == 0 {
			id = 1
		}
		rot[i] = id + a*k.mat[i] + b*k2.mat[i]
		v[i] = id + b*k.mat[i] + c*k2.mat[i]
	}
	vm := RotationMatrix{v}
	return NewSE3(&RotationMatrix{rot}, vm.Apply(upsilon))
}

// LeftPerturb returns Exp(omega, upsilon) * p.
func (p SE3) LeftPerturb(omega, upsilon r3.Vector) SE3 {
	return ExpSE3(omega, upsilon).Compose(p)
}

// SE3AlmostEqual reports whether two transforms differ by less than tol in both translation
// distance and rotation angle.
func SE3AlmostEqual(a, b SE3, tol float64) bool {
	if a.translation.Sub(b.translation).Norm() > tol {
		return false
	}
	return a.rotation.Transpose().Mul(&b.rotation).Angle() <= tol
}
