package spatialmath

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"
)

func TestRotationMatrixAccessors(t *testing.T) {
	rm, err := NewRotationMatrix(rm45z)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rm.At(0, 1), test.ShouldAlmostEqual, rm45z[1])
	test.That(t, rm.Row(1), test.ShouldResemble, r3.Vector{X: rm45z[3], Y: rm45z[4], Z: rm45z[5]})
	test.That(t, rm.Col(2), test.ShouldResemble, r3.Vector{Z: 1})

	prod := rm.Mul(rm.Transpose())
	id := NewIdentityRotationMatrix()
	for i := range prod.Data() {
		test.That(t, prod.Data()[i], test.ShouldAlmostEqual, id.Data()[i])
	}
}

func TestNormalize(t *testing.T) {
	test.That(t, Normalize(quat.Number{}), test.ShouldResemble, quat.Number{Real: 1})
	q := Normalize(quat.Number{Real: 2, Kmag: 2})
	test.That(t, quat.Abs(q), test.ShouldAlmostEqual, 1)
}

func TestSkew(t *testing.T) {
	v := r3.Vector{X: 1, Y: -2, Z: 3}
	u := r3.Vector{X: 0.5, Y: 4, Z: -1}
	test.That(t, skew(v).Apply(u).Sub(v.Cross(u)).Norm(), test.ShouldBeLessThan, 1e-12)
}
