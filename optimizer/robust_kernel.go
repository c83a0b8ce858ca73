package optimizer

import "math"

// RobustKernel reweights the squared error of an edge. Robustify returns rho(e2) and its first
// and second derivatives.
type RobustKernel interface {
	Robustify(e2 float64) [3]float64
	Delta() float64
}

// HuberKernel is quadratic up to delta and linear beyond it.
type HuberKernel struct {
	delta float64
}

// NewHuberKernel returns a Huber kernel with the given threshold on the error norm.
func NewHuberKernel(delta float64) *HuberKernel {
	return &HuberKernel{delta: delta}
}

// Delta returns the threshold.
func (k *HuberKernel) Delta() float64 {
	return k.delta
}

// Robustify implements RobustKernel.
func (k *HuberKernel) Robustify(e2 float64) [3]float64 {
	dsqr := k.delta * k.delta
	if e2 <= dsqr {
		return [3]float64{e2, 1, 0}
	}
	sqrte := math.Sqrt(e2)
	rho1 := k.delta / sqrte
	return [3]float64{2*sqrte*k.delta - dsqr, rho1, -0.5 * rho1 / e2}
}
