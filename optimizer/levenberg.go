package optimizer

import (
	"context"
	"math"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	lambdaTau             = 1e-5
	maxTrialsAfterFailure = 10
)

// Optimize runs at most iterations Levenberg-Marquardt iterations over the active part of the
// graph and returns the number of iterations run. It stops early when no step reduces the error.
// The context is checked between iterations.
func (o *SparseOptimizer) Optimize(ctx context.Context, iterations int) (int, error) {
	if !o.initialized {
		return 0, ErrNotInitialized
	}
	if o.denseDim == 0 && len(o.margVerts) == 0 {
		o.logger.Debug("no free vertices to optimize")
		return 0, nil
	}
	if err := o.ComputeActiveErrors(ctx); err != nil {
		return 0, err
	}
	lm := &levenberg{o: o, currentChi: o.ActiveRobustChi2()}

	done := 0
	for i := 0; i < iterations; i++ {
		if err := ctx.Err(); err != nil {
			return done, errors.Wrap(err, "optimization interrupted")
		}
		more, err := lm.iterate(ctx, i)
		if err != nil {
			return done, err
		}
		done++
		o.logger.Debugw("levenberg-marquardt iteration",
			"iteration", i, "chi2", lm.currentChi, "lambda", lm.lambda, "trials", lm.trials)
		if !more {
			break
		}
	}
	// rejected trials leave the errors of the discarded estimate behind
	if err := o.ComputeActiveErrors(ctx); err != nil {
		return done, err
	}
	return done, nil
}

type levenberg struct {
	o          *SparseOptimizer
	lambda     float64
	ni         float64
	currentChi float64
	trials     int
}

// iterate runs one iteration and reports whether another one can make progress.
func (lm *levenberg) iterate(ctx context.Context, iteration int) (bool, error) {
	o := lm.o
	sys, err := o.buildSystem(ctx)
	if err != nil {
		return false, err
	}
	if iteration == 0 {
		lm.lambda = lambdaTau * sys.maxDiagonal()
		lm.ni = 2
	}

	var rho float64
	lm.trials = 0
	for {
		o.push()
		dp, dl, ok := sys.solve(lm.lambda)
		tempChi := math.MaxFloat64
		if ok {
			o.applyUpdate(dp, dl)
			if err := o.ComputeActiveErrors(ctx); err != nil {
				o.pop()
				return false, err
			}
			tempChi = o.ActiveRobustChi2()
			rho = (lm.currentChi - tempChi) / sys.scale(dp, dl, lm.lambda)
		} else {
			rho = -1
		}

		if rho > 0 && !math.IsInf(tempChi, 0) && !math.IsNaN(tempChi) {
			alpha := 1 - math.Pow(2*rho-1, 3)
			lm.lambda *= math.Max(1./3, math.Min(alpha, 2./3))
			lm.ni = 2
			lm.currentChi = tempChi
			o.discardTop()
		} else {
			lm.lambda *= lm.ni
			lm.ni *= 2
			o.pop()
		}
		lm.trials++
		if rho >= 0 || lm.trials >= maxTrialsAfterFailure {
			break
		}
	}

	if lm.trials >= maxTrialsAfterFailure || rho == 0 ||
		math.IsInf(lm.currentChi, 0) || math.IsNaN(lm.currentChi) {
		return false, nil
	}
	return true, nil
}

func (o *SparseOptimizer) push() {
	for v := range o.denseIndex {
		v.Push()
	}
	for _, v := range o.margVerts {
		v.Push()
	}
}

func (o *SparseOptimizer) pop() {
	for v := range o.denseIndex {
		v.Pop()
	}
	for _, v := range o.margVerts {
		v.Pop()
	}
}

func (o *SparseOptimizer) discardTop() {
	for v := range o.denseIndex {
		v.DiscardTop()
	}
	for _, v := range o.margVerts {
		v.DiscardTop()
	}
}

func (o *SparseOptimizer) applyUpdate(dp []float64, dl [][]float64) {
	for v, off := range o.denseIndex {
		v.Oplus(dp[off : off+v.Dimension()])
	}
	for m, v := range o.margVerts {
		v.Oplus(dl[m])
	}
}

// crossBlock couples a dense vertex at offset with a marginalized vertex.
type crossBlock struct {
	offset int
	block  *mat.Dense
}

// linearSystem is H * delta = b split into a dense part and marginalized blocks:
//
//	[Hpp  Hpl] [dp]   [bp]
//	[Hlp  Hll] [dl] = [bl]
type linearSystem struct {
	hpp *mat.Dense
	bp  []float64
	hll []*mat.Dense
	bl  [][]float64
	hpl [][]crossBlock
}

// buildSystem linearizes the active edges and accumulates the normal equations. Kernels
// downweight each edge by rho'(chi2).
func (o *SparseOptimizer) buildSystem(ctx context.Context) (*linearSystem, error) {
	if err := o.forEachActiveEdge(ctx, func(e Edge) {
		e.ComputeError()
		e.Linearize()
	}); err != nil {
		return nil, err
	}

	sys := &linearSystem{
		bp:  make([]float64, o.denseDim),
		hll: make([]*mat.Dense, len(o.margVerts)),
		bl:  make([][]float64, len(o.margVerts)),
		hpl: make([][]crossBlock, len(o.margVerts)),
	}
	if o.denseDim > 0 {
		sys.hpp = mat.NewDense(o.denseDim, o.denseDim, nil)
	}
	for m, v := range o.margVerts {
		sys.hll[m] = mat.NewDense(v.Dimension(), v.Dimension(), nil)
		sys.bl[m] = make([]float64, v.Dimension())
	}
	cross := make([]map[int]*mat.Dense, len(o.margVerts))

	for _, e := range o.activeEdges {
		weight := 1.0
		if k := e.RobustKernel(); k != nil {
			weight = k.Robustify(e.Chi2())[1]
		}
		var w mat.Dense
		w.Scale(weight, e.Information())
		errVec := mat.NewVecDense(e.Dimension(), e.Error())
		var we mat.VecDense
		we.MulVec(&w, errVec)

		verts := e.Vertices()
		for i, vi := range verts {
			if vi.Fixed() {
				continue
			}
			ji := e.Jacobian(i)
			var jtw mat.Dense
			jtw.Mul(ji.T(), &w)

			var g mat.VecDense
			g.MulVec(ji.T(), &we)
			var hii mat.Dense
			hii.Mul(&jtw, ji)
			if off, ok := o.denseIndex[vi]; ok {
				addBlock(sys.hpp, off, off, &hii)
				for r := 0; r < g.Len(); r++ {
					sys.bp[off+r] -= g.AtVec(r)
				}
			} else {
				m := o.margIndex[vi]
				sys.hll[m].Add(sys.hll[m], &hii)
				for r := 0; r < g.Len(); r++ {
					sys.bl[m][r] -= g.AtVec(r)
				}
			}

			for j := i + 1; j < len(verts); j++ {
				vj := verts[j]
				if vj.Fixed() {
					continue
				}
				var hij mat.Dense
				hij.Mul(&jtw, e.Jacobian(j))
				offI, denseI := o.denseIndex[vi]
				offJ, denseJ := o.denseIndex[vj]
				switch {
				case denseI && denseJ:
					addBlock(sys.hpp, offI, offJ, &hij)
					addBlock(sys.hpp, offJ, offI, hij.T())
				case denseI:
					addCross(cross, o.margIndex[vj], offI, &hij)
				case denseJ:
					var hji mat.Dense
					hji.CloneFrom(hij.T())
					addCross(cross, o.margIndex[vi], offJ, &hji)
				}
			}
		}
	}

	for m, blocks := range cross {
		offsets := make([]int, 0, len(blocks))
		for off := range blocks {
			offsets = append(offsets, off)
		}
		sort.Ints(offsets)
		for _, off := range offsets {
			sys.hpl[m] = append(sys.hpl[m], crossBlock{offset: off, block: blocks[off]})
		}
	}
	return sys, nil
}

func addBlock(dst *mat.Dense, row, col int, block mat.Matrix) {
	r, c := block.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			dst.Set(row+i, col+j, dst.At(row+i, col+j)+block.At(i, j))
		}
	}
}

func addCross(cross []map[int]*mat.Dense, m, offset int, block *mat.Dense) {
	if cross[m] == nil {
		cross[m] = map[int]*mat.Dense{}
	}
	if existing, ok := cross[m][offset]; ok {
		existing.Add(existing, block)
		return
	}
	var b mat.Dense
	b.CloneFrom(block)
	cross[m][offset] = &b
}

func (sys *linearSystem) maxDiagonal() float64 {
	maxDiag := 0.0
	if sys.hpp != nil {
		n, _ := sys.hpp.Dims()
		for i := 0; i < n; i++ {
			maxDiag = math.Max(maxDiag, math.Abs(sys.hpp.At(i, i)))
		}
	}
	for _, h := range sys.hll {
		n, _ := h.Dims()
		for i := 0; i < n; i++ {
			maxDiag = math.Max(maxDiag, math.Abs(h.At(i, i)))
		}
	}
	return maxDiag
}

// solve solves the damped system (H + lambda*I) delta = b by eliminating the marginalized blocks.
// It reports false when a factorization fails or the step is not finite.
func (sys *linearSystem) solve(lambda float64) ([]float64, [][]float64, bool) {
	hllInv := make([]*mat.SymDense, len(sys.hll))
	for m, h := range sys.hll {
		n, _ := h.Dims()
		damped := mat.NewSymDense(n, nil)
		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				damped.SetSym(i, j, h.At(i, j))
			}
			damped.SetSym(i, i, h.At(i, i)+lambda)
		}
		var chol mat.Cholesky
		if !chol.Factorize(damped) {
			return nil, nil, false
		}
		var inv mat.SymDense
		if err := chol.InverseTo(&inv); err != nil && !isCondition(err) {
			return nil, nil, false
		}
		hllInv[m] = &inv
	}

	n := len(sys.bp)
	dp := make([]float64, n)
	if n > 0 {
		s := mat.DenseCopyOf(sys.hpp)
		for i := 0; i < n; i++ {
			s.Set(i, i, s.At(i, i)+lambda)
		}
		rhs := make([]float64, n)
		copy(rhs, sys.bp)

		for m, blocks := range sys.hpl {
			blv := mat.NewVecDense(len(sys.bl[m]), sys.bl[m])
			for _, a := range blocks {
				var tmp mat.Dense
				tmp.Mul(a.block, hllInv[m])
				var r mat.VecDense
				r.MulVec(&tmp, blv)
				for i := 0; i < r.Len(); i++ {
					rhs[a.offset+i] -= r.AtVec(i)
				}
				for _, c := range blocks {
					var sub mat.Dense
					sub.Mul(&tmp, c.block.T())
					sub.Scale(-1, &sub)
					addBlock(s, a.offset, c.offset, &sub)
				}
			}
		}

		sym := mat.NewSymDense(n, nil)
		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				sym.SetSym(i, j, s.At(i, j))
			}
		}
		var chol mat.Cholesky
		if !chol.Factorize(sym) {
			return nil, nil, false
		}
		var x mat.VecDense
		if err := chol.SolveVecTo(&x, mat.NewVecDense(n, rhs)); err != nil && !isCondition(err) {
			return nil, nil, false
		}
		for i := 0; i < n; i++ {
			dp[i] = x.AtVec(i)
		}
	}

	dl := make([][]float64, len(sys.hll))
	for m, blocks := range sys.hpl {
		r := make([]float64, len(sys.bl[m]))
		copy(r, sys.bl[m])
		rv := mat.NewVecDense(len(r), r)
		for _, a := range blocks {
			rows, _ := a.block.Dims()
			var t mat.VecDense
			t.MulVec(a.block.T(), mat.NewVecDense(rows, dp[a.offset:a.offset+rows]))
			rv.SubVec(rv, &t)
		}
		var d mat.VecDense
		d.MulVec(hllInv[m], rv)
		dl[m] = make([]float64, d.Len())
		for i := range dl[m] {
			dl[m][i] = d.AtVec(i)
		}
	}

	if !allFinite(dp) {
		return nil, nil, false
	}
	for _, d := range dl {
		if !allFinite(d) {
			return nil, nil, false
		}
	}
	return dp, dl, true
}

// scale is the error reduction predicted by the linear model, used for the gain ratio.
func (sys *linearSystem) scale(dp []float64, dl [][]float64, lambda float64) float64 {
	s := 1e-3 + lambda*floats.Dot(dp, dp) + floats.Dot(dp, sys.bp)
	for m, d := range dl {
		s += lambda*floats.Dot(d, d) + floats.Dot(d, sys.bl[m])
	}
	return s
}

func isCondition(err error) bool {
	var c mat.Condition
	return errors.As(err, &c)
}

func allFinite(x []float64) bool {
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
