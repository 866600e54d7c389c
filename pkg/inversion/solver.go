// Package inversion fits forward model states to measured radiance spectra.
// The solver runs a damped Gauss-Newton iteration on the posterior cost, the
// measurement misfit weighted by the noise covariance plus the prior misfit
// weighted by the prior covariance.
package inversion

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"spectrafit/pkg/config"
	"spectrafit/pkg/geom"
)

// ForwardModel is the view of the forward model the solver needs. The prior
// mean and covariance take the current state because component surfaces pick
// their prior from it.
type ForwardModel interface {
	Len() int
	Init() []float64
	Bounds() (lo, hi []float64)
	Xa(x []float64, g *geom.Geometry) []float64
	Sa(x []float64, g *geom.Geometry) *mat.SymDense
	Sy(meas []float64) []float64
	CalcMeas(x []float64, g *geom.Geometry) []float64
	Jacobian(x []float64, g *geom.Geometry) *mat.Dense
}

// Status reports how an inversion ended.
type Status int

const (
	// StatusConverged means the cost stopped decreasing beyond the tolerance
	// or no in-bounds step remained.
	StatusConverged Status = iota
	// StatusMaxIterations means the iteration budget ran out first.
	StatusMaxIterations
	// StatusInvalidInput means the measurement had no usable channels.
	StatusInvalidInput
)

func (s Status) String() string {
	switch s {
	case StatusConverged:
		return "converged"
	case StatusMaxIterations:
		return "max iterations"
	case StatusInvalidInput:
		return "invalid input"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Result holds one finished inversion.
type Result struct {
	Status       Status
	State        []float64
	PosteriorCov *mat.SymDense
	Cost         float64
	Iterations   int
}

// Damping limits. Past maxDamping the problem is hopeless at the current
// state and the iteration gives up.
const (
	minDamping = 1e-12
	maxDamping = 1e12
)

// Guards the relative convergence test when the cost reaches zero.
const tinyCost = 1e-300

// Solver inverts measurements against a forward model. It holds no per pixel
// state, so one Solver serves many goroutines.
type Solver struct {
	fm      ForwardModel
	maxIter int
	tol     float64
	damping float64
}

// NewSolver builds a solver from the inversion settings. Non positive
// tolerance and damping fall back to the defaults.
func NewSolver(fm ForwardModel, cfg config.InversionConfig) *Solver {
	s := &Solver{
		fm:      fm,
		maxIter: cfg.MaxIterations,
		tol:     cfg.CostTolerance,
		damping: cfg.InitialDamping,
	}
	if s.maxIter < 0 {
		s.maxIter = 0
	}
	if s.tol <= 0 {
		s.tol = 1e-6
	}
	if s.damping <= 0 {
		s.damping = 1e-3
	}
	return s
}

// Invert retrieves the state behind one measured spectrum. A measurement
// with no positive channel is rejected before any model evaluation. The
// prior is anchored at the initial state so every candidate is scored
// against the same cost surface.
func (s *Solver) Invert(meas []float64, g *geom.Geometry) Result {
	usable := false
	for _, v := range meas {
		if v > 0 {
			usable = true
			break
		}
	}
	if !usable {
		return Result{Status: StatusInvalidInput}
	}

	x := append([]float64(nil), s.fm.Init()...)
	n := len(x)
	lo, hi := s.fm.Bounds()

	xa := s.fm.Xa(x, g)
	saInv, err := invertCovariance(s.fm.Sa(x, g))
	if err != nil {
		return Result{Status: StatusInvalidInput}
	}

	sy := s.fm.Sy(meas)
	w := make([]float64, len(sy))
	for i, v := range sy {
		w[i] = 1 / v
	}

	fx := s.fm.CalcMeas(x, g)
	cost := posteriorCost(meas, fx, w, x, xa, saInv)

	var (
		K      *mat.Dense
		lambda = s.damping
		status = StatusMaxIterations
		iters  int
	)

	for iter := 0; iter < s.maxIter; iter++ {
		iters = iter + 1

		// The Jacobian is only stale after an accepted step.
		if K == nil {
			K = s.fm.Jacobian(x, g)
		}

		A := normalMatrix(K, w, saInv, lambda)
		b := gradient(K, w, saInv, meas, fx, x, xa)

		var chol mat.Cholesky
		if !chol.Factorize(A) {
			lambda *= 10
			if lambda > maxDamping {
				break
			}
			continue
		}
		var step mat.VecDense
		if err := chol.SolveVecTo(&step, b); err != nil {
			lambda *= 10
			if lambda > maxDamping {
				break
			}
			continue
		}

		xNew := make([]float64, n)
		moved := false
		for i := range xNew {
			xNew[i] = clamp(x[i]+step.AtVec(i), lo[i], hi[i])
			if xNew[i] != x[i] {
				moved = true
			}
		}
		// No element moved: the gradient vanished or the bounds clipped the
		// whole step away.
		if !moved {
			status = StatusConverged
			break
		}

		fNew := s.fm.CalcMeas(xNew, g)
		cNew := posteriorCost(meas, fNew, w, xNew, xa, saInv)

		if cNew < cost {
			drop := cost - cNew
			x, fx, cost = xNew, fNew, cNew
			K = nil
			lambda = math.Max(lambda/10, minDamping)
			if drop <= s.tol*math.Max(cost, tinyCost) {
				status = StatusConverged
				break
			}
			continue
		}
		// The cost surface is flat to tolerance along this step.
		if cNew-cost <= s.tol*math.Max(cost, tinyCost) {
			status = StatusConverged
			break
		}

		lambda *= 10
		if lambda > maxDamping {
			break
		}
	}

	res := Result{
		Status:     status,
		State:      x,
		Cost:       cost,
		Iterations: iters,
	}
	if iters > 0 {
		if K == nil {
			K = s.fm.Jacobian(x, g)
		}
		res.PosteriorCov = posteriorCovariance(K, w, saInv)
	}
	return res
}

// Bands returns the number of output planes one inversion produces, one per
// state element.
func (s *Solver) Bands() int {
	return s.fm.Len()
}

// InvertPixel runs the full inversion and returns the state, or a no-data
// row when the measurement is unusable.
func (s *Solver) InvertPixel(meas []float64, g *geom.Geometry) []float64 {
	res := s.Invert(meas, g)
	if res.Status == StatusInvalidInput {
		out := make([]float64, s.fm.Len())
		for i := range out {
			out[i] = geom.NoData
		}
		return out
	}
	return res.State
}

// posteriorCost is the optimal estimation cost of a candidate state.
func posteriorCost(meas, fx, w, x, xa []float64, saInv *mat.SymDense) float64 {
	var c float64
	for i := range meas {
		r := meas[i] - fx[i]
		c += r * r * w[i]
	}
	dx := make([]float64, len(x))
	floats.SubTo(dx, x, xa)
	dv := mat.NewVecDense(len(dx), dx)
	return c + mat.Inner(dv, saInv, dv)
}

// normalMatrix assembles the damped normal equations matrix
// Kt Sy^-1 K + Sa^-1 with the Marquardt diagonal scaling.
func normalMatrix(K *mat.Dense, w []float64, saInv *mat.SymDense, lambda float64) *mat.SymDense {
	m, n := K.Dims()

	ktw := mat.NewDense(n, m, nil)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			ktw.Set(j, i, K.At(i, j)*w[i])
		}
	}
	base := mat.NewDense(n, n, nil)
	base.Mul(ktw, K)

	A := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		A.SetSym(i, i, (base.At(i, i)+saInv.At(i, i))*(1+lambda))
		for j := i + 1; j < n; j++ {
			v := (base.At(i, j)+base.At(j, i))/2 + saInv.At(i, j)
			A.SetSym(i, j, v)
		}
	}
	return A
}

// gradient assembles Kt Sy^-1 (y - f) - Sa^-1 (x - xa), the descent
// direction of the posterior cost.
func gradient(K *mat.Dense, w []float64, saInv *mat.SymDense, meas, fx, x, xa []float64) *mat.VecDense {
	m, n := K.Dims()

	resid := make([]float64, m)
	floats.SubTo(resid, meas, fx)

	b := mat.NewVecDense(n, nil)
	for j := 0; j < n; j++ {
		var v float64
		for i := 0; i < m; i++ {
			v += K.At(i, j) * w[i] * resid[i]
		}
		b.SetVec(j, v)
	}

	dxa := make([]float64, n)
	floats.SubTo(dxa, x, xa)
	prior := mat.NewVecDense(n, nil)
	prior.MulVec(saInv, mat.NewVecDense(n, dxa))
	b.SubVec(b, prior)
	return b
}

// posteriorCovariance is the Gaussian approximation of the posterior at the
// solution, the inverse of the undamped normal matrix.
func posteriorCovariance(K *mat.Dense, w []float64, saInv *mat.SymDense) *mat.SymDense {
	A := normalMatrix(K, w, saInv, 0)
	n, _ := A.Dims()

	var chol mat.Cholesky
	if !chol.Factorize(A) {
		return nil
	}
	post := mat.NewSymDense(n, nil)
	if err := chol.InverseTo(post); err != nil {
		return nil
	}
	return post
}

// invertCovariance inverts a covariance by Cholesky factorization, retrying
// once with a small diagonal regularization.
func invertCovariance(cov *mat.SymDense) (*mat.SymDense, error) {
	n, _ := cov.Dims()
	var chol mat.Cholesky
	if !chol.Factorize(cov) {
		reg := mat.NewSymDense(n, nil)
		reg.CopySym(cov)
		for i := 0; i < n; i++ {
			reg.SetSym(i, i, reg.At(i, i)+1e-6)
		}
		if !chol.Factorize(reg) {
			return nil, errors.New("covariance is not positive definite")
		}
	}
	inv := mat.NewSymDense(n, nil)
	if err := chol.InverseTo(inv); err != nil {
		return nil, err
	}
	return inv, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
