package inversion

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"spectrafit/pkg/config"
	"spectrafit/pkg/geom"
)

// mockModel is a hand built forward model with call counters. The linear
// case has a closed form posterior to compare against.
type mockModel struct {
	init   []float64
	lo, hi []float64
	xa     []float64
	sa     *mat.SymDense
	noise  float64

	f   func(x []float64) []float64
	jac func(x []float64) *mat.Dense

	measCalls  int
	jacCalls   int
	priorCalls int
}

func (m *mockModel) Len() int {
	return len(m.init)
}

func (m *mockModel) Init() []float64 {
	return append([]float64(nil), m.init...)
}

func (m *mockModel) Bounds() (lo, hi []float64) {
	return m.lo, m.hi
}

func (m *mockModel) Xa(x []float64, g *geom.Geometry) []float64 {
	m.priorCalls++
	return append([]float64(nil), m.xa...)
}

func (m *mockModel) Sa(x []float64, g *geom.Geometry) *mat.SymDense {
	return m.sa
}

func (m *mockModel) Sy(meas []float64) []float64 {
	out := make([]float64, len(meas))
	for i := range out {
		out[i] = m.noise
	}
	return out
}

func (m *mockModel) CalcMeas(x []float64, g *geom.Geometry) []float64 {
	m.measCalls++
	return m.f(x)
}

func (m *mockModel) Jacobian(x []float64, g *geom.Geometry) *mat.Dense {
	m.jacCalls++
	return m.jac(x)
}

// linearMock builds a 3 channel, 2 state linear model y = K x with the
// prior centered away from the true state.
func linearMock() (*mockModel, *mat.Dense) {
	K := mat.NewDense(3, 2, []float64{
		1, 0.5,
		0.2, 1,
		0.3, 0.1,
	})
	xa := []float64{0.5, 1.0}
	m := &mockModel{
		init:  append([]float64(nil), xa...),
		lo:    []float64{-10, -10},
		hi:    []float64{10, 10},
		xa:    xa,
		sa:    mat.NewSymDense(2, []float64{0.25, 0, 0, 0.25}),
		noise: 0.01,
		f: func(x []float64) []float64 {
			out := make([]float64, 3)
			ov := mat.NewVecDense(3, out)
			ov.MulVec(K, mat.NewVecDense(2, append([]float64(nil), x...)))
			return out
		},
		jac: func(x []float64) *mat.Dense {
			c := mat.NewDense(3, 2, nil)
			c.Copy(K)
			return c
		},
	}
	return m, K
}

func TestLinearPosterior(t *testing.T) {
	m, K := linearMock()
	xa := m.xa
	w := 1 / m.noise

	// Measurement generated by the true state (0.8, 1.2).
	y := []float64{1.4, 1.36, 0.36}

	// Closed form: Shat = (Kt W K + Sa^-1)^-1 and
	// xhat = xa + Shat Kt W (y - K xa).
	var ktk mat.Dense
	ktk.Mul(K.T(), K)
	info := mat.NewSymDense(2, nil)
	for i := 0; i < 2; i++ {
		for j := i; j < 2; j++ {
			v := ktk.At(i, j) * w
			if i == j {
				v += 1 / 0.25
			}
			info.SetSym(i, j, v)
		}
	}
	var chol mat.Cholesky
	if !chol.Factorize(info) {
		t.Fatal("Failed to factorize the expected information matrix")
	}
	wantCov := mat.NewSymDense(2, nil)
	if err := chol.InverseTo(wantCov); err != nil {
		t.Fatalf("Failed to invert the expected information matrix: %v", err)
	}

	dy := mat.NewVecDense(3, nil)
	dy.MulVec(K, mat.NewVecDense(2, xa))
	for i := 0; i < 3; i++ {
		dy.SetVec(i, y[i]-dy.AtVec(i))
	}
	grad := mat.NewVecDense(2, nil)
	grad.MulVec(K.T(), dy)
	grad.ScaleVec(w, grad)
	shift := mat.NewVecDense(2, nil)
	shift.MulVec(wantCov, grad)
	want := []float64{xa[0] + shift.AtVec(0), xa[1] + shift.AtVec(1)}

	s := NewSolver(m, config.InversionConfig{
		MaxIterations:  50,
		CostTolerance:  1e-12,
		InitialDamping: 1e-3,
	})
	res := s.Invert(y, geom.New())

	if res.Status != StatusConverged {
		t.Fatalf("Expected convergence, got %v after %d iterations", res.Status, res.Iterations)
	}
	for i := range want {
		if math.Abs(res.State[i]-want[i]) > 1e-6 {
			t.Errorf("State %d: expected %g, got %g", i, want[i], res.State[i])
		}
	}
	if res.PosteriorCov == nil {
		t.Fatal("Expected a posterior covariance")
	}
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			if math.Abs(res.PosteriorCov.At(i, j)-wantCov.At(i, j)) > 1e-9 {
				t.Errorf("Posterior[%d][%d]: expected %g, got %g",
					i, j, wantCov.At(i, j), res.PosteriorCov.At(i, j))
			}
		}
	}

	fhat := m.f(want)
	var wantCost float64
	for i := range y {
		r := y[i] - fhat[i]
		wantCost += r * r * w
	}
	for i := range want {
		d := want[i] - xa[i]
		wantCost += d * d / 0.25
	}
	if math.Abs(res.Cost-wantCost) > 1e-6 {
		t.Errorf("Expected a final cost of %g, got %g", wantCost, res.Cost)
	}
}

func TestPosteriorShrinksPrior(t *testing.T) {
	m, _ := linearMock()
	s := NewSolver(m, config.InversionConfig{MaxIterations: 50, CostTolerance: 1e-12, InitialDamping: 1e-3})
	res := s.Invert([]float64{1.4, 1.36, 0.36}, geom.New())

	for i := 0; i < 2; i++ {
		if res.PosteriorCov.At(i, i) >= m.sa.At(i, i) {
			t.Errorf("State %d: posterior variance %g did not shrink below the prior %g",
				i, res.PosteriorCov.At(i, i), m.sa.At(i, i))
		}
	}
}

func TestMaxIterationsZero(t *testing.T) {
	m, _ := linearMock()
	s := NewSolver(m, config.InversionConfig{MaxIterations: 0, CostTolerance: 1e-8, InitialDamping: 1e-3})
	res := s.Invert([]float64{1.4, 1.36, 0.36}, geom.New())

	if res.Status != StatusMaxIterations {
		t.Errorf("Expected max iterations, got %v", res.Status)
	}
	if res.Iterations != 0 {
		t.Errorf("Expected 0 iterations, got %d", res.Iterations)
	}
	for i := range m.init {
		if res.State[i] != m.init[i] {
			t.Errorf("State %d: expected the initial value %g, got %g", i, m.init[i], res.State[i])
		}
	}
	if m.measCalls != 1 {
		t.Errorf("Expected exactly one forward evaluation, got %d", m.measCalls)
	}
	if m.jacCalls != 0 {
		t.Errorf("Expected no Jacobian evaluations, got %d", m.jacCalls)
	}
	if res.PosteriorCov != nil {
		t.Error("Expected no posterior covariance without iterations")
	}
}

func TestInvalidInput(t *testing.T) {
	m, _ := linearMock()
	s := NewSolver(m, config.DefaultConfig().Inversion)
	res := s.Invert([]float64{0, -1, 0}, geom.New())

	if res.Status != StatusInvalidInput {
		t.Fatalf("Expected invalid input, got %v", res.Status)
	}
	if m.measCalls != 0 || m.jacCalls != 0 || m.priorCalls != 0 {
		t.Errorf("Expected no model evaluations, got %d meas, %d jac, %d prior",
			m.measCalls, m.jacCalls, m.priorCalls)
	}
	if res.State != nil {
		t.Error("Expected no state for an invalid input")
	}
}

func TestClipToBounds(t *testing.T) {
	m := &mockModel{
		init:  []float64{0},
		lo:    []float64{-10},
		hi:    []float64{1},
		xa:    []float64{0},
		sa:    mat.NewSymDense(1, []float64{100}),
		noise: 0.01,
		f:     func(x []float64) []float64 { return []float64{x[0]} },
		jac:   func(x []float64) *mat.Dense { return mat.NewDense(1, 1, []float64{1}) },
	}
	s := NewSolver(m, config.InversionConfig{MaxIterations: 20, CostTolerance: 1e-8, InitialDamping: 1e-3})

	// The data pull the state to 5 but the upper bound stops it at 1.
	res := s.Invert([]float64{5}, geom.New())
	if res.Status != StatusConverged {
		t.Fatalf("Expected convergence at the bound, got %v", res.Status)
	}
	if res.State[0] != 1 {
		t.Errorf("Expected the state pinned at 1, got %g", res.State[0])
	}
}

func TestRejectedStepsEscalateDamping(t *testing.T) {
	m := &mockModel{
		init:  []float64{-5},
		lo:    []float64{-10},
		hi:    []float64{10},
		xa:    []float64{0},
		sa:    mat.NewSymDense(1, []float64{100}),
		noise: 0.01,
		f:     func(x []float64) []float64 { return []float64{math.Exp(x[0])} },
		jac:   func(x []float64) *mat.Dense { return mat.NewDense(1, 1, []float64{math.Exp(x[0])}) },
	}
	s := NewSolver(m, config.InversionConfig{MaxIterations: 100, CostTolerance: 1e-10, InitialDamping: 1e-3})

	res := s.Invert([]float64{math.Exp(0.5)}, geom.New())
	if res.Status != StatusConverged {
		t.Fatalf("Expected convergence, got %v after %d iterations", res.Status, res.Iterations)
	}
	if math.Abs(res.State[0]-0.5) > 1e-3 {
		t.Errorf("Expected a state near 0.5, got %g", res.State[0])
	}
	// Every rejected candidate costs one forward evaluation without a
	// fresh Jacobian, so the difference counts the rejections.
	rejects := m.measCalls - m.jacCalls
	if rejects < 3 {
		t.Errorf("Expected the bad start to force several rejections, got %d", rejects)
	}
}

func TestInvertPixelNoData(t *testing.T) {
	m, _ := linearMock()
	s := NewSolver(m, config.DefaultConfig().Inversion)

	out := s.InvertPixel([]float64{0, 0, 0}, geom.New())
	if len(out) != 2 {
		t.Fatalf("Expected 2 output bands, got %d", len(out))
	}
	for i, v := range out {
		if v != geom.NoData {
			t.Errorf("Band %d: expected the no-data value, got %g", i, v)
		}
	}
	if s.Bands() != 2 {
		t.Errorf("Expected 2 bands, got %d", s.Bands())
	}
}

func TestStatusString(t *testing.T) {
	cases := map[Status]string{
		StatusConverged:     "converged",
		StatusMaxIterations: "max iterations",
		StatusInvalidInput:  "invalid input",
		Status(42):          "status(42)",
	}
	for st, want := range cases {
		if st.String() != want {
			t.Errorf("Expected %q, got %q", want, st.String())
		}
	}
}
