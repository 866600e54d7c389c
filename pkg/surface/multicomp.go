package surface

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"spectrafit/pkg/config"
	"spectrafit/pkg/geom"
)

// MultiComponent models the surface as a library of Gaussian reflectance
// classes. Each pixel is matched to the closest class under the configured
// metric, and that class provides the prior mean and covariance for the
// retrieval, rescaled to the magnitude of the pixel's reflectance.
type MultiComponent struct {
	wl           []float64
	names        []string
	init         []float64
	lo, hi       []float64
	normalize    string
	metric       string
	selectOnInit bool
	means        [][]float64
	covs         []*mat.SymDense
	chols        []*mat.Cholesky
}

// NewMultiComponent builds a multicomponent surface from a loaded component
// set. All validation problems are collected into one ConfigurationError.
func NewMultiComponent(cfg config.SurfaceConfig, cs *ComponentSet) (*MultiComponent, error) {
	var problems []string

	switch cfg.SelectionMetric {
	case config.MetricMahalanobis, config.MetricEuclidean:
	default:
		problems = append(problems, fmt.Sprintf("unknown selection_metric %q", cfg.SelectionMetric))
	}
	switch cfg.Normalize {
	case config.NormalizeEuclidean, config.NormalizeRMS, config.NormalizeNone:
	default:
		problems = append(problems, fmt.Sprintf("unknown normalize mode %q", cfg.Normalize))
	}
	if len(cs.Wavelengths) == 0 {
		problems = append(problems, "surface model has no wavelength grid")
	}
	if len(cs.Components) == 0 {
		problems = append(problems, "surface model has no components")
	}

	d := len(cs.Wavelengths)
	for i, c := range cs.Components {
		if len(c.Mean) != d {
			problems = append(problems, fmt.Sprintf("component %d mean has %d channels, want %d", i, len(c.Mean), d))
		}
		if len(c.Covariance) != d {
			problems = append(problems, fmt.Sprintf("component %d covariance has %d rows, want %d", i, len(c.Covariance), d))
		}
	}
	if len(problems) > 0 {
		return nil, &config.ConfigurationError{Problems: problems}
	}

	m := &MultiComponent{
		wl:           append([]float64(nil), cs.Wavelengths...),
		names:        make([]string, d),
		init:         make([]float64, d),
		lo:           make([]float64, d),
		hi:           make([]float64, d),
		normalize:    cfg.Normalize,
		metric:       cfg.SelectionMetric,
		selectOnInit: cfg.SelectOnInit,
	}
	for i, w := range m.wl {
		m.names[i] = reflStateName(w)
		m.init[i] = reflInit
		m.lo[i] = reflLowerBound
		m.hi[i] = reflUpperBound
	}

	for ci, c := range cs.Components {
		mean := append([]float64(nil), c.Mean...)
		cov := mat.NewSymDense(d, nil)
		for i := 0; i < d; i++ {
			if len(c.Covariance[i]) != d {
				return nil, &config.ConfigurationError{Problems: []string{
					fmt.Sprintf("component %d covariance row %d has %d columns, want %d", ci, i, len(c.Covariance[i]), d),
				}}
			}
			for j := i; j < d; j++ {
				cov.SetSym(i, j, (c.Covariance[i][j]+c.Covariance[j][i])/2.0)
			}
		}

		chol := &mat.Cholesky{}
		if ok := chol.Factorize(cov); !ok {
			// Regularize a degenerate covariance and try once more.
			for i := 0; i < d; i++ {
				cov.SetSym(i, i, cov.At(i, i)+1e-6)
			}
			if ok := chol.Factorize(cov); !ok {
				return nil, &config.ConfigurationError{Problems: []string{
					fmt.Sprintf("component %d covariance is not positive definite", ci),
				}}
			}
		}

		m.means = append(m.means, mean)
		m.covs = append(m.covs, cov)
		m.chols = append(m.chols, chol)
	}

	return m, nil
}

// NumComponents returns the number of library classes.
func (m *MultiComponent) NumComponents() int {
	return len(m.means)
}

// Wavelengths returns the instrument wavelength grid in nanometers.
func (m *MultiComponent) Wavelengths() []float64 {
	return m.wl
}

// StateNames labels the surface partition elements.
func (m *MultiComponent) StateNames() []string {
	return m.names
}

// Init returns the starting surface state.
func (m *MultiComponent) Init() []float64 {
	return append([]float64(nil), m.init...)
}

// Bounds returns the valid range of each surface state element.
func (m *MultiComponent) Bounds() (lo, hi []float64) {
	return m.lo, m.hi
}

// norm returns the magnitude of a reflectance under the configured
// normalization. The None mode always returns 1.
func (m *MultiComponent) norm(r []float64) float64 {
	switch m.normalize {
	case config.NormalizeEuclidean:
		return floats.Norm(r, 2)
	case config.NormalizeRMS:
		return floats.Norm(r, 2) / math.Sqrt(float64(len(r)))
	default:
		return 1.0
	}
}

// Component returns the index of the library class closest to the surface
// reflectance. When select_on_init is set the choice made for a pixel is
// cached in its Geometry and reused, which keeps the model itself stateless.
func (m *MultiComponent) Component(xSurface []float64, g *geom.Geometry) int {
	if m.selectOnInit && g != nil && g.Component >= 0 {
		return g.Component
	}

	lamb := xSurface[:len(m.wl)]
	nrm := m.norm(lamb)
	if nrm == 0 {
		nrm = 1.0
	}
	r := make([]float64, len(lamb))
	for i, v := range lamb {
		r[i] = v / nrm
	}

	best, bestDist := 0, math.Inf(1)
	for c := range m.means {
		if d := m.distance(r, c); d < bestDist {
			best, bestDist = c, d
		}
	}

	if m.selectOnInit && g != nil {
		g.Component = best
	}
	return best
}

// distance measures how far a normalized reflectance lies from component c
// under the configured metric.
func (m *MultiComponent) distance(r []float64, c int) float64 {
	diff := make([]float64, len(r))
	floats.SubTo(diff, r, m.means[c])

	if m.metric == config.MetricEuclidean {
		return floats.Norm(diff, 2)
	}

	// Mahalanobis distance through the precomputed Cholesky factorization.
	dv := mat.NewVecDense(len(diff), diff)
	var sol mat.VecDense
	if err := m.chols[c].SolveVecTo(&sol, dv); err != nil {
		return math.Inf(1)
	}
	return math.Sqrt(mat.Dot(dv, &sol))
}

// PriorMean returns the selected component mean rescaled to the magnitude of
// the current reflectance estimate.
func (m *MultiComponent) PriorMean(xSurface []float64, g *geom.Geometry) []float64 {
	c := m.Component(xSurface, g)
	nrm := m.norm(xSurface[:len(m.wl)])
	if nrm == 0 {
		nrm = 1.0
	}
	mu := make([]float64, len(m.wl))
	for i, v := range m.means[c] {
		mu[i] = v * nrm
	}
	return mu
}

// PriorCovariance returns the selected component covariance rescaled by the
// squared magnitude of the current reflectance estimate.
func (m *MultiComponent) PriorCovariance(xSurface []float64, g *geom.Geometry) *mat.SymDense {
	c := m.Component(xSurface, g)
	nrm := m.norm(xSurface[:len(m.wl)])
	if nrm == 0 {
		nrm = 1.0
	}
	d := len(m.wl)
	cov := mat.NewSymDense(d, nil)
	for i := 0; i < d; i++ {
		for j := i; j < d; j++ {
			cov.SetSym(i, j, m.covs[c].At(i, j)*nrm*nrm)
		}
	}
	return cov
}

// CalcLamb returns the Lambertian reflectance, the per channel block of the
// surface state.
func (m *MultiComponent) CalcLamb(xSurface []float64, g *geom.Geometry) []float64 {
	out := make([]float64, len(m.wl))
	copy(out, xSurface[:len(m.wl)])
	return out
}

// CalcRfl returns the total reflectance, identical to CalcLamb for a purely
// Lambertian multicomponent surface.
func (m *MultiComponent) CalcRfl(xSurface []float64, g *geom.Geometry) []float64 {
	return m.CalcLamb(xSurface, g)
}

// DLambDSurface is the identity over the reflectance block.
func (m *MultiComponent) DLambDSurface(xSurface []float64, g *geom.Geometry) *mat.Dense {
	return identity(len(m.wl), len(m.names))
}

// DRflDSurface is the identity over the reflectance block.
func (m *MultiComponent) DRflDSurface(xSurface []float64, g *geom.Geometry) *mat.Dense {
	return identity(len(m.wl), len(m.names))
}

// Summarize reports the selected component.
func (m *MultiComponent) Summarize(xSurface []float64, g *geom.Geometry) string {
	return fmt.Sprintf("Component: %d", m.Component(xSurface, g))
}
