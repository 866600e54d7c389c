package surface

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"spectrafit/pkg/config"
	"spectrafit/pkg/geom"
)

// Glint surface state parameters. Sun and sky glint off water is close to
// wavelength independent across the solar reflected range, so a single
// additive state element captures it.
const (
	glintName       = "GLINT"
	glintInit       = 0.02
	glintLowerBound = 0.0
	glintUpperBound = 0.2
	glintPriorSigma = 10.0
)

// Glint extends the multicomponent surface with one wavelength independent
// specular term added on top of the Lambertian reflectance.
type Glint struct {
	*MultiComponent
}

// NewGlint builds a glint surface from a loaded component set.
func NewGlint(cfg config.SurfaceConfig, cs *ComponentSet) (*Glint, error) {
	mc, err := NewMultiComponent(cfg, cs)
	if err != nil {
		return nil, err
	}
	return &Glint{MultiComponent: mc}, nil
}

// StateNames labels the reflectance channels followed by the glint term.
func (s *Glint) StateNames() []string {
	return append(append([]string(nil), s.MultiComponent.names...), glintName)
}

// Init returns the starting surface state.
func (s *Glint) Init() []float64 {
	return append(s.MultiComponent.Init(), glintInit)
}

// Bounds returns the valid range of each surface state element.
func (s *Glint) Bounds() (lo, hi []float64) {
	lo = append(append([]float64(nil), s.MultiComponent.lo...), glintLowerBound)
	hi = append(append([]float64(nil), s.MultiComponent.hi...), glintUpperBound)
	return lo, hi
}

// PriorMean extends the multicomponent prior with the glint prior.
func (s *Glint) PriorMean(xSurface []float64, g *geom.Geometry) []float64 {
	return append(s.MultiComponent.PriorMean(xSurface, g), glintInit)
}

// PriorCovariance extends the multicomponent prior block with an
// uncorrelated glint variance.
func (s *Glint) PriorCovariance(xSurface []float64, g *geom.Geometry) *mat.SymDense {
	base := s.MultiComponent.PriorCovariance(xSurface, g)
	d := len(s.wl)
	cov := mat.NewSymDense(d+1, nil)
	for i := 0; i < d; i++ {
		for j := i; j < d; j++ {
			cov.SetSym(i, j, base.At(i, j))
		}
	}
	cov.SetSym(d, d, glintPriorSigma*glintPriorSigma)
	return cov
}

// CalcRfl adds the glint term to the Lambertian reflectance of every
// channel.
func (s *Glint) CalcRfl(xSurface []float64, g *geom.Geometry) []float64 {
	out := s.CalcLamb(xSurface, g)
	glint := xSurface[len(xSurface)-1]
	for i := range out {
		out[i] += glint
	}
	return out
}

// DLambDSurface is the identity over the reflectance block with a zero
// column for the glint state.
func (s *Glint) DLambDSurface(xSurface []float64, g *geom.Geometry) *mat.Dense {
	return identity(len(s.wl), len(s.wl)+1)
}

// DRflDSurface is the identity over the reflectance block with an all ones
// column for the glint state.
func (s *Glint) DRflDSurface(xSurface []float64, g *geom.Geometry) *mat.Dense {
	d := len(s.wl)
	jac := identity(d, d+1)
	for i := 0; i < d; i++ {
		jac.Set(i, d, 1.0)
	}
	return jac
}

// Summarize reports the selected component and the glint magnitude.
func (s *Glint) Summarize(xSurface []float64, g *geom.Geometry) string {
	return fmt.Sprintf("Component: %d, Glint: %.4f",
		s.Component(xSurface, g), xSurface[len(xSurface)-1])
}
