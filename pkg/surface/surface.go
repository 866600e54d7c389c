// Package surface implements the surface models used by the forward model:
// a plain Lambertian surface, a multicomponent surface built from a library
// of Gaussian reflectance classes, and glint and thermal extensions of the
// multicomponent surface.
//
// The variant is chosen once at construction from the configuration; after
// that every model is used through the Model interface and is safe for
// concurrent use, since per pixel state lives in the pixel's Geometry.
package surface

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"spectrafit/pkg/config"
	"spectrafit/pkg/geom"
)

// Model is the interface shared by all surface variants. The xSurface
// argument of every method is the surface partition of the full retrieval
// state, laid out as one reflectance element per channel followed by any
// auxiliary states. Implementations treat xSurface as read only.
type Model interface {
	// Wavelengths returns the instrument wavelength grid in nanometers.
	Wavelengths() []float64

	// StateNames labels the surface partition elements.
	StateNames() []string

	// Init returns the starting surface state.
	Init() []float64

	// Bounds returns the valid range of each surface state element.
	Bounds() (lo, hi []float64)

	// PriorMean returns the prior mean evaluated at the given surface state.
	PriorMean(xSurface []float64, g *geom.Geometry) []float64

	// PriorCovariance returns the prior covariance block evaluated at the
	// given surface state.
	PriorCovariance(xSurface []float64, g *geom.Geometry) *mat.SymDense

	// CalcLamb returns the Lambertian reflectance per channel.
	CalcLamb(xSurface []float64, g *geom.Geometry) []float64

	// CalcRfl returns the total surface reflectance per channel.
	CalcRfl(xSurface []float64, g *geom.Geometry) []float64

	// DLambDSurface returns the Jacobian of CalcLamb with respect to the
	// surface state, one row per channel.
	DLambDSurface(xSurface []float64, g *geom.Geometry) *mat.Dense

	// DRflDSurface returns the Jacobian of CalcRfl with respect to the
	// surface state, one row per channel.
	DRflDSurface(xSurface []float64, g *geom.Geometry) *mat.Dense

	// Summarize describes the surface state in one line for diagnostics.
	Summarize(xSurface []float64, g *geom.Geometry) string
}

// Emissive is implemented by surface models that emit thermal radiance in
// addition to reflecting sunlight.
type Emissive interface {
	// CalcEmission returns the upwelling surface emission per channel in
	// microwatts per square centimeter per steradian per nanometer.
	CalcEmission(xSurface []float64, g *geom.Geometry) []float64
}

// New builds the surface model selected by the configuration on the given
// instrument grid. Every category except the plain "surface" loads its
// component library from cfg.SurfaceFile and requires the library grid to
// match the instrument grid.
func New(cfg config.SurfaceConfig, wl []float64) (Model, error) {
	if cfg.Category == config.CategorySurface {
		return NewLambertian(wl), nil
	}

	cs, err := LoadComponentSet(cfg.SurfaceFile)
	if err != nil {
		return nil, err
	}
	if len(wl) > 0 && len(cs.Wavelengths) != len(wl) {
		return nil, &config.ConfigurationError{Problems: []string{
			fmt.Sprintf("surface model has %d channels, instrument has %d", len(cs.Wavelengths), len(wl)),
		}}
	}
	return NewFromComponents(cfg, cs)
}

// NewFromComponents builds the configured variant on an already loaded
// component set.
func NewFromComponents(cfg config.SurfaceConfig, cs *ComponentSet) (Model, error) {
	switch cfg.Category {
	case config.CategoryMultiComponent:
		return NewMultiComponent(cfg, cs)
	case config.CategoryGlint:
		return NewGlint(cfg, cs)
	case config.CategoryThermal:
		return NewThermal(cfg, cs)
	default:
		return nil, &config.ConfigurationError{Problems: []string{
			fmt.Sprintf("unknown surface_category %q", cfg.Category),
		}}
	}
}

// Reflectance bounds shared by all variants. Slightly negative values are
// allowed so noisy dark pixels do not pin the solver against the boundary.
const (
	reflLowerBound = -0.05
	reflUpperBound = 1.5
	reflInit       = 0.15
)

// Lambertian is the plain surface: every channel's reflectance is a state
// element with a broad static prior and no auxiliary states.
type Lambertian struct {
	wl         []float64
	names      []string
	init       []float64
	lo, hi     []float64
	priorSigma float64
}

// NewLambertian builds a plain surface over the given wavelength grid.
func NewLambertian(wl []float64) *Lambertian {
	n := len(wl)
	l := &Lambertian{
		wl:         append([]float64(nil), wl...),
		names:      make([]string, n),
		init:       make([]float64, n),
		lo:         make([]float64, n),
		hi:         make([]float64, n),
		priorSigma: 10.0,
	}
	for i, w := range wl {
		l.names[i] = reflStateName(w)
		l.init[i] = reflInit
		l.lo[i] = reflLowerBound
		l.hi[i] = reflUpperBound
	}
	return l
}

func reflStateName(wl float64) string {
	return fmt.Sprintf("RFL_%04d", int(math.Round(wl)))
}

// Wavelengths returns the instrument wavelength grid in nanometers.
func (l *Lambertian) Wavelengths() []float64 {
	return l.wl
}

// StateNames labels the surface partition elements.
func (l *Lambertian) StateNames() []string {
	return l.names
}

// Init returns the starting surface state.
func (l *Lambertian) Init() []float64 {
	return append([]float64(nil), l.init...)
}

// Bounds returns the valid range of each surface state element.
func (l *Lambertian) Bounds() (lo, hi []float64) {
	return l.lo, l.hi
}

// PriorMean returns the static prior mean.
func (l *Lambertian) PriorMean(xSurface []float64, g *geom.Geometry) []float64 {
	return append([]float64(nil), l.init...)
}

// PriorCovariance returns the broad diagonal prior.
func (l *Lambertian) PriorCovariance(xSurface []float64, g *geom.Geometry) *mat.SymDense {
	cov := mat.NewSymDense(len(l.wl), nil)
	for i := range l.wl {
		cov.SetSym(i, i, l.priorSigma*l.priorSigma)
	}
	return cov
}

// CalcLamb returns the Lambertian reflectance, which for this surface is the
// state itself.
func (l *Lambertian) CalcLamb(xSurface []float64, g *geom.Geometry) []float64 {
	out := make([]float64, len(l.wl))
	copy(out, xSurface[:len(l.wl)])
	return out
}

// CalcRfl returns the total reflectance, identical to CalcLamb for a
// Lambertian surface.
func (l *Lambertian) CalcRfl(xSurface []float64, g *geom.Geometry) []float64 {
	return l.CalcLamb(xSurface, g)
}

// DLambDSurface is the identity for a Lambertian surface.
func (l *Lambertian) DLambDSurface(xSurface []float64, g *geom.Geometry) *mat.Dense {
	return identity(len(l.wl), len(l.names))
}

// DRflDSurface is the identity for a Lambertian surface.
func (l *Lambertian) DRflDSurface(xSurface []float64, g *geom.Geometry) *mat.Dense {
	return identity(len(l.wl), len(l.names))
}

// Summarize returns an empty summary; the plain surface has nothing beyond
// its reflectance to report.
func (l *Lambertian) Summarize(xSurface []float64, g *geom.Geometry) string {
	return ""
}

// identity builds a rows x cols matrix with ones on the main diagonal.
func identity(rows, cols int) *mat.Dense {
	m := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows && i < cols; i++ {
		m.Set(i, i, 1.0)
	}
	return m
}
