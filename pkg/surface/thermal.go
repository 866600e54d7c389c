package surface

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"spectrafit/pkg/config"
	"spectrafit/pkg/geom"
)

// Thermal surface state parameters.
const (
	surfTempName       = "SURF_TEMP_K"
	surfTempInit       = 300.0
	surfTempLowerBound = 250.0
	surfTempUpperBound = 380.0
)

// Thermal extends the multicomponent surface with a retrieved surface
// temperature state and thermal emission. Emissivity follows Kirchhoff's law
// as one minus the reflectance, scaled by the configured emissivity ceiling.
type Thermal struct {
	*MultiComponent
	emissivityCeiling float64
	tPriorSigma       float64
}

// NewThermal builds a thermal surface from a loaded component set.
func NewThermal(cfg config.SurfaceConfig, cs *ComponentSet) (*Thermal, error) {
	mc, err := NewMultiComponent(cfg, cs)
	if err != nil {
		return nil, err
	}

	ceiling := cfg.EmissivityForSurfaceTInit
	if ceiling <= 0 || ceiling > 1 {
		ceiling = 0.98
	}
	sigma := cfg.SurfaceTPriorSigmaDegK
	if sigma <= 0 {
		sigma = 1.0
	}

	return &Thermal{
		MultiComponent:    mc,
		emissivityCeiling: ceiling,
		tPriorSigma:       sigma,
	}, nil
}

// StateNames labels the reflectance channels followed by the surface
// temperature.
func (s *Thermal) StateNames() []string {
	return append(append([]string(nil), s.MultiComponent.names...), surfTempName)
}

// Init returns the starting surface state.
func (s *Thermal) Init() []float64 {
	return append(s.MultiComponent.Init(), surfTempInit)
}

// Bounds returns the valid range of each surface state element.
func (s *Thermal) Bounds() (lo, hi []float64) {
	lo = append(append([]float64(nil), s.MultiComponent.lo...), surfTempLowerBound)
	hi = append(append([]float64(nil), s.MultiComponent.hi...), surfTempUpperBound)
	return lo, hi
}

// PriorMean extends the multicomponent prior with the temperature prior.
func (s *Thermal) PriorMean(xSurface []float64, g *geom.Geometry) []float64 {
	return append(s.MultiComponent.PriorMean(xSurface, g), surfTempInit)
}

// PriorCovariance extends the multicomponent prior block with the configured
// temperature variance.
func (s *Thermal) PriorCovariance(xSurface []float64, g *geom.Geometry) *mat.SymDense {
	base := s.MultiComponent.PriorCovariance(xSurface, g)
	d := len(s.wl)
	cov := mat.NewSymDense(d+1, nil)
	for i := 0; i < d; i++ {
		for j := i; j < d; j++ {
			cov.SetSym(i, j, base.At(i, j))
		}
	}
	cov.SetSym(d, d, s.tPriorSigma*s.tPriorSigma)
	return cov
}

// DLambDSurface is the identity over the reflectance block with a zero
// column for the temperature state.
func (s *Thermal) DLambDSurface(xSurface []float64, g *geom.Geometry) *mat.Dense {
	return identity(len(s.wl), len(s.wl)+1)
}

// DRflDSurface matches DLambDSurface; the temperature state affects emission
// only, not reflectance.
func (s *Thermal) DRflDSurface(xSurface []float64, g *geom.Geometry) *mat.Dense {
	return identity(len(s.wl), len(s.wl)+1)
}

// CalcEmission returns the surface thermal emission per channel in
// microwatts per square centimeter per steradian per nanometer.
func (s *Thermal) CalcEmission(xSurface []float64, g *geom.Geometry) []float64 {
	T := xSurface[len(xSurface)-1]
	out := make([]float64, len(s.wl))
	for i, w := range s.wl {
		eps := s.emissivityCeiling * (1.0 - xSurface[i])
		if eps < 0 {
			eps = 0
		} else if eps > 1 {
			eps = 1
		}
		out[i] = eps * planckRadiance(w, T)
	}
	return out
}

// Summarize reports the selected component and the surface temperature.
func (s *Thermal) Summarize(xSurface []float64, g *geom.Geometry) string {
	return fmt.Sprintf("Component: %d, T: %.1f K",
		s.Component(xSurface, g), xSurface[len(xSurface)-1])
}

// planckRadiance evaluates the Planck blackbody spectral radiance at
// wavelength wl (nanometers) and temperature T (Kelvin), converted to
// microwatts per square centimeter per steradian per nanometer.
func planckRadiance(wl, T float64) float64 {
	const (
		h = 6.62607015e-34 // J s
		c = 2.99792458e8   // m / s
		k = 1.380649e-23   // J / K
	)
	lm := wl * 1e-9
	b := 2 * h * c * c / (lm * lm * lm * lm * lm) / (math.Exp(h*c/(lm*k*T)) - 1.0)
	// W m^-2 sr^-1 m^-1 to uW cm^-2 sr^-1 nm^-1
	return b * 1e-7
}
