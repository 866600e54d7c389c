package forward

import (
	"math"

	"spectrafit/pkg/geom"
	"spectrafit/pkg/spectral"
)

// RadiativeTransfer couples surface reflectance to at sensor radiance for a
// given atmospheric state. Real transfer codes stay behind this interface;
// AnalyticRT below is a self contained approximation used as the default and
// throughout the tests.
type RadiativeTransfer interface {
	// StateNames labels the atmospheric state elements.
	StateNames() []string

	// Init returns the starting atmospheric state.
	Init() []float64

	// PriorMean and PriorSigma describe the Gaussian prior of the
	// atmospheric state.
	PriorMean() []float64
	PriorSigma() []float64

	// Bounds returns the valid range of each atmospheric state element.
	Bounds() (lo, hi []float64)

	// CalcRdn converts surface reflectance rfl, and optionally surface
	// emission Ls (nil for non emissive surfaces), to at sensor radiance
	// under the atmospheric state xRT.
	CalcRdn(xRT, rfl, Ls []float64, g *geom.Geometry) []float64

	// DRdnDRfl returns the per channel derivative of radiance with respect
	// to surface reflectance.
	DRdnDRfl(xRT, rfl []float64, g *geom.Geometry) []float64
}

// Atmospheric state layout of AnalyticRT: columnar water vapor in g/cm^2 and
// aerosol optical thickness at 550 nm.
const (
	h2oName = "H2OSTR"
	aotName = "AOT550"
)

// Built in exoatmospheric solar irradiance reference in uW cm^-2 nm^-1,
// coarse enough to resample onto any solar reflected instrument grid.
var (
	solarWavelengths = []float64{
		350, 400, 450, 500, 550, 600, 650, 700, 750, 800,
		900, 1000, 1100, 1300, 1500, 1800, 2000, 2200, 2500,
	}
	solarIrradiance = []float64{
		96, 170, 204, 193, 186, 175, 160, 145, 130, 115,
		90, 75, 61, 38, 22, 11, 7.5, 4.8, 2.7,
	}
)

// Water vapor band model: Gaussian absorption features per unit column
// water, centered on the familiar near infrared bands.
var waterBands = []struct {
	center, amplitude, width float64
}{
	{720, 0.012, 10},
	{820, 0.020, 12},
	{940, 0.080, 25},
	{1140, 0.140, 30},
	{1380, 1.200, 40},
	{1880, 1.600, 50},
	{2500, 0.600, 80},
}

// AnalyticRT is a two parameter analytic radiative transfer coupling with
// Rayleigh scattering, Angstrom law aerosol extinction and a Gaussian band
// model for water vapor. It trades physical fidelity for a closed form that
// needs no lookup tables, which makes it the default coupling and the test
// harness for the solver.
type AnalyticRT struct {
	wl []float64
	e0 []float64
}

// NewAnalyticRT builds the coupling on the instrument grid. The solar
// irradiance reference is convolved through the instrument's Gaussian
// response when the fwhm is known, and linearly interpolated otherwise.
func NewAnalyticRT(wl, fwhm []float64) *AnalyticRT {
	var e0 []float64
	if len(fwhm) == len(wl) && len(wl) > 0 {
		e0 = spectral.Resample(solarIrradiance, solarWavelengths, wl, fwhm)
	} else {
		e0 = spectral.Interp(wl, solarWavelengths, solarIrradiance)
	}
	return &AnalyticRT{wl: append([]float64(nil), wl...), e0: e0}
}

// Wavelengths returns the instrument grid the coupling was built on.
func (rt *AnalyticRT) Wavelengths() []float64 {
	return rt.wl
}

// StateNames labels the atmospheric state elements.
func (rt *AnalyticRT) StateNames() []string {
	return []string{h2oName, aotName}
}

// Init returns the starting atmospheric state.
func (rt *AnalyticRT) Init() []float64 {
	return []float64{1.75, 0.05}
}

// PriorMean returns the atmospheric prior mean.
func (rt *AnalyticRT) PriorMean() []float64 {
	return []float64{1.75, 0.05}
}

// PriorSigma returns broad atmospheric prior widths; the measurement, not
// the prior, should determine the retrieved atmosphere.
func (rt *AnalyticRT) PriorSigma() []float64 {
	return []float64{100.0, 10.0}
}

// Bounds returns the valid range of each atmospheric state element.
func (rt *AnalyticRT) Bounds() (lo, hi []float64) {
	return []float64{0.1, 0.0}, []float64{5.0, 1.0}
}

// depths returns the Rayleigh, aerosol and water vapor optical depths at
// channel i.
func (rt *AnalyticRT) depths(i int, h2o, aot float64, g *geom.Geometry) (tauR, tauA, tauW float64) {
	um := rt.wl[i] / 1000.0
	um2 := um * um
	um4 := um2 * um2

	tauR = 0.008569 / um4 * (1.0 + 0.0113/um2 + 0.00013/um4)
	tauR *= math.Exp(-g.ElevationKM / 8.5)

	tauA = aot * math.Pow(um/0.55, -1.3)

	for _, b := range waterBands {
		d := (rt.wl[i] - b.center) / b.width
		tauW += b.amplitude * math.Exp(-d*d/2.0)
	}
	tauW *= h2o
	return tauR, tauA, tauW
}

// CalcRdn converts surface reflectance to at sensor radiance. The coupling
// uses direct two way transmittance, a single scattering path term and a
// spherical albedo closure for the surface atmosphere interaction.
func (rt *AnalyticRT) CalcRdn(xRT, rfl, Ls []float64, g *geom.Geometry) []float64 {
	h2o, aot := xRT[0], xRT[1]
	mus := g.CosSolarZenith()
	muv := g.CosObserverZenith()

	out := make([]float64, len(rt.wl))
	for i := range rt.wl {
		tauR, tauA, tauW := rt.depths(i, h2o, aot, g)
		tau := tauR + tauA + tauW
		tDown := math.Exp(-tau / mus)
		tUp := math.Exp(-tau / muv)

		s := sphericalAlbedo(tauR, tauA)
		pathRfl := (0.75*tauR + 0.65*tauA) / (4.0 * mus * muv)

		toa := pathRfl + tDown*tUp*rfl[i]/couplingDenom(s, rfl[i])
		out[i] = rt.e0[i] * mus / math.Pi * toa
		if Ls != nil {
			out[i] += tUp * Ls[i]
		}
	}
	return out
}

// DRdnDRfl returns the per channel derivative of radiance with respect to
// surface reflectance.
func (rt *AnalyticRT) DRdnDRfl(xRT, rfl []float64, g *geom.Geometry) []float64 {
	h2o, aot := xRT[0], xRT[1]
	mus := g.CosSolarZenith()
	muv := g.CosObserverZenith()

	out := make([]float64, len(rt.wl))
	for i := range rt.wl {
		tauR, tauA, tauW := rt.depths(i, h2o, aot, g)
		tau := tauR + tauA + tauW
		tDown := math.Exp(-tau / mus)
		tUp := math.Exp(-tau / muv)

		s := sphericalAlbedo(tauR, tauA)
		denom := couplingDenom(s, rfl[i])
		out[i] = rt.e0[i] * mus / math.Pi * tDown * tUp / (denom * denom)
	}
	return out
}

func sphericalAlbedo(tauR, tauA float64) float64 {
	s := 0.92*tauR + 0.33*tauA
	if s > 0.9 {
		s = 0.9
	}
	return s
}

// couplingDenom keeps the spherical albedo closure finite when the solver
// probes reflectances far outside the physical range.
func couplingDenom(s, rfl float64) float64 {
	d := 1.0 - s*rfl
	if d < 0.1 {
		d = 0.1
	}
	return d
}
