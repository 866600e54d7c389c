// Package forward assembles the surface, atmosphere and instrument into one
// differentiable forward model mapping a retrieval state to the radiance the
// sensor would measure. The inversion package drives it through a narrow
// interface, so alternative forward models can stand in during tests.
package forward

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"spectrafit/pkg/config"
	"spectrafit/pkg/geom"
	"spectrafit/pkg/statevec"
	"spectrafit/pkg/surface"
)

// Finite difference step for Jacobian columns without an analytic form.
const eps = 1e-5

// Partition names of the assembled state vector.
const (
	PartitionSurface    = "surface"
	PartitionAtmosphere = "atmosphere"
	PartitionInstrument = "instrument"
)

// Model couples a surface model, a radiative transfer coupling and an
// instrument over a shared wavelength grid. All methods are safe for
// concurrent use; per pixel state lives in the pixel's Geometry.
type Model struct {
	Surface    surface.Model
	RT         RadiativeTransfer
	Instrument *Instrument

	sv           *statevec.StateVector
	surfA, surfB int
	rtA, rtB     int
	emissive     surface.Emissive
}

// New assembles the forward model and its state vector: the surface
// partition, the atmospheric partition and an (empty by default) instrument
// partition. The surface must be built on the instrument grid.
func New(surf surface.Model, rt RadiativeTransfer, inst *Instrument) (*Model, error) {
	if len(surf.Wavelengths()) != len(inst.Wavelengths()) {
		return nil, &config.ConfigurationError{Problems: []string{
			fmt.Sprintf("surface has %d channels, instrument has %d",
				len(surf.Wavelengths()), len(inst.Wavelengths())),
		}}
	}

	surfInit := surf.Init()
	surfLo, surfHi := surf.Bounds()
	surfPriorMean := surf.PriorMean(surfInit, nil)
	surfCov := surf.PriorCovariance(surfInit, nil)
	surfSigma := make([]float64, len(surfInit))
	for i := range surfSigma {
		surfSigma[i] = sqrtAt(surfCov, i)
	}

	rtLo, rtHi := rt.Bounds()

	sv, err := statevec.New(
		statevec.Partition{
			Name:       PartitionSurface,
			Names:      surf.StateNames(),
			Init:       surfInit,
			PriorMean:  surfPriorMean,
			PriorSigma: surfSigma,
			LowerBound: surfLo,
			UpperBound: surfHi,
		},
		statevec.Partition{
			Name:       PartitionAtmosphere,
			Names:      rt.StateNames(),
			Init:       rt.Init(),
			PriorMean:  rt.PriorMean(),
			PriorSigma: rt.PriorSigma(),
			LowerBound: rtLo,
			UpperBound: rtHi,
		},
		statevec.Partition{
			Name:  PartitionInstrument,
			Names: inst.StateNames(),
		},
	)
	if err != nil {
		return nil, err
	}

	m := &Model{
		Surface:    surf,
		RT:         rt,
		Instrument: inst,
		sv:         sv,
	}
	m.surfA, m.surfB, _ = sv.PartitionBounds(PartitionSurface)
	m.rtA, m.rtB, _ = sv.PartitionBounds(PartitionAtmosphere)
	m.emissive, _ = surf.(surface.Emissive)
	return m, nil
}

func sqrtAt(cov *mat.SymDense, i int) float64 {
	v := cov.At(i, i)
	if v <= 0 {
		return 0
	}
	return math.Sqrt(v)
}

// Len returns the number of state elements.
func (m *Model) Len() int {
	return m.sv.Len()
}

// StateVector exposes the assembled state vector.
func (m *Model) StateVector() *statevec.StateVector {
	return m.sv
}

// StateNames returns the element names in state order.
func (m *Model) StateNames() []string {
	return m.sv.Names()
}

// Init returns the starting state.
func (m *Model) Init() []float64 {
	return m.sv.Init()
}

// Bounds returns the element bounds in state order.
func (m *Model) Bounds() (lo, hi []float64) {
	return m.sv.Bounds()
}

// OutOfBounds reports whether any element of x violates its bounds.
func (m *Model) OutOfBounds(x []float64) bool {
	return m.sv.OutOfBounds(x)
}

// IdxSurface returns the half open index range of the surface partition
// within the flat state.
func (m *Model) IdxSurface() (start, end int) {
	return m.surfA, m.surfB
}

// Unpack splits a flat state into per partition views.
func (m *Model) Unpack(x []float64) ([][]float64, error) {
	return m.sv.Unpack(x)
}

func (m *Model) xSurface(x []float64) []float64 {
	return x[m.surfA:m.surfB]
}

func (m *Model) xRT(x []float64) []float64 {
	return x[m.rtA:m.rtB]
}

// CalcLamb returns the Lambertian surface reflectance for the full state.
func (m *Model) CalcLamb(x []float64, g *geom.Geometry) []float64 {
	return m.Surface.CalcLamb(m.xSurface(x), g)
}

// CalcRfl returns the total surface reflectance for the full state.
func (m *Model) CalcRfl(x []float64, g *geom.Geometry) []float64 {
	return m.Surface.CalcRfl(m.xSurface(x), g)
}

// CalcRdn returns the at sensor radiance for the full state, including the
// thermal emission path when the surface emits.
func (m *Model) CalcRdn(x []float64, g *geom.Geometry) []float64 {
	rfl := m.Surface.CalcRfl(m.xSurface(x), g)
	var Ls []float64
	if m.emissive != nil {
		Ls = m.emissive.CalcEmission(m.xSurface(x), g)
	}
	return m.RT.CalcRdn(m.xRT(x), rfl, Ls, g)
}

// CalcMeas returns the radiance as measured by the instrument. The default
// instrument carries no state, so the sampling is the identity.
func (m *Model) CalcMeas(x []float64, g *geom.Geometry) []float64 {
	return m.CalcRdn(x, g)
}

// Xa returns the prior mean evaluated at the given state. The surface block
// follows the surface model's component selection; the atmospheric block
// never depends on the surface part of x.
func (m *Model) Xa(x []float64, g *geom.Geometry) []float64 {
	xa := make([]float64, 0, m.Len())
	xa = append(xa, m.Surface.PriorMean(m.xSurface(x), g)...)
	xa = append(xa, m.RT.PriorMean()...)
	return xa
}

// Sa returns the full prior covariance at the given state: the surface
// model's block, a diagonal atmospheric block, and nothing for the empty
// instrument partition.
func (m *Model) Sa(x []float64, g *geom.Geometry) *mat.SymDense {
	n := m.Len()
	Sa := mat.NewSymDense(n, nil)

	surfCov := m.Surface.PriorCovariance(m.xSurface(x), g)
	for i := m.surfA; i < m.surfB; i++ {
		for j := i; j < m.surfB; j++ {
			Sa.SetSym(i, j, surfCov.At(i-m.surfA, j-m.surfA))
		}
	}

	for k, s := range m.RT.PriorSigma() {
		i := m.rtA + k
		Sa.SetSym(i, i, s*s)
	}
	return Sa
}

// Sy returns the diagonal measurement noise covariance for one measurement.
func (m *Model) Sy(meas []float64) []float64 {
	return m.Instrument.Sy(meas)
}

// Jacobian returns the derivative of CalcMeas with respect to the state, one
// row per channel. Surface columns use the analytic chain through the
// reflectance when the surface does not emit; emissive surfaces couple state
// to radiance outside that chain, so their surface columns fall back to
// finite differences, as do the atmospheric columns.
func (m *Model) Jacobian(x []float64, g *geom.Geometry) *mat.Dense {
	nwl := len(m.Instrument.Wavelengths())
	K := mat.NewDense(nwl, m.Len(), nil)

	base := m.CalcMeas(x, g)

	if m.emissive == nil {
		drdnDrfl := m.RT.DRdnDRfl(m.xRT(x), m.Surface.CalcRfl(m.xSurface(x), g), g)
		drflDsurf := m.Surface.DRflDSurface(m.xSurface(x), g)
		for i := 0; i < nwl; i++ {
			for j := m.surfA; j < m.surfB; j++ {
				K.Set(i, j, drdnDrfl[i]*drflDsurf.At(i, j-m.surfA))
			}
		}
	} else {
		m.fdColumns(K, x, g, base, m.surfA, m.surfB)
	}

	m.fdColumns(K, x, g, base, m.rtA, m.rtB)
	return K
}

// fdColumns fills Jacobian columns [a, b) by forward differences around the
// already evaluated base radiance.
func (m *Model) fdColumns(K *mat.Dense, x []float64, g *geom.Geometry, base []float64, a, b int) {
	xp := make([]float64, len(x))
	for j := a; j < b; j++ {
		copy(xp, x)
		xp[j] += eps
		pert := m.CalcMeas(xp, g)
		for i := range pert {
			K.Set(i, j, (pert[i]-base[i])/eps)
		}
	}
}
