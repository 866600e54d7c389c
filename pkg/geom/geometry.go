// Package geom holds per-pixel acquisition metadata shared across the
// surface, forward and inversion packages.
package geom

import "math"

// NoData is the sentinel written for pixels that carry no retrievable
// measurement. Output rasters are initialized to this value and it is only
// ever replaced by a completed retrieval.
const NoData = -9999.0

// Geometry describes the observation and illumination conditions of a single
// pixel. A value is cheap to copy; the executor hands every pixel its own
// copy so that anything cached here stays private to that pixel.
type Geometry struct {
	// ObserverZenith is the view zenith angle in degrees from vertical
	ObserverZenith float64

	// ObserverAzimuth is the view azimuth angle in degrees clockwise from north
	ObserverAzimuth float64

	// SolarZenith is the solar zenith angle in degrees from vertical
	SolarZenith float64

	// SolarAzimuth is the solar azimuth angle in degrees clockwise from north
	SolarAzimuth float64

	// ElevationKM is the surface elevation above sea level in kilometers
	ElevationKM float64

	// Component caches the surface library class selected for this pixel,
	// or -1 when no selection has been made yet. Caching the choice here
	// keeps the surface model itself stateless across pixels.
	Component int
}

// New returns a Geometry for nadir viewing with an overhead sun and no
// cached surface component.
func New() *Geometry {
	return &Geometry{Component: -1}
}

// CosObserverZenith returns the cosine of the view zenith angle.
func (g *Geometry) CosObserverZenith() float64 {
	return math.Cos(g.ObserverZenith * math.Pi / 180.0)
}

// CosSolarZenith returns the cosine of the solar zenith angle.
func (g *Geometry) CosSolarZenith() float64 {
	return math.Cos(g.SolarZenith * math.Pi / 180.0)
}

// AirMass returns the combined relative air mass along the downward solar
// path and the upward view path.
func (g *Geometry) AirMass() float64 {
	return 1.0/g.CosSolarZenith() + 1.0/g.CosObserverZenith()
}
