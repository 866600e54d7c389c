package inversion

import (
	"fmt"
	"math"

	"spectrafit/pkg/geom"
	"spectrafit/pkg/spectral"
)

// Spectral window of the liquid water feature, in nanometers.
const (
	waterWindowLo = 850.0
	waterWindowHi = 1100.0
)

// Starting point and bounds of the fit parameters: water thickness in
// centimeters, then the intercept and slope of the attenuated continuum.
var (
	lwInit  = [3]float64{0.02, 0.3, 0.0002}
	lwLower = [3]float64{0, 0, -0.0004}
	lwUpper = [3]float64{0.5, 1, 0.0004}
)

const lwMaxIter = 15

// LiquidWaterFit retrieves equivalent water thickness from a reflectance
// spectrum by fitting a Beer-Lambert attenuation of a linear continuum over
// the 850 to 1100 nm absorption feature. It is far cheaper than a full
// state inversion and serves as the standalone water mapping path.
type LiquidWaterFit struct {
	wl    []float64
	idx   []int
	lam   []float64
	alpha []float64
}

// NewLiquidWaterFit prepares a fit for the given instrument grid, reading
// liquid water absorption coefficients from the given file.
func NewLiquidWaterFit(wl []float64, absorptionPath string) (*LiquidWaterFit, error) {
	f := &LiquidWaterFit{wl: append([]float64(nil), wl...)}
	for i, w := range wl {
		if w >= waterWindowLo && w <= waterWindowHi {
			f.idx = append(f.idx, i)
			f.lam = append(f.lam, w)
		}
	}
	if len(f.idx) < 3 {
		return nil, fmt.Errorf("only %d channels between %g and %g nm, need at least 3",
			len(f.idx), waterWindowLo, waterWindowHi)
	}
	water, _, err := spectral.LoadAbsorption(absorptionPath, f.lam)
	if err != nil {
		return nil, err
	}
	f.alpha = water
	return f, nil
}

// AbsCoefficients returns the absorption coefficients on the window grid,
// in inverse centimeters.
func (f *LiquidWaterFit) AbsCoefficients() []float64 {
	return f.alpha
}

// Invert fits the window of one reflectance spectrum and returns the
// equivalent water thickness in centimeters. A window with no positive
// reflectance returns the no-data value.
func (f *LiquidWaterFit) Invert(rfl []float64) float64 {
	y := make([]float64, len(f.idx))
	usable := false
	for k, i := range f.idx {
		y[k] = rfl[i]
		if y[k] > 0 {
			usable = true
		}
	}
	if !usable {
		return geom.NoData
	}

	p := lwInit
	sse := f.sse(p, y)
	lambda := 1e-3

	for iter := 0; iter < lwMaxIter; iter++ {
		var jtj [3][3]float64
		var jtr [3]float64
		for k := range y {
			att := math.Exp(-p[0] * f.alpha[k])
			cont := p[1] + p[2]*f.lam[k]
			r := y[k] - cont*att
			j := [3]float64{-f.alpha[k] * cont * att, att, f.lam[k] * att}
			for a := 0; a < 3; a++ {
				jtr[a] += j[a] * r
				for b := a; b < 3; b++ {
					jtj[a][b] += j[a] * j[b]
				}
			}
		}
		for a := 0; a < 3; a++ {
			for b := 0; b < a; b++ {
				jtj[a][b] = jtj[b][a]
			}
			jtj[a][a] *= 1 + lambda
		}

		step, ok := solve3(jtj, jtr)
		if !ok {
			break
		}
		var q [3]float64
		moved := false
		for a := 0; a < 3; a++ {
			q[a] = clamp(p[a]+step[a], lwLower[a], lwUpper[a])
			if q[a] != p[a] {
				moved = true
			}
		}
		if !moved {
			break
		}

		s := f.sse(q, y)
		if s >= sse {
			lambda *= 10
			if lambda > 1e10 {
				break
			}
			continue
		}
		drop := sse - s
		p, sse = q, s
		lambda = math.Max(lambda/10, 1e-12)
		if drop <= 1e-10*sse {
			break
		}
	}
	return p[0]
}

func (f *LiquidWaterFit) sse(p [3]float64, y []float64) float64 {
	var s float64
	for k := range y {
		m := (p[1] + p[2]*f.lam[k]) * math.Exp(-p[0]*f.alpha[k])
		r := y[k] - m
		s += r * r
	}
	return s
}

// Bands returns 1: the fit produces a single water thickness plane.
func (f *LiquidWaterFit) Bands() int {
	return 1
}

// InvertPixel adapts the fit to the pixelwise executor contract. The
// spectrum must cover the full instrument grid.
func (f *LiquidWaterFit) InvertPixel(meas []float64, g *geom.Geometry) []float64 {
	if len(meas) != len(f.wl) {
		return nil
	}
	return []float64{f.Invert(meas)}
}

// solve3 solves a 3x3 linear system by Gaussian elimination with partial
// pivoting. Returns false for a singular system.
func solve3(A [3][3]float64, b [3]float64) ([3]float64, bool) {
	const n = 3
	for col := 0; col < n; col++ {
		pivot := col
		for r := col + 1; r < n; r++ {
			if math.Abs(A[r][col]) > math.Abs(A[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(A[pivot][col]) < 1e-15 {
			return [3]float64{}, false
		}
		if pivot != col {
			A[col], A[pivot] = A[pivot], A[col]
			b[col], b[pivot] = b[pivot], b[col]
		}
		for r := col + 1; r < n; r++ {
			factor := A[r][col] / A[col][col]
			for c := col; c < n; c++ {
				A[r][c] -= factor * A[col][c]
			}
			b[r] -= factor * b[col]
		}
	}
	var x [3]float64
	for r := n - 1; r >= 0; r-- {
		v := b[r]
		for c := r + 1; c < n; c++ {
			v -= A[r][c] * x[c]
		}
		x[r] = v / A[r][r]
	}
	return x, true
}
