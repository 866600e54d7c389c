// Package spectral provides wavelength grid handling, Gaussian spectral
// response functions, band resampling and absorption coefficient tables for
// imaging spectroscopy. Wavelengths are carried in nanometers throughout;
// files expressed in microns are converted on load.
package spectral

import (
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// LoadWavelengths reads an instrument wavelength file and returns center
// wavelengths and full widths at half maximum in nanometers.
//
// Files with three or more columns are interpreted as (index, wavelength,
// fwhm); two column files as (wavelength, fwhm); single column files carry
// wavelengths only and return a nil fwhm. When the first wavelength is below
// 100 the table is assumed to be in microns and converted to nanometers.
func LoadWavelengths(path string) (wl, fwhm []float64, err error) {
	rows, err := loadTable(path)
	if err != nil {
		return nil, nil, fmt.Errorf("error reading wavelength file: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil, fmt.Errorf("wavelength file %s contains no data", path)
	}

	cols := len(rows[0])
	wl = make([]float64, len(rows))
	if cols >= 2 {
		fwhm = make([]float64, len(rows))
	}
	for i, row := range rows {
		switch {
		case cols >= 3:
			wl[i] = row[1]
			fwhm[i] = row[2]
		case cols == 2:
			wl[i] = row[0]
			fwhm[i] = row[1]
		default:
			wl[i] = row[0]
		}
	}

	// Microns to nanometers. The scale applies to the fwhm column as well
	// since both come from the same table.
	if wl[0] < 100 {
		for i := range wl {
			wl[i] *= 1000.0
		}
		for i := range fwhm {
			fwhm[i] *= 1000.0
		}
	}
	return wl, fwhm, nil
}

// LoadSpectrum reads a reference spectrum. Two column files are interpreted
// as (wavelength, value) and return both, with micron wavelengths converted
// to nanometers; single column files return the values with a nil grid.
func LoadSpectrum(path string) (values, wl []float64, err error) {
	rows, err := loadTable(path)
	if err != nil {
		return nil, nil, fmt.Errorf("error reading spectrum file: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil, fmt.Errorf("spectrum file %s contains no data", path)
	}

	if len(rows[0]) >= 2 {
		wl = make([]float64, len(rows))
		values = make([]float64, len(rows))
		for i, row := range rows {
			wl[i] = row[0]
			values[i] = row[1]
		}
		if wl[0] < 100 {
			for i := range wl {
				wl[i] *= 1000.0
			}
		}
		return values, wl, nil
	}

	values = make([]float64, len(rows))
	for i, row := range rows {
		values[i] = row[0]
	}
	return values, nil, nil
}

// ToNanometers returns a copy of the grid converted to nanometers, applying
// the same micron heuristic as the file loaders. Grids already in nanometers
// come back unchanged.
func ToNanometers(wl []float64) []float64 {
	out := append([]float64(nil), wl...)
	if len(out) > 0 && out[0] < 100 {
		for i := range out {
			out[i] *= 1000.0
		}
	}
	return out
}

// SpectralResponseFunction evaluates a normalized Gaussian response centered
// at mu with standard deviation |sigma| on the given sample grid. The
// response sums to one over the grid.
func SpectralResponseFunction(grid []float64, mu, sigma float64) []float64 {
	sigma = math.Abs(sigma)
	srf := make([]float64, len(grid))
	norm := 1.0 / (sigma * math.Sqrt(2.0*math.Pi))
	sum := 0.0
	for i, x := range grid {
		u := (x - mu) / sigma
		srf[i] = norm * math.Exp(-u*u/2.0)
		sum += srf[i]
	}
	for i := range srf {
		srf[i] /= sum
	}
	return srf
}

// Resample maps a spectrum sampled on the grid wl onto the instrument
// channels (wl2, fwhm2) by convolution with each channel's Gaussian spectral
// response. The Gaussian standard deviation is fwhm/2.355.
func Resample(x, wl, wl2, fwhm2 []float64) []float64 {
	out := make([]float64, len(wl2))
	for i := range wl2 {
		srf := SpectralResponseFunction(wl, wl2[i], fwhm2[i]/2.355)
		out[i] = floats.Dot(srf, x)
	}
	return out
}

// Interp linearly interpolates the samples (xp, fp) onto the points xNew.
// xp must be in ascending order. Points outside the domain clamp to the
// first and last samples.
func Interp(xNew, xp, fp []float64) []float64 {
	out := make([]float64, len(xNew))
	for i, x := range xNew {
		out[i] = interpAt(x, xp, fp)
	}
	return out
}

func interpAt(x float64, xp, fp []float64) float64 {
	n := len(xp)
	if x <= xp[0] {
		return fp[0]
	}
	if x >= xp[n-1] {
		return fp[n-1]
	}
	// Index of the first sample strictly above x.
	j := sort.SearchFloat64s(xp, x)
	if xp[j] == x {
		return fp[j]
	}
	t := (x - xp[j-1]) / (xp[j] - xp[j-1])
	return fp[j-1] + t*(fp[j]-fp[j-1])
}

// LoadAbsorption reads a refractive index table and returns liquid water and
// ice absorption coefficients in cm^-1 interpolated onto the wavelength grid
// wl (nanometers).
//
// The table is comma separated with wavelength in nanometers in the first
// column, the imaginary refractive index of water in the third and of ice in
// the fifth. Absorption coefficients follow from the imaginary index k as
// 4*pi*k / lambda with lambda expressed in centimeters.
func LoadAbsorption(path string, wl []float64) (water, ice []float64, err error) {
	rows, err := loadTable(path)
	if err != nil {
		return nil, nil, fmt.Errorf("error reading absorption table: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil, fmt.Errorf("absorption table %s contains no data", path)
	}

	wlOrig := make([]float64, len(rows))
	waterAbs := make([]float64, len(rows))
	iceAbs := make([]float64, len(rows))
	for i, row := range rows {
		if len(row) < 5 {
			return nil, nil, fmt.Errorf("absorption table %s row %d has %d columns, need 5", path, i, len(row))
		}
		wlOrig[i] = row[0]
		wlCM := row[0] * 1e-7
		waterAbs[i] = row[2] * math.Pi * 4.0 / wlCM
		iceAbs[i] = row[4] * math.Pi * 4.0 / wlCM
	}

	water = Interp(wl, wlOrig, waterAbs)
	ice = Interp(wl, wlOrig, iceAbs)
	return water, ice, nil
}

// LoadMatrix reads a whitespace or comma separated numeric matrix with one
// spectrum per row, such as a reflectance library.
func LoadMatrix(path string) ([][]float64, error) {
	rows, err := loadTable(path)
	if err != nil {
		return nil, fmt.Errorf("error reading matrix file: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("matrix file %s contains no data", path)
	}
	return rows, nil
}

// loadTable reads a whitespace or comma separated numeric table, skipping
// blank lines and # comments.
func loadTable(path string) ([][]float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var rows [][]float64
	for lineNo, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.FieldsFunc(line, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t'
		})
		row := make([]float64, 0, len(fields))
		for _, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: parsing %q: %w", lineNo+1, f, err)
			}
			row = append(row, v)
		}
		if len(row) > 0 {
			rows = append(rows, row)
		}
	}
	return rows, nil
}
