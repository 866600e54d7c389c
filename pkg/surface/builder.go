package surface

import (
	"fmt"
	"math"

	"github.com/muesli/clusters"
	"github.com/muesli/kmeans"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"spectrafit/pkg/config"
)

// BuildOptions configure BuildComponents.
type BuildOptions struct {
	// Components is the number of Gaussian classes to fit
	Components int

	// Normalize selects the normalization applied before clustering:
	// Euclidean, RMS or None
	Normalize string

	// Wavelengths is the grid the library spectra are sampled on, in
	// nanometers
	Wavelengths []float64
}

// BuildComponents clusters a reflectance library into Gaussian classes with
// k-means and estimates a mean and regularized covariance per class. The
// library is normalized before clustering so classes separate by spectral
// shape rather than brightness.
func BuildComponents(spectra [][]float64, opts BuildOptions) (*ComponentSet, error) {
	switch opts.Normalize {
	case config.NormalizeEuclidean, config.NormalizeRMS, config.NormalizeNone:
	default:
		return nil, &config.ConfigurationError{Problems: []string{
			fmt.Sprintf("unknown normalize mode %q", opts.Normalize),
		}}
	}
	if opts.Components < 1 {
		return nil, fmt.Errorf("component count %d must be at least 1", opts.Components)
	}
	if len(spectra) < opts.Components {
		return nil, fmt.Errorf("library has %d spectra, need at least %d for %d components",
			len(spectra), opts.Components, opts.Components)
	}
	d := len(spectra[0])
	if len(opts.Wavelengths) != 0 && len(opts.Wavelengths) != d {
		return nil, fmt.Errorf("wavelength grid has %d channels, library has %d", len(opts.Wavelengths), d)
	}

	dataset := make(clusters.Observations, 0, len(spectra))
	for i, s := range spectra {
		if len(s) != d {
			return nil, fmt.Errorf("library row %d has %d channels, want %d", i, len(s), d)
		}
		nrm := normalizeMagnitude(s, opts.Normalize)
		if nrm == 0 {
			return nil, fmt.Errorf("library row %d is all zero", i)
		}
		obs := make(clusters.Coordinates, d)
		for j, v := range s {
			obs[j] = v / nrm
		}
		dataset = append(dataset, obs)
	}

	km := kmeans.New()
	cc, err := km.Partition(dataset, opts.Components)
	if err != nil {
		return nil, fmt.Errorf("error clustering library: %w", err)
	}

	cs := &ComponentSet{
		Wavelengths: append([]float64(nil), opts.Wavelengths...),
		Normalize:   opts.Normalize,
	}
	for _, c := range cc {
		mean := append([]float64(nil), c.Center...)
		cov := clusterCovariance(c.Observations, d)
		cs.Components = append(cs.Components, Component{
			Mean:       mean,
			Covariance: cov,
		})
	}
	return cs, nil
}

// normalizeMagnitude returns the magnitude of a spectrum under the given
// normalization mode. The None mode always returns 1.
func normalizeMagnitude(s []float64, mode string) float64 {
	switch mode {
	case config.NormalizeEuclidean:
		return floats.Norm(s, 2)
	case config.NormalizeRMS:
		return floats.Norm(s, 2) / math.Sqrt(float64(len(s)))
	default:
		return 1.0
	}
}

// clusterCovariance estimates the covariance of one cluster's observations.
// The diagonal is regularized so downstream Cholesky factorizations stay
// well posed even for small or tight clusters.
func clusterCovariance(obs []clusters.Observation, d int) [][]float64 {
	out := make([][]float64, d)
	for i := range out {
		out[i] = make([]float64, d)
	}

	if len(obs) < 2 {
		// A single member carries no spread; fall back to a small isotropic
		// covariance.
		for i := 0; i < d; i++ {
			out[i][i] = 1e-4
		}
		return out
	}

	flat := make([]float64, 0, len(obs)*d)
	for _, o := range obs {
		flat = append(flat, o.Coordinates()...)
	}
	x := mat.NewDense(len(obs), d, flat)

	cov := mat.NewSymDense(d, nil)
	stat.CovarianceMatrix(cov, x, nil)

	for i := 0; i < d; i++ {
		for j := 0; j < d; j++ {
			out[i][j] = cov.At(i, j)
		}
		out[i][i] += 1e-6
	}
	return out
}
