package forward

import (
	"math"

	"spectrafit/pkg/config"
)

// Instrument describes the sensor wavelength grid and its parametric noise
// model. The instrument contributes no retrieved state by default, matching
// sensors whose calibration is trusted during the retrieval.
type Instrument struct {
	wl    []float64
	fwhm  []float64
	snr   float64
	floor float64
}

// NewInstrument builds an instrument on the given grid. The fwhm may be nil
// when the raster header carries none.
func NewInstrument(wl, fwhm []float64, cfg config.InstrumentConfig) *Instrument {
	snr := cfg.SNR
	if snr <= 0 {
		snr = 100.0
	}
	floor := cfg.NoiseFloor
	if floor < 0 {
		floor = 0
	}
	return &Instrument{
		wl:    append([]float64(nil), wl...),
		fwhm:  append([]float64(nil), fwhm...),
		snr:   snr,
		floor: floor,
	}
}

// Wavelengths returns the channel centers in nanometers.
func (in *Instrument) Wavelengths() []float64 {
	return in.wl
}

// FWHM returns the channel widths in nanometers, or nil when unknown.
func (in *Instrument) FWHM() []float64 {
	return in.fwhm
}

// StateNames returns the instrument state labels. The default instrument
// retrieves nothing, so the partition is empty.
func (in *Instrument) StateNames() []string {
	return nil
}

// Sy returns the diagonal of the measurement noise covariance for one
// measured spectrum under the parametric signal to noise model.
func (in *Instrument) Sy(meas []float64) []float64 {
	out := make([]float64, len(meas))
	for i, v := range meas {
		sigma := math.Abs(v) / in.snr
		if sigma < in.floor {
			sigma = in.floor
		}
		if sigma <= 0 {
			// A dark channel with no configured floor still needs a finite
			// variance for the solver's weighting.
			sigma = 1e-8
		}
		out[i] = sigma * sigma
	}
	return out
}
