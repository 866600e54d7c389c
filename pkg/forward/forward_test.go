package forward

import (
	"errors"
	"math"
	"testing"

	"spectrafit/pkg/config"
	"spectrafit/pkg/geom"
	"spectrafit/pkg/surface"
)

func testInstrumentConfig() config.InstrumentConfig {
	return config.InstrumentConfig{SNR: 100, NoiseFloor: 1e-6}
}

// fourChannelModel builds a Lambertian forward model on a small VNIR grid.
func fourChannelModel(t *testing.T) *Model {
	t.Helper()
	wl := []float64{450, 550, 650, 850}
	fwhm := []float64{10, 10, 10, 10}
	fm, err := New(
		surface.NewLambertian(wl),
		NewAnalyticRT(wl, fwhm),
		NewInstrument(wl, fwhm, testInstrumentConfig()),
	)
	if err != nil {
		t.Fatalf("Failed to build forward model: %v", err)
	}
	return fm
}

// twoChannelMultiComponentModel builds a forward model whose surface prior
// depends on the state through component selection and normalization.
func twoChannelMultiComponentModel(t *testing.T) *Model {
	t.Helper()
	wl := []float64{550, 850}
	fwhm := []float64{10, 10}
	cs := &surface.ComponentSet{
		Wavelengths: wl,
		Normalize:   config.NormalizeEuclidean,
		Components: []surface.Component{
			{Mean: []float64{1, 0}, Covariance: [][]float64{{0.01, 0}, {0, 0.01}}},
			{Mean: []float64{0, 1}, Covariance: [][]float64{{1, 0}, {0, 1}}},
		},
	}
	cfg := config.SurfaceConfig{
		Category:        config.CategoryMultiComponent,
		Normalize:       config.NormalizeEuclidean,
		SelectionMetric: config.MetricEuclidean,
		SelectOnInit:    false,
	}
	surf, err := surface.NewMultiComponent(cfg, cs)
	if err != nil {
		t.Fatalf("Failed to build multicomponent surface: %v", err)
	}
	fm, err := New(surf, NewAnalyticRT(wl, fwhm), NewInstrument(wl, fwhm, testInstrumentConfig()))
	if err != nil {
		t.Fatalf("Failed to build forward model: %v", err)
	}
	return fm
}

func TestNewRejectsGridMismatch(t *testing.T) {
	wl3 := []float64{450, 550, 650}
	wl4 := []float64{450, 550, 650, 850}
	_, err := New(
		surface.NewLambertian(wl3),
		NewAnalyticRT(wl4, nil),
		NewInstrument(wl4, nil, testInstrumentConfig()),
	)
	if err == nil {
		t.Fatal("Expected an error for mismatched channel counts")
	}
	var cerr *config.ConfigurationError
	if !errors.As(err, &cerr) {
		t.Errorf("Expected a configuration error, got %T", err)
	}
}

func TestUnpackThreePartitions(t *testing.T) {
	fm := fourChannelModel(t)

	if fm.Len() != 6 {
		t.Fatalf("Expected 6 state elements, got %d", fm.Len())
	}
	parts, err := fm.Unpack(fm.Init())
	if err != nil {
		t.Fatalf("Failed to unpack init state: %v", err)
	}
	if len(parts) != 3 {
		t.Fatalf("Expected 3 partitions, got %d", len(parts))
	}
	if len(parts[0]) != 4 || len(parts[1]) != 2 || len(parts[2]) != 0 {
		t.Errorf("Expected partition lengths 4, 2, 0, got %d, %d, %d",
			len(parts[0]), len(parts[1]), len(parts[2]))
	}
}

func TestIdxSurface(t *testing.T) {
	fm := fourChannelModel(t)
	start, end := fm.IdxSurface()
	if start != 0 || end != 4 {
		t.Errorf("Expected surface range [0, 4), got [%d, %d)", start, end)
	}
}

func TestStateNamesOrder(t *testing.T) {
	fm := fourChannelModel(t)
	names := fm.StateNames()
	want := []string{"RFL_0450", "RFL_0550", "RFL_0650", "RFL_0850", "H2OSTR", "AOT550"}
	if len(names) != len(want) {
		t.Fatalf("Expected %d names, got %d", len(want), len(names))
	}
	for i, n := range want {
		if names[i] != n {
			t.Errorf("Name %d: expected %q, got %q", i, n, names[i])
		}
	}
}

func TestCalcLambIdentity(t *testing.T) {
	fm := fourChannelModel(t)
	g := geom.New()

	x := fm.Init()
	x[0], x[1], x[2], x[3] = 0.1, 0.2, 0.3, 0.4
	lamb := fm.CalcLamb(x, g)
	for i := 0; i < 4; i++ {
		if lamb[i] != x[i] {
			t.Errorf("Channel %d: expected reflectance %g, got %g", i, x[i], lamb[i])
		}
	}
}

func TestPriorAtmosphereInvariance(t *testing.T) {
	fm := twoChannelMultiComponentModel(t)
	g := geom.New()

	x := fm.Init()
	x[0], x[1] = 0.6, 0.1

	x2 := append([]float64(nil), x...)
	x2[0] *= 1.5
	x2[1] *= 1.5

	xa := fm.Xa(x, g)
	xa2 := fm.Xa(x2, g)
	if xa[0] == xa2[0] {
		t.Fatal("Expected the surface prior mean to track the state magnitude")
	}
	for i := 2; i < 4; i++ {
		if xa[i] != xa2[i] {
			t.Errorf("Atmospheric prior %d changed with the surface state: %g vs %g",
				i, xa[i], xa2[i])
		}
	}

	Sa := fm.Sa(x, g)
	Sa2 := fm.Sa(x2, g)
	if Sa.At(0, 0) == Sa2.At(0, 0) {
		t.Fatal("Expected the surface prior covariance to track the state magnitude")
	}
	for i := 2; i < 4; i++ {
		if Sa.At(i, i) != Sa2.At(i, i) {
			t.Errorf("Atmospheric prior variance %d changed with the surface state", i)
		}
	}
}

func TestSaShape(t *testing.T) {
	fm := fourChannelModel(t)
	g := geom.New()

	Sa := fm.Sa(fm.Init(), g)
	n, _ := Sa.Dims()
	if n != fm.Len() {
		t.Fatalf("Expected a %d x %d prior covariance, got %d", fm.Len(), fm.Len(), n)
	}
	// Atmospheric variances are the squared prior sigmas.
	sig := fm.RT.PriorSigma()
	for k, s := range sig {
		got := Sa.At(4+k, 4+k)
		if math.Abs(got-s*s) > 1e-12 {
			t.Errorf("Atmospheric variance %d: expected %g, got %g", k, s*s, got)
		}
	}
	for i := 0; i < 4; i++ {
		if Sa.At(i, i) <= 0 {
			t.Errorf("Surface variance %d is not positive: %g", i, Sa.At(i, i))
		}
	}
}

func TestJacobianMatchesFiniteDifference(t *testing.T) {
	fm := fourChannelModel(t)
	g := geom.New()

	x := fm.Init()
	x[0], x[1], x[2], x[3] = 0.25, 0.40, 0.10, 0.30
	x[4], x[5] = 1.3, 0.08

	K := fm.Jacobian(x, g)
	rows, cols := K.Dims()
	if rows != 4 || cols != 6 {
		t.Fatalf("Expected a 4 x 6 Jacobian, got %d x %d", rows, cols)
	}

	const h = 1e-6
	for j := 0; j < cols; j++ {
		xp := append([]float64(nil), x...)
		xm := append([]float64(nil), x...)
		xp[j] += h
		xm[j] -= h
		fp := fm.CalcMeas(xp, g)
		fmn := fm.CalcMeas(xm, g)
		for i := 0; i < rows; i++ {
			want := (fp[i] - fmn[i]) / (2 * h)
			got := K.At(i, j)
			diff := math.Abs(got - want)
			scale := math.Max(math.Abs(want), 1e-6)
			if diff/scale > 1e-3 {
				t.Errorf("K[%d][%d]: expected %g, got %g", i, j, want, got)
			}
		}
	}
}

func TestOutOfBounds(t *testing.T) {
	fm := fourChannelModel(t)

	x := fm.Init()
	if fm.OutOfBounds(x) {
		t.Error("Init state should be inside the bounds")
	}
	x[0] = -1
	if !fm.OutOfBounds(x) {
		t.Error("Expected a reflectance of -1 to violate the bounds")
	}
	x = fm.Init()
	x[4] = 0.01
	if !fm.OutOfBounds(x) {
		t.Error("Expected a water vapor value below the lower bound to be flagged")
	}
}

func TestEmissiveForward(t *testing.T) {
	wl := []float64{2100, 2400}
	fwhm := []float64{20, 20}
	cs := &surface.ComponentSet{
		Wavelengths: wl,
		Normalize:   config.NormalizeNone,
		Components: []surface.Component{
			{Mean: []float64{0.1, 0.1}, Covariance: [][]float64{{0.01, 0}, {0, 0.01}}},
		},
	}
	cfg := config.SurfaceConfig{
		Category:                  config.CategoryThermal,
		Normalize:                 config.NormalizeNone,
		SelectionMetric:           config.MetricEuclidean,
		EmissivityForSurfaceTInit: 0.98,
		SurfaceTPriorSigmaDegK:    5,
	}
	surf, err := surface.NewThermal(cfg, cs)
	if err != nil {
		t.Fatalf("Failed to build thermal surface: %v", err)
	}
	fm, err := New(surf, NewAnalyticRT(wl, fwhm), NewInstrument(wl, fwhm, testInstrumentConfig()))
	if err != nil {
		t.Fatalf("Failed to build forward model: %v", err)
	}
	g := geom.New()

	// Surface reflectances, temperature, then the atmosphere.
	if fm.Len() != 5 {
		t.Fatalf("Expected 5 state elements, got %d", fm.Len())
	}

	cold := fm.Init()
	hot := append([]float64(nil), cold...)
	hot[2] = 340.0

	rdnCold := fm.CalcMeas(cold, g)
	rdnHot := fm.CalcMeas(hot, g)
	for i := range rdnCold {
		if rdnHot[i] <= rdnCold[i] {
			t.Errorf("Channel %d: expected a warmer surface to raise the radiance (%g vs %g)",
				i, rdnHot[i], rdnCold[i])
		}
	}

	// The temperature column of the Jacobian comes from finite differences
	// and must be positive in the shortwave infrared.
	K := fm.Jacobian(cold, g)
	for i := 0; i < 2; i++ {
		if K.At(i, 2) <= 0 {
			t.Errorf("Channel %d: expected a positive temperature derivative, got %g",
				i, K.At(i, 2))
		}
	}
}

func TestInstrumentSy(t *testing.T) {
	wl := []float64{450, 550}
	inst := NewInstrument(wl, nil, testInstrumentConfig())

	sy := inst.Sy([]float64{1, 0})
	if math.Abs(sy[0]-1e-4) > 1e-12 {
		t.Errorf("Expected a variance of 1e-4 for unit radiance at SNR 100, got %g", sy[0])
	}
	if math.Abs(sy[1]-1e-12) > 1e-20 {
		t.Errorf("Expected the noise floor variance 1e-12 for zero radiance, got %g", sy[1])
	}
}
