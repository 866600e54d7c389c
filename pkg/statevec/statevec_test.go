package statevec

import (
	"errors"
	"math"
	"testing"

	"spectrafit/pkg/config"
)

func testPartitions() []Partition {
	return []Partition{
		{
			Name:       "surface",
			Names:      []string{"RFL_0450", "RFL_0550", "RFL_0650"},
			Init:       []float64{0.1, 0.2, 0.3},
			PriorMean:  []float64{0.15, 0.25, 0.35},
			PriorSigma: []float64{0.5, 0.5, 0.5},
			LowerBound: []float64{0, 0, 0},
			UpperBound: []float64{1, 1, 1},
		},
		{
			Name:       "atmosphere",
			Names:      []string{"H2OSTR", "AOT550"},
			Init:       []float64{1.75, 0.05},
			PriorMean:  []float64{1.75, 0.05},
			PriorSigma: []float64{100, 10},
			LowerBound: []float64{0.1, 0},
			UpperBound: []float64{5, 1},
		},
		{
			Name: "instrument",
		},
	}
}

func TestUnpackRoundTrip(t *testing.T) {
	sv, err := New(testPartitions()...)
	if err != nil {
		t.Fatalf("Failed to build state vector: %v", err)
	}

	if sv.Len() != 5 {
		t.Fatalf("expected 5 state elements, got %d", sv.Len())
	}

	x := []float64{0.11, 0.22, 0.33, 1.5, 0.07}
	parts, err := sv.Unpack(x)
	if err != nil {
		t.Fatalf("Failed to unpack: %v", err)
	}

	if len(parts) != sv.NumPartitions() {
		t.Fatalf("expected %d partitions, got %d", sv.NumPartitions(), len(parts))
	}

	// Concatenating the partitions must reconstruct the state exactly.
	var rebuilt []float64
	for _, p := range parts {
		rebuilt = append(rebuilt, p...)
	}
	if len(rebuilt) != len(x) {
		t.Fatalf("rebuilt state has %d elements, want %d", len(rebuilt), len(x))
	}
	for i := range x {
		if rebuilt[i] != x[i] {
			t.Errorf("element %d: got %f, want %f", i, rebuilt[i], x[i])
		}
	}

	// The empty instrument partition is present but contributes nothing.
	if len(parts[2]) != 0 {
		t.Errorf("expected empty instrument partition, got %v", parts[2])
	}
}

func TestUnpackRejectsWrongLength(t *testing.T) {
	sv, err := New(testPartitions()...)
	if err != nil {
		t.Fatalf("Failed to build state vector: %v", err)
	}
	if _, err := sv.Unpack([]float64{1, 2, 3}); err == nil {
		t.Error("expected an error for a short state")
	}
}

func TestPartitionBounds(t *testing.T) {
	sv, err := New(testPartitions()...)
	if err != nil {
		t.Fatalf("Failed to build state vector: %v", err)
	}

	start, end, err := sv.PartitionBounds("atmosphere")
	if err != nil {
		t.Fatalf("Failed to locate atmosphere partition: %v", err)
	}
	if start != 3 || end != 5 {
		t.Errorf("atmosphere partition at [%d, %d), want [3, 5)", start, end)
	}

	_, _, err = sv.PartitionBounds("aerosol")
	if err == nil {
		t.Fatal("expected an error for an unknown partition")
	}
	var cfgErr *config.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Errorf("expected *config.ConfigurationError, got %T", err)
	}
}

func TestNewCollectsProblems(t *testing.T) {
	_, err := New(
		Partition{Name: "surface", Names: []string{"a"}, Init: []float64{1, 2}},
		Partition{Name: "surface"},
	)
	if err == nil {
		t.Fatal("expected construction to fail")
	}
	var cfgErr *config.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *config.ConfigurationError, got %T", err)
	}
	if len(cfgErr.Problems) != 2 {
		t.Errorf("expected 2 problems (lengths, duplicate), got %v", cfgErr.Problems)
	}
}

func TestPriorCovarianceIsDiagonal(t *testing.T) {
	sv, err := New(testPartitions()...)
	if err != nil {
		t.Fatalf("Failed to build state vector: %v", err)
	}

	cov := sv.PriorCovariance()
	sigma := sv.PriorSigma()
	for i := 0; i < sv.Len(); i++ {
		want := sigma[i] * sigma[i]
		if math.Abs(cov.At(i, i)-want) > 1e-12 {
			t.Errorf("cov[%d][%d] = %f, want %f", i, i, cov.At(i, i), want)
		}
		for j := 0; j < sv.Len(); j++ {
			if i != j && cov.At(i, j) != 0 {
				t.Errorf("off diagonal cov[%d][%d] = %f", i, j, cov.At(i, j))
			}
		}
	}
}

func TestOutOfBounds(t *testing.T) {
	sv, err := New(testPartitions()...)
	if err != nil {
		t.Fatalf("Failed to build state vector: %v", err)
	}

	if sv.OutOfBounds(sv.Init()) {
		t.Error("initial state reported out of bounds")
	}

	x := sv.Init()
	x[3] = 99.0 // H2OSTR above its upper bound
	if !sv.OutOfBounds(x) {
		t.Error("violated bound not detected")
	}

	if !sv.OutOfBounds([]float64{0.1}) {
		t.Error("short state not reported out of bounds")
	}
}

func TestNamesOrder(t *testing.T) {
	sv, err := New(testPartitions()...)
	if err != nil {
		t.Fatalf("Failed to build state vector: %v", err)
	}
	names := sv.Names()
	want := []string{"RFL_0450", "RFL_0550", "RFL_0650", "H2OSTR", "AOT550"}
	if len(names) != len(want) {
		t.Fatalf("expected %d names, got %d", len(want), len(names))
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}
