// Package statevec defines the ordered, partitioned state vector of a
// retrieval. Partitions cover the full state exactly once and in order, so
// anything holding a flat state slice can recover the per concern blocks
// without bookkeeping of its own.
package statevec

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"spectrafit/pkg/config"
)

// Partition is one named contiguous block of the retrieval state.
type Partition struct {
	// Name identifies the partition, e.g. surface, atmosphere, instrument
	Name string

	// Names labels each element of the partition
	Names []string

	// Init holds the starting value of each element
	Init []float64

	// PriorMean and PriorSigma describe the Gaussian prior of each element
	PriorMean  []float64
	PriorSigma []float64

	// LowerBound and UpperBound delimit the valid range of each element
	LowerBound []float64
	UpperBound []float64
}

// Len returns the number of elements in the partition.
func (p *Partition) Len() int {
	return len(p.Names)
}

// StateVector is an ordered set of partitions covering the retrieval state
// exactly once. It is immutable after construction.
type StateVector struct {
	parts   []Partition
	offsets []int
	n       int
}

// New assembles a state vector from ordered partitions. Empty partitions are
// legal; every per element slice within a partition must have the same
// length. All construction problems are collected into one
// ConfigurationError.
func New(parts ...Partition) (*StateVector, error) {
	var problems []string
	seen := make(map[string]bool)
	offsets := make([]int, len(parts))
	n := 0

	for i := range parts {
		p := &parts[i]
		if p.Name == "" {
			problems = append(problems, fmt.Sprintf("partition %d has no name", i))
		} else if seen[p.Name] {
			problems = append(problems, fmt.Sprintf("duplicate partition name %q", p.Name))
		}
		seen[p.Name] = true

		k := p.Len()
		for _, l := range [...]int{len(p.Init), len(p.PriorMean), len(p.PriorSigma), len(p.LowerBound), len(p.UpperBound)} {
			if l != k {
				problems = append(problems, fmt.Sprintf("partition %q has inconsistent element counts", p.Name))
				break
			}
		}

		offsets[i] = n
		n += k
	}

	if len(problems) > 0 {
		return nil, &config.ConfigurationError{Problems: problems}
	}
	return &StateVector{parts: parts, offsets: offsets, n: n}, nil
}

// Len returns the total number of state elements.
func (s *StateVector) Len() int {
	return s.n
}

// NumPartitions returns the number of partitions.
func (s *StateVector) NumPartitions() int {
	return len(s.parts)
}

// PartitionBounds returns the half open index range [start, end) of the
// named partition within the flat state. An unknown name is a configuration
// problem.
func (s *StateVector) PartitionBounds(name string) (start, end int, err error) {
	for i := range s.parts {
		if s.parts[i].Name == name {
			return s.offsets[i], s.offsets[i] + s.parts[i].Len(), nil
		}
	}
	return 0, 0, &config.ConfigurationError{
		Problems: []string{fmt.Sprintf("no state partition named %q", name)},
	}
}

// Unpack splits a flat state into one view per partition, in partition
// order. The views alias x and must be treated as read only; concatenating
// them reconstructs x exactly.
func (s *StateVector) Unpack(x []float64) ([][]float64, error) {
	if len(x) != s.n {
		return nil, fmt.Errorf("state has %d elements, expected %d", len(x), s.n)
	}
	out := make([][]float64, len(s.parts))
	for i := range s.parts {
		a := s.offsets[i]
		b := a + s.parts[i].Len()
		out[i] = x[a:b:b]
	}
	return out, nil
}

// Names returns the element names in state order.
func (s *StateVector) Names() []string {
	out := make([]string, 0, s.n)
	for i := range s.parts {
		out = append(out, s.parts[i].Names...)
	}
	return out
}

// Init returns the starting state.
func (s *StateVector) Init() []float64 {
	out := make([]float64, 0, s.n)
	for i := range s.parts {
		out = append(out, s.parts[i].Init...)
	}
	return out
}

// PriorMean returns the prior mean of every element in state order.
func (s *StateVector) PriorMean() []float64 {
	out := make([]float64, 0, s.n)
	for i := range s.parts {
		out = append(out, s.parts[i].PriorMean...)
	}
	return out
}

// PriorSigma returns the prior standard deviation of every element in state
// order.
func (s *StateVector) PriorSigma() []float64 {
	out := make([]float64, 0, s.n)
	for i := range s.parts {
		out = append(out, s.parts[i].PriorSigma...)
	}
	return out
}

// PriorCovariance returns the diagonal prior covariance built from the
// partition sigmas.
func (s *StateVector) PriorCovariance() *mat.SymDense {
	cov := mat.NewSymDense(s.n, nil)
	i := 0
	for p := range s.parts {
		for _, sigma := range s.parts[p].PriorSigma {
			cov.SetSym(i, i, sigma*sigma)
			i++
		}
	}
	return cov
}

// Bounds returns the lower and upper bound of every element in state order.
func (s *StateVector) Bounds() (lo, hi []float64) {
	lo = make([]float64, 0, s.n)
	hi = make([]float64, 0, s.n)
	for i := range s.parts {
		lo = append(lo, s.parts[i].LowerBound...)
		hi = append(hi, s.parts[i].UpperBound...)
	}
	return lo, hi
}

// OutOfBounds reports whether any element of x violates its bounds. A state
// of the wrong length is always out of bounds.
func (s *StateVector) OutOfBounds(x []float64) bool {
	if len(x) != s.n {
		return true
	}
	lo, hi := s.Bounds()
	for i, v := range x {
		if v < lo[i] || v > hi[i] {
			return true
		}
	}
	return false
}
