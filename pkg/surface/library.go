package surface

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Component is one Gaussian class of the surface library.
type Component struct {
	// Mean is the class mean reflectance in normalized space
	Mean []float64 `yaml:"mean"`

	// Covariance is the class covariance in normalized space
	Covariance [][]float64 `yaml:"covariance"`
}

// ComponentSet is the on disk multicomponent surface model produced by
// BuildComponents and consumed by the multicomponent surface variants.
type ComponentSet struct {
	// Wavelengths is the grid the model was built on, in nanometers
	Wavelengths []float64 `yaml:"wavelengths"`

	// Normalize records the normalization the library was built with
	Normalize string `yaml:"normalize"`

	// Components holds the Gaussian classes
	Components []Component `yaml:"components"`
}

// LoadComponentSet reads a surface model written by Save.
func LoadComponentSet(path string) (*ComponentSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading surface model: %w", err)
	}

	cs := &ComponentSet{}
	if err := yaml.Unmarshal(data, cs); err != nil {
		return nil, fmt.Errorf("error parsing surface model: %w", err)
	}
	return cs, nil
}

// Save writes the surface model to a YAML file, creating the directory if
// needed.
func (cs *ComponentSet) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating surface model directory: %w", err)
	}

	data, err := yaml.Marshal(cs)
	if err != nil {
		return fmt.Errorf("error marshaling surface model: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing surface model: %w", err)
	}
	return nil
}
