// Package config provides configuration loading and validation for
// spectrafit. It handles loading configuration from YAML files, provides
// default values and collects every validation problem into a single report
// so misconfigured runs fail before any pixel work starts.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Surface model categories understood by the retrieval.
const (
	CategorySurface        = "surface"
	CategoryMultiComponent = "multicomponent_surface"
	CategoryGlint          = "glint_surface"
	CategoryThermal        = "thermal_surface"
)

// Normalization modes applied to reflectance spectra before component
// selection.
const (
	NormalizeEuclidean = "Euclidean"
	NormalizeRMS       = "RMS"
	NormalizeNone      = "None"
)

// Distance metrics for selecting the closest surface component.
const (
	MetricMahalanobis = "Mahalanobis"
	MetricEuclidean   = "Euclidean"
)

// ConfigurationError reports every problem found in a configuration so the
// caller can surface the complete list at once instead of failing on the
// first bad field.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}

// Config represents the retrieval configuration loaded from YAML
type Config struct {
	// Surface selects and parameterizes the surface model
	Surface SurfaceConfig `yaml:"surface"`

	// Instrument describes the sensor wavelength grid and noise model
	Instrument InstrumentConfig `yaml:"instrument"`

	// Inversion controls the iterative solver
	Inversion InversionConfig `yaml:"inversion"`
}

// SurfaceConfig selects the surface model variant and its parameters
type SurfaceConfig struct {
	// Category is one of surface, multicomponent_surface, glint_surface
	// or thermal_surface
	Category string `yaml:"surface_category"`

	// SurfaceFile is the path of the multicomponent surface model built by
	// the surfmodel command
	SurfaceFile string `yaml:"surface_file"`

	// Normalize is the normalization applied before component selection:
	// Euclidean, RMS or None
	Normalize string `yaml:"normalize"`

	// SelectionMetric is the distance used to pick the closest component:
	// Mahalanobis or Euclidean
	SelectionMetric string `yaml:"selection_metric"`

	// SelectOnInit caches the component chosen for the initial state in the
	// pixel geometry and reuses it for the rest of that pixel's retrieval
	SelectOnInit bool `yaml:"select_on_init"`

	// EmissivityForSurfaceTInit is the emissivity assumed when initializing
	// the surface temperature of a thermal surface
	EmissivityForSurfaceTInit float64 `yaml:"emissivity_for_surface_T_init"`

	// SurfaceTPriorSigmaDegK is the prior standard deviation of the surface
	// temperature state in Kelvin
	SurfaceTPriorSigmaDegK float64 `yaml:"surface_T_prior_sigma_degK"`
}

// InstrumentConfig describes the sensor noise model
type InstrumentConfig struct {
	// WavelengthFile overrides the wavelength grid from the input raster
	// header when set
	WavelengthFile string `yaml:"wavelength_file"`

	// SNR is the parametric signal to noise ratio of the instrument
	SNR float64 `yaml:"snr"`

	// NoiseFloor is the smallest per channel noise standard deviation
	NoiseFloor float64 `yaml:"noise_floor"`
}

// InversionConfig controls the iterative optimal estimation solver
type InversionConfig struct {
	// MaxIterations caps the number of solver iterations per pixel
	MaxIterations int `yaml:"max_iterations"`

	// CostTolerance is the relative cost decrease below which the solver
	// declares convergence
	CostTolerance float64 `yaml:"cost_tolerance"`

	// InitialDamping is the starting Levenberg-Marquardt damping factor
	InitialDamping float64 `yaml:"initial_damping"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default surface parameters
	cfg.Surface.Category = CategoryMultiComponent
	cfg.Surface.Normalize = NormalizeEuclidean
	cfg.Surface.SelectionMetric = MetricMahalanobis
	cfg.Surface.SelectOnInit = true
	cfg.Surface.EmissivityForSurfaceTInit = 0.98
	cfg.Surface.SurfaceTPriorSigmaDegK = 1.0

	// Set default instrument parameters
	cfg.Instrument.SNR = 100.0
	cfg.Instrument.NoiseFloor = 1e-6

	// Set default inversion parameters
	cfg.Inversion.MaxIterations = 20
	cfg.Inversion.CostTolerance = 1e-6
	cfg.Inversion.InitialDamping = 1e-3

	return cfg
}

// Check validates the surface section and returns the list of problems found
func (c *SurfaceConfig) Check() []string {
	var problems []string

	switch c.Category {
	case CategorySurface, CategoryMultiComponent, CategoryGlint, CategoryThermal:
	default:
		problems = append(problems, fmt.Sprintf("unknown surface_category %q", c.Category))
	}

	switch c.Normalize {
	case NormalizeEuclidean, NormalizeRMS, NormalizeNone:
	default:
		problems = append(problems, fmt.Sprintf("unknown normalize mode %q", c.Normalize))
	}

	switch c.SelectionMetric {
	case MetricMahalanobis, MetricEuclidean:
	default:
		problems = append(problems, fmt.Sprintf("unknown selection_metric %q", c.SelectionMetric))
	}

	if c.Category != CategorySurface && c.Category != "" && c.SurfaceFile == "" {
		problems = append(problems, fmt.Sprintf("surface_category %q requires a surface_file", c.Category))
	}

	if c.EmissivityForSurfaceTInit < 0 || c.EmissivityForSurfaceTInit > 1 {
		problems = append(problems, fmt.Sprintf("emissivity_for_surface_T_init %g outside [0, 1]", c.EmissivityForSurfaceTInit))
	}

	if c.SurfaceTPriorSigmaDegK <= 0 {
		problems = append(problems, fmt.Sprintf("surface_T_prior_sigma_degK %g must be positive", c.SurfaceTPriorSigmaDegK))
	}

	return problems
}

// Check validates the instrument section and returns the list of problems found
func (c *InstrumentConfig) Check() []string {
	var problems []string
	if c.SNR <= 0 {
		problems = append(problems, fmt.Sprintf("instrument snr %g must be positive", c.SNR))
	}
	if c.NoiseFloor < 0 {
		problems = append(problems, fmt.Sprintf("instrument noise_floor %g must not be negative", c.NoiseFloor))
	}
	return problems
}

// Check validates the inversion section and returns the list of problems found
func (c *InversionConfig) Check() []string {
	var problems []string
	if c.MaxIterations < 0 {
		problems = append(problems, fmt.Sprintf("max_iterations %d must not be negative", c.MaxIterations))
	}
	if c.CostTolerance <= 0 {
		problems = append(problems, fmt.Sprintf("cost_tolerance %g must be positive", c.CostTolerance))
	}
	if c.InitialDamping <= 0 {
		problems = append(problems, fmt.Sprintf("initial_damping %g must be positive", c.InitialDamping))
	}
	return problems
}

// Check validates every section and returns the combined list of problems
func (c *Config) Check() []string {
	var problems []string
	problems = append(problems, c.Surface.Check()...)
	problems = append(problems, c.Instrument.Check()...)
	problems = append(problems, c.Inversion.Check()...)
	return problems
}

// Validate runs Check and wraps any problems in a single ConfigurationError
func (c *Config) Validate() error {
	if problems := c.Check(); len(problems) > 0 {
		return &ConfigurationError{Problems: problems}
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
