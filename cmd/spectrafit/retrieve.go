package main

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"spectrafit/pkg/config"
	"spectrafit/pkg/envi"
	"spectrafit/pkg/forward"
	"spectrafit/pkg/inversion"
	"spectrafit/pkg/retrieval"
	"spectrafit/pkg/spectral"
	"spectrafit/pkg/surface"
)

var (
	rtConfigFile string
	rtWorkers    int
	rtTempDir    string
)

var retrieveCmd = &cobra.Command{
	Use:   "retrieve <radiance> <output>",
	Short: "Retrieve the full surface and atmosphere state for every pixel",
	Long: `retrieve inverts the forward model against every spectrum of a
radiance cube by optimal estimation and writes one band per state element.`,
	Args: cobra.ExactArgs(2),
	RunE: runRetrieve,
}

var configCmd = &cobra.Command{
	Use:   "config <path>",
	Short: "Write a default retrieval configuration to edit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.CreateDefaultConfigFile(args[0]); err != nil {
			return err
		}
		logger.Info("default configuration written", zap.String("path", args[0]))
		return nil
	},
}

func init() {
	retrieveCmd.Flags().StringVar(&rtConfigFile, "config", "", "Retrieval configuration YAML")
	retrieveCmd.Flags().IntVar(&rtWorkers, "workers", runtime.NumCPU(), "Number of parallel row blocks")
	retrieveCmd.Flags().StringVar(&rtTempDir, "tmp-dir", "", "Directory for per worker fault logs")
	rootCmd.AddCommand(retrieveCmd)
	rootCmd.AddCommand(configCmd)
}

func runRetrieve(cmd *cobra.Command, args []string) error {
	input, output := args[0], args[1]

	cfg, err := config.LoadConfig(rtConfigFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		var cerr *config.ConfigurationError
		if errors.As(err, &cerr) {
			for _, p := range cerr.Problems {
				logger.Error("configuration problem", zap.String("problem", p))
			}
		}
		return err
	}

	wl, fwhm, err := retrievalGrid(cfg, input)
	if err != nil {
		return err
	}

	surf, err := surface.New(cfg.Surface, wl)
	if err != nil {
		return err
	}
	rt := forward.NewAnalyticRT(wl, fwhm)
	inst := forward.NewInstrument(wl, fwhm, cfg.Instrument)
	fm, err := forward.New(surf, rt, inst)
	if err != nil {
		return err
	}
	solver := inversion.NewSolver(fm, cfg.Inversion)

	exec := retrieval.NewExecutor(solver, retrieval.Params{
		InputFile:   input,
		OutputFile:  output,
		Workers:     rtWorkers,
		Description: "L2A Surface and Atmosphere State",
		BandNames:   fm.StateNames(),
		TempDir:     rtTempDir,
	}, logger)
	return exec.Run(cmd.Context())
}

// retrievalGrid resolves the instrument wavelength grid: a configured
// wavelength file wins, the raster header is the fallback.
func retrievalGrid(cfg *config.Config, input string) (wl, fwhm []float64, err error) {
	if cfg.Instrument.WavelengthFile != "" {
		return spectral.LoadWavelengths(cfg.Instrument.WavelengthFile)
	}

	h, err := envi.ReadHeader(envi.HeaderPath(input))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read input header: %w", err)
	}
	if len(h.Wavelengths) == 0 {
		return nil, nil, errors.New("no wavelength grid: set wavelength_file or use a raster whose header carries wavelengths")
	}
	wl = spectral.ToNanometers(h.Wavelengths)
	fwhm = append([]float64(nil), h.FWHM...)
	if len(fwhm) == 0 {
		fwhm = defaultFWHM(wl)
	} else if h.Wavelengths[0] < 100 {
		for i := range fwhm {
			fwhm[i] *= 1000.0
		}
	}
	return wl, fwhm, nil
}

// defaultFWHM assumes contiguous channels one grid spacing wide.
func defaultFWHM(wl []float64) []float64 {
	fwhm := make([]float64, len(wl))
	for i := range fwhm {
		switch {
		case len(wl) == 1:
			fwhm[i] = 10
		case i == 0:
			fwhm[i] = wl[1] - wl[0]
		default:
			fwhm[i] = wl[i] - wl[i-1]
		}
	}
	return fwhm
}
