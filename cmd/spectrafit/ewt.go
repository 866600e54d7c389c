package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"spectrafit/pkg/envi"
	"spectrafit/pkg/inversion"
	"spectrafit/pkg/retrieval"
	"spectrafit/pkg/spectral"
)

var (
	ewtAbsorptionFile string
	ewtWorkers        int
	ewtTempDir        string
)

var ewtCmd = &cobra.Command{
	Use:   "ewt <reflectance> <output>",
	Short: "Map equivalent water thickness over a reflectance cube",
	Long: `ewt fits a Beer-Lambert liquid water model to the 850 to 1100 nm
region of every spectrum and writes a single band canopy water map.`,
	Args: cobra.ExactArgs(2),
	RunE: runEWT,
}

func init() {
	ewtCmd.Flags().StringVar(&ewtAbsorptionFile, "absorption-file", "", "CSV table of liquid water and ice absorption coefficients")
	ewtCmd.Flags().IntVar(&ewtWorkers, "workers", runtime.NumCPU(), "Number of parallel row blocks")
	ewtCmd.Flags().StringVar(&ewtTempDir, "tmp-dir", "", "Directory for per worker fault logs")
	ewtCmd.MarkFlagRequired("absorption-file")
	rootCmd.AddCommand(ewtCmd)
}

func runEWT(cmd *cobra.Command, args []string) error {
	input, output := args[0], args[1]

	h, err := envi.ReadHeader(envi.HeaderPath(input))
	if err != nil {
		return fmt.Errorf("failed to read input header: %w", err)
	}
	if len(h.Wavelengths) == 0 {
		return fmt.Errorf("input header %s carries no wavelengths", envi.HeaderPath(input))
	}
	wl := spectral.ToNanometers(h.Wavelengths)

	fit, err := inversion.NewLiquidWaterFit(wl, ewtAbsorptionFile)
	if err != nil {
		return err
	}

	exec := retrieval.NewExecutor(fit, retrieval.Params{
		InputFile:   input,
		OutputFile:  output,
		Workers:     ewtWorkers,
		Description: "L2A Canopy Water Content / Equivalent Water Thickness",
		BandNames:   []string{"EWT"},
		TempDir:     ewtTempDir,
	}, logger)
	return exec.Run(cmd.Context())
}
