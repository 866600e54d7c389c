// Command spectrafit maps surface properties from imaging spectroscopy
// rasters: full statevector optimal estimation, equivalent water thickness,
// surface model construction and product quicklooks.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logLevel string
	logFile  string

	// logger is built by the root command and shared by every subcommand.
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "spectrafit",
	Short: "Surface property retrieval from spectral radiance",
	Long: `spectrafit inverts a forward radiative transfer and surface model
against observed spectra to map surface reflectance, water content and
temperature, one pixel at a time over ENVI raster cubes.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogger()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Sync()
		}
	},
}

func setupLogger() error {
	level, err := zap.ParseAtomicLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = level
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02,15:04:05")
	cfg.EncoderConfig.ConsoleSeparator = " ||| "
	out := "stderr"
	if logFile != "" {
		out = logFile
	}
	cfg.OutputPaths = []string{out}
	cfg.ErrorOutputPaths = []string{out}

	logger, err = cfg.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "loglevel", "info", "Log level: debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&logFile, "logfile", "", "Write logs to this file instead of stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
