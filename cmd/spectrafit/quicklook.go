package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"spectrafit/pkg/visualization"
)

var qlBand int

var quicklookCmd = &cobra.Command{
	Use:   "quicklook <raster> <output.jpg>",
	Short: "Render one band of a raster as a JPEG quicklook",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := visualization.RenderQuicklook(args[0], args[1], qlBand); err != nil {
			return err
		}
		logger.Info("quicklook written",
			zap.String("raster", args[0]),
			zap.String("output", args[1]),
			zap.Int("band", qlBand))
		return nil
	},
}

func init() {
	quicklookCmd.Flags().IntVar(&qlBand, "band", 0, "Zero based band to render")
	rootCmd.AddCommand(quicklookCmd)
}
