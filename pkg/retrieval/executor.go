// Package retrieval drives a pixelwise inversion over an ENVI raster. The
// same executor serves the full statevector retrieval and the fast water
// thickness mapping; only the inverter differs.
package retrieval

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"spectrafit/pkg/envi"
	"spectrafit/pkg/geom"
)

// Header key some upstream pipelines stamp into radiance cubes. It refers
// to files that do not travel with the cube, so products never inherit it.
const pgeInputKey = "emit pge input files"

// PixelInverter turns one measured spectrum into output band values.
// Implementations must be safe for concurrent use; the executor calls them
// from many workers at once.
type PixelInverter interface {
	// Bands is the number of values one inversion produces.
	Bands() int

	// InvertPixel maps a spectrum to output values. The geometry is owned
	// by the caller and never shared between pixels. A nil or short return
	// marks the pixel as faulted.
	InvertPixel(meas []float64, g *geom.Geometry) []float64
}

// RowRange is a half open block of raster rows owned by one worker.
type RowRange struct {
	Start, End int
}

// RowRanges splits rows into at most workers contiguous blocks of even
// size. The last block absorbs the remainder so every row is covered.
func RowRanges(rows, workers int) []RowRange {
	if rows <= 0 {
		return nil
	}
	if workers < 1 {
		workers = 1
	}
	if workers > rows {
		workers = rows
	}
	size := rows / workers
	out := make([]RowRange, workers)
	for i := range out {
		out[i] = RowRange{Start: i * size, End: (i + 1) * size}
	}
	out[workers-1].End = rows
	return out
}

// Params holds the mapping run configuration.
type Params struct {
	// InputFile is the ENVI raster holding one spectrum per pixel.
	InputFile string

	// OutputFile is the ENVI raster the run writes, band interleaved by
	// line, one band per output element.
	OutputFile string

	// Workers is the number of parallel row blocks. Values below 1 mean one.
	Workers int

	// Description labels the output header.
	Description string

	// BandNames labels the output bands.
	BandNames []string

	// TempDir receives fault logs for pixels whose inversion failed.
	// Empty means the output file's directory.
	TempDir string

	// Geometry is the observation geometry template copied to every pixel.
	// Nil means a default overhead view.
	Geometry *geom.Geometry

	// StripKeys lists extra header keys never copied to the output.
	StripKeys []string
}

// Executor runs a PixelInverter over every pixel of a raster, splitting
// rows across workers and writing each finished row in place. A finished
// output is recognized and skipped; a partly filled one resumes at the
// rows still holding the fill value.
type Executor struct {
	inv    PixelInverter
	params Params
	logger *zap.Logger

	done   atomic.Int64
	faults atomic.Int64
}

// NewExecutor builds an executor. A nil logger disables logging.
func NewExecutor(inv PixelInverter, params Params, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if params.Workers < 1 {
		params.Workers = 1
	}
	if params.Geometry == nil {
		params.Geometry = geom.New()
	}
	return &Executor{inv: inv, params: params, logger: logger}
}

// Run executes the mapping. Calling it again after an interruption is safe:
// rows already written are left alone and only rows still holding the
// no-data fill are recomputed.
func (e *Executor) Run(ctx context.Context) error {
	start := time.Now()

	in, err := envi.Open(e.params.InputFile)
	if err != nil {
		return fmt.Errorf("failed to open input: %w", err)
	}
	defer in.Close()

	outHeader, todo, err := e.prepareOutput(in)
	if err != nil {
		return err
	}
	if len(todo) == 0 {
		e.logger.Info("output is already complete",
			zap.String("output", e.params.OutputFile))
		return nil
	}

	e.logger.Info("starting retrieval",
		zap.String("input", e.params.InputFile),
		zap.String("output", e.params.OutputFile),
		zap.Int("lines", in.Lines),
		zap.Int("samples", in.Samples),
		zap.Int("rows_to_do", len(todo)),
		zap.Int("workers", e.params.Workers))

	todoSet := make(map[int]bool, len(todo))
	for _, row := range todo {
		todoSet[row] = true
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, rr := range RowRanges(in.Lines, e.params.Workers) {
		rr := rr
		g.Go(func() error {
			return e.runRange(gctx, rr, todoSet, outHeader)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	elapsed := time.Since(start)
	done := e.done.Load()
	rate := float64(done) / elapsed.Seconds()
	e.logger.Info("retrieval finished",
		zap.Duration("elapsed", elapsed),
		zap.Int64("spectra", done),
		zap.Int64("faults", e.faults.Load()),
		zap.Float64("spectra_per_s", rate),
		zap.Float64("spectra_per_s_per_worker", rate/float64(e.params.Workers)))
	return nil
}

// prepareOutput decides between resuming an existing raster and creating a
// fresh one, and returns the rows still needing work.
func (e *Executor) prepareOutput(in *envi.Image) (*envi.Header, []int, error) {
	bands := e.inv.Bands()

	if _, err := os.Stat(e.params.OutputFile); err == nil {
		out, err := envi.Open(e.params.OutputFile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open existing output: %w", err)
		}
		defer out.Close()
		if out.Lines != in.Lines || out.Samples != in.Samples || out.Bands != bands {
			return nil, nil, fmt.Errorf(
				"existing output is %d x %d x %d, this retrieval needs %d x %d x %d; remove it to start over",
				out.Lines, out.Samples, out.Bands, in.Lines, in.Samples, bands)
		}
		if out.Interleave != "bil" {
			return nil, nil, fmt.Errorf(
				"existing output is %s interleaved, retrieval products are bil; remove it to start over",
				out.Interleave)
		}

		var todo []int
		for row := 0; row < out.Lines; row++ {
			hasFill, err := out.RowContains(row, geom.NoData)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to scan output row %d: %w", row, err)
			}
			if hasFill {
				todo = append(todo, row)
			}
		}
		if len(todo) > 0 && len(todo) < out.Lines {
			e.logger.Info("resuming a partial output",
				zap.Int("rows_remaining", len(todo)))
		}
		return out.Header.Clone(), todo, nil
	}

	h := e.buildOutputHeader(&in.Header, bands)
	if err := envi.CreateImage(e.params.OutputFile, h, geom.NoData); err != nil {
		return nil, nil, fmt.Errorf("failed to create output: %w", err)
	}
	todo := make([]int, in.Lines)
	for i := range todo {
		todo[i] = i
	}
	return h, todo, nil
}

// buildOutputHeader derives the product header from the input cube.
func (e *Executor) buildOutputHeader(in *envi.Header, bands int) *envi.Header {
	h := in.Clone()
	h.Bands = bands
	h.Interleave = "bil"
	h.DataType = envi.DataTypeFloat32
	h.HeaderOffset = 0
	h.Description = e.params.Description
	h.BandNames = append([]string(nil), e.params.BandNames...)
	// Spectral metadata only holds when the product keeps the input grid.
	if bands != in.Bands {
		h.Wavelengths = nil
		h.FWHM = nil
	}
	delete(h.Extra, pgeInputKey)
	for _, k := range e.params.StripKeys {
		delete(h.Extra, strings.ToLower(k))
	}
	return h
}

// runRange processes one worker's rows. Each worker owns its own mapped
// view of the input so no file state is shared.
func (e *Executor) runRange(ctx context.Context, rr RowRange, todo map[int]bool, outHeader *envi.Header) error {
	in, err := envi.Open(e.params.InputFile)
	if err != nil {
		return fmt.Errorf("worker failed to open input: %w", err)
	}
	defer in.Close()

	bands := e.inv.Bands()
	meas := make([]float64, in.Bands)
	rowOut := make([]float64, in.Samples*bands)
	var faults []string

	for row := rr.Start; row < rr.End; row++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !todo[row] {
			continue
		}

		for i := range rowOut {
			rowOut[i] = geom.NoData
		}
		for col := 0; col < in.Samples; col++ {
			if err := in.ReadPixelTo(meas, row, col); err != nil {
				return fmt.Errorf("failed to read pixel (%d, %d): %w", row, col, err)
			}
			// Dark and masked pixels keep the fill value.
			if allNonPositive(meas) {
				continue
			}

			g := *e.params.Geometry
			out := e.inv.InvertPixel(meas, &g)
			if len(out) != bands {
				faults = append(faults, fmt.Sprintf(
					"pixel (%d, %d): inverter returned %d of %d bands", row, col, len(out), bands))
				e.faults.Add(1)
				continue
			}
			for b := 0; b < bands; b++ {
				rowOut[b*in.Samples+col] = out[b]
			}
			e.done.Add(1)
		}

		if err := envi.WriteRowChunk(e.params.OutputFile, outHeader, row, rowOut); err != nil {
			return fmt.Errorf("failed to write row %d: %w", row, err)
		}
	}

	if len(faults) > 0 {
		e.writeFaultLog(rr, faults)
	}
	return nil
}

// writeFaultLog records failed pixels for offline inspection without
// aborting the run.
func (e *Executor) writeFaultLog(rr RowRange, faults []string) {
	dir := e.params.TempDir
	if dir == "" {
		dir = filepath.Dir(e.params.OutputFile)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		e.logger.Warn("failed to create fault log directory", zap.Error(err))
		return
	}
	path := filepath.Join(dir, fmt.Sprintf("faults_%d_%d.log", rr.Start, rr.End))
	body := strings.Join(faults, "\n") + "\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		e.logger.Warn("failed to write fault log", zap.Error(err))
		return
	}
	e.logger.Warn("some pixels failed to invert",
		zap.Int("count", len(faults)),
		zap.String("log", path))
}

func allNonPositive(vals []float64) bool {
	for _, v := range vals {
		if v > 0 {
			return false
		}
	}
	return true
}
