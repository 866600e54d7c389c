// Package visualization renders bands of retrieval products as grayscale
// quicklook images for fast visual inspection.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"sort"

	"gonum.org/v1/gonum/stat"

	"spectrafit/pkg/envi"
	"spectrafit/pkg/geom"
)

// Quicklook renders single bands of a raster with a percentile contrast
// stretch. No-data pixels come out black.
type Quicklook struct {
	raster *envi.Image

	// LowPercentile and HighPercentile bound the contrast stretch.
	// Values outside the stretch are clipped.
	LowPercentile  float64
	HighPercentile float64
}

// NewQuicklook wraps an open raster with the default 2 to 98 percent
// stretch.
func NewQuicklook(raster *envi.Image) *Quicklook {
	return &Quicklook{
		raster:         raster,
		LowPercentile:  2,
		HighPercentile: 98,
	}
}

// RenderBand renders one band to a 16 bit grayscale image.
func (q *Quicklook) RenderBand(band int) (image.Image, error) {
	if band < 0 || band >= q.raster.Bands {
		return nil, fmt.Errorf("band %d exceeds band count %d", band, q.raster.Bands)
	}

	lines, samples := q.raster.Lines, q.raster.Samples
	vals := make([]float64, lines*samples)
	valid := make([]float64, 0, lines*samples)
	px := make([]float64, q.raster.Bands)
	for row := 0; row < lines; row++ {
		for col := 0; col < samples; col++ {
			if err := q.raster.ReadPixelTo(px, row, col); err != nil {
				return nil, err
			}
			v := px[band]
			vals[row*samples+col] = v
			if v != geom.NoData {
				valid = append(valid, v)
			}
		}
	}
	if len(valid) == 0 {
		return nil, fmt.Errorf("band %d holds no valid data", band)
	}

	sort.Float64s(valid)
	lo := stat.Quantile(q.LowPercentile/100, stat.Empirical, valid, nil)
	hi := stat.Quantile(q.HighPercentile/100, stat.Empirical, valid, nil)
	span := hi - lo

	img := image.NewGray16(image.Rect(0, 0, samples, lines))
	for row := 0; row < lines; row++ {
		for col := 0; col < samples; col++ {
			v := vals[row*samples+col]
			if v == geom.NoData {
				continue
			}
			norm := 0.5
			if span > 0 {
				norm = (v - lo) / span
			}
			if norm < 0 {
				norm = 0
			}
			if norm > 1 {
				norm = 1
			}
			img.SetGray16(col, row, color.Gray16{Y: uint16(norm * 65535)})
		}
	}
	return img, nil
}

// Save writes a rendered image as a JPEG.
func (q *Quicklook) Save(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveAll renders every band of the raster into outputDir, one JPEG per
// band.
func (q *Quicklook) SaveAll(outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	for band := 0; band < q.raster.Bands; band++ {
		img, err := q.RenderBand(band)
		if err != nil {
			return err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("band_%03d.jpg", band))
		if err := q.Save(img, filename); err != nil {
			return err
		}
	}
	return nil
}

// RenderQuicklook renders one band of the raster at rasterPath into a
// JPEG at outPath.
func RenderQuicklook(rasterPath, outPath string, band int) error {
	raster, err := envi.Open(rasterPath)
	if err != nil {
		return err
	}
	defer raster.Close()

	q := NewQuicklook(raster)
	img, err := q.RenderBand(band)
	if err != nil {
		return err
	}
	return q.Save(img, outPath)
}
