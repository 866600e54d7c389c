package visualization

import (
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"spectrafit/pkg/envi"
	"spectrafit/pkg/geom"
)

// writeRaster builds a bil float32 raster from per-row band-major values.
func writeRaster(t *testing.T, path string, h *envi.Header, rows [][]float64) {
	t.Helper()
	if err := envi.CreateImage(path, h, geom.NoData); err != nil {
		t.Fatalf("Failed to create raster: %v", err)
	}
	for row, vals := range rows {
		if err := envi.WriteRowChunk(path, h, row, vals); err != nil {
			t.Fatalf("Failed to write row %d: %v", row, err)
		}
	}
}

func gradientHeader(lines, samples, bands int) *envi.Header {
	return &envi.Header{
		Samples:    samples,
		Lines:      lines,
		Bands:      bands,
		Interleave: "bil",
		DataType:   envi.DataTypeFloat32,
	}
}

// TestRenderBandStretch verifies the percentile stretch: the low end of
// the data maps to black, the high end to white, the midpoint to middle
// gray, and no-data pixels stay black.
func TestRenderBandStretch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "product.img")
	writeRaster(t, path, gradientHeader(2, 4, 1), [][]float64{
		{10, 20, 30, 40},
		{50, 60, 70, geom.NoData},
	})

	raster, err := envi.Open(path)
	if err != nil {
		t.Fatalf("Failed to open raster: %v", err)
	}
	defer raster.Close()

	img, err := NewQuicklook(raster).RenderBand(0)
	if err != nil {
		t.Fatalf("Failed to render band: %v", err)
	}
	gray, ok := img.(*image.Gray16)
	if !ok {
		t.Fatalf("Rendered image is %T, want *image.Gray16", img)
	}
	if gray.Bounds().Dx() != 4 || gray.Bounds().Dy() != 2 {
		t.Fatalf("Rendered image is %v, want 4x2", gray.Bounds())
	}

	checks := []struct {
		x, y int
		want uint16
	}{
		{0, 0, 0},     // value 10, stretch floor
		{3, 0, 32767}, // value 40, midpoint of 10..70
		{2, 1, 65535}, // value 70, stretch ceiling
		{3, 1, 0},     // no-data hole
	}
	for _, c := range checks {
		if got := gray.Gray16At(c.x, c.y).Y; got != c.want {
			t.Errorf("Pixel (%d, %d) = %d, want %d", c.x, c.y, got, c.want)
		}
	}
}

// TestRenderBandConstant verifies that a flat band renders as middle gray
// instead of dividing by a zero span.
func TestRenderBandConstant(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flat.img")
	writeRaster(t, path, gradientHeader(1, 2, 1), [][]float64{{3, 3}})

	raster, err := envi.Open(path)
	if err != nil {
		t.Fatalf("Failed to open raster: %v", err)
	}
	defer raster.Close()

	img, err := NewQuicklook(raster).RenderBand(0)
	if err != nil {
		t.Fatalf("Failed to render band: %v", err)
	}
	gray := img.(*image.Gray16)
	for x := 0; x < 2; x++ {
		if got := gray.Gray16At(x, 0).Y; got != 32767 {
			t.Errorf("Pixel (%d, 0) = %d, want 32767", x, got)
		}
	}
}

// TestRenderBandErrors verifies the out of range band and empty band
// error paths.
func TestRenderBandErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "product.img")
	writeRaster(t, path, gradientHeader(1, 2, 1), [][]float64{{1, 2}})

	raster, err := envi.Open(path)
	if err != nil {
		t.Fatalf("Failed to open raster: %v", err)
	}
	defer raster.Close()

	q := NewQuicklook(raster)
	if _, err := q.RenderBand(-1); err == nil {
		t.Error("Expected an error for a negative band")
	}
	if _, err := q.RenderBand(1); err == nil {
		t.Error("Expected an error for a band beyond the raster")
	}

	empty := filepath.Join(dir, "empty.img")
	writeRaster(t, empty, gradientHeader(1, 2, 1), nil)
	er, err := envi.Open(empty)
	if err != nil {
		t.Fatalf("Failed to open raster: %v", err)
	}
	defer er.Close()
	if _, err := NewQuicklook(er).RenderBand(0); err == nil {
		t.Error("Expected an error for a band with no valid data")
	}
}

// TestRenderQuicklook verifies the one call render path produces a
// decodable JPEG of the raster's shape.
func TestRenderQuicklook(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "product.img")
	out := filepath.Join(dir, "ql.jpg")
	writeRaster(t, path, gradientHeader(2, 4, 1), [][]float64{
		{10, 20, 30, 40},
		{50, 60, 70, 80},
	})

	if err := RenderQuicklook(path, out, 0); err != nil {
		t.Fatalf("Failed to render quicklook: %v", err)
	}

	file, err := os.Open(out)
	if err != nil {
		t.Fatalf("Failed to open quicklook: %v", err)
	}
	defer file.Close()
	img, err := jpeg.Decode(file)
	if err != nil {
		t.Fatalf("Failed to decode quicklook: %v", err)
	}
	if img.Bounds().Dx() != 4 || img.Bounds().Dy() != 2 {
		t.Errorf("Quicklook is %v, want 4x2", img.Bounds())
	}
}

// TestSaveAll verifies one JPEG lands per band.
func TestSaveAll(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "product.img")
	outDir := filepath.Join(dir, "quicklooks")
	writeRaster(t, path, gradientHeader(2, 2, 2), [][]float64{
		{1, 2, 5, 6},
		{3, 4, 7, 8},
	})

	raster, err := envi.Open(path)
	if err != nil {
		t.Fatalf("Failed to open raster: %v", err)
	}
	defer raster.Close()

	if err := NewQuicklook(raster).SaveAll(outDir); err != nil {
		t.Fatalf("Failed to save quicklooks: %v", err)
	}
	for _, name := range []string{"band_000.jpg", "band_001.jpg"} {
		if _, err := os.Stat(filepath.Join(outDir, name)); err != nil {
			t.Errorf("Missing quicklook %s: %v", name, err)
		}
	}
}
