package envi

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"golang.org/x/exp/mmap"
)

// Image is a memory mapped read view of an ENVI raster. Readers are safe
// for concurrent use; each call decodes into caller owned buffers.
type Image struct {
	Header
	r     *mmap.ReaderAt
	dsize int
}

// Open maps the raster at path together with its header. Little endian
// float rasters in any of the three interleaves are accepted.
func Open(path string) (*Image, error) {
	h, err := ReadHeader(HeaderPath(path))
	if err != nil {
		return nil, err
	}
	if h.Samples <= 0 || h.Lines <= 0 || h.Bands <= 0 {
		return nil, fmt.Errorf("bad raster dimensions %d lines x %d samples x %d bands",
			h.Lines, h.Samples, h.Bands)
	}
	if h.ByteOrder != 0 {
		return nil, fmt.Errorf("unsupported byte order %d", h.ByteOrder)
	}
	ds, err := dataTypeSize(h.DataType)
	if err != nil {
		return nil, err
	}
	switch h.Interleave {
	case "bip", "bil", "bsq":
	default:
		return nil, fmt.Errorf("unsupported interleave %q", h.Interleave)
	}

	r, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to map raster: %w", err)
	}
	need := h.HeaderOffset + h.Samples*h.Lines*h.Bands*ds
	if r.Len() < need {
		r.Close()
		return nil, fmt.Errorf("raster %s is %d bytes, need %d", path, r.Len(), need)
	}
	return &Image{Header: *h, r: r, dsize: ds}, nil
}

// Close unmaps the raster.
func (im *Image) Close() error {
	return im.r.Close()
}

// ReadPixel reads the spectrum at one pixel.
func (im *Image) ReadPixel(row, col int) ([]float64, error) {
	out := make([]float64, im.Bands)
	if err := im.ReadPixelTo(out, row, col); err != nil {
		return nil, err
	}
	return out, nil
}

// ReadPixelTo reads the spectrum at one pixel into dst, one value per band.
func (im *Image) ReadPixelTo(dst []float64, row, col int) error {
	if len(dst) != im.Bands {
		return fmt.Errorf("dst holds %d values, raster has %d bands", len(dst), im.Bands)
	}
	if row < 0 || row >= im.Lines || col < 0 || col >= im.Samples {
		return fmt.Errorf("pixel (%d, %d) outside a %d x %d raster", row, col, im.Lines, im.Samples)
	}

	switch im.Interleave {
	case "bip":
		buf := make([]byte, im.Bands*im.dsize)
		off := int64(im.HeaderOffset) + int64(row*im.Samples+col)*int64(im.Bands*im.dsize)
		if _, err := im.r.ReadAt(buf, off); err != nil {
			return err
		}
		decodeFloats(dst, buf, im.DataType)
	case "bil":
		buf := make([]byte, im.dsize)
		for b := 0; b < im.Bands; b++ {
			off := int64(im.HeaderOffset) + int64((row*im.Bands+b)*im.Samples+col)*int64(im.dsize)
			if _, err := im.r.ReadAt(buf, off); err != nil {
				return err
			}
			decodeFloats(dst[b:b+1], buf, im.DataType)
		}
	case "bsq":
		buf := make([]byte, im.dsize)
		for b := 0; b < im.Bands; b++ {
			off := int64(im.HeaderOffset) + int64((b*im.Lines+row)*im.Samples+col)*int64(im.dsize)
			if _, err := im.r.ReadAt(buf, off); err != nil {
				return err
			}
			decodeFloats(dst[b:b+1], buf, im.DataType)
		}
	}
	return nil
}

// ReadRow reads a full row in its storage order.
func (im *Image) ReadRow(row int) ([]float64, error) {
	dst := make([]float64, im.Samples*im.Bands)
	if err := im.ReadRowTo(dst, row); err != nil {
		return nil, err
	}
	return dst, nil
}

// ReadRowTo reads a full row in its storage order into dst, which must hold
// samples times bands values. For bil and bsq that order is band major
// within the row; for bip it is pixel major.
func (im *Image) ReadRowTo(dst []float64, row int) error {
	if len(dst) != im.Samples*im.Bands {
		return fmt.Errorf("dst holds %d values, a row has %d", len(dst), im.Samples*im.Bands)
	}
	if row < 0 || row >= im.Lines {
		return fmt.Errorf("row %d outside a raster with %d lines", row, im.Lines)
	}

	switch im.Interleave {
	case "bip", "bil":
		buf := make([]byte, len(dst)*im.dsize)
		off := int64(im.HeaderOffset) + int64(row)*int64(im.Samples*im.Bands*im.dsize)
		if _, err := im.r.ReadAt(buf, off); err != nil {
			return err
		}
		decodeFloats(dst, buf, im.DataType)
	case "bsq":
		buf := make([]byte, im.Samples*im.dsize)
		for b := 0; b < im.Bands; b++ {
			off := int64(im.HeaderOffset) + int64((b*im.Lines+row)*im.Samples)*int64(im.dsize)
			if _, err := im.r.ReadAt(buf, off); err != nil {
				return err
			}
			decodeFloats(dst[b*im.Samples:(b+1)*im.Samples], buf, im.DataType)
		}
	}
	return nil
}

// RowContains reports whether any value in a row equals v.
func (im *Image) RowContains(row int, v float64) (bool, error) {
	vals := make([]float64, im.Samples*im.Bands)
	if err := im.ReadRowTo(vals, row); err != nil {
		return false, err
	}
	for _, x := range vals {
		if x == v {
			return true, nil
		}
	}
	return false, nil
}

// Contains reports whether any value in the raster equals v.
func (im *Image) Contains(v float64) (bool, error) {
	for row := 0; row < im.Lines; row++ {
		ok, err := im.RowContains(row, v)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// CreateImage writes the header and a raster fully populated with the fill
// value. Rows are overwritten in place as results arrive.
func CreateImage(path string, h *Header, fill float64) error {
	ds, err := dataTypeSize(h.DataType)
	if err != nil {
		return err
	}
	if h.Samples <= 0 || h.Lines <= 0 || h.Bands <= 0 {
		return fmt.Errorf("bad raster dimensions %d lines x %d samples x %d bands",
			h.Lines, h.Samples, h.Bands)
	}
	if err := WriteHeader(HeaderPath(path), h); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create raster: %w", err)
	}
	w := bufio.NewWriter(f)
	if h.HeaderOffset > 0 {
		if _, err := w.Write(make([]byte, h.HeaderOffset)); err != nil {
			f.Close()
			return fmt.Errorf("failed to fill raster: %w", err)
		}
	}

	row := make([]float64, h.Samples*h.Bands)
	for i := range row {
		row[i] = fill
	}
	buf := make([]byte, len(row)*ds)
	encodeFloats(buf, row, h.DataType)
	for line := 0; line < h.Lines; line++ {
		if _, err := w.Write(buf); err != nil {
			f.Close()
			return fmt.Errorf("failed to fill raster: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to fill raster: %w", err)
	}
	return f.Close()
}

// WriteRowChunk overwrites one row of the raster in place. vals must be in
// the row's storage order, matching ReadRowTo. The file is opened and
// closed per call so independent workers never share a descriptor.
func WriteRowChunk(path string, h *Header, row int, vals []float64) error {
	ds, err := dataTypeSize(h.DataType)
	if err != nil {
		return err
	}
	if len(vals) != h.Samples*h.Bands {
		return fmt.Errorf("row chunk holds %d values, need %d", len(vals), h.Samples*h.Bands)
	}
	if row < 0 || row >= h.Lines {
		return fmt.Errorf("row %d outside a raster with %d lines", row, h.Lines)
	}

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("failed to open raster for writing: %w", err)
	}
	buf := make([]byte, len(vals)*ds)
	encodeFloats(buf, vals, h.DataType)

	switch h.Interleave {
	case "bip", "bil", "":
		off := int64(h.HeaderOffset) + int64(row)*int64(h.Samples*h.Bands*ds)
		if _, err := f.WriteAt(buf, off); err != nil {
			f.Close()
			return fmt.Errorf("failed to write row %d: %w", row, err)
		}
	case "bsq":
		n := h.Samples * ds
		for b := 0; b < h.Bands; b++ {
			off := int64(h.HeaderOffset) + int64((b*h.Lines+row)*h.Samples)*int64(ds)
			if _, err := f.WriteAt(buf[b*n:(b+1)*n], off); err != nil {
				f.Close()
				return fmt.Errorf("failed to write row %d: %w", row, err)
			}
		}
	default:
		f.Close()
		return fmt.Errorf("unsupported interleave %q", h.Interleave)
	}
	return f.Close()
}

func decodeFloats(dst []float64, src []byte, dataType int) {
	switch dataType {
	case DataTypeFloat32:
		for i := range dst {
			dst[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:])))
		}
	case DataTypeFloat64:
		for i := range dst {
			dst[i] = math.Float64frombits(binary.LittleEndian.Uint64(src[i*8:]))
		}
	}
}

func encodeFloats(dst []byte, src []float64, dataType int) {
	switch dataType {
	case DataTypeFloat32:
		for i, v := range src {
			binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(float32(v)))
		}
	case DataTypeFloat64:
		for i, v := range src {
			binary.LittleEndian.PutUint64(dst[i*8:], math.Float64bits(v))
		}
	}
}
