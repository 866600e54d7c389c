// Package envi reads and writes flat binary rasters in the ENVI format, the
// cube layout hyperspectral toolchains exchange. A raster is a bare data
// file plus a small text header describing dimensions, storage order and
// spectral metadata. Only the two floating point data types appear in this
// pipeline, so the codec handles exactly those.
package envi

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// ENVI data type codes for the supported layouts.
const (
	DataTypeFloat32 = 4
	DataTypeFloat64 = 5
)

// Header describes an ENVI raster. Keys this package does not interpret
// survive in Extra so derived products keep their provenance fields.
type Header struct {
	Samples      int
	Lines        int
	Bands        int
	Interleave   string
	DataType     int
	ByteOrder    int
	HeaderOffset int
	Description  string
	Wavelengths  []float64
	FWHM         []float64
	BandNames    []string
	Extra        map[string]string
}

// Clone returns a deep copy, the starting point for derived product headers.
func (h *Header) Clone() *Header {
	c := *h
	c.Wavelengths = append([]float64(nil), h.Wavelengths...)
	c.FWHM = append([]float64(nil), h.FWHM...)
	c.BandNames = append([]string(nil), h.BandNames...)
	c.Extra = make(map[string]string, len(h.Extra))
	for k, v := range h.Extra {
		c.Extra[k] = v
	}
	return &c
}

// HeaderPath returns the header file path matching a raster path. Known
// raster extensions are replaced, anything else gets the suffix appended.
func HeaderPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".img", ".dat", ".raw":
		return strings.TrimSuffix(path, filepath.Ext(path)) + ".hdr"
	}
	return path + ".hdr"
}

// ReadHeader parses the header file at the given path.
func ReadHeader(path string) (*Header, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	h, err := parseHeader(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return h, nil
}

func parseHeader(text string) (*Header, error) {
	lines := strings.Split(text, "\n")

	i := 0
	for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}
	if i == len(lines) || strings.TrimSpace(lines[i]) != "ENVI" {
		return nil, errors.New("missing ENVI magic line")
	}

	h := &Header{Interleave: "bip", Extra: map[string]string{}}
	for i++; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		eq := strings.Index(line, "=")
		if eq < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:eq]))
		val := strings.TrimSpace(line[eq+1:])

		// Brace values may run over several lines.
		if strings.HasPrefix(val, "{") {
			for !strings.Contains(val, "}") && i+1 < len(lines) {
				i++
				val += " " + strings.TrimSpace(lines[i])
			}
			val = strings.TrimPrefix(val, "{")
			if j := strings.LastIndex(val, "}"); j >= 0 {
				val = val[:j]
			}
			val = strings.TrimSpace(val)
		}

		var err error
		switch key {
		case "samples":
			h.Samples, err = strconv.Atoi(val)
		case "lines":
			h.Lines, err = strconv.Atoi(val)
		case "bands":
			h.Bands, err = strconv.Atoi(val)
		case "data type":
			h.DataType, err = strconv.Atoi(val)
		case "byte order":
			h.ByteOrder, err = strconv.Atoi(val)
		case "header offset":
			h.HeaderOffset, err = strconv.Atoi(val)
		case "interleave":
			h.Interleave = strings.ToLower(val)
		case "description":
			h.Description = val
		case "wavelength":
			h.Wavelengths, err = parseFloatList(val)
		case "fwhm":
			h.FWHM, err = parseFloatList(val)
		case "band names":
			h.BandNames = splitList(val)
		default:
			h.Extra[key] = val
		}
		if err != nil {
			return nil, fmt.Errorf("bad value %q for %q: %w", val, key, err)
		}
	}
	return h, nil
}

func splitList(val string) []string {
	if val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = strings.TrimSpace(p)
	}
	return out
}

func parseFloatList(val string) ([]float64, error) {
	parts := splitList(val)
	if parts == nil {
		return nil, nil
	}
	out := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// WriteHeader writes a header file. The raster itself is untouched.
func WriteHeader(path string, h *Header) error {
	var sb strings.Builder
	sb.WriteString("ENVI\n")
	if h.Description != "" {
		fmt.Fprintf(&sb, "description = {%s}\n", h.Description)
	}
	fmt.Fprintf(&sb, "samples = %d\n", h.Samples)
	fmt.Fprintf(&sb, "lines = %d\n", h.Lines)
	fmt.Fprintf(&sb, "bands = %d\n", h.Bands)
	fmt.Fprintf(&sb, "header offset = %d\n", h.HeaderOffset)
	if _, ok := h.Extra["file type"]; !ok {
		sb.WriteString("file type = ENVI Standard\n")
	}
	fmt.Fprintf(&sb, "data type = %d\n", h.DataType)
	interleave := h.Interleave
	if interleave == "" {
		interleave = "bip"
	}
	fmt.Fprintf(&sb, "interleave = %s\n", interleave)
	fmt.Fprintf(&sb, "byte order = %d\n", h.ByteOrder)
	if len(h.BandNames) > 0 {
		fmt.Fprintf(&sb, "band names = {%s}\n", strings.Join(h.BandNames, ", "))
	}
	if len(h.Wavelengths) > 0 {
		fmt.Fprintf(&sb, "wavelength = {%s}\n", joinFloats(h.Wavelengths))
	}
	if len(h.FWHM) > 0 {
		fmt.Fprintf(&sb, "fwhm = {%s}\n", joinFloats(h.FWHM))
	}

	keys := make([]string, 0, len(h.Extra))
	for k := range h.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s = %s\n", k, h.Extra[k])
	}

	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	return nil
}

func joinFloats(vals []float64) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, ", ")
}

func dataTypeSize(dt int) (int, error) {
	switch dt {
	case DataTypeFloat32:
		return 4, nil
	case DataTypeFloat64:
		return 8, nil
	}
	return 0, fmt.Errorf("unsupported data type %d, only 4 and 5 are handled", dt)
}
