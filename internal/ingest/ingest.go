// Package ingest loads spatial data files into layers. GeoJSON carries
// its own geometry; CSV files are treated as point data with
// coordinate columns sniffed from the header.
package ingest

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"geopilot/internal/geo"
	"geopilot/internal/layer"
)

// LoadFile dispatches on the file extension.
func LoadFile(path string) (*layer.Layer, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".geojson", ".json":
		return LoadGeoJSON(path)
	case ".csv":
		return LoadCSV(path)
	default:
		return nil, fmt.Errorf("unsupported file type %q (want .geojson, .json or .csv)", filepath.Ext(path))
	}
}

// LoadGeoJSON reads a GeoJSON feature collection. Coordinates are
// assumed to be lon/lat per the GeoJSON spec.
func LoadGeoJSON(path string) (*layer.Layer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	features := make([]layer.Feature, 0, len(fc.Features))
	for _, f := range fc.Features {
		if f.Geometry == nil {
			continue
		}
		attrs := make(map[string]any, len(f.Properties))
		for k, v := range f.Properties {
			attrs[k] = v
		}
		features = append(features, layer.Feature{Geometry: f.Geometry, Attrs: attrs})
	}

	l := layer.New(LayerName(path), geo.CRSWGS84, features)
	l.Provenance = layer.Provenance{Source: path}
	return l, nil
}

// lonColumns and latColumns are the header names recognized as point
// coordinates, checked case-insensitively in order.
var (
	lonColumns = []string{"lon", "lng", "longitude", "x"}
	latColumns = []string{"lat", "latitude", "y"}
)

// LoadCSV reads a CSV of points. One longitude and one latitude column
// must be present; every other column becomes an attribute, numbers
// parsed where possible.
func LoadCSV(path string) (*layer.Layer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if len(records) < 1 {
		return nil, fmt.Errorf("%s is empty", path)
	}

	header := records[0]
	lonIdx := findColumn(header, lonColumns)
	latIdx := findColumn(header, latColumns)
	if lonIdx < 0 || latIdx < 0 {
		return nil, fmt.Errorf("%s has no recognizable coordinate columns (want one of %v and one of %v)",
			path, lonColumns, latColumns)
	}

	features := make([]layer.Feature, 0, len(records)-1)
	for i, rec := range records[1:] {
		if len(rec) != len(header) {
			return nil, fmt.Errorf("%s row %d has %d fields, header has %d", path, i+2, len(rec), len(header))
		}
		lon, err := strconv.ParseFloat(strings.TrimSpace(rec[lonIdx]), 64)
		if err != nil {
			return nil, fmt.Errorf("%s row %d: bad longitude %q", path, i+2, rec[lonIdx])
		}
		lat, err := strconv.ParseFloat(strings.TrimSpace(rec[latIdx]), 64)
		if err != nil {
			return nil, fmt.Errorf("%s row %d: bad latitude %q", path, i+2, rec[latIdx])
		}

		attrs := make(map[string]any, len(header)-2)
		for j, col := range header {
			if j == lonIdx || j == latIdx {
				continue
			}
			attrs[col] = parseValue(rec[j])
		}
		features = append(features, layer.Feature{
			Geometry: orb.Point{lon, lat},
			Attrs:    attrs,
		})
	}

	l := layer.New(LayerName(path), geo.CRSWGS84, features)
	l.Provenance = layer.Provenance{Source: path}
	return l, nil
}

// LayerName derives a store-friendly layer name from a file path.
func LayerName(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	name = strings.ToLower(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r == '-', r == ' ', r == '.':
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "layer"
	}
	return b.String()
}

func findColumn(header []string, candidates []string) int {
	for _, want := range candidates {
		for i, col := range header {
			if strings.EqualFold(strings.TrimSpace(col), want) {
				return i
			}
		}
	}
	return -1
}

// parseValue turns a CSV cell into the most specific scalar it parses
// as.
func parseValue(s string) any {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return int(n)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}
