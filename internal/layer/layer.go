// Package layer holds the in-memory spatial data model: layers,
// features, attribute schemas and the store that owns them. A layer is
// immutable once stored; operations build a fresh layer and replace or
// add it wholesale, so a renderer holding a reference never observes a
// half-updated layer.
package layer

import (
	"fmt"
	"sort"

	"github.com/paulmach/orb"
)

// GeometryKind is the coarse geometry classification of a layer.
type GeometryKind string

const (
	KindPoint   GeometryKind = "point"
	KindLine    GeometryKind = "line"
	KindPolygon GeometryKind = "polygon"
	KindMixed   GeometryKind = "mixed"
)

// FieldType is the scalar type of an attribute column.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldInt    FieldType = "int"
	FieldFloat  FieldType = "float"
	FieldBool   FieldType = "bool"
)

// Field describes one attribute column.
type Field struct {
	Name string
	Type FieldType
}

// Feature is one geometry plus its attribute record.
type Feature struct {
	Geometry orb.Geometry
	Attrs    map[string]any
}

// Clone deep-copies the feature.
func (f Feature) Clone() Feature {
	attrs := make(map[string]any, len(f.Attrs))
	for k, v := range f.Attrs {
		attrs[k] = v
	}
	var g orb.Geometry
	if f.Geometry != nil {
		g = orb.Clone(f.Geometry)
	}
	return Feature{Geometry: g, Attrs: attrs}
}

// Style is the render style descriptor attached to a layer. The core
// never interprets it; the map renderer does.
type Style struct {
	Color       string  `json:"color"`
	FillColor   string  `json:"fillColor,omitempty"`
	FillOpacity float64 `json:"fillOpacity,omitempty"`
	Opacity     float64 `json:"opacity,omitempty"`
	Weight      int     `json:"weight"`
	Radius      int     `json:"radius,omitempty"`
}

// Provenance records where a layer came from.
type Provenance struct {
	// Source is the file path for ingested layers, empty for derived ones.
	Source string
	// Operation and Inputs are set for layers produced by the executor.
	Operation string
	Inputs    []string
}

func (p Provenance) String() string {
	if p.Operation != "" {
		return fmt.Sprintf("%s(%v)", p.Operation, p.Inputs)
	}
	if p.Source != "" {
		return "loaded from " + p.Source
	}
	return "unknown"
}

// Layer is a named, schema-consistent collection of features sharing
// one CRS. Treat stored layers as immutable: build a new one instead
// of mutating in place.
type Layer struct {
	Name       string
	Kind       GeometryKind
	CRS        string
	Schema     []Field
	Features   []Feature
	Visible    bool
	Style      Style
	Provenance Provenance
}

// New assembles a layer, deriving geometry kind, schema and default
// style from the features.
func New(name, crs string, features []Feature) *Layer {
	kind := detectKind(features)
	return &Layer{
		Name:     name,
		Kind:     kind,
		CRS:      crs,
		Schema:   SchemaOf(features),
		Features: features,
		Visible:  true,
		Style:    DefaultStyle(kind),
	}
}

// Clone deep-copies the layer, including all feature geometries.
func (l *Layer) Clone() *Layer {
	features := make([]Feature, len(l.Features))
	for i, f := range l.Features {
		features[i] = f.Clone()
	}
	schema := make([]Field, len(l.Schema))
	copy(schema, l.Schema)
	inputs := make([]string, len(l.Provenance.Inputs))
	copy(inputs, l.Provenance.Inputs)
	cp := *l
	cp.Features = features
	cp.Schema = schema
	cp.Provenance.Inputs = inputs
	return &cp
}

// HasColumn reports whether the schema contains the named column.
func (l *Layer) HasColumn(name string) bool {
	for _, f := range l.Schema {
		if f.Name == name {
			return true
		}
	}
	return false
}

// Columns returns the schema column names in order.
func (l *Layer) Columns() []string {
	cols := make([]string, len(l.Schema))
	for i, f := range l.Schema {
		cols[i] = f.Name
	}
	return cols
}

// Summary is the lightweight description used for listings and for the
// resolver prompt.
type Summary struct {
	Name     string
	Kind     GeometryKind
	CRS      string
	Features int
	Columns  []string
	Visible  bool
}

// Summarize builds the layer's summary.
func (l *Layer) Summarize() Summary {
	return Summary{
		Name:     l.Name,
		Kind:     l.Kind,
		CRS:      l.CRS,
		Features: len(l.Features),
		Columns:  l.Columns(),
		Visible:  l.Visible,
	}
}

// KindOfGeometry maps a concrete geometry to its coarse kind.
func KindOfGeometry(g orb.Geometry) GeometryKind {
	switch g.(type) {
	case orb.Point, orb.MultiPoint:
		return KindPoint
	case orb.LineString, orb.MultiLineString:
		return KindLine
	case orb.Polygon, orb.MultiPolygon:
		return KindPolygon
	default:
		return KindMixed
	}
}

func detectKind(features []Feature) GeometryKind {
	kind := GeometryKind("")
	for _, f := range features {
		if f.Geometry == nil {
			continue
		}
		k := KindOfGeometry(f.Geometry)
		if kind == "" {
			kind = k
		} else if kind != k {
			return KindMixed
		}
	}
	if kind == "" {
		return KindMixed
	}
	return kind
}

// SchemaOf derives the attribute schema from a feature sequence: the
// sorted union of attribute names with inferred scalar types.
func SchemaOf(features []Feature) []Field {
	types := map[string]FieldType{}
	for _, f := range features {
		for name, v := range f.Attrs {
			t := inferType(v)
			if existing, ok := types[name]; ok && existing != t {
				// Mixed int/float columns widen to float; anything
				// else degrades to string.
				if (existing == FieldInt && t == FieldFloat) || (existing == FieldFloat && t == FieldInt) {
					types[name] = FieldFloat
				} else {
					types[name] = FieldString
				}
				continue
			}
			types[name] = t
		}
	}
	names := make([]string, 0, len(types))
	for name := range types {
		names = append(names, name)
	}
	sort.Strings(names)
	schema := make([]Field, len(names))
	for i, name := range names {
		schema[i] = Field{Name: name, Type: types[name]}
	}
	return schema
}

func inferType(v any) FieldType {
	switch v.(type) {
	case int, int32, int64:
		return FieldInt
	case float32, float64:
		return FieldFloat
	case bool:
		return FieldBool
	default:
		return FieldString
	}
}

// DefaultStyle returns the per-kind render defaults.
func DefaultStyle(kind GeometryKind) Style {
	switch kind {
	case KindPoint:
		return Style{Color: "#3388ff", FillColor: "#3388ff", FillOpacity: 0.6, Radius: 5, Weight: 2}
	case KindLine:
		return Style{Color: "#3388ff", Weight: 3, Opacity: 0.8}
	default:
		return Style{Color: "#3388ff", FillColor: "#3388ff", FillOpacity: 0.2, Weight: 2, Opacity: 0.8}
	}
}
