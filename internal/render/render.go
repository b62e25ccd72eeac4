// Package render produces map-ready snapshots of the layer store.
// A snapshot is a deep copy: the renderer can hold it as long as it
// wants while the pipeline keeps replacing layers underneath.
package render

import (
	"encoding/json"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"geopilot/internal/layer"
)

// LayerView is one visible layer prepared for rendering.
type LayerView struct {
	Name       string                     `json:"name"`
	Kind       layer.GeometryKind         `json:"kind"`
	CRS        string                     `json:"crs"`
	Style      layer.Style                `json:"style"`
	Provenance string                     `json:"provenance,omitempty"`
	Collection *geojson.FeatureCollection `json:"features"`
}

// Snapshot is a self-contained view of every visible layer at one
// point in time.
type Snapshot struct {
	Generated time.Time   `json:"generated"`
	Layers    []LayerView `json:"layers"`
}

// Build snapshots the store's visible layers.
func Build(store *layer.Store) Snapshot {
	snap := Snapshot{Generated: time.Now()}
	for _, l := range store.Visible() {
		snap.Layers = append(snap.Layers, viewOf(l))
	}
	return snap
}

func viewOf(l *layer.Layer) LayerView {
	fc := geojson.NewFeatureCollection()
	for _, f := range l.Features {
		if f.Geometry == nil {
			continue
		}
		gf := geojson.NewFeature(orb.Clone(f.Geometry))
		for k, v := range f.Attrs {
			gf.Properties[k] = v
		}
		fc.Append(gf)
	}
	return LayerView{
		Name:       l.Name,
		Kind:       l.Kind,
		CRS:        l.CRS,
		Style:      l.Style,
		Provenance: l.Provenance.String(),
		Collection: fc,
	}
}

// Bound returns the snapshot's overall bounding box and whether any
// geometry contributed to it.
func (s Snapshot) Bound() (orb.Bound, bool) {
	var bound orb.Bound
	found := false
	for _, lv := range s.Layers {
		for _, f := range lv.Collection.Features {
			if f.Geometry == nil {
				continue
			}
			if !found {
				bound = f.Geometry.Bound()
				found = true
			} else {
				bound = bound.Union(f.Geometry.Bound())
			}
		}
	}
	return bound, found
}

// MarshalJSON renders the snapshot for a web map client.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	type alias Snapshot
	return json.Marshal(alias(s))
}
