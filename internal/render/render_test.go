package render

import (
	"encoding/json"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geopilot/internal/layer"
)

func demoStore(t *testing.T) *layer.Store {
	t.Helper()
	store := layer.NewStore()
	require.NoError(t, store.Put(layer.New("points", "EPSG:4326", []layer.Feature{
		{Geometry: orb.Point{1, 2}, Attrs: map[string]any{"name": "a"}},
	})))
	require.NoError(t, store.Put(layer.New("zones", "EPSG:4326", []layer.Feature{
		{Geometry: orb.Polygon{{{0, 0}, {4, 0}, {4, 4}, {0, 4}, {0, 0}}}, Attrs: map[string]any{"risk": "high"}},
	})))
	return store
}

func TestBuildSkipsHiddenLayers(t *testing.T) {
	store := demoStore(t)
	require.NoError(t, store.SetVisible("points", false))

	snap := Build(store)
	require.Len(t, snap.Layers, 1)
	assert.Equal(t, "zones", snap.Layers[0].Name)
}

func TestBuildIsDeepCopy(t *testing.T) {
	store := demoStore(t)
	snap := Build(store)

	// Mutating the snapshot must not reach the stored layer.
	pt := snap.Layers[0].Collection.Features[0].Geometry.(orb.Point)
	pt[0] = 99
	snap.Layers[0].Collection.Features[0].Properties["name"] = "mutated"

	stored, err := store.Get("points")
	require.NoError(t, err)
	assert.Equal(t, orb.Point{1, 2}, stored.Features[0].Geometry.(orb.Point))
	assert.Equal(t, "a", stored.Features[0].Attrs["name"])
}

func TestSnapshotBound(t *testing.T) {
	snap := Build(demoStore(t))
	bound, ok := snap.Bound()
	require.True(t, ok)
	assert.Equal(t, orb.Point{0, 0}, bound.Min)
	assert.Equal(t, orb.Point{4, 4}, bound.Max)

	empty := Build(layer.NewStore())
	_, ok = empty.Bound()
	assert.False(t, ok)
}

func TestSnapshotMarshalsAsGeoJSON(t *testing.T) {
	snap := Build(demoStore(t))
	data, err := json.Marshal(snap)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	layers := decoded["layers"].([]any)
	require.Len(t, layers, 2)
	first := layers[0].(map[string]any)
	assert.Equal(t, "points", first["name"])
	fc := first["features"].(map[string]any)
	assert.Equal(t, "FeatureCollection", fc["type"])
}
