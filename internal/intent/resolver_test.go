package intent

import (
	"context"
	"fmt"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"geopilot/internal/catalog"
	"geopilot/internal/errs"
	"geopilot/internal/layer"
)

// scriptedClient returns canned responses in order, repeating the last
// one when the script runs out.
type scriptedClient struct {
	responses []string
	err       error
	calls     int
}

func (c *scriptedClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

func (c *scriptedClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	i := c.calls
	c.calls++
	if i >= len(c.responses) {
		i = len(c.responses) - 1
	}
	return c.responses[i], nil
}

func testStore(t *testing.T) *layer.Store {
	t.Helper()
	store := layer.NewStore()
	roads := layer.New("roads", "EPSG:4326", []layer.Feature{
		{Geometry: orb.LineString{{0, 0}, {1, 1}}, Attrs: map[string]any{"type": "highway", "lanes": 4}},
		{Geometry: orb.LineString{{1, 1}, {2, 0}}, Attrs: map[string]any{"type": "residential", "lanes": 2}},
	})
	zones := layer.New("flood_zones", "EPSG:4326", []layer.Feature{
		{Geometry: orb.Polygon{{{0, 0}, {2, 0}, {2, 2}, {0, 2}, {0, 0}}}, Attrs: map[string]any{"risk": "high"}},
	})
	require.NoError(t, store.Put(roads))
	require.NoError(t, store.Put(zones))
	return store
}

func newTestResolver(store *layer.Store, client CompletionClient) *Resolver {
	return NewResolver(client, store, zap.NewNop())
}

func TestResolveSingleOperation(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"surface_response": "Buffering roads by 500 meters.",
		  "operations": [{"operation": "buffer", "inputs": ["roads"],
		                  "parameters": {"distance": 500, "unit": "meters"}}]}`,
	}}
	r := newTestResolver(testStore(t), client)

	got, err := r.Resolve(context.Background(), "buffer roads by 500m", Context{})
	require.NoError(t, err)
	require.Len(t, got.Plans, 1)
	assert.True(t, got.Valid())
	assert.Equal(t, 1, client.calls)

	plan := got.Plans[0]
	assert.Equal(t, catalog.OpBuffer, plan.Op)
	assert.Equal(t, []string{"roads"}, plan.Inputs)
	assert.Equal(t, "roads_buffer", plan.Output)
	assert.Equal(t, 500.0, plan.Params["distance"])
}

func TestResolveStripsMarkdownFences(t *testing.T) {
	client := &scriptedClient{responses: []string{
		"```json\n{\"surface_response\": \"ok\", \"operations\": []}\n```",
	}}
	r := newTestResolver(testStore(t), client)

	got, err := r.Resolve(context.Background(), "hello", Context{})
	require.NoError(t, err)
	assert.Equal(t, "ok", got.Surface)
	assert.Empty(t, got.Plans)
	assert.Equal(t, 1, client.calls)
}

func TestResolveRepromptsOnceThenSucceeds(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"surface_response": "ok", "operations": [{"operation": "reproject", "inputs": ["roads"]}]}`,
		`{"surface_response": "ok", "operations": [{"operation": "buffer", "inputs": ["roads"], "parameters": {"distance": 100}}]}`,
	}}
	r := newTestResolver(testStore(t), client)

	got, err := r.Resolve(context.Background(), "buffer roads", Context{})
	require.NoError(t, err)
	assert.Equal(t, 2, client.calls)
	assert.True(t, got.Valid())
}

func TestResolveGivesUpAfterOneReprompt(t *testing.T) {
	bad := `{"surface_response": "ok", "operations": [{"operation": "buffer", "inputs": ["rivers"], "parameters": {"distance": 100}}]}`
	client := &scriptedClient{responses: []string{bad, bad}}
	r := newTestResolver(testStore(t), client)

	got, err := r.Resolve(context.Background(), "buffer rivers", Context{})
	require.NoError(t, err)
	assert.Equal(t, 2, client.calls, "exactly one corrective re-prompt")
	require.Len(t, got.Plans, 1)
	assert.Equal(t, catalog.PlanInvalid, got.Plans[0].Status)
	assert.Contains(t, got.Plans[0].Reason, "rivers")
}

func TestResolveUnparseableTwice(t *testing.T) {
	client := &scriptedClient{responses: []string{"no json here", "still no json"}}
	r := newTestResolver(testStore(t), client)

	got, err := r.Resolve(context.Background(), "buffer roads", Context{})
	require.NoError(t, err)
	assert.Equal(t, 2, client.calls)
	require.Len(t, got.Plans, 1)
	assert.Equal(t, catalog.PlanInvalid, got.Plans[0].Status)
}

func TestResolveClientErrorIsAiUnavailable(t *testing.T) {
	client := &scriptedClient{err: fmt.Errorf("connection refused")}
	r := newTestResolver(testStore(t), client)

	_, err := r.Resolve(context.Background(), "buffer roads", Context{})
	require.Error(t, err)
	assert.Equal(t, errs.AiUnavailable, errs.KindOf(err))
}

func TestResolveAnaphora(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"surface_response": "ok", "operations": [{"operation": "intersect", "inputs": ["@last", "flood_zones"]}]}`,
	}}
	store := testStore(t)
	require.NoError(t, store.Put(layer.New("roads_buffer", "EPSG:4326", nil)))
	r := newTestResolver(store, client)

	got, err := r.Resolve(context.Background(), "intersect it with flood zones", Context{LastLayer: "roads_buffer"})
	require.NoError(t, err)
	require.Len(t, got.Plans, 1)
	assert.True(t, got.Valid())
	assert.Equal(t, []string{"roads_buffer", "flood_zones"}, got.Plans[0].Inputs)
	assert.Equal(t, "roads_buffer_intersect", got.Plans[0].Output)
}

func TestResolveAnaphoraWithoutHistory(t *testing.T) {
	resp := `{"surface_response": "ok", "operations": [{"operation": "buffer", "inputs": ["@last"], "parameters": {"distance": 10}}]}`
	client := &scriptedClient{responses: []string{resp, resp}}
	r := newTestResolver(testStore(t), client)

	got, err := r.Resolve(context.Background(), "buffer it", Context{})
	require.NoError(t, err)
	require.Len(t, got.Plans, 1)
	assert.Equal(t, catalog.PlanInvalid, got.Plans[0].Status)
	assert.Contains(t, got.Plans[0].Reason, "previous result")
}

func TestResolveChainedOperations(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"surface_response": "ok", "operations": [
			{"operation": "buffer", "inputs": ["roads"], "parameters": {"distance": 0.5, "unit": "km"}},
			{"operation": "intersect", "inputs": ["roads_buffer", "flood_zones"]}
		]}`,
	}}
	r := newTestResolver(testStore(t), client)

	got, err := r.Resolve(context.Background(), "buffer roads by 500m then intersect with flood zones", Context{})
	require.NoError(t, err)
	require.Len(t, got.Plans, 2)
	assert.True(t, got.Valid())
	// km folded into meters during validation.
	assert.Equal(t, 500.0, got.Plans[0].Params["distance"])
	assert.Equal(t, "meters", got.Plans[0].Params["unit"])
	// Second plan consumes the first plan's pending output.
	assert.Equal(t, []string{"roads_buffer", "flood_zones"}, got.Plans[1].Inputs)
	assert.Equal(t, "roads_buffer_intersect", got.Plans[1].Output)
}

func TestResolveChainedOutputCollision(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"surface_response": "ok", "operations": [
			{"operation": "buffer", "inputs": ["roads"], "parameters": {"distance": 500}},
			{"operation": "intersect", "inputs": ["roads_buffer", "flood_zones"]}
		]}`,
	}}
	store := testStore(t)
	// A layer already holds the name the first plan would produce.
	require.NoError(t, store.Put(layer.New("roads_buffer", "EPSG:4326", nil)))
	r := newTestResolver(store, client)

	got, err := r.Resolve(context.Background(), "buffer roads then intersect with flood zones", Context{})
	require.NoError(t, err)
	require.Len(t, got.Plans, 2)
	assert.True(t, got.Valid())
	// The collision is resolved at validation time and the second plan
	// binds to the renamed fresh output, not the stale layer.
	assert.Equal(t, "roads_buffer_2", got.Plans[0].Output)
	assert.Equal(t, []string{"roads_buffer_2", "flood_zones"}, got.Plans[1].Inputs)
}

func TestResolveChainedOutputsCollideWithEachOther(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"surface_response": "ok", "operations": [
			{"operation": "buffer", "inputs": ["roads"], "parameters": {"distance": 100}, "output_name": "result"},
			{"operation": "buffer", "inputs": ["flood_zones"], "parameters": {"distance": 100}, "output_name": "result"}
		]}`,
	}}
	r := newTestResolver(testStore(t), client)

	got, err := r.Resolve(context.Background(), "buffer both", Context{})
	require.NoError(t, err)
	require.Len(t, got.Plans, 2)
	assert.True(t, got.Valid())
	assert.Equal(t, "result", got.Plans[0].Output)
	assert.Equal(t, "result_2", got.Plans[1].Output)
}

func TestResolveRejectsUnknownColumn(t *testing.T) {
	resp := `{"surface_response": "ok", "operations": [{"operation": "select_by_attribute", "inputs": ["roads"], "parameters": {"column": "speed", "operator": ">", "value": 50}}]}`
	client := &scriptedClient{responses: []string{resp, resp}}
	r := newTestResolver(testStore(t), client)

	got, err := r.Resolve(context.Background(), "roads faster than 50", Context{})
	require.NoError(t, err)
	require.Len(t, got.Plans, 1)
	assert.Equal(t, catalog.PlanInvalid, got.Plans[0].Status)
	assert.Contains(t, got.Plans[0].Reason, "speed")
}

func TestResolveRejectsWrongInputCount(t *testing.T) {
	resp := `{"surface_response": "ok", "operations": [{"operation": "intersect", "inputs": ["roads"]}]}`
	client := &scriptedClient{responses: []string{resp, resp}}
	r := newTestResolver(testStore(t), client)

	got, err := r.Resolve(context.Background(), "intersect roads", Context{})
	require.NoError(t, err)
	require.Len(t, got.Plans, 1)
	assert.Equal(t, catalog.PlanInvalid, got.Plans[0].Status)
	assert.Contains(t, got.Plans[0].Reason, "2 input layer(s)")
}

func TestParseEnvelopeToleratesLeadingProse(t *testing.T) {
	env, err := parseEnvelope(`Here is the plan: {"surface_response": "x", "operations": []}`)
	require.NoError(t, err)
	assert.Equal(t, "x", env.SurfaceResponse)
}

func TestBuildUserPromptListsLayers(t *testing.T) {
	store := testStore(t)
	prompt := BuildUserPrompt("buffer roads", store.List(), Context{
		History:   []Turn{{User: "hi", Surface: "hello"}},
		LastLayer: "roads",
	})
	assert.Contains(t, prompt, "roads")
	assert.Contains(t, prompt, "flood_zones")
	assert.Contains(t, prompt, "lanes")
	assert.Contains(t, prompt, "@last")
	assert.Contains(t, prompt, "buffer roads")
}

func TestBuildUserPromptCarriesTurnOutcomes(t *testing.T) {
	prompt := BuildUserPrompt("try again", nil, Context{
		History: []Turn{
			{User: "buffer roads", Surface: "Buffered.", Result: "roads_buffer"},
			{User: "buffer rivers", Error: `unknown layer "rivers"`},
		},
	})
	assert.Contains(t, prompt, "produced layer: roads_buffer")
	assert.Contains(t, prompt, `failed: unknown layer "rivers"`)
}
