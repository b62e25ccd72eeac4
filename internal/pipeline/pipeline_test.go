package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"geopilot/internal/executor"
	"geopilot/internal/intent"
	"geopilot/internal/layer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedClient returns canned responses in order, repeating the last
// one when the script runs out. It records the prompts it was given.
type scriptedClient struct {
	responses []string
	prompts   []string
	calls     int
}

func (c *scriptedClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

func (c *scriptedClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	i := c.calls
	c.calls++
	c.prompts = append(c.prompts, userPrompt)
	if i >= len(c.responses) {
		i = len(c.responses) - 1
	}
	return c.responses[i], nil
}

// blockingClient hangs until its context is cancelled.
type blockingClient struct{}

func (c *blockingClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

func (c *blockingClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func demoStore(t *testing.T) *layer.Store {
	t.Helper()
	store := layer.NewStore()
	roads := layer.New("roads", "EPSG:4326", []layer.Feature{
		{Geometry: orb.LineString{{13.0, 52.0}, {13.01, 52.0}}, Attrs: map[string]any{"type": "highway"}},
	})
	zones := layer.New("flood_zones", "EPSG:4326", []layer.Feature{
		{Geometry: orb.Polygon{{
			{12.98, 51.98}, {13.03, 51.98}, {13.03, 52.02}, {12.98, 52.02}, {12.98, 51.98},
		}}, Attrs: map[string]any{"risk": "high"}},
	})
	require.NoError(t, store.Put(roads))
	require.NoError(t, store.Put(zones))
	return store
}

func newTestPipeline(t *testing.T, store *layer.Store, client intent.CompletionClient) (*Pipeline, chan Update) {
	t.Helper()
	updates := make(chan Update, 16)
	resolver := intent.NewResolver(client, store, zap.NewNop())
	exec := executor.New(store, executor.Options{}, zap.NewNop())
	p := New(resolver, exec, store, PublisherFunc(func(u Update) { updates <- u }), zap.NewNop(), Options{})
	t.Cleanup(p.Close)
	return p, updates
}

func waitUpdate(t *testing.T, updates chan Update) Update {
	t.Helper()
	select {
	case u := <-updates:
		return u
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for pipeline update")
		return Update{}
	}
}

func TestPipelineBufferThenIntersect(t *testing.T) {
	store := demoStore(t)
	client := &scriptedClient{responses: []string{
		`{"surface_response": "Buffering roads and intersecting with flood zones.",
		  "operations": [
			{"operation": "buffer", "inputs": ["roads"], "parameters": {"distance": 500, "unit": "meters"}},
			{"operation": "intersect", "inputs": ["roads_buffer", "flood_zones"]}
		]}`,
	}}
	p, updates := newTestPipeline(t, store, client)

	require.NoError(t, p.Submit("buffer roads by 500m and intersect with flood zones"))
	u := waitUpdate(t, updates)

	require.Empty(t, u.Errors)
	require.Len(t, u.Results, 2)
	assert.Equal(t, "roads_buffer", u.Results[0].Output)
	assert.Equal(t, "roads_buffer_intersect", u.Results[1].Output)
	assert.True(t, store.Has("roads_buffer"))
	assert.True(t, store.Has("roads_buffer_intersect"))
	assert.Equal(t, "roads_buffer_intersect", p.LastLayer())

	buffered, err := store.Get("roads_buffer")
	require.NoError(t, err)
	assert.Equal(t, layer.KindPolygon, buffered.Kind)
	assert.Equal(t, "EPSG:4326", buffered.CRS)

	hit, err := store.Get("roads_buffer_intersect")
	require.NoError(t, err)
	assert.NotEmpty(t, hit.Features, "the road runs through the flood zone")

	require.NotNil(t, u.Snapshot)
	assert.Len(t, u.Snapshot.Layers, 4, "snapshot covers inputs and both results")
}

func TestPipelineChainedPlansSurviveNameCollision(t *testing.T) {
	store := demoStore(t)
	// A stale layer already owns the name the buffer would get, far
	// away from the flood zone.
	stale := layer.New("roads_buffer", "EPSG:4326", []layer.Feature{
		{Geometry: orb.Polygon{{{50, 50}, {51, 50}, {51, 51}, {50, 51}, {50, 50}}}},
	})
	require.NoError(t, store.Put(stale))

	client := &scriptedClient{responses: []string{
		`{"surface_response": "ok",
		  "operations": [
			{"operation": "buffer", "inputs": ["roads"], "parameters": {"distance": 500}},
			{"operation": "intersect", "inputs": ["roads_buffer", "flood_zones"]}
		]}`,
	}}
	p, updates := newTestPipeline(t, store, client)

	require.NoError(t, p.Submit("buffer roads by 500m and intersect with flood zones"))
	u := waitUpdate(t, updates)

	require.Empty(t, u.Errors)
	require.Len(t, u.Results, 2)
	// The fresh buffer got a suffixed name and the intersect consumed
	// it, not the stale layer.
	assert.Equal(t, "roads_buffer_2", u.Results[0].Output)
	assert.Equal(t, []string{"roads_buffer_2", "flood_zones"}, mustGet(t, store, u.Results[1].Output).Provenance.Inputs)

	hit := mustGet(t, store, u.Results[1].Output)
	assert.NotEmpty(t, hit.Features, "intersect ran on the fresh buffer")
}

func mustGet(t *testing.T, store *layer.Store, name string) *layer.Layer {
	t.Helper()
	l, err := store.Get(name)
	require.NoError(t, err)
	return l
}

func TestPipelineFollowUpUsesLastLayer(t *testing.T) {
	store := demoStore(t)
	client := &scriptedClient{responses: []string{
		`{"surface_response": "Buffered.",
		  "operations": [{"operation": "buffer", "inputs": ["roads"], "parameters": {"distance": 100}}]}`,
		`{"surface_response": "Intersected with flood zones.",
		  "operations": [{"operation": "intersect", "inputs": ["@last", "flood_zones"]}]}`,
	}}
	p, updates := newTestPipeline(t, store, client)

	require.NoError(t, p.Submit("buffer roads by 100m"))
	first := waitUpdate(t, updates)
	require.Empty(t, first.Errors)

	require.NoError(t, p.Submit("now intersect it with flood zones"))
	second := waitUpdate(t, updates)
	require.Empty(t, second.Errors)
	require.Len(t, second.Results, 1)
	assert.Equal(t, "roads_buffer_intersect", second.Results[0].Output)
}

func TestPipelineUnknownLayerReported(t *testing.T) {
	store := demoStore(t)
	bad := `{"surface_response": "ok", "operations": [{"operation": "buffer", "inputs": ["rivers"], "parameters": {"distance": 10}}]}`
	client := &scriptedClient{responses: []string{bad, bad}}
	p, updates := newTestPipeline(t, store, client)

	require.NoError(t, p.Submit("buffer rivers"))
	u := waitUpdate(t, updates)

	require.NotEmpty(t, u.Errors)
	assert.Contains(t, u.Errors[0], "rivers")
	assert.Empty(t, u.Results)
	assert.Equal(t, 2, store.Len(), "nothing was written to the store")
}

func TestPipelineChatWithoutOperations(t *testing.T) {
	store := demoStore(t)
	client := &scriptedClient{responses: []string{
		`{"surface_response": "You have 2 layers loaded: roads and flood_zones.", "operations": []}`,
	}}
	p, updates := newTestPipeline(t, store, client)

	require.NoError(t, p.Submit("what layers do I have?"))
	u := waitUpdate(t, updates)

	assert.Empty(t, u.Errors)
	assert.Empty(t, u.Results)
	assert.Contains(t, u.Surface, "2 layers")
	assert.Nil(t, u.Snapshot, "no snapshot when nothing executed")
}

func TestPipelineCancelDuringResolve(t *testing.T) {
	store := demoStore(t)
	p, updates := newTestPipeline(t, store, &blockingClient{})

	require.NoError(t, p.Submit("buffer roads"))

	deadline := time.Now().Add(5 * time.Second)
	for p.State() != StateResolving {
		if time.Now().After(deadline) {
			t.Fatal("pipeline never entered resolving state")
		}
		time.Sleep(time.Millisecond)
	}
	assert.True(t, p.Cancel())

	u := waitUpdate(t, updates)
	require.NotEmpty(t, u.Errors)
	assert.Contains(t, u.Errors[0], "context canceled")
	assert.Equal(t, 2, store.Len())
}

func TestPipelineCancelWhenIdle(t *testing.T) {
	store := demoStore(t)
	p, _ := newTestPipeline(t, store, &scriptedClient{responses: []string{
		`{"surface_response": "ok", "operations": []}`,
	}})
	assert.False(t, p.Cancel(), "nothing to cancel while idle")
}

func TestPipelineSubmitDuringCloseNeverPanics(t *testing.T) {
	for i := 0; i < 100; i++ {
		store := layer.NewStore()
		resolver := intent.NewResolver(&scriptedClient{responses: []string{
			`{"surface_response": "ok", "operations": []}`,
		}}, store, zap.NewNop())
		exec := executor.New(store, executor.Options{}, zap.NewNop())
		p := New(resolver, exec, store, PublisherFunc(func(Update) {}), zap.NewNop(), Options{})

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				err := p.Submit("hello")
				if err != nil && strings.Contains(err.Error(), "closed") {
					return
				}
			}
		}()
		p.Close()
		wg.Wait()
	}
}

func TestPipelineErrorStateOnFailedTurn(t *testing.T) {
	store := demoStore(t)
	bad := `{"surface_response": "ok", "operations": [{"operation": "buffer", "inputs": ["rivers"], "parameters": {"distance": 10}}]}`
	resolver := intent.NewResolver(&scriptedClient{responses: []string{bad, bad}}, store, zap.NewNop())
	exec := executor.New(store, executor.Options{}, zap.NewNop())

	var p *Pipeline
	states := make(chan State, 1)
	updates := make(chan Update, 1)
	p = New(resolver, exec, store, PublisherFunc(func(u Update) {
		states <- p.State()
		updates <- u
	}), zap.NewNop(), Options{})
	t.Cleanup(p.Close)

	require.NoError(t, p.Submit("buffer rivers"))
	u := waitUpdate(t, updates)
	require.NotEmpty(t, u.Errors)
	assert.Equal(t, StateError, <-states, "failed turns are delivered in the error state")
}

func TestPipelinePublishingStateOnSuccess(t *testing.T) {
	store := demoStore(t)
	resolver := intent.NewResolver(&scriptedClient{responses: []string{
		`{"surface_response": "ok", "operations": []}`,
	}}, store, zap.NewNop())
	exec := executor.New(store, executor.Options{}, zap.NewNop())

	var p *Pipeline
	states := make(chan State, 1)
	updates := make(chan Update, 1)
	p = New(resolver, exec, store, PublisherFunc(func(u Update) {
		states <- p.State()
		updates <- u
	}), zap.NewNop(), Options{})
	t.Cleanup(p.Close)

	require.NoError(t, p.Submit("hello"))
	u := waitUpdate(t, updates)
	require.Empty(t, u.Errors)
	assert.Equal(t, StatePublishing, <-states)
}

func TestPipelineHistoryCarriesOutcomes(t *testing.T) {
	store := demoStore(t)
	bad := `{"surface_response": "ok", "operations": [{"operation": "buffer", "inputs": ["rivers"], "parameters": {"distance": 10}}]}`
	client := &scriptedClient{responses: []string{
		bad, bad,
		`{"surface_response": "Nothing to do.", "operations": []}`,
	}}
	p, updates := newTestPipeline(t, store, client)

	require.NoError(t, p.Submit("buffer rivers"))
	first := waitUpdate(t, updates)
	require.NotEmpty(t, first.Errors)

	require.NoError(t, p.Submit("what happened?"))
	waitUpdate(t, updates)

	// The follow-up prompt records the earlier failure, not just the
	// surface reply.
	require.Len(t, client.prompts, 3)
	assert.Contains(t, client.prompts[2], "failed:")
	assert.Contains(t, client.prompts[2], "rivers")
}

func TestPipelineSubmitAfterClose(t *testing.T) {
	store := demoStore(t)
	p, _ := newTestPipeline(t, store, &scriptedClient{responses: []string{
		`{"surface_response": "ok", "operations": []}`,
	}})
	p.Close()
	assert.Error(t, p.Submit("anything"))
}

func TestPipelineSerializesQueries(t *testing.T) {
	store := demoStore(t)
	client := &scriptedClient{responses: []string{
		`{"surface_response": "ok", "operations": [{"operation": "buffer", "inputs": ["roads"], "parameters": {"distance": 10}}]}`,
	}}
	p, updates := newTestPipeline(t, store, client)

	require.NoError(t, p.Submit("buffer roads"))
	require.NoError(t, p.Submit("buffer roads"))
	first := waitUpdate(t, updates)
	second := waitUpdate(t, updates)

	require.Empty(t, first.Errors)
	require.Empty(t, second.Errors)
	// Same desired name twice: the second run gets a numeric suffix.
	assert.Equal(t, "roads_buffer", first.Results[0].Output)
	assert.Equal(t, "roads_buffer_2", second.Results[0].Output)
}
