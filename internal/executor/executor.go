// Package executor runs validated plans against the layer store. Every
// operation builds its result layer completely before the store is
// touched, so a failure never leaves a partial layer behind.
package executor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"geopilot/internal/catalog"
	"geopilot/internal/errs"
	"geopilot/internal/geo"
	"geopilot/internal/layer"
)

// Options tunes execution behavior.
type Options struct {
	// UnionDissolves merges union output into a single feature instead
	// of keeping both inputs' features.
	UnionDissolves bool
	// BufferSegments is the circle resolution used when a plan does not
	// carry one.
	BufferSegments int
}

// Result describes one executed plan.
type Result struct {
	Output string
	// Features counts the output layer; InputFeatures sums the input
	// layers' features at execution time.
	Features      int
	InputFeatures int
	// CRS is the coordinate system the computation ran in.
	CRS      string
	Warnings []string
	Elapsed  time.Duration
}

// Executor applies plans to the store.
type Executor struct {
	store *layer.Store
	opts  Options
	log   *zap.Logger
}

// New creates an executor over the store.
func New(store *layer.Store, opts Options, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.BufferSegments < 4 {
		opts.BufferSegments = 16
	}
	return &Executor{store: store, opts: opts, log: log}
}

// Execute runs one valid plan. The produced layer is stored under the
// plan's output name, disambiguated with a numeric suffix on collision
// unless the plan asks to replace.
func (e *Executor) Execute(ctx context.Context, plan catalog.Plan) (Result, error) {
	start := time.Now()
	if plan.Status != catalog.PlanValid {
		return Result{}, errs.New(errs.PlanInvalid, "refusing to execute unvalidated plan: %s", plan.Reason)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	inputFeatures := 0
	for _, name := range plan.Inputs {
		if l, err := e.store.Get(name); err == nil {
			inputFeatures += len(l.Features)
		}
	}

	var (
		out *layer.Layer
		err error
	)
	switch plan.Op {
	case catalog.OpBuffer:
		out, err = e.buffer(plan)
	case catalog.OpSelect:
		out, err = e.selectByAttribute(plan)
	case catalog.OpIntersect:
		out, err = e.intersect(plan)
	case catalog.OpUnion:
		out, err = e.union(plan)
	case catalog.OpDissolve:
		out, err = e.dissolve(plan)
	case catalog.OpClip:
		out, err = e.clip(plan)
	default:
		err = errs.New(errs.PlanInvalid, "unsupported operation %q", plan.Op)
	}
	if err != nil {
		return Result{}, err
	}

	name := plan.Output
	if plan.Replace {
		err = e.store.PutReplace(renamed(out, name))
	} else {
		name = e.store.UniqueName(plan.Output)
		err = e.store.Put(renamed(out, name))
	}
	if err != nil {
		return Result{}, err
	}

	result := Result{
		Output:        name,
		Features:      len(out.Features),
		InputFeatures: inputFeatures,
		CRS:           out.CRS,
		Elapsed:       time.Since(start),
	}
	if len(out.Features) == 0 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("%s produced an empty layer %q", plan.Op, name))
	}
	e.log.Info("executed plan",
		zap.String("op", string(plan.Op)),
		zap.Strings("inputs", plan.Inputs),
		zap.String("output", name),
		zap.Int("features_in", result.InputFeatures),
		zap.Int("features_out", result.Features),
		zap.String("crs", result.CRS),
		zap.Duration("elapsed", result.Elapsed))
	return result, nil
}

func renamed(l *layer.Layer, name string) *layer.Layer {
	l.Name = name
	return l
}

func (e *Executor) buffer(plan catalog.Plan) (*layer.Layer, error) {
	in, err := e.store.Get(plan.Inputs[0])
	if err != nil {
		return nil, err
	}
	distance, _ := plan.Params["distance"].(float64)
	segments := e.opts.BufferSegments
	if res, ok := plan.Params["resolution"].(float64); ok {
		segments = int(res)
	}

	features := make([]layer.Feature, 0, len(in.Features))
	for i, f := range in.Features {
		if f.Geometry == nil {
			continue
		}
		g, err := geo.BufferMeters(f.Geometry, in.CRS, distance, segments)
		if err != nil {
			return nil, wrapFeature(err, i)
		}
		cp := f.Clone()
		cp.Geometry = g
		features = append(features, cp)
	}
	return derived(plan, in.CRS, features), nil
}

func (e *Executor) selectByAttribute(plan catalog.Plan) (*layer.Layer, error) {
	in, err := e.store.Get(plan.Inputs[0])
	if err != nil {
		return nil, err
	}
	column, _ := plan.Params["column"].(string)
	operator, _ := plan.Params["operator"].(string)
	want := plan.Params["value"]

	if !in.HasColumn(column) {
		return nil, errs.New(errs.UnknownColumn, "layer %q has no column %q (columns: %s)",
			in.Name, column, strings.Join(in.Columns(), ", "))
	}

	var features []layer.Feature
	for i, f := range in.Features {
		match, err := compare(f.Attrs[column], operator, want)
		if err != nil {
			return nil, wrapFeature(err, i)
		}
		if match {
			features = append(features, f.Clone())
		}
	}
	return derived(plan, in.CRS, features), nil
}

func (e *Executor) intersect(plan catalog.Plan) (*layer.Layer, error) {
	a, b, err := e.alignedPair(plan)
	if err != nil {
		return nil, err
	}
	var features []layer.Feature
	for _, fa := range a.Features {
		for _, fb := range b.Features {
			if fa.Geometry == nil || fb.Geometry == nil || !geo.Intersects(fa.Geometry, fb.Geometry) {
				continue
			}
			g, ok := geo.Intersection(fa.Geometry, fb.Geometry)
			if !ok {
				continue
			}
			features = append(features, layer.Feature{
				Geometry: g,
				Attrs:    mergeAttrs(fa.Attrs, fb.Attrs, b.Name),
			})
		}
	}
	return derived(plan, a.CRS, features), nil
}

func (e *Executor) union(plan catalog.Plan) (*layer.Layer, error) {
	a, b, err := e.alignedPair(plan)
	if err != nil {
		return nil, err
	}
	if e.opts.UnionDissolves {
		geoms := make([]orb.Geometry, 0, len(a.Features)+len(b.Features))
		for _, f := range append(append([]layer.Feature{}, a.Features...), b.Features...) {
			if f.Geometry != nil {
				geoms = append(geoms, f.Geometry)
			}
		}
		merged := geo.UnionAll(geoms)
		if merged == nil {
			return derived(plan, a.CRS, nil), nil
		}
		return derived(plan, a.CRS, []layer.Feature{{
			Geometry: merged,
			Attrs:    map[string]any{"source_layers": a.Name + "," + b.Name},
		}}), nil
	}

	features := make([]layer.Feature, 0, len(a.Features)+len(b.Features))
	for _, f := range a.Features {
		features = append(features, f.Clone())
	}
	for _, f := range b.Features {
		features = append(features, f.Clone())
	}
	return derived(plan, a.CRS, features), nil
}

func (e *Executor) dissolve(plan catalog.Plan) (*layer.Layer, error) {
	in, err := e.store.Get(plan.Inputs[0])
	if err != nil {
		return nil, err
	}
	column, _ := plan.Params["by_column"].(string)
	if !in.HasColumn(column) {
		return nil, errs.New(errs.UnknownColumn, "layer %q has no column %q (columns: %s)",
			in.Name, column, strings.Join(in.Columns(), ", "))
	}

	groups := map[string][]orb.Geometry{}
	counts := map[string]int{}
	values := map[string]any{}
	for _, f := range in.Features {
		key := fmt.Sprintf("%v", f.Attrs[column])
		if f.Geometry != nil {
			groups[key] = append(groups[key], f.Geometry)
		}
		counts[key]++
		values[key] = f.Attrs[column]
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	features := make([]layer.Feature, 0, len(keys))
	for _, key := range keys {
		merged := geo.UnionAll(groups[key])
		if merged == nil {
			continue
		}
		features = append(features, layer.Feature{
			Geometry: merged,
			Attrs:    map[string]any{column: values[key], "count": counts[key]},
		})
	}
	return derived(plan, in.CRS, features), nil
}

func (e *Executor) clip(plan catalog.Plan) (*layer.Layer, error) {
	a, b, err := e.alignedPair(plan)
	if err != nil {
		return nil, err
	}
	var masks []orb.Polygon
	for _, f := range b.Features {
		if f.Geometry != nil {
			masks = append(masks, polygonParts(f.Geometry)...)
		}
	}
	if len(masks) == 0 {
		return nil, errs.New(errs.GeometryError, "clip layer %q contains no polygons", b.Name)
	}

	var features []layer.Feature
	for _, f := range a.Features {
		if f.Geometry == nil {
			continue
		}
		g, ok := geo.Clip(f.Geometry, masks)
		if !ok {
			continue
		}
		cp := f.Clone()
		cp.Geometry = g
		features = append(features, cp)
	}
	return derived(plan, a.CRS, features), nil
}

// alignedPair loads both input layers and reprojects the second onto
// the first's CRS so overlay math happens in one plane.
func (e *Executor) alignedPair(plan catalog.Plan) (*layer.Layer, *layer.Layer, error) {
	a, err := e.store.Get(plan.Inputs[0])
	if err != nil {
		return nil, nil, err
	}
	b, err := e.store.Get(plan.Inputs[1])
	if err != nil {
		return nil, nil, err
	}
	if geo.SameCRS(a.CRS, b.CRS) {
		return a, b, nil
	}
	// Checked before the per-feature loop so an empty layer with an
	// unsupported CRS still fails instead of passing with a rewritten label.
	if !geo.ReprojectionSupported(b.CRS, a.CRS) {
		return nil, nil, errs.New(errs.CrsMismatch, "cannot align layer %q: no reprojection from %s to %s", b.Name, b.CRS, a.CRS)
	}
	e.log.Debug("aligning CRS",
		zap.String("layer", b.Name),
		zap.String("from", b.CRS),
		zap.String("to", a.CRS))
	aligned := b.Clone()
	aligned.CRS = a.CRS
	for i := range aligned.Features {
		if aligned.Features[i].Geometry == nil {
			continue
		}
		g, err := geo.Reproject(aligned.Features[i].Geometry, b.CRS, a.CRS)
		if err != nil {
			return nil, nil, err
		}
		aligned.Features[i].Geometry = g
	}
	return a, aligned, nil
}

// derived assembles the result layer with provenance pointing at the
// plan that produced it.
func derived(plan catalog.Plan, crs string, features []layer.Feature) *layer.Layer {
	l := layer.New(plan.Output, crs, features)
	l.Provenance = layer.Provenance{
		Operation: string(plan.Op),
		Inputs:    append([]string(nil), plan.Inputs...),
	}
	return l
}

// mergeAttrs combines both sides' attributes; colliding keys from the
// second side are suffixed with its layer name.
func mergeAttrs(a, b map[string]any, bLayer string) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if _, taken := out[k]; taken {
			out[k+"_"+bLayer] = v
		} else {
			out[k] = v
		}
	}
	return out
}

func polygonParts(g orb.Geometry) []orb.Polygon {
	switch v := g.(type) {
	case orb.Polygon:
		return []orb.Polygon{v}
	case orb.MultiPolygon:
		return v
	case orb.Collection:
		var out []orb.Polygon
		for _, c := range v {
			out = append(out, polygonParts(c)...)
		}
		return out
	default:
		return nil
	}
}

func wrapFeature(err error, idx int) error {
	if e, ok := err.(*errs.Error); ok {
		return e.AtFeature(idx)
	}
	return errs.Wrap(errs.GeometryError, err, "feature %d", idx)
}
