// Package catalog defines the closed vocabulary of geometric
// operations the engine can execute. The intent resolver validates AI
// output against this table before any geometric code runs; extending
// the system means adding a typed entry here, never executing model
// output directly.
package catalog

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Op identifies an operation kind.
type Op string

const (
	OpBuffer    Op = "buffer"
	OpSelect    Op = "select_by_attribute"
	OpIntersect Op = "intersect"
	OpUnion     Op = "union"
	OpDissolve  Op = "dissolve"
	OpClip      Op = "clip"
)

// ParamType is the expected scalar type of a parameter.
type ParamType string

const (
	ParamNumber ParamType = "number"
	ParamString ParamType = "string"
	ParamAny    ParamType = "any"
)

// ParamSpec declares one operation parameter.
type ParamSpec struct {
	Name     string
	Type     ParamType
	Required bool
	Default  any
	// Check validates the coerced value; nil means unconstrained.
	Check func(v any) error
	Doc   string
}

// Spec declares one operation: required input layer count, parameter
// schema and a one-line contract used in the resolver prompt.
type Spec struct {
	Op     Op
	Inputs int
	Params []ParamSpec
	Doc    string
	// OutputSuffix derives the default result layer name: <input>_<suffix>.
	OutputSuffix string
}

// SelectOperators is the closed comparison vocabulary of select_by_attribute.
var SelectOperators = []string{"=", "!=", "<", "<=", ">", ">=", "contains"}

var table = map[Op]Spec{
	OpBuffer: {
		Op:           OpBuffer,
		Inputs:       1,
		OutputSuffix: "buffer",
		Doc:          "replace every feature's geometry with its planar buffer at the given distance",
		Params: []ParamSpec{
			{Name: "distance", Type: ParamNumber, Required: true, Doc: "buffer distance", Check: nonNegative("distance")},
			{Name: "unit", Type: ParamString, Default: "meters", Doc: "meters, kilometers or feet", Check: oneOf("unit", "meters", "m", "kilometers", "km", "feet", "ft")},
			{Name: "resolution", Type: ParamNumber, Doc: "segments per circle", Check: atLeast("resolution", 4)},
		},
	},
	OpSelect: {
		Op:           OpSelect,
		Inputs:       1,
		OutputSuffix: "selected",
		Doc:          "keep only features whose attribute satisfies the predicate",
		Params: []ParamSpec{
			{Name: "column", Type: ParamString, Required: true, Doc: "attribute column to test", Check: nonEmpty("column")},
			{Name: "operator", Type: ParamString, Default: "=", Doc: "one of =, !=, <, <=, >, >=, contains", Check: oneOf("operator", SelectOperators...)},
			{Name: "value", Type: ParamAny, Required: true, Doc: "comparison value"},
		},
	},
	OpIntersect: {
		Op:           OpIntersect,
		Inputs:       2,
		OutputSuffix: "intersect",
		Doc:          "pairwise geometric intersection of overlapping features from both inputs",
	},
	OpUnion: {
		Op:           OpUnion,
		Inputs:       2,
		OutputSuffix: "union",
		Doc:          "geometric union of both inputs' features",
	},
	OpDissolve: {
		Op:           OpDissolve,
		Inputs:       1,
		OutputSuffix: "dissolved",
		Doc:          "merge features sharing the same value of by_column into one geometry",
		Params: []ParamSpec{
			{Name: "by_column", Type: ParamString, Required: true, Doc: "attribute column to dissolve on", Check: nonEmpty("by_column")},
		},
	},
	OpClip: {
		Op:           OpClip,
		Inputs:       2,
		OutputSuffix: "clip",
		Doc:          "cut the first input's geometries to the boundary of the second; drop features fully outside",
	},
}

// Lookup returns the spec for an operation kind.
func Lookup(name string) (Spec, bool) {
	spec, ok := table[Op(strings.TrimSpace(strings.ToLower(name)))]
	return spec, ok
}

// All returns the catalog sorted by operation name.
func All() []Spec {
	specs := make([]Spec, 0, len(table))
	for _, s := range table {
		specs = append(specs, s)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Op < specs[j].Op })
	return specs
}

// ValidateParams coerces raw parameter values (as decoded from the
// model's JSON) against the spec, applies defaults and runs constraint
// checks. Buffer distances are normalized to meters here so the
// executor only ever sees meters.
func (s Spec) ValidateParams(raw map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(s.Params))
	for _, p := range s.Params {
		v, present := raw[p.Name]
		if !present || v == nil {
			if p.Required {
				return nil, fmt.Errorf("missing required parameter %q for %s", p.Name, s.Op)
			}
			if p.Default != nil {
				out[p.Name] = p.Default
			}
			continue
		}
		coerced, err := coerce(p, v)
		if err != nil {
			return nil, fmt.Errorf("parameter %q for %s: %w", p.Name, s.Op, err)
		}
		if p.Check != nil {
			if err := p.Check(coerced); err != nil {
				return nil, fmt.Errorf("parameter %q for %s: %w", p.Name, s.Op, err)
			}
		}
		out[p.Name] = coerced
	}
	for name := range raw {
		if !s.hasParam(name) {
			return nil, fmt.Errorf("unknown parameter %q for %s", name, s.Op)
		}
	}
	if s.Op == OpBuffer {
		normalizeDistance(out)
	}
	return out, nil
}

func (s Spec) hasParam(name string) bool {
	for _, p := range s.Params {
		if p.Name == name {
			return true
		}
	}
	return false
}

func coerce(p ParamSpec, v any) (any, error) {
	switch p.Type {
	case ParamNumber:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
			if err != nil {
				return nil, fmt.Errorf("expected a number, got %q", n)
			}
			return f, nil
		default:
			return nil, fmt.Errorf("expected a number, got %T", v)
		}
	case ParamString:
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected a string, got %T", v)
		}
		return strings.TrimSpace(str), nil
	default:
		return v, nil
	}
}

// normalizeDistance folds the unit parameter into distance-in-meters.
func normalizeDistance(params map[string]any) {
	d, _ := params["distance"].(float64)
	unit, _ := params["unit"].(string)
	switch strings.ToLower(unit) {
	case "kilometers", "km":
		d *= 1000
	case "feet", "ft":
		d *= 0.3048
	}
	params["distance"] = d
	params["unit"] = "meters"
}

func nonNegative(name string) func(any) error {
	return func(v any) error {
		if f, ok := v.(float64); ok && f < 0 {
			return fmt.Errorf("%s must be >= 0, got %v", name, f)
		}
		return nil
	}
}

func atLeast(name string, min float64) func(any) error {
	return func(v any) error {
		if f, ok := v.(float64); ok && f < min {
			return fmt.Errorf("%s must be >= %v, got %v", name, min, f)
		}
		return nil
	}
}

func nonEmpty(name string) func(any) error {
	return func(v any) error {
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s must not be empty", name)
		}
		return nil
	}
}

func oneOf(name string, allowed ...string) func(any) error {
	return func(v any) error {
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("%s must be a string", name)
		}
		for _, a := range allowed {
			if strings.EqualFold(s, a) {
				return nil
			}
		}
		return fmt.Errorf("%s must be one of %s, got %q", name, strings.Join(allowed, ", "), s)
	}
}

// PromptCatalog renders the operation table for injection into the
// resolver's system prompt.
func PromptCatalog() string {
	var b strings.Builder
	for _, spec := range All() {
		fmt.Fprintf(&b, "- %s (inputs: %d): %s\n", spec.Op, spec.Inputs, spec.Doc)
		for _, p := range spec.Params {
			req := "optional"
			if p.Required {
				req = "required"
			}
			fmt.Fprintf(&b, "    %s (%s, %s): %s\n", p.Name, p.Type, req, p.Doc)
		}
	}
	return b.String()
}
