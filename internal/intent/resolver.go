// Package intent turns natural language into validated operation
// plans. The model proposes; the resolver disposes: nothing the model
// says reaches the executor without passing the catalog's schema,
// input-arity and layer-existence checks. A response that fails
// validation earns exactly one corrective re-prompt carrying the
// failure reason; a second failure surfaces as invalid plans rather
// than another round trip.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"geopilot/internal/catalog"
	"geopilot/internal/errs"
	"geopilot/internal/layer"
)

// envelope is the raw JSON shape the model must produce.
type envelope struct {
	SurfaceResponse string         `json:"surface_response"`
	Operations      []rawOperation `json:"operations"`
}

type rawOperation struct {
	Operation  string         `json:"operation"`
	Inputs     []string       `json:"inputs"`
	Parameters map[string]any `json:"parameters"`
	OutputName string         `json:"output_name"`
	Replace    bool           `json:"replace"`
}

// Result is the resolver's output for one user query.
type Result struct {
	Surface string
	Plans   []catalog.Plan
}

// Valid reports whether every plan in the result passed validation.
func (r Result) Valid() bool {
	for _, p := range r.Plans {
		if p.Status != catalog.PlanValid {
			return false
		}
	}
	return true
}

// InvalidReasons collects the failure reasons of invalid plans.
func (r Result) InvalidReasons() []string {
	var reasons []string
	for _, p := range r.Plans {
		if p.Status == catalog.PlanInvalid {
			reasons = append(reasons, p.Reason)
		}
	}
	return reasons
}

// Resolver translates user queries into validated plans.
type Resolver struct {
	client CompletionClient
	store  *layer.Store
	log    *zap.Logger
}

// NewResolver creates a resolver over the given completion client and
// layer store.
func NewResolver(client CompletionClient, store *layer.Store, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{client: client, store: store, log: log}
}

// Resolve runs one query through the model and validates the outcome.
// A non-nil error always carries kind AiUnavailable; validation
// failures instead come back as plans marked invalid.
func (r *Resolver) Resolve(ctx context.Context, query string, convo Context) (Result, error) {
	system := SystemPrompt()
	prompt := BuildUserPrompt(query, r.store.List(), convo)

	raw, err := r.client.CompleteWithSystem(ctx, system, prompt)
	if err != nil {
		return Result{}, errs.Wrap(errs.AiUnavailable, err, "intent resolution failed")
	}

	result, reason := r.interpret(raw, convo)
	if reason == "" {
		return result, nil
	}
	r.log.Debug("re-prompting after invalid response", zap.String("reason", reason))

	// One corrective round trip, carrying the concrete failure.
	retryPrompt := fmt.Sprintf(
		"%s\nYour previous response was rejected: %s\nPrevious response:\n%s\nRespond again with a corrected JSON object.",
		prompt, reason, raw)
	raw, err = r.client.CompleteWithSystem(ctx, system, retryPrompt)
	if err != nil {
		return Result{}, errs.Wrap(errs.AiUnavailable, err, "intent resolution failed on retry")
	}

	result, reason = r.interpret(raw, convo)
	if reason != "" && len(result.Plans) == 0 {
		// Unparseable twice: synthesize one invalid plan so the caller
		// has a reason to report.
		result.Plans = append(result.Plans, catalog.Plan{
			ID:     uuid.NewString(),
			Status: catalog.PlanInvalid,
			Reason: reason,
		})
	}
	return result, nil
}

// interpret parses and validates one model response. The returned
// reason is empty when every plan validated; otherwise it describes
// the first failure, suitable for the corrective re-prompt.
func (r *Resolver) interpret(raw string, convo Context) (Result, string) {
	env, err := parseEnvelope(raw)
	if err != nil {
		return Result{}, err.Error()
	}

	result := Result{Surface: env.SurfaceResponse}
	// Outputs promised by earlier plans in the same envelope count as
	// available inputs for later ones. The map goes from the name the
	// model used to the name the layer will actually be stored under:
	// collisions with existing layers are resolved here, at validation
	// time, so a later plan binds to the fresh result instead of
	// whatever stale layer happens to hold the colliding name.
	pending := map[string]string{}
	firstReason := ""

	for _, op := range env.Operations {
		plan := r.buildPlan(op, convo, pending)
		if plan.Status == catalog.PlanValid {
			requested := plan.Output
			if !plan.Replace {
				plan.Output = r.uniqueOutput(requested, pending)
			}
			pending[requested] = plan.Output
			pending[plan.Output] = plan.Output
		} else if firstReason == "" {
			firstReason = plan.Reason
		}
		result.Plans = append(result.Plans, plan)
	}
	return result, firstReason
}

// uniqueOutput disambiguates a desired output name against both the
// store and the outputs already promised in this envelope.
func (r *Resolver) uniqueOutput(desired string, pending map[string]string) string {
	taken := func(name string) bool {
		if r.store.Has(name) {
			return true
		}
		for _, final := range pending {
			if final == name {
				return true
			}
		}
		return false
	}
	if !taken(desired) {
		return desired
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s_%d", desired, i)
		if !taken(candidate) {
			return candidate
		}
	}
}

func (r *Resolver) buildPlan(op rawOperation, convo Context, pending map[string]string) catalog.Plan {
	plan := catalog.Plan{
		ID:      uuid.NewString(),
		Op:      catalog.Op(strings.ToLower(strings.TrimSpace(op.Operation))),
		Params:  op.Parameters,
		Output:  strings.TrimSpace(op.OutputName),
		Replace: op.Replace,
	}

	spec, ok := catalog.Lookup(op.Operation)
	if !ok {
		return plan.Invalidate("unknown operation %q", op.Operation)
	}
	plan.Op = spec.Op

	if len(op.Inputs) != spec.Inputs {
		return plan.Invalidate("%s requires %d input layer(s), got %d", spec.Op, spec.Inputs, len(op.Inputs))
	}

	for _, input := range op.Inputs {
		name, err := r.resolveLayerRef(input, convo, pending)
		if err != nil {
			return plan.Invalidate("%v", err)
		}
		plan.Inputs = append(plan.Inputs, name)
	}

	params, err := spec.ValidateParams(op.Parameters)
	if err != nil {
		return plan.Invalidate("%v", err)
	}
	plan.Params = params

	// Column references can only be checked against layers that
	// already exist; pending outputs are validated at execution time.
	if col := columnParam(spec.Op, params); col != "" {
		if l, err := r.store.Get(plan.Inputs[0]); err == nil && !l.HasColumn(col) {
			return plan.Invalidate("layer %q has no column %q (columns: %s)",
				plan.Inputs[0], col, strings.Join(l.Columns(), ", "))
		}
	}

	if plan.Output == "" {
		plan.Output = plan.Inputs[0] + "_" + spec.OutputSuffix
	}
	plan.Status = catalog.PlanValid
	return plan
}

// resolveLayerRef maps a model-supplied layer reference to a concrete
// layer name, grounding anaphora like "@last" to the most recent
// result. Pending outputs win over store layers of the same name: a
// reference to a name produced earlier in the same envelope means the
// fresh result, not a pre-existing layer.
func (r *Resolver) resolveLayerRef(ref string, convo Context, pending map[string]string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("empty layer reference")
	}
	if isAnaphora(ref) {
		if convo.LastLayer == "" {
			return "", fmt.Errorf("%q refers to a previous result, but none exists yet", ref)
		}
		ref = convo.LastLayer
	}
	if final, ok := pending[ref]; ok {
		return final, nil
	}
	if r.store.Has(ref) {
		return ref, nil
	}
	return "", fmt.Errorf("unknown layer %q (available: %s)", ref, strings.Join(r.store.Names(), ", "))
}

func isAnaphora(ref string) bool {
	switch strings.ToLower(ref) {
	case "@last", "last", "it", "that", "that layer", "previous result", "the previous result", "last result":
		return true
	}
	return false
}

// columnParam returns the attribute column a plan references, if any.
func columnParam(op catalog.Op, params map[string]any) string {
	switch op {
	case catalog.OpSelect:
		col, _ := params["column"].(string)
		return col
	case catalog.OpDissolve:
		col, _ := params["by_column"].(string)
		return col
	default:
		return ""
	}
}

// parseEnvelope extracts the JSON envelope from a model response,
// tolerating markdown fences and prose around the object.
func parseEnvelope(raw string) (envelope, error) {
	cleaned := stripFences(raw)
	start := strings.Index(cleaned, "{")
	if start < 0 {
		return envelope{}, fmt.Errorf("response contains no JSON object")
	}

	dec := json.NewDecoder(strings.NewReader(cleaned[start:]))
	var env envelope
	if err := dec.Decode(&env); err != nil {
		return envelope{}, fmt.Errorf("response is not valid JSON: %v", err)
	}
	return env, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}
