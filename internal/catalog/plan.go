package catalog

import (
	"fmt"
	"strings"
)

// PlanStatus tracks a plan's validation lifecycle.
type PlanStatus string

const (
	PlanUnvalidated PlanStatus = "unvalidated"
	PlanValid       PlanStatus = "valid"
	PlanInvalid     PlanStatus = "invalid"
)

// Plan is one validated, structured description of a geometric
// computation. It is produced by the intent resolver, consumed once by
// the executor, and not persisted beyond the turn that produced it.
type Plan struct {
	ID     string
	Op     Op
	Inputs []string
	Params map[string]any

	// Output is the result layer name. Always filled for valid plans
	// (model-suggested or derived as <input>_<suffix>); the executor
	// still disambiguates collisions unless Replace is set.
	Output  string
	Replace bool

	Status PlanStatus
	// Reason holds the specific validation failure for invalid plans.
	Reason string
}

// Invalidate marks the plan invalid with a reason and returns it.
func (p Plan) Invalidate(format string, args ...any) Plan {
	p.Status = PlanInvalid
	p.Reason = fmt.Sprintf(format, args...)
	return p
}

func (p Plan) String() string {
	return fmt.Sprintf("%s(%s) -> %s", p.Op, strings.Join(p.Inputs, ", "), p.Output)
}
