package executor

import (
	"fmt"
	"strconv"
	"strings"

	"geopilot/internal/errs"
)

// compare evaluates one attribute predicate. Numbers compare
// numerically whenever both sides parse as numbers; everything else
// compares as trimmed, case-insensitive strings. Missing attributes
// (nil) only match "!=".
func compare(have any, operator string, want any) (bool, error) {
	if have == nil {
		return operator == "!=", nil
	}

	if operator == "contains" {
		return strings.Contains(
			strings.ToLower(asString(have)),
			strings.ToLower(asString(want)),
		), nil
	}

	hn, hok := asNumber(have)
	wn, wok := asNumber(want)
	if hok && wok {
		return compareNumbers(hn, operator, wn)
	}

	hs := strings.ToLower(strings.TrimSpace(asString(have)))
	ws := strings.ToLower(strings.TrimSpace(asString(want)))
	switch operator {
	case "=":
		return hs == ws, nil
	case "!=":
		return hs != ws, nil
	case "<":
		return hs < ws, nil
	case "<=":
		return hs <= ws, nil
	case ">":
		return hs > ws, nil
	case ">=":
		return hs >= ws, nil
	default:
		return false, errs.New(errs.PlanInvalid, "unknown operator %q", operator)
	}
}

func compareNumbers(a float64, operator string, b float64) (bool, error) {
	switch operator {
	case "=":
		return a == b, nil
	case "!=":
		return a != b, nil
	case "<":
		return a < b, nil
	case "<=":
		return a <= b, nil
	case ">":
		return a > b, nil
	case ">=":
		return a >= b, nil
	default:
		return false, errs.New(errs.PlanInvalid, "unknown operator %q", operator)
	}
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
