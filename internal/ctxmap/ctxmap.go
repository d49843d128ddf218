// Package ctxmap reads well-known keys out of the loosely typed context maps
// the orchestrator attaches to tasks and decisions. Only these keys are ever
// interpreted; everything else is carried through untouched.
package ctxmap

import (
	"fmt"
	"strconv"
	"strings"
)

// Well-known context keys.
const (
	KeyDependencies        = "dependencies"
	KeyTaskType            = "task_type"
	KeyRequiredContextKeys = "required_context_keys"
	KeyRiskLevel           = "risk_level"
	KeyRequiresApproval    = "requires_approval"
	KeySudoRequired        = "sudo_required"
	KeyAPIKeysRequired     = "api_keys_required"
	KeyPermissionsGranted  = "permissions_granted"
	KeyEstimatedTime       = "estimated_time"
	KeyParameters          = "parameters"
	KeyRequiredParameters  = "required_parameters"
	KeyResult              = "result"
	KeyValidated           = "validated"
	KeyCompletedTasks      = "completed_tasks"
	KeyStatus              = "status"
	KeyError               = "error"
	KeyType                = "type"

	// ResultSuffix marks per-step result entries, e.g. "build_result".
	ResultSuffix = "_result"
)

// Float converts numeric-ish values to float64.
func Float(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Truthy reports whether v is a set flag: true, a non-zero number, or a
// non-empty string other than "false"/"0"/"no".
func Truthy(v any) bool {
	switch b := v.(type) {
	case nil:
		return false
	case bool:
		return b
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "", "false", "0", "no", "off":
			return false
		}
		return true
	default:
		if f, ok := Float(v); ok {
			return f != 0
		}
		return true
	}
}

// Strings converts []string or []any into a string slice.
func Strings(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		if s == "" {
			return nil
		}
		return []string{s}
	default:
		return nil
	}
}

// Map converts map[string]any or map[string]string into map[string]any.
func Map(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[k] = val
		}
		return out, true
	default:
		return nil, false
	}
}

// Maps converts []map[string]any or []any of maps into a slice of maps.
func Maps(v any) []map[string]any {
	switch s := v.(type) {
	case []map[string]any:
		return s
	case []any:
		out := make([]map[string]any, 0, len(s))
		for _, item := range s {
			if m, ok := Map(item); ok {
				out = append(out, m)
			}
		}
		return out
	default:
		return nil
	}
}

// String returns v as a string, or "" when absent.
func String(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}

// Empty reports whether a context value carries no information.
func Empty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []any:
		return len(val) == 0
	case []string:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	default:
		return false
	}
}

// FractionPresent returns the fraction of keys present in m. With no keys
// it returns 1.
func FractionPresent(m map[string]any, keys []string) float64 {
	if len(keys) == 0 {
		return 1.0
	}
	present := 0
	for _, k := range keys {
		if _, ok := m[k]; ok {
			present++
		}
	}
	return float64(present) / float64(len(keys))
}

// Clamp01 limits v to [0, 1].
func Clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
