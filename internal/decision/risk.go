package decision

import (
	"math"
	"strings"

	"github.com/aristath/autopilot/internal/ctxmap"
)

// AssessRisk scores execution, resource, dependency, permission and time
// risk for a decision context.
func (e *Engine) AssessRisk(dc Context) RiskAssessment {
	return RiskAssessment{
		Execution:  executionRisk(dc.Data),
		Resource:   resourceRisk(dc.ResourceConstraints),
		Dependency: 1 - dependencySatisfaction(dc.Data),
		Permission: permissionRisk(dc.Data),
		Time:       timeRisk(dc.Data, dc.TimeConstraint),
	}
}

// executionRisk is 0.2 per "*_result" entry reporting status "error".
func executionRisk(data map[string]any) float64 {
	failures := 0
	for k, v := range data {
		if !strings.HasSuffix(k, ctxmap.ResultSuffix) {
			continue
		}
		result, ok := ctxmap.Map(v)
		if !ok {
			continue
		}
		if ctxmap.String(result[ctxmap.KeyStatus]) == "error" {
			failures++
		}
	}
	return math.Min(errorRiskStep*float64(failures), 1.0)
}

// resourceRisk is the worst shortfall across constraints, where each value
// is an availability in [0, 1].
func resourceRisk(constraints map[string]float64) float64 {
	risk := 0.0
	for _, availability := range constraints {
		risk = math.Max(risk, 1-ctxmap.Clamp01(availability))
	}
	return risk
}

// dependencySatisfaction is the fraction of declared dependencies present
// as keys in the context.
func dependencySatisfaction(data map[string]any) float64 {
	return ctxmap.FractionPresent(data, ctxmap.Strings(data[ctxmap.KeyDependencies]))
}

func permissionRisk(data map[string]any) float64 {
	switch {
	case ctxmap.Truthy(data[ctxmap.KeySudoRequired]):
		return sudoRisk
	case ctxmap.Truthy(data[ctxmap.KeyAPIKeysRequired]):
		return apiKeyRisk
	default:
		return 0
	}
}

// timeRisk is the relative overrun of the estimated time past the
// constraint, clamped to [0, 1].
func timeRisk(data map[string]any, constraint float64) float64 {
	if constraint <= 0 {
		return 0
	}
	estimated, ok := ctxmap.Float(data[ctxmap.KeyEstimatedTime])
	if !ok || estimated <= constraint {
		return 0
	}
	return ctxmap.Clamp01((estimated - constraint) / constraint)
}
