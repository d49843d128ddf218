package recovery

import (
	"fmt"
	"math"
)

type handlerFunc func(c Classification, retryCount, maxRetries int) Action

func (s *Service) backoffDelay(retryCount int) float64 {
	return math.Pow(s.cfg.BackoffBase, float64(retryCount))
}

func (s *Service) handleValidation(c Classification, _, _ int) Action {
	return Action{
		Strategy:    StrategySkip,
		Description: "validation failed; skipping step without retry",
	}
}

func (s *Service) handleExecution(c Classification, retryCount, maxRetries int) Action {
	if retryCount < maxRetries {
		return Action{
			Strategy:    StrategyRetry,
			Description: fmt.Sprintf("retrying execution (attempt %d of %d)", retryCount+1, maxRetries),
			RetryDelay:  s.backoffDelay(retryCount),
			MaxAttempts: maxRetries,
		}
	}
	return Action{
		Strategy:          StrategyEscalate,
		Description:       "execution retries exhausted",
		EscalationMessage: fmt.Sprintf("execution failed after %d retries: %s", retryCount, c.Error.Message),
	}
}

func (s *Service) handleResource(c Classification, _, _ int) Action {
	return Action{
		Strategy:    StrategyRetry,
		Description: "waiting for resources to free up before retrying",
		RetryDelay:  s.cfg.ResourceRetryDelay,
		MaxAttempts: s.cfg.ResourceMaxAttempts,
	}
}

func (s *Service) handlePermission(c Classification, _, _ int) Action {
	return Action{
		Strategy:          StrategyEscalate,
		Description:       "permission errors are never retried automatically",
		EscalationMessage: fmt.Sprintf("permission error requires human intervention: %s", c.Error.Message),
	}
}

func (s *Service) handleNetwork(c Classification, retryCount, maxRetries int) Action {
	if retryCount < maxRetries {
		return Action{
			Strategy:    StrategyRetry,
			Description: fmt.Sprintf("retrying after network failure (attempt %d of %d)", retryCount+1, maxRetries),
			RetryDelay:  s.backoffDelay(retryCount),
			MaxAttempts: maxRetries,
		}
	}
	return Action{
		Strategy:    StrategySkip,
		Description: "network retries exhausted; continuing in degraded mode",
	}
}

func (s *Service) handleDependency(c Classification, _, _ int) Action {
	return Action{
		Strategy:           StrategyAlternative,
		Description:        "missing or incompatible dependency",
		AlternativeCommand: "install or update the missing dependencies, then re-run the step",
	}
}

func (s *Service) handleUnknown(c Classification, retryCount, maxRetries int) Action {
	if retryCount < maxRetries {
		return Action{
			Strategy:    StrategyRetry,
			Description: "retrying after unclassified failure",
			RetryDelay:  s.cfg.UnknownRetryDelay,
			MaxAttempts: maxRetries,
		}
	}
	return Action{
		Strategy:          StrategyEscalate,
		Description:       "unclassified failure persists",
		EscalationMessage: fmt.Sprintf("unclassified failure after %d retries: %s", retryCount, c.Error.Message),
	}
}
