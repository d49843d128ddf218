package recovery

import (
	"regexp"
	"strconv"
	"strings"
)

// typeRule maps message keywords to an error type. Rules are scanned in
// order and the first match wins.
type typeRule struct {
	errType  ErrorType
	keywords []string
}

var typeRules = []typeRule{
	{ErrorPermission, []string{
		"permission", "access denied", "forbidden", "unauthorized", "not permitted",
		"authentication failed", "eacces", "eperm",
	}},
	{ErrorNetwork, []string{
		"connection", "timeout", "timed out", "network", "unreachable", "dns",
		"socket", "econnrefused", "econnreset", "tls handshake",
	}},
	{ErrorResource, []string{
		"out of memory", "memory", "disk full", "no space left", "quota", "resource",
		"too many open files", "rate limit", "capacity", "exhausted",
	}},
	{ErrorDependency, []string{
		"module not found", "no module named", "importerror", "import error",
		"cannot find package", "dependency", "not installed", "package not found",
		"command not found", "unresolved",
	}},
	{ErrorValidation, []string{
		"invalid", "validation", "malformed", "schema", "syntax error",
		"parse error", "bad request", "assertion",
	}},
}

var (
	criticalTerms = []string{"fatal", "corruption", "corrupted", "data loss", "data-loss", "panic", "unrecoverable"}
	warningTerms  = []string{"warning", "deprecated"}
	failureTerms  = []string{"fail", "denied", "error", "cannot", "unable", "exceeded", "exhausted", "refused"}
)

var (
	filePattern = regexp.MustCompile(`(?:[\w.-]+/)*[\w-]+\.(?:go|py|js|ts|tsx|jsx|json|ya?ml|toml|md|txt|sh|rs|java|rb|c|h|cpp|sql|cfg|ini|lock)\b`)
	linePattern = regexp.MustCompile(`(?i)\bline (\d+)`)
	codePattern = regexp.MustCompile(`\[(E\d+)\]`)
)

func detectType(lower string) ErrorType {
	if strings.TrimSpace(lower) == "" {
		return ErrorUnknown
	}
	for _, rule := range typeRules {
		if containsAny(lower, rule.keywords) {
			return rule.errType
		}
	}
	return ErrorExecution
}

func detectSeverity(lower string, errType ErrorType) Severity {
	switch {
	case containsAny(lower, criticalTerms):
		return SeverityCritical
	case containsAny(lower, warningTerms):
		return SeverityMedium
	case (errType == ErrorResource || errType == ErrorPermission) && containsAny(lower, failureTerms):
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

// extractContext pulls file paths, line numbers and bracketed error codes
// out of a message. Keys are only present when something was found.
func extractContext(message string) map[string]any {
	ctx := make(map[string]any)

	if files := uniqueStrings(filePattern.FindAllString(message, -1)); len(files) > 0 {
		ctx["file_paths"] = files
	}

	var lines []int
	for _, m := range linePattern.FindAllStringSubmatch(message, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil {
			lines = append(lines, n)
		}
	}
	if len(lines) > 0 {
		ctx["line_numbers"] = lines
	}

	var codes []string
	for _, m := range codePattern.FindAllStringSubmatch(message, -1) {
		codes = append(codes, m[1])
	}
	if codes = uniqueStrings(codes); len(codes) > 0 {
		ctx["error_codes"] = codes
	}

	return ctx
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
