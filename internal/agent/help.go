package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aristath/autopilot/internal/history"
)

const helpStatusPending = "pending"

type suggestionRule struct {
	keyword     string
	suggestions []string
}

var issueSuggestions = []suggestionRule{
	{"error", []string{
		"Review the error logs for the failing step",
		"Check available system resources (disk, memory, CPU)",
		"Verify the configuration values used by the task",
	}},
	{"permission", []string{
		"Check file and directory permissions",
		"Verify credentials and access tokens",
	}},
	{"dependency", []string{
		"Install the missing dependencies",
		"Update dependencies to compatible versions",
	}},
}

var taskTypeSuggestions = map[string][]string{
	"file_operation": {"Verify the file paths exist and are accessible"},
	"network":        {"Check network connectivity and endpoint availability"},
}

var fallbackSuggestions = []string{
	"Review the task description and requirements",
	"Provide additional context or guidance",
	"Retry the task manually",
}

// RequestHelp raises a pending help request with a truncated context
// snapshot and generated suggestions. Nothing is sent anywhere; delivering
// the request is the caller's job.
func (a *Agent) RequestHelp(task Task, issue string, data map[string]any, urgency Urgency) HelpRequest {
	req := HelpRequest{
		ID:               a.newID(),
		TaskID:           task.ID,
		TaskType:         task.Type,
		Issue:            issue,
		Urgency:          urgency,
		Context:          snapshot(data, a.cfg.SnapshotKeys, a.cfg.SnapshotValueLength),
		SuggestedActions: suggestActions(task, issue),
		Status:           helpStatusPending,
		Timestamp:        a.now(),
	}

	a.mu.Lock()
	a.helpRequests++
	a.mu.Unlock()

	a.metrics.ObserveHelpRequest(urgency.String())
	a.record(history.KindHelp, task.ID, req.Timestamp, req)
	a.logger.Info("help requested",
		"id", req.ID,
		"task", task.ID,
		"urgency", urgency.String(),
		"issue", issue)
	return req
}

func suggestActions(task Task, issue string) []string {
	lower := strings.ToLower(issue)
	var out []string
	for _, rule := range issueSuggestions {
		if strings.Contains(lower, rule.keyword) {
			out = append(out, rule.suggestions...)
		}
	}
	out = append(out, taskTypeSuggestions[task.Type]...)
	if len(out) == 0 {
		out = append(out, fallbackSuggestions...)
	}
	return out
}

// snapshot copies at most maxKeys entries of data, in key order. Strings are
// cut to maxLen runes and composite values are rendered then cut.
func snapshot(data map[string]any, maxKeys, maxLen int) map[string]any {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > maxKeys {
		keys = keys[:maxKeys]
	}

	out := make(map[string]any, len(keys))
	for _, k := range keys {
		switch v := data[k].(type) {
		case nil, bool, int, int64, float64:
			out[k] = v
		case string:
			out[k] = truncate(v, maxLen)
		default:
			out[k] = truncate(fmt.Sprint(v), maxLen)
		}
	}
	return out
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
