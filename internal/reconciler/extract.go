package reconciler

import (
	"regexp"
	"strings"
)

var (
	groupDispatchRe = regexp.MustCompile(`dispatch:([0-9a-fA-F-]{36})`)
	uuidRe          = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
)

var dispatchIDTagKeys = []string{"dispatch_id", "dispatchId", "DISPATCH_ID"}

// extractDispatchID resolves a dispatch_id from the event by the
// ordered sources in §4.4 step 2: env var override, task group, tag,
// started_by. Returns ok=false when none of the four yield a match,
// in which case the caller falls back to a task-ARN lookup.
func extractDispatchID(e *TaskEvent) (string, bool) {
	for _, override := range e.Overrides {
		for _, env := range override.Environment {
			if env.Name == "DISPATCH_ID" && env.Value != "" {
				return env.Value, true
			}
		}
	}

	if m := groupDispatchRe.FindStringSubmatch(e.Group); len(m) == 2 {
		return m[1], true
	}
	if m := uuidRe.FindString(e.Group); m != "" {
		return m, true
	}

	for _, key := range dispatchIDTagKeys {
		if v, ok := e.Tags[key]; ok && v != "" {
			return v, true
		}
	}

	if m := uuidRe.FindString(e.StartedBy); m != "" {
		return m, true
	}

	return "", false
}

func containsAny(haystack string, needles ...string) bool {
	lower := strings.ToLower(haystack)
	for _, n := range needles {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}
