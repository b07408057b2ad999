package reconciler

import "github.com/outpostrun/outpost/models"

// rule is one entry in an ordered terminal-status mapping table: the
// first rule that matches an event wins.
type rule struct {
	name  string
	match func(e *TaskEvent, main Container, hasMain bool) bool
	status models.Status
}

// reconcilerRuleSetV1 is the versioned, explicitly ordered rule table
// from the resolved open question on §4.4 step 3: each rule is named
// so drift in any one clause is traceable, and the version suffix
// lets a future ruleset replace this one without an implicit rewrite.
var reconcilerRuleSetV1 = []rule{
	{
		name: "user_initiated_cancel_phrase",
		match: func(e *TaskEvent, _ Container, _ bool) bool {
			return e.StopCode == StopCodeUserInitiated && containsAny(e.StoppedReason, "cancel", "abort")
		},
		status: models.StatusCancelled,
	},
	{
		name: "user_initiated_never_started",
		match: func(e *TaskEvent, main Container, hasMain bool) bool {
			return e.StopCode == StopCodeUserInitiated && (!hasMain || main.ExitCode == nil) && main.StartedAt == nil
		},
		status: models.StatusCancelled,
	},
	{
		name: "timeout_phrase",
		match: func(e *TaskEvent, _ Container, _ bool) bool {
			return containsAny(e.StoppedReason, "timeout", "timed out", "exceeded time limit")
		},
		status: models.StatusTimeout,
	},
	{
		name: "error_phrase",
		match: func(e *TaskEvent, _ Container, _ bool) bool {
			return containsAny(e.StoppedReason, "error", "failed", "oom", "out of memory")
		},
		status: models.StatusFailed,
	},
	{
		name: "failed_to_start",
		match: func(e *TaskEvent, _ Container, _ bool) bool {
			return e.StopCode == StopCodeTaskFailedToStart
		},
		status: models.StatusFailed,
	},
	{
		name: "main_container_exit_zero",
		match: func(_ *TaskEvent, main Container, hasMain bool) bool {
			return hasMain && main.ExitCode != nil && *main.ExitCode == 0
		},
		status: models.StatusCompleted,
	},
	{
		name: "main_container_exit_nonzero",
		match: func(_ *TaskEvent, main Container, hasMain bool) bool {
			return hasMain && main.ExitCode != nil && *main.ExitCode != 0
		},
		status: models.StatusFailed,
	},
	{
		name: "spot_or_termination_notice",
		match: func(e *TaskEvent, _ Container, _ bool) bool {
			return e.StopCode == StopCodeSpotInterruption || e.StopCode == StopCodeTerminationNotice
		},
		status: models.StatusFailed,
	},
}

// mapTerminalStatus runs the ordered rule table against e, returning
// the matched rule's name (for logging/metrics) alongside the status.
// Falls through to FAILED, incrementing the caller-visible fallthrough
// counter, when no rule matches.
func mapTerminalStatus(e *TaskEvent) (models.Status, string, bool) {
	main, hasMain := e.mainContainer()
	for _, r := range reconcilerRuleSetV1 {
		if r.match(e, main, hasMain) {
			return r.status, r.name, true
		}
	}
	return models.StatusFailed, "fallthrough_default", false
}
