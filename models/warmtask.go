package models

import "time"

// SlotState is the lifecycle state of a WarmTask slot.
type SlotState string

const (
	SlotIdle     SlotState = "idle"
	SlotInUse    SlotState = "in_use"
	SlotDraining SlotState = "draining"
)

// WarmTask is a pre-provisioned task slot owned exclusively by WarmPool.
type WarmTask struct {
	SlotID            string
	AgentKind         AgentKind
	State             SlotState
	CreatedAt         time.Time
	LastUsedAt        time.Time
	CurrentDispatchID string // empty when not bound to a dispatch
}

// ReturnOutcome describes how a checked-out slot finished its work, used
// by WarmPool.Return to decide whether to drain the slot.
type ReturnOutcome string

const (
	OutcomeCompleted ReturnOutcome = "completed"
	OutcomeFaulted    ReturnOutcome = "faulted"
)
