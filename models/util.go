package models

import (
	"github.com/google/uuid"
)

// GenerateID returns a fresh random identifier, used wherever a caller
// does not supply one of their own (dispatch_id, slot_id, workspace_id).
func GenerateID() string {
	return uuid.New().String()
}
