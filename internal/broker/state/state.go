// Package state defines the task lifecycle transition rules.
//
// Lease operations (reserve, unlock, complete, verify) drive most transitions
// through their own conditional updates; this table vets the manual status
// changes accepted by task updates.
package state

import (
	"fmt"

	"github.com/dispatchd/dispatchd/internal/broker/models"
	apperrors "github.com/dispatchd/dispatchd/internal/common/errors"
)

// transitions lists the allowed manual status changes.
var transitions = map[models.TaskStatus][]models.TaskStatus{
	models.TaskStatusAvailable:  {models.TaskStatusInProgress, models.TaskStatusBlocked, models.TaskStatusCancelled},
	models.TaskStatusInProgress: {models.TaskStatusAvailable, models.TaskStatusComplete, models.TaskStatusCancelled},
	models.TaskStatusBlocked:    {models.TaskStatusAvailable, models.TaskStatusCancelled},
	// Completed tasks can be re-opened for rework or picked up for
	// verification; verified completion is final except for reopening.
	models.TaskStatusComplete:  {models.TaskStatusInProgress, models.TaskStatusAvailable},
	models.TaskStatusCancelled: {models.TaskStatusAvailable},
}

// CanTransition reports whether from -> to is an allowed manual change.
// Self-transitions are allowed and treated as no-ops by callers.
func CanTransition(from, to models.TaskStatus) bool {
	if from == to {
		return true
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns a conflict error when the change is not allowed.
func ValidateTransition(taskID int64, from, to models.TaskStatus) error {
	if !to.Valid() {
		return apperrors.ValidationError("task_status", fmt.Sprintf("unknown status '%s'", to))
	}
	if !CanTransition(from, to) {
		return apperrors.Conflict(fmt.Sprintf("task %d cannot change status from %s to %s", taskID, from, to))
	}
	return nil
}
