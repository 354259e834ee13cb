// Package state holds the execution status machine. The store consults it
// before every status write, so an illegal transition can never reach the
// database regardless of which component requested it.
package state

import (
	"fmt"

	"github.com/waveflow-go/internal/domain/workflow"
)

var validTransitions = map[workflow.Status][]workflow.Status{
	workflow.StatusPending: {
		workflow.StatusRunning,
	},
	workflow.StatusRunning: {
		workflow.StatusCompleted,
		workflow.StatusFailed,
		workflow.StatusCancelled,
		workflow.StatusPendingApproval,
	},
	workflow.StatusPendingApproval: {
		workflow.StatusRunning,
		workflow.StatusCancelled,
	},
	// COMPLETED, FAILED and CANCELLED are terminal.
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to workflow.Status) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Guard returns an error describing the violation when from -> to is not
// legal, nil otherwise.
func Guard(from, to workflow.Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("illegal status transition %s -> %s", from, to)
	}
	return nil
}
