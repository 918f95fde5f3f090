package domain

import (
	"fmt"

	"github.com/pulsecrm/engine/internal/domain/models"
)

// InstanceTransition is an action that can change instance state
type InstanceTransition string

const (
	// TransitionStart moves a freshly created instance into execution
	TransitionStart InstanceTransition = "Start"
	// TransitionWait parks the instance on a human task
	TransitionWait InstanceTransition = "Wait"
	// TransitionSuspend parks the instance on a delay or child workflow
	TransitionSuspend InstanceTransition = "Suspend"
	// TransitionPause is the explicit operator pause
	TransitionPause InstanceTransition = "Pause"
	// TransitionResume returns a parked instance to execution
	TransitionResume InstanceTransition = "Resume"
	// TransitionComplete marks the instance completed
	TransitionComplete InstanceTransition = "Complete"
	// TransitionFail marks the instance failed
	TransitionFail InstanceTransition = "Fail"
	// TransitionCancel is the explicit operator cancel
	TransitionCancel InstanceTransition = "Cancel"
	// TransitionRetry restarts a failed instance (operator action)
	TransitionRetry InstanceTransition = "Retry"
)

// InstanceStateMachine enforces valid status transitions for workflow
// instances. Invalid transitions return an error (fail-fast approach).
//
// State diagram:
//
//	 [Pending] ──Start──► [Running] ◄────Resume────┐
//	                        │  │  │                │
//	                     Wait Suspend Pause        │
//	                        │  │  │                │
//	                        ▼  ▼  ▼                │
//	      [WaitingForInput] [Suspended] [Paused] ──┘
//
//	Running ──Complete──► [Completed]
//	Running/parked ──Fail──► [Failed] ──Retry──► [Running]
//	Any non-terminal ──Cancel──► [Cancelled]
type InstanceStateMachine struct {
	// transitions maps (current status, transition) -> next status
	transitions map[stateTransitionKey]string
}

type stateTransitionKey struct {
	status     string
	transition InstanceTransition
}

// NewInstanceStateMachine creates the state machine with the instance
// lifecycle rules.
func NewInstanceStateMachine() *InstanceStateMachine {
	sm := &InstanceStateMachine{
		transitions: make(map[stateTransitionKey]string),
	}

	sm.add(models.InstanceStatusPending, TransitionStart, models.InstanceStatusRunning)
	sm.add(models.InstanceStatusPending, TransitionCancel, models.InstanceStatusCancelled)

	sm.add(models.InstanceStatusRunning, TransitionWait, models.InstanceStatusWaitingForInput)
	sm.add(models.InstanceStatusRunning, TransitionSuspend, models.InstanceStatusSuspended)
	sm.add(models.InstanceStatusRunning, TransitionPause, models.InstanceStatusPaused)
	sm.add(models.InstanceStatusRunning, TransitionComplete, models.InstanceStatusCompleted)
	sm.add(models.InstanceStatusRunning, TransitionFail, models.InstanceStatusFailed)
	sm.add(models.InstanceStatusRunning, TransitionCancel, models.InstanceStatusCancelled)

	for _, parked := range []string{
		models.InstanceStatusWaitingForInput,
		models.InstanceStatusSuspended,
		models.InstanceStatusPaused,
	} {
		sm.add(parked, TransitionResume, models.InstanceStatusRunning)
		sm.add(parked, TransitionFail, models.InstanceStatusFailed)
		sm.add(parked, TransitionCancel, models.InstanceStatusCancelled)
	}

	sm.add(models.InstanceStatusFailed, TransitionRetry, models.InstanceStatusRunning)

	return sm
}

func (sm *InstanceStateMachine) add(from string, via InstanceTransition, to string) {
	sm.transitions[stateTransitionKey{status: from, transition: via}] = to
}

// Transition attempts to move from the current status using the given action.
// Returns the new status or an error if the transition is invalid.
func (sm *InstanceStateMachine) Transition(current string, action InstanceTransition) (string, error) {
	next, ok := sm.transitions[stateTransitionKey{status: current, transition: action}]
	if !ok {
		return current, fmt.Errorf("invalid state transition: cannot %s from %s", action, current)
	}
	return next, nil
}

// CanTransition checks if a transition is valid without performing it.
func (sm *InstanceStateMachine) CanTransition(current string, action InstanceTransition) bool {
	_, ok := sm.transitions[stateTransitionKey{status: current, transition: action}]
	return ok
}

// IsTerminal returns true if the status admits no further transitions.
func (sm *InstanceStateMachine) IsTerminal(status string) bool {
	return status == models.InstanceStatusCompleted || status == models.InstanceStatusCancelled
}
