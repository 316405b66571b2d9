// Package governor runs the governance control loop: it owns the queue
// registry and the alert manager, periodically feeds queue health into the
// alert rules, and drives every queue through pause, resume, and shutdown
// together.
//
// # Lifecycle
//
// A [Service] moves through a finite state machine validated against
// [validTransitions]:
//
//	Unknown → Starting → Running ⇄ Paused → Stopping → Stopped
//
// Any state before Stopped may move to Failed when a fan-out over the
// queues fails. A failed service can still be stopped, which closes its
// queues. Stopped is final because stopping closes and forgets every queue.
//
// # Monitoring
//
// While running, the monitor loop calls [Service.CheckNow] every monitor
// interval. The loop skips cycles while the service is paused. Outcomes
// reach the alert rules through [Service.ForwardOutcome], which has the
// shape of a queue outcome handler.
package governor

import "slices"

// State is the lifecycle state of a Service.
type State string

const (
	// StateUnknown is the state of a service that has never been started.
	StateUnknown State = "unknown"

	// StateStarting is held while Start launches the monitor loop.
	StateStarting State = "starting"

	// StateRunning means the monitor loop is running.
	StateRunning State = "running"

	// StatePaused means every queue was paused and monitoring is skipped.
	StatePaused State = "paused"

	// StateStopping is held while Stop ends the loop and closes the queues.
	StateStopping State = "stopping"

	// StateStopped is final.
	StateStopped State = "stopped"

	// StateFailed means a fan-out over the queues failed. Stop is the only
	// way out.
	StateFailed State = "failed"
)

func (s State) String() string { return string(s) }

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateUnknown, StateStarting, StateRunning, StatePaused,
		StateStopping, StateStopped, StateFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is Stopped or Failed.
func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateFailed
}

// validTransitions is the service state machine:
//
//	Unknown  → Starting, Failed
//	Starting → Running, Stopping, Failed
//	Running  → Paused, Stopping, Failed
//	Paused   → Running, Stopping, Failed
//	Stopping → Stopped, Failed
//	Failed   → Stopping
var validTransitions = map[State][]State{
	StateUnknown:  {StateStarting, StateFailed},
	StateStarting: {StateRunning, StateStopping, StateFailed},
	StateRunning:  {StatePaused, StateStopping, StateFailed},
	StatePaused:   {StateRunning, StateStopping, StateFailed},
	StateStopping: {StateStopped, StateFailed},
	StateFailed:   {StateStopping},
}

// ValidTransition reports whether the service may move from from to to.
// Same-state transitions are rejected.
func ValidTransition(from, to State) bool {
	if from == to {
		return false
	}
	return slices.Contains(validTransitions[from], to)
}
