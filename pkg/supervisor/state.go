package supervisor

import (
	"fmt"
)

// ProcessState is the lifecycle of a ManagedProcess.
type ProcessState string

const (
	StateStarting   ProcessState = "starting"
	StateRunning    ProcessState = "running"
	StateStopping   ProcessState = "stopping"
	StateTerminated ProcessState = "terminated"
)

// Stopping is reachable from Starting as well, for a stop requested before
// the OS confirmed the process.
var allowedTransitions = map[ProcessState][]ProcessState{
	StateStarting: {StateRunning, StateStopping, StateTerminated},
	StateRunning:  {StateStopping, StateTerminated},
	StateStopping: {StateTerminated},
}

func canTransition(from, to ProcessState) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func validateTransition(from, to ProcessState) error {
	if !canTransition(from, to) {
		return fmt.Errorf("invalid state transition %s -> %s", from, to)
	}
	return nil
}
