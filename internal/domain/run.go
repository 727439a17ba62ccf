package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// RunStatus is the status of a single launch attempt.
type RunStatus string

const (
	RunStatusStarting  RunStatus = "STARTING"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusStopping  RunStatus = "STOPPING"
	RunStatusStopped   RunStatus = "STOPPED"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusKilled    RunStatus = "KILLED"
)

var runTransitions = map[RunStatus][]RunStatus{
	RunStatusStarting:  {RunStatusRunning, RunStatusStopping, RunStatusCompleted, RunStatusFailed, RunStatusKilled},
	RunStatusRunning:   {RunStatusStopping, RunStatusCompleted, RunStatusFailed, RunStatusKilled},
	RunStatusStopping:  {RunStatusStopped, RunStatusFailed, RunStatusKilled},
	RunStatusStopped:   {},
	RunStatusCompleted: {},
	RunStatusFailed:    {},
	RunStatusKilled:    {},
}

// ParseRunStatus maps free-form status values to canonical run statuses.
func ParseRunStatus(value string) (RunStatus, error) {
	status := RunStatus(strings.ToUpper(strings.TrimSpace(value)))
	if _, ok := runTransitions[status]; !ok {
		return "", fmt.Errorf("unknown run status %q", value)
	}
	return status, nil
}

func (s RunStatus) Valid() bool {
	_, ok := runTransitions[s]
	return ok
}

// Terminal reports whether no further transition is possible.
func (s RunStatus) Terminal() bool {
	allowed, ok := runTransitions[s]
	return ok && len(allowed) == 0
}

// Active reports whether the run still occupies the program.
func (s RunStatus) Active() bool {
	return s.Valid() && !s.Terminal()
}

// ActiveRunStatuses lists the non-terminal statuses.
func ActiveRunStatuses() []RunStatus {
	return []RunStatus{RunStatusStarting, RunStatusRunning, RunStatusStopping}
}

// CanTransitionRun returns true when moving from one status to the next is allowed.
func CanTransitionRun(from, to RunStatus) bool {
	for _, candidate := range runTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// ValidateRunTransition ensures a run status transition is valid. Staying in
// the same status is accepted so re-delivered reports are harmless.
func ValidateRunTransition(from, to RunStatus) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("%w: %q -> %q", ErrInvalidTransition, from, to)
	}
	if from == to {
		return nil
	}
	if !CanTransitionRun(from, to) {
		return fmt.Errorf("%w: %q -> %q", ErrInvalidTransition, from, to)
	}
	return nil
}

// RunRecord is the per-launch status record of a program.
//
// Deadline bounds how long the current non-terminal status is trusted without
// a report from the runtime. Unverified is set once the deadline has passed
// and cleared when the runtime's state has been re-checked.
type RunRecord struct {
	Program       ProgramID
	RunID         string
	Status        RunStatus
	StartTime     time.Time
	StopTime      *time.Time
	FailureReason string
	Args          map[string]string
	Runtime       string
	Deadline      time.Time
	Unverified    bool
	UpdatedAt     time.Time
}

func (r RunRecord) Validate() error {
	if err := r.Program.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(r.RunID) == "" {
		return errors.New("run id is required")
	}
	if !r.Status.Valid() {
		return fmt.Errorf("invalid run status %q", r.Status)
	}
	if r.StartTime.IsZero() {
		return errors.New("start time is required")
	}
	return nil
}

// Clone returns a copy that shares no mutable state with r.
func (r RunRecord) Clone() RunRecord {
	out := r
	out.Args = cloneStrings(r.Args)
	if r.StopTime != nil {
		stop := *r.StopTime
		out.StopTime = &stop
	}
	return out
}
