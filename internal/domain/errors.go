package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNamespaceNotFound   = errors.New("namespace not found")
	ErrNamespaceExists     = errors.New("namespace already exists")
	ErrNamespaceNotEmpty   = errors.New("namespace still has applications")
	ErrNamespaceMismatch   = errors.New("namespace mismatch")
	ErrOwnerMismatch       = errors.New("owner mismatch")
	ErrArtifactNotFound    = errors.New("artifact not found")
	ErrArtifactConflict    = errors.New("artifact exists with different content")
	ErrArtifactInUse       = errors.New("artifact in use")
	ErrApplicationNotFound = errors.New("application not found")
	ErrProgramNotFound     = errors.New("program not found")
	ErrInstantiation       = errors.New("instantiation failed")
	ErrDuplicateCommit     = errors.New("concurrent application commit")
	ErrRunNotFound         = errors.New("run record not found")
	ErrInvalidTransition   = errors.New("invalid run status transition")
	ErrLivenessTimeout     = errors.New("liveness timeout")
)

// OwnerMismatchError is returned when a redeploy presents a principal that
// differs from the owner pinned on the application.
type OwnerMismatchError struct {
	Application ApplicationID
	Existing    string
	Requested   string
}

func (e *OwnerMismatchError) Error() string {
	requested := e.Requested
	if requested == "" {
		requested = "<none>"
	}
	return fmt.Sprintf("%s: application %s is owned by %q, deploy requested as %q", ErrOwnerMismatch, e.Application, e.Existing, requested)
}

func (e *OwnerMismatchError) Is(target error) bool {
	return target == ErrOwnerMismatch
}

// InstantiationError wraps the reason an artifact could not be turned into an
// application specification.
type InstantiationError struct {
	Artifact ArtifactID
	Cause    error
}

func (e *InstantiationError) Error() string {
	return fmt.Sprintf("%s: artifact %s: %v", ErrInstantiation, e.Artifact, e.Cause)
}

func (e *InstantiationError) Unwrap() error {
	return e.Cause
}

func (e *InstantiationError) Is(target error) bool {
	return target == ErrInstantiation
}

// LivenessTimeoutError marks a run that received no report from the runtime
// before its deadline.
type LivenessTimeoutError struct {
	Program  ProgramID
	RunID    string
	Status   RunStatus
	Deadline time.Time
}

func (e *LivenessTimeoutError) Error() string {
	return fmt.Sprintf("%s: run %s of %s still %s after %s", ErrLivenessTimeout, e.RunID, e.Program, e.Status, e.Deadline.UTC().Format(time.RFC3339))
}

func (e *LivenessTimeoutError) Is(target error) bool {
	return target == ErrLivenessTimeout
}
