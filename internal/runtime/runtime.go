// Package runtime defines the contract between the run tracker and the
// systems that execute programs.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/appfabric/internal/domain"
)

// ErrUnknownRun is returned by Inspect when the runtime has no record of a run.
var ErrUnknownRun = errors.New("runtime has no record of run")

// Status is what a runtime reports about a run.
type Status string

const (
	StatusInitializing Status = "INITIALIZING"
	StatusRunning      Status = "RUNNING"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
	StatusKilled       Status = "KILLED"
)

func ParseStatus(value string) (Status, error) {
	status := Status(strings.ToUpper(strings.TrimSpace(value)))
	if !status.Valid() {
		return "", fmt.Errorf("unknown runtime status %q", value)
	}
	return status, nil
}

func (s Status) Valid() bool {
	switch s {
	case StatusInitializing, StatusRunning, StatusCompleted, StatusFailed, StatusKilled:
		return true
	default:
		return false
	}
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusKilled
}

type Report struct {
	Program domain.ProgramID
	RunID   string
	Status  Status
	Message string
	At      time.Time
}

func (r Report) Validate() error {
	if err := r.Program.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(r.RunID) == "" {
		return errors.New("run id is required")
	}
	if !r.Status.Valid() {
		return fmt.Errorf("invalid runtime status %q", r.Status)
	}
	return nil
}

// Sink receives reports pushed by a runtime.
type Sink interface {
	Deliver(ctx context.Context, report Report) error
}

type SinkFunc func(ctx context.Context, report Report) error

func (f SinkFunc) Deliver(ctx context.Context, report Report) error {
	return f(ctx, report)
}

type StartRequest struct {
	Program  domain.ProgramID
	RunID    string
	Spec     domain.ProgramSpec
	Artifact domain.ArtifactID
	Args     map[string]string
	// Principal is the identity the program executes as; empty means the
	// runtime's own identity.
	Principal string
}

// Observation is the runtime's authoritative view of a run.
type Observation struct {
	Status  Status
	Message string
	Details map[string]any
}

// Runtime executes programs. Start returns once the launch has been
// accepted; progress arrives later through a Sink or through Inspect.
type Runtime interface {
	Kind() string
	Start(ctx context.Context, req StartRequest) error
	Stop(ctx context.Context, program domain.ProgramID, runID string) error
	Inspect(ctx context.Context, program domain.ProgramID, runID string) (Observation, error)
}

// Pusher is implemented by runtimes that deliver reports through a Sink.
// Runtimes that do not implement it have to be polled with Inspect.
type Pusher interface {
	Attach(sink Sink)
}
