// Package runtimeexec runs programs as containers through Docker or as
// Kubernetes Jobs and exposes them through the runtime contract.
package runtimeexec

import (
	"context"
	"errors"

	"github.com/animus-labs/appfabric/internal/domain"
	"github.com/animus-labs/appfabric/internal/runtime"
)

// Executor is the container-level surface an execution backend provides.
// Inspect returns runtime.ErrUnknownRun when the backend has no trace of the
// execution.
type Executor interface {
	Kind() string
	Submit(ctx context.Context, spec JobSpec) error
	Inspect(ctx context.Context, execution Execution) (runtime.Observation, error)
	Terminate(ctx context.Context, execution Execution) error
}

type JobSpec struct {
	Execution
	Image       string
	Env         map[string]string
	Resources   map[string]string
	Instances   int
	Labels      map[string]string
	Annotations map[string]string
}

// Execution names the backend object that carries one run.
type Execution struct {
	Program domain.ProgramID
	RunID   string
	Name    string
}

var ErrImageRequired = errors.New("program image is required")
