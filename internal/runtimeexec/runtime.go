package runtimeexec

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/animus-labs/appfabric/internal/domain"
	"github.com/animus-labs/appfabric/internal/runtime"
)

const stoppedRetention = 24 * time.Hour

// Runtime adapts an Executor to the runtime contract. Executors are polled:
// they never push reports, so run progress is observed through Inspect.
type Runtime struct {
	executor Executor
	// stopped remembers runs terminated on request so that their exit is
	// reported as a completed stop rather than a failure.
	stopped *gocache.Cache
}

func NewRuntime(executor Executor) (*Runtime, error) {
	if executor == nil {
		return nil, errors.New("executor is required")
	}
	return &Runtime{
		executor: executor,
		stopped:  gocache.New(stoppedRetention, time.Hour),
	}, nil
}

func (r *Runtime) Kind() string {
	return r.executor.Kind()
}

func (r *Runtime) Start(ctx context.Context, req runtime.StartRequest) error {
	if err := req.Program.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(req.RunID) == "" {
		return errors.New("run id is required")
	}
	spec, err := buildJobSpec(req)
	if err != nil {
		return fmt.Errorf("build job for %s: %w", req.Program, err)
	}
	if err := r.executor.Submit(ctx, spec); err != nil {
		return fmt.Errorf("submit %s run %s to %s: %w", req.Program, req.RunID, r.executor.Kind(), err)
	}
	return nil
}

func (r *Runtime) Stop(ctx context.Context, program domain.ProgramID, runID string) error {
	execution := ExecutionFor(program, runID)
	r.stopped.Set(execution.Name, struct{}{}, gocache.DefaultExpiration)
	if err := r.executor.Terminate(ctx, execution); err != nil {
		if errors.Is(err, runtime.ErrUnknownRun) {
			return err
		}
		r.stopped.Delete(execution.Name)
		return fmt.Errorf("terminate %s run %s: %w", program, runID, err)
	}
	return nil
}

func (r *Runtime) Inspect(ctx context.Context, program domain.ProgramID, runID string) (runtime.Observation, error) {
	execution := ExecutionFor(program, runID)
	obs, err := r.executor.Inspect(ctx, execution)
	_, stopped := r.stopped.Get(execution.Name)
	switch {
	case err == nil && stopped && obs.Status.Terminal():
		obs.Status = runtime.StatusCompleted
		obs.Message = "stopped"
		return obs, nil
	case errors.Is(err, runtime.ErrUnknownRun) && stopped:
		// Deleting a Kubernetes Job removes every trace of it.
		return runtime.Observation{Status: runtime.StatusCompleted, Message: "stopped"}, nil
	case err != nil:
		return runtime.Observation{}, err
	default:
		return obs, nil
	}
}
