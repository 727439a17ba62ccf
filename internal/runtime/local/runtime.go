package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/animus-labs/appfabric/internal/domain"
	"github.com/animus-labs/appfabric/internal/runtime"
)

const (
	Kind = "local"

	// ArgFailInInitialize makes Initialize fail without calling the program.
	ArgFailInInitialize = "fail.in.initialize"

	defaultStopGrace   = 10 * time.Second
	defaultRetention   = time.Hour
	defaultSendTimeout = 5 * time.Second
)

type Options struct {
	// StopGrace is how long a stopped program may take to return before the
	// run is reported KILLED.
	StopGrace time.Duration
	// Retention is how long finished runs stay visible to Inspect.
	Retention time.Duration
	Now       func() time.Time
}

type runKey struct {
	program string
	runID   string
}

type localRun struct {
	cancel     context.CancelFunc
	done       chan struct{}
	status     runtime.Status
	message    string
	stopping   bool
	finishedAt time.Time
}

// Runtime executes registered programs in goroutines and pushes status
// reports to the attached sink.
type Runtime struct {
	registry *Registry
	logger   *slog.Logger
	opts     Options

	mu   sync.Mutex
	sink runtime.Sink
	runs map[runKey]*localRun
	wg   sync.WaitGroup
}

func New(registry *Registry, logger *slog.Logger, opts Options) (*Runtime, error) {
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = defaultStopGrace
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Runtime{
		registry: registry,
		logger:   logger.With("component", "local_runtime"),
		opts:     opts,
		runs:     make(map[runKey]*localRun),
	}, nil
}

// Attach sets the sink that receives run reports.
func (r *Runtime) Attach(sink runtime.Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = sink
}

func (r *Runtime) Kind() string { return Kind }

func (r *Runtime) Start(ctx context.Context, req runtime.StartRequest) error {
	if err := req.Program.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(req.RunID) == "" {
		return errors.New("run id is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	factory, ok := r.registry.factory(req.Spec.Class)
	if !ok {
		return fmt.Errorf("program class %q is not registered", req.Spec.Class)
	}

	key := runKey{program: req.Program.String(), runID: req.RunID}
	runCtx, cancel := context.WithCancel(context.Background())
	run := &localRun{cancel: cancel, done: make(chan struct{}), status: runtime.StatusInitializing}

	r.mu.Lock()
	r.pruneLocked()
	if _, exists := r.runs[key]; exists {
		r.mu.Unlock()
		cancel()
		return fmt.Errorf("run %s of %s already started", req.RunID, req.Program)
	}
	r.runs[key] = run
	r.wg.Add(1)
	r.mu.Unlock()

	go r.execute(runCtx, key, run, req, factory)
	return nil
}

func (r *Runtime) execute(ctx context.Context, key runKey, run *localRun, req runtime.StartRequest, factory Factory) {
	defer r.wg.Done()
	defer close(run.done)
	defer run.cancel()

	logger := r.logger.With("program", key.program, "run_id", key.runID)
	r.transition(ctx, key, run, req, runtime.StatusInitializing, "")

	program := factory()
	pc := Context{
		Program: req.Program,
		RunID:   req.RunID,
		Spec:    req.Spec,
		Args:    cloneArgs(req.Args),
		Logger:  logger,
	}
	if err := r.initialize(ctx, program, pc); err != nil {
		logger.Warn("program initialization failed", "error", err)
		r.transition(ctx, key, run, req, runtime.StatusFailed, err.Error())
		return
	}
	r.transition(ctx, key, run, req, runtime.StatusRunning, "")

	err := safeRun(ctx, program)
	r.mu.Lock()
	stopping := run.stopping
	r.mu.Unlock()
	switch {
	case stopping:
		r.transition(ctx, key, run, req, runtime.StatusCompleted, "stopped")
	case err != nil:
		logger.Warn("program failed", "error", err)
		r.transition(ctx, key, run, req, runtime.StatusFailed, err.Error())
	default:
		r.transition(ctx, key, run, req, runtime.StatusCompleted, "")
	}
}

func (r *Runtime) initialize(ctx context.Context, program Program, pc Context) (err error) {
	if dep, missing := r.registry.missing(pc.Spec.Requires); missing {
		return fmt.Errorf("missing runtime dependency %q", dep)
	}
	if strings.EqualFold(pc.Args[ArgFailInInitialize], "true") {
		return errors.New("initialization failure requested by runtime arguments")
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("initialize panicked: %v", p)
		}
	}()
	return program.Initialize(ctx, pc)
}

func safeRun(ctx context.Context, program Program) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("run panicked: %v", p)
		}
	}()
	return program.Run(ctx)
}

// transition records the new status and delivers it. Once a run is terminal
// later transitions are dropped, so exactly one terminal report is sent.
func (r *Runtime) transition(_ context.Context, key runKey, run *localRun, req runtime.StartRequest, status runtime.Status, message string) {
	r.mu.Lock()
	if run.status.Terminal() {
		r.mu.Unlock()
		return
	}
	run.status = status
	run.message = message
	now := r.opts.Now().UTC()
	if status.Terminal() {
		run.finishedAt = now
	}
	sink := r.sink
	r.mu.Unlock()

	if sink == nil {
		return
	}
	report := runtime.Report{Program: req.Program, RunID: req.RunID, Status: status, Message: message, At: now}
	sendCtx, cancel := context.WithTimeout(context.Background(), defaultSendTimeout)
	defer cancel()
	if err := sink.Deliver(sendCtx, report); err != nil {
		r.logger.Warn("run report not delivered", "program", key.program, "run_id", key.runID, "status", status, "error", err)
	}
}

func (r *Runtime) Stop(ctx context.Context, program domain.ProgramID, runID string) error {
	key := runKey{program: program.String(), runID: runID}
	r.mu.Lock()
	run, ok := r.runs[key]
	if !ok {
		r.mu.Unlock()
		return runtime.ErrUnknownRun
	}
	if run.status.Terminal() || run.stopping {
		r.mu.Unlock()
		return nil
	}
	run.stopping = true
	r.mu.Unlock()

	run.cancel()
	go r.watchStop(key, run, program, runID)
	return nil
}

// watchStop reports the run KILLED when the program ignores cancellation for
// longer than the stop grace period.
func (r *Runtime) watchStop(key runKey, run *localRun, program domain.ProgramID, runID string) {
	timer := time.NewTimer(r.opts.StopGrace)
	defer timer.Stop()
	select {
	case <-run.done:
	case <-timer.C:
		r.logger.Warn("program ignored stop request", "program", key.program, "run_id", runID, "grace", r.opts.StopGrace)
		req := runtime.StartRequest{Program: program, RunID: runID}
		r.transition(context.Background(), key, run, req, runtime.StatusKilled, "stop grace period exceeded")
	}
}

func (r *Runtime) Inspect(_ context.Context, program domain.ProgramID, runID string) (runtime.Observation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runKey{program: program.String(), runID: runID}]
	if !ok {
		return runtime.Observation{}, runtime.ErrUnknownRun
	}
	return runtime.Observation{Status: run.status, Message: run.message}, nil
}

// Shutdown stops every run and waits for the programs to return.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	for _, run := range r.runs {
		if !run.status.Terminal() {
			run.stopping = true
			run.cancel()
		}
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runtime) pruneLocked() {
	cutoff := r.opts.Now().UTC().Add(-r.opts.Retention)
	for key, run := range r.runs {
		if run.status.Terminal() && run.finishedAt.Before(cutoff) {
			delete(r.runs, key)
		}
	}
}

func cloneArgs(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
