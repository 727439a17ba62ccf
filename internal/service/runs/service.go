package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/appfabric/internal/domain"
	"github.com/animus-labs/appfabric/internal/platform/keylock"
	"github.com/animus-labs/appfabric/internal/platform/metrics"
	"github.com/animus-labs/appfabric/internal/repo"
	"github.com/animus-labs/appfabric/internal/runtime"
	"github.com/animus-labs/appfabric/internal/service"
)

const (
	DefaultStartTimeout       = 2 * time.Minute
	DefaultStopTimeout        = time.Minute
	DefaultHeartbeatTimeout   = 10 * time.Minute
	DefaultRuntimeCallTimeout = 30 * time.Second
	DefaultReconcileBatch     = 500

	// LivenessUnknownReason is recorded on runs the runtime has no record of.
	LivenessUnknownReason = "liveness timeout: runtime has no record of run"

	maxApplyAttempts = 5
	waitPollInterval = time.Second
)

type Config struct {
	StartTimeout       time.Duration
	StopTimeout        time.Duration
	HeartbeatTimeout   time.Duration
	RuntimeCallTimeout time.Duration
	ReconcileBatch     int
}

func (c Config) withDefaults() Config {
	if c.StartTimeout <= 0 {
		c.StartTimeout = DefaultStartTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.RuntimeCallTimeout <= 0 {
		c.RuntimeCallTimeout = DefaultRuntimeCallTimeout
	}
	if c.ReconcileBatch <= 0 {
		c.ReconcileBatch = DefaultReconcileBatch
	}
	return c
}

type RunQuery struct {
	Statuses []domain.RunStatus
	Limit    int
}

type ReconcileResult struct {
	Examined  int
	Refreshed int
	Resolved  int
	Failed    int
	Errors    int
}

type waitKey struct {
	program domain.ProgramID
	runID   string
}

type Service struct {
	apps    repo.ApplicationRepository
	runs    repo.RunRepository
	runtime runtime.Runtime
	locks   *keylock.Locker
	audit   *service.Recorder
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	newID   func() string

	mu      sync.Mutex
	waiters map[waitKey][]chan struct{}
}

// New returns the run tracker. locks must be the per-application locker that
// deploy and deletion use.
func New(apps repo.ApplicationRepository, runs repo.RunRepository, rt runtime.Runtime, locks *keylock.Locker, audit *service.Recorder, cfg Config, logger *slog.Logger) (*Service, error) {
	switch {
	case apps == nil:
		return nil, errors.New("application repository is required")
	case runs == nil:
		return nil, errors.New("run repository is required")
	case rt == nil:
		return nil, errors.New("runtime is required")
	case locks == nil:
		return nil, errors.New("application locker is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		apps:    apps,
		runs:    runs,
		runtime: rt,
		locks:   locks,
		audit:   audit,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		metrics: metrics.Default(),
		now:     time.Now,
		newID:   uuid.NewString,
		waiters: map[waitKey][]chan struct{}{},
	}, nil
}

// Launch records a new STARTING run and asks the runtime to start it. A
// synchronous start failure leaves the run FAILED; the returned record and
// error then both describe it.
//
// The application lock is held until the runtime accepted the run, so a
// concurrent deletion either sees no application or sees the started run.
func (s *Service) Launch(ctx context.Context, program domain.ProgramID, args map[string]string, info service.AuditInfo) (domain.RunRecord, error) {
	if err := program.Validate(); err != nil {
		return domain.RunRecord{}, err
	}
	unlock, err := s.locks.Lock(ctx, program.Application.String())
	if err != nil {
		return domain.RunRecord{}, fmt.Errorf("lock application %s: %w", program.Application, err)
	}
	defer unlock()

	app, programSpec, err := s.programSpec(ctx, program)
	if err != nil {
		return domain.RunRecord{}, err
	}

	now := s.now().UTC()
	run := domain.RunRecord{
		Program:   program,
		RunID:     s.newID(),
		Status:    domain.RunStatusStarting,
		StartTime: now,
		Args:      args,
		Runtime:   s.runtime.Kind(),
		Deadline:  now.Add(s.cfg.StartTimeout),
		UpdatedAt: now,
	}
	if err := s.runs.CreateRun(ctx, run); err != nil {
		return domain.RunRecord{}, fmt.Errorf("create run of %s: %w", program, err)
	}
	s.metrics.RunTransitionsTotal.WithLabelValues("", string(domain.RunStatusStarting)).Inc()
	s.audit.Record(ctx, info, "program.started", "run", run.RunID, domain.Metadata{
		"program": program.String(),
		"runtime": run.Runtime,
		"args":    stringMap(args),
	})
	s.logger.Info("run launched", "program", program.String(), "run_id", run.RunID, "runtime", run.Runtime)

	sctx, cancel := context.WithTimeout(ctx, s.cfg.RuntimeCallTimeout)
	defer cancel()
	startErr := s.runtime.Start(sctx, runtime.StartRequest{
		Program:   program,
		RunID:     run.RunID,
		Spec:      programSpec,
		Artifact:  app.Artifact,
		Args:      args,
		Principal: app.Owner,
	})
	if startErr != nil {
		failed, _, err := s.Report(context.WithoutCancel(ctx), runtime.Report{
			Program: program,
			RunID:   run.RunID,
			Status:  runtime.StatusFailed,
			Message: "start failed: " + startErr.Error(),
			At:      s.now().UTC(),
		})
		if err != nil {
			s.logger.Error("recording start failure failed", "program", program.String(), "run_id", run.RunID, "error", err)
		}
		return failed, fmt.Errorf("start %s run %s: %w", program, run.RunID, startErr)
	}

	current, err := s.GetRun(ctx, program, run.RunID)
	if err != nil {
		return run, nil
	}
	return current, nil
}

func (s *Service) programSpec(ctx context.Context, program domain.ProgramID) (domain.Application, domain.ProgramSpec, error) {
	app, err := s.apps.GetApplication(ctx, program.Application)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Application{}, domain.ProgramSpec{}, fmt.Errorf("%w: %s", domain.ErrApplicationNotFound, program.Application)
		}
		return domain.Application{}, domain.ProgramSpec{}, fmt.Errorf("get application %s: %w", program.Application, err)
	}
	if app.ID != program.Application {
		return domain.Application{}, domain.ProgramSpec{}, fmt.Errorf("%w: lookup of %s returned %s", domain.ErrNamespaceMismatch, program.Application, app.ID)
	}
	spec, err := app.DecodeSpec()
	if err != nil {
		return domain.Application{}, domain.ProgramSpec{}, err
	}
	programSpec, ok := spec.Program(program.Type, program.Name)
	if !ok {
		return domain.Application{}, domain.ProgramSpec{}, fmt.Errorf("%w: %s", domain.ErrProgramNotFound, program)
	}
	return app, programSpec, nil
}

// Deliver implements runtime.Sink.
func (s *Service) Deliver(ctx context.Context, report runtime.Report) error {
	_, _, err := s.Report(ctx, report)
	if errors.Is(err, domain.ErrInvalidTransition) {
		s.logger.Warn("runtime report rejected", "program", report.Program.String(), "run_id", report.RunID, "status", report.Status, "error", err)
		return nil
	}
	return err
}

// Report applies a runtime report. applied is false when the report did not
// change the stored status, including re-delivery of the current status.
// Moving backwards or out of a terminal status is domain.ErrInvalidTransition.
func (s *Service) Report(ctx context.Context, report runtime.Report) (domain.RunRecord, bool, error) {
	if err := report.Validate(); err != nil {
		return domain.RunRecord{}, false, err
	}
	run, applied, err := s.apply(ctx, report.Program, report.RunID, func(current domain.RunRecord) (domain.RunRecord, bool, error) {
		target := mapReport(current.Status, report.Status)
		if target == current.Status {
			if !target.Active() {
				return current, false, nil
			}
			// A live re-delivery is a heartbeat: the deadline moves, the
			// status does not.
			next := s.refresh(current)
			return next, false, nil
		}
		if err := domain.ValidateRunTransition(current.Status, target); err != nil {
			return current, false, fmt.Errorf("run %s of %s: %w", current.RunID, current.Program, err)
		}
		return s.transition(current, target, report.Message), true, nil
	})
	if !applied {
		s.metrics.RunReportsIgnored.Inc()
	}
	return run, applied, err
}

// mapReport turns a runtime status into the run status it implies given the
// current one. Live reports for a run being stopped keep it STOPPING.
func mapReport(current domain.RunStatus, status runtime.Status) domain.RunStatus {
	switch status {
	case runtime.StatusInitializing:
		if current == domain.RunStatusStopping {
			return current
		}
		return domain.RunStatusStarting
	case runtime.StatusRunning:
		if current == domain.RunStatusStopping {
			return current
		}
		return domain.RunStatusRunning
	case runtime.StatusCompleted:
		if current == domain.RunStatusStopping || current == domain.RunStatusStopped {
			return domain.RunStatusStopped
		}
		return domain.RunStatusCompleted
	case runtime.StatusFailed:
		return domain.RunStatusFailed
	case runtime.StatusKilled:
		return domain.RunStatusKilled
	default:
		return current
	}
}

func (s *Service) deadlineFor(status domain.RunStatus, now time.Time) time.Time {
	switch status {
	case domain.RunStatusStarting:
		return now.Add(s.cfg.StartTimeout)
	case domain.RunStatusRunning:
		return now.Add(s.cfg.HeartbeatTimeout)
	case domain.RunStatusStopping:
		return now.Add(s.cfg.StopTimeout)
	default:
		return time.Time{}
	}
}

func (s *Service) transition(current domain.RunRecord, target domain.RunStatus, message string) domain.RunRecord {
	now := s.now().UTC()
	next := current.Clone()
	next.Status = target
	next.UpdatedAt = now
	next.Unverified = false
	next.Deadline = s.deadlineFor(target, now)
	if target.Terminal() {
		next.StopTime = &now
		if target == domain.RunStatusFailed || target == domain.RunStatusKilled {
			next.FailureReason = strings.TrimSpace(message)
		}
	}
	return next
}

func (s *Service) refresh(current domain.RunRecord) domain.RunRecord {
	now := s.now().UTC()
	next := current.Clone()
	next.UpdatedAt = now
	next.Unverified = false
	next.Deadline = s.deadlineFor(current.Status, now)
	return next
}

// apply reads the run, lets decide compute the next record and writes it
// with compare-and-set on the status it was computed from. decide returning
// the current record unchanged skips the write.
func (s *Service) apply(ctx context.Context, program domain.ProgramID, runID string, decide func(current domain.RunRecord) (domain.RunRecord, bool, error)) (domain.RunRecord, bool, error) {
	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		current, err := s.GetRun(ctx, program, runID)
		if err != nil {
			return domain.RunRecord{}, false, err
		}
		next, applied, err := decide(current)
		if err != nil {
			return current, false, err
		}
		if next.Status == current.Status && next.Deadline.Equal(current.Deadline) && next.Unverified == current.Unverified {
			return current, false, nil
		}
		if err := s.runs.UpdateRun(ctx, next, current.Status); err != nil {
			if errors.Is(err, repo.ErrConflict) {
				continue
			}
			if errors.Is(err, repo.ErrNotFound) {
				return domain.RunRecord{}, false, fmt.Errorf("%w: run %s of %s", domain.ErrRunNotFound, runID, program)
			}
			return domain.RunRecord{}, false, fmt.Errorf("update run %s of %s: %w", runID, program, err)
		}
		if next.Status != current.Status {
			s.transitioned(ctx, current, next)
		}
		return next, applied, nil
	}
	return domain.RunRecord{}, false, fmt.Errorf("run %s of %s: status kept changing, giving up after %d attempts: %w", runID, program, maxApplyAttempts, repo.ErrConflict)
}

func (s *Service) transitioned(ctx context.Context, from, to domain.RunRecord) {
	s.metrics.RunTransitionsTotal.WithLabelValues(string(from.Status), string(to.Status)).Inc()
	s.logger.Info("run status changed",
		"program", to.Program.String(),
		"run_id", to.RunID,
		"from", from.Status,
		"to", to.Status,
		"reason", to.FailureReason,
	)
	if to.Status.Terminal() {
		s.audit.Record(ctx, service.AuditInfo{}, "run."+strings.ToLower(string(to.Status)), "run", to.RunID, domain.Metadata{
			"program": to.Program.String(),
			"from":    string(from.Status),
			"reason":  to.FailureReason,
		})
	}
	s.notify(waitKey{program: to.Program, runID: to.RunID})
}

// Stop asks the runtime to stop a run. Stopping a run that is already
// STOPPING or terminal has no effect and returns the current record.
func (s *Service) Stop(ctx context.Context, program domain.ProgramID, runID string, info service.AuditInfo) (domain.RunRecord, error) {
	run, changed, err := s.apply(ctx, program, runID, func(current domain.RunRecord) (domain.RunRecord, bool, error) {
		if !current.Status.Active() || current.Status == domain.RunStatusStopping {
			return current, false, nil
		}
		return s.transition(current, domain.RunStatusStopping, ""), true, nil
	})
	if err != nil {
		return domain.RunRecord{}, err
	}
	if !changed {
		return run, nil
	}
	s.audit.Record(ctx, info, "program.stop_requested", "run", runID, domain.Metadata{"program": program.String()})

	sctx, cancel := context.WithTimeout(ctx, s.cfg.RuntimeCallTimeout)
	defer cancel()
	if err := s.runtime.Stop(sctx, program, runID); err != nil {
		if errors.Is(err, runtime.ErrUnknownRun) {
			// Reconcile resolves the run once the stop deadline passes.
			s.logger.Warn("runtime has no record of stopped run", "program", program.String(), "run_id", runID)
			return run, nil
		}
		return run, fmt.Errorf("stop %s run %s: %w", program, runID, err)
	}
	return run, nil
}

// StopProgram stops every active run of a program.
func (s *Service) StopProgram(ctx context.Context, program domain.ProgramID, info service.AuditInfo) error {
	active, err := s.runs.ListRuns(ctx, repo.RunFilter{Program: &program, Statuses: domain.ActiveRunStatuses()})
	if err != nil {
		return fmt.Errorf("list active runs of %s: %w", program, err)
	}
	var errs []error
	for _, run := range active {
		if _, err := s.Stop(ctx, program, run.RunID, info); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) GetRun(ctx context.Context, program domain.ProgramID, runID string) (domain.RunRecord, error) {
	run, err := s.runs.GetRun(ctx, program, runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.RunRecord{}, fmt.Errorf("%w: run %s of %s", domain.ErrRunNotFound, runID, program)
		}
		return domain.RunRecord{}, fmt.Errorf("get run %s of %s: %w", runID, program, err)
	}
	return run, nil
}

// GetRuns lists runs of a program, newest first.
func (s *Service) GetRuns(ctx context.Context, program domain.ProgramID, query RunQuery) ([]domain.RunRecord, error) {
	if err := program.Validate(); err != nil {
		return nil, err
	}
	if _, _, err := s.programSpec(ctx, program); err != nil {
		return nil, err
	}
	runs, err := s.runs.ListRuns(ctx, repo.RunFilter{Program: &program, Statuses: query.Statuses, Limit: query.Limit})
	if err != nil {
		return nil, fmt.Errorf("list runs of %s: %w", program, err)
	}
	return runs, nil
}

// ProgramStatus is the status of the newest active run, or STOPPED.
func (s *Service) ProgramStatus(ctx context.Context, program domain.ProgramID) (domain.RunStatus, error) {
	active, err := s.GetRuns(ctx, program, RunQuery{Statuses: domain.ActiveRunStatuses(), Limit: 1})
	if err != nil {
		return "", err
	}
	if len(active) == 0 {
		return domain.RunStatusStopped, nil
	}
	return active[0].Status, nil
}

// ActiveRuns lists the non-terminal runs of every program of app.
func (s *Service) ActiveRuns(ctx context.Context, app domain.ApplicationID) ([]domain.RunRecord, error) {
	runs, err := s.runs.ListRuns(ctx, repo.RunFilter{Application: &app, Statuses: domain.ActiveRunStatuses()})
	if err != nil {
		return nil, fmt.Errorf("list active runs of %s: %w", app, err)
	}
	return runs, nil
}

// ListActive lists non-terminal runs across all namespaces, oldest first.
func (s *Service) ListActive(ctx context.Context) ([]domain.RunRecord, error) {
	return s.runs.ListActive(ctx, s.cfg.ReconcileBatch)
}

// PurgeApplication removes the run records of a deleted application.
func (s *Service) PurgeApplication(ctx context.Context, app domain.ApplicationID) (int, error) {
	n, err := s.runs.DeleteRuns(ctx, app)
	if err != nil {
		return 0, fmt.Errorf("delete runs of %s: %w", app, err)
	}
	return n, nil
}

// WaitForTerminal blocks until the run reaches a terminal status or ctx is
// done. Transitions applied by this process wake waiters immediately; others
// are picked up by polling.
func (s *Service) WaitForTerminal(ctx context.Context, program domain.ProgramID, runID string) (domain.RunRecord, error) {
	key := waitKey{program: program, runID: runID}
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()
	for {
		ch := s.subscribe(key)
		run, err := s.GetRun(ctx, program, runID)
		if err != nil {
			s.unsubscribe(key, ch)
			return domain.RunRecord{}, err
		}
		if run.Status.Terminal() {
			s.unsubscribe(key, ch)
			return run, nil
		}
		select {
		case <-ch:
		case <-ticker.C:
			s.unsubscribe(key, ch)
		case <-ctx.Done():
			s.unsubscribe(key, ch)
			return run, ctx.Err()
		}
	}
}

func (s *Service) subscribe(key waitKey) chan struct{} {
	ch := make(chan struct{})
	s.mu.Lock()
	s.waiters[key] = append(s.waiters[key], ch)
	s.mu.Unlock()
	return ch
}

func (s *Service) unsubscribe(key waitKey, ch chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.waiters[key]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.waiters, key)
		return
	}
	s.waiters[key] = list
}

func (s *Service) notify(key waitKey) {
	s.mu.Lock()
	list := s.waiters[key]
	delete(s.waiters, key)
	s.mu.Unlock()
	for _, ch := range list {
		close(ch)
	}
}

func stringMap(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
