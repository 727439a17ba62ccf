package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/animus-labs/appfabric/internal/domain"
	"github.com/animus-labs/appfabric/internal/service/runs"
)

// runTracker is what the syncer needs from the run service.
type runTracker interface {
	Reconcile(ctx context.Context) (runs.ReconcileResult, error)
	ListActive(ctx context.Context) ([]domain.RunRecord, error)
	ReconcileRun(ctx context.Context, program domain.ProgramID, runID string) (domain.RunRecord, error)
}

// runSyncer reconciles expired runs on every tick. For runtimes that do not
// push reports it also polls every active run so that progress is seen
// before the liveness deadline.
type runSyncer struct {
	logger   *slog.Logger
	tracker  runTracker
	interval time.Duration
	poll     bool
	limiter  *rate.Limiter
	now      func() time.Time
}

func newRunSyncer(logger *slog.Logger, tracker runTracker, interval time.Duration, perSecond float64, poll bool) *runSyncer {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if perSecond <= 0 {
		perSecond = 20
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return &runSyncer{
		logger:   logger,
		tracker:  tracker,
		interval: interval,
		poll:     poll,
		limiter:  rate.NewLimiter(rate.Limit(perSecond), burst),
		now:      time.Now,
	}
}

func startRunSyncer(ctx context.Context, s *runSyncer) {
	if s == nil || s.tracker == nil {
		return
	}
	go s.run(ctx)
}

func (s *runSyncer) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncOnce(ctx)
		}
	}
}

func (s *runSyncer) syncOnce(ctx context.Context) {
	if s.poll {
		s.pollActive(ctx)
	}
	result, err := s.tracker.Reconcile(ctx)
	if err != nil {
		s.log("reconcile failed", "error", err)
		return
	}
	if result.Examined > 0 && s.logger != nil {
		s.logger.Info("runs reconciled",
			"component", "run_syncer",
			"examined", result.Examined,
			"refreshed", result.Refreshed,
			"resolved", result.Resolved,
			"failed", result.Failed,
			"errors", result.Errors,
		)
	}
}

// pollActive observes every active run through the runtime. Runs still
// starting and younger than one interval are skipped: their submission may
// not have reached the runtime yet.
func (s *runSyncer) pollActive(ctx context.Context) {
	active, err := s.tracker.ListActive(ctx)
	if err != nil {
		s.log("list active runs failed", "error", err)
		return
	}
	cutoff := s.now().Add(-s.interval)
	for _, run := range active {
		if run.Status == domain.RunStatusStarting && run.StartTime.After(cutoff) {
			continue
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		next, err := s.tracker.ReconcileRun(ctx, run.Program, run.RunID)
		if err != nil {
			s.log("poll run failed", "program", run.Program.String(), "run_id", run.RunID, "error", err)
			continue
		}
		if next.Status != run.Status && s.logger != nil {
			s.logger.Info("run status observed",
				"component", "run_syncer",
				"program", run.Program.String(),
				"run_id", run.RunID,
				"from", string(run.Status),
				"to", string(next.Status),
			)
		}
	}
}

func (s *runSyncer) log(msg string, attrs ...any) {
	if s.logger == nil {
		return
	}
	for i := 0; i+1 < len(attrs); i += 2 {
		if key, ok := attrs[i].(string); ok && key == "error" {
			if err, ok := attrs[i+1].(error); ok && errors.Is(err, context.Canceled) {
				return
			}
		}
	}
	fields := append([]any{"component", "run_syncer"}, attrs...)
	s.logger.Warn(msg, fields...)
}
