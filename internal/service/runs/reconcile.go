package runs

import (
	"context"
	"errors"
	"fmt"

	"github.com/animus-labs/appfabric/internal/domain"
	"github.com/animus-labs/appfabric/internal/runtime"
)

const (
	outcomeRefreshed = "refreshed"
	outcomeResolved  = "resolved"
	outcomeFailed    = "failed"
	outcomeError     = "error"
)

// Reconcile checks every active run whose deadline has passed against the
// runtime. Per-run errors are counted and logged; the run stays expired and
// is retried on the next pass.
func (s *Service) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var result ReconcileResult
	expired, err := s.runs.ListExpired(ctx, s.now().UTC(), s.cfg.ReconcileBatch)
	if err != nil {
		return result, fmt.Errorf("list expired runs: %w", err)
	}
	for _, run := range expired {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Examined++
		outcome, _, err := s.reconcile(ctx, run)
		s.metrics.ReconcileTotal.WithLabelValues(outcome).Inc()
		switch outcome {
		case outcomeRefreshed:
			result.Refreshed++
		case outcomeResolved:
			result.Resolved++
		case outcomeFailed:
			result.Failed++
		default:
			result.Errors++
			s.logger.Warn("run reconcile failed",
				"program", run.Program.String(),
				"run_id", run.RunID,
				"error", err,
			)
		}
	}
	return result, nil
}

// ReconcileRun checks one active run against the runtime regardless of its
// deadline and returns the record that results.
func (s *Service) ReconcileRun(ctx context.Context, program domain.ProgramID, runID string) (domain.RunRecord, error) {
	run, err := s.GetRun(ctx, program, runID)
	if err != nil {
		return domain.RunRecord{}, err
	}
	if !run.Status.Active() {
		return run, nil
	}
	_, next, err := s.reconcile(ctx, run)
	return next, err
}

func (s *Service) reconcile(ctx context.Context, run domain.RunRecord) (string, domain.RunRecord, error) {
	marked, _, err := s.apply(ctx, run.Program, run.RunID, func(current domain.RunRecord) (domain.RunRecord, bool, error) {
		if !current.Status.Active() {
			return current, false, nil
		}
		next := current.Clone()
		next.Unverified = true
		return next, true, nil
	})
	if err != nil {
		return outcomeError, run, err
	}
	if !marked.Status.Active() {
		return outcomeResolved, marked, nil
	}

	ictx, cancel := context.WithTimeout(ctx, s.cfg.RuntimeCallTimeout)
	obs, err := s.runtime.Inspect(ictx, run.Program, run.RunID)
	cancel()

	if errors.Is(err, runtime.ErrUnknownRun) {
		timeout := &domain.LivenessTimeoutError{Program: marked.Program, RunID: marked.RunID, Status: marked.Status, Deadline: marked.Deadline}
		s.logger.Warn("run lost by runtime", "program", run.Program.String(), "run_id", run.RunID, "error", timeout)
		next, _, err := s.apply(ctx, run.Program, run.RunID, func(current domain.RunRecord) (domain.RunRecord, bool, error) {
			if !current.Status.Active() {
				return current, false, nil
			}
			return s.transition(current, domain.RunStatusFailed, LivenessUnknownReason), true, nil
		})
		if err != nil {
			return outcomeError, marked, err
		}
		return outcomeFailed, next, nil
	}
	if err != nil {
		return outcomeError, marked, fmt.Errorf("inspect run %s of %s: %w", run.RunID, run.Program, err)
	}

	next, _, err := s.apply(ctx, run.Program, run.RunID, func(current domain.RunRecord) (domain.RunRecord, bool, error) {
		if !current.Status.Active() {
			return current, false, nil
		}
		target := mapReport(current.Status, obs.Status)
		if target == current.Status || domain.ValidateRunTransition(current.Status, target) != nil {
			return s.refresh(current), true, nil
		}
		return s.transition(current, target, obs.Message), true, nil
	})
	if err != nil {
		return outcomeError, marked, err
	}
	if next.Status.Terminal() {
		return outcomeResolved, next, nil
	}
	return outcomeRefreshed, next, nil
}
