package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/appfabric/internal/domain"
	"github.com/animus-labs/appfabric/internal/repo"
)

// RunStore persists program runs. Updates are conditional on the status the
// caller last observed.
type RunStore struct {
	db  DB
	now func() time.Time
}

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db, now: time.Now}
}

const runColumns = `namespace_id, app_name, program_type, program_name, run_id, status, start_time, stop_time,
	failure_reason, args, runtime, deadline, unverified, updated_at`

// activeStatuses are the statuses a run can leave without outside help.
var activeStatuses = []string{
	string(domain.RunStatusStarting),
	string(domain.RunStatusRunning),
	string(domain.RunStatusStopping),
}

func (s *RunStore) ready() error {
	if s == nil || s.db == nil {
		return errNotInitialized("run")
	}
	return nil
}

// runKey scopes q to a single program.
func runKey(q *selectQuery, p domain.ProgramID) *selectQuery {
	return q.eq("namespace_id", p.Application.Namespace).
		eq("app_name", p.Application.Name).
		eq("program_type", string(p.Type)).
		eq("program_name", p.Name)
}

func (s *RunStore) CreateRun(ctx context.Context, run domain.RunRecord) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := run.Validate(); err != nil {
		return err
	}
	args, err := encodeStrings(run.Args)
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	p := run.Program
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO program_runs (`+runColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		p.Application.Namespace, p.Application.Name, string(p.Type), p.Name,
		strings.TrimSpace(run.RunID), string(run.Status),
		run.StartTime.UTC(), nullTime(run.StopTime),
		nullIfEmpty(run.FailureReason), args, nullIfEmpty(run.Runtime),
		nullDeadline(run.Deadline), run.Unverified,
		s.now().UTC(),
	); err != nil {
		return insertError("run", err)
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, program domain.ProgramID, runID string) (domain.RunRecord, error) {
	if err := s.ready(); err != nil {
		return domain.RunRecord{}, err
	}
	if runID = strings.TrimSpace(runID); runID == "" {
		return domain.RunRecord{}, fmt.Errorf("run id is required")
	}
	query, args := runKey(newSelect(runColumns, "program_runs"), program).eq("run_id", runID).build("", 0)
	run, err := scanRun(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return domain.RunRecord{}, handleNotFound(err)
	}
	return run, nil
}

func (s *RunStore) UpdateRun(ctx context.Context, run domain.RunRecord, expected domain.RunStatus) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := run.Validate(); err != nil {
		return err
	}
	args, err := encodeStrings(run.Args)
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	p := run.Program
	err = expectOne(s.db.ExecContext(ctx,
		`UPDATE program_runs
		 SET status = $6, stop_time = $7, failure_reason = $8, args = $9, runtime = $10,
		     deadline = $11, unverified = $12, updated_at = $13
		 WHERE namespace_id = $1 AND app_name = $2 AND program_type = $3 AND program_name = $4 AND run_id = $5
		   AND status = $14`,
		p.Application.Namespace, p.Application.Name, string(p.Type), p.Name,
		strings.TrimSpace(run.RunID), string(run.Status),
		nullTime(run.StopTime), nullIfEmpty(run.FailureReason), args, nullIfEmpty(run.Runtime),
		nullDeadline(run.Deadline), run.Unverified,
		s.now().UTC(), string(expected),
	))
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, repo.ErrNotFound):
		return fmt.Errorf("update run: %w", err)
	}
	current, err := s.GetRun(ctx, run.Program, run.RunID)
	if err != nil {
		return err
	}
	return fmt.Errorf("run %s is %s, expected %s: %w", run.RunID, current.Status, expected, repo.ErrConflict)
}

func (s *RunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.RunRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	query, args, err := buildRunListQuery(filter)
	if err != nil {
		return nil, err
	}
	return s.queryRuns(ctx, query, args...)
}

func (s *RunStore) DeleteRuns(ctx context.Context, app domain.ApplicationID) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM program_runs WHERE namespace_id = $1 AND app_name = $2`, app.Namespace, app.Name)
	if err != nil {
		return 0, fmt.Errorf("delete runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete runs: %w", err)
	}
	return int(n), nil
}

// ListExpired returns active runs whose liveness deadline passed before now,
// oldest deadline first.
func (s *RunStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.RunRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	q := newSelect(runColumns, "program_runs").in("status", activeStatuses)
	q.where = append(q.where, "deadline IS NOT NULL", "deadline < "+q.param(now.UTC()))
	query, args := q.build("deadline", limit)
	return s.queryRuns(ctx, query, args...)
}

func (s *RunStore) ListActive(ctx context.Context, limit int) ([]domain.RunRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	query, args := newSelect(runColumns, "program_runs").in("status", activeStatuses).build("start_time", limit)
	return s.queryRuns(ctx, query, args...)
}

func (s *RunStore) queryRuns(ctx context.Context, query string, args ...any) ([]domain.RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return collect(rows, "runs", scanRun)
}

// buildRunListQuery lists runs of one program, or of every program of an
// application, newest first.
func buildRunListQuery(filter repo.RunFilter) (string, []any, error) {
	q := newSelect(runColumns, "program_runs")
	switch {
	case filter.Program != nil:
		runKey(q, *filter.Program)
	case filter.Application != nil:
		q.eq("namespace_id", filter.Application.Namespace).eq("app_name", filter.Application.Name)
	default:
		return "", nil, fmt.Errorf("program or application is required")
	}
	statuses := make([]string, len(filter.Statuses))
	for i, st := range filter.Statuses {
		statuses[i] = string(st)
	}
	query, args := q.in("status", statuses).build("start_time DESC, run_id DESC", filter.Limit)
	return query, args, nil
}

func scanRun(row rowScanner) (domain.RunRecord, error) {
	var (
		run              domain.RunRecord
		kind, status     string
		stopped, expires sql.NullTime
		reason, runtime  sql.NullString
		rawArgs          []byte
	)
	p := &run.Program
	if err := row.Scan(&p.Application.Namespace, &p.Application.Name, &kind, &p.Name,
		&run.RunID, &status, &run.StartTime, &stopped, &reason, &rawArgs,
		&runtime, &expires, &run.Unverified, &run.UpdatedAt); err != nil {
		return domain.RunRecord{}, err
	}
	p.Type = domain.ProgramType(kind)
	run.Status = domain.RunStatus(status)
	if stopped.Valid {
		at := stopped.Time.UTC()
		run.StopTime = &at
	}
	run.FailureReason = reason.String
	run.Runtime = runtime.String
	if expires.Valid {
		run.Deadline = expires.Time.UTC()
	}
	args, err := decodeStrings(rawArgs)
	if err != nil {
		return domain.RunRecord{}, fmt.Errorf("decode args: %w", err)
	}
	run.Args = args
	return run, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullDeadline(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
