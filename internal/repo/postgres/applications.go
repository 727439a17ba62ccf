package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/appfabric/internal/domain"
	"github.com/animus-labs/appfabric/internal/repo"
)

// ApplicationStore persists deployed applications with optimistic revisions.
type ApplicationStore struct {
	db DB
}

func NewApplicationStore(db DB) *ApplicationStore {
	if db == nil {
		return nil
	}
	return &ApplicationStore{db: db}
}

const applicationColumns = `namespace_id, name, artifact_name, artifact_version, spec, owner, config, revision, created_at, updated_at`

func (s *ApplicationStore) ready() error {
	if s == nil || s.db == nil {
		return errNotInitialized("application")
	}
	return nil
}

func (s *ApplicationStore) CreateApplication(ctx context.Context, app domain.Application) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := app.Validate(); err != nil {
		return err
	}
	cfg, err := encodeMetadata(app.Config)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO applications (`+applicationColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,1,$8,$8)`,
		app.ID.Namespace, app.ID.Name,
		app.Artifact.Name, app.Artifact.Version,
		app.Spec, nullIfEmpty(app.Owner), cfg,
		stampUTC(app.CreatedAt),
	); err != nil {
		return insertError("application", err)
	}
	return nil
}

func (s *ApplicationStore) GetApplication(ctx context.Context, id domain.ApplicationID) (domain.Application, error) {
	if err := s.ready(); err != nil {
		return domain.Application{}, err
	}
	if err := id.Validate(); err != nil {
		return domain.Application{}, err
	}
	query, args := newSelect(applicationColumns, "applications").
		eq("namespace_id", id.Namespace).
		eq("name", id.Name).
		build("", 0)
	app, err := scanApplication(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return domain.Application{}, handleNotFound(err)
	}
	return app, nil
}

// UpdateApplication writes app only if the stored revision still equals
// expectedRevision.
func (s *ApplicationStore) UpdateApplication(ctx context.Context, app domain.Application, expectedRevision int64) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := app.Validate(); err != nil {
		return err
	}
	cfg, err := encodeMetadata(app.Config)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	err = expectOne(s.db.ExecContext(ctx,
		`UPDATE applications
		 SET artifact_name = $3, artifact_version = $4, spec = $5, owner = $6, config = $7,
		     revision = revision + 1, updated_at = $8
		 WHERE namespace_id = $1 AND name = $2 AND revision = $9`,
		app.ID.Namespace, app.ID.Name,
		app.Artifact.Name, app.Artifact.Version,
		app.Spec, nullIfEmpty(app.Owner), cfg,
		stampUTC(app.UpdatedAt), expectedRevision,
	))
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, repo.ErrNotFound):
		return fmt.Errorf("update application: %w", err)
	}
	// No row matched: either the application is gone or its revision moved.
	if _, err := s.GetApplication(ctx, app.ID); err != nil {
		return err
	}
	return fmt.Errorf("application %s revision moved past %d: %w", app.ID, expectedRevision, repo.ErrConflict)
}

func (s *ApplicationStore) DeleteApplication(ctx context.Context, id domain.ApplicationID) error {
	if err := s.ready(); err != nil {
		return err
	}
	err := expectOne(s.db.ExecContext(ctx,
		`DELETE FROM applications WHERE namespace_id = $1 AND name = $2`, id.Namespace, id.Name))
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("delete application: %w", err)
	}
	return err
}

func (s *ApplicationStore) ListApplications(ctx context.Context, filter repo.ApplicationFilter) ([]domain.Application, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	query, args, err := buildApplicationListQuery(filter)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	return collect(rows, "applications", scanApplication)
}

// buildApplicationListQuery scopes by namespace, or by the namespace of the
// referenced artifact when one is given.
func buildApplicationListQuery(filter repo.ApplicationFilter) (string, []any, error) {
	namespace := strings.TrimSpace(filter.Namespace)
	if filter.Artifact != nil {
		namespace = filter.Artifact.Namespace
	}
	if namespace == "" {
		return "", nil, fmt.Errorf("namespace or artifact is required")
	}
	q := newSelect(applicationColumns, "applications").eq("namespace_id", namespace)
	if a := filter.Artifact; a != nil {
		q.eq("artifact_name", a.Name).eq("artifact_version", a.Version)
	}
	query, args := q.build("name", filter.Limit)
	return query, args, nil
}

func scanApplication(row rowScanner) (domain.Application, error) {
	var (
		app   domain.Application
		owner sql.NullString
		raw   []byte
	)
	if err := row.Scan(&app.ID.Namespace, &app.ID.Name, &app.Artifact.Name, &app.Artifact.Version, &app.Spec,
		&owner, &raw, &app.Revision, &app.CreatedAt, &app.UpdatedAt); err != nil {
		return domain.Application{}, err
	}
	app.Artifact.Namespace = app.ID.Namespace
	app.Owner = owner.String
	cfg, err := decodeMetadata(raw)
	if err != nil {
		return domain.Application{}, fmt.Errorf("decode config: %w", err)
	}
	app.Config = cfg
	return app, nil
}
