package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/appfabric/internal/domain"
	"github.com/animus-labs/appfabric/internal/repo"
)

// ArtifactStore keeps artifact metadata; the bytes live in the object store.
type ArtifactStore struct {
	db DB
}

func NewArtifactStore(db DB) *ArtifactStore {
	if db == nil {
		return nil
	}
	return &ArtifactStore{db: db}
}

const artifactColumns = `namespace_id, name, version, location, sha256, size_bytes, added_at`

func (s *ArtifactStore) ready() error {
	if s == nil || s.db == nil {
		return errNotInitialized("artifact")
	}
	return nil
}

func (s *ArtifactStore) CreateArtifact(ctx context.Context, a domain.ArtifactRecord) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := a.Validate(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (`+artifactColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		a.ID.Namespace, a.ID.Name, a.ID.Version,
		strings.TrimSpace(a.Location), strings.TrimSpace(a.SHA256), a.SizeBytes,
		stampUTC(a.AddedAt),
	); err != nil {
		return insertError("artifact", err)
	}
	return nil
}

func (s *ArtifactStore) GetArtifact(ctx context.Context, id domain.ArtifactID) (domain.ArtifactRecord, error) {
	if err := s.ready(); err != nil {
		return domain.ArtifactRecord{}, err
	}
	if err := id.Validate(); err != nil {
		return domain.ArtifactRecord{}, err
	}
	q := newSelect(artifactColumns, "artifacts").
		eq("namespace_id", id.Namespace).
		eq("name", id.Name).
		eq("version", id.Version)
	query, args := q.build("", 0)
	a, err := scanArtifact(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return domain.ArtifactRecord{}, handleNotFound(err)
	}
	return a, nil
}

func (s *ArtifactStore) DeleteArtifact(ctx context.Context, id domain.ArtifactID) error {
	if err := s.ready(); err != nil {
		return err
	}
	err := expectOne(s.db.ExecContext(ctx,
		`DELETE FROM artifacts WHERE namespace_id = $1 AND name = $2 AND version = $3`,
		id.Namespace, id.Name, id.Version,
	))
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("delete artifact: %w", err)
	}
	return err
}

func (s *ArtifactStore) ListArtifacts(ctx context.Context, filter repo.ArtifactFilter) ([]domain.ArtifactRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	query, args, err := buildArtifactListQuery(filter)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	return collect(rows, "artifacts", scanArtifact)
}

func buildArtifactListQuery(filter repo.ArtifactFilter) (string, []any, error) {
	namespace := strings.TrimSpace(filter.Namespace)
	if namespace == "" {
		return "", nil, fmt.Errorf("namespace is required")
	}
	q := newSelect(artifactColumns, "artifacts").eq("namespace_id", namespace)
	if name := strings.TrimSpace(filter.Name); name != "" {
		q.eq("name", name)
	}
	query, args := q.build("name, version", filter.Limit)
	return query, args, nil
}

func scanArtifact(row rowScanner) (domain.ArtifactRecord, error) {
	var a domain.ArtifactRecord
	err := row.Scan(&a.ID.Namespace, &a.ID.Name, &a.ID.Version, &a.Location, &a.SHA256, &a.SizeBytes, &a.AddedAt)
	return a, err
}
