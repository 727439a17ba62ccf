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

// NamespaceStore persists namespaces and their run-as identity.
type NamespaceStore struct {
	db DB
}

func NewNamespaceStore(db DB) *NamespaceStore {
	if db == nil {
		return nil
	}
	return &NamespaceStore{db: db}
}

const namespaceColumns = `namespace_id, principal, credential_ref, description, created_at, updated_at`

func (s *NamespaceStore) ready() error {
	if s == nil || s.db == nil {
		return errNotInitialized("namespace")
	}
	return nil
}

func (s *NamespaceStore) CreateNamespace(ctx context.Context, ns domain.Namespace) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := ns.Validate(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO namespaces (`+namespaceColumns+`) VALUES ($1,$2,$3,$4,$5,$5)`,
		strings.TrimSpace(ns.ID),
		nullIfEmpty(ns.Principal), nullIfEmpty(ns.CredentialRef),
		strings.TrimSpace(ns.Description),
		stampUTC(ns.CreatedAt),
	); err != nil {
		return insertError("namespace", err)
	}
	return nil
}

func (s *NamespaceStore) GetNamespace(ctx context.Context, id string) (domain.Namespace, error) {
	if err := s.ready(); err != nil {
		return domain.Namespace{}, err
	}
	if id = strings.TrimSpace(id); id == "" {
		return domain.Namespace{}, fmt.Errorf("namespace id is required")
	}
	query, args := newSelect(namespaceColumns, "namespaces").eq("namespace_id", id).build("", 0)
	ns, err := scanNamespace(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return domain.Namespace{}, handleNotFound(err)
	}
	return ns, nil
}

func (s *NamespaceStore) UpdateNamespace(ctx context.Context, ns domain.Namespace) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := ns.Validate(); err != nil {
		return err
	}
	err := expectOne(s.db.ExecContext(ctx,
		`UPDATE namespaces
		 SET principal = $2, credential_ref = $3, description = $4, updated_at = $5
		 WHERE namespace_id = $1`,
		strings.TrimSpace(ns.ID),
		nullIfEmpty(ns.Principal), nullIfEmpty(ns.CredentialRef),
		strings.TrimSpace(ns.Description),
		stampUTC(ns.UpdatedAt),
	))
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("update namespace: %w", err)
	}
	return err
}

func (s *NamespaceStore) DeleteNamespace(ctx context.Context, id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	err := expectOne(s.db.ExecContext(ctx, `DELETE FROM namespaces WHERE namespace_id = $1`, strings.TrimSpace(id)))
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("delete namespace: %w", err)
	}
	return err
}

func (s *NamespaceStore) ListNamespaces(ctx context.Context, filter repo.NamespaceFilter) ([]domain.Namespace, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	query, args := newSelect(namespaceColumns, "namespaces").build("namespace_id", filter.Limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	return collect(rows, "namespaces", scanNamespace)
}

func scanNamespace(row rowScanner) (domain.Namespace, error) {
	var (
		ns              domain.Namespace
		principal, cred sql.NullString
	)
	if err := row.Scan(&ns.ID, &principal, &cred, &ns.Description, &ns.CreatedAt, &ns.UpdatedAt); err != nil {
		return domain.Namespace{}, err
	}
	ns.Principal = principal.String
	ns.CredentialRef = cred.String
	return ns, nil
}
