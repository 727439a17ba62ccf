package repo

import (
	"context"
	"errors"
	"time"

	"github.com/animus-labs/appfabric/internal/domain"
)

var (
	// ErrNotFound is returned when the addressed record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a create collides with an existing record
	// or a compare-and-set observes a different prior state.
	ErrConflict = errors.New("conflict")
)

type NamespaceFilter struct {
	Limit int
}

type ArtifactFilter struct {
	Namespace string
	Name      string
	Limit     int
}

type ApplicationFilter struct {
	Namespace string
	Artifact  *domain.ArtifactID
	Limit     int
}

type RunFilter struct {
	Program     *domain.ProgramID
	Application *domain.ApplicationID
	Statuses    []domain.RunStatus
	Limit       int
}

// NamespaceRepository manages namespaces.
type NamespaceRepository interface {
	CreateNamespace(ctx context.Context, ns domain.Namespace) error
	GetNamespace(ctx context.Context, id string) (domain.Namespace, error)
	UpdateNamespace(ctx context.Context, ns domain.Namespace) error
	DeleteNamespace(ctx context.Context, id string) error
	ListNamespaces(ctx context.Context, filter NamespaceFilter) ([]domain.Namespace, error)
}

// ArtifactRepository manages immutable artifact records.
type ArtifactRepository interface {
	CreateArtifact(ctx context.Context, artifact domain.ArtifactRecord) error
	GetArtifact(ctx context.Context, id domain.ArtifactID) (domain.ArtifactRecord, error)
	DeleteArtifact(ctx context.Context, id domain.ArtifactID) error
	ListArtifacts(ctx context.Context, filter ArtifactFilter) ([]domain.ArtifactRecord, error)
}

// ApplicationRepository manages application records. Updates are
// compare-and-set on Revision.
type ApplicationRepository interface {
	CreateApplication(ctx context.Context, app domain.Application) error
	GetApplication(ctx context.Context, id domain.ApplicationID) (domain.Application, error)
	UpdateApplication(ctx context.Context, app domain.Application, expectedRevision int64) error
	DeleteApplication(ctx context.Context, id domain.ApplicationID) error
	ListApplications(ctx context.Context, filter ApplicationFilter) ([]domain.Application, error)
}

// RunRepository manages run records. Updates are compare-and-set on the
// previously observed status.
type RunRepository interface {
	CreateRun(ctx context.Context, run domain.RunRecord) error
	GetRun(ctx context.Context, program domain.ProgramID, runID string) (domain.RunRecord, error)
	UpdateRun(ctx context.Context, run domain.RunRecord, expected domain.RunStatus) error
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.RunRecord, error)
	DeleteRuns(ctx context.Context, app domain.ApplicationID) (int, error)
	// ListExpired returns active runs whose deadline is before now, oldest
	// deadline first.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.RunRecord, error)
	// ListActive returns every active run across namespaces, oldest first.
	ListActive(ctx context.Context, limit int) ([]domain.RunRecord, error)
}

// AuditEventAppender ensures append-only audit writes.
type AuditEventAppender interface {
	Append(ctx context.Context, event domain.AuditEvent) (int64, error)
}

// AuditChain is an appender whose stored events form a verifiable hash chain.
type AuditChain interface {
	AuditEventAppender
	Verify(ctx context.Context) error
}
