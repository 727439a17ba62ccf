// Package deploy turns an artifact plus configuration into an application,
// all or nothing.
//
// A deploy either commits a new or updated application record or leaves no
// trace: an artifact added by a failed deploy is rolled back before Deploy
// returns, unless a concurrent deploy of the same artifact committed in the
// meantime. Deploys of one application are serialized; different
// applications deploy in parallel.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/animus-labs/appfabric/internal/artifacts"
	"github.com/animus-labs/appfabric/internal/domain"
	"github.com/animus-labs/appfabric/internal/instantiator"
	"github.com/animus-labs/appfabric/internal/namespaces"
	"github.com/animus-labs/appfabric/internal/ownership"
	"github.com/animus-labs/appfabric/internal/platform/keylock"
	"github.com/animus-labs/appfabric/internal/platform/metrics"
	"github.com/animus-labs/appfabric/internal/repo"
	"github.com/animus-labs/appfabric/internal/service"
)

const (
	DefaultInstantiateTimeout = 60 * time.Second
	DefaultRollbackTimeout    = 30 * time.Second
)

// ProgramTerminator stops every active run of a program.
type ProgramTerminator interface {
	StopProgram(ctx context.Context, program domain.ProgramID, info service.AuditInfo) error
}

type Config struct {
	InstantiateTimeout time.Duration
	RollbackTimeout    time.Duration
}

type Dependencies struct {
	Namespaces   *namespaces.Registry
	Applications repo.ApplicationRepository
	Artifacts    *artifacts.Store
	Instantiator instantiator.Instantiator
	Locks        *keylock.Locker
	Audit        *service.Recorder
	// Terminator is optional; without it programs dropped by a redeploy
	// keep running until stopped explicitly.
	Terminator ProgramTerminator
}

type Request struct {
	Namespace string
	AppName   string
	// Artifact.Namespace defaults to Namespace.
	Artifact domain.ArtifactID
	// ArtifactBytes is optional when the artifact already exists.
	ArtifactBytes []byte
	Config        map[string]any
	// Owner is the principal requested for the application; empty defers
	// to the namespace principal.
	Owner string
	Audit service.AuditInfo
}

type Service struct {
	namespaces   *namespaces.Registry
	apps         repo.ApplicationRepository
	artifacts    *artifacts.Store
	instantiator instantiator.Instantiator
	locks        *keylock.Locker
	audit        *service.Recorder
	terminator   ProgramTerminator
	cfg          Config
	logger       *slog.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
}

func New(deps Dependencies, cfg Config, logger *slog.Logger) (*Service, error) {
	switch {
	case deps.Namespaces == nil:
		return nil, errors.New("namespace registry is required")
	case deps.Applications == nil:
		return nil, errors.New("application repository is required")
	case deps.Artifacts == nil:
		return nil, errors.New("artifact store is required")
	case deps.Instantiator == nil:
		return nil, errors.New("instantiator is required")
	case deps.Locks == nil:
		return nil, errors.New("application locker is required")
	}
	if cfg.InstantiateTimeout <= 0 {
		cfg.InstantiateTimeout = DefaultInstantiateTimeout
	}
	if cfg.RollbackTimeout <= 0 {
		cfg.RollbackTimeout = DefaultRollbackTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		namespaces:   deps.Namespaces,
		apps:         deps.Applications,
		artifacts:    deps.Artifacts,
		instantiator: deps.Instantiator,
		locks:        deps.Locks,
		audit:        deps.Audit,
		terminator:   deps.Terminator,
		cfg:          cfg,
		logger:       logger,
		metrics:      metrics.Default(),
		now:          time.Now,
	}, nil
}

// Deploy creates or redeploys an application. On any error nothing is
// written to the application registry.
func (s *Service) Deploy(ctx context.Context, req Request) (app domain.Application, err error) {
	started := s.now()
	outcome := "failed"
	defer func() {
		s.metrics.DeploysTotal.WithLabelValues(outcome).Inc()
		s.metrics.DeployDuration.Observe(time.Since(started).Seconds())
	}()

	id := domain.ApplicationID{Namespace: strings.TrimSpace(req.Namespace), Name: strings.TrimSpace(req.AppName)}
	if err := id.Validate(); err != nil {
		return domain.Application{}, err
	}
	artifactID := req.Artifact
	if artifactID.Namespace == "" {
		artifactID.Namespace = id.Namespace
	}
	if artifactID.Namespace != id.Namespace {
		return domain.Application{}, fmt.Errorf("%w: artifact %s cannot back application %s", domain.ErrNamespaceMismatch, artifactID, id)
	}
	if err := artifactID.Validate(); err != nil {
		return domain.Application{}, err
	}

	// The principal may pin the owner, so it is read fresh, not cached.
	ns, err := s.namespaces.Resolve(ctx, id.Namespace)
	if err != nil {
		return domain.Application{}, err
	}

	unlock, err := s.locks.Lock(ctx, id.String())
	if err != nil {
		return domain.Application{}, fmt.Errorf("lock application %s: %w", id, err)
	}
	defer unlock()

	defer func() {
		if err != nil {
			s.audit.Record(ctx, req.Audit, "application.deploy_failed", "application", id.String(), domain.Metadata{
				"artifact": artifactID.String(),
				"error":    err.Error(),
			})
		}
	}()

	existing, found, err := s.load(ctx, id)
	if err != nil {
		return domain.Application{}, err
	}
	var pinned *string
	if found {
		pinned = ownership.Pinned(existing.Owner)
	}
	verdict := ownership.Decide(pinned, req.Owner, ns.Principal)
	if !verdict.Accepted {
		requested := strings.TrimSpace(req.Owner)
		if requested == "" {
			requested = ns.Principal
		}
		return domain.Application{}, &domain.OwnerMismatchError{Application: id, Existing: existing.Owner, Requested: requested}
	}

	lease, err := s.artifacts.Acquire(ctx, artifactID)
	if err != nil {
		return domain.Application{}, fmt.Errorf("lease artifact %s: %w", artifactID, err)
	}
	defer s.release(ctx, lease, artifactID, req.Audit)

	record, body, added, err := s.resolveArtifact(ctx, artifactID, req.ArtifactBytes)
	if err != nil {
		return domain.Application{}, err
	}
	// From here on a failure owes the rollback of an artifact this deploy added.
	defer func() {
		if err != nil && added {
			lease.OweRollback()
		}
	}()

	spec, err := s.instantiate(ctx, record, body, req.Config)
	if err != nil {
		return domain.Application{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.Application{}, fmt.Errorf("deploy %s cancelled before commit: %w", id, err)
	}
	blob, err := domain.MarshalAppSpec(spec)
	if err != nil {
		return domain.Application{}, &domain.InstantiationError{Artifact: artifactID, Cause: err}
	}

	now := s.now().UTC()
	app = domain.Application{
		ID:        id,
		Artifact:  artifactID,
		Spec:      blob,
		Owner:     verdict.Owner,
		Config:    domain.Metadata(req.Config).Clone(),
		Revision:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	// Past the commit point cancellation no longer applies: a write that
	// landed but reported a cancelled context must not trigger a rollback.
	if err := s.commit(context.WithoutCancel(ctx), app, existing, found); err != nil {
		return domain.Application{}, err
	}
	lease.Commit()
	outcome = "deployed"

	if found {
		app.Revision = existing.Revision + 1
		app.CreatedAt = existing.CreatedAt
	}
	if stored, err := s.apps.GetApplication(ctx, id); err == nil {
		app = stored
	}

	s.logger.Info("application deployed",
		"namespace", id.Namespace,
		"app", id.Name,
		"artifact", artifactID.String(),
		"revision", app.Revision,
		"added_artifact", added,
	)
	s.audit.Record(ctx, req.Audit, "application.deployed", "application", id.String(), domain.Metadata{
		"artifact":       artifactID.String(),
		"owner":          app.Owner,
		"revision":       app.Revision,
		"added_artifact": added,
		"programs":       len(spec.Programs),
	})

	if found {
		s.stopRemovedPrograms(ctx, existing, spec, req.Audit)
	}
	return app, nil
}

func (s *Service) load(ctx context.Context, id domain.ApplicationID) (domain.Application, bool, error) {
	app, err := s.apps.GetApplication(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Application{}, false, nil
		}
		return domain.Application{}, false, fmt.Errorf("get application %s: %w", id, err)
	}
	if app.ID != id {
		return domain.Application{}, false, fmt.Errorf("%w: lookup of %s returned %s", domain.ErrNamespaceMismatch, id, app.ID)
	}
	return app, true, nil
}

// resolveArtifact returns the artifact record and bytes, adding the artifact
// when it does not exist yet and bytes were supplied.
func (s *Service) resolveArtifact(ctx context.Context, id domain.ArtifactID, body []byte) (domain.ArtifactRecord, []byte, bool, error) {
	if len(body) > 0 {
		record, added, err := s.artifacts.Add(ctx, id, body)
		if err != nil {
			return domain.ArtifactRecord{}, nil, false, err
		}
		return record, body, added, nil
	}
	record, err := s.artifacts.Get(ctx, id)
	if err != nil {
		return domain.ArtifactRecord{}, nil, false, err
	}
	stored, err := s.artifacts.Read(ctx, record)
	if err != nil {
		return domain.ArtifactRecord{}, nil, false, err
	}
	return record, stored, false, nil
}

func (s *Service) instantiate(ctx context.Context, record domain.ArtifactRecord, body []byte, config map[string]any) (domain.AppSpec, error) {
	ictx, cancel := context.WithTimeout(ctx, s.cfg.InstantiateTimeout)
	defer cancel()

	type result struct {
		spec domain.AppSpec
		err  error
	}
	done := make(chan result, 1)
	go func() {
		spec, err := s.instantiator.Instantiate(ictx, instantiator.Input{Artifact: record.ID, Bytes: body, Config: config})
		done <- result{spec: spec, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return domain.AppSpec{}, &domain.InstantiationError{Artifact: record.ID, Cause: res.err}
		}
		return res.spec, nil
	case <-ictx.Done():
		return domain.AppSpec{}, &domain.InstantiationError{Artifact: record.ID, Cause: fmt.Errorf("instantiation did not finish: %w", ictx.Err())}
	}
}

func (s *Service) commit(ctx context.Context, app domain.Application, existing domain.Application, found bool) error {
	var err error
	if found {
		err = s.apps.UpdateApplication(ctx, app, existing.Revision)
	} else {
		err = s.apps.CreateApplication(ctx, app)
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repo.ErrConflict), errors.Is(err, repo.ErrNotFound):
		return fmt.Errorf("%w: application %s changed during deploy", domain.ErrDuplicateCommit, app.ID)
	default:
		return fmt.Errorf("write application %s: %w", app.ID, err)
	}
}

// release drops the artifact lease with a context that outlives the caller
// so an owed rollback is applied even when the deploy was cancelled.
func (s *Service) release(ctx context.Context, lease *artifacts.Lease, id domain.ArtifactID, info service.AuditInfo) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RollbackTimeout)
	defer cancel()
	removed, err := lease.Release(rctx)
	if err != nil {
		s.logger.Error("artifact rollback failed", "namespace", id.Namespace, "artifact", id.Name, "version", id.Version, "error", err)
		return
	}
	if removed {
		s.audit.Record(ctx, info, "artifact.rolled_back", "artifact", id.String(), domain.Metadata{
			"namespace": id.Namespace,
			"name":      id.Name,
			"version":   id.Version,
		})
	}
}

func (s *Service) stopRemovedPrograms(ctx context.Context, previous domain.Application, next domain.AppSpec, info service.AuditInfo) {
	if s.terminator == nil {
		return
	}
	old, err := previous.DecodeSpec()
	if err != nil {
		s.logger.Warn("previous spec unreadable, removed programs not stopped", "namespace", previous.ID.Namespace, "app", previous.ID.Name, "error", err)
		return
	}
	for _, program := range old.Programs {
		if _, ok := next.Program(program.Type, program.Name); ok {
			continue
		}
		id := previous.ID.Program(program.Type, program.Name)
		if err := s.terminator.StopProgram(context.WithoutCancel(ctx), id, info); err != nil {
			s.logger.Warn("stop removed program failed", "program", id.String(), "error", err)
		}
	}
}

// Get returns an application or domain.ErrApplicationNotFound.
func (s *Service) Get(ctx context.Context, id domain.ApplicationID) (domain.Application, error) {
	if err := id.Validate(); err != nil {
		return domain.Application{}, err
	}
	app, found, err := s.load(ctx, id)
	if err != nil {
		return domain.Application{}, err
	}
	if !found {
		return domain.Application{}, fmt.Errorf("%w: %s", domain.ErrApplicationNotFound, id)
	}
	return app, nil
}

func (s *Service) List(ctx context.Context, namespace string, limit int) ([]domain.Application, error) {
	if _, err := s.namespaces.Get(ctx, namespace); err != nil {
		return nil, err
	}
	apps, err := s.apps.ListApplications(ctx, repo.ApplicationFilter{Namespace: namespace, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("list applications in %s: %w", namespace, err)
	}
	return apps, nil
}
