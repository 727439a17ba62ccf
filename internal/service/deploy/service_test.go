package deploy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/animus-labs/appfabric/internal/artifacts"
	"github.com/animus-labs/appfabric/internal/domain"
	"github.com/animus-labs/appfabric/internal/instantiator"
	"github.com/animus-labs/appfabric/internal/namespaces"
	"github.com/animus-labs/appfabric/internal/platform/keylock"
	"github.com/animus-labs/appfabric/internal/repo"
	"github.com/animus-labs/appfabric/internal/repo/memory"
	"github.com/animus-labs/appfabric/internal/service"
	"github.com/animus-labs/appfabric/internal/storage/objectstore"
)

const manifestV1 = `
name: purchases
programs:
  - type: service
    name: catalog
    class: shop.Catalog
  - type: worker
    name: indexer
    class: shop.Indexer
`

const manifestV2 = `
name: purchases
programs:
  - type: service
    name: catalog
    class: shop.Catalog
`

type instantiatorFunc func(ctx context.Context, in instantiator.Input) (domain.AppSpec, error)

func (f instantiatorFunc) Instantiate(ctx context.Context, in instantiator.Input) (domain.AppSpec, error) {
	return f(ctx, in)
}

type recordingTerminator struct {
	mu      sync.Mutex
	stopped []domain.ProgramID
}

func (r *recordingTerminator) StopProgram(_ context.Context, program domain.ProgramID, _ service.AuditInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, program)
	return nil
}

type fixture struct {
	svc        *Service
	namespaces *memory.NamespaceStore
	apps       *memory.ApplicationStore
	records    *memory.ArtifactStore
	blobs      *objectstore.MemoryStore
	audit      *memory.AuditLog
	terminator *recordingTerminator
}

func newFixture(t *testing.T, inst instantiator.Instantiator) fixture {
	t.Helper()
	return newFixtureWith(t, inst, func(r repo.ApplicationRepository) repo.ApplicationRepository { return r })
}

// newFixtureWith lets a test wrap the application repository the service
// writes through.
func newFixtureWith(t *testing.T, inst instantiator.Instantiator, wrap func(repo.ApplicationRepository) repo.ApplicationRepository) fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	nsStore := memory.NewNamespaceStore()
	for _, ns := range []domain.Namespace{
		{ID: "ns1"},
		{ID: "ns2", Principal: "svc-ns2"},
	} {
		if err := nsStore.CreateNamespace(ctx, ns); err != nil {
			t.Fatalf("create namespace: %v", err)
		}
	}
	apps := memory.NewApplicationStore()
	records := memory.NewArtifactStore()
	blobs := objectstore.NewMemoryStore()
	registry, err := namespaces.NewRegistry(nsStore, apps, namespaces.DefaultCacheTTL)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	store, err := artifacts.NewStore(records, apps, blobs, "artifacts", logger)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if inst == nil {
		inst = instantiator.NewManifestInstantiator(instantiator.Options{})
	}
	audit := memory.NewAuditLog()
	terminator := &recordingTerminator{}
	svc, err := New(Dependencies{
		Namespaces:   registry,
		Applications: wrap(apps),
		Artifacts:    store,
		Instantiator: inst,
		Locks:        keylock.New(),
		Audit:        service.NewRecorder(audit, logger),
		Terminator:   terminator,
	}, Config{InstantiateTimeout: time.Second, RollbackTimeout: time.Second}, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return fixture{svc: svc, namespaces: nsStore, apps: apps, records: records, blobs: blobs, audit: audit, terminator: terminator}
}

func (f fixture) hasAuditAction(action string) bool {
	for _, ev := range f.audit.Events() {
		if ev.Action == action {
			return true
		}
	}
	return false
}

func (f fixture) assertArtifactGone(t *testing.T, id domain.ArtifactID) {
	t.Helper()
	if _, err := f.records.GetArtifact(context.Background(), id); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("artifact record still present: err=%v", err)
	}
	if _, err := f.blobs.Stat(context.Background(), "artifacts", artifacts.ObjectKey(id)); !errors.Is(err, objectstore.ErrNotFound) {
		t.Fatalf("artifact bytes still present: err=%v", err)
	}
}

func bundle(version string) domain.ArtifactID {
	return domain.ArtifactID{Name: "purchases", Version: version}
}

func deployRequest(ns, app, version, manifest, owner string) Request {
	return Request{
		Namespace:     ns,
		AppName:       app,
		Artifact:      bundle(version),
		ArtifactBytes: []byte(manifest),
		Owner:         owner,
	}
}

func TestDeployRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	req := deployRequest("ns1", "shop", "1.0.0", manifestV1, "alice")
	req.Config = map[string]any{"tier": "gold"}
	app, err := f.svc.Deploy(ctx, req)
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	spec, err := instantiator.NewManifestInstantiator(instantiator.Options{}).Instantiate(ctx, instantiator.Input{Bytes: []byte(manifestV1)})
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	wantBlob, err := domain.MarshalAppSpec(spec)
	if err != nil {
		t.Fatalf("MarshalAppSpec: %v", err)
	}

	stored, err := f.svc.Get(ctx, domain.ApplicationID{Namespace: "ns1", Name: "shop"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	wantArtifact := domain.ArtifactID{Namespace: "ns1", Name: "purchases", Version: "1.0.0"}
	if !bytes.Equal(stored.Spec, wantBlob) || stored.Artifact != wantArtifact || stored.Owner != "alice" {
		t.Fatalf("stored app = %+v, want spec %s artifact %s owner alice", stored, wantBlob, wantArtifact)
	}
	if !bytes.Equal(app.Spec, stored.Spec) || app.Revision != 1 || stored.Config["tier"] != "gold" {
		t.Fatalf("returned app %+v differs from stored %+v", app, stored)
	}
	if !f.hasAuditAction("application.deployed") {
		t.Fatalf("missing application.deployed audit event")
	}

	redeployed, err := f.svc.Deploy(ctx, deployRequest("ns1", "shop", "1.0.0", manifestV1, "alice"))
	if err != nil {
		t.Fatalf("redeploy: %v", err)
	}
	if redeployed.Revision != 2 {
		t.Fatalf("revision=%d, want 2", redeployed.Revision)
	}
}

func TestDeployRollsBackArtifactOnInstantiationFailure(t *testing.T) {
	ctx := context.Background()
	cause := errors.New("manifest references unknown program type")
	f := newFixture(t, instantiatorFunc(func(context.Context, instantiator.Input) (domain.AppSpec, error) {
		return domain.AppSpec{}, cause
	}))

	_, err := f.svc.Deploy(ctx, deployRequest("ns1", "shop", "1.0.0", manifestV1, ""))
	if !errors.Is(err, domain.ErrInstantiation) || !errors.Is(err, cause) {
		t.Fatalf("err=%v, want instantiation error wrapping cause", err)
	}
	var instErr *domain.InstantiationError
	if !errors.As(err, &instErr) || instErr.Artifact.Namespace != "ns1" {
		t.Fatalf("err=%v, want *InstantiationError for ns1", err)
	}
	f.assertArtifactGone(t, domain.ArtifactID{Namespace: "ns1", Name: "purchases", Version: "1.0.0"})
	if _, err := f.apps.GetApplication(ctx, domain.ApplicationID{Namespace: "ns1", Name: "shop"}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("application written on failure: err=%v", err)
	}
	if !f.hasAuditAction("artifact.rolled_back") || !f.hasAuditAction("application.deploy_failed") {
		t.Fatalf("missing audit events: %+v", f.audit.Events())
	}
}

func TestDeployKeepsPreexistingArtifactOnFailure(t *testing.T) {
	ctx := context.Background()
	fail := false
	f := newFixture(t, instantiatorFunc(func(ctx context.Context, in instantiator.Input) (domain.AppSpec, error) {
		if fail {
			return domain.AppSpec{}, errors.New("boom")
		}
		return instantiator.NewManifestInstantiator(instantiator.Options{}).Instantiate(ctx, in)
	}))
	if _, err := f.svc.Deploy(ctx, deployRequest("ns1", "shop", "1.0.0", manifestV1, "")); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	fail = true
	if _, err := f.svc.Deploy(ctx, deployRequest("ns1", "other", "1.0.0", manifestV1, "")); !errors.Is(err, domain.ErrInstantiation) {
		t.Fatalf("err=%v, want ErrInstantiation", err)
	}
	if _, err := f.records.GetArtifact(ctx, domain.ArtifactID{Namespace: "ns1", Name: "purchases", Version: "1.0.0"}); err != nil {
		t.Fatalf("pre-existing artifact removed: %v", err)
	}
}

func TestDeployCancelledBeforeCommitRollsBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, instantiatorFunc(func(ctx context.Context, in instantiator.Input) (domain.AppSpec, error) {
		spec, err := instantiator.NewManifestInstantiator(instantiator.Options{}).Instantiate(ctx, in)
		cancel()
		return spec, err
	}))

	_, err := f.svc.Deploy(ctx, deployRequest("ns1", "shop", "1.0.0", manifestV1, ""))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
	f.assertArtifactGone(t, domain.ArtifactID{Namespace: "ns1", Name: "purchases", Version: "1.0.0"})
	if _, err := f.apps.GetApplication(context.Background(), domain.ApplicationID{Namespace: "ns1", Name: "shop"}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("application written after cancellation: err=%v", err)
	}
}

// cancelOnWrite cancels the caller once the application write has landed and
// then reports whatever the context it was handed says.
type cancelOnWrite struct {
	repo.ApplicationRepository
	cancel func()
}

func (c cancelOnWrite) CreateApplication(ctx context.Context, app domain.Application) error {
	if err := c.ApplicationRepository.CreateApplication(ctx, app); err != nil {
		return err
	}
	c.cancel()
	return ctx.Err()
}

func TestDeployCancelledAfterWriteKeepsArtifact(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixtureWith(t, nil, func(r repo.ApplicationRepository) repo.ApplicationRepository {
		return cancelOnWrite{ApplicationRepository: r, cancel: cancel}
	})

	if _, err := f.svc.Deploy(ctx, deployRequest("ns1", "shop", "1.0.0", manifestV1, "")); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if ctx.Err() == nil {
		t.Fatalf("caller context was not cancelled by the write")
	}
	stored, err := f.apps.GetApplication(context.Background(), domain.ApplicationID{Namespace: "ns1", Name: "shop"})
	if err != nil {
		t.Fatalf("application missing: %v", err)
	}
	if _, err := f.records.GetArtifact(context.Background(), stored.Artifact); err != nil {
		t.Fatalf("artifact referenced by %s was rolled back: %v", stored.ID, err)
	}
	if f.hasAuditAction("artifact.rolled_back") {
		t.Fatalf("unexpected rollback: %+v", f.audit.Events())
	}
}

func TestDeployPrincipalReadFresh(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	// Warm any cache, then change the principal underneath the registry.
	if _, err := f.svc.Deploy(ctx, deployRequest("ns2", "first", "1.0.0", manifestV1, "")); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if err := f.namespaces.UpdateNamespace(ctx, domain.Namespace{ID: "ns2", Principal: "svc-rotated"}); err != nil {
		t.Fatalf("update namespace: %v", err)
	}
	app, err := f.svc.Deploy(ctx, deployRequest("ns2", "second", "1.0.0", manifestV1, ""))
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if app.Owner != "svc-rotated" {
		t.Fatalf("owner=%q, want svc-rotated", app.Owner)
	}
}

func TestDeployOwnerPinning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	id := domain.ApplicationID{Namespace: "ns1", Name: "shop"}

	if _, err := f.svc.Deploy(ctx, deployRequest("ns1", "shop", "1.0.0", manifestV1, "alice")); err != nil {
		t.Fatalf("first deploy: %v", err)
	}
	before, err := f.apps.GetApplication(ctx, id)
	if err != nil {
		t.Fatalf("GetApplication: %v", err)
	}

	for _, owner := range []string{"bob", ""} {
		_, err := f.svc.Deploy(ctx, deployRequest("ns1", "shop", "2.0.0", manifestV2, owner))
		var mismatch *domain.OwnerMismatchError
		if !errors.As(err, &mismatch) || !errors.Is(err, domain.ErrOwnerMismatch) {
			t.Fatalf("owner %q: err=%v, want OwnerMismatchError", owner, err)
		}
		if mismatch.Existing != "alice" || mismatch.Application != id {
			t.Fatalf("unexpected mismatch: %+v", mismatch)
		}
	}
	after, err := f.apps.GetApplication(ctx, id)
	if err != nil {
		t.Fatalf("GetApplication: %v", err)
	}
	if after.Revision != before.Revision || after.Artifact != before.Artifact || after.Owner != "alice" {
		t.Fatalf("rejected deploys changed the application: before=%+v after=%+v", before, after)
	}
	if _, err := f.records.GetArtifact(ctx, domain.ArtifactID{Namespace: "ns1", Name: "purchases", Version: "2.0.0"}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("rejected deploy stored its artifact: err=%v", err)
	}

	if _, err := f.svc.Deploy(ctx, deployRequest("ns1", "shop", "2.0.0", manifestV2, "alice")); err != nil {
		t.Fatalf("redeploy as owner: %v", err)
	}
}

func TestDeployNamespacePrincipalDefault(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	app, err := f.svc.Deploy(ctx, deployRequest("ns2", "shop", "1.0.0", manifestV1, ""))
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if app.Owner != "svc-ns2" {
		t.Fatalf("owner=%q, want namespace principal", app.Owner)
	}
	if _, err := f.svc.Deploy(ctx, deployRequest("ns2", "shop", "1.0.0", manifestV1, "svc-ns2")); err != nil {
		t.Fatalf("redeploy with explicit principal: %v", err)
	}
	if _, err := f.svc.Deploy(ctx, deployRequest("ns2", "shop", "1.0.0", manifestV1, "mallory")); !errors.Is(err, domain.ErrOwnerMismatch) {
		t.Fatalf("err=%v, want ErrOwnerMismatch", err)
	}

	unowned, err := f.svc.Deploy(ctx, deployRequest("ns1", "shop", "1.0.0", manifestV1, ""))
	if err != nil || unowned.Owner != "" {
		t.Fatalf("deploy without owner: app=%+v err=%v", unowned, err)
	}
	if _, err := f.svc.Deploy(ctx, deployRequest("ns1", "shop", "1.0.0", manifestV1, "")); err != nil {
		t.Fatalf("redeploy without owner: %v", err)
	}
	if _, err := f.svc.Deploy(ctx, deployRequest("ns1", "shop", "1.0.0", manifestV1, "alice")); !errors.Is(err, domain.ErrOwnerMismatch) {
		t.Fatalf("err=%v, want ErrOwnerMismatch once pinned without owner", err)
	}
}

func TestDeployRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	if _, err := f.svc.Deploy(ctx, deployRequest("missing", "shop", "1.0.0", manifestV1, "")); !errors.Is(err, domain.ErrNamespaceNotFound) {
		t.Fatalf("err=%v, want ErrNamespaceNotFound", err)
	}
	req := deployRequest("ns1", "shop", "1.0.0", "", "")
	if _, err := f.svc.Deploy(ctx, req); !errors.Is(err, domain.ErrArtifactNotFound) {
		t.Fatalf("err=%v, want ErrArtifactNotFound", err)
	}
	if _, err := f.svc.Deploy(ctx, deployRequest("ns1", "shop", "1.0.0", manifestV1, "")); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if _, err := f.svc.Deploy(ctx, deployRequest("ns1", "other", "1.0.0", manifestV2, "")); !errors.Is(err, domain.ErrArtifactConflict) {
		t.Fatalf("err=%v, want ErrArtifactConflict", err)
	}
	req = deployRequest("ns1", "shop", "1.0.0", manifestV1, "")
	req.Artifact.Namespace = "ns2"
	if _, err := f.svc.Deploy(ctx, req); !errors.Is(err, domain.ErrNamespaceMismatch) {
		t.Fatalf("err=%v, want ErrNamespaceMismatch", err)
	}
}

func TestRedeployStopsRemovedPrograms(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	if _, err := f.svc.Deploy(ctx, deployRequest("ns1", "shop", "1.0.0", manifestV1, "")); err != nil {
		t.Fatalf("Deploy v1: %v", err)
	}
	if _, err := f.svc.Deploy(ctx, deployRequest("ns1", "shop", "2.0.0", manifestV2, "")); err != nil {
		t.Fatalf("Deploy v2: %v", err)
	}
	want := domain.ApplicationID{Namespace: "ns1", Name: "shop"}.Program(domain.ProgramTypeWorker, "indexer")
	if len(f.terminator.stopped) != 1 || f.terminator.stopped[0] != want {
		t.Fatalf("stopped=%v, want [%s]", f.terminator.stopped, want)
	}
}

func TestConcurrentDeployCommitCancelsOwedRollback(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	gate := make(chan struct{})
	manifests := instantiator.NewManifestInstantiator(instantiator.Options{})
	f := newFixture(t, instantiatorFunc(func(ctx context.Context, in instantiator.Input) (domain.AppSpec, error) {
		if in.Config["fail"] == true {
			close(entered)
			<-gate
			return domain.AppSpec{}, errors.New("instantiation failed late")
		}
		return manifests.Instantiate(ctx, in)
	}))

	failing := deployRequest("ns1", "first", "1.0.0", manifestV1, "")
	failing.Config = map[string]any{"fail": true}
	errc := make(chan error, 1)
	go func() {
		_, err := f.svc.Deploy(ctx, failing)
		errc <- err
	}()
	<-entered

	if _, err := f.svc.Deploy(ctx, deployRequest("ns1", "second", "1.0.0", "", "")); err != nil {
		t.Fatalf("concurrent deploy: %v", err)
	}
	close(gate)
	if err := <-errc; !errors.Is(err, domain.ErrInstantiation) {
		t.Fatalf("err=%v, want ErrInstantiation", err)
	}
	if _, err := f.records.GetArtifact(ctx, domain.ArtifactID{Namespace: "ns1", Name: "purchases", Version: "1.0.0"}); err != nil {
		t.Fatalf("artifact referenced by a committed application was rolled back: %v", err)
	}
}
