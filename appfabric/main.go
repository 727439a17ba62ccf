package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/animus-labs/appfabric/internal/artifacts"
	"github.com/animus-labs/appfabric/internal/instantiator"
	"github.com/animus-labs/appfabric/internal/namespaces"
	"github.com/animus-labs/appfabric/internal/platform/httpserver"
	"github.com/animus-labs/appfabric/internal/platform/k8s"
	"github.com/animus-labs/appfabric/internal/platform/keylock"
	"github.com/animus-labs/appfabric/internal/platform/metrics"
	"github.com/animus-labs/appfabric/internal/platform/postgres"
	"github.com/animus-labs/appfabric/internal/repo"
	"github.com/animus-labs/appfabric/internal/repo/memory"
	pgrepo "github.com/animus-labs/appfabric/internal/repo/postgres"
	"github.com/animus-labs/appfabric/internal/runtime"
	"github.com/animus-labs/appfabric/internal/runtime/local"
	"github.com/animus-labs/appfabric/internal/runtimeexec"
	"github.com/animus-labs/appfabric/internal/service"
	"github.com/animus-labs/appfabric/internal/service/deletion"
	"github.com/animus-labs/appfabric/internal/service/deploy"
	"github.com/animus-labs/appfabric/internal/service/runs"
	"github.com/animus-labs/appfabric/internal/storage/appdata"
	"github.com/animus-labs/appfabric/internal/storage/objectstore"
)

const serviceName = "appfabric"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(2)
	}

	app, err := newApplication(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer app.close()

	startRunSyncer(ctx, app.syncer)

	serverCfg := httpserver.Config{
		Service:         serviceName,
		Addr:            cfg.Addr,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}
	runErr := httpserver.Run(ctx, logger, serverCfg, app.handler)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := app.shutdown(shutdownCtx); err != nil {
		logger.Warn("runtime shutdown incomplete", "error", err)
	}

	if runErr != nil && !errors.Is(runErr, http.ErrServerClosed) {
		logger.Error("server failed", "error", runErr)
		os.Exit(1)
	}
}

// application is the wired service: handler, background syncer and the
// resources released on exit.
type application struct {
	handler http.Handler
	runs    *runs.Service
	syncer  *runSyncer
	local   *local.Runtime
	closers []func()
}

func (a *application) shutdown(ctx context.Context) error {
	if a.local == nil {
		return nil
	}
	return a.local.Shutdown(ctx)
}

func (a *application) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

type stores struct {
	namespaces repo.NamespaceRepository
	artifacts  repo.ArtifactRepository
	apps       repo.ApplicationRepository
	runs       repo.RunRepository
	audit      repo.AuditChain
}

// newApplication wires every component, leaves first.
func newApplication(ctx context.Context, cfg config, logger *slog.Logger) (*application, error) {
	app := &application{}
	var checks []httpserver.ReadinessCheck

	st, storeChecks, closeStores, err := openStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, closeStores)
	checks = append(checks, storeChecks...)

	blobs, blobChecks, err := openBlobStore(ctx, cfg)
	if err != nil {
		app.close()
		return nil, err
	}
	checks = append(checks, blobChecks...)

	rt, registry, err := buildRuntime(cfg, logger)
	if err != nil {
		app.close()
		return nil, err
	}
	if lrt, ok := rt.(*local.Runtime); ok {
		app.local = lrt
	}

	opts := instantiator.Options{RequireImage: cfg.Runtime != runtimeLocal}
	if registry != nil {
		opts.Catalog = registry
	}
	inst := instantiator.NewManifestInstantiator(opts)

	audit := service.NewRecorder(st.audit, logger)
	locks := keylock.New()

	nsRegistry, err := namespaces.NewRegistry(st.namespaces, st.apps, cfg.NamespaceCacheTTL)
	if err != nil {
		app.close()
		return nil, err
	}
	artifactStore, err := artifacts.NewStore(st.artifacts, st.apps, blobs, cfg.ObjectStore.BucketArtifacts, logger)
	if err != nil {
		app.close()
		return nil, err
	}

	runSvc, err := runs.New(st.apps, st.runs, rt, locks, audit, cfg.Runs, logger)
	if err != nil {
		app.close()
		return nil, err
	}
	pusher, pushes := rt.(runtime.Pusher)
	if pushes {
		pusher.Attach(runSvc)
	}
	app.runs = runSvc

	deploySvc, err := deploy.New(deploy.Dependencies{
		Namespaces:   nsRegistry,
		Applications: st.apps,
		Artifacts:    artifactStore,
		Instantiator: inst,
		Locks:        locks,
		Audit:        audit,
		Terminator:   runSvc,
	}, cfg.Deploy, logger)
	if err != nil {
		app.close()
		return nil, err
	}

	cleaner, err := appdata.NewPrefixCleaner(blobs, cfg.ObjectStore.BucketAppData, logger)
	if err != nil {
		app.close()
		return nil, err
	}
	deletionSvc, err := deletion.New(st.apps, runSvc, cleaner, locks, audit, cfg.Deletion, logger)
	if err != nil {
		app.close()
		return nil, err
	}

	app.syncer = newRunSyncer(logger, runSvc, cfg.ReconcileInterval, cfg.ReconcileRate, !pushes)

	api := &appfabricAPI{
		logger:     logger,
		namespaces: nsRegistry,
		artifacts:  artifactStore,
		deploys:    deploySvc,
		runs:       runSvc,
		deletion:   deletionSvc,
		audit:      st.audit,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz(serviceName))
	mux.HandleFunc("/readyz", httpserver.Readyz(serviceName, checks...))
	mux.Handle("GET /metrics", metrics.Handler())
	api.register(mux)

	app.handler = httpserver.Wrap(logger, metrics.Default().Instrument(mux))
	logger.Info("appfabric wired",
		"store", cfg.Store,
		"blob_store", cfg.BlobStore,
		"runtime", rt.Kind(),
		"runtime_pushes", pushes,
	)
	return app, nil
}

func openStores(ctx context.Context, cfg config, logger *slog.Logger) (stores, []httpserver.ReadinessCheck, func(), error) {
	if cfg.Store != storePostgres {
		return stores{
			namespaces: memory.NewNamespaceStore(),
			artifacts:  memory.NewArtifactStore(),
			apps:       memory.NewApplicationStore(),
			runs:       memory.NewRunStore(),
			audit:      memory.NewAuditLog(),
		}, nil, func() {}, nil
	}

	db, err := postgres.Open(ctx, cfg.Postgres)
	if err != nil {
		return stores{}, nil, nil, fmt.Errorf("database unavailable: %w", err)
	}
	if cfg.Postgres.AutoMigrate {
		if err := pgrepo.Migrate(db); err != nil {
			_ = db.Close()
			return stores{}, nil, nil, err
		}
		logger.Info("database migrations applied")
	}
	check := httpserver.ReadinessCheck{Name: "postgres", Timeout: 750 * time.Millisecond, Check: postgres.PingCheck(db)}
	return stores{
		namespaces: pgrepo.NewNamespaceStore(db),
		artifacts:  pgrepo.NewArtifactStore(db),
		apps:       pgrepo.NewApplicationStore(db),
		runs:       pgrepo.NewRunStore(db),
		audit:      pgrepo.NewAuditStore(db),
	}, []httpserver.ReadinessCheck{check}, func() { _ = db.Close() }, nil
}

func openBlobStore(ctx context.Context, cfg config) (objectstore.Store, []httpserver.ReadinessCheck, error) {
	if cfg.BlobStore != blobMinio {
		return objectstore.NewMemoryStore(), nil, nil
	}

	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	store, err := objectstore.OpenMinio(startupCtx, cfg.ObjectStore)
	if err != nil {
		return nil, nil, fmt.Errorf("object store unavailable: %w", err)
	}
	check := httpserver.ReadinessCheck{Name: "minio", Timeout: 750 * time.Millisecond, Check: store.Ready}
	return store, []httpserver.ReadinessCheck{check}, nil
}

// buildRuntime returns the configured runtime. The program registry is
// returned for the local runtime only; it doubles as the class catalog.
func buildRuntime(cfg config, logger *slog.Logger) (runtime.Runtime, *local.Registry, error) {
	switch cfg.Runtime {
	case runtimeDocker:
		exec, err := runtimeexec.NewDockerExecutor(cfg.DockerBin, cfg.DockerNetwork, cfg.StopGrace)
		if err != nil {
			return nil, nil, fmt.Errorf("docker executor init failed: %w", err)
		}
		rt, err := runtimeexec.NewRuntime(exec)
		return rt, nil, err
	case runtimeKubernetes:
		client, err := k8s.Connect(cfg.K8sKubeconfig, cfg.K8sNamespace)
		if err != nil {
			return nil, nil, fmt.Errorf("k8s client init failed: %w", err)
		}
		exec, err := runtimeexec.NewKubernetesJobExecutor(client, int32(cfg.K8sJobTTLSeconds), cfg.K8sServiceAccount)
		if err != nil {
			return nil, nil, fmt.Errorf("k8s executor init failed: %w", err)
		}
		rt, err := runtimeexec.NewRuntime(exec)
		return rt, nil, err
	default:
		registry := local.NewRegistry()
		if err := local.RegisterBuiltins(registry); err != nil {
			return nil, nil, err
		}
		rt, err := local.New(registry, logger.With("component", "local_runtime"), local.Options{
			StopGrace: cfg.StopGrace,
			Retention: cfg.LocalRetention,
		})
		if err != nil {
			return nil, nil, err
		}
		return rt, registry, nil
	}
}
