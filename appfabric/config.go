package main

import (
	"time"

	"github.com/animus-labs/appfabric/internal/namespaces"
	"github.com/animus-labs/appfabric/internal/platform/env"
	"github.com/animus-labs/appfabric/internal/platform/postgres"
	"github.com/animus-labs/appfabric/internal/service/deletion"
	"github.com/animus-labs/appfabric/internal/service/deploy"
	"github.com/animus-labs/appfabric/internal/service/runs"
	"github.com/animus-labs/appfabric/internal/storage/objectstore"
)

const (
	storeMemory   = "memory"
	storePostgres = "postgres"

	blobMemory = "memory"
	blobMinio  = "minio"

	runtimeLocal      = "local"
	runtimeDocker     = "docker"
	runtimeKubernetes = "kubernetes"
)

// config is assembled once at startup and passed by value.
type config struct {
	Addr            string
	ShutdownTimeout time.Duration

	Store     string
	BlobStore string
	Runtime   string

	Postgres    postgres.Config
	ObjectStore objectstore.MinioConfig

	Deploy   deploy.Config
	Runs     runs.Config
	Deletion deletion.Config

	NamespaceCacheTTL time.Duration
	ReconcileInterval time.Duration
	// ReconcileRate bounds runtime inspections per second issued by the
	// run syncer.
	ReconcileRate float64

	StopGrace      time.Duration
	LocalRetention time.Duration

	DockerBin     string
	DockerNetwork string

	K8sKubeconfig     string
	K8sNamespace      string
	K8sJobTTLSeconds  int
	K8sServiceAccount string
}

func loadConfig() (config, error) {
	return readConfig(env.New())
}

func readConfig(r *env.Reader) (config, error) {
	var cfg config
	cfg.Addr = r.String("APPFABRIC_HTTP_ADDR", ":8090")
	cfg.ShutdownTimeout = r.Duration("APPFABRIC_SHUTDOWN_TIMEOUT", 10*time.Second)

	cfg.Store = r.Choice("APPFABRIC_STORE", storeMemory, storeMemory, storePostgres)
	cfg.BlobStore = r.Choice("APPFABRIC_BLOB_STORE", blobMemory, blobMemory, blobMinio)
	cfg.Runtime = r.Choice("APPFABRIC_RUNTIME", runtimeLocal, runtimeLocal, runtimeDocker, runtimeKubernetes)

	if cfg.Store == storePostgres {
		cfg.Postgres = postgres.FromEnv(r)
	}
	if cfg.BlobStore == blobMinio {
		cfg.ObjectStore = objectstore.MinioConfigFromEnv(r)
	} else {
		cfg.ObjectStore = objectstore.MinioConfig{BucketArtifacts: "artifacts", BucketAppData: "appdata"}
	}

	cfg.Deploy.InstantiateTimeout = r.Duration("APPFABRIC_INSTANTIATE_TIMEOUT", deploy.DefaultInstantiateTimeout)
	cfg.Deploy.RollbackTimeout = r.Duration("APPFABRIC_ROLLBACK_TIMEOUT", deploy.DefaultRollbackTimeout)
	cfg.Runs.StartTimeout = r.Duration("APPFABRIC_RUN_START_TIMEOUT", runs.DefaultStartTimeout)
	cfg.Runs.StopTimeout = r.Duration("APPFABRIC_RUN_STOP_TIMEOUT", runs.DefaultStopTimeout)
	cfg.Runs.HeartbeatTimeout = r.Duration("APPFABRIC_RUN_HEARTBEAT_TIMEOUT", runs.DefaultHeartbeatTimeout)
	cfg.Runs.RuntimeCallTimeout = r.Duration("APPFABRIC_RUNTIME_CALL_TIMEOUT", runs.DefaultRuntimeCallTimeout)
	cfg.Runs.ReconcileBatch = r.Int("APPFABRIC_RECONCILE_BATCH", runs.DefaultReconcileBatch)
	cfg.Deletion.StopWaitTimeout = r.Duration("APPFABRIC_DELETE_STOP_WAIT", deletion.DefaultStopWaitTimeout)
	cfg.NamespaceCacheTTL = r.Duration("APPFABRIC_NAMESPACE_CACHE_TTL", namespaces.DefaultCacheTTL)

	cfg.ReconcileInterval = r.Duration("APPFABRIC_RECONCILE_INTERVAL", 15*time.Second)
	cfg.ReconcileRate = r.Float("APPFABRIC_RECONCILE_RATE", 20)
	cfg.StopGrace = r.Duration("APPFABRIC_STOP_GRACE", 30*time.Second)
	cfg.LocalRetention = r.Duration("APPFABRIC_LOCAL_RETENTION", 10*time.Minute)

	cfg.DockerBin = r.String("APPFABRIC_DOCKER_BIN", "docker")
	cfg.DockerNetwork = r.String("APPFABRIC_DOCKER_NETWORK", "")
	cfg.K8sKubeconfig = r.String("APPFABRIC_K8S_KUBECONFIG", "")
	cfg.K8sNamespace = r.String("APPFABRIC_K8S_NAMESPACE", "")
	cfg.K8sJobTTLSeconds = r.Int("APPFABRIC_K8S_JOB_TTL_SECONDS", 3600)
	cfg.K8sServiceAccount = r.String("APPFABRIC_K8S_JOB_SERVICE_ACCOUNT", "")

	cfg.validate(r)
	if err := r.Err(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

// validate records cross-field problems on r next to parse failures.
func (c config) validate(r *env.Reader) {
	if c.ReconcileInterval <= 0 {
		r.Failf("APPFABRIC_RECONCILE_INTERVAL must be positive")
	}
	if c.ReconcileRate <= 0 {
		r.Failf("APPFABRIC_RECONCILE_RATE must be positive")
	}
	if c.K8sJobTTLSeconds < 0 {
		r.Failf("APPFABRIC_K8S_JOB_TTL_SECONDS must not be negative")
	}
	if c.Store == storePostgres {
		if err := c.Postgres.Validate(); err != nil {
			r.Failf("database: %w", err)
		}
	}
	if c.BlobStore == blobMinio {
		if err := c.ObjectStore.Validate(); err != nil {
			r.Failf("object store: %w", err)
		}
	}
}
