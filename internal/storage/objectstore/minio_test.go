package objectstore

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/minio/minio-go/v7"

	"github.com/animus-labs/appfabric/internal/platform/env"
)

func TestMinioConfigValidate(t *testing.T) {
	valid := MinioConfigFromEnv(env.FromMap(nil))
	if err := valid.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}

	bad := valid
	bad.Endpoint = "http://localhost:9000"
	bad.BucketAppData = bad.BucketArtifacts
	err := bad.Validate()
	if err == nil {
		t.Fatalf("expected errors")
	}
	for _, want := range []string{"host:port", "must differ"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %q", err, want)
		}
	}
}

func TestMinioConfigBucketsFromEnv(t *testing.T) {
	cfg := MinioConfigFromEnv(env.FromMap(map[string]string{"APPFABRIC_MINIO_BUCKET_APPDATA": "tenant-data"}))
	if got := cfg.Buckets(); len(got) != 2 || got[1] != "tenant-data" {
		t.Fatalf("Buckets()=%v", got)
	}
}

func TestMapMinioErrorNotFound(t *testing.T) {
	err := mapMinioError("data", "k", minio.ErrorResponse{Code: "NoSuchKey"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}
	other := minio.ErrorResponse{Code: "AccessDenied"}
	if errors.Is(mapMinioError("data", "k", other), ErrNotFound) {
		t.Fatalf("access denied must not map to not found")
	}
}

func TestMinioDeletePrefixRefusesEmptyPrefix(t *testing.T) {
	var s MinioStore
	if _, err := s.DeletePrefix(context.Background(), "data", ""); err == nil {
		t.Fatalf("expected refusal")
	}
}
