package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/animus-labs/appfabric/internal/domain"
	"github.com/animus-labs/appfabric/internal/platform/auditlog"
	"github.com/animus-labs/appfabric/internal/repo"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestBuildArtifactListQueryRequiresNamespace(t *testing.T) {
	if _, _, err := buildArtifactListQuery(repo.ArtifactFilter{}); err == nil {
		t.Fatalf("expected error for missing namespace")
	}
}

func TestBuildArtifactListQueryWithNameAndLimit(t *testing.T) {
	query, args, err := buildArtifactListQuery(repo.ArtifactFilter{Namespace: "ns1", Name: "purchases", Limit: 5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(args) != 3 || args[0] != "ns1" {
		t.Fatalf("unexpected args: %v", args)
	}
	if !strings.Contains(query, "name = $2") || !strings.Contains(query, "LIMIT $3") {
		t.Fatalf("unexpected query: %s", query)
	}
}

func TestBuildApplicationListQueryByArtifact(t *testing.T) {
	artifact := domain.ArtifactID{Namespace: "ns1", Name: "bundle", Version: "1.0.0"}
	query, args, err := buildApplicationListQuery(repo.ApplicationFilter{Artifact: &artifact})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(args) != 3 || args[0] != "ns1" || args[1] != "bundle" || args[2] != "1.0.0" {
		t.Fatalf("unexpected args: %v", args)
	}
	if !strings.Contains(query, "artifact_version = $3") {
		t.Fatalf("expected artifact predicate in query, got %s", query)
	}
	if _, _, err := buildApplicationListQuery(repo.ApplicationFilter{}); err == nil {
		t.Fatalf("expected error for unscoped listing")
	}
}

func TestBuildRunListQueryScopesToNamespace(t *testing.T) {
	program := domain.ApplicationID{Namespace: "ns1", Name: "app"}.Program(domain.ProgramTypeService, "svc")
	query, args, err := buildRunListQuery(repo.RunFilter{
		Program:  &program,
		Statuses: []domain.RunStatus{domain.RunStatusStarting, domain.RunStatusRunning},
		Limit:    10,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(args) != 7 {
		t.Fatalf("expected 7 args, got %d: %v", len(args), args)
	}
	for _, want := range []string{"namespace_id = $1", "program_name = $4", "status IN ($5,$6)", "LIMIT $7", "ORDER BY start_time DESC"} {
		if !strings.Contains(query, want) {
			t.Fatalf("expected %q in query, got %s", want, query)
		}
	}
	if _, _, err := buildRunListQuery(repo.RunFilter{}); err == nil {
		t.Fatalf("expected error for unscoped listing")
	}
}

func TestInsertErrorMapsUniqueViolation(t *testing.T) {
	err := insertError("application", fmt.Errorf("exec: %w", &pgconn.PgError{Code: "23505"}))
	if !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("err=%v, want ErrConflict", err)
	}
	err = insertError("application", &pgconn.PgError{Code: "23503"})
	if errors.Is(err, repo.ErrConflict) {
		t.Fatalf("foreign key violation must not map to ErrConflict")
	}
}

func TestMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(migrationFiles, "migrations")
	if err != nil {
		t.Fatalf("read migrations: %v", err)
	}
	ups, downs := 0, 0
	for _, entry := range entries {
		switch {
		case strings.HasSuffix(entry.Name(), ".up.sql"):
			ups++
		case strings.HasSuffix(entry.Name(), ".down.sql"):
			downs++
		}
	}
	if ups == 0 || ups != downs {
		t.Fatalf("ups=%d downs=%d", ups, downs)
	}
}

type fakeRow []any

func (r fakeRow) Scan(dest ...any) error {
	if len(dest) != len(r) {
		return fmt.Errorf("scan: %d dest for %d columns", len(dest), len(r))
	}
	for i, v := range r {
		switch d := dest[i].(type) {
		case *int64:
			*d = v.(int64)
		case *string:
			*d = v.(string)
		case *time.Time:
			*d = v.(time.Time)
		case *[]byte:
			*d = v.([]byte)
		case *sql.NullString:
			s, _ := v.(string)
			*d = sql.NullString{String: s, Valid: s != ""}
		default:
			return fmt.Errorf("scan: unsupported dest %T", d)
		}
	}
	return nil
}

func TestScannedAuditEventVerifies(t *testing.T) {
	occurred := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	sealed, err := auditlog.Seal(auditlog.Genesis, domain.AuditEvent{
		Actor:        "alice",
		Action:       "application.deleted",
		ResourceType: "application",
		ResourceID:   "ns1/shop",
		Payload:      domain.Metadata{"runs": 3},
	}, occurred)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	payload, err := encodeMetadata(sealed.Payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// Postgres keeps microseconds only.
	stored := occurred.Truncate(time.Microsecond).In(time.FixedZone("CET", 3600))
	event, err := scanAuditEvent(fakeRow{
		int64(1), stored, "alice", "application.deleted", "application", "ns1/shop",
		"", payload, sealed.PrevDigest, sealed.Digest,
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if _, err := auditlog.Verify(auditlog.Genesis, []domain.AuditEvent{event}); err != nil {
		t.Fatalf("round-tripped event does not verify: %v", err)
	}
}

func TestSelectQuerySkipsEmptyInAndLimit(t *testing.T) {
	q := newSelect("namespace_id", "namespaces").in("status", nil)
	query, args := q.build("namespace_id", 0)
	if query != "SELECT namespace_id FROM namespaces ORDER BY namespace_id" || len(args) != 0 {
		t.Fatalf("query=%q args=%v", query, args)
	}

	q = newSelect("run_id", "program_runs").in("status", activeStatuses)
	query, args = q.build("deadline", 10)
	want := "SELECT run_id FROM program_runs WHERE status IN ($1,$2,$3) ORDER BY deadline LIMIT $4"
	if query != want || len(args) != 4 || args[3] != 10 {
		t.Fatalf("query=%q args=%v", query, args)
	}
}

func TestNilStoresReportNotInitialized(t *testing.T) {
	var runs *RunStore
	if _, err := runs.ListActive(context.Background(), 1); err == nil || !strings.Contains(err.Error(), "not initialized") {
		t.Fatalf("err=%v", err)
	}
	if NewArtifactStore(nil) != nil {
		t.Fatalf("expected nil store for nil db")
	}
}
