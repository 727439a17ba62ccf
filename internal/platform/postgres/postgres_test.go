package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/animus-labs/appfabric/internal/platform/env"
)

func TestFromEnvDefaultsAreValid(t *testing.T) {
	r := env.FromMap(nil)
	cfg := FromEnv(r)
	if err := r.Err(); err != nil {
		t.Fatalf("env: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !cfg.AutoMigrate {
		t.Fatalf("AutoMigrate should default to true")
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := FromEnv(env.FromMap(map[string]string{
		"APPFABRIC_DATABASE_MAX_CONNS":      "2",
		"APPFABRIC_DATABASE_MAX_IDLE_CONNS": "3",
		"APPFABRIC_DATABASE_URL":            "postgres://%zz",
	}))
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected errors")
	}
	for _, want := range []string{"database url", "max idle conns"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %q", err, want)
		}
	}
}

func TestConnConfigSetsSessionParams(t *testing.T) {
	cfg := FromEnv(env.FromMap(map[string]string{"APPFABRIC_DATABASE_STATEMENT_TIMEOUT": "2500ms"}))
	cc, err := cfg.connConfig()
	if err != nil {
		t.Fatalf("connConfig: %v", err)
	}
	if cc.RuntimeParams["statement_timeout"] != "2500" || cc.RuntimeParams["application_name"] != "appfabric" {
		t.Fatalf("runtime params=%v", cc.RuntimeParams)
	}
}

func TestWaitReadyRetriesUntilPingSucceeds(t *testing.T) {
	calls := 0
	ping := func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	}
	if err := waitReady(context.Background(), ping, 5*time.Second); err != nil {
		t.Fatalf("waitReady: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls=%d, want 3", calls)
	}
}

func TestWaitReadyGivesUp(t *testing.T) {
	refused := errors.New("connection refused")
	err := waitReady(context.Background(), func(context.Context) error { return refused }, 150*time.Millisecond)
	if !errors.Is(err, refused) {
		t.Fatalf("err=%v, want wrapped ping error", err)
	}
}

func TestPingCheckWithoutDB(t *testing.T) {
	if err := PingCheck(nil)(context.Background()); err == nil {
		t.Fatalf("expected error for nil db")
	}
}
