package local

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/animus-labs/appfabric/internal/domain"
	"github.com/animus-labs/appfabric/internal/runtime"
)

type recordingSink struct {
	mu      sync.Mutex
	reports []runtime.Report
	notify  chan runtime.Report
}

func newRecordingSink() *recordingSink {
	return &recordingSink{notify: make(chan runtime.Report, 32)}
}

func (s *recordingSink) Deliver(_ context.Context, report runtime.Report) error {
	s.mu.Lock()
	s.reports = append(s.reports, report)
	s.mu.Unlock()
	s.notify <- report
	return nil
}

func (s *recordingSink) waitTerminal(t *testing.T) runtime.Report {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case report := <-s.notify:
			if report.Status.Terminal() {
				return report
			}
		case <-timeout:
			t.Fatalf("no terminal report received")
		}
	}
}

func (s *recordingSink) statuses() []runtime.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]runtime.Status, 0, len(s.reports))
	for _, r := range s.reports {
		out = append(out, r.Status)
	}
	return out
}

type panickingProgram struct{}

func (panickingProgram) Initialize(context.Context, Context) error { panic("boom") }
func (panickingProgram) Run(context.Context) error                 { return nil }

type stubbornProgram struct{ release chan struct{} }

func (stubbornProgram) Initialize(context.Context, Context) error { return nil }
func (p stubbornProgram) Run(context.Context) error {
	<-p.release
	return nil
}

func newTestRuntime(t *testing.T, opts Options) (*Runtime, *Registry, *recordingSink) {
	t.Helper()
	registry := NewRegistry()
	if err := RegisterBuiltins(registry); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	rt, err := New(registry, slog.New(slog.NewTextHandler(io.Discard, nil)), opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sink := newRecordingSink()
	rt.Attach(sink)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = rt.Shutdown(ctx)
	})
	return rt, registry, sink
}

func startRequest(class, runID string, args map[string]string, requires ...string) runtime.StartRequest {
	program := domain.ApplicationID{Namespace: "default", Name: "shop"}.Program(domain.ProgramTypeWorker, "indexer")
	return runtime.StartRequest{
		Program: program,
		RunID:   runID,
		Spec:    domain.ProgramSpec{Type: domain.ProgramTypeWorker, Name: "indexer", Class: class, Requires: requires},
		Args:    args,
	}
}

func TestRuntimeRunsProgramToCompletion(t *testing.T) {
	rt, _, sink := newTestRuntime(t, Options{})
	req := startRequest(ClassNoop, "run-1", nil)
	if err := rt.Start(context.Background(), req); err != nil {
		t.Fatalf("Start: %v", err)
	}
	final := sink.waitTerminal(t)
	if final.Status != runtime.StatusCompleted {
		t.Fatalf("final status = %s, want COMPLETED", final.Status)
	}
	got := sink.statuses()
	want := []runtime.Status{runtime.StatusInitializing, runtime.StatusRunning, runtime.StatusCompleted}
	if len(got) != len(want) {
		t.Fatalf("statuses = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("statuses = %v, want %v", got, want)
		}
	}
	obs, err := rt.Inspect(context.Background(), req.Program, req.RunID)
	if err != nil || obs.Status != runtime.StatusCompleted {
		t.Fatalf("Inspect = %+v err=%v", obs, err)
	}
}

func TestRuntimeInitializationFailuresReportFailed(t *testing.T) {
	cases := []struct {
		name string
		req  runtime.StartRequest
		want string
	}{
		{name: "missing dependency", req: startRequest(ClassNoop, "run-dep", nil, "guava"), want: `missing runtime dependency "guava"`},
		{name: "requested by args", req: startRequest(ClassNoop, "run-arg", map[string]string{ArgFailInInitialize: "true"}), want: "initialization failure requested"},
		{name: "panic", req: startRequest("test.Panic", "run-panic", nil), want: "initialize panicked: boom"},
		{name: "bad argument", req: startRequest(ClassSleep, "run-sleep", map[string]string{"duration": "soon"}), want: "parse duration"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rt, registry, sink := newTestRuntime(t, Options{})
			if err := registry.Register("test.Panic", func() Program { return panickingProgram{} }); err != nil {
				t.Fatalf("Register: %v", err)
			}
			if err := rt.Start(context.Background(), tc.req); err != nil {
				t.Fatalf("Start: %v", err)
			}
			final := sink.waitTerminal(t)
			if final.Status != runtime.StatusFailed {
				t.Fatalf("final status = %s, want FAILED", final.Status)
			}
			if !strings.Contains(final.Message, tc.want) {
				t.Fatalf("message = %q, want %q", final.Message, tc.want)
			}
		})
	}
}

func TestRuntimeProvidedDependencySatisfiesRequires(t *testing.T) {
	rt, registry, sink := newTestRuntime(t, Options{})
	registry.Provide("guava")
	if err := rt.Start(context.Background(), startRequest(ClassNoop, "run-1", nil, "guava")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if final := sink.waitTerminal(t); final.Status != runtime.StatusCompleted {
		t.Fatalf("final status = %s, want COMPLETED", final.Status)
	}
}

func TestRuntimeStartRejectsUnknownClassAndDuplicateRun(t *testing.T) {
	rt, _, _ := newTestRuntime(t, Options{})
	if err := rt.Start(context.Background(), startRequest("nope.Missing", "run-1", nil)); err == nil {
		t.Fatalf("expected error for unknown class")
	}
	req := startRequest(ClassService, "run-2", nil)
	if err := rt.Start(context.Background(), req); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := rt.Start(context.Background(), req); err == nil {
		t.Fatalf("expected duplicate run error")
	}
}

func TestRuntimeStopCompletesService(t *testing.T) {
	rt, _, sink := newTestRuntime(t, Options{})
	req := startRequest(ClassService, "run-1", nil)
	if err := rt.Start(context.Background(), req); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := rt.Stop(context.Background(), req.Program, req.RunID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	final := sink.waitTerminal(t)
	if final.Status != runtime.StatusCompleted || final.Message != "stopped" {
		t.Fatalf("final = %+v, want COMPLETED/stopped", final)
	}
	if err := rt.Stop(context.Background(), req.Program, req.RunID); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestRuntimeStopKillsStubbornProgram(t *testing.T) {
	rt, registry, sink := newTestRuntime(t, Options{StopGrace: 20 * time.Millisecond})
	release := make(chan struct{})
	defer close(release)
	if err := registry.Register("test.Stubborn", func() Program { return stubbornProgram{release: release} }); err != nil {
		t.Fatalf("Register: %v", err)
	}
	req := startRequest("test.Stubborn", "run-1", nil)
	if err := rt.Start(context.Background(), req); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := rt.Stop(context.Background(), req.Program, req.RunID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if final := sink.waitTerminal(t); final.Status != runtime.StatusKilled {
		t.Fatalf("final status = %s, want KILLED", final.Status)
	}
}

func TestRuntimeUnknownRun(t *testing.T) {
	rt, _, _ := newTestRuntime(t, Options{})
	program := domain.ApplicationID{Namespace: "default", Name: "shop"}.Program(domain.ProgramTypeService, "api")
	if _, err := rt.Inspect(context.Background(), program, "ghost"); !errors.Is(err, runtime.ErrUnknownRun) {
		t.Fatalf("Inspect err = %v, want ErrUnknownRun", err)
	}
	if err := rt.Stop(context.Background(), program, "ghost"); !errors.Is(err, runtime.ErrUnknownRun) {
		t.Fatalf("Stop err = %v, want ErrUnknownRun", err)
	}
}

func TestRegistryRejectsDuplicateClass(t *testing.T) {
	registry := NewRegistry()
	if err := RegisterBuiltins(registry); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	if err := registry.Register(ClassNoop, func() Program { return noopProgram{} }); err == nil {
		t.Fatalf("expected duplicate class error")
	}
	if !registry.HasClass(ClassSleep) || registry.HasClass("x.Y") {
		t.Fatalf("HasClass mismatch: %v", registry.Classes())
	}
}
