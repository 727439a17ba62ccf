package runtimeexec

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/animus-labs/appfabric/internal/domain"
	"github.com/animus-labs/appfabric/internal/platform/k8s"
	"github.com/animus-labs/appfabric/internal/runtime"
)

var dnsLabel = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

func testProgram() domain.ProgramID {
	return domain.ApplicationID{Namespace: "team_a", Name: "Purchase.History"}.Program(domain.ProgramTypeWorker, "Indexer_V2")
}

func startRequest() runtime.StartRequest {
	return runtime.StartRequest{
		Program: testProgram(),
		RunID:   "6f1c2a7e-0000-4000-8000-000000000001",
		Spec: domain.ProgramSpec{
			Type:      domain.ProgramTypeWorker,
			Name:      "Indexer_V2",
			Class:     "shop.Indexer",
			Image:     "registry.local/shop:1.0",
			Instances: 3,
			Properties: map[string]string{
				"env.LOG_LEVEL":        "debug",
				"env.APPFABRIC_RUN_ID": "spoofed",
				"resources.cpu":        "2",
				"resources.memory":     "1Gi",
				"resources.gpus":       "1",
			},
		},
		Artifact:  domain.ArtifactID{Namespace: "team_a", Name: "shop", Version: "1.0"},
		Args:      map[string]string{"mode": "full"},
		Principal: "svc-shop",
	}
}

func TestExecutionForProducesStableDNSLabels(t *testing.T) {
	program := testProgram()
	a := ExecutionFor(program, "run-1")
	b := ExecutionFor(program, "run-1")
	c := ExecutionFor(program, "run-2")
	if a.Name != b.Name {
		t.Fatalf("names differ for same run: %q vs %q", a.Name, b.Name)
	}
	if a.Name == c.Name {
		t.Fatalf("names collide across runs: %q", a.Name)
	}
	long := domain.ApplicationID{Namespace: "ns", Name: strings.Repeat("x", 200)}.Program(domain.ProgramTypeService, "api")
	for _, execution := range []Execution{a, c, ExecutionFor(long, "run-1")} {
		if len(execution.Name) > 63 || !dnsLabel.MatchString(execution.Name) {
			t.Fatalf("invalid name %q", execution.Name)
		}
	}
}

func TestBuildJobSpec(t *testing.T) {
	spec, err := buildJobSpec(startRequest())
	if err != nil {
		t.Fatalf("buildJobSpec: %v", err)
	}
	if spec.Env["LOG_LEVEL"] != "debug" {
		t.Fatalf("LOG_LEVEL=%q", spec.Env["LOG_LEVEL"])
	}
	if spec.Env["APPFABRIC_RUN_ID"] != startRequest().RunID {
		t.Fatalf("reserved env was overridden: %q", spec.Env["APPFABRIC_RUN_ID"])
	}
	if spec.Env["APPFABRIC_ARGS"] != `{"mode":"full"}` {
		t.Fatalf("APPFABRIC_ARGS=%q", spec.Env["APPFABRIC_ARGS"])
	}
	if spec.Resources["memory"] != "1Gi" || spec.Instances != 3 {
		t.Fatalf("unexpected spec: %+v", spec)
	}
	if spec.Annotations[AnnotationPrincipal] != "svc-shop" || spec.Labels[LabelRunID] != startRequest().RunID {
		t.Fatalf("unexpected metadata: labels=%v annotations=%v", spec.Labels, spec.Annotations)
	}

	req := startRequest()
	req.Spec.Image = ""
	if _, err := buildJobSpec(req); !errors.Is(err, ErrImageRequired) {
		t.Fatalf("expected ErrImageRequired, got %v", err)
	}
}

// fakeDocker answers by the command verb: "run", "inspect" or "stop".
type fakeDocker struct {
	mu     sync.Mutex
	calls  [][]string
	output map[string]string
	stderr map[string]string
}

func (f *fakeDocker) run(_ context.Context, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, args)
	verb := args[0]
	if verb == "container" {
		verb = args[1]
	}
	if msg, ok := f.stderr[verb]; ok {
		return nil, &dockerError{args: args, stderr: msg, err: errors.New("exit status 1")}
	}
	return []byte(f.output[verb]), nil
}

func TestDockerExecutorSubmitAndInspect(t *testing.T) {
	fake := &fakeDocker{output: map[string]string{}, stderr: map[string]string{}}
	executor := &DockerExecutor{docker: fake.run, network: "host"}
	spec, err := buildJobSpec(startRequest())
	if err != nil {
		t.Fatalf("buildJobSpec: %v", err)
	}
	if err := executor.Submit(context.Background(), spec); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	args := strings.Join(fake.calls[0], " ")
	for _, want := range []string{"run --detach --name " + spec.Name, "--network host", "--env LOG_LEVEL=debug", "--cpus 2", "--memory 1073741824", "--gpus 1"} {
		if !strings.Contains(args, want) {
			t.Fatalf("docker args %q missing %q", args, want)
		}
	}
	if !strings.HasSuffix(args, "registry.local/shop:1.0") {
		t.Fatalf("image must be last: %q", args)
	}

	cases := []struct {
		state string
		want  runtime.Status
	}{
		{state: `{"Status":"created"}`, want: runtime.StatusInitializing},
		{state: `{"Status":"running"}`, want: runtime.StatusRunning},
		{state: `{"Status":"running","Health":{"Status":"starting"}}`, want: runtime.StatusInitializing},
		{state: `{"Status":"exited","ExitCode":0,"OOMKilled":true}`, want: runtime.StatusKilled},
		{state: `{"Status":"exited","ExitCode":0}`, want: runtime.StatusCompleted},
		{state: `{"Status":"exited","ExitCode":2}`, want: runtime.StatusFailed},
		{state: `{"Status":"exited","ExitCode":137}`, want: runtime.StatusKilled},
	}
	for _, tc := range cases {
		fake.output["inspect"] = tc.state
		obs, err := executor.Inspect(context.Background(), spec.Execution)
		if err != nil {
			t.Fatalf("Inspect(%s): %v", tc.state, err)
		}
		if obs.Status != tc.want {
			t.Fatalf("Inspect(%s)=%s want %s", tc.state, obs.Status, tc.want)
		}
	}

	fake.stderr["inspect"] = "Error: No such object: " + spec.Name
	if _, err := executor.Inspect(context.Background(), spec.Execution); !errors.Is(err, runtime.ErrUnknownRun) {
		t.Fatalf("expected ErrUnknownRun, got %v", err)
	}

	fake.stderr["run"] = `Conflict. The container name "/` + spec.Name + `" is already in use`
	if err := executor.Submit(context.Background(), spec); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	fake.stderr["stop"] = "Error response from daemon: No such container: " + spec.Name
	if err := executor.Terminate(context.Background(), spec.Execution); !errors.Is(err, runtime.ErrUnknownRun) {
		t.Fatalf("Terminate err=%v, want ErrUnknownRun", err)
	}
}

type fakeExecutor struct {
	obs          runtime.Observation
	inspectErr   error
	terminateErr error
	submitted    []JobSpec
	terminated   []Execution
}

func (f *fakeExecutor) Kind() string { return "fake" }

func (f *fakeExecutor) Submit(_ context.Context, spec JobSpec) error {
	f.submitted = append(f.submitted, spec)
	return nil
}

func (f *fakeExecutor) Inspect(context.Context, Execution) (runtime.Observation, error) {
	return f.obs, f.inspectErr
}

func (f *fakeExecutor) Terminate(_ context.Context, execution Execution) error {
	f.terminated = append(f.terminated, execution)
	return f.terminateErr
}

func TestRuntimeReportsStoppedRunsAsCompleted(t *testing.T) {
	executor := &fakeExecutor{obs: runtime.Observation{Status: runtime.StatusKilled, Message: "exit code 143"}}
	rt, err := NewRuntime(executor)
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	req := startRequest()
	if err := rt.Start(context.Background(), req); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(executor.submitted) != 1 || executor.submitted[0].Name != ExecutionFor(req.Program, req.RunID).Name {
		t.Fatalf("unexpected submissions: %+v", executor.submitted)
	}

	obs, err := rt.Inspect(context.Background(), req.Program, req.RunID)
	if err != nil || obs.Status != runtime.StatusKilled {
		t.Fatalf("Inspect before stop = %+v err=%v", obs, err)
	}
	if err := rt.Stop(context.Background(), req.Program, req.RunID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	obs, err = rt.Inspect(context.Background(), req.Program, req.RunID)
	if err != nil || obs.Status != runtime.StatusCompleted {
		t.Fatalf("Inspect after stop = %+v err=%v", obs, err)
	}

	executor.inspectErr = runtime.ErrUnknownRun
	obs, err = rt.Inspect(context.Background(), req.Program, req.RunID)
	if err != nil || obs.Status != runtime.StatusCompleted {
		t.Fatalf("Inspect of deleted stopped run = %+v err=%v", obs, err)
	}
	if _, err := rt.Inspect(context.Background(), req.Program, "other-run"); !errors.Is(err, runtime.ErrUnknownRun) {
		t.Fatalf("expected ErrUnknownRun for never-stopped run, got %v", err)
	}
}

func TestKubernetesJobExecutor(t *testing.T) {
	ctx := context.Background()
	clientset := fake.NewSimpleClientset()
	client, err := k8s.New(clientset, "apps")
	if err != nil {
		t.Fatalf("k8s.New: %v", err)
	}
	executor, err := NewKubernetesJobExecutor(client, 600, "runner")
	if err != nil {
		t.Fatalf("NewKubernetesJobExecutor: %v", err)
	}
	rt, err := NewRuntime(executor)
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	req := startRequest()
	if err := rt.Start(ctx, req); err != nil {
		t.Fatalf("Start: %v", err)
	}

	name := ExecutionFor(req.Program, req.RunID).Name
	jobs := clientset.BatchV1().Jobs("apps")
	created, err := jobs.Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		t.Fatalf("job not created: %v", err)
	}
	if created.Spec.Parallelism == nil || *created.Spec.Parallelism != 3 {
		t.Fatalf("parallelism not set: %+v", created.Spec)
	}
	container := created.Spec.Template.Spec.Containers[0]
	gpus := container.Resources.Limits["nvidia.com/gpu"]
	memory := container.Resources.Requests[corev1.ResourceMemory]
	if gpus.String() != "1" || memory.String() != "1Gi" {
		t.Fatalf("unexpected resources: %+v", container.Resources)
	}
	if created.Spec.Template.Spec.ServiceAccountName != "runner" || created.Labels[LabelRunID] != req.RunID {
		t.Fatalf("job meta=%+v sa=%q", created.ObjectMeta, created.Spec.Template.Spec.ServiceAccountName)
	}

	obs, err := rt.Inspect(ctx, req.Program, req.RunID)
	if err != nil || obs.Status != runtime.StatusInitializing {
		t.Fatalf("Inspect before pods = %+v err=%v", obs, err)
	}
	created.Status.Active = 3
	if _, err := jobs.UpdateStatus(ctx, created, metav1.UpdateOptions{}); err != nil {
		t.Fatalf("update status: %v", err)
	}
	obs, err = rt.Inspect(ctx, req.Program, req.RunID)
	if err != nil || obs.Status != runtime.StatusRunning {
		t.Fatalf("Inspect = %+v err=%v", obs, err)
	}

	if err := rt.Stop(ctx, req.Program, req.RunID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	obs, err = rt.Inspect(ctx, req.Program, req.RunID)
	if err != nil || obs.Status != runtime.StatusCompleted {
		t.Fatalf("Inspect after stop = %+v err=%v", obs, err)
	}
}

func TestKubernetesJobExecutorReportsFailureCondition(t *testing.T) {
	ctx := context.Background()
	clientset := fake.NewSimpleClientset(&batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: "af-failed", Namespace: "apps"},
		Status: batchv1.JobStatus{Conditions: []batchv1.JobCondition{{
			Type:   batchv1.JobFailed,
			Status: corev1.ConditionTrue,
			Reason: "BackoffLimitExceeded",
		}}},
	})
	client, _ := k8s.New(clientset, "apps")
	executor, _ := NewKubernetesJobExecutor(client, 0, "")

	obs, err := executor.Inspect(ctx, Execution{Name: "af-failed"})
	if err != nil || obs.Status != runtime.StatusFailed || obs.Message != "BackoffLimitExceeded" {
		t.Fatalf("Inspect = %+v err=%v", obs, err)
	}
	if _, err := executor.Inspect(ctx, Execution{Name: "af-missing"}); !errors.Is(err, runtime.ErrUnknownRun) {
		t.Fatalf("missing job err=%v, want ErrUnknownRun", err)
	}
}

func TestKubernetesJobExecutorRejectsBadQuantity(t *testing.T) {
	client, _ := k8s.New(fake.NewSimpleClientset(), "apps")
	executor, _ := NewKubernetesJobExecutor(client, 0, "")
	req := startRequest()
	req.Spec.Properties["resources.memory"] = "lots"
	spec, err := buildJobSpec(req)
	if err != nil {
		t.Fatalf("buildJobSpec: %v", err)
	}
	if err := executor.Submit(context.Background(), spec); err == nil || !strings.Contains(err.Error(), "memory") {
		t.Fatalf("Submit err=%v, want memory quantity error", err)
	}
}
