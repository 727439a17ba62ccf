package runtimeexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/animus-labs/appfabric/internal/runtime"
)

// dockerCLI runs one docker command and returns stdout. On failure the
// error carries stderr.
type dockerCLI func(ctx context.Context, args ...string) ([]byte, error)

// dockerError is a failed docker command.
type dockerError struct {
	args   []string
	stderr string
	err    error
}

func (e *dockerError) Error() string {
	return fmt.Sprintf("docker %s: %v: %s", e.args[0], e.err, e.stderr)
}

func (e *dockerError) Unwrap() error { return e.err }

func (e *dockerError) notFound() bool {
	return strings.Contains(e.stderr, "No such object") ||
		strings.Contains(e.stderr, "No such container")
}

func (e *dockerError) nameInUse() bool {
	return strings.Contains(e.stderr, "is already in use")
}

func execDocker(bin string) dockerCLI {
	return func(ctx context.Context, args ...string) ([]byte, error) {
		var stdout, stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, bin, args...)
		cmd.Stdout, cmd.Stderr = &stdout, &stderr
		if err := cmd.Run(); err != nil {
			return nil, &dockerError{args: args, stderr: strings.TrimSpace(stderr.String()), err: err}
		}
		return stdout.Bytes(), nil
	}
}

// DockerExecutor runs each program run as one detached container on the
// local daemon. Exited containers are kept so their exit state stays
// observable; only one instance is started per run.
type DockerExecutor struct {
	docker    dockerCLI
	network   string
	stopGrace time.Duration
}

func NewDockerExecutor(bin, network string, stopGrace time.Duration) (*DockerExecutor, error) {
	if bin == "" {
		bin = "docker"
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return nil, fmt.Errorf("docker binary not found: %w", err)
	}
	if stopGrace < 0 {
		return nil, errors.New("stop grace must not be negative")
	}
	return &DockerExecutor{docker: execDocker(path), network: network, stopGrace: stopGrace}, nil
}

func (e *DockerExecutor) Kind() string {
	return "docker"
}

func (e *DockerExecutor) runArgs(spec JobSpec) ([]string, error) {
	if spec.Name == "" {
		return nil, errors.New("container name is required")
	}
	if spec.Image == "" {
		return nil, ErrImageRequired
	}
	hints, err := parseResourceHints(spec.Resources)
	if err != nil {
		return nil, err
	}

	args := []string{"run", "--detach", "--name", spec.Name}
	if e.network != "" {
		args = append(args, "--network", e.network)
	}
	for _, labels := range []map[string]string{spec.Labels, spec.Annotations} {
		for _, key := range sortedEnv(labels) {
			args = append(args, "--label", key+"="+labels[key])
		}
	}
	for _, key := range sortedEnv(spec.Env) {
		args = append(args, "--env", key+"="+spec.Env[key])
	}
	if hints.CPU != nil {
		args = append(args, "--cpus", strconv.FormatFloat(hints.CPU.AsApproximateFloat64(), 'f', -1, 64))
	}
	if hints.Memory != nil {
		args = append(args, "--memory", strconv.FormatInt(hints.Memory.Value(), 10))
	}
	if hints.GPUs > 0 {
		args = append(args, "--gpus", strconv.Itoa(hints.GPUs))
	}
	return append(args, spec.Image), nil
}

func (e *DockerExecutor) Submit(ctx context.Context, spec JobSpec) error {
	args, err := e.runArgs(spec)
	if err != nil {
		return err
	}
	_, err = e.docker(ctx, args...)
	var derr *dockerError
	if errors.As(err, &derr) && derr.nameInUse() {
		// Resubmission of the same run; the container already exists.
		return nil
	}
	return err
}

type containerState struct {
	Status     string    `json:"Status"`
	ExitCode   int       `json:"ExitCode"`
	Error      string    `json:"Error"`
	OOMKilled  bool      `json:"OOMKilled"`
	FinishedAt time.Time `json:"FinishedAt"`
	Health     *struct {
		Status string `json:"Status"`
	} `json:"Health"`
}

func (s containerState) observe() (runtime.Status, string) {
	switch s.Status {
	case "running":
		if s.Health != nil && s.Health.Status == "starting" {
			return runtime.StatusInitializing, "health check starting"
		}
		return runtime.StatusRunning, s.Status
	case "paused", "restarting":
		return runtime.StatusRunning, s.Status
	case "exited", "dead":
		message := fmt.Sprintf("exit code %d", s.ExitCode)
		if s.Error != "" {
			message += ": " + s.Error
		}
		switch {
		case s.ExitCode == 0 && !s.OOMKilled:
			return runtime.StatusCompleted, message
		case s.OOMKilled:
			return runtime.StatusKilled, message + " (out of memory)"
		case s.ExitCode == 137 || s.ExitCode == 143:
			// SIGKILL or SIGTERM from outside the program.
			return runtime.StatusKilled, message
		default:
			return runtime.StatusFailed, message
		}
	}
	return runtime.StatusInitializing, s.Status
}

func (e *DockerExecutor) Inspect(ctx context.Context, execution Execution) (runtime.Observation, error) {
	if execution.Name == "" {
		return runtime.Observation{}, errors.New("container name is required")
	}
	out, err := e.docker(ctx, "container", "inspect", "--format", "{{json .State}}", execution.Name)
	if err != nil {
		var derr *dockerError
		if errors.As(err, &derr) && derr.notFound() {
			return runtime.Observation{}, runtime.ErrUnknownRun
		}
		return runtime.Observation{}, err
	}

	var state containerState
	if err := json.Unmarshal(out, &state); err != nil {
		return runtime.Observation{}, fmt.Errorf("parse container state: %w", err)
	}
	status, message := state.observe()
	details := map[string]any{
		"docker_container": execution.Name,
		"state":            state.Status,
	}
	if !state.FinishedAt.IsZero() {
		details["exit_code"] = state.ExitCode
		details["finished_at"] = state.FinishedAt
	}
	return runtime.Observation{Status: status, Message: message, Details: details}, nil
}

func (e *DockerExecutor) Terminate(ctx context.Context, execution Execution) error {
	if execution.Name == "" {
		return errors.New("container name is required")
	}
	grace := strconv.Itoa(int(e.stopGrace.Seconds()))
	_, err := e.docker(ctx, "container", "stop", "--time", grace, execution.Name)
	var derr *dockerError
	if errors.As(err, &derr) && derr.notFound() {
		return runtime.ErrUnknownRun
	}
	return err
}
