package runtimeexec

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/animus-labs/appfabric/internal/domain"
	"github.com/animus-labs/appfabric/internal/runtime"
)

const (
	LabelManagedBy = "app.kubernetes.io/managed-by"
	LabelRunID     = "appfabric.io/run-id"
	LabelProgram   = "appfabric.io/program-hash"

	AnnotationProgram   = "appfabric.io/program"
	AnnotationArtifact  = "appfabric.io/artifact"
	AnnotationPrincipal = "appfabric.io/principal"

	envPropertyPrefix      = "env."
	resourcePropertyPrefix = "resources."
	maxNameLength          = 63
)

// ExecutionFor derives the backend object name of a run. Names are DNS-1123
// labels so that they are valid for both container and Job names.
func ExecutionFor(program domain.ProgramID, runID string) Execution {
	sum := sha256.Sum256([]byte(program.String() + "\x00" + runID))
	suffix := hex.EncodeToString(sum[:])[:12]
	base := sanitizeName(program.Application.Name + "-" + program.Name)
	limit := maxNameLength - len("af-") - len(suffix) - 1
	if len(base) > limit {
		base = strings.Trim(base[:limit], "-")
	}
	name := "af-" + suffix
	if base != "" {
		name = "af-" + base + "-" + suffix
	}
	return Execution{Program: program, RunID: runID, Name: name}
}

func programHash(program domain.ProgramID) string {
	sum := sha256.Sum256([]byte(program.String()))
	return hex.EncodeToString(sum[:])[:16]
}

func sanitizeName(value string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(value) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.Trim(b.String(), "-")
}

// buildJobSpec turns a start request into a backend job. Program properties
// prefixed with "env." become environment variables and those prefixed with
// "resources." become resource hints.
func buildJobSpec(req runtime.StartRequest) (JobSpec, error) {
	image := strings.TrimSpace(req.Spec.Image)
	if image == "" {
		return JobSpec{}, ErrImageRequired
	}
	args, err := json.Marshal(req.Args)
	if err != nil {
		return JobSpec{}, err
	}

	spec := JobSpec{
		Execution: ExecutionFor(req.Program, req.RunID),
		Image:     image,
		Env:       map[string]string{},
		Resources: map[string]string{},
		Instances: req.Spec.Instances,
		Labels: map[string]string{
			LabelManagedBy: "appfabric",
			LabelRunID:     req.RunID,
			LabelProgram:   programHash(req.Program),
		},
		Annotations: map[string]string{
			AnnotationProgram: req.Program.String(),
		},
	}
	if req.Artifact.Name != "" {
		spec.Annotations[AnnotationArtifact] = req.Artifact.String()
	}
	if req.Principal != "" {
		spec.Annotations[AnnotationPrincipal] = req.Principal
	}

	for key, value := range req.Spec.Properties {
		switch {
		case strings.HasPrefix(key, envPropertyPrefix):
			name := strings.TrimSpace(strings.TrimPrefix(key, envPropertyPrefix))
			if name != "" && !isReservedJobEnvKey(name) {
				spec.Env[name] = value
			}
		case strings.HasPrefix(key, resourcePropertyPrefix):
			spec.Resources[strings.TrimPrefix(key, resourcePropertyPrefix)] = strings.TrimSpace(value)
		}
	}
	for key, value := range map[string]string{
		"APPFABRIC_RUN_ID":        req.RunID,
		"APPFABRIC_NAMESPACE":     req.Program.Application.Namespace,
		"APPFABRIC_APPLICATION":   req.Program.Application.Name,
		"APPFABRIC_PROGRAM_TYPE":  string(req.Program.Type),
		"APPFABRIC_PROGRAM":       req.Program.Name,
		"APPFABRIC_PROGRAM_CLASS": req.Spec.Class,
		"APPFABRIC_ARGS":          string(args),
	} {
		spec.Env[key] = value
	}
	return spec, nil
}

func sortedEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// resourceHints are the parsed "resources." program properties.
type resourceHints struct {
	CPU    *resource.Quantity
	Memory *resource.Quantity
	GPUs   int
}

// parseResourceHints reads cpu and memory as Kubernetes quantities and gpus
// as a count. Unknown keys are ignored.
func parseResourceHints(resources map[string]string) (resourceHints, error) {
	var hints resourceHints
	for key, dst := range map[string]**resource.Quantity{"cpu": &hints.CPU, "memory": &hints.Memory} {
		value := resources[key]
		if value == "" {
			continue
		}
		q, err := resource.ParseQuantity(value)
		if err != nil {
			return resourceHints{}, fmt.Errorf("resource %s: %w", key, err)
		}
		if q.Sign() <= 0 {
			return resourceHints{}, fmt.Errorf("resource %s must be positive", key)
		}
		*dst = &q
	}
	if value := resources["gpus"]; value != "" {
		gpus, err := strconv.Atoi(value)
		if err != nil || gpus < 0 {
			return resourceHints{}, fmt.Errorf("resource gpus: invalid count %q", value)
		}
		hints.GPUs = gpus
	}
	return hints, nil
}

func isReservedJobEnvKey(key string) bool {
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(key)), "APPFABRIC_")
}
