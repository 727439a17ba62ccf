package runtimeexec

import (
	"context"
	"errors"
	"fmt"
	"strings"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/animus-labs/appfabric/internal/platform/k8s"
	"github.com/animus-labs/appfabric/internal/runtime"
)

const gpuResource corev1.ResourceName = "nvidia.com/gpu"

// KubernetesJobExecutor runs every program run as one batch/v1 Job. Jobs
// never retry: a failed pod fails the run.
type KubernetesJobExecutor struct {
	client         *k8s.Client
	ttlSeconds     int32
	serviceAccount string
}

func NewKubernetesJobExecutor(client *k8s.Client, ttlSeconds int32, serviceAccount string) (*KubernetesJobExecutor, error) {
	if client == nil {
		return nil, errors.New("k8s client is required")
	}
	if ttlSeconds < 0 {
		return nil, errors.New("job ttl must not be negative")
	}
	return &KubernetesJobExecutor{
		client:         client,
		ttlSeconds:     ttlSeconds,
		serviceAccount: strings.TrimSpace(serviceAccount),
	}, nil
}

func (e *KubernetesJobExecutor) Kind() string {
	return "kubernetes"
}

func (e *KubernetesJobExecutor) Submit(ctx context.Context, spec JobSpec) error {
	job, err := e.jobFor(spec)
	if err != nil {
		return err
	}
	// A resubmitted run finds its own job; names are derived from the run id.
	if err := e.client.CreateJob(ctx, job); err != nil && !errors.Is(err, k8s.ErrAlreadyExists) {
		return fmt.Errorf("create job %s: %w", job.Name, err)
	}
	return nil
}

func (e *KubernetesJobExecutor) jobFor(spec JobSpec) (*batchv1.Job, error) {
	if spec.Name == "" || spec.RunID == "" {
		return nil, errors.New("job name and run id are required")
	}
	if spec.Image == "" {
		return nil, ErrImageRequired
	}
	resources, err := resourceRequirements(spec.Resources)
	if err != nil {
		return nil, err
	}

	container := corev1.Container{
		Name:      "program",
		Image:     spec.Image,
		Resources: resources,
	}
	for _, key := range sortedEnv(spec.Env) {
		container.Env = append(container.Env, corev1.EnvVar{Name: key, Value: spec.Env[key]})
	}

	backoff := int32(0)
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:        spec.Name,
			Namespace:   e.client.Namespace(),
			Labels:      spec.Labels,
			Annotations: spec.Annotations,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoff,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: spec.Labels},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: e.serviceAccount,
					Containers:         []corev1.Container{container},
				},
			},
		},
	}
	if e.ttlSeconds > 0 {
		ttl := e.ttlSeconds
		job.Spec.TTLSecondsAfterFinished = &ttl
	}
	if spec.Instances > 1 {
		n := int32(spec.Instances)
		job.Spec.Parallelism = &n
	}
	return job, nil
}

// resourceRequirements maps cpu and memory hints to requests and gpus to an
// accelerator limit.
func resourceRequirements(resources map[string]string) (corev1.ResourceRequirements, error) {
	hints, err := parseResourceHints(resources)
	if err != nil {
		return corev1.ResourceRequirements{}, err
	}
	var out corev1.ResourceRequirements
	if hints.CPU != nil || hints.Memory != nil {
		out.Requests = corev1.ResourceList{}
		if hints.CPU != nil {
			out.Requests[corev1.ResourceCPU] = *hints.CPU
		}
		if hints.Memory != nil {
			out.Requests[corev1.ResourceMemory] = *hints.Memory
		}
	}
	if hints.GPUs > 0 {
		out.Limits = corev1.ResourceList{gpuResource: *resource.NewQuantity(int64(hints.GPUs), resource.DecimalSI)}
	}
	return out, nil
}

func (e *KubernetesJobExecutor) Inspect(ctx context.Context, execution Execution) (runtime.Observation, error) {
	job, err := e.client.GetJob(ctx, execution.Name)
	if errors.Is(err, k8s.ErrNotFound) {
		return runtime.Observation{}, runtime.ErrUnknownRun
	}
	if err != nil {
		return runtime.Observation{}, err
	}

	obs := runtime.Observation{Status: runtime.StatusInitializing}
	if cond, ok := k8s.Condition(job, batchv1.JobFailed); ok {
		obs.Status, obs.Message = runtime.StatusFailed, conditionMessage(cond)
	} else if cond, ok := k8s.Condition(job, batchv1.JobComplete); ok {
		obs.Status, obs.Message = runtime.StatusCompleted, conditionMessage(cond)
	} else if job.Status.Active > 0 {
		obs.Status = runtime.StatusRunning
	}

	conditions := make([]string, 0, len(job.Status.Conditions))
	for _, cond := range job.Status.Conditions {
		conditions = append(conditions, fmt.Sprintf("%s=%s", cond.Type, cond.Status))
	}
	obs.Details = map[string]any{
		"k8s_namespace": job.Namespace,
		"k8s_job_name":  job.Name,
		"active":        job.Status.Active,
		"succeeded":     job.Status.Succeeded,
		"failed":        job.Status.Failed,
		"conditions":    conditions,
	}
	return obs, nil
}

func (e *KubernetesJobExecutor) Terminate(ctx context.Context, execution Execution) error {
	err := e.client.DeleteJob(ctx, execution.Name)
	if errors.Is(err, k8s.ErrNotFound) {
		return runtime.ErrUnknownRun
	}
	return err
}

func conditionMessage(cond batchv1.JobCondition) string {
	if cond.Message != "" {
		return cond.Message
	}
	return cond.Reason
}
