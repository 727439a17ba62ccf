package k8s

import (
	"context"
	"errors"
	"testing"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func TestClientJobLifecycle(t *testing.T) {
	ctx := context.Background()
	client, err := New(fake.NewSimpleClientset(), "apps")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	job := &batchv1.Job{ObjectMeta: metav1.ObjectMeta{Name: "run-1", Namespace: "apps"}}
	if err := client.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := client.CreateJob(ctx, job); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("second CreateJob err=%v, want ErrAlreadyExists", err)
	}
	got, err := client.GetJob(ctx, "run-1")
	if err != nil || got.Name != "run-1" {
		t.Fatalf("GetJob=%v err=%v", got, err)
	}
	if err := client.DeleteJob(ctx, "run-1"); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if _, err := client.GetJob(ctx, "run-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetJob after delete err=%v, want ErrNotFound", err)
	}
	if err := client.DeleteJob(ctx, "run-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("DeleteJob twice err=%v, want ErrNotFound", err)
	}
}

func TestNewRequiresNamespace(t *testing.T) {
	if _, err := New(fake.NewSimpleClientset(), " "); err == nil {
		t.Fatalf("expected error for blank namespace")
	}
}

func TestCondition(t *testing.T) {
	job := &batchv1.Job{Status: batchv1.JobStatus{Conditions: []batchv1.JobCondition{
		{Type: batchv1.JobFailed, Status: corev1.ConditionFalse},
		{Type: batchv1.JobComplete, Status: corev1.ConditionTrue, Reason: "Done"},
	}}}
	if _, ok := Condition(job, batchv1.JobFailed); ok {
		t.Fatalf("false condition reported as set")
	}
	if cond, ok := Condition(job, batchv1.JobComplete); !ok || cond.Reason != "Done" {
		t.Fatalf("complete condition=%+v ok=%v", cond, ok)
	}
}
