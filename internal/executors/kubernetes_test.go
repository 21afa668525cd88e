package executors

import (
	"context"
	"testing"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/sentinelops/sentinel-core/internal/models"
)

func int32Ptr(v int32) *int32 { return &v }

func testDeployment(namespace, name, image string, replicas int32) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Namespace: namespace, Name: name},
		Spec: appsv1.DeploymentSpec{
			Replicas: int32Ptr(replicas),
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{Name: "app", Image: image}},
				},
			},
		},
	}
}

func TestKubernetesExecutorRestartPod(t *testing.T) {
	client := fake.NewSimpleClientset(&corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Namespace: "production", Name: "checkout-7f9"},
		Status:     corev1.PodStatus{Phase: corev1.PodRunning},
	})
	e := NewKubernetesExecutor(client, DefaultRetryPolicy(), time.Second, nil)

	step := &models.ActionStep{
		ID:         models.NewStepID(),
		ActionType: models.ActionPodRestart,
		Target:     "checkout-7f9",
		Namespace:  "production",
	}
	result, err := e.Execute(context.Background(), step)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	if result.StateBefore["phase"] != "Running" {
		t.Fatalf("state before = %+v", result.StateBefore)
	}

	if _, err := client.CoreV1().Pods("production").Get(context.Background(), "checkout-7f9", metav1.GetOptions{}); err == nil {
		t.Fatal("pod should be deleted")
	}
}

func TestKubernetesExecutorRestartMissingPod(t *testing.T) {
	e := NewKubernetesExecutor(fake.NewSimpleClientset(), RetryPolicy{Attempts: 1}, time.Second, nil)

	step := &models.ActionStep{
		ID:         models.NewStepID(),
		ActionType: models.ActionPodRestart,
		Target:     "ghost",
		Namespace:  "production",
	}
	if _, err := e.Execute(context.Background(), step); err == nil {
		t.Fatal("expected error for missing pod")
	}
}

func TestKubernetesExecutorScaleAndRollback(t *testing.T) {
	client := fake.NewSimpleClientset(testDeployment("production", "api", "api:v1", 3))
	e := NewKubernetesExecutor(client, DefaultRetryPolicy(), time.Second, nil)

	step := &models.ActionStep{
		ID:          models.NewStepID(),
		ActionType:  models.ActionHPAScale,
		Target:      "api",
		Namespace:   "production",
		Parameters:  map[string]any{"replicas": 6},
		CanRollback: true,
	}
	result, err := e.Execute(context.Background(), step)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	if step.RollbackData["previous_replicas"] != 3 {
		t.Fatalf("rollback data = %+v", step.RollbackData)
	}

	scale, err := client.AppsV1().Deployments("production").GetScale(context.Background(), "api", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("GetScale: %v", err)
	}
	if scale.Spec.Replicas != 6 {
		t.Fatalf("replicas = %d, want 6", scale.Spec.Replicas)
	}

	if _, err := e.Rollback(context.Background(), step); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	scale, err = client.AppsV1().Deployments("production").GetScale(context.Background(), "api", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("GetScale: %v", err)
	}
	if scale.Spec.Replicas != 3 {
		t.Fatalf("replicas after rollback = %d, want 3", scale.Spec.Replicas)
	}
}

func TestKubernetesExecutorImageRollback(t *testing.T) {
	client := fake.NewSimpleClientset(testDeployment("staging", "worker", "worker:v2-bad", 2))
	e := NewKubernetesExecutor(client, DefaultRetryPolicy(), time.Second, nil)

	step := &models.ActionStep{
		ID:          models.NewStepID(),
		ActionType:  models.ActionDeploymentRollback,
		Target:      "worker",
		Namespace:   "staging",
		Parameters:  map[string]any{"image": "worker:v1", "container": "app"},
		CanRollback: true,
	}
	result, err := e.Execute(context.Background(), step)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	if step.RollbackData["previous_image"] != "worker:v2-bad" {
		t.Fatalf("rollback data = %+v", step.RollbackData)
	}

	deployment, err := client.AppsV1().Deployments("staging").Get(context.Background(), "worker", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := deployment.Spec.Template.Spec.Containers[0].Image; got != "worker:v1" {
		t.Fatalf("image = %s, want worker:v1", got)
	}
}

func TestKubernetesExecutorConfigRollback(t *testing.T) {
	client := fake.NewSimpleClientset(&corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Namespace: "production", Name: "feature-flags"},
		Data:       map[string]string{"fast_path": "enabled"},
	})
	e := NewKubernetesExecutor(client, DefaultRetryPolicy(), time.Second, nil)

	step := &models.ActionStep{
		ID:         models.NewStepID(),
		ActionType: models.ActionConfigRollback,
		Target:     "feature-flags",
		Namespace:  "production",
		Parameters: map[string]any{
			"data": map[string]any{"fast_path": "disabled"},
		},
		CanRollback: true,
	}
	result, err := e.Execute(context.Background(), step)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}

	cm, err := client.CoreV1().ConfigMaps("production").Get(context.Background(), "feature-flags", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cm.Data["fast_path"] != "disabled" {
		t.Fatalf("data = %+v", cm.Data)
	}

	if _, err := e.Rollback(context.Background(), step); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	cm, _ = client.CoreV1().ConfigMaps("production").Get(context.Background(), "feature-flags", metav1.GetOptions{})
	if cm.Data["fast_path"] != "enabled" {
		t.Fatalf("data after rollback = %+v", cm.Data)
	}
}

func TestKubernetesExecutorSupports(t *testing.T) {
	e := NewKubernetesExecutor(fake.NewSimpleClientset(), RetryPolicy{}, 0, nil)
	if !e.Supports(models.ActionPodRestart) || !e.Supports(models.ActionHPAScale) {
		t.Fatal("kubernetes executor should support pod and scale actions")
	}
	if e.Supports(models.ActionCustomWebhook) {
		t.Fatal("kubernetes executor should not claim webhook actions")
	}
}
