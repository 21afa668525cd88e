package executors

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/sentinelops/sentinel-core/internal/metrics"
	"github.com/sentinelops/sentinel-core/internal/models"
)

// KubernetesExecutor performs namespace-scoped remediation against a
// cluster: pod restarts, scale changes, image and config rollbacks.
type KubernetesExecutor struct {
	client  kubernetes.Interface
	retry   RetryPolicy
	timeout time.Duration
	logger  *slog.Logger
}

// NewKubernetesExecutor wraps a client-go clientset.
func NewKubernetesExecutor(client kubernetes.Interface, retry RetryPolicy, timeout time.Duration, logger *slog.Logger) *KubernetesExecutor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KubernetesExecutor{
		client:  client,
		retry:   retry,
		timeout: timeout,
		logger:  logger,
	}
}

// Name identifies the executor in logs and audit entries.
func (e *KubernetesExecutor) Name() string { return "kubernetes" }

// Supports reports which actions this executor handles.
func (e *KubernetesExecutor) Supports(action models.ActionType) bool {
	switch action {
	case models.ActionPodRestart, models.ActionHPAScale,
		models.ActionDeploymentRollback, models.ActionConfigRollback:
		return true
	}
	return false
}

// Execute runs one step. API errors from transient server conditions are
// retried within the policy budget; everything else fails the attempt.
func (e *KubernetesExecutor) Execute(ctx context.Context, step *models.ActionStep) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var result Result
	err := e.retry.Do(ctx, func(ctx context.Context) error {
		var opErr error
		switch step.ActionType {
		case models.ActionPodRestart:
			result, opErr = e.restartPod(ctx, step)
		case models.ActionHPAScale:
			result, opErr = e.scaleDeployment(ctx, step)
		case models.ActionDeploymentRollback:
			result, opErr = e.rollbackImage(ctx, step)
		case models.ActionConfigRollback:
			result, opErr = e.rollbackConfig(ctx, step)
		default:
			return fmt.Errorf("kubernetes executor does not support %s", step.ActionType)
		}
		return classifyAPIError(opErr)
	})
	metrics.CountExecutorAttempt(string(step.ActionType), err)
	if err != nil {
		return Result{Success: false, Detail: err.Error()}, err
	}
	return result, nil
}

// Rollback undoes a completed step using the state recorded during Execute.
func (e *KubernetesExecutor) Rollback(ctx context.Context, step *models.ActionStep) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	switch step.ActionType {
	case models.ActionHPAScale:
		replicas, err := intFrom(step.RollbackData, "previous_replicas")
		if err != nil {
			return Result{}, fmt.Errorf("rollback %s: %w", step.ID, err)
		}
		return e.setScale(ctx, step.Namespace, step.Target, replicas)
	case models.ActionDeploymentRollback:
		image, _ := step.RollbackData["previous_image"].(string)
		container, _ := step.RollbackData["container"].(string)
		if image == "" {
			return Result{}, fmt.Errorf("rollback %s: no previous image recorded", step.ID)
		}
		return e.setImage(ctx, step.Namespace, step.Target, container, image)
	case models.ActionConfigRollback:
		data, ok := step.RollbackData["previous_data"].(map[string]string)
		if !ok {
			return Result{}, fmt.Errorf("rollback %s: no previous config recorded", step.ID)
		}
		return e.setConfigData(ctx, step.Namespace, step.Target, data)
	default:
		return Result{}, fmt.Errorf("action %s cannot be rolled back", step.ActionType)
	}
}

func (e *KubernetesExecutor) restartPod(ctx context.Context, step *models.ActionStep) (Result, error) {
	pods := e.client.CoreV1().Pods(step.Namespace)
	pod, err := pods.Get(ctx, step.Target, metav1.GetOptions{})
	if err != nil {
		return Result{}, fmt.Errorf("get pod %s/%s: %w", step.Namespace, step.Target, err)
	}
	before := map[string]any{"phase": string(pod.Status.Phase), "node": pod.Spec.NodeName}

	if err := pods.Delete(ctx, step.Target, metav1.DeleteOptions{}); err != nil {
		return Result{}, fmt.Errorf("delete pod %s/%s: %w", step.Namespace, step.Target, err)
	}
	e.logger.Info("pod deleted for restart", "namespace", step.Namespace, "pod", step.Target)
	return Result{
		Success:     true,
		Detail:      "pod deleted; controller will reschedule",
		StateBefore: before,
		StateAfter:  map[string]any{"phase": "deleted"},
	}, nil
}

func (e *KubernetesExecutor) scaleDeployment(ctx context.Context, step *models.ActionStep) (Result, error) {
	replicas, err := intFrom(step.Parameters, "replicas")
	if err != nil {
		return Result{}, err
	}

	scale, err := e.client.AppsV1().Deployments(step.Namespace).GetScale(ctx, step.Target, metav1.GetOptions{})
	if err != nil {
		return Result{}, fmt.Errorf("get scale %s/%s: %w", step.Namespace, step.Target, err)
	}
	previous := scale.Spec.Replicas

	result, err := e.setScale(ctx, step.Namespace, step.Target, replicas)
	if err != nil {
		return result, err
	}
	if step.RollbackData == nil {
		step.RollbackData = make(map[string]any)
	}
	step.RollbackData["previous_replicas"] = int(previous)
	result.StateBefore = map[string]any{"replicas": int(previous)}
	return result, nil
}

func (e *KubernetesExecutor) setScale(ctx context.Context, namespace, name string, replicas int32) (Result, error) {
	deployments := e.client.AppsV1().Deployments(namespace)
	scale, err := deployments.GetScale(ctx, name, metav1.GetOptions{})
	if err != nil {
		return Result{}, fmt.Errorf("get scale %s/%s: %w", namespace, name, err)
	}
	scale.Spec.Replicas = replicas
	if _, err := deployments.UpdateScale(ctx, name, scale, metav1.UpdateOptions{}); err != nil {
		return Result{}, fmt.Errorf("update scale %s/%s: %w", namespace, name, err)
	}
	e.logger.Info("deployment scaled", "namespace", namespace, "deployment", name, "replicas", replicas)
	return Result{
		Success:    true,
		Detail:     fmt.Sprintf("scaled to %d replicas", replicas),
		StateAfter: map[string]any{"replicas": int(replicas)},
	}, nil
}

// rollbackImage rolls a deployment to a known-good image supplied in the
// step parameters.
func (e *KubernetesExecutor) rollbackImage(ctx context.Context, step *models.ActionStep) (Result, error) {
	image, _ := step.Parameters["image"].(string)
	if image == "" {
		return Result{}, fmt.Errorf("deployment rollback requires an image parameter")
	}
	container, _ := step.Parameters["container"].(string)

	deployment, err := e.client.AppsV1().Deployments(step.Namespace).Get(ctx, step.Target, metav1.GetOptions{})
	if err != nil {
		return Result{}, fmt.Errorf("get deployment %s/%s: %w", step.Namespace, step.Target, err)
	}
	idx := containerIndex(deployment.Spec.Template.Spec.Containers, container)
	if idx < 0 {
		return Result{}, fmt.Errorf("container %q not found in %s/%s", container, step.Namespace, step.Target)
	}
	previous := deployment.Spec.Template.Spec.Containers[idx].Image

	result, err := e.setImage(ctx, step.Namespace, step.Target, container, image)
	if err != nil {
		return result, err
	}
	if step.RollbackData == nil {
		step.RollbackData = make(map[string]any)
	}
	step.RollbackData["previous_image"] = previous
	step.RollbackData["container"] = deployment.Spec.Template.Spec.Containers[idx].Name
	result.StateBefore = map[string]any{"image": previous}
	return result, nil
}

func (e *KubernetesExecutor) setImage(ctx context.Context, namespace, name, container, image string) (Result, error) {
	deployments := e.client.AppsV1().Deployments(namespace)
	deployment, err := deployments.Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return Result{}, fmt.Errorf("get deployment %s/%s: %w", namespace, name, err)
	}
	idx := containerIndex(deployment.Spec.Template.Spec.Containers, container)
	if idx < 0 {
		return Result{}, fmt.Errorf("container %q not found in %s/%s", container, namespace, name)
	}
	deployment.Spec.Template.Spec.Containers[idx].Image = image
	if _, err := deployments.Update(ctx, deployment, metav1.UpdateOptions{}); err != nil {
		return Result{}, fmt.Errorf("update deployment %s/%s: %w", namespace, name, err)
	}
	e.logger.Info("deployment image set", "namespace", namespace, "deployment", name, "image", image)
	return Result{
		Success:    true,
		Detail:     fmt.Sprintf("image set to %s", image),
		StateAfter: map[string]any{"image": image},
	}, nil
}

func (e *KubernetesExecutor) rollbackConfig(ctx context.Context, step *models.ActionStep) (Result, error) {
	desired := stringMapFrom(step.Parameters["data"])
	if len(desired) == 0 {
		return Result{}, fmt.Errorf("config rollback requires a data parameter")
	}

	configMaps := e.client.CoreV1().ConfigMaps(step.Namespace)
	cm, err := configMaps.Get(ctx, step.Target, metav1.GetOptions{})
	if err != nil {
		return Result{}, fmt.Errorf("get configmap %s/%s: %w", step.Namespace, step.Target, err)
	}
	previous := make(map[string]string, len(cm.Data))
	for k, v := range cm.Data {
		previous[k] = v
	}

	result, err := e.setConfigData(ctx, step.Namespace, step.Target, desired)
	if err != nil {
		return result, err
	}
	if step.RollbackData == nil {
		step.RollbackData = make(map[string]any)
	}
	step.RollbackData["previous_data"] = previous
	result.StateBefore = map[string]any{"keys": len(previous)}
	return result, nil
}

func (e *KubernetesExecutor) setConfigData(ctx context.Context, namespace, name string, data map[string]string) (Result, error) {
	configMaps := e.client.CoreV1().ConfigMaps(namespace)
	cm, err := configMaps.Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return Result{}, fmt.Errorf("get configmap %s/%s: %w", namespace, name, err)
	}
	cm.Data = data
	if _, err := configMaps.Update(ctx, cm, metav1.UpdateOptions{}); err != nil {
		return Result{}, fmt.Errorf("update configmap %s/%s: %w", namespace, name, err)
	}
	e.logger.Info("configmap replaced", "namespace", namespace, "configmap", name)
	return Result{
		Success:    true,
		Detail:     "config data replaced",
		StateAfter: map[string]any{"keys": len(data)},
	}, nil
}

// classifyAPIError marks transient server-side conditions as retryable.
func classifyAPIError(err error) error {
	if err == nil {
		return nil
	}
	if apierrors.IsServerTimeout(err) || apierrors.IsTimeout(err) ||
		apierrors.IsTooManyRequests(err) || apierrors.IsInternalError(err) ||
		apierrors.IsServiceUnavailable(err) {
		return Retryable(err)
	}
	return err
}

func containerIndex(containers []corev1.Container, name string) int {
	if name == "" && len(containers) > 0 {
		return 0
	}
	for i, c := range containers {
		if c.Name == name {
			return i
		}
	}
	return -1
}

func intFrom(m map[string]any, key string) (int32, error) {
	switch v := m[key].(type) {
	case int:
		return int32(v), nil
	case int32:
		return v, nil
	case int64:
		return int32(v), nil
	case float64:
		return int32(v), nil
	default:
		return 0, fmt.Errorf("parameter %q must be a number", key)
	}
}

func stringMapFrom(v any) map[string]string {
	switch m := v.(type) {
	case map[string]string:
		return m
	case map[string]any:
		out := make(map[string]string, len(m))
		for k, val := range m {
			if s, ok := val.(string); ok {
				out[k] = s
			}
		}
		return out
	default:
		return nil
	}
}
