package kube

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/flotilla-dev/flotilla/pkg/run"
)

// Client implements ApplyClient and StatusClient by shelling out to kubectl.
type Client struct {
	runner     run.Runner
	kubeconfig string
	kubeCtx    string
}

// NewClient constructs a kubectl-backed client. kubeconfig and kubeCtx may
// be empty to use the ambient configuration.
func NewClient(runner run.Runner, kubeconfig, kubeCtx string) *Client {
	if runner == nil {
		runner = run.NewLocal()
	}
	return &Client{
		runner:     runner,
		kubeconfig: kubeconfig,
		kubeCtx:    kubeCtx,
	}
}

func (c *Client) Apply(ctx context.Context, path, namespace string) error {
	args := []string{"apply", "-f", path}
	if namespace != "" {
		args = append(args, "-n", namespace)
	}
	return c.runKubectl(ctx, args...)
}

func (c *Client) Delete(ctx context.Context, path, namespace string) error {
	args := []string{"delete", "-f", path, "--ignore-not-found"}
	if namespace != "" {
		args = append(args, "-n", namespace)
	}
	return c.runKubectl(ctx, args...)
}

// Status reads the object with kubectl get -o json and extracts the
// readiness-relevant fields.
func (c *Client) Status(ctx context.Context, ref ResourceRef) (*ObjectStatus, error) {
	args := []string{"get", strings.ToLower(ref.Kind), ref.Name, "-o", "json"}
	if ref.Namespace != "" {
		args = append(args, "-n", ref.Namespace)
	}

	result, err := c.runner.Run(ctx, run.Cmd{Argv: c.kubectlArgv(args), Env: c.env()})
	if err != nil {
		if result != nil && strings.Contains(result.Stderr, "NotFound") {
			return &ObjectStatus{Exists: false}, nil
		}
		return nil, fmt.Errorf("kubectl get %s: %w", ref, err)
	}

	return parseObjectStatus([]byte(result.Stdout))
}

func (c *Client) runKubectl(ctx context.Context, args ...string) error {
	result, err := c.runner.Run(ctx, run.Cmd{Argv: c.kubectlArgv(args), Env: c.env()})
	if err != nil {
		if result != nil && result.Stderr != "" {
			return fmt.Errorf("kubectl %s: %s: %w", args[0], strings.TrimSpace(result.Stderr), err)
		}
		return fmt.Errorf("kubectl %s: %w", args[0], err)
	}
	return nil
}

func (c *Client) kubectlArgv(args []string) []string {
	argv := []string{"kubectl"}
	if c.kubeCtx != "" {
		argv = append(argv, "--context", c.kubeCtx)
	}
	return append(argv, args...)
}

func (c *Client) env() map[string]string {
	if c.kubeconfig == "" {
		return nil
	}
	return map[string]string{"KUBECONFIG": c.kubeconfig}
}

// object mirrors the subset of a Kubernetes object flotilla inspects.
type object struct {
	Spec struct {
		Replicas *int `json:"replicas"`
	} `json:"spec"`
	Status struct {
		ReadyReplicas     int `json:"readyReplicas"`
		AvailableReplicas int `json:"availableReplicas"`
		Succeeded         int `json:"succeeded"`
		Conditions        []struct {
			Type   string `json:"type"`
			Status string `json:"status"`
		} `json:"conditions"`
	} `json:"status"`
}

func parseObjectStatus(data []byte) (*ObjectStatus, error) {
	var obj object
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("failed to decode object status: %w", err)
	}

	status := &ObjectStatus{
		Exists:        true,
		ReadyReplicas: obj.Status.ReadyReplicas,
		Succeeded:     obj.Status.Succeeded > 0,
		Conditions:    make(map[string]string),
	}
	if status.ReadyReplicas == 0 {
		status.ReadyReplicas = obj.Status.AvailableReplicas
	}
	if obj.Spec.Replicas != nil {
		status.DesiredReplicas = *obj.Spec.Replicas
	} else {
		// Kinds without spec.replicas are treated as single-replica.
		status.DesiredReplicas = 1
	}
	for _, cond := range obj.Status.Conditions {
		status.Conditions[cond.Type] = cond.Status
	}

	return status, nil
}
