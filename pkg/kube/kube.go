// Package kube defines the cluster collaborator interfaces flotilla uses to
// apply manifests and read resource status, plus a kubectl-backed
// implementation.
package kube

import (
	"context"
	"fmt"
)

// ResourceRef identifies a cluster object.
type ResourceRef struct {
	Kind      string `json:"kind" yaml:"kind"`
	Name      string `json:"name" yaml:"name"`
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
}

func (r ResourceRef) String() string {
	if r.Namespace != "" {
		return fmt.Sprintf("%s/%s (namespace %s)", r.Kind, r.Name, r.Namespace)
	}
	return fmt.Sprintf("%s/%s", r.Kind, r.Name)
}

// ObjectStatus carries the readiness-relevant fields of a cluster object.
type ObjectStatus struct {
	// Exists is false when the object was not found.
	Exists bool

	// DesiredReplicas and ReadyReplicas apply to workload kinds.
	DesiredReplicas int
	ReadyReplicas   int

	// Succeeded applies to Job-like kinds.
	Succeeded bool

	// Conditions maps condition type to status ("True"/"False"/"Unknown").
	Conditions map[string]string
}

// ApplyClient applies or deletes manifests against the target cluster.
type ApplyClient interface {
	// Apply applies the manifest file at path, optionally overriding the
	// namespace.
	Apply(ctx context.Context, path, namespace string) error

	// Delete deletes the resources declared in the manifest file at path.
	Delete(ctx context.Context, path, namespace string) error
}

// StatusClient reads the current status of a cluster object.
type StatusClient interface {
	Status(ctx context.Context, ref ResourceRef) (*ObjectStatus, error)
}
