// Package validate polls cluster resources for readiness.
package validate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/flotilla-dev/flotilla/pkg/kube"
)

const (
	// DefaultInterval is the poll interval used when none is configured.
	DefaultInterval = 1 * time.Second

	// DefaultTimeout bounds a readiness wait when none is configured.
	// Waits are never unbounded.
	DefaultTimeout = 120 * time.Second

	// maxConsecutiveQueryFailures is the number of back-to-back status
	// query errors tolerated before the wait is abandoned.
	maxConsecutiveQueryFailures = 3
)

// TimeoutError reports that a resource did not become ready in time.
type TimeoutError struct {
	Ref     kube.ResourceRef
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for %s to become ready", e.Elapsed.Round(time.Millisecond), e.Ref)
}

// QueryError reports that the status query itself kept failing.
type QueryError struct {
	Ref      kube.ResourceRef
	Attempts int
	Cause    error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("status query for %s failed %d consecutive times: %v", e.Ref, e.Attempts, e.Cause)
}

func (e *QueryError) Unwrap() error {
	return e.Cause
}

// Validator polls a status client until a resource satisfies its readiness
// predicate.
type Validator struct {
	status kube.StatusClient
}

// New creates a validator over the given status client.
func New(status kube.StatusClient) *Validator {
	return &Validator{status: status}
}

// PollUntilReady polls ref at interval until it is ready, the timeout
// elapses, or the query fails repeatedly. Zero interval and timeout fall
// back to the package defaults.
func (v *Validator) PollUntilReady(ctx context.Context, ref kube.ResourceRef, interval, timeout time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	start := time.Now()
	deadline := start.Add(timeout)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	consecutiveFailures := 0
	var lastErr error

	// Check immediately so short waits are not dominated by the first tick.
	for {
		status, err := v.status.Status(ctx, ref)
		if err != nil {
			consecutiveFailures++
			lastErr = err
			if consecutiveFailures >= maxConsecutiveQueryFailures {
				return &QueryError{Ref: ref, Attempts: consecutiveFailures, Cause: lastErr}
			}
		} else {
			consecutiveFailures = 0
			if IsReady(ref, status) {
				return nil
			}
		}

		if time.Now().After(deadline) {
			return &TimeoutError{Ref: ref, Elapsed: time.Since(start)}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// IsReady applies the kind-specific readiness predicate.
func IsReady(ref kube.ResourceRef, status *kube.ObjectStatus) bool {
	if status == nil || !status.Exists {
		return false
	}

	switch strings.ToLower(ref.Kind) {
	case "deployment", "statefulset", "replicaset", "daemonset":
		return status.DesiredReplicas > 0 && status.ReadyReplicas >= status.DesiredReplicas
	case "job":
		return status.Succeeded || status.Conditions["Complete"] == "True"
	case "pod":
		return status.Conditions["Ready"] == "True"
	default:
		// Kinds without a readiness contract are ready once they exist.
		return true
	}
}
