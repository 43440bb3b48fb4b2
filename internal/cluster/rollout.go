package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/iamdk-16/springboot-notes-app-ci/pkg/cmdutil"
	"github.com/iamdk-16/springboot-notes-app-ci/pkg/retry"
)

// RolloutStatus is a snapshot of a deployment's progress toward running
// the targeted artifact version on every replica.
type RolloutStatus struct {
	Desired   int32
	Ready     int32
	Updated   int32
	Converged bool
}

func (s RolloutStatus) String() string {
	return fmt.Sprintf("ready %d/%d, updated %d/%d, converged=%t",
		s.Ready, s.Desired, s.Updated, s.Desired, s.Converged)
}

// ConfigError signals a misconfigured rollout target: the deployment does
// not exist or is scaled to zero. Distinct from a timeout.
type ConfigError struct {
	Deployment string
	Reason     string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("rollout misconfigured for deployment '%s': %s", e.Deployment, e.Reason)
}

// TimeoutError signals that the deployment did not converge within the
// configured bound. It carries the last observed status.
type TimeoutError struct {
	Deployment string
	Elapsed    time.Duration
	Last       RolloutStatus
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("deployment '%s' did not converge within %s (last: %s)",
		e.Deployment, e.Elapsed.Round(time.Second), e.Last)
}

// Controller updates a running deployment's artifact reference and blocks
// until the rollout converges or the timeout elapses.
type Controller struct {
	namespace    string
	pollInterval time.Duration
	run          cmdutil.Runner
	logger       *slog.Logger
}

// NewController creates a rollout controller for the target namespace.
func NewController(namespace string, pollInterval time.Duration, logger *slog.Logger) *Controller {
	return &Controller{
		namespace:    namespace,
		pollInterval: pollInterval,
		run:          cmdutil.Run,
		logger:       logger,
	}
}

// SetRunner overrides command execution, for tests.
func (c *Controller) SetRunner(run cmdutil.Runner) { c.run = run }

// deploymentState is the slice of the deployment object the controller
// reads for preflight and convergence checks.
type deploymentState struct {
	Metadata struct {
		Generation int64 `json:"generation"`
	} `json:"metadata"`
	Spec struct {
		Replicas *int32 `json:"replicas"`
	} `json:"spec"`
	Status struct {
		ObservedGeneration int64 `json:"observedGeneration"`
		ReadyReplicas      int32 `json:"readyReplicas"`
		UpdatedReplicas    int32 `json:"updatedReplicas"`
	} `json:"status"`
}

func (c *Controller) getDeployment(ctx context.Context, deployment string) (*deploymentState, error) {
	result, err := c.run(ctx, cmdutil.ExecOptions{Timeout: 30 * time.Second},
		[]string{"kubectl", "get", "deployment", deployment, "--namespace", c.namespace, "--output", "json"})
	if err != nil {
		if result != nil && strings.Contains(strings.ToLower(result.Combined()), "not found") {
			return nil, &ConfigError{Deployment: deployment, Reason: "deployment not found"}
		}
		return nil, fmt.Errorf("failed to read deployment state: %w", err)
	}

	var state deploymentState
	if err := json.Unmarshal(result.Stdout, &state); err != nil {
		return nil, fmt.Errorf("failed to parse deployment state: %w", err)
	}
	return &state, nil
}

// Rollout sets the deployment's container image and polls convergence:
// every replica ready and updated at the new version. It blocks until
// convergence or until timeout elapses, whichever comes first, and never
// reports success on partial readiness.
func (c *Controller) Rollout(ctx context.Context, deployment, container, image string, timeout time.Duration) (*RolloutStatus, error) {
	state, err := c.getDeployment(ctx, deployment)
	if err != nil {
		return nil, err
	}

	if state.Spec.Replicas == nil || *state.Spec.Replicas == 0 {
		return nil, &ConfigError{Deployment: deployment, Reason: "desired replica count is zero"}
	}
	desired := *state.Spec.Replicas

	setCmd := []string{
		"kubectl", "set", "image",
		"deployment/" + deployment,
		container + "=" + image,
		"--namespace", c.namespace,
	}
	if result, err := c.run(ctx, cmdutil.ExecOptions{Timeout: 30 * time.Second}, setCmd); err != nil {
		if result != nil {
			return nil, fmt.Errorf("failed to update deployment image: %w: %s", err, result.Combined())
		}
		return nil, fmt.Errorf("failed to update deployment image: %w", err)
	}

	c.logger.Info("rollout started", "deployment", deployment, "image", image, "replicas", desired)

	policy := retry.Policy{
		MaxAttempts: int(timeout/c.pollInterval) + 1,
		Delay:       c.pollInterval,
		Backoff:     retry.BackoffFixed,
	}

	start := time.Now()
	last := RolloutStatus{Desired: desired}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err = retry.Do(waitCtx, policy, func(ctx context.Context, attempt int) (bool, error) {
		state, err := c.getDeployment(ctx, deployment)
		if err != nil {
			// Transient read failures do not abort the wait.
			c.logger.Warn("convergence poll failed", "deployment", deployment, "error", err)
			return false, err
		}

		if state.Spec.Replicas != nil {
			last.Desired = *state.Spec.Replicas
		}
		last.Ready = state.Status.ReadyReplicas
		last.Updated = state.Status.UpdatedReplicas
		last.Converged = state.Status.ObservedGeneration >= state.Metadata.Generation &&
			last.Updated == last.Desired &&
			last.Ready == last.Desired

		if last.Converged {
			return true, nil
		}

		c.logger.Info("waiting for convergence", "deployment", deployment, "status", last.String())
		return false, fmt.Errorf("not converged: %s", last)
	})
	if err != nil {
		status := last
		status.Converged = false
		// A cancelled run is an abort, not a rollout timeout.
		if ctx.Err() != nil {
			return &status, fmt.Errorf("rollout aborted: %w", ctx.Err())
		}
		return &status, &TimeoutError{Deployment: deployment, Elapsed: time.Since(start), Last: status}
	}

	c.logger.Info("rollout converged", "deployment", deployment, "elapsed", time.Since(start).Round(time.Second))
	return &last, nil
}

// Rollback reverts the deployment to its previous revision. It is exposed
// as a hook for failed rollouts and is never invoked implicitly.
func (c *Controller) Rollback(ctx context.Context, deployment string) error {
	result, err := c.run(ctx, cmdutil.ExecOptions{Timeout: 30 * time.Second},
		[]string{"kubectl", "rollout", "undo", "deployment/" + deployment, "--namespace", c.namespace})
	if err != nil {
		if result != nil {
			return fmt.Errorf("rollback failed: %w: %s", err, result.Combined())
		}
		return fmt.Errorf("rollback failed: %w", err)
	}

	c.logger.Info("rollback requested", "deployment", deployment)
	return nil
}
