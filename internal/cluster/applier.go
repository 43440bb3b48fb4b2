package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/iamdk-16/springboot-notes-app-ci/pkg/cmdutil"
)

// ResourceFailure records one resource that could not be applied.
type ResourceFailure struct {
	Resource Resource
	Err      error
}

// ApplyResult reports the per-resource outcome of an apply. A partial
// failure is not rolled back; the caller decides whether it is fatal.
type ApplyResult struct {
	// Applied lists resources that reached the desired state, with the
	// server's outcome word (created, configured, unchanged).
	Applied []string

	// Failed lists resources that could not be applied.
	Failed []ResourceFailure
}

// ApplyError is a fatal apply failure carrying the partial result.
type ApplyError struct {
	Result *ApplyResult
}

func (e *ApplyError) Error() string {
	names := make([]string, 0, len(e.Result.Failed))
	for _, f := range e.Result.Failed {
		names = append(names, f.Resource.String())
	}
	return fmt.Sprintf("failed to apply %d of %d resources: %s",
		len(e.Result.Failed), len(e.Result.Failed)+len(e.Result.Applied), strings.Join(names, ", "))
}

// Applier applies ordered resource sets to the cluster, idempotently.
type Applier struct {
	timeout time.Duration
	run     cmdutil.Runner
	logger  *slog.Logger
}

// NewApplier creates an applier with the given per-resource timeout.
func NewApplier(timeout time.Duration, logger *slog.Logger) *Applier {
	return &Applier{
		timeout: timeout,
		run:     cmdutil.Run,
		logger:  logger,
	}
}

// SetRunner overrides command execution, for tests.
func (a *Applier) SetRunner(run cmdutil.Runner) { a.run = run }

// Apply applies every resource in order, continuing past individual
// failures so the result names exactly which resources succeeded and which
// did not. Re-applying unchanged resources is a no-op; a resource that
// already exists is success, not an error.
func (a *Applier) Apply(ctx context.Context, resources []Resource, targetNamespace string) (*ApplyResult, error) {
	result := &ApplyResult{}

	for _, res := range resources {
		if err := ctx.Err(); err != nil {
			result.Failed = append(result.Failed, ResourceFailure{Resource: res, Err: err})
			continue
		}

		outcome, err := a.applyOne(ctx, res, targetNamespace)
		if err != nil {
			a.logger.Error("resource apply failed", "resource", res.String(), "error", err)
			result.Failed = append(result.Failed, ResourceFailure{Resource: res, Err: err})
			continue
		}

		a.logger.Info("resource applied", "resource", res.String(), "outcome", outcome)
		result.Applied = append(result.Applied, fmt.Sprintf("%s: %s", res.String(), outcome))
	}

	if len(result.Failed) > 0 {
		return result, &ApplyError{Result: result}
	}
	return result, nil
}

func (a *Applier) applyOne(ctx context.Context, res Resource, targetNamespace string) (string, error) {
	cmd := []string{"kubectl", "apply", "-f", "-"}

	// Cluster-scoped kinds must not get a namespace flag; namespaced
	// resources fall back to the target namespace unless the manifest
	// pins one explicitly.
	if res.Kind != "Namespace" {
		ns := res.Namespace
		if ns == "" {
			ns = targetNamespace
		}
		cmd = append(cmd, "--namespace", ns)
	}

	result, err := a.run(ctx, cmdutil.ExecOptions{
		Timeout: a.timeout,
		Stdin:   res.Doc(),
	}, cmd)
	if err != nil {
		if result != nil && alreadyExists(result.Combined()) {
			return "unchanged (already exists)", nil
		}
		if result != nil {
			return "", fmt.Errorf("%w: %s", err, result.Combined())
		}
		return "", err
	}

	return outcomeWord(string(result.Stdout)), nil
}

// alreadyExists recognizes the server rejecting a create for a resource
// that is already present, which apply semantics treat as success.
func alreadyExists(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "already exists") || strings.Contains(lower, "alreadyexists")
}

// outcomeWord extracts the apply verb from kubectl's one-line output,
// e.g. "deployment.apps/notes-app configured" -> "configured".
func outcomeWord(output string) string {
	fields := strings.Fields(strings.TrimSpace(output))
	if len(fields) == 0 {
		return "applied"
	}
	return fields[len(fields)-1]
}
