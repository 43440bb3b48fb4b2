package pipeline

import (
	"context"
	"errors"

	"github.com/iamdk-16/springboot-notes-app-ci/internal/build"
	"github.com/iamdk-16/springboot-notes-app-ci/internal/cluster"
	"github.com/iamdk-16/springboot-notes-app-ci/internal/health"
	"github.com/iamdk-16/springboot-notes-app-ci/internal/registry"
)

// Error kinds recorded with failed runs. Each failure mode the stages can
// produce maps to exactly one kind, so history queries can group failures
// without parsing messages.
const (
	KindTestFailure        = "test_failure"
	KindBuildFailure       = "build_failure"
	KindPublishFailure     = "publish_failure"
	KindApplyFailure       = "apply_failure"
	KindRolloutConfigError = "rollout_config_error"
	KindRolloutTimeout     = "rollout_timeout"
	KindHealthDown         = "health_down"
	KindHealthTimeout      = "health_timeout"
	KindAborted            = "aborted"
	KindInternal           = "internal_error"
)

// classify maps a stage error to its kind.
func classify(err error) string {
	var buildErr *build.Error
	if errors.As(err, &buildErr) {
		if buildErr.Phase == build.PhaseTest {
			return KindTestFailure
		}
		return KindBuildFailure
	}

	var publishErr *registry.PublishError
	if errors.As(err, &publishErr) {
		return KindPublishFailure
	}

	var applyErr *cluster.ApplyError
	if errors.As(err, &applyErr) {
		return KindApplyFailure
	}

	var cfgErr *cluster.ConfigError
	if errors.As(err, &cfgErr) {
		return KindRolloutConfigError
	}

	var timeoutErr *cluster.TimeoutError
	if errors.As(err, &timeoutErr) {
		return KindRolloutTimeout
	}

	var verdictErr *health.VerdictError
	if errors.As(err, &verdictErr) {
		if verdictErr.Result.Verdict == health.VerdictDown {
			return KindHealthDown
		}
		return KindHealthTimeout
	}

	if errors.Is(err, context.Canceled) {
		return KindAborted
	}

	return KindInternal
}
