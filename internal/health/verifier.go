// Package health verifies a deployed application's actuator endpoint after
// a rollout. A verification ends in exactly one of three verdicts: the
// application reported UP, it definitively reported itself down, or the
// probe budget ran out without a definitive answer.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/iamdk-16/springboot-notes-app-ci/internal/config"
	"github.com/iamdk-16/springboot-notes-app-ci/pkg/retry"
)

// Verdict is the outcome of a health verification.
type Verdict string

const (
	// VerdictUp means the endpoint answered 200 with status UP.
	VerdictUp Verdict = "up"

	// VerdictDown means the application definitively reported itself
	// unhealthy. No further probes are sent after a down answer.
	VerdictDown Verdict = "down"

	// VerdictTimeout means the probe budget was exhausted without the
	// application ever answering UP or definitively down.
	VerdictTimeout Verdict = "timeout"
)

// Result summarizes a finished verification.
type Result struct {
	Verdict    Verdict
	Attempts   int
	Elapsed    time.Duration
	LastStatus string
}

// VerdictError is returned for down and timeout verdicts.
type VerdictError struct {
	Result *Result
}

func (e *VerdictError) Error() string {
	switch e.Result.Verdict {
	case VerdictDown:
		return fmt.Sprintf("application reported status %q after %d probe(s)",
			e.Result.LastStatus, e.Result.Attempts)
	default:
		return fmt.Sprintf("health endpoint never came up after %d probe(s) over %s",
			e.Result.Attempts, e.Result.Elapsed.Round(time.Second))
	}
}

// bodyLimit caps how much of the probe response is read.
const bodyLimit = 64 << 10

// downStatuses are the actuator answers treated as definitive: the
// application is running and has decided it is not healthy, so further
// probes cannot change the outcome.
var downStatuses = map[string]bool{
	"DOWN":           true,
	"OUT_OF_SERVICE": true,
}

// Verifier probes an HTTP health endpoint with bounded retries.
type Verifier struct {
	url    string
	policy retry.Policy
	client *http.Client
	logger *slog.Logger
}

// NewVerifier builds a verifier from the health section of the pipeline
// configuration.
func NewVerifier(cfg config.HealthConfig, logger *slog.Logger) *Verifier {
	policy := retry.Policy{
		MaxAttempts: cfg.MaxAttempts,
		Delay:       time.Duration(cfg.RetryDelaySeconds) * time.Second,
		Backoff:     retry.Backoff(cfg.Backoff),
	}

	return &Verifier{
		url:    cfg.URL,
		policy: policy,
		client: &http.Client{
			Timeout: time.Duration(cfg.ProbeTimeoutSeconds) * time.Second,
		},
		logger: logger,
	}
}

// SetPolicy overrides the retry policy, for tests that need short delays.
func (v *Verifier) SetPolicy(p retry.Policy) { v.policy = p }

// probeError wraps one failed probe so retries stay distinguishable from
// the definitive down answer.
type probeError struct {
	reason string
}

func (e *probeError) Error() string { return e.reason }

// downError marks the definitive down answer inside the retry loop.
type downError struct {
	status string
}

func (e *downError) Error() string {
	return fmt.Sprintf("application reported status %q", e.status)
}

// Verify probes the endpoint until it answers UP, answers definitively
// down, or the attempt budget runs out. The returned Result is non-nil for
// all three verdicts; the error is nil only for VerdictUp.
func (v *Verifier) Verify(ctx context.Context) (*Result, error) {
	start := time.Now()
	result := &Result{}

	attempts, err := retry.Do(ctx, v.policy, func(ctx context.Context, attempt int) (bool, error) {
		status, err := v.probe(ctx)
		if err != nil {
			v.logger.Info("health probe failed", "attempt", attempt, "error", err)
			return false, err
		}
		result.LastStatus = status

		switch {
		case status == "UP":
			return true, nil
		case downStatuses[status]:
			v.logger.Warn("application reported itself unhealthy", "status", status, "attempt", attempt)
			return true, &downError{status: status}
		default:
			v.logger.Info("health probe not up yet", "attempt", attempt, "status", status)
			return false, &probeError{reason: fmt.Sprintf("status %q", status)}
		}
	})

	result.Attempts = attempts
	result.Elapsed = time.Since(start)

	switch {
	case err == nil:
		result.Verdict = VerdictUp
		v.logger.Info("health verification passed", "attempts", attempts, "elapsed", result.Elapsed.Round(time.Millisecond))
		return result, nil

	case isDown(err):
		result.Verdict = VerdictDown
		return result, &VerdictError{Result: result}

	case errors.Is(err, context.Canceled):
		return result, fmt.Errorf("health verification aborted: %w", err)

	default:
		result.Verdict = VerdictTimeout
		return result, &VerdictError{Result: result}
	}
}

func isDown(err error) bool {
	var down *downError
	return errors.As(err, &down)
}

// probe issues one GET against the health endpoint and extracts the
// reported status. A non-2xx response still yields a status when the body
// parses, because actuator answers 503 with a DOWN body.
func (v *Verifier) probe(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build health request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("health endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, bodyLimit))
	if err != nil {
		return "", fmt.Errorf("failed to read health response: %w", err)
	}

	var payload struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Status == "" {
		return "", &probeError{reason: fmt.Sprintf("unexpected response (HTTP %d)", resp.StatusCode)}
	}

	// UP only counts when the endpoint also answers 200; anything else is
	// a proxy or partial readiness and stays retryable.
	if payload.Status == "UP" && resp.StatusCode != http.StatusOK {
		return "", &probeError{reason: fmt.Sprintf("status UP with HTTP %d", resp.StatusCode)}
	}

	return payload.Status, nil
}
