package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/iamdk-16/springboot-notes-app-ci/pkg/cmdutil"
)

// DiagnosticsBundle is a best-effort snapshot of cluster state gathered
// after a failed run. Missing pieces are listed in Unavailable rather than
// failing collection.
type DiagnosticsBundle struct {
	CollectedAt time.Time
	PodStatus   string
	Events      string
	Logs        string
	Unavailable []string
}

// Summary renders the bundle for run output.
func (b *DiagnosticsBundle) Summary() string {
	var sb strings.Builder
	if b.PodStatus != "" {
		sb.WriteString("pods:\n" + b.PodStatus + "\n")
	}
	if b.Events != "" {
		sb.WriteString("events:\n" + b.Events + "\n")
	}
	if b.Logs != "" {
		sb.WriteString("logs:\n" + b.Logs + "\n")
	}
	for _, u := range b.Unavailable {
		sb.WriteString("diagnostics unavailable: " + u + "\n")
	}
	return sb.String()
}

// Collector gathers failure diagnostics. Every internal error is swallowed;
// collection never affects the run's outcome.
type Collector struct {
	namespace string
	appLabel  string
	logTail   int
	run       cmdutil.Runner
	logger    *slog.Logger
}

// NewCollector creates a collector scoped to the application's namespace
// and label selector.
func NewCollector(namespace, appLabel string, logTail int, logger *slog.Logger) *Collector {
	return &Collector{
		namespace: namespace,
		appLabel:  appLabel,
		logTail:   logTail,
		run:       cmdutil.Run,
		logger:    logger,
	}
}

// SetRunner overrides command execution, for tests.
func (c *Collector) SetRunner(run cmdutil.Runner) { c.run = run }

// Collect gathers pod status, recent events and container logs. It never
// returns an error: anything it cannot gather is recorded as unavailable.
func (c *Collector) Collect(ctx context.Context) *DiagnosticsBundle {
	bundle := &DiagnosticsBundle{CollectedAt: time.Now()}

	// Keep collecting even if the run's context is already cancelled.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 60*time.Second)
	defer cancel()

	selector := "app=" + c.appLabel

	bundle.PodStatus = c.capture(ctx, bundle, "pod status",
		[]string{"kubectl", "get", "pods", "--namespace", c.namespace, "--selector", selector, "--output", "wide"})

	bundle.Events = c.capture(ctx, bundle, "events",
		[]string{"kubectl", "get", "events", "--namespace", c.namespace, "--sort-by", ".lastTimestamp"})

	bundle.Logs = c.capture(ctx, bundle, "container logs",
		[]string{"kubectl", "logs", "--namespace", c.namespace, "--selector", selector,
			"--tail", fmt.Sprintf("%d", c.logTail), "--prefix"})

	return bundle
}

// capture runs one collection command, converting any failure into an
// "unavailable" note on the bundle.
func (c *Collector) capture(ctx context.Context, bundle *DiagnosticsBundle, what string, cmd []string) string {
	defer func() {
		if r := recover(); r != nil {
			bundle.Unavailable = append(bundle.Unavailable, fmt.Sprintf("%s: %v", what, r))
		}
	}()

	result, err := c.run(ctx, cmdutil.ExecOptions{Timeout: 20 * time.Second}, cmd)
	if err != nil {
		c.logger.Warn("diagnostics collection failed", "what", what, "error", err)
		bundle.Unavailable = append(bundle.Unavailable, fmt.Sprintf("%s: %v", what, err))
		return ""
	}

	return strings.TrimSpace(string(result.Stdout))
}
