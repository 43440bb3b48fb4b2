package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/iamdk-16/springboot-notes-app-ci/internal/build"
	"github.com/iamdk-16/springboot-notes-app-ci/internal/cluster"
	"github.com/iamdk-16/springboot-notes-app-ci/internal/config"
	"github.com/iamdk-16/springboot-notes-app-ci/internal/health"
	"github.com/iamdk-16/springboot-notes-app-ci/internal/metrics"
	"github.com/iamdk-16/springboot-notes-app-ci/internal/notify"
	"github.com/iamdk-16/springboot-notes-app-ci/internal/registry"
	"github.com/iamdk-16/springboot-notes-app-ci/internal/vault"
)

// Orchestrator assembles the deployment pipeline for one configured
// application and executes runs. Component fields are exported so tests
// and callers can swap in their own instances before the first run.
type Orchestrator struct {
	Builder    *build.Builder
	Publisher  *registry.Publisher
	Applier    *cluster.Applier
	Controller *cluster.Controller
	Verifier   *health.Verifier
	Collector  *cluster.Collector

	// Notifier is nil when commit-status feedback is not configured.
	Notifier *notify.Notifier

	cfg     *config.PipelineConfig
	vault   vault.Provider
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewOrchestrator wires the pipeline components from the configuration.
// The metrics collector may be nil.
func NewOrchestrator(cfg *config.PipelineConfig, provider vault.Provider, m *metrics.Metrics, logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		cfg:     cfg,
		vault:   provider,
		metrics: m,
		logger:  logger,
	}

	o.Builder = build.NewBuilder(cfg.RegistryRepo, cfg.Build, logger)
	o.Publisher = registry.NewPublisher(cfg.RegistryRepo, cfg.Publish, logger)
	o.Applier = cluster.NewApplier(time.Duration(cfg.ApplyTimeoutSeconds)*time.Second, logger)
	o.Controller = cluster.NewController(cfg.Namespace,
		time.Duration(cfg.RolloutPollIntervalSeconds)*time.Second, logger)
	o.Verifier = health.NewVerifier(cfg.Health, logger)
	o.Collector = cluster.NewCollector(cfg.Namespace, cfg.AppName, cfg.DiagnosticsLogTail, logger)

	if cfg.NotifyEnabled() {
		o.Notifier = notify.New(cfg.GitHub, provider, logger)
	}

	return o
}

// Run executes one full pipeline run for an allocated build number. The
// returned Run always carries a final status; the caller persists it.
func (o *Orchestrator) Run(ctx context.Context, buildNumber int64, commit string) *Run {
	run := &Run{
		App:         o.cfg.AppName,
		BuildNumber: buildNumber,
		Commit:      commit,
	}

	driver := NewDriver(o.logger, o.metrics)
	driver.AddStage("build", o.stageBuild)
	driver.AddStage("publish", o.stagePublish)
	if len(o.cfg.MonitoringManifests) > 0 {
		driver.AddStage("apply-monitoring", o.stageApplyMonitoring)
	}
	driver.AddStage("apply-application", o.stageApplyApplication)
	driver.AddStage("rollout", o.stageRollout)
	driver.AddStage("verify", o.stageVerify)

	if o.cfg.RollbackOnFailure {
		driver.AddHook(HookOnFailure, "rollback", o.hookRollback)
	}
	driver.AddHook(HookOnFailure, "diagnostics", o.hookDiagnostics)
	if o.Notifier != nil {
		driver.AddHook(HookAlways, "commit-status", o.hookNotify)
	}
	driver.AddHook(HookAlways, "summary", o.hookSummary)

	o.logger.Info("run started", "app", run.App, "build", buildNumber, "commit", commit)
	o.notifyPending(ctx, run)
	driver.Execute(ctx, run)

	return run
}

func (o *Orchestrator) stageBuild(ctx context.Context, run *Run) (string, error) {
	artifact, err := o.Builder.Build(ctx, run.BuildNumber)
	if err != nil {
		return "", err
	}

	run.Artifact = artifact
	return artifact.Ref(), nil
}

func (o *Orchestrator) stagePublish(ctx context.Context, run *Run) (string, error) {
	var result *registry.Result

	err := vault.WithScope(ctx, o.vault, o.cfg.Publish.CredentialHandle, func(scope *vault.Scope) error {
		r, err := o.Publisher.Publish(ctx, run.Artifact, scope)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return "", err
	}

	run.Digest = result.Digest.String()
	if o.metrics != nil && result.PushAttempts > 1 {
		o.metrics.PublishRetries.Add(float64(result.PushAttempts - 1))
	}

	return "digest " + run.Digest, nil
}

func (o *Orchestrator) stageApplyMonitoring(ctx context.Context, run *Run) (string, error) {
	return o.applyManifests(ctx, run, o.cfg.MonitoringManifests, o.cfg.MonitoringNamespace)
}

func (o *Orchestrator) stageApplyApplication(ctx context.Context, run *Run) (string, error) {
	return o.applyManifests(ctx, run, o.cfg.Manifests, o.cfg.Namespace)
}

func (o *Orchestrator) applyManifests(ctx context.Context, run *Run, paths []string, namespace string) (string, error) {
	resources, err := cluster.RenderManifests(paths, cluster.NewRenderData(o.cfg, run.Artifact.Ref()))
	if err != nil {
		return "", fmt.Errorf("failed to render manifests: %w", err)
	}

	result, err := o.Applier.Apply(ctx, resources, namespace)
	if err != nil {
		detail := ""
		if result != nil {
			detail = fmt.Sprintf("%d applied, %d failed", len(result.Applied), len(result.Failed))
		}
		return detail, err
	}

	return fmt.Sprintf("%d resources applied", len(result.Applied)), nil
}

func (o *Orchestrator) stageRollout(ctx context.Context, run *Run) (string, error) {
	timeout := time.Duration(o.cfg.RolloutTimeoutSeconds) * time.Second

	status, err := o.Controller.Rollout(ctx, o.cfg.DeploymentName, o.cfg.ContainerName,
		run.Artifact.Ref(), timeout)

	detail := ""
	if status != nil {
		detail = status.String()
	}
	return detail, err
}

func (o *Orchestrator) stageVerify(ctx context.Context, run *Run) (string, error) {
	result, err := o.Verifier.Verify(ctx)

	detail := ""
	if result != nil {
		detail = fmt.Sprintf("verdict %s after %d probe(s)", result.Verdict, result.Attempts)
		if o.metrics != nil && result.Attempts > 0 {
			o.metrics.HealthProbes.Observe(float64(result.Attempts))
		}
	}
	if err == nil {
		return detail, nil
	}

	// Under the warn policy a bad verdict is recorded but does not fail
	// the run. Aborts and internal errors stay fatal regardless.
	var verdictErr *health.VerdictError
	if errors.As(err, &verdictErr) && o.cfg.Health.FailureMode == config.HealthFailureWarn {
		run.Warnings = append(run.Warnings, fmt.Sprintf("health verification: %v", err))
		o.logger.Warn("health verification failed, continuing per policy", "error", err)
		return detail, nil
	}

	return detail, err
}

// hookRollback reverts the deployment when the rollout stage itself
// failed. Earlier failures never touched the deployment, and a failed
// verify means the new version is already serving.
func (o *Orchestrator) hookRollback(ctx context.Context, run *Run) {
	stage := run.Stage("rollout")
	if stage == nil || stage.Status != StageFailed {
		return
	}

	if err := o.Controller.Rollback(ctx, o.cfg.DeploymentName); err != nil {
		o.logger.Error("rollback failed", "deployment", o.cfg.DeploymentName, "error", err)
	}
}

// clusterStages are the stages whose failures leave evidence in the
// cluster worth collecting.
var clusterStages = []string{"apply-monitoring", "apply-application", "rollout", "verify"}

func (o *Orchestrator) hookDiagnostics(ctx context.Context, run *Run) {
	var collect bool
	for _, name := range clusterStages {
		if stage := run.Stage(name); stage != nil && stage.Status == StageFailed {
			collect = true
			break
		}
	}
	if !collect {
		return
	}

	run.Diagnostics = o.Collector.Collect(ctx)
	o.logger.Error("failure diagnostics", "build", run.BuildNumber,
		"summary", run.Diagnostics.Summary())
}

// notifyPending marks the commit as in progress before the first stage
// runs. Best-effort, like the completion status.
func (o *Orchestrator) notifyPending(ctx context.Context, run *Run) {
	if o.Notifier == nil || run.Commit == "" {
		return
	}

	description := fmt.Sprintf("build %d in progress", run.BuildNumber)
	if err := o.Notifier.Publish(ctx, run.Commit, notify.StatePending, description); err != nil {
		o.logger.Warn("commit status not published", "commit", run.Commit, "error", err)
	}
}

func (o *Orchestrator) hookNotify(ctx context.Context, run *Run) {
	if run.Commit == "" {
		return
	}

	var state notify.State
	var description string
	switch run.Status {
	case StatusSuccess:
		state = notify.StateSuccess
		description = fmt.Sprintf("build %d deployed", run.BuildNumber)
	case StatusAborted:
		state = notify.StateError
		description = fmt.Sprintf("build %d aborted", run.BuildNumber)
	default:
		state = notify.StateFailure
		description = fmt.Sprintf("build %d failed: %s", run.BuildNumber, run.ErrorKind)
	}

	if err := o.Notifier.Publish(ctx, run.Commit, state, description); err != nil {
		o.logger.Warn("commit status not published", "commit", run.Commit, "error", err)
	}
}

func (o *Orchestrator) hookSummary(ctx context.Context, run *Run) {
	attrs := []any{
		"app", run.App,
		"build", run.BuildNumber,
		"status", string(run.Status),
		"elapsed", run.Elapsed.Round(time.Second),
	}
	if run.Digest != "" {
		attrs = append(attrs, "digest", run.Digest)
	}
	for _, w := range run.Warnings {
		o.logger.Warn("run warning", "build", run.BuildNumber, "warning", w)
	}

	if run.Err != nil {
		attrs = append(attrs, "kind", run.ErrorKind, "error", run.Err)
		o.logger.Error("run finished", attrs...)
		return
	}
	o.logger.Info("run finished", attrs...)
}
