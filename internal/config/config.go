// Package config loads and validates the pipeline configuration.
// All components receive their settings from an explicit PipelineConfig;
// nothing reads ambient process state at run time.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultBranch              = "main"
	DefaultTestTimeout         = 900
	DefaultImageBuildTimeout   = 600
	DefaultPublishAttempts     = 3
	DefaultPublishRetryDelay   = 2
	DefaultApplyTimeout        = 60
	DefaultRolloutTimeout      = 180
	DefaultRolloutPollInterval = 5
	DefaultHealthMaxAttempts   = 5
	DefaultHealthRetryDelay    = 5
	DefaultHealthProbeTimeout  = 5
	DefaultReplicaCount        = 1
	DefaultLogTailLines        = 100
)

// Valid values for the health backoff and failure-mode policies.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"

	HealthFailureFatal = "fatal"
	HealthFailureWarn  = "warn"
)

// ResourceSpec holds container resource quantities.
type ResourceSpec struct {
	CPU    string `yaml:"cpu"`
	Memory string `yaml:"memory"`
}

// BuildConfig configures the artifact build stage.
type BuildConfig struct {
	// WorkDir is the source checkout the build runs in.
	WorkDir string `yaml:"work_dir"`

	// TestCommand runs the application test suite, e.g. "./mvnw -B verify".
	TestCommand string `yaml:"test_command"`

	// ImageContext is the container build context directory.
	ImageContext string `yaml:"image_context"`

	// Dockerfile is the path to the Dockerfile, relative to ImageContext.
	Dockerfile string `yaml:"dockerfile"`

	TestTimeoutSeconds  int `yaml:"test_timeout_seconds"`
	ImageTimeoutSeconds int `yaml:"image_timeout_seconds"`
}

// PublishConfig configures the registry publish stage.
type PublishConfig struct {
	// CredentialHandle names the registry credential in the vault.
	CredentialHandle string `yaml:"credential_handle"`

	// PlainHTTP allows http:// registries, for local development only.
	PlainHTTP bool `yaml:"plain_http"`

	MaxAttempts       int `yaml:"max_attempts"`
	RetryDelaySeconds int `yaml:"retry_delay_seconds"`
}

// HealthConfig configures the post-rollout health verification stage.
type HealthConfig struct {
	// URL is the service health endpoint, e.g.
	// "http://notes.example.com/actuator/health".
	URL string `yaml:"url"`

	MaxAttempts         int    `yaml:"max_attempts"`
	RetryDelaySeconds   int    `yaml:"retry_delay_seconds"`
	ProbeTimeoutSeconds int    `yaml:"probe_timeout_seconds"`
	Backoff             string `yaml:"backoff"`

	// FailureMode decides whether a Down/Timeout verdict fails the run
	// ("fatal") or only logs a warning ("warn").
	FailureMode string `yaml:"failure_mode"`
}

// WebhookConfig configures the push-event webhook receiver.
type WebhookConfig struct {
	// Secret is the shared HMAC secret for signature verification.
	Secret string `yaml:"secret"`
}

// GitHubConfig configures optional commit-status feedback.
type GitHubConfig struct {
	Owner string `yaml:"owner"`
	Repo  string `yaml:"repo"`

	// TokenHandle names the API token credential in the vault.
	TokenHandle string `yaml:"token_handle"`

	// StatusContext labels the commit status, defaults to "notesci".
	StatusContext string `yaml:"status_context"`
}

// PipelineConfig is the full configuration surface for one deployment
// target. It is loaded once, validated, and treated as immutable.
type PipelineConfig struct {
	AppName      string `yaml:"app_name"`
	RegistryRepo string `yaml:"registry_repo"`
	Branch       string `yaml:"branch"`

	Namespace           string `yaml:"namespace"`
	MonitoringNamespace string `yaml:"monitoring_namespace"`
	DeploymentName      string `yaml:"deployment_name"`
	ContainerName       string `yaml:"container_name"`

	ReplicaCount     int          `yaml:"replica_count"`
	ResourceRequests ResourceSpec `yaml:"resource_requests"`
	ResourceLimits   ResourceSpec `yaml:"resource_limits"`

	Manifests           []string `yaml:"manifests"`
	MonitoringManifests []string `yaml:"monitoring_manifests"`

	Build   BuildConfig   `yaml:"build"`
	Publish PublishConfig `yaml:"publish"`
	Health  HealthConfig  `yaml:"health"`

	ApplyTimeoutSeconds        int  `yaml:"apply_timeout_seconds"`
	RolloutTimeoutSeconds      int  `yaml:"rollout_timeout_seconds"`
	RolloutPollIntervalSeconds int  `yaml:"rollout_poll_interval_seconds"`
	RollbackOnFailure          bool `yaml:"rollback_on_failure"`

	DiagnosticsLogTail int `yaml:"diagnostics_log_tail"`

	// CredentialsFile is the vault-backing file of named credentials.
	CredentialsFile string `yaml:"credentials_file"`

	Webhook WebhookConfig `yaml:"webhook"`
	GitHub  GitHubConfig  `yaml:"github"`
}

// Load reads, parses and validates the configuration file, applying
// defaults for optional settings.
func Load(configPath string) (*PipelineConfig, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg PipelineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	cfg.applyDefaults()

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration:\n%s", strings.Join(errs, "\n"))
	}

	return &cfg, nil
}

func (c *PipelineConfig) applyDefaults() {
	if c.Branch == "" {
		c.Branch = DefaultBranch
	}
	if c.ContainerName == "" {
		c.ContainerName = c.AppName
	}
	if c.DeploymentName == "" {
		c.DeploymentName = c.AppName
	}
	if c.ReplicaCount == 0 {
		c.ReplicaCount = DefaultReplicaCount
	}
	if c.Build.WorkDir == "" {
		c.Build.WorkDir = "."
	}
	if c.Build.ImageContext == "" {
		c.Build.ImageContext = c.Build.WorkDir
	}
	if c.Build.Dockerfile == "" {
		c.Build.Dockerfile = "Dockerfile"
	}
	if c.Build.TestTimeoutSeconds == 0 {
		c.Build.TestTimeoutSeconds = DefaultTestTimeout
	}
	if c.Build.ImageTimeoutSeconds == 0 {
		c.Build.ImageTimeoutSeconds = DefaultImageBuildTimeout
	}
	if c.Publish.MaxAttempts == 0 {
		c.Publish.MaxAttempts = DefaultPublishAttempts
	}
	if c.Publish.RetryDelaySeconds == 0 {
		c.Publish.RetryDelaySeconds = DefaultPublishRetryDelay
	}
	if c.ApplyTimeoutSeconds == 0 {
		c.ApplyTimeoutSeconds = DefaultApplyTimeout
	}
	if c.RolloutTimeoutSeconds == 0 {
		c.RolloutTimeoutSeconds = DefaultRolloutTimeout
	}
	if c.RolloutPollIntervalSeconds == 0 {
		c.RolloutPollIntervalSeconds = DefaultRolloutPollInterval
	}
	if c.Health.MaxAttempts == 0 {
		c.Health.MaxAttempts = DefaultHealthMaxAttempts
	}
	if c.Health.RetryDelaySeconds == 0 {
		c.Health.RetryDelaySeconds = DefaultHealthRetryDelay
	}
	if c.Health.ProbeTimeoutSeconds == 0 {
		c.Health.ProbeTimeoutSeconds = DefaultHealthProbeTimeout
	}
	if c.Health.Backoff == "" {
		c.Health.Backoff = BackoffFixed
	}
	if c.Health.FailureMode == "" {
		c.Health.FailureMode = HealthFailureFatal
	}
	if c.DiagnosticsLogTail == 0 {
		c.DiagnosticsLogTail = DefaultLogTailLines
	}
	if c.GitHub.StatusContext == "" {
		c.GitHub.StatusContext = "notesci"
	}
}

// Validate checks the configuration and returns a list of human-readable
// problems. An empty list means the configuration is usable.
func (c *PipelineConfig) Validate() []string {
	var errs []string

	if c.AppName == "" {
		errs = append(errs, "  - missing required 'app_name' field")
	}

	if c.RegistryRepo == "" {
		errs = append(errs, "  - missing required 'registry_repo' field")
	} else if strings.ContainsAny(c.RegistryRepo, " \t") {
		errs = append(errs, fmt.Sprintf("  - registry_repo must not contain whitespace, got '%s'", c.RegistryRepo))
	}

	if c.Namespace == "" {
		errs = append(errs, "  - missing required 'namespace' field")
	}

	if c.Publish.CredentialHandle == "" {
		errs = append(errs, "  - missing required 'publish.credential_handle' field")
	}

	if len(c.Manifests) == 0 {
		errs = append(errs, "  - at least one entry required in 'manifests'")
	}

	// Rendered monitoring resources without an explicit metadata.namespace
	// would otherwise be applied with an empty --namespace.
	if len(c.MonitoringManifests) > 0 && c.MonitoringNamespace == "" {
		errs = append(errs, "  - 'monitoring_namespace' is required when 'monitoring_manifests' is set")
	}

	if c.Health.URL == "" {
		errs = append(errs, "  - missing required 'health.url' field")
	}

	switch c.Health.Backoff {
	case BackoffFixed, BackoffExponential:
	default:
		errs = append(errs, fmt.Sprintf("  - health.backoff must be '%s' or '%s', got '%s'",
			BackoffFixed, BackoffExponential, c.Health.Backoff))
	}

	switch c.Health.FailureMode {
	case HealthFailureFatal, HealthFailureWarn:
	default:
		errs = append(errs, fmt.Sprintf("  - health.failure_mode must be '%s' or '%s', got '%s'",
			HealthFailureFatal, HealthFailureWarn, c.Health.FailureMode))
	}

	for name, v := range map[string]int{
		"build.test_timeout_seconds":    c.Build.TestTimeoutSeconds,
		"build.image_timeout_seconds":   c.Build.ImageTimeoutSeconds,
		"publish.max_attempts":          c.Publish.MaxAttempts,
		"publish.retry_delay_seconds":   c.Publish.RetryDelaySeconds,
		"apply_timeout_seconds":         c.ApplyTimeoutSeconds,
		"rollout_timeout_seconds":       c.RolloutTimeoutSeconds,
		"rollout_poll_interval_seconds": c.RolloutPollIntervalSeconds,
		"health.max_attempts":           c.Health.MaxAttempts,
		"health.retry_delay_seconds":    c.Health.RetryDelaySeconds,
		"health.probe_timeout_seconds":  c.Health.ProbeTimeoutSeconds,
	} {
		if v < 0 {
			errs = append(errs, fmt.Sprintf("  - %s must be a positive integer, got %d", name, v))
		}
	}

	if c.ReplicaCount < 1 {
		errs = append(errs, fmt.Sprintf("  - replica_count must be at least 1, got %d", c.ReplicaCount))
	}

	if strings.HasPrefix(c.Branch, "-") {
		errs = append(errs, fmt.Sprintf("  - branch name cannot start with '-', got '%s'", c.Branch))
	}

	// Commit-status feedback is optional, but half-configured is a mistake.
	if (c.GitHub.Owner == "") != (c.GitHub.Repo == "") {
		errs = append(errs, "  - github.owner and github.repo must be set together")
	}

	return errs
}

// NotifyEnabled reports whether commit-status feedback is configured.
func (c *PipelineConfig) NotifyEnabled() bool {
	return c.GitHub.Owner != "" && c.GitHub.Repo != "" && c.GitHub.TokenHandle != ""
}

// Target identifies the deployment target this configuration drives; it is
// used as the single-flight lock key.
func (c *PipelineConfig) Target() string {
	return c.Namespace + "/" + c.DeploymentName
}
