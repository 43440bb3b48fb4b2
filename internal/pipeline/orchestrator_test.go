package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/iamdk-16/springboot-notes-app-ci/internal/config"
	"github.com/iamdk-16/springboot-notes-app-ci/internal/notify"
	"github.com/iamdk-16/springboot-notes-app-ci/internal/registry"
	"github.com/iamdk-16/springboot-notes-app-ci/internal/vault"
	"github.com/iamdk-16/springboot-notes-app-ci/pkg/cmdutil"
	"github.com/iamdk-16/springboot-notes-app-ci/pkg/retry"
)

// fakeExec matches commands by substring and returns scripted output.
// Unmatched commands succeed with empty output.
type fakeExec struct {
	failing map[string]string
	replies map[string]string
	calls   []string
}

func newFakeExec() *fakeExec {
	return &fakeExec{failing: map[string]string{}, replies: map[string]string{}}
}

func (f *fakeExec) run(ctx context.Context, opts cmdutil.ExecOptions, cmd []string) (*cmdutil.Result, error) {
	line := strings.Join(cmd, " ")
	f.calls = append(f.calls, line)

	for match, stderr := range f.failing {
		if strings.Contains(line, match) {
			return &cmdutil.Result{Stderr: []byte(stderr), ExitCode: 1},
				fmt.Errorf("command failed: exit status 1")
		}
	}
	for match, stdout := range f.replies {
		if strings.Contains(line, match) {
			return &cmdutil.Result{Stdout: []byte(stdout)}, nil
		}
	}
	return &cmdutil.Result{}, nil
}

func (f *fakeExec) count(substr string) int {
	n := 0
	for _, line := range f.calls {
		if strings.Contains(line, substr) {
			n++
		}
	}
	return n
}

// fakeRegistry satisfies registry.TagTarget and remembers tag moves.
type fakeRegistry struct {
	tags map[string]ocispec.Descriptor
}

func (f *fakeRegistry) Resolve(ctx context.Context, reference string) (ocispec.Descriptor, error) {
	desc, ok := f.tags[reference]
	if !ok {
		return ocispec.Descriptor{}, fmt.Errorf("%s: not found", reference)
	}
	return desc, nil
}

func (f *fakeRegistry) Tag(ctx context.Context, desc ocispec.Descriptor, reference string) error {
	f.tags[reference] = desc
	return nil
}

func writeManifestTemplate(t *testing.T, dir, name, kind string) string {
	t.Helper()
	tmpl := fmt.Sprintf(`apiVersion: apps/v1
kind: %s
metadata:
  name: {{ .AppName }}
  namespace: {{ .Namespace }}
spec:
  replicas: {{ .ReplicaCount }}
  image: {{ .Image }}
`, kind)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(tmpl), 0o644); err != nil {
		t.Fatalf("Failed to write template: %v", err)
	}
	return path
}

func testConfig(t *testing.T, healthURL string) *config.PipelineConfig {
	t.Helper()
	dir := t.TempDir()

	return &config.PipelineConfig{
		AppName:             "notes-app",
		RegistryRepo:        "registry.example.com/notes/notes-app",
		Branch:              "main",
		Namespace:           "notes",
		MonitoringNamespace: "monitoring",
		DeploymentName:      "notes-app",
		ContainerName:       "notes-app",
		ReplicaCount:        2,
		Manifests: []string{
			writeManifestTemplate(t, dir, "app.yaml.tmpl", "Deployment"),
		},
		MonitoringManifests: []string{
			writeManifestTemplate(t, dir, "monitoring.yaml.tmpl", "DaemonSet"),
		},
		Build: config.BuildConfig{
			TestCommand:  "./mvnw -B verify",
			ImageContext: ".",
			Dockerfile:   "Dockerfile",
		},
		Publish: config.PublishConfig{
			CredentialHandle:  "registry-cred",
			MaxAttempts:       3,
			RetryDelaySeconds: 1,
		},
		Health: config.HealthConfig{
			URL:                 healthURL,
			MaxAttempts:         3,
			RetryDelaySeconds:   1,
			ProbeTimeoutSeconds: 2,
			Backoff:             config.BackoffFixed,
			FailureMode:         config.HealthFailureFatal,
		},
		ApplyTimeoutSeconds:        30,
		RolloutTimeoutSeconds:      1,
		RolloutPollIntervalSeconds: 1,
		DiagnosticsLogTail:         50,
	}
}

// healthyServer answers UP for every probe.
func healthyServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"UP"}`))
	}))
	t.Cleanup(server.Close)
	return server
}

const convergedDeployment = `{
  "metadata": {"generation": 1},
  "spec": {"replicas": 2},
  "status": {"observedGeneration": 1, "readyReplicas": 2, "updatedReplicas": 2}
}`

// newTestOrchestrator wires an orchestrator whose components are all backed
// by fakes. The fakeExec covers every shelled command; the fakeRegistry has
// the version tag pre-resolved, as a real push would leave it.
func newTestOrchestrator(t *testing.T, cfg *config.PipelineConfig, exec *fakeExec) (*Orchestrator, *fakeRegistry, *vault.MemoryProvider) {
	t.Helper()

	provider := vault.NewMemoryProvider()
	provider.Store("registry-cred", "ci-robot", "registry-pw")

	reg := &fakeRegistry{tags: map[string]ocispec.Descriptor{}}
	pushed := ocispec.Descriptor{Digest: digest.Digest("sha256:" + strings.Repeat("a", 64))}
	for _, tag := range []string{"7", "8", "9", "10", "11", "12", "13", "14", "15", "42"} {
		reg.tags[tag] = pushed
	}

	o := NewOrchestrator(cfg, provider, nil, discardLogger())
	o.Builder.SetRunner(exec.run)
	o.Publisher.SetRunner(exec.run)
	o.Publisher.SetTargetFactory(func(scope *vault.Scope) (registry.TagTarget, error) {
		return reg, nil
	})
	o.Applier.SetRunner(exec.run)
	o.Controller.SetRunner(exec.run)
	o.Collector.SetRunner(exec.run)
	o.Verifier.SetPolicy(retry.Policy{MaxAttempts: 3, Delay: time.Millisecond, Backoff: retry.BackoffFixed})

	return o, reg, provider
}

func TestRun_EndToEndSuccess(t *testing.T) {
	server := healthyServer(t)
	cfg := testConfig(t, server.URL+"/actuator/health")

	exec := newFakeExec()
	exec.replies["kubectl get deployment"] = convergedDeployment

	o, reg, provider := newTestOrchestrator(t, cfg, exec)

	run := o.Run(context.Background(), 42, "deadbeef")

	if run.Status != StatusSuccess {
		t.Fatalf("Expected success, got %s: %v", run.Status, run.Err)
	}

	wantStages := []string{"build", "publish", "apply-monitoring", "apply-application", "rollout", "verify"}
	if len(run.Stages) != len(wantStages) {
		t.Fatalf("Expected %d stages, got %d", len(wantStages), len(run.Stages))
	}
	for i, name := range wantStages {
		if run.Stages[i].Name != name {
			t.Errorf("Stage %d: expected %s, got %s", i, name, run.Stages[i].Name)
		}
		if run.Stages[i].Status != StageSucceeded {
			t.Errorf("Stage %s: expected succeeded, got %s", name, run.Stages[i].Status)
		}
	}

	// Versioned image was built, tested and pushed.
	if exec.count("./mvnw -B verify") != 1 {
		t.Error("Test suite did not run")
	}
	if exec.count("docker build -t registry.example.com/notes/notes-app:42") != 1 {
		t.Error("Image was not built with the version tag")
	}
	if exec.count("docker push registry.example.com/notes/notes-app:42") != 1 {
		t.Error("Versioned image was not pushed")
	}

	// The latest alias now points at the published digest.
	latest, ok := reg.tags["latest"]
	if !ok {
		t.Fatal("Latest alias was not moved")
	}
	if latest.Digest != reg.tags["42"].Digest {
		t.Error("Latest alias points at the wrong digest")
	}
	if run.Digest != latest.Digest.String() {
		t.Errorf("Run digest mismatch: %s", run.Digest)
	}

	// Credentials were resolved once and the session was closed.
	if provider.Resolutions("registry-cred") != 1 {
		t.Errorf("Expected 1 credential resolution, got %d", provider.Resolutions("registry-cred"))
	}
	if exec.count("docker logout") != 1 {
		t.Error("Registry session was not closed")
	}

	// Rollout targeted the versioned image, never latest.
	if exec.count("notes-app=registry.example.com/notes/notes-app:42") != 1 {
		t.Error("Rollout did not pin the versioned image")
	}

	// No diagnostics on a clean run.
	if run.Diagnostics != nil {
		t.Error("Diagnostics must not be collected for successful runs")
	}
}

func TestRun_TestFailureStopsEverything(t *testing.T) {
	server := healthyServer(t)
	cfg := testConfig(t, server.URL)

	exec := newFakeExec()
	exec.failing["./mvnw -B verify"] = "Tests run: 12, Failures: 1"

	o, _, provider := newTestOrchestrator(t, cfg, exec)

	run := o.Run(context.Background(), 7, "deadbeef")

	if run.Status != StatusFailed {
		t.Fatalf("Expected failed, got %s", run.Status)
	}
	if run.ErrorKind != KindTestFailure {
		t.Errorf("Expected test_failure kind, got %q", run.ErrorKind)
	}
	if exec.count("docker build") != 0 {
		t.Error("Image must not be built after test failure")
	}
	if provider.Resolutions("registry-cred") != 0 {
		t.Error("Credentials must not be resolved when the build fails")
	}
	for _, name := range []string{"publish", "apply-monitoring", "apply-application", "rollout", "verify"} {
		if run.Stage(name).Status != StageSkipped {
			t.Errorf("Stage %s expected skipped, got %s", name, run.Stage(name).Status)
		}
	}
}

func TestRun_ApplyFailureSkipsRolloutAndCollectsDiagnostics(t *testing.T) {
	server := healthyServer(t)
	cfg := testConfig(t, server.URL)

	exec := newFakeExec()
	exec.replies["kubectl get pods"] = "notes-app-abc   0/1   ImagePullBackOff   0   1m"
	exec.failing["kubectl apply"] = "error validating data"

	o, _, _ := newTestOrchestrator(t, cfg, exec)

	run := o.Run(context.Background(), 8, "deadbeef")

	if run.Status != StatusFailed {
		t.Fatalf("Expected failed, got %s", run.Status)
	}
	if run.ErrorKind != KindApplyFailure {
		t.Errorf("Expected apply_failure kind, got %q", run.ErrorKind)
	}
	if run.Stage("apply-monitoring").Status != StageFailed {
		t.Errorf("Expected apply-monitoring failed, got %s", run.Stage("apply-monitoring").Status)
	}
	for _, name := range []string{"apply-application", "rollout", "verify"} {
		if run.Stage(name).Status != StageSkipped {
			t.Errorf("Stage %s expected skipped, got %s", name, run.Stage(name).Status)
		}
	}

	if run.Diagnostics == nil {
		t.Fatal("Expected diagnostics for a cluster-stage failure")
	}
	if !strings.Contains(run.Diagnostics.PodStatus, "ImagePullBackOff") {
		t.Errorf("Diagnostics missing pod status: %q", run.Diagnostics.PodStatus)
	}
}

func TestRun_HealthWarnModeDoesNotFailRun(t *testing.T) {
	// Endpoint that never comes up.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusNotFound)
	}))
	t.Cleanup(server.Close)

	cfg := testConfig(t, server.URL)
	cfg.Health.FailureMode = config.HealthFailureWarn

	exec := newFakeExec()
	exec.replies["kubectl get deployment"] = convergedDeployment

	o, _, _ := newTestOrchestrator(t, cfg, exec)

	run := o.Run(context.Background(), 9, "deadbeef")

	if run.Status != StatusSuccess {
		t.Fatalf("Expected success under warn mode, got %s: %v", run.Status, run.Err)
	}
	if len(run.Warnings) != 1 {
		t.Fatalf("Expected 1 warning, got %v", run.Warnings)
	}
	if run.Stage("verify").Status != StageSucceeded {
		t.Errorf("Expected verify stage succeeded under warn mode, got %s", run.Stage("verify").Status)
	}
}

func TestRun_HealthFatalModeFailsRun(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"DOWN"}`))
	}))
	t.Cleanup(server.Close)

	cfg := testConfig(t, server.URL)

	exec := newFakeExec()
	exec.replies["kubectl get deployment"] = convergedDeployment

	o, _, _ := newTestOrchestrator(t, cfg, exec)

	run := o.Run(context.Background(), 10, "deadbeef")

	if run.Status != StatusFailed {
		t.Fatalf("Expected failed, got %s", run.Status)
	}
	if run.ErrorKind != KindHealthDown {
		t.Errorf("Expected health_down kind, got %q", run.ErrorKind)
	}
}

func TestRun_RollbackOnlyAfterRolloutFailure(t *testing.T) {
	server := healthyServer(t)
	cfg := testConfig(t, server.URL)
	cfg.RollbackOnFailure = true

	t.Run("rollout failure triggers rollback", func(t *testing.T) {
		exec := newFakeExec()
		// Deployment exists but never converges.
		exec.replies["kubectl get deployment"] = `{
  "metadata": {"generation": 2},
  "spec": {"replicas": 2},
  "status": {"observedGeneration": 1, "readyReplicas": 0, "updatedReplicas": 0}
}`

		o, _, _ := newTestOrchestrator(t, cfg, exec)
		run := o.Run(context.Background(), 11, "deadbeef")

		if run.ErrorKind != KindRolloutTimeout {
			t.Fatalf("Expected rollout_timeout, got %q (%v)", run.ErrorKind, run.Err)
		}
		if exec.count("kubectl rollout undo") != 1 {
			t.Error("Expected rollback after rollout failure")
		}
	})

	t.Run("apply failure does not trigger rollback", func(t *testing.T) {
		exec := newFakeExec()
		exec.failing["kubectl apply"] = "error validating data"

		o, _, _ := newTestOrchestrator(t, cfg, exec)
		run := o.Run(context.Background(), 12, "deadbeef")

		if run.Status != StatusFailed {
			t.Fatalf("Expected failed, got %s", run.Status)
		}
		if exec.count("kubectl rollout undo") != 0 {
			t.Error("Rollback must only follow a failed rollout stage")
		}
	})
}

// wireNotifier attaches a notifier whose statuses endpoint is a local
// server recording posted states in order.
func wireNotifier(t *testing.T, o *Orchestrator, provider *vault.MemoryProvider) *[]string {
	t.Helper()

	provider.Store("github-token", "ci-bot", "ghp_secret")

	var states []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.Contains(r.URL.Path, "/statuses/") {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("Failed to decode status body: %v", err)
		}
		states = append(states, body["state"].(string))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id": 1}`))
	}))
	t.Cleanup(server.Close)

	o.Notifier = notify.New(config.GitHubConfig{
		Owner:         "iamdk-16",
		Repo:          "springboot-notes-app",
		TokenHandle:   "github-token",
		StatusContext: "notesci",
	}, provider, discardLogger())
	o.Notifier.SetClientFactory(func(ctx context.Context, token string) *github.Client {
		client := github.NewClient(nil)
		base, _ := url.Parse(server.URL + "/")
		client.BaseURL = base
		return client
	})

	return &states
}

func TestRun_CommitStatusPendingThenFinal(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		server := healthyServer(t)
		cfg := testConfig(t, server.URL)

		exec := newFakeExec()
		exec.replies["kubectl get deployment"] = convergedDeployment

		o, _, provider := newTestOrchestrator(t, cfg, exec)
		states := wireNotifier(t, o, provider)

		run := o.Run(context.Background(), 13, "deadbeef")

		if run.Status != StatusSuccess {
			t.Fatalf("Expected success, got %s: %v", run.Status, run.Err)
		}
		if len(*states) != 2 || (*states)[0] != "pending" || (*states)[1] != "success" {
			t.Errorf("Expected pending then success, got %v", *states)
		}
	})

	t.Run("failure", func(t *testing.T) {
		server := healthyServer(t)
		cfg := testConfig(t, server.URL)

		exec := newFakeExec()
		exec.failing["./mvnw -B verify"] = "Tests run: 12, Failures: 1"

		o, _, provider := newTestOrchestrator(t, cfg, exec)
		states := wireNotifier(t, o, provider)

		run := o.Run(context.Background(), 14, "deadbeef")

		if run.Status != StatusFailed {
			t.Fatalf("Expected failed, got %s", run.Status)
		}
		if len(*states) != 2 || (*states)[0] != "pending" || (*states)[1] != "failure" {
			t.Errorf("Expected pending then failure, got %v", *states)
		}
	})

	t.Run("no commit hash skips statuses", func(t *testing.T) {
		server := healthyServer(t)
		cfg := testConfig(t, server.URL)

		exec := newFakeExec()
		exec.replies["kubectl get deployment"] = convergedDeployment

		o, _, provider := newTestOrchestrator(t, cfg, exec)
		states := wireNotifier(t, o, provider)

		o.Run(context.Background(), 15, "")

		if len(*states) != 0 {
			t.Errorf("Expected no statuses without a commit hash, got %v", *states)
		}
	})
}

func TestRun_RecordRoundTrip(t *testing.T) {
	server := healthyServer(t)
	cfg := testConfig(t, server.URL)

	exec := newFakeExec()
	exec.replies["kubectl get deployment"] = convergedDeployment

	o, _, _ := newTestOrchestrator(t, cfg, exec)
	run := o.Run(context.Background(), 42, "deadbeef")

	record := run.Record()
	if record.BuildNumber != 42 || record.Status != "success" {
		t.Errorf("Record lost run identity: %+v", record)
	}
	if record.VersionTag != "42" {
		t.Errorf("Expected version tag 42, got %q", record.VersionTag)
	}
	if record.CommitHash == nil || *record.CommitHash != "deadbeef" {
		t.Errorf("Record lost commit hash: %v", record.CommitHash)
	}
	if len(record.Stages) != len(run.Stages) {
		t.Errorf("Record lost stages: %d vs %d", len(record.Stages), len(run.Stages))
	}
}

func TestClassify_UnknownError(t *testing.T) {
	if got := classify(errors.New("weird")); got != KindInternal {
		t.Errorf("Expected internal_error for unknown errors, got %q", got)
	}
}
