// Package build produces an immutable, versioned container image from
// verified source. A successful build guarantees a complete, runnable
// image tagged with the run's build number.
package build

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/iamdk-16/springboot-notes-app-ci/internal/config"
	"github.com/iamdk-16/springboot-notes-app-ci/pkg/cmdutil"
)

// Phase identifies which part of the build failed. Test failures and
// packaging failures are both fatal but must be reported distinctly.
type Phase string

const (
	PhaseTest    Phase = "test"
	PhasePackage Phase = "package"
)

// Error is a fatal build failure.
type Error struct {
	Phase    Phase
	ExitCode int
	Output   string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("build %s phase failed (exit %d): %v", e.Phase, e.ExitCode, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Artifact is a deployable unit identified by (repository, version tag).
// The version tag equals the run's build number and is immutable once
// published.
type Artifact struct {
	Repository string
	VersionTag string
}

// Ref returns the full image reference, e.g. "registry.example.com/notes/notes-app:42".
func (a Artifact) Ref() string {
	return a.Repository + ":" + a.VersionTag
}

// Builder runs the test suite and packages the container image.
type Builder struct {
	repository string
	cfg        config.BuildConfig
	run        cmdutil.Runner
	logger     *slog.Logger
}

// NewBuilder creates a builder for the configured repository.
func NewBuilder(repository string, cfg config.BuildConfig, logger *slog.Logger) *Builder {
	return &Builder{
		repository: repository,
		cfg:        cfg,
		run:        cmdutil.Run,
		logger:     logger,
	}
}

// SetRunner overrides command execution, for tests.
func (b *Builder) SetRunner(run cmdutil.Runner) { b.run = run }

// Build verifies the source and produces the versioned artifact.
// The test phase runs first; its failure is reported as PhaseTest.
// Image packaging failures are reported as PhasePackage.
func (b *Builder) Build(ctx context.Context, buildNumber int64) (*Artifact, error) {
	artifact := &Artifact{
		Repository: b.repository,
		VersionTag: fmt.Sprintf("%d", buildNumber),
	}

	if b.cfg.TestCommand != "" {
		testCmd, err := cmdutil.ParseCommandString(b.cfg.TestCommand)
		if err != nil {
			return nil, &Error{Phase: PhaseTest, Err: fmt.Errorf("invalid test command: %w", err)}
		}

		b.logger.Info("running test suite", "command", cmdutil.FormatCommand(testCmd))
		result, err := b.run(ctx, cmdutil.ExecOptions{
			Dir:     b.cfg.WorkDir,
			Timeout: time.Duration(b.cfg.TestTimeoutSeconds) * time.Second,
		}, testCmd)
		if err != nil {
			return nil, &Error{
				Phase:    PhaseTest,
				ExitCode: exitCode(result),
				Output:   combined(result),
				Err:      err,
			}
		}
	}

	imageCmd := []string{
		"docker", "build",
		"-t", artifact.Ref(),
		"-f", b.cfg.Dockerfile,
		b.cfg.ImageContext,
	}

	b.logger.Info("packaging image", "image", artifact.Ref())
	result, err := b.run(ctx, cmdutil.ExecOptions{
		Dir:     b.cfg.WorkDir,
		Timeout: time.Duration(b.cfg.ImageTimeoutSeconds) * time.Second,
	}, imageCmd)
	if err != nil {
		return nil, &Error{
			Phase:    PhasePackage,
			ExitCode: exitCode(result),
			Output:   combined(result),
			Err:      err,
		}
	}

	b.logger.Info("build complete", "image", artifact.Ref())
	return artifact, nil
}

func exitCode(r *cmdutil.Result) int {
	if r == nil {
		return -1
	}
	return r.ExitCode
}

func combined(r *cmdutil.Result) string {
	if r == nil {
		return ""
	}
	return r.Combined()
}
