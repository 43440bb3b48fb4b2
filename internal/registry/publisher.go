// Package registry publishes build artifacts to the container registry.
// The immutable version tag is pushed first; the mutable "latest" alias is
// repointed server-side only after the upload has been verified, so a
// failed publish never leaves a half-moved alias.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"

	"github.com/iamdk-16/springboot-notes-app-ci/internal/build"
	"github.com/iamdk-16/springboot-notes-app-ci/internal/config"
	"github.com/iamdk-16/springboot-notes-app-ci/internal/vault"
	"github.com/iamdk-16/springboot-notes-app-ci/pkg/cmdutil"
	"github.com/iamdk-16/springboot-notes-app-ci/pkg/retry"
)

// LatestTag is the mutable alias repointed after every successful publish.
const LatestTag = "latest"

// PublishError is a fatal publish failure, surfaced after transient
// network errors have been retried up to the configured budget.
type PublishError struct {
	Op  string
	Err error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish failed during %s: %v", e.Op, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Result describes a completed publish.
type Result struct {
	VersionTag string
	Digest     digest.Digest

	// PushAttempts counts upload attempts, including the successful one.
	PushAttempts int

	// LatestMoved reports whether the latest alias was repointed. It is
	// false only when latest already referenced the same content.
	LatestMoved bool
}

// TagTarget is the slice of the ORAS repository API the publisher needs
// for the latest-alias move.
// *remote.Repository satisfies it; tests substitute a fake.
type TagTarget interface {
	Resolve(ctx context.Context, reference string) (ocispec.Descriptor, error)
	Tag(ctx context.Context, desc ocispec.Descriptor, reference string) error
}

// Publisher uploads artifacts and maintains the latest alias.
type Publisher struct {
	repository string
	cfg        config.PublishConfig
	run        cmdutil.Runner
	logger     *slog.Logger

	// newTarget builds the authenticated registry client for one scope.
	newTarget func(scope *vault.Scope) (TagTarget, error)
}

// NewPublisher creates a publisher for the configured repository.
func NewPublisher(repository string, cfg config.PublishConfig, logger *slog.Logger) *Publisher {
	p := &Publisher{
		repository: repository,
		cfg:        cfg,
		run:        cmdutil.Run,
		logger:     logger,
	}
	p.newTarget = p.remoteTarget
	return p
}

// SetRunner overrides command execution, for tests.
func (p *Publisher) SetRunner(run cmdutil.Runner) { p.run = run }

// SetTargetFactory overrides the registry client construction, for tests.
func (p *Publisher) SetTargetFactory(f func(scope *vault.Scope) (TagTarget, error)) { p.newTarget = f }

func (p *Publisher) remoteTarget(scope *vault.Scope) (TagTarget, error) {
	repo, err := remote.NewRepository(p.repository)
	if err != nil {
		return nil, fmt.Errorf("invalid repository reference '%s': %w", p.repository, err)
	}

	repo.PlainHTTP = p.cfg.PlainHTTP
	repo.Client = &auth.Client{
		Cache: auth.NewCache(),
		Credential: auth.StaticCredential(registryHost(p.repository), auth.Credential{
			Username: scope.Username(),
			Password: string(scope.Secret()),
		}),
	}

	return repo, nil
}

// Publish uploads the artifact under its immutable version tag and then
// repoints the latest alias to the verified upload. The docker session is
// closed on every exit path; the credential scope itself is revoked by the
// caller at stage exit.
func (p *Publisher) Publish(ctx context.Context, artifact *build.Artifact, scope *vault.Scope) (*Result, error) {
	host := registryHost(p.repository)

	loginCmd := []string{"docker", "login", host, "--username", scope.Username(), "--password-stdin"}
	if _, err := p.run(ctx, cmdutil.ExecOptions{Stdin: scope.Secret()}, loginCmd); err != nil {
		return nil, &PublishError{Op: "login", Err: err}
	}

	defer func() {
		logoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if _, err := p.run(logoutCtx, cmdutil.ExecOptions{}, []string{"docker", "logout", host}); err != nil {
			p.logger.Warn("docker logout failed", "registry", host, "error", err)
		}
	}()

	policy := retry.Policy{
		MaxAttempts: p.cfg.MaxAttempts,
		Delay:       time.Duration(p.cfg.RetryDelaySeconds) * time.Second,
		Backoff:     retry.BackoffExponential,
	}

	ref := artifact.Ref()
	attempts, err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) (bool, error) {
		if attempt > 1 {
			p.logger.Warn("retrying push", "image", ref, "attempt", attempt)
		}

		result, err := p.run(ctx, cmdutil.ExecOptions{}, []string{"docker", "push", ref})
		if err == nil {
			return true, nil
		}

		pushErr := fmt.Errorf("%w: %s", err, summarize(result))
		if isTransient(pushErr) {
			return false, pushErr
		}
		return true, pushErr
	})
	if err != nil {
		return nil, &PublishError{Op: fmt.Sprintf("push (attempt %d)", attempts), Err: err}
	}

	target, err := p.newTarget(scope)
	if err != nil {
		return nil, &PublishError{Op: "client setup", Err: err}
	}

	desc, err := target.Resolve(ctx, artifact.VersionTag)
	if err != nil {
		return nil, &PublishError{Op: "resolve version tag", Err: err}
	}

	// Skip the retag when latest already points at this content.
	if prev, err := target.Resolve(ctx, LatestTag); err == nil && prev.Digest == desc.Digest {
		p.logger.Info("latest alias already current", "digest", desc.Digest)
		return &Result{VersionTag: artifact.VersionTag, Digest: desc.Digest, PushAttempts: attempts, LatestMoved: false}, nil
	}

	if err := target.Tag(ctx, desc, LatestTag); err != nil {
		return nil, &PublishError{Op: "move latest alias", Err: err}
	}

	latest, err := target.Resolve(ctx, LatestTag)
	if err != nil {
		return nil, &PublishError{Op: "verify latest alias", Err: err}
	}
	if latest.Digest != desc.Digest {
		return nil, &PublishError{
			Op:  "verify latest alias",
			Err: fmt.Errorf("latest digest %s does not match version tag digest %s", latest.Digest, desc.Digest),
		}
	}

	p.logger.Info("published artifact",
		"image", ref,
		"digest", desc.Digest,
		"attempts", attempts)

	return &Result{VersionTag: artifact.VersionTag, Digest: desc.Digest, PushAttempts: attempts, LatestMoved: true}, nil
}

// registryHost extracts the registry host from a repository reference.
func registryHost(repository string) string {
	if i := strings.Index(repository, "/"); i > 0 {
		return repository[:i]
	}
	return repository
}

// isTransient classifies errors worth retrying: network hiccups and
// registry-side temporary failures. Authentication and name errors are not.
func isTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"tls handshake",
		"i/o error",
		"unexpected eof",
		"502 bad gateway",
		"503 service unavailable",
		"504 gateway",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func summarize(r *cmdutil.Result) string {
	if r == nil {
		return ""
	}
	out := r.Combined()
	if len(out) > 500 {
		out = out[len(out)-500:]
	}
	return out
}
