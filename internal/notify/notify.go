// Package notify posts pipeline outcomes back to the source repository as
// GitHub commit statuses. Notification is best-effort: the caller logs
// failures and the run's outcome is never affected.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/iamdk-16/springboot-notes-app-ci/internal/config"
	"github.com/iamdk-16/springboot-notes-app-ci/internal/vault"
)

// State is a GitHub commit status state.
type State string

const (
	StatePending State = "pending"
	StateSuccess State = "success"
	StateFailure State = "failure"
	StateError   State = "error"
)

// descriptionLimit is GitHub's cap on commit status descriptions.
const descriptionLimit = 140

// Notifier posts commit statuses for pipeline runs. The API token is
// resolved from the vault per call and revoked as soon as the status is
// posted.
type Notifier struct {
	cfg      config.GitHubConfig
	provider vault.Provider
	logger   *slog.Logger

	// newClient builds the API client for a resolved token. Tests point
	// this at a local server.
	newClient func(ctx context.Context, token string) *github.Client
}

// New creates a notifier for the configured repository.
func New(cfg config.GitHubConfig, provider vault.Provider, logger *slog.Logger) *Notifier {
	return &Notifier{
		cfg:      cfg,
		provider: provider,
		logger:   logger,
		newClient: func(ctx context.Context, token string) *github.Client {
			ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
			return github.NewClient(oauth2.NewClient(ctx, ts))
		},
	}
}

// SetClientFactory overrides API client construction, for tests.
func (n *Notifier) SetClientFactory(f func(ctx context.Context, token string) *github.Client) {
	n.newClient = f
}

// Publish posts one commit status. The description is truncated to
// GitHub's limit.
func (n *Notifier) Publish(ctx context.Context, commit string, state State, description string) error {
	if commit == "" {
		return fmt.Errorf("cannot publish status without a commit hash")
	}

	if len(description) > descriptionLimit {
		description = description[:descriptionLimit-3] + "..."
	}

	err := vault.WithScope(ctx, n.provider, n.cfg.TokenHandle, func(scope *vault.Scope) error {
		client := n.newClient(ctx, string(scope.Secret()))

		status := &github.RepoStatus{
			State:       github.String(string(state)),
			Description: github.String(description),
			Context:     github.String(n.cfg.StatusContext),
		}

		_, _, err := client.Repositories.CreateStatus(ctx, n.cfg.Owner, n.cfg.Repo, commit, status)
		if err != nil {
			return fmt.Errorf("failed to create commit status: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	n.logger.Info("commit status published",
		"repo", n.cfg.Owner+"/"+n.cfg.Repo, "commit", commit, "state", string(state))
	return nil
}
