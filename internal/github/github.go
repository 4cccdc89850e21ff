// Package github opens draft pull requests, either through the gh CLI
// (which reuses the operator's existing auth) or the REST API.
package github

import (
	"context"

	"github.com/hochfrequenz/j2pr/internal/config"
	"github.com/hochfrequenz/j2pr/internal/gitrepo"
)

// PRParams describes the pull request to open
type PRParams struct {
	Title     string
	Body      string
	Base      string
	Head      string
	Draft     bool
	Reviewers []string
	Labels    []string
}

// Client finds and creates pull requests. Merging is out of scope: the
// pipeline ends at a draft PR for a human to review.
type Client interface {
	// FindOpenPRByBranch returns the URL of an open PR for the branch,
	// or "" when none exists.
	FindOpenPRByBranch(ctx context.Context, repo gitrepo.Repo, branch string) (string, error)
	// FindOpenPRByKey searches open PRs mentioning the ticket key
	FindOpenPRByKey(ctx context.Context, repo gitrepo.Repo, key string) (string, error)
	// CreatePR opens a pull request and returns its URL
	CreatePR(ctx context.Context, repo gitrepo.Repo, params PRParams) (string, error)
}

// NewClient picks the gh CLI or REST implementation per config
func NewClient(cfg config.GitHubConfig) (Client, error) {
	if cfg.UseGHCLI {
		return NewCLIClient()
	}
	return NewRESTClient(cfg.Owner, cfg.Token), nil
}
