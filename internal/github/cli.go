package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hochfrequenz/j2pr/internal/gitrepo"
)

// ErrGHUnavailable means the gh binary is missing or broken
var ErrGHUnavailable = errors.New("gh CLI not found; install gh or set github.use_gh_cli to false")

// CLIClient shells out to gh, run inside the repository so gh resolves
// the remote itself.
type CLIClient struct{}

// NewCLIClient verifies gh is runnable before returning a client
func NewCLIClient() (*CLIClient, error) {
	res, err := gitrepo.RunCommand(context.Background(), "", []string{"gh", "--version"}, 0)
	if err != nil || res.ExitCode != 0 {
		return nil, ErrGHUnavailable
	}
	return &CLIClient{}, nil
}

type prListEntry struct {
	URL string `json:"url"`
}

// FindOpenPRByBranch implements Client
func (c *CLIClient) FindOpenPRByBranch(ctx context.Context, repo gitrepo.Repo, branch string) (string, error) {
	return c.list(ctx, repo, "--head", branch)
}

// FindOpenPRByKey implements Client
func (c *CLIClient) FindOpenPRByKey(ctx context.Context, repo gitrepo.Repo, key string) (string, error) {
	return c.list(ctx, repo, "--search", key)
}

func (c *CLIClient) list(ctx context.Context, repo gitrepo.Repo, filter, value string) (string, error) {
	argv := []string{"gh", "pr", "list", "--state", "open", filter, value, "--json", "url"}
	res, err := gitrepo.RunCommand(ctx, repo.Path, argv, 0)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("gh pr list in %s: %s", repo.Name, strings.TrimSpace(res.Stderr))
	}
	var entries []prListEntry
	if err := json.Unmarshal([]byte(res.Stdout), &entries); err != nil {
		return "", fmt.Errorf("parse gh pr list output: %w", err)
	}
	if len(entries) == 0 {
		return "", nil
	}
	return entries[0].URL, nil
}

// CreatePR implements Client
func (c *CLIClient) CreatePR(ctx context.Context, repo gitrepo.Repo, params PRParams) (string, error) {
	argv := []string{
		"gh", "pr", "create",
		"--title", params.Title,
		"--body", params.Body,
		"--base", params.Base,
		"--head", params.Head,
	}
	if params.Draft {
		argv = append(argv, "--draft")
	}
	for _, reviewer := range params.Reviewers {
		argv = append(argv, "--reviewer", reviewer)
	}
	for _, label := range params.Labels {
		argv = append(argv, "--label", label)
	}

	res, err := gitrepo.RunCommand(ctx, repo.Path, argv, 0)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("gh pr create in %s: %s", repo.Name, strings.TrimSpace(res.Stderr))
	}
	// gh prints the PR URL as the last line of stdout
	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	return lines[len(lines)-1], nil
}
