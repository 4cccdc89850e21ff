package github

import (
	"context"
	"fmt"

	gh "github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/hochfrequenz/j2pr/internal/gitrepo"
)

// RESTClient talks to the GitHub API directly with a token
type RESTClient struct {
	owner string
	api   *gh.Client
}

// NewRESTClient builds a token-authenticated API client
func NewRESTClient(owner, token string) *RESTClient {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(context.Background(), ts)
	return &RESTClient{owner: owner, api: gh.NewClient(tc)}
}

// FindOpenPRByBranch implements Client
func (c *RESTClient) FindOpenPRByBranch(ctx context.Context, repo gitrepo.Repo, branch string) (string, error) {
	prs, _, err := c.api.PullRequests.List(ctx, c.owner, repo.Name, &gh.PullRequestListOptions{
		State: "open",
		Head:  c.owner + ":" + branch,
	})
	if err != nil {
		return "", fmt.Errorf("list pull requests for %s: %w", repo.Name, err)
	}
	if len(prs) == 0 {
		return "", nil
	}
	return prs[0].GetHTMLURL(), nil
}

// FindOpenPRByKey implements Client
func (c *RESTClient) FindOpenPRByKey(ctx context.Context, repo gitrepo.Repo, key string) (string, error) {
	query := fmt.Sprintf("repo:%s/%s type:pr state:open %q", c.owner, repo.Name, key)
	result, _, err := c.api.Search.Issues(ctx, query, nil)
	if err != nil {
		return "", fmt.Errorf("search pull requests for %s: %w", key, err)
	}
	if len(result.Issues) == 0 {
		return "", nil
	}
	return result.Issues[0].GetHTMLURL(), nil
}

// CreatePR implements Client
func (c *RESTClient) CreatePR(ctx context.Context, repo gitrepo.Repo, params PRParams) (string, error) {
	pr, _, err := c.api.PullRequests.Create(ctx, c.owner, repo.Name, &gh.NewPullRequest{
		Title: gh.String(params.Title),
		Body:  gh.String(params.Body),
		Base:  gh.String(params.Base),
		Head:  gh.String(params.Head),
		Draft: gh.Bool(params.Draft),
	})
	if err != nil {
		return "", fmt.Errorf("create pull request in %s: %w", repo.Name, err)
	}

	number := pr.GetNumber()
	if len(params.Reviewers) > 0 {
		if _, _, err := c.api.PullRequests.RequestReviewers(ctx, c.owner, repo.Name, number, gh.ReviewersRequest{
			Reviewers: params.Reviewers,
		}); err != nil {
			return "", fmt.Errorf("request reviewers on #%d: %w", number, err)
		}
	}
	if len(params.Labels) > 0 {
		if _, _, err := c.api.Issues.AddLabelsToIssue(ctx, c.owner, repo.Name, number, params.Labels); err != nil {
			return "", fmt.Errorf("add labels on #%d: %w", number, err)
		}
	}
	return pr.GetHTMLURL(), nil
}
