// internal/github/client.go
package github

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v62/github"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	apperrors "kova-sync/internal/errors"
	"kova-sync/internal/model"
	"kova-sync/internal/retry"
)

const (
	recentCommitCount = 5
	discoveryPageSize = 100
)

// Client is a rate-limited wrapper around the go-github client. Every
// outbound call goes through a client-side pacing limiter and the shared
// retry policy, and failures are classified into typed terminal errors.
type Client struct {
	gh      *github.Client
	limiter *rate.Limiter
	policy  retry.Policy
	logger  *slog.Logger
}

// NewClient creates and configures a new Client instance. The provided
// token is used to create an authenticated http.Client; an empty token
// yields an unauthenticated client (callers gate features on the token's
// presence).
func NewClient(token string, policy retry.Policy, logger *slog.Logger) *Client {
	httpClient := http.DefaultClient
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		httpClient = oauth2.NewClient(context.Background(), ts)
	}

	return &Client{
		gh: github.NewClient(httpClient),
		// GitHub allows 5000 authenticated requests/hour; pacing well under
		// that keeps batch syncs from tripping secondary limits.
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
		policy:  policy,
		logger:  logger,
	}
}

// GetRepoState fetches the repository's remote state: metadata, branch
// names and its most recent commits. A 404 is reported as Exists=false,
// not as an error, so planned repositories do not fail a batch.
func (c *Client) GetRepoState(ctx context.Context, owner, name string) (*model.RepoState, int, error) {
	var state *model.RepoState

	attempts, err := c.policy.Do(ctx, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return &apperrors.APIError{Kind: apperrors.KindTimeout, Err: err}
		}

		repo, resp, err := c.gh.Repositories.Get(ctx, owner, name)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusNotFound {
				state = &model.RepoState{Exists: false, FullName: owner + "/" + name}
				return nil
			}
			return classify(err)
		}

		state = &model.RepoState{
			Exists:        true,
			Name:          repo.GetName(),
			FullName:      repo.GetFullName(),
			Description:   repo.GetDescription(),
			DefaultBranch: repo.GetDefaultBranch(),
			UpdatedAt:     repo.GetUpdatedAt().Time,
			Stars:         repo.GetStargazersCount(),
			Forks:         repo.GetForksCount(),
			OpenIssues:    repo.GetOpenIssuesCount(),
		}

		// Branch and commit listings enrich the summary; their failure
		// degrades the summary rather than failing the fetch.
		if branches, err := c.listBranches(ctx, owner, name); err != nil {
			c.logger.Warn("Failed to list branches", "owner", owner, "repo", name, "error", err)
		} else {
			state.Branches = branches
		}
		if commits, err := c.listRecentCommits(ctx, owner, name); err != nil {
			c.logger.Warn("Failed to list recent commits", "owner", owner, "repo", name, "error", err)
		} else {
			state.RecentCommits = commits
		}
		return nil
	})
	if err != nil {
		return nil, attempts, err
	}
	return state, attempts, nil
}

// ListOwnerRepos lists all repositories owned by the configured account,
// following pagination, for the discovery service.
func (c *Client) ListOwnerRepos(ctx context.Context, owner string) ([]model.CandidateRepo, error) {
	var all []model.CandidateRepo

	_, err := c.policy.Do(ctx, func(ctx context.Context) error {
		all = all[:0]
		opts := &github.RepositoryListByUserOptions{
			ListOptions: github.ListOptions{PerPage: discoveryPageSize},
		}
		for {
			if err := c.limiter.Wait(ctx); err != nil {
				return &apperrors.APIError{Kind: apperrors.KindTimeout, Err: err}
			}
			repos, resp, err := c.gh.Repositories.ListByUser(ctx, owner, opts)
			if err != nil {
				return classify(err)
			}
			for _, r := range repos {
				all = append(all, model.CandidateRepo{
					Name:        r.GetName(),
					FullName:    r.GetFullName(),
					Description: r.GetDescription(),
				})
			}
			if resp.NextPage == 0 {
				return nil
			}
			opts.Page = resp.NextPage
		}
	})
	if err != nil {
		return nil, err
	}
	return all, nil
}

func (c *Client) listBranches(ctx context.Context, owner, name string) ([]string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	branches, _, err := c.gh.Repositories.ListBranches(ctx, owner, name, &github.BranchListOptions{
		ListOptions: github.ListOptions{PerPage: discoveryPageSize},
	})
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(branches))
	for _, b := range branches {
		names = append(names, b.GetName())
	}
	return names, nil
}

func (c *Client) listRecentCommits(ctx context.Context, owner, name string) ([]model.CommitSummary, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	commits, _, err := c.gh.Repositories.ListCommits(ctx, owner, name, &github.CommitsListOptions{
		ListOptions: github.ListOptions{PerPage: recentCommitCount},
	})
	if err != nil {
		return nil, err
	}
	out := make([]model.CommitSummary, 0, len(commits))
	for _, cm := range commits {
		out = append(out, model.CommitSummary{
			SHA:     cm.GetSHA(),
			Message: cm.GetCommit().GetMessage(),
		})
	}
	return out, nil
}

// classify maps a go-github error to the typed terminal taxonomy.
// Throttling and transient failures are retryable; any other 4xx is a
// terminal client error.
func classify(err error) *apperrors.APIError {
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return &apperrors.APIError{Kind: apperrors.KindRateLimited, Err: err}
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return &apperrors.APIError{Kind: apperrors.KindRateLimited, Err: err}
	}

	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		code := ghErr.Response.StatusCode
		switch {
		case code == http.StatusTooManyRequests:
			return &apperrors.APIError{Kind: apperrors.KindRateLimited, Err: err}
		case code == http.StatusForbidden && strings.Contains(strings.ToLower(ghErr.Message), "rate limit"):
			return &apperrors.APIError{Kind: apperrors.KindRateLimited, Err: err}
		case code == http.StatusUnauthorized:
			return &apperrors.APIError{Kind: apperrors.KindAuth, Err: err}
		case code >= 500:
			return &apperrors.APIError{Kind: apperrors.KindServer, Err: err}
		default:
			return &apperrors.APIError{Kind: apperrors.KindClient, Err: err}
		}
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return &apperrors.APIError{Kind: apperrors.KindTimeout, Err: err}
		}
		return &apperrors.APIError{Kind: apperrors.KindNetwork, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &apperrors.APIError{Kind: apperrors.KindNetwork, Err: err}
	}

	return &apperrors.APIError{Kind: apperrors.KindNetwork, Err: err}
}
