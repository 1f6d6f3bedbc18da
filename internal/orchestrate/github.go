package orchestrate

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/costwatchd/internal/config"
)

// GitHubHost drives the remediation repository through the GitHub REST API.
type GitHubHost struct {
	client *github.Client
	owner  string
	repo   string
	base   string
	logger *zap.Logger
}

// NewGitHubHost creates a host for the configured repository using a static
// token transport.
func NewGitHubHost(ctx context.Context, cfg config.GitHubConfig, logger *zap.Logger) (*GitHubHost, error) {
	if !cfg.Token.IsSet() {
		return nil, fmt.Errorf("github token not set")
	}
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("github owner and repo required")
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token.Value()})
	tc := oauth2.NewClient(ctx, ts)
	if timeout := cfg.Timeout.Duration(); timeout > 0 {
		tc.Timeout = timeout
	}

	return newGitHubHost(github.NewClient(tc), cfg.Owner, cfg.Repo, cfg.BaseBranch, logger), nil
}

func newGitHubHost(client *github.Client, owner, repo, base string, logger *zap.Logger) *GitHubHost {
	if base == "" {
		base = "main"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GitHubHost{
		client: client,
		owner:  owner,
		repo:   repo,
		base:   base,
		logger: logger.Named("github"),
	}
}

// EnsureBranch creates branch from the configured base unless it already
// exists. Returns true when the branch already existed.
func (h *GitHubHost) EnsureBranch(ctx context.Context, branch string) (bool, error) {
	_, resp, err := h.client.Git.GetRef(ctx, h.owner, h.repo, "refs/heads/"+branch)
	if err == nil {
		h.logger.Debug("branch exists, reusing", zap.String("branch", branch))
		return true, nil
	}
	if !isNotFound(resp) {
		return false, classify(fmt.Errorf("get branch ref: %w", err), resp)
	}

	baseRef, resp, err := h.client.Git.GetRef(ctx, h.owner, h.repo, "refs/heads/"+h.base)
	if err != nil {
		return false, classify(fmt.Errorf("get base ref %q: %w", h.base, err), resp)
	}

	newRef := &github.Reference{
		Ref:    github.String("refs/heads/" + branch),
		Object: &github.GitObject{SHA: baseRef.Object.SHA},
	}
	if _, resp, err = h.client.Git.CreateRef(ctx, h.owner, h.repo, newRef); err != nil {
		// Lost a creation race: the branch exists now, which is the goal.
		if resp != nil && resp.StatusCode == http.StatusUnprocessableEntity {
			return true, nil
		}
		return false, classify(fmt.Errorf("create branch ref: %w", err), resp)
	}

	h.logger.Info("branch created", zap.String("branch", branch), zap.String("base", h.base))
	return false, nil
}

// CommitFile writes content to path on branch via the contents API.
// Identical existing content is a no-op. Returns true when a commit
// happened.
func (h *GitHubHost) CommitFile(ctx context.Context, branch, path, message string, content []byte) (bool, error) {
	existing, dir, resp, err := h.client.Repositories.GetContents(ctx, h.owner, h.repo, path,
		&github.RepositoryContentGetOptions{Ref: branch})

	opts := &github.RepositoryContentFileOptions{
		Message: github.String(message),
		Content: content,
		Branch:  github.String(branch),
	}

	switch {
	case err == nil && existing != nil:
		current, decodeErr := existing.GetContent()
		if decodeErr == nil && current == string(content) {
			h.logger.Debug("file content unchanged, skipping commit", zap.String("path", path))
			return false, nil
		}
		opts.SHA = existing.SHA
		if _, resp, err = h.client.Repositories.UpdateFile(ctx, h.owner, h.repo, path, opts); err != nil {
			return false, classify(fmt.Errorf("update file %q: %w", path, err), resp)
		}
	case err == nil && dir != nil:
		return false, fmt.Errorf("path %q is a directory", path)
	case isNotFound(resp):
		if _, resp, err = h.client.Repositories.CreateFile(ctx, h.owner, h.repo, path, opts); err != nil {
			return false, classify(fmt.Errorf("create file %q: %w", path, err), resp)
		}
	default:
		return false, classify(fmt.Errorf("get contents %q: %w", path, err), resp)
	}

	h.logger.Info("file committed", zap.String("branch", branch), zap.String("path", path))
	return true, nil
}

// EnsurePR opens a pull request for branch against the base unless one is
// already open, in which case the existing PR is returned.
func (h *GitHubHost) EnsurePR(ctx context.Context, branch, title, body string) (PullRequest, error) {
	if pr, found, err := h.findOpenPR(ctx, branch); err != nil {
		return PullRequest{}, err
	} else if found {
		h.logger.Debug("open pull request exists, reusing",
			zap.String("branch", branch), zap.String("url", pr.URL))
		return pr, nil
	}

	created, resp, err := h.client.PullRequests.Create(ctx, h.owner, h.repo, &github.NewPullRequest{
		Title: github.String(title),
		Head:  github.String(branch),
		Base:  github.String(h.base),
		Body:  github.String(body),
	})
	if err != nil {
		// Lost a creation race: pick up the PR the other run opened.
		if resp != nil && resp.StatusCode == http.StatusUnprocessableEntity {
			if pr, found, listErr := h.findOpenPR(ctx, branch); listErr == nil && found {
				return pr, nil
			}
		}
		return PullRequest{}, classify(fmt.Errorf("create pull request: %w", err), resp)
	}

	h.logger.Info("pull request opened",
		zap.String("branch", branch),
		zap.Int("number", created.GetNumber()),
		zap.String("url", created.GetHTMLURL()))
	return PullRequest{URL: created.GetHTMLURL(), Number: created.GetNumber()}, nil
}

func (h *GitHubHost) findOpenPR(ctx context.Context, branch string) (PullRequest, bool, error) {
	prs, resp, err := h.client.PullRequests.List(ctx, h.owner, h.repo, &github.PullRequestListOptions{
		State: "open",
		Head:  h.owner + ":" + branch,
		Base:  h.base,
	})
	if err != nil {
		return PullRequest{}, false, classify(fmt.Errorf("list pull requests: %w", err), resp)
	}
	if len(prs) == 0 {
		return PullRequest{}, false, nil
	}
	return PullRequest{URL: prs[0].GetHTMLURL(), Number: prs[0].GetNumber(), Existed: true}, true, nil
}

func isNotFound(resp *github.Response) bool {
	return resp != nil && resp.Response != nil && resp.StatusCode == http.StatusNotFound
}

// classify marks err transient when the failure is retryable: 429, 5xx, 403
// carrying rate limit info (secondary rate limit), or a transport error with
// no response at all. Other 4xx are permanent.
func classify(err error, resp *github.Response) error {
	if err == nil {
		return nil
	}
	if isRetryableGitHub(resp) {
		return markTransient(err)
	}
	return err
}

func isRetryableGitHub(resp *github.Response) bool {
	if resp == nil || resp.Response == nil {
		return true
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return true
	case http.StatusForbidden:
		return resp.Rate.Limit > 0
	default:
		return resp.StatusCode >= 500 && resp.StatusCode < 600
	}
}
