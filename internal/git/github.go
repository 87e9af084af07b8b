package git

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"schemaflow/internal/domain"
	"schemaflow/internal/retry"
)

// Client pushes branch plans to GitHub. The branch ensure is idempotent:
// an already-existing branch counts as success with status "exists", and
// files are not re-pushed onto it, so a retried continue call cannot
// double-apply the side effect.
type Client struct {
	gh         *github.Client
	repository string
	policy     retry.Policy
	logger     *zap.Logger
	now        func() time.Time
}

// NewClient builds a Client for an "owner/repo" repository using a token
// with repo scope.
func NewClient(ctx context.Context, token, repository string, logger *zap.Logger) (*Client, error) {
	if token == "" {
		return nil, fmt.Errorf("github token is required")
	}
	if _, _, err := splitRepo(repository); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(ctx, ts)
	return &Client{
		gh:         github.NewClient(tc),
		repository: repository,
		policy:     retry.Policy{MaxAttempts: 3, Delay: time.Second, Multiplier: 2, MaxDelay: 30 * time.Second},
		logger:     logger,
		now:        time.Now,
	}, nil
}

func splitRepo(repository string) (owner, repo string, err error) {
	parts := strings.Split(repository, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repository %q: use owner/repo", repository)
	}
	return parts[0], parts[1], nil
}

// EnsureBranch creates the strategy's branch from its base branch and
// pushes the proposed files. All failures are reported inline.
func (c *Client) EnsureBranch(ctx context.Context, strategy domain.RepoStrategy, idempotencyKey string) domain.GitExecution {
	exec := domain.GitExecution{
		Repository: c.repository,
		Branch:     strategy.BranchName,
		BaseBranch: strategy.BaseBranch,
		Timestamp:  c.now().UTC().Format(time.RFC3339),
	}
	owner, repo, err := splitRepo(c.repository)
	if err != nil {
		exec.Error = err.Error()
		exec.Status = "failed"
		return exec
	}

	c.logger.Info("ensuring branch",
		zap.String("repository", c.repository),
		zap.String("branch", strategy.BranchName),
		zap.String("base_branch", strategy.BaseBranch),
		zap.String("idempotency_key", idempotencyKey))

	status, err := c.createBranch(ctx, owner, repo, strategy.BranchName, strategy.BaseBranch)
	if err != nil {
		exec.Error = fmt.Sprintf("failed to create branch: %v", err)
		exec.Status = "failed"
		return exec
	}
	exec.Status = status
	exec.Success = true
	exec.URL = fmt.Sprintf("https://github.com/%s/tree/%s", c.repository, strategy.BranchName)

	if status == "exists" {
		// A prior run already applied this plan; pushing again would
		// stack duplicate commits.
		c.logger.Info("branch already exists, skipping file push",
			zap.String("branch", strategy.BranchName),
			zap.String("idempotency_key", idempotencyKey))
		return exec
	}

	exec.FilesCreated = c.pushFiles(ctx, owner, repo, strategy.BranchName, strategy.Files)
	return exec
}

// createBranch points a new ref at the base branch head. Returns "created"
// or "exists".
func (c *Client) createBranch(ctx context.Context, owner, repo, branch, base string) (string, error) {
	var baseRef *github.Reference
	err := c.policy.Do(ctx, func(int) error {
		ref, _, err := c.gh.Git.GetRef(ctx, owner, repo, "refs/heads/"+base)
		if err != nil {
			return classify(err)
		}
		baseRef = ref
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("resolve base branch %q: %w", base, err)
	}

	status := "created"
	err = c.policy.Do(ctx, func(int) error {
		_, _, err := c.gh.Git.CreateRef(ctx, owner, repo, &github.Reference{
			Ref:    github.String("refs/heads/" + branch),
			Object: &github.GitObject{SHA: baseRef.Object.SHA},
		})
		if isAlreadyExists(err) {
			status = "exists"
			return nil
		}
		return classify(err)
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

// pushFiles creates each file on the branch, falling back to an update
// when it already exists. A file that fails both ways is skipped; partial
// success is tolerated and reported through the returned path list.
func (c *Client) pushFiles(ctx context.Context, owner, repo, branch string, files []domain.RepoFile) []string {
	var created []string
	for _, f := range files {
		if f.Path == "" {
			continue
		}
		if err := c.pushFile(ctx, owner, repo, branch, f); err != nil {
			c.logger.Warn("push file failed",
				zap.String("path", f.Path),
				zap.Error(err))
			continue
		}
		created = append(created, f.Path)
	}
	return created
}

func (c *Client) pushFile(ctx context.Context, owner, repo, branch string, f domain.RepoFile) error {
	return c.policy.Do(ctx, func(int) error {
		_, _, err := c.gh.Repositories.CreateFile(ctx, owner, repo, f.Path, &github.RepositoryContentFileOptions{
			Message: github.String("Add " + f.Path),
			Content: []byte(f.Content),
			Branch:  github.String(branch),
		})
		if err == nil {
			return nil
		}
		if !isAlreadyExists(err) {
			return classify(err)
		}
		current, _, _, err := c.gh.Repositories.GetContents(ctx, owner, repo, f.Path,
			&github.RepositoryContentGetOptions{Ref: branch})
		if err != nil {
			return classify(err)
		}
		_, _, err = c.gh.Repositories.UpdateFile(ctx, owner, repo, f.Path, &github.RepositoryContentFileOptions{
			Message: github.String("Update " + f.Path),
			Content: []byte(f.Content),
			Branch:  github.String(branch),
			SHA:     current.SHA,
		})
		return classify(err)
	})
}

// Push is the standalone push surface: ensure a branch on an arbitrary
// repository with a caller-supplied token and write the given files.
func Push(ctx context.Context, token, repository, branch, base string, files []domain.RepoFile, logger *zap.Logger) domain.GitExecution {
	if len(files) == 0 {
		return domain.GitExecution{
			Repository: repository,
			Branch:     branch,
			BaseBranch: base,
			Status:     "failed",
			Error:      "no files to push",
		}
	}
	client, err := NewClient(ctx, token, repository, logger)
	if err != nil {
		return domain.GitExecution{
			Repository: repository,
			Branch:     branch,
			BaseBranch: base,
			Status:     "failed",
			Error:      err.Error(),
		}
	}
	return client.EnsureBranch(ctx, domain.RepoStrategy{
		BranchName: branch,
		BaseBranch: base,
		Files:      files,
	}, branch)
}

// classify marks client errors permanent so the retry budget is spent only
// on transient failures.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		code := ghErr.Response.StatusCode
		switch {
		case code == http.StatusTooManyRequests:
			return err
		case code >= http.StatusInternalServerError:
			return err
		default:
			return retry.Permanent(err)
		}
	}
	return err
}

func isAlreadyExists(err error) bool {
	var ghErr *github.ErrorResponse
	if !errors.As(err, &ghErr) || ghErr.Response == nil {
		return false
	}
	if ghErr.Response.StatusCode != http.StatusUnprocessableEntity {
		return false
	}
	return strings.Contains(strings.ToLower(ghErr.Error()), "already exists")
}
