// Package git executes the branch plan against a version-control host.
// Execution failures are reported inline in the result, never as error
// returns, so strategy proposal and push execution stay independently
// observable.
package git

import (
	"context"
	"fmt"
	"time"

	"schemaflow/internal/domain"
)

// Executor applies a repo strategy: ensure the branch exists and push the
// proposed files. idempotencyKey identifies the originating run so a
// retried call does not double-apply side effects.
type Executor interface {
	EnsureBranch(ctx context.Context, strategy domain.RepoStrategy, idempotencyKey string) domain.GitExecution
}

// Simulator is the Executor used when git.simulate is on or no token is
// configured. It reports what a real push would have done.
type Simulator struct {
	Repository string
	Now        func() time.Time
}

func (s Simulator) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Simulator) EnsureBranch(_ context.Context, strategy domain.RepoStrategy, _ string) domain.GitExecution {
	repo := s.Repository
	if repo == "" {
		repo = "schemaflow-target"
	}
	paths := make([]string, 0, len(strategy.Files))
	for _, f := range strategy.Files {
		if f.Path != "" {
			paths = append(paths, f.Path)
		}
	}
	return domain.GitExecution{
		Success:      true,
		Repository:   repo,
		Branch:       strategy.BranchName,
		BaseBranch:   strategy.BaseBranch,
		Status:       "created",
		URL:          fmt.Sprintf("https://github.com/%s/tree/%s", repo, strategy.BranchName),
		FilesCreated: paths,
		Timestamp:    s.now().UTC().Format(time.RFC3339),
		Simulated:    true,
	}
}
