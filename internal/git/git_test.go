package git

import (
	"context"
	"testing"
	"time"

	"schemaflow/internal/domain"
)

func TestSimulatorReportsPlannedExecution(t *testing.T) {
	fixed := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	sim := Simulator{Repository: "acme/backend", Now: func() time.Time { return fixed }}
	exec := sim.EnsureBranch(context.Background(), domain.RepoStrategy{
		BranchName: "feature/init-backend",
		BaseBranch: "main",
		Files: []domain.RepoFile{
			{Path: "README.md", Content: "# backend"},
			{Path: "", Content: "ignored"},
			{Path: ".gitignore", Content: "venv/"},
		},
	}, "token-1")
	if !exec.Success || !exec.Simulated {
		t.Fatalf("expected simulated success, got %+v", exec)
	}
	if exec.Status != "created" {
		t.Fatalf("status = %q", exec.Status)
	}
	if exec.URL != "https://github.com/acme/backend/tree/feature/init-backend" {
		t.Fatalf("url = %q", exec.URL)
	}
	if len(exec.FilesCreated) != 2 {
		t.Fatalf("expected pathless file skipped, got %v", exec.FilesCreated)
	}
	if exec.Timestamp != "2026-03-14T09:00:00Z" {
		t.Fatalf("timestamp = %q", exec.Timestamp)
	}
}

func TestSimulatorDefaultsRepository(t *testing.T) {
	exec := Simulator{}.EnsureBranch(context.Background(), domain.RepoStrategy{BranchName: "b", BaseBranch: "main"}, "")
	if exec.Repository == "" {
		t.Fatal("expected a fallback repository name")
	}
}

func TestSplitRepo(t *testing.T) {
	if _, _, err := splitRepo("acme/backend"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, bad := range []string{"", "acme", "acme/", "/backend", "a/b/c"} {
		if _, _, err := splitRepo(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestPushRejectsEmptyFileList(t *testing.T) {
	exec := Push(context.Background(), "tok", "acme/backend", "b", "main", nil, nil)
	if exec.Success {
		t.Fatal("expected failure")
	}
	if exec.Error != "no files to push" {
		t.Fatalf("error = %q", exec.Error)
	}
}

func TestPushRejectsMissingToken(t *testing.T) {
	exec := Push(context.Background(), "", "acme/backend", "b", "main",
		[]domain.RepoFile{{Path: "README.md"}}, nil)
	if exec.Success || exec.Error == "" {
		t.Fatalf("expected inline failure, got %+v", exec)
	}
}
