package server

import "schemaflow/internal/domain"

// Request/response bodies for the HTTP API.

type OrchestrateRequest struct {
	Prompt   string `json:"prompt" example:"Set up backend for a SaaS app with users, organizations, and roles"`
	Language string `json:"language,omitempty" example:"python"`
}

type ApprovalSubmitRequest struct {
	ApprovalToken string `json:"approval_token"`
	Approved      bool   `json:"approved"`
	Comments      string `json:"comments,omitempty"`
	ApprovedBy    string `json:"approved_by,omitempty"`
}

type ApprovalSubmitResponse struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	ApprovalToken string `json:"approval_token"`
}

type ContinueRequest struct {
	ApprovalToken string `json:"approval_token"`
	Language      string `json:"language,omitempty"`
}

type RequirementsRequest struct {
	Prompt string `json:"prompt"`
}

type DesignRequest struct {
	Requirements domain.Requirements `json:"requirements"`
}

type ReviewRequest struct {
	Design domain.SchemaDesign `json:"database_design"`
}

type StrategyRequest struct {
	ProjectType string `json:"project_type,omitempty" example:"backend"`
	Framework   string `json:"framework,omitempty" example:"fastapi"`
	Language    string `json:"language,omitempty" example:"python"`
	Description string `json:"description,omitempty"`
}

type ValidateRequest struct {
	Design domain.SchemaDesign `json:"database_design"`
}

type GitPushRequest struct {
	GitHubToken string            `json:"github_token"`
	Repository  string            `json:"repository" example:"myorg/my-repo"`
	BranchName  string            `json:"branch_name" example:"feature/db-schema"`
	BaseBranch  string            `json:"base_branch,omitempty" example:"main"`
	Files       []domain.RepoFile `json:"files"`
}
