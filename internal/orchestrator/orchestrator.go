// Package orchestrator sequences the pipeline: requirements, schema
// design, structural validation, risk review, the optional human approval
// gate, and repo strategy finalization.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"schemaflow/internal/domain"
	"schemaflow/internal/events"
	"schemaflow/internal/git"
	"schemaflow/internal/stage"
	"schemaflow/internal/store"
)

// Stage contracts. Each is a typed transformation that may fail; the
// orchestrator converts any stage error into a FAILED result tagged with
// the stage name and never retries beyond what the stage itself did.
type (
	RequirementsStage interface {
		Interpret(ctx context.Context, prompt string) (domain.Requirements, error)
	}
	DesignStage interface {
		Design(ctx context.Context, req domain.Requirements) (domain.SchemaDesign, error)
	}
	ReviewStage interface {
		Review(ctx context.Context, design domain.SchemaDesign) (domain.RiskReview, error)
	}
	StrategyStage interface {
		Propose(ctx context.Context, pc stage.ProjectContext) (domain.RepoStrategy, error)
	}
)

// Stages bundles the four model-backed stage implementations.
type Stages struct {
	Requirements RequirementsStage
	Design       DesignStage
	Review       ReviewStage
	Strategy     StrategyStage
}

// Orchestrator is the state machine over the pipeline. It is stateless
// between calls; everything that spans the approval gap lives in Store.
type Orchestrator struct {
	Stages          Stages
	Store           store.Store
	Git             git.Executor
	Events          events.Writer
	Logger          *zap.Logger
	DefaultLanguage string
}

func (o *Orchestrator) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

func (o *Orchestrator) language(requested, stored string) string {
	if requested != "" {
		return requested
	}
	if stored != "" {
		return stored
	}
	if o.DefaultLanguage != "" {
		return o.DefaultLanguage
	}
	return "python"
}

// artifacts accumulates stage outputs so failure results retain
// everything produced before the failing stage.
type artifacts struct {
	req      *domain.Requirements
	design   *domain.SchemaDesign
	review   *domain.RiskReview
	approval *domain.ApprovalDecision
}

func (a artifacts) failed(stageName string, issues ...string) domain.OrchestrationResult {
	return domain.OrchestrationResult{
		Status:       domain.StatusFailed,
		Stage:        stageName,
		Requirements: a.req,
		Design:       a.design,
		Review:       a.review,
		Approval:     a.approval,
		Issues:       issues,
	}
}

// Run executes the pipeline until completion or until a review demands
// human approval. Never returns an error: every failure mode is a
// terminal result.
func (o *Orchestrator) Run(ctx context.Context, prompt, language string) domain.OrchestrationResult {
	log := o.logger()
	lang := o.language(language, "")
	log.Info("orchestration started", zap.String("language", lang))
	_ = o.Events.Append(ctx, "run_started", "", "", events.EventPayload{"language": lang})

	var a artifacts

	req, err := o.Stages.Requirements.Interpret(ctx, prompt)
	if err != nil {
		return o.fail(ctx, a, domain.StageRequirements, fmt.Sprintf("Failed to interpret requirements: %v", err))
	}
	a.req = &req
	log.Info("requirements captured", zap.Int("entities", len(req.Entities)))

	design, err := o.Stages.Design.Design(ctx, req)
	if err != nil {
		return o.fail(ctx, a, domain.StageDesign, fmt.Sprintf("Failed to design database: %v", err))
	}
	a.design = &design
	log.Info("database designed", zap.Int("tables", len(design.Tables)))

	if vr := stage.Validate(design); !vr.IsValid {
		return o.fail(ctx, a, domain.StageValidation, vr.Issues...)
	}

	review, err := o.Stages.Review.Review(ctx, design)
	if err != nil {
		return o.fail(ctx, a, domain.StageReview, fmt.Sprintf("Failed to review design: %v", err))
	}
	a.review = &review
	log.Info("review completed",
		zap.String("risk_level", review.RiskLevel),
		zap.Bool("approval_required", review.ApprovalRequired))

	if review.ApprovalRequired {
		return o.pause(ctx, a, prompt, lang)
	}
	return o.finalize(ctx, a, lang, "")
}

// Continue resumes a paused run. The pending state is consumed before
// finalization: of two racing calls on the same token, the store's atomic
// consume lets exactly one proceed, and a finalization failure afterwards
// still burns the token as required.
func (o *Orchestrator) Continue(ctx context.Context, token, language string) domain.OrchestrationResult {
	var a artifacts

	if _, err := o.Store.Get(ctx, token); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return o.fail(ctx, a, domain.StageApproval, "Invalid or expired approval token")
		}
		return o.fail(ctx, a, domain.StageApproval, fmt.Sprintf("Failed to load pending state: %v", err))
	}

	decision, err := o.Store.GetDecision(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// State stays pending; the client may retry after submitting.
			return o.fail(ctx, a, domain.StageApproval, "No approval decision recorded. Submit a decision first.")
		}
		return o.fail(ctx, a, domain.StageApproval, fmt.Sprintf("Failed to load approval decision: %v", err))
	}

	state, err := o.Store.Consume(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Lost the race to a concurrent continue call.
			return o.fail(ctx, a, domain.StageApproval, "Invalid or expired approval token")
		}
		return o.fail(ctx, a, domain.StageApproval, fmt.Sprintf("Failed to consume pending state: %v", err))
	}

	a, err = rehydrate(state)
	if err != nil {
		return o.fail(ctx, a, domain.StageApproval, fmt.Sprintf("Failed to restore stored artifacts: %v", err))
	}
	a.approval = &decision

	if !decision.Approved {
		o.logger().Info("design rejected", zap.String("token", token))
		_ = o.Events.Append(ctx, "run_halted", token, domain.StageApproval, events.EventPayload{
			"approved_by": decision.ApprovedBy,
		})
		return domain.OrchestrationResult{
			Status:       domain.StatusHalted,
			Stage:        domain.StageApproval,
			Requirements: a.req,
			Design:       a.design,
			Review:       a.review,
			Approval:     a.approval,
			Issues:       []string{"Design rejected by reviewer"},
		}
	}

	lang := o.language(language, state.Language)
	return o.finalize(ctx, a, lang, token)
}

func rehydrate(state domain.PendingApproval) (artifacts, error) {
	var (
		a      artifacts
		req    domain.Requirements
		design domain.SchemaDesign
		review domain.RiskReview
	)
	if err := json.Unmarshal([]byte(state.RequirementsJSON), &req); err != nil {
		return a, fmt.Errorf("requirements: %w", err)
	}
	a.req = &req
	if err := json.Unmarshal([]byte(state.DesignJSON), &design); err != nil {
		return a, fmt.Errorf("database design: %w", err)
	}
	a.design = &design
	if err := json.Unmarshal([]byte(state.ReviewJSON), &review); err != nil {
		return a, fmt.Errorf("review: %w", err)
	}
	a.review = &review
	return a, nil
}

// pause freezes the run behind a fresh approval token.
func (o *Orchestrator) pause(ctx context.Context, a artifacts, prompt, lang string) domain.OrchestrationResult {
	reqJSON, err := json.Marshal(a.req)
	if err != nil {
		return o.fail(ctx, a, domain.StageApproval, fmt.Sprintf("Failed to store pending state: %v", err))
	}
	designJSON, err := json.Marshal(a.design)
	if err != nil {
		return o.fail(ctx, a, domain.StageApproval, fmt.Sprintf("Failed to store pending state: %v", err))
	}
	reviewJSON, err := json.Marshal(a.review)
	if err != nil {
		return o.fail(ctx, a, domain.StageApproval, fmt.Sprintf("Failed to store pending state: %v", err))
	}
	token, err := o.Store.Create(ctx, domain.PendingApproval{
		Prompt:           prompt,
		Language:         lang,
		RequirementsJSON: string(reqJSON),
		DesignJSON:       string(designJSON),
		ReviewJSON:       string(reviewJSON),
	})
	if err != nil {
		return o.fail(ctx, a, domain.StageApproval, fmt.Sprintf("Failed to store pending state: %v", err))
	}
	o.logger().Info("pending human approval", zap.String("token", token))
	_ = o.Events.Append(ctx, "approval_pending", token, domain.StageApproval, events.EventPayload{
		"risk_level": a.review.RiskLevel,
	})
	return domain.OrchestrationResult{
		Status:        domain.StatusPendingApproval,
		Stage:         domain.StageApproval,
		ApprovalToken: token,
		Requirements:  a.req,
		Design:        a.design,
		Review:        a.review,
	}
}

// finalize runs the repo strategy stage and the branch push. A push
// failure is reported inside the success payload, not as a failed run.
func (o *Orchestrator) finalize(ctx context.Context, a artifacts, lang, idempotencyKey string) domain.OrchestrationResult {
	pc := stage.NewProjectContext(*a.req, lang)
	strategy, err := o.Stages.Strategy.Propose(ctx, pc)
	if err != nil {
		return o.fail(ctx, a, domain.StageGitStrategy, fmt.Sprintf("Failed to propose git strategy: %v", err))
	}
	o.logger().Info("git strategy proposed",
		zap.String("branch", strategy.BranchName),
		zap.Int("files", len(strategy.Files)))

	exec := o.Git.EnsureBranch(ctx, strategy, idempotencyKey)
	_ = o.Events.Append(ctx, "run_succeeded", idempotencyKey, domain.StageGitStrategy, events.EventPayload{
		"branch":       strategy.BranchName,
		"push_success": exec.Success,
	})
	return domain.OrchestrationResult{
		Status:       domain.StatusSuccess,
		Requirements: a.req,
		Design:       a.design,
		Review:       a.review,
		Approval:     a.approval,
		Git:          &domain.GitOutcome{Strategy: strategy, Execution: exec},
	}
}

func (o *Orchestrator) fail(ctx context.Context, a artifacts, stageName string, issues ...string) domain.OrchestrationResult {
	o.logger().Warn("orchestration failed",
		zap.String("stage", stageName),
		zap.Strings("issues", issues))
	_ = o.Events.Append(ctx, "run_failed", "", stageName, events.EventPayload{"issues": issues})
	return a.failed(stageName, issues...)
}
