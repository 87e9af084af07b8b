package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"schemaflow/internal/domain"
	"schemaflow/internal/git"
	"schemaflow/internal/stage"
	"schemaflow/internal/store"
)

type stubStages struct {
	reqErr      error
	designErr   error
	reviewErr   error
	strategyErr error

	design domain.SchemaDesign
	review domain.RiskReview

	strategyCalls atomic.Int32
}

func (s *stubStages) Interpret(context.Context, string) (domain.Requirements, error) {
	if s.reqErr != nil {
		return domain.Requirements{}, s.reqErr
	}
	return domain.Requirements{
		Entities: []domain.Entity{{Name: "User"}, {Name: "Organization"}},
	}, nil
}

func (s *stubStages) Design(context.Context, domain.Requirements) (domain.SchemaDesign, error) {
	if s.designErr != nil {
		return domain.SchemaDesign{}, s.designErr
	}
	return s.design, nil
}

func (s *stubStages) Review(context.Context, domain.SchemaDesign) (domain.RiskReview, error) {
	if s.reviewErr != nil {
		return domain.RiskReview{}, s.reviewErr
	}
	return s.review, nil
}

func (s *stubStages) Propose(_ context.Context, pc stage.ProjectContext) (domain.RepoStrategy, error) {
	s.strategyCalls.Add(1)
	if s.strategyErr != nil {
		return domain.RepoStrategy{}, s.strategyErr
	}
	return domain.RepoStrategy{
		BranchName: "feature/init-" + pc.Language,
		BaseBranch: "main",
		Action:     "create branch",
		Files:      []domain.RepoFile{{Path: "README.md", Content: "# app"}},
	}, nil
}

type recordingExecutor struct {
	mu   sync.Mutex
	keys []string
}

func (e *recordingExecutor) EnsureBranch(_ context.Context, strategy domain.RepoStrategy, key string) domain.GitExecution {
	e.mu.Lock()
	e.keys = append(e.keys, key)
	e.mu.Unlock()
	return domain.GitExecution{
		Success:    true,
		Repository: "acme/backend",
		Branch:     strategy.BranchName,
		BaseBranch: strategy.BaseBranch,
		Status:     "created",
		Simulated:  true,
	}
}

func validStubDesign() domain.SchemaDesign {
	return domain.SchemaDesign{
		Tables: []domain.Table{{
			Name:    "users",
			Columns: []domain.Column{{Name: "id", Type: "UUID", Constraints: []string{"PRIMARY KEY"}}},
		}},
		NormalizationLevel: "3NF",
		DesignRationale:    []string{"single entity, single table"},
		SQLSchema:          "CREATE TABLE users (id UUID PRIMARY KEY);",
	}
}

func newTestOrchestrator(stages *stubStages) (*Orchestrator, *recordingExecutor) {
	exec := &recordingExecutor{}
	o := &Orchestrator{
		Stages: Stages{
			Requirements: stages,
			Design:       stages,
			Review:       stages,
			Strategy:     stages,
		},
		Store:           store.NewMemory(),
		Git:             exec,
		DefaultLanguage: "python",
	}
	return o, exec
}

func TestRunLowRiskCompletesWithoutToken(t *testing.T) {
	stages := &stubStages{
		design: validStubDesign(),
		review: domain.RiskReview{RiskLevel: domain.RiskLow, ApprovalRequired: false},
	}
	o, _ := newTestOrchestrator(stages)
	res := o.Run(context.Background(), "build a saas backend", "")
	if res.Status != domain.StatusSuccess {
		t.Fatalf("status = %s (%v)", res.Status, res.Issues)
	}
	if res.ApprovalToken != "" {
		t.Fatalf("low risk run must not allocate a token, got %q", res.ApprovalToken)
	}
	if res.Approval != nil {
		t.Fatal("no approval decision expected on the auto path")
	}
	if res.Git == nil || !res.Git.Execution.Success {
		t.Fatalf("missing git outcome: %+v", res.Git)
	}
	if res.Git.Strategy.BranchName != "feature/init-python" {
		t.Fatalf("default language not applied: %q", res.Git.Strategy.BranchName)
	}
}

func TestRunPausesExactlyWhenApprovalRequired(t *testing.T) {
	stages := &stubStages{
		design: validStubDesign(),
		review: domain.RiskReview{RiskLevel: domain.RiskMedium, ApprovalRequired: true},
	}
	o, exec := newTestOrchestrator(stages)
	res := o.Run(context.Background(), "build a saas backend", "go")
	if res.Status != domain.StatusPendingApproval {
		t.Fatalf("status = %s", res.Status)
	}
	if res.Stage != domain.StageApproval || res.ApprovalToken == "" {
		t.Fatalf("expected approval stage with token, got %+v", res)
	}
	if res.Requirements == nil || res.Design == nil || res.Review == nil {
		t.Fatal("paused result must carry all three artifacts")
	}
	if res.Git != nil || len(exec.keys) != 0 {
		t.Fatal("no git activity before approval")
	}

	// The frozen state must rehydrate and carry the requested language.
	state, err := o.Store.Get(context.Background(), res.ApprovalToken)
	if err != nil {
		t.Fatalf("stored state: %v", err)
	}
	if state.Language != "go" {
		t.Fatalf("stored language = %q", state.Language)
	}
}

func TestContinueApprovedFinalizesWithTokenAsIdempotencyKey(t *testing.T) {
	stages := &stubStages{
		design: validStubDesign(),
		review: domain.RiskReview{RiskLevel: domain.RiskMedium, ApprovalRequired: true},
	}
	o, exec := newTestOrchestrator(stages)
	ctx := context.Background()
	paused := o.Run(ctx, "build a saas backend", "go")
	token := paused.ApprovalToken

	if err := o.Store.RecordDecision(ctx, token, domain.ApprovalDecision{Approved: true, ApprovedBy: "lead"}); err != nil {
		t.Fatal(err)
	}
	res := o.Continue(ctx, token, "")
	if res.Status != domain.StatusSuccess {
		t.Fatalf("status = %s (%v)", res.Status, res.Issues)
	}
	if res.Approval == nil || !res.Approval.Approved || res.Approval.ApprovedBy != "lead" {
		t.Fatalf("approval not attached: %+v", res.Approval)
	}
	if res.Git.Strategy.BranchName != "feature/init-go" {
		t.Fatalf("stored language not used: %q", res.Git.Strategy.BranchName)
	}
	if len(exec.keys) != 1 || exec.keys[0] != token {
		t.Fatalf("idempotency key = %v, want [%s]", exec.keys, token)
	}
	// Token is burned.
	if again := o.Continue(ctx, token, ""); again.Status != domain.StatusFailed || again.Stage != domain.StageApproval {
		t.Fatalf("reuse should fail at approval, got %+v", again)
	}
}

func TestContinueRejectedHalts(t *testing.T) {
	stages := &stubStages{
		design: validStubDesign(),
		review: domain.RiskReview{RiskLevel: domain.RiskHigh, ApprovalRequired: true},
	}
	o, exec := newTestOrchestrator(stages)
	ctx := context.Background()
	token := o.Run(ctx, "build a saas backend", "").ApprovalToken

	if err := o.Store.RecordDecision(ctx, token, domain.ApprovalDecision{Approved: false, Comments: "too risky"}); err != nil {
		t.Fatal(err)
	}
	res := o.Continue(ctx, token, "")
	if res.Status != domain.StatusHalted || res.Stage != domain.StageApproval {
		t.Fatalf("expected HALTED at approval, got %+v", res)
	}
	if res.Requirements == nil || res.Design == nil || res.Review == nil || res.Approval == nil {
		t.Fatal("halted result must retain artifacts and decision")
	}
	if len(res.Issues) != 1 || res.Issues[0] != "Design rejected by reviewer" {
		t.Fatalf("issues = %v", res.Issues)
	}
	if stages.strategyCalls.Load() != 0 || len(exec.keys) != 0 {
		t.Fatal("rejection must not reach the strategy stage")
	}
	// Rejection is terminal: the token cannot be reused.
	if again := o.Continue(ctx, token, ""); again.Status != domain.StatusFailed {
		t.Fatalf("expected failure on reuse, got %+v", again)
	}
}

func TestContinueErrors(t *testing.T) {
	stages := &stubStages{
		design: validStubDesign(),
		review: domain.RiskReview{RiskLevel: domain.RiskMedium, ApprovalRequired: true},
	}
	o, _ := newTestOrchestrator(stages)
	ctx := context.Background()

	res := o.Continue(ctx, "no-such-token", "")
	if res.Status != domain.StatusFailed || res.Stage != domain.StageApproval {
		t.Fatalf("unknown token: %+v", res)
	}
	if len(res.Issues) != 1 || res.Issues[0] != "Invalid or expired approval token" {
		t.Fatalf("issues = %v", res.Issues)
	}

	token := o.Run(ctx, "build a saas backend", "").ApprovalToken
	res = o.Continue(ctx, token, "")
	if res.Status != domain.StatusFailed {
		t.Fatalf("no decision yet: %+v", res)
	}
	if len(res.Issues) != 1 || res.Issues[0] != "No approval decision recorded. Submit a decision first." {
		t.Fatalf("issues = %v", res.Issues)
	}
	// The no-decision branch must not burn the state.
	if _, err := o.Store.Get(ctx, token); err != nil {
		t.Fatalf("state consumed on no-decision branch: %v", err)
	}
	if err := o.Store.RecordDecision(ctx, token, domain.ApprovalDecision{Approved: true}); err != nil {
		t.Fatal(err)
	}
	if res = o.Continue(ctx, token, ""); res.Status != domain.StatusSuccess {
		t.Fatalf("retry after decision should succeed, got %+v", res)
	}
}

func TestRunStageFailuresRetainUpstreamArtifacts(t *testing.T) {
	boom := errors.New("model unavailable")

	t.Run("requirements", func(t *testing.T) {
		o, _ := newTestOrchestrator(&stubStages{reqErr: boom})
		res := o.Run(context.Background(), "p", "")
		if res.Status != domain.StatusFailed || res.Stage != domain.StageRequirements {
			t.Fatalf("%+v", res)
		}
		if res.Requirements != nil {
			t.Fatal("no artifacts expected")
		}
	})

	t.Run("database_design", func(t *testing.T) {
		o, _ := newTestOrchestrator(&stubStages{designErr: boom})
		res := o.Run(context.Background(), "p", "")
		if res.Status != domain.StatusFailed || res.Stage != domain.StageDesign {
			t.Fatalf("%+v", res)
		}
		if res.Requirements == nil || res.Design != nil {
			t.Fatal("requirements must be retained, design absent")
		}
	})

	t.Run("validation", func(t *testing.T) {
		bad := validStubDesign()
		bad.NormalizationLevel = "2NF"
		bad.SQLSchema = " "
		o, _ := newTestOrchestrator(&stubStages{design: bad})
		res := o.Run(context.Background(), "p", "")
		if res.Status != domain.StatusFailed || res.Stage != domain.StageValidation {
			t.Fatalf("%+v", res)
		}
		if res.Requirements == nil || res.Design == nil {
			t.Fatal("validation failure retains requirements and design")
		}
		if len(res.Issues) != 2 {
			t.Fatalf("expected both violations reported, got %v", res.Issues)
		}
	})

	t.Run("review", func(t *testing.T) {
		o, _ := newTestOrchestrator(&stubStages{design: validStubDesign(), reviewErr: boom})
		res := o.Run(context.Background(), "p", "")
		if res.Status != domain.StatusFailed || res.Stage != domain.StageReview {
			t.Fatalf("%+v", res)
		}
		if res.Requirements == nil || res.Design == nil || res.Review != nil {
			t.Fatal("review failure retains requirements and design only")
		}
	})

	t.Run("git_strategy", func(t *testing.T) {
		o, _ := newTestOrchestrator(&stubStages{
			design:      validStubDesign(),
			review:      domain.RiskReview{RiskLevel: domain.RiskLow},
			strategyErr: boom,
		})
		res := o.Run(context.Background(), "p", "")
		if res.Status != domain.StatusFailed || res.Stage != domain.StageGitStrategy {
			t.Fatalf("%+v", res)
		}
		if res.Requirements == nil || res.Design == nil || res.Review == nil {
			t.Fatal("finalization failure retains all upstream artifacts")
		}
	})
}

func TestPushFailureIsInlineNotFatal(t *testing.T) {
	stages := &stubStages{
		design: validStubDesign(),
		review: domain.RiskReview{RiskLevel: domain.RiskLow},
	}
	o, _ := newTestOrchestrator(stages)
	o.Git = failingExecutor{}
	res := o.Run(context.Background(), "p", "")
	if res.Status != domain.StatusSuccess {
		t.Fatalf("status = %s", res.Status)
	}
	if res.Git.Execution.Success || res.Git.Execution.Error == "" {
		t.Fatalf("push failure must be inline: %+v", res.Git.Execution)
	}
	if res.Git.Strategy.BranchName == "" {
		t.Fatal("strategy must still be reported")
	}
}

type failingExecutor struct{}

func (failingExecutor) EnsureBranch(context.Context, domain.RepoStrategy, string) domain.GitExecution {
	return domain.GitExecution{Success: false, Status: "failed", Error: "remote unreachable"}
}

func TestConcurrentContinueSingleSuccess(t *testing.T) {
	stages := &stubStages{
		design: validStubDesign(),
		review: domain.RiskReview{RiskLevel: domain.RiskMedium, ApprovalRequired: true},
	}
	o, exec := newTestOrchestrator(stages)
	ctx := context.Background()
	token := o.Run(ctx, "p", "").ApprovalToken
	if err := o.Store.RecordDecision(ctx, token, domain.ApprovalDecision{Approved: true}); err != nil {
		t.Fatal(err)
	}

	const racers = 6
	var wg sync.WaitGroup
	results := make([]domain.OrchestrationResult, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = o.Continue(ctx, token, "")
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, res := range results {
		switch res.Status {
		case domain.StatusSuccess:
			successes++
		case domain.StatusFailed:
			if res.Stage != domain.StageApproval {
				t.Fatalf("loser failed at %s: %v", res.Stage, res.Issues)
			}
		default:
			t.Fatalf("unexpected status %s", res.Status)
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly one SUCCESS, got %d", successes)
	}
	if len(exec.keys) != 1 {
		t.Fatalf("branch creation ran %d times", len(exec.keys))
	}
}

var _ git.Executor = (*recordingExecutor)(nil)
