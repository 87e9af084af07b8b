// Package server exposes the orchestration pipeline over HTTP: the two
// orchestrator entry points, approval submission, the standalone stage and
// validation endpoints, and the repository push pass-through.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"schemaflow/internal/domain"
	"schemaflow/internal/events"
	"schemaflow/internal/git"
	"schemaflow/internal/orchestrator"
	"schemaflow/internal/stage"
	"schemaflow/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Orchestrator *orchestrator.Orchestrator
	Stages       orchestrator.Stages
	Store        store.Store
	Events       events.Writer
	BasePath     string
	Auth         AuthConfig
	Logger       *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"invalid or expired approval token"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the SchemaFlow API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("SchemaFlow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerOrchestrate(group, cfg.Orchestrator)
	registerApproval(group, cfg.Store)
	registerStages(group, cfg.Stages)
	registerValidate(group)
	registerGitPush(group, cfg.Logger)
	registerEvents(group, cfg.Events)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", "invalid or expired approval token", nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok", "service": "schemaflow"}}, nil
	})
}

func registerOrchestrate(api huma.API, o *orchestrator.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "orchestrate",
		Method:      http.MethodPost,
		Path:        "/orchestrate",
		Summary:     "Run the orchestration pipeline",
		Description: "Runs requirements, design, validation and review. If the review requires approval, returns PENDING_APPROVAL with an approval_token; submit a decision via POST /approval, then call POST /orchestrate/continue.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body OrchestrateRequest `json:"body"`
	}) (*struct {
		Body domain.OrchestrationResult `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Prompt) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "prompt is required", nil)
		}
		res := o.Run(ctx, input.Body.Prompt, input.Body.Language)
		return &struct {
			Body domain.OrchestrationResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "orchestrate-continue",
		Method:      http.MethodPost,
		Path:        "/orchestrate/continue",
		Summary:     "Continue after human approval",
		Description: "Call after POST /approval. Uses the stored decision: approved runs the git strategy and returns SUCCESS; rejected returns HALTED.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body ContinueRequest `json:"body"`
	}) (*struct {
		Body domain.OrchestrationResult `json:"body"`
	}, error) {
		if input.Body.ApprovalToken == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "approval_token is required", nil)
		}
		res := o.Continue(ctx, input.Body.ApprovalToken, input.Body.Language)
		return &struct {
			Body domain.OrchestrationResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerApproval(api huma.API, s store.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-approval",
		Method:      http.MethodPost,
		Path:        "/approval",
		Summary:     "Submit a human approval or rejection",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body ApprovalSubmitRequest `json:"body"`
	}) (*struct {
		Body ApprovalSubmitResponse `json:"body"`
	}, error) {
		if input.Body.ApprovalToken == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "approval_token is required", nil)
		}
		err := s.RecordDecision(ctx, input.Body.ApprovalToken, domain.ApprovalDecision{
			Approved:   input.Body.Approved,
			Comments:   input.Body.Comments,
			ApprovedBy: input.Body.ApprovedBy,
		})
		if err != nil {
			return nil, handleError(err)
		}
		msg := "Rejection recorded. Call POST /orchestrate/continue to halt the run."
		if input.Body.Approved {
			msg = "Approval recorded. Call POST /orchestrate/continue to finish the run."
		}
		return &struct {
			Body ApprovalSubmitResponse `json:"body"`
		}{Body: ApprovalSubmitResponse{
			Success:       true,
			Message:       msg,
			ApprovalToken: input.Body.ApprovalToken,
		}}, nil
	})
}

func registerStages(api huma.API, stages orchestrator.Stages) {
	huma.Register(api, huma.Operation{
		OperationID: "stage-requirements",
		Method:      http.MethodPost,
		Path:        "/stages/requirements",
		Summary:     "Extract requirements from a prompt",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body RequirementsRequest `json:"body"`
	}) (*struct {
		Body domain.Requirements `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Prompt) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "prompt is required", nil)
		}
		req, err := stages.Requirements.Interpret(ctx, input.Body.Prompt)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Requirements `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stage-database-design",
		Method:      http.MethodPost,
		Path:        "/stages/database-design",
		Summary:     "Design a database schema from requirements",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body DesignRequest `json:"body"`
	}) (*struct {
		Body domain.SchemaDesign `json:"body"`
	}, error) {
		if len(input.Body.Requirements.Entities) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "requirements.entities is required", nil)
		}
		design, err := stages.Design.Design(ctx, input.Body.Requirements)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SchemaDesign `json:"body"`
		}{Body: design}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stage-review",
		Method:      http.MethodPost,
		Path:        "/stages/review",
		Summary:     "Review a database design",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body ReviewRequest `json:"body"`
	}) (*struct {
		Body domain.RiskReview `json:"body"`
	}, error) {
		if len(input.Body.Design.Tables) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "database_design.tables is required", nil)
		}
		review, err := stages.Review.Review(ctx, input.Body.Design)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RiskReview `json:"body"`
		}{Body: review}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stage-git-strategy",
		Method:      http.MethodPost,
		Path:        "/stages/git-strategy",
		Summary:     "Propose a Git strategy and repository layout",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body StrategyRequest `json:"body"`
	}) (*struct {
		Body domain.RepoStrategy `json:"body"`
	}, error) {
		lang := strings.ToLower(strings.TrimSpace(input.Body.Language))
		if lang == "" {
			lang = "python"
		}
		pc := stage.ProjectContext{
			Type:        input.Body.ProjectType,
			Framework:   input.Body.Framework,
			Language:    lang,
			Description: input.Body.Description,
		}
		if pc.Type == "" {
			pc.Type = "backend"
		}
		if pc.Framework == "" {
			pc.Framework = stage.Framework(lang)
		}
		strategy, err := stages.Strategy.Propose(ctx, pc)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RepoStrategy `json:"body"`
		}{Body: strategy}, nil
	})
}

func registerValidate(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "validate-design",
		Method:      http.MethodPost,
		Path:        "/validate",
		Summary:     "Validate a database design",
		Description: "Deterministic structural check, no model call. Collects every violation.",
	}, func(ctx context.Context, input *struct {
		Body ValidateRequest `json:"body"`
	}) (*struct {
		Body domain.ValidationResult `json:"body"`
	}, error) {
		return &struct {
			Body domain.ValidationResult `json:"body"`
		}{Body: stage.Validate(input.Body.Design)}, nil
	})
}

func registerGitPush(api huma.API, logger *zap.Logger) {
	huma.Register(api, huma.Operation{
		OperationID: "git-push",
		Method:      http.MethodPost,
		Path:        "/git/push",
		Summary:     "Push a proposed repo structure",
		Description: "Ensures the branch exists and writes each file, create-or-update. Partial success is reported per file.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body GitPushRequest `json:"body"`
	}) (*struct {
		Body domain.GitExecution `json:"body"`
	}, error) {
		if input.Body.GitHubToken == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "github_token is required", nil)
		}
		if input.Body.Repository == "" || input.Body.BranchName == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "repository and branch_name are required", nil)
		}
		base := input.Body.BaseBranch
		if base == "" {
			base = "main"
		}
		exec := git.Push(ctx, input.Body.GitHubToken, input.Body.Repository, input.Body.BranchName, base, input.Body.Files, logger)
		return &struct {
			Body domain.GitExecution `json:"body"`
		}{Body: exec}, nil
	})
}

func registerEvents(api huma.API, w events.Writer) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest pipeline events",
	}, func(ctx context.Context, input *struct {
		Limit int    `query:"limit" default:"20"`
		Type  string `query:"type"`
		Token string `query:"token"`
	}) (*struct {
		Body []events.Event `json:"body"`
	}, error) {
		items, err := w.Latest(ctx, input.Limit, input.Type, input.Token)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []events.Event{}
		}
		return &struct {
			Body []events.Event `json:"body"`
		}{Body: items}, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>SchemaFlow API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}
