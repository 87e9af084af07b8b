package domain

// Entity is a business domain entity extracted from the user's prompt.
type Entity struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Relationship links two entities with a cardinality. Through names the
// junction entity and is only set for many-to-many relationships.
type Relationship struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Type    string `json:"type" enum:"one-to-one,one-to-many,many-to-many"`
	Through string `json:"through,omitempty"`
}

// Requirements is the structured output of the requirements stage. It is
// produced once and immutable afterwards.
type Requirements struct {
	Entities      []Entity       `json:"entities"`
	Relationships []Relationship `json:"relationships"`
	Assumptions   []string       `json:"assumptions"`
	OutOfScope    []string       `json:"out_of_scope"`
}

// Column is a table column with its data type and constraint tags.
type Column struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Constraints []string `json:"constraints,omitempty"`
}

// Table is a named, ordered list of columns. Column order matters for
// schema emission, not for validation.
type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// SchemaDesign is the output of the database design stage.
type SchemaDesign struct {
	Tables             []Table  `json:"tables"`
	NormalizationLevel string   `json:"normalization_level"`
	DesignRationale    []string `json:"design_rationale"`
	SQLSchema          string   `json:"sql_schema"`
}

// ValidationResult is the deterministic structural check of a SchemaDesign.
// It collects every violation rather than failing fast.
type ValidationResult struct {
	IsValid bool     `json:"is_valid"`
	Issues  []string `json:"issues"`
}

// Risk levels reported by the review stage.
const (
	RiskLow    = "LOW"
	RiskMedium = "MEDIUM"
	RiskHigh   = "HIGH"
)

// RiskReview is the governance assessment of a SchemaDesign. The review
// capability guarantees ApprovalRequired is true for MEDIUM/HIGH risk and
// for security issues; the orchestrator treats the flag as the sole gate.
type RiskReview struct {
	Assessment       string   `json:"assessment"`
	Issues           []string `json:"issues"`
	RiskLevel        string   `json:"risk_level" enum:"LOW,MEDIUM,HIGH"`
	ApprovalRequired bool     `json:"approval_required"`
}

// RepoFile is a proposed file in the scaffolded repository.
type RepoFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// RepoStrategy is the terminal artifact of a successful run: a branch plan
// plus the proposed repository layout and starter files.
type RepoStrategy struct {
	BranchName          string     `json:"branch_name"`
	BaseBranch          string     `json:"base_branch"`
	RepositoryStructure []string   `json:"repository_structure"`
	Action              string     `json:"action"`
	Files               []RepoFile `json:"files,omitempty"`
}

// GitExecution reports the outcome of the external branch-creation call.
// A failed push is surfaced inline as Success=false with Error set; it is
// never an error return, so strategy proposal and push execution stay
// independently observable.
type GitExecution struct {
	Success      bool     `json:"success"`
	Repository   string   `json:"repository"`
	Branch       string   `json:"branch"`
	BaseBranch   string   `json:"base_branch"`
	Status       string   `json:"status,omitempty" enum:"created,exists,failed"`
	URL          string   `json:"url,omitempty"`
	FilesCreated []string `json:"files_created,omitempty"`
	Timestamp    string   `json:"timestamp,omitempty" format:"date-time"`
	Simulated    bool     `json:"simulated,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// GitOutcome bundles the proposed strategy with its execution result.
type GitOutcome struct {
	Strategy  RepoStrategy `json:"strategy"`
	Execution GitExecution `json:"execution"`
}

// ApprovalDecision is the human's verdict for a paused run. Repeated
// submission overwrites the prior decision until the state is consumed.
type ApprovalDecision struct {
	Approved   bool   `json:"approved"`
	Comments   string `json:"comments,omitempty"`
	ApprovedBy string `json:"approved_by,omitempty"`
}

// PendingApproval is the snapshot frozen when a run pauses for approval.
// The three artifacts are stored serialized so they rehydrate bit-identical.
type PendingApproval struct {
	Token            string `json:"token"`
	Prompt           string `json:"prompt"`
	Language         string `json:"language,omitempty"`
	RequirementsJSON string `json:"requirements_json"`
	DesignJSON       string `json:"design_json"`
	ReviewJSON       string `json:"review_json"`
	CreatedAt        string `json:"created_at" format:"date-time"`
}

// Orchestration statuses.
const (
	StatusSuccess         = "SUCCESS"
	StatusFailed          = "FAILED"
	StatusHalted          = "HALTED"
	StatusPendingApproval = "PENDING_APPROVAL"
)

// Pipeline stage names reported in results.
const (
	StageRequirements = "requirements"
	StageDesign       = "database_design"
	StageValidation   = "validation"
	StageReview       = "review"
	StageApproval     = "approval"
	StageGitStrategy  = "git_strategy"
)

// OrchestrationResult is the single return type of both orchestrator entry
// points. Status decides which payload fields are populated; construct it
// through the orchestrator package so illegal combinations don't occur.
type OrchestrationResult struct {
	Status        string            `json:"status" enum:"SUCCESS,FAILED,HALTED,PENDING_APPROVAL"`
	Stage         string            `json:"stage,omitempty"`
	ApprovalToken string            `json:"approval_token,omitempty"`
	Requirements  *Requirements     `json:"requirements,omitempty"`
	Design        *SchemaDesign     `json:"database_design,omitempty"`
	Review        *RiskReview       `json:"review,omitempty"`
	Approval      *ApprovalDecision `json:"approval,omitempty"`
	Git           *GitOutcome       `json:"git,omitempty"`
	Issues        []string          `json:"issues,omitempty"`
}
