package stage

import (
	"context"
	"encoding/json"
	"fmt"

	"schemaflow/internal/domain"
	"schemaflow/internal/llm"
)

const reviewSystemPrompt = `You are a technical review and governance agent for enterprise systems.

Your task:
- Review the provided database schema
- Validate normalization claims (is it truly 3NF?)
- Identify architectural risks or omissions
- Check for common issues: missing indexes, improper foreign keys, scalability concerns
- Assess whether human approval is required before proceeding

RULES:
- Do NOT redesign the schema
- Do NOT generate SQL
- Do NOT suggest new entities
- Base your review strictly on the provided design
- Be constructive and specific in your feedback

RISK LEVEL GUIDELINES:
- LOW: Schema follows best practices, minor improvements possible
- MEDIUM: Some concerns that should be addressed, but not blockers
- HIGH: Significant issues that could cause problems in production

APPROVAL GUIDELINES:
- approval_required = true if risk_level is MEDIUM or HIGH
- approval_required = true if there are security-related concerns
- approval_required = false only for LOW risk with no concerns

Respond with a JSON object: {"assessment": string, "issues": [string], "risk_level": "LOW"|"MEDIUM"|"HIGH", "approval_required": bool}.`

// Review assesses a schema design for architectural risk. The model is
// contractually bound to set approval_required for MEDIUM/HIGH risk; the
// orchestrator gates solely on that flag.
type Review struct {
	LLM llm.Completer
}

func (s Review) Review(ctx context.Context, design domain.SchemaDesign) (domain.RiskReview, error) {
	user, err := json.MarshalIndent(design, "", "  ")
	if err != nil {
		return domain.RiskReview{}, fmt.Errorf("encode design: %w", err)
	}
	var out domain.RiskReview
	if err := s.LLM.CompleteJSON(ctx, reviewSystemPrompt, string(user), &out); err != nil {
		return domain.RiskReview{}, err
	}
	return out, nil
}
