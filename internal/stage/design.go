package stage

import (
	"context"
	"encoding/json"
	"fmt"

	"schemaflow/internal/domain"
	"schemaflow/internal/llm"
)

const designSystemPrompt = `You are a senior database architect designing enterprise SaaS systems.

Your task:
- Design a relational database schema based on the provided requirements
- Normalize the schema to Third Normal Form (3NF)
- Create junction tables for many-to-many relationships
- Derive tables from entities and relationships
- Include appropriate data types and constraints

RULES:
- Use the provided requirements ONLY
- Do NOT invent new entities
- Do NOT design authentication or authorization tables unless specified
- Include PRIMARY KEY, FOREIGN KEY, NOT NULL constraints as appropriate
- Use standard SQL data types (UUID, VARCHAR, INTEGER, TIMESTAMP, etc.)
- Provide complete CREATE TABLE statements in sql_schema

Respond with a JSON object: {"tables": [{"name","columns":[{"name","type","constraints":[string]}]}], "normalization_level": string, "design_rationale": [string], "sql_schema": string}.`

// Design produces a relational schema from requirements. The requirements
// document is passed to the model verbatim as JSON so nothing is lost in
// re-prompting.
type Design struct {
	LLM llm.Completer
}

func (s Design) Design(ctx context.Context, req domain.Requirements) (domain.SchemaDesign, error) {
	user, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return domain.SchemaDesign{}, fmt.Errorf("encode requirements: %w", err)
	}
	var out domain.SchemaDesign
	if err := s.LLM.CompleteJSON(ctx, designSystemPrompt, string(user), &out); err != nil {
		return domain.SchemaDesign{}, err
	}
	return out, nil
}
