// Package stage holds the pipeline stage implementations: three
// model-backed transformations (requirements, schema design, risk review),
// the deterministic structural validation, and the repo strategy proposal.
package stage

import (
	"context"

	"schemaflow/internal/domain"
	"schemaflow/internal/llm"
)

const requirementsSystemPrompt = `You are a senior software requirements analyst.

Your task:
- Extract domain entities from the user's request
- Identify relationships between entities
- State realistic assumptions
- Clearly define what is explicitly out of scope

RULES:
- Do NOT design databases
- Do NOT generate code
- Be concise and precise
- Focus only on business domain entities and their relationships
- Infer reasonable assumptions based on common patterns
- Explicitly state what you are NOT including

Respond with a JSON object: {"entities": [{"name","description"}], "relationships": [{"from","to","type","through"}], "assumptions": [string], "out_of_scope": [string]}. Relationship type is one of "one-to-one", "one-to-many", "many-to-many"; "through" names the junction entity and is only set for many-to-many.`

// Requirements turns a natural-language prompt into structured
// requirements. The output shape is trusted; anything deeper is the
// model's contract.
type Requirements struct {
	LLM llm.Completer
}

func (s Requirements) Interpret(ctx context.Context, prompt string) (domain.Requirements, error) {
	var out domain.Requirements
	if err := s.LLM.CompleteJSON(ctx, requirementsSystemPrompt, prompt, &out); err != nil {
		return domain.Requirements{}, err
	}
	return out, nil
}
