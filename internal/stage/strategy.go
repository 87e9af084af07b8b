package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"schemaflow/internal/domain"
	"schemaflow/internal/llm"
)

const strategySystemPrompt = `You are a Git strategy and repository governance agent.

Your task:
1. Propose a safe, descriptive Git branch name (e.g. feature/db-schema, feature/init-backend)
2. Suggest the repository folder structure for the given LANGUAGE and FRAMEWORK
3. Generate basic/probable files that every project in that language should have

REQUIRED FILES TO GENERATE (with real content):
- README.md: Short project description, how to run, tech stack (use the project description from context)
- .gitignore: Standard ignores for the LANGUAGE (e.g. for Python: __pycache__, .env, venv, *.pyc)
- One main/entry file: e.g. main.py for Python, index.js for Node, src/main.java for Java
- Dependency file: requirements.txt (Python), package.json (Node), pom.xml/build.gradle (Java) - with minimal placeholder content
- Config or app entry if relevant: e.g. config/settings.py, app/__init__.py for Python

RULES:
- Use the exact LANGUAGE and FRAMEWORK from the user context (e.g. python, fastapi OR node, express OR java, spring-boot)
- repository_structure: list of paths that should exist (e.g. ["src/", "tests/", "README.md", ".gitignore"])
- files: list of objects with "path" and "content". Provide ACTUAL file content, not placeholders like "add content here". Keep each file concise but valid.
- Branch name: lowercase, kebab-case (e.g. feature/init-backend)
- base_branch: usually "main"
- For Python: include venv, __pycache__, .env in .gitignore; README with pip install -r requirements.txt
- For Node: include node_modules, .env in .gitignore; README with npm install
- For Java: include target/, .class in .gitignore; README with mvn install or gradle build
- Do NOT generate long boilerplate; keep file content minimal but runnable/valid.

Respond with a JSON object: {"branch_name": string, "base_branch": string, "repository_structure": [string], "action": string, "files": [{"path","content"}]}.`

// ProjectContext is the strategy stage input: the repo's kind, target
// language/framework, and a short description used in the README.
type ProjectContext struct {
	Type        string `json:"type"`
	Framework   string `json:"framework"`
	Language    string `json:"language"`
	Description string `json:"description"`
}

var frameworkByLanguage = map[string]string{
	"python": "fastapi",
	"node":   "express",
	"nodejs": "express",
	"java":   "spring-boot",
	"go":     "gin",
}

// Framework maps a language to its conventional backend framework. Total:
// an unrecognized language falls back to itself as the framework label so
// the stage never fails on unknown input.
func Framework(language string) string {
	lang := strings.ToLower(strings.TrimSpace(language))
	if lang == "" {
		lang = "python"
	}
	if fw, ok := frameworkByLanguage[lang]; ok {
		return fw
	}
	return lang
}

// NewProjectContext builds the strategy input from requirements and the
// target language.
func NewProjectContext(req domain.Requirements, language string) ProjectContext {
	lang := strings.ToLower(strings.TrimSpace(language))
	if lang == "" {
		lang = "python"
	}
	names := make([]string, 0, len(req.Entities))
	for _, e := range req.Entities {
		names = append(names, e.Name)
	}
	return ProjectContext{
		Type:        "backend",
		Framework:   Framework(lang),
		Language:    lang,
		Description: "Backend with entities: " + strings.Join(names, ", "),
	}
}

// Strategy proposes the branch plan, repository layout, and starter files
// for a finished design.
type Strategy struct {
	LLM llm.Completer
}

func (s Strategy) Propose(ctx context.Context, pc ProjectContext) (domain.RepoStrategy, error) {
	user, err := json.MarshalIndent(pc, "", "  ")
	if err != nil {
		return domain.RepoStrategy{}, fmt.Errorf("encode project context: %w", err)
	}
	var out domain.RepoStrategy
	if err := s.LLM.CompleteJSON(ctx, strategySystemPrompt, string(user), &out); err != nil {
		return domain.RepoStrategy{}, err
	}
	return out, nil
}
