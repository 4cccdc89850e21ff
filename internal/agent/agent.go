// Package agent drives the headless coding agent: it renders the prompt
// and runs the agent binary inside the target repository.
package agent

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/hochfrequenz/j2pr/internal/config"
	"github.com/hochfrequenz/j2pr/internal/gitrepo"
)

// defaultPrompt is used when no prompt_template_path is configured
const defaultPrompt = `You are a headless coding agent.

Ticket: {{.TicketKey}}
Title: {{.Title}}
Description:
{{.Description}}

Acceptance Criteria:
{{.Acceptance}}

Repo Path: {{.RepoPath}}
Base Branch: {{.BaseBranch}}

Guardrails:
- deny globs: {{join .DenyGlobs ", "}}
- max files changed: {{.MaxFiles}}
- max diff lines: {{.MaxLines}}
- test command: {{.TestCommand}}
- format command: {{.FormatCommand}}

Do not touch:
{{range .DenyGlobs}}- {{.}}
{{end}}
Instructions:
- Stay within the repo.
- Minimal change bias.
- No dependency upgrades unless required for the ticket and small.
- Must add/update tests if the change is logic.
- Must run the provided test command locally and report the result in the footer.
- Never open or merge a PR yourself.
- If requirements are ambiguous, choose the safest interpretation and note it.

Required footer (single line):
J2PR_RESULT: {...json...}

Additional notes:
{{.Notes}}
`

// PromptVars fills the prompt template
type PromptVars struct {
	TicketKey     string
	Title         string
	Description   string
	Acceptance    string
	RepoPath      string
	BaseBranch    string
	DenyGlobs     []string
	MaxFiles      int
	MaxLines      int
	TestCommand   string
	FormatCommand string
	Notes         string
}

// Result is one finished agent invocation. The transcript is captured
// unconditionally, timeouts and crashes included.
type Result struct {
	ExitCode   int
	Transcript string
	TimedOut   bool
}

// Driver runs the coding agent. The orchestrator depends on this
// interface so tests can substitute a fake.
type Driver interface {
	BuildPrompt(vars PromptVars) (string, error)
	Invoke(ctx context.Context, repoPath, prompt string) (Result, error)
}

// Runner executes the configured agent binary
type Runner struct {
	cfg config.AgentConfig
}

// NewRunner builds a Runner from the agent config section
func NewRunner(cfg config.AgentConfig) *Runner {
	return &Runner{cfg: cfg}
}

// BuildPrompt renders the prompt from the configured template or the
// built-in default.
func (r *Runner) BuildPrompt(vars PromptVars) (string, error) {
	text := defaultPrompt
	if r.cfg.PromptTemplatePath != "" {
		raw, err := os.ReadFile(r.cfg.PromptTemplatePath)
		if err != nil {
			return "", fmt.Errorf("read prompt template: %w", err)
		}
		text = string(raw)
	}

	tmpl, err := template.New("prompt").Funcs(template.FuncMap{
		"join": strings.Join,
	}).Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse prompt template: %w", err)
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, vars); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return sb.String(), nil
}

// Invoke implements Driver. The agent runs inside the repository with the
// configured timeout; on timeout the whole process group is killed.
func (r *Runner) Invoke(ctx context.Context, repoPath, prompt string) (Result, error) {
	argv := []string{r.cfg.Command}
	if r.cfg.Model != "" {
		argv = append(argv, "--model", r.cfg.Model)
	}
	argv = append(argv, "--print", prompt)

	res, err := gitrepo.RunCommand(ctx, repoPath, argv, r.cfg.Timeout())
	transcript := res.Stdout + "\n" + res.Stderr
	if err != nil {
		return Result{ExitCode: -1, Transcript: transcript}, fmt.Errorf("run agent %s: %w", r.cfg.Command, err)
	}
	return Result{
		ExitCode:   res.ExitCode,
		Transcript: transcript,
		TimedOut:   res.TimedOut,
	}, nil
}
