package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/j2pr/internal/agent"
	"github.com/hochfrequenz/j2pr/internal/artifacts"
	"github.com/hochfrequenz/j2pr/internal/contract"
	"github.com/hochfrequenz/j2pr/internal/domain"
	"github.com/hochfrequenz/j2pr/internal/github"
	"github.com/hochfrequenz/j2pr/internal/guardrail"
	"github.com/hochfrequenz/j2pr/internal/jira"
)

// shellTimeout bounds test and format commands, which run outside the
// agent's own budget.
const shellTimeout = 15 * time.Minute

// runContext carries the mutable state of one pipeline execution
type runContext struct {
	ctx       context.Context
	key       string
	issue     *jira.Issue
	repoName  string
	repo      RepoHandle
	run       *domain.Run
	dir       *artifacts.Dir
	rec       recorder
	opts      Options
	log       *zap.Logger
	startedAt time.Time

	branch       string
	baseBranch   string
	contract     *contract.Contract
	agentExit    *int
	filesChanged int
	linesChanged int
	fixAttempts  int
	commands     []artifacts.CommandResult
}

// execute runs the pipeline proper: worktree preparation, agent loop,
// guardrails, commit, push and PR creation. It returns the PR URL on
// success; any error is a stopError (or gets classified into one).
func (o *Orchestrator) execute(rc *runContext) (string, error) {
	cfg := o.cfg

	clean, status, err := rc.repo.EnsureClean()
	if err != nil {
		return "", fmt.Errorf("inspect worktree: %w", err)
	}
	if err := rc.dir.WriteGitStatus(true, status); err != nil {
		rc.log.Warn("write pre-run status", zap.Error(err))
	}
	if !clean && cfg.Guardrails.RequireCleanWorktree && !rc.opts.Force {
		return "", needsHuman("worktree not clean in %s:\n%s", rc.repoName, status)
	}

	base := cfg.GitHub.DefaultBaseBranch
	if base == "" || base == "auto" {
		detected, err := rc.repo.DetectDefaultBranch(rc.ctx)
		if err != nil || detected == "" {
			detected = "main"
		}
		base = detected
	}
	rc.baseBranch = base
	rc.branch = domain.BranchName(rc.key, rc.issue.Summary())
	rc.rec.Record("branch_prepared", map[string]any{"base": base, "branch": rc.branch})

	if err := rc.repo.FetchCheckoutBase(rc.ctx, base); err != nil {
		return "", fmt.Errorf("prepare base branch %s: %w", base, err)
	}
	if err := rc.repo.CreateBranch(rc.ctx, rc.branch); err != nil {
		return "", fmt.Errorf("create work branch: %w", err)
	}

	testCmd := cfg.Guardrails.TestCommand
	if testCmd == "auto" {
		testCmd = rc.repo.DetectTestCommand()
	}
	if testCmd == "" && cfg.Guardrails.RequireTests {
		return "", needsHuman("no test command configured and none could be detected in %s", rc.repoName)
	}

	// The commands the pipeline itself will run are subject to the same
	// denylist as agent-reported ones.
	cmdVerdict := guardrail.Evaluate(
		guardrail.Changeset{Commands: []string{testCmd, cfg.Guardrails.FormatCommand}},
		guardrail.Policy{CommandDenylist: cfg.Guardrails.CommandDenylist},
	)
	if !cmdVerdict.Allowed {
		return "", needsHuman("configured command violates the denylist: %s", cmdVerdict.Reason())
	}

	if err := o.agentLoop(rc, testCmd); err != nil {
		return "", err
	}

	numstat, err := rc.repo.DiffNumstat(rc.ctx)
	if err != nil {
		return "", fmt.Errorf("diff numstat: %w", err)
	}
	changeset := guardrail.Changeset{Files: make([]guardrail.FileChange, len(numstat))}
	for i, entry := range numstat {
		changeset.Files[i] = guardrail.FileChange{Path: entry.Path, Added: entry.Added, Removed: entry.Removed}
	}
	verdict := guardrail.Evaluate(changeset, guardrail.Policy{
		DenyGlobs:       cfg.Guardrails.DenyGlobs,
		MaxFilesChanged: cfg.Guardrails.MaxFilesChanged,
		MaxDiffLines:    cfg.Guardrails.MaxDiffLines,
	})
	rc.filesChanged = verdict.FilesChanged
	rc.linesChanged = verdict.LinesChanged
	rc.rec.Record("guardrails_evaluated", map[string]any{
		"allowed":       verdict.Allowed,
		"files_changed": verdict.FilesChanged,
		"lines_changed": verdict.LinesChanged,
		"reason":        verdict.Reason(),
	})
	if !verdict.Allowed {
		return "", needsHuman("guardrail violation: %s", verdict.Reason())
	}
	if verdict.FilesChanged == 0 {
		return "", needsHuman("agent reported success but produced no changes")
	}

	patch, err := rc.repo.DiffPatch(rc.ctx)
	if err != nil {
		rc.log.Warn("capture diff", zap.Error(err))
	} else if err := rc.dir.WriteDiff(patch); err != nil {
		rc.log.Warn("write diff artifact", zap.Error(err))
	}

	message := rc.contract.CommitMessage
	if message == "" {
		message = fmt.Sprintf("[%s] %s", rc.key, rc.issue.Summary())
	}
	if err := rc.repo.CommitAll(rc.ctx, message); err != nil {
		return "", fmt.Errorf("commit changes: %w", err)
	}

	postStatus, err := rc.repo.Status()
	if err == nil {
		if err := rc.dir.WriteGitStatus(false, postStatus); err != nil {
			rc.log.Warn("write post-run status", zap.Error(err))
		}
	}

	return o.finalizePR(rc)
}

// agentLoop invokes the agent, validates its contract and runs the test
// command, granting the agent bounded fix attempts when tests fail.
func (o *Orchestrator) agentLoop(rc *runContext, testCmd string) error {
	cfg := o.cfg
	vars := agent.PromptVars{
		TicketKey:     rc.key,
		Title:         rc.issue.Summary(),
		Description:   rc.issue.Description(),
		Acceptance:    acceptanceCriteria(rc.issue.Description()),
		RepoPath:      rc.repo.Path(),
		BaseBranch:    rc.baseBranch,
		DenyGlobs:     cfg.Guardrails.DenyGlobs,
		MaxFiles:      cfg.Guardrails.MaxFilesChanged,
		MaxLines:      cfg.Guardrails.MaxDiffLines,
		TestCommand:   testCmd,
		FormatCommand: cfg.Guardrails.FormatCommand,
	}

	var transcript strings.Builder
	for {
		prompt, err := o.agent.BuildPrompt(vars)
		if err != nil {
			return fmt.Errorf("build prompt: %w", err)
		}

		rc.rec.Record("agent_invoked", map[string]any{"attempt": rc.fixAttempts, "prompt_bytes": len(prompt)})
		started := time.Now()
		res, err := o.agent.Invoke(rc.ctx, rc.repo.Path(), prompt)
		rc.commands = append(rc.commands, artifacts.CommandResult{
			Argv:      []string{cfg.Agent.Command},
			Dir:       rc.repo.Path(),
			ExitCode:  res.ExitCode,
			Duration:  time.Since(started).Seconds(),
			StartedAt: started,
		})
		if res.Transcript != "" {
			transcript.WriteString(res.Transcript)
			transcript.WriteString("\n")
		}
		if werr := rc.dir.WriteTranscript(transcript.String()); werr != nil {
			rc.log.Warn("write transcript", zap.Error(werr))
		}
		rc.agentExit = &res.ExitCode
		rc.rec.Record("agent_finished", map[string]any{
			"exit_code": res.ExitCode,
			"timed_out": res.TimedOut,
		})
		if err != nil {
			return fmt.Errorf("invoke agent: %w", err)
		}
		if res.TimedOut {
			return failed("agent timed out after %s", cfg.Agent.Timeout())
		}

		c, err := contract.Extract(res.Transcript)
		if err != nil {
			return failedSuggestingHuman("agent output has no valid result footer: %v", err)
		}
		rc.contract = c
		rc.rec.Record("contract_parsed", map[string]any{
			"decision": string(c.Decision),
			"risk":     string(c.Risk),
		})

		switch c.Decision {
		case domain.DecisionNeedsHuman:
			return needsHuman("agent requests human review: %s", c.BlockingReason)
		case domain.DecisionFailed:
			return failed("agent reported failure: %s", c.BlockingReason)
		}

		if cfg.Guardrails.FormatCommand != "" {
			// Formatting is best effort; results land in the command log.
			started := time.Now()
			res, err := rc.repo.RunShell(rc.ctx, cfg.Guardrails.FormatCommand, shellTimeout)
			if err == nil {
				rc.commands = append(rc.commands, artifacts.CommandResult{
					Argv:      res.Argv,
					Dir:       rc.repo.Path(),
					ExitCode:  res.ExitCode,
					Duration:  time.Since(started).Seconds(),
					StartedAt: started,
				})
			}
		}

		if testCmd == "" {
			return nil
		}
		started = time.Now()
		testRes, err := rc.repo.RunShell(rc.ctx, testCmd, shellTimeout)
		rc.commands = append(rc.commands, artifacts.CommandResult{
			Argv:      testRes.Argv,
			Dir:       rc.repo.Path(),
			ExitCode:  testRes.ExitCode,
			Duration:  time.Since(started).Seconds(),
			StartedAt: started,
		})
		rc.rec.Record("tests_run", map[string]any{
			"command":   testCmd,
			"exit_code": testRes.ExitCode,
			"attempt":   rc.fixAttempts,
		})
		if err != nil {
			return failed("test command could not run: %v", err)
		}
		// A timed-out test run is terminal; granting a fix attempt would
		// only burn another agent invocation against the same wall.
		if testRes.TimedOut {
			return failed("test command timed out after %s", shellTimeout)
		}
		if testRes.ExitCode == 0 {
			return nil
		}
		// 126/127 mean the command itself is broken, not the code under
		// test; a fix attempt cannot help.
		if testRes.ExitCode == 126 || testRes.ExitCode == 127 {
			return failed("test command %q could not run (exit %d)", testCmd, testRes.ExitCode)
		}
		if rc.fixAttempts >= cfg.Guardrails.MaxFixAttempts {
			return needsHuman("tests still failing after %d fix attempt(s): %s",
				rc.fixAttempts, tailOf(testRes.Stdout+testRes.Stderr, 400))
		}
		rc.fixAttempts++
		vars.Notes = fmt.Sprintf(
			"The previous attempt's test run failed (exit %d). Fix the failures and keep all other changes.\nTest output tail:\n%s",
			testRes.ExitCode, tailOf(testRes.Stdout+testRes.Stderr, 2000))
		rc.log.Info("retrying after test failure", zap.Int("attempt", rc.fixAttempts))
	}
}

// finalizePR pushes the branch and opens the draft PR, unless one
// already exists for this branch or ticket.
func (o *Orchestrator) finalizePR(rc *runContext) (string, error) {
	repo := rc.repo.AsRepo()

	remoteExists, err := rc.repo.RemoteBranchExists(rc.ctx, rc.branch)
	if err != nil {
		rc.log.Warn("check remote branch", zap.Error(err))
	}
	if remoteExists {
		url, err := o.prs.FindOpenPRByBranch(rc.ctx, repo, rc.branch)
		if err != nil {
			rc.log.Warn("look up PR by branch", zap.Error(err))
		}
		if url != "" {
			rc.rec.Record("pr_adopted", map[string]any{"pr_url": url, "by": "branch"})
			return url, nil
		}
	}
	// A PR may exist under a differently named branch from an earlier run.
	url, err := o.prs.FindOpenPRByKey(rc.ctx, repo, rc.key)
	if err != nil {
		rc.log.Warn("look up PR by ticket key", zap.Error(err))
	}
	if url != "" {
		rc.rec.Record("pr_adopted", map[string]any{"pr_url": url, "by": "ticket"})
		return url, nil
	}

	if err := rc.repo.Push(rc.ctx, rc.branch); err != nil {
		return "", fmt.Errorf("push branch: %w", err)
	}
	rc.rec.Record("branch_pushed", map[string]any{"branch": rc.branch})

	params := github.PRParams{
		Title:     fmt.Sprintf("[%s] %s", rc.key, rc.issue.Summary()),
		Body:      prBody(rc.key, rc.contract, o.cfg.Jira.BaseURL),
		Base:      rc.baseBranch,
		Head:      rc.branch,
		Draft:     o.cfg.GitHub.DraftPR,
		Reviewers: o.cfg.GitHub.Reviewers,
		Labels:    o.cfg.GitHub.Labels,
	}
	err = retryTransient(rc.ctx, func() error {
		url, err = o.prs.CreatePR(rc.ctx, repo, params)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create PR: %w", err)
	}
	rc.rec.Record("pr_opened", map[string]any{"pr_url": url})

	if o.cfg.Jira.CommentOnPR && !rc.opts.NoComment {
		if err := o.tickets.AddComment(rc.ctx, rc.key, "PR opened: "+url); err != nil {
			rc.log.Warn("comment on ticket", zap.Error(err))
		}
	}
	return url, nil
}

// prBody renders the reviewer-facing PR description from the agent
// contract.
func prBody(key string, c *contract.Contract, jiraBaseURL string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Resolves [%s](%s/browse/%s).\n\n", key, strings.TrimRight(jiraBaseURL, "/"), key)
	fmt.Fprintf(&b, "## Summary\n\n%s\n", c.Summary)
	if len(c.Changes) > 0 {
		b.WriteString("\n## Changes\n\n")
		for _, change := range c.Changes {
			fmt.Fprintf(&b, "- %s\n", change)
		}
	}
	if c.Tests.Command != "" || c.Tests.Result != "" {
		b.WriteString("\n## How to Test\n\n")
		if c.Tests.Command != "" {
			fmt.Fprintf(&b, "```\n%s\n```\n", c.Tests.Command)
		}
		if c.Tests.Result != "" {
			fmt.Fprintf(&b, "Result: %s\n", c.Tests.Result)
		}
		if c.Tests.Notes != "" {
			fmt.Fprintf(&b, "%s\n", c.Tests.Notes)
		}
	}
	fmt.Fprintf(&b, "\n## Risk\n\n%s\n", c.Risk)
	if c.NotesForReviewer != "" {
		fmt.Fprintf(&b, "\n## Notes for Reviewer\n\n%s\n", c.NotesForReviewer)
	}
	return b.String()
}

// acceptanceCriteria extracts the acceptance section from a ticket
// description, or returns the empty string when there is none.
func acceptanceCriteria(description string) string {
	_, after, found := strings.Cut(description, "Acceptance Criteria")
	if !found {
		return ""
	}
	return strings.TrimSpace(strings.TrimLeft(after, ":\n "))
}

func tailOf(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
