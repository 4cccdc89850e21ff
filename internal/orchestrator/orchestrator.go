// Package orchestrator runs the ticket-to-draft-PR pipeline: idempotency
// check, repo lock, mapping, worktree preparation, agent invocation,
// contract parsing, guardrails, validation and PR finalization.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/j2pr/internal/agent"
	"github.com/hochfrequenz/j2pr/internal/artifacts"
	"github.com/hochfrequenz/j2pr/internal/config"
	"github.com/hochfrequenz/j2pr/internal/domain"
	"github.com/hochfrequenz/j2pr/internal/github"
	"github.com/hochfrequenz/j2pr/internal/jira"
	"github.com/hochfrequenz/j2pr/internal/mapping"
	"github.com/hochfrequenz/j2pr/internal/notify"
	"github.com/hochfrequenz/j2pr/internal/session"
	"github.com/hochfrequenz/j2pr/internal/statestore"
)

// LockStaleAfter is how old a repo lock may grow before another process
// is allowed to reclaim it. Generous on purpose: agent runs are long.
const LockStaleAfter = 2 * time.Hour

// TicketSource is the ticket system boundary. Status semantics are never
// written back; the only write is a comment.
type TicketSource interface {
	Search(ctx context.Context, jql string, limit int) ([]jira.Issue, error)
	Get(ctx context.Context, key string) (*jira.Issue, error)
	AddComment(ctx context.Context, key, comment string) error
	AddLabel(ctx context.Context, key, label string) error
}

// Options modify a single run invocation
type Options struct {
	// Force skips the clean-worktree and ticket-completeness gates
	Force bool
	// Rerun bypasses the idempotency short-circuit
	Rerun bool
	// NoComment suppresses the Jira comment after PR creation
	NoComment bool
}

// OutcomeKind is what a run invocation amounted to
type OutcomeKind int

const (
	// OutcomePROpened means this run produced (or adopted) a PR
	OutcomePROpened OutcomeKind = iota
	// OutcomeIdempotent means a prior PR was returned without running
	OutcomeIdempotent
	// OutcomeBusy means the repo lock was held; nothing was changed
	OutcomeBusy
	// OutcomeNeedsHuman means a person must act next
	OutcomeNeedsHuman
	// OutcomeFailed means a defect or exhausted recovery budget
	OutcomeFailed
	// OutcomeNothingToDo means no eligible ticket was found
	OutcomeNothingToDo
)

// Outcome is the result of one run invocation
type Outcome struct {
	TicketKey    string
	RunID        string
	Kind         OutcomeKind
	PRURL        string
	Reason       string
	Suggestion   string
	ArtifactsDir string
}

// ExitCode maps the outcome onto the process exit convention:
// 0 success or idempotent return, 2 needs-human or busy, 3 failed.
func (o Outcome) ExitCode() int {
	switch o.Kind {
	case OutcomePROpened, OutcomeIdempotent, OutcomeNothingToDo:
		return 0
	case OutcomeBusy, OutcomeNeedsHuman:
		return 2
	default:
		return 3
	}
}

// Deps are the external boundaries the orchestrator drives
type Deps struct {
	Store    *statestore.Store
	Tickets  TicketSource
	PRs      github.Client
	Agent    agent.Driver
	Repos    RepoOpener
	Notifier notify.Notifier
	Logger   *zap.Logger
}

// Orchestrator executes the pipeline for one ticket at a time
type Orchestrator struct {
	cfg      *config.Config
	store    *statestore.Store
	tickets  TicketSource
	prs      github.Client
	agent    agent.Driver
	repos    RepoOpener
	notifier notify.Notifier
	log      *zap.Logger
	resolver *mapping.Resolver
}

// New wires an Orchestrator. Nil optional deps (Notifier, Logger) are
// replaced with no-ops.
func New(cfg *config.Config, deps Deps) *Orchestrator {
	if deps.Notifier == nil {
		deps.Notifier = notify.NoopNotifier{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Repos == nil {
		deps.Repos = LocalRepoOpener{}
	}

	var inferrer mapping.Inferrer
	if cfg.Workspace.RepoInference.Enabled {
		inferrer = mapping.NewKeywordInferrer(cfg.Workspace.RepoInference)
	}

	return &Orchestrator{
		cfg:      cfg,
		store:    deps.Store,
		tickets:  deps.Tickets,
		prs:      deps.PRs,
		agent:    deps.Agent,
		repos:    deps.Repos,
		notifier: deps.Notifier,
		log:      deps.Logger,
		resolver: mapping.NewResolver(cfg.Workspace, inferrer),
	}
}

// RunNext picks the first eligible ticket from the configured JQL and
// runs it.
func (o *Orchestrator) RunNext(ctx context.Context) (Outcome, error) {
	var issues []jira.Issue
	err := retryTransient(ctx, func() error {
		var searchErr error
		issues, searchErr = o.tickets.Search(ctx, o.cfg.Jira.JQL, 1)
		return searchErr
	})
	if err != nil {
		stop := classify(err)
		return Outcome{Kind: OutcomeFailed, Reason: stop.reason, Suggestion: stop.suggestion}, nil
	}
	if len(issues) == 0 {
		return Outcome{Kind: OutcomeNothingToDo, Reason: "no eligible tickets"}, nil
	}
	return o.Run(ctx, issues[0].Key, Options{})
}

// Run executes the full pipeline for one ticket key. The returned error
// is reserved for infrastructure faults (broken state store); every
// pipeline result, failures included, comes back as an Outcome.
func (o *Orchestrator) Run(ctx context.Context, key string, opts Options) (Outcome, error) {
	key = strings.ToUpper(key)
	log := o.log.With(zap.String("ticket", key))

	// Re-invocation is a no-op by default: a prior PR is returned without
	// taking the lock or touching any adapter.
	if !opts.Rerun {
		prior, err := o.store.FindIdempotentResult(key)
		if err != nil {
			return Outcome{}, fmt.Errorf("idempotency check: %w", err)
		}
		if prior != nil {
			log.Info("returning prior outcome", zap.String("pr_url", prior.PRURL))
			return Outcome{
				TicketKey: key,
				RunID:     prior.RunID,
				Kind:      OutcomeIdempotent,
				PRURL:     prior.PRURL,
			}, nil
		}
	}

	var issue *jira.Issue
	err := retryTransient(ctx, func() error {
		var getErr error
		issue, getErr = o.tickets.Get(ctx, key)
		return getErr
	})
	if err != nil {
		stop := classify(err)
		return Outcome{TicketKey: key, Kind: OutcomeFailed, Reason: stop.reason, Suggestion: stop.suggestion}, nil
	}
	if issue == nil {
		return Outcome{TicketKey: key, Kind: OutcomeFailed, Reason: "ticket not found in Jira"}, nil
	}

	if (issue.Summary() == "" || issue.Description() == "") && !opts.Force {
		reason := "ticket is missing summary or description"
		if err := o.store.UpsertTicket(&domain.Ticket{
			Key:       key,
			Status:    domain.TicketNeedsHuman,
			LastError: reason,
		}, false); err != nil {
			return Outcome{}, err
		}
		return Outcome{TicketKey: key, Kind: OutcomeNeedsHuman, Reason: reason}, nil
	}

	repoName, reason := o.resolver.Resolve(issue.Fields)
	if repoName == "" {
		reason = "repo mapping failed: " + reason
		if err := o.store.UpsertTicket(&domain.Ticket{
			Key:       key,
			Status:    domain.TicketNeedsHuman,
			LastError: reason,
		}, false); err != nil {
			return Outcome{}, err
		}
		return Outcome{TicketKey: key, Kind: OutcomeNeedsHuman, Reason: reason}, nil
	}

	rootDir, err := o.cfg.ExpandedRootDir()
	if err != nil {
		return Outcome{}, err
	}
	repo := o.repos.Open(rootDir, repoName)

	// Lock before any state transition so contention leaves the ticket
	// untouched.
	runID := statestore.NewRunID()
	acquired, err := o.store.AcquireRepoLock(repoName, runID, LockStaleAfter)
	if err != nil {
		return Outcome{}, fmt.Errorf("acquire repo lock: %w", err)
	}
	if !acquired {
		log.Info("repo busy", zap.String("repo", repoName))
		return Outcome{TicketKey: key, Kind: OutcomeBusy, Reason: "repo " + repoName + " is locked by another run"}, nil
	}
	defer func() {
		if err := o.store.ReleaseRepoLock(repoName, runID); err != nil {
			log.Warn("release repo lock", zap.Error(err))
		}
	}()

	if !repo.Exists() {
		reason := "repository " + repoName + " not found under " + rootDir
		if err := o.store.UpsertTicket(&domain.Ticket{
			Key:       key,
			Status:    domain.TicketFailed,
			Repo:      repoName,
			LastError: reason,
		}, false); err != nil {
			return Outcome{}, err
		}
		return Outcome{TicketKey: key, Kind: OutcomeFailed, Reason: reason, Suggestion: "clone the repository into the workspace root"}, nil
	}

	artifactsRoot, err := o.cfg.ExpandedArtifactsDir()
	if err != nil {
		return Outcome{}, err
	}
	startedAt := time.Now()
	dir, err := artifacts.Create(artifactsRoot, key, startedAt)
	if err != nil {
		return Outcome{}, err
	}

	run, err := o.store.StartRunWithID(runID, key, repoName, dir.Path(), LockStaleAfter)
	if err != nil {
		if errors.Is(err, statestore.ErrAlreadyRunning) {
			return Outcome{TicketKey: key, Kind: OutcomeBusy, Reason: err.Error()}, nil
		}
		return Outcome{}, fmt.Errorf("start run: %w", err)
	}
	log = log.With(zap.String("run_id", run.ID), zap.String("repo", repoName))
	log.Info("run started")
	o.label(ctx, key, o.cfg.Jira.LabelRunning, log)

	rec := o.openRecorder(key, run.ID)
	rc := &runContext{
		ctx:       ctx,
		key:       key,
		issue:     issue,
		repoName:  repoName,
		repo:      repo,
		run:       run,
		dir:       dir,
		rec:       rec,
		opts:      opts,
		log:       log,
		startedAt: startedAt,
	}
	rec.Record("run_initiated", map[string]any{
		"ticket": key,
		"repo":   repoName,
		"run_id": run.ID,
		"title":  issue.Summary(),
		"rerun":  opts.Rerun,
		"force":  opts.Force,
	})

	if err := dir.WriteTicket(issue.Fields); err != nil {
		log.Warn("write ticket artifact", zap.Error(err))
	}

	prURL, pipelineErr := o.execute(rc)
	return o.finish(rc, prURL, pipelineErr)
}

// finish records the terminal state exactly once, writes the summary
// artifact, closes the session and notifies.
func (o *Orchestrator) finish(rc *runContext, prURL string, pipelineErr error) (Outcome, error) {
	now := time.Now()
	if len(rc.commands) > 0 {
		if err := rc.dir.WriteCommands(rc.commands); err != nil {
			rc.log.Warn("write commands artifact", zap.Error(err))
		}
	}
	summary := artifacts.Summary{
		RunID:        rc.run.ID,
		TicketKey:    rc.key,
		Repo:         rc.repoName,
		Branch:       rc.branch,
		FilesChanged: rc.filesChanged,
		LinesChanged: rc.linesChanged,
		FixAttempts:  rc.fixAttempts,
		StartedAt:    rc.startedAt,
		FinishedAt:   now,
	}
	if rc.contract != nil {
		summary.Decision = string(rc.contract.Decision)
		summary.Risk = string(rc.contract.Risk)
		summary.BlockingReason = rc.contract.BlockingReason
	}

	if pipelineErr == nil {
		summary.Status = string(domain.RunPROpened)
		summary.PRURL = prURL

		if err := o.store.FinishRun(rc.run.ID, domain.RunPROpened, statestore.FinishFields{
			PRURL:         prURL,
			Branch:        rc.branch,
			AgentExitCode: rc.agentExit,
			Summary:       map[string]any{"pr_url": prURL, "files_changed": rc.filesChanged, "lines_changed": rc.linesChanged},
		}); err != nil {
			return Outcome{}, fmt.Errorf("finish run: %w", err)
		}
		if err := o.store.UpsertTicket(&domain.Ticket{
			Key:       rc.key,
			Status:    domain.TicketPROpened,
			Repo:      rc.repoName,
			Branch:    rc.branch,
			PRURL:     prURL,
			LastRunID: rc.run.ID,
		}, false); err != nil {
			return Outcome{}, err
		}
		if err := rc.dir.WriteSummary(summary); err != nil {
			rc.log.Warn("write summary artifact", zap.Error(err))
		}
		rc.rec.Record("run_succeeded", map[string]any{"pr_url": prURL})
		if err := rc.rec.Close(string(domain.RunPROpened)); err != nil {
			rc.log.Warn("close session", zap.Error(err))
		}
		o.notify(notify.ForOutcome(rc.key, domain.RunPROpened, prURL, ""))
		o.label(rc.ctx, rc.key, o.cfg.Jira.LabelDone, rc.log)
		rc.log.Info("run succeeded", zap.String("pr_url", prURL))
		return Outcome{
			TicketKey:    rc.key,
			RunID:        rc.run.ID,
			Kind:         OutcomePROpened,
			PRURL:        prURL,
			ArtifactsDir: rc.dir.Path(),
		}, nil
	}

	stop := classify(pipelineErr)
	summary.Status = string(stop.status)
	summary.Error = stop.reason

	rc.rec.Record("run_failed", map[string]any{
		"error":  stop.reason,
		"status": string(stop.status),
	})
	if err := o.store.FinishRun(rc.run.ID, stop.status, statestore.FinishFields{
		Branch:        rc.branch,
		AgentExitCode: rc.agentExit,
		Summary:       map[string]any{"error": stop.reason},
	}); err != nil {
		return Outcome{}, fmt.Errorf("finish run: %w", err)
	}
	ticketStatus := domain.TicketFailed
	if stop.status == domain.RunNeedsHuman {
		ticketStatus = domain.TicketNeedsHuman
	}
	if err := o.store.UpsertTicket(&domain.Ticket{
		Key:       rc.key,
		Status:    ticketStatus,
		Repo:      rc.repoName,
		LastRunID: rc.run.ID,
		LastError: stop.reason,
	}, false); err != nil {
		return Outcome{}, err
	}
	if err := rc.dir.WriteSummary(summary); err != nil {
		rc.log.Warn("write summary artifact", zap.Error(err))
	}
	if err := rc.rec.Close(string(stop.status)); err != nil {
		rc.log.Warn("close session", zap.Error(err))
	}
	o.notify(notify.ForOutcome(rc.key, stop.status, "", stop.reason))
	o.label(rc.ctx, rc.key, o.cfg.Jira.LabelFailed, rc.log)
	rc.log.Warn("run stopped", zap.String("status", string(stop.status)), zap.String("reason", stop.reason))

	kind := OutcomeFailed
	if stop.status == domain.RunNeedsHuman {
		kind = OutcomeNeedsHuman
	}
	return Outcome{
		TicketKey:    rc.key,
		RunID:        rc.run.ID,
		Kind:         kind,
		Reason:       stop.reason,
		Suggestion:   stop.suggestion,
		ArtifactsDir: rc.dir.Path(),
	}, nil
}

// label tags the ticket when a label is configured. Best effort: the
// run outcome never depends on Jira metadata writes.
func (o *Orchestrator) label(ctx context.Context, key, label string, log *zap.Logger) {
	if label == "" {
		return
	}
	if err := o.tickets.AddLabel(ctx, key, label); err != nil {
		log.Warn("label ticket", zap.String("label", label), zap.Error(err))
	}
}

func (o *Orchestrator) notify(n notify.Notification) {
	if err := o.notifier.Send(n); err != nil {
		o.log.Warn("notification failed", zap.Error(err))
	}
}

// recorder is the slice of session.Recorder the pipeline needs, so runs
// with capture disabled pay nothing.
type recorder interface {
	Record(event string, data map[string]any)
	Close(outcome string) error
}

type noopRecorder struct{}

func (noopRecorder) Record(string, map[string]any) {}
func (noopRecorder) Close(string) error            { return nil }

func (o *Orchestrator) openRecorder(key, runID string) recorder {
	if !o.cfg.SessionCapture.Enabled {
		return noopRecorder{}
	}
	root, err := o.cfg.ExpandedSessionDir()
	if err != nil {
		o.log.Warn("session dir unavailable", zap.Error(err))
		return noopRecorder{}
	}
	rec, err := session.NewRecorder(filepath.Join(root, key+"-"+runID), runID, key, o.cfg.Secrets())
	if err != nil {
		o.log.Warn("session capture unavailable", zap.Error(err))
		return noopRecorder{}
	}
	return rec
}
