// Package artifacts lays out the per-run evidence directory: the ticket as
// fetched, git state before and after the agent, the diff, the agent
// transcript, and the run summary.
package artifacts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Well-known file names inside a run directory
const (
	TicketFile        = "ticket.json"
	GitStatusPreFile  = "git_status_pre.txt"
	GitStatusPostFile = "git_status_post.txt"
	DiffFile          = "diff.patch"
	TranscriptFile    = "agent_transcript.txt"
	CommandsFile      = "commands.json"
	SummaryFile       = "summary.json"
)

// Dir is the artifact directory of a single run
type Dir struct {
	path string
}

// RunDirName builds the directory name for a run: a sortable timestamp
// plus the ticket key, matching how runs are browsed after the fact.
func RunDirName(ticketKey string, start time.Time) string {
	return start.UTC().Format("2006-01-02T15-04-05Z") + "-" + ticketKey
}

// Create makes the artifact directory for a run under root
func Create(root, ticketKey string, start time.Time) (*Dir, error) {
	path := filepath.Join(root, RunDirName(ticketKey, start))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &Dir{path: path}, nil
}

// Open wraps an existing artifact directory
func Open(path string) *Dir { return &Dir{path: path} }

// Path returns the directory location
func (d *Dir) Path() string { return d.path }

// File returns the full path of a named artifact
func (d *Dir) File(name string) string { return filepath.Join(d.path, name) }

// WriteTicket stores the ticket exactly as fetched
func (d *Dir) WriteTicket(ticket any) error {
	return d.writeJSON(TicketFile, ticket)
}

// WriteGitStatus stores a git status snapshot. pre selects the snapshot
// taken before the agent ran.
func (d *Dir) WriteGitStatus(pre bool, status string) error {
	name := GitStatusPostFile
	if pre {
		name = GitStatusPreFile
	}
	return d.writeText(name, status)
}

// WriteDiff stores the full diff the agent produced
func (d *Dir) WriteDiff(diff string) error {
	return d.writeText(DiffFile, diff)
}

// WriteTranscript stores the agent's combined output. Written even on
// failed runs: the transcript is most valuable exactly then.
func (d *Dir) WriteTranscript(output string) error {
	return d.writeText(TranscriptFile, output)
}

// CommandResult records one command the run executed on the agent's behalf
type CommandResult struct {
	Argv      []string  `json:"argv"`
	Dir       string    `json:"dir,omitempty"`
	ExitCode  int       `json:"exit_code"`
	Duration  float64   `json:"duration_s"`
	StartedAt time.Time `json:"started_at"`
}

// WriteCommands stores the commands executed during the run
func (d *Dir) WriteCommands(cmds []CommandResult) error {
	return d.writeJSON(CommandsFile, cmds)
}

// Summary is the run's final machine-readable record
type Summary struct {
	RunID          string    `json:"run_id"`
	TicketKey      string    `json:"ticket_key"`
	Status         string    `json:"status"`
	Repo           string    `json:"repo"`
	Branch         string    `json:"branch,omitempty"`
	PRURL          string    `json:"pr_url,omitempty"`
	Decision       string    `json:"decision,omitempty"`
	Risk           string    `json:"risk,omitempty"`
	BlockingReason string    `json:"blocking_reason,omitempty"`
	Error          string    `json:"error,omitempty"`
	FilesChanged   int       `json:"files_changed"`
	LinesChanged   int       `json:"lines_changed"`
	FixAttempts    int       `json:"fix_attempts"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

// WriteSummary stores the final run summary
func (d *Dir) WriteSummary(s Summary) error {
	return d.writeJSON(SummaryFile, s)
}

// ReadSummary loads a summary from an artifact directory
func ReadSummary(path string) (*Summary, error) {
	data, err := os.ReadFile(filepath.Join(path, SummaryFile))
	if err != nil {
		return nil, err
	}
	var s Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse summary: %w", err)
	}
	return &s, nil
}

func (d *Dir) writeText(name, content string) error {
	return os.WriteFile(d.File(name), []byte(content), 0o644)
}

func (d *Dir) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	return os.WriteFile(d.File(name), append(data, '\n'), 0o644)
}
