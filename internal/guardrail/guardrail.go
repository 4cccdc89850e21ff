// Package guardrail evaluates a proposed changeset against policy. It is a
// pure evaluator: no side effects, no knowledge of git or the agent.
package guardrail

import (
	"fmt"
	"path"
	"strings"
)

// FileChange describes one changed file with its line deltas
type FileChange struct {
	Path    string
	Added   int
	Removed int
}

// Changeset is the full set of changes proposed by an agent run, plus the
// shell commands the run reports having executed (when available).
type Changeset struct {
	Files    []FileChange
	Commands []string
}

// Lines returns the total changed line count across the changeset
func (c Changeset) Lines() int {
	total := 0
	for _, f := range c.Files {
		total += f.Added + f.Removed
	}
	return total
}

// Policy bounds what a changeset may contain
type Policy struct {
	DenyGlobs       []string
	CommandDenylist []string
	MaxFilesChanged int
	MaxDiffLines    int
}

// Rule identifies which policy rule a verdict violated
type Rule string

const (
	RuleDenyGlob      Rule = "deny_glob"
	RuleCommandDenied Rule = "command_denylist"
	RuleMaxFiles      Rule = "max_files_changed"
	RuleMaxLines      Rule = "max_diff_lines"
)

// Violation is one breached rule with the offending paths or counts
type Violation struct {
	Rule     Rule
	Paths    []string
	Commands []string
	Actual   int
	Limit    int
}

// String renders the violation for operator-facing messages
func (v Violation) String() string {
	switch v.Rule {
	case RuleDenyGlob:
		return fmt.Sprintf("deny glob violation: %s", strings.Join(v.Paths, ", "))
	case RuleCommandDenied:
		return fmt.Sprintf("command denylist violation: %s", strings.Join(v.Commands, ", "))
	case RuleMaxFiles:
		return fmt.Sprintf("too many files changed: %d > %d", v.Actual, v.Limit)
	case RuleMaxLines:
		return fmt.Sprintf("diff too large: %d lines > %d", v.Actual, v.Limit)
	}
	return string(v.Rule)
}

// Verdict is the outcome of one evaluation. A single violation denies the
// whole changeset; there is no partial allowance.
type Verdict struct {
	Allowed      bool
	Violations   []Violation
	FilesChanged int
	LinesChanged int
}

// Reason joins all violations into one human-readable cause
func (v Verdict) Reason() string {
	parts := make([]string, len(v.Violations))
	for i, violation := range v.Violations {
		parts[i] = violation.String()
	}
	return strings.Join(parts, "; ")
}

// Evaluate checks a changeset against policy. Deny-globs are checked first
// and short-circuit the size checks; every matching path is listed, not just
// the first. File and line limits are evaluated independently so both are
// reported when both breach. An empty changeset is always allowed.
func Evaluate(changeset Changeset, policy Policy) Verdict {
	verdict := Verdict{
		Allowed:      true,
		FilesChanged: len(changeset.Files),
		LinesChanged: changeset.Lines(),
	}

	var blocked []string
	for _, f := range changeset.Files {
		if MatchesDenyGlob(f.Path, policy.DenyGlobs) {
			blocked = append(blocked, f.Path)
		}
	}
	if len(blocked) > 0 {
		verdict.Allowed = false
		verdict.Violations = append(verdict.Violations, Violation{Rule: RuleDenyGlob, Paths: blocked})
		return verdict
	}

	if denied := deniedCommands(changeset.Commands, policy.CommandDenylist); len(denied) > 0 {
		verdict.Allowed = false
		verdict.Violations = append(verdict.Violations, Violation{Rule: RuleCommandDenied, Commands: denied})
		return verdict
	}

	if policy.MaxFilesChanged > 0 && verdict.FilesChanged > policy.MaxFilesChanged {
		verdict.Allowed = false
		verdict.Violations = append(verdict.Violations, Violation{
			Rule: RuleMaxFiles, Actual: verdict.FilesChanged, Limit: policy.MaxFilesChanged,
		})
	}
	if policy.MaxDiffLines > 0 && verdict.LinesChanged > policy.MaxDiffLines {
		verdict.Allowed = false
		verdict.Violations = append(verdict.Violations, Violation{
			Rule: RuleMaxLines, Actual: verdict.LinesChanged, Limit: policy.MaxDiffLines,
		})
	}

	return verdict
}

// MatchesDenyGlob reports whether a path matches any deny pattern. Patterns
// use path.Match syntax per segment; a trailing "/**" matches the directory
// and everything under it, and a bare pattern also matches against the
// path's basename so "*.pem" blocks a key anywhere in the tree.
func MatchesDenyGlob(p string, denyGlobs []string) bool {
	p = path.Clean(strings.TrimPrefix(p, "./"))
	for _, pattern := range denyGlobs {
		if matchGlob(pattern, p) {
			return true
		}
	}
	return false
}

func matchGlob(pattern, p string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
		if p == prefix || strings.HasPrefix(p, prefix+"/") {
			return true
		}
		// "a/**" must also match when the prefix itself contains globs,
		// e.g. ".github/work*/**" against ".github/workflows/ci.yml".
		segments := strings.Split(p, "/")
		for i := 1; i <= len(segments); i++ {
			if ok, _ := path.Match(prefix, strings.Join(segments[:i], "/")); ok {
				return true
			}
		}
		return false
	}

	if ok, _ := path.Match(pattern, p); ok {
		return true
	}
	if !strings.Contains(pattern, "/") {
		if ok, _ := path.Match(pattern, path.Base(p)); ok {
			return true
		}
	}
	return false
}

// deniedCommands returns the denylist entries found as substrings of any
// reported command.
func deniedCommands(commands, denylist []string) []string {
	if len(denylist) == 0 || len(commands) == 0 {
		return nil
	}
	joined := strings.Join(commands, " ; ")
	var hits []string
	for _, denied := range denylist {
		if denied != "" && strings.Contains(joined, denied) {
			hits = append(hits, denied)
		}
	}
	return hits
}
