package guardrail

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchesDenyGlob(t *testing.T) {
	deny := []string{".github/workflows/**", "migrations/**", "*.pem"}

	assert.True(t, MatchesDenyGlob(".github/workflows/ci.yml", deny))
	assert.True(t, MatchesDenyGlob("migrations/001.sql", deny))
	assert.True(t, MatchesDenyGlob("migrations/2024/001.sql", deny))
	assert.True(t, MatchesDenyGlob("certs/server.pem", deny))
	assert.False(t, MatchesDenyGlob("src/app.py", deny))
	assert.False(t, MatchesDenyGlob("workflows/ci.yml", deny))
}

func TestEvaluate_EmptyChangesetAllowed(t *testing.T) {
	verdict := Evaluate(Changeset{}, Policy{
		DenyGlobs:       []string{"**"},
		MaxFilesChanged: 1,
		MaxDiffLines:    1,
	})
	assert.True(t, verdict.Allowed)
	assert.Empty(t, verdict.Violations)
}

func TestEvaluate_SingleDeniedPathDeniesWhole(t *testing.T) {
	changeset := Changeset{Files: []FileChange{
		{Path: "src/handler.go", Added: 10},
		{Path: ".github/workflows/ci.yml", Added: 1},
		{Path: "src/handler_test.go", Added: 20},
	}}
	policy := Policy{DenyGlobs: []string{".github/workflows/**"}}

	verdict := Evaluate(changeset, policy)
	require.False(t, verdict.Allowed)
	require.Len(t, verdict.Violations, 1)
	assert.Equal(t, RuleDenyGlob, verdict.Violations[0].Rule)
	assert.Equal(t, []string{".github/workflows/ci.yml"}, verdict.Violations[0].Paths)
}

func TestEvaluate_ListsEveryBlockedPath(t *testing.T) {
	changeset := Changeset{Files: []FileChange{
		{Path: "migrations/001.sql"},
		{Path: "migrations/002.sql"},
		{Path: "src/ok.go"},
	}}
	verdict := Evaluate(changeset, Policy{DenyGlobs: []string{"migrations/**"}})
	require.False(t, verdict.Allowed)
	assert.Equal(t, []string{"migrations/001.sql", "migrations/002.sql"}, verdict.Violations[0].Paths)
}

func TestEvaluate_DenyGlobShortCircuitsSizeChecks(t *testing.T) {
	changeset := Changeset{Files: []FileChange{
		{Path: "migrations/001.sql", Added: 5000},
		{Path: "b.go", Added: 5000},
	}}
	verdict := Evaluate(changeset, Policy{
		DenyGlobs:    []string{"migrations/**"},
		MaxDiffLines: 10,
	})
	require.Len(t, verdict.Violations, 1)
	assert.Equal(t, RuleDenyGlob, verdict.Violations[0].Rule)
}

func TestEvaluate_SizeLimitsReportedIndependently(t *testing.T) {
	changeset := Changeset{Files: []FileChange{
		{Path: "a.go", Added: 30, Removed: 30},
		{Path: "b.go", Added: 30},
		{Path: "c.go", Removed: 30},
	}}
	verdict := Evaluate(changeset, Policy{MaxFilesChanged: 2, MaxDiffLines: 100})
	require.False(t, verdict.Allowed)
	require.Len(t, verdict.Violations, 2)
	assert.Equal(t, RuleMaxFiles, verdict.Violations[0].Rule)
	assert.Equal(t, 3, verdict.Violations[0].Actual)
	assert.Equal(t, RuleMaxLines, verdict.Violations[1].Rule)
	assert.Equal(t, 120, verdict.Violations[1].Actual)

	// Only one limit breached: only that one is reported.
	verdict = Evaluate(changeset, Policy{MaxFilesChanged: 10, MaxDiffLines: 100})
	require.Len(t, verdict.Violations, 1)
	assert.Equal(t, RuleMaxLines, verdict.Violations[0].Rule)
}

func TestEvaluate_CommandDenylist(t *testing.T) {
	changeset := Changeset{
		Files:    []FileChange{{Path: "a.go", Added: 1}},
		Commands: []string{"go test ./...", "git push --force origin main"},
	}
	verdict := Evaluate(changeset, Policy{CommandDenylist: []string{"push --force", "rm -rf"}})
	require.False(t, verdict.Allowed)
	require.Len(t, verdict.Violations, 1)
	assert.Equal(t, RuleCommandDenied, verdict.Violations[0].Rule)
	assert.Equal(t, []string{"push --force"}, verdict.Violations[0].Commands)
}

func TestVerdict_Reason(t *testing.T) {
	verdict := Evaluate(Changeset{Files: []FileChange{{Path: "secrets/key.pem", Added: 1}}},
		Policy{DenyGlobs: []string{"secrets/**"}})
	assert.Contains(t, verdict.Reason(), "deny glob violation: secrets/key.pem")
}
