package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderWritesEventsAndManifest(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run-1")
	rec, err := NewRecorder(dir, "run-1", "PROJ-7", nil)
	require.NoError(t, err)

	rec.Record("run_started", map[string]any{"repo": "backend"})
	rec.Record("agent_invoked", nil)
	rec.Record("agent_invoked", map[string]any{"attempt": 2})
	require.NoError(t, rec.Close("PR_OPENED"))

	events, err := ReadEvents(dir)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "run_started", events[0].Event)
	assert.Equal(t, "backend", events[0].Data["repo"])
	assert.GreaterOrEqual(t, events[2].ElapsedS, events[0].ElapsedS)

	m, err := ReadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, "PROJ-7", m.TicketKey)
	assert.Equal(t, "PR_OPENED", m.Outcome)
	assert.Equal(t, 3, m.EventCount)
	assert.Equal(t, 2, m.EventCounts["agent_invoked"])
	assert.Equal(t, []string{"run_started", "agent_invoked", "agent_invoked"}, m.EventNames)
}

func TestManifestCollectsErrors(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run-5")
	rec, err := NewRecorder(dir, "run-5", "PROJ-2", nil)
	require.NoError(t, err)

	rec.Record("run_initiated", nil)
	rec.Record("agent_finished", map[string]any{"exit_code": 1})
	rec.Record("run_failed", map[string]any{"error": "agent timed out after 45m0s", "status": "FAILED"})
	require.NoError(t, rec.Close("FAILED"))

	m, err := ReadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"run_initiated", "agent_finished", "run_failed"}, m.EventNames)
	assert.Equal(t, 1, m.ErrorCount)
	require.Len(t, m.Errors, 1)
	assert.Contains(t, m.Errors[0], "agent timed out")
}

func TestRecorderRedactsSecrets(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run-2")
	rec, err := NewRecorder(dir, "run-2", "PROJ-8", []string{"hunter2", ""})
	require.NoError(t, err)

	rec.Record("command_run", map[string]any{
		"cmd":  "curl -u bot:hunter2 https://example.invalid",
		"args": []string{"--token", "hunter2"},
		"env":  map[string]any{"JIRA_TOKEN": "hunter2"},
	})
	require.NoError(t, rec.Close("DONE"))

	raw, err := os.ReadFile(filepath.Join(dir, EventsFile))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hunter2")
	assert.Contains(t, string(raw), "[REDACTED]")
}

func TestRecorderCloseIdempotent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run-3")
	rec, err := NewRecorder(dir, "run-3", "PROJ-9", nil)
	require.NoError(t, err)

	require.NoError(t, rec.Close("FAILED"))
	require.NoError(t, rec.Close("DONE"))
	rec.Record("after_close", nil)

	m, err := ReadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, "FAILED", m.Outcome)
	assert.Equal(t, 0, m.EventCount)
}

func TestReadEventsSkipsTruncatedLine(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run-4")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	content := `{"ts":"2026-08-29T10:00:00Z","elapsed_s":0,"event":"run_started"}
{"ts":"2026-08-29T10:00:01Z","elapsed_s":1,"event":"agent_inv`
	require.NoError(t, os.WriteFile(filepath.Join(dir, EventsFile), []byte(content), 0o644))

	events, err := ReadEvents(dir)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "run_started", events[0].Event)
}

func TestListNewestFirst(t *testing.T) {
	root := t.TempDir()
	for _, id := range []string{"2026-08-28T10-00-00-aaa", "2026-08-29T10-00-00-bbb"} {
		rec, err := NewRecorder(filepath.Join(root, id), id, "PROJ-1", nil)
		require.NoError(t, err)
		rec.Record("run_started", nil)
		require.NoError(t, rec.Close("DONE"))
	}

	infos, err := List(root)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "2026-08-29T10-00-00-bbb", filepath.Base(infos[0].Dir))
	require.NotNil(t, infos[0].Manifest)
}

func TestPruneRemovesWholeDirectories(t *testing.T) {
	root := t.TempDir()

	old := filepath.Join(root, "old-run")
	rec, err := NewRecorder(old, "old-run", "PROJ-1", nil)
	require.NoError(t, err)
	require.NoError(t, rec.Close("DONE"))

	fresh := filepath.Join(root, "fresh-run")
	rec, err = NewRecorder(fresh, "fresh-run", "PROJ-2", nil)
	require.NoError(t, err)
	require.NoError(t, rec.Close("DONE"))

	removed, err := Prune(root, time.Hour, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	removed, err = Prune(root, time.Hour, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}
