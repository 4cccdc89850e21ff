package mapping

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/j2pr/internal/config"
)

func TestMapRepoListMembership(t *testing.T) {
	fields := Fields{"labels": []any{"api", "urgent"}}
	rules := map[string]string{"labels:api": "backend"}
	assert.Equal(t, "backend", MapRepo(fields, rules))
}

func TestMapRepoScalarEquality(t *testing.T) {
	fields := Fields{"components": "billing"}
	rules := map[string]string{"components=billing": "billing-svc"}
	assert.Equal(t, "billing-svc", MapRepo(fields, rules))

	fields["components"] = "payments"
	assert.Equal(t, "", MapRepo(fields, rules))
}

func TestMapRepoObjectValuedField(t *testing.T) {
	fields := Fields{"components": []any{map[string]any{"name": "billing"}}}
	rules := map[string]string{"components:billing": "billing-svc"}
	assert.Equal(t, "billing-svc", MapRepo(fields, rules))
}

func TestMapRepoBareKeyMatchesPresence(t *testing.T) {
	fields := Fields{"customfield_10042": "anything"}
	rules := map[string]string{"customfield_10042": "special-repo"}
	assert.Equal(t, "special-repo", MapRepo(fields, rules))
}

func TestMapRepoDeterministicOrder(t *testing.T) {
	fields := Fields{"labels": []any{"api", "web"}}
	rules := map[string]string{
		"labels:web": "frontend",
		"labels:api": "backend",
	}
	for i := 0; i < 20; i++ {
		assert.Equal(t, "backend", MapRepo(fields, rules))
	}
}

func TestResolveSingleRepoFallback(t *testing.T) {
	r := NewResolver(config.WorkspaceConfig{
		RepoAllowlist:  []string{"monorepo"},
		SingleRepoOnly: true,
	}, nil)

	repo, reason := r.Resolve(Fields{"summary": "anything"})
	assert.Equal(t, "monorepo", repo)
	assert.Empty(t, reason)
}

func TestResolveNoMatchGivesReason(t *testing.T) {
	r := NewResolver(config.WorkspaceConfig{
		RepoAllowlist:  []string{"a", "b"},
		SingleRepoOnly: true,
	}, nil)

	repo, reason := r.Resolve(Fields{"summary": "anything"})
	assert.Empty(t, repo)
	assert.Contains(t, reason, "no mapping rule matched")
}

func TestResolveMappedRepoMustBeAllowlisted(t *testing.T) {
	r := NewResolver(config.WorkspaceConfig{
		RepoAllowlist: []string{"backend"},
		RepoMapping:   map[string]string{"labels:web": "frontend"},
	}, nil)

	repo, reason := r.Resolve(Fields{"labels": []any{"web"}})
	assert.Empty(t, repo)
	assert.Contains(t, reason, "not in the allowlist")
}

func writeRepoFiles(t *testing.T, root, repo string, paths ...string) {
	t.Helper()
	for _, p := range paths {
		full := filepath.Join(root, repo, p)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte("x"), 0o644))
	}
}

func inferenceConfig() config.RepoInferenceConfig {
	return config.RepoInferenceConfig{
		Enabled:         true,
		MinScore:        2,
		MaxFilesPerRepo: 400,
		MaxTotalFiles:   8000,
		MaxBytesPerFile: 200_000,
		MaxTokens:       80,
		MaxSeconds:      60,
	}
}

func TestInferPicksRepoWithMatchingPaths(t *testing.T) {
	root := t.TempDir()
	writeRepoFiles(t, root, "checkout", "src/checkout/cart.js", "src/checkout/invoice.js")
	writeRepoFiles(t, root, "auth", "src/login/session.js")

	ki := NewKeywordInferrer(inferenceConfig())
	fields := Fields{"summary": "Checkout invoice totals wrong", "description": "cart shows stale invoice"}

	repo, err := ki.Infer(fields, root, []string{"checkout", "auth"})
	require.NoError(t, err)
	assert.Equal(t, "checkout", repo)
}

func TestInferAmbiguousBelowMinScore(t *testing.T) {
	root := t.TempDir()
	writeRepoFiles(t, root, "a", "src/main.js")
	writeRepoFiles(t, root, "b", "src/main.js")

	ki := NewKeywordInferrer(inferenceConfig())
	fields := Fields{"summary": "Something entirely unrelated"}

	_, err := ki.Infer(fields, root, []string{"a", "b"})
	assert.ErrorIs(t, err, ErrAmbiguous)
}
