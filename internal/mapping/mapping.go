// Package mapping resolves which repository a ticket belongs to. Explicit
// mapping rules win, keyword inference is an optional fallback, and the
// allowlist is the final boundary either way.
package mapping

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hochfrequenz/j2pr/internal/config"
)

// Fields is the raw Jira field map of a ticket
type Fields map[string]any

// StringValue flattens a Jira field to text. Jira represents many fields
// as objects with a name or value key.
func StringValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		for _, key := range []string{"name", "value", "displayName"} {
			if s, ok := t[key].(string); ok {
				return s
			}
		}
		return ""
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

// MapRepo applies the configured field:value rules against ticket fields.
// Rules accept ":" or "=" as separator; list-valued fields match on
// membership, scalar fields on equality, and a bare field name matches on
// presence. Rules are evaluated in sorted key order so resolution is
// deterministic. Returns "" when no rule matches.
func MapRepo(fields Fields, rules map[string]string) string {
	keys := make([]string, 0, len(rules))
	for k := range rules {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		repo := rules[key]
		sep := ""
		switch {
		case strings.Contains(key, ":"):
			sep = ":"
		case strings.Contains(key, "="):
			sep = "="
		}
		if sep == "" {
			if _, ok := fields[key]; ok {
				return repo
			}
			continue
		}
		field, expected, _ := strings.Cut(key, sep)
		value, ok := fields[field]
		if !ok {
			continue
		}
		if list, isList := value.([]any); isList {
			for _, item := range list {
				if StringValue(item) == expected {
					return repo
				}
			}
			continue
		}
		if StringValue(value) == expected {
			return repo
		}
	}
	return ""
}

// Inferrer is the optional keyword-scoring fallback
type Inferrer interface {
	Infer(fields Fields, rootDir string, allowlist []string) (string, error)
}

// Resolver combines mapping rules, optional inference and the allowlist
type Resolver struct {
	workspace config.WorkspaceConfig
	inferrer  Inferrer
}

// NewResolver builds a Resolver. inferrer may be nil when inference is
// disabled.
func NewResolver(ws config.WorkspaceConfig, inferrer Inferrer) *Resolver {
	return &Resolver{workspace: ws, inferrer: inferrer}
}

// Resolve maps ticket fields onto exactly one allowed repository. When no
// rule or inference names a repo and exactly one repository is allowed,
// that repository is assumed. The returned reason explains a "" result in
// terms a human can act on.
func (r *Resolver) Resolve(fields Fields) (repo string, reason string) {
	repo = MapRepo(fields, r.workspace.RepoMapping)

	if repo == "" && r.workspace.RepoInference.Enabled && r.inferrer != nil {
		inferred, err := r.inferrer.Infer(fields, r.workspace.RootDir, r.workspace.RepoAllowlist)
		if err == nil {
			repo = inferred
		}
	}

	if repo == "" && r.workspace.SingleRepoOnly && len(r.workspace.RepoAllowlist) == 1 {
		repo = r.workspace.RepoAllowlist[0]
	}

	if repo == "" {
		return "", "no mapping rule matched and repo could not be inferred"
	}
	if len(r.workspace.RepoAllowlist) > 0 && !contains(r.workspace.RepoAllowlist, repo) {
		return "", fmt.Sprintf("repo %q is not in the allowlist", repo)
	}
	return repo, ""
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
