// Package gitrepo prepares local working copies for agent runs and reads
// back what the agent changed.
package gitrepo

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-git/go-git/v5"
)

// Repo is one local working copy under the workspace root
type Repo struct {
	Name string
	Path string
}

// At locates a repository under root by name
func At(root, name string) Repo {
	return Repo{Name: name, Path: filepath.Join(root, name)}
}

// Exists reports whether the path holds a git repository
func (r Repo) Exists() bool {
	_, err := git.PlainOpen(r.Path)
	return err == nil
}

// Status returns the porcelain status of the worktree
func (r Repo) Status() (string, error) {
	repo, err := git.PlainOpen(r.Path)
	if err != nil {
		return "", fmt.Errorf("open repo %s: %w", r.Path, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("worktree %s: %w", r.Path, err)
	}
	status, err := wt.Status()
	if err != nil {
		return "", fmt.Errorf("status %s: %w", r.Path, err)
	}
	return strings.TrimRight(status.String(), "\n"), nil
}

// EnsureClean verifies the worktree carries no uncommitted changes. The
// status text is returned either way for the run artifacts.
func (r Repo) EnsureClean() (bool, string, error) {
	status, err := r.Status()
	if err != nil {
		return false, "", err
	}
	return status == "", status, nil
}

// DetectDefaultBranch asks the remote which branch HEAD points to
func (r Repo) DetectDefaultBranch(ctx context.Context) (string, error) {
	res, err := r.git(ctx, "symbolic-ref", "refs/remotes/origin/HEAD")
	if err == nil && res.ExitCode == 0 {
		ref := strings.TrimSpace(res.Stdout)
		if ref != "" {
			parts := strings.Split(ref, "/")
			return parts[len(parts)-1], nil
		}
	}
	// symbolic-ref can be unset locally; ask the remote directly
	res, err = r.git(ctx, "remote", "show", "origin")
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		if strings.Contains(line, "HEAD branch") {
			return strings.TrimSpace(line[strings.LastIndex(line, ":")+1:]), nil
		}
	}
	return "", fmt.Errorf("could not detect default branch for %s", r.Name)
}

// FetchCheckoutBase fetches all remotes and resets the worktree to a
// pristine copy of the base branch. Leftover changes and untracked files
// from a previous run are discarded.
func (r Repo) FetchCheckoutBase(ctx context.Context, base string) error {
	steps := [][]string{
		{"fetch", "--all"},
		{"checkout", "--force", base},
		{"reset", "--hard", "origin/" + base},
		{"clean", "-fd"},
	}
	for _, args := range steps {
		res, err := r.git(ctx, args...)
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("git %s in %s: %s", strings.Join(args, " "), r.Name, strings.TrimSpace(res.Stderr))
		}
	}
	return nil
}

// CreateBranch creates or resets the work branch at the current HEAD
func (r Repo) CreateBranch(ctx context.Context, branch string) error {
	res, err := r.git(ctx, "checkout", "-B", branch)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("create branch %s in %s: %s", branch, r.Name, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// NumstatEntry is one changed file with its line counts
type NumstatEntry struct {
	Added   int
	Removed int
	Path    string
}

// DiffNumstat returns per-file added and removed line counts of the
// uncommitted diff. Binary files report zero lines.
func (r Repo) DiffNumstat(ctx context.Context) ([]NumstatEntry, error) {
	res, err := r.git(ctx, "diff", "--numstat")
	if err != nil {
		return nil, err
	}
	var entries []NumstatEntry
	for _, line := range strings.Split(res.Stdout, "\n") {
		parts := strings.Split(line, "\t")
		if len(parts) < 3 {
			continue
		}
		added, _ := strconv.Atoi(parts[0])
		removed, _ := strconv.Atoi(parts[1])
		entries = append(entries, NumstatEntry{Added: added, Removed: removed, Path: parts[2]})
	}
	return entries, nil
}

// DiffPatch returns the full uncommitted diff
func (r Repo) DiffPatch(ctx context.Context) (string, error) {
	res, err := r.git(ctx, "diff")
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// CommitAll stages everything and commits with the given message
func (r Repo) CommitAll(ctx context.Context, message string) error {
	res, err := r.git(ctx, "add", "-A")
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("git add in %s: %s", r.Name, strings.TrimSpace(res.Stderr))
	}
	res, err = r.git(ctx, "commit", "-m", message)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("git commit in %s: %s", r.Name, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// Push publishes the branch to origin
func (r Repo) Push(ctx context.Context, branch string) error {
	res, err := r.git(ctx, "push", "--set-upstream", "origin", branch)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("git push %s in %s: %s", branch, r.Name, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// RemoteBranchExists checks whether origin already has the branch
func (r Repo) RemoteBranchExists(ctx context.Context, branch string) (bool, error) {
	res, err := r.git(ctx, "ls-remote", "--heads", "origin", branch)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(res.Stdout) != "", nil
}

func (r Repo) git(ctx context.Context, args ...string) (CommandResult, error) {
	return RunCommand(ctx, r.Path, append([]string{"git"}, args...), 0)
}
