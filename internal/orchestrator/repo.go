package orchestrator

import (
	"context"
	"time"

	"github.com/hochfrequenz/j2pr/internal/gitrepo"
)

// RepoHandle is the repository boundary the pipeline drives. Implemented
// by local git working copies in production and by fakes in tests.
type RepoHandle interface {
	Name() string
	Path() string
	Exists() bool
	EnsureClean() (bool, string, error)
	DetectDefaultBranch(ctx context.Context) (string, error)
	FetchCheckoutBase(ctx context.Context, base string) error
	CreateBranch(ctx context.Context, branch string) error
	DiffNumstat(ctx context.Context) ([]gitrepo.NumstatEntry, error)
	DiffPatch(ctx context.Context) (string, error)
	Status() (string, error)
	CommitAll(ctx context.Context, message string) error
	Push(ctx context.Context, branch string) error
	RemoteBranchExists(ctx context.Context, branch string) (bool, error)
	DetectTestCommand() string
	// RunShell executes a configured shell command (tests, formatter)
	// inside the repository.
	RunShell(ctx context.Context, command string, timeout time.Duration) (gitrepo.CommandResult, error)
	// AsRepo exposes the location for adapters that shell out in-repo
	AsRepo() gitrepo.Repo
}

// RepoOpener locates repositories under the workspace root
type RepoOpener interface {
	Open(root, name string) RepoHandle
}

// LocalRepoOpener opens real working copies on disk
type LocalRepoOpener struct{}

// Open implements RepoOpener
func (LocalRepoOpener) Open(root, name string) RepoHandle {
	return &localRepo{repo: gitrepo.At(root, name)}
}

type localRepo struct {
	repo gitrepo.Repo
}

func (l *localRepo) Name() string { return l.repo.Name }
func (l *localRepo) Path() string { return l.repo.Path }
func (l *localRepo) Exists() bool { return l.repo.Exists() }

func (l *localRepo) EnsureClean() (bool, string, error) { return l.repo.EnsureClean() }
func (l *localRepo) Status() (string, error)            { return l.repo.Status() }

func (l *localRepo) DetectDefaultBranch(ctx context.Context) (string, error) {
	return l.repo.DetectDefaultBranch(ctx)
}

func (l *localRepo) FetchCheckoutBase(ctx context.Context, base string) error {
	return l.repo.FetchCheckoutBase(ctx, base)
}

func (l *localRepo) CreateBranch(ctx context.Context, branch string) error {
	return l.repo.CreateBranch(ctx, branch)
}

func (l *localRepo) DiffNumstat(ctx context.Context) ([]gitrepo.NumstatEntry, error) {
	return l.repo.DiffNumstat(ctx)
}

func (l *localRepo) DiffPatch(ctx context.Context) (string, error) {
	return l.repo.DiffPatch(ctx)
}

func (l *localRepo) CommitAll(ctx context.Context, message string) error {
	return l.repo.CommitAll(ctx, message)
}

func (l *localRepo) Push(ctx context.Context, branch string) error {
	return l.repo.Push(ctx, branch)
}

func (l *localRepo) RemoteBranchExists(ctx context.Context, branch string) (bool, error) {
	return l.repo.RemoteBranchExists(ctx, branch)
}

func (l *localRepo) DetectTestCommand() string {
	return gitrepo.DetectTestCommand(l.repo.Path)
}

func (l *localRepo) RunShell(ctx context.Context, command string, timeout time.Duration) (gitrepo.CommandResult, error) {
	return gitrepo.RunCommand(ctx, l.repo.Path, []string{"sh", "-c", command}, timeout)
}

func (l *localRepo) AsRepo() gitrepo.Repo { return l.repo }
