package domain

import "time"

// Run represents a single execution attempt for a ticket. Terminal fields
// are written exactly once when the run finishes.
type Run struct {
	ID            string
	TicketKey     string
	Status        RunStatus
	Repo          string
	Branch        string
	PRURL         string
	ArtifactsDir  string
	AgentExitCode *int
	StartedAt     time.Time
	FinishedAt    *time.Time
	Summary       map[string]any
}

// Finished reports whether terminal fields have been written
func (r *Run) Finished() bool {
	return r.FinishedAt != nil
}

// RepoLock is the mutual-exclusion row for a repository. At most one live
// holder exists per repo; a holder whose run finished or whose acquisition
// is older than the staleness threshold is reclaimable.
type RepoLock struct {
	Repo     string
	RunID    string
	LockedAt time.Time
}

// Stale reports whether the lock is older than the given threshold
func (l *RepoLock) Stale(threshold time.Duration, now time.Time) bool {
	if threshold <= 0 {
		return false
	}
	return now.Sub(l.LockedAt) > threshold
}
