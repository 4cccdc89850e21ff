package statestore

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/j2pr/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_UpsertAndGetTicket(t *testing.T) {
	store := newTestStore(t)

	err := store.UpsertTicket(&domain.Ticket{
		Key:    "ABC-1",
		Status: domain.TicketRunning,
		Repo:   "repo-payments",
	}, false)
	require.NoError(t, err)

	got, err := store.GetTicket("ABC-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.TicketRunning, got.Status)
	assert.Equal(t, "repo-payments", got.Repo)
	assert.False(t, got.UpdatedAt.IsZero())

	missing, err := store.GetTicket("NOPE-1")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStore_UpsertNeverClobbersOutcome(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.UpsertTicket(&domain.Ticket{
		Key:    "ABC-2",
		Status: domain.TicketPROpened,
		PRURL:  "https://example.com/pr/1",
		Branch: "j2pr/ABC-2-fix",
	}, false))

	// A later merge without a PR URL must not erase the recorded one.
	require.NoError(t, store.UpsertTicket(&domain.Ticket{
		Key:    "ABC-2",
		Status: domain.TicketFailed,
		LastError: "late failure",
	}, false))

	got, err := store.GetTicket("ABC-2")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/pr/1", got.PRURL)
	assert.Equal(t, "j2pr/ABC-2-fix", got.Branch)

	// DONE sticks unless forced.
	require.NoError(t, store.UpsertTicket(&domain.Ticket{Key: "ABC-2", Status: domain.TicketDone, PRURL: "https://example.com/pr/1"}, false))
	require.NoError(t, store.UpsertTicket(&domain.Ticket{Key: "ABC-2", Status: domain.TicketRunning}, false))
	got, err = store.GetTicket("ABC-2")
	require.NoError(t, err)
	assert.Equal(t, domain.TicketDone, got.Status)

	require.NoError(t, store.UpsertTicket(&domain.Ticket{Key: "ABC-2", Status: domain.TicketRunning}, true))
	got, err = store.GetTicket("ABC-2")
	require.NoError(t, err)
	assert.Equal(t, domain.TicketRunning, got.Status)
}

func TestStore_FindIdempotentResult(t *testing.T) {
	store := newTestStore(t)

	outcome, err := store.FindIdempotentResult("ABC-3")
	require.NoError(t, err)
	assert.Nil(t, outcome)

	require.NoError(t, store.UpsertTicket(&domain.Ticket{
		Key:    "ABC-3",
		Status: domain.TicketPROpened,
		PRURL:  "https://example.com/pr/7",
		Branch: "j2pr/ABC-3-thing",
	}, false))

	outcome, err = store.FindIdempotentResult("ABC-3")
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, "https://example.com/pr/7", outcome.PRURL)
	assert.Equal(t, domain.TicketPROpened, outcome.Status)

	// A NEEDS_HUMAN ticket has no reusable outcome.
	require.NoError(t, store.UpsertTicket(&domain.Ticket{Key: "ABC-4", Status: domain.TicketNeedsHuman}, false))
	outcome, err = store.FindIdempotentResult("ABC-4")
	require.NoError(t, err)
	assert.Nil(t, outcome)
}

func TestStore_StartRunRejectsLiveRun(t *testing.T) {
	store := newTestStore(t)
	staleAfter := time.Hour

	run, err := store.StartRun("ABC-5", "repo-a", "/tmp/artifacts", staleAfter)
	require.NoError(t, err)
	require.NotEmpty(t, run.ID)
	assert.Equal(t, domain.RunRunning, run.Status)

	ticket, err := store.GetTicket("ABC-5")
	require.NoError(t, err)
	assert.Equal(t, domain.TicketRunning, ticket.Status)
	assert.Equal(t, run.ID, ticket.LastRunID)

	acquired, err := store.AcquireRepoLock("repo-a", run.ID, staleAfter)
	require.NoError(t, err)
	require.True(t, acquired)

	// Run unfinished and lock fresh: second start must fail.
	_, err = store.StartRun("ABC-5", "repo-a", "/tmp/artifacts", staleAfter)
	require.ErrorIs(t, err, ErrAlreadyRunning)

	// Once the run finishes the ticket can be run again.
	require.NoError(t, store.FinishRun(run.ID, domain.RunFailed, FinishFields{}))
	require.NoError(t, store.ReleaseRepoLock("repo-a", run.ID))
	_, err = store.StartRun("ABC-5", "repo-a", "/tmp/artifacts", staleAfter)
	require.NoError(t, err)
}

func TestStore_FinishRunExactlyOnce(t *testing.T) {
	store := newTestStore(t)

	run, err := store.StartRun("ABC-6", "repo-a", "/tmp/artifacts", time.Hour)
	require.NoError(t, err)

	exit := 0
	err = store.FinishRun(run.ID, domain.RunPROpened, FinishFields{
		PRURL:         "https://example.com/pr/9",
		Branch:        "j2pr/ABC-6-x",
		AgentExitCode: &exit,
		Summary:       map[string]any{"decision": "proceed"},
	})
	require.NoError(t, err)

	got, err := store.GetRun(run.ID)
	require.NoError(t, err)
	require.NotNil(t, got.FinishedAt)
	assert.Equal(t, domain.RunPROpened, got.Status)
	assert.Equal(t, "https://example.com/pr/9", got.PRURL)
	require.NotNil(t, got.AgentExitCode)
	assert.Equal(t, 0, *got.AgentExitCode)
	assert.Equal(t, "proceed", got.Summary["decision"])

	err = store.FinishRun(run.ID, domain.RunFailed, FinishFields{})
	require.ErrorIs(t, err, ErrAlreadyFinished)
}

func TestStore_RepoLockMutualExclusion(t *testing.T) {
	store := newTestStore(t)
	staleAfter := time.Hour

	runA, err := store.StartRun("ABC-7", "repo-a", "", staleAfter)
	require.NoError(t, err)
	runB, err := store.StartRun("ABC-8", "repo-a", "", staleAfter)
	require.NoError(t, err)

	okA, err := store.AcquireRepoLock("repo-a", runA.ID, staleAfter)
	require.NoError(t, err)
	assert.True(t, okA)

	okB, err := store.AcquireRepoLock("repo-a", runB.ID, staleAfter)
	require.NoError(t, err)
	assert.False(t, okB, "contended acquire must return busy, not success")

	// Release is idempotent and scoped to the holder.
	require.NoError(t, store.ReleaseRepoLock("repo-a", runB.ID))
	lock, err := store.GetRepoLock("repo-a")
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, runA.ID, lock.RunID)

	require.NoError(t, store.ReleaseRepoLock("repo-a", runA.ID))
	require.NoError(t, store.ReleaseRepoLock("repo-a", runA.ID))
	lock, err = store.GetRepoLock("repo-a")
	require.NoError(t, err)
	assert.Nil(t, lock)
}

func TestStore_RepoLockReclaimsFinishedHolder(t *testing.T) {
	store := newTestStore(t)
	staleAfter := time.Hour

	runA, err := store.StartRun("ABC-9", "repo-a", "", staleAfter)
	require.NoError(t, err)
	ok, err := store.AcquireRepoLock("repo-a", runA.ID, staleAfter)
	require.NoError(t, err)
	require.True(t, ok)

	// Holder finished without releasing (crashed before cleanup).
	require.NoError(t, store.FinishRun(runA.ID, domain.RunFailed, FinishFields{}))

	runB, err := store.StartRun("ABC-10", "repo-a", "", staleAfter)
	require.NoError(t, err)
	ok, err = store.AcquireRepoLock("repo-a", runB.ID, staleAfter)
	require.NoError(t, err)
	assert.True(t, ok, "finished holder should be reclaimed")
}

func TestStore_RepoLockReclaimsStaleHolder(t *testing.T) {
	store := newTestStore(t)

	runA, err := store.StartRun("ABC-11", "repo-a", "", time.Hour)
	require.NoError(t, err)
	ok, err := store.AcquireRepoLock("repo-a", runA.ID, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(5 * time.Millisecond)

	runB, err := store.StartRun("ABC-12", "repo-a", "", time.Hour)
	require.NoError(t, err)
	ok, err = store.AcquireRepoLock("repo-a", runB.ID, time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok, "stale holder should be reclaimed")
}

func TestStore_AtMostOneLockAcrossStores(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.sqlite")

	storeA, err := New(dbPath)
	require.NoError(t, err)
	defer storeA.Close()
	storeB, err := New(dbPath)
	require.NoError(t, err)
	defer storeB.Close()

	const attempts = 20
	var mu sync.Mutex
	var wins int
	var wg sync.WaitGroup

	for i := 0; i < attempts; i++ {
		for _, store := range []*Store{storeA, storeB} {
			wg.Add(1)
			go func(s *Store, id int) {
				defer wg.Done()
				ok, err := s.AcquireRepoLock("repo-a", NewRunID(), time.Hour)
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(store, i)
		}
	}
	wg.Wait()

	assert.Equal(t, 1, wins, "exactly one acquirer may win")
}

func TestStore_RunIDsAreTimeSortable(t *testing.T) {
	a := NewRunID()
	time.Sleep(2 * time.Millisecond)
	b := NewRunID()
	assert.Less(t, a, b)
}

func TestStore_ListRuns(t *testing.T) {
	store := newTestStore(t)

	runA, err := store.StartRun("ABC-13", "repo-a", "", time.Hour)
	require.NoError(t, err)
	require.NoError(t, store.FinishRun(runA.ID, domain.RunFailed, FinishFields{}))
	_, err = store.StartRun("ABC-13", "repo-a", "", time.Hour)
	require.NoError(t, err)

	runs, err := store.ListRuns("ABC-13")
	require.NoError(t, err)
	require.Len(t, runs, 2)
}

func TestStore_ListRunsEmptyKeyReturnsAll(t *testing.T) {
	store := newTestStore(t)

	runA, err := store.StartRun("ABC-13", "repo-a", "", time.Hour)
	require.NoError(t, err)
	require.NoError(t, store.FinishRun(runA.ID, domain.RunFailed, FinishFields{}))
	_, err = store.StartRun("ABC-14", "repo-b", "", time.Hour)
	require.NoError(t, err)

	runs, err := store.ListRuns("")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "ABC-14", runs[0].TicketKey)
}
