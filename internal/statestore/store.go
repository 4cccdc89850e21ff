package statestore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/j2pr/internal/domain"
)

// Contract violations on the store API. Both are fatal to the calling
// operation and must never be swallowed.
var (
	ErrAlreadyRunning  = errors.New("a run is already in flight for this ticket")
	ErrAlreadyFinished = errors.New("run is already finished")
)

// Store provides SQLite-backed ticket, run and lock persistence. It is safe
// for concurrent use from multiple OS processes: status transitions and lock
// acquisition run inside transactions, and the connection uses a busy
// timeout so writers queue instead of failing immediately.
type Store struct {
	db *sql.DB
}

// New creates a Store with the given database path, creating parent
// directories and running migrations as needed.
func New(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating state dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return nil, err
		}
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetTicket retrieves a ticket by key, or nil if unknown
func (s *Store) GetTicket(key string) (*domain.Ticket, error) {
	row := s.db.QueryRow(`
		SELECT ticket_key, status, repo, branch, pr_url, last_run_id, updated_at, last_error
		FROM tickets WHERE ticket_key = ?
	`, key)

	t, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// UpsertTicket merges fields into the ticket row. An achieved outcome is
// protected: an existing pr_url or DONE status is never clobbered unless
// force is set.
func (s *Store) UpsertTicket(t *domain.Ticket, force bool) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	existing, err := scanTicket(tx.QueryRow(`
		SELECT ticket_key, status, repo, branch, pr_url, last_run_id, updated_at, last_error
		FROM tickets WHERE ticket_key = ?
	`, t.Key))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	merged := *t
	if existing != nil && !force {
		if existing.PRURL != "" && merged.PRURL == "" {
			merged.PRURL = existing.PRURL
		}
		if existing.Status == domain.TicketDone {
			merged.Status = existing.Status
		}
		if merged.Repo == "" {
			merged.Repo = existing.Repo
		}
		if merged.Branch == "" {
			merged.Branch = existing.Branch
		}
		if merged.LastRunID == "" {
			merged.LastRunID = existing.LastRunID
		}
	}

	_, err = tx.Exec(`
		INSERT INTO tickets (ticket_key, status, repo, branch, pr_url, last_run_id, updated_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ticket_key) DO UPDATE SET
			status = excluded.status,
			repo = excluded.repo,
			branch = excluded.branch,
			pr_url = excluded.pr_url,
			last_run_id = excluded.last_run_id,
			updated_at = excluded.updated_at,
			last_error = excluded.last_error
	`,
		merged.Key,
		string(merged.Status),
		merged.Repo,
		merged.Branch,
		merged.PRURL,
		merged.LastRunID,
		time.Now().UTC(),
		merged.LastError,
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// FindIdempotentResult returns the prior outcome for a ticket whose PR was
// already opened, letting callers short-circuit without side effects.
func (s *Store) FindIdempotentResult(key string) (*domain.PriorOutcome, error) {
	t, err := s.GetTicket(key)
	if err != nil || t == nil {
		return nil, err
	}
	if (t.Status == domain.TicketPROpened || t.Status == domain.TicketDone) && t.PRURL != "" {
		return &domain.PriorOutcome{
			Status: t.Status,
			PRURL:  t.PRURL,
			Branch: t.Branch,
			RunID:  t.LastRunID,
		}, nil
	}
	return nil, nil
}

// StartRun atomically creates a run row with status RUNNING and moves the
// ticket to RUNNING. It fails with ErrAlreadyRunning when the ticket is
// in flight and its current run still looks alive: the run has not finished
// and holds a repo lock younger than staleAfter.
func (s *Store) StartRun(ticketKey, repo, artifactsDir string, staleAfter time.Duration) (*domain.Run, error) {
	return s.StartRunWithID(NewRunID(), ticketKey, repo, artifactsDir, staleAfter)
}

// StartRunWithID is StartRun with a caller-chosen run ID, for callers that
// need the ID before the run row exists (the repo lock records its holder
// by run ID and is taken first).
func (s *Store) StartRunWithID(runID, ticketKey, repo, artifactsDir string, staleAfter time.Duration) (*domain.Run, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	ticket, err := scanTicket(tx.QueryRow(`
		SELECT ticket_key, status, repo, branch, pr_url, last_run_id, updated_at, last_error
		FROM tickets WHERE ticket_key = ?
	`, ticketKey))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	if ticket != nil && ticket.Status.InFlight() && ticket.LastRunID != "" {
		alive, err := s.runLooksAlive(tx, ticket.LastRunID, staleAfter)
		if err != nil {
			return nil, err
		}
		if alive {
			return nil, fmt.Errorf("ticket %s: %w", ticketKey, ErrAlreadyRunning)
		}
	}

	run := &domain.Run{
		ID:           runID,
		TicketKey:    ticketKey,
		Status:       domain.RunRunning,
		Repo:         repo,
		ArtifactsDir: artifactsDir,
		StartedAt:    time.Now().UTC(),
	}

	if _, err := tx.Exec(`
		INSERT INTO runs (id, ticket_key, status, repo, artifacts_dir, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.ID, run.TicketKey, string(run.Status), run.Repo, run.ArtifactsDir, run.StartedAt); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`
		INSERT INTO tickets (ticket_key, status, repo, last_run_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(ticket_key) DO UPDATE SET
			status = excluded.status,
			repo = excluded.repo,
			last_run_id = excluded.last_run_id,
			updated_at = excluded.updated_at,
			last_error = NULL
	`, ticketKey, string(domain.TicketRunning), repo, run.ID, time.Now().UTC()); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return run, nil
}

// runLooksAlive reports whether a run has not finished and still holds a
// fresh repo lock. A finished run, or one whose lock went stale, is dead.
func (s *Store) runLooksAlive(tx *sql.Tx, runID string, staleAfter time.Duration) (bool, error) {
	var finishedAt sql.NullTime
	err := tx.QueryRow(`SELECT finished_at FROM runs WHERE id = ?`, runID).Scan(&finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if finishedAt.Valid {
		return false, nil
	}

	var lockedAt time.Time
	err = tx.QueryRow(`SELECT locked_at FROM repo_locks WHERE run_id = ?`, runID).Scan(&lockedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if staleAfter > 0 && time.Since(lockedAt) > staleAfter {
		return false, nil
	}
	return true, nil
}

// FinishFields are the terminal fields written exactly once per run
type FinishFields struct {
	PRURL         string
	Branch        string
	AgentExitCode *int
	Summary       map[string]any
}

// FinishRun writes the terminal status and fields for a run. A second call
// for the same run fails with ErrAlreadyFinished.
func (s *Store) FinishRun(runID string, status domain.RunStatus, fields FinishFields) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var finishedAt sql.NullTime
	err = tx.QueryRow(`SELECT finished_at FROM runs WHERE id = ?`, runID).Scan(&finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("run %s not found", runID)
	}
	if err != nil {
		return err
	}
	if finishedAt.Valid {
		return fmt.Errorf("run %s: %w", runID, ErrAlreadyFinished)
	}

	var summaryJSON sql.NullString
	if fields.Summary != nil {
		data, err := json.Marshal(fields.Summary)
		if err != nil {
			return fmt.Errorf("encoding run summary: %w", err)
		}
		summaryJSON = sql.NullString{String: string(data), Valid: true}
	}

	var exitCode sql.NullInt64
	if fields.AgentExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*fields.AgentExitCode), Valid: true}
	}

	if _, err := tx.Exec(`
		UPDATE runs
		SET status = ?, pr_url = ?, branch = ?, agent_exit_code = ?, summary_json = ?, finished_at = ?
		WHERE id = ?
	`, string(status), fields.PRURL, fields.Branch, exitCode, summaryJSON, time.Now().UTC(), runID); err != nil {
		return err
	}

	return tx.Commit()
}

// GetRun retrieves a run by ID, or nil if unknown
func (s *Store) GetRun(runID string) (*domain.Run, error) {
	row := s.db.QueryRow(`
		SELECT id, ticket_key, status, repo, branch, pr_url, artifacts_dir, agent_exit_code, started_at, finished_at, summary_json
		FROM runs WHERE id = ?
	`, runID)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// ListRuns returns runs newest first, filtered by ticket when ticketKey
// is non-empty.
func (s *Store) ListRuns(ticketKey string) ([]*domain.Run, error) {
	query := `
		SELECT id, ticket_key, status, repo, branch, pr_url, artifacts_dir, agent_exit_code, started_at, finished_at, summary_json
		FROM runs`
	var args []any
	if ticketKey != "" {
		query += ` WHERE ticket_key = ?`
		args = append(args, ticketKey)
	}
	query += ` ORDER BY started_at DESC`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// AcquireRepoLock atomically takes the repository lock for a run. It
// succeeds only if no live holder exists; a holder whose run finished or
// whose acquisition is older than staleAfter is reclaimed first. Contention
// returns false, not an error: the caller treats it as busy.
func (s *Store) AcquireRepoLock(repo, runID string, staleAfter time.Duration) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	// Reclaim dead holders: finished runs always, fresh-looking locks only
	// past the staleness threshold.
	if staleAfter > 0 {
		cutoff := time.Now().UTC().Add(-staleAfter)
		if _, err := tx.Exec(`
			DELETE FROM repo_locks
			WHERE repo = ? AND (locked_at < ?
				OR run_id IN (SELECT id FROM runs WHERE finished_at IS NOT NULL))
		`, repo, cutoff); err != nil {
			return false, err
		}
	} else {
		if _, err := tx.Exec(`
			DELETE FROM repo_locks
			WHERE repo = ? AND run_id IN (SELECT id FROM runs WHERE finished_at IS NOT NULL)
		`, repo); err != nil {
			return false, err
		}
	}

	res, err := tx.Exec(`
		INSERT INTO repo_locks (repo, run_id, locked_at)
		VALUES (?, ?, ?)
		ON CONFLICT(repo) DO NOTHING
	`, repo, runID, time.Now().UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseRepoLock drops the lock if held by runID. Releasing a lock that is
// not held is a no-op.
func (s *Store) ReleaseRepoLock(repo, runID string) error {
	_, err := s.db.Exec(`DELETE FROM repo_locks WHERE repo = ? AND run_id = ?`, repo, runID)
	return err
}

// GetRepoLock returns the current lock for a repo, or nil if unheld
func (s *Store) GetRepoLock(repo string) (*domain.RepoLock, error) {
	var lock domain.RepoLock
	err := s.db.QueryRow(`SELECT repo, run_id, locked_at FROM repo_locks WHERE repo = ?`, repo).
		Scan(&lock.Repo, &lock.RunID, &lock.LockedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &lock, nil
}

// ClearAllLocks deletes every lock row and returns the count removed
func (s *Store) ClearAllLocks() (int, error) {
	res, err := s.db.Exec(`DELETE FROM repo_locks`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ListTickets returns all tickets ordered by key
func (s *Store) ListTickets() ([]*domain.Ticket, error) {
	rows, err := s.db.Query(`
		SELECT ticket_key, status, repo, branch, pr_url, last_run_id, updated_at, last_error
		FROM tickets ORDER BY ticket_key
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []*domain.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

// ListLocks returns all lock rows
func (s *Store) ListLocks() ([]*domain.RepoLock, error) {
	rows, err := s.db.Query(`SELECT repo, run_id, locked_at FROM repo_locks ORDER BY repo`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locks []*domain.RepoLock
	for rows.Next() {
		var lock domain.RepoLock
		if err := rows.Scan(&lock.Repo, &lock.RunID, &lock.LockedAt); err != nil {
			return nil, err
		}
		locks = append(locks, &lock)
	}
	return locks, rows.Err()
}

// NewRunID returns a time-sortable unique run identifier
func NewRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTicket(row scannable) (*domain.Ticket, error) {
	var t domain.Ticket
	var status string
	var repo, branch, prURL, lastRunID, lastError sql.NullString
	var updatedAt sql.NullTime

	err := row.Scan(&t.Key, &status, &repo, &branch, &prURL, &lastRunID, &updatedAt, &lastError)
	if err != nil {
		return nil, err
	}

	t.Status = domain.TicketStatus(status)
	t.Repo = repo.String
	t.Branch = branch.String
	t.PRURL = prURL.String
	t.LastRunID = lastRunID.String
	t.LastError = lastError.String
	if updatedAt.Valid {
		t.UpdatedAt = updatedAt.Time
	}
	return &t, nil
}

func scanRun(row scannable) (*domain.Run, error) {
	var run domain.Run
	var status string
	var repo, branch, prURL, artifactsDir, summaryJSON sql.NullString
	var exitCode sql.NullInt64
	var finishedAt sql.NullTime

	err := row.Scan(&run.ID, &run.TicketKey, &status, &repo, &branch, &prURL,
		&artifactsDir, &exitCode, &run.StartedAt, &finishedAt, &summaryJSON)
	if err != nil {
		return nil, err
	}

	run.Status = domain.RunStatus(status)
	run.Repo = repo.String
	run.Branch = branch.String
	run.PRURL = prURL.String
	run.ArtifactsDir = artifactsDir.String
	if exitCode.Valid {
		code := int(exitCode.Int64)
		run.AgentExitCode = &code
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	if summaryJSON.Valid && summaryJSON.String != "" {
		if err := json.Unmarshal([]byte(summaryJSON.String), &run.Summary); err != nil {
			return nil, fmt.Errorf("decoding run summary: %w", err)
		}
	}
	return &run, nil
}
