package statestore

const schema = `
CREATE TABLE IF NOT EXISTS tickets (
    ticket_key TEXT PRIMARY KEY,
    status TEXT NOT NULL DEFAULT 'DISCOVERED',
    repo TEXT,
    branch TEXT,
    pr_url TEXT,
    last_run_id TEXT,
    updated_at TIMESTAMP,
    last_error TEXT
);

CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(status);

CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    ticket_key TEXT NOT NULL,
    status TEXT NOT NULL,
    repo TEXT,
    branch TEXT,
    pr_url TEXT,
    artifacts_dir TEXT,
    agent_exit_code INTEGER,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP,
    summary_json TEXT
);

CREATE INDEX IF NOT EXISTS idx_runs_ticket_key ON runs(ticket_key);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

CREATE TABLE IF NOT EXISTS repo_locks (
    repo TEXT PRIMARY KEY,
    run_id TEXT NOT NULL,
    locked_at TIMESTAMP NOT NULL
);
`
