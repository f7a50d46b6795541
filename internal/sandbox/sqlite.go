package sandbox

import (
	"database/sql"
	"fmt"
	"path/filepath"

	"github.com/fcsandbox/fcsandbox/internal/artifacts"
	_ "github.com/mattn/go-sqlite3"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS command_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    command TEXT NOT NULL,
    working_dir TEXT,
    exit_code INTEGER,
    duration_ms INTEGER,
    stdout_len INTEGER,
    stderr_len INTEGER,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS lifecycle_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    event TEXT NOT NULL,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);
`

// AuditDB is the per-sandbox SQLite audit log, kept in the sandbox working
// directory and removed with it on destroy.
type AuditDB struct {
	db *sql.DB
}

// OpenAudit opens (or creates) the audit database inside sandboxDir.
func OpenAudit(sandboxDir string) (*AuditDB, error) {
	dbPath := filepath.Join(sandboxDir, artifacts.AuditName)
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if _, err := db.Exec(auditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply audit schema: %w", err)
	}
	return &AuditDB{db: db}, nil
}

// LogCommand records one exec.
func (a *AuditDB) LogCommand(command, workingDir string, exitCode int, durationMs int64, stdoutLen, stderrLen int) error {
	_, err := a.db.Exec(
		`INSERT INTO command_log (command, working_dir, exit_code, duration_ms, stdout_len, stderr_len) VALUES (?, ?, ?, ?, ?, ?)`,
		command, workingDir, exitCode, durationMs, stdoutLen, stderrLen)
	return err
}

// LogEvent records a lifecycle transition.
func (a *AuditDB) LogEvent(event string) error {
	_, err := a.db.Exec(`INSERT INTO lifecycle_log (event) VALUES (?)`, event)
	return err
}

// CommandCount returns the number of recorded execs.
func (a *AuditDB) CommandCount() (int, error) {
	var n int
	err := a.db.QueryRow(`SELECT COUNT(*) FROM command_log`).Scan(&n)
	return n, err
}

// Close closes the database.
func (a *AuditDB) Close() error {
	return a.db.Close()
}
