package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver
)

// Store persists issues in a SQLite database so resolution history
// survives restarts.
type Store struct {
	db   *sql.DB
	path string
}

const issueSchema = `
CREATE TABLE IF NOT EXISTS issues (
    id            TEXT PRIMARY KEY,
    file_path     TEXT NOT NULL,
    line_number   INTEGER NOT NULL,
    description   TEXT NOT NULL,
    suggested_fix TEXT NOT NULL DEFAULT '',
    check_query   TEXT NOT NULL DEFAULT '',
    code_snippet  TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL,
    timestamp     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_issues_file ON issues(file_path);
CREATE INDEX IF NOT EXISTS idx_issues_status ON issues(status);
`

// OpenStore opens (or creates) the issue database at path. ":memory:" is
// accepted for tests.
func OpenStore(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening issue database: %w", err)
	}

	// WAL keeps readers unblocked while the scanner writes.
	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL: %w", err)
		}
	}

	if _, err := db.Exec(issueSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save writes the full issue set transactionally, replacing what was
// stored before. The set is small (one repository's findings), so a full
// rewrite is simpler and safer than diffing.
func (s *Store) Save(ctx context.Context, issues []Issue) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM issues"); err != nil {
		return fmt.Errorf("clearing issues: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO issues (id, file_path, line_number, description, suggested_fix, check_query, code_snippet, status, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, issue := range issues {
		_, err := stmt.ExecContext(ctx,
			issue.ID,
			issue.FilePath,
			issue.LineNumber,
			issue.Description,
			issue.SuggestedFix,
			issue.CheckQuery,
			issue.CodeSnippet,
			string(issue.Status),
			issue.Timestamp.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("inserting issue %s: %w", issue.ID, err)
		}
	}

	return tx.Commit()
}

// Load reads every stored issue.
func (s *Store) Load(ctx context.Context) ([]Issue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, file_path, line_number, description, suggested_fix, check_query, code_snippet, status, timestamp
		FROM issues ORDER BY file_path, line_number`)
	if err != nil {
		return nil, fmt.Errorf("querying issues: %w", err)
	}
	defer rows.Close()

	var issues []Issue
	for rows.Next() {
		var issue Issue
		var status, ts string
		if err := rows.Scan(
			&issue.ID,
			&issue.FilePath,
			&issue.LineNumber,
			&issue.Description,
			&issue.SuggestedFix,
			&issue.CheckQuery,
			&issue.CodeSnippet,
			&status,
			&ts,
		); err != nil {
			return nil, fmt.Errorf("scanning issue row: %w", err)
		}
		issue.Status = IssueStatus(status)
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			issue.Timestamp = parsed
		}
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}
