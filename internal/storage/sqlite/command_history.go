package sqlite

import (
	"context"
	"fmt"

	"github.com/steveyegge/forge/internal/sandbox"
)

var _ sandbox.HistoryRecorder = (*Store)(nil)

// RecordCommand stores one executed sandbox command.
func (s *Store) RecordCommand(ctx context.Context, rec sandbox.CommandRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO command_history (sandbox_id, command, exit_code, duration_ms, timed_out, executed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.SandboxID, rec.Command, rec.ExitCode, rec.DurationMs, rec.TimedOut, toMillis(rec.At))
	if err != nil {
		return fmt.Errorf("failed to record command: %w", err)
	}
	return nil
}

// GetCommandHistory returns the most recent commands, newest first.
// An empty sandboxID returns commands from every sandbox.
func (s *Store) GetCommandHistory(ctx context.Context, sandboxID string, limit int) ([]sandbox.CommandRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT sandbox_id, command, exit_code, duration_ms, timed_out, executed_at
		FROM command_history
		WHERE (? = '' OR sandbox_id = ?)
		ORDER BY executed_at DESC, id DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, sandboxID, sandboxID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query command history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []sandbox.CommandRecord
	for rows.Next() {
		var rec sandbox.CommandRecord
		var at int64
		if err := rows.Scan(&rec.SandboxID, &rec.Command, &rec.ExitCode, &rec.DurationMs, &rec.TimedOut, &at); err != nil {
			return nil, fmt.Errorf("failed to scan command record: %w", err)
		}
		rec.At = fromMillis(at)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating command history rows: %w", err)
	}
	return records, nil
}
