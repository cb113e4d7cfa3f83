package sqlite

import "github.com/steveyegge/forge/internal/storage/migrations"

// Timestamps are stored as unix milliseconds.
var schemaMigrations = []migrations.Migration{
	{
		Version:     1,
		Description: "sandbox command history",
		Up: `
			CREATE TABLE IF NOT EXISTS command_history (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				sandbox_id TEXT NOT NULL,
				command TEXT NOT NULL,
				exit_code INTEGER NOT NULL,
				duration_ms INTEGER NOT NULL,
				timed_out INTEGER NOT NULL DEFAULT 0,
				executed_at INTEGER NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_command_history_sandbox ON command_history(sandbox_id);
			CREATE INDEX IF NOT EXISTS idx_command_history_executed_at ON command_history(executed_at);
		`,
	},
	{
		Version:     2,
		Description: "experiment runs",
		Up: `
			CREATE TABLE IF NOT EXISTS experiment_runs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				hypothesis_id TEXT NOT NULL,
				task_id TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL CHECK(status IN ('validated', 'rejected', 'error')),
				confidence REAL NOT NULL DEFAULT 0 CHECK(confidence >= 0 AND confidence <= 1),
				findings TEXT NOT NULL DEFAULT '',
				started_at INTEGER NOT NULL,
				duration_ms INTEGER NOT NULL DEFAULT 0
			);
			CREATE INDEX IF NOT EXISTS idx_experiment_runs_hypothesis ON experiment_runs(hypothesis_id);
		`,
	},
}
