package sqlite

import (
	"context"
	"fmt"

	"github.com/steveyegge/forge/internal/types"
)

// RecordExperimentRun stores a completed experiment run and sets run.ID.
func (s *Store) RecordExperimentRun(ctx context.Context, run *types.ExperimentRun) error {
	if run.HypothesisID == "" {
		return fmt.Errorf("hypothesis_id is required")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO experiment_runs (hypothesis_id, task_id, status, confidence, findings, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, run.HypothesisID, run.TaskID, run.Status, run.Confidence, run.Findings, toMillis(run.StartedAt), run.DurationMs)
	if err != nil {
		return fmt.Errorf("failed to record experiment run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get experiment run id: %w", err)
	}
	run.ID = id
	return nil
}

// ListExperimentRuns returns runs newest first, optionally for one hypothesis.
func (s *Store) ListExperimentRuns(ctx context.Context, hypothesisID string, limit int) ([]*types.ExperimentRun, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, hypothesis_id, task_id, status, confidence, findings, started_at, duration_ms
		FROM experiment_runs
		WHERE (? = '' OR hypothesis_id = ?)
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, hypothesisID, hypothesisID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query experiment runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*types.ExperimentRun
	for rows.Next() {
		run := &types.ExperimentRun{}
		var startedAt int64
		if err := rows.Scan(&run.ID, &run.HypothesisID, &run.TaskID, &run.Status,
			&run.Confidence, &run.Findings, &startedAt, &run.DurationMs); err != nil {
			return nil, fmt.Errorf("failed to scan experiment run: %w", err)
		}
		run.StartedAt = fromMillis(startedAt)
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating experiment run rows: %w", err)
	}
	return runs, nil
}
