package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dockhand/dockhand/internal/session/models"
)

const runColumns = `session_id, container_id, exec_id, pid, output_file, last_seq, started_at, updated_at`

// UpsertAgentRun records an agent invocation for a session, replacing any
// previous row. The session_id primary key keeps this at one row per session.
func (r *Repository) UpsertAgentRun(ctx context.Context, run *models.AgentRun) error {
	if run.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	now := time.Now().UTC()
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	run.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO agent_runs (session_id, container_id, exec_id, pid, output_file, last_seq, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			container_id = excluded.container_id,
			exec_id = excluded.exec_id,
			pid = excluded.pid,
			output_file = excluded.output_file,
			last_seq = excluded.last_seq,
			started_at = excluded.started_at,
			updated_at = excluded.updated_at
	`), run.SessionID, run.ContainerID, run.ExecID, run.PID, run.OutputFile,
		run.LastSeq, run.StartedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert agent run: %w", err)
	}
	return nil
}

// UpdateAgentRunPID records the discovered agent pid for targeted signalling.
func (r *Repository) UpdateAgentRunPID(ctx context.Context, sessionID string, pid int) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(
		`UPDATE agent_runs SET pid = ?, updated_at = ? WHERE session_id = ?`),
		pid, time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to update agent run pid: %w", err)
	}
	return nil
}

// UpdateAgentRunSeq advances the last persisted sequence of a run.
func (r *Repository) UpdateAgentRunSeq(ctx context.Context, sessionID string, lastSeq int64) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(
		`UPDATE agent_runs SET last_seq = ?, updated_at = ? WHERE session_id = ?`),
		lastSeq, time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to update agent run seq: %w", err)
	}
	return nil
}

// GetAgentRun retrieves the recorded agent run for a session.
func (r *Repository) GetAgentRun(ctx context.Context, sessionID string) (*models.AgentRun, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(
		`SELECT `+runColumns+` FROM agent_runs WHERE session_id = ?`), sessionID)
	run, err := scanAgentRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: session %s", ErrRunNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent run: %w", err)
	}
	return run, nil
}

// DeleteAgentRun removes a session's agent run row. Deleting a missing row
// is not an error so cleanup paths stay idempotent.
func (r *Repository) DeleteAgentRun(ctx context.Context, sessionID string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(
		`DELETE FROM agent_runs WHERE session_id = ?`), sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete agent run: %w", err)
	}
	return nil
}

// ListAgentRuns returns every recorded agent run, oldest first. The
// reconciler uses this to find runs that outlived their runner.
func (r *Repository) ListAgentRuns(ctx context.Context) ([]*models.AgentRun, error) {
	rows, err := r.ro.QueryContext(ctx,
		`SELECT `+runColumns+` FROM agent_runs ORDER BY started_at ASC, session_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.AgentRun
	for rows.Next() {
		run, err := scanAgentRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate agent runs: %w", err)
	}
	return runs, nil
}

func scanAgentRun(rs rowScanner) (*models.AgentRun, error) {
	var (
		run         models.AgentRun
		containerID sql.NullString
		execID      sql.NullString
	)
	err := rs.Scan(&run.SessionID, &containerID, &execID, &run.PID,
		&run.OutputFile, &run.LastSeq, &run.StartedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	run.ContainerID = containerID.String
	run.ExecID = execID.String
	return &run, nil
}
