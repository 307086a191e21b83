package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dockhand/dockhand/internal/db/dialect"
	"github.com/dockhand/dockhand/internal/session/models"
	v1 "github.com/dockhand/dockhand/pkg/api/v1"
)

const sessionColumns = `id, name, status, container_id, container_name, image_name,
	repository_url, repository_branch, session_branch, workspace_volume,
	error_message, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// CreateSession persists a new session. Missing id, status and timestamps
// are filled with defaults.
func (r *Repository) CreateSession(ctx context.Context, s *models.Session) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.Status == "" {
		s.Status = v1.SessionStatusCreating
	}
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO sessions (
			id, name, status, container_id, container_name, image_name,
			repository_url, repository_branch, session_branch, workspace_volume,
			error_message, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), s.ID, s.Name, s.Status, s.ContainerID, s.ContainerName, s.ImageName,
		s.RepositoryURL, s.RepositoryBranch, s.SessionBranch, s.WorkspaceVolume,
		s.ErrorMessage, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id.
func (r *Repository) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

// ListSessions returns all sessions, newest first.
func (r *Repository) ListSessions(ctx context.Context) ([]*models.Session, error) {
	rows, err := r.ro.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// SearchSessions returns sessions whose name contains the query, newest
// first. Matching is case-insensitive on both dialects.
func (r *Repository) SearchSessions(ctx context.Context, query string) ([]*models.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions WHERE name ` +
		dialect.Like(r.ro.DriverName()) + ` ? ORDER BY created_at DESC, id`
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(q), "%"+query+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to search sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// ListSessionsByStatus returns all sessions in the given state, newest first.
func (r *Repository) ListSessionsByStatus(ctx context.Context, status v1.SessionStatus) ([]*models.Session, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(
		`SELECT `+sessionColumns+` FROM sessions WHERE status = ? ORDER BY created_at DESC, id`), status)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions by status: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// UpdateSessionName renames a session.
func (r *Repository) UpdateSessionName(ctx context.Context, id, name string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(
		`UPDATE sessions SET name = ?, updated_at = ? WHERE id = ?`),
		name, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update session name: %w", err)
	}
	return r.requireSessionRow(res, id)
}

// UpdateSessionStatus transitions a session to the given state. An empty
// errorMessage clears any previous error.
func (r *Repository) UpdateSessionStatus(ctx context.Context, id string, status v1.SessionStatus, errorMessage string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(
		`UPDATE sessions SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`),
		status, errorMessage, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	return r.requireSessionRow(res, id)
}

// UpdateSessionContainer records the container backing a session.
func (r *Repository) UpdateSessionContainer(ctx context.Context, id, containerID, containerName string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(
		`UPDATE sessions SET container_id = ?, container_name = ?, updated_at = ? WHERE id = ?`),
		containerID, containerName, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update session container: %w", err)
	}
	return r.requireSessionRow(res, id)
}

// UpdateSessionWorkspace records the provisioned workspace volume and the
// session branch checked out inside it.
func (r *Repository) UpdateSessionWorkspace(ctx context.Context, id, volume, branch string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(
		`UPDATE sessions SET workspace_volume = ?, session_branch = ?, updated_at = ? WHERE id = ?`),
		volume, branch, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update session workspace: %w", err)
	}
	return r.requireSessionRow(res, id)
}

// DeleteSession removes a session together with its messages and any agent
// run row via foreign key cascade.
func (r *Repository) DeleteSession(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM sessions WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return r.requireSessionRow(res, id)
}

func (r *Repository) requireSessionRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

func scanSession(rs rowScanner) (*models.Session, error) {
	var (
		s             models.Session
		containerID   sql.NullString
		containerName sql.NullString
		repoURL       sql.NullString
		repoBranch    sql.NullString
		sessionBranch sql.NullString
		volume        sql.NullString
		errorMessage  sql.NullString
	)
	err := rs.Scan(&s.ID, &s.Name, &s.Status, &containerID, &containerName,
		&s.ImageName, &repoURL, &repoBranch, &sessionBranch, &volume,
		&errorMessage, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.ContainerID = containerID.String
	s.ContainerName = containerName.String
	s.RepositoryURL = repoURL.String
	s.RepositoryBranch = repoBranch.String
	s.SessionBranch = sessionBranch.String
	s.WorkspaceVolume = volume.String
	s.ErrorMessage = errorMessage.String
	return &s, nil
}

func collectSessions(rows *sql.Rows) ([]*models.Session, error) {
	var sessions []*models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return sessions, nil
}
