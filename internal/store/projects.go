package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertProject creates a project row if it doesn't exist, leaving an
// existing row's aggregates untouched (those are maintained separately by
// RecountProjectAggregates). An empty WorkingDir/RepoRoot on p never
// overwrites an already-recorded value — callers may upsert a bare id
// before either is known.
func (s *Store) UpsertProject(p Project) error {
	now := p.CreatedAt
	if now.IsZero() {
		now = p.UpdatedAt
	}
	_, err := s.db.Exec(`INSERT INTO projects (id, working_dir, repo_root, session_count,
		total_cost, is_stale, created_at, updated_at) VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
		working_dir = COALESCE(NULLIF(excluded.working_dir, ''), projects.working_dir),
		repo_root = COALESCE(NULLIF(excluded.repo_root, ''), projects.repo_root)`,
		p.ID, p.WorkingDir, nullableString(p.RepoRoot), p.SessionCount, p.TotalCost,
		p.IsStale, formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("upsert project %s: %w", p.ID, err)
	}
	return nil
}

// GetProject fetches a single project by id.
func (s *Store) GetProject(id string) (Project, error) {
	row := s.db.QueryRow(`SELECT id, working_dir, repo_root, session_count, total_cost,
		is_stale, created_at, updated_at FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, ErrNotFound
	}
	return p, err
}

// ListProjects returns every known project.
func (s *Store) ListProjects() ([]Project, error) {
	rows, err := s.db.Query(`SELECT id, working_dir, repo_root, session_count, total_cost,
		is_stale, created_at, updated_at FROM projects ORDER BY working_dir`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanProject(r rowScanner) (Project, error) {
	var p Project
	var repoRoot sql.NullString
	var createdAt, updatedAt string
	err := r.Scan(&p.ID, &p.WorkingDir, &repoRoot, &p.SessionCount, &p.TotalCost,
		&p.IsStale, &createdAt, &updatedAt)
	if err != nil {
		return Project{}, fmt.Errorf("scan project: %w", err)
	}
	p.RepoRoot = repoRoot.String
	if t, err := parseTime(createdAt); err == nil {
		p.CreatedAt = t
	}
	if t, err := parseTime(updatedAt); err == nil {
		p.UpdatedAt = t
	}
	return p, nil
}

// RecountProjectAggregates recomputes a project's session_count and
// total_cost from its primary-kind sessions (subagent costs are already
// folded into their parent's total_cost, so summing only primary sessions
// avoids double-counting).
func (s *Store) RecountProjectAggregates(projectID string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE projects SET
		session_count = (SELECT COUNT(*) FROM sessions WHERE project_id = ? AND kind = ?),
		total_cost = COALESCE((SELECT SUM(total_cost) FROM sessions WHERE project_id = ? AND kind = ?), 0),
		updated_at = ?
		WHERE id = ?`,
		projectID, string(KindPrimary), projectID, string(KindPrimary), formatTime(at), projectID)
	if err != nil {
		return fmt.Errorf("recount project %s: %w", projectID, err)
	}
	return nil
}

// SetProjectStale marks a project stale (its working directory vanished)
// or un-stale (it reappeared on disk), per the Open Question decided in
// DESIGN.md: staling never deletes rows, it only flips a visibility flag.
func (s *Store) SetProjectStale(projectID string, stale bool) error {
	_, err := s.db.Exec(`UPDATE projects SET is_stale = ? WHERE id = ?`, stale, projectID)
	if err != nil {
		return fmt.Errorf("set project %s stale=%v: %w", projectID, stale, err)
	}
	return nil
}

// DeleteProjectIfEmpty removes a project row if it has no sessions. This
// is the only hard-delete path: a project discovered then immediately
// removed before any transcript was indexed leaves no trace.
func (s *Store) DeleteProjectIfEmpty(projectID string) error {
	_, err := s.db.Exec(`DELETE FROM projects WHERE id = ? AND
		NOT EXISTS (SELECT 1 FROM sessions WHERE project_id = ?)`, projectID, projectID)
	if err != nil {
		return fmt.Errorf("delete project %s if empty: %w", projectID, err)
	}
	return nil
}
