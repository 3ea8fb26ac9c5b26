package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("store: not found")

// CreateSession inserts a new session row if it does not already exist,
// and is a no-op otherwise (a transcript file may be discovered more than
// once across restarts).
func (s *Store) CreateSession(sess Session) error {
	now := sess.CreatedAt
	if now.IsZero() {
		now = sess.UpdatedAt
	}
	_, err := s.db.Exec(`INSERT OR IGNORE INTO sessions (
		id, project_id, kind, parent_session_id, byte_offset, last_line, last_mtime,
		compute_version, title, user_message_count, context_usage, self_cost,
		subagents_cost, total_cost, model, cwd, repo_root, git_branch, is_stale,
		compute_complete, created_at, updated_at
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		sess.ID, sess.ProjectID, string(sess.Kind), nullableString(sess.ParentSessionID),
		sess.ByteOffset, sess.LastLine, nullableTime(sess.LastMtime), sess.ComputeVersion,
		nullableString(sess.Title), sess.UserMessageCount, sess.ContextUsage, sess.SelfCost,
		sess.SubagentsCost, sess.TotalCost, nullableString(sess.Model), nullableString(sess.Cwd),
		nullableString(sess.RepoRoot), nullableString(sess.GitBranch), sess.IsStale,
		sess.ComputeComplete, formatTime(now), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("create session %s: %w", sess.ID, err)
	}
	return nil
}

// GetSession fetches a single session by id.
func (s *Store) GetSession(id string) (Session, error) {
	row := s.db.QueryRow(`SELECT id, project_id, kind, parent_session_id, byte_offset,
		last_line, last_mtime, compute_version, title, user_message_count, context_usage,
		self_cost, subagents_cost, total_cost, model, cwd, repo_root, git_branch, is_stale,
		compute_complete, created_at, updated_at FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListSessionsByProject returns every session belonging to a project,
// primary sessions first.
func (s *Store) ListSessionsByProject(projectID string) ([]Session, error) {
	rows, err := s.db.Query(`SELECT id, project_id, kind, parent_session_id, byte_offset,
		last_line, last_mtime, compute_version, title, user_message_count, context_usage,
		self_cost, subagents_cost, total_cost, model, cwd, repo_root, git_branch, is_stale,
		compute_complete, created_at, updated_at FROM sessions WHERE project_id = ?
		ORDER BY kind, created_at`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list sessions for project %s: %w", projectID, err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSessionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ListChildSessions returns the subagent sessions spawned by a parent.
func (s *Store) ListChildSessions(parentID string) ([]Session, error) {
	rows, err := s.db.Query(`SELECT id, project_id, kind, parent_session_id, byte_offset,
		last_line, last_mtime, compute_version, title, user_message_count, context_usage,
		self_cost, subagents_cost, total_cost, model, cwd, repo_root, git_branch, is_stale,
		compute_complete, created_at, updated_at FROM sessions WHERE parent_session_id = ?`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list children of %s: %w", parentID, err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSessionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row *sql.Row) (Session, error) {
	sess, err := scanSessionFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	return sess, err
}

func scanSessionRows(rows *sql.Rows) (Session, error) {
	return scanSessionFrom(rows)
}

func scanSessionFrom(r rowScanner) (Session, error) {
	var sess Session
	var kind string
	var parentID, title, model, cwd, repoRoot, gitBranch sql.NullString
	var lastMtime, createdAt, updatedAt sql.NullString

	err := r.Scan(&sess.ID, &sess.ProjectID, &kind, &parentID, &sess.ByteOffset,
		&sess.LastLine, &lastMtime, &sess.ComputeVersion, &title, &sess.UserMessageCount,
		&sess.ContextUsage, &sess.SelfCost, &sess.SubagentsCost, &sess.TotalCost, &model,
		&cwd, &repoRoot, &gitBranch, &sess.IsStale, &sess.ComputeComplete, &createdAt, &updatedAt)
	if err != nil {
		return Session{}, fmt.Errorf("scan session: %w", err)
	}

	sess.Kind = SessionKind(kind)
	sess.ParentSessionID = parentID.String
	sess.Title = title.String
	sess.Model = model.String
	sess.Cwd = cwd.String
	sess.RepoRoot = repoRoot.String
	sess.GitBranch = gitBranch.String
	if lastMtime.Valid {
		if t, err := parseTime(lastMtime.String); err == nil {
			sess.LastMtime = t
		}
	}
	if createdAt.Valid {
		if t, err := parseTime(createdAt.String); err == nil {
			sess.CreatedAt = t
		}
	}
	if updatedAt.Valid {
		if t, err := parseTime(updatedAt.String); err == nil {
			sess.UpdatedAt = t
		}
	}
	return sess, nil
}

// CursorUpdate is the set of tail-cursor fields the indexer advances after
// each successful sync pass.
type CursorUpdate struct {
	ByteOffset       int64
	LastLine         int
	LastMtime        sql.NullTime
	Title            string
	UserMessageCount int
	Model            string
	Cwd              string
	RepoRoot         string
	GitBranch        string
	ComputeComplete  bool
	UpdatedAt        time.Time

	// ContextUsage is a pointer because 0 is a legitimate observed value;
	// nil means "no usage sample in this batch, leave the column alone".
	ContextUsage *int
}

// UpdateCursor advances a session's tail-cursor and lightweight aggregate
// fields after an indexing pass. UpdatedAt is supplied by the caller since
// this package never calls time.Now() itself.
func (s *Store) UpdateCursor(sessionID string, u CursorUpdate) error {
	var mtime any
	if u.LastMtime.Valid {
		mtime = formatTime(u.LastMtime.Time)
	}
	var contextUsage any
	if u.ContextUsage != nil {
		contextUsage = *u.ContextUsage
	}
	_, err := s.db.Exec(`UPDATE sessions SET byte_offset = ?, last_line = ?, last_mtime = ?,
		title = COALESCE(NULLIF(?, ''), title), user_message_count = ?,
		context_usage = COALESCE(?, context_usage),
		model = COALESCE(NULLIF(?, ''), model), cwd = COALESCE(NULLIF(?, ''), cwd),
		repo_root = COALESCE(NULLIF(?, ''), repo_root), git_branch = COALESCE(NULLIF(?, ''), git_branch),
		compute_complete = ?, updated_at = ? WHERE id = ?`,
		u.ByteOffset, u.LastLine, mtime, u.Title, u.UserMessageCount, contextUsage,
		u.Model, u.Cwd, u.RepoRoot, u.GitBranch, u.ComputeComplete, formatTime(u.UpdatedAt), sessionID)
	if err != nil {
		return fmt.Errorf("update cursor for %s: %w", sessionID, err)
	}
	return nil
}

// SetTitle overwrites a session's custom title, as emitted by a
// "custom-title" transcript record.
func (s *Store) SetTitle(sessionID, title string) error {
	_, err := s.db.Exec(`UPDATE sessions SET title = ? WHERE id = ?`, title, sessionID)
	if err != nil {
		return fmt.Errorf("set title for %s: %w", sessionID, err)
	}
	return nil
}

// SetSessionStale marks a session stale (its working directory no longer
// exists) or un-stale (it reappeared), per the Open Question decided in
// DESIGN.md.
func (s *Store) SetSessionStale(sessionID string, stale bool) error {
	_, err := s.db.Exec(`UPDATE sessions SET is_stale = ? WHERE id = ?`, stale, sessionID)
	if err != nil {
		return fmt.Errorf("set session %s stale=%v: %w", sessionID, stale, err)
	}
	return nil
}

// RecomputeCosts recomputes self_cost from this session's own items, sums
// subagents_cost from its direct children's total_cost, and sets
// total_cost = self_cost + subagents_cost, all in one transaction so a
// concurrent reader never observes a half-updated total. Call this for a
// parent session after any child session's total_cost changes.
func (s *Store) RecomputeCosts(sessionID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin recompute costs: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE sessions SET
		self_cost = COALESCE((SELECT SUM(cost) FROM session_items WHERE session_id = sessions.id), 0),
		subagents_cost = COALESCE((SELECT SUM(total_cost) FROM sessions AS child WHERE child.parent_session_id = sessions.id), 0)
		WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("recompute self/subagents cost for %s: %w", sessionID, err)
	}
	if _, err := tx.Exec(`UPDATE sessions SET total_cost = self_cost + subagents_cost WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("recompute total cost for %s: %w", sessionID, err)
	}
	return tx.Commit()
}
