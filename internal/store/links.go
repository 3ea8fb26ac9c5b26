package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// UpsertToolResultLink records that a tool-use declared on toolUseLine was
// answered by a result on resultLine. Idempotent: replaying the same
// (session, tool use id, result line) triple is a no-op.
func (s *Store) UpsertToolResultLink(link ToolResultLink) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO tool_result_links
		(session_id, tool_use_line, tool_use_id, result_line) VALUES (?,?,?,?)`,
		link.SessionID, link.ToolUseLine, link.ToolUseID, link.ResultLine)
	if err != nil {
		return fmt.Errorf("upsert tool result link %s/%s: %w", link.SessionID, link.ToolUseID, err)
	}
	return nil
}

// GetToolResultLinks returns every tool-use/result pairing recorded for a
// session.
func (s *Store) GetToolResultLinks(sessionID string) ([]ToolResultLink, error) {
	rows, err := s.db.Query(`SELECT session_id, tool_use_line, tool_use_id, result_line
		FROM tool_result_links WHERE session_id = ? ORDER BY tool_use_line`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get tool result links for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []ToolResultLink
	for rows.Next() {
		var l ToolResultLink
		if err := rows.Scan(&l.SessionID, &l.ToolUseLine, &l.ToolUseID, &l.ResultLine); err != nil {
			return nil, fmt.Errorf("scan tool result link: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// UpsertAgentLink records (or updates) the child session spawned by a
// "Task"-like tool use. The indexer calls it only from the parent side,
// with ChildSessionID derived from the declared agent id. The upsert
// accepts calls in either order: a row stored without ChildSessionID is
// filled in by a later call that supplies one, and an empty
// ChildSessionID never clears a stored one.
func (s *Store) UpsertAgentLink(link AgentLink) error {
	_, err := s.db.Exec(`INSERT INTO agent_links (parent_session_id, tool_use_id, child_session_id)
		VALUES (?,?,?)
		ON CONFLICT(parent_session_id, tool_use_id) DO UPDATE SET
		child_session_id = COALESCE(NULLIF(excluded.child_session_id, ''), agent_links.child_session_id)`,
		link.ParentSessionID, link.ToolUseID, nullableString(link.ChildSessionID))
	if err != nil {
		return fmt.Errorf("upsert agent link %s/%s: %w", link.ParentSessionID, link.ToolUseID, err)
	}
	return nil
}

// UpsertToolUseDecl records which line declared a tool-use id, so a later
// tool-result line (possibly in a later indexing batch) can be linked back
// to it without re-scanning the whole session.
func (s *Store) UpsertToolUseDecl(sessionID, toolUseID string, lineNum int) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO tool_use_decls (session_id, tool_use_id, line_num)
		VALUES (?,?,?)`, sessionID, toolUseID, lineNum)
	if err != nil {
		return fmt.Errorf("upsert tool use decl %s/%s: %w", sessionID, toolUseID, err)
	}
	return nil
}

// GetToolUseLine looks up the line that declared toolUseID, if recorded.
func (s *Store) GetToolUseLine(sessionID, toolUseID string) (int, bool, error) {
	var line int
	err := s.db.QueryRow(`SELECT line_num FROM tool_use_decls WHERE session_id = ? AND tool_use_id = ?`,
		sessionID, toolUseID).Scan(&line)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get tool use line %s/%s: %w", sessionID, toolUseID, err)
	}
	return line, true, nil
}

// GetAgentLinks returns every subagent spawn recorded for a parent session.
func (s *Store) GetAgentLinks(parentSessionID string) ([]AgentLink, error) {
	rows, err := s.db.Query(`SELECT parent_session_id, tool_use_id, child_session_id
		FROM agent_links WHERE parent_session_id = ?`, parentSessionID)
	if err != nil {
		return nil, fmt.Errorf("get agent links for %s: %w", parentSessionID, err)
	}
	defer rows.Close()

	var out []AgentLink
	for rows.Next() {
		var l AgentLink
		var child sql.NullString
		if err := rows.Scan(&l.ParentSessionID, &l.ToolUseID, &child); err != nil {
			return nil, fmt.Errorf("scan agent link: %w", err)
		}
		l.ChildSessionID = child.String
		out = append(out, l)
	}
	return out, rows.Err()
}
