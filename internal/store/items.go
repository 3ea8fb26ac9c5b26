package store

import (
	"database/sql"
	"fmt"
	"strings"
)

// AppendItems bulk-inserts items for a single session inside one
// transaction. Duplicates on (session, line) are silently ignored so a
// replayed batch is idempotent, per §4.A.
func (s *Store) AppendItems(sessionID string, items []Item) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO session_items (
		session_id, line_num, raw, kind, display_level, group_head, group_tail,
		message_id, cost, input_tokens, output_tokens, cache_read,
		cache_create_5m, cache_create_1h, timestamp, repo_root, git_branch
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("prepare append: %w", err)
	}
	defer stmt.Close()

	for _, item := range items {
		if item.SessionID == "" {
			item.SessionID = sessionID
		}
		var groupHead, groupTail any
		if item.GroupHead > 0 {
			groupHead = item.GroupHead
		}
		if item.GroupTail > 0 {
			groupTail = item.GroupTail
		}
		var messageID any
		if item.MessageID != "" {
			messageID = item.MessageID
		}
		var ts any
		if item.Timestamp != nil {
			ts = item.Timestamp.Format(timeFmt)
		}
		_, err := stmt.Exec(
			item.SessionID, item.LineNum, item.Raw, item.Kind, item.DisplayLevel,
			groupHead, groupTail, messageID, item.Cost,
			item.InputTokens, item.OutputTokens, item.CacheRead,
			item.CacheCreate5m, item.CacheCreate1h, ts,
			nullableString(item.RepoRoot), nullableString(item.GitBranch),
		)
		if err != nil {
			return fmt.Errorf("insert item %s:%d: %w", item.SessionID, item.LineNum, err)
		}
	}

	return tx.Commit()
}

// SetItemDerived applies a second-pass update to fields that depend on
// neighboring items (group head/tail, cost, resolved repo root/branch).
func (s *Store) SetItemDerived(sessionID string, lineNum int, fields DerivedFields) error {
	var sets []string
	var args []any

	if fields.GroupHead != nil {
		sets = append(sets, "group_head = ?")
		args = append(args, nullableGroupLine(*fields.GroupHead))
	}
	if fields.GroupTail != nil {
		sets = append(sets, "group_tail = ?")
		args = append(args, nullableGroupLine(*fields.GroupTail))
	}
	if fields.Cost != nil {
		sets = append(sets, "cost = ?")
		args = append(args, *fields.Cost)
	}
	if fields.RepoRoot != nil {
		sets = append(sets, "repo_root = ?")
		args = append(args, *fields.RepoRoot)
	}
	if fields.GitBranch != nil {
		sets = append(sets, "git_branch = ?")
		args = append(args, *fields.GitBranch)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, sessionID, lineNum)
	query := fmt.Sprintf(
		"UPDATE session_items SET %s WHERE session_id = ? AND line_num = ?",
		strings.Join(sets, ", "),
	)
	_, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("set item derived %s:%d: %w", sessionID, lineNum, err)
	}
	return nil
}

func nullableGroupLine(line int) any {
	if line <= 0 {
		return nil
	}
	return line
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// GetItems fetches items in the given session within the union of ranges,
// ordered by line number, including verbatim bytes.
func (s *Store) GetItems(sessionID string, ranges []Range) ([]Item, error) {
	return s.queryItems(sessionID, ranges, true)
}

// GetMetadataOnly is the same fetch as GetItems, omitting the verbatim
// record bytes.
func (s *Store) GetMetadataOnly(sessionID string, ranges []Range) ([]Item, error) {
	return s.queryItems(sessionID, ranges, false)
}

func (s *Store) queryItems(sessionID string, ranges []Range, withRaw bool) ([]Item, error) {
	where, args := rangesToWhere(ranges)

	rawCol := "raw"
	if !withRaw {
		rawCol = "NULL"
	}
	query := fmt.Sprintf(`SELECT line_num, %s, kind, display_level, group_head, group_tail,
		message_id, cost, input_tokens, output_tokens, cache_read, cache_create_5m,
		cache_create_1h, timestamp, repo_root, git_branch
		FROM session_items WHERE session_id = ? AND (%s) ORDER BY line_num`, rawCol, where)

	allArgs := append([]any{sessionID}, args...)
	rows, err := s.db.Query(query, allArgs...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var item Item
		item.SessionID = sessionID
		var groupHead, groupTail sql.NullInt64
		var messageID, timestamp, repoRoot, gitBranch sql.NullString
		var cost sql.NullFloat64
		var inputTokens, outputTokens, cacheRead, cache5m, cache1h sql.NullInt64
		var raw []byte

		if err := rows.Scan(&item.LineNum, &raw, &item.Kind, &item.DisplayLevel,
			&groupHead, &groupTail, &messageID, &cost, &inputTokens, &outputTokens,
			&cacheRead, &cache5m, &cache1h, &timestamp, &repoRoot, &gitBranch); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}

		item.Raw = raw
		item.GroupHead = int(groupHead.Int64)
		item.GroupTail = int(groupTail.Int64)
		item.MessageID = messageID.String
		item.RepoRoot = repoRoot.String
		item.GitBranch = gitBranch.String
		if cost.Valid {
			item.Cost = &cost.Float64
		}
		if inputTokens.Valid {
			v := int(inputTokens.Int64)
			item.InputTokens = &v
		}
		if outputTokens.Valid {
			v := int(outputTokens.Int64)
			item.OutputTokens = &v
		}
		if cacheRead.Valid {
			v := int(cacheRead.Int64)
			item.CacheRead = &v
		}
		if cache5m.Valid {
			v := int(cache5m.Int64)
			item.CacheCreate5m = &v
		}
		if cache1h.Valid {
			v := int(cache1h.Int64)
			item.CacheCreate1h = &v
		}
		if timestamp.Valid {
			if t, err := parseTime(timestamp.String); err == nil {
				item.Timestamp = &t
			}
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// CountItemsByKind recomputes a per-kind item count directly from storage,
// so aggregates like user_message_count never drift from what's persisted.
func (s *Store) CountItemsByKind(sessionID, kind string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM session_items WHERE session_id = ? AND kind = ?`,
		sessionID, kind).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count items by kind %s/%s: %w", sessionID, kind, err)
	}
	return count, nil
}

func rangesToWhere(ranges []Range) (string, []any) {
	if len(ranges) == 0 {
		return "1=1", nil
	}
	var parts []string
	var args []any
	for _, r := range ranges {
		switch {
		case r.From == 0 && r.To == 0:
			parts = append(parts, "1=1")
		case r.From != 0 && r.To == 0:
			parts = append(parts, "line_num >= ?")
			args = append(args, r.From)
		case r.From == 0 && r.To != 0:
			if r.Closed {
				parts = append(parts, "line_num <= ?")
			} else {
				parts = append(parts, "line_num < ?")
			}
			args = append(args, r.To)
		default:
			if r.Closed {
				parts = append(parts, "line_num BETWEEN ? AND ?")
			} else {
				parts = append(parts, "line_num >= ? AND line_num < ?")
			}
			args = append(args, r.From, r.To)
		}
	}
	return "(" + strings.Join(parts, ") OR (") + ")", args
}
