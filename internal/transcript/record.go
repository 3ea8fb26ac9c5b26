// Package transcript implements the Derived-Metadata Engine: pure functions
// that turn one parsed transcript record into classification, token usage,
// cost, and cross-reference information. Nothing in this package touches a
// filesystem or a database — that belongs to internal/indexer and
// internal/store respectively.
package transcript

import (
	"encoding/json"
	"time"
)

// BlockType enumerates the content-block discriminators the subprocess's
// transcript format defines (§6).
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockImage      BlockType = "image"
	BlockDocument   BlockType = "document"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one entry of a message's content array. Only the fields
// relevant to a given Type are populated; the rest are zero values.
type ContentBlock struct {
	Type      BlockType       `json:"type"`
	Text      string          `json:"text,omitempty"`
	Name      string          `json:"name,omitempty"`       // tool_use: tool name
	ID        string          `json:"id,omitempty"`          // tool_use: tool-use id
	Input     json.RawMessage `json:"input,omitempty"`       // tool_use: tool input
	ToolUseID string          `json:"tool_use_id,omitempty"` // tool_result: referenced tool-use id
	Content   json.RawMessage `json:"content,omitempty"`     // tool_result: result payload
	IsError   bool            `json:"is_error,omitempty"`    // tool_result: error flag
}

// CacheCreation breaks the 1h/5m ephemeral cache-write token categories
// apart, mirroring the provider's usage block shape.
type CacheCreation struct {
	Ephemeral5mInputTokens int `json:"ephemeral_5m_input_tokens"`
	Ephemeral1hInputTokens int `json:"ephemeral_1h_input_tokens"`
}

// Usage is the token-accounting block the subprocess attaches to
// assistant messages.
type Usage struct {
	InputTokens              int            `json:"input_tokens"`
	OutputTokens             int            `json:"output_tokens"`
	CacheReadInputTokens     int            `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int            `json:"cache_creation_input_tokens"`
	CacheCreation            *CacheCreation `json:"cache_creation,omitempty"`
}

// cache5m and cache1h split CacheCreationInputTokens into the two billing
// windows, falling back to treating the whole total as 5m-tier when the
// provider didn't break it down.
func (u *Usage) cache5m() int {
	if u == nil {
		return 0
	}
	if u.CacheCreation != nil {
		return u.CacheCreation.Ephemeral5mInputTokens
	}
	return u.CacheCreationInputTokens
}

func (u *Usage) cache1h() int {
	if u == nil || u.CacheCreation == nil {
		return 0
	}
	return u.CacheCreation.Ephemeral1hInputTokens
}

// Message is the `message` object of a transcript record.
type Message struct {
	ID      string          `json:"id,omitempty"`
	Role    string          `json:"role"`
	Model   string          `json:"model,omitempty"`
	Usage   *Usage          `json:"usage,omitempty"`
	Content json.RawMessage `json:"content"`
}

// Blocks decodes the message's content array. The provider sometimes emits
// a bare string for simple single-block text messages; that shape is
// normalized into a single text block.
func (m *Message) Blocks() []ContentBlock {
	if m == nil || len(m.Content) == 0 {
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err == nil {
		return blocks
	}
	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil {
		return []ContentBlock{{Type: BlockText, Text: text}}
	}
	return nil
}

// Record is the discriminated union over one JSON-Lines transcript line.
// Known tags are decoded into the typed fields below; anything else is
// still retrievable through Raw and Type for the "unknown/raw" variant
// described in SPEC_FULL.md §9.
type Record struct {
	Type        string   `json:"type"`
	UUID        string   `json:"uuid,omitempty"`
	SessionID   string   `json:"sessionId,omitempty"`
	Timestamp   string   `json:"timestamp,omitempty"`
	Cwd         string   `json:"cwd,omitempty"`
	GitBranch   string   `json:"gitBranch,omitempty"`
	AgentID     string   `json:"agentId,omitempty"`
	CustomTitle string   `json:"customTitle,omitempty"`
	Message     *Message `json:"message,omitempty"`

	// Raw holds the exact bytes this record was parsed from, preserved
	// verbatim for storage regardless of how much of the record parsed.
	Raw []byte `json:"-"`
}

// Parse decodes one transcript line. A JSON syntax error still returns a
// Record carrying the raw bytes and an empty Type, so callers can persist
// it verbatim with DEBUG_ONLY classification per §7's parse-error policy.
func Parse(line []byte) (*Record, error) {
	rec := &Record{Raw: append([]byte(nil), line...)}
	if err := json.Unmarshal(line, rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// Time parses the record's ISO-8601 timestamp. A missing or malformed
// timestamp is not an error — it yields the zero value and ok=false.
func (r *Record) Time() (time.Time, bool) {
	if r == nil || r.Timestamp == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, r.Timestamp)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
