package store

import "time"

// SessionKind distinguishes a top-level conversation from a nested
// subagent conversation.
type SessionKind string

const (
	KindPrimary  SessionKind = "primary"
	KindSubagent SessionKind = "subagent"
)

// Project is one working-directory's aggregate row.
type Project struct {
	ID           string
	WorkingDir   string
	RepoRoot     string
	SessionCount int
	TotalCost    float64
	IsStale      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Session is one conversation's aggregate row.
type Session struct {
	ID                string
	ProjectID         string
	Kind              SessionKind
	ParentSessionID   string
	ByteOffset        int64
	LastLine          int
	LastMtime         time.Time
	ComputeVersion    int
	Title             string
	UserMessageCount  int
	ContextUsage      int
	SelfCost          float64
	SubagentsCost     float64
	TotalCost         float64
	Model             string
	Cwd               string
	RepoRoot          string
	GitBranch         string
	IsStale           bool
	ComputeComplete   bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Item is one persisted transcript line plus its derived fields.
type Item struct {
	SessionID     string
	LineNum       int
	Raw           []byte
	Kind          string
	DisplayLevel  string
	GroupHead     int // 0 = null
	GroupTail     int // 0 = null
	MessageID     string
	Cost          *float64
	InputTokens   *int
	OutputTokens  *int
	CacheRead     *int
	CacheCreate5m *int
	CacheCreate1h *int
	Timestamp     *time.Time
	RepoRoot      string
	GitBranch     string
}

// DerivedFields is the subset of Item that a second-pass update may
// rewrite, per §4.A's set_item_derived operation.
type DerivedFields struct {
	GroupHead     *int
	GroupTail     *int
	Cost          *float64
	RepoRoot      *string
	GitBranch     *string
}

// Range is one {exact, half-open, closed} interval of line numbers, per
// §4.A's get_items range union.
type Range struct {
	// From is the inclusive lower bound. 0 means unbounded (from the start).
	From int
	// To is the bound named by Closed: inclusive if Closed, exclusive
	// (half-open) otherwise. 0 means unbounded (to the end).
	To     int
	Closed bool
}

// Exact returns a Range selecting exactly one line.
func Exact(line int) Range {
	return Range{From: line, To: line, Closed: true}
}

// ToolResultLink maps a tool-use declaration to the line carrying its
// result.
type ToolResultLink struct {
	SessionID   string
	ToolUseLine int
	ToolUseID   string
	ResultLine  int
}

// AgentLink maps a tool-use id that spawned a subagent to that child
// session's id. ChildSessionID may be empty when a caller stores the link
// before the child's id is known.
type AgentLink struct {
	ParentSessionID string
	ToolUseID       string
	ChildSessionID  string
}
