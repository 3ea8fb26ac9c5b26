package transcript

import "encoding/json"

// ToolUseDecl is one tool-use block declared by an assistant record.
type ToolUseDecl struct {
	ToolUseID string
	ToolName  string
	Input     []byte
}

// ResultLink associates a tool-result record back to the tool-use id it
// answers.
type ResultLink struct {
	ToolUseID string
}

// AgentLink associates a tool-use id that spawned a subagent with the
// declared child agent id.
type AgentLink struct {
	ToolUseID string
	AgentID   string
}

// spawnAgentTools names the tool(s) whose invocation spawns a nested
// session. The subprocess's own tool catalog determines this set; "Task" is
// the tool name the subprocess's agent-spawning tool uses.
var spawnAgentTools = map[string]bool{
	"Task": true,
}

// CrossRefs is everything §4.B "Cross-reference extraction" can emit for
// one record.
type CrossRefs struct {
	ToolUseDecls []ToolUseDecl
	ResultLinks  []ResultLink
	AgentLinks   []AgentLink
}

// ExtractCrossRefs walks a record's content blocks for tool-use
// declarations, tool-result links, and agent-spawn links.
func ExtractCrossRefs(rec *Record) CrossRefs {
	var refs CrossRefs
	if rec == nil || rec.Message == nil {
		return refs
	}

	for _, b := range rec.Message.Blocks() {
		switch b.Type {
		case BlockToolUse:
			refs.ToolUseDecls = append(refs.ToolUseDecls, ToolUseDecl{
				ToolUseID: b.ID,
				ToolName:  b.Name,
				Input:     b.Input,
			})
			if spawnAgentTools[b.Name] {
				if agentID := agentIDFromInput(b.Input); agentID != "" {
					refs.AgentLinks = append(refs.AgentLinks, AgentLink{
						ToolUseID: b.ID,
						AgentID:   agentID,
					})
				}
			}
		case BlockToolResult:
			if b.ToolUseID != "" {
				refs.ResultLinks = append(refs.ResultLinks, ResultLink{ToolUseID: b.ToolUseID})
			}
		}
	}
	return refs
}

// agentIDFromInput extracts a declared child agent id from a spawn-agent
// tool's input, when present. A spawn whose input declares no agent_id
// yields no AgentLink, and the Incremental Indexer does not add one later
// from the child session's side.
func agentIDFromInput(input []byte) string {
	var decoded struct {
		AgentID string `json:"agent_id"`
	}
	if len(input) == 0 {
		return ""
	}
	if err := json.Unmarshal(input, &decoded); err != nil {
		return ""
	}
	return decoded.AgentID
}
