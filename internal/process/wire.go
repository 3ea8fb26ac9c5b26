package process

import "encoding/json"

// Wire message shapes exchanged over the subprocess's stdin/stdout pipes,
// newline-delimited JSON, typed by a "type" discriminator (§4.E.1). Inbound
// "user"/"assistant" turn messages are decoded with transcript.Parse so the
// wrapper and the indexer share the same message shape; the rest (result,
// control_request/control_response) are transport-only and never persisted.

type wireContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Data     []byte `json:"data,omitempty"`
	Path     string `json:"path,omitempty"`
}

// wireEnvelope is decoded first to read the type discriminator before
// committing to a specific payload shape.
type wireEnvelope struct {
	Type string `json:"type"`
}

// wireResult is the subprocess's turn-completion marker.
type wireResult struct {
	Type    string `json:"type"`
	IsError bool   `json:"is_error"`
	Error   string `json:"error,omitempty"`
}

// wireControlRequest is the subprocess's mid-turn interrupt: a tool
// permission check or a clarifying question.
type wireControlRequest struct {
	Type        string           `json:"type"` // "control_request"
	Subtype     string           `json:"subtype"`
	RequestID   string           `json:"request_id"`
	ToolName    string           `json:"tool_name,omitempty"`
	Input       json.RawMessage  `json:"input,omitempty"`
	Question    string           `json:"question,omitempty"`
	Suggestions []wireSuggestion `json:"permission_suggestions,omitempty"`
}

type wireSuggestion struct {
	Tool   string         `json:"tool"`
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
	// MCPServer is set instead of Tool+Action for an MCP tool suggestion
	// that names only the server; normalizeSuggestions turns it into a
	// server-wide wildcard rule.
	MCPServer string `json:"mcp_server,omitempty"`
}

// wireControlResponse is the reply the wrapper sends back for a
// wireControlRequest.
type wireControlResponse struct {
	Type      string `json:"type"` // "control_response"
	RequestID string `json:"request_id"`
	Approved  bool   `json:"approved"`
	Input     any    `json:"input,omitempty"`
}

// wireTurnMessage is an outbound user turn: text plus attachment blocks.
type wireTurnMessage struct {
	Type    string              `json:"type"` // "user"
	Message wireTurnMessageBody `json:"message"`
}

type wireTurnMessageBody struct {
	Role    string              `json:"role"`
	Content []wireContentBlock  `json:"content"`
}

func newTurnMessage(text string, attachments []Attachment) wireTurnMessage {
	blocks := []wireContentBlock{{Type: "text", Text: text}}
	blocks = append(blocks, marshalAttachmentBlocks(attachments)...)
	return wireTurnMessage{
		Type: "user",
		Message: wireTurnMessageBody{
			Role:    "user",
			Content: blocks,
		},
	}
}

// wireControlCommand pushes a setting (permission mode or model) to the
// live subprocess.
type wireControlCommand struct {
	Type  string `json:"type"` // "control_command"
	Name  string `json:"name"` // "set_permission_mode" | "set_model"
	Value string `json:"value"`
}
