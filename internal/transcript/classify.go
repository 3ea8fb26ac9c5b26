package transcript

import "strings"

// Kind is the classification a record is assigned before storage.
type Kind string

const (
	KindUserMessage      Kind = "user-message"
	KindAssistantMessage Kind = "assistant-message"
	KindToolUseOnly      Kind = "tool-use-only"
	KindToolResult       Kind = "tool-result"
	KindAPIError         Kind = "api-error"
	KindCustomTitle      Kind = "custom-title"
	KindSystemNoise      Kind = "system-noise"
	KindUnknown          Kind = "unknown"
)

// DisplayLevel is the per-item visibility class the UI folds on.
type DisplayLevel string

const (
	DisplayAlways      DisplayLevel = "ALWAYS"
	DisplayCollapsible DisplayLevel = "COLLAPSIBLE"
	DisplayDebugOnly   DisplayLevel = "DEBUG_ONLY"
)

// systemNoisePrefixes are the bracketed/tagged prefixes the subprocess uses
// for injected system content that should never appear as a user message to
// a human reader (slash-command echoes, interruption markers, hook output).
var systemNoisePrefixes = []string{
	"<command-name>",
	"<command-message>",
	"<command-args>",
	"<local-command-stdout>",
	"<local-command-stderr>",
	"<system-reminder>",
	"[Request interrupted by user",
}

func hasSystemNoisePrefix(text string) bool {
	trimmed := strings.TrimSpace(text)
	for _, prefix := range systemNoisePrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			return true
		}
	}
	return false
}

// Classify assigns a record's Kind and DisplayLevel per SPEC_FULL.md §4.B.
func Classify(rec *Record) (Kind, DisplayLevel) {
	if rec == nil {
		return KindUnknown, DisplayDebugOnly
	}

	switch rec.Type {
	case "custom-title":
		return KindCustomTitle, DisplayDebugOnly
	case "api-error", "error":
		return KindAPIError, DisplayAlways
	}

	if rec.Message == nil {
		return KindUnknown, DisplayDebugOnly
	}

	blocks := rec.Message.Blocks()

	switch rec.Message.Role {
	case "user":
		hasVisible := false
		hasToolResult := false
		for _, b := range blocks {
			switch b.Type {
			case BlockText, BlockDocument, BlockImage:
				hasVisible = true
			case BlockToolResult:
				hasToolResult = true
			}
		}
		if hasToolResult && !hasVisible {
			return KindToolResult, DisplayDebugOnly
		}
		if hasVisible {
			for _, b := range blocks {
				if b.Type == BlockText && hasSystemNoisePrefix(b.Text) {
					return KindSystemNoise, DisplayDebugOnly
				}
			}
			return KindUserMessage, DisplayAlways
		}
		return KindUnknown, DisplayDebugOnly

	case "assistant":
		hasVisible := false
		hasToolUse := false
		for _, b := range blocks {
			switch b.Type {
			case BlockText, BlockDocument, BlockImage:
				hasVisible = true
			case BlockToolUse:
				hasToolUse = true
			}
		}
		if hasVisible {
			return KindAssistantMessage, DisplayAlways
		}
		if hasToolUse {
			return KindToolUseOnly, DisplayCollapsible
		}
		return KindUnknown, DisplayDebugOnly
	}

	return KindUnknown, DisplayDebugOnly
}
