// Package indexer is the Incremental Indexer (SPEC_FULL.md §4.C): it tails
// append-only transcript files by byte offset, classifies and extracts
// derived metadata for newly observed lines, and persists the result
// through the transcript store.
package indexer

import (
	"path/filepath"
	"strings"
)

// TranscriptKind distinguishes the two shapes a transcript path can take,
// per §6's directory layout.
type TranscriptKind int

const (
	// KindUnknown is returned for a path that matches neither known shape,
	// including a legacy agent-*.jsonl file sitting directly under a
	// project directory.
	KindUnknown TranscriptKind = iota
	KindSessionFile
	KindSubagentFile
)

// TranscriptPath is a transcript file's path decomposed against the
// watched root.
type TranscriptPath struct {
	Kind            TranscriptKind
	ProjectDir      string // direct child of root
	SessionID       string
	ParentSessionID string // set only for KindSubagentFile
	AgentID         string // set only for KindSubagentFile
}

// ParseTranscriptPath classifies path (an absolute file path) against
// root's two known shapes:
//
//	<root>/<project_dir>/<session_id>.jsonl
//	<root>/<project_dir>/<session_id>/subagents/agent-<agent_id>.jsonl
//
// A file starting with "agent-" directly under <root>/<project_dir>/ is
// legacy and classifies as KindUnknown, per §6.
func ParseTranscriptPath(root, path string) TranscriptPath {
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return TranscriptPath{Kind: KindUnknown}
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")

	switch len(parts) {
	case 2:
		projectDir, file := parts[0], parts[1]
		if !strings.HasSuffix(file, ".jsonl") {
			return TranscriptPath{Kind: KindUnknown}
		}
		sessionID := strings.TrimSuffix(file, ".jsonl")
		if strings.HasPrefix(sessionID, "agent-") {
			return TranscriptPath{Kind: KindUnknown}
		}
		return TranscriptPath{Kind: KindSessionFile, ProjectDir: projectDir, SessionID: sessionID}

	case 4:
		projectDir, parentSessionID, subagentsDir, file := parts[0], parts[1], parts[2], parts[3]
		if subagentsDir != "subagents" || !strings.HasSuffix(file, ".jsonl") {
			return TranscriptPath{Kind: KindUnknown}
		}
		name := strings.TrimSuffix(file, ".jsonl")
		agentID, ok := strings.CutPrefix(name, "agent-")
		if !ok {
			return TranscriptPath{Kind: KindUnknown}
		}
		return TranscriptPath{
			Kind:            KindSubagentFile,
			ProjectDir:      projectDir,
			SessionID:       parentSessionID + "/subagents/" + name,
			ParentSessionID: parentSessionID,
			AgentID:         agentID,
		}

	default:
		return TranscriptPath{Kind: KindUnknown}
	}
}

// repoMarkers are the files/directories whose presence identifies a
// directory as a repository root.
var repoMarkers = []string{".git", ".hg", ".jj"}

// ResolveRepoRoot walks upward from dir looking for a repository marker,
// returning "" if none is found before reaching the filesystem root.
func ResolveRepoRoot(statFn func(string) bool, dir string) string {
	cur := filepath.Clean(dir)
	for {
		for _, marker := range repoMarkers {
			if statFn(filepath.Join(cur, marker)) {
				return cur
			}
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return ""
		}
		cur = parent
	}
}
