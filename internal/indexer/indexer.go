package indexer

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/agentfleet/conductor/internal/pricing"
	"github.com/agentfleet/conductor/internal/store"
	"github.com/agentfleet/conductor/internal/transcript"
)

// lookbackLines is how many already-persisted items, immediately preceding
// a newly read batch, the grouping pass re-reads to bridge a run across a
// batch boundary (§4.C's ordering constraint).
const lookbackLines = 20

// Target names one transcript file and the session identity it maps to,
// as decided by ParseTranscriptPath.
type Target struct {
	Path            string
	ProjectDir      string
	SessionID       string
	Kind            store.SessionKind
	ParentSessionID string
}

// Indexer applies SPEC_FULL.md §4.C's sync algorithm: tail a transcript
// file by byte offset, derive metadata for each newly observed line, and
// persist the result.
type Indexer struct {
	store   *store.Store
	pricing *pricing.Schedule
	logger  *slog.Logger
}

// New builds an Indexer. logger defaults to slog.Default() when nil.
func New(st *store.Store, sched *pricing.Schedule, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{store: st, pricing: sched, logger: logger}
}

// SyncResult reports what a Sync pass changed. MetaUpdates carries the
// already-persisted items (outside the new batch) whose group head/tail
// fields were revised because a collapsible run crossed the batch
// boundary — the "metadata-only updates to earlier items" §4.G's
// session_items_added event carries alongside the new items themselves.
type SyncResult struct {
	Changed     bool
	MetaUpdates []store.Item
}

// Sync runs one tail-and-persist pass over target.Path. It reports whether
// any new bytes were observed.
func (ix *Indexer) Sync(target Target) (SyncResult, error) {
	existing, err := ix.store.GetSession(target.SessionID)
	hasSession := err == nil
	if err != nil && err != store.ErrNotFound {
		return SyncResult{}, fmt.Errorf("load session %s: %w", target.SessionID, err)
	}

	var fromOffset int64
	var fromLine int
	var cachedMtime time.Time
	if hasSession {
		fromOffset = existing.ByteOffset
		fromLine = existing.LastLine
		cachedMtime = existing.LastMtime
	}

	result, err := tailFile(target.Path, fromOffset, fromLine, cachedMtime)
	if err != nil {
		return SyncResult{}, fmt.Errorf("tail %s: %w", target.Path, err)
	}
	if result.Unchanged || len(result.Lines) == 0 {
		// Empty file on disk, or a write still mid-flush: never
		// materialize a Session row for a file with no complete lines.
		return SyncResult{}, nil
	}

	if !hasSession {
		if err := ix.createSession(target); err != nil {
			return SyncResult{}, err
		}
	}

	batch := ix.deriveBatch(target, result.Lines)

	if err := ix.store.AppendItems(target.SessionID, batch.items); err != nil {
		return SyncResult{}, fmt.Errorf("append items for %s: %w", target.SessionID, err)
	}

	metaLines, err := ix.recomputeGroups(target.SessionID, result.Lines[0].LineNum)
	if err != nil {
		return SyncResult{}, err
	}

	if err := ix.persistCrossRefs(target, batch); err != nil {
		return SyncResult{}, err
	}

	if batch.titleUpdate != "" {
		if err := ix.store.SetTitle(target.SessionID, batch.titleUpdate); err != nil {
			return SyncResult{}, fmt.Errorf("set title: %w", err)
		}
	}

	userMessageCount, err := ix.store.CountItemsByKind(target.SessionID, string(transcript.KindUserMessage))
	if err != nil {
		return SyncResult{}, fmt.Errorf("recount user messages: %w", err)
	}

	if err := ix.resolveRepoRoot(target, batch.lastCwd); err != nil {
		ix.logger.Warn("resolve repo root failed", "session", target.SessionID, "error", err)
	}

	if err := ix.store.UpdateCursor(target.SessionID, store.CursorUpdate{
		ByteOffset:       result.NewOffset,
		LastLine:         result.Lines[len(result.Lines)-1].LineNum,
		LastMtime:        sql.NullTime{Time: result.Mtime, Valid: !result.Mtime.IsZero()},
		UserMessageCount: userMessageCount,
		ContextUsage:     batch.lastContextUsage,
		Model:            batch.lastModel,
		Cwd:              batch.lastCwd,
		GitBranch:        batch.lastGitBranch,
		UpdatedAt:        result.Mtime,
	}); err != nil {
		return SyncResult{}, fmt.Errorf("update cursor: %w", err)
	}

	if err := ix.store.RecomputeCosts(target.SessionID); err != nil {
		return SyncResult{}, fmt.Errorf("recompute costs for %s: %w", target.SessionID, err)
	}

	if target.Kind == store.KindSubagent && target.ParentSessionID != "" {
		if err := ix.store.RecomputeCosts(target.ParentSessionID); err != nil {
			return SyncResult{}, fmt.Errorf("propagate cost to parent %s: %w", target.ParentSessionID, err)
		}
	}

	if err := ix.store.RecountProjectAggregates(target.ProjectDir, result.Mtime); err != nil {
		return SyncResult{}, fmt.Errorf("recount project %s: %w", target.ProjectDir, err)
	}

	var metaItems []store.Item
	if len(metaLines) > 0 {
		ranges := make([]store.Range, len(metaLines))
		for i, ln := range metaLines {
			ranges[i] = store.Exact(ln)
		}
		metaItems, err = ix.store.GetMetadataOnly(target.SessionID, ranges)
		if err != nil {
			return SyncResult{}, fmt.Errorf("load meta-updated items: %w", err)
		}
	}

	return SyncResult{Changed: true, MetaUpdates: metaItems}, nil
}

type toolUseOccurrence struct {
	line int
	id   string
}

type resultLinkOccurrence struct {
	line      int
	toolUseID string
}

type agentLinkOccurrence struct {
	toolUseID string
	agentID   string
}

type derivedBatch struct {
	items            []store.Item
	toolUseDecls     []toolUseOccurrence
	resultLinks      []resultLinkOccurrence
	agentLinks       []agentLinkOccurrence
	titleUpdate      string
	lastModel        string
	lastCwd          string
	lastGitBranch    string
	lastContextUsage *int
}

// deriveBatch runs the Derived-Metadata Engine over each newly read line:
// classification, usage extraction with cost dedup, and cross-reference
// extraction, per §4.C steps 3-4.
func (ix *Indexer) deriveBatch(target Target, lines []RawLine) derivedBatch {
	var b derivedBatch
	seen := map[string]bool{}
	b.items = make([]store.Item, 0, len(lines))

	for _, raw := range lines {
		rec, parseErr := transcript.Parse(raw.Bytes)
		kind, display := transcript.Classify(rec)
		if parseErr != nil {
			kind, display = transcript.KindUnknown, transcript.DisplayDebugOnly
		}

		item := store.Item{
			LineNum:      raw.LineNum,
			Raw:          raw.Bytes,
			Kind:         string(kind),
			DisplayLevel: string(display),
		}

		if t, ok := rec.Time(); ok {
			item.Timestamp = &t
		}
		if rec.Cwd != "" {
			b.lastCwd = rec.Cwd
		}
		if rec.GitBranch != "" {
			item.GitBranch = rec.GitBranch
			b.lastGitBranch = rec.GitBranch
		}

		if usage, ok := transcript.ExtractUsage(rec); ok {
			cost := transcript.ComputeCost(usage, ix.pricing, seen)
			item.Cost = &cost
			input, output := usage.InputTokens, usage.OutputTokens
			cacheRead, c5m, c1h := usage.CacheRead, usage.CacheCreate5m, usage.CacheCreate1h
			item.InputTokens, item.OutputTokens = &input, &output
			item.CacheRead, item.CacheCreate5m, item.CacheCreate1h = &cacheRead, &c5m, &c1h
			item.MessageID = usage.MessageID
			ctxUsage := usage.ContextUsage()
			b.lastContextUsage = &ctxUsage
			if usage.Model != "" {
				b.lastModel = usage.Model
			}
		}

		if kind == transcript.KindCustomTitle && rec.CustomTitle != "" {
			b.titleUpdate = rec.CustomTitle
		}

		refs := transcript.ExtractCrossRefs(rec)
		for _, decl := range refs.ToolUseDecls {
			b.toolUseDecls = append(b.toolUseDecls, toolUseOccurrence{line: raw.LineNum, id: decl.ToolUseID})
		}
		for _, rl := range refs.ResultLinks {
			b.resultLinks = append(b.resultLinks, resultLinkOccurrence{line: raw.LineNum, toolUseID: rl.ToolUseID})
		}
		for _, al := range refs.AgentLinks {
			b.agentLinks = append(b.agentLinks, agentLinkOccurrence{toolUseID: al.ToolUseID, agentID: al.AgentID})
		}

		b.items = append(b.items, item)
	}

	return b
}

func (ix *Indexer) persistCrossRefs(target Target, batch derivedBatch) error {
	for _, occ := range batch.toolUseDecls {
		if err := ix.store.UpsertToolUseDecl(target.SessionID, occ.id, occ.line); err != nil {
			return fmt.Errorf("upsert tool use decl: %w", err)
		}
	}
	for _, occ := range batch.resultLinks {
		line, ok, err := ix.store.GetToolUseLine(target.SessionID, occ.toolUseID)
		if err != nil {
			return fmt.Errorf("resolve tool use line: %w", err)
		}
		if !ok {
			continue
		}
		if err := ix.store.UpsertToolResultLink(store.ToolResultLink{
			SessionID: target.SessionID, ToolUseLine: line, ToolUseID: occ.toolUseID, ResultLine: occ.line,
		}); err != nil {
			return fmt.Errorf("upsert tool result link: %w", err)
		}
	}
	for _, occ := range batch.agentLinks {
		if err := ix.store.UpsertAgentLink(store.AgentLink{
			ParentSessionID: target.SessionID,
			ToolUseID:       occ.toolUseID,
			ChildSessionID:  sessionIDForAgent(target.SessionID, occ.agentID),
		}); err != nil {
			return fmt.Errorf("upsert agent link: %w", err)
		}
	}
	return nil
}

func (ix *Indexer) createSession(target Target) error {
	now := time.Now().UTC()
	if err := ix.store.UpsertProject(store.Project{ID: target.ProjectDir, CreatedAt: now}); err != nil {
		return fmt.Errorf("upsert project %s: %w", target.ProjectDir, err)
	}
	return ix.store.CreateSession(store.Session{
		ID:              target.SessionID,
		ProjectID:       target.ProjectDir,
		Kind:            target.Kind,
		ParentSessionID: target.ParentSessionID,
		ComputeVersion:  1,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
}

// recomputeGroups re-derives (head, tail) for the new batch plus a lookback
// window of already-persisted items, so a run that started in a prior
// batch keeps a consistent head across the boundary. It returns the line
// numbers strictly before firstNewLine whose head/tail changed as a
// result — items already broadcast in an earlier session_items_added
// event that now need a metadata-only follow-up, per §4.G.
func (ix *Indexer) recomputeGroups(sessionID string, firstNewLine int) ([]int, error) {
	var existing []store.Item
	if firstNewLine > 1 {
		from := firstNewLine - lookbackLines
		if from < 1 {
			from = 1
		}
		var err error
		existing, err = ix.store.GetMetadataOnly(sessionID, []store.Range{{From: from, To: firstNewLine - 1, Closed: true}})
		if err != nil {
			return nil, fmt.Errorf("load lookback window: %w", err)
		}
	}
	newItems, err := ix.store.GetMetadataOnly(sessionID, []store.Range{{From: firstNewLine}})
	if err != nil {
		return nil, fmt.Errorf("load new batch: %w", err)
	}

	window := make([]transcript.GroupItem, 0, len(existing)+len(newItems))
	prevGroup := make(map[int][2]int, len(existing))
	for _, it := range existing {
		window = append(window, transcript.GroupItem{Line: it.LineNum, Display: transcript.DisplayLevel(it.DisplayLevel)})
		prevGroup[it.LineNum] = [2]int{it.GroupHead, it.GroupTail}
	}
	for _, it := range newItems {
		window = append(window, transcript.GroupItem{Line: it.LineNum, Display: transcript.DisplayLevel(it.DisplayLevel)})
	}

	updates := transcript.ComputeGroups(window)
	var metaLines []int
	for _, u := range updates {
		head, tail := u.Head, u.Tail
		if err := ix.store.SetItemDerived(sessionID, u.Line, store.DerivedFields{GroupHead: &head, GroupTail: &tail}); err != nil {
			return nil, fmt.Errorf("set derived group for line %d: %w", u.Line, err)
		}
		if u.Line < firstNewLine && prevGroup[u.Line] != [2]int{head, tail} {
			metaLines = append(metaLines, u.Line)
		}
	}
	return metaLines, nil
}

// resolveRepoRoot records a project's working directory and repository
// root the first time they're observed, per §4.C step 8.
func (ix *Indexer) resolveRepoRoot(target Target, cwd string) error {
	if cwd == "" {
		return nil
	}
	project, err := ix.store.GetProject(target.ProjectDir)
	if err != nil {
		return fmt.Errorf("load project %s: %w", target.ProjectDir, err)
	}
	changed := false
	if project.WorkingDir == "" {
		project.WorkingDir = cwd
		changed = true
	}
	if project.RepoRoot == "" {
		if root := ResolveRepoRoot(pathExists, cwd); root != "" {
			project.RepoRoot = root
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return ix.store.UpsertProject(project)
}

func pathExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// sessionIDForAgent builds the deterministic synthetic session id for a
// subagent transcript, matching ParseTranscriptPath's convention — the
// agent link is resolvable the moment the parent declares the spawning
// tool use, without waiting for the child's own transcript to appear.
func sessionIDForAgent(parentSessionID, agentID string) string {
	return parentSessionID + "/subagents/agent-" + agentID
}
