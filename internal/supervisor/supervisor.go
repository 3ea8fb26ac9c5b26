// Package supervisor is the Process Supervisor (SPEC_FULL.md §4.F): the
// registry of live Child-Process Wrapper instances keyed by session id, the
// routing surface for external commands (send/create/kill/resolve/touch),
// the periodic timeout sweep, and the per-wrapper state-change hook that
// forwards snapshots to the Broadcast Hub and flushes pending titles.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentfleet/conductor/internal/permissions"
	"github.com/agentfleet/conductor/internal/process"
	"github.com/agentfleet/conductor/internal/store"
	"github.com/agentfleet/conductor/internal/titles"
)

// Config holds the timeout-sweep and shutdown tunables of §4.F/§6.
type Config struct {
	SweepInterval                time.Duration
	TimeoutStarting               time.Duration
	TimeoutUserTurn               time.Duration
	TimeoutAssistantTurn          time.Duration
	TimeoutAssistantTurnAbsolute  time.Duration
	ShutdownGrace                 time.Duration
	PendingTitleFlushDelay        time.Duration

	TranscriptsRoot string
	ProcessConfig   process.Config
}

// transcriptPath reconstructs a session's backing JSONL file path from its
// project directory and session id, mirroring internal/indexer's two known
// shapes (ParseTranscriptPath's inverse).
func (sv *Supervisor) transcriptPath(projectID, sessionID string) string {
	if strings.Contains(sessionID, "/subagents/") {
		parts := strings.SplitN(sessionID, "/subagents/", 2)
		return filepath.Join(sv.cfg.TranscriptsRoot, projectID, parts[0], "subagents", parts[1]+".jsonl")
	}
	return filepath.Join(sv.cfg.TranscriptsRoot, projectID, sessionID+".jsonl")
}

// Broadcaster is the Supervisor's view of the Broadcast Hub: forward a
// process snapshot to connected clients. Satisfied by *hub.Hub.
type Broadcaster interface {
	BroadcastSnapshot(process.Snapshot)
}

type noopBroadcaster struct{}

func (noopBroadcaster) BroadcastSnapshot(process.Snapshot) {}

// Supervisor owns the wrapper registry and the background sweep.
type Supervisor struct {
	cfg        Config
	store      *store.Store
	perms      *permissions.Engine
	titles     *titles.Store
	broadcaster Broadcaster
	logger     *slog.Logger

	registry sync.Map // session id -> *process.Wrapper

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// New constructs a Supervisor. broadcaster may be nil until the Broadcast
// Hub is wired up; a nil broadcaster silently drops snapshots.
func New(cfg Config, st *store.Store, perms *permissions.Engine, titleStore *titles.Store, broadcaster Broadcaster, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if broadcaster == nil {
		broadcaster = noopBroadcaster{}
	}
	return &Supervisor{
		cfg:         cfg,
		store:       st,
		perms:       perms,
		titles:      titleStore,
		broadcaster: broadcaster,
		logger:      logger,
	}
}

// Run starts the background timeout sweep; it returns once ctx is
// cancelled or Shutdown is called.
func (sv *Supervisor) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	sv.sweepCancel = cancel
	sv.sweepDone = make(chan struct{})
	defer close(sv.sweepDone)

	interval := sv.cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sv.sweep()
		}
	}
}

func (sv *Supervisor) wrapperFor(sessionID string) (*process.Wrapper, bool) {
	v, ok := sv.registry.Load(sessionID)
	if !ok {
		return nil, false
	}
	return v.(*process.Wrapper), true
}

// sweep implements the timeout sweep table of §4.F: every registered
// wrapper is checked against the bound(s) that apply to its current state,
// skipping any wrapper with a filled pending permission slot. Absolute
// takes precedence over inactivity when both fire.
func (sv *Supervisor) sweep() {
	now := time.Now()
	sv.registry.Range(func(_, v any) bool {
		w := v.(*process.Wrapper)
		snap := w.Snapshot()
		if snap.Pending != nil {
			return true
		}

		reason, fired := sv.sweepReason(snap, now)
		if fired {
			w.Kill(reason)
		}
		return true
	})
}

func (sv *Supervisor) sweepReason(snap process.Snapshot, now time.Time) (string, bool) {
	switch snap.State {
	case process.Starting:
		bound := sv.boundOrDefault(sv.cfg.TimeoutStarting, 60*time.Second)
		if now.Sub(snap.StateEntered) >= bound {
			return "starting", true
		}
	case process.UserTurn:
		bound := sv.boundOrDefault(sv.cfg.TimeoutUserTurn, 15*time.Minute)
		if now.Sub(snap.LastActivity) >= bound {
			return "idle", true
		}
	case process.AssistantTurn:
		absoluteBound := sv.boundOrDefault(sv.cfg.TimeoutAssistantTurnAbsolute, 6*time.Hour)
		if now.Sub(snap.StateEntered) >= absoluteBound {
			return "absolute", true
		}
		inactivityBound := sv.boundOrDefault(sv.cfg.TimeoutAssistantTurn, 2*time.Hour)
		if now.Sub(snap.LastActivity) >= inactivityBound {
			return "inactivity", true
		}
	}
	return "", false
}

func (sv *Supervisor) boundOrDefault(configured, def time.Duration) time.Duration {
	if configured <= 0 {
		return def
	}
	return configured
}

// CreateSession implements create_session(session, …), §4.F: errors if an
// active wrapper already exists for the session.
func (sv *Supervisor) CreateSession(sessionID, projectID, cwd, text string, permMode, model string, attachments []process.Attachment) error {
	if _, active := sv.wrapperFor(sessionID); active {
		return fmt.Errorf("session %s already has an active process", sessionID)
	}
	w := sv.spawn(sessionID, projectID, cwd)
	sv.registry.Store(sessionID, w)
	w.Start(process.StartOpts{
		InitialPrompt:  text,
		Resume:         false,
		Attachments:    attachments,
		PermissionMode: permMode,
		Model:          model,
	})
	return nil
}

// SendToSession implements send_to_session(...), §4.F.
func (sv *Supervisor) SendToSession(sessionID, projectID, cwd, text string, permMode, model string, attachments []process.Attachment) error {
	w, active := sv.wrapperFor(sessionID)
	if active {
		if w.Snapshot().State == process.Dead {
			// DEAD entries are cleaned up by the hook; treat as absent.
			active = false
		}
	}

	if active {
		if permMode != "" {
			w.SetPermissionMode(permMode)
		}
		if model != "" && w.Snapshot().State == process.UserTurn {
			w.SetModel(model)
		}
		if text != "" || len(attachments) > 0 {
			w.Send(text, attachments)
		}
		return nil
	}

	if text == "" {
		return fmt.Errorf("no active process for session %s and no text to resume with", sessionID)
	}

	w = sv.spawn(sessionID, projectID, cwd)
	sv.registry.Store(sessionID, w)
	w.Start(process.StartOpts{
		InitialPrompt:  text,
		Resume:         true,
		Attachments:    attachments,
		PermissionMode: permMode,
		Model:          model,
	})
	return nil
}

func (sv *Supervisor) spawn(sessionID, projectID, cwd string) *process.Wrapper {
	return process.New(sessionID, projectID, cwd, sv.cfg.ProcessConfig, sv.hookFor(sessionID), sv.lookupPlanSlug, sv.checkPermission, sv.logger)
}

// checkPermission adapts the persisted permission rule engine to the
// wrapper's PermissionCheck hook (§3.1): a matching allow-once/deny rule is
// single-use and is cleared by Engine.Check itself.
func (sv *Supervisor) checkPermission(tool, action string, params map[string]any) (string, bool) {
	if sv.perms == nil {
		return "", false
	}
	decision, ok := sv.perms.Check(tool, action, params)
	if !ok {
		return "", false
	}
	return string(decision), true
}

// KillProcess implements kill_process(session, reason), §4.F.
func (sv *Supervisor) KillProcess(sessionID, reason string) {
	if w, ok := sv.wrapperFor(sessionID); ok {
		w.Kill(reason)
	}
}

// ResolvePendingRequest implements resolve_pending_request(session, result),
// §4.F: routed straight to the wrapper.
func (sv *Supervisor) ResolvePendingRequest(sessionID string, result process.PermissionResponse) bool {
	w, ok := sv.wrapperFor(sessionID)
	if !ok {
		return false
	}
	return w.ResolvePendingRequest(result)
}

// Touch implements touch(session), §4.F: used by "user is typing" events to
// defer idle timeouts. No-op outside USER_TURN/ASSISTANT_TURN (checked
// here against the wrapper's current state). Real subprocess I/O already
// updates last_activity inside the wrapper; this extends it on UI-only
// signals.
func (sv *Supervisor) Touch(sessionID string) {
	w, ok := sv.wrapperFor(sessionID)
	if !ok {
		return
	}
	snap := w.Snapshot()
	if snap.State == process.UserTurn || snap.State == process.AssistantTurn {
		w.Touch()
	}
}

// ActiveSnapshots returns a snapshot of every registered wrapper's state,
// for the Broadcast Hub's initial active_processes sync on client join.
func (sv *Supervisor) ActiveSnapshots() []process.Snapshot {
	var snaps []process.Snapshot
	sv.registry.Range(func(_, v any) bool {
		w := v.(*process.Wrapper)
		snaps = append(snaps, w.Snapshot())
		return true
	})
	return snaps
}

// Shutdown implements shutdown(grace), §4.F: cancels the sweep, kills every
// wrapper concurrently bounded by grace, then clears the registry.
func (sv *Supervisor) Shutdown(ctx context.Context) {
	if sv.sweepCancel != nil {
		sv.sweepCancel()
		<-sv.sweepDone
	}

	grace := sv.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}

	var wrappers []*process.Wrapper
	sv.registry.Range(func(_, v any) bool {
		wrappers = append(wrappers, v.(*process.Wrapper))
		return true
	})

	killCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	g, _ := errgroup.WithContext(killCtx)
	for _, w := range wrappers {
		w := w
		g.Go(func() error {
			w.Kill("shutdown")
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-killCtx.Done():
		sv.logger.Warn("shutdown grace period elapsed with wrappers still tearing down")
	}

	sv.registry.Range(func(k, _ any) bool {
		sv.registry.Delete(k)
		return true
	})
}

// hookFor returns the state-change hook bound to sessionID, implementing
// §4.F's three-step contract.
func (sv *Supervisor) hookFor(sessionID string) process.Hook {
	return func(snap process.Snapshot) {
		sv.broadcaster.BroadcastSnapshot(snap)

		if snap.State == process.UserTurn || snap.State == process.Dead {
			sv.scheduleTitleFlush(sessionID)
		}

		if snap.State == process.Dead {
			if w, ok := sv.wrapperFor(sessionID); ok {
				sv.registry.CompareAndDelete(sessionID, w)
			}
		}
	}
}

// scheduleTitleFlush implements §4.F step 2: a delayed flush of any
// pending title, giving the subprocess time to finish buffered I/O before
// the title line is appended.
func (sv *Supervisor) scheduleTitleFlush(sessionID string) {
	delay := sv.cfg.PendingTitleFlushDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	time.AfterFunc(delay, func() {
		sv.flushTitle(sessionID)
	})
}

func (sv *Supervisor) flushTitle(sessionID string) {
	title, ok := sv.titles.Take(sessionID)
	if !ok {
		return
	}

	sess, err := sv.store.GetSession(sessionID)
	if err != nil {
		sv.logger.Warn("title flush: session lookup failed", "session_id", sessionID, "error", err)
		return
	}

	line := struct {
		Type        string `json:"type"`
		CustomTitle string `json:"customTitle"`
		SessionID   string `json:"sessionId"`
	}{Type: "custom-title", CustomTitle: title, SessionID: sessionID}

	data, err := json.Marshal(line)
	if err != nil {
		sv.logger.Warn("title flush: marshal failed", "session_id", sessionID, "error", err)
		return
	}
	data = append(data, '\n')

	path := sv.transcriptPath(sess.ProjectID, sessionID)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		sv.logger.Warn("title flush: open transcript failed", "session_id", sessionID, "path", path, "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		sv.logger.Warn("title flush: write failed", "session_id", sessionID, "path", path, "error", err)
	}
}

// lookupPlanSlug implements §4.E step 5's plan lookup: walk the session's
// items newest-first, over the last 200 lines, for a record with a
// non-empty "planSlug" field (the record's type is not checked). When no
// such record exists it returns an error, which the wrapper logs before
// skipping the plan rewrite.
func (sv *Supervisor) lookupPlanSlug(sessionID string) (string, error) {
	sess, err := sv.store.GetSession(sessionID)
	if err != nil {
		return "", fmt.Errorf("lookup session: %w", err)
	}
	if sess.LastLine == 0 {
		return "", fmt.Errorf("no items recorded for session %s", sessionID)
	}

	const window = 200
	from := sess.LastLine - window
	if from < 1 {
		from = 1
	}
	items, err := sv.store.GetItems(sessionID, []store.Range{{From: from, To: sess.LastLine, Closed: true}})
	if err != nil {
		return "", fmt.Errorf("fetch items: %w", err)
	}

	for i := len(items) - 1; i >= 0; i-- {
		var rec struct {
			PlanSlug string `json:"planSlug"`
		}
		if err := json.Unmarshal(items[i].Raw, &rec); err != nil {
			continue
		}
		if rec.PlanSlug != "" {
			return rec.PlanSlug, nil
		}
	}
	return "", fmt.Errorf("no plan record found for session %s", sessionID)
}
